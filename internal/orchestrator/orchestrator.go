// Package orchestrator schedules ingestion cycles and wires the S3
// ingestor, parser registry, and Sentinel router together, owning the
// last-processed-time watermark. Dependencies are constructed up front;
// background work starts explicitly via Start and stops in reverse
// order via Shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/topazyo/s3-sentinel-connector/internal/metrics"
	"github.com/topazyo/s3-sentinel-connector/internal/s3ingest"
	"github.com/topazyo/s3-sentinel-connector/internal/sentinel"
	"github.com/topazyo/s3-sentinel-connector/pkg/models"
	"github.com/topazyo/s3-sentinel-connector/pkg/parser"
)

// Report is the aggregate result of one run_once cycle.
type Report struct {
	Bucket        string
	Prefix        string
	Since         time.Time
	ObjectsListed int
	ObjectsFailed int
	Processed     int
	Failed        int
	Dropped       int
	SinkFailures  int
	BatchCount    int
	ParseErrors   int
	StartedAt     time.Time
	Duration      time.Duration
	NewWatermark  time.Time
}

// Config holds the orchestrator's own scheduling settings, loaded from
// the configuration snapshot's "orchestrator" group.
type Config struct {
	Bucket     string
	Prefix     string
	LogType    string // router table name, passed to Route
	ParserType string // parser registry key, passed to Registry.Resolve

	CycleInterval time.Duration
	CycleTimeout  time.Duration
	ListPageSize  int32
	Filter        models.ListFilter
}

func (c Config) withDefaults() Config {
	if c.CycleInterval <= 0 {
		c.CycleInterval = 60 * time.Second
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = 5 * time.Minute
	}
	if c.ListPageSize <= 0 {
		c.ListPageSize = 1000
	}
	return c
}

// Orchestrator composes the ingestor, parser registry, and router into
// scheduled ingestion cycles. Construction is allocation-only; no
// goroutine starts until Start is called.
type Orchestrator struct {
	ingestor  *s3ingest.Ingestor
	router    *sentinel.Router
	parsers   *parser.Registry
	watermark WatermarkStore
	logger    *zap.Logger
	metrics   metrics.Sink
	cfg       Config

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an Orchestrator. logger and sink may both be nil, in which
// case a no-op logger and a no-op metric sink are used.
func New(ingestor *s3ingest.Ingestor, router *sentinel.Router, parsers *parser.Registry, watermark WatermarkStore, logger *zap.Logger, sink metrics.Sink, cfg Config) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &Orchestrator{
		ingestor:  ingestor,
		router:    router,
		parsers:   parsers,
		watermark: watermark,
		logger:    logger,
		metrics:   sink,
		cfg:       cfg.withDefaults(),
	}
}

// RunOnce performs one ingestion cycle: list objects newer than since
// in bucket/prefix, process them through the configured log type's
// parser, and route the resulting records. The watermark only advances
// past objects that were actually downloaded and parsed; an object that
// failed in ProcessBatch never contributed records to this cycle's
// route() call, so its LastModified is excluded from the new watermark
// and it is listed again (and retried) on the next cycle. Routed
// records that fail upload are still durably diverted to the
// failed-batch sink rather than lost, so a crash mid-cycle never loses
// or skips a batch on restart — unless the sink write itself also
// fails, in which case the whole cycle's watermark is held at since
// rather than silently skipping whichever object fed the lost batch.
func (o *Orchestrator) RunOnce(ctx context.Context, bucket, prefix string, since time.Time) (Report, error) {
	report := Report{Bucket: bucket, Prefix: prefix, Since: since, StartedAt: time.Now().UTC()}

	p, err := o.parsers.Resolve(o.cfg.ParserType)
	if err != nil {
		return report, fmt.Errorf("orchestrator: resolve parser %q: %w", o.cfg.ParserType, err)
	}

	table, err := o.router.TableFor(o.cfg.LogType)
	if err != nil {
		return report, fmt.Errorf("orchestrator: resolve table for log type %q: %w", o.cfg.LogType, err)
	}

	filter := o.cfg.Filter
	filter.Since = since
	objects, err := o.ingestor.List(ctx, bucket, prefix, filter, o.cfg.ListPageSize)
	if err != nil {
		report.Duration = time.Since(report.StartedAt)
		return report, fmt.Errorf("orchestrator: list %s/%s: %w", bucket, prefix, err)
	}
	report.ObjectsListed = len(objects)

	if len(objects) == 0 {
		report.Duration = time.Since(report.StartedAt)
		report.NewWatermark = since
		return report, nil
	}

	var allRecords []*models.Record
	batchResult := o.ingestor.ProcessBatch(ctx, objects, p, table, func(obj models.S3Object, records []*models.Record) {
		allRecords = append(allRecords, records...)
	})
	report.ObjectsFailed = len(batchResult.Failed)
	report.ParseErrors = batchResult.TotalParseErrors

	routeResult, err := o.router.Route(ctx, o.cfg.LogType, allRecords, "")
	if err != nil {
		report.Duration = time.Since(report.StartedAt)
		return report, fmt.Errorf("orchestrator: route log type %q: %w", o.cfg.LogType, err)
	}
	report.Processed = routeResult.Processed
	report.Failed = routeResult.Failed
	report.Dropped = routeResult.Dropped
	report.SinkFailures = routeResult.SinkFailures
	report.BatchCount = routeResult.BatchCount

	failedKeys := make(map[string]struct{}, len(batchResult.Failed))
	for _, key := range batchResult.Failed {
		failedKeys[key] = struct{}{}
	}

	newWatermark := since
	if routeResult.SinkFailures == 0 {
		for _, obj := range objects {
			if _, failed := failedKeys[obj.Key]; failed {
				continue
			}
			if obj.LastModified.After(newWatermark) {
				newWatermark = obj.LastModified
			}
		}
	}
	// A sink failure means some of this cycle's records are lost outright
	// (see Router.uploadOne), and records aren't traceable back to the
	// source object they came from once merged into allRecords, so the
	// whole cycle's watermark advance is held at since rather than risk
	// skipping the object that fed the lost batch.
	report.NewWatermark = newWatermark
	report.Duration = time.Since(report.StartedAt)

	if err := o.watermark.Save(newWatermark); err != nil {
		o.logger.Warn("watermark save failed", zap.Error(err), zap.Time("watermark", newWatermark))
	}

	o.logger.Info("ingestion cycle complete",
		zap.String("log_type", o.cfg.LogType),
		zap.Int("objects_listed", report.ObjectsListed),
		zap.Int("processed", report.Processed),
		zap.Int("failed", report.Failed),
		zap.Int("dropped", report.Dropped),
		zap.Int("batch_count", report.BatchCount),
		zap.Duration("duration", report.Duration),
	)
	if report.SinkFailures > 0 {
		o.logger.Error("records lost: both upload and failed-batch sink failed",
			zap.String("log_type", o.cfg.LogType),
			zap.Int("sink_failures", report.SinkFailures),
		)
	}
	o.emitReportMetrics(report)

	return report, nil
}

// emitReportMetrics records one cycle's Report against the configured
// metrics.Sink, tagged by log type.
func (o *Orchestrator) emitReportMetrics(report Report) {
	labels := map[string]string{"log_type": o.cfg.LogType}
	o.metrics.Emit("objects_listed_total", float64(report.ObjectsListed), labels)
	o.metrics.Emit("objects_failed_total", float64(report.ObjectsFailed), labels)
	o.metrics.Emit("records_processed_total", float64(report.Processed), labels)
	o.metrics.Emit("records_failed_total", float64(report.Failed), labels)
	o.metrics.Emit("records_dropped_total", float64(report.Dropped), labels)
	o.metrics.Emit("records_sink_failures_total", float64(report.SinkFailures), labels)
	o.metrics.Emit("batches_routed_total", float64(report.BatchCount), labels)
	o.metrics.Emit("cycle_duration_seconds", report.Duration.Seconds(), labels)
}

// Start begins the run_forever loop: RunOnce on a fixed interval,
// bounded each time by the per-cycle timeout, until Shutdown is called.
// The current watermark is loaded once here and advanced in place by
// each completed cycle.
func (o *Orchestrator) Start(ctx context.Context) error {
	cycleCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})

	since, err := o.watermark.Load()
	if err != nil {
		cancel()
		return fmt.Errorf("orchestrator: load watermark: %w", err)
	}

	go o.runForever(cycleCtx, since)
	return nil
}

func (o *Orchestrator) runForever(ctx context.Context, since time.Time) {
	defer close(o.done)

	ticker := time.NewTicker(o.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		cycleCtx, cancel := context.WithTimeout(ctx, o.cfg.CycleTimeout)
		report, err := o.RunOnce(cycleCtx, o.cfg.Bucket, o.cfg.Prefix, since)
		cancel()
		if err != nil {
			o.logger.Error("ingestion cycle failed", zap.Error(err))
		} else {
			since = report.NewWatermark
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Shutdown signals cancellation and waits for the in-flight cycle to
// finish or for ctx to expire, whichever comes first.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.cancel == nil {
		return nil
	}
	o.cancel()

	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
