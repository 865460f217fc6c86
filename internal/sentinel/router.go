package sentinel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/topazyo/s3-sentinel-connector/pkg/models"
)

// RouteResult aggregates the outcome of one route() call.
type RouteResult struct {
	Processed    int
	Failed       int
	BatchCount   int
	Dropped      int
	SinkFailures int
	StartTime    time.Time
}

// RouterConfig holds the router's per-process settings, loaded from the
// configuration snapshot's "router" group.
type RouterConfig struct {
	MaxConcurrentBatches int
	CorrelationIDFn      func() string
}

func (c RouterConfig) withDefaults() RouterConfig {
	if c.MaxConcurrentBatches <= 0 {
		c.MaxConcurrentBatches = 4
	}
	if c.CorrelationIDFn == nil {
		c.CorrelationIDFn = func() string { return "" }
	}
	return c
}

// Router resolves log-type records against their TableConfig, packs
// them into Batches, and uploads with bounded concurrency, diverting
// irrecoverable batches to a FailedBatchSink. It holds no per-call
// state of its own: every route() call is independently safe to retry.
type Router struct {
	tables   map[string]*models.TableConfig
	uploader *Uploader
	sink     FailedBatchSink
	cfg      RouterConfig
}

// NewRouter builds a Router over the given table configs, keyed by
// TableConfig.Name.
func NewRouter(tables []*models.TableConfig, uploader *Uploader, sink FailedBatchSink, cfg RouterConfig) *Router {
	byName := make(map[string]*models.TableConfig, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
	}
	return &Router{tables: byName, uploader: uploader, sink: sink, cfg: cfg.withDefaults()}
}

// TableFor returns the TableConfig registered for logType, for callers
// (the orchestrator) that need it ahead of calling Route, e.g. to hand
// it to the ingestor's per-object parser invocation.
func (r *Router) TableFor(logType string) (*models.TableConfig, error) {
	table, ok := r.tables[logType]
	if !ok {
		return nil, fmt.Errorf("sentinel router: unknown log type %q", logType)
	}
	return table, nil
}

// Route prepares, packs, and uploads records for logType. classification
// is advisory metadata written into the Classification field of every
// diverted batch's failed-batch envelope; an empty classification falls
// back to the table's DefaultClassification, then to "standard".
func (r *Router) Route(ctx context.Context, logType string, records []*models.Record, classification string) (RouteResult, error) {
	result := RouteResult{StartTime: time.Now().UTC()}

	table, ok := r.tables[logType]
	if !ok {
		return result, fmt.Errorf("sentinel router: unknown log type %q", logType)
	}
	if classification == "" {
		classification = table.DefaultClassification
	}
	if classification == "" {
		classification = "standard"
	}

	prepared := make([]*models.Record, 0, len(records))
	for _, rec := range records {
		out, err := prepare(rec, table)
		if err != nil {
			result.Dropped++
			continue
		}
		prepared = append(prepared, out)
	}

	batches, dropReasons, err := pack(table, prepared)
	if err != nil {
		return result, fmt.Errorf("sentinel router: pack table %q: %w", logType, err)
	}
	result.Dropped += len(dropReasons)
	result.BatchCount = len(batches)

	counts := r.uploadAll(ctx, batches, classification)
	result.Processed = counts.processed
	result.Failed = counts.failed
	result.SinkFailures = counts.sinkFailures
	return result, nil
}

type uploadCounts struct {
	processed    int
	failed       int
	sinkFailures int
}

// uploadAll uploads every batch with at most cfg.MaxConcurrentBatches
// in flight at once, preserving per-batch wire order (each batch's
// records are serialized as one POST body, so intra-batch order is
// never affected by the surrounding concurrency).
func (r *Router) uploadAll(ctx context.Context, batches []*models.Batch, classification string) uploadCounts {
	var (
		mu      sync.Mutex
		counts  uploadCounts
		wg      sync.WaitGroup
		limiter = make(chan struct{}, r.cfg.MaxConcurrentBatches)
	)

	for _, batch := range batches {
		batch := batch
		wg.Add(1)
		limiter <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-limiter }()

			size := batch.Size()
			ok, sinkErr := r.uploadOne(ctx, batch, classification)

			mu.Lock()
			if ok {
				counts.processed += size
			} else {
				counts.failed += size
				if sinkErr != nil {
					counts.sinkFailures += size
				}
			}
			mu.Unlock()
		}()
	}

	wg.Wait()
	return counts
}

// uploadOne carries one batch through IN-FLIGHT to either ACKNOWLEDGED
// or DIVERTED. It never returns an upload error: a failure is terminal
// for the batch and is recorded via the failed-batch sink instead of
// being propagated to the caller, since per-batch errors are reported
// rather than raised. The second return value is non-nil only when the
// sink itself also failed to persist the diverted batch, the one case
// where the batch's records are lost outright instead of durably
// parked for replay, so the caller can surface it distinctly.
func (r *Router) uploadOne(ctx context.Context, batch *models.Batch, classification string) (bool, error) {
	batch.MarkInFlight()

	err := r.uploader.Upload(ctx, batch)
	if err == nil {
		batch.MarkAcknowledged()
		return true, nil
	}

	batch.MarkDiverted()
	category, message := classifyUploadFailure(err)
	envelope := envelopeFor(batch, r.cfg.CorrelationIDFn(), batch.UploadAttempts(), category, message)
	envelope.Classification = classification

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if storeErr := r.sink.Store(storeCtx, envelope); storeErr != nil {
		return false, fmt.Errorf("sentinel router: store diverted batch %d after upload failure %q: %w", batch.Sequence, message, storeErr)
	}
	return false, nil
}

// classifyUploadFailure maps an upload error to an error-taxonomy
// category, distinguishing authorization failures (no retries
// warranted) from exhausted transient-transport retries.
func classifyUploadFailure(err error) (category, message string) {
	var uErr *uploadError
	if asUploadError(err, &uErr) {
		switch uErr.status {
		case 401, 403:
			return "authorization", uErr.Error()
		case 400, 413, 422:
			return "malformed-request", uErr.Error()
		default:
			return "transient-transport", uErr.Error()
		}
	}
	return "transient-transport", err.Error()
}
