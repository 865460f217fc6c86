package metrics

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// validMetricName enforces an alphanumeric+underscore metric name, the
// character set Prometheus itself requires for a metric name.
var validMetricName = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// PrometheusConfig configures the /metrics HTTP listener.
type PrometheusConfig struct {
	ListenAddr string
	Path       string
}

func (c PrometheusConfig) withDefaults() PrometheusConfig {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9469"
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
	return c
}

// PrometheusSink is the reference Sink: a metric name is registered as a
// CounterVec the first time it's seen with a "_total" suffix, or as a
// HistogramVec otherwise (durations, sizes, wait times). Families build
// lazily per name instead of being declared as a fixed struct of metrics,
// since Sink.Emit's caller-chosen name isn't known at construction time.
//
// The HTTP server lifecycle — build mux, wrap in *http.Server, serve in
// a goroutine from Start, Shutdown with a bounded context — is the usual
// net/http graceful-shutdown shape.
type PrometheusSink struct {
	cfg      PrometheusConfig
	registry *prometheus.Registry
	server   *http.Server
	logger   *zap.Logger

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusSink creates a sink with its own registry (never the
// global default, so multiple connector instances in one process don't
// collide on metric registration). logger may be nil, in which case
// invalid metric names are dropped silently.
func NewPrometheusSink(cfg PrometheusConfig, logger *zap.Logger) *PrometheusSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrometheusSink{
		cfg:        cfg.withDefaults(),
		registry:   prometheus.NewRegistry(),
		logger:     logger,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Emit records value against name, creating the backing Prometheus
// family on first use. labels determines the family's label set on
// first registration; subsequent calls must supply the same keys. A
// A name that fails validMetricName is dropped with a single log event
// rather than panicking the caller.
func (s *PrometheusSink) Emit(name string, value float64, labels map[string]string) {
	if !validMetricName.MatchString(name) {
		s.logger.Warn("dropped metric with invalid name", zap.String("name", name))
		return
	}

	keys, values := splitLabels(labels)

	if strings.HasSuffix(name, "_total") {
		s.counterFor(name, keys).WithLabelValues(values...).Add(value)
		return
	}
	s.histogramFor(name, keys).WithLabelValues(values...).Observe(value)
}

func splitLabels(labels map[string]string) (keys, values []string) {
	keys = make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values = make([]string, len(keys))
	for i, k := range keys {
		values[i] = labels[k]
	}
	return keys, values
}

func (s *PrometheusSink) counterFor(name string, keys []string) *prometheus.CounterVec {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel_connector",
		Name:      name,
		Help:      fmt.Sprintf("Counter metric %s", name),
	}, keys)
	s.registry.MustRegister(c)
	s.counters[name] = c
	return c
}

func (s *PrometheusSink) histogramFor(name string, keys []string) *prometheus.HistogramVec {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sentinel_connector",
		Name:      name,
		Help:      fmt.Sprintf("Histogram metric %s", name),
		Buckets:   prometheus.DefBuckets,
	}, keys)
	s.registry.MustRegister(h)
	s.histograms[name] = h
	return h
}

// Start begins serving /metrics in a background goroutine. Nothing
// starts in NewPrometheusSink itself.
func (s *PrometheusSink) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Start is fire-and-forget once the listener is up; a
			// failure here surfaces through scrape absence, not a
			// returned error.
			_ = err
		}
	}()

	return nil
}

// Shutdown stops the HTTP server, bounded by ctx.
func (s *PrometheusSink) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
