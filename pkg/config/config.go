// Package config loads the connector's configuration snapshot, an
// immutable value read once per cycle (or swapped wholesale on
// hot-reload; see watch.go): read file, unmarshal, apply defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/topazyo/s3-sentinel-connector/pkg/models"
)

// IngestorConfig is the "ingestor" configuration group.
type IngestorConfig struct {
	Bucket          string   `yaml:"bucket"`
	Prefix          string   `yaml:"prefix"`
	Region          string   `yaml:"region"`
	BatchSize       int      `yaml:"batch_size"`
	RateLimitPerSec float64  `yaml:"rate_limit_per_sec"`
	ListPageSize    int32    `yaml:"list_page_size"`
	FileExtensions  []string `yaml:"file_extensions"`
	AllowedGlob     string   `yaml:"allowed_glob"`
	WorkerPoolSize  int      `yaml:"worker_pool_size"`

	// LogType names the destination TableConfig these objects route
	// through (the router's log-type key). One connector instance
	// ingests one bucket+prefix bound to one log type; routing to
	// several tables from one process means running several connector
	// instances.
	LogType string `yaml:"log_type"`

	// ParserType selects the parser registered under that name in the
	// parser registry (e.g. "firewall", "json"), which is a distinct
	// namespace from LogType since one parser variant may feed several
	// differently-named destination tables.
	ParserType string `yaml:"parser_type"`
}

// RouterConfig is the "router" configuration group.
type RouterConfig struct {
	TableConfigs          []*models.TableConfig `yaml:"table_configs"`
	MaxConcurrentBatches  int                   `yaml:"max_concurrent_batches"`
	BatchTimeoutSeconds   int                   `yaml:"batch_timeout_seconds"`
	DefaultClassification string                `yaml:"default_classification"`
}

// SentinelConfig is the "sentinel" configuration group: the DCR
// ingestion endpoint the router's Uploader posts batches to.
type SentinelConfig struct {
	DCEEndpoint    string `yaml:"dce_endpoint"`
	DCRImmutableID string `yaml:"dcr_immutable_id"`
	StreamName     string `yaml:"stream_name"`
	Scope          string `yaml:"scope"`
	Gzip           bool   `yaml:"gzip"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// CredentialBrokerConfig is the "credential_broker" configuration group.
type CredentialBrokerConfig struct {
	VaultEndpoint     string `yaml:"vault_endpoint"`
	CacheTTLSeconds   int    `yaml:"cache_ttl_seconds"`
	EncryptionEnabled bool   `yaml:"encryption_enabled"`
}

// BreakerDefaults is one named dependency's circuit-breaker defaults,
// keyed by dependency name in CircuitBreakerConfig.Dependencies.
type BreakerDefaults struct {
	FailureThreshold       int `yaml:"failure_threshold"`
	SuccessThreshold       int `yaml:"success_threshold"`
	MinCallsBeforeOpen     int `yaml:"min_calls_before_open"`
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds"`
	HalfOpenMaxCalls       int `yaml:"half_open_max_calls"`
}

// CircuitBreakerConfig holds per-dependency breaker defaults.
type CircuitBreakerConfig struct {
	Dependencies map[string]BreakerDefaults `yaml:"dependencies"`
}

// OrchestratorConfig is the "orchestrator" configuration group.
type OrchestratorConfig struct {
	CycleIntervalSeconds int    `yaml:"cycle_interval_seconds"`
	CycleTimeoutSeconds  int    `yaml:"cycle_timeout_seconds"`
	WatermarkPath        string `yaml:"watermark_path"`
}

// LoggingConfig is the "logging" configuration group.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// MetricsConfig is the "metrics" configuration group.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

// FailedBatchSinkConfig selects and configures the failed-batch sink.
type FailedBatchSinkConfig struct {
	// Kind is "azure" or "local".
	Kind            string `yaml:"kind"`
	AzureAccountURL string `yaml:"azure_account_url"`
	AzureContainer  string `yaml:"azure_container"`
	LocalDir        string `yaml:"local_dir"`
}

// Snapshot is the complete, immutable configuration read at startup (or
// on hot-reload). Every component constructor takes the slice of this
// value it needs, never the whole Snapshot, so a component's
// dependencies are visible in its constructor signature.
type Snapshot struct {
	Ingestor         IngestorConfig         `yaml:"ingestor"`
	Router           RouterConfig           `yaml:"router"`
	Sentinel         SentinelConfig         `yaml:"sentinel"`
	CredentialBroker CredentialBrokerConfig `yaml:"credential_broker"`
	CircuitBreaker   CircuitBreakerConfig   `yaml:"circuit_breaker"`
	Orchestrator     OrchestratorConfig     `yaml:"orchestrator"`
	Logging          LoggingConfig          `yaml:"logging"`
	Metrics          MetricsConfig          `yaml:"metrics"`
	FailedBatchSink  FailedBatchSinkConfig  `yaml:"failed_batch_sink"`
}

func (s *Snapshot) applyDefaults() {
	if s.Ingestor.RateLimitPerSec == 0 {
		s.Ingestor.RateLimitPerSec = 10
	}
	if s.Ingestor.WorkerPoolSize == 0 {
		s.Ingestor.WorkerPoolSize = 8
	}
	if s.Ingestor.ListPageSize == 0 {
		s.Ingestor.ListPageSize = 1000
	}
	if s.Router.MaxConcurrentBatches == 0 {
		s.Router.MaxConcurrentBatches = 4
	}
	if s.Router.DefaultClassification == "" {
		s.Router.DefaultClassification = "standard"
	}
	if s.Sentinel.Scope == "" {
		s.Sentinel.Scope = "https://monitor.azure.com/.default"
	}
	if s.Sentinel.TimeoutSeconds == 0 {
		s.Sentinel.TimeoutSeconds = 30
	}
	if s.CredentialBroker.CacheTTLSeconds == 0 {
		s.CredentialBroker.CacheTTLSeconds = 300
	}
	if s.Orchestrator.CycleIntervalSeconds == 0 {
		s.Orchestrator.CycleIntervalSeconds = 60
	}
	if s.Orchestrator.CycleTimeoutSeconds == 0 {
		s.Orchestrator.CycleTimeoutSeconds = 300
	}
	if s.Logging.Level == "" {
		s.Logging.Level = "info"
	}
	if s.Logging.Encoding == "" {
		s.Logging.Encoding = "json"
	}
	if s.Metrics.Path == "" {
		s.Metrics.Path = "/metrics"
	}
	if s.FailedBatchSink.Kind == "" {
		s.FailedBatchSink.Kind = "local"
	}
}

// CycleInterval returns the orchestrator's run_forever interval.
func (s *Snapshot) CycleInterval() time.Duration {
	return time.Duration(s.Orchestrator.CycleIntervalSeconds) * time.Second
}

// CycleTimeout returns the orchestrator's per-cycle deadline.
func (s *Snapshot) CycleTimeout() time.Duration {
	return time.Duration(s.Orchestrator.CycleTimeoutSeconds) * time.Second
}

// CredentialCacheTTL returns the broker's cache TTL as a Duration.
func (s *Snapshot) CredentialCacheTTL() time.Duration {
	return time.Duration(s.CredentialBroker.CacheTTLSeconds) * time.Second
}

// Load reads and parses the YAML snapshot at path, applying defaults
// for every zero-valued optional field.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var snapshot Snapshot
	if err := yaml.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	snapshot.applyDefaults()
	return &snapshot, nil
}
