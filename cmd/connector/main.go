package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/topazyo/s3-sentinel-connector/internal/credential"
	"github.com/topazyo/s3-sentinel-connector/internal/logging"
	"github.com/topazyo/s3-sentinel-connector/internal/metrics"
	"github.com/topazyo/s3-sentinel-connector/internal/orchestrator"
	"github.com/topazyo/s3-sentinel-connector/internal/resilience"
	"github.com/topazyo/s3-sentinel-connector/internal/s3ingest"
	"github.com/topazyo/s3-sentinel-connector/internal/sentinel"
	"github.com/topazyo/s3-sentinel-connector/pkg/config"
	"github.com/topazyo/s3-sentinel-connector/pkg/models"
	"github.com/topazyo/s3-sentinel-connector/pkg/parser"
)

var (
	configFile = flag.String("config", "configs/connector.yaml", "path to the connector's YAML configuration file")
	version    = "1.0.0"
)

func main() {
	flag.Parse()

	watcher, err := config.NewWatcher(*configFile, zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: failed to load configuration from %s: %v\n", *configFile, err)
		os.Exit(1)
	}
	snapshot := watcher.Current()

	logger, err := logging.New(logging.Config{Level: snapshot.Logging.Level, Encoding: snapshot.Logging.Encoding})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("s3-sentinel-connector starting", zap.String("version", version), zap.String("config", *configFile))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := watcher.Start(ctx); err != nil {
		logger.Fatal("failed to start config watcher", zap.Error(err))
	}

	var metricSink metrics.Sink = metrics.Noop{}
	if snapshot.Metrics.Enabled {
		promSink := metrics.NewPrometheusSink(metrics.PrometheusConfig{
			ListenAddr: snapshot.Metrics.ListenAddr,
			Path:       snapshot.Metrics.Path,
		}, logging.WithComponent(logger, "metrics"))
		if err := promSink.Start(ctx); err != nil {
			logger.Fatal("failed to start metrics listener", zap.Error(err))
		}
		defer promSink.Shutdown(context.Background())
		metricSink = promSink
	}

	breakers := resilience.NewRegistry(func(name string) resilience.BreakerSettings {
		defaults, ok := snapshot.CircuitBreaker.Dependencies[name]
		if !ok {
			return resilience.BreakerSettings{}
		}
		return resilience.BreakerSettings{
			FailureThreshold:   defaults.FailureThreshold,
			MinCallsBeforeOpen: defaults.MinCallsBeforeOpen,
			SuccessThreshold:   defaults.SuccessThreshold,
			RecoveryTimeout:    time.Duration(defaults.RecoveryTimeoutSeconds) * time.Second,
			HalfOpenMaxCalls:   defaults.HalfOpenMaxCalls,
			OnStateChange: func(name string, from, to resilience.State) {
				logger.Warn("circuit breaker state change",
					zap.String("dependency", name), zap.String("from", from.String()), zap.String("to", to.String()))
				metricSink.Emit("circuit_breaker_state", float64(to), map[string]string{"dependency": name})
			},
		}
	})

	credentialStore := credential.NewVaultStore(snapshot.CredentialBroker.VaultEndpoint, "secret", os.Getenv("VAULT_TOKEN"), 10*time.Second)
	credentialBroker, err := credential.NewBroker(credentialStore, breakers.Get("vault"), snapshot.CredentialCacheTTL())
	if err != nil {
		logger.Fatal("failed to build credential broker", zap.Error(err))
	}

	s3Client, err := newS3Client(ctx, credentialBroker, snapshot.Ingestor.Region)
	if err != nil {
		logger.Fatal("failed to build S3 client", zap.Error(err))
	}
	ingestor := s3ingest.NewIngestor(s3Client, breakers.Get("s3"), s3ingest.Config{
		RateLimit: snapshot.Ingestor.RateLimitPerSec,
		Workers:   snapshot.Ingestor.WorkerPoolSize,
	})

	tokens, err := sentinel.DefaultTokenSource()
	if err != nil {
		logger.Fatal("failed to build Sentinel token source", zap.Error(err))
	}
	uploader := sentinel.NewUploader(
		sentinel.UploaderConfig{
			DCEEndpoint:    snapshot.Sentinel.DCEEndpoint,
			DCRImmutableID: snapshot.Sentinel.DCRImmutableID,
			StreamName:     snapshot.Sentinel.StreamName,
			Scope:          snapshot.Sentinel.Scope,
			Gzip:           snapshot.Sentinel.Gzip,
			Timeout:        time.Duration(snapshot.Sentinel.TimeoutSeconds) * time.Second,
		},
		tokens,
		breakers.Get("sentinel"),
		resilience.RetryPolicy{},
	)

	sink, err := newFailedBatchSink(ctx, snapshot.FailedBatchSink)
	if err != nil {
		logger.Fatal("failed to build failed-batch sink", zap.Error(err))
	}

	router := sentinel.NewRouter(snapshot.Router.TableConfigs, uploader, sink, sentinel.RouterConfig{
		MaxConcurrentBatches: snapshot.Router.MaxConcurrentBatches,
	})

	registry, err := parser.NewRegistry(parser.NewJSONParser(true), defaultDelimitedParser())
	if err != nil {
		logger.Fatal("failed to build parser registry", zap.Error(err))
	}

	watermark := orchestrator.NewFileWatermarkStore(snapshot.Orchestrator.WatermarkPath)

	orch := orchestrator.New(ingestor, router, registry, watermark, logging.WithComponent(logger, "orchestrator"), metricSink, orchestrator.Config{
		Bucket:        snapshot.Ingestor.Bucket,
		Prefix:        snapshot.Ingestor.Prefix,
		LogType:       snapshot.Ingestor.LogType,
		ParserType:    snapshot.Ingestor.ParserType,
		CycleInterval: snapshot.CycleInterval(),
		CycleTimeout:  snapshot.CycleTimeout(),
		ListPageSize:  snapshot.Ingestor.ListPageSize,
		Filter: models.ListFilter{
			Extensions: snapshot.Ingestor.FileExtensions,
			Glob:       snapshot.Ingestor.AllowedGlob,
		},
	})

	if err := orch.Start(ctx); err != nil {
		logger.Fatal("failed to start orchestrator", zap.Error(err))
	}

	logger.Info("s3-sentinel-connector running",
		zap.String("bucket", snapshot.Ingestor.Bucket),
		zap.String("prefix", snapshot.Ingestor.Prefix),
		zap.Duration("cycle_interval", snapshot.CycleInterval()),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", zap.Error(err))
	}
	if err := watcher.Stop(); err != nil {
		logger.Error("config watcher shutdown error", zap.Error(err))
	}

	logger.Info("s3-sentinel-connector stopped")
}

// newS3Client builds an s3.Client authenticated with credentials fetched
// through the broker (static credentials provider over
// LoadDefaultConfig) rather than reading plain config fields.
func newS3Client(ctx context.Context, broker *credential.Broker, region string) (*s3.Client, error) {
	accessKeyID, err := broker.Get(ctx, "s3-access-key-id", false)
	if err != nil {
		return nil, fmt.Errorf("fetch s3 access key id: %w", err)
	}
	secretAccessKey, err := broker.Get(ctx, "s3-secret-access-key", false)
	if err != nil {
		return nil, fmt.Errorf("fetch s3 secret access key: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

// newFailedBatchSink selects and constructs the reference FailedBatchSink
// implementation per cfg.Kind.
func newFailedBatchSink(ctx context.Context, cfg config.FailedBatchSinkConfig) (sentinel.FailedBatchSink, error) {
	switch cfg.Kind {
	case "azure":
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("build azure credential: %w", err)
		}
		client, err := azblob.NewClient(cfg.AzureAccountURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("build azure blob client: %w", err)
		}
		return sentinel.NewBlobSink(ctx, client, cfg.AzureContainer, "")
	default:
		return sentinel.NewLocalFileSink(cfg.LocalDir)
	}
}

// defaultDelimitedParser builds the connector's built-in firewall log
// parser. Its positional field map is fixed at startup rather than
// user-configurable: the parser registry is a tagged variant built once
// and never mutated afterward.
func defaultDelimitedParser() parser.Parser {
	p, err := parser.NewDelimitedParser(parser.DelimitedConfig{
		Fields: []parser.DelimitedFieldMap{
			{Index: 0, Name: "timestamp", Type: "datetime"},
			{Index: 1, Name: "source_ip", Type: "string"},
			{Index: 2, Name: "destination_ip", Type: "string"},
			{Index: 3, Name: "action", Type: "string"},
		},
		TimestampField:   "timestamp",
		TimestampLayouts: []string{time.RFC3339},
		ActionField:      "action",
		ValidActions:     []string{"ALLOW", "DENY", "DROP"},
		IPFields:         []string{"source_ip", "destination_ip"},
		Delimiter:        "|",
	})
	if err != nil {
		// The built-in field map is a compile-time constant; a
		// construction error here means the binary itself is broken.
		panic(fmt.Sprintf("connector: invalid built-in delimited parser config: %v", err))
	}
	return p
}
