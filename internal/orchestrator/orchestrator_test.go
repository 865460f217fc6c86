package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/topazyo/s3-sentinel-connector/internal/resilience"
	"github.com/topazyo/s3-sentinel-connector/internal/s3ingest"
	"github.com/topazyo/s3-sentinel-connector/internal/sentinel"
	"github.com/topazyo/s3-sentinel-connector/pkg/models"
	"github.com/topazyo/s3-sentinel-connector/pkg/parser"
)

type fakeS3Client struct {
	objects      map[string][]byte
	keys         []string
	lastModified map[string]time.Time
	failKeys     map[string]bool
}

func (f *fakeS3Client) put(key string, body []byte) {
	f.objects[key] = body
	f.keys = append(f.keys, key)
}

func (f *fakeS3Client) putAt(key string, body []byte, modified time.Time) {
	f.put(key, body)
	if f.lastModified == nil {
		f.lastModified = make(map[string]time.Time)
	}
	f.lastModified[key] = modified
}

func (f *fakeS3Client) failGetObject(key string) {
	if f.failKeys == nil {
		f.failKeys = make(map[string]bool)
	}
	f.failKeys[key] = true
}

func (f *fakeS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var contents []types.Object
	for _, k := range f.keys {
		modified := time.Now()
		if t, ok := f.lastModified[k]; ok {
			modified = t
		}
		contents = append(contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(f.objects[k]))),
			LastModified: aws.Time(modified),
			ETag:         aws.String("etag"),
		})
	}
	return &s3.ListObjectsV2Output{Contents: contents, IsTruncated: aws.Bool(false)}, nil
}

func (f *fakeS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(params.Key)
	if f.failKeys[key] {
		return nil, fmt.Errorf("fakeS3Client: simulated GetObject failure for %q", key)
	}
	body := f.objects[key]
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

type stubTokenSource struct{}

func (stubTokenSource) GetToken(ctx context.Context, _ policy.TokenRequestOptions) (sentinel.AccessToken, error) {
	return sentinel.AccessToken{Token: "test-token", ExpiresOn: time.Now().Add(time.Hour)}, nil
}

func testBreaker() *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker("test", resilience.BreakerSettings{RecoveryTimeout: time.Hour})
}

func newTestOrchestrator(t *testing.T, fs *fakeS3Client, sentinelHandler http.HandlerFunc) *Orchestrator {
	t.Helper()
	return newTestOrchestratorWithSink(t, fs, sentinelHandler, &discardSink{})
}

func newTestOrchestratorWithSink(t *testing.T, fs *fakeS3Client, sentinelHandler http.HandlerFunc, sink sentinel.FailedBatchSink) *Orchestrator {
	t.Helper()

	server := httptest.NewServer(sentinelHandler)
	t.Cleanup(server.Close)

	ingestor := s3ingest.NewIngestor(fs, testBreaker(), s3ingest.Config{})

	uploader := sentinel.NewUploader(
		sentinel.UploaderConfig{DCEEndpoint: server.URL, DCRImmutableID: "dcr-1", StreamName: "Custom-Firewall"},
		stubTokenSource{},
		testBreaker(),
		resilience.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	)

	table := &models.TableConfig{
		Name:           "Firewall",
		Schema:         map[string]models.FieldType{"action": models.FieldString},
		Required:       []string{"action"},
		MaxItems:       100,
		TimestampField: "timestamp",
	}
	router := sentinel.NewRouter([]*models.TableConfig{table}, uploader, sink, sentinel.RouterConfig{MaxConcurrentBatches: 2})

	registry, err := parser.NewRegistry(parser.NewJSONParser(false))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	watermarkPath := filepath.Join(t.TempDir(), "watermark.json")
	watermark := NewFileWatermarkStore(watermarkPath)

	return New(ingestor, router, registry, watermark, nil, nil, Config{
		Bucket:        "bucket",
		Prefix:        "logs/",
		LogType:       "Firewall",
		ParserType:    "json",
		CycleInterval: 10 * time.Millisecond,
		CycleTimeout:  time.Second,
	})
}

type discardSink struct{}

func (discardSink) Store(ctx context.Context, envelope models.FailedBatchEnvelope) error { return nil }
func (discardSink) List(ctx context.Context, since time.Time) ([]models.FailedBatchEnvelope, error) {
	return nil, nil
}

type alwaysFailSink struct{}

func (alwaysFailSink) Store(ctx context.Context, envelope models.FailedBatchEnvelope) error {
	return fmt.Errorf("alwaysFailSink: store unavailable")
}
func (alwaysFailSink) List(ctx context.Context, since time.Time) ([]models.FailedBatchEnvelope, error) {
	return nil, nil
}

func TestRunOnceProcessesListedObjects(t *testing.T) {
	fs := &fakeS3Client{objects: make(map[string][]byte)}
	fs.put("logs/fw-1.json", []byte(`{"action":"ALLOW"}`))

	o := newTestOrchestrator(t, fs, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	report, err := o.RunOnce(context.Background(), "bucket", "logs/", time.Time{})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.ObjectsListed != 1 {
		t.Fatalf("expected 1 object listed, got %d", report.ObjectsListed)
	}
	if report.Processed != 1 {
		t.Fatalf("expected 1 processed record, got %d", report.Processed)
	}
	if report.BatchCount != 1 {
		t.Fatalf("expected 1 batch, got %d", report.BatchCount)
	}
}

func TestRunOnceReturnsSkipResultForEmptyListing(t *testing.T) {
	fs := &fakeS3Client{objects: make(map[string][]byte)}

	o := newTestOrchestrator(t, fs, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	report, err := o.RunOnce(context.Background(), "bucket", "logs/", time.Time{})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.ObjectsListed != 0 || report.Processed != 0 || report.BatchCount != 0 {
		t.Fatalf("expected a no-op result for an empty listing, got %+v", report)
	}
}

func TestRunOnceExcludesFailedObjectsFromWatermark(t *testing.T) {
	fs := &fakeS3Client{objects: make(map[string][]byte)}
	base := time.Now().Add(-time.Hour)
	fs.putAt("logs/fw-good.json", []byte(`{"action":"ALLOW"}`), base)
	fs.putAt("logs/fw-bad.json", []byte(`{"action":"DENY"}`), base.Add(time.Minute))
	fs.failGetObject("logs/fw-bad.json")

	o := newTestOrchestrator(t, fs, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	since := time.Time{}
	report, err := o.RunOnce(context.Background(), "bucket", "logs/", since)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.ObjectsListed != 2 {
		t.Fatalf("expected 2 objects listed, got %d", report.ObjectsListed)
	}
	if report.ObjectsFailed != 1 {
		t.Fatalf("expected 1 failed object, got %d", report.ObjectsFailed)
	}
	if !report.NewWatermark.Equal(base) {
		t.Fatalf("expected watermark to stop at the successful object's time %v, got %v", base, report.NewWatermark)
	}
}

func TestRunOnceHoldsWatermarkWhenSinkFailureLosesABatch(t *testing.T) {
	fs := &fakeS3Client{objects: make(map[string][]byte)}
	fs.put("logs/fw-1.json", []byte(`{"action":"ALLOW"}`))

	o := newTestOrchestratorWithSink(t, fs, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, alwaysFailSink{})

	since := time.Time{}
	report, err := o.RunOnce(context.Background(), "bucket", "logs/", since)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.SinkFailures == 0 {
		t.Fatal("expected a non-zero SinkFailures count")
	}
	if !report.NewWatermark.Equal(since) {
		t.Fatalf("expected watermark to stay at %v when a batch was lost outright, got %v", since, report.NewWatermark)
	}
}

func TestRunOnceErrorsOnUnknownLogType(t *testing.T) {
	fs := &fakeS3Client{objects: make(map[string][]byte)}

	o := newTestOrchestrator(t, fs, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	o.cfg.LogType = "DoesNotExist"

	if _, err := o.RunOnce(context.Background(), "bucket", "logs/", time.Time{}); err == nil {
		t.Fatal("expected an error for an unknown log type")
	}
}

func TestStartAndShutdownRunsAtLeastOneCycle(t *testing.T) {
	fs := &fakeS3Client{objects: make(map[string][]byte)}
	fs.put("logs/fw-1.json", []byte(`{"action":"ALLOW"}`))

	o := newTestOrchestrator(t, fs, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	ctx := context.Background()
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := o.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
