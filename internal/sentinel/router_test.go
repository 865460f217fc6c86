package sentinel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/topazyo/s3-sentinel-connector/internal/resilience"
	"github.com/topazyo/s3-sentinel-connector/pkg/models"
)

type fakeSink struct {
	mu     sync.Mutex
	stored []models.FailedBatchEnvelope
}

func (s *fakeSink) Store(ctx context.Context, envelope models.FailedBatchEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, envelope)
	return nil
}

func (s *fakeSink) List(ctx context.Context, since time.Time) ([]models.FailedBatchEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.FailedBatchEnvelope, len(s.stored))
	copy(out, s.stored)
	return out, nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stored)
}

func newRouterForTest(t *testing.T, handler http.HandlerFunc, maxRetries int) (*Router, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	return newRouterWithSink(t, handler, maxRetries, sink), sink
}

func newRouterWithSink(t *testing.T, handler http.HandlerFunc, maxRetries int, sink FailedBatchSink) *Router {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	uploader := NewUploader(
		UploaderConfig{DCEEndpoint: server.URL, DCRImmutableID: "dcr-1", StreamName: "Custom-Firewall"},
		fakeTokenSource{},
		newTestUploaderBreaker(),
		resilience.RetryPolicy{MaxAttempts: maxRetries, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	)

	table := &models.TableConfig{
		Name:           "Firewall",
		Schema:         map[string]models.FieldType{"action": models.FieldString},
		Required:       []string{"action"},
		MaxItems:       10,
		TimestampField: "timestamp",
	}

	return NewRouter([]*models.TableConfig{table}, uploader, sink, RouterConfig{MaxConcurrentBatches: 2})
}

// failingSink always fails Store, simulating a durable sink that is
// itself unreachable while the batch it would have persisted is
// already diverted.
type failingSink struct{}

func (failingSink) Store(ctx context.Context, envelope models.FailedBatchEnvelope) error {
	return errors.New("failingSink: store unavailable")
}

func (failingSink) List(ctx context.Context, since time.Time) ([]models.FailedBatchEnvelope, error) {
	return nil, nil
}

func recordsWithAction(n int, action string) []*models.Record {
	out := make([]*models.Record, n)
	for i := range out {
		r := models.NewRecord("Firewall")
		r.Set("action", action)
		out[i] = r
	}
	return out
}

func TestRouteUnknownLogTypeErrors(t *testing.T) {
	router, _ := newRouterForTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}, 2)

	_, err := router.Route(context.Background(), "DoesNotExist", nil, "")
	if err == nil {
		t.Fatal("expected error for unknown log type")
	}
}

func TestRouteProcessesAllRecordsOnSuccess(t *testing.T) {
	router, sink := newRouterForTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}, 2)

	result, err := router.Route(context.Background(), "Firewall", recordsWithAction(5, "ALLOW"), "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if result.Processed != 5 {
		t.Fatalf("expected 5 processed, got %d", result.Processed)
	}
	if result.Failed != 0 {
		t.Fatalf("expected 0 failed, got %d", result.Failed)
	}
	if sink.count() != 0 {
		t.Fatalf("expected no sink writes on success, got %d", sink.count())
	}
}

func TestRouteDropsRecordsMissingRequiredField(t *testing.T) {
	router, _ := newRouterForTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}, 2)

	records := recordsWithAction(2, "ALLOW")
	records = append(records, models.NewRecord("Firewall")) // missing required "action"

	result, err := router.Route(context.Background(), "Firewall", records, "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if result.Dropped != 1 {
		t.Fatalf("expected 1 dropped record, got %d", result.Dropped)
	}
	if result.Processed != 2 {
		t.Fatalf("expected 2 processed, got %d", result.Processed)
	}
}

func TestRouteDivertsToSinkOnFinalFailure(t *testing.T) {
	var calls atomic.Int32
	router, sink := newRouterForTest(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, 3)

	result, err := router.Route(context.Background(), "Firewall", recordsWithAction(4, "DENY"), "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if result.Failed != 4 {
		t.Fatalf("expected 4 failed, got %d", result.Failed)
	}
	if result.Processed != 0 {
		t.Fatalf("expected 0 processed, got %d", result.Processed)
	}
	if sink.count() != 1 {
		t.Fatalf("expected exactly one diverted envelope, got %d", sink.count())
	}
	if sink.stored[0].ErrorCategory != "transient-transport" {
		t.Fatalf("expected transient-transport category, got %q", sink.stored[0].ErrorCategory)
	}
	if sink.stored[0].AttemptCount != 3 {
		t.Fatalf("expected attempt_count 3, got %d", sink.stored[0].AttemptCount)
	}
}

func TestRouteCountsSinkFailuresWhenDivertWriteAlsoFails(t *testing.T) {
	router := newRouterWithSink(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, 2, failingSink{})

	result, err := router.Route(context.Background(), "Firewall", recordsWithAction(3, "DENY"), "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if result.Failed != 3 {
		t.Fatalf("expected 3 failed, got %d", result.Failed)
	}
	if result.SinkFailures != 3 {
		t.Fatalf("expected 3 sink failures (records lost outright), got %d", result.SinkFailures)
	}
}

func TestRouteDivertsImmediatelyOnAuthorizationFailure(t *testing.T) {
	var calls atomic.Int32
	router, sink := newRouterForTest(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}, 3)

	_, err := router.Route(context.Background(), "Firewall", recordsWithAction(1, "DENY"), "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected no retries on 403, got %d calls", calls.Load())
	}
	if sink.stored[0].ErrorCategory != "authorization" {
		t.Fatalf("expected authorization category, got %q", sink.stored[0].ErrorCategory)
	}
}
