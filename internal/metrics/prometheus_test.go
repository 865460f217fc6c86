package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func gatherNames(t *testing.T, s *PrometheusSink) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := s.registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestEmitRegistersCounterForTotalSuffix(t *testing.T) {
	sink := NewPrometheusSink(PrometheusConfig{}, nil)
	sink.Emit("batches_uploaded_total", 3, map[string]string{"table": "Firewall"})

	families := gatherNames(t, sink)
	f, ok := families["sentinel_connector_batches_uploaded_total"]
	if !ok {
		t.Fatalf("expected a registered counter family, got %v", keysOf(families))
	}
	if got := f.GetMetric()[0].GetCounter().GetValue(); got != 3 {
		t.Fatalf("expected counter value 3, got %v", got)
	}
}

func TestEmitRegistersHistogramForNonTotalName(t *testing.T) {
	sink := NewPrometheusSink(PrometheusConfig{}, nil)
	sink.Emit("batch_upload_duration_seconds", 0.25, map[string]string{"table": "Firewall"})

	families := gatherNames(t, sink)
	f, ok := families["sentinel_connector_batch_upload_duration_seconds"]
	if !ok {
		t.Fatalf("expected a registered histogram family, got %v", keysOf(families))
	}
	if got := f.GetMetric()[0].GetHistogram().GetSampleCount(); got != 1 {
		t.Fatalf("expected 1 observation, got %v", got)
	}
}

func TestEmitReusesExistingFamilyAcrossCalls(t *testing.T) {
	sink := NewPrometheusSink(PrometheusConfig{}, nil)
	sink.Emit("dropped_records_total", 1, nil)
	sink.Emit("dropped_records_total", 1, nil)

	families := gatherNames(t, sink)
	f := families["sentinel_connector_dropped_records_total"]
	if got := f.GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected accumulated counter value 2, got %v", got)
	}
}

func keysOf(m map[string]*dto.MetricFamily) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestEmitDropsInvalidMetricName(t *testing.T) {
	sink := NewPrometheusSink(PrometheusConfig{}, nil)
	sink.Emit("not a valid name!", 1, nil)

	families := gatherNames(t, sink)
	if len(families) != 0 {
		t.Fatalf("expected no registered families for an invalid name, got %v", keysOf(families))
	}
}

func TestNoopSinkDiscardsEmissions(t *testing.T) {
	var s Sink = Noop{}
	s.Emit("anything", 1, nil)
}
