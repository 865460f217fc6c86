package models

import "time"

// FailedBatchEnvelope is the persisted document written for a batch that
// exhausted retries against the Sentinel ingestion endpoint. PII fields are
// redacted before Records is populated: every field named in the table's
// RedactFields has its value replaced by a placeholder, and fields not
// named there are persisted unchanged.
type FailedBatchEnvelope struct {
	BatchID        string                   `json:"batch_id"`
	Table          string                   `json:"table"`
	SealedAt       time.Time                `json:"sealed_at"`
	ErrorCategory  string                   `json:"error_category"`
	ErrorMessage   string                   `json:"error_message"`
	AttemptCount   int                      `json:"attempt_count"`
	CorrelationID  string                   `json:"correlation_id"`
	Classification string                   `json:"classification"`
	Records        []map[string]interface{} `json:"records"`
}

// Redact returns a copy of fields with every name in redact replaced by a
// fixed placeholder, preserving key presence for downstream schema checks.
func Redact(fields map[string]interface{}, redact []string) map[string]interface{} {
	if len(redact) == 0 {
		return fields
	}
	redactSet := make(map[string]struct{}, len(redact))
	for _, f := range redact {
		redactSet[f] = struct{}{}
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if _, ok := redactSet[k]; ok {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}
