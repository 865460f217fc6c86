package sentinel

import (
	"context"
	"time"

	"github.com/topazyo/s3-sentinel-connector/pkg/models"
)

// FailedBatchSink persists batches that exhausted retries against the
// ingestion endpoint. Implementations are externally synchronized by
// their own backing store; the router only ever calls Store once per
// batch-id.
type FailedBatchSink interface {
	Store(ctx context.Context, envelope models.FailedBatchEnvelope) error
	List(ctx context.Context, since time.Time) ([]models.FailedBatchEnvelope, error)
}

// envelopeFor builds the redacted envelope persisted for a batch that
// failed all retries, with the fields named in the table's RedactFields
// redacted.
func envelopeFor(b *models.Batch, correlationID string, attempt int, category, message string) models.FailedBatchEnvelope {
	records := make([]map[string]interface{}, 0, len(b.Records))
	for _, r := range b.Records {
		records = append(records, models.Redact(r.Fields, b.Table.RedactFields))
	}
	return models.FailedBatchEnvelope{
		BatchID:       b.ID,
		Table:         b.Table.Name,
		SealedAt:      b.SealedAt(),
		ErrorCategory: category,
		ErrorMessage:  message,
		AttemptCount:  attempt,
		CorrelationID: correlationID,
		Records:       records,
	}
}
