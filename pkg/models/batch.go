package models

import (
	"time"

	"github.com/google/uuid"
)

// BatchState is the lifecycle state of a Batch. Transitions only move
// forward: CREATED -> SEALED -> IN-FLIGHT -> {ACKNOWLEDGED | DIVERTED}.
type BatchState int

const (
	BatchCreated BatchState = iota
	BatchSealed
	BatchInFlight
	BatchAcknowledged
	BatchDiverted
)

func (s BatchState) String() string {
	switch s {
	case BatchCreated:
		return "created"
	case BatchSealed:
		return "sealed"
	case BatchInFlight:
		return "in-flight"
	case BatchAcknowledged:
		return "acknowledged"
	case BatchDiverted:
		return "diverted"
	default:
		return "unknown"
	}
}

// Batch is a bounded, ordered group of Records bound to exactly one
// TableConfig. A Batch is immutable once Seal() is called; the router is
// the only component that mutates a Batch before sealing.
type Batch struct {
	ID       string
	Table    *TableConfig
	Sequence uint64
	Records  []*Record

	state          BatchState
	sealedAt       time.Time
	uploadAttempts int
}

// NewBatch creates an empty, CREATED-state batch for table, stamped with
// the caller-supplied seq. The router's packer numbers batches from 0
// within each pack call, so Sequence is not unique across Route calls
// for the same table.
func NewBatch(table *TableConfig, seq uint64) *Batch {
	return &Batch{
		ID:       uuid.NewString(),
		Table:    table,
		Sequence: seq,
		Records:  make([]*Record, 0),
		state:    BatchCreated,
	}
}

// Add appends a record. The caller (the router's packer) is responsible
// for checking item/byte caps before calling Add; Add itself does not
// enforce them so that the packer can decide whether to seal first.
func (b *Batch) Add(r *Record) {
	b.Records = append(b.Records, r)
}

// Size returns the number of records currently held.
func (b *Batch) Size() int { return len(b.Records) }

// IsEmpty reports whether the batch holds no records.
func (b *Batch) IsEmpty() bool { return len(b.Records) == 0 }

// Seal freezes the batch; no further Add calls are valid afterward.
func (b *Batch) Seal() {
	if b.state == BatchCreated {
		b.state = BatchSealed
		b.sealedAt = time.Now().UTC()
	}
}

// MarkInFlight transitions SEALED -> IN-FLIGHT.
func (b *Batch) MarkInFlight() { b.state = BatchInFlight }

// MarkAcknowledged transitions IN-FLIGHT -> ACKNOWLEDGED.
func (b *Batch) MarkAcknowledged() { b.state = BatchAcknowledged }

// MarkDiverted transitions IN-FLIGHT -> DIVERTED.
func (b *Batch) MarkDiverted() { b.state = BatchDiverted }

// State returns the current lifecycle state.
func (b *Batch) State() BatchState { return b.state }

// SealedAt returns the time Seal() was called; zero value if not yet sealed.
func (b *Batch) SealedAt() time.Time { return b.sealedAt }

// SetUploadAttempts records how many upload attempts the router's
// uploader made for this batch, for the failed-batch envelope's
// attempt_count field.
func (b *Batch) SetUploadAttempts(n int) { b.uploadAttempts = n }

// UploadAttempts returns the attempt count set by SetUploadAttempts.
func (b *Batch) UploadAttempts() int { return b.uploadAttempts }
