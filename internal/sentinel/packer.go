// Package sentinel implements the routing layer that prepares, batches,
// and uploads canonical records to a Microsoft Sentinel Data Collection
// Rule endpoint, diverting irrecoverable batches to a durable sink.
package sentinel

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"time"

	"github.com/topazyo/s3-sentinel-connector/pkg/models"
)

// prepare applies table's transform map, coerces each canonical field,
// ensures a timestamp, and validates required fields. It returns a
// non-nil error for any record that cannot be prepared (a failed
// coercion or a missing required field); Route counts each such record
// as dropped rather than propagating the error.
func prepare(rec *models.Record, table *models.TableConfig) (*models.Record, error) {
	out := rec.Clone()

	for source, canonical := range table.Transform {
		if v, ok := out.Get(source); ok && source != canonical {
			out.Set(canonical, v)
		}
	}

	for name, fieldType := range table.Schema {
		v, ok := out.Get(name)
		if !ok {
			continue
		}
		coerced, err := coerceField(v, fieldType)
		if err != nil {
			return nil, fmt.Errorf("prepare %q: %w", name, err)
		}
		out.Set(name, coerced)
	}

	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
		out.InjectedTimestamp = true
	}

	for _, req := range table.Required {
		if _, ok := out.Get(req); !ok {
			return nil, fmt.Errorf("prepare: %w: %q", models.ErrMissingRequired, req)
		}
	}

	return out, nil
}

func coerceField(v interface{}, t models.FieldType) (interface{}, error) {
	switch t {
	case models.FieldString, models.FieldDatetime:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", v), nil
	case models.FieldInt, models.FieldLong:
		switch n := v.(type) {
		case int64:
			return n, nil
		case float64:
			return int64(n), nil
		}
		return nil, fmt.Errorf("%w: %v", models.ErrUnsupportedCoerce, v)
	case models.FieldFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		}
		return nil, fmt.Errorf("%w: %v", models.ErrUnsupportedCoerce, v)
	case models.FieldBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("%w: %v", models.ErrUnsupportedCoerce, v)
	default:
		return v, nil
	}
}

// recordExceedsCap reports whether rec's own approximate size already
// exceeds table's MaxBytes cap, wrapping models.ErrPayloadTooLarge when
// so. Such a record can never fit in any batch, regardless of whether
// the batch it would join is otherwise empty.
func recordExceedsCap(table *models.TableConfig, size int) error {
	if table.MaxBytes <= 0 || size <= table.MaxBytes {
		return nil
	}
	return fmt.Errorf("%w: record size %d exceeds table %q max_bytes %d", models.ErrPayloadTooLarge, size, table.Name, table.MaxBytes)
}

// pack greedily packs prepared records into sealed Batches, respecting
// table's MaxItems and MaxBytes caps. Arrival order is preserved both
// within and across the returned batches. A record whose own size
// already exceeds table.MaxBytes is dropped rather than sealed into a
// batch that violates the byte cap on its own; dropReasons carries one
// entry per dropped record, for the caller to count or log.
func pack(table *models.TableConfig, records []*models.Record) (batches []*models.Batch, dropReasons []error, err error) {
	var seq uint64

	current := models.NewBatch(table, seq)

	for _, rec := range records {
		size, err := approximateSize(rec, table)
		if err != nil {
			return nil, dropReasons, fmt.Errorf("pack: %w", err)
		}

		if dropErr := recordExceedsCap(table, size); dropErr != nil {
			dropReasons = append(dropReasons, dropErr)
			continue
		}

		if !current.IsEmpty() && wouldExceedCaps(current, table, size) {
			current.Seal()
			batches = append(batches, current)
			seq++
			current = models.NewBatch(table, seq)
		}

		current.Add(rec)
	}

	if !current.IsEmpty() {
		current.Seal()
		batches = append(batches, current)
	}

	return batches, dropReasons, nil
}

func wouldExceedCaps(b *models.Batch, table *models.TableConfig, nextSize int) bool {
	if table.MaxItems > 0 && b.Size()+1 > table.MaxItems {
		return true
	}
	if table.MaxBytes > 0 {
		currentBytes, err := batchByteSize(b, table)
		if err == nil && currentBytes+nextSize > table.MaxBytes {
			return true
		}
	}
	return false
}

// approximateSize estimates the wire cost of rec: the raw JSON encoding
// of its fields, or — when table.ByteCapAppliesToCompressed is set —
// the gzip-compressed size of that encoding, matching how MaxBytes is
// measured against the uploaded payload.
func approximateSize(rec *models.Record, table *models.TableConfig) (int, error) {
	data, err := json.Marshal(rec.Fields)
	if err != nil {
		return 0, err
	}
	if table.ByteCapAppliesToCompressed {
		return gzipSize(data)
	}
	return len(data), nil
}

func batchByteSize(b *models.Batch, table *models.TableConfig) (int, error) {
	total := 0
	for _, rec := range b.Records {
		size, err := approximateSize(rec, table)
		if err != nil {
			return 0, err
		}
		total += size
	}
	return total, nil
}

func gzipSize(data []byte) (int, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return buf.Len(), nil
}
