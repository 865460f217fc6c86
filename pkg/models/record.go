package models

import "time"

// FieldType is the type tag a TableConfig declares for one canonical field.
type FieldType string

const (
	FieldDatetime FieldType = "datetime"
	FieldString   FieldType = "string"
	FieldInt      FieldType = "int"
	FieldLong     FieldType = "long"
	FieldBool     FieldType = "bool"
	FieldFloat    FieldType = "float"
)

// Record is a single canonical log event produced by a parser transform.
// A Record is owned by the Batch that holds it; callers must not retain a
// Record beyond the Batch's lifecycle (Clone it first if they need to).
type Record struct {
	// Table is the logical destination table this record targets.
	Table string

	// Timestamp is the canonical UTC, RFC-3339 event time.
	Timestamp time.Time

	// Fields holds table-specific attributes keyed by canonical field name.
	Fields map[string]interface{}

	// InjectedTimestamp is set when prepare() substituted the current UTC
	// time because the source field was absent.
	InjectedTimestamp bool

	// SourceKey is the originating S3 object key, retained for
	// diagnostics and for the failed-batch envelope's correlation trail.
	SourceKey string
}

// NewRecord creates an empty Record bound to table.
func NewRecord(table string) *Record {
	return &Record{Table: table, Fields: make(map[string]interface{})}
}

// Get returns a field value and whether it was present.
func (r *Record) Get(name string) (interface{}, bool) {
	if r.Fields == nil {
		return nil, false
	}
	v, ok := r.Fields[name]
	return v, ok
}

// Set assigns a field value, allocating the map if needed.
func (r *Record) Set(name string, value interface{}) {
	if r.Fields == nil {
		r.Fields = make(map[string]interface{})
	}
	r.Fields[name] = value
}

// Clone returns a deep copy so a caller can safely outlive the owning Batch.
func (r *Record) Clone() *Record {
	clone := &Record{
		Table:             r.Table,
		Timestamp:         r.Timestamp,
		InjectedTimestamp: r.InjectedTimestamp,
		SourceKey:         r.SourceKey,
		Fields:            make(map[string]interface{}, len(r.Fields)),
	}
	for k, v := range r.Fields {
		clone.Fields[k] = v
	}
	return clone
}
