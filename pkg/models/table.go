package models

// TableConfig is the immutable descriptor for a logical destination table.
// Loaded once at startup from the configuration snapshot; never mutated.
type TableConfig struct {
	// Name is the table name as declared to the Sentinel DCR stream.
	Name string `yaml:"name"`

	// Schema maps canonical field name to its declared type tag.
	Schema map[string]FieldType `yaml:"schema"`

	// Required lists the canonical fields that must be present after
	// prepare(), or the record is dropped.
	Required []string `yaml:"required"`

	// MaxItems is the maximum record count in one sealed Batch.
	MaxItems int `yaml:"max_items"`

	// MaxBytes is the maximum serialized (pre- or post-gzip, per
	// ByteCapAppliesToCompressed) size of one sealed Batch.
	MaxBytes int `yaml:"max_bytes"`

	// ByteCapAppliesToCompressed, when true, measures MaxBytes against
	// the gzip-compressed payload rather than the raw JSON.
	ByteCapAppliesToCompressed bool `yaml:"byte_cap_applies_to_compressed"`

	// RetentionHint is advisory metadata passed through to Sentinel;
	// the connector does not enforce it locally.
	RetentionHint string `yaml:"retention_hint"`

	// Transform maps source field name (as produced by the parser) to
	// the canonical field name declared in Schema.
	Transform map[string]string `yaml:"transform"`

	// TimestampField is the canonical field holding the event time. If
	// absent on a record, prepare() injects the current UTC time.
	TimestampField string `yaml:"timestamp_field"`

	// RedactFields lists fields whose values are replaced by a
	// placeholder (the key is kept) before a record is persisted in a
	// FailedBatchEnvelope.
	RedactFields []string `yaml:"redact_fields"`

	// DefaultClassification is used when route() isn't given one
	// explicitly.
	DefaultClassification string `yaml:"default_classification"`
}

// RequiresField reports whether name is in the table's required set.
func (t *TableConfig) RequiresField(name string) bool {
	for _, f := range t.Required {
		if f == name {
			return true
		}
	}
	return false
}

// CanonicalName resolves a source field name to its canonical name via the
// transform map, falling back to the source name unchanged.
func (t *TableConfig) CanonicalName(source string) string {
	if canon, ok := t.Transform[source]; ok {
		return canon
	}
	return source
}
