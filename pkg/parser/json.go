package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/topazyo/s3-sentinel-connector/pkg/models"
)

var jsonTimestampLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02 15:04:05",
}

// JSONParser decodes one JSON object or a JSON-lines body into records,
// optionally applying the table's schema (required fields, type tags) to
// rewrite and prune fields.
type JSONParser struct {
	applySchema bool
}

// NewJSONParser creates a JSON parser. When applySchema is true, decoded
// fields are coerced and pruned according to the table's Schema map;
// fields absent from Schema are dropped.
func NewJSONParser(applySchema bool) *JSONParser {
	return &JSONParser{applySchema: applySchema}
}

func (p *JSONParser) LogType() string { return "json" }

// Parse accepts either a single JSON object or newline-delimited JSON
// objects in body.
func (p *JSONParser) Parse(table *models.TableConfig, body []byte) ([]*models.Record, error) {
	objects, err := splitJSONObjects(body)
	if err != nil {
		return nil, err
	}

	records := make([]*models.Record, 0, len(objects))
	for _, raw := range objects {
		var data map[string]interface{}
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("malformed JSON record: %w", err)
		}

		rec := models.NewRecord(table.Name)
		if p.applySchema && len(table.Schema) > 0 {
			if err := applySchemaFields(rec, table, data); err != nil {
				return nil, err
			}
		} else {
			for k, v := range data {
				rec.Set(k, v)
			}
		}

		if table.TimestampField != "" {
			if ts, ok := rec.Get(table.TimestampField); ok {
				if s, ok := ts.(string); ok {
					if parsed, err := parseAnyTimestamp(s); err == nil {
						rec.Timestamp = parsed
					}
				}
			}
		}

		for _, req := range table.Required {
			if _, ok := rec.Get(req); !ok {
				return nil, fmt.Errorf("%w: %q", models.ErrMissingRequired, req)
			}
		}

		records = append(records, rec)
	}
	return records, nil
}

// applySchemaFields copies only the fields declared in table.Schema,
// coercing each to its declared type and erroring on a type the
// coercion can't satisfy.
func applySchemaFields(rec *models.Record, table *models.TableConfig, data map[string]interface{}) error {
	for name, fieldType := range table.Schema {
		raw, present := data[name]
		if !present {
			continue
		}
		value, err := coerceJSON(raw, fieldType)
		if err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		rec.Set(name, value)
	}
	return nil
}

func coerceJSON(raw interface{}, t models.FieldType) (interface{}, error) {
	switch t {
	case models.FieldString, models.FieldDatetime:
		if s, ok := raw.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", raw), nil
	case models.FieldInt, models.FieldLong:
		switch v := raw.(type) {
		case float64:
			return int64(v), nil
		case string:
			return coerce(v, t)
		}
		return nil, fmt.Errorf("%w: %v is not an integer", models.ErrUnsupportedCoerce, raw)
	case models.FieldFloat:
		if v, ok := raw.(float64); ok {
			return v, nil
		}
		return nil, fmt.Errorf("%w: %v is not a float", models.ErrUnsupportedCoerce, raw)
	case models.FieldBool:
		if v, ok := raw.(bool); ok {
			return v, nil
		}
		return nil, fmt.Errorf("%w: %v is not a bool", models.ErrUnsupportedCoerce, raw)
	default:
		return raw, nil
	}
}

// splitJSONObjects accepts either a single JSON value or newline-delimited
// JSON objects, returning each object's raw bytes.
func splitJSONObjects(body []byte) ([]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	var objects []json.RawMessage
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if len(objects) > 0 {
				return objects, nil
			}
			return nil, fmt.Errorf("malformed JSON body: %w", err)
		}
		objects = append(objects, raw)
	}
}

func parseAnyTimestamp(s string) (time.Time, error) {
	for _, layout := range jsonTimestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q does not match any known timestamp layout", s)
}
