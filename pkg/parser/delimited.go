package parser

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/topazyo/s3-sentinel-connector/pkg/models"
)

// DelimitedFieldMap maps a positional index in a pipe-delimited line to a
// canonical field name and the value type it coerces to.
type DelimitedFieldMap struct {
	Index int
	Name  string
	Type  models.FieldType
}

// DelimitedConfig configures the firewall log parser: the ordered list of
// positional fields, which field supplies the record's canonical timestamp
// (its text is parsed into Record.Timestamp while the field itself keeps
// its coerced value), the ordered list of timestamp layouts
// to try (first match wins), and the enum of valid action values.
type DelimitedConfig struct {
	Fields           []DelimitedFieldMap
	TimestampField   string
	TimestampLayouts []string
	ActionField      string
	ValidActions     []string
	IPFields         []string
	Delimiter        string
}

// DelimitedParser decodes pipe-delimited firewall log lines, one record
// per line, extracting and coercing fields driven by a configured field
// map instead of a hardcoded pattern.
type DelimitedParser struct {
	cfg          DelimitedConfig
	validActions map[string]struct{}
}

// NewDelimitedParser validates cfg and returns a ready-to-use parser.
func NewDelimitedParser(cfg DelimitedConfig) (*DelimitedParser, error) {
	if cfg.Delimiter == "" {
		cfg.Delimiter = "|"
	}
	if len(cfg.TimestampLayouts) == 0 {
		cfg.TimestampLayouts = []string{
			time.RFC3339,
			"2006-01-02 15:04:05",
			"2006-01-02T15:04:05",
			"01/02/2006 15:04:05",
		}
	}
	valid := make(map[string]struct{}, len(cfg.ValidActions))
	for _, a := range cfg.ValidActions {
		valid[strings.ToLower(a)] = struct{}{}
	}
	return &DelimitedParser{cfg: cfg, validActions: valid}, nil
}

func (p *DelimitedParser) LogType() string { return "firewall" }

// Parse splits body into lines, decoding each as one record. A line that
// fails coercion or validation is skipped and does not prevent sibling
// lines in the same body from parsing; Parse returns an error (that of
// the first failing line) only when no line yields a record. The
// per-object failure accounting lives one layer up, in the ingestor.
func (p *DelimitedParser) Parse(table *models.TableConfig, body []byte) ([]*models.Record, error) {
	lines := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
	records := make([]*models.Record, 0, len(lines))
	var firstErr error

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := p.parseLine(table, line)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("line %d: %w", i+1, err)
			}
			continue
		}
		records = append(records, rec)
	}

	if len(records) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return records, nil
}

func (p *DelimitedParser) parseLine(table *models.TableConfig, line string) (*models.Record, error) {
	parts := strings.Split(line, p.cfg.Delimiter)
	rec := models.NewRecord(table.Name)

	for _, fm := range p.cfg.Fields {
		if fm.Index >= len(parts) {
			continue
		}
		raw := strings.TrimSpace(parts[fm.Index])

		value, err := coerce(raw, fm.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", fm.Name, err)
		}
		rec.Set(fm.Name, value)

		if fm.Name == p.cfg.TimestampField {
			ts, err := p.parseTimestamp(raw)
			if err != nil {
				return nil, fmt.Errorf("timestamp field %q: %w", fm.Name, err)
			}
			rec.Timestamp = ts
		}
	}

	for _, field := range p.cfg.IPFields {
		v, ok := rec.Get(field)
		if !ok {
			continue
		}
		if s, ok := v.(string); ok && net.ParseIP(s) == nil {
			return nil, fmt.Errorf("field %q: %q is not a valid IP address", field, s)
		}
	}

	if p.cfg.ActionField != "" && len(p.validActions) > 0 {
		v, ok := rec.Get(p.cfg.ActionField)
		if !ok {
			return nil, fmt.Errorf("required field %q is absent", p.cfg.ActionField)
		}
		s, _ := v.(string)
		if _, ok := p.validActions[strings.ToLower(s)]; !ok {
			return nil, fmt.Errorf("field %q: %q is not a recognized action", p.cfg.ActionField, s)
		}
	}

	for _, req := range table.Required {
		if _, ok := rec.Get(req); !ok {
			return nil, fmt.Errorf("%w: %q", models.ErrMissingRequired, req)
		}
	}

	return rec, nil
}

func (p *DelimitedParser) parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range p.cfg.TimestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q does not match any configured timestamp layout", raw)
}

func coerce(raw string, t models.FieldType) (interface{}, error) {
	switch t {
	case models.FieldString, models.FieldDatetime:
		return raw, nil
	case models.FieldInt, models.FieldLong:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an integer", models.ErrUnsupportedCoerce, raw)
		}
		return v, nil
	case models.FieldFloat:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a float", models.ErrUnsupportedCoerce, raw)
		}
		return v, nil
	case models.FieldBool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a bool", models.ErrUnsupportedCoerce, raw)
		}
		return v, nil
	default:
		return raw, nil
	}
}
