// Package parser implements the pluggable log-format decoding layer:
// a constant-time, string-keyed dispatch table selecting between
// tagged-variant parser implementations, producing canonical
// models.Record values for the Sentinel router.
package parser

import (
	"fmt"

	"github.com/topazyo/s3-sentinel-connector/pkg/models"
)

// Parser decodes one raw object body into zero or more canonical
// records. Implementations hold no state beyond a compiled transform
// map — the registry is read-only after startup, so a Parser must be
// safe for concurrent use by every ingestor worker.
type Parser interface {
	Parse(table *models.TableConfig, body []byte) ([]*models.Record, error)
	LogType() string
}

// Registry is a constant-time dispatch table keyed by log-type string,
// built once at startup and never mutated afterward; additional log
// types register by constructing the Registry with more Parsers, not by
// touching dispatch code.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry builds an immutable registry from parsers. Duplicate
// LogType() values are a construction-time error: silently shadowing one
// parser with another would violate the "constant-time dispatch table"
// invariant by making resolution order-dependent.
func NewRegistry(parsers ...Parser) (*Registry, error) {
	table := make(map[string]Parser, len(parsers))
	for _, p := range parsers {
		if _, exists := table[p.LogType()]; exists {
			return nil, fmt.Errorf("duplicate parser registered for log type %q", p.LogType())
		}
		table[p.LogType()] = p
	}
	return &Registry{parsers: table}, nil
}

// Resolve returns the parser registered for logType, or
// models.ErrUnsupportedLogType if none is registered.
func (r *Registry) Resolve(logType string) (Parser, error) {
	p, ok := r.parsers[logType]
	if !ok {
		return nil, fmt.Errorf("log type %q: %w", logType, models.ErrUnsupportedLogType)
	}
	return p, nil
}
