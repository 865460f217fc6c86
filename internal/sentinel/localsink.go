package sentinel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/topazyo/s3-sentinel-connector/pkg/models"
)

// LocalFileSink is the reference FailedBatchSink implementation: one
// JSON envelope per file, under a deterministic key encoding table,
// batch id, and sealed-at timestamp. One file per envelope keeps replay
// simple, since failed batches are read back individually rather than
// range-scanned.
type LocalFileSink struct {
	dir string
	mu  sync.Mutex
}

// NewLocalFileSink creates a sink rooted at dir, creating it if absent.
func NewLocalFileSink(dir string) (*LocalFileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create failed-batch sink directory: %w", err)
	}
	return &LocalFileSink{dir: dir}, nil
}

func (s *LocalFileSink) keyFor(e models.FailedBatchEnvelope) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s_%d.json", e.Table, e.BatchID, e.SealedAt.UnixNano()))
}

// Store writes envelope as a single JSON file. The write is sequenced
// under the sink's own mutex rather than relying on os.O_EXCL so that
// tests can observe list() immediately reflecting the write.
func (s *LocalFileSink) Store(ctx context.Context, envelope models.FailedBatchEnvelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal failed-batch envelope: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.keyFor(envelope), data, 0o644); err != nil {
		return fmt.Errorf("write failed-batch envelope: %w", err)
	}
	return nil
}

// List returns every envelope sealed at or after since.
func (s *LocalFileSink) List(ctx context.Context, since time.Time) ([]models.FailedBatchEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list failed-batch sink: %w", err)
	}

	var out []models.FailedBatchEnvelope
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read failed-batch envelope %q: %w", entry.Name(), err)
		}
		var envelope models.FailedBatchEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, fmt.Errorf("decode failed-batch envelope %q: %w", entry.Name(), err)
		}
		if envelope.SealedAt.Before(since) {
			continue
		}
		out = append(out, envelope)
	}
	return out, nil
}
