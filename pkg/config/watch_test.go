package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatcherReloadsOnFileWrite(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Ingestor.Bucket; got != "my-log-bucket" {
		t.Fatalf("expected initial bucket my-log-bucket, got %q", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	updated := `
ingestor:
  bucket: updated-bucket
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().Ingestor.Bucket == "updated-bucket" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected reloaded bucket updated-bucket, got %q", w.Current().Ingestor.Bucket)
}

func TestWatcherKeepsPreviousSnapshotOnReloadError(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(path, []byte("not: [valid"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if got := w.Current().Ingestor.Bucket; got != "my-log-bucket" {
		t.Fatalf("expected snapshot unchanged after bad reload, got bucket %q", got)
	}
}
