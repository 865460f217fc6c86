package logging

import "testing"

func TestNewAppliesDefaults(t *testing.T) {
	logger, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer logger.Sync()
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "not-a-level"})
	if err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestWithComponentAddsField(t *testing.T) {
	logger, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer logger.Sync()

	tagged := WithComponent(logger, "router")
	if tagged == logger {
		t.Fatal("expected a distinct child logger")
	}
}

func TestWithCorrelationNoOpOnEmptyID(t *testing.T) {
	logger, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer logger.Sync()

	if WithCorrelation(logger, "") != logger {
		t.Fatal("expected the same logger when correlation id is empty")
	}
}
