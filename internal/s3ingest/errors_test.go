package s3ingest

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/aws/smithy-go"
)

type fakeAPIError struct {
	code string
}

func (e fakeAPIError) Error() string        { return "fake api error: " + e.code }
func (e fakeAPIError) ErrorCode() string    { return e.code }
func (e fakeAPIError) ErrorMessage() string { return e.Error() }
func (e fakeAPIError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultUnknown
}

type fakeNetError struct {
	timeout bool
}

func (e fakeNetError) Error() string   { return "fake net error" }
func (e fakeNetError) Timeout() bool   { return e.timeout }
func (e fakeNetError) Temporary() bool { return e.timeout }

func TestIsRetryableClassifiesKnownTransientAPICodes(t *testing.T) {
	if !isRetryable(fakeAPIError{code: "SlowDown"}) {
		t.Fatal("expected SlowDown to be retryable")
	}
	if isRetryable(fakeAPIError{code: "AccessDenied"}) {
		t.Fatal("expected AccessDenied to be non-retryable")
	}
}

func TestIsRetryableClassifiesTimeoutsWithoutAnAPICode(t *testing.T) {
	if !isRetryable(fakeNetError{timeout: true}) {
		t.Fatal("expected a net.Error with Timeout()==true to be retryable even without an AWS error code")
	}
	if isRetryable(fakeNetError{timeout: false}) {
		t.Fatal("expected a non-timeout net.Error to stay non-retryable")
	}
}

func TestIsRetryableRejectsUnrecognizedErrors(t *testing.T) {
	if isRetryable(fmt.Errorf("boom")) {
		t.Fatal("expected a plain error with no API code or net.Error to be non-retryable")
	}
	if isRetryable(nil) {
		t.Fatal("expected nil to be non-retryable")
	}
}

func TestIsRetryableUnwrapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("get object: %w", fakeAPIError{code: "InternalError"})
	if !isRetryable(wrapped) {
		t.Fatal("expected a wrapped retryable API error to still be classified retryable")
	}

	var netErr net.Error = fakeNetError{timeout: true}
	wrappedNet := fmt.Errorf("dial: %w", netErr)
	if !isRetryable(wrappedNet) {
		t.Fatal("expected a wrapped timeout net.Error to still be classified retryable")
	}

	_ = errors.Unwrap
}
