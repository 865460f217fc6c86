package models

import "errors"

// Kind classifies an error into one of the taxonomy categories the
// connector reasons about when deciding whether to retry, divert a
// batch, or abort a cycle. Kind is metadata, not a replacement for
// Go's error values — callers still wrap with fmt.Errorf("%w", ...)
// and use errors.Is/As against the sentinels below.
type Kind int

const (
	// KindUnknown is the zero value; never returned by connector code.
	KindUnknown Kind = iota

	// KindTransientTransport covers network timeouts, 5xx, 429, and
	// SlowDown-style throttling. Retryable; becomes KindExhausted once
	// attempts are spent.
	KindTransientTransport

	// KindValidation covers malformed bytes, schema violations, and
	// missing required fields. Scoped to one record or object; never
	// fatal to the enclosing operation.
	KindValidation

	// KindAuthorization covers 401/403, invalid signatures, and
	// AccessDenied. Not retryable by the caller directly; may trigger
	// credential rotation by a collaborator.
	KindAuthorization

	// KindExhausted is a retryable error that survived every attempt.
	KindExhausted

	// KindCircuitOpen means the dependency is marked unhealthy and the
	// call was refused without attempting I/O.
	KindCircuitOpen

	// KindConfiguration covers unknown log types and missing required
	// options. Fatal at startup.
	KindConfiguration

	// KindCancelled is cooperative shutdown. Never surfaced as a
	// failure by metrics.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindTransientTransport:
		return "transient-transport"
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindExhausted:
		return "exhausted"
	case KindCircuitOpen:
		return "circuit-open"
	case KindConfiguration:
		return "configuration"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// KindedError attaches a Kind to a wrapped error without discarding it.
type KindedError struct {
	Kind Kind
	Err  error
}

func (e *KindedError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *KindedError) Unwrap() error { return e.Err }

// WithKind wraps err with a Kind, or returns nil if err is nil.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindedError{Kind: kind, Err: err}
}

// ErrorKind extracts the Kind from err, walking the Unwrap chain.
// Returns KindUnknown if no KindedError is present.
func ErrorKind(err error) Kind {
	var ke *KindedError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindUnknown
}

// Sentinel errors for conditions every component needs to recognize by
// identity rather than by inspecting string text.
var (
	ErrUnsupportedLogType = errors.New("unsupported log type")
	ErrUnknownTable       = errors.New("unknown table")
	ErrMissingRequired    = errors.New("required field missing")
	ErrUnsupportedCoerce  = errors.New("unsupported type coercion")
	ErrPayloadTooLarge    = errors.New("payload exceeds table byte cap")
	ErrBufferFull         = errors.New("buffer is full")
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrCancelled          = errors.New("operation cancelled")
	ErrStaleCredential    = errors.New("serving stale cached credential")
	ErrNoValidCredential  = errors.New("no valid credential available")
)
