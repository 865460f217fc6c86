package models

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CorrelationContext bundles a correlation id with the context.Context
// that carries cancellation and deadline, as an explicit value rather than
// an ambient thread-local id: callers pass it by value and pull a
// context.Context out of it for cancellation. The router, ingestor, and
// orchestrator APIs take a plain context.Context and do not accept a
// CorrelationContext.
type CorrelationContext struct {
	CorrelationID string
	ctx           context.Context
}

// NewCorrelationContext creates a CorrelationContext rooted in ctx, minting
// a fresh correlation id.
func NewCorrelationContext(ctx context.Context) CorrelationContext {
	return CorrelationContext{CorrelationID: uuid.NewString(), ctx: ctx}
}

// WithCorrelationID returns a CorrelationContext rooted in ctx carrying a
// caller-supplied id,
// useful when the id originates upstream (an HTTP header, a queue message).
func WithCorrelationID(ctx context.Context, id string) CorrelationContext {
	return CorrelationContext{CorrelationID: id, ctx: ctx}
}

// Context returns the underlying cancellation/deadline context.
func (cc CorrelationContext) Context() context.Context {
	if cc.ctx == nil {
		return context.Background()
	}
	return cc.ctx
}

// Done returns the underlying context's cancellation channel.
func (cc CorrelationContext) Done() <-chan struct{} {
	return cc.Context().Done()
}

// WithTimeout narrows cc to a child context bound by d, returning the new
// CorrelationContext and its cancel func.
func (cc CorrelationContext) WithTimeout(d time.Duration) (CorrelationContext, context.CancelFunc) {
	child, cancel := context.WithTimeout(cc.Context(), d)
	return CorrelationContext{CorrelationID: cc.CorrelationID, ctx: child}, cancel
}
