package deployment

import "context"

// InvocationType tags where an invocation came from.
type InvocationType string

const InvocationRemote InvocationType = "REMOTE"

// Private data keys set by the dispatcher. Private data is never visible
// through ContextData.
const (
	PrivateKeySessionID        = "morezero.session-id"
	PrivateKeyCancellationFlag = "morezero.cancellation-flag"
)

// CancellationChecker is the read side of a cancellation flag.
type CancellationChecker interface {
	IsCancelled() bool
}

// InvocationContext carries one invocation through a view.
type InvocationContext struct {
	ctx            context.Context
	Method         Method
	Parameters     []any
	Component      Component
	View           *View
	Type           InvocationType
	BlockingCaller bool

	// ContextData is visible to application code and interceptors.
	ContextData map[string]any

	privateData map[string]any
	transaction func() (any, error)
}

// NewInvocationContext creates an empty context bound to ctx.
func NewInvocationContext(ctx context.Context) *InvocationContext {
	return &InvocationContext{
		ctx:         ctx,
		ContextData: make(map[string]any),
		privateData: make(map[string]any),
	}
}

// Context returns the context the invocation runs under.
func (ic *InvocationContext) Context() context.Context { return ic.ctx }

// PutPrivateData stores an internal-only value.
func (ic *InvocationContext) PutPrivateData(key string, value any) {
	ic.privateData[key] = value
}

// PrivateData returns an internal-only value.
func (ic *InvocationContext) PrivateData(key string) (any, bool) {
	v, ok := ic.privateData[key]
	return v, ok
}

// SessionID returns the session the invocation targets, if any.
func (ic *InvocationContext) SessionID() (SessionID, bool) {
	v, ok := ic.privateData[PrivateKeySessionID].(SessionID)
	return v, ok
}

// Cancelled reports whether the caller asked to cancel an asynchronous invocation.
func (ic *InvocationContext) Cancelled() bool {
	c, ok := ic.privateData[PrivateKeyCancellationFlag].(CancellationChecker)
	return ok && c.IsCancelled()
}

// SetTransactionSupplier installs a lazily resolved transaction.
func (ic *InvocationContext) SetTransactionSupplier(fn func() (any, error)) {
	ic.transaction = fn
}

// HasTransaction reports whether a transaction supplier is installed.
func (ic *InvocationContext) HasTransaction() bool { return ic.transaction != nil }

// Transaction resolves the propagated transaction.
func (ic *InvocationContext) Transaction() (any, error) {
	if ic.transaction == nil {
		return nil, ErrNoTransaction
	}
	return ic.transaction()
}
