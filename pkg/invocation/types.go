// Package invocation receives invocation and session-open requests from remote
// callers, resolves them against the deployment index, runs them, and writes
// exactly one outcome back to the caller's reply sink.
package invocation

import (
	"fmt"
	"strings"

	"github.com/morezero/component-dispatcher/pkg/deployment"
)

// ProtocolLocal is the protocol name of same-process callers.
const ProtocolLocal = "local"

// Reserved attachment keys.
const (
	// PrivateAttachmentsKey holds a map merged into the invocation's private data.
	PrivateAttachmentsKey = "morezero.private-attachments"
	// WeakAffinityKey carries the weak affinity of a successful response.
	WeakAffinityKey = "morezero.weak-affinity"
)

// Locator identifies the target of an invocation.
type Locator struct {
	Identity  deployment.Identity
	Component string
	ViewType  string
	// SessionID is set when the target is a stateful session.
	SessionID deployment.SessionID
}

// Stateful reports whether the locator names a stateful session.
func (l Locator) Stateful() bool { return l.SessionID != "" }

func (l Locator) String() string {
	s := fmt.Sprintf("%s/%s#%s", l.Identity, l.Component, l.ViewType)
	if l.Stateful() {
		s += "@" + string(l.SessionID)
	}
	return s
}

// MethodLocator names a method by name and parameter type names.
type MethodLocator struct {
	Name       string
	ParamTypes []string
}

func (m MethodLocator) String() string {
	return fmt.Sprintf("%s(%s)", m.Name, strings.Join(m.ParamTypes, ","))
}

// ReplySink receives the outcome of one request. Exactly one method is called
// per request; a one-way invocation only ever sees Success(nil, nil).
type ReplySink interface {
	Success(result any, attachments map[string]any) error
	Failure(err error) error
	NotFound() error
	NotStateful() error
	CancelResponse() error
}

// Executor runs work out of band.
type Executor interface {
	Execute(task func())
}

// ExecutorFunc adapts a function to an Executor.
type ExecutorFunc func(task func())

func (f ExecutorFunc) Execute(task func()) { f(task) }

// GoroutineExecutor runs every task on a new goroutine.
var GoroutineExecutor Executor = ExecutorFunc(func(task func()) { go task() })

// CancelHandle requests cancellation of a dispatched request. Aggressive
// cancellation is accepted but currently handled like a regular one.
type CancelHandle interface {
	Cancel(aggressive bool)
}

// CancelFunc adapts a function to a CancelHandle.
type CancelFunc func(aggressive bool)

func (f CancelFunc) Cancel(aggressive bool) { f(aggressive) }

// NoopCancel is returned for requests that were answered without scheduling work.
var NoopCancel CancelHandle = CancelFunc(func(bool) {})

// InvocationRequest is a method invocation received from a transport.
type InvocationRequest struct {
	Target      Locator
	Method      MethodLocator
	Parameters  []any
	Attachments map[string]any
	Protocol    string
	Executor    Executor
	Reply       ReplySink

	// Transaction resolves the caller's transaction; nil when none was propagated.
	Transaction func() (any, error)
}

// SessionOpenRequest asks a stateful component for a new session.
type SessionOpenRequest struct {
	Identity  deployment.Identity
	Component string
	Protocol  string
	Executor  Executor
	Reply     ReplySink
}

// ComponentResolver is the read side of the deployment index.
type ComponentResolver interface {
	Resolve(id deployment.Identity, name string) (*deployment.ComponentInfo, bool)
	ResolveAny(app, module string) (*deployment.ComponentInfo, bool)
	Subscribe(l deployment.AvailabilityListener) (unsubscribe func())
}

// ClusterTopologyListener receives cluster membership changes.
type ClusterTopologyListener interface {
	ClusterTopology(cluster string, nodes []string)
	ClusterRemoval(clusters []string)
}
