package deployment

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrComponentUnavailable is returned by a view when its component is shutting down.
	ErrComponentUnavailable = errors.New("component unavailable")
	// ErrComponentStopped is returned by a view when its component has already stopped.
	ErrComponentStopped = errors.New("component is stopped")
	// ErrCancelled signals that an invocation observed a cancellation request.
	ErrCancelled = errors.New("invocation cancelled")
	// ErrNoTransaction is returned when the caller did not propagate a transaction.
	ErrNoTransaction = errors.New("no transaction associated with invocation")
)

// ApplicationError wraps a failure raised by application code inside a component.
type ApplicationError struct {
	Message string
	Cause   error
}

func (e *ApplicationError) Error() string {
	switch {
	case e.Message != "" && e.Cause != nil:
		return e.Message + ": " + e.Cause.Error()
	case e.Message != "":
		return e.Message
	case e.Cause != nil:
		return e.Cause.Error()
	}
	return "application error"
}

func (e *ApplicationError) Unwrap() error { return e.Cause }

// Kind classifies a component by the capabilities it exposes.
type Kind int

const (
	KindGeneric Kind = iota
	KindStateless
	KindStateful
)

func (k Kind) String() string {
	switch k {
	case KindStateless:
		return "stateless"
	case KindStateful:
		return "stateful"
	}
	return "generic"
}

// Component is a deployed invocable target.
type Component interface {
	Name() string
	// Remotable reports whether err may be handed to a remote caller as-is.
	Remotable(err error) bool
}

// StatelessComponent is a component without conversational state.
type StatelessComponent interface {
	Component
	WeakAffinity() Affinity
}

// StatefulComponent is a component that keeps per-session state.
type StatefulComponent interface {
	Component
	CreateSession(ctx context.Context) (SessionID, error)
	// WeakAffinity is a hint about where the state of the session lives.
	WeakAffinity(id SessionID) Affinity
}

// KindOf returns the kind of c.
func KindOf(c Component) Kind {
	switch c.(type) {
	case StatefulComponent:
		return KindStateful
	case StatelessComponent:
		return KindStateless
	}
	return KindGeneric
}

// SessionID identifies a stateful session.
type SessionID string

// NewSessionID returns a random session id.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// Affinity is a routing hint returned to remote callers. The zero value means none.
type Affinity string

const (
	AffinityNone  Affinity = ""
	AffinityLocal Affinity = "local"
)

// NodeAffinity returns an affinity for a single named node.
func NodeAffinity(node string) Affinity { return Affinity("node:" + node) }

// ClusterAffinity returns an affinity for a named cluster.
func ClusterAffinity(cluster string) Affinity { return Affinity("cluster:" + cluster) }

// IsNone reports whether a carries no routing information.
func (a Affinity) IsNone() bool { return strings.TrimSpace(string(a)) == "" }
