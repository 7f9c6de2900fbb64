// Package diagnostics provides the built-in module every dispatcher deploys,
// so that a running process can be exercised end to end over any transport.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/component-dispatcher/pkg/deployment"
)

const logPrefix = "diagnostics:module"

// Identity of the built-in module.
var Identity = deployment.NewIdentity("system", "dispatcher", "")

// Component and view names.
const (
	EchoComponent    = "Echo"
	EchoView         = "EchoRemote"
	CounterComponent = "Counter"
	CounterView      = "CounterRemote"
)

// ErrUnknownSession is returned by the counter for a session it never created.
var ErrUnknownSession = errors.New("unknown counter session")

// NewModule returns the diagnostics module for a node.
func NewModule(node string) *deployment.Module {
	echo := &echoComponent{node: node}
	counter := newCounterComponent(node)
	return deployment.NewModule(Identity,
		deployment.NewComponentInfo(echo, echo.view()),
		deployment.NewComponentInfo(counter, counter.view()),
	)
}

// Deploy adds the module to index and announces it available.
func Deploy(index *deployment.Index, node string) error {
	if err := index.Deploy(NewModule(node)); err != nil {
		return err
	}
	return index.MarkAvailable(Identity)
}

type echoComponent struct {
	node string
}

func (c *echoComponent) Name() string         { return EchoComponent }
func (c *echoComponent) Remotable(error) bool { return true }

func (c *echoComponent) WeakAffinity() deployment.Affinity {
	if c.node == "" {
		return deployment.AffinityNone
	}
	return deployment.NodeAffinity(c.node)
}

func (c *echoComponent) view() *deployment.View {
	return &deployment.View{
		Type:   EchoView,
		Remote: true,
		Methods: []deployment.Method{
			{Name: "echo", ParamTypes: []string{"string"}},
			{Name: "ping", ParamTypes: []string{}},
			{Name: "log", ParamTypes: []string{"string"}, Async: true, Void: true},
		},
		Handler: func(ic *deployment.InvocationContext) (any, error) {
			switch ic.Method.Name {
			case "echo":
				msg, err := firstParameter(ic)
				if err != nil {
					return nil, err
				}
				return fmt.Sprint(msg), nil
			case "ping":
				return "pong", nil
			case "log":
				msg, err := firstParameter(ic)
				if err != nil {
					return nil, err
				}
				slog.Info(fmt.Sprintf("%s - %v", logPrefix, msg))
				return nil, nil
			}
			return nil, deployment.ErrComponentUnavailable
		},
	}
}

func firstParameter(ic *deployment.InvocationContext) (any, error) {
	if len(ic.Parameters) == 0 {
		return nil, &deployment.ApplicationError{Message: ic.Method.Name + " requires one parameter"}
	}
	return ic.Parameters[0], nil
}

// counterComponent keeps one integer per session.
type counterComponent struct {
	node string

	mu       sync.Mutex
	sessions map[deployment.SessionID]int64
}

func newCounterComponent(node string) *counterComponent {
	return &counterComponent{node: node, sessions: make(map[deployment.SessionID]int64)}
}

func (c *counterComponent) Name() string { return CounterComponent }

func (c *counterComponent) Remotable(err error) bool {
	return errors.Is(err, ErrUnknownSession)
}

func (c *counterComponent) CreateSession(context.Context) (deployment.SessionID, error) {
	id := deployment.NewSessionID()
	c.mu.Lock()
	c.sessions[id] = 0
	c.mu.Unlock()
	return id, nil
}

func (c *counterComponent) WeakAffinity(deployment.SessionID) deployment.Affinity {
	if c.node == "" {
		return deployment.AffinityNone
	}
	return deployment.NodeAffinity(c.node)
}

func (c *counterComponent) view() *deployment.View {
	return &deployment.View{
		Type:   CounterView,
		Remote: true,
		Methods: []deployment.Method{
			{Name: "increment", ParamTypes: []string{}},
			{Name: "get", ParamTypes: []string{}},
		},
		Handler: func(ic *deployment.InvocationContext) (any, error) {
			id, ok := ic.SessionID()
			if !ok {
				return nil, &deployment.ApplicationError{Cause: ErrUnknownSession}
			}
			c.mu.Lock()
			defer c.mu.Unlock()
			n, ok := c.sessions[id]
			if !ok {
				return nil, &deployment.ApplicationError{Message: string(id), Cause: ErrUnknownSession}
			}
			if ic.Method.Name == "increment" {
				n++
				c.sessions[id] = n
			}
			return n, nil
		},
	}
}
