package deployment

import (
	"context"
	"sync"
)

// Method is an operation exposed on a view. Parameter types are carried by
// name since method handles cannot cross the wire.
type Method struct {
	Name       string
	ParamTypes []string
	// Void is true when the method declares no return value.
	Void bool
	// Async is true when the view runs the method asynchronously and
	// returns a Future for non-void results.
	Async bool
}

// Matches compares the method name and the exact ordered parameter type names.
func (m Method) Matches(name string, paramTypes []string) bool {
	if m.Name != name || len(m.ParamTypes) != len(paramTypes) {
		return false
	}
	for i, p := range m.ParamTypes {
		if p != paramTypes[i] {
			return false
		}
	}
	return true
}

// OneWay reports whether callers are acknowledged before execution.
func (m Method) OneWay() bool { return m.Async && m.Void }

// Handler executes an invocation against a view.
type Handler func(ic *InvocationContext) (any, error)

// View is a typed entry point into a component.
type View struct {
	Type    string
	Remote  bool
	Methods []Method
	Handler Handler
}

// FindMethod scans the exposed methods for a structural match.
func (v *View) FindMethod(name string, paramTypes []string) (Method, bool) {
	for _, m := range v.Methods {
		if m.Matches(name, paramTypes) {
			return m, true
		}
	}
	return Method{}, false
}

// Invoke runs the view handler.
func (v *View) Invoke(ic *InvocationContext) (any, error) {
	if v.Handler == nil {
		return nil, ErrComponentUnavailable
	}
	return v.Handler(ic)
}

// ComponentInfo describes one component deployed in a module.
type ComponentInfo struct {
	Name      string
	Component Component
	Views     map[string]*View
}

// NewComponentInfo creates a ComponentInfo indexed by view type.
func NewComponentInfo(c Component, views ...*View) *ComponentInfo {
	ci := &ComponentInfo{
		Name:      c.Name(),
		Component: c,
		Views:     make(map[string]*View, len(views)),
	}
	for _, v := range views {
		ci.Views[v.Type] = v
	}
	return ci
}

// RemoteView returns the view of the given type if it is exposed remotely.
func (ci *ComponentInfo) RemoteView(viewType string) (*View, bool) {
	v, ok := ci.Views[viewType]
	if !ok || !v.Remote {
		return nil, false
	}
	return v, true
}

// Future is the handle returned by asynchronous methods with a result.
type Future interface {
	Get(ctx context.Context) (any, error)
}

// Promise is a Future completed exactly once by the producer.
type Promise struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

// NewPromise creates an incomplete Promise.
func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Complete sets the outcome. Later calls are ignored.
func (p *Promise) Complete(value any, err error) {
	p.once.Do(func() {
		p.value = value
		p.err = err
		close(p.done)
	})
}

// Get waits for completion or for ctx to end.
func (p *Promise) Get(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
