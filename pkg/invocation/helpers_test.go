package invocation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/morezero/component-dispatcher/pkg/deployment"
)

const helpersTestPrefix = "invocation:helpers_test"

var errNotRemotable = errors.New("not remotable")

type sinkCall struct {
	kind        string
	result      any
	attachments map[string]any
	err         error
}

// recordingSink records every terminal write.
type recordingSink struct {
	mu      sync.Mutex
	calls   []sinkCall
	written chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{written: make(chan struct{}, 16)}
}

func (s *recordingSink) record(c sinkCall) error {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
	s.written <- struct{}{}
	return nil
}

func (s *recordingSink) Success(result any, attachments map[string]any) error {
	return s.record(sinkCall{kind: "success", result: result, attachments: attachments})
}
func (s *recordingSink) Failure(err error) error { return s.record(sinkCall{kind: "failure", err: err}) }
func (s *recordingSink) NotFound() error { return s.record(sinkCall{kind: "notFound"}) }
func (s *recordingSink) NotStateful() error { return s.record(sinkCall{kind: "notStateful"}) }
func (s *recordingSink) CancelResponse() error { return s.record(sinkCall{kind: "cancel"}) }

func (s *recordingSink) snapshot() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sinkCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// waitFor blocks until n writes have been recorded.
func (s *recordingSink) waitFor(t *testing.T, n int) []sinkCall {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for len(s.snapshot()) < n {
		select {
		case <-s.written:
		case <-deadline:
			t.Fatalf("%s - timeout waiting for %d writes, got %d", helpersTestPrefix, n, len(s.snapshot()))
		}
	}
	return s.snapshot()
}

// expectOnly asserts a single write of the given kind.
func (s *recordingSink) expectOnly(t *testing.T, kind string) sinkCall {
	t.Helper()
	calls := s.snapshot()
	if len(calls) != 1 {
		t.Fatalf("%s - expected exactly 1 write, got %d: %+v", helpersTestPrefix, len(calls), calls)
	}
	if calls[0].kind != kind {
		t.Fatalf("%s - expected %s, got %s", helpersTestPrefix, kind, calls[0].kind)
	}
	return calls[0]
}

// failingSink fails every write.
type failingSink struct{ writes atomic.Int32 }

func (s *failingSink) fail() error { s.writes.Add(1); return errors.New("connection closed") }
func (s *failingSink) Success(any, map[string]any) error { return s.fail() }
func (s *failingSink) Failure(error) error { return s.fail() }
func (s *failingSink) NotFound() error { return s.fail() }
func (s *failingSink) NotStateful() error { return s.fail() }
func (s *failingSink) CancelResponse() error { return s.fail() }

// queueExecutor holds tasks until run is called.
type queueExecutor struct {
	mu    sync.Mutex
	tasks []func()
}

func (q *queueExecutor) Execute(task func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
}

func (q *queueExecutor) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *queueExecutor) runAll() {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}

// forbiddenExecutor fails the test when used.
type forbiddenExecutor struct{ t *testing.T }

func (f forbiddenExecutor) Execute(func()) {
	f.t.Errorf("%s - executor must not be used", helpersTestPrefix)
}

type statelessBean struct {
	name     string
	affinity deployment.Affinity
}

func (b *statelessBean) Name() string { return b.name }
func (b *statelessBean) Remotable(error) bool { return true }
func (b *statelessBean) WeakAffinity() deployment.Affinity { return b.affinity }

type statefulBean struct {
	name      string
	affinity  deployment.Affinity
	createErr   error
	createPanic any
	created     atomic.Int32
}

func (b *statefulBean) Name() string { return b.name }
func (b *statefulBean) Remotable(err error) bool {
	return !errors.Is(err, errNotRemotable)
}
func (b *statefulBean) WeakAffinity(deployment.SessionID) deployment.Affinity { return b.affinity }
func (b *statefulBean) CreateSession(context.Context) (deployment.SessionID, error) {
	b.created.Add(1)
	if b.createPanic != nil {
		panic(b.createPanic)
	}
	if b.createErr != nil {
		return "", b.createErr
	}
	return deployment.NewSessionID(), nil
}

type genericBean struct{ name string }

func (b *genericBean) Name() string { return b.name }
func (b *genericBean) Remotable(error) bool { return true }

var (
	testIdentity  = deployment.NewIdentity("app1", "mod1", "")
	doWorkInt     = deployment.Method{Name: "doWork", ParamTypes: []string{"int"}}
	fireAndForget = deployment.Method{Name: "notify", ParamTypes: []string{"java.lang.String"}, Void: true, Async: true}
	asyncResult   = deployment.Method{Name: "compute", ParamTypes: []string{"int"}, Async: true}
)

// newTestDispatcher deploys c with a single remote view "V" and marks the module available.
func newTestDispatcher(t *testing.T, c deployment.Component, handler deployment.Handler) *Dispatcher {
	t.Helper()
	view := &deployment.View{
		Type:    "V",
		Remote:  true,
		Methods: []deployment.Method{doWorkInt, fireAndForget, asyncResult},
		Handler: handler,
	}
	local := &deployment.View{Type: "LocalV", Remote: false, Methods: []deployment.Method{doWorkInt}, Handler: handler}

	index := deployment.NewIndex()
	if err := index.Deploy(deployment.NewModule(testIdentity, deployment.NewComponentInfo(c, view, local))); err != nil {
		t.Fatalf("%s - deploy failed: %v", helpersTestPrefix, err)
	}
	if err := index.MarkAvailable(testIdentity); err != nil {
		t.Fatalf("%s - mark available failed: %v", helpersTestPrefix, err)
	}
	return NewDispatcher(index)
}

func newRequest(component string, method deployment.Method, sink ReplySink, exec Executor, protocol string) *InvocationRequest {
	return &InvocationRequest{
		Target:     Locator{Identity: testIdentity, Component: component, ViewType: "V"},
		Method:     MethodLocator{Name: method.Name, ParamTypes: method.ParamTypes},
		Parameters: []any{42},
		Protocol:   protocol,
		Executor:   exec,
		Reply:      sink,
	}
}
