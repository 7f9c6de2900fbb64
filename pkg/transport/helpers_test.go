package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/component-dispatcher/pkg/deployment"
	"github.com/morezero/component-dispatcher/pkg/invocation"
)

const helpersTestPrefix = "transport:helpers_test"

var testIdentity = deployment.NewIdentity("shop", "orders", "")

type echoBean struct{}

func (echoBean) Name() string                      { return "Echo" }
func (echoBean) Remotable(error) bool              { return true }
func (echoBean) WeakAffinity() deployment.Affinity { return deployment.NodeAffinity("node-a") }

type cartBean struct {
	mu       sync.Mutex
	sessions map[deployment.SessionID]int
}

func (*cartBean) Name() string         { return "Cart" }
func (*cartBean) Remotable(error) bool { return true }
func (b *cartBean) CreateSession(context.Context) (deployment.SessionID, error) {
	id := deployment.NewSessionID()
	b.mu.Lock()
	b.sessions[id] = 0
	b.mu.Unlock()
	return id, nil
}
func (*cartBean) WeakAffinity(deployment.SessionID) deployment.Affinity { return deployment.AffinityNone }

var errBoom = errors.New("boom")

type testDeployment struct {
	index   *deployment.Index
	disp    *invocation.Dispatcher
	release chan struct{}
	started chan struct{}
}

func newTestDeployment(t *testing.T) *testDeployment {
	t.Helper()
	td := &testDeployment{
		index:   deployment.NewIndex(),
		release: make(chan struct{}),
		started: make(chan struct{}, 16),
	}

	echoView := &deployment.View{
		Type:   "EchoRemote",
		Remote: true,
		Methods: []deployment.Method{
			{Name: "echo", ParamTypes: []string{"string"}},
			{Name: "fail", ParamTypes: []string{}},
			{Name: "block", ParamTypes: []string{}},
			{Name: "notify", ParamTypes: []string{"string"}, Async: true, Void: true},
			{Name: "chan", ParamTypes: []string{}},
			{Name: "panic", ParamTypes: []string{}},
		},
		Handler: func(ic *deployment.InvocationContext) (any, error) {
			switch ic.Method.Name {
			case "echo":
				return fmt.Sprint(ic.Parameters[0]), nil
			case "fail":
				return nil, errBoom
			case "block":
				td.started <- struct{}{}
				<-td.release
				return "released", nil
			case "chan":
				return make(chan int), nil
			case "panic":
				panic("boom")
			}
			return nil, nil
		},
	}
	cart := &cartBean{sessions: make(map[deployment.SessionID]int)}
	cartView := &deployment.View{
		Type:    "CartRemote",
		Remote:  true,
		Methods: []deployment.Method{{Name: "size", ParamTypes: []string{}}},
		Handler: func(ic *deployment.InvocationContext) (any, error) {
			id, _ := ic.SessionID()
			cart.mu.Lock()
			defer cart.mu.Unlock()
			return cart.sessions[id], nil
		},
	}

	module := deployment.NewModule(testIdentity,
		deployment.NewComponentInfo(echoBean{}, echoView),
		deployment.NewComponentInfo(cart, cartView),
	)
	if err := td.index.Deploy(module); err != nil {
		t.Fatalf("%s - deploy failed: %v", helpersTestPrefix, err)
	}
	if err := td.index.MarkAvailable(testIdentity); err != nil {
		t.Fatalf("%s - mark available failed: %v", helpersTestPrefix, err)
	}
	td.disp = invocation.NewDispatcher(td.index)
	return td
}

func (td *testDeployment) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-td.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - blocking method never started", helpersTestPrefix)
	}
}

// startTestServer starts an in-process NATS server for testing.
func startTestServer(t *testing.T, port int) (*comms.Conn, func()) {
	t.Helper()

	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("%s - failed to create server: %v", helpersTestPrefix, err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - server failed to start", helpersTestPrefix)
	}

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("%s - failed to connect: %v", helpersTestPrefix, err)
	}

	cleanup := func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	}

	return nc, cleanup
}
