package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/component-dispatcher/pkg/commsutil"
	"github.com/morezero/component-dispatcher/pkg/deployment"
	"github.com/morezero/component-dispatcher/pkg/invocation"
)

const commsLogPrefix = "transport:comms"

// ProtocolComms is the protocol name of requests arriving over COMMS.
const ProtocolComms = "comms"

// Handler is the dispatcher as seen by a transport.
type Handler interface {
	HandleInvocation(ctx context.Context, req *invocation.InvocationRequest) invocation.CancelHandle
	HandleSessionOpen(ctx context.Context, req *invocation.SessionOpenRequest) invocation.CancelHandle
}

// CommsTransportOpts configures CommsTransport. Zero values use defaults.
type CommsTransportOpts struct {
	InvocationSubject  string
	SessionOpenSubject string
	// QueueGroup load-balances requests across processes subscribed to the same subjects.
	QueueGroup string
	// RequestTimeout cancels requests that have not been answered in time. Zero disables it.
	RequestTimeout time.Duration
	Executor       invocation.Executor
	Versions       *VersionChecker
}

// CommsTransport receives request envelopes over COMMS and answers each
// message with exactly one response envelope.
type CommsTransport struct {
	nc      *comms.Conn
	handler Handler

	invocationSubject  string
	sessionOpenSubject string
	queueGroup         string
	requestTimeout     time.Duration
	executor           invocation.Executor
	versions           *VersionChecker

	mu   sync.Mutex
	ctx  context.Context
	subs []*comms.Subscription
}

// NewCommsTransport creates a transport. Pass nil for opts to use defaults.
func NewCommsTransport(nc *comms.Conn, handler Handler, opts *CommsTransportOpts) (*CommsTransport, error) {
	t := &CommsTransport{
		nc:                 nc,
		handler:            handler,
		invocationSubject:  commsutil.SubjectInvocation,
		sessionOpenSubject: commsutil.SubjectSessionOpen,
		executor:           invocation.GoroutineExecutor,
	}
	if opts != nil {
		if opts.InvocationSubject != "" {
			t.invocationSubject = opts.InvocationSubject
		}
		if opts.SessionOpenSubject != "" {
			t.sessionOpenSubject = opts.SessionOpenSubject
		}
		if opts.Executor != nil {
			t.executor = opts.Executor
		}
		t.queueGroup = opts.QueueGroup
		t.requestTimeout = opts.RequestTimeout
		t.versions = opts.Versions
	}
	if t.versions == nil {
		v, err := NewVersionChecker(DefaultVersionConstraint)
		if err != nil {
			return nil, err
		}
		t.versions = v
	}
	return t, nil
}

// Protocol returns the protocol name of this transport.
func (t *CommsTransport) Protocol() string { return ProtocolComms }

// Version returns the envelope version spoken by this transport.
func (t *CommsTransport) Version() string { return ProtocolVersion }

// Start subscribes to the request subjects. ctx is handed to every dispatched
// request and must live until Stop.
func (t *CommsTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subs != nil {
		return fmt.Errorf("%s - already started", commsLogPrefix)
	}
	t.ctx = ctx

	invSub, err := t.nc.QueueSubscribe(t.invocationSubject, t.queueGroup, t.handleInvocation)
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", commsLogPrefix, t.invocationSubject, err)
	}
	sessSub, err := t.nc.QueueSubscribe(t.sessionOpenSubject, t.queueGroup, t.handleSessionOpen)
	if err != nil {
		_ = invSub.Unsubscribe()
		return fmt.Errorf("%s - failed to subscribe to %s: %w", commsLogPrefix, t.sessionOpenSubject, err)
	}
	t.subs = []*comms.Subscription{invSub, sessSub}

	slog.Info(fmt.Sprintf("%s - Listening on %s and %s", commsLogPrefix, t.invocationSubject, t.sessionOpenSubject))
	return nil
}

// Stop drains the subscriptions so that requests already received are still delivered.
func (t *CommsTransport) Stop() error {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.Drain(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s - failed to drain %s: %w", commsLogPrefix, sub.Subject, err)
		}
	}
	return firstErr
}

func (t *CommsTransport) dispatchContext() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}

func (t *CommsTransport) handleInvocation(msg *comms.Msg) {
	var env InvocationEnvelope
	if err := commsutil.DecodePayload(msg.Data, &env); err != nil {
		t.reject(msg, "", &RequestError{Code: CodeInvalidRequest, Message: err.Error()})
		return
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if err := t.versions.Check(env.ProtocolVersion); err != nil {
		t.reject(msg, env.ID, err)
		return
	}
	if err := env.validate(); err != nil {
		t.reject(msg, env.ID, err)
		return
	}

	reply := &commsReply{msg: msg, id: env.ID}
	handle := t.handler.HandleInvocation(t.dispatchContext(), &invocation.InvocationRequest{
		Target:      env.locator(),
		Method:      env.methodLocator(),
		Parameters:  env.Params,
		Attachments: env.Attachments,
		Protocol:    ProtocolComms,
		Executor:    t.executor,
		Reply:       reply,
		Transaction: env.transaction(),
	})
	t.enforceDeadline(reply, handle)
}

func (t *CommsTransport) handleSessionOpen(msg *comms.Msg) {
	var env SessionOpenEnvelope
	if err := commsutil.DecodePayload(msg.Data, &env); err != nil {
		t.reject(msg, "", &RequestError{Code: CodeInvalidRequest, Message: err.Error()})
		return
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if err := t.versions.Check(env.ProtocolVersion); err != nil {
		t.reject(msg, env.ID, err)
		return
	}
	if err := env.validate(); err != nil {
		t.reject(msg, env.ID, err)
		return
	}

	reply := &commsReply{msg: msg, id: env.ID}
	handle := t.handler.HandleSessionOpen(t.dispatchContext(), &invocation.SessionOpenRequest{
		Identity:  deployment.NewIdentity(env.App, env.Module, env.Distinct),
		Component: env.Bean,
		Protocol:  ProtocolComms,
		Executor:  t.executor,
		Reply:     reply,
	})
	t.enforceDeadline(reply, handle)
}

// enforceDeadline cancels the request if it is still unanswered after the request timeout.
func (t *CommsTransport) enforceDeadline(reply *commsReply, handle invocation.CancelHandle) {
	if t.requestTimeout <= 0 || reply.Written() {
		return
	}
	time.AfterFunc(t.requestTimeout, func() {
		if !reply.Written() {
			slog.Debug(fmt.Sprintf("%s - request %s timed out after %s", commsLogPrefix, reply.id, t.requestTimeout))
			handle.Cancel(false)
		}
	})
}

func (t *CommsTransport) reject(msg *comms.Msg, id string, err error) {
	slog.Debug(fmt.Sprintf("%s - rejected request %s on %s: %v", commsLogPrefix, id, msg.Subject, err))
	reply := &commsReply{msg: msg, id: id}
	if werr := reply.Failure(err); werr != nil {
		slog.Error(fmt.Sprintf("%s - failed to write rejection for %s: %v", commsLogPrefix, id, werr))
	}
}

// commsReply answers one COMMS request message.
type commsReply struct {
	msg     *comms.Msg
	id      string
	written atomic.Bool
}

// Written reports whether a response has been sent.
func (r *commsReply) Written() bool { return r.written.Load() }

func (r *commsReply) Success(result any, attachments map[string]any) error {
	return r.respond(&Response{ID: r.id, Outcome: OutcomeSuccess, Result: result, Attachments: attachments})
}

func (r *commsReply) Failure(err error) error {
	return r.respond(&Response{ID: r.id, Outcome: OutcomeFailure, Error: errorDetail(err)})
}

func (r *commsReply) NotFound() error {
	return r.respond(&Response{ID: r.id, Outcome: OutcomeNotFound})
}

func (r *commsReply) NotStateful() error {
	return r.respond(&Response{ID: r.id, Outcome: OutcomeNotStateful})
}

func (r *commsReply) CancelResponse() error {
	return r.respond(&Response{ID: r.id, Outcome: OutcomeCancelled})
}

func (r *commsReply) respond(resp *Response) error {
	if !r.written.CompareAndSwap(false, true) {
		return fmt.Errorf("%s - response for %s already written", commsLogPrefix, r.id)
	}

	data, err := commsutil.EncodePayload(resp)
	if err != nil {
		encodeErr := fmt.Errorf("%s - failed to encode response %s: %w", commsLogPrefix, r.id, err)
		fallback, _ := commsutil.EncodePayload(&Response{
			ID:      r.id,
			Outcome: OutcomeFailure,
			Error:   &ErrorDetail{Code: CodeInternalError, Message: "result could not be encoded"},
		})
		if rerr := r.msg.Respond(fallback); rerr != nil {
			return fmt.Errorf("%w (fallback: %v)", encodeErr, rerr)
		}
		return encodeErr
	}

	if err := r.msg.Respond(data); err != nil {
		return fmt.Errorf("%s - failed to respond to %s: %w", commsLogPrefix, r.id, err)
	}
	return nil
}
