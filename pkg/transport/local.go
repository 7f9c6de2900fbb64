package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/morezero/component-dispatcher/pkg/deployment"
	"github.com/morezero/component-dispatcher/pkg/invocation"
)

const localLogPrefix = "transport:local"

// LocalTransport invokes components deployed in this process. Synchronous
// calls run on the caller's goroutine.
type LocalTransport struct {
	handler  Handler
	executor invocation.Executor
}

// NewLocalTransport creates a local transport. A nil executor runs
// asynchronous calls on new goroutines.
func NewLocalTransport(handler Handler, executor invocation.Executor) *LocalTransport {
	if executor == nil {
		executor = invocation.GoroutineExecutor
	}
	return &LocalTransport{handler: handler, executor: executor}
}

// Protocol returns invocation.ProtocolLocal.
func (t *LocalTransport) Protocol() string { return invocation.ProtocolLocal }

// Version returns the envelope version spoken by this transport.
func (t *LocalTransport) Version() string { return ProtocolVersion }

// LocalCall describes one local invocation.
type LocalCall struct {
	Target      invocation.Locator
	Method      invocation.MethodLocator
	Parameters  []any
	Attachments map[string]any
}

// Invoke runs call and waits for its outcome. If ctx ends first the request
// is cancelled and ctx's error is returned. Not-found, not-stateful and
// cancelled outcomes map to ErrTargetNotFound, ErrNotStateful and
// deployment.ErrCancelled. A call whose parameter count does not match its
// parameter types fails with a *RequestError before reaching the dispatcher.
func (t *LocalTransport) Invoke(ctx context.Context, call LocalCall) (*Response, error) {
	if err := checkArity(call.Parameters, call.Method.ParamTypes); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	sink := newChannelSink(id)

	handle := t.handler.HandleInvocation(ctx, &invocation.InvocationRequest{
		Target:      call.Target,
		Method:      call.Method,
		Parameters:  call.Parameters,
		Attachments: call.Attachments,
		Protocol:    invocation.ProtocolLocal,
		Executor:    t.executor,
		Reply:       sink,
	})
	return t.await(ctx, id, sink, handle)
}

// OpenSession creates a session on a stateful component.
func (t *LocalTransport) OpenSession(ctx context.Context, id deployment.Identity, component string) (deployment.SessionID, error) {
	reqID := uuid.NewString()
	sink := newChannelSink(reqID)

	handle := t.handler.HandleSessionOpen(ctx, &invocation.SessionOpenRequest{
		Identity:  id,
		Component: component,
		Protocol:  invocation.ProtocolLocal,
		Executor:  t.executor,
		Reply:     sink,
	})
	resp, err := t.await(ctx, reqID, sink, handle)
	if err != nil {
		return "", err
	}
	sessionID, ok := resp.Result.(deployment.SessionID)
	if !ok {
		return "", fmt.Errorf("%s - session open returned %T", localLogPrefix, resp.Result)
	}
	return sessionID, nil
}

func (t *LocalTransport) await(ctx context.Context, id string, sink *channelSink, handle invocation.CancelHandle) (*Response, error) {
	select {
	case resp := <-sink.ch:
		if resp.Outcome == OutcomeSuccess {
			return resp, nil
		}
		if resp.Outcome == OutcomeFailure && sink.err != nil {
			return nil, sink.err
		}
		return nil, responseError(resp)
	case <-ctx.Done():
		slog.Debug(fmt.Sprintf("%s - request %s abandoned: %v", localLogPrefix, id, ctx.Err()))
		handle.Cancel(false)
		return nil, ctx.Err()
	}
}

// channelSink delivers the single outcome of a local request on a channel.
type channelSink struct {
	id  string
	ch  chan *Response
	err error
}

func newChannelSink(id string) *channelSink {
	return &channelSink{id: id, ch: make(chan *Response, 1)}
}

func (s *channelSink) send(resp *Response) error {
	select {
	case s.ch <- resp:
		return nil
	default:
		return fmt.Errorf("%s - response for %s already written", localLogPrefix, s.id)
	}
}

func (s *channelSink) Success(result any, attachments map[string]any) error {
	return s.send(&Response{ID: s.id, Outcome: OutcomeSuccess, Result: result, Attachments: attachments})
}

// Failure keeps the original error so local callers can inspect it with errors.As.
func (s *channelSink) Failure(err error) error {
	s.err = err
	return s.send(&Response{ID: s.id, Outcome: OutcomeFailure, Error: errorDetail(err)})
}

func (s *channelSink) NotFound() error {
	return s.send(&Response{ID: s.id, Outcome: OutcomeNotFound})
}

func (s *channelSink) NotStateful() error {
	return s.send(&Response{ID: s.id, Outcome: OutcomeNotStateful})
}

func (s *channelSink) CancelResponse() error {
	return s.send(&Response{ID: s.id, Outcome: OutcomeCancelled})
}
