package invocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/morezero/component-dispatcher/pkg/deployment"
)

const logPrefix = "invocation:dispatcher"

// ErrNotFound is returned by MapModule when no started module matches.
var ErrNotFound = errors.New("no such component")

// Dispatcher resolves requests against the deployment index and runs them.
type Dispatcher struct {
	index ComponentResolver
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(index ComponentResolver) *Dispatcher {
	return &Dispatcher{index: index}
}

// HandleInvocation dispatches req and returns a handle that cancels it if
// execution has not started yet. ctx must outlive the execution; it is handed
// to the target and bounds the wait on asynchronous results.
func (d *Dispatcher) HandleInvocation(ctx context.Context, req *InvocationRequest) CancelHandle {
	target := req.Target

	info, ok := d.index.Resolve(target.Identity, target.Component)
	if !ok {
		slog.Debug(fmt.Sprintf("%s - no such component %s", logPrefix, target))
		d.logWrite("not-found", target, req.Reply.NotFound())
		return NoopCancel
	}

	view, ok := info.RemoteView(target.ViewType)
	if !ok {
		slog.Debug(fmt.Sprintf("%s - view %s is not exposed remotely by %s", logPrefix, target.ViewType, target))
		d.logWrite("not-found", target, req.Reply.NotFound())
		return NoopCancel
	}

	method, ok := view.FindMethod(req.Method.Name, req.Method.ParamTypes)
	if !ok {
		slog.Debug(fmt.Sprintf("%s - no such method %s on %s", logPrefix, req.Method, target))
		d.logWrite("not-found", target, req.Reply.NotFound())
		return NoopCancel
	}

	oneWay := method.OneWay()
	if oneWay {
		d.logWrite("one-way acknowledgement", target, req.Reply.Success(nil, nil))
	}

	flag := &CancellationFlag{}
	d.execute(req.Protocol, req.Executor, method.Async, func() {
		d.runInvocation(ctx, req, info, view, method, flag)
	})

	// TODO: act on aggressive cancellation by interrupting invocations already past the flag check.
	return CancelFunc(func(bool) { flag.Set() })
}

func (d *Dispatcher) runInvocation(ctx context.Context, req *InvocationRequest, info *deployment.ComponentInfo, view *deployment.View, method deployment.Method, flag *CancellationFlag) {
	target := req.Target
	oneWay := method.OneWay()

	if flag.IsCancelled() {
		if !oneWay {
			d.logWrite("cancel response", target, req.Reply.CancelResponse())
		}
		return
	}

	result, err := d.invoke(ctx, req, info, view, method, flag)
	if err != nil {
		switch {
		case errors.Is(err, deployment.ErrComponentUnavailable), errors.Is(err, deployment.ErrComponentStopped):
			// The client may retry elsewhere, so this is reported like a missing component.
			slog.Debug(fmt.Sprintf("%s - %s on %s failed, component unavailable: %v", logPrefix, req.Method, target, err))
			if !oneWay {
				d.logWrite("not-found", target, req.Reply.NotFound())
			}
		case errors.Is(err, deployment.ErrCancelled), errors.Is(err, context.Canceled):
			if !oneWay {
				d.logWrite("cancel response", target, req.Reply.CancelResponse())
			}
		default:
			if oneWay {
				slog.Debug(fmt.Sprintf("%s - one-way %s on %s failed: %v", logPrefix, req.Method, target, err))
				return
			}
			d.logWrite("failure", target, req.Reply.Failure(sanitizeFailure(info.Component, err)))
		}
		return
	}
	if oneWay {
		return
	}

	var attachments map[string]any
	if affinity := weakAffinity(info.Component, target); !affinity.IsNone() {
		attachments = map[string]any{WeakAffinityKey: string(affinity)}
	}
	d.logWrite("result", target, req.Reply.Success(result, attachments))
}

func (d *Dispatcher) invoke(ctx context.Context, req *InvocationRequest, info *deployment.ComponentInfo, view *deployment.View, method deployment.Method, flag *CancellationFlag) (_ any, err error) {
	defer recoverTarget(req.Target, &err)

	ic := deployment.NewInvocationContext(ctx)
	ic.Parameters = req.Parameters
	ic.Method = method
	ic.Component = info.Component
	ic.View = view
	ic.Type = deployment.InvocationRemote
	ic.BlockingCaller = false

	for key, value := range req.Attachments {
		if key != PrivateAttachmentsKey {
			ic.ContextData[key] = value
			continue
		}
		private, ok := value.(map[string]any)
		if !ok {
			slog.Debug(fmt.Sprintf("%s - ignoring private attachments of type %T", logPrefix, value))
			continue
		}
		for pk, pv := range private {
			ic.PutPrivateData(pk, pv)
		}
	}
	if req.Target.Stateful() {
		ic.PutPrivateData(deployment.PrivateKeySessionID, req.Target.SessionID)
	}
	if req.Transaction != nil {
		ic.SetTransactionSupplier(req.Transaction)
	}

	if !method.Async || deployment.KindOf(info.Component) == deployment.KindGeneric {
		return view.Invoke(ic)
	}

	if !method.OneWay() {
		ic.PutPrivateData(deployment.PrivateKeyCancellationFlag, flag)
	}
	result, err := view.Invoke(ic)
	if err != nil || result == nil {
		return nil, err
	}
	future, ok := result.(deployment.Future)
	if !ok {
		return result, nil
	}
	return future.Get(ctx)
}

// HandleSessionOpen dispatches a session-open request.
func (d *Dispatcher) HandleSessionOpen(ctx context.Context, req *SessionOpenRequest) CancelHandle {
	info, ok := d.index.Resolve(req.Identity, req.Component)
	if !ok {
		slog.Debug(fmt.Sprintf("%s - no such component %s/%s for session open", logPrefix, req.Identity, req.Component))
		d.logWrite("not-found", req.Identity, req.Reply.NotFound())
		return NoopCancel
	}
	stateful, ok := info.Component.(deployment.StatefulComponent)
	if !ok {
		d.logWrite("not-stateful", req.Identity, req.Reply.NotStateful())
		return NoopCancel
	}

	flag := &CancellationFlag{}
	d.execute(req.Protocol, req.Executor, false, func() {
		if flag.IsCancelled() {
			d.logWrite("cancel response", req.Identity, req.Reply.CancelResponse())
			return
		}
		id, err := createSession(ctx, stateful, req.Identity)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - failed to create session for %s in %s: %v", logPrefix, req.Component, req.Identity, err))
			d.logWrite("failure", req.Identity, req.Reply.Failure(err))
			return
		}
		d.logWrite("session id", req.Identity, req.Reply.Success(id, nil))
	})
	return CancelFunc(func(bool) { flag.Set() })
}

func createSession(ctx context.Context, c deployment.StatefulComponent, id deployment.Identity) (_ deployment.SessionID, err error) {
	defer recoverTarget(id, &err)
	return c.CreateSession(ctx)
}

// recoverTarget turns a panic raised by target code into an application
// failure so that the request still gets its terminal write. It must be
// deferred directly.
func recoverTarget(target fmt.Stringer, err *error) {
	r := recover()
	if r == nil {
		return
	}
	slog.Error(fmt.Sprintf("%s - %s panicked: %v\n%s", logPrefix, target, r, debug.Stack()))
	appErr := &deployment.ApplicationError{Message: fmt.Sprintf("panic: %v", r)}
	if cause, ok := r.(error); ok {
		appErr = &deployment.ApplicationError{Message: "panic", Cause: cause}
	}
	*err = appErr
}

// MapModule returns an arbitrary component of the (app, module) module.
func (d *Dispatcher) MapModule(app, module string) (*deployment.ComponentInfo, error) {
	info, ok := d.index.ResolveAny(app, module)
	if !ok {
		return nil, fmt.Errorf("%s - %s/%s: %w", logPrefix, app, module, ErrNotFound)
	}
	return info, nil
}

// RegisterModuleAvailabilityListener subscribes l to module availability,
// replaying the modules that are already available.
func (d *Dispatcher) RegisterModuleAvailabilityListener(l deployment.AvailabilityListener) (unsubscribe func()) {
	return d.index.Subscribe(l)
}

// RegisterClusterTopologyListener accepts l but never notifies it; topology
// propagation is not implemented.
func (d *Dispatcher) RegisterClusterTopologyListener(_ ClusterTopologyListener) (unsubscribe func()) {
	return func() {}
}

// execute runs same-process synchronous work on the calling goroutine and
// everything else on the request's executor.
func (d *Dispatcher) execute(protocol string, exec Executor, async bool, task func()) {
	if protocol == ProtocolLocal && !async {
		task()
		return
	}
	if exec == nil {
		exec = GoroutineExecutor
	}
	exec.Execute(task)
}

func (d *Dispatcher) logWrite(outcome string, target fmt.Stringer, err error) {
	if err != nil {
		slog.Error(fmt.Sprintf("%s - could not write %s for %s: %v", logPrefix, outcome, target, err))
	}
}

func weakAffinity(c deployment.Component, target Locator) deployment.Affinity {
	if stateful, ok := c.(deployment.StatefulComponent); ok && target.Stateful() {
		return stateful.WeakAffinity(target.SessionID)
	}
	if stateless, ok := c.(deployment.StatelessComponent); ok {
		return stateless.WeakAffinity()
	}
	return deployment.AffinityNone
}

// sanitizeFailure strips an application error's cause when a stateful
// component reports the cause as not remotable, so the caller never needs
// the cause's type to decode the failure.
func sanitizeFailure(c deployment.Component, err error) error {
	if deployment.KindOf(c) != deployment.KindStateful {
		return err
	}
	var appErr *deployment.ApplicationError
	if !errors.As(err, &appErr) || appErr.Cause == nil {
		return err
	}
	if c.Remotable(appErr.Cause) {
		return err
	}
	return &deployment.ApplicationError{Message: appErr.Error()}
}
