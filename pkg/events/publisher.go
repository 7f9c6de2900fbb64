package events

import "context"

// EventPublisher is the interface for publishing endpoint change events.
type EventPublisher interface {
	PublishEndpointChanged(ctx context.Context, event *EndpointChangedEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing (for in-process usage without events).
type NoOpPublisher struct{}

// PublishEndpointChanged is a no-op.
func (p *NoOpPublisher) PublishEndpointChanged(_ context.Context, _ *EndpointChangedEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function.
type CallbackPublisher struct {
	callback func(ctx context.Context, event *EndpointChangedEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *EndpointChangedEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishEndpointChanged calls the callback.
func (p *CallbackPublisher) PublishEndpointChanged(ctx context.Context, event *EndpointChangedEvent) error {
	return p.callback(ctx, event)
}
