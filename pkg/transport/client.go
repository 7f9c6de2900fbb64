package transport

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/component-dispatcher/pkg/commsutil"
	"github.com/morezero/component-dispatcher/pkg/deployment"
)

const clientLogPrefix = "transport:client"

// CommsClientOpts configures CommsClient. Zero values use defaults.
type CommsClientOpts struct {
	InvocationSubject  string
	SessionOpenSubject string
}

// CommsClient sends request envelopes to a CommsTransport.
type CommsClient struct {
	nc                 *comms.Conn
	invocationSubject  string
	sessionOpenSubject string
}

// NewCommsClient creates a client. Pass nil for opts to use defaults.
func NewCommsClient(nc *comms.Conn, opts *CommsClientOpts) *CommsClient {
	c := &CommsClient{
		nc:                 nc,
		invocationSubject:  commsutil.SubjectInvocation,
		sessionOpenSubject: commsutil.SubjectSessionOpen,
	}
	if opts != nil {
		if opts.InvocationSubject != "" {
			c.invocationSubject = opts.InvocationSubject
		}
		if opts.SessionOpenSubject != "" {
			c.sessionOpenSubject = opts.SessionOpenSubject
		}
	}
	return c
}

// Invoke sends env and returns the raw response. Missing id and version are filled in.
func (c *CommsClient) Invoke(ctx context.Context, env *InvocationEnvelope) (*Response, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.ProtocolVersion == "" {
		env.ProtocolVersion = ProtocolVersion
	}
	return c.request(ctx, c.invocationSubject, env)
}

// OpenSession asks a stateful component for a new session.
func (c *CommsClient) OpenSession(ctx context.Context, id deployment.Identity, bean string) (deployment.SessionID, error) {
	env := &SessionOpenEnvelope{
		ID:              uuid.NewString(),
		ProtocolVersion: ProtocolVersion,
		App:             id.App,
		Module:          id.Module,
		Distinct:        id.Distinct,
		Bean:            bean,
	}
	resp, err := c.request(ctx, c.sessionOpenSubject, env)
	if err != nil {
		return "", err
	}
	if err := responseError(resp); err != nil {
		return "", err
	}
	s, ok := resp.Result.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%s - session open returned %v", clientLogPrefix, resp.Result)
	}
	return deployment.SessionID(s), nil
}

func (c *CommsClient) request(ctx context.Context, subject string, env any) (*Response, error) {
	data, err := commsutil.EncodePayload(env)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode request: %w", clientLogPrefix, err)
	}
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("%s - request on %s failed: %w", clientLogPrefix, subject, err)
	}
	var resp Response
	if err := commsutil.DecodePayload(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("%s - failed to decode response: %w", clientLogPrefix, err)
	}
	return &resp, nil
}

// Err converts a non-success response into an error; nil for success.
func (r *Response) Err() error {
	return responseError(r)
}
