// Package transport carries invocation and session-open requests to the
// dispatcher: a NATS request/reply transport for remote callers and an
// in-process transport for local ones.
package transport

import (
	"errors"
	"fmt"

	"github.com/morezero/component-dispatcher/pkg/deployment"
	"github.com/morezero/component-dispatcher/pkg/invocation"
)

// ProtocolVersion is the envelope version spoken by this process.
const ProtocolVersion = "1.0.0"

// Response outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeNotFound    = "notFound"
	OutcomeNotStateful = "notStateful"
	OutcomeCancelled   = "cancelled"
)

// Error codes carried in failure responses.
const (
	CodeNotFound            = "NOT_FOUND"
	CodeNotStateful         = "NOT_STATEFUL"
	CodeCancelled           = "CANCELLED"
	CodeApplicationError    = "APPLICATION_ERROR"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeUnsupportedProtocol = "UNSUPPORTED_PROTOCOL"
	CodeInternalError       = "INTERNAL_ERROR"
)

// InvocationEnvelope is the wire form of an invocation request.
type InvocationEnvelope struct {
	ID              string         `json:"id"`
	ProtocolVersion string         `json:"protocolVersion"`
	App             string         `json:"app"`
	Module          string         `json:"module"`
	Distinct        string         `json:"distinct"`
	Bean            string         `json:"bean"`
	View            string         `json:"view"`
	SessionID       string         `json:"sessionId,omitempty"`
	Method          string         `json:"method"`
	ParamTypes      []string       `json:"paramTypes"`
	Params          []any          `json:"params"`
	Attachments     map[string]any `json:"attachments,omitempty"`
	TransactionID   string         `json:"transactionId,omitempty"`
}

// SessionOpenEnvelope is the wire form of a session-open request.
type SessionOpenEnvelope struct {
	ID              string `json:"id"`
	ProtocolVersion string `json:"protocolVersion"`
	App             string `json:"app"`
	Module          string `json:"module"`
	Distinct        string `json:"distinct"`
	Bean            string `json:"bean"`
}

// Response is the wire form of every outcome.
type Response struct {
	ID          string         `json:"id"`
	Outcome     string         `json:"outcome"`
	Result      any            `json:"result,omitempty"`
	Attachments map[string]any `json:"attachments,omitempty"`
	Error       *ErrorDetail   `json:"error,omitempty"`
}

// ErrorDetail describes a failure on the wire.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// RequestError is a failure raised by the transport before dispatch.
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// TransactionRef identifies a transaction propagated by the caller.
type TransactionRef struct {
	ID string
}

func (e *InvocationEnvelope) validate() error {
	switch {
	case e.Module == "":
		return &RequestError{Code: CodeInvalidRequest, Message: "module is required"}
	case e.Bean == "":
		return &RequestError{Code: CodeInvalidRequest, Message: "bean is required"}
	case e.View == "":
		return &RequestError{Code: CodeInvalidRequest, Message: "view is required"}
	case e.Method == "":
		return &RequestError{Code: CodeInvalidRequest, Message: "method is required"}
	}
	return checkArity(e.Params, e.ParamTypes)
}

// checkArity rejects calls whose argument count differs from the method locator's.
func checkArity(params []any, paramTypes []string) error {
	if len(params) != len(paramTypes) {
		return &RequestError{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("%d params for %d parameter types", len(params), len(paramTypes)),
		}
	}
	return nil
}

func (e *SessionOpenEnvelope) validate() error {
	switch {
	case e.Module == "":
		return &RequestError{Code: CodeInvalidRequest, Message: "module is required"}
	case e.Bean == "":
		return &RequestError{Code: CodeInvalidRequest, Message: "bean is required"}
	}
	return nil
}

func (e *InvocationEnvelope) identity() deployment.Identity {
	return deployment.NewIdentity(e.App, e.Module, e.Distinct)
}

func (e *InvocationEnvelope) locator() invocation.Locator {
	return invocation.Locator{
		Identity:  e.identity(),
		Component: e.Bean,
		ViewType:  e.View,
		SessionID: deployment.SessionID(e.SessionID),
	}
}

func (e *InvocationEnvelope) methodLocator() invocation.MethodLocator {
	paramTypes := e.ParamTypes
	if paramTypes == nil {
		paramTypes = []string{}
	}
	return invocation.MethodLocator{Name: e.Method, ParamTypes: paramTypes}
}

// transaction returns the lazy supplier of the propagated transaction, or nil.
func (e *InvocationEnvelope) transaction() func() (any, error) {
	if e.TransactionID == "" {
		return nil
	}
	id := e.TransactionID
	return func() (any, error) { return TransactionRef{ID: id}, nil }
}

// errorDetail maps a failure to its wire form.
func errorDetail(err error) *ErrorDetail {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return &ErrorDetail{Code: reqErr.Code, Message: reqErr.Message}
	}
	if errors.Is(err, deployment.ErrCancelled) {
		return &ErrorDetail{Code: CodeCancelled, Message: err.Error(), Retryable: true}
	}
	return &ErrorDetail{Code: CodeApplicationError, Message: err.Error()}
}

// responseError turns a failed Response back into an error.
func responseError(resp *Response) error {
	switch resp.Outcome {
	case OutcomeNotFound:
		return ErrTargetNotFound
	case OutcomeNotStateful:
		return ErrNotStateful
	case OutcomeCancelled:
		return deployment.ErrCancelled
	case OutcomeFailure:
		if resp.Error == nil {
			return &RequestError{Code: CodeInternalError, Message: "failure without detail"}
		}
		if resp.Error.Code == CodeApplicationError {
			return &deployment.ApplicationError{Message: resp.Error.Message}
		}
		return &RequestError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return nil
}

// Client-side outcome errors.
var (
	ErrTargetNotFound = errors.New("target not found")
	ErrNotStateful    = errors.New("target is not stateful")
)
