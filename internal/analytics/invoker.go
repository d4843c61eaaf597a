// Package analytics calls methods on the video analytics module that hosts the
// camera pipelines.
package analytics

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultConnectTimeout  = 30 * time.Second
	DefaultResponseTimeout = 30 * time.Second
)

var (
	ErrEmptyResponse = errors.New("empty response from analytics module")
	ErrNotConnected  = errors.New("analytics module connection not established")
)

// Timeouts bound one method call. Connect limits the wait for the transport to
// the module, Response limits the wait for the reply.
type Timeouts struct {
	Connect  time.Duration
	Response time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Connect <= 0 {
		t.Connect = DefaultConnectTimeout
	}
	if t.Response <= 0 {
		t.Response = DefaultResponseTimeout
	}
	return t
}

func (t Timeouts) request(method string, payload any) request {
	return request{
		Method:          method,
		Payload:         payload,
		ConnectTimeout:  int(t.Connect / time.Second),
		ResponseTimeout: int(t.Response / time.Second),
	}
}

// ModuleError is an error reported by the analytics module inside a response payload
type ModuleError struct {
	Method  string
	Status  int
	Code    string
	Message string
}

func (e *ModuleError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s returned %d: %s (%s)", e.Method, e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("%s returned %d: %s", e.Method, e.Status, e.Message)
}

// request is the envelope sent for every method call
type request struct {
	Method          string `json:"methodName"`
	Payload         any    `json:"payload"`
	ConnectTimeout  int    `json:"connectTimeoutInSeconds"`
	ResponseTimeout int    `json:"responseTimeoutInSeconds"`
}

// response is the envelope returned by the module
type response struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload"`
}

type errorBody struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// decodeResponse unwraps a response envelope. A payload carrying an "error" object
// or a status of 400 and above is returned as a *ModuleError.
func decodeResponse(method string, raw []byte) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyResponse
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}

	var body errorBody
	if len(resp.Payload) > 0 {
		// payload may be any JSON value; only objects can carry an error
		_ = json.Unmarshal(resp.Payload, &body)
	}

	if body.Error != nil {
		return nil, &ModuleError{
			Method:  method,
			Status:  resp.Status,
			Code:    body.Error.Code,
			Message: body.Error.Message,
		}
	}
	if resp.Status >= 400 {
		return nil, &ModuleError{Method: method, Status: resp.Status, Message: string(resp.Payload)}
	}

	return resp.Payload, nil
}
