// Package registry connects devices to the cloud device registry: configuration
// (twin) documents, direct commands, telemetry and routed messages.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported registry endpoint scheme")
	ErrNotOpen           = errors.New("registry connection is not open")
	ErrUnauthorized      = errors.New("registry rejected device credentials")
)

// Command status codes
const (
	StatusOK          = 200
	StatusCreated     = 201
	StatusAccepted    = 202
	StatusBadRequest  = 400
	StatusNotFound    = 404
	StatusServerError = 500
)

// Credentials identify one device (or the gateway itself) to the registry
type Credentials struct {
	Endpoint string
	DeviceID string
	Key      string
}

// Twin is a device's configuration document
type Twin struct {
	Desired  map[string]any `json:"desired"`
	Reported map[string]any `json:"reported"`
}

// CommandRequest is a direct command sent to a device
type CommandRequest struct {
	Name    string
	Payload json.RawMessage
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (r CommandRequest) Decode(v any) error {
	if len(r.Payload) == 0 || string(r.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(r.Payload, v)
}

// CommandResponse is a device's reply to a command
type CommandResponse struct {
	Status  int `json:"status"`
	Payload any `json:"payload"`
}

// Respond builds a response with a status and payload
func Respond(status int, payload any) CommandResponse {
	return CommandResponse{Status: status, Payload: payload}
}

// CommandHandler answers one named command
type CommandHandler func(ctx context.Context, req CommandRequest) CommandResponse

// RoutedMessage is a message delivered to a named input channel of the gateway
type RoutedMessage struct {
	Channel    string
	Properties map[string]string
	Body       []byte
}

// Subscription cancels a handler registration
type Subscription interface {
	Unsubscribe() error
}

// Connection is one device's session with the registry
type Connection interface {
	Open(ctx context.Context) error
	Close() error

	GetConfiguration(ctx context.Context) (Twin, error)
	OnConfigurationChanged(handler func(patch map[string]any)) (Subscription, error)
	UpdateConfirmedProperties(ctx context.Context, properties map[string]any) error

	OnCommand(name string, handler CommandHandler) (Subscription, error)
	OnRoutedMessage(handler func(msg RoutedMessage)) (Subscription, error)
	SendTelemetry(ctx context.Context, payload any, properties map[string]string) error

	// OnError registers a callback for asynchronous transport errors
	OnError(handler func(err error))

	DeviceID() string
}

// Options tune transport behavior
type Options struct {
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int

	// TwinBucket is the key-value bucket holding configuration documents (nats)
	TwinBucket string
	// Hub is the in-process registry used by mem:// endpoints
	Hub *MemoryHub
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = 2 * time.Second
	}
	if o.MaxReconnects == 0 {
		o.MaxReconnects = -1
	}
	if o.TwinBucket == "" {
		o.TwinBucket = "device-twins"
	}
	return o
}

// Dial creates an unopened connection for the endpoint's scheme:
// nats:// and tls:// use NATS, tcp://, ssl:// and mqtt:// use MQTT, mem:// uses opts.Hub.
func Dial(creds Credentials, opts Options) (Connection, error) {
	u, err := url.Parse(creds.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid registry endpoint %q: %w", creds.Endpoint, err)
	}
	opts = opts.withDefaults()

	switch u.Scheme {
	case "nats", "tls":
		return newNATSConnection(creds, opts), nil
	case "tcp", "ssl", "mqtt", "mqtts":
		return newMQTTConnection(creds, opts), nil
	case "mem":
		if opts.Hub == nil {
			return nil, fmt.Errorf("%w: mem endpoint without hub", ErrUnsupportedScheme)
		}
		return opts.Hub.Connect(creds), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

type funcSubscription func() error

func (f funcSubscription) Unsubscribe() error { return f() }

// mergePatch applies a JSON merge patch to doc in place. Nil values delete keys.
func mergePatch(doc, patch map[string]any) {
	for k, v := range patch {
		if v == nil {
			delete(doc, k)
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := doc[k].(map[string]any); ok {
				mergePatch(existing, sub)
				continue
			}
			fresh := make(map[string]any, len(sub))
			mergePatch(fresh, sub)
			doc[k] = fresh
			continue
		}
		doc[k] = v
	}
}

// ConnectionError is a failure while setting up a device's registry session
type ConnectionError struct {
	DeviceID string
	Step     string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("registry connection %s: %s: %v", e.DeviceID, e.Step, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
