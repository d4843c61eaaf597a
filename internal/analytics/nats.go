package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSInvoker calls module methods with NATS request/reply on <prefix>.<method>
type NATSInvoker struct {
	conn     *nats.Conn
	prefix   string
	timeouts Timeouts
}

const connectedPoll = 50 * time.Millisecond

// NewNATSInvoker creates an invoker on a connection that may still be reconnecting
func NewNATSInvoker(conn *nats.Conn, prefix string, timeouts Timeouts) *NATSInvoker {
	return &NATSInvoker{conn: conn, prefix: prefix, timeouts: timeouts.withDefaults()}
}

// Subject returns the request subject for method
func (n *NATSInvoker) Subject(method string) string {
	return n.prefix + "." + method
}

// Invoke implements pipeline.Invoker
func (n *NATSInvoker) Invoke(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(n.timeouts.request(method, payload))
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	if err := n.awaitConnected(ctx); err != nil {
		return nil, fmt.Errorf("failed to invoke %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeouts.Response)
	defer cancel()

	msg, err := n.conn.RequestWithContext(ctx, n.Subject(method), data)
	if err != nil {
		log.Debug().Err(err).Str("method", method).Msg("Analytics request failed")
		return nil, fmt.Errorf("failed to invoke %s: %w", method, err)
	}

	return decodeResponse(method, msg.Data)
}

// awaitConnected waits up to the connect timeout for the connection to come up
func (n *NATSInvoker) awaitConnected(ctx context.Context) error {
	if n.conn.IsConnected() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeouts.Connect)
	defer cancel()

	ticker := time.NewTicker(connectedPoll)
	defer ticker.Stop()
	for {
		if n.conn.IsClosed() {
			return nats.ErrConnectionClosed
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w after %s: %w", ErrNotConnected, n.timeouts.Connect, ctx.Err())
		case <-ticker.C:
			if n.conn.IsConnected() {
				return nil
			}
		}
	}
}

// Handler answers one module method
type Handler func(method string, payload json.RawMessage) (status int, body any)

// Serve answers requests for every method under the invoker's prefix. It is
// used by the module simulator and tests.
func (n *NATSInvoker) Serve(handler Handler) (*nats.Subscription, error) {
	return n.conn.Subscribe(n.prefix+".*", func(msg *nats.Msg) {
		var req struct {
			Method  string          `json:"methodName"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed analytics request")
			return
		}

		status, body := handler(req.Method, req.Payload)
		payload, err := json.Marshal(body)
		if err != nil {
			log.Warn().Err(err).Str("method", req.Method).Msg("Failed to encode analytics reply")
			return
		}

		reply, _ := json.Marshal(response{Status: status, Payload: payload})
		if err := msg.Respond(reply); err != nil {
			log.Warn().Err(err).Str("method", req.Method).Msg("Failed to send analytics reply")
		}
	})
}
