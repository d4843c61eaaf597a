package analytics

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"camera-gateway-go/internal/natstest"
)

func TestDecodeResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"ok payload", `{"status":200,"payload":{"name":"Motion_cam-1"}}`, `{"name":"Motion_cam-1"}`, false},
		{"error in payload", `{"status":200,"payload":{"error":{"code":"NotFound","message":"no such topology"}}}`, "", true},
		{"error status", `{"status":500,"payload":"boom"}`, "", true},
		{"non-object payload", `{"status":200,"payload":[1,2]}`, `[1,2]`, false},
		{"malformed", `not-json`, "", true},
		{"empty", ``, "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := decodeResponse("GraphTopologySet", []byte(tc.raw))
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(got))
		})
	}
}

func TestDecodeResponseModuleError(t *testing.T) {
	t.Parallel()

	_, err := decodeResponse("GraphInstanceSet", []byte(`{"status":409,"payload":{"error":{"code":"Conflict","message":"exists"}}}`))

	var modErr *ModuleError
	require.ErrorAs(t, err, &modErr)
	assert.Equal(t, "GraphInstanceSet", modErr.Method)
	assert.Equal(t, 409, modErr.Status)
	assert.Equal(t, "Conflict", modErr.Code)
}

func TestNATSInvokerRoundTrip(t *testing.T) {
	t.Parallel()

	srv := natstest.RunServer(t)
	nc := natstest.Connect(t, srv)

	inv := NewNATSInvoker(nc, "analytics.methods", Timeouts{Response: 2 * time.Second})

	sub, err := inv.Serve(func(method string, payload json.RawMessage) (int, any) {
		var body map[string]any
		_ = json.Unmarshal(payload, &body)
		if method == "GraphInstanceDelete" {
			return 404, map[string]any{"error": map[string]any{"code": "NotFound", "message": "missing"}}
		}
		return 200, map[string]any{"echo": body["name"], "method": method}
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	got, err := inv.Invoke(context.Background(), "GraphTopologySet", map[string]any{"name": "Motion_cam-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"Motion_cam-1","method":"GraphTopologySet"}`, string(got))

	_, err = inv.Invoke(context.Background(), "GraphInstanceDelete", map[string]any{"name": "x"})
	var modErr *ModuleError
	require.ErrorAs(t, err, &modErr)
	assert.Equal(t, "NotFound", modErr.Code)
}

func TestNATSInvokerNoResponder(t *testing.T) {
	t.Parallel()

	srv := natstest.RunServer(t)
	nc := natstest.Connect(t, srv)

	inv := NewNATSInvoker(nc, "analytics.methods", Timeouts{Response: 500 * time.Millisecond})
	_, err := inv.Invoke(context.Background(), "GraphTopologySet", map[string]any{})
	require.Error(t, err)
}

func TestNATSInvokerSendsTimeouts(t *testing.T) {
	t.Parallel()

	srv := natstest.RunServer(t)
	nc := natstest.Connect(t, srv)

	received := make(chan []byte, 1)
	sub, err := nc.Subscribe("analytics.methods.GraphTopologyGet", func(msg *nats.Msg) {
		received <- msg.Data
		_ = msg.Respond([]byte(`{"status":200,"payload":{}}`))
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	inv := NewNATSInvoker(nc, "analytics.methods", Timeouts{Connect: 10 * time.Second, Response: 20 * time.Second})
	_, err = inv.Invoke(context.Background(), "GraphTopologyGet", map[string]any{"name": "t1"})
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"methodName": "GraphTopologyGet",
		"payload": {"name": "t1"},
		"connectTimeoutInSeconds": 10,
		"responseTimeoutInSeconds": 20
	}`, string(<-received))
}

func TestNATSInvokerGivesUpWaitingForConnection(t *testing.T) {
	t.Parallel()

	// nothing listens here, the client stays in its reconnect loop
	nc, err := nats.Connect("nats://127.0.0.1:1", nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	inv := NewNATSInvoker(nc, "analytics.methods", Timeouts{Connect: 200 * time.Millisecond, Response: time.Minute})

	start := time.Now()
	_, err = inv.Invoke(context.Background(), "GraphTopologySet", map[string]any{})
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDefaultTimeouts(t *testing.T) {
	t.Parallel()

	got := Timeouts{}.withDefaults().request("GraphInstanceList", nil)
	assert.Equal(t, 30, got.ConnectTimeout)
	assert.Equal(t, 30, got.ResponseTimeout)
}

type moduleServer interface {
	Invoke(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type echoModule struct{}

func (echoModule) Invoke(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	return structpb.NewStruct(map[string]any{
		"status": 200,
		"payload": map[string]any{
			"method":   fields["methodName"].GetStringValue(),
			"connect":  fields["connectTimeoutInSeconds"].GetNumberValue(),
			"response": fields["responseTimeoutInSeconds"].GetNumberValue(),
		},
	})
}

var moduleServiceDesc = grpc.ServiceDesc{
	ServiceName: "analytics.v1.Module",
	HandlerType: (*moduleServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Invoke",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(moduleServer).Invoke(ctx, in)
		},
	}},
}

func TestGRPCInvokerRoundTrip(t *testing.T) {
	t.Parallel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	gs := grpc.NewServer()
	gs.RegisterService(&moduleServiceDesc, echoModule{})
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	inv, err := NewGRPCInvoker("grpc://"+lis.Addr().String(), Timeouts{Connect: 3 * time.Second, Response: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = inv.Close() })

	got, err := inv.Invoke(context.Background(), "GraphInstanceActivate", map[string]any{"name": "Motion_cam-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"GraphInstanceActivate","connect":3,"response":5}`, string(got))
}

func TestParseEndpoint(t *testing.T) {
	t.Parallel()

	target, _, err := parseEndpoint("grpcs://analytics.local")
	require.NoError(t, err)
	assert.Equal(t, "analytics.local:443", target)

	target, _, err = parseEndpoint("grpc://10.0.0.2:50051")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:50051", target)

	_, _, err = parseEndpoint("http://x:1")
	require.Error(t, err)
}
