package analytics

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// InvokeMethod is the full gRPC method name of the module's generic invoke call
const InvokeMethod = "/analytics.v1.Module/Invoke"

// GRPCInvoker calls module methods over a single generic gRPC call whose request
// and response are google.protobuf.Struct envelopes
type GRPCInvoker struct {
	conn     *grpc.ClientConn
	timeouts Timeouts
}

// NewGRPCInvoker connects to a grpc:// or grpcs:// endpoint. Each connection
// attempt is given at least the connect timeout.
func NewGRPCInvoker(endpoint string, timeouts Timeouts, opts ...grpc.DialOption) (*GRPCInvoker, error) {
	target, creds, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse analytics endpoint %s: %w", endpoint, err)
	}

	timeouts = timeouts.withDefaults()
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.DefaultConfig,
			MinConnectTimeout: timeouts.Connect,
		}),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to analytics module at %s: %w", target, err)
	}

	log.Info().Str("target", target).Dur("connect_timeout", timeouts.Connect).Msg("Analytics gRPC client initialized")
	return &GRPCInvoker{conn: conn, timeouts: timeouts}, nil
}

// Invoke implements pipeline.Invoker
func (g *GRPCInvoker) Invoke(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	in, err := toStruct(g.timeouts.request(method, payload))
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeouts.Response)
	defer cancel()

	out := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, InvokeMethod, in, out); err != nil {
		return nil, fmt.Errorf("failed to invoke %s: %w", method, err)
	}

	raw, err := protojson.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return decodeResponse(method, raw)
}

// Close releases the connection
func (g *GRPCInvoker) Close() error {
	return g.conn.Close()
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, err
	}
	return s, nil
}

func parseEndpoint(endpoint string) (string, credentials.TransportCredentials, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}
	if u.Host == "" {
		return "", nil, fmt.Errorf("missing host in %q", endpoint)
	}

	switch u.Scheme {
	case "grpcs":
		host := u.Host
		if u.Port() == "" {
			host = u.Hostname() + ":443"
		}
		return host, credentials.NewTLS(&tls.Config{ServerName: u.Hostname()}), nil
	case "grpc":
		return u.Host, insecure.NewCredentials(), nil
	default:
		return "", nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
}
