package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const subjectRoot = "registry.devices"

// TelemetrySubject is where a device's telemetry is published
func TelemetrySubject(deviceID string) string {
	return subjectRoot + "." + deviceID + ".telemetry"
}

// CommandSubject is the request subject of a device command
func CommandSubject(deviceID, name string) string {
	return subjectRoot + "." + deviceID + ".methods." + name
}

// InputSubject is where messages for a device's input channel are published
func InputSubject(deviceID, channel string) string {
	return subjectRoot + "." + deviceID + ".inputs." + channel
}

// DesiredKey and ReportedKey name a device's configuration documents in the twin bucket
func DesiredKey(deviceID string) string  { return deviceID + ".desired" }
func ReportedKey(deviceID string) string { return deviceID + ".reported" }

type natsConnection struct {
	creds Credentials
	opts  Options

	mu       sync.Mutex
	nc       *nats.Conn
	kv       jetstream.KeyValue
	ctx      context.Context
	cancel   context.CancelFunc
	onError  []func(error)
	reported sync.Mutex
}

func newNATSConnection(creds Credentials, opts Options) *natsConnection {
	return &natsConnection{creds: creds, opts: opts}
}

func (c *natsConnection) DeviceID() string { return c.creds.DeviceID }

func (c *natsConnection) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nc != nil {
		return nil
	}

	natsOpts := []nats.Option{
		nats.Name("camera-gateway:" + c.creds.DeviceID),
		nats.Timeout(c.opts.ConnectTimeout),
		nats.ReconnectWait(c.opts.ReconnectWait),
		nats.MaxReconnects(c.opts.MaxReconnects),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.emit(err)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.emit(err)
			}
		}),
	}
	if c.creds.Key != "" {
		natsOpts = append(natsOpts, nats.UserInfo(c.creds.DeviceID, c.creds.Key))
	}

	nc, err := nats.Connect(c.creds.Endpoint, natsOpts...)
	if err != nil {
		if errors.Is(err, nats.ErrAuthorization) {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return fmt.Errorf("failed to connect to registry: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: c.opts.TwinBucket})
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to open twin bucket: %w", err)
	}

	c.nc = nc
	c.kv = kv
	c.ctx, c.cancel = context.WithCancel(context.Background())

	log.Debug().Str("device_id", c.creds.DeviceID).Str("url", c.creds.Endpoint).Msg("Registry connection opened")
	return nil
}

func (c *natsConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nc == nil {
		return nil
	}
	c.cancel()

	if err := c.nc.Drain(); err != nil {
		log.Warn().Err(err).Str("device_id", c.creds.DeviceID).Msg("Failed to drain registry connection, closing immediately")
		c.nc.Close()
	}
	c.nc = nil
	c.kv = nil
	return nil
}

func (c *natsConnection) OnError(handler func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, handler)
}

func (c *natsConnection) emit(err error) {
	c.mu.Lock()
	handlers := append([]func(error){}, c.onError...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(err)
	}
}

func (c *natsConnection) session() (*nats.Conn, jetstream.KeyValue, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return nil, nil, nil, ErrNotOpen
	}
	return c.nc, c.kv, c.ctx, nil
}

func (c *natsConnection) GetConfiguration(ctx context.Context) (Twin, error) {
	_, kv, _, err := c.session()
	if err != nil {
		return Twin{}, err
	}

	desired, err := readDoc(ctx, kv, DesiredKey(c.creds.DeviceID))
	if err != nil {
		return Twin{}, err
	}
	reported, err := readDoc(ctx, kv, ReportedKey(c.creds.DeviceID))
	if err != nil {
		return Twin{}, err
	}
	return Twin{Desired: desired, Reported: reported}, nil
}

func readDoc(ctx context.Context, kv jetstream.KeyValue, key string) (map[string]any, error) {
	doc := make(map[string]any)

	entry, err := kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return doc, nil
}

func (c *natsConnection) OnConfigurationChanged(handler func(patch map[string]any)) (Subscription, error) {
	_, kv, connCtx, err := c.session()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(connCtx)
	watcher, err := kv.Watch(ctx, DesiredKey(c.creds.DeviceID), jetstream.UpdatesOnly())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch desired properties: %w", err)
	}

	go func() {
		defer func() {
			if err := watcher.Stop(); err != nil {
				log.Debug().Err(err).Str("device_id", c.creds.DeviceID).Msg("Failed to stop desired property watcher")
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil || entry.Operation() != jetstream.KeyValuePut {
					continue
				}

				var patch map[string]any
				if err := json.Unmarshal(entry.Value(), &patch); err != nil {
					log.Warn().Err(err).Str("device_id", c.creds.DeviceID).Msg("Ignoring malformed desired properties")
					continue
				}
				handler(patch)
			}
		}
	}()

	return funcSubscription(func() error {
		cancel()
		return nil
	}), nil
}

func (c *natsConnection) UpdateConfirmedProperties(ctx context.Context, properties map[string]any) error {
	_, kv, _, err := c.session()
	if err != nil {
		return err
	}

	c.reported.Lock()
	defer c.reported.Unlock()

	key := ReportedKey(c.creds.DeviceID)
	doc, err := readDoc(ctx, kv, key)
	if err != nil {
		return err
	}
	mergePatch(doc, properties)

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode reported properties: %w", err)
	}
	if _, err := kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to put key %s: %w", key, err)
	}
	return nil
}

func (c *natsConnection) OnCommand(name string, handler CommandHandler) (Subscription, error) {
	nc, _, ctx, err := c.session()
	if err != nil {
		return nil, err
	}

	sub, err := nc.Subscribe(CommandSubject(c.creds.DeviceID, name), func(msg *nats.Msg) {
		go func() {
			resp := handler(ctx, CommandRequest{Name: name, Payload: msg.Data})
			data, err := json.Marshal(resp)
			if err != nil {
				data, _ = json.Marshal(Respond(StatusServerError, map[string]any{"message": err.Error()}))
			}
			if err := msg.Respond(data); err != nil {
				log.Warn().Err(err).Str("device_id", c.creds.DeviceID).Str("command", name).Msg("Failed to send command response")
			}
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to command %s: %w", name, err)
	}
	return sub, nil
}

func (c *natsConnection) OnRoutedMessage(handler func(msg RoutedMessage)) (Subscription, error) {
	nc, _, _, err := c.session()
	if err != nil {
		return nil, err
	}

	prefix := InputSubject(c.creds.DeviceID, "")
	sub, err := nc.Subscribe(prefix+">", func(msg *nats.Msg) {
		props := make(map[string]string, len(msg.Header))
		for k := range msg.Header {
			props[k] = msg.Header.Get(k)
		}
		handler(RoutedMessage{
			Channel:    strings.TrimPrefix(msg.Subject, prefix),
			Properties: props,
			Body:       msg.Data,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to inputs: %w", err)
	}
	return sub, nil
}

func (c *natsConnection) SendTelemetry(_ context.Context, payload any, properties map[string]string) error {
	nc, _, _, err := c.session()
	if err != nil {
		return err
	}

	data, err := encodeBody(payload)
	if err != nil {
		return fmt.Errorf("failed to encode telemetry: %w", err)
	}

	msg := nats.NewMsg(TelemetrySubject(c.creds.DeviceID))
	msg.Data = data
	for k, v := range properties {
		msg.Header.Set(k, v)
	}
	return nc.PublishMsg(msg)
}

func encodeBody(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
