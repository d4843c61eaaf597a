package registry

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Topic layout of the hub-style MQTT registry
const (
	topicMethodsPrefix = "$iothub/methods/POST/"
	topicMethodsRes    = "$iothub/methods/res/"
	topicTwinRes       = "$iothub/twin/res/"
	topicTwinGet       = "$iothub/twin/GET/"
	topicTwinReported  = "$iothub/twin/PATCH/properties/reported/"
	topicTwinDesired   = "$iothub/twin/PATCH/properties/desired/"

	apiVersion = "2021-04-12"
	tokenTTL   = time.Hour
	qos        = 1
)

type pendingResult struct {
	status int
	body   []byte
}

type mqttConnection struct {
	creds Credentials
	opts  Options

	mu       sync.Mutex
	client   mqtt.Client
	ctx      context.Context
	cancel   context.CancelFunc
	onError  []func(error)
	commands map[string]CommandHandler
	desired  []func(map[string]any)
	routed   []func(RoutedMessage)

	pending sync.Map // rid -> chan pendingResult
}

func newMQTTConnection(creds Credentials, opts Options) *mqttConnection {
	return &mqttConnection{
		creds:    creds,
		opts:     opts,
		commands: make(map[string]CommandHandler),
	}
}

func (c *mqttConnection) DeviceID() string { return c.creds.DeviceID }

func (c *mqttConnection) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	u, err := url.Parse(c.creds.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid registry endpoint: %w", err)
	}
	broker := *u
	switch broker.Scheme {
	case "mqtt":
		broker.Scheme = "tcp"
	case "mqtts":
		broker.Scheme = "ssl"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker.String()).
		SetClientID(c.creds.DeviceID).
		SetUsername(fmt.Sprintf("%s/%s/?api-version=%s", u.Hostname(), c.creds.DeviceID, apiVersion)).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectTimeout(c.opts.ConnectTimeout).
		SetMaxReconnectInterval(c.opts.ReconnectWait * 8).
		SetOrderMatters(false)

	if c.creds.Key != "" {
		token, err := SharedAccessSignature(u.Hostname()+"/devices/"+c.creds.DeviceID, c.creds.Key, time.Now().Add(tokenTTL))
		if err != nil {
			return err
		}
		opts.SetPassword(token)
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("device_id", c.creds.DeviceID).Msg("Registry MQTT connection lost")
		c.emit(err)
	}
	opts.OnConnect = func(cl mqtt.Client) {
		c.subscribeAll(cl)
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(c.opts.ConnectTimeout) {
		return fmt.Errorf("registry connect timeout after %s", c.opts.ConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not authorized") || strings.Contains(strings.ToLower(err.Error()), "bad user name or password") {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return fmt.Errorf("failed to connect to registry: %w", err)
	}

	c.client = client
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return nil
}

// subscribeAll (re)creates the topic subscriptions after every connect
func (c *mqttConnection) subscribeAll(cl mqtt.Client) {
	filters := make(map[string]byte)
	for _, topic := range []string{
		topicMethodsPrefix + "#",
		topicTwinRes + "#",
		topicTwinDesired + "#",
		"devices/" + c.creds.DeviceID + "/inputs/#",
	} {
		filters[topic] = qos
	}

	tok := cl.SubscribeMultiple(filters, c.dispatch)
	if tok.Wait() && tok.Error() != nil {
		log.Error().Err(tok.Error()).Str("device_id", c.creds.DeviceID).Msg("Registry MQTT subscribe failed")
		c.emit(tok.Error())
	}
}

func (c *mqttConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	c.cancel()
	c.client.Disconnect(250)
	c.client = nil
	return nil
}

func (c *mqttConnection) OnError(handler func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, handler)
}

func (c *mqttConnection) emit(err error) {
	c.mu.Lock()
	handlers := append([]func(error){}, c.onError...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

func (c *mqttConnection) session() (mqtt.Client, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, nil, ErrNotOpen
	}
	return c.client, c.ctx, nil
}

func (c *mqttConnection) dispatch(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()

	switch {
	case strings.HasPrefix(topic, topicMethodsPrefix):
		c.handleCommand(topic, msg.Payload())

	case strings.HasPrefix(topic, topicTwinRes):
		status, query := parseStatusTopic(strings.TrimPrefix(topic, topicTwinRes))
		if ch, ok := c.pending.LoadAndDelete(query.Get("$rid")); ok {
			ch.(chan pendingResult) <- pendingResult{status: status, body: msg.Payload()}
		}

	case strings.HasPrefix(topic, topicTwinDesired):
		var patch map[string]any
		if err := json.Unmarshal(msg.Payload(), &patch); err != nil {
			log.Warn().Err(err).Str("device_id", c.creds.DeviceID).Msg("Ignoring malformed desired properties")
			return
		}
		c.mu.Lock()
		handlers := append([]func(map[string]any){}, c.desired...)
		c.mu.Unlock()
		for _, h := range handlers {
			h(patch)
		}

	default:
		c.handleInput(topic, msg.Payload())
	}
}

func (c *mqttConnection) handleCommand(topic string, payload []byte) {
	// $iothub/methods/POST/{name}/?$rid={rid}
	rest := strings.TrimPrefix(topic, topicMethodsPrefix)
	name, query, _ := strings.Cut(rest, "/?")
	values, _ := url.ParseQuery(query)
	rid := values.Get("$rid")

	c.mu.Lock()
	handler, ok := c.commands[name]
	ctx := c.ctx
	c.mu.Unlock()

	go func() {
		resp := Respond(StatusNotFound, map[string]any{"message": "unknown command " + name})
		if ok {
			resp = handler(ctx, CommandRequest{Name: name, Payload: payload})
		}

		body, err := json.Marshal(resp.Payload)
		if err != nil {
			resp.Status = StatusServerError
			body, _ = json.Marshal(map[string]any{"message": err.Error()})
		}

		client, _, err := c.session()
		if err != nil {
			return
		}
		res := fmt.Sprintf("%s%d/?$rid=%s", topicMethodsRes, resp.Status, rid)
		client.Publish(res, qos, false, body)
	}()
}

func (c *mqttConnection) handleInput(topic string, payload []byte) {
	// devices/{id}/inputs/{channel}/{encoded properties}
	prefix := "devices/" + c.creds.DeviceID + "/inputs/"
	if !strings.HasPrefix(topic, prefix) {
		return
	}
	channel, encoded, _ := strings.Cut(strings.TrimPrefix(topic, prefix), "/")

	props := make(map[string]string)
	if values, err := url.ParseQuery(encoded); err == nil {
		for k := range values {
			props[k] = values.Get(k)
		}
	}

	c.mu.Lock()
	handlers := append([]func(RoutedMessage){}, c.routed...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(RoutedMessage{Channel: channel, Properties: props, Body: payload})
	}
}

// request publishes to a twin topic and waits for the correlated response
func (c *mqttConnection) request(ctx context.Context, topic string, body []byte) (pendingResult, error) {
	client, _, err := c.session()
	if err != nil {
		return pendingResult{}, err
	}

	rid := uuid.NewString()
	ch := make(chan pendingResult, 1)
	c.pending.Store(rid, ch)
	defer c.pending.Delete(rid)

	tok := client.Publish(topic+"?$rid="+rid, qos, false, body)
	if !tok.WaitTimeout(c.opts.ConnectTimeout) {
		return pendingResult{}, fmt.Errorf("publish to %s timed out", topic)
	}
	if err := tok.Error(); err != nil {
		return pendingResult{}, err
	}

	select {
	case res := <-ch:
		if res.status >= 300 {
			return res, fmt.Errorf("registry returned status %d", res.status)
		}
		return res, nil
	case <-ctx.Done():
		return pendingResult{}, ctx.Err()
	}
}

func (c *mqttConnection) GetConfiguration(ctx context.Context) (Twin, error) {
	res, err := c.request(ctx, topicTwinGet, nil)
	if err != nil {
		return Twin{}, fmt.Errorf("failed to get configuration: %w", err)
	}

	twin := Twin{Desired: map[string]any{}, Reported: map[string]any{}}
	if len(res.body) > 0 {
		if err := json.Unmarshal(res.body, &twin); err != nil {
			return Twin{}, fmt.Errorf("failed to decode configuration: %w", err)
		}
	}
	return twin, nil
}

func (c *mqttConnection) OnConfigurationChanged(handler func(patch map[string]any)) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.desired = append(c.desired, handler)
	idx := len(c.desired) - 1
	return funcSubscription(func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.desired) {
			c.desired[idx] = func(map[string]any) {}
		}
		return nil
	}), nil
}

func (c *mqttConnection) UpdateConfirmedProperties(ctx context.Context, properties map[string]any) error {
	body, err := json.Marshal(properties)
	if err != nil {
		return fmt.Errorf("failed to encode reported properties: %w", err)
	}
	if _, err := c.request(ctx, topicTwinReported, body); err != nil {
		return fmt.Errorf("failed to update reported properties: %w", err)
	}
	return nil
}

func (c *mqttConnection) OnCommand(name string, handler CommandHandler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.commands[name] = handler
	return funcSubscription(func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.commands, name)
		return nil
	}), nil
}

func (c *mqttConnection) OnRoutedMessage(handler func(msg RoutedMessage)) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.routed = append(c.routed, handler)
	idx := len(c.routed) - 1
	return funcSubscription(func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.routed) {
			c.routed[idx] = func(RoutedMessage) {}
		}
		return nil
	}), nil
}

func (c *mqttConnection) SendTelemetry(_ context.Context, payload any, properties map[string]string) error {
	client, _, err := c.session()
	if err != nil {
		return err
	}

	data, err := encodeBody(payload)
	if err != nil {
		return fmt.Errorf("failed to encode telemetry: %w", err)
	}

	values := url.Values{}
	for k, v := range properties {
		values.Set(k, v)
	}
	topic := "devices/" + c.creds.DeviceID + "/messages/events/" + values.Encode()

	tok := client.Publish(topic, qos, false, data)
	if !tok.WaitTimeout(c.opts.ConnectTimeout) {
		return fmt.Errorf("telemetry publish timed out")
	}
	return tok.Error()
}

// parseStatusTopic splits "{status}/?{query}"
func parseStatusTopic(s string) (int, url.Values) {
	code, query, _ := strings.Cut(s, "/?")
	status, _ := strconv.Atoi(code)
	values, _ := url.ParseQuery(query)
	return status, values
}

// SharedAccessSignature builds a registry access token for resourceURI signed with
// a base64 device key
func SharedAccessSignature(resourceURI, key string, expiry time.Time) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("invalid device key: %w", err)
	}

	encodedURI := url.QueryEscape(resourceURI)
	exp := strconv.FormatInt(expiry.Unix(), 10)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(encodedURI + "\n" + exp))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s",
		encodedURI, url.QueryEscape(sig), exp), nil
}
