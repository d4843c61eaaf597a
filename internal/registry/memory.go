package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrNoHandler      = errors.New("no handler registered for command")
)

// TelemetryMessage is a telemetry message captured by a MemoryHub
type TelemetryMessage struct {
	DeviceID   string
	Payload    json.RawMessage
	Properties map[string]string
}

// MemoryHub is an in-process registry. It backs mem:// endpoints for local runs
// and tests, and exposes the cloud side of every operation.
type MemoryHub struct {
	// Strict rejects devices that were never registered
	Strict bool

	mu        sync.Mutex
	keys      map[string]string
	twins     map[string]*Twin
	conns     map[string][]*memConn
	telemetry []TelemetryMessage
}

// NewMemoryHub creates an empty hub
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		keys:  make(map[string]string),
		twins: make(map[string]*Twin),
		conns: make(map[string][]*memConn),
	}
}

// RegisterDevice records a device identity and its key
func (h *MemoryHub) RegisterDevice(id, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keys[id] = key
}

// DeleteDevice removes a device identity and its configuration documents
func (h *MemoryHub) DeleteDevice(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.keys[id]; !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	delete(h.keys, id)
	delete(h.twins, id)
	return nil
}

// Devices lists registered device ids
func (h *MemoryHub) Devices() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]string, 0, len(h.keys))
	for id := range h.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Connect returns an unopened connection for creds
func (h *MemoryHub) Connect(creds Credentials) Connection {
	return &memConn{hub: h, creds: creds, commands: make(map[string]CommandHandler)}
}

func (h *MemoryHub) twin(id string) *Twin {
	t, ok := h.twins[id]
	if !ok {
		t = &Twin{Desired: map[string]any{}, Reported: map[string]any{}}
		h.twins[id] = t
	}
	return t
}

// SetDesired replaces a device's desired properties and notifies its open connections
func (h *MemoryHub) SetDesired(id string, desired map[string]any) {
	h.mu.Lock()
	t := h.twin(id)
	t.Desired = copyDoc(desired)
	conns := append([]*memConn(nil), h.conns[id]...)
	h.mu.Unlock()

	for _, c := range conns {
		c.notifyDesired(copyDoc(desired))
	}
}

// Reported returns a copy of a device's reported properties
func (h *MemoryHub) Reported(id string) map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return copyDoc(h.twin(id).Reported)
}

// Invoke calls a command on the first open connection of a device
func (h *MemoryHub) Invoke(ctx context.Context, id, name string, payload any) (CommandResponse, error) {
	h.mu.Lock()
	conns := append([]*memConn(nil), h.conns[id]...)
	h.mu.Unlock()

	body, err := encodeBody(payload)
	if err != nil {
		return CommandResponse{}, err
	}

	for _, c := range conns {
		if handler, ok := c.command(name); ok {
			return handler(ctx, CommandRequest{Name: name, Payload: body}), nil
		}
	}
	return CommandResponse{}, fmt.Errorf("%w: %s on %s", ErrNoHandler, name, id)
}

// Route delivers a message to a device's input channel
func (h *MemoryHub) Route(id string, msg RoutedMessage) {
	h.mu.Lock()
	conns := append([]*memConn(nil), h.conns[id]...)
	h.mu.Unlock()

	for _, c := range conns {
		c.notifyRouted(msg)
	}
}

// Fail reports an asynchronous transport error on every open connection of a device
func (h *MemoryHub) Fail(id string, err error) {
	h.mu.Lock()
	conns := append([]*memConn(nil), h.conns[id]...)
	h.mu.Unlock()

	for _, c := range conns {
		c.notifyError(err)
	}
}

// Telemetry returns every telemetry message sent so far
func (h *MemoryHub) Telemetry() []TelemetryMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]TelemetryMessage(nil), h.telemetry...)
}

// Connected reports whether a device has an open connection
func (h *MemoryHub) Connected(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[id]) > 0
}

type memConn struct {
	hub   *MemoryHub
	creds Credentials

	mu       sync.Mutex
	open     bool
	desired  map[int]func(map[string]any)
	routed   map[int]func(RoutedMessage)
	commands map[string]CommandHandler
	onError  []func(error)
	nextID   int
}

func (c *memConn) DeviceID() string { return c.creds.DeviceID }

func (c *memConn) Open(_ context.Context) error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if key, ok := h.keys[c.creds.DeviceID]; ok {
		if key != c.creds.Key {
			return ErrUnauthorized
		}
	} else if h.Strict {
		return fmt.Errorf("%w: %s is not registered", ErrUnauthorized, c.creds.DeviceID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return nil
	}
	c.open = true
	h.conns[c.creds.DeviceID] = append(h.conns[c.creds.DeviceID], c)
	return nil
}

func (c *memConn) Close() error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	conns := h.conns[c.creds.DeviceID]
	for i, other := range conns {
		if other == c {
			h.conns[c.creds.DeviceID] = append(conns[:i:i], conns[i+1:]...)
			break
		}
	}
	if len(h.conns[c.creds.DeviceID]) == 0 {
		delete(h.conns, c.creds.DeviceID)
	}

	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	return nil
}

func (c *memConn) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *memConn) GetConfiguration(_ context.Context) (Twin, error) {
	if !c.isOpen() {
		return Twin{}, ErrNotOpen
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()

	t := c.hub.twin(c.creds.DeviceID)
	return Twin{Desired: copyDoc(t.Desired), Reported: copyDoc(t.Reported)}, nil
}

func (c *memConn) OnConfigurationChanged(handler func(patch map[string]any)) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.desired == nil {
		c.desired = make(map[int]func(map[string]any))
	}
	id := c.nextID
	c.nextID++
	c.desired[id] = handler

	return funcSubscription(func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.desired, id)
		return nil
	}), nil
}

func (c *memConn) UpdateConfirmedProperties(_ context.Context, properties map[string]any) error {
	if !c.isOpen() {
		return ErrNotOpen
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()

	mergePatch(c.hub.twin(c.creds.DeviceID).Reported, copyDoc(properties))
	return nil
}

func (c *memConn) OnCommand(name string, handler CommandHandler) (Subscription, error) {
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

func (c *memConn) command(name string) (CommandHandler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.commands[name]
	return h, ok
}

func (c *memConn) OnRoutedMessage(handler func(msg RoutedMessage)) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.routed == nil {
		c.routed = make(map[int]func(RoutedMessage))
	}
	id := c.nextID
	c.nextID++
	c.routed[id] = handler

	return funcSubscription(func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.routed, id)
		return nil
	}), nil
}

func (c *memConn) SendTelemetry(_ context.Context, payload any, properties map[string]string) error {
	if !c.isOpen() {
		return ErrNotOpen
	}

	data, err := encodeBody(payload)
	if err != nil {
		return fmt.Errorf("failed to encode telemetry: %w", err)
	}

	props := make(map[string]string, len(properties))
	for k, v := range properties {
		props[k] = v
	}

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.hub.telemetry = append(c.hub.telemetry, TelemetryMessage{
		DeviceID:   c.creds.DeviceID,
		Payload:    data,
		Properties: props,
	})
	return nil
}

func (c *memConn) OnError(handler func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, handler)
}

func (c *memConn) notifyDesired(patch map[string]any) {
	c.mu.Lock()
	handlers := make([]func(map[string]any), 0, len(c.desired))
	for _, h := range c.desired {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(patch)
	}
}

func (c *memConn) notifyRouted(msg RoutedMessage) {
	c.mu.Lock()
	handlers := make([]func(RoutedMessage), 0, len(c.routed))
	for _, h := range c.routed {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (c *memConn) notifyError(err error) {
	c.mu.Lock()
	handlers := append([]func(error){}, c.onError...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(err)
	}
}

func copyDoc(doc map[string]any) map[string]any {
	if doc == nil {
		return map[string]any{}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		out := make(map[string]any, len(doc))
		for k, v := range doc {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out
}
