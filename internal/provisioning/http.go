package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"camera-gateway-go/internal/registry"
)

const (
	dpsAPIVersion   = "2021-06-01"
	pollInterval    = 2 * time.Second
	pollMaxInterval = 10 * time.Second
	pollMaxElapsed  = 2 * time.Minute
	tokenTTL        = time.Hour
	statusAssigned  = "assigned"
	statusAssigning = "assigning"
)

var errAssigning = errors.New("registration is still being assigned")

// StatusError is a non-2xx response from the provisioning or application API
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// retryable reports whether the request may succeed when repeated
func (e *StatusError) retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// HTTPConfig configures the remote provisioning and device administration endpoints
type HTTPConfig struct {
	// ProvisioningHost is the global registration endpoint host
	ProvisioningHost string
	ScopeID          string

	// AppHost and APIToken address the application's device management API
	AppHost  string
	APIToken string

	// EndpointScheme is prefixed to the assigned hub, e.g. "ssl" gives ssl://<hub>:8883
	EndpointScheme string
	EndpointPort   int

	Timeout time.Duration
}

// HTTPClient registers devices with the provisioning service's REST API and
// deletes them through the application API
type HTTPClient struct {
	cfg    HTTPConfig
	client *http.Client
	base   string

	poll        time.Duration
	pollMax     time.Duration
	pollElapsed time.Duration
}

// NewHTTPClient validates cfg and creates a client
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.ProvisioningHost == "" || cfg.ScopeID == "" {
		return nil, fmt.Errorf("%w: provisioning host and scope id are required", ErrMissingSettings)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.EndpointScheme == "" {
		cfg.EndpointScheme = "ssl"
	}
	if cfg.EndpointPort == 0 {
		cfg.EndpointPort = 8883
	}

	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		base:   "https://" + cfg.ProvisioningHost,

		poll:        pollInterval,
		pollMax:     pollMaxInterval,
		pollElapsed: pollMaxElapsed,
	}, nil
}

type registrationState struct {
	AssignedHub string `json:"assignedHub"`
	DeviceID    string `json:"deviceId"`
	Status      string `json:"status"`
	ErrorMsg    string `json:"errorMessage"`
}

type operationStatus struct {
	OperationID       string             `json:"operationId"`
	Status            string             `json:"status"`
	RegistrationState *registrationState `json:"registrationState"`
}

// Register implements Registrar. It submits the registration and polls the
// operation with exponential backoff until the device leaves the assigning
// state, the poll window elapses or ctx ends.
func (c *HTTPClient) Register(ctx context.Context, req Request) (Result, error) {
	payload := map[string]any{
		"registrationId": req.DeviceID,
		"payload": map[string]any{
			"modelId": req.ModelID,
			"gateway": map[string]any{
				"gatewayId": req.GatewayID,
				"moduleId":  req.ModuleID,
			},
		},
	}

	resource := fmt.Sprintf("%s/registrations/%s", c.cfg.ScopeID, req.DeviceID)
	token, err := registry.SharedAccessSignature(resource, req.Key, time.Now().Add(tokenTTL))
	if err != nil {
		return Result{}, err
	}
	token += "&skn=registration"

	registerURL := fmt.Sprintf("%s/%s/register?api-version=%s", c.base, resource, dpsAPIVersion)

	var op operationStatus
	if err := c.do(ctx, http.MethodPut, registerURL, token, payload, &op); err != nil {
		return Result{}, fmt.Errorf("registration of %s failed: %w", req.DeviceID, err)
	}

	if pending(op) {
		pollURL := fmt.Sprintf("%s/%s/operations/%s?api-version=%s", c.base, resource, url.PathEscape(op.OperationID), dpsAPIVersion)
		if op, err = c.awaitAssignment(ctx, pollURL, token); err != nil {
			return Result{}, fmt.Errorf("registration status of %s failed: %w", req.DeviceID, err)
		}
	}

	if op.Status != statusAssigned || op.RegistrationState == nil {
		msg := op.Status
		if op.RegistrationState != nil && op.RegistrationState.ErrorMsg != "" {
			msg = op.RegistrationState.ErrorMsg
		}
		return Result{}, fmt.Errorf("%w: %s", ErrNotAssigned, msg)
	}

	state := op.RegistrationState
	log.Info().Str("device_id", state.DeviceID).Str("hub", state.AssignedHub).Msg("Device registration succeeded")

	return Result{
		DeviceID: state.DeviceID,
		Endpoint: fmt.Sprintf("%s://%s:%d", c.cfg.EndpointScheme, state.AssignedHub, c.cfg.EndpointPort),
	}, nil
}

func pending(op operationStatus) bool {
	return op.Status == statusAssigning || (op.Status == "" && op.OperationID != "")
}

// awaitAssignment polls the registration operation. Client errors and
// terminal statuses stop the poll; server errors and throttling are retried.
func (c *HTTPClient) awaitAssignment(ctx context.Context, pollURL, token string) (operationStatus, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.poll
	bo.MaxInterval = c.pollMax
	bo.Multiplier = 1.5
	bo.RandomizationFactor = 0.2

	operation := func() (operationStatus, error) {
		var op operationStatus
		if err := c.do(ctx, http.MethodGet, pollURL, token, nil, &op); err != nil {
			var se *StatusError
			if errors.As(err, &se) && !se.retryable() {
				return op, backoff.Permanent(err)
			}
			return op, err
		}
		if pending(op) {
			return op, errAssigning
		}
		return op, nil
	}

	return backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(c.pollElapsed))
}

// DeleteDevice implements DeviceAdmin
func (c *HTTPClient) DeleteDevice(ctx context.Context, deviceID string) error {
	if c.cfg.AppHost == "" || c.cfg.APIToken == "" {
		return fmt.Errorf("%w: application host and api token are required", ErrMissingSettings)
	}

	deleteURL := fmt.Sprintf("https://%s/api/preview/devices/%s", c.cfg.AppHost, url.PathEscape(deviceID))
	if err := c.do(ctx, http.MethodDelete, deleteURL, c.cfg.APIToken, nil, nil); err != nil {
		return fmt.Errorf("failed to delete device %s: %w", deviceID, err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, target, auth string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return &StatusError{Method: method, Path: req.URL.Path, Code: resp.StatusCode, Body: string(data)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
