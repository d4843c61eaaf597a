// Package provisioning registers camera devices with the device registry and
// derives their credentials.
package provisioning

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrMissingSettings = errors.New("missing provisioning settings")
	ErrNotAssigned     = errors.New("device was not assigned to a registry")
)

// DeriveKey computes a device's key as the base64 HMAC-SHA256 of its id, keyed
// with the base64-decoded group master key. The same inputs always yield the
// same key.
func DeriveKey(deviceID, masterKey string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(masterKey)
	if err != nil {
		return "", fmt.Errorf("invalid master key: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(deviceID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Request describes a device registration
type Request struct {
	DeviceID string
	Key      string

	// ModelID is the device template the registry should apply
	ModelID   string
	GatewayID string
	ModuleID  string
}

// Result is a successful registration
type Result struct {
	DeviceID string
	// Endpoint is the registry endpoint the device connects to
	Endpoint string
}

// Registrar registers device identities
type Registrar interface {
	Register(ctx context.Context, req Request) (Result, error)
}

// DeviceAdmin removes device identities from the registry
type DeviceAdmin interface {
	DeleteDevice(ctx context.Context, deviceID string) error
}

// Error is a failed registration of one device
type Error struct {
	DeviceID string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provisioning %s: %v", e.DeviceID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
