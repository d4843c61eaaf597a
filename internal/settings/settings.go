// Package settings holds typed configuration objects and reconciles them
// against desired-property patches from the device registry.
package settings

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Kind is the value type of a setting
type Kind int

const (
	KindString Kind = iota
	KindBool
	KindNumber
)

// Definition describes one known setting
type Definition struct {
	Name    string
	Kind    Kind
	Default any

	// Allowed restricts string values; empty means any string.
	Allowed []string
}

// String defines a string setting
func String(name, def string, allowed ...string) Definition {
	return Definition{Name: name, Kind: KindString, Default: def, Allowed: allowed}
}

// Bool defines a boolean setting
func Bool(name string, def bool) Definition {
	return Definition{Name: name, Kind: KindBool, Default: def}
}

// Number defines a numeric setting. Numeric settings must be positive.
func Number(name string, def float64) Definition {
	return Definition{Name: name, Kind: KindNumber, Default: def}
}

// Settings is a flat map of named settings, each with exactly one current value.
// It is safe for concurrent use.
type Settings struct {
	mu     sync.RWMutex
	defs   map[string]Definition
	order  []string
	values map[string]any
}

// New creates a settings object with every value at its default
func New(defs ...Definition) *Settings {
	s := &Settings{
		defs:   make(map[string]Definition, len(defs)),
		values: make(map[string]any, len(defs)),
	}
	s.Define(defs...)
	return s
}

// Define adds settings to the object. Redefining a name replaces its definition
// and resets it to the new default.
func (s *Settings) Define(defs ...Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range defs {
		if _, exists := s.defs[d.Name]; !exists {
			s.order = append(s.order, d.Name)
		}
		s.defs[d.Name] = d
		s.values[d.Name] = d.Default
	}
}

// Names returns every known setting name in definition order
func (s *Settings) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Known reports whether name is a defined setting
func (s *Settings) Known(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.defs[name]
	return ok
}

// Default returns the compiled-in default of a setting
func (s *Settings) Default(name string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defs[name].Default
}

// Get returns the current value of a setting, or nil when unknown
func (s *Settings) Get(name string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[name]
}

// GetString returns a string setting
func (s *Settings) GetString(name string) string {
	v, _ := s.Get(name).(string)
	return v
}

// GetBool returns a boolean setting
func (s *Settings) GetBool(name string) bool {
	v, _ := s.Get(name).(bool)
	return v
}

// GetNumber returns a numeric setting
func (s *Settings) GetNumber(name string) float64 {
	v, _ := s.Get(name).(float64)
	return v
}

// Snapshot returns a copy of all current values
func (s *Settings) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func (s *Settings) definition(name string) (Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.defs[name]
	return d, ok
}

func (s *Settings) commit(values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.values[k] = v
	}
}

// Coerce converts a proposed value to the definition's type. Missing or invalid
// values fall back to false, "" or the numeric default; ok is false in that case.
func (d Definition) Coerce(raw any) (value any, ok bool) {
	raw = unwrap(raw)

	switch d.Kind {
	case KindBool:
		switch v := raw.(type) {
		case bool:
			return v, true
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				return b, true
			}
		}
		return false, false

	case KindNumber:
		if f, valid := toFloat(raw); valid && f > 0 {
			return f, true
		}
		def, _ := toFloat(d.Default)
		return def, false

	default:
		v, isString := raw.(string)
		if !isString {
			return "", false
		}
		if len(d.Allowed) > 0 {
			for _, a := range d.Allowed {
				if strings.EqualFold(a, v) {
					return a, true
				}
			}
			return "", false
		}
		return v, true
	}
}

// unwrap accepts both {"name": value} and {"name": {"value": value}} patch shapes
func unwrap(raw any) any {
	if m, ok := raw.(map[string]any); ok {
		if v, has := m["value"]; has {
			return v
		}
	}
	return raw
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// sortedKeys keeps log output and processing order deterministic
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func describe(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "<nil>"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
