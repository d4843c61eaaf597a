package settings

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	calls []map[string]any
	err   error
}

func (r *recordingReporter) UpdateConfirmedProperties(_ context.Context, props map[string]any) error {
	r.calls = append(r.calls, props)
	return r.err
}

func newTestSettings() *Settings {
	return New(
		Number("a", 1),
		Number("b", 7),
		Bool("debug", false),
		String("sensitivity", "medium", "low", "medium", "high"),
	)
}

func TestReconcileRestoresDefaultsForOmittedKeys(t *testing.T) {
	t.Parallel()

	s := newTestSettings()
	r := NewReconciler(zerolog.Nop())

	r.Reconcile(s, map[string]any{"a": 1.0, "b": 2.0})
	require.Equal(t, 2.0, s.GetNumber("b"))

	res := r.Reconcile(s, map[string]any{"a": 5.0})

	assert.Equal(t, map[string]any{
		"a":           5.0,
		"b":           7.0,
		"debug":       false,
		"sensitivity": "medium",
	}, res.Confirmed)
	assert.Equal(t, 5.0, s.GetNumber("a"))
	assert.Equal(t, 7.0, s.GetNumber("b"))
	assert.Equal(t, []string{"a"}, res.Handled)
	assert.ElementsMatch(t, []string{"b", "debug", "sensitivity"}, res.Restored)
}

func TestReconcileIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestSettings()
	r := NewReconciler(zerolog.Nop())
	patch := map[string]any{"a": 3.0, "debug": true, "$version": 4.0}

	first := r.Reconcile(s, patch)
	firstValues := s.Snapshot()

	second := r.Reconcile(s, patch)

	assert.Equal(t, first.Confirmed, second.Confirmed)
	assert.Equal(t, firstValues, s.Snapshot())
}

func TestReconcileSkipsVersionAndUnknownKeys(t *testing.T) {
	t.Parallel()

	s := newTestSettings()
	r := NewReconciler(zerolog.Nop())

	res := r.Reconcile(s, map[string]any{
		"$version": 12.0,
		"bogus":    "x",
		"debug":    map[string]any{"value": true},
	})

	assert.Equal(t, []string{"bogus"}, res.Unknown)
	assert.NotContains(t, res.Confirmed, "$version")
	assert.NotContains(t, res.Confirmed, "bogus")
	assert.Equal(t, true, res.Confirmed["debug"])
	assert.True(t, s.GetBool("debug"))
	assert.True(t, res.Changed("debug"))
	assert.False(t, res.Changed("a"))
}

func TestReconcileCoercionFallbacks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		key   string
		value any
		want  any
	}{
		{"bool from string", "debug", "true", true},
		{"bool invalid", "debug", 42.0, false},
		{"bool missing", "debug", nil, false},
		{"number from string", "a", "2.5", 2.5},
		{"number invalid uses default", "a", "fast", 1.0},
		{"number non-positive uses default", "a", 0.0, 1.0},
		{"string allowed", "sensitivity", "HIGH", "high"},
		{"string not allowed", "sensitivity", "extreme", ""},
		{"string wrong type", "sensitivity", 3.0, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := newTestSettings()
			res := NewReconciler(zerolog.Nop()).Reconcile(s, map[string]any{tc.key: tc.value})

			assert.Equal(t, tc.want, res.Confirmed[tc.key])
			assert.Equal(t, tc.want, s.Get(tc.key))
		})
	}
}

func TestUnpatchedSettingKeepsCompiledDefault(t *testing.T) {
	t.Parallel()

	s := newTestSettings()
	assert.Equal(t, "medium", s.GetString("sensitivity"))

	// Defaults are only re-applied when a patch arrives; nothing changes in between.
	r := NewReconciler(zerolog.Nop())
	r.Reconcile(s, map[string]any{"sensitivity": "low"})
	assert.Equal(t, "low", s.GetString("sensitivity"))
	assert.Equal(t, "low", s.GetString("sensitivity"))

	r.Reconcile(s, map[string]any{"a": 2.0})
	assert.Equal(t, "medium", s.GetString("sensitivity"))
}

func TestApplyWritesConfirmation(t *testing.T) {
	t.Parallel()

	s := newTestSettings()
	rep := &recordingReporter{}

	res, err := NewReconciler(zerolog.Nop()).Apply(context.Background(), s, map[string]any{"b": 9.0}, rep)
	require.NoError(t, err)
	require.Len(t, rep.calls, 1)
	assert.Equal(t, res.Confirmed, rep.calls[0])
	assert.Equal(t, 9.0, rep.calls[0]["b"])
}

func TestApplyReportsWriteFailure(t *testing.T) {
	t.Parallel()

	s := newTestSettings()
	boom := errors.New("twin unavailable")
	rep := &recordingReporter{err: boom}

	_, err := NewReconciler(zerolog.Nop()).Apply(context.Background(), s, map[string]any{"a": 2.0}, rep)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2.0, s.GetNumber("a"))
}

func TestApplyWithNoSettingsSkipsWrite(t *testing.T) {
	t.Parallel()

	rep := &recordingReporter{}
	_, err := NewReconciler(zerolog.Nop()).Apply(context.Background(), New(), map[string]any{"x": 1.0}, rep)
	require.NoError(t, err)
	assert.Empty(t, rep.calls)
}
