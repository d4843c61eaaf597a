package settings

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// VersionKey is the registry's version marker inside a desired-property patch
const VersionKey = "$version"

// Reporter writes confirmed (reported) properties back to the registry
type Reporter interface {
	UpdateConfirmedProperties(ctx context.Context, properties map[string]any) error
}

// Result describes what a reconciliation did
type Result struct {
	Confirmed map[string]any
	Handled   []string // keys taken from the patch
	Restored  []string // known keys omitted by the patch, reset to default
	Unknown   []string // keys ignored because no setting matches
}

// Changed reports whether name was taken from the patch
func (r Result) Changed(name string) bool {
	for _, h := range r.Handled {
		if h == name {
			return true
		}
	}
	return false
}

// Reconciler applies desired-property patches to a Settings object
type Reconciler struct {
	log zerolog.Logger
}

// NewReconciler creates a reconciler logging through log
func NewReconciler(log zerolog.Logger) *Reconciler {
	return &Reconciler{log: log}
}

// Reconcile applies patch to s and returns the properties to confirm. Every known
// setting the patch omits is reset to its default and included in the confirmation.
// Unknown keys are logged and ignored. Reapplying the same patch yields the same result.
func (r *Reconciler) Reconcile(s *Settings, patch map[string]any) Result {
	working := make(map[string]any)
	handled := make(map[string]bool)
	for _, name := range s.Names() {
		handled[name] = false
	}

	res := Result{Confirmed: make(map[string]any)}

	for _, key := range sortedKeys(patch) {
		if key == VersionKey {
			continue
		}

		def, known := s.definition(key)
		if !known {
			r.log.Warn().Str("setting", key).Msg("Received desired property change for unknown setting")
			res.Unknown = append(res.Unknown, key)
			continue
		}

		value, ok := def.Coerce(patch[key])
		if !ok {
			r.log.Warn().
				Str("setting", key).
				Str("proposed", describe(unwrap(patch[key]))).
				Str("fallback", describe(value)).
				Msg("Invalid or missing value for setting, using fallback")
		}

		working[key] = value
		handled[key] = true
		res.Confirmed[key] = value
		res.Handled = append(res.Handled, key)
	}

	for _, name := range s.Names() {
		if handled[name] {
			continue
		}
		def := s.Default(name)
		r.log.Info().
			Str("setting", name).
			Str("value", describe(def)).
			Msg("Setting omitted from patch, restoring default")
		working[name] = def
		res.Confirmed[name] = def
		res.Restored = append(res.Restored, name)
	}

	s.commit(working)
	return res
}

// Apply reconciles patch and writes the confirmation back through reporter
func (r *Reconciler) Apply(ctx context.Context, s *Settings, patch map[string]any, reporter Reporter) (Result, error) {
	res := r.Reconcile(s, patch)
	if len(res.Confirmed) == 0 || reporter == nil {
		return res, nil
	}

	if err := reporter.UpdateConfirmedProperties(ctx, res.Confirmed); err != nil {
		return res, fmt.Errorf("failed to confirm settings: %w", err)
	}
	return res, nil
}
