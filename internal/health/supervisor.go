// Package health runs the periodic gateway self-check.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"camera-gateway-go/internal/models"
)

// DefaultInterval between health checks
const DefaultInterval = 15 * time.Second

// Checker computes and reports one health sample. Restart policy lives in the
// checker; the supervisor only drives the clock.
type Checker interface {
	GetHealth(ctx context.Context) models.HealthState
}

// Supervisor calls a Checker on a fixed interval
type Supervisor struct {
	checker  Checker
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor creates a stopped supervisor. A non-positive interval uses DefaultInterval.
func NewSupervisor(checker Checker, interval time.Duration, log zerolog.Logger) *Supervisor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Supervisor{checker: checker, interval: interval, log: log}
}

// Interval returns the tick interval
func (s *Supervisor) Interval() time.Duration { return s.interval }

// Start runs the check loop in the background until Stop is called or ctx ends.
// Starting a running supervisor is a no-op.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, s.done)
	s.log.Info().Dur("interval", s.interval).Msg("Health supervisor started")
}

// Stop ends the check loop and waits for an in-flight check to return
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info().Msg("Health supervisor stopped")
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("Health check panicked")
		}
	}()

	state := s.checker.GetHealth(ctx)
	s.log.Debug().Stringer("health", state).Msg("Health check complete")
}
