package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"camera-gateway-go/internal/models"
)

type countingChecker struct {
	calls atomic.Int32
	panic bool
}

func (c *countingChecker) GetHealth(context.Context) models.HealthState {
	c.calls.Add(1)
	if c.panic {
		panic("probe exploded")
	}
	return models.HealthGood
}

func TestSupervisorTicks(t *testing.T) {
	t.Parallel()

	checker := &countingChecker{}
	s := NewSupervisor(checker, 10*time.Millisecond, zerolog.Nop())
	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return checker.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestSupervisorStopHaltsTicks(t *testing.T) {
	t.Parallel()

	checker := &countingChecker{}
	s := NewSupervisor(checker, 10*time.Millisecond, zerolog.Nop())
	s.Start(context.Background())
	assert.Eventually(t, func() bool { return checker.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	s.Stop()
	calls := checker.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, checker.calls.Load())

	// second stop is harmless
	s.Stop()
}

func TestSupervisorStopsWithContext(t *testing.T) {
	t.Parallel()

	checker := &countingChecker{}
	s := NewSupervisor(checker, 10*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSupervisorSurvivesPanics(t *testing.T) {
	t.Parallel()

	checker := &countingChecker{panic: true}
	s := NewSupervisor(checker, 10*time.Millisecond, zerolog.Nop())
	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return checker.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestSupervisorDefaultInterval(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultInterval, NewSupervisor(&countingChecker{}, 0, zerolog.Nop()).Interval())
}
