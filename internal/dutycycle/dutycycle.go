// Package dutycycle implements the wake/sleep duty-cycle state machine.
// The machine starts awake, counts down a configured number of steps, flips
// phase, and cycles indefinitely.
package dutycycle

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrInvalidConfig indicates invalid configuration.
var ErrInvalidConfig = errors.New("invalid duty cycle configuration")

// Phase is the duty-cycle phase.
type Phase string

const (
	// Wake is the active phase: processing and memory writes are allowed.
	Wake Phase = "wake"
	// Sleep is the consolidation phase: new work is rejected.
	Sleep Phase = "sleep"
)

// Config holds configuration for the duty cycle.
type Config struct {
	// WakeSteps is the number of steps spent awake per cycle.
	WakeSteps int `koanf:"wake_steps"`

	// SleepSteps is the number of steps spent asleep per cycle.
	SleepSteps int `koanf:"sleep_steps"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.WakeSteps == 0 {
		c.WakeSteps = 8
	}
	if c.SleepSteps == 0 {
		c.SleepSteps = 3
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.WakeSteps <= 0 {
		return fmt.Errorf("%w: wake_steps must be positive, got %d", ErrInvalidConfig, c.WakeSteps)
	}
	if c.SleepSteps <= 0 {
		return fmt.Errorf("%w: sleep_steps must be positive, got %d", ErrInvalidConfig, c.SleepSteps)
	}
	return nil
}

// State is a read-only snapshot of the machine.
type State struct {
	Phase   Phase
	Counter int
	Steps   uint64
}

// Cycle is the wake/sleep state machine. There is no terminal state; the
// machine alternates phases forever.
type Cycle struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	phase   Phase
	counter int
	steps   uint64
}

// New creates a duty cycle starting in Wake with a full wake counter.
func New(cfg Config, logger *zap.Logger) (*Cycle, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &Cycle{
		cfg:     cfg,
		logger:  logger,
		phase:   Wake,
		counter: cfg.WakeSteps,
	}, nil
}

// Step decrements the counter and flips phase when it reaches zero,
// resetting the counter to the new phase's duration. With invalid
// durations Step is a no-op that preserves the last valid state.
// Returns whether the phase flipped and the phase now in effect.
func (c *Cycle) Step() (flipped bool, phase Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.WakeSteps <= 0 || c.cfg.SleepSteps <= 0 {
		return false, c.phase
	}

	c.steps++
	c.counter--
	if c.counter > 0 {
		return false, c.phase
	}

	if c.phase == Wake {
		c.phase = Sleep
		c.counter = c.cfg.SleepSteps
	} else {
		c.phase = Wake
		c.counter = c.cfg.WakeSteps
	}
	c.logger.Debug("duty cycle phase flip",
		zap.String("phase", string(c.phase)),
		zap.Uint64("steps", c.steps))
	return true, c.phase
}

// IsWake reports whether the machine is in the wake phase.
func (c *Cycle) IsWake() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == Wake
}

// IsSleep reports whether the machine is in the sleep phase.
func (c *Cycle) IsSleep() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == Sleep
}

// Phase returns the current phase.
func (c *Cycle) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// PhaseValue maps the phase onto the scalar tag used by the lattice:
// 0 while awake, 1 while asleep.
func (c *Cycle) PhaseValue() float64 {
	if c.IsWake() {
		return 0
	}
	return 1
}

// Snapshot returns a copy of the current state.
func (c *Cycle) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{Phase: c.phase, Counter: c.counter, Steps: c.steps}
}
