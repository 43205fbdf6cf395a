// Package threshold implements the homeostatic acceptance controller: a
// scalar gate whose threshold drifts opposite to the observed acceptance
// rate, with a dead-band around the setpoint to prevent oscillation.
package threshold

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
)

// Sentinel errors for the controller.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid threshold configuration")

	// ErrScoreOutOfRange is returned when an evaluated score is outside [0,1].
	ErrScoreOutOfRange = errors.New("score out of range [0,1]")
)

// Config holds configuration for the controller.
type Config struct {
	// Initial is the starting threshold. Must lie in [Min, Max].
	Initial float64 `koanf:"initial"`

	// Min and Max bound the threshold for the controller's lifetime.
	Min float64 `koanf:"min"`
	Max float64 `koanf:"max"`

	// AdaptRate is the per-call drift magnitude, in (0, 1).
	AdaptRate float64 `koanf:"adapt_rate"`

	// Alpha is the EMA smoothing factor for the acceptance rate, in (0, 1].
	Alpha float64 `koanf:"alpha"`

	// DeadBand is the half-width of the no-adjust zone around an EMA of 0.5.
	DeadBand float64 `koanf:"dead_band"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Initial == 0 {
		c.Initial = 0.50
	}
	if c.Min == 0 {
		c.Min = 0.30
	}
	if c.Max == 0 {
		c.Max = 0.90
	}
	if c.AdaptRate == 0 {
		c.AdaptRate = 0.02
	}
	if c.Alpha == 0 {
		c.Alpha = 0.10
	}
	if c.DeadBand == 0 {
		c.DeadBand = 0.05
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Min < 0 || c.Max > 1 || c.Min >= c.Max {
		return fmt.Errorf("%w: bounds [%g, %g]", ErrInvalidConfig, c.Min, c.Max)
	}
	if c.Initial < c.Min || c.Initial > c.Max {
		return fmt.Errorf("%w: initial %g outside [%g, %g]", ErrInvalidConfig, c.Initial, c.Min, c.Max)
	}
	if c.AdaptRate <= 0 || c.AdaptRate >= 1 {
		return fmt.Errorf("%w: adapt_rate %g", ErrInvalidConfig, c.AdaptRate)
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		return fmt.Errorf("%w: alpha %g", ErrInvalidConfig, c.Alpha)
	}
	if c.DeadBand < 0 || c.DeadBand >= 0.5 {
		return fmt.Errorf("%w: dead_band %g", ErrInvalidConfig, c.DeadBand)
	}
	return nil
}

// State is a read-only snapshot of controller state.
type State struct {
	Threshold float64
	EMA       float64
	Steps     uint64
}

// Controller is the homeostatic acceptance gate.
type Controller struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	threshold float64
	ema       float64
	steps     uint64
}

// New creates a controller from config.
func New(cfg Config, logger *zap.Logger) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &Controller{
		cfg:       cfg,
		logger:    logger,
		threshold: cfg.Initial,
		ema:       0.5,
	}, nil
}

// Evaluate reports whether score passes the current threshold. Pure and
// deterministic: no state is mutated.
func (c *Controller) Evaluate(score float64) (bool, error) {
	if score < 0 || score > 1 || math.IsNaN(score) {
		return false, fmt.Errorf("%w: %g", ErrScoreOutOfRange, score)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return score >= c.threshold, nil
}

// Adapt folds an acceptance outcome into the EMA and nudges the threshold
// opposite the drift. Inside the dead-band the threshold is left untouched.
// The threshold stays clamped to [Min, Max] and moves at most AdaptRate
// per call.
func (c *Controller) Adapt(accepted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	indicator := 0.0
	if accepted {
		indicator = 1.0
	}
	c.ema = c.cfg.Alpha*indicator + (1-c.cfg.Alpha)*c.ema
	c.steps++

	if math.Abs(c.ema-0.5) < c.cfg.DeadBand {
		return
	}

	// Drift direction is sign(0.5 - ema): a high acceptance rate relaxes
	// the gate, a low one tightens it back toward the setpoint.
	if c.ema > 0.5 {
		c.threshold -= c.cfg.AdaptRate
	} else {
		c.threshold += c.cfg.AdaptRate
	}
	c.threshold = math.Min(c.cfg.Max, math.Max(c.cfg.Min, c.threshold))
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{Threshold: c.threshold, EMA: c.ema, Steps: c.steps}
}
