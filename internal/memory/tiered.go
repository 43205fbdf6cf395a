// Package memory implements the tiered decay memory: three vector
// accumulators with different decay horizons and gated promotion between
// them. Events land in the fast tier; components that accumulate past a
// threshold bleed into the next, slower-decaying tier.
package memory

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
)

// Sentinel errors for tiered memory operations.
var (
	// ErrDimensionMismatch is returned when an event vector does not match
	// the configured dimension.
	ErrDimensionMismatch = errors.New("event dimension mismatch")

	// ErrNonFinite is returned when an event vector contains NaN or Inf.
	ErrNonFinite = errors.New("event contains non-finite component")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid tiered memory configuration")
)

// Config holds configuration for the tiered decay memory.
type Config struct {
	// Dim is the vector dimension. All events must match it exactly.
	Dim int `koanf:"dim"`

	// Decay holds the per-tier decay rates (lambda1..lambda3), each in (0, 1].
	// Tier 1 decays fastest, tier 3 slowest.
	Decay [3]float64 `koanf:"decay"`

	// PromoteThreshold holds the component thresholds (theta1, theta2) above
	// which mass transfers to the next tier. Must be positive.
	PromoteThreshold [2]float64 `koanf:"promote_threshold"`

	// Gain holds the transfer fractions (g12, g23), each in [0, 1].
	Gain [2]float64 `koanf:"gain"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Dim == 0 {
		c.Dim = 384
	}
	if c.Decay == [3]float64{} {
		c.Decay = [3]float64{0.10, 0.01, 0.001}
	}
	if c.PromoteThreshold == [2]float64{} {
		c.PromoteThreshold = [2]float64{1.0, 1.0}
	}
	if c.Gain == [2]float64{} {
		c.Gain = [2]float64{0.5, 0.5}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("%w: dim must be positive, got %d", ErrInvalidConfig, c.Dim)
	}
	for i, d := range c.Decay {
		if d <= 0 || d > 1 {
			return fmt.Errorf("%w: decay[%d] must be in (0,1], got %g", ErrInvalidConfig, i, d)
		}
	}
	for i, th := range c.PromoteThreshold {
		if th <= 0 {
			return fmt.Errorf("%w: promote_threshold[%d] must be positive, got %g", ErrInvalidConfig, i, th)
		}
	}
	for i, g := range c.Gain {
		if g < 0 || g > 1 {
			return fmt.Errorf("%w: gain[%d] must be in [0,1], got %g", ErrInvalidConfig, i, g)
		}
	}
	return nil
}

// Tiered is the three-tier decaying accumulator.
//
// All mutable state is guarded by an internal mutex; Update, Reset and
// Snapshot are safe for concurrent use. Validation happens before the lock
// is taken, so a rejected event never mutates state.
type Tiered struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	l1      []float64
	l2      []float64
	l3      []float64
	updates uint64
}

// New creates a tiered decay memory from config.
func New(cfg Config, logger *zap.Logger) (*Tiered, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &Tiered{
		cfg:    cfg,
		logger: logger,
		l1:     make([]float64, cfg.Dim),
		l2:     make([]float64, cfg.Dim),
		l3:     make([]float64, cfg.Dim),
	}, nil
}

// Dim returns the configured vector dimension.
func (t *Tiered) Dim() int { return t.cfg.Dim }

// Update folds an event vector into the memory.
//
// In order: each tier decays by its rate, the event is added to tier 1,
// then components above the promote threshold transfer a gain fraction to
// the next tier (the transferred mass is subtracted from the source, so
// total mass stays decay-bounded).
func (t *Tiered) Update(event []float64) error {
	if err := validateVector(event, t.cfg.Dim); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.l1 {
		t.l1[i] *= 1 - t.cfg.Decay[0]
		t.l2[i] *= 1 - t.cfg.Decay[1]
		t.l3[i] *= 1 - t.cfg.Decay[2]
	}
	for i, v := range event {
		t.l1[i] += v
	}
	transfer(t.l1, t.l2, t.cfg.PromoteThreshold[0], t.cfg.Gain[0])
	transfer(t.l2, t.l3, t.cfg.PromoteThreshold[1], t.cfg.Gain[1])

	t.updates++
	return nil
}

// transfer moves gain*src[i] into dst[i] for every component above the
// threshold, subtracting what is moved.
func transfer(src, dst []float64, threshold, gain float64) {
	for i, v := range src {
		if v > threshold {
			moved := gain * v
			src[i] -= moved
			dst[i] += moved
		}
	}
}

// Reset zeroes all tiers.
func (t *Tiered) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.l1 {
		t.l1[i] = 0
		t.l2[i] = 0
		t.l3[i] = 0
	}
	t.logger.Debug("tiered memory reset", zap.Uint64("updates", t.updates))
}

// Snapshot returns read-only copies of the three tiers.
func (t *Tiered) Snapshot() (l1, l2, l3 []float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l1 = append([]float64(nil), t.l1...)
	l2 = append([]float64(nil), t.l2...)
	l3 = append([]float64(nil), t.l3...)
	return l1, l2, l3
}

// Updates returns the number of accepted update calls.
func (t *Tiered) Updates() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updates
}

// validateVector checks dimension and finiteness.
func validateVector(v []float64, dim int) error {
	if len(v) != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), dim)
	}
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: component %d", ErrNonFinite, i)
		}
	}
	return nil
}
