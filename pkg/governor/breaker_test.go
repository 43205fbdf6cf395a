package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestBreaker(threshold int32, resetAfter time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(BreakerConfig{
		FailureThreshold:  threshold,
		RecoveryTimeout:   resetAfter,
		HalfOpenSuccesses: 2,
	})
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := newTestBreaker(3, time.Second)

	assert.True(t, cb.Allow())
	assert.Equal(t, "closed", cb.State())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, "open", cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := newTestBreaker(2, 50*time.Millisecond)

	cb.RecordFailure()
	cb.RecordFailure()
	assert.False(t, cb.Allow())

	time.Sleep(60 * time.Millisecond)
	assert.True(t, cb.Allow())
	assert.Equal(t, "half-open", cb.State())
}

func TestCircuitBreaker_TwoSuccessesClose(t *testing.T) {
	cb := newTestBreaker(2, 50*time.Millisecond)

	cb.RecordFailure()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	assert.True(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, "half-open", cb.State())

	cb.RecordSuccess()
	assert.Equal(t, "closed", cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_FailureInHalfOpenReopens(t *testing.T) {
	cb := newTestBreaker(2, 50*time.Millisecond)

	cb.RecordFailure()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	assert.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, "open", cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(3, time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()

	// The streak restarts; two more failures stay under the threshold.
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, "closed", cb.State())
}

func TestBreakerConfig_Validate(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: -1}
	cfg.ApplyDefaults()
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestBreakerConfig_Defaults(t *testing.T) {
	var cfg BreakerConfig
	cfg.ApplyDefaults()
	assert.Equal(t, int32(5), cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.RecoveryTimeout)
	assert.Equal(t, int32(2), cfg.HalfOpenSuccesses)
}
