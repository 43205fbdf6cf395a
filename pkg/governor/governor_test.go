package governor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mneme/internal/archive"
	"github.com/fyrsmithlabs/mneme/internal/dutycycle"
	"github.com/fyrsmithlabs/mneme/internal/lattice"
	"github.com/fyrsmithlabs/mneme/internal/memory"
)

// genRecorder is a scripted generate function that records prompts.
type genRecorder struct {
	mu       sync.Mutex
	calls    int
	prompts  []string
	response string
	err      error
}

func (r *genRecorder) fn(ctx context.Context, prompt string, maxTokens int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.prompts = append(r.prompts, prompt)
	if r.err != nil {
		return "", r.err
	}
	return r.response, nil
}

func (r *genRecorder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *genRecorder) lastPrompt() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.prompts) == 0 {
		return ""
	}
	return r.prompts[len(r.prompts)-1]
}

func (r *genRecorder) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func testConfig() Config {
	return Config{
		Memory:    memory.Config{Dim: 2},
		Lattice:   lattice.Config{Capacity: 16, Dim: 2, ChecksumInterval: 1},
		DutyCycle: dutycycle.Config{WakeSteps: 100, SleepSteps: 3},
		Retry:     RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Breaker:   BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 50 * time.Millisecond, HalfOpenSuccesses: 2},

		PendingBuffer: 1,
	}
}

func newTestGovernor(t *testing.T, cfg Config, deps Deps) *Governor {
	t.Helper()
	if deps.Generate == nil {
		deps.Generate = (&genRecorder{response: "ok"}).fn
	}
	g, err := New(cfg, deps, zap.NewNop())
	require.NoError(t, err)
	return g
}

func TestNew_RequiresGenerate(t *testing.T) {
	_, err := New(testConfig(), Deps{}, zap.NewNop())
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestNew_DimMismatchIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.Dim = 3

	gen := &genRecorder{response: "ok"}
	_, err := New(cfg, Deps{Generate: gen.fn}, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestProcess_AcceptedEnvelope(t *testing.T) {
	gen := &genRecorder{response: "hello"}
	g := newTestGovernor(t, testConfig(), Deps{Generate: gen.fn})

	res := g.Process(context.Background(), Request{
		Prompt:          "say hello",
		Embedding:       []float64{1, 0},
		AcceptanceScore: 0.9,
	})

	assert.Equal(t, "hello", res.Response)
	assert.True(t, res.Accepted)
	assert.Equal(t, "wake", res.Phase)
	assert.Equal(t, uint64(1), res.Step)
	assert.Equal(t, 0.5, res.Threshold)
	assert.Zero(t, res.ContextItems)
	assert.Empty(t, res.RejectedAt)
	assert.NoError(t, res.Err)
	assert.NotEmpty(t, res.ID)

	// PendingBuffer=1 flushes immediately: both stores hold the vector.
	assert.Equal(t, 1, g.cache.Len())
	assert.Equal(t, uint64(1), g.tiered.Updates())
}

func TestProcess_RetrievedContextFeedsPrompt(t *testing.T) {
	gen := &genRecorder{response: "first answer"}
	g := newTestGovernor(t, testConfig(), Deps{Generate: gen.fn})
	ctx := context.Background()

	res := g.Process(ctx, Request{
		Prompt:          "question one",
		Embedding:       []float64{1, 0},
		AcceptanceScore: 0.9,
	})
	require.True(t, res.Accepted)

	gen.mu.Lock()
	gen.response = "second answer"
	gen.mu.Unlock()

	res = g.Process(ctx, Request{
		Prompt:          "question two",
		Embedding:       []float64{1, 0.1},
		AcceptanceScore: 0.9,
	})
	require.True(t, res.Accepted)
	assert.Equal(t, 1, res.ContextItems)
	assert.Contains(t, gen.lastPrompt(), "first answer")
	assert.Contains(t, gen.lastPrompt(), "question two")
}

func TestProcess_MoralReject(t *testing.T) {
	gen := &genRecorder{response: "never"}
	g := newTestGovernor(t, testConfig(), Deps{Generate: gen.fn})

	res := g.Process(context.Background(), Request{
		Prompt:          "blocked",
		Embedding:       []float64{1, 0},
		AcceptanceScore: 0.2,
	})

	assert.False(t, res.Accepted)
	assert.Equal(t, RejectMoral, res.RejectedAt)
	assert.Empty(t, res.Response)
	assert.Zero(t, gen.callCount())
	assert.Zero(t, g.cache.Len())
}

func TestProcess_ValidationRejects(t *testing.T) {
	gen := &genRecorder{response: "ok"}
	g := newTestGovernor(t, testConfig(), Deps{Generate: gen.fn})
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
	}{
		{name: "missing embedding", req: Request{Prompt: "p", AcceptanceScore: 0.9}},
		{name: "wrong dimension", req: Request{Prompt: "p", Embedding: []float64{1}, AcceptanceScore: 0.9}},
		{name: "score out of range", req: Request{Prompt: "p", Embedding: []float64{1, 0}, AcceptanceScore: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := g.Process(ctx, tt.req)
			assert.False(t, res.Accepted)
			assert.Equal(t, RejectValidation, res.RejectedAt)
			assert.Error(t, res.Err)
		})
	}
	assert.Zero(t, gen.callCount())
}

func TestProcess_EmbedFuncComputesEmbedding(t *testing.T) {
	gen := &genRecorder{response: "ok"}
	embedCalls := 0
	deps := Deps{
		Generate: gen.fn,
		Embed: func(ctx context.Context, text string) ([]float64, error) {
			embedCalls++
			return []float64{1, 0}, nil
		},
	}
	g := newTestGovernor(t, testConfig(), deps)

	res := g.Process(context.Background(), Request{Prompt: "p", AcceptanceScore: 0.9})
	assert.True(t, res.Accepted)
	assert.Equal(t, 1, embedCalls)
}

func TestProcess_SleepReject(t *testing.T) {
	cfg := testConfig()
	cfg.DutyCycle = dutycycle.Config{WakeSteps: 1, SleepSteps: 2}

	gen := &genRecorder{response: "ok"}
	g := newTestGovernor(t, cfg, Deps{Generate: gen.fn})
	ctx := context.Background()

	req := Request{Prompt: "p", Embedding: []float64{1, 0}, AcceptanceScore: 0.9}

	res := g.Process(ctx, req) // wake step flips to sleep afterwards
	assert.True(t, res.Accepted)
	assert.Equal(t, "wake", res.Phase)

	res = g.Process(ctx, req)
	assert.False(t, res.Accepted)
	assert.Equal(t, RejectSleep, res.RejectedAt)
	assert.Equal(t, "sleep", res.Phase)
	assert.Equal(t, 1, gen.callCount())

	// One more sleep step, then the machine wakes again.
	res = g.Process(ctx, req)
	assert.Equal(t, RejectSleep, res.RejectedAt)
	res = g.Process(ctx, req)
	assert.True(t, res.Accepted)
}

func TestProcess_CircuitBreaker(t *testing.T) {
	gen := &genRecorder{response: "ok"}
	gen.setErr(errors.New("backend down"))
	g := newTestGovernor(t, testConfig(), Deps{Generate: gen.fn})
	ctx := context.Background()

	req := Request{Prompt: "p", Embedding: []float64{1, 0}, AcceptanceScore: 0.9}

	// Five consecutive failures open the circuit.
	for i := 0; i < 5; i++ {
		res := g.Process(ctx, req)
		assert.Equal(t, RejectGeneration, res.RejectedAt)
		assert.ErrorIs(t, res.Err, ErrGenerationFailed)
	}
	assert.Equal(t, "open", g.Snapshot().Breaker)
	assert.Equal(t, 5, gen.callCount())

	// Open circuit fails fast without invoking generate.
	res := g.Process(ctx, req)
	assert.Equal(t, RejectCircuitOpen, res.RejectedAt)
	assert.ErrorIs(t, res.Err, ErrCircuitOpen)
	assert.Equal(t, 5, gen.callCount())

	// After the recovery timeout one probe goes through; two consecutive
	// successes close the circuit.
	time.Sleep(60 * time.Millisecond)
	gen.setErr(nil)

	res = g.Process(ctx, req)
	assert.True(t, res.Accepted)
	assert.Equal(t, "half-open", g.Snapshot().Breaker)

	res = g.Process(ctx, req)
	assert.True(t, res.Accepted)
	assert.Equal(t, "closed", g.Snapshot().Breaker)
}

func TestProcess_StatelessMode(t *testing.T) {
	cfg := testConfig()
	cfg.StatelessAfter = 3

	gen := &genRecorder{response: "ok"}
	g := newTestGovernor(t, cfg, Deps{Generate: gen.fn})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		g.recordMemFailure(errors.New("lattice unavailable"))
	}
	require.True(t, g.Snapshot().Stateless)

	// Degraded, not broken: requests still succeed without memory.
	res := g.Process(ctx, Request{Prompt: "p", Embedding: []float64{1, 0}, AcceptanceScore: 0.9})
	assert.True(t, res.Accepted)
	assert.Zero(t, res.ContextItems)
	assert.Zero(t, g.cache.Len())

	g.ResetStateless()
	assert.False(t, g.Snapshot().Stateless)

	res = g.Process(ctx, Request{Prompt: "p", Embedding: []float64{1, 0}, AcceptanceScore: 0.9})
	assert.True(t, res.Accepted)
	assert.Equal(t, 1, g.cache.Len())
}

func TestProcess_EmergencyShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.MemoryLimitBytes = 100

	var used uint64 = 200
	gen := &genRecorder{response: "ok"}
	g := newTestGovernor(t, cfg, Deps{
		Generate:    gen.fn,
		MemoryProbe: func() uint64 { return used },
	})
	ctx := context.Background()

	req := Request{Prompt: "p", Embedding: []float64{1, 0}, AcceptanceScore: 0.9}

	res := g.Process(ctx, req)
	assert.Equal(t, RejectShutdown, res.RejectedAt)
	assert.ErrorIs(t, res.Err, ErrShutdown)
	assert.True(t, g.Snapshot().Shutdown)

	// The latch holds even if usage recovers, until an operator resets it.
	used = 50
	res = g.Process(ctx, req)
	assert.Equal(t, RejectShutdown, res.RejectedAt)

	g.ResetEmergencyShutdown()
	res = g.Process(ctx, req)
	assert.True(t, res.Accepted)
}

func TestProcess_SpeechGovernor(t *testing.T) {
	gen := &genRecorder{response: "draft"}
	deps := Deps{
		Generate: gen.fn,
		SpeechGovernor: func(ctx context.Context, prompt, draft string) (string, map[string]any, error) {
			return strings.ToUpper(draft), map[string]any{"governed": true}, nil
		},
	}
	g := newTestGovernor(t, testConfig(), deps)

	callerMeta := map[string]any{"source": "caller"}
	res := g.Process(context.Background(), Request{
		Prompt:          "p",
		Embedding:       []float64{1, 0},
		AcceptanceScore: 0.9,
		Metadata:        callerMeta,
	})
	assert.True(t, res.Accepted)
	assert.Equal(t, "DRAFT", res.Response)
	// The governed annotations must not leak back into the caller's map.
	assert.Equal(t, map[string]any{"source": "caller"}, callerMeta)
}

func TestProcess_SpeechGovernorFailureKeepsDraft(t *testing.T) {
	gen := &genRecorder{response: "draft"}
	deps := Deps{
		Generate: gen.fn,
		SpeechGovernor: func(ctx context.Context, prompt, draft string) (string, map[string]any, error) {
			return "", nil, errors.New("governor offline")
		},
	}
	g := newTestGovernor(t, testConfig(), deps)

	res := g.Process(context.Background(), Request{
		Prompt:          "p",
		Embedding:       []float64{1, 0},
		AcceptanceScore: 0.9,
	})
	assert.True(t, res.Accepted)
	assert.Equal(t, "draft", res.Response)
}

func TestProcess_ConsolidationArchivesOnSleep(t *testing.T) {
	cfg := testConfig()
	cfg.DutyCycle = dutycycle.Config{WakeSteps: 2, SleepSteps: 1}

	store, err := archive.New(archive.Config{}, zap.NewNop())
	require.NoError(t, err)

	gen := &genRecorder{response: "remembered"}
	g := newTestGovernor(t, cfg, Deps{Generate: gen.fn, Archive: store})
	ctx := context.Background()

	// Large events push mass through to the slow tier, giving the
	// consolidation pass a non-zero salience query.
	req := Request{Prompt: "p", Embedding: []float64{5, 5}, AcceptanceScore: 0.9}
	require.True(t, g.Process(ctx, req).Accepted)
	require.True(t, g.Process(ctx, req).Accepted) // flips to sleep, consolidates

	assert.Greater(t, store.Len(), 0)

	records, err := store.Recall(ctx, []float64{5, 5}, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "remembered", records[0].Text)
}

func TestProcess_PendingBufferFlush(t *testing.T) {
	cfg := testConfig()
	cfg.PendingBuffer = 3

	gen := &genRecorder{response: "ok"}
	g := newTestGovernor(t, cfg, Deps{Generate: gen.fn})
	ctx := context.Background()

	req := Request{Prompt: "p", Embedding: []float64{1, 0}, AcceptanceScore: 0.9}

	g.Process(ctx, req)
	g.Process(ctx, req)
	assert.Zero(t, g.cache.Len())
	assert.Equal(t, 2, g.Snapshot().Pending)

	// Third write fills the buffer and forces a flush.
	g.Process(ctx, req)
	assert.Equal(t, 3, g.cache.Len())
	assert.Zero(t, g.Snapshot().Pending)
	assert.Equal(t, uint64(3), g.tiered.Updates())
}

func TestProcess_AdaptRelaxesUnderSustainedAcceptance(t *testing.T) {
	cfg := testConfig()
	cfg.AdaptEvery = 1

	gen := &genRecorder{response: "ok"}
	g := newTestGovernor(t, cfg, Deps{Generate: gen.fn})
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		res := g.Process(ctx, Request{Prompt: "p", Embedding: []float64{1, 0}, AcceptanceScore: 0.95})
		require.True(t, res.Accepted)
	}
	assert.Less(t, g.Snapshot().Threshold.Threshold, 0.5)
}

func TestProcessAsync(t *testing.T) {
	gen := &genRecorder{response: "async"}
	g := newTestGovernor(t, testConfig(), Deps{Generate: gen.fn})

	ch := g.ProcessAsync(context.Background(), Request{
		Prompt:          "p",
		Embedding:       []float64{1, 0},
		AcceptanceScore: 0.9,
	})

	select {
	case res := <-ch:
		assert.True(t, res.Accepted)
		assert.Equal(t, "async", res.Response)
	case <-time.After(time.Second):
		t.Fatal("async result not delivered")
	}
}

func TestProcess_Concurrent(t *testing.T) {
	gen := &genRecorder{response: "ok"}
	g := newTestGovernor(t, testConfig(), Deps{Generate: gen.fn})
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				g.Process(ctx, Request{Prompt: "p", Embedding: []float64{1, 0}, AcceptanceScore: 0.9})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(80), g.Snapshot().Step)
}
