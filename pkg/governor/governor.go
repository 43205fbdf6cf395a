// Package governor composes the cognitive memory subsystem around an
// external text-generation function: a tiered decay memory, a
// phase-entangled associative cache, a homeostatic acceptance gate and a
// wake/sleep duty cycle, with a circuit breaker and bounded retry guarding
// the generate call.
//
// The core is synchronous and thread-safe. Each leaf component owns its
// lock; Process never holds a memory lock across the generate call, and
// cross-component consistency follows from the fixed call order rather
// than a multi-component transaction.
package governor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/mneme/internal/archive"
	"github.com/fyrsmithlabs/mneme/internal/dutycycle"
	"github.com/fyrsmithlabs/mneme/internal/lattice"
	"github.com/fyrsmithlabs/mneme/internal/memory"
	"github.com/fyrsmithlabs/mneme/internal/threshold"
)

// governorTracer for OpenTelemetry instrumentation.
var governorTracer = otel.Tracer("mneme.governor")

// Sentinel errors for governor construction and operation.
var (
	// ErrInvalidConfig indicates invalid configuration. Construction-time
	// only: configuration mistakes are programmer errors and fatal.
	ErrInvalidConfig = errors.New("invalid governor configuration")

	// ErrMissingDependency indicates a required collaborator was not
	// supplied at construction.
	ErrMissingDependency = errors.New("missing required dependency")

	// ErrValidation tags bad per-request inputs.
	ErrValidation = errors.New("invalid request input")

	// ErrCircuitOpen is reported when the generate circuit is open.
	ErrCircuitOpen = errors.New("generation circuit open")

	// ErrGenerationFailed is reported when generate fails after retries.
	ErrGenerationFailed = errors.New("generation failed")

	// ErrShutdown is reported while the emergency shutdown latch is set.
	ErrShutdown = errors.New("emergency shutdown active")
)

// Rejection reasons surfaced in the result envelope.
const (
	RejectValidation  = "validation"
	RejectMoral       = "moral_reject"
	RejectSleep       = "sleep_reject"
	RejectCircuitOpen = "circuit_open"
	RejectGeneration  = "generation_failed"
	RejectShutdown    = "shutdown"
)

// GenerateFunc produces text for a prompt. The only externally-variable
// latency in the system; guarded by the circuit breaker and retry policy.
type GenerateFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

// EmbedFunc computes an embedding for text. Optional; when absent, every
// request must carry a precomputed embedding.
type EmbedFunc func(ctx context.Context, text string) ([]float64, error)

// SpeechGovernorFunc optionally post-processes a generated draft.
type SpeechGovernorFunc func(ctx context.Context, prompt, draft string) (string, map[string]any, error)

// MemoryProbeFunc reports current process memory usage for the emergency
// shutdown watchdog. Optional.
type MemoryProbeFunc func() uint64

// Deps holds the external collaborators. Generate is required; everything
// else is optional. Function signatures are checked at construction, not
// per call.
type Deps struct {
	Generate       GenerateFunc
	Embed          EmbedFunc
	SpeechGovernor SpeechGovernorFunc
	MemoryProbe    MemoryProbeFunc
	Archive        *archive.Archive
}

// Config holds the full governor configuration.
type Config struct {
	Memory    memory.Config    `koanf:"memory"`
	Lattice   lattice.Config   `koanf:"lattice"`
	Threshold threshold.Config `koanf:"threshold"`
	DutyCycle dutycycle.Config `koanf:"duty_cycle"`
	Breaker   BreakerConfig    `koanf:"breaker"`
	Retry     RetryConfig      `koanf:"retry"`

	// PhaseTolerance bounds retrieval to entries phase-close to the current
	// duty-cycle phase. Default: 0.5.
	PhaseTolerance float64 `koanf:"phase_tolerance"`

	// MaxTokens is the default generation budget per request. Default: 512.
	MaxTokens int `koanf:"max_tokens"`

	// TopK is the default retrieval depth. Default: 5.
	TopK int `koanf:"top_k"`

	// AdaptEvery adapts the acceptance threshold once per this many
	// accepted events. Default: 4.
	AdaptEvery int `koanf:"adapt_every"`

	// PendingBuffer is the fixed size of the post-generation write buffer.
	// A full buffer forces a synchronous flush instead of growing.
	// Default: 8.
	PendingBuffer int `koanf:"pending_buffer"`

	// StatelessAfter enters degraded stateless mode after this many
	// consecutive memory-subsystem failures. Default: 3.
	StatelessAfter int `koanf:"stateless_after"`

	// ConsolidationMax caps entries promoted per sleep transition.
	// Default: 16.
	ConsolidationMax int `koanf:"consolidation_max"`

	// MemoryLimitBytes triggers emergency shutdown when the memory probe
	// exceeds it. Zero disables the watchdog.
	MemoryLimitBytes uint64 `koanf:"memory_limit_bytes"`

	// GenerateRate caps generate calls per second. Zero disables limiting.
	GenerateRate float64 `koanf:"generate_rate"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	c.Memory.ApplyDefaults()
	c.Lattice.ApplyDefaults()
	c.Threshold.ApplyDefaults()
	c.DutyCycle.ApplyDefaults()
	c.Breaker.ApplyDefaults()
	c.Retry.ApplyDefaults()
	if c.PhaseTolerance == 0 {
		c.PhaseTolerance = 0.5
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 512
	}
	if c.TopK == 0 {
		c.TopK = 5
	}
	if c.AdaptEvery == 0 {
		c.AdaptEvery = 4
	}
	if c.PendingBuffer == 0 {
		c.PendingBuffer = 8
	}
	if c.StatelessAfter == 0 {
		c.StatelessAfter = 3
	}
	if c.ConsolidationMax == 0 {
		c.ConsolidationMax = 16
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Breaker.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if c.Memory.Dim != c.Lattice.Dim {
		return fmt.Errorf("%w: memory dim %d != lattice dim %d",
			ErrInvalidConfig, c.Memory.Dim, c.Lattice.Dim)
	}
	if c.PhaseTolerance <= 0 {
		return fmt.Errorf("%w: phase_tolerance must be positive", ErrInvalidConfig)
	}
	if c.MaxTokens <= 0 || c.TopK <= 0 || c.AdaptEvery <= 0 ||
		c.PendingBuffer <= 0 || c.StatelessAfter <= 0 || c.ConsolidationMax <= 0 {
		return fmt.Errorf("%w: counts must be positive", ErrInvalidConfig)
	}
	if c.GenerateRate < 0 {
		return fmt.Errorf("%w: generate_rate must be non-negative", ErrInvalidConfig)
	}
	return nil
}

// Request is one Process invocation.
type Request struct {
	// Prompt is the text handed to the generate function.
	Prompt string

	// Embedding is the prompt embedding. Optional when an EmbedFunc was
	// supplied at construction.
	Embedding []float64

	// AcceptanceScore is the externally-derived content score in [0,1]
	// gated by the threshold controller.
	AcceptanceScore float64

	// MaxTokens overrides the configured default when positive.
	MaxTokens int

	// TopK overrides the configured retrieval depth when positive.
	TopK int

	// Metadata is opaque and stored alongside the vector.
	Metadata map[string]any
}

// Result is the envelope returned by Process. Every call returns a
// well-formed envelope; operational failures appear as RejectedAt + Err,
// never as a panic or a bare error.
type Result struct {
	ID           string
	Response     string
	Accepted     bool
	Phase        string
	Step         uint64
	Threshold    float64
	ContextItems int
	RejectedAt   string
	Err          error
}

// Status is a cross-component snapshot.
type Status struct {
	Step      uint64
	Phase     dutycycle.Phase
	Threshold threshold.State
	Lattice   lattice.Stats
	Breaker   string
	Stateless bool
	Shutdown  bool
	Pending   int
}

type pendingWrite struct {
	vector   []float64
	phase    float64
	metadata map[string]any
}

// Governor owns one instance of each leaf component. Leaves hold no
// back-reference to the governor.
type Governor struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	tiered  *memory.Tiered
	cache   *lattice.Lattice
	gate    *threshold.Controller
	cycle   *dutycycle.Cycle
	breaker *CircuitBreaker
	retry   retryPolicy
	limiter *rate.Limiter

	step     atomic.Uint64
	shutdown atomic.Bool

	mu          sync.Mutex
	pending     []pendingWrite
	memFailures int
	stateless   bool
	accepted    uint64
}

// New creates a governor. Invalid configuration or a missing generate
// function is fatal here, not at call time.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Governor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Generate == nil {
		return nil, fmt.Errorf("%w: generate function is required", ErrMissingDependency)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	tiered, err := memory.New(cfg.Memory, logger.Named("memory"))
	if err != nil {
		return nil, fmt.Errorf("building tiered memory: %w", err)
	}
	cache, err := lattice.New(cfg.Lattice, logger.Named("lattice"))
	if err != nil {
		return nil, fmt.Errorf("building lattice: %w", err)
	}
	gate, err := threshold.New(cfg.Threshold, logger.Named("threshold"))
	if err != nil {
		return nil, fmt.Errorf("building threshold controller: %w", err)
	}
	cycle, err := dutycycle.New(cfg.DutyCycle, logger.Named("dutycycle"))
	if err != nil {
		return nil, fmt.Errorf("building duty cycle: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.GenerateRate > 0 {
		burst := int(cfg.GenerateRate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.GenerateRate), burst)
	}

	return &Governor{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		tiered:  tiered,
		cache:   cache,
		gate:    gate,
		cycle:   cycle,
		breaker: NewCircuitBreaker(cfg.Breaker),
		retry:   newRetryPolicy(cfg.Retry),
		limiter: limiter,
		pending: make([]pendingWrite, 0, cfg.PendingBuffer),
	}, nil
}

// Process runs one request through the governor. The sequence is: watchdog,
// input validation, acceptance gate, phase gate, context retrieval, guarded
// generation, memory persistence, periodic adaptation, duty-cycle step.
// Each gate short-circuits to a tagged rejection; the duty cycle advances
// on every call so the machine keeps cycling under sustained rejection.
func (g *Governor) Process(ctx context.Context, req Request) Result {
	ctx, span := governorTracer.Start(ctx, "governor.Process")
	defer span.End()
	start := time.Now()
	defer func() {
		processDuration.Observe(time.Since(start).Seconds())
	}()

	res := Result{
		ID:   uuid.NewString(),
		Step: g.step.Add(1),
	}
	defer g.advanceCycle(ctx)

	// Watchdog first: an over-limit process must stop touching memory.
	if g.checkShutdown() {
		return g.reject(res, RejectShutdown, ErrShutdown)
	}

	// Input validation before any gating.
	emb, err := g.resolveEmbedding(ctx, req)
	if err != nil {
		return g.reject(res, RejectValidation, err)
	}

	// Acceptance gate. An out-of-range score is a validation failure, a
	// below-threshold score is an expected moral rejection that feeds the
	// homeostat immediately.
	pass, err := g.gate.Evaluate(req.AcceptanceScore)
	if err != nil {
		return g.reject(res, RejectValidation, fmt.Errorf("%w: %v", ErrValidation, err))
	}
	if !pass {
		g.gate.Adapt(false)
		return g.reject(res, RejectMoral, nil)
	}

	// Phase gate.
	if !g.cycle.IsWake() {
		return g.reject(res, RejectSleep, nil)
	}

	// Context retrieval. Memory failure degrades rather than rejects.
	var matches []lattice.Match
	if !g.isStateless() {
		topK := req.TopK
		if topK <= 0 {
			topK = g.cfg.TopK
		}
		matches, err = g.cache.Retrieve(ctx, emb, g.cycle.PhaseValue(), g.cfg.PhaseTolerance, topK)
		if err != nil {
			g.recordMemFailure(err)
			matches = nil
		} else {
			g.resetMemFailures()
		}
	}
	res.ContextItems = len(matches)

	// Guarded generation. No memory lock is held here.
	if !g.breaker.Allow() {
		return g.reject(res, RejectCircuitOpen, ErrCircuitOpen)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.cfg.MaxTokens
	}
	prompt := buildPrompt(req.Prompt, matches)

	var output string
	genErr := g.retry.do(ctx, func(ctx context.Context) error {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		out, err := g.deps.Generate(ctx, prompt, maxTokens)
		if err != nil {
			return err
		}
		output = out
		return nil
	})
	if genErr != nil {
		g.breaker.RecordFailure()
		generationFailures.Inc()
		span.RecordError(genErr)
		return g.reject(res, RejectGeneration, fmt.Errorf("%w: %v", ErrGenerationFailed, genErr))
	}
	g.breaker.RecordSuccess()

	if g.deps.SpeechGovernor != nil {
		governed, md, err := g.deps.SpeechGovernor(ctx, req.Prompt, output)
		if err != nil {
			// The draft already passed the acceptance gate; keep it.
			g.logger.Warn("speech governor failed, keeping draft", zap.Error(err))
		} else {
			output = governed
			if md != nil {
				// Merge into a fresh map; the caller's map is not ours
				// to mutate.
				merged := make(map[string]any, len(req.Metadata)+len(md))
				for k, v := range req.Metadata {
					merged[k] = v
				}
				for k, v := range md {
					merged[k] = v
				}
				req.Metadata = merged
			}
		}
	}

	// Persist only after a successful generation, so a failed call never
	// leaves a partial write behind.
	if !g.isStateless() {
		g.enqueueWrite(ctx, emb, req.Metadata, output)
	}

	g.recordAccepted()

	res.Response = output
	res.Accepted = true
	span.SetAttributes(
		attribute.Int("context_items", res.ContextItems),
		attribute.Bool("accepted", true),
	)
	acceptedTotal.Inc()
	return g.finalize(res)
}

// resolveEmbedding returns a validated prompt embedding, computing it via
// the embed dependency when the request omits one.
func (g *Governor) resolveEmbedding(ctx context.Context, req Request) ([]float64, error) {
	emb := req.Embedding
	if emb == nil {
		if g.deps.Embed == nil {
			return nil, fmt.Errorf("%w: no embedding supplied and no embed function configured", ErrValidation)
		}
		computed, err := g.deps.Embed(ctx, req.Prompt)
		if err != nil {
			return nil, fmt.Errorf("%w: embedding prompt: %v", ErrValidation, err)
		}
		emb = computed
	}
	if len(emb) != g.cfg.Lattice.Dim {
		return nil, fmt.Errorf("%w: embedding dimension %d, want %d", ErrValidation, len(emb), g.cfg.Lattice.Dim)
	}
	for i, v := range emb {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: embedding component %d is not finite", ErrValidation, i)
		}
	}
	return emb, nil
}

// enqueueWrite appends to the pending buffer, forcing a synchronous early
// flush when the buffer is full instead of growing it.
func (g *Governor) enqueueWrite(ctx context.Context, emb []float64, md map[string]any, output string) {
	stored := make(map[string]any, len(md)+1)
	for k, v := range md {
		stored[k] = v
	}
	stored["text"] = output

	g.mu.Lock()
	g.pending = append(g.pending, pendingWrite{
		vector:   append([]float64(nil), emb...),
		phase:    g.cycle.PhaseValue(),
		metadata: stored,
	})
	full := len(g.pending) >= g.cfg.PendingBuffer
	g.mu.Unlock()

	if full {
		g.Flush(ctx)
	}
}

// Flush drains the pending buffer into the tiered memory and the lattice.
// Batch insertion amortizes lock and checksum overhead.
func (g *Governor) Flush(ctx context.Context) {
	g.mu.Lock()
	if len(g.pending) == 0 {
		g.mu.Unlock()
		return
	}
	batch := g.pending
	g.pending = make([]pendingWrite, 0, g.cfg.PendingBuffer)
	g.mu.Unlock()

	vectors := make([][]float64, len(batch))
	phases := make([]float64, len(batch))
	metadata := make([]map[string]any, len(batch))
	for i, w := range batch {
		vectors[i] = w.vector
		phases[i] = w.phase
		metadata[i] = w.metadata
	}

	if _, err := g.cache.EntangleBatch(ctx, vectors, phases, metadata); err != nil {
		g.recordMemFailure(err)
	}
	for _, w := range batch {
		if err := g.tiered.Update(w.vector); err != nil {
			g.recordMemFailure(err)
			break
		}
	}
	pendingFlushes.Inc()
}

// advanceCycle steps the duty cycle and runs consolidation when the
// machine flips into sleep.
func (g *Governor) advanceCycle(ctx context.Context) {
	flipped, phase := g.cycle.Step()
	if flipped && phase == dutycycle.Sleep {
		g.consolidate(ctx)
	}
}

// consolidate runs the sleep-phase pass: flush pending writes, then
// promote the most salient cache entries (scored against the slow tier)
// into the long-term archive.
func (g *Governor) consolidate(ctx context.Context) {
	ctx, span := governorTracer.Start(ctx, "governor.consolidate")
	defer span.End()

	g.Flush(ctx)
	consolidationsTotal.Inc()

	if g.deps.Archive == nil || g.isStateless() {
		return
	}

	_, _, l3 := g.tiered.Snapshot()
	// Salience is similarity to the slow tier; tolerance spans both phases
	// so wake-tagged entries qualify during the sleep pass.
	matches, err := g.cache.Retrieve(ctx, l3, g.cycle.PhaseValue(), 2.0, g.cfg.ConsolidationMax)
	if err != nil {
		g.recordMemFailure(err)
		return
	}
	if len(matches) == 0 {
		return
	}

	entries := make([]archive.Entry, 0, len(matches))
	for _, m := range matches {
		text, _ := m.Metadata["text"].(string)
		entries = append(entries, archive.Entry{
			ID:       m.ID,
			Vector:   m.Vector,
			Phase:    m.Phase,
			Salience: m.Score,
			Text:     text,
		})
	}
	if err := g.deps.Archive.Archive(ctx, entries); err != nil {
		g.logger.Error("consolidation archive failed", zap.Error(err))
		return
	}
	g.logger.Info("consolidation pass complete",
		zap.Int("promoted", len(entries)))
}

// checkShutdown consults the latch and the memory watchdog.
func (g *Governor) checkShutdown() bool {
	if g.shutdown.Load() {
		return true
	}
	if g.cfg.MemoryLimitBytes > 0 && g.deps.MemoryProbe != nil {
		if used := g.deps.MemoryProbe(); used > g.cfg.MemoryLimitBytes {
			g.shutdown.Store(true)
			g.logger.Error("memory watchdog tripped, entering emergency shutdown",
				zap.Uint64("used_bytes", used),
				zap.Uint64("limit_bytes", g.cfg.MemoryLimitBytes))
			return true
		}
	}
	return false
}

// recordAccepted counts an accepted event and adapts the threshold every
// AdaptEvery acceptances.
func (g *Governor) recordAccepted() {
	g.mu.Lock()
	g.accepted++
	adapt := g.accepted%uint64(g.cfg.AdaptEvery) == 0
	g.mu.Unlock()

	if adapt {
		g.gate.Adapt(true)
	}
}

// recordMemFailure counts a memory-subsystem failure; past the limit the
// governor degrades to stateless mode instead of failing every request.
func (g *Governor) recordMemFailure(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.memFailures++
	if g.memFailures >= g.cfg.StatelessAfter && !g.stateless {
		g.stateless = true
		statelessGauge.Set(1)
		g.logger.Error("memory subsystem failing, entering stateless mode",
			zap.Int("consecutive_failures", g.memFailures),
			zap.Error(err))
		return
	}
	g.logger.Warn("memory subsystem failure",
		zap.Int("consecutive_failures", g.memFailures),
		zap.Error(err))
}

func (g *Governor) resetMemFailures() {
	g.mu.Lock()
	if !g.stateless {
		g.memFailures = 0
	}
	g.mu.Unlock()
}

func (g *Governor) isStateless() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateless
}

// ResetStateless clears stateless mode after an operator intervenes.
func (g *Governor) ResetStateless() {
	g.mu.Lock()
	g.stateless = false
	g.memFailures = 0
	g.mu.Unlock()
	statelessGauge.Set(0)
	g.logger.Info("stateless mode cleared")
}

// ResetEmergencyShutdown clears the watchdog latch.
func (g *Governor) ResetEmergencyShutdown() {
	g.shutdown.Store(false)
	g.logger.Info("emergency shutdown cleared")
}

// Snapshot returns a copied cross-component status. No internal mutable
// state escapes.
func (g *Governor) Snapshot() Status {
	g.mu.Lock()
	stateless := g.stateless
	pending := len(g.pending)
	g.mu.Unlock()

	return Status{
		Step:      g.step.Load(),
		Phase:     g.cycle.Phase(),
		Threshold: g.gate.Snapshot(),
		Lattice:   g.cache.Snapshot(),
		Breaker:   g.breaker.State(),
		Stateless: stateless,
		Shutdown:  g.shutdown.Load(),
		Pending:   pending,
	}
}

// reject finalizes a rejection envelope.
func (g *Governor) reject(res Result, reason string, err error) Result {
	res.RejectedAt = reason
	res.Err = err
	rejectionsTotal.WithLabelValues(reason).Inc()
	return g.finalize(res)
}

// finalize stamps the envelope with current phase and threshold.
func (g *Governor) finalize(res Result) Result {
	res.Phase = string(g.cycle.Phase())
	res.Threshold = g.gate.Snapshot().Threshold
	return res
}

// buildPrompt prepends retrieved context to the caller's prompt.
func buildPrompt(prompt string, matches []lattice.Match) string {
	if len(matches) == 0 {
		return prompt
	}

	var sb strings.Builder
	sb.WriteString("Relevant prior context:\n")
	for _, m := range matches {
		text, ok := m.Metadata["text"].(string)
		if !ok || text == "" {
			continue
		}
		sb.WriteString("- ")
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(prompt)
	return sb.String()
}
