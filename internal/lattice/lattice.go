// Package lattice implements the phase-entangled lattice memory (PELM):
// a fixed-capacity, phase-tagged vector store with similarity-ranked
// retrieval, ring-buffer eviction and checksum-based corruption detection.
package lattice

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// latticeTracer for OpenTelemetry instrumentation.
var latticeTracer = otel.Tracer("mneme.lattice")

// Sentinel errors for lattice operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid lattice configuration")

	// ErrDimensionMismatch is returned when a vector does not match the
	// configured dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrNonFinite is returned when a vector contains NaN or Inf.
	ErrNonFinite = errors.New("vector contains non-finite component")

	// ErrLockTimeout is returned when the internal lock could not be
	// acquired within the configured timeout. Retryable.
	ErrLockTimeout = errors.New("lattice lock acquisition timed out")

	// ErrInvalidQuery is returned for bad retrieval parameters.
	ErrInvalidQuery = errors.New("invalid retrieval parameters")
)

// Config holds configuration for the lattice.
type Config struct {
	// Capacity is the fixed slot count. Once full, the oldest entry is
	// overwritten (eviction, not an error).
	Capacity int `koanf:"capacity"`

	// Dim is the vector dimension.
	Dim int `koanf:"dim"`

	// ChecksumInterval is how many writes may elapse between aggregate
	// checksum refreshes. Higher values trade corruption-detection latency
	// for write throughput. Default: 100.
	ChecksumInterval int `koanf:"checksum_interval"`

	// LockTimeout bounds lock acquisition. Default: 2s.
	LockTimeout time.Duration `koanf:"lock_timeout"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Capacity == 0 {
		c.Capacity = 1024
	}
	if c.Dim == 0 {
		c.Dim = 384
	}
	if c.ChecksumInterval == 0 {
		c.ChecksumInterval = 100
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = 2 * time.Second
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, c.Capacity)
	}
	if c.Dim <= 0 {
		return fmt.Errorf("%w: dim must be positive, got %d", ErrInvalidConfig, c.Dim)
	}
	if c.ChecksumInterval < 1 {
		return fmt.Errorf("%w: checksum_interval must be at least 1, got %d", ErrInvalidConfig, c.ChecksumInterval)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("%w: lock_timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// entry is a stored lattice slot. Entries are owned by the lattice and
// never handed out; retrieval returns copies.
type entry struct {
	id       string
	vector   []float64
	phase    float64
	metadata map[string]any
	seq      uint64
	digest   uint64
	occupied bool
}

// Match is a retrieval result. Vector and Metadata are copies.
type Match struct {
	ID       string
	Score    float64
	Vector   []float64
	Phase    float64
	Metadata map[string]any
}

// Stats is an aggregate snapshot of lattice state.
type Stats struct {
	Size             int
	Capacity         int
	Writes           uint64
	Evictions        uint64
	CorruptionEvents uint64
	RecoveredSlots   uint64
}

// Lattice is the phase-entangled associative cache.
//
// Mutable state is guarded by a channel-based lock so acquisition can be
// bounded by Config.LockTimeout; a sync.Mutex offers no bounded acquire.
// Every exit path releases the lock, including validation failures.
type Lattice struct {
	cfg    Config
	logger *zap.Logger

	lockCh chan struct{}

	slots  []entry
	next   int    // next ring-buffer slot to write
	size   int    // occupied slots, <= capacity
	seq    uint64 // monotonically increasing insertion order
	writes uint64

	// Integrity state. aggregate is the xor of per-slot digests as of the
	// last refresh; writesSinceSum counts writes since then; corrupt is
	// latched by DetectCorruption and cleared by AutoRecover.
	aggregate     uint64
	writesSinceSum int
	corrupt       bool

	evictions      uint64
	corruptionHits uint64
	recoveredSlots uint64
}

// New creates a lattice from config.
func New(cfg Config, logger *zap.Logger) (*Lattice, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &Lattice{
		cfg:    cfg,
		logger: logger,
		lockCh: make(chan struct{}, 1),
		slots:  make([]entry, cfg.Capacity),
	}, nil
}

// acquire takes the lattice lock, honoring context cancellation and the
// configured timeout.
func (l *Lattice) acquire(ctx context.Context) error {
	select {
	case l.lockCh <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(l.cfg.LockTimeout)
	defer timer.Stop()

	select {
	case l.lockCh <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
	case <-timer.C:
		lockTimeouts.Inc()
		return fmt.Errorf("%w: after %s", ErrLockTimeout, l.cfg.LockTimeout)
	}
}

func (l *Lattice) release() { <-l.lockCh }

// Entangle writes a vector into the next ring-buffer slot, evicting the
// oldest entry once the lattice is full. Returns the slot index written.
func (l *Lattice) Entangle(ctx context.Context, vec []float64, phase float64, metadata map[string]any) (int, error) {
	ctx, span := latticeTracer.Start(ctx, "lattice.Entangle")
	defer span.End()

	if err := l.validateVector(vec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return 0, err
	}
	if err := l.acquire(ctx); err != nil {
		span.RecordError(err)
		return 0, err
	}
	defer l.release()

	slot := l.writeLocked(vec, phase, metadata)
	l.maybeRefreshChecksumLocked(1)

	span.SetAttributes(attribute.Int("slot", slot), attribute.Int("size", l.size))
	entanglements.Inc()
	entriesGauge.Set(float64(l.size))
	return slot, nil
}

// EntangleBatch inserts a sequence of vectors under a single lock
// acquisition and a single checksum refresh, amortizing per-item overhead.
// Phases must be the same length as vectors; metadata is optional and, when
// given, also index-aligned.
func (l *Lattice) EntangleBatch(ctx context.Context, vectors [][]float64, phases []float64, metadata []map[string]any) ([]int, error) {
	ctx, span := latticeTracer.Start(ctx, "lattice.EntangleBatch")
	defer span.End()

	if len(vectors) != len(phases) {
		return nil, fmt.Errorf("%w: %d vectors, %d phases", ErrInvalidQuery, len(vectors), len(phases))
	}
	if metadata != nil && len(metadata) != len(vectors) {
		return nil, fmt.Errorf("%w: %d vectors, %d metadata", ErrInvalidQuery, len(vectors), len(metadata))
	}
	for _, vec := range vectors {
		if err := l.validateVector(vec); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "validation failed")
			return nil, err
		}
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	if err := l.acquire(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer l.release()

	slots := make([]int, len(vectors))
	for i, vec := range vectors {
		var md map[string]any
		if metadata != nil {
			md = metadata[i]
		}
		slots[i] = l.writeLocked(vec, phases[i], md)
	}
	l.maybeRefreshChecksumLocked(len(vectors))

	span.SetAttributes(attribute.Int("batch_size", len(vectors)))
	entanglements.Add(float64(len(vectors)))
	entriesGauge.Set(float64(l.size))
	return slots, nil
}

// writeLocked stores one entry at the ring cursor. Caller holds the lock.
func (l *Lattice) writeLocked(vec []float64, phase float64, metadata map[string]any) int {
	slot := l.next
	if l.slots[slot].occupied {
		l.evictions++
		evictionsTotal.Inc()
	} else {
		l.size++
	}

	l.seq++
	stored := entry{
		id:       uuid.NewString(),
		vector:   append([]float64(nil), vec...),
		phase:    phase,
		metadata: copyMetadata(metadata),
		seq:      l.seq,
		occupied: true,
	}
	stored.digest = slotDigest(stored.vector, stored.phase, stored.seq)
	l.slots[slot] = stored

	l.next = (l.next + 1) % l.cfg.Capacity
	l.writes++
	l.writesSinceSum++
	return slot
}

// Retrieve returns up to topK entries ranked by cosine similarity times
// phase closeness. Entries whose phase differs from currentPhase by more
// than tolerance score zero and are excluded. An empty store or no
// qualifying entry yields an empty result, not an error.
//
// If corruption has been detected and not yet recovered, recovery runs
// first; unverified data is never served as valid.
func (l *Lattice) Retrieve(ctx context.Context, query []float64, currentPhase, tolerance float64, topK int) ([]Match, error) {
	ctx, span := latticeTracer.Start(ctx, "lattice.Retrieve")
	defer span.End()

	if err := l.validateVector(query); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}
	if topK <= 0 || tolerance <= 0 || math.IsNaN(currentPhase) {
		return nil, fmt.Errorf("%w: top_k=%d tolerance=%g", ErrInvalidQuery, topK, tolerance)
	}

	if err := l.acquire(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer l.release()

	if l.corrupt {
		cleared := l.recoverLocked()
		l.logger.Warn("lattice: recovered before retrieval",
			zap.Int("cleared_slots", cleared))
	}

	matches := make([]Match, 0, topK)
	type scored struct {
		m   Match
		seq uint64
	}
	candidates := make([]scored, 0, l.size)

	for i := range l.slots {
		e := &l.slots[i]
		if !e.occupied {
			continue
		}
		// Phase tolerance is the only exclusion; an in-tolerance entry
		// qualifies even at zero or negative similarity and simply ranks low.
		closeness := phaseCloseness(e.phase, currentPhase, tolerance)
		if closeness <= 0 {
			continue
		}
		score := cosineSimilarity(query, e.vector) * closeness
		candidates = append(candidates, scored{
			m: Match{
				ID:       e.id,
				Score:    score,
				Vector:   append([]float64(nil), e.vector...),
				Phase:    e.phase,
				Metadata: copyMetadata(e.metadata),
			},
			seq: e.seq,
		})
	}

	// Descending score; ties broken by most recent insertion.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].m.Score != candidates[j].m.Score {
			return candidates[i].m.Score > candidates[j].m.Score
		}
		return candidates[i].seq > candidates[j].seq
	})

	for i := 0; i < len(candidates) && i < topK; i++ {
		matches = append(matches, candidates[i].m)
	}

	span.SetAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.Int("returned", len(matches)),
	)
	retrievals.Inc()
	return matches, nil
}

// Len returns the number of occupied slots. If the lock cannot be
// acquired within the configured timeout it returns 0.
func (l *Lattice) Len() int {
	if err := l.acquire(context.Background()); err != nil {
		l.logger.Warn("len skipped, lock busy", zap.Error(err))
		return 0
	}
	defer l.release()
	return l.size
}

// Capacity returns the fixed slot count.
func (l *Lattice) Capacity() int { return l.cfg.Capacity }

// Snapshot returns aggregate counters. If the lock cannot be acquired
// within the configured timeout it returns the zero value.
func (l *Lattice) Snapshot() Stats {
	if err := l.acquire(context.Background()); err != nil {
		l.logger.Warn("snapshot skipped, lock busy", zap.Error(err))
		return Stats{}
	}
	defer l.release()
	return Stats{
		Size:             l.size,
		Capacity:         l.cfg.Capacity,
		Writes:           l.writes,
		Evictions:        l.evictions,
		CorruptionEvents: l.corruptionHits,
		RecoveredSlots:   l.recoveredSlots,
	}
}

// validateVector checks dimension and finiteness.
func (l *Lattice) validateVector(v []float64) error {
	if len(v) != l.cfg.Dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), l.cfg.Dim)
	}
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: component %d", ErrNonFinite, i)
		}
	}
	return nil
}

// phaseCloseness is max(0, 1 - |dPhase| / tolerance).
func phaseCloseness(entryPhase, currentPhase, tolerance float64) float64 {
	d := math.Abs(entryPhase - currentPhase)
	c := 1 - d/tolerance
	if c < 0 {
		return 0
	}
	return c
}

// cosineSimilarity between two equal-length vectors. Zero vectors score 0.
func cosineSimilarity(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func copyMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
