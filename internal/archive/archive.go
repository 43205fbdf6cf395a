// Package archive persists consolidated lattice entries across process
// restarts using chromem-go, an embeddable pure-Go vector database.
// Vectors arrive precomputed; the archive never calls an embedding model.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// Sentinel errors for archive operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid archive configuration")

	// ErrEmptyBatch indicates an empty consolidation batch.
	ErrEmptyBatch = errors.New("empty consolidation batch")
)

// Config holds configuration for the archive.
type Config struct {
	// Path is the directory for persistent storage. Empty means in-memory
	// only (useful for tests and ephemeral deployments).
	Path string `koanf:"path"`

	// Compress enables gzip compression for stored data.
	Compress bool `koanf:"compress"`

	// Collection is the chromem collection name.
	// Default: "mneme_consolidated"
	Collection string `koanf:"collection"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "mneme_consolidated"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Collection == "" {
		return fmt.Errorf("%w: collection name is required", ErrInvalidConfig)
	}
	return nil
}

// Entry is a vector handed to the archive for long-term storage.
type Entry struct {
	ID       string
	Vector   []float64
	Phase    float64
	Salience float64
	Text     string
}

// Record is a recalled archive entry.
type Record struct {
	ID         string
	Vector     []float64
	Phase      float64
	Text       string
	Similarity float64
}

// Archive is the persistent long-term store fed by sleep-phase
// consolidation.
type Archive struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     *zap.Logger
}

// New creates an archive from config. With a non-empty path the underlying
// database persists to disk and reloads on restart.
func New(cfg Config, logger *zap.Logger) (*Archive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
		}
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	// Embeddings are always supplied by the caller; the embedding func must
	// never run.
	col, err := db.GetOrCreateCollection(cfg.Collection, nil, rejectEmbedding)
	if err != nil {
		return nil, fmt.Errorf("creating collection %s: %w", cfg.Collection, err)
	}

	logger.Info("archive ready",
		zap.String("collection", cfg.Collection),
		zap.Int("records", col.Count()))

	return &Archive{db: db, collection: col, logger: logger}, nil
}

// rejectEmbedding guards against accidental embedding computation.
func rejectEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("archive: embeddings must be precomputed")
}

// Archive stores a consolidation batch.
func (a *Archive) Archive(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return ErrEmptyBatch
	}

	docs := make([]chromem.Document, 0, len(entries))
	for _, e := range entries {
		emb := make([]float32, len(e.Vector))
		for i, v := range e.Vector {
			emb[i] = float32(v)
		}
		docs = append(docs, chromem.Document{
			ID: e.ID,
			Metadata: map[string]string{
				"phase":    strconv.FormatFloat(e.Phase, 'g', -1, 64),
				"salience": strconv.FormatFloat(e.Salience, 'g', -1, 64),
			},
			Embedding: emb,
			Content:   e.Text,
		})
	}

	if err := a.collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("archiving %d entries: %w", len(entries), err)
	}

	a.logger.Info("consolidated entries archived",
		zap.Int("count", len(entries)),
		zap.Int("total", a.collection.Count()))
	return nil
}

// Recall returns up to k archived records most similar to the query vector.
func (a *Archive) Recall(ctx context.Context, query []float64, k int) ([]Record, error) {
	count := a.collection.Count()
	if count == 0 || k <= 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	emb := make([]float32, len(query))
	for i, v := range query {
		emb[i] = float32(v)
	}

	results, err := a.collection.QueryEmbedding(ctx, emb, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying archive: %w", err)
	}

	records := make([]Record, 0, len(results))
	for _, r := range results {
		vec := make([]float64, len(r.Embedding))
		for i, v := range r.Embedding {
			vec[i] = float64(v)
		}
		phase, _ := strconv.ParseFloat(r.Metadata["phase"], 64)
		records = append(records, Record{
			ID:         r.ID,
			Vector:     vec,
			Phase:      phase,
			Text:       r.Content,
			Similarity: float64(r.Similarity),
		})
	}
	return records, nil
}

// Len returns the number of archived records.
func (a *Archive) Len() int {
	return a.collection.Count()
}
