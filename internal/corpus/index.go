// Package corpus owns the policy corpus and its precomputed embeddings.
//
// An Index serves immutable snapshots. Each snapshot pairs the entries with
// the embedder instance that produced their vectors, so a query is always
// embedded by the same configuration as the corpus it is compared with.
// Reload builds a complete new snapshot and swaps it in atomically.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"policyrag/internal/domain"
	"policyrag/internal/embedding"
)

// EmbedderFactory returns an embedder ready to be prepared for a new snapshot.
type EmbedderFactory func() (domain.Embedder, error)

// Snapshot is one immutable version of the corpus index.
type Snapshot struct {
	Version  int
	Entries  []domain.PolicyEntry
	Vectors  [][]float64
	Embedder domain.Embedder
	BuiltAt  time.Time
}

// Index holds the current snapshot. Reads are lock-free.
type Index struct {
	current atomic.Pointer[Snapshot]
	source  Source
	factory EmbedderFactory
	group   singleflight.Group
	logger  *zap.Logger
}

// NewIndex loads the source and builds the first snapshot. Any entry that
// fails to embed aborts construction.
func NewIndex(ctx context.Context, source Source, factory EmbedderFactory, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	idx := &Index{source: source, factory: factory, logger: logger}
	if _, err := idx.rebuild(ctx, 1); err != nil {
		return nil, err
	}
	return idx, nil
}

// Snapshot returns the current snapshot.
func (i *Index) Snapshot() *Snapshot {
	return i.current.Load()
}

// Reload re-reads the source and swaps in a freshly embedded snapshot.
// Concurrent calls share one rebuild. On failure the previous snapshot stays.
func (i *Index) Reload(ctx context.Context) (*Snapshot, error) {
	v, err, shared := i.group.Do("reload", func() (any, error) {
		next := 1
		if cur := i.current.Load(); cur != nil {
			next = cur.Version + 1
		}
		return i.rebuild(ctx, next)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		i.logger.Debug("corpus reload coalesced")
	}
	return v.(*Snapshot), nil
}

func (i *Index) rebuild(ctx context.Context, version int) (*Snapshot, error) {
	entries, err := i.source(ctx)
	if err != nil {
		return nil, fmt.Errorf("load corpus: %w", err)
	}
	snap, err := Build(ctx, entries, i.factory)
	if err != nil {
		i.logger.Error("corpus build failed", zap.Int("version", version), zap.Error(err))
		return nil, err
	}
	snap.Version = version
	i.current.Store(snap)
	i.logger.Info("corpus index ready",
		zap.Int("version", snap.Version),
		zap.Int("entries", len(snap.Entries)),
		zap.String("embedder", snap.Embedder.Name()),
		zap.Int("dimension", snap.Embedder.Dimension()))
	return snap, nil
}

// Build embeds every entry's lower-cased search text exactly once and returns
// an unversioned snapshot.
func Build(ctx context.Context, entries []domain.PolicyEntry, factory EmbedderFactory) (*Snapshot, error) {
	if len(entries) == 0 {
		return nil, domain.MalformedCorpus("build index", errors.New("empty corpus"))
	}
	texts := make([]string, len(entries))
	for j, e := range entries {
		t := strings.ToLower(strings.TrimSpace(e.SearchText))
		if t == "" {
			return nil, domain.MalformedCorpus("build index", fmt.Errorf("entry %d has empty search text", e.ID))
		}
		texts[j] = t
	}

	emb, err := factory()
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	if err := emb.Prepare(texts); err != nil {
		return nil, domain.MalformedCorpus("prepare "+emb.Name(), err)
	}
	vectors, err := emb.EmbedBatch(ctx, texts)
	if err != nil {
		if errors.Is(err, domain.ErrDependencyUnavailable) {
			return nil, err
		}
		return nil, domain.MalformedCorpus("embed corpus", err)
	}
	if len(vectors) != len(entries) {
		return nil, domain.MalformedCorpus("embed corpus",
			fmt.Errorf("embedder returned %d vectors for %d entries", len(vectors), len(entries)))
	}
	dim := len(vectors[0])
	for j, v := range vectors {
		if len(v) != dim || dim == 0 {
			return nil, domain.MalformedCorpus("embed corpus",
				fmt.Errorf("entry %d has dimension %d, want %d", entries[j].ID, len(v), dim))
		}
		if embedding.IsZero(v) {
			return nil, domain.MalformedCorpus("embed corpus",
				fmt.Errorf("entry %d embedded to a zero vector", entries[j].ID))
		}
	}

	frozen := make([]domain.PolicyEntry, len(entries))
	copy(frozen, entries)
	return &Snapshot{Entries: frozen, Vectors: vectors, Embedder: emb, BuiltAt: time.Now()}, nil
}
