package retrieval

import (
	"context"
	"errors"
	"sort"

	"policyrag/internal/corpus"
	"policyrag/internal/domain"
	"policyrag/internal/embedding"
)

// SnapshotSource yields the corpus snapshot to score against.
type SnapshotSource interface {
	Snapshot() *corpus.Snapshot
}

// Scorer ranks every corpus entry by cosine similarity to a query.
type Scorer struct {
	index SnapshotSource
}

// NewScorer creates a Scorer over the given index.
func NewScorer(index SnapshotSource) *Scorer {
	return &Scorer{index: index}
}

// Rank embeds the normalized query with the snapshot's own embedder and
// returns all entries ordered by descending score. Ties keep corpus order.
func (s *Scorer) Rank(ctx context.Context, normalized string) ([]domain.ScoredEntry, error) {
	snap := s.index.Snapshot()
	if snap == nil {
		return nil, domain.Unavailable("rank", errors.New("corpus index not built"))
	}
	vec, err := snap.Embedder.Embed(ctx, normalized)
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, domain.Unavailable("embed query", err)
	}
	return rankSnapshot(snap, vec), nil
}

func rankSnapshot(snap *corpus.Snapshot, query []float64) []domain.ScoredEntry {
	scored := make([]domain.ScoredEntry, len(snap.Entries))
	for i, entry := range snap.Entries {
		scored[i] = domain.ScoredEntry{Entry: entry, Score: embedding.CosineSimilarity(query, snap.Vectors[i])}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored
}
