package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"policyrag/internal/corpus"
	"policyrag/internal/domain"
	"policyrag/internal/embedding/tfidf"
	"policyrag/internal/normalize"
)

type fixedRanker struct {
	ranked []domain.ScoredEntry
	err    error
	calls  int
	seen   []string
}

func (f *fixedRanker) Rank(_ context.Context, normalized string) ([]domain.ScoredEntry, error) {
	f.calls++
	f.seen = append(f.seen, normalized)
	return f.ranked, f.err
}

func scored(scores ...float64) []domain.ScoredEntry {
	out := make([]domain.ScoredEntry, len(scores))
	for i, s := range scores {
		out[i] = domain.ScoredEntry{
			Entry: domain.NewPolicyEntry(i+1, "", "search", "passage "+string(rune('A'+i))),
			Score: s,
		}
	}
	return out
}

type staticIndex struct{ snap *corpus.Snapshot }

func (s staticIndex) Snapshot() *corpus.Snapshot { return s.snap }

// failingEmbedder is prepared but cannot embed queries.
type failingEmbedder struct{ err error }

func (f failingEmbedder) Name() string           { return "failing" }
func (f failingEmbedder) Prepare([]string) error { return nil }
func (f failingEmbedder) Dimension() int         { return 1 }
func (f failingEmbedder) Embed(context.Context, string) ([]float64, error) {
	return nil, f.err
}
func (f failingEmbedder) EmbedBatch(context.Context, []string) ([][]float64, error) {
	return nil, f.err
}

func builtinGate(t *testing.T) (*Gate, *Scorer) {
	t.Helper()
	idx, err := corpus.NewIndex(context.Background(), corpus.Static(corpus.Builtin()),
		func() (domain.Embedder, error) { return tfidf.NewEmbedder(), nil }, zaptest.NewLogger(t))
	require.NoError(t, err)
	scorer := NewScorer(idx)
	return NewGate(normalize.New(normalize.DefaultRules()), scorer, DefaultConfig(), zaptest.NewLogger(t)), scorer
}

func TestGate_GreetingBypassesRetrieval(t *testing.T) {
	ranker := &fixedRanker{ranked: scored(0.9)}
	g := NewGate(normalize.New(nil), ranker, DefaultConfig(), zaptest.NewLogger(t))

	for _, q := range []string{"hi", "  Hello ", "GOOD MORNING", "hey\n"} {
		d, err := g.Decide(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, domain.DecisionGreeting, d.Kind, q)
	}
	assert.Zero(t, ranker.calls)
}

func TestGate_GreetingIsExactMatch(t *testing.T) {
	ranker := &fixedRanker{ranked: scored(0.1)}
	g := NewGate(normalize.New(nil), ranker, DefaultConfig(), zaptest.NewLogger(t))

	d, err := g.Decide(context.Background(), "hi, how long is maternity leave")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRefused, d.Kind)
	assert.Equal(t, 1, ranker.calls)
}

func TestGate_RefusesBelowGateThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GateThreshold = 0.3
	g := NewGate(normalize.New(nil), &fixedRanker{ranked: scored(0.2999, 0.1)}, cfg, zaptest.NewLogger(t))

	d, err := g.Decide(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRefused, d.Kind)
	assert.Empty(t, d.Context)
	assert.InDelta(t, 0.2999, d.TopScore, 1e-12)
}

func TestGate_TopScoreEqualToGatePasses(t *testing.T) {
	cfg := Config{GateThreshold: 0.3, InclusionThreshold: 0.2, TopK: 2}
	g := NewGate(normalize.New(nil), &fixedRanker{ranked: scored(0.3, 0.25)}, cfg, zaptest.NewLogger(t))

	d, err := g.Decide(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAnswerable, d.Kind)
	assert.Equal(t, []string{"passage A", "passage B"}, d.Context)
}

func TestGate_InclusionIsStrictAndBoundedByTopK(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		scores []float64
		want   []string
	}{
		{
			name:   "second passage below inclusion",
			cfg:    Config{GateThreshold: 0.3, InclusionThreshold: 0.28, TopK: 2},
			scores: []float64{0.6, 0.28, 0.1},
			want:   []string{"passage A"},
		},
		{
			name:   "top-k limits context",
			cfg:    Config{GateThreshold: 0.3, InclusionThreshold: 0.1, TopK: 2},
			scores: []float64{0.9, 0.8, 0.7},
			want:   []string{"passage A", "passage B"},
		},
		{
			name:   "top-k of one",
			cfg:    Config{GateThreshold: 0.3, InclusionThreshold: 0.1, TopK: 1},
			scores: []float64{0.9, 0.8},
			want:   []string{"passage A"},
		},
		{
			name:   "top-k larger than corpus",
			cfg:    Config{GateThreshold: 0.3, InclusionThreshold: 0.1, TopK: 10},
			scores: []float64{0.5, 0.4},
			want:   []string{"passage A", "passage B"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(normalize.New(nil), &fixedRanker{ranked: scored(tt.scores...)}, tt.cfg, zaptest.NewLogger(t))
			d, err := g.Decide(context.Background(), "q")
			require.NoError(t, err)
			require.Equal(t, domain.DecisionAnswerable, d.Kind)
			assert.Equal(t, tt.want, d.Context)
			for i, p := range d.Passages {
				assert.Greater(t, p.Score, tt.cfg.InclusionThreshold)
				if i > 0 {
					assert.GreaterOrEqual(t, d.Passages[i-1].Score, p.Score)
				}
			}
		})
	}
}

func TestGate_InconsistentThresholdsRefuseInsteadOfEmptyContext(t *testing.T) {
	cfg := Config{GateThreshold: 0.25, InclusionThreshold: 0.4, TopK: 2}
	g := NewGate(normalize.New(nil), &fixedRanker{ranked: scored(0.35, 0.3)}, cfg, zaptest.NewLogger(t))

	d, err := g.Decide(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRefused, d.Kind)
	assert.Empty(t, d.Context)
}

func TestGate_EmptyRankingRefuses(t *testing.T) {
	g := NewGate(normalize.New(nil), &fixedRanker{}, DefaultConfig(), zaptest.NewLogger(t))
	d, err := g.Decide(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRefused, d.Kind)
}

func TestGate_RankerFailurePropagates(t *testing.T) {
	ranker := &fixedRanker{err: domain.Unavailable("embed", errors.New("down"))}
	g := NewGate(normalize.New(nil), ranker, DefaultConfig(), zaptest.NewLogger(t))
	_, err := g.Decide(context.Background(), "q")
	assert.ErrorIs(t, err, domain.ErrDependencyUnavailable)
}

func TestGate_RanksNormalizedQuestion(t *testing.T) {
	ranker := &fixedRanker{ranked: scored(0.1)}
	g := NewGate(normalize.New(normalize.DefaultRules()), ranker, DefaultConfig(), zaptest.NewLogger(t))
	_, err := g.Decide(context.Background(), "Going on Holiday")
	require.NoError(t, err)
	assert.Equal(t, []string{"going on holiday vacation"}, ranker.seen)
}

func TestScorer_StableTies(t *testing.T) {
	snap := &corpus.Snapshot{
		Entries: []domain.PolicyEntry{
			domain.NewPolicyEntry(1, "", "a", ""),
			domain.NewPolicyEntry(2, "", "b", ""),
			domain.NewPolicyEntry(3, "", "c", ""),
		},
		Vectors:  [][]float64{{0, 1}, {1, 0}, {1, 0}},
		Embedder: constEmbedder{vec: []float64{1, 0}},
	}
	ranked, err := NewScorer(staticIndex{snap}).Rank(context.Background(), "q")
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	assert.Equal(t, 2, ranked[0].Entry.ID)
	assert.Equal(t, 3, ranked[1].Entry.ID)
	assert.Equal(t, 1, ranked[2].Entry.ID)
	assert.InDelta(t, 1.0, ranked[0].Score, 1e-12)
	assert.InDelta(t, 0.0, ranked[2].Score, 1e-12)
}

func TestScorer_EmbedderFailureIsUnavailable(t *testing.T) {
	snap := &corpus.Snapshot{
		Entries:  []domain.PolicyEntry{domain.NewPolicyEntry(1, "", "a", "")},
		Vectors:  [][]float64{{1}},
		Embedder: failingEmbedder{err: errors.New("model not loaded")},
	}
	_, err := NewScorer(staticIndex{snap}).Rank(context.Background(), "q")
	assert.ErrorIs(t, err, domain.ErrDependencyUnavailable)

	_, err = NewScorer(staticIndex{}).Rank(context.Background(), "q")
	assert.ErrorIs(t, err, domain.ErrDependencyUnavailable)
}

type constEmbedder struct{ vec []float64 }

func (c constEmbedder) Name() string           { return "const" }
func (c constEmbedder) Prepare([]string) error { return nil }
func (c constEmbedder) Dimension() int         { return len(c.vec) }
func (c constEmbedder) Embed(context.Context, string) ([]float64, error) {
	return c.vec, nil
}
func (c constEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = c.vec
	}
	return out, nil
}

func TestScenario_Greeting(t *testing.T) {
	g, _ := builtinGate(t)
	d, err := g.Decide(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionGreeting, d.Kind)
}

func TestScenario_OutOfDomainRefused(t *testing.T) {
	g, _ := builtinGate(t)
	d, err := g.Decide(context.Background(), "what is the weather today")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRefused, d.Kind)
}

func TestScenario_MaternityAnswerable(t *testing.T) {
	g, _ := builtinGate(t)
	d, err := g.Decide(context.Background(), "how many weeks of maternity leave do I get")
	require.NoError(t, err)
	require.Equal(t, domain.DecisionAnswerable, d.Kind)
	require.NotEmpty(t, d.Context)
	assert.Contains(t, d.Context[0], "16 weeks of maternity leave")
	assert.Equal(t, "Maternity Leave", d.Passages[0].Entry.Title)
}

func TestScenario_NormalizationRaisesTargetedEntry(t *testing.T) {
	g, scorer := builtinGate(t)
	ctx := context.Background()
	question := "Can I travel for two months?"

	scoreFor := func(query, title string) float64 {
		ranked, err := scorer.Rank(ctx, query)
		require.NoError(t, err)
		for _, se := range ranked {
			if se.Entry.Title == title {
				return se.Score
			}
		}
		t.Fatalf("entry %q not ranked", title)
		return 0
	}

	normalized := g.normalizer.Normalize(question)
	assert.Contains(t, normalized, "vacation")
	assert.Contains(t, normalized, "long leave")
	assert.GreaterOrEqual(t, scoreFor(normalized, "Paid Vacation"), scoreFor("can i travel for two months?", "Paid Vacation"))

	d, err := g.Decide(ctx, question)
	require.NoError(t, err)
	require.Equal(t, domain.DecisionAnswerable, d.Kind)
	assert.Equal(t, "Paid Vacation", d.Passages[0].Entry.Title)
}

func TestScenario_Deterministic(t *testing.T) {
	a, _ := builtinGate(t)
	b, _ := builtinGate(t)
	for _, q := range []string{"hi", "what is the weather today", "how many weeks of maternity leave do I get", "who approves extended leave"} {
		da, err := a.Decide(context.Background(), q)
		require.NoError(t, err)
		db, err := b.Decide(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, da, db, q)
	}
}
