package retrieval

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"policyrag/internal/domain"
	"policyrag/internal/normalize"
)

// Config holds the retrieval gate parameters.
type Config struct {
	// GateThreshold is the minimum top-1 score for a question to count as in-domain.
	GateThreshold float64
	// InclusionThreshold must be strictly exceeded for a passage to enter the context.
	InclusionThreshold float64
	// TopK bounds how many ranked passages are considered for the context.
	TopK int
	// Greetings are matched exactly against the trimmed, lower-cased question.
	Greetings []string
}

// DefaultConfig returns the operating values of the assistant.
func DefaultConfig() Config {
	return Config{
		GateThreshold:      0.30,
		InclusionThreshold: 0.28,
		TopK:               2,
		Greetings:          DefaultGreetings(),
	}
}

// DefaultGreetings returns the salutations that bypass retrieval.
func DefaultGreetings() []string {
	return []string{"hi", "hello", "hey", "good morning", "good afternoon", "good evening"}
}

// Ranker orders corpus entries for a normalized query.
type Ranker interface {
	Rank(ctx context.Context, normalized string) ([]domain.ScoredEntry, error)
}

// Gate decides, for each question, between greeting, refusal and answering
// with context.
type Gate struct {
	normalizer *normalize.Normalizer
	ranker     Ranker
	config     Config
	greetings  map[string]struct{}
	logger     *zap.Logger
}

// NewGate creates a gate. A TopK below one is treated as one.
func NewGate(normalizer *normalize.Normalizer, ranker Ranker, config Config, logger *zap.Logger) *Gate {
	if config.TopK < 1 {
		config.TopK = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	greetings := make(map[string]struct{}, len(config.Greetings))
	for _, g := range config.Greetings {
		greetings[strings.ToLower(strings.TrimSpace(g))] = struct{}{}
	}
	return &Gate{normalizer: normalizer, ranker: ranker, config: config, greetings: greetings, logger: logger}
}

// IsGreeting reports whether raw is exactly one of the configured greetings.
func (g *Gate) IsGreeting(raw string) bool {
	_, ok := g.greetings[strings.ToLower(strings.TrimSpace(raw))]
	return ok
}

// Decide runs the gate in fixed priority order:
//  1. exact greeting match on the raw question
//  2. refusal when the best score is below GateThreshold
//  3. context from the top-K passages scoring above InclusionThreshold,
//     refusing when none qualify
//
// The only error is a failure of the ranker's dependencies.
func (g *Gate) Decide(ctx context.Context, raw string) (domain.Decision, error) {
	if g.IsGreeting(raw) {
		return domain.Decision{Kind: domain.DecisionGreeting, Reason: "greeting"}, nil
	}

	ranked, err := g.ranker.Rank(ctx, g.normalizer.Normalize(raw))
	if err != nil {
		return domain.Decision{}, err
	}
	if len(ranked) == 0 {
		return domain.Decision{Kind: domain.DecisionRefused, Reason: "empty corpus"}, nil
	}

	top := ranked[0].Score
	if top < g.config.GateThreshold {
		return domain.Decision{
			Kind:     domain.DecisionRefused,
			TopScore: top,
			Reason:   fmt.Sprintf("gate: top score %.4f < threshold %.4f", top, g.config.GateThreshold),
		}, nil
	}

	k := min(g.config.TopK, len(ranked))
	var passages []domain.ScoredEntry
	var blocks []string
	for _, se := range ranked[:k] {
		if se.Score > g.config.InclusionThreshold {
			passages = append(passages, se)
			blocks = append(blocks, se.Entry.DisplayText)
		}
	}
	if len(blocks) == 0 {
		g.logger.Warn("top passage passed the gate but none passed inclusion; check threshold configuration",
			zap.Float64("top_score", top),
			zap.Float64("gate_threshold", g.config.GateThreshold),
			zap.Float64("inclusion_threshold", g.config.InclusionThreshold))
		return domain.Decision{
			Kind:     domain.DecisionRefused,
			TopScore: top,
			Reason:   fmt.Sprintf("inclusion: no passage above %.4f", g.config.InclusionThreshold),
		}, nil
	}

	return domain.Decision{
		Kind:     domain.DecisionAnswerable,
		Context:  blocks,
		Passages: passages,
		TopScore: top,
		Reason:   fmt.Sprintf("answerable with %d of top %d passages", len(blocks), k),
	}, nil
}
