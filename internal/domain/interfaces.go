package domain

import (
	"context"
	"iter"
)

// Document represents a single policy text file loaded into the system.
type Document struct {
	ID      string
	Path    string
	Content string
}

// Chunk is a part of a document produced by a Chunker.
type Chunk struct {
	DocumentID string
	ChunkID    string
	Text       string
	Index      int
}

// PolicyEntry is one immutable statement of the policy corpus.
// SearchText is the phrasing used for matching; DisplayText is what gets
// surfaced to the user and injected into the generation context.
type PolicyEntry struct {
	ID          int
	Title       string
	SearchText  string
	DisplayText string
}

// NewPolicyEntry builds an entry, defaulting the display text to the search text.
func NewPolicyEntry(id int, title, searchText, displayText string) PolicyEntry {
	if displayText == "" {
		displayText = searchText
	}
	return PolicyEntry{ID: id, Title: title, SearchText: searchText, DisplayText: displayText}
}

// ScoredEntry pairs a policy entry with its cosine similarity to a query.
type ScoredEntry struct {
	Entry PolicyEntry
	Score float64
}

// DecisionKind tags the outcome of the retrieval gate.
type DecisionKind int

// The zero value is DecisionUnknown, carried by answers whose question failed
// before the gate reached an outcome.
const (
	DecisionUnknown DecisionKind = iota
	DecisionGreeting
	DecisionRefused
	DecisionAnswerable
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionGreeting:
		return "greeting"
	case DecisionRefused:
		return "refused"
	case DecisionAnswerable:
		return "answerable"
	default:
		return "unknown"
	}
}

// Decision is the result of gating a single question. Context holds the
// display texts to ground the answer on and is non-empty only for
// DecisionAnswerable.
type Decision struct {
	Kind     DecisionKind
	Context  []string
	Passages []ScoredEntry
	TopScore float64
	Reason   string
}

// Embedder converts free text into a numeric vector representation.
// Implementations may require a preparation phase over the corpus and must be
// deterministic for a fixed configuration.
type Embedder interface {
	Name() string
	Prepare(corpus []string) error
	Dimension() int
	Embed(ctx context.Context, text string) ([]float64, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
}

// Chunker splits documents into chunks suitable for retrieval indexing.
type Chunker interface {
	Chunk(document Document) ([]Chunk, error)
}

// Summarizer produces a brief summary of the provided text.
type Summarizer interface {
	Summarize(text string, maxSentences int) (string, error)
}

// CompletionRequest is the opaque request handed to a Generator.
type CompletionRequest struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Generator executes grounded completion requests.
// Stream yields fragments in arrival order; a consumer that stops ranging
// cancels the underlying request.
type Generator interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	Stream(ctx context.Context, req CompletionRequest) iter.Seq2[string, error]
}
