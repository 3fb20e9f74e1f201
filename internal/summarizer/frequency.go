// Package summarizer condenses policy text for overviews of the corpus.
package summarizer

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"policyrag/internal/domain"
)

var (
	tokenPattern    = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)
	sentencePattern = regexp.MustCompile(`[^.!?]+[.!?]+`)
)

// FrequencySummarizer ranks sentences by how many frequent content words they
// carry. Frequencies can be taken from a wider text than the one summarized,
// so a single policy is summarized by what the whole corpus talks about.
type FrequencySummarizer struct {
	stopwords map[string]struct{}
}

var _ domain.Summarizer = (*FrequencySummarizer)(nil)

// NewFrequencySummarizer creates a frequency-based sentence ranker summarizer.
func NewFrequencySummarizer() *FrequencySummarizer {
	return &FrequencySummarizer{stopwords: defaultStopwords()}
}

// Summarize returns up to maxSentences sentences of text, in their original
// order.
func (s *FrequencySummarizer) Summarize(text string, maxSentences int) (string, error) {
	return s.summarize(text, s.weights(text), maxSentences), nil
}

// Topic is a one-line digest of a policy entry.
type Topic struct {
	ID      int    `json:"id"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// Outline digests every entry, weighting words by their frequency across all
// entries. Entries without a title are labelled by ID.
func (s *FrequencySummarizer) Outline(entries []domain.PolicyEntry, maxSentences int) []Topic {
	var all strings.Builder
	for _, e := range entries {
		all.WriteString(e.DisplayText)
		all.WriteByte('\n')
	}
	weights := s.weights(all.String())

	topics := make([]Topic, 0, len(entries))
	for _, e := range entries {
		topics = append(topics, Topic{ID: e.ID, Title: e.Title, Summary: s.summarize(e.DisplayText, weights, maxSentences)})
	}
	return topics
}

func (s *FrequencySummarizer) summarize(text string, weights map[string]float64, maxSentences int) string {
	if maxSentences <= 0 {
		maxSentences = 5
	}
	sentences := splitSentences(text)
	if len(sentences) <= maxSentences {
		return strings.Join(sentences, " ")
	}

	type ranked struct {
		idx   int
		score float64
	}
	scores := make([]ranked, len(sentences))
	for i, sent := range sentences {
		toks := tokens(sent)
		score := 0.0
		for _, tok := range toks {
			score += weights[tok]
		}
		// long sentences would otherwise always win
		if len(toks) > 0 {
			score /= math.Sqrt(float64(len(toks)))
		}
		scores[i] = ranked{i, score}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	selected := make([]int, maxSentences)
	for i := range selected {
		selected[i] = scores[i].idx
	}
	sort.Ints(selected)
	out := make([]string, len(selected))
	for i, idx := range selected {
		out[i] = sentences[idx]
	}
	return strings.Join(out, " ")
}

// weights maps content words of text to their frequency relative to the most
// frequent one.
func (s *FrequencySummarizer) weights(text string) map[string]float64 {
	freq := map[string]float64{}
	maxF := 0.0
	for _, tok := range tokens(text) {
		if _, ok := s.stopwords[tok]; ok {
			continue
		}
		freq[tok]++
		maxF = max(maxF, freq[tok])
	}
	for k, v := range freq {
		freq[k] = v / maxF
	}
	return freq
}

func splitSentences(text string) []string {
	var out []string
	rest := text
	for _, loc := range sentencePattern.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[loc[0]:loc[1]]); s != "" {
			out = append(out, s)
		}
		rest = text[loc[1]:]
	}
	if tail := strings.TrimSpace(rest); tail != "" {
		out = append(out, tail)
	}
	return out
}

func tokens(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "for", "to", "of", "in", "on", "at", "by", "with", "as",
		"is", "are", "was", "were", "be", "been", "it", "this", "that", "these", "those", "from", "up", "so", "such",
		"into", "about", "than", "very", "can", "will", "just", "should", "must", "may", "their", "they",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
