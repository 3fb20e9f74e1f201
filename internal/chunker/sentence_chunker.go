package chunker

import (
	"regexp"
	"strconv"
	"strings"

	"policyrag/internal/domain"
)

// SentenceChunker splits policy documents into sentence-based chunks with
// overlap. Chunks never span a blank-line paragraph break, so one policy
// section never bleeds into the next.
type SentenceChunker struct {
	sentencesPerChunk int
	overlapSentences  int
	splitter          *regexp.Regexp
	paragraphs        *regexp.Regexp
}

var _ domain.Chunker = (*SentenceChunker)(nil)

func NewSentenceChunker(sentencesPerChunk, overlapSentences int) *SentenceChunker {
	if sentencesPerChunk <= 0 {
		sentencesPerChunk = 5
	}
	if overlapSentences < 0 {
		overlapSentences = 0
	}
	// overlap must leave room for progress
	if overlapSentences >= sentencesPerChunk {
		overlapSentences = sentencesPerChunk - 1
	}
	return &SentenceChunker{
		sentencesPerChunk: sentencesPerChunk,
		overlapSentences:  overlapSentences,
		splitter:          regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`),
		paragraphs:        regexp.MustCompile(`\n\s*\n`),
	}
}

func (c *SentenceChunker) Chunk(document domain.Document) ([]domain.Chunk, error) {
	var chunks []domain.Chunk
	idx := 0
	for _, para := range c.paragraphs.Split(document.Content, -1) {
		for _, text := range c.window(c.sentences(para)) {
			chunks = append(chunks, domain.Chunk{
				DocumentID: document.ID,
				ChunkID:    document.ID + ":" + strconv.Itoa(idx),
				Text:       text,
				Index:      idx,
			})
			idx++
		}
	}
	return chunks, nil
}

func (c *SentenceChunker) sentences(paragraph string) []string {
	found := c.splitter.FindAllString(paragraph, -1)
	var out []string
	for _, s := range found {
		if s = strings.Join(strings.Fields(s), " "); s != "" {
			out = append(out, s)
		}
	}
	// trailing text without terminal punctuation is still a sentence
	rest := paragraph
	if len(found) > 0 {
		last := found[len(found)-1]
		if i := strings.LastIndex(paragraph, last); i >= 0 {
			rest = paragraph[i+len(last):]
		}
	}
	if tail := strings.Join(strings.Fields(rest), " "); tail != "" {
		out = append(out, tail)
	}
	return out
}

func (c *SentenceChunker) window(sentences []string) []string {
	var out []string
	i := 0
	for i < len(sentences) {
		end := min(i+c.sentencesPerChunk, len(sentences))
		out = append(out, strings.Join(sentences[i:end], " "))
		if end == len(sentences) {
			break
		}
		i = end - c.overlapSentences
	}
	return out
}
