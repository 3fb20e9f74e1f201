// Package prompt turns retrieved policy passages and an employee question into
// a grounded completion request.
package prompt

import (
	"strings"

	"policyrag/internal/domain"
)

// RefusalSentence is returned verbatim when the policy does not cover a
// question. Callers may match on it, so it must not change.
const RefusalSentence = "Not mentioned in company policy."

// DefaultTemperature keeps the model close to the supplied context.
const DefaultTemperature = 0.2

const passageSeparator = "\n\n"

const systemInstruction = `You are an HR Policy Assistant.

Answer using ONLY the company policy context supplied with the question.
Do NOT introduce facts, rules or recommendations that are not in that context.
If the context does not contain the answer, reply with exactly this sentence and nothing else:
` + RefusalSentence + `
Explain the policy in relation to the employee's situation.
Keep the answer short and limited to what was asked, such as a duration, who approves, who is eligible or whether something is permitted.`

// AssembleContext joins passages in rank order, separated by a blank line.
func AssembleContext(passages []string) string {
	return strings.Join(passages, passageSeparator)
}

// SystemInstruction returns the fixed grounding instruction.
func SystemInstruction() string { return systemInstruction }

// UserTurn formats the context block and the question exactly as the model
// receives them.
func UserTurn(contextBlock, question string) string {
	var b strings.Builder
	b.WriteString("Company Policy Context:\n")
	b.WriteString(contextBlock)
	b.WriteString("\n\nEmployee Question:\n")
	b.WriteString(question)
	return b.String()
}

// Builder produces completion requests.
type Builder struct {
	// Temperature requested from the generator.
	Temperature float64
	// MaxTokens caps the answer length. Zero leaves it to the provider.
	MaxTokens int
	// MaxContextChars bounds the context block. When positive, trailing
	// passages are dropped whole until the block fits, but the best passage
	// is always kept.
	MaxContextChars int
}

// NewBuilder returns a Builder with the default temperature.
func NewBuilder() *Builder {
	return &Builder{Temperature: DefaultTemperature}
}

// Build assembles the request for passages (best first) and the question as
// the employee typed it.
func (b *Builder) Build(passages []string, question string) domain.CompletionRequest {
	return domain.CompletionRequest{
		System:      systemInstruction,
		User:        UserTurn(AssembleContext(b.fit(passages)), question),
		Temperature: b.Temperature,
		MaxTokens:   b.MaxTokens,
	}
}

func (b *Builder) fit(passages []string) []string {
	if b.MaxContextChars <= 0 || len(passages) <= 1 {
		return passages
	}
	n := len(passages)
	for n > 1 && len(AssembleContext(passages[:n])) > b.MaxContextChars {
		n--
	}
	return passages[:n]
}
