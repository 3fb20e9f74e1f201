// Package normalize widens casual employee phrasing towards the vocabulary of
// the policy corpus before a question is embedded.
package normalize

import "strings"

// Rule appends Canonical when Surface occurs in the lower-cased question.
type Rule struct {
	Surface   string `yaml:"surface"`
	Canonical string `yaml:"canonical"`
}

// DefaultRules is the built-in synonym table. Order is significant.
func DefaultRules() []Rule {
	return []Rule{
		{"gone", "leave"},
		{"away", "leave"},
		{"absent", "leave"},
		{"not coming", "leave"},
		{"off work", "leave"},
		{"time off", "leave"},
		{"break", "leave"},
		{"months", "long leave"},
		{"weeks", "leave"},
		{"personal reasons", "leave"},
		{"travel", "vacation"},
		{"holiday", "vacation"},
	}
}

// Normalizer applies an ordered list of synonym rules.
type Normalizer struct {
	rules []Rule
}

// New returns a Normalizer for rules. Surface forms are matched
// case-insensitively; rules with an empty side are ignored.
func New(rules []Rule) *Normalizer {
	kept := make([]Rule, 0, len(rules))
	for _, r := range rules {
		s := strings.ToLower(strings.TrimSpace(r.Surface))
		c := strings.ToLower(strings.TrimSpace(r.Canonical))
		if s == "" || c == "" {
			continue
		}
		kept = append(kept, Rule{Surface: s, Canonical: c})
	}
	return &Normalizer{rules: kept}
}

// Rules returns a copy of the active rules.
func (n *Normalizer) Rules() []Rule {
	out := make([]Rule, len(n.rules))
	copy(out, n.rules)
	return out
}

// Normalize lower-cases q and appends the canonical term of every matching
// rule, in rule order. Matching looks at the lower-cased input only, so terms
// appended in this pass never trigger further rules.
func (n *Normalizer) Normalize(q string) string {
	lower := strings.ToLower(q)
	var b strings.Builder
	b.WriteString(lower)
	for _, r := range n.rules {
		if strings.Contains(lower, r.Surface) {
			b.WriteByte(' ')
			b.WriteString(r.Canonical)
		}
	}
	return b.String()
}
