package normalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	n := New(DefaultRules())
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no match only lowercases", "What Is The Weather", "what is the weather"},
		{"single rule", "I will be Gone next week", "i will be gone next week leave"},
		{"travel for two months", "Can I travel for two months?", "can i travel for two months? long leave vacation"},
		{"duplicates are kept", "absent for weeks", "absent for weeks leave leave"},
		{"multi word surface", "I need time off", "i need time off leave"},
		{"substring match", "breakfast breaks", "breakfast breaks leave"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.Normalize(tt.in))
		})
	}
}

func TestNormalize_RuleOrderIsDeterministic(t *testing.T) {
	n := New([]Rule{{"holiday", "vacation"}, {"months", "long leave"}})
	assert.Equal(t, "holiday for months vacation long leave", n.Normalize("holiday for months"))

	reversed := New([]Rule{{"months", "long leave"}, {"holiday", "vacation"}})
	assert.Equal(t, "holiday for months long leave vacation", reversed.Normalize("holiday for months"))
}

func TestNormalize_IdempotentWithoutSurfaceForms(t *testing.T) {
	n := New(DefaultRules())
	for _, q := range []string{"what is the weather today", "HOW DO I GET APPROVAL", ""} {
		once := n.Normalize(q)
		assert.Equal(t, once, n.Normalize(once))
	}
}

func TestNormalize_BoundedExpansion(t *testing.T) {
	n := New(DefaultRules())
	q := "gone away absent not coming off work time off break months weeks personal reasons travel holiday"
	out := n.Normalize(q)

	// every rule fires at most once per call
	extra := strings.TrimPrefix(out, q)
	assert.Equal(t, len(DefaultRules()), len(strings.Fields(strings.ReplaceAll(extra, "long leave", "longleave"))))

	// canonical terms never contain a surface form, so they add nothing new
	for _, r := range n.Rules() {
		for _, other := range n.Rules() {
			assert.NotContains(t, r.Canonical, other.Surface)
		}
	}
}

func TestNew_IgnoresEmptyRulesAndLowercases(t *testing.T) {
	n := New([]Rule{{"", "leave"}, {"PTO", " Vacation "}, {"sick", ""}})
	assert.Equal(t, []Rule{{"pto", "vacation"}}, n.Rules())
	assert.Equal(t, "taking pto vacation", n.Normalize("Taking PTO"))
}
