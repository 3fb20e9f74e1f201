package corpus

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"policyrag/internal/domain"
)

// Source produces the policy entries a snapshot is built from.
type Source func(ctx context.Context) ([]domain.PolicyEntry, error)

// Builtin returns the company policy statements shipped with the assistant.
func Builtin() []domain.PolicyEntry {
	return []domain.PolicyEntry{
		domain.NewPolicyEntry(1, "Maternity Leave",
			"Employees are encouraged to take up to 16 weeks of maternity leave and must inform their supervisor in writing as early as possible.", ""),
		domain.NewPolicyEntry(2, "Paid Vacation",
			"Employees should take at least two weeks (10 business days) of paid vacation annually.", ""),
		domain.NewPolicyEntry(3, "Approvals",
			"Extended leave must be communicated to the reporting manager and may require approval from the Executive Director.", ""),
		domain.NewPolicyEntry(4, "Scope",
			"The assistant answers only HR policies, employee benefits and workplace rules.", ""),
	}
}

// Static returns a Source that always yields a copy of entries.
func Static(entries []domain.PolicyEntry) Source {
	return func(context.Context) ([]domain.PolicyEntry, error) {
		out := make([]domain.PolicyEntry, len(entries))
		copy(out, entries)
		return out, nil
	}
}

// Documents returns a Source that reads .txt policy documents matching paths
// (globs allowed) and splits them with the chunker. Each chunk becomes one
// entry whose search and display text coincide; the document's base name is
// the entry title.
func Documents(paths []string, chunker domain.Chunker) Source {
	return func(ctx context.Context) ([]domain.PolicyEntry, error) {
		docs, err := readDocuments(paths)
		if err != nil {
			return nil, err
		}
		var entries []domain.PolicyEntry
		for _, d := range docs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			chunks, err := chunker.Chunk(d)
			if err != nil {
				return nil, domain.MalformedCorpus("chunk "+d.Path, err)
			}
			title := strings.TrimSuffix(filepath.Base(d.Path), filepath.Ext(d.Path))
			for _, ch := range chunks {
				entries = append(entries, domain.NewPolicyEntry(len(entries)+1, title, ch.Text, ""))
			}
		}
		if len(entries) == 0 {
			return nil, domain.MalformedCorpus("load documents", fmt.Errorf("no policy text found in %v", paths))
		}
		return entries, nil
	}
}

func readDocuments(paths []string) ([]domain.Document, error) {
	var documents []domain.Document
	for _, p := range paths {
		matches, _ := filepath.Glob(p)
		if matches == nil {
			matches = []string{p}
		}
		for _, m := range matches {
			if !strings.HasSuffix(strings.ToLower(m), ".txt") {
				continue
			}
			data, err := os.ReadFile(m)
			if err != nil {
				return nil, domain.MalformedCorpus("read "+m, err)
			}
			documents = append(documents, domain.Document{ID: hashString(m), Path: m, Content: string(data)})
		}
	}
	if len(documents) == 0 {
		return nil, domain.MalformedCorpus("load documents", fmt.Errorf("no .txt documents found"))
	}
	return documents, nil
}

func hashString(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:8])
}
