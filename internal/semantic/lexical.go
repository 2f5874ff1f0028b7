package semantic

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var tokenRe = regexp.MustCompile(`[a-z0-9_]+`)

func tokenize(text string) map[string]int {
	counts := make(map[string]int)
	for _, tok := range tokenRe.FindAllString(strings.ToLower(text), -1) {
		if len(tok) < 2 {
			continue
		}
		counts[tok]++
	}
	return counts
}

// LexicalIndex is an in-memory keyword index. It backs tests, single-process
// deployments without an external index, and stale-index fallback reads.
type LexicalIndex struct {
	mu   sync.RWMutex
	docs map[Kind]map[string]Document
}

// NewLexicalIndex creates an empty lexical index.
func NewLexicalIndex() *LexicalIndex {
	return &LexicalIndex{docs: make(map[Kind]map[string]Document)}
}

// Upsert stores or replaces a document.
func (l *LexicalIndex) Upsert(_ context.Context, doc Document) error {
	if doc.ID == "" || doc.Content == "" {
		return ErrValidation
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.docs[doc.Kind] == nil {
		l.docs[doc.Kind] = make(map[string]Document)
	}
	l.docs[doc.Kind][doc.ID] = doc
	return nil
}

// Search scores documents by token overlap with the query: the fraction of
// query tokens present in the document. Zero-score documents are omitted.
func (l *LexicalIndex) Search(_ context.Context, kind Kind, query string, limit int) ([]SearchResult, error) {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var results []SearchResult
	for _, doc := range l.docs[kind] {
		docTokens := tokenize(doc.Content)
		matched := 0
		for tok := range queryTokens {
			if docTokens[tok] > 0 {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		results = append(results, SearchResult{
			Document: doc,
			Score:    float64(matched) / float64(len(queryTokens)),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Document.ID < results[j].Document.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Len returns the number of documents of one kind.
func (l *LexicalIndex) Len(kind Kind) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.docs[kind])
}
