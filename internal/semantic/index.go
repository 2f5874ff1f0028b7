// Package semantic provides the semantic-index capability used by the
// learning loop: document upsert, similarity search, and embedding. The
// external index is concurrent-write-unsafe, so all writes funnel through a
// serial write queue with per-operation retry and a circuit breaker; while
// the breaker is open the index is stale and reads fall back to lexical
// retrieval.
package semantic

import (
	"context"
	"errors"
)

// ErrValidation marks a write the index will never accept; the write queue
// does not retry it.
var ErrValidation = errors.New("semantic index rejected document")

// Kind partitions the index into collections.
type Kind string

const (
	KindLearning  Kind = "learning"
	KindKnowledge Kind = "knowledge"
	KindLesson    Kind = "lesson"
	KindMission   Kind = "mission"
)

// Document is one indexed item.
type Document struct {
	ID       string            `json:"id"`
	Kind     Kind              `json:"kind"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SearchResult pairs a document with its similarity score in [0,1].
type SearchResult struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`
}

// Index is the capability surface of the semantic index collaborator.
// Implementations must honor the context deadline.
type Index interface {
	Upsert(ctx context.Context, doc Document) error
	Search(ctx context.Context, kind Kind, query string, limit int) ([]SearchResult, error)
}

// BestEffort is the explicit result of a side-channel operation. The caller
// decides whether Err propagates; a false Attempted means the operation was
// skipped entirely (breaker open, queue full).
type BestEffort struct {
	Attempted bool
	Err       error
}

// Ok reports whether the operation was attempted and succeeded.
func (b BestEffort) Ok() bool {
	return b.Attempted && b.Err == nil
}
