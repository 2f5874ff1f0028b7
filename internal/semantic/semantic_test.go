package semantic

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLexicalSearchRanksByOverlap(t *testing.T) {
	idx := NewLexicalIndex()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, Document{ID: "a", Kind: KindLearning, Content: "retry with exponential backoff on rate limit"}))
	require.NoError(t, idx.Upsert(ctx, Document{ID: "b", Kind: KindLearning, Content: "always write tests before refactoring"}))

	results, err := idx.Search(ctx, KindLearning, "exponential backoff retry", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "a", results[0].Document.ID)
}

func TestLexicalSearchIsScopedByKind(t *testing.T) {
	idx := NewLexicalIndex()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, Document{ID: "k1", Kind: KindKnowledge, Content: "sqlite locks the whole database on write"}))

	results, err := idx.Search(ctx, KindLearning, "sqlite write locks", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestLexicalUpsertRejectsEmptyDocument(t *testing.T) {
	idx := NewLexicalIndex()
	err := idx.Upsert(context.Background(), Document{Kind: KindLearning})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker()
	for i := 0; i < breakerFailureThreshold; i++ {
		assert.True(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerHalfOpensAfterRecoveryWindow(t *testing.T) {
	b := NewBreaker()
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < breakerFailureThreshold; i++ {
		b.RecordFailure()
	}
	require.Equal(t, BreakerOpen, b.State())

	now = now.Add(breakerRecoveryTimeout + time.Second)
	assert.True(t, b.Allow(), "probe should be admitted after the window")
	assert.Equal(t, BreakerHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := NewBreaker()
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < breakerFailureThreshold; i++ {
		b.RecordFailure()
	}
	now = now.Add(breakerRecoveryTimeout + time.Second)
	require.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

// flakyIndex fails every Upsert until the failure budget is spent.
type flakyIndex struct {
	mu        sync.Mutex
	failures  int
	upserts   int
	permanent bool
}

func (f *flakyIndex) Upsert(context.Context, Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.permanent {
		return ErrValidation
	}
	if f.failures > 0 {
		f.failures--
		return errors.New("index write failed")
	}
	return nil
}

func (f *flakyIndex) Search(context.Context, Kind, string, int) ([]SearchResult, error) {
	return nil, errors.New("index unreachable")
}

func (f *flakyIndex) upsertCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts
}

func TestStoreRetriesTransientWriteFailures(t *testing.T) {
	idx := &flakyIndex{failures: 2}
	s := NewStore(idx, nil)
	defer s.Close()

	done, err := s.Upsert(context.Background(), Document{ID: "d1", Kind: KindLearning, Content: "insight"})
	require.NoError(t, err)

	outcome := <-done
	assert.True(t, outcome.Ok())
	assert.Equal(t, writeAttempts, idx.upsertCalls())
}

func TestStoreDoesNotRetryValidationFailures(t *testing.T) {
	idx := &flakyIndex{permanent: true}
	s := NewStore(idx, nil)
	defer s.Close()

	done, err := s.Upsert(context.Background(), Document{ID: "d1", Kind: KindLearning, Content: "insight"})
	require.NoError(t, err)

	outcome := <-done
	assert.True(t, outcome.Attempted)
	assert.ErrorIs(t, outcome.Err, ErrValidation)
	assert.Equal(t, 1, idx.upsertCalls())
}

func TestStoreFallsBackToLexicalWhenPrimaryFails(t *testing.T) {
	idx := &flakyIndex{failures: 1000}
	s := NewStore(idx, nil)
	defer s.Close()

	done, err := s.Upsert(context.Background(), Document{ID: "d1", Kind: KindLearning, Content: "prefer idempotent handlers for redelivery"})
	require.NoError(t, err)
	<-done

	results, err := s.Search(context.Background(), KindLearning, "idempotent redelivery", 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "d1", results[0].Document.ID)
}

func TestStoreWithoutPrimaryIsLexicalOnly(t *testing.T) {
	s := NewStore(nil, nil)
	defer s.Close()

	done, err := s.Upsert(context.Background(), Document{ID: "d1", Kind: KindLesson, Content: "flaky network calls need a deadline"})
	require.NoError(t, err)
	assert.True(t, (<-done).Ok())

	results, err := s.Search(context.Background(), KindLesson, "network deadline", 3)
	require.NoError(t, err)
	require.Len(t, results, 1)
}
