package semantic

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/overseer/overseer/internal/common/logger"
)

const (
	// writeQueueDepth bounds buffered writes; a full queue drops the write
	// rather than blocking the caller.
	writeQueueDepth = 256

	// writeAttempts is the per-operation retry budget against the index.
	writeAttempts = 3

	writeTimeout = 10 * time.Second
)

type writeOp struct {
	doc  Document
	done chan BestEffort
}

// Store serializes all writes to the external index through a single worker
// goroutine and mirrors every document into a lexical fallback. Reads go to
// the external index while it is healthy and fall back to lexical retrieval
// while the breaker is open or the index is stale.
type Store struct {
	primary  Index
	fallback *LexicalIndex
	breaker  *Breaker
	log      *logger.Logger

	writes chan writeOp
	wg     sync.WaitGroup

	mu     sync.Mutex
	stale  bool
	closed bool
}

// NewStore creates a store over the given primary index. A nil primary
// selects lexical-only operation; searches then never touch the breaker.
func NewStore(primary Index, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	s := &Store{
		primary:  primary,
		fallback: NewLexicalIndex(),
		breaker:  NewBreaker(),
		log:      log.Component("semantic-store"),
		writes:   make(chan writeOp, writeQueueDepth),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s
}

// Upsert indexes a document. The lexical mirror is written synchronously;
// the external write is queued and reported through the returned BestEffort
// channel. Callers that do not care about the outcome may discard it.
func (s *Store) Upsert(ctx context.Context, doc Document) (<-chan BestEffort, error) {
	if err := s.fallback.Upsert(ctx, doc); err != nil {
		return nil, err
	}

	done := make(chan BestEffort, 1)
	if s.primary == nil {
		done <- BestEffort{Attempted: true}
		return done, nil
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		done <- BestEffort{Attempted: false, Err: errors.New("semantic store closed")}
		return done, nil
	}

	select {
	case s.writes <- writeOp{doc: doc, done: done}:
	default:
		s.log.Warn("semantic write queue full, dropping write", zap.String("doc_id", doc.ID))
		done <- BestEffort{Attempted: false, Err: errors.New("write queue full")}
	}
	return done, nil
}

// Search queries the primary index when it is healthy, falling back to the
// lexical mirror on breaker-open, staleness, or query failure. A failed read
// never propagates; callers tolerate empty results.
func (s *Store) Search(ctx context.Context, kind Kind, query string, limit int) ([]SearchResult, error) {
	if s.primary != nil && !s.Stale() && s.breaker.Allow() {
		results, err := s.primary.Search(ctx, kind, query, limit)
		if err == nil {
			s.breaker.RecordSuccess()
			return results, nil
		}
		s.breaker.RecordFailure()
		s.log.Warn("semantic search failed, falling back to lexical",
			zap.String("kind", string(kind)), zap.Error(err))
	}
	return s.fallback.Search(ctx, kind, query, limit)
}

// Stale reports whether the external index has fallen behind the mirror.
func (s *Store) Stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// Close drains the write queue and stops the worker.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.writes)
	s.wg.Wait()
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	for op := range s.writes {
		op.done <- s.writeOnce(op.doc)
	}
}

// writeOnce pushes one document to the external index with retry and
// breaker accounting. Validation failures abort immediately; a breaker-open
// index marks the store stale without attempting the write.
func (s *Store) writeOnce(doc Document) BestEffort {
	if !s.breaker.Allow() {
		s.setStale(true)
		return BestEffort{Attempted: false, Err: errors.New("semantic index circuit open")}
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	op := func() error {
		err := s.primary.Upsert(ctx, doc)
		if errors.Is(err, ErrValidation) {
			return backoff.Permanent(err)
		}
		return err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 100 * time.Millisecond
	expo.MaxInterval = 2 * time.Second
	bo := backoff.WithMaxRetries(backoff.WithContext(expo, ctx), writeAttempts-1)

	if err := backoff.Retry(op, bo); err != nil {
		if errors.Is(err, ErrValidation) {
			// The document itself is bad; the index is fine.
			return BestEffort{Attempted: true, Err: err}
		}
		s.breaker.RecordFailure()
		if s.breaker.State() == BreakerOpen {
			s.setStale(true)
		}
		s.log.Warn("semantic write failed after retries", zap.String("doc_id", doc.ID), zap.Error(err))
		return BestEffort{Attempted: true, Err: err}
	}

	s.breaker.RecordSuccess()
	s.setStale(false)
	return BestEffort{Attempted: true}
}

func (s *Store) setStale(v bool) {
	s.mu.Lock()
	if s.stale != v {
		s.stale = v
		if v {
			s.log.Warn("semantic index marked stale, reads fall back to lexical")
		} else {
			s.log.Info("semantic index recovered")
		}
	}
	s.mu.Unlock()
}
