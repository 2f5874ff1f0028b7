package sqlite

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	learnmodels "github.com/overseer/overseer/internal/learning/models"
	"github.com/overseer/overseer/internal/store"
)

// SaveSearchFeedback records the outcome of one retrieval.
func (g *Gateway) SaveSearchFeedback(ctx context.Context, f *learnmodels.SearchFeedback) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if f.Feedback == "" {
		f.Feedback = learnmodels.FeedbackUnknown
	}
	resultsShown, err := json.Marshal(f.ResultsShown)
	if err != nil {
		return store.NewStorageError(store.ErrConstraint, "save_search_feedback", err)
	}

	query := g.db.Rebind(`
		INSERT INTO search_feedback (
			id, query, search_type, results_shown, result_selected, result_expected,
			position_shown, position_expected, latency_ms, feedback, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = g.db.ExecContext(ctx, query,
		f.ID, f.Query, string(f.SearchType), string(resultsShown),
		f.ResultSelected, f.ResultExpected,
		f.PositionShown, f.PositionExpected, f.LatencyMs,
		string(f.Feedback), f.CreatedAt,
	)
	if err != nil {
		return store.NewStorageError(store.ErrIO, "save_search_feedback", err)
	}
	return nil
}

// ListSearchFeedback returns the most recent feedback records, up to limit.
func (g *Gateway) ListSearchFeedback(ctx context.Context, limit int) ([]*learnmodels.SearchFeedback, error) {
	if limit <= 0 {
		limit = 100
	}
	query := g.db.Rebind(`
		SELECT id, query, search_type, results_shown, result_selected, result_expected,
			position_shown, position_expected, latency_ms, feedback, created_at
		FROM search_feedback ORDER BY created_at DESC LIMIT ?`)

	rows, err := g.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, store.NewStorageError(store.ErrIO, "list_search_feedback", err)
	}
	defer func() { _ = rows.Close() }()

	var feedback []*learnmodels.SearchFeedback
	for rows.Next() {
		var f learnmodels.SearchFeedback
		var searchType, outcome, resultsShown string
		err := rows.Scan(
			&f.ID, &f.Query, &searchType, &resultsShown,
			&f.ResultSelected, &f.ResultExpected,
			&f.PositionShown, &f.PositionExpected, &f.LatencyMs,
			&outcome, &f.CreatedAt,
		)
		if err != nil {
			return nil, store.NewStorageError(store.ErrIO, "list_search_feedback", err)
		}
		f.SearchType = learnmodels.SearchType(searchType)
		f.Feedback = learnmodels.FeedbackOutcome(outcome)
		if resultsShown != "" && resultsShown != "[]" {
			if err := json.Unmarshal([]byte(resultsShown), &f.ResultsShown); err != nil {
				return nil, store.NewStorageError(store.ErrIO, "list_search_feedback", err)
			}
		}
		feedback = append(feedback, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStorageError(store.ErrIO, "list_search_feedback", err)
	}
	return feedback, nil
}
