package learning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseer/overseer/internal/learning/models"
	"github.com/overseer/overseer/internal/store/sqlite"
)

func newTestFeedbackLoop(t *testing.T) *FeedbackLoop {
	t.Helper()
	g, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return NewFeedbackLoop(g, nil)
}

func record(t *testing.T, f *FeedbackLoop, searchType models.SearchType, outcome models.FeedbackOutcome, position int) {
	t.Helper()
	err := f.Record(context.Background(), &models.SearchFeedback{
		Query:         "how to fix the build",
		SearchType:    searchType,
		ResultsShown:  []string{"r1", "r2"},
		PositionShown: position,
		Feedback:      outcome,
	})
	require.NoError(t, err)
}

func TestRecordRejectsInvalidSearchType(t *testing.T) {
	f := newTestFeedbackLoop(t)
	err := f.Record(context.Background(), &models.SearchFeedback{
		Query:      "q",
		SearchType: "graph",
	})
	assert.Error(t, err)
}

func TestMetricsPrecisionRecallAndMRR(t *testing.T) {
	f := newTestFeedbackLoop(t)

	record(t, f, models.SearchHybrid, models.FeedbackRelevant, 1)
	record(t, f, models.SearchHybrid, models.FeedbackRelevant, 2)
	record(t, f, models.SearchHybrid, models.FeedbackIrrelevant, 0)
	record(t, f, models.SearchHybrid, models.FeedbackMiss, 0)

	m, err := f.Metrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, m.Total)
	assert.InDelta(t, 2.0/3.0, m.Precision, 1e-9)
	assert.InDelta(t, 2.0/3.0, m.RecallEstimate, 1e-9)
	assert.InDelta(t, 0.75, m.MeanReciprocalRank, 1e-9) // mean(1/1, 1/2)
}

func TestRecommendWeightsShiftsTowardVector(t *testing.T) {
	f := newTestFeedbackLoop(t)

	for i := 0; i < 4; i++ {
		record(t, f, models.SearchVector, models.FeedbackRelevant, 1)
	}
	record(t, f, models.SearchFTS, models.FeedbackRelevant, 1)

	rec, err := f.RecommendWeights(context.Background(), HybridWeights{Vector: 0.5, Keyword: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 4, rec.VectorWins)
	assert.Equal(t, 1, rec.KeywordWins)
	// shift = (4-1)/5 * 0.3 = 0.18
	assert.InDelta(t, 0.68, rec.Recommended.Vector, 1e-9)
	assert.InDelta(t, 0.32, rec.Recommended.Keyword, 1e-9)
	assert.InDelta(t, 0.25, rec.Confidence, 1e-9)
}

func TestRecommendWeightsClampsToBand(t *testing.T) {
	f := newTestFeedbackLoop(t)

	for i := 0; i < 10; i++ {
		record(t, f, models.SearchVector, models.FeedbackRelevant, 1)
	}

	rec, err := f.RecommendWeights(context.Background(), HybridWeights{Vector: 0.7, Keyword: 0.3})
	require.NoError(t, err)
	assert.Equal(t, 0.8, rec.Recommended.Vector)
	assert.Equal(t, 0.2, rec.Recommended.Keyword)
}

func TestRecommendWeightsWithoutSamples(t *testing.T) {
	f := newTestFeedbackLoop(t)
	current := HybridWeights{Vector: 0.6, Keyword: 0.4}
	rec, err := f.RecommendWeights(context.Background(), current)
	require.NoError(t, err)
	assert.Equal(t, current, rec.Recommended)
	assert.Zero(t, rec.Confidence)
}

func TestRunValidationTestsRecordsOutcomes(t *testing.T) {
	f := newTestFeedbackLoop(t)
	ctx := context.Background()

	search := func(_ context.Context, query string, _ int) ([]string, error) {
		if query == "found" {
			return []string{"other", "expected"}, nil
		}
		return []string{"other"}, nil
	}

	results, err := f.RunValidationTests(ctx, []ValidationCase{
		{Query: "found", ExpectedID: "expected"},
		{Query: "lost", ExpectedID: "expected"},
	}, search)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Passed)
	assert.Equal(t, 2, results[0].Position)
	assert.False(t, results[1].Passed)

	m, err := f.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Relevant)
	assert.Equal(t, 1, m.Misses)
}
