package learning

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overseer/overseer/internal/common/logger"
	"github.com/overseer/overseer/internal/learning/models"
	"github.com/overseer/overseer/internal/store"
)

const (
	// weightShiftScale converts the per-query win delta into a weight shift.
	weightShiftScale = 0.3

	// Hybrid weights stay inside this band so neither retriever is silenced.
	weightFloor   = 0.2
	weightCeiling = 0.8

	// weightSampleSaturation is the sample count at which recommendation
	// confidence reaches 1.0.
	weightSampleSaturation = 20
)

// FeedbackMetrics aggregates recorded search outcomes.
type FeedbackMetrics struct {
	Total              int     `json:"total"`
	Relevant           int     `json:"relevant"`
	Irrelevant         int     `json:"irrelevant"`
	Misses             int     `json:"misses"`
	Precision          float64 `json:"precision"`
	RecallEstimate     float64 `json:"recall_estimate"`
	MeanReciprocalRank float64 `json:"mean_reciprocal_rank"`
	MeanLatencyMs      float64 `json:"mean_latency_ms"`
}

// HybridWeights are the blend factors for hybrid retrieval.
type HybridWeights struct {
	Vector  float64 `json:"vector"`
	Keyword float64 `json:"keyword"`
}

// WeightRecommendation is the tuner's suggested blend.
type WeightRecommendation struct {
	Current     HybridWeights `json:"current"`
	Recommended HybridWeights `json:"recommended"`
	VectorWins  int           `json:"vector_wins"`
	KeywordWins int           `json:"keyword_wins"`
	SampleSize  int           `json:"sample_size"`
	Confidence  float64       `json:"confidence"`
	Reasoning   string        `json:"reasoning"`
}

// FeedbackLoop records per-query retrieval outcomes and tunes the hybrid
// search weights from them.
type FeedbackLoop struct {
	gateway store.Gateway
	log     *logger.Logger
}

// NewFeedbackLoop creates a feedback loop over the gateway.
func NewFeedbackLoop(gateway store.Gateway, log *logger.Logger) *FeedbackLoop {
	if log == nil {
		log = logger.Default()
	}
	return &FeedbackLoop{
		gateway: gateway,
		log:     log.Component("search-feedback"),
	}
}

// Record persists one search outcome.
func (f *FeedbackLoop) Record(ctx context.Context, fb *models.SearchFeedback) error {
	if fb.Query == "" {
		return fmt.Errorf("feedback requires a query")
	}
	switch fb.SearchType {
	case models.SearchVector, models.SearchFTS, models.SearchHybrid:
	default:
		return fmt.Errorf("invalid search type %q", fb.SearchType)
	}
	if fb.Feedback == "" {
		fb.Feedback = models.FeedbackUnknown
	}
	if fb.ID == "" {
		fb.ID = uuid.New().String()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	return f.gateway.SaveSearchFeedback(ctx, fb)
}

// Metrics computes precision, recall estimate, and mean reciprocal rank
// over the recorded feedback.
func (f *FeedbackLoop) Metrics(ctx context.Context) (*FeedbackMetrics, error) {
	records, err := f.gateway.ListSearchFeedback(ctx, 0)
	if err != nil {
		return nil, err
	}

	m := &FeedbackMetrics{Total: len(records)}
	var rrSum float64
	var rrCount int
	var latencySum, latencyCount int64
	for _, r := range records {
		switch r.Feedback {
		case models.FeedbackRelevant:
			m.Relevant++
		case models.FeedbackIrrelevant:
			m.Irrelevant++
		case models.FeedbackMiss:
			m.Misses++
		}
		if r.PositionShown > 0 {
			rrSum += 1 / float64(r.PositionShown)
			rrCount++
		}
		if r.LatencyMs > 0 {
			latencySum += r.LatencyMs
			latencyCount++
		}
	}

	if m.Relevant+m.Irrelevant > 0 {
		m.Precision = float64(m.Relevant) / float64(m.Relevant+m.Irrelevant)
	}
	if m.Relevant+m.Misses > 0 {
		m.RecallEstimate = float64(m.Relevant) / float64(m.Relevant+m.Misses)
	}
	if rrCount > 0 {
		m.MeanReciprocalRank = rrSum / float64(rrCount)
	}
	if latencyCount > 0 {
		m.MeanLatencyMs = float64(latencySum) / float64(latencyCount)
	}
	return m, nil
}

// RecommendWeights counts per-query wins of vector versus keyword search
// and shifts the current blend by (wins_v - wins_f)/total x 0.3, clamped to
// [0.2, 0.8]. Confidence grows with sample size, saturating at 20.
func (f *FeedbackLoop) RecommendWeights(ctx context.Context, current HybridWeights) (*WeightRecommendation, error) {
	records, err := f.gateway.ListSearchFeedback(ctx, 0)
	if err != nil {
		return nil, err
	}

	vectorWins, keywordWins := 0, 0
	for _, r := range records {
		if r.Feedback != models.FeedbackRelevant {
			continue
		}
		switch r.SearchType {
		case models.SearchVector:
			vectorWins++
		case models.SearchFTS:
			keywordWins++
		}
	}

	rec := &WeightRecommendation{
		Current:     current,
		Recommended: current,
		VectorWins:  vectorWins,
		KeywordWins: keywordWins,
		SampleSize:  vectorWins + keywordWins,
	}
	if rec.SampleSize == 0 {
		rec.Reasoning = "no relevant vector or keyword outcomes recorded yet"
		return rec, nil
	}

	shift := float64(vectorWins-keywordWins) / float64(rec.SampleSize) * weightShiftScale
	rec.Recommended.Vector = clamp(current.Vector+shift, weightFloor, weightCeiling)
	rec.Recommended.Keyword = clamp(current.Keyword-shift, weightFloor, weightCeiling)
	rec.Confidence = float64(rec.SampleSize) / weightSampleSaturation
	if rec.Confidence > 1 {
		rec.Confidence = 1
	}
	rec.Reasoning = fmt.Sprintf("vector won %d queries, keyword won %d; shifting blend by %+.2f",
		vectorWins, keywordWins, shift)
	return rec, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ValidationCase is one expectation for RunValidationTests.
type ValidationCase struct {
	Query      string `json:"query"`
	ExpectedID string `json:"expected_id"`
	TopK       int    `json:"top_k"`
}

// ValidationResult reports one case's outcome.
type ValidationResult struct {
	Query    string `json:"query"`
	Passed   bool   `json:"passed"`
	Position int    `json:"position"` // 1-based; 0 when not found
}

// SearchFn resolves a query to an ordered list of result ids.
type SearchFn func(ctx context.Context, query string, limit int) ([]string, error)

// RunValidationTests drives retrieval checks: each case passes when the
// expected id appears within the top K results. Outcomes are recorded as
// feedback so the tuner sees them.
func (f *FeedbackLoop) RunValidationTests(ctx context.Context, cases []ValidationCase, search SearchFn) ([]ValidationResult, error) {
	results := make([]ValidationResult, 0, len(cases))
	for _, tc := range cases {
		topK := tc.TopK
		if topK <= 0 {
			topK = 5
		}
		ids, err := search(ctx, tc.Query, topK)
		if err != nil {
			return results, err
		}

		res := ValidationResult{Query: tc.Query}
		for i, id := range ids {
			if id == tc.ExpectedID {
				res.Passed = true
				res.Position = i + 1
				break
			}
		}
		results = append(results, res)

		outcome := models.FeedbackMiss
		if res.Passed {
			outcome = models.FeedbackRelevant
		}
		fb := &models.SearchFeedback{
			Query:          tc.Query,
			SearchType:     models.SearchHybrid,
			ResultsShown:   ids,
			ResultExpected: tc.ExpectedID,
			PositionShown:  res.Position,
			Feedback:       outcome,
		}
		if err := f.Record(ctx, fb); err != nil {
			f.log.Warn("failed to record validation feedback", zap.String("query", tc.Query), zap.Error(err))
		}
	}
	return results, nil
}
