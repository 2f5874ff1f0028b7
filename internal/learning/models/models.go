// Package models defines the learning domain types: extracted insights,
// raw knowledge, problem/solution lessons, and search feedback records.
package models

import (
	"fmt"
	"time"
)

// Category classifies an extracted learning.
type Category string

const (
	CategoryPerformance   Category = "performance"
	CategoryArchitecture  Category = "architecture"
	CategoryTooling       Category = "tooling"
	CategoryDebugging     Category = "debugging"
	CategorySecurity      Category = "security"
	CategoryTesting       Category = "testing"
	CategoryProcess       Category = "process"
	CategoryPhilosophy    Category = "philosophy"
	CategoryPrinciple     Category = "principle"
	CategoryInsight       Category = "insight"
	CategoryPattern       Category = "pattern"
	CategoryRetrospective Category = "retrospective"
)

// ParseCategory validates a category string.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryPerformance, CategoryArchitecture, CategoryTooling,
		CategoryDebugging, CategorySecurity, CategoryTesting, CategoryProcess,
		CategoryPhilosophy, CategoryPrinciple, CategoryInsight,
		CategoryPattern, CategoryRetrospective:
		return Category(s), nil
	}
	return "", fmt.Errorf("invalid learning category %q", s)
}

// Confidence is the trust level of a learning.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
	ConfidenceProven Confidence = "proven"
)

// Rank orders confidence levels: proven > high > medium > low.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceProven:
		return 3
	case ConfidenceHigh:
		return 2
	case ConfidenceMedium:
		return 1
	default:
		return 0
	}
}

// Next returns the confidence one step up, saturating at proven.
func (c Confidence) Next() Confidence {
	switch c {
	case ConfidenceLow:
		return ConfidenceMedium
	case ConfidenceMedium:
		return ConfidenceHigh
	case ConfidenceHigh, ConfidenceProven:
		return ConfidenceProven
	}
	return ConfidenceLow
}

// Learning is an extracted insight with optional source links.
type Learning struct {
	ID              string     `json:"id"`
	Category        Category   `json:"category"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Confidence      Confidence `json:"confidence"`
	ValidationCount int        `json:"validation_count"`

	SourceSessionID string `json:"source_session_id,omitempty"`
	SourceMissionID string `json:"source_mission_id,omitempty"`
	SourceTaskID    int64  `json:"source_task_id,omitempty"`
	AgentID         int64  `json:"agent_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Knowledge is a raw observation stored for semantic retrieval.
type Knowledge struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Lesson is a problem -> solution -> outcome triple.
// Lessons are deduplicated by problem.
type Lesson struct {
	ID        string    `json:"id"`
	Problem   string    `json:"problem"`
	Solution  string    `json:"solution"`
	Outcome   string    `json:"outcome,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PatternType classifies a detected mission pattern.
type PatternType string

const (
	PatternSuccess PatternType = "success"
	PatternFailure PatternType = "failure"
)

// Pattern is a recurring outcome detected across recent missions.
type Pattern struct {
	Type             PatternType `json:"type"`
	Description      string      `json:"description"`
	Frequency        int         `json:"frequency"`
	AffectedMissions []string    `json:"affected_missions"`
	SuggestedAction  string      `json:"suggested_action,omitempty"`
	Confidence       float64     `json:"confidence"`
}

// FailureCategory classifies an analyzed mission failure.
type FailureCategory string

const (
	FailureCategoryTimeout    FailureCategory = "timeout"
	FailureCategoryLogic      FailureCategory = "logic"
	FailureCategoryResource   FailureCategory = "resource"
	FailureCategoryExternal   FailureCategory = "external"
	FailureCategoryDependency FailureCategory = "dependency"
	FailureCategoryUnknown    FailureCategory = "unknown"
)

// FailureAnalysis is the outcome of analyzing a failed mission.
type FailureAnalysis struct {
	RootCause       string          `json:"root_cause"`
	Category        FailureCategory `json:"category"`
	Suggestion      string          `json:"suggestion"`
	SimilarFailures []*Learning     `json:"similar_failures,omitempty"`
}

// AgentRecommendation ranks an agent for a task based on history.
type AgentRecommendation struct {
	AgentID      int64   `json:"agent_id"`
	Reason       string  `json:"reason"`
	Confidence   float64 `json:"confidence"`
	Alternatives []int64 `json:"alternatives,omitempty"`
}

// SearchType identifies the retrieval strategy used for a query.
type SearchType string

const (
	SearchVector SearchType = "vector"
	SearchFTS    SearchType = "fts"
	SearchHybrid SearchType = "hybrid"
)

// FeedbackOutcome is the relevance judgement for a recorded search.
type FeedbackOutcome string

const (
	FeedbackRelevant   FeedbackOutcome = "relevant"
	FeedbackIrrelevant FeedbackOutcome = "irrelevant"
	FeedbackMiss       FeedbackOutcome = "miss"
	FeedbackUnknown    FeedbackOutcome = "unknown"
)

// SearchFeedback records the outcome of one retrieval.
type SearchFeedback struct {
	ID               string          `json:"id"`
	Query            string          `json:"query"`
	SearchType       SearchType      `json:"search_type"`
	ResultsShown     []string        `json:"results_shown"`
	ResultSelected   string          `json:"result_selected,omitempty"`
	ResultExpected   string          `json:"result_expected,omitempty"`
	PositionShown    int             `json:"position_shown,omitempty"`
	PositionExpected int             `json:"position_expected,omitempty"`
	LatencyMs        int64           `json:"latency_ms,omitempty"`
	Feedback         FeedbackOutcome `json:"feedback"`
	CreatedAt        time.Time       `json:"created_at"`
}
