// Package learning implements the learning loop: harvesting insights from
// mission output, analyzing failures, detecting outcome patterns, and
// recommending agents from history. Raw knowledge and problem/solution
// lessons live as dual collections over the semantic index.
package learning

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overseer/overseer/internal/agent"
	"github.com/overseer/overseer/internal/common/logger"
	"github.com/overseer/overseer/internal/learning/models"
	missionmodels "github.com/overseer/overseer/internal/mission/models"
	"github.com/overseer/overseer/internal/semantic"
	"github.com/overseer/overseer/internal/store"
)

const (
	// Insight length bounds for harvested sentences.
	minInsightLen = 20
	maxInsightLen = 300

	// suggestLimit caps SuggestLearnings output.
	suggestLimit = 3
)

// insightPatterns extract candidate sentences from mission output. Compiled
// once; each captures the insight text in group 1.
var insightPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:^|\. |\n)(?:i |we )?learned (?:that )?([^.\n]{10,290})`),
	regexp.MustCompile(`(?i)(?:^|\. |\n)discovered (?:that )?([^.\n]{10,290})`),
	regexp.MustCompile(`(?i)(?:^|\. |\n)best practice:? ([^.\n]{10,290})`),
	regexp.MustCompile(`(?i)(?:^|\. |\n)(?:you |one )?should ([^.\n]{10,290})`),
	regexp.MustCompile(`(?i)(?:^|\. |\n)(?:you |one |we )?must ([^.\n]{10,290})`),
	regexp.MustCompile(`(?i)(?:^|\. |\n)never ([^.\n]{10,290})`),
}

// categoryKeywords drives keyword-frequency category detection.
var categoryKeywords = map[models.Category][]string{
	models.CategoryPerformance:  {"performance", "latency", "slow", "fast", "optimize", "cache", "throughput"},
	models.CategoryArchitecture: {"architecture", "design", "module", "interface", "coupling", "layer"},
	models.CategoryTooling:      {"tool", "cli", "linter", "compiler", "build", "editor"},
	models.CategoryDebugging:    {"debug", "bug", "crash", "stack", "trace", "reproduce"},
	models.CategorySecurity:     {"security", "auth", "secret", "token", "vulnerability", "injection"},
	models.CategoryTesting:      {"test", "coverage", "assert", "mock", "fixture", "regression"},
	models.CategoryProcess:      {"process", "workflow", "review", "deploy", "release", "plan"},
}

// Loop owns the learning feedback cycle. Writes go through the gateway for
// durability and the semantic store for retrieval.
type Loop struct {
	gateway store.Gateway
	index   *semantic.Store
	log     *logger.Logger
}

// New creates a learning loop. index may be nil to disable retrieval.
func New(gateway store.Gateway, index *semantic.Store, log *logger.Logger) *Loop {
	if log == nil {
		log = logger.Default()
	}
	return &Loop{
		gateway: gateway,
		index:   index,
		log:     log.Component("learning-loop"),
	}
}

// HarvestFromMission scans a completed mission's output for insight
// sentences and records each as a low-confidence learning. Duplicate
// insights within one harvest are dropped.
func (l *Loop) HarvestFromMission(ctx context.Context, m *missionmodels.Mission) ([]*models.Learning, error) {
	if m == nil || m.Result == nil || m.Result.Output == "" {
		return nil, nil
	}

	seen := map[string]bool{}
	var harvested []*models.Learning
	for _, re := range insightPatterns {
		for _, match := range re.FindAllStringSubmatch(m.Result.Output, -1) {
			insight := strings.TrimSpace(match[1])
			if len(insight) < minInsightLen || len(insight) > maxInsightLen {
				continue
			}
			key := strings.ToLower(insight)
			if seen[key] {
				continue
			}
			seen[key] = true

			learning := &models.Learning{
				Category:        detectCategory(insight),
				Title:           insight,
				Confidence:      models.ConfidenceLow,
				SourceMissionID: m.ID,
				SourceTaskID:    m.RequirementID,
			}
			if m.AssignedTo != nil {
				learning.AgentID = *m.AssignedTo
			}
			id, err := l.gateway.CreateLearning(ctx, learning)
			if err != nil {
				return harvested, err
			}
			learning.ID = id
			l.indexLearning(ctx, learning)
			harvested = append(harvested, learning)
		}
	}

	if len(harvested) > 0 {
		l.log.Info("harvested learnings from mission",
			zap.String("mission_id", m.ID),
			zap.Int("count", len(harvested)))
	}
	return harvested, nil
}

// detectCategory picks the category whose keywords appear most often in the
// text; ties and no-match fall through to insight.
func detectCategory(text string) models.Category {
	lower := strings.ToLower(text)
	best := models.CategoryInsight
	bestHits := 0
	for _, cat := range []models.Category{
		models.CategoryPerformance, models.CategoryArchitecture,
		models.CategoryTooling, models.CategoryDebugging,
		models.CategorySecurity, models.CategoryTesting, models.CategoryProcess,
	} {
		hits := 0
		for _, kw := range categoryKeywords[cat] {
			hits += strings.Count(lower, kw)
		}
		if hits > bestHits {
			best = cat
			bestHits = hits
		}
	}
	return best
}

// failureSuggestions are canned remediation hints per failure category.
var failureSuggestions = map[models.FailureCategory]string{
	models.FailureCategoryTimeout:    "increase the mission timeout or split the task into smaller missions",
	models.FailureCategoryLogic:      "review the prompt and validate the mission's assumptions before retrying",
	models.FailureCategoryResource:   "reduce concurrent load or wait for resources to free up before retrying",
	models.FailureCategoryExternal:   "an external service rejected the call; back off and retry, or check credentials and rate limits of the external services involved",
	models.FailureCategoryDependency: "a dependency mission failed; fix the upstream mission first",
	models.FailureCategoryUnknown:    "inspect the agent output; the failure did not match a known cause",
}

// AnalyzeFailure maps a failed mission's error to a failure category with a
// remediation suggestion, and looks up similar past failures when the index
// is available.
func (l *Loop) AnalyzeFailure(ctx context.Context, m *missionmodels.Mission) (*models.FailureAnalysis, error) {
	if m == nil || m.Error == nil {
		return nil, fmt.Errorf("mission has no recorded error")
	}

	category := categorizeFailure(m.Error.Kind)
	analysis := &models.FailureAnalysis{
		RootCause:  fmt.Sprintf("%s: %s", m.Error.Kind, m.Error.Message),
		Category:   category,
		Suggestion: failureSuggestions[category],
	}

	if l.index != nil {
		query := m.Error.Message
		if query == "" {
			query = m.Prompt
		}
		results, err := l.index.Search(ctx, semantic.KindLearning, query, suggestLimit)
		if err == nil {
			for _, r := range results {
				if learning, err := l.gateway.GetLearningByID(ctx, r.Document.ID); err == nil {
					analysis.SimilarFailures = append(analysis.SimilarFailures, learning)
				}
			}
		}
	}
	return analysis, nil
}

func categorizeFailure(kind missionmodels.FailureKind) models.FailureCategory {
	switch kind {
	case missionmodels.FailureTimeout:
		return models.FailureCategoryTimeout
	case missionmodels.FailureRateLimit, missionmodels.FailureAuth:
		return models.FailureCategoryExternal
	case missionmodels.FailureResource:
		return models.FailureCategoryResource
	case missionmodels.FailureValidation, missionmodels.FailureCrash:
		return models.FailureCategoryLogic
	default:
		return models.FailureCategoryUnknown
	}
}

// DetectPatterns groups the most recent missions by type and flags types
// with a success rate above 80% or below 50%, given at least three samples.
func (l *Loop) DetectPatterns(recent []*missionmodels.Mission, windowSize int) []*models.Pattern {
	if windowSize <= 0 {
		windowSize = 10
	}
	if len(recent) > windowSize {
		recent = recent[len(recent)-windowSize:]
	}

	type group struct {
		completed []string
		failed    []string
	}
	groups := map[missionmodels.MissionType]*group{}
	for _, m := range recent {
		g := groups[m.Type]
		if g == nil {
			g = &group{}
			groups[m.Type] = g
		}
		switch m.Status {
		case missionmodels.StatusCompleted:
			g.completed = append(g.completed, m.ID)
		case missionmodels.StatusFailed:
			g.failed = append(g.failed, m.ID)
		}
	}

	var patterns []*models.Pattern
	for mType, g := range groups {
		total := len(g.completed) + len(g.failed)
		if total < 3 {
			continue
		}
		rate := float64(len(g.completed)) / float64(total)
		switch {
		case rate > 0.8:
			patterns = append(patterns, &models.Pattern{
				Type:             models.PatternSuccess,
				Description:      fmt.Sprintf("%s missions succeed %.0f%% of the time", mType, rate*100),
				Frequency:        len(g.completed),
				AffectedMissions: g.completed,
				Confidence:       rate,
			})
		case rate < 0.5:
			patterns = append(patterns, &models.Pattern{
				Type:             models.PatternFailure,
				Description:      fmt.Sprintf("%s missions fail %.0f%% of the time", mType, (1-rate)*100),
				Frequency:        len(g.failed),
				AffectedMissions: g.failed,
				SuggestedAction:  fmt.Sprintf("review recent %s mission prompts and agent assignments", mType),
				Confidence:       1 - rate,
			})
		}
	}

	sort.Slice(patterns, func(i, j int) bool { return patterns[i].Confidence > patterns[j].Confidence })
	return patterns
}

// SuggestLearnings returns up to three learnings relevant to the task,
// ordered proven > high > medium > low.
func (l *Loop) SuggestLearnings(ctx context.Context, task string) ([]*models.Learning, error) {
	if l.index == nil {
		return nil, nil
	}
	results, err := l.index.Search(ctx, semantic.KindLearning, task, suggestLimit*2)
	if err != nil {
		return nil, err
	}

	var learnings []*models.Learning
	for _, r := range results {
		learning, err := l.gateway.GetLearningByID(ctx, r.Document.ID)
		if err != nil {
			continue
		}
		learnings = append(learnings, learning)
	}
	sort.SliceStable(learnings, func(i, j int) bool {
		return learnings[i].Confidence.Rank() > learnings[j].Confidence.Rank()
	})
	if len(learnings) > suggestLimit {
		learnings = learnings[:suggestLimit]
	}
	return learnings, nil
}

// ValidateLearning counts one more confirmation for a learning.
func (l *Loop) ValidateLearning(ctx context.Context, id string) error {
	return l.gateway.ValidateLearning(ctx, id)
}

// BoostConfidence raises a learning's confidence one level.
func (l *Loop) BoostConfidence(ctx context.Context, id, reason string) error {
	learning, err := l.gateway.GetLearningByID(ctx, id)
	if err != nil {
		return err
	}
	learning.Confidence = learning.Confidence.Next()
	if err := l.gateway.UpdateLearning(ctx, learning); err != nil {
		return err
	}
	l.log.Debug("learning confidence boosted",
		zap.String("learning_id", id),
		zap.String("confidence", string(learning.Confidence)),
		zap.String("reason", reason))
	return nil
}

// DecayStale downgrades unvalidated low/medium learnings older than the
// threshold. Proven learnings never decay. Returns how many were decayed.
func (l *Loop) DecayStale(ctx context.Context, olderThan time.Duration) (int, error) {
	learnings, err := l.gateway.ListLearnings(ctx, 0)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	decayed := 0
	for _, learning := range learnings {
		if learning.Confidence == models.ConfidenceProven || learning.ValidationCount > 0 {
			continue
		}
		if !learning.CreatedAt.Before(cutoff) {
			continue
		}
		if learning.Confidence == models.ConfidenceLow {
			continue
		}
		switch learning.Confidence {
		case models.ConfidenceHigh:
			learning.Confidence = models.ConfidenceMedium
		case models.ConfidenceMedium:
			learning.Confidence = models.ConfidenceLow
		}
		if err := l.gateway.UpdateLearning(ctx, learning); err != nil {
			return decayed, err
		}
		decayed++
	}
	return decayed, nil
}

// RecordMissionOutcome indexes a finished mission so RecommendAgent can find
// historically similar tasks.
func (l *Loop) RecordMissionOutcome(ctx context.Context, m *missionmodels.Mission) {
	if l.index == nil || m == nil || m.AssignedTo == nil {
		return
	}
	doc := semantic.Document{
		ID:      m.ID,
		Kind:    semantic.KindMission,
		Content: m.Prompt,
		Metadata: map[string]string{
			"agent_id": fmt.Sprintf("%d", *m.AssignedTo),
			"status":   string(m.Status),
		},
	}
	if _, err := l.index.Upsert(ctx, doc); err != nil {
		l.log.Debug("failed to index mission outcome", zap.String("mission_id", m.ID), zap.Error(err))
	}
}

// RecommendAgent ranks candidate agents for a task by successRate weighted
// with log(samples+1), restricted to agents that handled semantically
// similar missions when history is available.
func (l *Loop) RecommendAgent(ctx context.Context, task string, candidates []*agent.Agent) (*models.AgentRecommendation, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no candidate agents")
	}

	// Agents that worked similar missions get first consideration.
	similar := map[int64]bool{}
	if l.index != nil {
		if results, err := l.index.Search(ctx, semantic.KindMission, task, 10); err == nil {
			for _, r := range results {
				var agentID int64
				if _, err := fmt.Sscanf(r.Document.Metadata["agent_id"], "%d", &agentID); err == nil {
					similar[agentID] = true
				}
			}
		}
	}

	score := func(a *agent.Agent) float64 {
		samples := float64(a.TasksCompleted + a.TasksFailed)
		return a.SuccessRate() * math.Log(samples+1)
	}

	pool := candidates
	if len(similar) > 0 {
		var filtered []*agent.Agent
		for _, a := range candidates {
			if similar[a.ID] {
				filtered = append(filtered, a)
			}
		}
		if len(filtered) > 0 {
			pool = filtered
		}
	}

	sorted := append([]*agent.Agent(nil), pool...)
	sort.SliceStable(sorted, func(i, j int) bool { return score(sorted[i]) > score(sorted[j]) })

	best := sorted[0]
	rec := &models.AgentRecommendation{
		AgentID:    best.ID,
		Confidence: math.Min(1, score(best)/3),
	}
	if len(similar) > 0 && similar[best.ID] {
		rec.Reason = fmt.Sprintf("agent %s handled similar tasks with %.0f%% success", best.Name, best.SuccessRate()*100)
	} else {
		rec.Reason = fmt.Sprintf("agent %s has the strongest overall record (%.0f%% success)", best.Name, best.SuccessRate()*100)
	}
	for _, a := range sorted[1:] {
		rec.Alternatives = append(rec.Alternatives, a.ID)
	}
	return rec, nil
}

// AddKnowledge stores a raw observation in the knowledge collection.
func (l *Loop) AddKnowledge(ctx context.Context, content string, tags []string) (*models.Knowledge, error) {
	k := &models.Knowledge{
		ID:        uuid.New().String(),
		Content:   content,
		Tags:      tags,
		CreatedAt: time.Now().UTC(),
	}
	if l.index != nil {
		meta := map[string]string{}
		if len(tags) > 0 {
			meta["tags"] = strings.Join(tags, ",")
		}
		if _, err := l.index.Upsert(ctx, semantic.Document{
			ID: k.ID, Kind: semantic.KindKnowledge, Content: content, Metadata: meta,
		}); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// AddLesson stores a problem/solution/outcome triple. Lessons are
// deduplicated by problem: a repeat of a known problem updates its solution
// instead of creating a new lesson.
func (l *Loop) AddLesson(ctx context.Context, problem, solution, outcome string) (*models.Lesson, error) {
	if problem == "" || solution == "" {
		return nil, fmt.Errorf("lesson requires problem and solution")
	}

	id := uuid.New().String()
	if l.index != nil {
		if results, err := l.index.Search(ctx, semantic.KindLesson, problem, 1); err == nil &&
			len(results) > 0 && strings.EqualFold(results[0].Document.Metadata["problem"], problem) {
			id = results[0].Document.ID
		}
	}

	lesson := &models.Lesson{
		ID:        id,
		Problem:   problem,
		Solution:  solution,
		Outcome:   outcome,
		CreatedAt: time.Now().UTC(),
	}
	if l.index != nil {
		if _, err := l.index.Upsert(ctx, semantic.Document{
			ID:      id,
			Kind:    semantic.KindLesson,
			Content: problem + "\n" + solution,
			Metadata: map[string]string{
				"problem": problem, "solution": solution, "outcome": outcome,
			},
		}); err != nil {
			return nil, err
		}
	}
	return lesson, nil
}

// SearchKnowledge retrieves raw observations similar to the query.
func (l *Loop) SearchKnowledge(ctx context.Context, query string, limit int) ([]*models.Knowledge, error) {
	if l.index == nil {
		return nil, nil
	}
	results, err := l.index.Search(ctx, semantic.KindKnowledge, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Knowledge, 0, len(results))
	for _, r := range results {
		k := &models.Knowledge{ID: r.Document.ID, Content: r.Document.Content}
		if tags := r.Document.Metadata["tags"]; tags != "" {
			k.Tags = strings.Split(tags, ",")
		}
		out = append(out, k)
	}
	return out, nil
}

// SearchLessons retrieves lessons whose problem or solution matches the query.
func (l *Loop) SearchLessons(ctx context.Context, query string, limit int) ([]*models.Lesson, error) {
	if l.index == nil {
		return nil, nil
	}
	results, err := l.index.Search(ctx, semantic.KindLesson, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Lesson, 0, len(results))
	for _, r := range results {
		out = append(out, &models.Lesson{
			ID:       r.Document.ID,
			Problem:  r.Document.Metadata["problem"],
			Solution: r.Document.Metadata["solution"],
			Outcome:  r.Document.Metadata["outcome"],
		})
	}
	return out, nil
}

func (l *Loop) indexLearning(ctx context.Context, learning *models.Learning) {
	if l.index == nil {
		return
	}
	content := learning.Title
	if learning.Description != "" {
		content += "\n" + learning.Description
	}
	if _, err := l.index.Upsert(ctx, semantic.Document{
		ID:      learning.ID,
		Kind:    semantic.KindLearning,
		Content: content,
		Metadata: map[string]string{
			"category":   string(learning.Category),
			"confidence": string(learning.Confidence),
		},
	}); err != nil {
		l.log.Debug("failed to index learning", zap.String("learning_id", learning.ID), zap.Error(err))
	}
}
