// Package router decides which role and model tier a task should run on,
// and whether the task warrants decomposition or a fresh agent spawn.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/overseer/overseer/internal/agent"
	"github.com/overseer/overseer/internal/common/logger"
	"github.com/overseer/overseer/internal/llm"
	"github.com/overseer/overseer/internal/mission/models"
)

// heuristicConfidence is reported for keyword-based decisions.
const heuristicConfidence = 0.7

// spawnQueueDepth is the queue depth above which a missing specialist
// justifies spawning one.
const spawnQueueDepth = 3

// RoleForMissionType maps a mission type to the role best suited to run it.
func RoleForMissionType(t models.MissionType) agent.Role {
	switch t {
	case models.TypeExtraction:
		return agent.RoleResearcher
	case models.TypeAnalysis:
		return agent.RoleAnalyst
	case models.TypeSynthesis:
		return agent.RoleOracle
	case models.TypeReview:
		return agent.RoleReviewer
	default:
		return agent.RoleGeneralist
	}
}

// RoutingDecision is the router's verdict for one task.
type RoutingDecision struct {
	RecommendedRole   agent.Role      `json:"recommended_role"`
	RecommendedModel  agent.ModelTier `json:"recommended_model"`
	ShouldSpawn       bool            `json:"should_spawn"`
	SpawnReason       string          `json:"spawn_reason,omitempty"`
	ShouldDecompose   bool            `json:"should_decompose"`
	DecompositionHint string          `json:"decomposition_hint,omitempty"`
	Confidence        float64         `json:"confidence"`
	Reasoning         string          `json:"reasoning"`
}

// RouteRequest carries the task plus the pool and queue context the router
// weighs.
type RouteRequest struct {
	Task    string
	Context string

	// Hint carries submitter-provided mission metadata, when present.
	HintType     models.MissionType
	HintPriority models.Priority

	// IdleByRole counts idle agents per role; QueueDepth is the number of
	// queued missions.
	IdleByRole map[agent.Role]int
	QueueDepth int

	// Learnings are high-confidence insight titles included in LLM prompts.
	Learnings []string
}

// Router classifies tasks. With an LLM client it asks the model first and
// validates the reply; without one, or on any failure, it uses keyword
// heuristics.
type Router struct {
	llm llm.Client
	log *logger.Logger
}

// New creates a router. llmClient may be nil for heuristic-only operation.
func New(llmClient llm.Client, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}
	return &Router{
		llm: llmClient,
		log: log.Component("router"),
	}
}

// Route produces a routing decision for the task.
func (r *Router) Route(ctx context.Context, req RouteRequest) *RoutingDecision {
	if r.llm != nil {
		if decision, err := r.routeLLM(ctx, req); err == nil {
			return decision
		} else if err != llm.ErrUnavailable {
			r.log.Debug("llm routing failed, using heuristics", zap.Error(err))
		}
	}
	return r.routeHeuristic(req)
}

var roleKeywords = []struct {
	role agent.Role
	re   *regexp.Regexp
}{
	{agent.RoleCoder, regexp.MustCompile(`(?i)\b(implement|code|function|endpoint|api|refactor|write .*code)\b`)},
	{agent.RoleTester, regexp.MustCompile(`(?i)\b(test|tests|coverage|assert|regression)\b`)},
	{agent.RoleReviewer, regexp.MustCompile(`(?i)\b(review|critique|approve|pull request)\b`)},
	{agent.RoleArchitect, regexp.MustCompile(`(?i)\b(architecture|design the system|system design|schema design)\b`)},
	{agent.RoleDebugger, regexp.MustCompile(`(?i)\b(debug|bug|crash|stack ?trace|diagnose)\b`)},
	{agent.RoleResearcher, regexp.MustCompile(`(?i)\b(research|investigate|explore|compare|survey)\b`)},
	{agent.RoleScribe, regexp.MustCompile(`(?i)\b(document|docs|readme|changelog|write-?up)\b`)},
	{agent.RoleAnalyst, regexp.MustCompile(`(?i)\b(analy[sz]e|metrics|statistics|data|report)\b`)},
}

var actionVerbRe = regexp.MustCompile(`(?i)\b(analy[sz]e|implement|test|document|review|refactor|deploy|investigate|fix|design)\b`)
var connectiveRe = regexp.MustCompile(`(?i)\b(and|then|with)\b`)
var numberedListRe = regexp.MustCompile(`(?m)^\s*\d+[.)]`)

// routeHeuristic is the always-available keyword classifier.
func (r *Router) routeHeuristic(req RouteRequest) *RoutingDecision {
	text := req.Task
	if req.Context != "" {
		text += "\n" + req.Context
	}

	role := agent.RoleGeneralist
	reason := "no role keywords matched"
	if req.HintType != "" && req.HintType != models.TypeGeneral {
		role = RoleForMissionType(req.HintType)
		reason = fmt.Sprintf("mission type %s maps to %s", req.HintType, role)
	} else {
		for _, rk := range roleKeywords {
			if rk.re.MatchString(text) {
				role = rk.role
				reason = fmt.Sprintf("keyword match for role %s", role)
				break
			}
		}
	}

	complexity := AnalyzeTaskComplexity(req.Task, req.Context)

	shouldSpawn := req.IdleByRole[role] == 0 && req.QueueDepth >= spawnQueueDepth
	spawnReason := ""
	if shouldSpawn {
		spawnReason = fmt.Sprintf("no idle %s agents with %d missions queued", role, req.QueueDepth)
	}

	shouldDecompose, hint := shouldDecomposeTask(text, complexity.Tier)

	return &RoutingDecision{
		RecommendedRole:   role,
		RecommendedModel:  complexity.RecommendedModel,
		ShouldSpawn:       shouldSpawn,
		SpawnReason:       spawnReason,
		ShouldDecompose:   shouldDecompose,
		DecompositionHint: hint,
		Confidence:        heuristicConfidence,
		Reasoning:         reason + "; " + complexity.Reasoning,
	}
}

// shouldDecomposeTask reports whether the text looks like multiple units of
// work.
func shouldDecomposeTask(text string, tier ComplexityTier) (bool, string) {
	verbs := map[string]bool{}
	for _, v := range actionVerbRe.FindAllString(text, -1) {
		verbs[strings.ToLower(v)] = true
	}
	hasConnective := connectiveRe.MatchString(text)

	switch {
	case len(verbs) >= 2:
		return true, "multiple distinct action verbs"
	case numberedListRe.MatchString(text):
		return true, "numbered list structure"
	case hasConnective && len(verbs) >= 1 && tier == TierComplex:
		return true, "complex task with connectives"
	case hasConnective && len(verbs) >= 2:
		return true, "connectives joining distinct task categories"
	}
	return false, ""
}

// llmDecision is the JSON shape the model must return.
type llmDecision struct {
	RecommendedRole  string  `json:"recommended_role"`
	RecommendedModel string  `json:"recommended_model"`
	ShouldSpawn      bool    `json:"should_spawn"`
	SpawnReason      string  `json:"spawn_reason"`
	ShouldDecompose  bool    `json:"should_decompose"`
	Confidence       float64 `json:"confidence"`
	Reasoning        string  `json:"reasoning"`
}

func (r *Router) routeLLM(ctx context.Context, req RouteRequest) (*RoutingDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var sb strings.Builder
	sb.WriteString("Route this task to an agent role and model tier.\n")
	fmt.Fprintf(&sb, "Queue depth: %d\nIdle agents by role: %v\n", req.QueueDepth, req.IdleByRole)
	if len(req.Learnings) > 0 {
		sb.WriteString("Relevant past learnings:\n")
		for _, l := range req.Learnings {
			sb.WriteString("- " + l + "\n")
		}
	}
	sb.WriteString("Task: " + req.Task + "\n")
	sb.WriteString(`Respond with JSON only: {"recommended_role":"coder|tester|analyst|reviewer|generalist|architect|debugger|researcher|scribe","recommended_model":"haiku|sonnet|opus","should_spawn":bool,"spawn_reason":"","should_decompose":bool,"confidence":0.0,"reasoning":""}`)

	resp, err := r.llm.Complete(ctx, llm.CompletionRequest{
		System: "You are a task router for a multi-agent orchestrator. Reply with a single JSON object.",
		Prompt: sb.String(),
	})
	if err != nil {
		return nil, err
	}

	var parsed llmDecision
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &parsed); err != nil {
		return nil, fmt.Errorf("invalid llm routing json: %w", err)
	}
	role, err := agent.ParseRole(parsed.RecommendedRole)
	if err != nil {
		return nil, err
	}
	model, err := agent.ParseModelTier(parsed.RecommendedModel)
	if err != nil {
		return nil, err
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		return nil, fmt.Errorf("llm confidence %f out of range", parsed.Confidence)
	}

	return &RoutingDecision{
		RecommendedRole:  role,
		RecommendedModel: model,
		ShouldSpawn:      parsed.ShouldSpawn,
		SpawnReason:      parsed.SpawnReason,
		ShouldDecompose:  parsed.ShouldDecompose,
		Confidence:       parsed.Confidence,
		Reasoning:        parsed.Reasoning,
	}, nil
}

// extractJSON strips surrounding prose or code fences from a model reply.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
