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
)

// DefaultMaxSubtasks bounds a decomposition plan.
const DefaultMaxSubtasks = 10

// ExecutionOrder describes how a plan's subtasks relate.
type ExecutionOrder string

const (
	OrderSequential ExecutionOrder = "sequential"
	OrderParallel   ExecutionOrder = "parallel"
	OrderMixed      ExecutionOrder = "mixed"
)

// Subtask is one unit of a decomposition plan.
type Subtask struct {
	ID                  string          `json:"id"`
	Prompt              string          `json:"prompt"`
	RecommendedRole     agent.Role      `json:"recommended_role"`
	RecommendedModel    agent.ModelTier `json:"recommended_model"`
	DependsOn           []string        `json:"depends_on,omitempty"`
	EstimatedComplexity ComplexityTier  `json:"estimated_complexity"`
}

// DecomposedTask is a plan for executing a task as a DAG of subtasks.
type DecomposedTask struct {
	OriginalTask             string              `json:"original_task"`
	Subtasks                 []Subtask           `json:"subtasks"`
	Dependencies             map[string][]string `json:"dependencies"`
	ExecutionOrder           ExecutionOrder      `json:"execution_order"`
	TotalEstimatedComplexity ComplexityTier      `json:"total_estimated_complexity"`
}

// Decomposer splits tasks into subtask plans.
type Decomposer struct {
	llm         llm.Client
	maxSubtasks int
	log         *logger.Logger
}

// NewDecomposer creates a decomposer. llmClient may be nil.
func NewDecomposer(llmClient llm.Client, maxSubtasks int, log *logger.Logger) *Decomposer {
	if maxSubtasks <= 0 {
		maxSubtasks = DefaultMaxSubtasks
	}
	if log == nil {
		log = logger.Default()
	}
	return &Decomposer{
		llm:         llmClient,
		maxSubtasks: maxSubtasks,
		log:         log.Component("decomposer"),
	}
}

// Decompose produces a plan. Simple tasks get a single-subtask plan without
// consulting the LLM; otherwise the LLM is tried with heuristic fallback.
func (d *Decomposer) Decompose(ctx context.Context, task, taskContext string) *DecomposedTask {
	complexity := AnalyzeTaskComplexity(task, taskContext)
	if complexity.Tier == TierSimple {
		return d.singleSubtaskPlan(task, complexity)
	}

	if d.llm != nil {
		if plan, err := d.decomposeLLM(ctx, task, taskContext, complexity); err == nil {
			return plan
		} else if err != llm.ErrUnavailable {
			d.log.Debug("llm decomposition failed, using heuristics", zap.Error(err))
		}
	}
	return d.decomposeHeuristic(task, complexity)
}

func (d *Decomposer) singleSubtaskPlan(task string, complexity *ComplexityAssessment) *DecomposedTask {
	st := Subtask{
		ID:                  "subtask-1",
		Prompt:              task,
		RecommendedRole:     agent.RoleGeneralist,
		RecommendedModel:    complexity.RecommendedModel,
		EstimatedComplexity: complexity.Tier,
	}
	return &DecomposedTask{
		OriginalTask:             task,
		Subtasks:                 []Subtask{st},
		Dependencies:             map[string][]string{},
		ExecutionOrder:           OrderSequential,
		TotalEstimatedComplexity: complexity.Tier,
	}
}

// phaseVerbs drives the heuristic chain: phases appear in this fixed order,
// each depending on the previous one included.
var phaseVerbs = []struct {
	verb string
	role agent.Role
	re   *regexp.Regexp
}{
	{"analyze", agent.RoleAnalyst, regexp.MustCompile(`(?i)\banaly[sz]e\b`)},
	{"implement", agent.RoleCoder, regexp.MustCompile(`(?i)\b(implement|build|create|add|write)\b`)},
	{"test", agent.RoleTester, regexp.MustCompile(`(?i)\btests?\b|\bverify\b`)},
	{"document", agent.RoleScribe, regexp.MustCompile(`(?i)\bdocument\b|\bdocs\b`)},
	{"review", agent.RoleReviewer, regexp.MustCompile(`(?i)\breview\b`)},
}

func (d *Decomposer) decomposeHeuristic(task string, complexity *ComplexityAssessment) *DecomposedTask {
	var subtasks []Subtask
	deps := map[string][]string{}
	var prevID string

	for _, phase := range phaseVerbs {
		if !phase.re.MatchString(task) {
			continue
		}
		id := fmt.Sprintf("subtask-%d", len(subtasks)+1)
		st := Subtask{
			ID:                  id,
			Prompt:              fmt.Sprintf("%s: %s", strings.ToUpper(phase.verb[:1])+phase.verb[1:], task),
			RecommendedRole:     phase.role,
			RecommendedModel:    complexity.RecommendedModel,
			EstimatedComplexity: complexity.Tier,
		}
		if prevID != "" {
			st.DependsOn = []string{prevID}
			deps[id] = []string{prevID}
		}
		subtasks = append(subtasks, st)
		prevID = id
		if len(subtasks) >= d.maxSubtasks {
			break
		}
	}

	if len(subtasks) == 0 {
		return d.singleSubtaskPlan(task, complexity)
	}
	return &DecomposedTask{
		OriginalTask:             task,
		Subtasks:                 subtasks,
		Dependencies:             deps,
		ExecutionOrder:           deriveExecutionOrder(subtasks),
		TotalEstimatedComplexity: complexity.Tier,
	}
}

// deriveExecutionOrder reports sequential when every non-first subtask has a
// dependency, parallel when none does, mixed otherwise.
func deriveExecutionOrder(subtasks []Subtask) ExecutionOrder {
	if len(subtasks) <= 1 {
		return OrderSequential
	}
	withDeps := 0
	for _, st := range subtasks[1:] {
		if len(st.DependsOn) > 0 {
			withDeps++
		}
	}
	switch withDeps {
	case len(subtasks) - 1:
		return OrderSequential
	case 0:
		return OrderParallel
	default:
		return OrderMixed
	}
}

type llmSubtask struct {
	ID        string   `json:"id"`
	Prompt    string   `json:"prompt"`
	Role      string   `json:"role"`
	Model     string   `json:"model"`
	DependsOn []string `json:"depends_on"`
}

func (d *Decomposer) decomposeLLM(ctx context.Context, task, taskContext string, complexity *ComplexityAssessment) (*DecomposedTask, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	prompt := fmt.Sprintf(`Split this task into at most %d subtasks forming an acyclic dependency graph.
Task: %s
Context: %s
Respond with JSON only: {"subtasks":[{"id":"subtask-1","prompt":"...","role":"coder|tester|analyst|reviewer|generalist|architect|debugger|researcher|scribe","model":"haiku|sonnet|opus","depends_on":[]}]}`,
		d.maxSubtasks, task, taskContext)

	resp, err := d.llm.Complete(ctx, llm.CompletionRequest{
		System: "You are a task decomposer for a multi-agent orchestrator. Reply with a single JSON object.",
		Prompt: prompt,
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Subtasks []llmSubtask `json:"subtasks"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &parsed); err != nil {
		return nil, fmt.Errorf("invalid llm decomposition json: %w", err)
	}
	if len(parsed.Subtasks) == 0 {
		return nil, fmt.Errorf("llm decomposition produced no subtasks")
	}
	if len(parsed.Subtasks) > d.maxSubtasks {
		parsed.Subtasks = parsed.Subtasks[:d.maxSubtasks]
	}

	subtasks := make([]Subtask, 0, len(parsed.Subtasks))
	deps := map[string][]string{}
	ids := map[string]bool{}
	for i, raw := range parsed.Subtasks {
		role, err := agent.ParseRole(raw.Role)
		if err != nil {
			return nil, err
		}
		model, err := agent.ParseModelTier(raw.Model)
		if err != nil {
			return nil, err
		}
		id := raw.ID
		if id == "" {
			id = fmt.Sprintf("subtask-%d", i+1)
		}
		ids[id] = true
		st := Subtask{
			ID:                  id,
			Prompt:              raw.Prompt,
			RecommendedRole:     role,
			RecommendedModel:    model,
			DependsOn:           raw.DependsOn,
			EstimatedComplexity: complexity.Tier,
		}
		if len(raw.DependsOn) > 0 {
			deps[id] = raw.DependsOn
		}
		subtasks = append(subtasks, st)
	}

	for id, dlist := range deps {
		for _, dep := range dlist {
			if !ids[dep] {
				return nil, fmt.Errorf("subtask %s depends on unknown subtask %s", id, dep)
			}
		}
	}
	if hasCycle(deps) {
		return nil, fmt.Errorf("llm decomposition contains a dependency cycle")
	}

	return &DecomposedTask{
		OriginalTask:             task,
		Subtasks:                 subtasks,
		Dependencies:             deps,
		ExecutionOrder:           deriveExecutionOrder(subtasks),
		TotalEstimatedComplexity: complexity.Tier,
	}, nil
}

// hasCycle detects cycles in the dependency map by DFS with a visiting set.
func hasCycle(deps map[string][]string) bool {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[string]int{}
	var visit func(string) bool
	visit = func(id string) bool {
		switch state[id] {
		case visiting:
			return true
		case done:
			return false
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if visit(dep) {
				return true
			}
		}
		state[id] = done
		return false
	}
	for id := range deps {
		if visit(id) {
			return true
		}
	}
	return false
}
