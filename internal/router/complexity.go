package router

import (
	"regexp"
	"strings"

	"github.com/overseer/overseer/internal/agent"
)

// ComplexityTier bands a task by how much model capability it needs.
type ComplexityTier string

const (
	TierSimple   ComplexityTier = "simple"
	TierModerate ComplexityTier = "moderate"
	TierComplex  ComplexityTier = "complex"
)

// ComplexityAssessment is the outcome of analyzing one task.
type ComplexityAssessment struct {
	Tier             ComplexityTier  `json:"tier"`
	RecommendedModel agent.ModelTier `json:"recommended_model"`
	Reasoning        string          `json:"reasoning"`
	Signals          []string        `json:"signals,omitempty"`
}

// signalPattern pairs a named signal with its matcher.
type signalPattern struct {
	name string
	re   *regexp.Regexp
}

var complexSignals = []signalPattern{
	{"architecture", regexp.MustCompile(`(?i)\b(architect(ure)?|system design|design the system)\b`)},
	{"multi_file_refactor", regexp.MustCompile(`(?i)\brefactor\b.*\b(across|multiple|all)\b|\b(across|multiple)\b.*\bfiles?\b.*\brefactor`)},
	{"greenfield", regexp.MustCompile(`(?i)\b(from scratch|greenfield|new (service|system|module))\b`)},
	{"algorithm_optimization", regexp.MustCompile(`(?i)\b(optimi[sz]e|performance)\b.*\b(algorithm|complexity|latency)\b`)},
	{"security_analysis", regexp.MustCompile(`(?i)\b(security|vulnerabilit|threat model|audit)\b`)},
	{"complex_debugging", regexp.MustCompile(`(?i)\b(race condition|deadlock|memory leak|intermittent|heisenbug)\b`)},
	{"design_decision", regexp.MustCompile(`(?i)\b(trade-?offs?|evaluate (approaches|options)|decide between)\b`)},
}

var moderateSignals = []signalPattern{
	{"feature_implementation", regexp.MustCompile(`(?i)\b(implement|add|build)\b.*\b(feature|endpoint|handler|support)\b`)},
	{"bug_fix", regexp.MustCompile(`(?i)\b(fix|resolve|repair)\b.*\b(bug|issue|error|failure)\b`)},
	{"testing", regexp.MustCompile(`(?i)\b(write|add|create)\b.*\btests?\b`)},
	{"code_review", regexp.MustCompile(`(?i)\breview\b.*\b(code|pr|pull request|change)\b`)},
	{"modification", regexp.MustCompile(`(?i)\b(update|modify|change|extend)\b.*\b(function|method|class|config)\b`)},
}

var simpleSignals = []signalPattern{
	{"file_read", regexp.MustCompile(`(?i)\b(read|show|display|print)\b.*\b(file|contents?)\b`)},
	{"search", regexp.MustCompile(`(?i)\b(search|find|locate|grep)\b`)},
	{"formatting", regexp.MustCompile(`(?i)\b(format|lint|indent|prettify)\b`)},
	{"simple_refactor", regexp.MustCompile(`(?i)\brename\b|\bmove\b.*\b(file|function)\b`)},
	{"summarization", regexp.MustCompile(`(?i)\b(summari[sz]e|tl;?dr|brief overview)\b`)},
}

// AnalyzeTaskComplexity classifies a task by regex signal tables. Complex
// signals win over moderate over simple; no signal defaults to sonnet.
func AnalyzeTaskComplexity(prompt, taskContext string) *ComplexityAssessment {
	text := prompt
	if taskContext != "" {
		text += "\n" + taskContext
	}

	if signals := matchSignals(complexSignals, text); len(signals) > 0 {
		return &ComplexityAssessment{
			Tier:             TierComplex,
			RecommendedModel: agent.TierOpus,
			Reasoning:        "complex signals detected: " + strings.Join(signals, ", "),
			Signals:          signals,
		}
	}
	if signals := matchSignals(moderateSignals, text); len(signals) > 0 {
		return &ComplexityAssessment{
			Tier:             TierModerate,
			RecommendedModel: agent.TierSonnet,
			Reasoning:        "moderate signals detected: " + strings.Join(signals, ", "),
			Signals:          signals,
		}
	}
	if signals := matchSignals(simpleSignals, text); len(signals) > 0 {
		return &ComplexityAssessment{
			Tier:             TierSimple,
			RecommendedModel: agent.TierHaiku,
			Reasoning:        "simple signals detected: " + strings.Join(signals, ", "),
			Signals:          signals,
		}
	}
	return &ComplexityAssessment{
		Tier:             TierModerate,
		RecommendedModel: agent.TierSonnet,
		Reasoning:        "no complexity signals matched, defaulting to the middle tier",
	}
}

func matchSignals(patterns []signalPattern, text string) []string {
	var matched []string
	for _, p := range patterns {
		if p.re.MatchString(text) {
			matched = append(matched, p.name)
		}
	}
	return matched
}
