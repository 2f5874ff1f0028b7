package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/overseer/overseer/internal/agent"
)

func TestAnalyzeTaskComplexityTiers(t *testing.T) {
	cases := []struct {
		name   string
		prompt string
		tier   ComplexityTier
		model  agent.ModelTier
	}{
		{"architecture", "design the system for event replay", TierComplex, agent.TierOpus},
		{"race condition", "diagnose the race condition in the claim path", TierComplex, agent.TierOpus},
		{"security", "audit the token handling for vulnerabilities", TierComplex, agent.TierOpus},
		{"feature", "implement the export feature", TierModerate, agent.TierSonnet},
		{"bug fix", "fix the pagination bug", TierModerate, agent.TierSonnet},
		{"search", "find every caller of the old helper", TierSimple, agent.TierHaiku},
		{"summarize", "summarize yesterday's incident", TierSimple, agent.TierHaiku},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := AnalyzeTaskComplexity(tc.prompt, "")
			assert.Equal(t, tc.tier, got.Tier)
			assert.Equal(t, tc.model, got.RecommendedModel)
			assert.NotEmpty(t, got.Signals)
		})
	}
}

func TestComplexSignalsWinOverLowerTiers(t *testing.T) {
	got := AnalyzeTaskComplexity("implement the new feature and fix the deadlock in the pool", "")
	assert.Equal(t, TierComplex, got.Tier)
	assert.Equal(t, agent.TierOpus, got.RecommendedModel)
}

func TestNoSignalDefaultsToModerate(t *testing.T) {
	got := AnalyzeTaskComplexity("handle the thing", "")
	assert.Equal(t, TierModerate, got.Tier)
	assert.Equal(t, agent.TierSonnet, got.RecommendedModel)
	assert.Empty(t, got.Signals)
}

func TestContextContributesSignals(t *testing.T) {
	got := AnalyzeTaskComplexity("continue the work", "the previous attempt hit a memory leak under load")
	assert.Equal(t, TierComplex, got.Tier)
}
