package generator_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/CourageResearch/endpointarena-sub000/internal/generator"
	"github.com/CourageResearch/endpointarena-sub000/internal/model"
)

func TestAPIKeyEnv(t *testing.T) {
	assert.Equal(t, "CLAUDE_OPUS_API_KEY", generator.APIKeyEnv("claude-opus"))
	assert.Equal(t, "GPT_5_2_API_KEY", generator.APIKeyEnv("gpt-5.2"))
	assert.Equal(t, "GROK_4_API_KEY", generator.APIKeyEnv("grok-4"))
}

func TestDecisionValidate(t *testing.T) {
	ok := generator.Decision{Action: model.ActionBuyYes, AmountUsd: 100}
	assert.NoError(t, ok.Validate())
	assert.NoError(t, generator.Decision{Action: model.ActionHold}.Validate())

	err := generator.Decision{Action: "SHORT_YES", AmountUsd: 100}.Validate()
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "failed to parse decision"))

	err = generator.Decision{Action: model.ActionSellNo, AmountUsd: -5}.Validate()
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "failed to parse decision"))
}

func TestRegistryLookup(t *testing.T) {
	registry := generator.NewRegistry([]string{"claude-opus", "grok-4"}, "http://localhost:9000", 0)
	assert.Len(t, registry, 2)
	_, ok := registry["claude-opus"]
	assert.True(t, ok)
	_, ok = registry["missing"]
	assert.False(t, ok)
}
