package config_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CourageResearch/endpointarena-sub000/internal/apperr"
	"github.com/CourageResearch/endpointarena-sub000/internal/config"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestRuntimePatch_EmptyIsRejected(t *testing.T) {
	err := config.RuntimePatch{}.Validate()
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestRuntimePatch_Ranges(t *testing.T) {
	cases := []struct {
		name  string
		patch config.RuntimePatch
		valid bool
	}{
		{"run count zero disables warm-up", config.RuntimePatch{WarmupRunCount: intPtr(0)}, true},
		{"run count above a year", config.RuntimePatch{WarmupRunCount: intPtr(366)}, false},
		{"negative run count", config.RuntimePatch{WarmupRunCount: intPtr(-1)}, false},
		{"max trade in range", config.RuntimePatch{WarmupMaxTradeUsd: floatPtr(5_000)}, true},
		{"max trade NaN", config.RuntimePatch{WarmupMaxTradeUsd: floatPtr(math.NaN())}, false},
		{"max trade above bound", config.RuntimePatch{WarmupMaxTradeUsd: floatPtr(10_000_001)}, false},
		{"cash fraction at one", config.RuntimePatch{WarmupBuyCashFraction: floatPtr(1)}, true},
		{"cash fraction above one", config.RuntimePatch{WarmupBuyCashFraction: floatPtr(1.5)}, false},
		{"liquidity in range", config.RuntimePatch{OpeningLiquidityB: floatPtr(50_000)}, true},
		{"liquidity zero", config.RuntimePatch{OpeningLiquidityB: floatPtr(0)}, false},
		{"liquidity infinite", config.RuntimePatch{OpeningLiquidityB: floatPtr(math.Inf(1))}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.patch.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.True(t, apperr.Is(err, apperr.KindValidation))
			}
		})
	}
}

func TestRuntimePatch_ApplyOnlyTouchesProvidedFields(t *testing.T) {
	cfg := config.DefaultRuntime()
	patch := config.RuntimePatch{
		WarmupRunCount:    intPtr(5),
		OpeningLiquidityB: floatPtr(50_000),
	}
	require.NoError(t, patch.Validate())
	patch.Apply(cfg)

	assert.Equal(t, 5, cfg.WarmupRunCount)
	assert.Equal(t, 50_000.0, cfg.OpeningLiquidityB)
	assert.Equal(t, 1_000.0, cfg.WarmupMaxTradeUsd)
	assert.Equal(t, 0.02, cfg.WarmupBuyCashFraction)
}
