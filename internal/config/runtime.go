package config

import (
	"math"

	"github.com/CourageResearch/endpointarena-sub000/internal/apperr"
	"github.com/CourageResearch/endpointarena-sub000/internal/model"
)

// RuntimeConfigID is the primary key of the single runtime-config row.
const RuntimeConfigID = "default"

// maxConfigNumber bounds dollar amounts and liquidity so a typo cannot
// configure an absurd market.
const maxConfigNumber = 10_000_000

// DefaultRuntime returns the runtime config row used to seed a fresh
// database: a three-run warm-up with a $1,000 per-trade cap at 2% of
// cash, and deep opening liquidity.
func DefaultRuntime() *model.RuntimeConfig {
	return &model.RuntimeConfig{
		ID:                    RuntimeConfigID,
		WarmupRunCount:        3,
		WarmupMaxTradeUsd:     1_000,
		WarmupBuyCashFraction: 0.02,
		OpeningLiquidityB:     100_000,
	}
}

// RuntimePatch is a partial update to the runtime configuration. Nil
// fields are left untouched.
type RuntimePatch struct {
	WarmupRunCount        *int     `json:"warmup_run_count,omitempty"`
	WarmupMaxTradeUsd     *float64 `json:"warmup_max_trade_usd,omitempty"`
	WarmupBuyCashFraction *float64 `json:"warmup_buy_cash_fraction,omitempty"`
	OpeningLiquidityB     *float64 `json:"opening_liquidity_b,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p RuntimePatch) Empty() bool {
	return p.WarmupRunCount == nil &&
		p.WarmupMaxTradeUsd == nil &&
		p.WarmupBuyCashFraction == nil &&
		p.OpeningLiquidityB == nil
}

// Validate checks every provided field against its allowed range. An
// out-of-range value rejects the whole patch before any write.
func (p RuntimePatch) Validate() error {
	if p.Empty() {
		return apperr.Validation("provide at least one runtime config field to update")
	}
	if p.WarmupRunCount != nil {
		if *p.WarmupRunCount < 0 || *p.WarmupRunCount > 365 {
			return apperr.Validation("warmup_run_count must be between 0 and 365")
		}
	}
	if p.WarmupMaxTradeUsd != nil {
		if !isFiniteInRange(*p.WarmupMaxTradeUsd, 0, maxConfigNumber) {
			return apperr.Validation("warmup_max_trade_usd must be between 0 and %d", maxConfigNumber)
		}
	}
	if p.WarmupBuyCashFraction != nil {
		if !isFiniteInRange(*p.WarmupBuyCashFraction, 0, 1) {
			return apperr.Validation("warmup_buy_cash_fraction must be between 0 and 1")
		}
	}
	if p.OpeningLiquidityB != nil {
		if math.IsNaN(*p.OpeningLiquidityB) || *p.OpeningLiquidityB <= 0 || *p.OpeningLiquidityB > maxConfigNumber {
			return apperr.Validation("opening_liquidity_b must be between 1 and %d", maxConfigNumber)
		}
	}
	return nil
}

// Apply copies the provided fields onto cfg. Validate must have passed.
func (p RuntimePatch) Apply(cfg *model.RuntimeConfig) {
	if p.WarmupRunCount != nil {
		cfg.WarmupRunCount = *p.WarmupRunCount
	}
	if p.WarmupMaxTradeUsd != nil {
		cfg.WarmupMaxTradeUsd = *p.WarmupMaxTradeUsd
	}
	if p.WarmupBuyCashFraction != nil {
		cfg.WarmupBuyCashFraction = *p.WarmupBuyCashFraction
	}
	if p.OpeningLiquidityB != nil {
		cfg.OpeningLiquidityB = *p.OpeningLiquidityB
	}
}

func isFiniteInRange(v, lo, hi float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= lo && v <= hi
}
