// Package risk applies trade-size limits. Young markets get a warm-up cap
// so thin books are not distorted by a single oversized order.
package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/CourageResearch/endpointarena-sub000/internal/model"
)

// CapResult is the outcome of applying the warm-up cap to a requested
// trade. Note is non-empty only when the cap actually reduced the request.
type CapResult struct {
	AmountUsd float64
	Applied   bool
	Note      string
}

// MarketAgeInRuns counts whole run days between the market's opening day
// and runDate. Day zero is the opening day itself.
func MarketAgeInRuns(openedAt, runDate time.Time) int {
	opened := model.NormalizeRunDate(openedAt)
	return int(math.Floor(runDate.Sub(opened).Hours() / 24))
}

// ApplyWarmupCap clamps a trade request while the market is inside its
// warm-up window. Buys are capped at the lower of the flat per-trade cap
// and a fraction of the account's cash; sells only get the flat cap. A
// warmupRunCount of zero disables the cap entirely.
func ApplyWarmupCap(action string, requestedUsd, accountCash float64, marketOpenedAt, runDate time.Time, cfg *model.RuntimeConfig) CapResult {
	requested := math.Max(0, requestedUsd)
	if requested <= 0 || action == model.ActionHold {
		return CapResult{}
	}
	if cfg.WarmupRunCount <= 0 {
		return CapResult{AmountUsd: requested}
	}

	runAge := MarketAgeInRuns(marketOpenedAt, runDate)
	if runAge < 0 || runAge >= cfg.WarmupRunCount {
		return CapResult{AmountUsd: requested}
	}

	tradeCapUsd := cfg.WarmupMaxTradeUsd
	if model.IsBuy(action) {
		tradeCapUsd = math.Min(cfg.WarmupMaxTradeUsd, math.Max(0, accountCash*cfg.WarmupBuyCashFraction))
	}

	capped := math.Max(0, math.Min(requested, tradeCapUsd))
	if capped >= requested-1e-9 {
		return CapResult{AmountUsd: requested}
	}

	return CapResult{
		AmountUsd: capped,
		Applied:   true,
		Note:      fmt.Sprintf("Warm-up cap reduced request to $%.2f.", capped),
	}
}
