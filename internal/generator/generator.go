// Package generator obtains trade decisions from the competing models.
// Each model is backed by an external decision endpoint; a generator is
// enabled only when its model's API key is configured, and a disabled
// generator is recorded as an API_KEY_MISSING error rather than silently
// holding.
package generator

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/CourageResearch/endpointarena-sub000/internal/model"
)

// MarketBrief is the slim view of another open market passed to a
// generator so it can reason about upcoming capital demands.
type MarketBrief struct {
	MarketID    string  `json:"market_id"`
	EventID     string  `json:"event_id"`
	DrugName    string  `json:"drug_name"`
	CompanyName string  `json:"company_name"`
	PDUFADate   string  `json:"pdufa_date"`
	PriceYes    float64 `json:"price_yes"`
}

// Input is everything a generator sees when deciding on one market.
type Input struct {
	RunDateISO        string        `json:"run_date"`
	ModelID           string        `json:"model_id"`
	DrugName          string        `json:"drug_name"`
	CompanyName       string        `json:"company_name"`
	Symbols           string        `json:"symbols"`
	ApplicationType   string        `json:"application_type"`
	PDUFADate         string        `json:"pdufa_date"`
	EventDescription  string        `json:"event_description"`
	TherapeuticArea   string        `json:"therapeutic_area"`
	MarketPriceYes    float64       `json:"market_price_yes"`
	MarketPriceNo     float64       `json:"market_price_no"`
	AccountCash       float64       `json:"account_cash"`
	PositionYesShares float64       `json:"position_yes_shares"`
	PositionNoShares  float64       `json:"position_no_shares"`
	TotalOpenMarkets  int           `json:"total_open_markets"`
	MarketsRemaining  int           `json:"markets_remaining_this_run"`
	OtherOpenMarkets  []MarketBrief `json:"other_open_markets"`
}

// Decision is one model's answer for one market on one run day.
type Decision struct {
	Action      string  `json:"action"`
	AmountUsd   float64 `json:"amount_usd"`
	Explanation string  `json:"explanation"`
}

// Validate rejects decisions the ledger could not execute.
func (d Decision) Validate() error {
	switch d.Action {
	case model.ActionHold, model.ActionBuyYes, model.ActionBuyNo, model.ActionSellYes, model.ActionSellNo:
	default:
		return fmt.Errorf("failed to parse decision: unknown action %q", d.Action)
	}
	if d.AmountUsd < 0 {
		return fmt.Errorf("failed to parse decision: negative amount %f", d.AmountUsd)
	}
	return nil
}

// Generator produces a trade decision for one (market, model) pair.
type Generator interface {
	// Enabled reports whether the generator can run at all. Disabled
	// generators are recorded as API_KEY_MISSING errors.
	Enabled() bool

	// Decide returns the model's decision for the given market context.
	Decide(ctx context.Context, input Input) (Decision, error)
}

// Registry maps model IDs to their generators.
type Registry map[string]Generator

// APIKeyEnv is the environment variable that gates a model's generator,
// e.g. "claude-opus" -> "CLAUDE_OPUS_API_KEY".
func APIKeyEnv(modelID string) string {
	normalized := strings.NewReplacer("-", "_", ".", "_").Replace(modelID)
	return strings.ToUpper(normalized) + "_API_KEY"
}

func apiKey(modelID string) string {
	return os.Getenv(APIKeyEnv(modelID))
}
