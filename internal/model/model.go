// Package model defines the core domain types shared across the market
// engine: FDA calendar events, prediction markets, model accounts and
// positions, the immutable action ledger, daily run records, and snapshots.
package model

import "time"

// Market status values.
const (
	MarketOpen     = "OPEN"
	MarketResolved = "RESOLVED"
)

// Event outcome values. Pending events are the only ones a market can be
// opened for; Approved/Rejected settle the market.
const (
	OutcomePending  = "Pending"
	OutcomeApproved = "Approved"
	OutcomeRejected = "Rejected"
)

// Action kinds recorded in the ledger.
const (
	ActionHold    = "HOLD"
	ActionBuyYes  = "BUY_YES"
	ActionBuyNo   = "BUY_NO"
	ActionSellYes = "SELL_YES"
	ActionSellNo  = "SELL_NO"
)

// Action row statuses.
const (
	ActionStatusOK      = "ok"
	ActionStatusError   = "error"
	ActionStatusSkipped = "skipped"
)

// Run statuses for a daily batch cycle.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// NormalizeRunDate truncates a timestamp to its UTC calendar day. All
// run-date keys in the ledger, runs, and snapshots use this form.
func NormalizeRunDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// IsBuy reports whether the action kind is a buy side.
func IsBuy(action string) bool {
	return action == ActionBuyYes || action == ActionBuyNo
}

// IsSell reports whether the action kind is a sell side.
func IsSell(action string) bool {
	return action == ActionSellYes || action == ActionSellNo
}

// Event is one FDA calendar entry (a PDUFA decision) that a market can be
// opened against. The calendar itself is ingested externally; the engine
// only reads these rows.
type Event struct {
	ID              string    `json:"id"`
	DrugName        string    `json:"drug_name"`
	CompanyName     string    `json:"company_name"`
	Symbols         string    `json:"symbols"`
	ApplicationType string    `json:"application_type"`
	PDUFADate       time.Time `json:"pdufa_date"`
	Description     string    `json:"description"`
	TherapeuticArea string    `json:"therapeutic_area"`
	Outcome         string    `json:"outcome"` // Pending | Approved | Rejected
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Market is the LMSR state for one binary event. PriceYes is derived from
// (qYes, qNo, b) and persisted for cheap reads; b never changes after open.
type Market struct {
	ID                 string     `json:"id"`
	EventID            string     `json:"event_id"`
	Status             string     `json:"status"` // OPEN | RESOLVED
	OpeningProbability float64    `json:"opening_probability"`
	B                  float64    `json:"b"`
	QYes               float64    `json:"q_yes"`
	QNo                float64    `json:"q_no"`
	PriceYes           float64    `json:"price_yes"`
	ResolvedOutcome    string     `json:"resolved_outcome,omitempty"` // empty until resolved
	OpenedAt           time.Time  `json:"opened_at"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Account holds one model's cash. StartingCash is immutable after creation.
type Account struct {
	ID           string    `json:"id"`
	ModelID      string    `json:"model_id"`
	StartingCash float64   `json:"starting_cash"`
	CashBalance  float64   `json:"cash_balance"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Position is one model's holdings in one market. Share counts never go
// negative: there is no short selling.
type Position struct {
	ID           string    `json:"id"`
	MarketID     string    `json:"market_id"`
	ModelID      string    `json:"model_id"`
	YesShares    float64   `json:"yes_shares"`
	NoShares     float64   `json:"no_shares"`
	CostBasisUsd float64   `json:"cost_basis_usd"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Action is the ledger row for one (market, model, runDate) triple. The
// unique key on that triple is the idempotency anchor for the whole
// system: re-running a day can never duplicate history.
type Action struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id,omitempty"`
	MarketID    string    `json:"market_id"`
	EventID     string    `json:"event_id"`
	ModelID     string    `json:"model_id"`
	RunDate     time.Time `json:"run_date"`
	Action      string    `json:"action"` // HOLD | BUY_YES | BUY_NO | SELL_YES | SELL_NO
	UsdAmount   float64   `json:"usd_amount"`
	SharesDelta float64   `json:"shares_delta"`
	PriceBefore float64   `json:"price_before"`
	PriceAfter  float64   `json:"price_after"`
	Explanation string    `json:"explanation"`
	Status      string    `json:"status"` // ok | error | skipped
	ErrorCode   string    `json:"error_code,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Run is the bookkeeping record for one calendar day's batch cycle.
// UpdatedAt doubles as the heartbeat for stale-run detection.
type Run struct {
	ID               string     `json:"id"`
	RunDate          time.Time  `json:"run_date"`
	Status           string     `json:"status"` // running | completed | failed
	OpenMarkets      int        `json:"open_markets"`
	TotalActions     int        `json:"total_actions"`
	ProcessedActions int        `json:"processed_actions"`
	OkCount          int        `json:"ok_count"`
	ErrorCount       int        `json:"error_count"`
	SkippedCount     int        `json:"skipped_count"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// PriceSnapshot records one market's price at the end of one run day.
type PriceSnapshot struct {
	ID           string    `json:"id"`
	MarketID     string    `json:"market_id"`
	SnapshotDate time.Time `json:"snapshot_date"`
	PriceYes     float64   `json:"price_yes"`
	QYes         float64   `json:"q_yes"`
	QNo          float64   `json:"q_no"`
}

// EquitySnapshot records one model's cash plus mark-to-market position
// value at the end of one run day.
type EquitySnapshot struct {
	ID             string    `json:"id"`
	ModelID        string    `json:"model_id"`
	SnapshotDate   time.Time `json:"snapshot_date"`
	CashBalance    float64   `json:"cash_balance"`
	PositionsValue float64   `json:"positions_value"`
	TotalEquity    float64   `json:"total_equity"`
}

// RuntimeConfig is the single global row of tunable risk parameters, read
// at the start of every run. See config.RuntimePatch for the ranges.
type RuntimeConfig struct {
	ID                    string    `json:"id"`
	WarmupRunCount        int       `json:"warmup_run_count"`
	WarmupMaxTradeUsd     float64   `json:"warmup_max_trade_usd"`
	WarmupBuyCashFraction float64   `json:"warmup_buy_cash_fraction"`
	OpeningLiquidityB     float64   `json:"opening_liquidity_b"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}
