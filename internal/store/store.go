// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/CourageResearch/endpointarena-sub000/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer on the hot read paths.
type Store interface {
	// --- FDA calendar events ---

	// CreateEvent persists a calendar event. The calendar is normally
	// ingested externally; this exists for seeding and tests.
	CreateEvent(ctx context.Context, event *model.Event) error

	// GetEvent retrieves an event by ID.
	GetEvent(ctx context.Context, id string) (*model.Event, error)

	// GetEventsByIDs retrieves a batch of events keyed by ID.
	GetEventsByIDs(ctx context.Context, ids []string) (map[string]*model.Event, error)

	// --- Markets ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// GetMarketByEvent retrieves the market tied to an FDA event, or nil
	// if none exists.
	GetMarketByEvent(ctx context.Context, eventID string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// ListOpenMarkets returns all OPEN markets.
	ListOpenMarkets(ctx context.Context) ([]model.Market, error)

	// UpdateMarketState updates quantities and the derived price after a
	// trade. Only the ledger's trade transaction and settlement call this.
	UpdateMarketState(ctx context.Context, id string, qYes, qNo, priceYes float64) error

	// UpdateMarketResolution flips a market between OPEN and RESOLVED.
	// A nil resolvedAt clears the resolution (reopen).
	UpdateMarketResolution(ctx context.Context, id, status, outcome string, resolvedAt *time.Time) error

	// --- Accounts ---

	// EnsureAccount creates the model's account with startingCash if it
	// does not exist yet. Idempotent.
	EnsureAccount(ctx context.Context, modelID string, startingCash float64) error

	// GetAccount retrieves a model's account.
	GetAccount(ctx context.Context, modelID string) (*model.Account, error)

	// ListAccounts returns all model accounts.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// AdjustAccountCash applies a signed delta to the model's cash
	// balance. Used by settlement payouts and clawbacks.
	AdjustAccountCash(ctx context.Context, modelID string, delta float64) error

	// --- Positions ---

	// EnsurePosition creates the (market, model) position row if it does
	// not exist yet. Idempotent.
	EnsurePosition(ctx context.Context, marketID, modelID string) error

	// GetPosition retrieves one (market, model) position.
	GetPosition(ctx context.Context, marketID, modelID string) (*model.Position, error)

	// ListPositionsByMarket returns all positions in one market.
	ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error)

	// ListPositionsByMarkets returns all positions across a set of markets.
	ListPositionsByMarkets(ctx context.Context, marketIDs []string) ([]model.Position, error)

	// ListPositionsByModel returns one model's positions across markets.
	ListPositionsByModel(ctx context.Context, modelID string) ([]model.Position, error)

	// --- Action ledger ---

	// GetAction returns the ledger row for (marketID, modelID, runDate),
	// or nil if none exists.
	GetAction(ctx context.Context, marketID, modelID string, runDate time.Time) (*model.Action, error)

	// UpsertAction inserts or replaces the ledger row keyed by
	// (marketID, modelID, runDate). The idempotency anchor.
	UpsertAction(ctx context.Context, action *model.Action) error

	// DeleteAction removes a ledger row by ID. Only used to clear a prior
	// error row before a retry.
	DeleteAction(ctx context.Context, id string) error

	// --- Runs ---

	// GetRunningRun returns the run currently marked running, or nil.
	GetRunningRun(ctx context.Context) (*model.Run, error)

	// UpsertRun inserts or overwrites the run row keyed by runDate.
	UpsertRun(ctx context.Context, run *model.Run) error

	// UpdateRun updates a run's status and counters by ID.
	UpdateRun(ctx context.Context, run *model.Run) error

	// TouchRun refreshes the run's heartbeat timestamp.
	TouchRun(ctx context.Context, id string) error

	// --- Snapshots ---

	// UpsertPriceSnapshot writes the (market, day) price snapshot.
	UpsertPriceSnapshot(ctx context.Context, snap *model.PriceSnapshot) error

	// UpsertEquitySnapshot writes the (model, day) equity snapshot.
	UpsertEquitySnapshot(ctx context.Context, snap *model.EquitySnapshot) error

	// --- Runtime configuration ---

	// GetRuntimeConfig returns the global config row. A missing row is a
	// configuration error: the system refuses to run without it.
	GetRuntimeConfig(ctx context.Context) (*model.RuntimeConfig, error)

	// SaveRuntimeConfig inserts or replaces the global config row.
	SaveRuntimeConfig(ctx context.Context, cfg *model.RuntimeConfig) error

	// --- Trade transactions ---

	// InTradeTx runs fn with the market, the model's account, and the
	// (market, model) position locked in that order and freshly re-read.
	// All mutations made through the TradeTx commit atomically with the
	// ledger upsert, or not at all.
	InTradeTx(ctx context.Context, marketID, modelID string, fn func(tx TradeTx) error) error
}

// TradeTx is the locked view handed to a trade. The snapshot accessors
// return rows read after the locks were acquired, so trade math never uses
// stale quantities.
type TradeTx interface {
	// Market returns the locked market row.
	Market() *model.Market

	// Account returns the locked account row.
	Account() *model.Account

	// Position returns the locked position row.
	Position() *model.Position

	// UpdateMarketState writes new quantities and derived price.
	UpdateMarketState(qYes, qNo, priceYes float64) error

	// AdjustCash applies a signed delta to the account balance.
	AdjustCash(delta float64) error

	// UpdatePosition writes new share counts and cost basis.
	UpdatePosition(yesShares, noShares, costBasisUsd float64) error

	// UpsertAction writes the ledger row inside the same transaction.
	UpsertAction(action *model.Action) error
}
