// Package market manages the lifecycle of prediction markets: opening a
// market against an FDA calendar event, settling it when the decision
// lands, reopening it if the outcome is walked back, and the daily price
// and equity snapshots.
package market

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/CourageResearch/endpointarena-sub000/internal/apperr"
	"github.com/CourageResearch/endpointarena-sub000/internal/fda"
	"github.com/CourageResearch/endpointarena-sub000/internal/lmsr"
	"github.com/CourageResearch/endpointarena-sub000/internal/model"
	"github.com/CourageResearch/endpointarena-sub000/internal/store"
)

// StartingCash is every model account's initial bankroll.
const StartingCash = 100_000

// DefaultLiquidityB is the LMSR liquidity parameter used when the runtime
// config does not override it.
const DefaultLiquidityB = 25_000

// Service owns market lifecycle and settlement.
type Service struct {
	store  store.Store
	models []string
	log    *slog.Logger
}

// NewService creates a market service for the given competing model IDs.
func NewService(st store.Store, models []string, log *slog.Logger) *Service {
	return &Service{store: st, models: models, log: log}
}

// Models returns the competing model IDs in their configured base order.
func (s *Service) Models() []string {
	return s.models
}

// EnsureAccounts creates any missing model accounts with the starting
// bankroll. Idempotent.
func (s *Service) EnsureAccounts(ctx context.Context) error {
	for _, modelID := range s.models {
		if err := s.store.EnsureAccount(ctx, modelID, StartingCash); err != nil {
			return err
		}
	}
	return nil
}

// EnsurePositions creates any missing (market, model) position rows.
// Idempotent.
func (s *Service) EnsurePositions(ctx context.Context, marketID string) error {
	for _, modelID := range s.models {
		if err := s.store.EnsurePosition(ctx, marketID, modelID); err != nil {
			return err
		}
	}
	return nil
}

// OpenMarketForEvent opens a market for a pending FDA event. The opening
// price comes from the historical approval baseline and the liquidity
// parameter from the runtime config. Calling it again for an already-open
// market is a no-op that returns the existing market; a resolved market
// is a conflict.
func (s *Service) OpenMarketForEvent(ctx context.Context, eventID string) (*model.Market, error) {
	if err := s.EnsureAccounts(ctx); err != nil {
		return nil, err
	}

	event, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.Outcome != model.OutcomePending {
		return nil, apperr.Conflict("cannot open market for an event that already has a final outcome")
	}

	existing, err := s.store.GetMarketByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Status == model.MarketOpen {
			if err := s.EnsurePositions(ctx, existing.ID); err != nil {
				return nil, err
			}
			return existing, nil
		}
		return nil, apperr.Conflict("market already exists and is resolved")
	}

	cfg, err := s.store.GetRuntimeConfig(ctx)
	if err != nil {
		return nil, err
	}

	openingProbability := lmsr.ClampProbability(fda.HistoricalApprovalBaseline)
	liquidityB := math.Max(1, cfg.OpeningLiquidityB)
	state, err := lmsr.InitialState(openingProbability, liquidityB)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	m := &model.Market{
		ID:                 uuid.New().String(),
		EventID:            eventID,
		Status:             model.MarketOpen,
		OpeningProbability: openingProbability,
		B:                  liquidityB,
		QYes:               state.QYes,
		QNo:                state.QNo,
		PriceYes:           lmsr.PriceYes(state),
		OpenedAt:           now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateMarket(ctx, m); err != nil {
		return nil, err
	}
	if err := s.EnsurePositions(ctx, m.ID); err != nil {
		return nil, err
	}

	snap := &model.PriceSnapshot{
		ID:           uuid.New().String(),
		MarketID:     m.ID,
		SnapshotDate: model.NormalizeRunDate(now),
		PriceYes:     m.PriceYes,
		QYes:         m.QYes,
		QNo:          m.QNo,
	}
	if err := s.store.UpsertPriceSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	s.log.Info("opened market",
		"market_id", m.ID,
		"event_id", eventID,
		"opening_probability", openingProbability,
		"b", liquidityB)
	return m, nil
}

func payoutForOutcome(p model.Position, outcome string) float64 {
	if outcome == model.OutcomeApproved {
		return p.YesShares
	}
	return p.NoShares
}

// ResolveMarketForEvent settles the event's market: every winning share
// pays out $1. Re-resolving to the same outcome is a no-op; re-resolving
// to a different outcome applies only the payout delta so accounts end up
// exactly where a single correct resolution would have put them. Events
// without a market are ignored.
func (s *Service) ResolveMarketForEvent(ctx context.Context, eventID, outcome string) error {
	if _, err := fda.ParseOutcome(outcome); err != nil {
		return err
	}

	m, err := s.store.GetMarketByEvent(ctx, eventID)
	if err != nil || m == nil {
		return err
	}

	positions, err := s.store.ListPositionsByMarket(ctx, m.ID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	if m.Status == model.MarketResolved && m.ResolvedOutcome != "" && m.ResolvedOutcome != outcome {
		for _, p := range positions {
			delta := payoutForOutcome(p, outcome) - payoutForOutcome(p, m.ResolvedOutcome)
			if delta == 0 {
				continue
			}
			if err := s.store.AdjustAccountCash(ctx, p.ModelID, delta); err != nil {
				return err
			}
		}
		if err := s.store.UpdateMarketResolution(ctx, m.ID, model.MarketResolved, outcome, &now); err != nil {
			return err
		}
		s.log.Info("rebalanced market resolution",
			"market_id", m.ID, "event_id", eventID,
			"previous_outcome", m.ResolvedOutcome, "outcome", outcome)
		return s.UpsertDailySnapshots(ctx, now)
	}

	if m.Status == model.MarketResolved {
		return nil
	}

	for _, p := range positions {
		payout := payoutForOutcome(p, outcome)
		if payout <= 0 {
			continue
		}
		if err := s.store.AdjustAccountCash(ctx, p.ModelID, payout); err != nil {
			return err
		}
	}
	if err := s.store.UpdateMarketResolution(ctx, m.ID, model.MarketResolved, outcome, &now); err != nil {
		return err
	}
	s.log.Info("resolved market", "market_id", m.ID, "event_id", eventID, "outcome", outcome)
	return s.UpsertDailySnapshots(ctx, now)
}

// ReopenMarketForEvent undoes a settlement when the outcome is moved back
// to pending: prior payouts are clawed back and the market reopens with
// its quantities untouched. A market that is not resolved is ignored.
func (s *Service) ReopenMarketForEvent(ctx context.Context, eventID string) error {
	m, err := s.store.GetMarketByEvent(ctx, eventID)
	if err != nil || m == nil {
		return err
	}
	if m.Status != model.MarketResolved || m.ResolvedOutcome == "" {
		return nil
	}

	positions, err := s.store.ListPositionsByMarket(ctx, m.ID)
	if err != nil {
		return err
	}
	for _, p := range positions {
		previousPayout := payoutForOutcome(p, m.ResolvedOutcome)
		if previousPayout <= 0 {
			continue
		}
		if err := s.store.AdjustAccountCash(ctx, p.ModelID, -previousPayout); err != nil {
			return err
		}
	}

	if err := s.store.UpdateMarketResolution(ctx, m.ID, model.MarketOpen, "", nil); err != nil {
		return err
	}
	s.log.Info("reopened market", "market_id", m.ID, "event_id", eventID,
		"clawed_back_outcome", m.ResolvedOutcome)
	return s.UpsertDailySnapshots(ctx, time.Now().UTC())
}

// UpsertDailySnapshots writes the per-market price snapshot and the
// per-model equity snapshot for the given day. Positions are marked to
// the current market price; resolved markets contribute nothing beyond
// the cash their payouts already moved.
func (s *Service) UpsertDailySnapshots(ctx context.Context, runDate time.Time) error {
	day := model.NormalizeRunDate(runDate)

	openMarkets, err := s.store.ListOpenMarkets(ctx)
	if err != nil {
		return err
	}

	marketIDs := make([]string, 0, len(openMarkets))
	priceByMarket := make(map[string]float64, len(openMarkets))
	for _, m := range openMarkets {
		marketIDs = append(marketIDs, m.ID)
		priceByMarket[m.ID] = m.PriceYes

		snap := &model.PriceSnapshot{
			ID:           uuid.New().String(),
			MarketID:     m.ID,
			SnapshotDate: day,
			PriceYes:     m.PriceYes,
			QYes:         m.QYes,
			QNo:          m.QNo,
		}
		if err := s.store.UpsertPriceSnapshot(ctx, snap); err != nil {
			return err
		}
	}

	positions, err := s.store.ListPositionsByMarkets(ctx, marketIDs)
	if err != nil {
		return err
	}
	valueByModel := make(map[string]float64)
	for _, p := range positions {
		priceYes, ok := priceByMarket[p.MarketID]
		if !ok {
			continue
		}
		valueByModel[p.ModelID] += p.YesShares*priceYes + p.NoShares*(1-priceYes)
	}

	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		positionsValue := valueByModel[a.ModelID]
		snap := &model.EquitySnapshot{
			ID:             uuid.New().String(),
			ModelID:        a.ModelID,
			SnapshotDate:   day,
			CashBalance:    a.CashBalance,
			PositionsValue: positionsValue,
			TotalEquity:    a.CashBalance + positionsValue,
		}
		if err := s.store.UpsertEquitySnapshot(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}
