// Package ledger executes trades against a market and records every
// decision as an action row. The (market, model, runDate) unique key on
// the ledger makes the whole daily cycle idempotent: re-running a date
// can update rows but never duplicate them.
package ledger

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/CourageResearch/endpointarena-sub000/internal/apperr"
	"github.com/CourageResearch/endpointarena-sub000/internal/lmsr"
	"github.com/CourageResearch/endpointarena-sub000/internal/model"
	"github.com/CourageResearch/endpointarena-sub000/internal/store"
)

// Service executes buys, sells, holds, and error records. All mutating
// paths go through the store's trade transaction so market state, cash,
// position, and the ledger row commit atomically.
type Service struct {
	store store.Store
}

// NewService creates a ledger service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// TradeOutcome reports what actually happened. Action degrades to HOLD
// when the executable amount came out to zero.
type TradeOutcome struct {
	Action      string
	UsdAmount   float64
	Shares      float64
	PriceBefore float64
	PriceAfter  float64
}

func holdOutcome(priceYes float64) *TradeOutcome {
	return &TradeOutcome{
		Action:      model.ActionHold,
		PriceBefore: priceYes,
		PriceAfter:  priceYes,
	}
}

func newActionRow(runID, marketID, eventID, modelID string, runDate time.Time) *model.Action {
	return &model.Action{
		ID:       uuid.New().String(),
		RunID:    runID,
		MarketID: marketID,
		EventID:  eventID,
		ModelID:  modelID,
		RunDate:  runDate,
	}
}

func holdRow(runID, marketID, eventID, modelID string, runDate time.Time, explanation string, priceYes float64) *model.Action {
	a := newActionRow(runID, marketID, eventID, modelID, runDate)
	a.Action = model.ActionHold
	a.PriceBefore = priceYes
	a.PriceAfter = priceYes
	a.Explanation = explanation
	a.Status = model.ActionStatusOK
	return a
}

// Hold records an explicit no-trade decision. Upserting clears any prior
// error fields on the row.
func (s *Service) Hold(ctx context.Context, market *model.Market, modelID string, runDate time.Time, runID, explanation string) error {
	return s.store.UpsertAction(ctx,
		holdRow(runID, market.ID, market.EventID, modelID, runDate, explanation, market.PriceYes))
}

// RecordError writes an error-status HOLD row carrying the failure code
// and message. Error rows are deleted on retry, so they never block a
// later successful attempt for the same date.
func (s *Service) RecordError(ctx context.Context, market *model.Market, modelID string, runDate time.Time, runID, code, message string) error {
	a := newActionRow(runID, market.ID, market.EventID, modelID, runDate)
	a.Action = model.ActionHold
	a.PriceBefore = market.PriceYes
	a.PriceAfter = market.PriceYes
	a.Explanation = "Error: " + message
	a.Status = model.ActionStatusError
	a.ErrorCode = code
	a.ErrorDetail = message
	return s.store.UpsertAction(ctx, a)
}

// Buy spends up to requestedUsd on the given side, clamped to available
// cash. A zero executable spend degrades to a HOLD row with ok status.
func (s *Service) Buy(ctx context.Context, marketID, modelID string, runDate time.Time, runID, side string, requestedUsd float64, explanation string) (*TradeOutcome, error) {
	if !model.IsBuy(side) {
		return nil, apperr.Validation("invalid buy side %q", side)
	}

	var outcome *TradeOutcome
	err := s.store.InTradeTx(ctx, marketID, modelID, func(tx store.TradeTx) error {
		market := tx.Market()
		if market.Status != model.MarketOpen {
			return apperr.Conflict("market %s is no longer open", market.ID)
		}
		account := tx.Account()
		position := tx.Position()

		spent := math.Max(0, math.Min(requestedUsd, account.CashBalance))
		if spent <= 0 {
			outcome = holdOutcome(market.PriceYes)
			return tx.UpsertAction(holdRow(runID, market.ID, market.EventID, modelID, runDate, explanation, market.PriceYes))
		}

		state := lmsr.State{QYes: market.QYes, QNo: market.QNo, B: market.B}
		trade := lmsr.BuyForBudget(state, side == model.ActionBuyYes, spent)

		if err := tx.UpdateMarketState(trade.QYes, trade.QNo, trade.PriceAfter); err != nil {
			return err
		}
		if err := tx.AdjustCash(-spent); err != nil {
			return err
		}
		yes, no := position.YesShares, position.NoShares
		if side == model.ActionBuyYes {
			yes += trade.Shares
		} else {
			no += trade.Shares
		}
		if err := tx.UpdatePosition(yes, no, position.CostBasisUsd+spent); err != nil {
			return err
		}

		a := newActionRow(runID, market.ID, market.EventID, modelID, runDate)
		a.Action = side
		a.UsdAmount = spent
		a.SharesDelta = trade.Shares
		a.PriceBefore = trade.PriceBefore
		a.PriceAfter = trade.PriceAfter
		a.Explanation = explanation
		a.Status = model.ActionStatusOK
		if err := tx.UpsertAction(a); err != nil {
			return err
		}

		outcome = &TradeOutcome{
			Action:      side,
			UsdAmount:   spent,
			Shares:      trade.Shares,
			PriceBefore: trade.PriceBefore,
			PriceAfter:  trade.PriceAfter,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// Sell raises up to requestedUsd of proceeds from the given side, capped
// by the shares actually held. Selling nothing degrades to a HOLD row.
func (s *Service) Sell(ctx context.Context, marketID, modelID string, runDate time.Time, runID, side string, requestedUsd float64, explanation string) (*TradeOutcome, error) {
	if !model.IsSell(side) {
		return nil, apperr.Validation("invalid sell side %q", side)
	}

	var outcome *TradeOutcome
	err := s.store.InTradeTx(ctx, marketID, modelID, func(tx store.TradeTx) error {
		market := tx.Market()
		if market.Status != model.MarketOpen {
			return apperr.Conflict("market %s is no longer open", market.ID)
		}
		position := tx.Position()

		sellYes := side == model.ActionSellYes
		held := position.NoShares
		if sellYes {
			held = position.YesShares
		}
		held = math.Max(0, held)
		requested := math.Max(0, requestedUsd)

		recordHold := func() error {
			outcome = holdOutcome(market.PriceYes)
			return tx.UpsertAction(holdRow(runID, market.ID, market.EventID, modelID, runDate, explanation, market.PriceYes))
		}

		if held <= 0 || requested <= 0 {
			return recordHold()
		}

		state := lmsr.State{QYes: market.QYes, QNo: market.QNo, B: market.B}
		maxSale := lmsr.SellShares(state, sellYes, held)
		proceeds := math.Max(0, math.Min(requested, maxSale.ProceedsUsd))
		if proceeds <= 0 {
			return recordHold()
		}

		sale := lmsr.SellForProceeds(state, sellYes, held, proceeds)
		soldShares := math.Min(held, math.Max(0, sale.Shares))
		saleProceeds := math.Max(0, sale.ProceedsUsd)
		if soldShares <= 0 || saleProceeds <= 0 {
			return recordHold()
		}

		if err := tx.UpdateMarketState(sale.QYes, sale.QNo, sale.PriceAfter); err != nil {
			return err
		}
		if err := tx.AdjustCash(saleProceeds); err != nil {
			return err
		}
		yes, no := position.YesShares, position.NoShares
		if sellYes {
			yes = math.Max(0, yes-soldShares)
		} else {
			no = math.Max(0, no-soldShares)
		}
		if err := tx.UpdatePosition(yes, no, position.CostBasisUsd-saleProceeds); err != nil {
			return err
		}

		a := newActionRow(runID, market.ID, market.EventID, modelID, runDate)
		a.Action = side
		a.UsdAmount = saleProceeds
		a.SharesDelta = -soldShares
		a.PriceBefore = sale.PriceBefore
		a.PriceAfter = sale.PriceAfter
		a.Explanation = explanation
		a.Status = model.ActionStatusOK
		if err := tx.UpsertAction(a); err != nil {
			return err
		}

		outcome = &TradeOutcome{
			Action:      side,
			UsdAmount:   saleProceeds,
			Shares:      -soldShares,
			PriceBefore: sale.PriceBefore,
			PriceAfter:  sale.PriceAfter,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}
