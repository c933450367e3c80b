// Package runner orchestrates the daily trading cycle: one decision per
// model per open market per day. The cycle is idempotent per run date;
// error rows are retried, completed rows are skipped.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/CourageResearch/endpointarena-sub000/internal/apperr"
	"github.com/CourageResearch/endpointarena-sub000/internal/generator"
	"github.com/CourageResearch/endpointarena-sub000/internal/ledger"
	"github.com/CourageResearch/endpointarena-sub000/internal/market"
	"github.com/CourageResearch/endpointarena-sub000/internal/metrics"
	"github.com/CourageResearch/endpointarena-sub000/internal/model"
	"github.com/CourageResearch/endpointarena-sub000/internal/risk"
	"github.com/CourageResearch/endpointarena-sub000/internal/store"

	"github.com/google/uuid"
)

// staleRunTimeout is how long a running run may go without a heartbeat
// before a new run is allowed to fail it and take over.
const staleRunTimeout = 2 * time.Hour

// Generator error codes recorded on error ledger rows.
const (
	CodeAPIKeyMissing      = "API_KEY_MISSING"
	CodeRateLimited        = "RATE_LIMITED"
	CodeTimeout            = "TIMEOUT"
	CodeParseError         = "PARSE_ERROR"
	CodeUnhandledError     = "UNHANDLED_ERROR"
	CodeMissingMarketState = "MISSING_MARKET_STATE"
)

// Result is the outcome for one (market, model) pair.
type Result struct {
	MarketID  string  `json:"market_id"`
	EventID   string  `json:"event_id"`
	ModelID   string  `json:"model_id"`
	Action    string  `json:"action"`
	AmountUsd float64 `json:"amount_usd"`
	Status    string  `json:"status"`
	Detail    string  `json:"detail"`
}

// Summary tallies pair results by status.
type Summary struct {
	Ok      int `json:"ok"`
	Error   int `json:"error"`
	Skipped int `json:"skipped"`
}

// Payload is the full report of one daily run.
type Payload struct {
	Success          bool     `json:"success"`
	RunID            string   `json:"run_id"`
	RunDate          string   `json:"run_date"`
	ModelOrder       []string `json:"model_order"`
	OpenMarkets      int      `json:"open_markets"`
	TotalActions     int      `json:"total_actions"`
	ProcessedActions int      `json:"processed_actions"`
	Summary          Summary  `json:"summary"`
	Results          []Result `json:"results"`
}

// StartInfo is handed to the OnStart hook when a run is admitted.
type StartInfo struct {
	RunDate      string   `json:"run_date"`
	ModelOrder   []string `json:"model_order"`
	OpenMarkets  int      `json:"open_markets"`
	TotalActions int      `json:"total_actions"`
}

// Progress is handed to the OnProgress hook after each pair.
type Progress struct {
	CompletedActions int    `json:"completed_actions"`
	TotalActions     int    `json:"total_actions"`
	Result           Result `json:"result"`
}

// Hooks let callers observe a run as it executes. Either hook may be nil.
type Hooks struct {
	OnStart    func(StartInfo)
	OnProgress func(Progress)
}

// Runner executes daily cycles.
type Runner struct {
	store      store.Store
	ledger     *ledger.Service
	markets    *market.Service
	generators generator.Registry
	models     []string
	log        *slog.Logger
}

// New creates a runner.
func New(st store.Store, led *ledger.Service, mkt *market.Service, gens generator.Registry, models []string, log *slog.Logger) *Runner {
	return &Runner{
		store:      st,
		ledger:     led,
		markets:    mkt,
		generators: gens,
		models:     models,
		log:        log,
	}
}

// RotateModelOrder rotates the base model order by the run date's day
// number, so no model permanently enjoys first-mover pricing.
func RotateModelOrder(models []string, runDate time.Time) []string {
	if len(models) == 0 {
		return nil
	}
	dayNumber := int(model.NormalizeRunDate(runDate).Unix() / 86400)
	offset := ((dayNumber % len(models)) + len(models)) % len(models)
	order := make([]string, len(models))
	for i := range models {
		order[i] = models[(i+offset)%len(models)]
	}
	return order
}

// InferErrorCode classifies a generator failure by message content.
func InferErrorCode(message string) string {
	normalized := strings.ToLower(message)
	switch {
	case strings.Contains(normalized, "api key"):
		return CodeAPIKeyMissing
	case strings.Contains(normalized, "rate limit") || strings.Contains(normalized, "429"):
		return CodeRateLimited
	case strings.Contains(normalized, "timeout") || strings.Contains(normalized, "timed out"):
		return CodeTimeout
	case strings.Contains(normalized, "json") || strings.Contains(normalized, "parse"):
		return CodeParseError
	default:
		return CodeUnhandledError
	}
}

// startRunRecord admits the run. At most one run may be running at a
// time; a running run whose heartbeat went stale is auto-failed so a
// crashed cycle cannot block the system forever.
func (r *Runner) startRunRecord(ctx context.Context, runDate time.Time, openMarkets, totalActions int) (*model.Run, error) {
	now := time.Now().UTC()

	active, err := r.store.GetRunningRun(ctx)
	if err != nil {
		return nil, err
	}
	if active != nil {
		heartbeatAge := now.Sub(active.UpdatedAt)
		if heartbeatAge < staleRunTimeout {
			return nil, apperr.Conflict(
				"a daily market cycle is already running (runDate %s); wait for it to finish before starting another run",
				active.RunDate.Format(time.RFC3339))
		}
		active.Status = model.RunFailed
		active.FailureReason = fmt.Sprintf("Auto-failed stale run after %dm without heartbeat updates.",
			int(heartbeatAge.Round(time.Minute).Minutes()))
		active.CompletedAt = &now
		if err := r.store.UpdateRun(ctx, active); err != nil {
			return nil, err
		}
		r.log.Warn("auto-failed stale run", "run_id", active.ID, "heartbeat_age", heartbeatAge)
	}

	run := &model.Run{
		ID:           uuid.New().String(),
		RunDate:      runDate,
		Status:       model.RunRunning,
		OpenMarkets:  openMarkets,
		TotalActions: totalActions,
	}
	if err := r.store.UpsertRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

type marketContext struct {
	MarketID       string
	EventID        string
	DrugName       string
	CompanyName    string
	PDUFADate      string
	MarketPriceYes float64
}

// ExecuteDailyRun runs one full cycle for runDate. It processes markets
// in PDUFA order and models in rotated order, records every pair in the
// ledger, writes the daily snapshots, and finalizes the run record.
func (r *Runner) ExecuteDailyRun(ctx context.Context, runDate time.Time, hooks Hooks) (*Payload, error) {
	normalized := model.NormalizeRunDate(runDate)
	runDateISO := normalized.Format(time.RFC3339)
	modelOrder := RotateModelOrder(r.models, normalized)

	runtimeConfig, err := r.store.GetRuntimeConfig(ctx)
	if err != nil {
		return nil, err
	}
	openMarkets, err := r.store.ListOpenMarkets(ctx)
	if err != nil {
		return nil, err
	}

	eventIDs := make([]string, 0, len(openMarkets))
	seen := make(map[string]bool, len(openMarkets))
	for _, m := range openMarkets {
		if !seen[m.EventID] {
			seen[m.EventID] = true
			eventIDs = append(eventIDs, m.EventID)
		}
	}
	eventByID, err := r.store.GetEventsByIDs(ctx, eventIDs)
	if err != nil {
		return nil, err
	}

	ordered := make([]model.Market, len(openMarkets))
	copy(ordered, openMarkets)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		aEvent, bEvent := eventByID[a.EventID], eventByID[b.EventID]
		aPdufa, bPdufa := maxTime(), maxTime()
		if aEvent != nil {
			aPdufa = aEvent.PDUFADate
		}
		if bEvent != nil {
			bPdufa = bEvent.PDUFADate
		}
		if !aPdufa.Equal(bPdufa) {
			return aPdufa.Before(bPdufa)
		}
		if !a.OpenedAt.Equal(b.OpenedAt) {
			return a.OpenedAt.Before(b.OpenedAt)
		}
		return a.ID < b.ID
	})

	contextByMarket := make(map[string]*marketContext, len(ordered))
	for _, m := range ordered {
		event := eventByID[m.EventID]
		if event == nil {
			continue
		}
		contextByMarket[m.ID] = &marketContext{
			MarketID:       m.ID,
			EventID:        m.EventID,
			DrugName:       event.DrugName,
			CompanyName:    event.CompanyName,
			PDUFADate:      event.PDUFADate.Format(time.RFC3339),
			MarketPriceYes: m.PriceYes,
		}
	}

	totalActions := len(ordered) * len(modelOrder)
	run, err := r.startRunRecord(ctx, normalized, len(ordered), totalActions)
	if err != nil {
		return nil, err
	}
	metrics.ActiveMarkets.Set(float64(len(ordered)))

	if hooks.OnStart != nil {
		hooks.OnStart(StartInfo{
			RunDate:      runDateISO,
			ModelOrder:   modelOrder,
			OpenMarkets:  len(ordered),
			TotalActions: totalActions,
		})
	}
	r.log.Info("daily run started",
		"run_id", run.ID, "run_date", runDateISO,
		"open_markets", len(ordered), "total_actions", totalActions,
		"model_order", modelOrder)

	var results []Result
	processed := 0

	pushResult := func(res Result) {
		results = append(results, res)
		processed++
		metrics.PairResultsTotal.WithLabelValues(res.Status).Inc()
		if res.Status == model.ActionStatusOK && res.Action != model.ActionHold {
			metrics.TradesTotal.WithLabelValues(res.Action).Inc()
		}
		// The run row's updated_at is the heartbeat.
		if err := r.store.TouchRun(ctx, run.ID); err != nil {
			r.log.Warn("heartbeat update failed", "run_id", run.ID, "error", err)
		}
		if hooks.OnProgress != nil {
			hooks.OnProgress(Progress{
				CompletedActions: processed,
				TotalActions:     totalActions,
				Result:           res,
			})
		}
	}

	runErr := func() error {
		for marketIndex, mkt := range ordered {
			event := eventByID[mkt.EventID]
			if event == nil {
				for _, modelID := range modelOrder {
					pushResult(Result{
						MarketID: mkt.ID, EventID: mkt.EventID, ModelID: modelID,
						Action: model.ActionHold, Status: model.ActionStatusError,
						Detail: "FDA event no longer exists for this market",
					})
				}
				continue
			}

			for _, modelID := range modelOrder {
				if err := r.processPair(ctx, run, runtimeConfig, normalized, runDateISO,
					&mkt, event, modelID, marketIndex, len(ordered), contextByMarket, pushResult); err != nil {
					return err
				}
			}
		}
		return nil
	}()

	now := time.Now().UTC()
	if runErr != nil {
		run.Status = model.RunFailed
		run.ProcessedActions = processed
		run.FailureReason = runErr.Error()
		run.CompletedAt = &now
		if err := r.store.UpdateRun(ctx, run); err != nil {
			r.log.Error("failed to record run failure", "run_id", run.ID, "error", err)
		}
		metrics.RunsTotal.WithLabelValues(model.RunFailed).Inc()
		return nil, runErr
	}

	if err := r.markets.UpsertDailySnapshots(ctx, normalized); err != nil {
		run.Status = model.RunFailed
		run.ProcessedActions = processed
		run.FailureReason = err.Error()
		run.CompletedAt = &now
		if uerr := r.store.UpdateRun(ctx, run); uerr != nil {
			r.log.Error("failed to record run failure", "run_id", run.ID, "error", uerr)
		}
		metrics.RunsTotal.WithLabelValues(model.RunFailed).Inc()
		return nil, err
	}

	summary := summarize(results)
	run.Status = model.RunCompleted
	run.ProcessedActions = processed
	run.OkCount = summary.Ok
	run.ErrorCount = summary.Error
	run.SkippedCount = summary.Skipped
	run.CompletedAt = &now
	if err := r.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	metrics.RunsTotal.WithLabelValues(model.RunCompleted).Inc()

	r.log.Info("daily run completed",
		"run_id", run.ID, "run_date", runDateISO,
		"ok", summary.Ok, "error", summary.Error, "skipped", summary.Skipped)

	return &Payload{
		Success:          true,
		RunID:            run.ID,
		RunDate:          runDateISO,
		ModelOrder:       modelOrder,
		OpenMarkets:      len(ordered),
		TotalActions:     totalActions,
		ProcessedActions: processed,
		Summary:          summary,
		Results:          results,
	}, nil
}

// processPair handles one (market, model) decision. Only infrastructure
// failures return an error; generator and trade failures are recorded on
// the ledger row and the cycle moves on.
func (r *Runner) processPair(
	ctx context.Context,
	run *model.Run,
	runtimeConfig *model.RuntimeConfig,
	runDate time.Time,
	runDateISO string,
	mkt *model.Market,
	event *model.Event,
	modelID string,
	marketIndex, totalMarkets int,
	contextByMarket map[string]*marketContext,
	pushResult func(Result),
) error {
	existing, err := r.store.GetAction(ctx, mkt.ID, modelID, runDate)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Status == model.ActionStatusError {
			// Error rows are retried on the next run of the same date.
			if err := r.store.DeleteAction(ctx, existing.ID); err != nil {
				return err
			}
		} else {
			pushResult(Result{
				MarketID: mkt.ID, EventID: mkt.EventID, ModelID: modelID,
				Action: existing.Action, AmountUsd: existing.UsdAmount,
				Status: model.ActionStatusSkipped,
				Detail: "Action already exists for this model/date",
			})
			return nil
		}
	}

	account, err := r.store.GetAccount(ctx, modelID)
	if err != nil {
		return err
	}
	position, err := r.store.GetPosition(ctx, mkt.ID, modelID)
	if err != nil {
		return err
	}
	if account == nil || position == nil {
		message := "Missing account or position state"
		if err := r.ledger.RecordError(ctx, mkt, modelID, runDate, run.ID, CodeMissingMarketState, message); err != nil {
			return err
		}
		pushResult(Result{
			MarketID: mkt.ID, EventID: mkt.EventID, ModelID: modelID,
			Action: model.ActionHold, Status: model.ActionStatusError, Detail: message,
		})
		return nil
	}

	gen, ok := r.generators[modelID]
	if !ok || !gen.Enabled() {
		message := fmt.Sprintf("%s generator is disabled because its API key is not configured", modelID)
		if err := r.ledger.RecordError(ctx, mkt, modelID, runDate, run.ID, CodeAPIKeyMissing, message); err != nil {
			return err
		}
		pushResult(Result{
			MarketID: mkt.ID, EventID: mkt.EventID, ModelID: modelID,
			Action: model.ActionHold, Status: model.ActionStatusError, Detail: message,
		})
		return nil
	}

	// Re-read the market so decisions price against the moves earlier
	// models made this run.
	latest, err := r.store.GetMarket(ctx, mkt.ID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			latest = nil
		} else {
			return err
		}
	}
	if latest == nil || latest.Status != model.MarketOpen {
		pushResult(Result{
			MarketID: mkt.ID, EventID: mkt.EventID, ModelID: modelID,
			Action: model.ActionHold, Status: model.ActionStatusSkipped,
			Detail: "Market is no longer open",
		})
		return nil
	}

	var otherOpenMarkets []generator.MarketBrief
	for _, mc := range contextByMarket {
		if mc.MarketID == latest.ID {
			continue
		}
		otherOpenMarkets = append(otherOpenMarkets, generator.MarketBrief{
			MarketID:    mc.MarketID,
			EventID:     mc.EventID,
			DrugName:    mc.DrugName,
			CompanyName: mc.CompanyName,
			PDUFADate:   mc.PDUFADate,
			PriceYes:    mc.MarketPriceYes,
		})
	}
	sort.Slice(otherOpenMarkets, func(i, j int) bool {
		return otherOpenMarkets[i].PDUFADate < otherOpenMarkets[j].PDUFADate
	})
	marketsRemaining := totalMarkets - (marketIndex + 1)
	if marketsRemaining < 0 {
		marketsRemaining = 0
	}

	genStart := time.Now()
	decision, err := gen.Decide(ctx, generator.Input{
		RunDateISO:        runDateISO,
		ModelID:           modelID,
		DrugName:          event.DrugName,
		CompanyName:       event.CompanyName,
		Symbols:           event.Symbols,
		ApplicationType:   event.ApplicationType,
		PDUFADate:         event.PDUFADate.Format(time.RFC3339),
		EventDescription:  event.Description,
		TherapeuticArea:   event.TherapeuticArea,
		MarketPriceYes:    latest.PriceYes,
		MarketPriceNo:     1 - latest.PriceYes,
		AccountCash:       account.CashBalance,
		PositionYesShares: position.YesShares,
		PositionNoShares:  position.NoShares,
		TotalOpenMarkets:  totalMarkets,
		MarketsRemaining:  marketsRemaining,
		OtherOpenMarkets:  otherOpenMarkets,
	})
	metrics.GeneratorLatency.WithLabelValues(modelID).Observe(time.Since(genStart).Seconds())
	if err != nil {
		return r.recordPairError(ctx, run, latest, modelID, runDate, err, pushResult)
	}

	capped := risk.ApplyWarmupCap(decision.Action, decision.AmountUsd,
		account.CashBalance, latest.OpenedAt, runDate, runtimeConfig)
	explanation := decision.Explanation
	if capped.Applied && capped.Note != "" {
		explanation = strings.TrimSpace(decision.Explanation + " " + capped.Note)
	}

	if decision.Action == model.ActionHold || capped.AmountUsd <= 0 {
		if err := r.ledger.Hold(ctx, latest, modelID, runDate, run.ID, explanation); err != nil {
			return err
		}
		pushResult(Result{
			MarketID: latest.ID, EventID: latest.EventID, ModelID: modelID,
			Action: model.ActionHold, Status: model.ActionStatusOK, Detail: explanation,
		})
		return nil
	}

	var outcome *ledger.TradeOutcome
	if model.IsBuy(decision.Action) {
		outcome, err = r.ledger.Buy(ctx, latest.ID, modelID, runDate, run.ID,
			decision.Action, capped.AmountUsd, explanation)
	} else {
		outcome, err = r.ledger.Sell(ctx, latest.ID, modelID, runDate, run.ID,
			decision.Action, capped.AmountUsd, explanation)
	}
	if err != nil {
		return r.recordPairError(ctx, run, latest, modelID, runDate, err, pushResult)
	}

	pushResult(Result{
		MarketID: latest.ID, EventID: latest.EventID, ModelID: modelID,
		Action: outcome.Action, AmountUsd: outcome.UsdAmount,
		Status: model.ActionStatusOK, Detail: explanation,
	})
	if mc := contextByMarket[latest.ID]; mc != nil {
		mc.MarketPriceYes = outcome.PriceAfter
	}
	return nil
}

// recordPairError classifies and records a pair failure, then lets the
// cycle continue. Generator failures never abort the whole run.
func (r *Runner) recordPairError(
	ctx context.Context,
	run *model.Run,
	mkt *model.Market,
	modelID string,
	runDate time.Time,
	cause error,
	pushResult func(Result),
) error {
	// Re-read so the error row carries the freshest price available.
	priceMarket := mkt
	if latest, err := r.store.GetMarket(ctx, mkt.ID); err == nil && latest != nil {
		priceMarket = latest
	}

	message := cause.Error()
	code := InferErrorCode(message)
	if err := r.ledger.RecordError(ctx, priceMarket, modelID, runDate, run.ID, code, message); err != nil {
		return err
	}
	r.log.Warn("pair failed", "market_id", mkt.ID, "model_id", modelID, "code", code, "error", message)

	pushResult(Result{
		MarketID: mkt.ID, EventID: mkt.EventID, ModelID: modelID,
		Action: model.ActionHold, Status: model.ActionStatusError, Detail: message,
	})
	return nil
}

func summarize(results []Result) Summary {
	var s Summary
	for _, res := range results {
		switch res.Status {
		case model.ActionStatusOK:
			s.Ok++
		case model.ActionStatusError:
			s.Error++
		case model.ActionStatusSkipped:
			s.Skipped++
		}
	}
	return s
}

// maxTime sorts markets with missing events to the back.
func maxTime() time.Time {
	return time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
}
