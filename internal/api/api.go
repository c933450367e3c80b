// Package api exposes the market engine over HTTP: market lifecycle,
// daily run control, runtime configuration, portfolio queries, and the
// WebSocket progress stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/CourageResearch/endpointarena-sub000/internal/apperr"
	"github.com/CourageResearch/endpointarena-sub000/internal/config"
	"github.com/CourageResearch/endpointarena-sub000/internal/market"
	"github.com/CourageResearch/endpointarena-sub000/internal/model"
	"github.com/CourageResearch/endpointarena-sub000/internal/runner"
	"github.com/CourageResearch/endpointarena-sub000/internal/store"
)

// Service holds the HTTP handlers.
type Service struct {
	store   store.Store
	markets *market.Service
	runner  *runner.Runner
	hub     *WSHub
	log     *slog.Logger
}

// NewService creates the API service.
func NewService(st store.Store, mkt *market.Service, run *runner.Runner, hub *WSHub, log *slog.Logger) *Service {
	return &Service{store: st, markets: mkt, runner: run, hub: hub, log: log}
}

// Routes mounts all API routes on the given router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/ws", s.hub.HandleWS)

	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Post("/markets/open", s.OpenMarket)
	r.Post("/markets/{eventID}/resolve", s.ResolveMarket)
	r.Post("/markets/{eventID}/reopen", s.ReopenMarket)

	r.Post("/runs", s.StartRun)
	r.Get("/runs/current", s.GetCurrentRun)

	r.Get("/config", s.GetConfig)
	r.Patch("/config", s.PatchConfig)

	r.Get("/portfolio/{modelID}", s.GetPortfolio)
}

// usd rounds a dollar amount to cents for API responses. Engine math
// stays float64; rounding happens only at the boundary.
func usd(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}

func prob(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(6)
}

type marketView struct {
	ID                 string          `json:"id"`
	EventID            string          `json:"event_id"`
	Status             string          `json:"status"`
	OpeningProbability decimal.Decimal `json:"opening_probability"`
	B                  float64         `json:"b"`
	QYes               float64         `json:"q_yes"`
	QNo                float64         `json:"q_no"`
	PriceYes           decimal.Decimal `json:"price_yes"`
	PriceNo            decimal.Decimal `json:"price_no"`
	ResolvedOutcome    string          `json:"resolved_outcome,omitempty"`
	OpenedAt           time.Time       `json:"opened_at"`
	ResolvedAt         *time.Time      `json:"resolved_at,omitempty"`
}

func toMarketView(m *model.Market) marketView {
	return marketView{
		ID:                 m.ID,
		EventID:            m.EventID,
		Status:             m.Status,
		OpeningProbability: prob(m.OpeningProbability),
		B:                  m.B,
		QYes:               m.QYes,
		QNo:                m.QNo,
		PriceYes:           prob(m.PriceYes),
		PriceNo:            prob(1 - m.PriceYes),
		ResolvedOutcome:    m.ResolvedOutcome,
		OpenedAt:           m.OpenedAt,
		ResolvedAt:         m.ResolvedAt,
	}
}

func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	views := make([]marketView, 0, len(markets))
	for i := range markets {
		views = append(views, toMarketView(&markets[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMarketView(m))
}

func (s *Service) OpenMarket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID string `json:"event_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.EventID == "" {
		writeError(w, "event_id is required", http.StatusBadRequest)
		return
	}

	m, err := s.markets.OpenMarketForEvent(r.Context(), req.EventID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMarketView(m))
}

func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	eventID := chi.URLParam(r, "eventID")
	if err := s.markets.ResolveMarketForEvent(r.Context(), eventID, req.Outcome); err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "event_id": eventID})
}

func (s *Service) ReopenMarket(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	if err := s.markets.ReopenMarketForEvent(r.Context(), eventID); err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reopened", "event_id": eventID})
}

func (s *Service) StartRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunDate string `json:"run_date"`
		Wait    bool   `json:"wait"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	runDate := time.Now().UTC()
	if req.RunDate != "" {
		parsed, err := time.Parse("2006-01-02", req.RunDate)
		if err != nil {
			writeError(w, "run_date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		runDate = parsed
	}
	normalized := model.NormalizeRunDate(runDate)

	// Admission check up front so the caller gets the conflict directly;
	// the cycle itself runs in the background with progress over the
	// WebSocket stream.
	active, err := s.store.GetRunningRun(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if active != nil && time.Since(active.UpdatedAt) < 2*time.Hour {
		writeError(w, "a daily market cycle is already running", http.StatusConflict)
		return
	}

	// wait=true blocks and returns the whole payload for callers that do
	// not need the stream.
	if req.Wait {
		payload, err := s.runner.ExecuteDailyRun(r.Context(), normalized, s.hub.Hooks())
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		if _, err := s.runner.ExecuteDailyRun(ctx, normalized, s.hub.Hooks()); err != nil {
			s.log.Error("daily run failed", "run_date", normalized.Format("2006-01-02"), "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "started",
		"run_date": normalized.Format("2006-01-02"),
	})
}

func (s *Service) GetCurrentRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRunningRun(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if run == nil {
		writeError(w, "no run is currently running", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Service) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetRuntimeConfig(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Service) PatchConfig(w http.ResponseWriter, r *http.Request) {
	var patch config.RuntimePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := patch.Validate(); err != nil {
		s.writeAppError(w, err)
		return
	}

	cfg, err := s.store.GetRuntimeConfig(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	patch.Apply(cfg)
	if err := s.store.SaveRuntimeConfig(r.Context(), cfg); err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type positionView struct {
	MarketID     string          `json:"market_id"`
	EventID      string          `json:"event_id"`
	MarketStatus string          `json:"market_status"`
	YesShares    float64         `json:"yes_shares"`
	NoShares     float64         `json:"no_shares"`
	CostBasisUsd decimal.Decimal `json:"cost_basis_usd"`
	ValueUsd     decimal.Decimal `json:"value_usd"`
}

type portfolioView struct {
	ModelID        string          `json:"model_id"`
	StartingCash   decimal.Decimal `json:"starting_cash"`
	CashBalance    decimal.Decimal `json:"cash_balance"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	TotalEquity    decimal.Decimal `json:"total_equity"`
	Positions      []positionView  `json:"positions"`
}

// GetPortfolio returns a model's cash plus open positions marked to the
// current market price.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")

	account, err := s.store.GetAccount(r.Context(), modelID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if account == nil {
		writeError(w, "account not found: "+modelID, http.StatusNotFound)
		return
	}

	positions, err := s.store.ListPositionsByModel(r.Context(), modelID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	views := make([]positionView, 0, len(positions))
	positionsValue := 0.0
	for _, p := range positions {
		m, err := s.store.GetMarket(r.Context(), p.MarketID)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		value := 0.0
		if m.Status == model.MarketOpen {
			value = p.YesShares*m.PriceYes + p.NoShares*(1-m.PriceYes)
			positionsValue += value
		}
		views = append(views, positionView{
			MarketID:     p.MarketID,
			EventID:      m.EventID,
			MarketStatus: m.Status,
			YesShares:    p.YesShares,
			NoShares:     p.NoShares,
			CostBasisUsd: usd(p.CostBasisUsd),
			ValueUsd:     usd(value),
		})
	}

	writeJSON(w, http.StatusOK, portfolioView{
		ModelID:        modelID,
		StartingCash:   usd(account.StartingCash),
		CashBalance:    usd(account.CashBalance),
		PositionsValue: usd(positionsValue),
		TotalEquity:    usd(account.CashBalance + positionsValue),
		Positions:      views,
	})
}

// writeAppError maps error kinds to HTTP statuses.
func (s *Service) writeAppError(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		switch appErr.Kind {
		case apperr.KindValidation:
			writeError(w, appErr.Message, http.StatusBadRequest)
		case apperr.KindNotFound:
			writeError(w, appErr.Message, http.StatusNotFound)
		case apperr.KindConflict:
			writeError(w, appErr.Message, http.StatusConflict)
		case apperr.KindConfiguration:
			writeError(w, appErr.Message, http.StatusInternalServerError)
		default:
			writeError(w, appErr.Message, http.StatusInternalServerError)
		}
		return
	}
	s.log.Error("internal error", "error", err)
	writeError(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
