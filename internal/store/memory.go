package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CourageResearch/endpointarena-sub000/internal/apperr"
	"github.com/CourageResearch/endpointarena-sub000/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.Mutex
	events    map[string]*model.Event
	markets   map[string]*model.Market
	accounts  map[string]*model.Account  // keyed by model ID
	positions map[string]*model.Position // keyed by marketID+"/"+modelID
	actions   map[string]*model.Action   // keyed by action ID
	runs      map[string]*model.Run      // keyed by run ID
	prices    map[string]*model.PriceSnapshot
	equities  map[string]*model.EquitySnapshot
	runtime   *model.RuntimeConfig
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:    make(map[string]*model.Event),
		markets:   make(map[string]*model.Market),
		accounts:  make(map[string]*model.Account),
		positions: make(map[string]*model.Position),
		actions:   make(map[string]*model.Action),
		runs:      make(map[string]*model.Run),
		prices:    make(map[string]*model.PriceSnapshot),
		equities:  make(map[string]*model.EquitySnapshot),
	}
}

func positionKey(marketID, modelID string) string { return marketID + "/" + modelID }

func actionKey(marketID, modelID string, runDate time.Time) string {
	return marketID + "/" + modelID + "/" + runDate.UTC().Format("2006-01-02")
}

// --- Events ---

func (s *MemoryStore) CreateEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[e.ID]; ok {
		return apperr.Conflict("FDA event %s already exists", e.ID)
	}
	cp := *e
	s.events[e.ID] = &cp
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return nil, apperr.NotFound("FDA event %s not found", id)
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) GetEventsByIDs(_ context.Context, ids []string) (map[string]*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*model.Event, len(ids))
	for _, id := range ids {
		if e, ok := s.events[id]; ok {
			cp := *e
			out[id] = &cp
		}
	}
	return out, nil
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.markets {
		if existing.EventID == m.EventID {
			return apperr.Conflict("market for event %s already exists", m.EventID)
		}
	}
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getMarketLocked(id)
}

func (s *MemoryStore) getMarketLocked(id string) (*model.Market, error) {
	m, ok := s.markets[id]
	if !ok {
		return nil, apperr.NotFound("market %s not found", id)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetMarketByEvent(_ context.Context, eventID string) (*model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.markets {
		if m.EventID == eventID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Market
	for _, m := range s.markets {
		out = append(out, *m)
	}
	sortMarketsNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) ListOpenMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Market
	for _, m := range s.markets {
		if m.Status == model.MarketOpen {
			out = append(out, *m)
		}
	}
	sortMarketsOldestFirst(out)
	return out, nil
}

func sortMarketsNewestFirst(ms []model.Market) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].OpenedAt.After(ms[j].OpenedAt) })
}

func sortMarketsOldestFirst(ms []model.Market) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].OpenedAt.Before(ms[j].OpenedAt) })
}

func (s *MemoryStore) UpdateMarketState(_ context.Context, id string, qYes, qNo, priceYes float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateMarketStateLocked(id, qYes, qNo, priceYes)
}

func (s *MemoryStore) updateMarketStateLocked(id string, qYes, qNo, priceYes float64) error {
	m, ok := s.markets[id]
	if !ok {
		return apperr.NotFound("market %s not found", id)
	}
	m.QYes = qYes
	m.QNo = qNo
	m.PriceYes = priceYes
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateMarketResolution(_ context.Context, id, status, outcome string, resolvedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return apperr.NotFound("market %s not found", id)
	}
	m.Status = status
	m.ResolvedOutcome = outcome
	m.ResolvedAt = resolvedAt
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Accounts ---

func (s *MemoryStore) EnsureAccount(_ context.Context, modelID string, startingCash float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[modelID]; ok {
		return nil
	}
	now := time.Now().UTC()
	s.accounts[modelID] = &model.Account{
		ID:           uuid.New().String(),
		ModelID:      modelID,
		StartingCash: startingCash,
		CashBalance:  startingCash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, modelID string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[modelID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Account
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

func (s *MemoryStore) AdjustAccountCash(_ context.Context, modelID string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[modelID]
	if !ok {
		return apperr.Configuration("missing market account for model %s", modelID)
	}
	a.CashBalance += delta
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Positions ---

func (s *MemoryStore) EnsurePosition(_ context.Context, marketID, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := positionKey(marketID, modelID)
	if _, ok := s.positions[key]; ok {
		return nil
	}
	now := time.Now().UTC()
	s.positions[key] = &model.Position{
		ID:        uuid.New().String(),
		MarketID:  marketID,
		ModelID:   modelID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, marketID, modelID string) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[positionKey(marketID, modelID)]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositionsByMarket(_ context.Context, marketID string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.MarketID == marketID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListPositionsByMarkets(_ context.Context, marketIDs []string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(marketIDs))
	for _, id := range marketIDs {
		wanted[id] = true
	}
	var out []model.Position
	for _, p := range s.positions {
		if wanted[p.MarketID] {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListPositionsByModel(_ context.Context, modelID string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.ModelID == modelID {
			out = append(out, *p)
		}
	}
	return out, nil
}

// --- Action ledger ---

func (s *MemoryStore) GetAction(_ context.Context, marketID, modelID string, runDate time.Time) (*model.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := actionKey(marketID, modelID, runDate)
	for _, a := range s.actions {
		if actionKey(a.MarketID, a.ModelID, a.RunDate) == key {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) UpsertAction(_ context.Context, a *model.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertActionLocked(a)
	return nil
}

func (s *MemoryStore) upsertActionLocked(a *model.Action) {
	key := actionKey(a.MarketID, a.ModelID, a.RunDate)
	for id, existing := range s.actions {
		if actionKey(existing.MarketID, existing.ModelID, existing.RunDate) == key {
			cp := *a
			cp.ID = existing.ID
			cp.CreatedAt = existing.CreatedAt
			cp.UpdatedAt = time.Now().UTC()
			s.actions[id] = &cp
			a.ID = existing.ID
			return
		}
	}
	cp := *a
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.actions[cp.ID] = &cp
}

func (s *MemoryStore) DeleteAction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.actions, id)
	return nil
}

// --- Runs ---

func (s *MemoryStore) GetRunningRun(_ context.Context) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.runs {
		if r.Status == model.RunRunning {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) UpsertRun(_ context.Context, r *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.runs {
		if existing.RunDate.Equal(r.RunDate) {
			cp := *r
			cp.ID = existing.ID
			cp.CreatedAt = existing.CreatedAt
			cp.UpdatedAt = time.Now().UTC()
			s.runs[id] = &cp
			r.ID = existing.ID
			return nil
		}
	}
	cp := *r
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.runs[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, r *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.runs[r.ID]
	if !ok {
		return apperr.NotFound("run %s not found", r.ID)
	}
	existing.Status = r.Status
	existing.ProcessedActions = r.ProcessedActions
	existing.OkCount = r.OkCount
	existing.ErrorCount = r.ErrorCount
	existing.SkippedCount = r.SkippedCount
	existing.FailureReason = r.FailureReason
	existing.CompletedAt = r.CompletedAt
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) TouchRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.runs[id]; ok {
		r.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// --- Snapshots ---

func (s *MemoryStore) UpsertPriceSnapshot(_ context.Context, snap *model.PriceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := snap.MarketID + "/" + snap.SnapshotDate.UTC().Format("2006-01-02")
	cp := *snap
	s.prices[key] = &cp
	return nil
}

func (s *MemoryStore) UpsertEquitySnapshot(_ context.Context, snap *model.EquitySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := snap.ModelID + "/" + snap.SnapshotDate.UTC().Format("2006-01-02")
	cp := *snap
	s.equities[key] = &cp
	return nil
}

// --- Runtime configuration ---

func (s *MemoryStore) GetRuntimeConfig(_ context.Context) (*model.RuntimeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runtime == nil {
		return nil, apperr.Configuration("market runtime config row is missing; seed it before running")
	}
	cp := *s.runtime
	return &cp, nil
}

func (s *MemoryStore) SaveRuntimeConfig(_ context.Context, c *model.RuntimeConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	cp.UpdatedAt = time.Now().UTC()
	if s.runtime != nil {
		cp.CreatedAt = s.runtime.CreatedAt
	}
	s.runtime = &cp
	return nil
}

// --- Trade transactions ---

// memTradeTx stages writes so a failing fn leaves the store untouched,
// mirroring the atomicity of the SQL transaction.
type memTradeTx struct {
	market   *model.Market
	account  *model.Account
	position *model.Position

	marketDirty   bool
	cashDelta     float64
	positionDirty bool
	newYes        float64
	newNo         float64
	newCostBasis  float64
	action        *model.Action
}

func (t *memTradeTx) Market() *model.Market     { return t.market }
func (t *memTradeTx) Account() *model.Account   { return t.account }
func (t *memTradeTx) Position() *model.Position { return t.position }

func (t *memTradeTx) UpdateMarketState(qYes, qNo, priceYes float64) error {
	t.market.QYes = qYes
	t.market.QNo = qNo
	t.market.PriceYes = priceYes
	t.marketDirty = true
	return nil
}

func (t *memTradeTx) AdjustCash(delta float64) error {
	t.cashDelta += delta
	return nil
}

func (t *memTradeTx) UpdatePosition(yesShares, noShares, costBasisUsd float64) error {
	t.newYes = yesShares
	t.newNo = noShares
	t.newCostBasis = costBasisUsd
	t.positionDirty = true
	return nil
}

func (t *memTradeTx) UpsertAction(a *model.Action) error {
	cp := *a
	t.action = &cp
	return nil
}

// InTradeTx serializes all trades behind the store mutex, which gives the
// same ordering guarantees the row locks give in PostgreSQL.
func (s *MemoryStore) InTradeTx(_ context.Context, marketID, modelID string, fn func(tx TradeTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	market, err := s.getMarketLocked(marketID)
	if err != nil {
		return err
	}
	account, ok := s.accounts[modelID]
	if !ok {
		return apperr.Configuration("missing market account for model %s", modelID)
	}
	position, ok := s.positions[positionKey(marketID, modelID)]
	if !ok {
		return apperr.Configuration("missing position for model %s in market %s", modelID, marketID)
	}

	acctCopy := *account
	posCopy := *position
	tx := &memTradeTx{market: market, account: &acctCopy, position: &posCopy}
	if err := fn(tx); err != nil {
		return err
	}

	now := time.Now().UTC()
	if tx.marketDirty {
		if err := s.updateMarketStateLocked(marketID, market.QYes, market.QNo, market.PriceYes); err != nil {
			return err
		}
	}
	if tx.cashDelta != 0 {
		account.CashBalance += tx.cashDelta
		account.UpdatedAt = now
	}
	if tx.positionDirty {
		position.YesShares = tx.newYes
		position.NoShares = tx.newNo
		position.CostBasisUsd = tx.newCostBasis
		position.UpdatedAt = now
	}
	if tx.action != nil {
		s.upsertActionLocked(tx.action)
	}
	return nil
}
