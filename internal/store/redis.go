package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CourageResearch/endpointarena-sub000/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache on the hot read paths: market lookups, the open-market list, and
// the runtime config. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary. Trade
// transactions always hit the primary and invalidate the touched market.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

func marketKey(id string) string        { return "market:" + id }
func marketByEventKey(id string) string { return "market:event:" + id }

const (
	openMarketsKey   = "markets:open"
	runtimeConfigKey = "runtime_config"
)

// --- Write paths (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.Store.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheJSON(ctx, marketKey(m.ID), m)
	s.rdb.Del(ctx, openMarketsKey, marketByEventKey(m.EventID))
	return nil
}

func (s *CachedStore) UpdateMarketState(ctx context.Context, id string, qYes, qNo, priceYes float64) error {
	if err := s.Store.UpdateMarketState(ctx, id, qYes, qNo, priceYes); err != nil {
		return err
	}
	s.invalidateMarket(ctx, id)
	return nil
}

func (s *CachedStore) UpdateMarketResolution(ctx context.Context, id, status, outcome string, resolvedAt *time.Time) error {
	if err := s.Store.UpdateMarketResolution(ctx, id, status, outcome, resolvedAt); err != nil {
		return err
	}
	s.invalidateMarket(ctx, id)
	return nil
}

func (s *CachedStore) SaveRuntimeConfig(ctx context.Context, cfg *model.RuntimeConfig) error {
	if err := s.Store.SaveRuntimeConfig(ctx, cfg); err != nil {
		return err
	}
	s.rdb.Del(ctx, runtimeConfigKey)
	return nil
}

func (s *CachedStore) InTradeTx(ctx context.Context, marketID, modelID string, fn func(tx TradeTx) error) error {
	if err := s.Store.InTradeTx(ctx, marketID, modelID, fn); err != nil {
		return err
	}
	s.invalidateMarket(ctx, marketID)
	return nil
}

func (s *CachedStore) invalidateMarket(ctx context.Context, id string) {
	// Next read re-populates. We do not know the event ID here, so the
	// by-event key is left to expire via TTL.
	s.rdb.Del(ctx, marketKey(id), openMarketsKey)
}

// --- Read paths (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.getJSON(ctx, marketKey(id), &m) {
		return &m, nil
	}

	fresh, err := s.Store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, marketKey(id), fresh)
	return fresh, nil
}

func (s *CachedStore) GetMarketByEvent(ctx context.Context, eventID string) (*model.Market, error) {
	var m model.Market
	if s.getJSON(ctx, marketByEventKey(eventID), &m) {
		return &m, nil
	}

	fresh, err := s.Store.GetMarketByEvent(ctx, eventID)
	if err != nil || fresh == nil {
		return fresh, err
	}
	s.cacheJSON(ctx, marketByEventKey(eventID), fresh)
	return fresh, nil
}

func (s *CachedStore) ListOpenMarkets(ctx context.Context) ([]model.Market, error) {
	var markets []model.Market
	if s.getJSON(ctx, openMarketsKey, &markets) {
		return markets, nil
	}

	fresh, err := s.Store.ListOpenMarkets(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, openMarketsKey, fresh)
	return fresh, nil
}

func (s *CachedStore) GetRuntimeConfig(ctx context.Context) (*model.RuntimeConfig, error) {
	var cfg model.RuntimeConfig
	if s.getJSON(ctx, runtimeConfigKey, &cfg) {
		return &cfg, nil
	}

	fresh, err := s.Store.GetRuntimeConfig(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, runtimeConfigKey, fresh)
	return fresh, nil
}

// --- Cache helpers ---

// Cache failures are never fatal: a Redis outage degrades to direct
// primary reads.

func (s *CachedStore) getJSON(ctx context.Context, key string, dest any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dest) == nil
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.rdb.Set(ctx, key, data, s.ttl)
}
