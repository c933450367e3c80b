package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CourageResearch/endpointarena-sub000/internal/apperr"
	"github.com/CourageResearch/endpointarena-sub000/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Quantities and dollar amounts are stored as DOUBLE PRECISION to match
// the engine's float64 math; the idempotency and exclusion guarantees come
// from the unique indexes created in Migrate.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist. The unique indexes on
// (market_id, model_id, run_date), run_date, (model_id), and the snapshot
// day keys are contractual: they back idempotency and run exclusion.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fda_events (
			id text PRIMARY KEY,
			drug_name text NOT NULL,
			company_name text NOT NULL,
			symbols text NOT NULL DEFAULT '',
			application_type text NOT NULL DEFAULT '',
			pdufa_date timestamptz NOT NULL,
			description text NOT NULL DEFAULT '',
			therapeutic_area text NOT NULL DEFAULT '',
			outcome text NOT NULL DEFAULT 'Pending',
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS markets (
			id text PRIMARY KEY,
			event_id text NOT NULL REFERENCES fda_events(id),
			status text NOT NULL,
			opening_probability double precision NOT NULL,
			b double precision NOT NULL,
			q_yes double precision NOT NULL,
			q_no double precision NOT NULL,
			price_yes double precision NOT NULL,
			resolved_outcome text,
			opened_at timestamptz NOT NULL,
			resolved_at timestamptz,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS markets_event_id_idx ON markets(event_id)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id text PRIMARY KEY,
			model_id text NOT NULL,
			starting_cash double precision NOT NULL,
			cash_balance double precision NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS accounts_model_id_idx ON accounts(model_id)`,
		`CREATE TABLE IF NOT EXISTS positions (
			id text PRIMARY KEY,
			market_id text NOT NULL REFERENCES markets(id),
			model_id text NOT NULL,
			yes_shares double precision NOT NULL DEFAULT 0,
			no_shares double precision NOT NULL DEFAULT 0,
			cost_basis_usd double precision NOT NULL DEFAULT 0,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS positions_market_model_idx ON positions(market_id, model_id)`,
		`CREATE TABLE IF NOT EXISTS actions (
			id text PRIMARY KEY,
			run_id text,
			market_id text NOT NULL REFERENCES markets(id),
			event_id text NOT NULL,
			model_id text NOT NULL,
			run_date timestamptz NOT NULL,
			action text NOT NULL,
			usd_amount double precision NOT NULL DEFAULT 0,
			shares_delta double precision NOT NULL DEFAULT 0,
			price_before double precision NOT NULL,
			price_after double precision NOT NULL,
			explanation text NOT NULL DEFAULT '',
			status text NOT NULL,
			error_code text,
			error_detail text,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS actions_market_model_run_idx ON actions(market_id, model_id, run_date)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id text PRIMARY KEY,
			run_date timestamptz NOT NULL,
			status text NOT NULL,
			open_markets integer NOT NULL DEFAULT 0,
			total_actions integer NOT NULL DEFAULT 0,
			processed_actions integer NOT NULL DEFAULT 0,
			ok_count integer NOT NULL DEFAULT 0,
			error_count integer NOT NULL DEFAULT 0,
			skipped_count integer NOT NULL DEFAULT 0,
			failure_reason text,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now(),
			completed_at timestamptz
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS runs_run_date_idx ON runs(run_date)`,
		`CREATE TABLE IF NOT EXISTS price_snapshots (
			id text PRIMARY KEY,
			market_id text NOT NULL REFERENCES markets(id),
			snapshot_date timestamptz NOT NULL,
			price_yes double precision NOT NULL,
			q_yes double precision NOT NULL,
			q_no double precision NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS price_snapshots_market_date_idx ON price_snapshots(market_id, snapshot_date)`,
		`CREATE TABLE IF NOT EXISTS equity_snapshots (
			id text PRIMARY KEY,
			model_id text NOT NULL,
			snapshot_date timestamptz NOT NULL,
			cash_balance double precision NOT NULL,
			positions_value double precision NOT NULL,
			total_equity double precision NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS equity_snapshots_model_date_idx ON equity_snapshots(model_id, snapshot_date)`,
		`CREATE TABLE IF NOT EXISTS runtime_configs (
			id text PRIMARY KEY,
			warmup_run_count integer NOT NULL,
			warmup_max_trade_usd double precision NOT NULL,
			warmup_buy_cash_fraction double precision NOT NULL,
			opening_liquidity_b double precision NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// --- Events ---

func (s *PostgresStore) CreateEvent(ctx context.Context, e *model.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fda_events (id, drug_name, company_name, symbols, application_type,
		                         pdufa_date, description, therapeutic_area, outcome, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.DrugName, e.CompanyName, e.Symbols, e.ApplicationType,
		e.PDUFADate, e.Description, e.TherapeuticArea, e.Outcome, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

const eventColumns = `id, drug_name, company_name, symbols, application_type,
	pdufa_date, description, therapeutic_area, outcome, created_at, updated_at`

func scanEvent(row pgx.Row) (*model.Event, error) {
	var e model.Event
	err := row.Scan(&e.ID, &e.DrugName, &e.CompanyName, &e.Symbols, &e.ApplicationType,
		&e.PDUFADate, &e.Description, &e.TherapeuticArea, &e.Outcome, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM fda_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("FDA event %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return e, nil
}

func (s *PostgresStore) GetEventsByIDs(ctx context.Context, ids []string) (map[string]*model.Event, error) {
	events := make(map[string]*model.Event, len(ids))
	if len(ids) == 0 {
		return events, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM fda_events WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.DrugName, &e.CompanyName, &e.Symbols, &e.ApplicationType,
			&e.PDUFADate, &e.Description, &e.TherapeuticArea, &e.Outcome, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		events[e.ID] = &e
	}
	return events, rows.Err()
}

// --- Markets ---

const marketColumns = `id, event_id, status, opening_probability, b, q_yes, q_no,
	price_yes, COALESCE(resolved_outcome, ''), opened_at, resolved_at, updated_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	err := row.Scan(&m.ID, &m.EventID, &m.Status, &m.OpeningProbability, &m.B, &m.QYes, &m.QNo,
		&m.PriceYes, &m.ResolvedOutcome, &m.OpenedAt, &m.ResolvedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, event_id, status, opening_probability, b, q_yes, q_no,
		                      price_yes, resolved_outcome, opened_at, resolved_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12)`,
		m.ID, m.EventID, m.Status, m.OpeningProbability, m.B, m.QYes, m.QNo,
		m.PriceYes, m.ResolvedOutcome, m.OpenedAt, m.ResolvedAt, m.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("market %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) GetMarketByEvent(ctx context.Context, eventID string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE event_id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get market by event %s: %w", eventID, err)
	}
	return m, nil
}

func (s *PostgresStore) listMarkets(ctx context.Context, where string, args ...any) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		var m model.Market
		if err := rows.Scan(&m.ID, &m.EventID, &m.Status, &m.OpeningProbability, &m.B, &m.QYes, &m.QNo,
			&m.PriceYes, &m.ResolvedOutcome, &m.OpenedAt, &m.ResolvedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.listMarkets(ctx, `ORDER BY opened_at DESC`)
}

func (s *PostgresStore) ListOpenMarkets(ctx context.Context) ([]model.Market, error) {
	return s.listMarkets(ctx, `WHERE status = $1 ORDER BY opened_at`, model.MarketOpen)
}

func (s *PostgresStore) UpdateMarketState(ctx context.Context, id string, qYes, qNo, priceYes float64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE markets SET q_yes = $2, q_no = $3, price_yes = $4, updated_at = now() WHERE id = $1`,
		id, qYes, qNo, priceYes,
	)
	return err
}

func (s *PostgresStore) UpdateMarketResolution(ctx context.Context, id, status, outcome string, resolvedAt *time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $2, resolved_outcome = NULLIF($3, ''), resolved_at = $4, updated_at = now()
		 WHERE id = $1`,
		id, status, outcome, resolvedAt,
	)
	return err
}

// --- Accounts ---

const accountColumns = `id, model_id, starting_cash, cash_balance, created_at, updated_at`

func (s *PostgresStore) EnsureAccount(ctx context.Context, modelID string, startingCash float64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, model_id, starting_cash, cash_balance)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (model_id) DO NOTHING`,
		uuid.New().String(), modelID, startingCash,
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, modelID string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE model_id = $1`, modelID).
		Scan(&a.ID, &a.ModelID, &a.StartingCash, &a.CashBalance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", modelID, err)
	}
	return &a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY model_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.ID, &a.ModelID, &a.StartingCash, &a.CashBalance, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) AdjustAccountCash(ctx context.Context, modelID string, delta float64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE accounts SET cash_balance = cash_balance + $2, updated_at = now() WHERE model_id = $1`,
		modelID, delta,
	)
	return err
}

// --- Positions ---

const positionColumns = `id, market_id, model_id, yes_shares, no_shares, cost_basis_usd, created_at, updated_at`

func (s *PostgresStore) EnsurePosition(ctx context.Context, marketID, modelID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, market_id, model_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (market_id, model_id) DO NOTHING`,
		uuid.New().String(), marketID, modelID,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, marketID, modelID string) (*model.Position, error) {
	var p model.Position
	err := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE market_id = $1 AND model_id = $2`,
		marketID, modelID).
		Scan(&p.ID, &p.MarketID, &p.ModelID, &p.YesShares, &p.NoShares, &p.CostBasisUsd, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", marketID, modelID, err)
	}
	return &p, nil
}

func (s *PostgresStore) listPositions(ctx context.Context, where string, args ...any) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.ID, &p.MarketID, &p.ModelID, &p.YesShares, &p.NoShares,
			&p.CostBasisUsd, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.listPositions(ctx, `WHERE market_id = $1 ORDER BY model_id`, marketID)
}

func (s *PostgresStore) ListPositionsByMarkets(ctx context.Context, marketIDs []string) ([]model.Position, error) {
	if len(marketIDs) == 0 {
		return nil, nil
	}
	return s.listPositions(ctx, `WHERE market_id = ANY($1) ORDER BY market_id, model_id`, marketIDs)
}

func (s *PostgresStore) ListPositionsByModel(ctx context.Context, modelID string) ([]model.Position, error) {
	return s.listPositions(ctx, `WHERE model_id = $1 ORDER BY market_id`, modelID)
}

// --- Action ledger ---

const actionColumns = `id, COALESCE(run_id, ''), market_id, event_id, model_id, run_date, action,
	usd_amount, shares_delta, price_before, price_after, explanation, status,
	COALESCE(error_code, ''), COALESCE(error_detail, ''), created_at, updated_at`

func (s *PostgresStore) GetAction(ctx context.Context, marketID, modelID string, runDate time.Time) (*model.Action, error) {
	var a model.Action
	err := s.pool.QueryRow(ctx,
		`SELECT `+actionColumns+` FROM actions
		 WHERE market_id = $1 AND model_id = $2 AND run_date = $3`,
		marketID, modelID, runDate).
		Scan(&a.ID, &a.RunID, &a.MarketID, &a.EventID, &a.ModelID, &a.RunDate, &a.Action,
			&a.UsdAmount, &a.SharesDelta, &a.PriceBefore, &a.PriceAfter, &a.Explanation, &a.Status,
			&a.ErrorCode, &a.ErrorDetail, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get action %s/%s: %w", marketID, modelID, err)
	}
	return &a, nil
}

const upsertActionSQL = `
	INSERT INTO actions (id, run_id, market_id, event_id, model_id, run_date, action,
	                     usd_amount, shares_delta, price_before, price_after, explanation, status,
	                     error_code, error_detail, created_at, updated_at)
	VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
	        NULLIF($14, ''), NULLIF($15, ''), now(), now())
	ON CONFLICT (market_id, model_id, run_date) DO UPDATE SET
		run_id = NULLIF($2, ''),
		action = $7,
		usd_amount = $8,
		shares_delta = $9,
		price_before = $10,
		price_after = $11,
		explanation = $12,
		status = $13,
		error_code = NULLIF($14, ''),
		error_detail = NULLIF($15, ''),
		updated_at = now()`

func upsertActionArgs(a *model.Action) []any {
	return []any{
		a.ID, a.RunID, a.MarketID, a.EventID, a.ModelID, a.RunDate, a.Action,
		a.UsdAmount, a.SharesDelta, a.PriceBefore, a.PriceAfter, a.Explanation, a.Status,
		a.ErrorCode, a.ErrorDetail,
	}
}

func (s *PostgresStore) UpsertAction(ctx context.Context, a *model.Action) error {
	_, err := s.pool.Exec(ctx, upsertActionSQL, upsertActionArgs(a)...)
	return err
}

func (s *PostgresStore) DeleteAction(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM actions WHERE id = $1`, id)
	return err
}

// --- Runs ---

const runColumns = `id, run_date, status, open_markets, total_actions, processed_actions,
	ok_count, error_count, skipped_count, COALESCE(failure_reason, ''),
	created_at, updated_at, completed_at`

func (s *PostgresStore) GetRunningRun(ctx context.Context) (*model.Run, error) {
	var r model.Run
	err := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = $1 LIMIT 1`, model.RunRunning).
		Scan(&r.ID, &r.RunDate, &r.Status, &r.OpenMarkets, &r.TotalActions, &r.ProcessedActions,
			&r.OkCount, &r.ErrorCount, &r.SkippedCount, &r.FailureReason,
			&r.CreatedAt, &r.UpdatedAt, &r.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get running run: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) UpsertRun(ctx context.Context, r *model.Run) error {
	// Re-running a date overwrites the old run record but keeps its ID so
	// existing ledger rows stay attached.
	return s.pool.QueryRow(ctx,
		`INSERT INTO runs (id, run_date, status, open_markets, total_actions, processed_actions,
		                   ok_count, error_count, skipped_count, failure_reason, created_at, updated_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), now(), now(), $11)
		 ON CONFLICT (run_date) DO UPDATE SET
			status = $3,
			open_markets = $4,
			total_actions = $5,
			processed_actions = $6,
			ok_count = $7,
			error_count = $8,
			skipped_count = $9,
			failure_reason = NULLIF($10, ''),
			updated_at = now(),
			completed_at = $11
		 RETURNING id`,
		r.ID, r.RunDate, r.Status, r.OpenMarkets, r.TotalActions, r.ProcessedActions,
		r.OkCount, r.ErrorCount, r.SkippedCount, r.FailureReason, r.CompletedAt,
	).Scan(&r.ID)
}

func (s *PostgresStore) UpdateRun(ctx context.Context, r *model.Run) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, processed_actions = $3, ok_count = $4, error_count = $5,
		                 skipped_count = $6, failure_reason = NULLIF($7, ''), completed_at = $8, updated_at = now()
		 WHERE id = $1`,
		r.ID, r.Status, r.ProcessedActions, r.OkCount, r.ErrorCount,
		r.SkippedCount, r.FailureReason, r.CompletedAt,
	)
	return err
}

func (s *PostgresStore) TouchRun(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET updated_at = now() WHERE id = $1`, id)
	return err
}

// --- Snapshots ---

func (s *PostgresStore) UpsertPriceSnapshot(ctx context.Context, snap *model.PriceSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_snapshots (id, market_id, snapshot_date, price_yes, q_yes, q_no)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (market_id, snapshot_date) DO UPDATE SET
			price_yes = $4, q_yes = $5, q_no = $6`,
		snap.ID, snap.MarketID, snap.SnapshotDate, snap.PriceYes, snap.QYes, snap.QNo,
	)
	return err
}

func (s *PostgresStore) UpsertEquitySnapshot(ctx context.Context, snap *model.EquitySnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO equity_snapshots (id, model_id, snapshot_date, cash_balance, positions_value, total_equity)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (model_id, snapshot_date) DO UPDATE SET
			cash_balance = $4, positions_value = $5, total_equity = $6`,
		snap.ID, snap.ModelID, snap.SnapshotDate, snap.CashBalance, snap.PositionsValue, snap.TotalEquity,
	)
	return err
}

// --- Runtime configuration ---

func (s *PostgresStore) GetRuntimeConfig(ctx context.Context) (*model.RuntimeConfig, error) {
	var c model.RuntimeConfig
	err := s.pool.QueryRow(ctx,
		`SELECT id, warmup_run_count, warmup_max_trade_usd, warmup_buy_cash_fraction,
		        opening_liquidity_b, created_at, updated_at
		 FROM runtime_configs LIMIT 1`).
		Scan(&c.ID, &c.WarmupRunCount, &c.WarmupMaxTradeUsd, &c.WarmupBuyCashFraction,
			&c.OpeningLiquidityB, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Configuration("market runtime config row is missing; seed it before running")
	}
	if err != nil {
		return nil, fmt.Errorf("get runtime config: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) SaveRuntimeConfig(ctx context.Context, c *model.RuntimeConfig) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runtime_configs (id, warmup_run_count, warmup_max_trade_usd,
		                              warmup_buy_cash_fraction, opening_liquidity_b, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now(), now())
		 ON CONFLICT (id) DO UPDATE SET
			warmup_run_count = $2,
			warmup_max_trade_usd = $3,
			warmup_buy_cash_fraction = $4,
			opening_liquidity_b = $5,
			updated_at = now()`,
		c.ID, c.WarmupRunCount, c.WarmupMaxTradeUsd, c.WarmupBuyCashFraction, c.OpeningLiquidityB,
	)
	return err
}

// --- Trade transactions ---

// pgTradeTx is the Postgres implementation of TradeTx. All writes go
// through the open transaction.
type pgTradeTx struct {
	ctx      context.Context
	tx       pgx.Tx
	market   *model.Market
	account  *model.Account
	position *model.Position
}

func (t *pgTradeTx) Market() *model.Market     { return t.market }
func (t *pgTradeTx) Account() *model.Account   { return t.account }
func (t *pgTradeTx) Position() *model.Position { return t.position }

func (t *pgTradeTx) UpdateMarketState(qYes, qNo, priceYes float64) error {
	_, err := t.tx.Exec(t.ctx,
		`UPDATE markets SET q_yes = $2, q_no = $3, price_yes = $4, updated_at = now() WHERE id = $1`,
		t.market.ID, qYes, qNo, priceYes,
	)
	return err
}

func (t *pgTradeTx) AdjustCash(delta float64) error {
	_, err := t.tx.Exec(t.ctx,
		`UPDATE accounts SET cash_balance = cash_balance + $2, updated_at = now() WHERE model_id = $1`,
		t.account.ModelID, delta,
	)
	return err
}

func (t *pgTradeTx) UpdatePosition(yesShares, noShares, costBasisUsd float64) error {
	_, err := t.tx.Exec(t.ctx,
		`UPDATE positions SET yes_shares = $2, no_shares = $3, cost_basis_usd = $4, updated_at = now()
		 WHERE id = $1`,
		t.position.ID, yesShares, noShares, costBasisUsd,
	)
	return err
}

func (t *pgTradeTx) UpsertAction(a *model.Action) error {
	_, err := t.tx.Exec(t.ctx, upsertActionSQL, upsertActionArgs(a)...)
	return err
}

// InTradeTx locks market, account, and position in that fixed order with
// SELECT ... FOR UPDATE and re-reads them inside the lock, so concurrent
// trades against the same rows serialize and never see stale quantities.
func (s *PostgresStore) InTradeTx(ctx context.Context, marketID, modelID string, fn func(tx TradeTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin trade tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t := &pgTradeTx{ctx: ctx, tx: tx}

	t.market, err = scanMarket(tx.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1 FOR UPDATE`, marketID))
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("market %s not found", marketID)
	}
	if err != nil {
		return fmt.Errorf("lock market %s: %w", marketID, err)
	}

	var a model.Account
	err = tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE model_id = $1 FOR UPDATE`, modelID).
		Scan(&a.ID, &a.ModelID, &a.StartingCash, &a.CashBalance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Configuration("missing market account for model %s", modelID)
	}
	if err != nil {
		return fmt.Errorf("lock account %s: %w", modelID, err)
	}
	t.account = &a

	var p model.Position
	err = tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE market_id = $1 AND model_id = $2 FOR UPDATE`,
		marketID, modelID).
		Scan(&p.ID, &p.MarketID, &p.ModelID, &p.YesShares, &p.NoShares, &p.CostBasisUsd, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Configuration("missing position for model %s in market %s", modelID, marketID)
	}
	if err != nil {
		return fmt.Errorf("lock position %s/%s: %w", marketID, modelID, err)
	}
	t.position = &p

	if err := fn(t); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
