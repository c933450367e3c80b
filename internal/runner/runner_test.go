package runner_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CourageResearch/endpointarena-sub000/internal/apperr"
	"github.com/CourageResearch/endpointarena-sub000/internal/config"
	"github.com/CourageResearch/endpointarena-sub000/internal/generator"
	"github.com/CourageResearch/endpointarena-sub000/internal/ledger"
	"github.com/CourageResearch/endpointarena-sub000/internal/market"
	"github.com/CourageResearch/endpointarena-sub000/internal/model"
	"github.com/CourageResearch/endpointarena-sub000/internal/runner"
	"github.com/CourageResearch/endpointarena-sub000/internal/store"
)

var runDate = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

type fakeGenerator struct {
	enabled  bool
	decision generator.Decision
	err      error
	calls    int
}

func (g *fakeGenerator) Enabled() bool { return g.enabled }

func (g *fakeGenerator) Decide(_ context.Context, _ generator.Input) (generator.Decision, error) {
	g.calls++
	if g.err != nil {
		return generator.Decision{}, g.err
	}
	return g.decision, nil
}

func hold() *fakeGenerator {
	return &fakeGenerator{enabled: true, decision: generator.Decision{
		Action: model.ActionHold, Explanation: "waiting for data",
	}}
}

type testEnv struct {
	store   *store.MemoryStore
	markets *market.Service
	runner  *runner.Runner
	gens    map[string]*fakeGenerator
	models  []string
}

func newTestEnv(t *testing.T, models []string) *testEnv {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.SaveRuntimeConfig(ctx, config.DefaultRuntime()))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	markets := market.NewService(ms, models, log)

	gens := make(map[string]*fakeGenerator, len(models))
	registry := make(generator.Registry, len(models))
	for _, modelID := range models {
		g := hold()
		gens[modelID] = g
		registry[modelID] = g
	}

	run := runner.New(ms, ledger.NewService(ms), markets, registry, models, log)
	return &testEnv{store: ms, markets: markets, runner: run, gens: gens, models: models}
}

// openMarket seeds an event and an open market directly, with openedAt
// backdated so tests control whether the warm-up cap is in effect.
func (e *testEnv) openMarket(t *testing.T, eventID string, openedDaysAgo int) *model.Market {
	t.Helper()
	ctx := context.Background()
	event := &model.Event{
		ID:          eventID,
		DrugName:    "Zemtorvex",
		CompanyName: "Altheon Therapeutics",
		PDUFADate:   time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC),
		Outcome:     model.OutcomePending,
	}
	require.NoError(t, e.store.CreateEvent(ctx, event))

	m := &model.Market{
		ID:       "mkt-" + eventID,
		EventID:  eventID,
		Status:   model.MarketOpen,
		B:        25_000,
		PriceYes: 0.5,
		OpenedAt: runDate.AddDate(0, 0, -openedDaysAgo),
	}
	require.NoError(t, e.store.CreateMarket(ctx, m))
	for _, modelID := range e.models {
		require.NoError(t, e.store.EnsureAccount(ctx, modelID, market.StartingCash))
		require.NoError(t, e.store.EnsurePosition(ctx, m.ID, modelID))
	}
	return m
}

func getAction(t *testing.T, ms *store.MemoryStore, marketID, modelID string) *model.Action {
	t.Helper()
	a, err := ms.GetAction(context.Background(), marketID, modelID, runDate)
	require.NoError(t, err)
	require.NotNil(t, a)
	return a
}

func TestExecuteDailyRun_HappyPath(t *testing.T) {
	env := newTestEnv(t, []string{"alpha", "beta"})
	m := env.openMarket(t, "evt-1", 10)
	env.gens["alpha"].decision = generator.Decision{
		Action: model.ActionBuyYes, AmountUsd: 500, Explanation: "approval likely",
	}

	payload, err := env.runner.ExecuteDailyRun(context.Background(), runDate, runner.Hooks{})
	require.NoError(t, err)

	assert.True(t, payload.Success)
	assert.Equal(t, 1, payload.OpenMarkets)
	assert.Equal(t, 2, payload.TotalActions)
	assert.Equal(t, 2, payload.ProcessedActions)
	assert.Equal(t, runner.Summary{Ok: 2}, payload.Summary)

	alphaRow := getAction(t, env.store, m.ID, "alpha")
	assert.Equal(t, model.ActionBuyYes, alphaRow.Action)
	assert.InDelta(t, 500, alphaRow.UsdAmount, 1e-9)
	betaRow := getAction(t, env.store, m.ID, "beta")
	assert.Equal(t, model.ActionHold, betaRow.Action)

	run, err := env.store.GetRunningRun(context.Background())
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestExecuteDailyRun_SecondRunSkipsCompletedPairs(t *testing.T) {
	env := newTestEnv(t, []string{"alpha", "beta"})
	env.openMarket(t, "evt-1", 10)

	_, err := env.runner.ExecuteDailyRun(context.Background(), runDate, runner.Hooks{})
	require.NoError(t, err)

	payload, err := env.runner.ExecuteDailyRun(context.Background(), runDate, runner.Hooks{})
	require.NoError(t, err)
	assert.Equal(t, runner.Summary{Skipped: 2}, payload.Summary)
	for _, modelID := range env.models {
		assert.Equal(t, 1, env.gens[modelID].calls)
	}
}

func TestExecuteDailyRun_GeneratorErrorIsRecordedAndRetried(t *testing.T) {
	env := newTestEnv(t, []string{"alpha"})
	m := env.openMarket(t, "evt-1", 10)
	env.gens["alpha"].err = errors.New("rate limited (429)")

	payload, err := env.runner.ExecuteDailyRun(context.Background(), runDate, runner.Hooks{})
	require.NoError(t, err)
	assert.Equal(t, runner.Summary{Error: 1}, payload.Summary)

	row := getAction(t, env.store, m.ID, "alpha")
	assert.Equal(t, model.ActionStatusError, row.Status)
	assert.Equal(t, runner.CodeRateLimited, row.ErrorCode)

	// The error row is deleted and the pair re-executed on the next run
	// of the same date.
	env.gens["alpha"].err = nil
	payload, err = env.runner.ExecuteDailyRun(context.Background(), runDate, runner.Hooks{})
	require.NoError(t, err)
	assert.Equal(t, runner.Summary{Ok: 1}, payload.Summary)

	row = getAction(t, env.store, m.ID, "alpha")
	assert.Equal(t, model.ActionStatusOK, row.Status)
	assert.Equal(t, 2, env.gens["alpha"].calls)
}

func TestExecuteDailyRun_DisabledGeneratorRecordsAPIKeyMissing(t *testing.T) {
	env := newTestEnv(t, []string{"alpha"})
	m := env.openMarket(t, "evt-1", 10)
	env.gens["alpha"].enabled = false

	payload, err := env.runner.ExecuteDailyRun(context.Background(), runDate, runner.Hooks{})
	require.NoError(t, err)
	assert.Equal(t, runner.Summary{Error: 1}, payload.Summary)

	row := getAction(t, env.store, m.ID, "alpha")
	assert.Equal(t, model.ActionStatusError, row.Status)
	assert.Equal(t, runner.CodeAPIKeyMissing, row.ErrorCode)
	assert.Contains(t, row.ErrorDetail, "API key is not configured")
	assert.Zero(t, env.gens["alpha"].calls)
}

func TestExecuteDailyRun_MissingStateRecordsError(t *testing.T) {
	env := newTestEnv(t, []string{"alpha"})
	ctx := context.Background()

	// A market created behind the service's back has no account or
	// position rows for the model.
	event := &model.Event{ID: "evt-raw", DrugName: "Orlivast", PDUFADate: runDate.AddDate(0, 3, 0), Outcome: model.OutcomePending}
	require.NoError(t, env.store.CreateEvent(ctx, event))
	require.NoError(t, env.store.CreateMarket(ctx, &model.Market{
		ID: "mkt-raw", EventID: "evt-raw", Status: model.MarketOpen,
		B: 25_000, PriceYes: 0.5, OpenedAt: runDate.AddDate(0, 0, -10),
	}))

	payload, err := env.runner.ExecuteDailyRun(ctx, runDate, runner.Hooks{})
	require.NoError(t, err)
	assert.Equal(t, runner.Summary{Error: 1}, payload.Summary)

	row := getAction(t, env.store, "mkt-raw", "alpha")
	assert.Equal(t, runner.CodeMissingMarketState, row.ErrorCode)
}

func TestExecuteDailyRun_WarmupCapLimitsFreshMarkets(t *testing.T) {
	env := newTestEnv(t, []string{"alpha"})
	m := env.openMarket(t, "evt-1", 0)
	env.gens["alpha"].decision = generator.Decision{
		Action: model.ActionBuyYes, AmountUsd: 50_000, Explanation: "conviction play",
	}

	payload, err := env.runner.ExecuteDailyRun(context.Background(), runDate, runner.Hooks{})
	require.NoError(t, err)
	require.Len(t, payload.Results, 1)

	// Flat warm-up cap of $1000 binds before the 2% cash fraction ($2000).
	res := payload.Results[0]
	assert.InDelta(t, 1_000, res.AmountUsd, 1e-9)
	assert.Contains(t, res.Detail, "Warm-up cap reduced request to $1000.00")

	row := getAction(t, env.store, m.ID, "alpha")
	assert.InDelta(t, 1_000, row.UsdAmount, 1e-9)
}

// staleHeartbeatStore backdates the running run's heartbeat on read, so
// tests can exercise the auto-fail takeover without waiting out the real
// timeout. It also captures every run update for inspection.
type staleHeartbeatStore struct {
	store.Store
	staleBy time.Duration
	updates []model.Run
}

func (s *staleHeartbeatStore) GetRunningRun(ctx context.Context) (*model.Run, error) {
	run, err := s.Store.GetRunningRun(ctx)
	if run != nil {
		run.UpdatedAt = run.UpdatedAt.Add(-s.staleBy)
	}
	return run, err
}

func (s *staleHeartbeatStore) UpdateRun(ctx context.Context, r *model.Run) error {
	s.updates = append(s.updates, *r)
	return s.Store.UpdateRun(ctx, r)
}

func TestExecuteDailyRun_StaleRunIsAutoFailed(t *testing.T) {
	env := newTestEnv(t, []string{"alpha"})
	env.openMarket(t, "evt-1", 10)

	require.NoError(t, env.store.UpsertRun(context.Background(), &model.Run{
		ID:      "run-stuck",
		RunDate: runDate.AddDate(0, 0, -1),
		Status:  model.RunRunning,
	}))

	stale := &staleHeartbeatStore{Store: env.store, staleBy: 3 * time.Hour}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	markets := market.NewService(stale, env.models, log)
	run := runner.New(stale, ledger.NewService(stale), markets, generator.Registry{"alpha": env.gens["alpha"]}, env.models, log)

	payload, err := run.ExecuteDailyRun(context.Background(), runDate, runner.Hooks{})
	require.NoError(t, err)
	assert.True(t, payload.Success)
	assert.Equal(t, runner.Summary{Ok: 1}, payload.Summary)

	// The stuck run was failed before the new one was admitted.
	require.NotEmpty(t, stale.updates)
	failed := stale.updates[0]
	assert.Equal(t, "run-stuck", failed.ID)
	assert.Equal(t, model.RunFailed, failed.Status)
	assert.Contains(t, failed.FailureReason, "Auto-failed stale run after 180m")
	require.NotNil(t, failed.CompletedAt)

	active, err := env.store.GetRunningRun(context.Background())
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestExecuteDailyRun_ConflictsWithActiveRun(t *testing.T) {
	env := newTestEnv(t, []string{"alpha"})
	env.openMarket(t, "evt-1", 10)

	require.NoError(t, env.store.UpsertRun(context.Background(), &model.Run{
		ID:      "run-live",
		RunDate: runDate.AddDate(0, 0, -1),
		Status:  model.RunRunning,
	}))

	_, err := env.runner.ExecuteDailyRun(context.Background(), runDate, runner.Hooks{})
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestExecuteDailyRun_HooksObserveProgress(t *testing.T) {
	env := newTestEnv(t, []string{"alpha", "beta"})
	env.openMarket(t, "evt-1", 10)

	var start *runner.StartInfo
	var progress []runner.Progress
	hooks := runner.Hooks{
		OnStart:    func(info runner.StartInfo) { start = &info },
		OnProgress: func(p runner.Progress) { progress = append(progress, p) },
	}

	_, err := env.runner.ExecuteDailyRun(context.Background(), runDate, hooks)
	require.NoError(t, err)

	require.NotNil(t, start)
	assert.Equal(t, 2, start.TotalActions)
	require.Len(t, progress, 2)
	assert.Equal(t, 1, progress[0].CompletedActions)
	assert.Equal(t, 2, progress[1].CompletedActions)
}

func TestRotateModelOrder(t *testing.T) {
	models := []string{"a", "b", "c", "d"}

	epoch := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, []string{"a", "b", "c", "d"}, runner.RotateModelOrder(models, epoch))
	assert.Equal(t, []string{"b", "c", "d", "a"}, runner.RotateModelOrder(models, epoch.AddDate(0, 0, 1)))
	assert.Equal(t, []string{"c", "d", "a", "b"}, runner.RotateModelOrder(models, epoch.AddDate(0, 0, 2)))
	assert.Equal(t, []string{"a", "b", "c", "d"}, runner.RotateModelOrder(models, epoch.AddDate(0, 0, 4)))

	// Intraday timestamps normalize to the same rotation.
	assert.Equal(t,
		runner.RotateModelOrder(models, epoch.AddDate(0, 0, 1)),
		runner.RotateModelOrder(models, epoch.AddDate(0, 0, 1).Add(17*time.Hour)))

	assert.Nil(t, runner.RotateModelOrder(nil, epoch))
}

func TestInferErrorCode(t *testing.T) {
	cases := map[string]string{
		"missing API key for model":    runner.CodeAPIKeyMissing,
		"rate limit exceeded":          runner.CodeRateLimited,
		"upstream returned 429":        runner.CodeRateLimited,
		"request timed out after 120s": runner.CodeTimeout,
		"context deadline: timeout":    runner.CodeTimeout,
		"invalid json in response":     runner.CodeParseError,
		"failed to parse decision":     runner.CodeParseError,
		"something exploded":           runner.CodeUnhandledError,
	}
	for message, want := range cases {
		assert.Equal(t, want, runner.InferErrorCode(message), message)
	}
}
