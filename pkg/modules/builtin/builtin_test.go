package builtin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dominikletica/aaviondb/pkg/audit"
	"github.com/dominikletica/aaviondb/pkg/auth"
	"github.com/dominikletica/aaviondb/pkg/brain"
	"github.com/dominikletica/aaviondb/pkg/cache"
	"github.com/dominikletica/aaviondb/pkg/command"
	"github.com/dominikletica/aaviondb/pkg/config"
	"github.com/dominikletica/aaviondb/pkg/events"
	"github.com/dominikletica/aaviondb/pkg/export"
	"github.com/dominikletica/aaviondb/pkg/filter"
	"github.com/dominikletica/aaviondb/pkg/modules"
	"github.com/dominikletica/aaviondb/pkg/paths"
	"github.com/dominikletica/aaviondb/pkg/resolver"
	"github.com/dominikletica/aaviondb/pkg/security"
)

// testEngine wires the full built-in command surface against a temp data
// directory, mirroring the runtime's bootstrap order.
type testEngine struct {
	deps     *modules.Deps
	registry *command.Registry
	parser   *command.Parser
	repo     *brain.Repository
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	dir := t.TempDir()
	locator := paths.New(dir)
	require.NoError(t, locator.EnsureLayout())

	bus := events.NewBus()
	repo := brain.NewRepository(locator, bus)
	require.NoError(t, repo.EnsureSystemBrain())
	require.NoError(t, repo.EnsureActiveBrain("default"))

	store, err := cache.NewFileStore(locator.CacheDir())
	require.NoError(t, err)

	registry := command.NewRegistry(bus)
	parser := command.NewParser(bus)
	parser.OnAny(0, command.LiftFlags)

	filters, err := filter.New()
	require.NoError(t, err)
	res := resolver.New(repo)
	eng, err := export.New(repo, filters, res, locator, bus, export.WithCache(store))
	require.NoError(t, err)
	require.NoError(t, eng.SeedBuiltins())

	cfg := config.Default()
	cfg.DataDir = dir

	deps := &modules.Deps{
		Locator:  locator,
		Repo:     repo,
		Registry: registry,
		Parser:   parser,
		Bus:      bus,
		Cache:    store,
		Security: security.NewManager(repo, store, bus),
		Auth:     auth.NewManager(repo, ""),
		Resolver: res,
		Export:   eng,
		Filters:  filters,
		Config:   cfg,
		Audit:    audit.NullStore{},
		Version:  "test",
	}
	deps.Dispatch = func(ctx context.Context, statement string) *command.Response {
		pc, err := parser.Parse(statement)
		if err != nil {
			return command.Fail("parse", err)
		}
		return registry.Dispatch(ctx, pc.Action, pc.Params)
	}

	loader := modules.NewLoader(deps)
	deps.ModuleReport = loader.Report
	report := loader.Load()
	require.Equal(t, 0, report.Failed, "all built-in modules must load")

	return &testEngine{deps: deps, registry: registry, parser: parser, repo: repo}
}

// run parses and dispatches one statement.
func (e *testEngine) run(t *testing.T, statement string) *command.Response {
	t.Helper()
	pc, err := e.parser.Parse(statement)
	require.NoError(t, err, statement)
	return e.registry.Dispatch(context.Background(), pc.Action, pc.Params)
}

// runOK asserts the statement succeeds and returns its envelope.
func (e *testEngine) runOK(t *testing.T, statement string) *command.Response {
	t.Helper()
	resp := e.run(t, statement)
	require.Equal(t, command.StatusOK, resp.Status, "%s: %s", statement, resp.Message)
	return resp
}

// data returns the envelope data as a map.
func data(t *testing.T, resp *command.Response) map[string]any {
	t.Helper()
	m, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is %T", resp.Data)
	return m
}

func TestBuiltinModulesLoad(t *testing.T) {
	e := newTestEngine(t)

	report := e.deps.ModuleReport()
	require.NotNil(t, report)
	assert.Equal(t, 0, report.Failed)
	assert.GreaterOrEqual(t, report.Loaded, 10)

	// The loader orders by requires: preset pins export@1.0.0 exactly.
	for _, action := range []string{
		"brain.list", "project.create", "save", "show", "config.set",
		"auth.register", "security.status", "export", "preset.save",
		"task.add", "cron", "status", "doctor", "help", "audit.recent", "command",
	} {
		_, ok := e.registry.Lookup(action)
		assert.True(t, ok, "action %s must be registered", action)
	}
}

func TestSubcommandsHook(t *testing.T) {
	e := newTestEngine(t)

	pc, err := e.parser.Parse("brain list")
	require.NoError(t, err)
	assert.Equal(t, "brain.list", pc.Action)

	_, err = e.parser.Parse("brain frobnicate")
	assert.Error(t, err)

	_, err = e.parser.Parse("brain")
	assert.Error(t, err)
}

func TestCoerceScalar(t *testing.T) {
	assert.Equal(t, "hello", coerceScalar("hello"))
	assert.Equal(t, true, coerceScalar("true"))
	assert.Equal(t, "5x", coerceScalar("5x"))
	assert.Equal(t, json.Number("42"), coerceScalar("42"))
	assert.Equal(t, []any{"a"}, coerceScalar(`["a"]`))
	// Trailing garbage keeps the raw string.
	assert.Equal(t, "1 2", coerceScalar("1 2"))
}

func TestTaskDue(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, taskDue(now, "", time.Minute))
	assert.True(t, taskDue(now, now.Add(-2*time.Minute).Format(time.RFC3339), time.Minute))
	assert.False(t, taskDue(now, now.Add(-30*time.Second).Format(time.RFC3339), time.Minute))
	assert.False(t, taskDue(now, "", 0))
	assert.True(t, taskDue(now, "not-a-time", time.Minute))
}

func TestForbiddenTask(t *testing.T) {
	assert.True(t, forbiddenTask("cron"))
	assert.True(t, forbiddenTask("command save demo hero"))
	assert.True(t, forbiddenTask("CRON"))
	assert.False(t, forbiddenTask("save demo hero"))
}
