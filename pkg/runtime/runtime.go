// Package runtime assembles the engine from its configuration: storage
// layout, repository, cache, security, auth, resolver/export engines,
// command registry and the module set. Adapters (CLI, HTTP) hold one
// Engine and enter through Execute or ExecuteStatement.
package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dominikletica/aaviondb/pkg/audit"
	"github.com/dominikletica/aaviondb/pkg/auth"
	"github.com/dominikletica/aaviondb/pkg/brain"
	"github.com/dominikletica/aaviondb/pkg/cache"
	"github.com/dominikletica/aaviondb/pkg/command"
	"github.com/dominikletica/aaviondb/pkg/config"
	"github.com/dominikletica/aaviondb/pkg/events"
	"github.com/dominikletica/aaviondb/pkg/export"
	"github.com/dominikletica/aaviondb/pkg/fault"
	"github.com/dominikletica/aaviondb/pkg/filter"
	"github.com/dominikletica/aaviondb/pkg/modules"
	"github.com/dominikletica/aaviondb/pkg/observability"
	"github.com/dominikletica/aaviondb/pkg/paths"
	"github.com/dominikletica/aaviondb/pkg/resolver"
	"github.com/dominikletica/aaviondb/pkg/security"

	// Built-in modules self-register their initializers.
	_ "github.com/dominikletica/aaviondb/pkg/modules/builtin"
)

// Version identifies the engine build. Release builds override it with
// -ldflags "-X github.com/dominikletica/aaviondb/pkg/runtime.Version=…".
var Version = "0.9.0-dev"

// Request sources, recorded in command.RequestMeta. Only SourceHTTP goes
// through the security manager and the REST auth ladder; the CLI is the
// local trust domain, which keeps `security purge` usable as the recovery
// path while a lockdown is active.
const (
	SourceCLI  = "cli"
	SourceHTTP = "http"
)

// Engine is the composition root. One Engine owns one data directory;
// everything hangs off it and nothing is process-global except the slog
// default installed at bootstrap.
type Engine struct {
	cfg      *config.Config
	locator  *paths.Locator
	bus      *events.Bus
	repo     *brain.Repository
	store    cache.Store
	registry *command.Registry
	parser   *command.Parser
	filters  *filter.Engine
	resolver *resolver.Engine
	exports  *export.Engine
	security *security.Manager
	auth     *auth.Manager
	trail    audit.Store
	otel     *observability.Provider
	deps     *modules.Deps
	report   *modules.Report
	logger   *slog.Logger
	logFile  io.Closer
}

// New builds and boots an engine: ensures the on-disk layout and the
// system/default brains, wires every service, then loads the module set.
// A failed module load is reported, not fatal; the load report carries
// the details.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	e := &Engine{cfg: cfg}
	e.logFile = installLogging(cfg.LogPath)
	e.logger = slog.Default().With("component", "runtime")

	var opts []paths.Option
	if cfg.BackupsPath != "" {
		opts = append(opts, paths.WithBackupsDir(cfg.BackupsPath))
	}
	if cfg.ExportsPath != "" {
		opts = append(opts, paths.WithExportsDir(cfg.ExportsPath))
	}
	e.locator = paths.New(cfg.DataDir, opts...)
	if err := e.locator.EnsureLayout(); err != nil {
		return nil, err
	}

	e.bus = events.NewBus()
	e.repo = brain.NewRepository(e.locator, e.bus)
	if err := e.repo.EnsureSystemBrain(); err != nil {
		return nil, err
	}
	if err := e.repo.EnsureActiveBrain(cfg.DefaultBrain); err != nil {
		return nil, err
	}

	store, err := newCacheStore(cfg, e.locator)
	if err != nil {
		return nil, err
	}
	e.store = store

	e.registry = command.NewRegistry(e.bus)
	e.parser = command.NewParser(e.bus)
	e.parser.OnAny(0, command.LiftFlags)

	e.filters, err = filter.New()
	if err != nil {
		return nil, err
	}
	e.resolver = resolver.New(e.repo)
	e.exports, err = export.New(e.repo, e.filters, e.resolver, e.locator, e.bus, export.WithCache(store))
	if err != nil {
		return nil, err
	}
	if err := e.exports.SeedBuiltins(); err != nil {
		return nil, err
	}

	e.security = security.NewManager(e.repo, store, e.bus)
	e.auth = auth.NewManager(e.repo, cfg.AdminSecret)

	e.trail, err = newAuditStore(cfg, e.locator)
	if err != nil {
		return nil, err
	}
	e.registry.AttachSink(audit.NewSink(e.trail))

	e.otel, err = observability.New(ctx, &observability.Config{
		ServiceName:    cfg.Otel.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Otel.Environment,
		Endpoint:       cfg.Otel.Endpoint,
		SampleRate:     cfg.Otel.SampleRate,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.Otel.Enabled,
		Insecure:       cfg.Otel.Insecure,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Otel.Enabled {
		e.registry.AttachSink(e.otel)
	}

	deps := &modules.Deps{
		Locator:  e.locator,
		Repo:     e.repo,
		Registry: e.registry,
		Parser:   e.parser,
		Bus:      e.bus,
		Cache:    store,
		Security: e.security,
		Auth:     e.auth,
		Resolver: e.resolver,
		Export:   e.exports,
		Filters:  e.filters,
		Config:   cfg,
		Audit:    e.trail,
		Version:  Version,
	}
	deps.Dispatch = func(ctx context.Context, statement string) *command.Response {
		pc, err := e.parser.Parse(statement)
		if err != nil {
			return command.Fail("parse", err)
		}
		return e.registry.Dispatch(ctx, pc.Action, pc.Params)
	}
	e.deps = deps

	var loadOpts []modules.LoaderOption
	if cfg.Modules.DisableAutoload {
		loadOpts = append(loadOpts, modules.WithoutAutoload())
	}
	loader := modules.NewLoader(deps, loadOpts...)
	deps.ModuleReport = loader.Report
	e.report = loader.Load()
	if e.report.Failed > 0 {
		e.logger.Warn("module load finished with failures",
			"loaded", e.report.Loaded, "failed", e.report.Failed)
	} else {
		e.logger.Info("engine ready",
			"version", Version,
			"data_dir", cfg.DataDir,
			"active_brain", e.repo.ActiveBrain(),
			"modules", e.report.Loaded)
	}

	return e, nil
}

func newCacheStore(cfg *config.Config, locator *paths.Locator) (cache.Store, error) {
	if !cfg.Cache.Enabled {
		return cache.NewNull(), nil
	}
	switch cfg.Cache.Backend {
	case "redis":
		return cache.NewRedisStore(cfg.Cache.RedisAddr, cfg.Cache.RedisDB, "aaviondb"), nil
	default:
		dir := cfg.Cache.Dir
		if dir == "" {
			dir = locator.CacheDir()
		}
		return cache.NewFileStore(dir)
	}
}

func newAuditStore(cfg *config.Config, locator *paths.Locator) (audit.Store, error) {
	switch cfg.Audit.Driver {
	case "off":
		return audit.NullStore{}, nil
	case "postgres":
		return audit.OpenPostgres(cfg.Audit.DSN)
	default:
		dsn := cfg.Audit.DSN
		if dsn == "" {
			dsn = filepath.Join(locator.LogsDir(), "audit.db")
		}
		return audit.OpenSQLite(dsn)
	}
}

type tokenKey struct{}

// WithToken attaches the caller's bearer token for the REST auth ladder.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFrom returns the token attached by the adapter, empty when none.
func TokenFrom(ctx context.Context) string {
	t, _ := ctx.Value(tokenKey{}).(string)
	return t
}

// Execute runs one action plus parameters through the pipeline. Requests
// whose metadata names the HTTP source pass security preflight and
// attempt accounting, then the REST auth ladder (cron bypasses auth but
// not security), then dispatch; failures and successes feed back into the
// security counters. Everything else dispatches directly.
func (e *Engine) Execute(ctx context.Context, action string, params map[string]any) *command.Response {
	meta := command.RequestMetaFrom(ctx)
	if meta.Source != SourceHTTP {
		return e.registry.Dispatch(ctx, action, params)
	}

	client := meta.Client
	if d := e.security.Preflight(client); !d.Allowed {
		return command.Fail(action, decisionFault(d))
	}
	if d := e.security.RegisterAttempt(client); !d.Allowed {
		return command.Fail(action, decisionFault(d))
	}

	grant := e.auth.GuardRestAccess(TokenFrom(ctx), action)
	if err := grant.Err(); err != nil {
		e.security.RegisterFailure(client)
		return command.Fail(action, err)
	}

	resp := e.registry.Dispatch(ctx, action, params)
	if resp.IsError() {
		e.security.RegisterFailure(client)
	} else {
		e.security.RegisterSuccess(client, grant.Mode)
	}
	return resp
}

// ExecuteStatement parses one statement and executes the result.
func (e *Engine) ExecuteStatement(ctx context.Context, statement string) *command.Response {
	pc, err := e.parser.Parse(statement)
	if err != nil {
		return command.Fail("parse", err)
	}
	return e.Execute(ctx, pc.Action, pc.Params)
}

// Diagnostics runs the doctor checks and returns the envelope.
func (e *Engine) Diagnostics(ctx context.Context) *command.Response {
	return e.registry.Dispatch(ctx, "doctor", nil)
}

// Config returns the effective configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Modules returns the load report from bootstrap.
func (e *Engine) Modules() *modules.Report { return e.report }

// Repository exposes the brain repository for embedding callers.
func (e *Engine) Repository() *brain.Repository { return e.repo }

// Close releases external resources: the audit store, the telemetry
// pipelines, the cache connection and the log file.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.trail != nil {
		if err := e.trail.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.otel != nil {
		if err := e.otel.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c, ok := e.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.logFile != nil {
		if err := e.logFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// decisionFault converts a security refusal into the matching fault so
// the envelope and the HTTP layer carry kind, reason and Retry-After.
func decisionFault(d security.Decision) error {
	if d.StatusCode == 503 {
		return fault.LockedDown(d.RetryAfter, "lockdown active, retry in %d second(s)", d.RetryAfter).
			WithMeta("reason", d.Reason)
	}
	return fault.RateLimited(d.RetryAfter, "too many requests, retry in %d second(s)", d.RetryAfter).
		WithMeta("reason", d.Reason)
}
