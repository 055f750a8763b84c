package builtin

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dominikletica/aaviondb/pkg/brain"
	"github.com/dominikletica/aaviondb/pkg/command"
	"github.com/dominikletica/aaviondb/pkg/fault"
	"github.com/dominikletica/aaviondb/pkg/modules"
)

func init() {
	modules.RegisterInitializer(modules.Descriptor{
		Name:         "diagnostics",
		Version:      builtinVersion,
		Autoload:     true,
		Capabilities: []string{modules.CapBrains, modules.CapCommands, modules.CapCache, modules.CapScheduler},
		Description:  "status, doctor, help, audit trail and statement re-dispatch",
		Scope:        modules.ScopeSystem,
		Init:         initDiagnostics,
	})
}

// doctorCheck is one finding of the doctor command.
type doctorCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

func initDiagnostics(mc *modules.Context) error {
	repo, err := mc.Brains()
	if err != nil {
		return err
	}
	locator, err := mc.Locator()
	if err != nil {
		return err
	}
	reg, err := mc.Commands()
	if err != nil {
		return err
	}
	store, err := mc.Cache()
	if err != nil {
		return err
	}
	dispatch, err := mc.Dispatcher()
	if err != nil {
		return err
	}

	r := &registrar{reg: reg, group: "diagnostics"}

	r.add("status", "Summarize the engine: version, active brain, modules", "status",
		func(ctx context.Context, req *command.Request) (any, error) {
			data := map[string]any{
				"name":    "aaviondb",
				"version": mc.EngineVersion(),
				"time":    time.Now().UTC().Format(time.RFC3339),
			}
			data["active_brain"] = repo.ActiveBrain()
			if brains, err := repo.ListBrains(); err == nil {
				data["brains"] = len(brains)
			}
			if projects, err := repo.ListProjects(); err == nil {
				data["projects"] = len(projects)
			}
			if state, err := repo.SystemAuthState(); err == nil {
				data["api_enabled"] = state.API.Enabled
				data["tokens"] = len(state.Tokens)
			}
			data["commands"] = len(reg.Commands())
			if report := mc.Modules(); report != nil {
				data["modules"] = map[string]any{
					"loaded": report.Loaded,
					"failed": report.Failed,
					"total":  len(report.Modules),
				}
			}
			return data, nil
		})

	r.add("doctor", "Run engine health checks", "doctor",
		func(ctx context.Context, req *command.Request) (any, error) {
			checks := make([]doctorCheck, 0, 6)
			record := func(name string, err error) {
				c := doctorCheck{Name: name, OK: err == nil}
				if err != nil {
					c.Detail = err.Error()
				}
				checks = append(checks, c)
			}

			record("storage layout", locator.Verify())

			if result, err := repo.IntegrityReport(brain.SystemBrain); err != nil {
				record("system brain integrity", err)
			} else if !result.OK {
				record("system brain integrity", fault.Storage("%d integrity issue(s)", len(result.Issues)))
			} else {
				record("system brain integrity", nil)
			}

			if active := repo.ActiveBrain(); active != "" {
				if result, err := repo.IntegrityReport(active); err != nil {
					record("active brain integrity", err)
				} else if !result.OK {
					record("active brain integrity", fault.Storage("%d integrity issue(s)", len(result.Issues)))
				} else {
					record("active brain integrity", nil)
				}
			}

			probe := "diagnostics:doctor:" + time.Now().UTC().Format("20060102150405")
			if err := store.Put(probe, "ok", time.Minute); err != nil {
				record("cache", err)
			} else if v, ok := store.Get(probe, nil); !ok || v != "ok" {
				record("cache", fault.Storage("cache read-back failed"))
			} else {
				record("cache", store.Forget(probe))
			}

			if report := mc.Modules(); report == nil {
				record("modules", fault.Internal("module report unavailable"))
			} else if report.Failed > 0 {
				record("modules", fault.Internal("%d module(s) failed to load", report.Failed))
			} else {
				record("modules", nil)
			}

			if _, err := mc.AuditTrail().Recent(ctx, 1); err != nil {
				record("audit trail", err)
			} else {
				record("audit trail", nil)
			}

			failed := 0
			for _, c := range checks {
				if !c.OK {
					failed++
				}
			}
			msg := "all checks passed"
			if failed > 0 {
				msg = fmt.Sprintf("%d of %d checks failed", failed, len(checks))
			}
			return command.OK(msg, map[string]any{
				"ok":     failed == 0,
				"checks": checks,
			}), nil
		})

	r.add("help", "List commands or describe one action", "help [action]",
		func(ctx context.Context, req *command.Request) (any, error) {
			if action := req.Param("action"); action != "" {
				meta, ok := reg.Lookup(action)
				if !ok {
					return nil, fault.NotFound("unknown action %q", action)
				}
				return map[string]any{"action": strings.ToLower(action), "meta": meta}, nil
			}
			infos := reg.Commands()
			groups := make(map[string][]command.CommandInfo)
			for _, info := range infos {
				groups[info.Group] = append(groups[info.Group], info)
			}
			return map[string]any{"commands": groups, "count": len(infos)}, nil
		})

	r.add("audit.recent", "List recently executed commands", "audit recent [n]",
		func(ctx context.Context, req *command.Request) (any, error) {
			limit, err := intParam(req, "limit", 20)
			if err != nil {
				return nil, err
			}
			if limit <= 0 {
				limit = 20
			}
			entries, err := mc.AuditTrail().Recent(ctx, limit)
			if err != nil {
				return nil, err
			}
			return map[string]any{"entries": entries, "count": len(entries)}, nil
		})

	r.add("command", "Parse and dispatch a raw statement", `command <statement>`,
		func(ctx context.Context, req *command.Request) (any, error) {
			statement, err := requireParam(req, "command", "command <statement>")
			if err != nil {
				return nil, err
			}
			verb := statement
			if i := strings.IndexAny(statement, " \t"); i >= 0 {
				verb = statement[:i]
			}
			if strings.EqualFold(verb, "command") {
				return nil, fault.Invalid("nested command statements are not allowed")
			}
			return dispatch(ctx, statement), nil
		})

	// Parse hooks for the statement forms.
	parser, err := mc.StatementParser()
	if err != nil {
		return err
	}
	parser.On("audit", 0, subcommands("audit", "recent"))
	parser.On("audit.recent", 0, func(ctx *command.ParseContext) error {
		bind(ctx, "limit")
		return nil
	})
	parser.On("help", 0, func(ctx *command.ParseContext) error {
		bind(ctx, "action")
		return nil
	})
	// "command <statement>" from the CLI: the outer parse already split
	// tokens and extracted the payload, so the inner statement is rebuilt
	// with quoting restored and the payload appended.
	parser.On("command", 0, func(ctx *command.ParseContext) error {
		if _, ok := ctx.Params["command"]; ok || len(ctx.Tokens) == 0 {
			return nil
		}
		parts := make([]string, 0, len(ctx.Tokens)+1)
		for _, tok := range ctx.Tokens {
			if tok == "" || strings.ContainsAny(tok, " \t'\"\\") {
				parts = append(parts, strconv.Quote(tok))
				continue
			}
			parts = append(parts, tok)
		}
		if len(ctx.Raw) > 0 {
			parts = append(parts, string(ctx.Raw))
		}
		ctx.Params["command"] = strings.Join(parts, " ")
		ctx.Tokens = nil
		return nil
	})

	return r.err
}
