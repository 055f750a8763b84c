package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/dominikletica/aaviondb/pkg/command"
	"github.com/dominikletica/aaviondb/pkg/export"
	"github.com/dominikletica/aaviondb/pkg/fault"
	"github.com/dominikletica/aaviondb/pkg/modules"
)

func init() {
	modules.RegisterInitializer(modules.Descriptor{
		Name:         "export",
		Version:      builtinVersion,
		Autoload:     true,
		Requires:     []string{"entity"},
		Capabilities: []string{modules.CapCommands, modules.CapExport},
		Description:  "deterministic JSON bundles, manual or preset-driven",
		Scope:        modules.ScopeSystem,
		Init:         initExport,
	})
}

func initExport(mc *modules.Context) error {
	eng, err := mc.Export()
	if err != nil {
		return err
	}
	reg, err := mc.Commands()
	if err != nil {
		return err
	}
	parser, err := mc.StatementParser()
	if err != nil {
		return err
	}
	cfg := mc.Config()

	// Manual grammar: first token selects projects (CSV or "*"), the rest
	// are entity selectors. Preset grammar: every token is a project
	// selector fed into the preset's "${project}" placeholder.
	parser.On("export", 0, func(ctx *command.ParseContext) error {
		ctx.LiftKeyValues()
		tokens := ctx.Tokens
		ctx.Tokens = nil
		if len(tokens) == 0 {
			return nil
		}
		if _, preset := ctx.Params["preset"]; preset {
			ctx.Params["projects"] = tokens
			return nil
		}
		ctx.Params["projects"] = strings.Split(tokens[0], ",")
		if len(tokens) > 1 {
			ctx.Params["entities"] = tokens[1:]
		}
		return nil
	})

	r := &registrar{reg: reg, group: "export"}

	const usage = "export <projects...> [entity[@v|#hash]...] [--preset=...] [param.<name>=...] [--write=true] [--filename=...]"
	r.add("export", "Export selected entities as a deterministic JSON bundle", usage,
		func(ctx context.Context, req *command.Request) (any, error) {
			projects := stringList(req.Params["projects"])
			if projects == nil {
				projects = stringList(req.Params["project"])
			}
			preset := req.Param("preset")
			if len(projects) == 0 && preset == "" {
				return nil, fault.Invalid("export needs project selectors or a preset (usage: %s)", usage)
			}

			params := map[string]any{}
			for k, v := range req.Params {
				if name := strings.TrimPrefix(k, "param."); name != k && name != "" {
					params[name] = v
				}
			}
			for k, v := range mapParam(req, "params") {
				params[k] = v
			}

			result, err := eng.Export(export.Request{
				Projects:    projects,
				Entities:    stringList(req.Params["entities"]),
				Preset:      preset,
				Params:      params,
				Description: req.Param("description"),
				Usage:       req.Param("usage"),
				Write:       boolOr(req, "write", cfg.SaveExports),
				Filename:    req.Param("filename"),
			})
			if err != nil {
				return nil, err
			}

			data := map[string]any{
				"scope":  result.Scope,
				"mode":   result.Mode,
				"stats":  result.Stats,
				"cached": result.Cached,
			}
			if result.Preset != "" {
				data["preset"] = result.Preset
			}
			if result.File != "" {
				data["file"] = result.File
			}
			if boolOr(req, "response", cfg.ResponseExports) {
				data["bundle"] = result.Bundle
			}
			return command.OK(
				fmt.Sprintf("exported %d entities from %d project(s)", result.Stats.Entities, result.Stats.Projects),
				data,
			), nil
		})

	return r.err
}
