package builtin

import (
	"context"
	"fmt"

	"github.com/dominikletica/aaviondb/pkg/brain"
	"github.com/dominikletica/aaviondb/pkg/command"
	"github.com/dominikletica/aaviondb/pkg/export"
	"github.com/dominikletica/aaviondb/pkg/fault"
	"github.com/dominikletica/aaviondb/pkg/modules"
)

func init() {
	modules.RegisterInitializer(modules.Descriptor{
		Name:         "preset",
		Version:      builtinVersion,
		Autoload:     true,
		Requires:     []string{"export@" + builtinVersion},
		Capabilities: []string{modules.CapBrains, modules.CapCommands, modules.CapExport},
		Description:  "export presets and layouts stored in the system brain",
		Scope:        modules.ScopeSystem,
		Init:         initPreset,
	})
}

func initPreset(mc *modules.Context) error {
	repo, err := mc.Brains()
	if err != nil {
		return err
	}
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

	bindSlug := func(ctx *command.ParseContext) error {
		bind(ctx, "slug")
		return nil
	}
	parser.On("preset", 0, subcommands("preset", "list", "show", "save"))
	parser.On("preset.show", 0, bindSlug)
	parser.On("preset.save", 0, bindSlug)
	parser.On("layout", 0, subcommands("layout", "list", "show", "save"))
	parser.On("layout.show", 0, bindSlug)
	parser.On("layout.save", 0, bindSlug)

	r := &registrar{reg: reg, group: "preset"}

	r.add("preset.list", "List stored export presets", "preset list",
		func(ctx context.Context, req *command.Request) (any, error) {
			presets, err := repo.ListEntities(brain.ProjectPresets)
			if err != nil {
				return nil, err
			}
			return map[string]any{"presets": presets, "count": len(presets)}, nil
		})

	r.add("preset.show", "Show one export preset", "preset show <slug>",
		func(ctx context.Context, req *command.Request) (any, error) {
			slug, err := requireParam(req, "slug", "preset show <slug>")
			if err != nil {
				return nil, err
			}
			rec, err := repo.GetEntityVersion(brain.ProjectPresets, slug, req.Param("version"))
			if err == nil {
				return rec, nil
			}
			// The builtin preset answers even before it was seeded.
			if slug == export.BuiltinPreset && fault.KindOf(err) == fault.KindNotFound {
				preset, perr := eng.LoadPreset(slug)
				if perr != nil {
					return nil, perr
				}
				return map[string]any{"slug": slug, "preset": preset, "builtin": true}, nil
			}
			return nil, err
		})

	r.add("preset.save", "Validate and store an export preset", "preset save <slug> <json>",
		func(ctx context.Context, req *command.Request) (any, error) {
			slug, err := requireParam(req, "slug", "preset save <slug> <json>")
			if err != nil {
				return nil, err
			}
			raw, err := payloadRaw(req)
			if err != nil {
				return nil, err
			}
			if raw == nil {
				return nil, fault.Invalid("preset save requires a JSON payload")
			}
			if _, err := eng.ValidatePreset(raw); err != nil {
				return nil, err
			}
			res, err := repo.SaveEntity(brain.ProjectPresets, slug, raw, nil, brain.SaveOptions{})
			if err != nil {
				return nil, err
			}
			return command.OK(fmt.Sprintf("preset %q saved @%s", slug, res.Version), res), nil
		})

	r.add("layout.list", "List stored export layouts", "layout list",
		func(ctx context.Context, req *command.Request) (any, error) {
			layouts, err := repo.ListEntities(brain.ProjectLayouts)
			if err != nil {
				return nil, err
			}
			return map[string]any{"layouts": layouts, "count": len(layouts)}, nil
		})

	r.add("layout.show", "Show one export layout", "layout show <slug>",
		func(ctx context.Context, req *command.Request) (any, error) {
			slug, err := requireParam(req, "slug", "layout show <slug>")
			if err != nil {
				return nil, err
			}
			return repo.GetEntityVersion(brain.ProjectLayouts, slug, req.Param("version"))
		})

	r.add("layout.save", "Store an export layout (${placeholder} structure)", "layout save <slug> <json>",
		func(ctx context.Context, req *command.Request) (any, error) {
			slug, err := requireParam(req, "slug", "layout save <slug> <json>")
			if err != nil {
				return nil, err
			}
			raw, err := payloadRaw(req)
			if err != nil {
				return nil, err
			}
			if raw == nil {
				return nil, fault.Invalid("layout save requires a JSON payload")
			}
			res, err := repo.SaveEntity(brain.ProjectLayouts, slug, raw, nil, brain.SaveOptions{})
			if err != nil {
				return nil, err
			}
			return command.OK(fmt.Sprintf("layout %q saved @%s", slug, res.Version), res), nil
		})

	return r.err
}
