package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/dominikletica/aaviondb/pkg/brain"
	"github.com/dominikletica/aaviondb/pkg/command"
	"github.com/dominikletica/aaviondb/pkg/fault"
	"github.com/dominikletica/aaviondb/pkg/modules"
)

func init() {
	modules.RegisterInitializer(modules.Descriptor{
		Name:         "entity",
		Version:      builtinVersion,
		Autoload:     true,
		Requires:     []string{"project"},
		Capabilities: []string{modules.CapBrains, modules.CapCommands},
		Description:  "entity verbs: save, show, list, versions, restore",
		Scope:        modules.ScopeSystem,
		Init:         initEntity,
	})
}

// bindTarget consumes `<project> <entity>` and an optional trailing
// `@version` / `#commit` reference token.
func bindTarget(withRef bool) command.ParseHandler {
	return func(ctx *command.ParseContext) error {
		ctx.LiftKeyValues()
		bind(ctx, "project", "entity")
		if !withRef {
			return nil
		}
		if tok, ok := ctx.TakeToken(); ok {
			ctx.Params["version"] = tok
		}
		return nil
	}
}

func initEntity(mc *modules.Context) error {
	repo, err := mc.Brains()
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

	parser.On("save", 0, func(ctx *command.ParseContext) error {
		ctx.LiftKeyValues()
		if tok, ok := ctx.TakeToken(); ok {
			ctx.Params["project"] = tok
		}
		if tok, ok := ctx.TakeToken(); ok {
			entity, fieldset, found := strings.Cut(tok, ":")
			ctx.Params["entity"] = entity
			if found && fieldset != "" {
				ctx.Params["fieldset"] = fieldset
			}
		}
		if takeFlag(ctx, "replace") {
			ctx.Params["merge"] = "false"
		}
		if takeFlag(ctx, "merge") {
			ctx.Params["merge"] = "true"
		}
		return nil
	})
	parser.On("show", 0, bindTarget(true))
	parser.On("list", 0, func(ctx *command.ParseContext) error {
		bind(ctx, "project")
		return nil
	})
	parser.On("versions", 0, bindTarget(false))
	parser.On("remove", 0, bindTarget(false))
	parser.On("delete", 0, func(ctx *command.ParseContext) error {
		if takeFlag(ctx, "purge") {
			ctx.Params["purge"] = "true"
		}
		bind(ctx, "project", "entity")
		return nil
	})
	parser.On("delete-version", 0, bindTarget(true))
	parser.On("restore", 0, bindTarget(true))

	r := &registrar{reg: reg, group: "entity"}

	const saveUsage = "save <project> <entity>[:fieldset] <json> [merge|replace]"
	r.add("save", "Save a new entity version; merges by default, empty strings delete keys", saveUsage,
		func(ctx context.Context, req *command.Request) (any, error) {
			project, err := requireParam(req, "project", saveUsage)
			if err != nil {
				return nil, err
			}
			entity, err := requireParam(req, "entity", saveUsage)
			if err != nil {
				return nil, err
			}
			fieldset := req.Param("fieldset")
			if fieldset == "" {
				if base, fs, found := strings.Cut(entity, ":"); found {
					entity, fieldset = base, fs
				}
			}
			raw, err := payloadRaw(req)
			if err != nil {
				return nil, err
			}
			if raw == nil {
				return nil, fault.Invalid("save requires a JSON payload (usage: %s)", saveUsage)
			}
			opts := brain.SaveOptions{
				Merge:    boolOr(req, "merge", true),
				Parent:   req.Param("parent"),
				Fieldset: fieldset,
			}
			res, err := repo.SaveEntity(project, entity, raw, mapParam(req, "meta"), opts)
			if err != nil {
				return nil, err
			}
			msg := fmt.Sprintf("saved %s/%s@%s", project, entity, res.Version)
			if !res.Changed {
				msg = fmt.Sprintf("no change for %s/%s, still @%s", project, entity, res.Version)
			}
			return command.OK(msg, res), nil
		})

	r.add("show", "Show one entity version (active, @version or #commit)", "show <project> <entity> [@v|#hash]",
		func(ctx context.Context, req *command.Request) (any, error) {
			project, err := requireParam(req, "project", "show <project> <entity> [@v|#hash]")
			if err != nil {
				return nil, err
			}
			entity, err := requireParam(req, "entity", "show <project> <entity> [@v|#hash]")
			if err != nil {
				return nil, err
			}
			return repo.GetEntityVersion(project, entity, req.Param("version"))
		})

	r.add("list", "List entities of a project", "list <project>",
		func(ctx context.Context, req *command.Request) (any, error) {
			project, err := requireParam(req, "project", "list <project>")
			if err != nil {
				return nil, err
			}
			entities, err := repo.ListEntities(project)
			if err != nil {
				return nil, err
			}
			return map[string]any{"project": project, "entities": entities, "count": len(entities)}, nil
		})

	r.add("versions", "List the version history of an entity", "versions <project> <entity>",
		func(ctx context.Context, req *command.Request) (any, error) {
			project, err := requireParam(req, "project", "versions <project> <entity>")
			if err != nil {
				return nil, err
			}
			entity, err := requireParam(req, "entity", "versions <project> <entity>")
			if err != nil {
				return nil, err
			}
			versions, err := repo.ListEntityVersions(project, entity)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"project":  project,
				"entity":   entity,
				"versions": versions,
				"count":    len(versions),
			}, nil
		})

	r.add("remove", "Archive an entity, deactivating its versions", "remove <project> <entity>",
		func(ctx context.Context, req *command.Request) (any, error) {
			project, err := requireParam(req, "project", "remove <project> <entity>")
			if err != nil {
				return nil, err
			}
			entity, err := requireParam(req, "entity", "remove <project> <entity>")
			if err != nil {
				return nil, err
			}
			info, err := repo.DeactivateEntity(project, entity)
			if err != nil {
				return nil, err
			}
			return command.OK(fmt.Sprintf("entity %s/%s archived", project, entity), info), nil
		})

	r.add("delete", "Delete an entity; purge removes its history", "delete <project> <entity> [purge]",
		func(ctx context.Context, req *command.Request) (any, error) {
			project, err := requireParam(req, "project", "delete <project> <entity> [purge]")
			if err != nil {
				return nil, err
			}
			entity, err := requireParam(req, "entity", "delete <project> <entity> [purge]")
			if err != nil {
				return nil, err
			}
			purge := req.Bool("purge")
			if err := repo.DeleteEntity(project, entity, purge); err != nil {
				return nil, err
			}
			msg := fmt.Sprintf("entity %s/%s deleted", project, entity)
			if purge {
				msg = fmt.Sprintf("entity %s/%s purged", project, entity)
			}
			return command.OK(msg, map[string]any{"project": project, "entity": entity, "purged": purge}), nil
		})

	r.add("delete-version", "Delete a single version of an entity", "delete-version <project> <entity> <@v|#hash>",
		func(ctx context.Context, req *command.Request) (any, error) {
			project, err := requireParam(req, "project", "delete-version <project> <entity> <@v|#hash>")
			if err != nil {
				return nil, err
			}
			entity, err := requireParam(req, "entity", "delete-version <project> <entity> <@v|#hash>")
			if err != nil {
				return nil, err
			}
			ref, err := requireParam(req, "version", "delete-version <project> <entity> <@v|#hash>")
			if err != nil {
				return nil, err
			}
			info, err := repo.DeleteEntityVersion(project, entity, ref)
			if err != nil {
				return nil, err
			}
			return command.OK(fmt.Sprintf("version %s of %s/%s deleted", ref, project, entity), info), nil
		})

	r.add("restore", "Append a copy of an older version as the new active one", "restore <project> <entity> <@v|#hash>",
		func(ctx context.Context, req *command.Request) (any, error) {
			project, err := requireParam(req, "project", "restore <project> <entity> <@v|#hash>")
			if err != nil {
				return nil, err
			}
			entity, err := requireParam(req, "entity", "restore <project> <entity> <@v|#hash>")
			if err != nil {
				return nil, err
			}
			ref, err := requireParam(req, "version", "restore <project> <entity> <@v|#hash>")
			if err != nil {
				return nil, err
			}
			res, err := repo.RestoreEntityVersion(project, entity, ref)
			if err != nil {
				return nil, err
			}
			return command.OK(fmt.Sprintf("restored %s/%s@%s from %s", project, entity, res.Version, ref), res), nil
		})

	return r.err
}
