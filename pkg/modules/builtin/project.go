package builtin

import (
	"context"
	"fmt"

	"github.com/dominikletica/aaviondb/pkg/command"
	"github.com/dominikletica/aaviondb/pkg/modules"
)

func init() {
	modules.RegisterInitializer(modules.Descriptor{
		Name:         "project",
		Version:      builtinVersion,
		Autoload:     true,
		Requires:     []string{"brain"},
		Capabilities: []string{modules.CapBrains, modules.CapCommands},
		Description:  "project lifecycle inside the active brain",
		Scope:        modules.ScopeSystem,
		Init:         initProject,
	})
}

func initProject(mc *modules.Context) error {
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

	parser.On("project", 0, subcommands("project", "create", "list", "archive", "delete", "report"))
	parser.On("project.create", 0, func(ctx *command.ParseContext) error {
		ctx.LiftKeyValues()
		bind(ctx, "slug")
		return nil
	})
	parser.On("project.archive", 0, func(ctx *command.ParseContext) error {
		bind(ctx, "slug")
		return nil
	})
	parser.On("project.delete", 0, func(ctx *command.ParseContext) error {
		if takeFlag(ctx, "purge") {
			ctx.Params["purge"] = "true"
		}
		bind(ctx, "slug")
		return nil
	})
	parser.On("project.report", 0, func(ctx *command.ParseContext) error {
		bind(ctx, "slug")
		return nil
	})

	r := &registrar{reg: reg, group: "project"}

	r.add("project.create", "Create a project in the active brain", "project create <slug> [title=...] [description=...]",
		func(ctx context.Context, req *command.Request) (any, error) {
			slug, err := requireParam(req, "slug", "project create <slug>")
			if err != nil {
				return nil, err
			}
			info, err := repo.CreateProject(slug, req.Param("title"), req.Param("description"))
			if err != nil {
				return nil, err
			}
			return command.OK(fmt.Sprintf("project %q created", slug), info), nil
		})

	r.add("project.list", "List projects of the active brain", "project list",
		func(ctx context.Context, req *command.Request) (any, error) {
			projects, err := repo.ListProjects()
			if err != nil {
				return nil, err
			}
			return map[string]any{"projects": projects, "count": len(projects)}, nil
		})

	r.add("project.archive", "Archive a project, keeping its data", "project archive <slug>",
		func(ctx context.Context, req *command.Request) (any, error) {
			slug, err := requireParam(req, "slug", "project archive <slug>")
			if err != nil {
				return nil, err
			}
			info, err := repo.ArchiveProject(slug)
			if err != nil {
				return nil, err
			}
			return command.OK(fmt.Sprintf("project %q archived", slug), info), nil
		})

	r.add("project.delete", "Delete a project; purge removes it outright", "project delete <slug> [purge]",
		func(ctx context.Context, req *command.Request) (any, error) {
			slug, err := requireParam(req, "slug", "project delete <slug> [purge]")
			if err != nil {
				return nil, err
			}
			purge := req.Bool("purge")
			if err := repo.DeleteProject(slug, purge); err != nil {
				return nil, err
			}
			msg := fmt.Sprintf("project %q marked deleted", slug)
			if purge {
				msg = fmt.Sprintf("project %q purged", slug)
			}
			return command.OK(msg, map[string]any{"slug": slug, "purged": purge}), nil
		})

	r.add("project.report", "Report one project with its entities", "project report <slug>",
		func(ctx context.Context, req *command.Request) (any, error) {
			slug, err := requireParam(req, "slug", "project report <slug>")
			if err != nil {
				return nil, err
			}
			return repo.ProjectReport(slug)
		})

	return r.err
}
