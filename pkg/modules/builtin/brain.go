package builtin

import (
	"context"
	"fmt"

	"github.com/dominikletica/aaviondb/pkg/command"
	"github.com/dominikletica/aaviondb/pkg/modules"
)

func init() {
	modules.RegisterInitializer(modules.Descriptor{
		Name:         "brain",
		Version:      builtinVersion,
		Autoload:     true,
		Capabilities: []string{modules.CapBrains, modules.CapCommands},
		Description:  "brain lifecycle: create, select, report, backup, integrity",
		Scope:        modules.ScopeSystem,
		Init:         initBrain,
	})
}

func initBrain(mc *modules.Context) error {
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

	parser.On("brain", 0, subcommands("brain",
		"list", "create", "use", "report", "backup", "backups", "restore-backup", "integrity"))
	parser.On("brain.create", 0, func(ctx *command.ParseContext) error {
		bind(ctx, "slug")
		return nil
	})
	parser.On("brain.use", 0, func(ctx *command.ParseContext) error {
		bind(ctx, "slug")
		return nil
	})
	parser.On("brain.report", 0, func(ctx *command.ParseContext) error {
		bind(ctx, "slug")
		return nil
	})
	parser.On("brain.backup", 0, func(ctx *command.ParseContext) error {
		ctx.LiftKeyValues()
		if takeFlag(ctx, "compress") {
			ctx.Params["compress"] = "true"
		}
		bind(ctx, "slug")
		return nil
	})
	parser.On("brain.backups", 0, func(ctx *command.ParseContext) error {
		bind(ctx, "slug")
		return nil
	})
	parser.On("brain.restore-backup", 0, func(ctx *command.ParseContext) error {
		bind(ctx, "slug", "file")
		return nil
	})
	parser.On("brain.integrity", 0, func(ctx *command.ParseContext) error {
		bind(ctx, "slug")
		return nil
	})

	r := &registrar{reg: reg, group: "brain"}

	r.add("brain.list", "List known brains with file stats", "brain list",
		func(ctx context.Context, req *command.Request) (any, error) {
			brains, err := repo.ListBrains()
			if err != nil {
				return nil, err
			}
			return map[string]any{"brains": brains, "active": repo.ActiveBrain()}, nil
		})

	r.add("brain.create", "Create a new user brain without activating it", "brain create <slug>",
		func(ctx context.Context, req *command.Request) (any, error) {
			slug, err := requireParam(req, "slug", "brain create <slug>")
			if err != nil {
				return nil, err
			}
			if err := repo.CreateBrain(slug); err != nil {
				return nil, err
			}
			return command.OK(fmt.Sprintf("brain %q created", slug), map[string]any{"slug": slug}), nil
		})

	r.add("brain.use", "Switch the active user brain", "brain use <slug>",
		func(ctx context.Context, req *command.Request) (any, error) {
			slug, err := requireParam(req, "slug", "brain use <slug>")
			if err != nil {
				return nil, err
			}
			if err := repo.SetActiveBrain(slug); err != nil {
				return nil, err
			}
			return command.OK(fmt.Sprintf("brain %q is now active", slug), map[string]any{"active": slug}), nil
		})

	r.add("brain.report", "Summarize one brain: counts, file hash, size", "brain report [slug]",
		func(ctx context.Context, req *command.Request) (any, error) {
			slug, err := activeOr(req, repo)
			if err != nil {
				return nil, err
			}
			return repo.BrainReport(slug)
		})

	r.add("brain.backup", "Write a timestamped backup of one brain", "brain backup [slug] [label=...] [compress]",
		func(ctx context.Context, req *command.Request) (any, error) {
			slug, err := activeOr(req, repo)
			if err != nil {
				return nil, err
			}
			info, err := repo.Backup(slug, req.Param("label"), req.Bool("compress"))
			if err != nil {
				return nil, err
			}
			return command.OK(fmt.Sprintf("brain %q backed up to %s", slug, info.File), info), nil
		})

	r.add("brain.backups", "List backups recorded for one brain", "brain backups [slug]",
		func(ctx context.Context, req *command.Request) (any, error) {
			slug, err := activeOr(req, repo)
			if err != nil {
				return nil, err
			}
			backups, err := repo.ListBackups(slug)
			if err != nil {
				return nil, err
			}
			return map[string]any{"brain": slug, "backups": backups}, nil
		})

	r.add("brain.restore-backup", "Replace a brain with one of its backups", "brain restore-backup <slug> <file>",
		func(ctx context.Context, req *command.Request) (any, error) {
			slug, err := requireParam(req, "slug", "brain restore-backup <slug> <file>")
			if err != nil {
				return nil, err
			}
			file, err := requireParam(req, "file", "brain restore-backup <slug> <file>")
			if err != nil {
				return nil, err
			}
			summary, err := repo.RestoreBackup(slug, file)
			if err != nil {
				return nil, err
			}
			return command.OK(fmt.Sprintf("brain %q restored from %s", slug, file), summary), nil
		})

	r.add("brain.integrity", "Verify stored hashes against recomputed canonical hashes", "brain integrity [slug]",
		func(ctx context.Context, req *command.Request) (any, error) {
			slug, err := activeOr(req, repo)
			if err != nil {
				return nil, err
			}
			result, err := repo.IntegrityReport(slug)
			if err != nil {
				return nil, err
			}
			msg := fmt.Sprintf("brain %q passed integrity checks", slug)
			if !result.OK {
				msg = fmt.Sprintf("brain %q has %d integrity issue(s)", slug, len(result.Issues))
			}
			return command.OK(msg, result), nil
		})

	return r.err
}
