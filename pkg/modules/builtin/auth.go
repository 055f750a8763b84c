package builtin

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dominikletica/aaviondb/pkg/brain"
	"github.com/dominikletica/aaviondb/pkg/command"
	"github.com/dominikletica/aaviondb/pkg/fault"
	"github.com/dominikletica/aaviondb/pkg/modules"
)

func init() {
	modules.RegisterInitializer(modules.Descriptor{
		Name:         "auth",
		Version:      builtinVersion,
		Autoload:     true,
		Requires:     []string{"brain"},
		Capabilities: []string{modules.CapBrains, modules.CapCommands},
		Description:  "API tokens, bootstrap key and the REST switch",
		Scope:        modules.ScopeSystem,
		Init:         initAuth,
	})
}

func initAuth(mc *modules.Context) error {
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

	parser.On("auth", 0, subcommands("auth", "list", "register", "revoke", "reset", "rotate-bootstrap"))
	parser.On("auth.register", 0, func(ctx *command.ParseContext) error {
		ctx.LiftKeyValues()
		return nil
	})
	parser.On("auth.revoke", 0, func(ctx *command.ParseContext) error {
		bind(ctx, "token")
		return nil
	})
	parser.On("api", 0, func(ctx *command.ParseContext) error {
		tok, ok := ctx.TakeToken()
		if !ok {
			return fault.Invalid("usage: api <enable|disable>")
		}
		switch tok {
		case "enable":
			ctx.Params["enabled"] = "true"
		case "disable":
			ctx.Params["enabled"] = "false"
		default:
			return fault.Invalid("unknown api subcommand %q (usage: api <enable|disable>)", tok)
		}
		ctx.SetAction("auth.api")
		return nil
	})

	r := &registrar{reg: reg, group: "auth"}

	r.add("auth.list", "List registered tokens (hashes and previews only)", "auth list",
		func(ctx context.Context, req *command.Request) (any, error) {
			tokens, err := repo.ListAuthTokens()
			if err != nil {
				return nil, err
			}
			state, err := repo.SystemAuthState()
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"tokens":      tokens,
				"count":       len(tokens),
				"api_enabled": state.API.Enabled,
			}, nil
		})

	r.add("auth.register", "Register a new API token; the raw token is shown once", "auth register [label=...] [scope=...] [projects=a,b]",
		func(ctx context.Context, req *command.Request) (any, error) {
			scope := req.Param("scope")
			if scope == "" {
				scope = brain.ScopeAll
			}
			raw, info, err := repo.RegisterAuthToken(
				req.Param("label"),
				scope,
				stringList(req.Params["projects"]),
				mc.Config().APIKeyLength,
			)
			if err != nil {
				return nil, err
			}
			return command.OK("token registered; store it now, it is not retrievable later", map[string]any{
				"token": raw,
				"info":  info,
			}), nil
		})

	r.add("auth.revoke", "Revoke a token by hash or preview", "auth revoke <hash|preview>",
		func(ctx context.Context, req *command.Request) (any, error) {
			ref, err := requireParam(req, "token", "auth revoke <hash|preview>")
			if err != nil {
				return nil, err
			}
			info, err := repo.RevokeAuthToken(ref)
			if err != nil {
				return nil, err
			}
			return command.OK(fmt.Sprintf("token %s revoked", info.Preview), info), nil
		})

	r.add("auth.reset", "Remove every registered token", "auth reset",
		func(ctx context.Context, req *command.Request) (any, error) {
			removed, err := repo.ResetAuthTokens()
			if err != nil {
				return nil, err
			}
			return command.OK(fmt.Sprintf("%d token(s) removed", removed), map[string]any{"removed": removed}), nil
		})

	r.add("auth.api", "Enable or disable the REST surface", "api <enable|disable>",
		func(ctx context.Context, req *command.Request) (any, error) {
			if _, ok := req.Params["enabled"]; !ok {
				return nil, fault.Invalid("missing parameter %q (usage: api <enable|disable>)", "enabled")
			}
			enabled := req.Bool("enabled")
			if err := repo.SetAPIEnabled(enabled); err != nil {
				return nil, err
			}
			msg := "api disabled"
			if enabled {
				msg = "api enabled"
			}
			return command.OK(msg, map[string]any{"api_enabled": enabled}), nil
		})

	r.add("auth.rotate-bootstrap", "Replace the bootstrap key", "auth rotate-bootstrap",
		func(ctx context.Context, req *command.Request) (any, error) {
			key := uuid.NewString()
			if err := repo.UpdateBootstrapKey(key); err != nil {
				return nil, err
			}
			return command.OK("bootstrap key rotated; it grants CLI bootstrap only, never REST access", map[string]any{
				"bootstrap_key": key,
				"preview":       brain.TokenPreview(key),
			}), nil
		})

	return r.err
}
