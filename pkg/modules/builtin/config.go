package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dominikletica/aaviondb/pkg/command"
	"github.com/dominikletica/aaviondb/pkg/fault"
	"github.com/dominikletica/aaviondb/pkg/modules"
)

func init() {
	modules.RegisterInitializer(modules.Descriptor{
		Name:         "config",
		Version:      builtinVersion,
		Autoload:     true,
		Requires:     []string{"brain"},
		Capabilities: []string{modules.CapBrains, modules.CapCommands},
		Description:  "per-brain configuration keys",
		Scope:        modules.ScopeSystem,
		Init:         initConfig,
	})
}

// coerceScalar decodes a statement token into its JSON value when it is
// one ("5", "true", "[1,2]"); anything else stays a plain string.
func coerceScalar(s string) any {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return s
	}
	if dec.More() {
		return s
	}
	return v
}

func initConfig(mc *modules.Context) error {
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

	systemFlag := func(ctx *command.ParseContext) {
		if takeFlag(ctx, "system") {
			ctx.Params["system"] = "true"
		}
	}

	parser.On("config", 0, subcommands("config", "list", "get", "set", "delete"))
	parser.On("config.list", 0, func(ctx *command.ParseContext) error {
		systemFlag(ctx)
		return nil
	})
	parser.On("config.get", 0, func(ctx *command.ParseContext) error {
		bind(ctx, "key")
		systemFlag(ctx)
		return nil
	})
	parser.On("config.set", 0, func(ctx *command.ParseContext) error {
		bind(ctx, "key")
		// The value is the next token; a trailing "system" token after it
		// selects the system scope. "config set k system" therefore sets
		// the value "system" in the user scope.
		if tok, ok := ctx.TakeToken(); ok {
			ctx.Params["value"] = tok
		}
		systemFlag(ctx)
		return nil
	})
	parser.On("config.delete", 0, func(ctx *command.ParseContext) error {
		bind(ctx, "key")
		systemFlag(ctx)
		return nil
	})

	r := &registrar{reg: reg, group: "config"}

	r.add("config.list", "List configuration keys of the user or system brain", "config list [system]",
		func(ctx context.Context, req *command.Request) (any, error) {
			system := req.Bool("system")
			values, err := repo.ListConfig(system)
			if err != nil {
				return nil, err
			}
			return map[string]any{"config": values, "system": system}, nil
		})

	r.add("config.get", "Read one configuration value", "config get <key> [system]",
		func(ctx context.Context, req *command.Request) (any, error) {
			key, err := requireParam(req, "key", "config get <key> [system]")
			if err != nil {
				return nil, err
			}
			system := req.Bool("system")
			value, err := repo.GetConfigValue(key, system)
			if err != nil {
				return nil, err
			}
			return map[string]any{"key": key, "value": value, "system": system}, nil
		})

	r.add("config.set", "Write one configuration value (JSON scalars are typed)", "config set <key> <value> [system]",
		func(ctx context.Context, req *command.Request) (any, error) {
			key, err := requireParam(req, "key", "config set <key> <value> [system]")
			if err != nil {
				return nil, err
			}
			value, ok := req.Params["value"]
			if !ok {
				if payload, perr := payloadRaw(req); perr == nil && payload != nil {
					var decoded any
					dec := json.NewDecoder(strings.NewReader(string(payload)))
					dec.UseNumber()
					if err := dec.Decode(&decoded); err != nil {
						return nil, fault.Invalid("config value payload is not valid JSON").WithCause(err)
					}
					value = decoded
					ok = true
				}
			}
			if !ok {
				return nil, fault.Invalid("missing parameter %q (usage: config set <key> <value> [system])", "value")
			}
			if s, isStr := value.(string); isStr {
				value = coerceScalar(s)
			}
			system := req.Bool("system")
			if err := repo.SetConfigValue(key, value, system); err != nil {
				return nil, err
			}
			return command.OK(fmt.Sprintf("config %q set", key), map[string]any{
				"key":    key,
				"value":  value,
				"system": system,
			}), nil
		})

	r.add("config.delete", "Delete one configuration key", "config delete <key> [system]",
		func(ctx context.Context, req *command.Request) (any, error) {
			key, err := requireParam(req, "key", "config delete <key> [system]")
			if err != nil {
				return nil, err
			}
			system := req.Bool("system")
			if err := repo.DeleteConfigValue(key, system); err != nil {
				return nil, err
			}
			return command.OK(fmt.Sprintf("config %q deleted", key), map[string]any{
				"key":    key,
				"system": system,
			}), nil
		})

	return r.err
}
