package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/dominikletica/aaviondb/pkg/command"
	"github.com/dominikletica/aaviondb/pkg/modules"
)

func init() {
	modules.RegisterInitializer(modules.Descriptor{
		Name:         "security",
		Version:      builtinVersion,
		Autoload:     true,
		Requires:     []string{"brain"},
		Capabilities: []string{modules.CapCommands, modules.CapSecurity},
		Description:  "rate-limit status, manual lockdown, counter purge",
		Scope:        modules.ScopeSystem,
		Init:         initSecurity,
	})
}

func initSecurity(mc *modules.Context) error {
	sec, err := mc.Security()
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

	parser.On("security", 0, subcommands("security", "status", "lockdown", "purge"))
	parser.On("security.lockdown", 0, func(ctx *command.ParseContext) error {
		bind(ctx, "seconds")
		return nil
	})

	r := &registrar{reg: reg, group: "security"}

	r.add("security.status", "Report rate-limit settings, lockdown and block state", "security status",
		func(ctx context.Context, req *command.Request) (any, error) {
			client := command.RequestMetaFrom(ctx).Client
			if v := req.Param("client"); v != "" {
				client = v
			}
			return sec.Report(client), nil
		})

	r.add("security.lockdown", "Reject every client for a while; 0 uses the configured duration", "security lockdown [seconds]",
		func(ctx context.Context, req *command.Request) (any, error) {
			seconds, err := intParam(req, "seconds", 0)
			if err != nil {
				return nil, err
			}
			until := sec.Lockdown(seconds)
			return command.OK(fmt.Sprintf("lockdown active until %s", until.UTC().Format(time.RFC3339)), map[string]any{
				"until": until.UTC().Format(time.RFC3339),
			}), nil
		})

	r.add("security.purge", "Drop every security counter, block and lockdown", "security purge",
		func(ctx context.Context, req *command.Request) (any, error) {
			if err := sec.Purge(); err != nil {
				return nil, err
			}
			return command.OK("security state purged", nil), nil
		})

	return r.err
}
