package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dominikletica/aaviondb/pkg/brain"
	"github.com/dominikletica/aaviondb/pkg/command"
	"github.com/dominikletica/aaviondb/pkg/fault"
	"github.com/dominikletica/aaviondb/pkg/modules"
)

func init() {
	modules.RegisterInitializer(modules.Descriptor{
		Name:         "scheduler",
		Version:      builtinVersion,
		Autoload:     true,
		Requires:     []string{"entity"},
		Capabilities: []string{modules.CapBrains, modules.CapCommands, modules.CapScheduler},
		Description:  "scheduled statements stored as system entities, run by cron",
		Scope:        modules.ScopeSystem,
		Init:         initScheduler,
	})
}

// taskSpec is the payload of a scheduler_tasks entity. Enabled defaults
// to true when absent.
type taskSpec struct {
	Statement       string      `json:"statement,omitempty"`
	Action          string      `json:"action,omitempty"`
	IntervalSeconds json.Number `json:"interval_seconds"`
	Enabled         *bool       `json:"enabled,omitempty"`
	LastRunAt       string      `json:"last_run_at,omitempty"`
}

func decodeTask(payload []byte) (*taskSpec, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var spec taskSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, fault.Invalid("task payload is not a valid task definition").WithCause(err)
	}
	return &spec, nil
}

func (t *taskSpec) statement() string {
	if s := strings.TrimSpace(t.Statement); s != "" {
		return s
	}
	return strings.TrimSpace(t.Action)
}

func (t *taskSpec) enabled() bool {
	return t.Enabled == nil || *t.Enabled
}

func (t *taskSpec) interval() time.Duration {
	n, err := t.IntervalSeconds.Int64()
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// forbiddenTask rejects statements that would re-enter the scheduler or
// the statement re-dispatcher.
func forbiddenTask(statement string) bool {
	verb := statement
	if i := strings.IndexAny(statement, " \t"); i >= 0 {
		verb = statement[:i]
	}
	switch strings.ToLower(verb) {
	case "cron", "command":
		return true
	}
	return false
}

// taskDue reports whether a task should run at now. An unparsable
// last_run_at counts as never run.
func taskDue(now time.Time, lastRun string, interval time.Duration) bool {
	if interval <= 0 {
		return false
	}
	if lastRun == "" {
		return true
	}
	t, err := time.Parse(time.RFC3339, lastRun)
	if err != nil {
		return true
	}
	return now.Sub(t) >= interval
}

func initScheduler(mc *modules.Context) error {
	repo, err := mc.Brains()
	if err != nil {
		return err
	}
	dispatch, err := mc.Dispatcher()
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
	logger := mc.Logger()

	parser.On("task", 0, subcommands("task", "list", "add", "remove"))
	parser.On("task.add", 0, func(ctx *command.ParseContext) error {
		bind(ctx, "slug")
		return nil
	})
	parser.On("task.remove", 0, func(ctx *command.ParseContext) error {
		bind(ctx, "slug")
		return nil
	})

	r := &registrar{reg: reg, group: "scheduler"}

	r.add("task.list", "List scheduled tasks with their definitions", "task list",
		func(ctx context.Context, req *command.Request) (any, error) {
			entities, err := repo.ListEntities(brain.ProjectTasks)
			if err != nil {
				return nil, err
			}
			tasks := make([]map[string]any, 0, len(entities))
			for _, info := range entities {
				entry := map[string]any{
					"slug":       info.Slug,
					"status":     info.Status,
					"updated_at": info.UpdatedAt,
				}
				if rec, err := repo.GetEntityVersion(brain.ProjectTasks, info.Slug, ""); err == nil {
					var def any
					if json.Unmarshal(rec.Payload, &def) == nil {
						entry["task"] = def
					}
				}
				tasks = append(tasks, entry)
			}
			return map[string]any{"tasks": tasks, "count": len(tasks)}, nil
		})

	const addUsage = `task add <slug> {"statement":"...","interval_seconds":60}`
	r.add("task.add", "Store a scheduled statement; cron runs it when due", addUsage,
		func(ctx context.Context, req *command.Request) (any, error) {
			slug, err := requireParam(req, "slug", addUsage)
			if err != nil {
				return nil, err
			}
			raw, err := payloadRaw(req)
			if err != nil {
				return nil, err
			}
			if raw == nil {
				return nil, fault.Invalid("task add requires a JSON payload (usage: %s)", addUsage)
			}
			spec, err := decodeTask(raw)
			if err != nil {
				return nil, err
			}
			stmt := spec.statement()
			if stmt == "" {
				return nil, fault.Invalid("task needs a statement or an action")
			}
			if forbiddenTask(stmt) {
				return nil, fault.Invalid("tasks must not dispatch %q", strings.Fields(stmt)[0])
			}
			if spec.interval() <= 0 {
				return nil, fault.Invalid("interval_seconds must be a positive integer")
			}
			res, err := repo.SaveEntity(brain.ProjectTasks, slug, raw, nil, brain.SaveOptions{})
			if err != nil {
				return nil, err
			}
			return command.OK(fmt.Sprintf("task %q saved @%s", slug, res.Version), res), nil
		})

	r.add("task.remove", "Remove a scheduled task and its history", "task remove <slug>",
		func(ctx context.Context, req *command.Request) (any, error) {
			slug, err := requireParam(req, "slug", "task remove <slug>")
			if err != nil {
				return nil, err
			}
			if err := repo.DeleteEntity(brain.ProjectTasks, slug, true); err != nil {
				return nil, err
			}
			return command.OK(fmt.Sprintf("task %q removed", slug), map[string]any{"slug": slug}), nil
		})

	r.add("cron", "Run every due scheduled task", "cron",
		func(ctx context.Context, req *command.Request) (any, error) {
			now := time.Now().UTC()
			entities, err := repo.ListEntities(brain.ProjectTasks)
			if err != nil {
				return nil, err
			}

			results := make([]map[string]any, 0)
			executed := 0
			for _, info := range entities {
				if info.Status != brain.EntityActive {
					continue
				}
				rec, err := repo.GetEntityVersion(brain.ProjectTasks, info.Slug, "")
				if err != nil {
					results = append(results, map[string]any{
						"task": info.Slug, "status": "error", "message": err.Error(),
					})
					continue
				}
				spec, err := decodeTask(rec.Payload)
				if err != nil {
					results = append(results, map[string]any{
						"task": info.Slug, "status": "error", "message": err.Error(),
					})
					continue
				}
				if !spec.enabled() || !taskDue(now, spec.LastRunAt, spec.interval()) {
					continue
				}
				stmt := spec.statement()
				if stmt == "" || forbiddenTask(stmt) {
					results = append(results, map[string]any{
						"task": info.Slug, "status": "skipped", "message": "statement not runnable",
					})
					continue
				}

				resp := dispatch(ctx, stmt)
				executed++
				results = append(results, map[string]any{
					"task":    info.Slug,
					"action":  resp.Action,
					"status":  resp.Status,
					"message": resp.Message,
				})

				stamp := fmt.Sprintf(`{"last_run_at":%q}`, now.Format(time.RFC3339))
				if _, err := repo.SaveEntity(brain.ProjectTasks, info.Slug, json.RawMessage(stamp), nil, brain.SaveOptions{Merge: true}); err != nil {
					logger.Warn("task run not recorded", "task", info.Slug, "error", err)
				}
			}

			return command.OK(fmt.Sprintf("%d task(s) executed", executed), map[string]any{
				"executed": results,
				"checked":  len(entities),
			}), nil
		})

	return r.err
}
