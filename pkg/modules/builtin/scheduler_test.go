package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/dominikletica/aaviondb/pkg/brain"
	"github.com/dominikletica/aaviondb/pkg/command"
	"github.com/dominikletica/aaviondb/pkg/fault"
)

func TestTaskCommands(t *testing.T) {
	e := newTestEngine(t)

	t.Run("add validates the definition", func(t *testing.T) {
		noStmt := e.run(t, `task add empty {"interval_seconds":60}`)
		require.Equal(t, command.StatusError, noStmt.Status)
		assert.Equal(t, string(fault.KindInvalidArgument), noStmt.Meta["kind"])

		nested := e.run(t, `task add loop {"statement":"cron","interval_seconds":60}`)
		require.Equal(t, command.StatusError, nested.Status)
		assert.Contains(t, nested.Message, `must not dispatch "cron"`)

		noInterval := e.run(t, `task add lazy {"statement":"project list"}`)
		require.Equal(t, command.StatusError, noInterval.Status)
		assert.Contains(t, noInterval.Message, "interval_seconds")

		resp := e.runOK(t, `task add ping {"statement":"save demo heartbeat {\"beat\":1}","interval_seconds":60}`)
		res, ok := resp.Data.(*brain.SaveResult)
		require.True(t, ok)
		assert.Equal(t, `task "ping" saved @1`, resp.Message)
		assert.Equal(t, "1", res.Version)
	})

	t.Run("list decodes the stored definition", func(t *testing.T) {
		d := data(t, e.runOK(t, "task list"))
		assert.Equal(t, 1, d["count"])
		tasks, ok := d["tasks"].([]map[string]any)
		require.True(t, ok, "tasks is %T", d["tasks"])
		require.Len(t, tasks, 1)
		assert.Equal(t, "ping", tasks[0]["slug"])
		def, ok := tasks[0]["task"].(map[string]any)
		require.True(t, ok, "task is %T", tasks[0]["task"])
		assert.Contains(t, def["statement"], "save demo heartbeat")
	})

	t.Run("cron runs due tasks and stamps last_run_at", func(t *testing.T) {
		resp := e.runOK(t, "cron")
		assert.Equal(t, "1 task(s) executed", resp.Message)
		d := data(t, resp)
		assert.Equal(t, 1, d["checked"])
		results, ok := d["executed"].([]map[string]any)
		require.True(t, ok, "executed is %T", d["executed"])
		require.Len(t, results, 1)
		assert.Equal(t, "ping", results[0]["task"])
		assert.Equal(t, command.StatusOK, results[0]["status"])

		// The dispatched statement really ran.
		rec, ok := e.runOK(t, "show demo heartbeat").Data.(*brain.Record)
		require.True(t, ok)
		assert.Equal(t, int64(1), gjson.GetBytes(rec.Payload, "beat").Int())

		// The run was stamped into the task entity as a new version.
		task, ok := e.runOK(t, "show scheduler_tasks ping").Data.(*brain.Record)
		require.True(t, ok)
		assert.Equal(t, "2", task.Version)
		assert.NotEmpty(t, gjson.GetBytes(task.Payload, "last_run_at").String())
	})

	t.Run("a fresh run is not due again", func(t *testing.T) {
		resp := e.runOK(t, "cron")
		assert.Equal(t, "0 task(s) executed", resp.Message)
	})

	t.Run("disabled tasks never run", func(t *testing.T) {
		e.runOK(t, `task add idle {"statement":"project list","interval_seconds":1,"enabled":false}`)
		resp := e.runOK(t, "cron")
		d := data(t, resp)
		assert.Equal(t, 2, d["checked"])
		assert.Equal(t, "0 task(s) executed", resp.Message)
	})

	t.Run("remove purges the task", func(t *testing.T) {
		e.runOK(t, "task remove ping")
		e.runOK(t, "task remove idle")
		d := data(t, e.runOK(t, "task list"))
		assert.Equal(t, 0, d["count"])
	})
}
