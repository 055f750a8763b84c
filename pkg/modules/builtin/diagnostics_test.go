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

func TestStatusCommand(t *testing.T) {
	e := newTestEngine(t)
	e.runOK(t, `save demo hero {"name":"Aria"}`)

	d := data(t, e.runOK(t, "status"))
	assert.Equal(t, "aaviondb", d["name"])
	assert.Equal(t, "test", d["version"])
	assert.Equal(t, "default", d["active_brain"])
	assert.Equal(t, 1, d["brains"])
	assert.Equal(t, 1, d["projects"])
	assert.Equal(t, false, d["api_enabled"])

	mods, ok := d["modules"].(map[string]any)
	require.True(t, ok, "modules is %T", d["modules"])
	assert.Equal(t, 0, mods["failed"])
	assert.GreaterOrEqual(t, mods["loaded"].(int), 10)
	assert.GreaterOrEqual(t, d["commands"].(int), 16)
}

func TestDoctorCommand(t *testing.T) {
	e := newTestEngine(t)

	resp := e.runOK(t, "doctor")
	assert.Equal(t, "all checks passed", resp.Message)
	d := data(t, resp)
	assert.Equal(t, true, d["ok"])

	checks, ok := d["checks"].([]doctorCheck)
	require.True(t, ok, "checks is %T", d["checks"])
	require.Len(t, checks, 6)
	names := make([]string, 0, len(checks))
	for _, c := range checks {
		assert.True(t, c.OK, "check %s failed: %s", c.Name, c.Detail)
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "storage layout")
	assert.Contains(t, names, "system brain integrity")
	assert.Contains(t, names, "cache")
}

func TestHelpCommand(t *testing.T) {
	e := newTestEngine(t)

	t.Run("grouped listing", func(t *testing.T) {
		d := data(t, e.runOK(t, "help"))
		assert.GreaterOrEqual(t, d["count"].(int), 16)
		groups, ok := d["commands"].(map[string][]command.CommandInfo)
		require.True(t, ok, "commands is %T", d["commands"])
		assert.Contains(t, groups, "entity")
		assert.Contains(t, groups, "diagnostics")
	})

	t.Run("single action", func(t *testing.T) {
		d := data(t, e.runOK(t, "help save"))
		assert.Equal(t, "save", d["action"])
		meta, ok := d["meta"].(command.Meta)
		require.True(t, ok, "meta is %T", d["meta"])
		assert.Equal(t, "entity", meta.Group)
		assert.NotEmpty(t, meta.Usage)
	})

	t.Run("unknown action", func(t *testing.T) {
		resp := e.run(t, "help teleport")
		require.Equal(t, command.StatusError, resp.Status)
		assert.Equal(t, string(fault.KindNotFound), resp.Meta["kind"])
	})
}

func TestAuditRecentCommand(t *testing.T) {
	e := newTestEngine(t)

	// The harness runs with the null audit store; the command still
	// answers with an empty listing.
	d := data(t, e.runOK(t, "audit recent 5"))
	assert.Equal(t, 0, d["count"])
}

func TestCommandRedispatch(t *testing.T) {
	e := newTestEngine(t)

	t.Run("plain statement", func(t *testing.T) {
		resp := e.runOK(t, "command project create alpha")
		assert.Equal(t, "project.create", resp.Action)

		d := data(t, e.runOK(t, "project list"))
		assert.Equal(t, 1, d["count"])
	})

	t.Run("payload survives the rebuild", func(t *testing.T) {
		resp := e.runOK(t, `command save alpha note {"x":1}`)
		assert.Equal(t, "save", resp.Action)

		rec, ok := e.runOK(t, "show alpha note").Data.(*brain.Record)
		require.True(t, ok)
		assert.Equal(t, int64(1), gjson.GetBytes(rec.Payload, "x").Int())
	})

	t.Run("quoted tokens survive the rebuild", func(t *testing.T) {
		e.runOK(t, `command project create beta title="Great Seal"`)
		resp := e.runOK(t, "project report beta")
		report := data(t, resp)
		info, ok := report["project"].(brain.ProjectInfo)
		require.True(t, ok)
		assert.Equal(t, "Great Seal", info.Title)
	})

	t.Run("nested command statements are rejected", func(t *testing.T) {
		resp := e.run(t, "command command status")
		require.Equal(t, command.StatusError, resp.Status)
		assert.Equal(t, string(fault.KindInvalidArgument), resp.Meta["kind"])
	})

	t.Run("inner failures pass through", func(t *testing.T) {
		resp := e.run(t, "command show alpha ghost")
		require.Equal(t, command.StatusError, resp.Status)
		assert.Equal(t, string(fault.KindNotFound), resp.Meta["kind"])
	})
}
