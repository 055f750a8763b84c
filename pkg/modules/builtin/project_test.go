package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dominikletica/aaviondb/pkg/brain"
	"github.com/dominikletica/aaviondb/pkg/command"
	"github.com/dominikletica/aaviondb/pkg/fault"
)

func TestProjectCommands(t *testing.T) {
	e := newTestEngine(t)

	t.Run("create with quoted title", func(t *testing.T) {
		resp := e.runOK(t, `project create demo title="My Demo" description="sandbox data"`)
		info, ok := resp.Data.(*brain.ProjectInfo)
		require.True(t, ok, "data is %T", resp.Data)
		assert.Equal(t, "demo", info.Slug)
		assert.Equal(t, "My Demo", info.Title)
		assert.Equal(t, "sandbox data", info.Description)

		dup := e.run(t, "project create demo")
		require.Equal(t, command.StatusError, dup.Status)
		assert.Equal(t, string(fault.KindConflict), dup.Meta["kind"])
	})

	t.Run("list", func(t *testing.T) {
		d := data(t, e.runOK(t, "project list"))
		projects, ok := d["projects"].([]brain.ProjectInfo)
		require.True(t, ok, "projects is %T", d["projects"])
		require.Len(t, projects, 1)
		assert.Equal(t, "demo", projects[0].Slug)
	})

	t.Run("report", func(t *testing.T) {
		e.runOK(t, `save demo hero {"name":"Aria"}`)
		report := data(t, e.runOK(t, "project report demo"))
		info, ok := report["project"].(brain.ProjectInfo)
		require.True(t, ok, "project is %T", report["project"])
		assert.Equal(t, "demo", info.Slug)
		entities, ok := report["entities"].([]brain.EntityInfo)
		require.True(t, ok, "entities is %T", report["entities"])
		require.Len(t, entities, 1)
		assert.Equal(t, "hero", entities[0].Slug)
	})

	t.Run("archive", func(t *testing.T) {
		resp := e.runOK(t, "project archive demo")
		info, ok := resp.Data.(*brain.ProjectInfo)
		require.True(t, ok)
		assert.Equal(t, brain.ProjectArchived, info.Status)
	})

	t.Run("delete and purge", func(t *testing.T) {
		d := data(t, e.runOK(t, "project delete demo"))
		assert.Equal(t, false, d["purged"])

		// Delete leaves a tombstone so the report still resolves.
		report := data(t, e.runOK(t, "project report demo"))
		info, ok := report["project"].(brain.ProjectInfo)
		require.True(t, ok)
		assert.Equal(t, brain.ProjectDeleted, info.Status)
		assert.Zero(t, info.EntityCount)

		e.runOK(t, `project create scratch`)
		d = data(t, e.runOK(t, "project delete scratch purge"))
		assert.Equal(t, true, d["purged"])
	})

	t.Run("missing slug is invalid", func(t *testing.T) {
		resp := e.run(t, "project create")
		require.Equal(t, command.StatusError, resp.Status)
		assert.Equal(t, string(fault.KindInvalidArgument), resp.Meta["kind"])
	})
}
