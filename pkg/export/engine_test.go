package export_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/dominikletica/aaviondb/pkg/brain"
	"github.com/dominikletica/aaviondb/pkg/cache"
	"github.com/dominikletica/aaviondb/pkg/events"
	"github.com/dominikletica/aaviondb/pkg/export"
	"github.com/dominikletica/aaviondb/pkg/fault"
	"github.com/dominikletica/aaviondb/pkg/filter"
	"github.com/dominikletica/aaviondb/pkg/paths"
	"github.com/dominikletica/aaviondb/pkg/resolver"
)

type fixture struct {
	engine  *export.Engine
	repo    *brain.Repository
	locator *paths.Locator
	bus     *events.Bus
}

func newFixture(t *testing.T, opts ...export.Option) *fixture {
	t.Helper()
	loc := paths.New(t.TempDir())
	require.NoError(t, loc.EnsureLayout())
	bus := events.NewBus()
	repo := brain.NewRepository(loc, bus)
	require.NoError(t, repo.EnsureSystemBrain())
	require.NoError(t, repo.EnsureActiveBrain("default"))
	filters, err := filter.New()
	require.NoError(t, err)
	eng, err := export.New(repo, filters, resolver.New(repo), loc, bus, opts...)
	require.NoError(t, err)
	return &fixture{engine: eng, repo: repo, locator: loc, bus: bus}
}

func (f *fixture) save(t *testing.T, project, entity, payload string) *brain.SaveResult {
	t.Helper()
	res, err := f.repo.SaveEntity(project, entity, []byte(payload), nil, brain.SaveOptions{})
	require.NoError(t, err)
	return res
}

func (f *fixture) savePreset(t *testing.T, slug, payload string) {
	t.Helper()
	_, err := f.repo.SaveEntity(brain.ProjectPresets, slug, []byte(payload), nil, brain.SaveOptions{})
	require.NoError(t, err)
}

func TestExportProjectIsDeterministic(t *testing.T) {
	f := newFixture(t)
	hero := f.save(t, "storyverse", "hero", `{"name":"Aria","role":"lead"}`)
	villain := f.save(t, "storyverse", "villain", `{"name":"Mala","role":"foil"}`)

	req := export.Request{Projects: []string{"storyverse"}, Preset: export.BuiltinPreset}
	first, err := f.engine.Export(req)
	require.NoError(t, err)
	second, err := f.engine.Export(req)
	require.NoError(t, err)

	assert.Equal(t, string(first.Raw), string(second.Raw))
	assert.Equal(t, export.ScopeProject, first.Scope)
	assert.Equal(t, export.ModePreset, first.Mode)
	assert.Equal(t, export.Stats{Projects: 1, Entities: 2, Versions: 2}, first.Stats)

	slugs := gjson.GetBytes(first.Raw, "entities.#.slug")
	assert.Equal(t, `["hero","villain"]`, slugs.Raw)

	commits := gjson.GetBytes(first.Raw, "entities.#.payload_versions.0.commit").Array()
	require.Len(t, commits, 2)
	assert.Equal(t, hero.Commit, commits[0].String())
	assert.Equal(t, villain.Commit, commits[1].String())

	assert.Equal(t, `["storyverse"]`, gjson.GetBytes(first.Raw, "index.projects").Raw)
	assert.Equal(t, `["storyverse.hero","storyverse.villain"]`, gjson.GetBytes(first.Raw, "index.entities").Raw)
	assert.Equal(t, "export", gjson.GetBytes(first.Raw, "action.command").String())
	assert.Equal(t, export.BuiltinPreset, gjson.GetBytes(first.Raw, "action.preset").String())
}

func TestExportedPayloadsReimportWithSameCommits(t *testing.T) {
	f := newFixture(t)
	f.save(t, "storyverse", "codex", `{"summary":"The chronicle.","note":"Cites [ref @storyverse.hero name]."}`)
	f.save(t, "storyverse", "hero", `{"name":"Aria"}`)
	f.savePreset(t, "verbatim", `{"policies":{"references":"keep"}}`)

	res, err := f.engine.Export(export.Request{Projects: []string{"storyverse"}, Preset: "verbatim"})
	require.NoError(t, err)

	entities := gjson.GetBytes(res.Raw, "entities").Array()
	require.Len(t, entities, 2)
	for _, ent := range entities {
		slug := ent.Get("slug").String()
		commit := ent.Get("payload_versions.0.commit").String()
		payload := ent.Get("payload_versions.0.payload").Raw
		saved, err := f.repo.SaveEntity("reimport", slug, []byte(payload), nil, brain.SaveOptions{})
		require.NoError(t, err)
		assert.Equal(t, commit, saved.Commit, "entity %s", slug)
	}
}

func TestExportResolvesReferencesByDefault(t *testing.T) {
	f := newFixture(t)
	f.save(t, "storyverse", "codex", `{"summary":"The chronicle."}`)
	f.save(t, "storyverse", "hero", `{"bio":"Guards [ref @storyverse.codex summary]"}`)

	res, err := f.engine.Export(export.Request{Projects: []string{"storyverse"}})
	require.NoError(t, err)
	assert.Equal(t, export.ModeManual, res.Mode)

	bio := gjson.GetBytes(res.Raw, "entities.1.payload_versions.0.payload.bio")
	assert.Equal(t, "Guards [ref! @storyverse.codex summary]The chronicle.[/ref!]", bio.String())
}

func TestExportStripPolicyNormalizesShortcodes(t *testing.T) {
	f := newFixture(t)
	f.save(t, "storyverse", "hero", `{"bio":"Guards [ref   @storyverse.codex   summary]"}`)
	f.savePreset(t, "stripped", `{"policies":{"references":"strip"}}`)

	res, err := f.engine.Export(export.Request{Projects: []string{"storyverse"}, Preset: "stripped"})
	require.NoError(t, err)

	bio := gjson.GetBytes(res.Raw, "entities.0.payload_versions.0.payload.bio")
	assert.Equal(t, "Guards [ref @storyverse.codex summary]", bio.String())
}

func TestExportWildcardCoversBrain(t *testing.T) {
	f := newFixture(t)
	f.save(t, "alpha", "a", `{"n":1}`)
	f.save(t, "beta", "b", `{"n":2}`)

	res, err := f.engine.Export(export.Request{Projects: []string{"*"}})
	require.NoError(t, err)

	assert.Equal(t, export.ScopeBrain, res.Scope)
	assert.Equal(t, `["alpha","beta"]`, gjson.GetBytes(res.Raw, "index.projects").Raw)
	assert.Equal(t, export.Stats{Projects: 2, Entities: 2, Versions: 2}, res.Stats)
}

func TestExportEntitySelectorsPinVersions(t *testing.T) {
	f := newFixture(t)
	first := f.save(t, "storyverse", "hero", `{"hp":1}`)
	second := f.save(t, "storyverse", "hero", `{"hp":2}`)
	f.save(t, "storyverse", "villain", `{"hp":9}`)

	res, err := f.engine.Export(export.Request{
		Projects: []string{"storyverse"},
		Entities: []string{"hero@1", "hero"},
	})
	require.NoError(t, err)

	assert.Equal(t, export.ScopeProjectSlice, res.Scope)
	assert.Equal(t, export.Stats{Projects: 1, Entities: 1, Versions: 2}, res.Stats)
	assert.Equal(t, `["1","2"]`, gjson.GetBytes(res.Raw, "entities.0.payload_versions.#.version").Raw)

	commits := gjson.GetBytes(res.Raw, "entities.0.payload_versions.#.commit").Array()
	require.Len(t, commits, 2)
	assert.Equal(t, first.Commit, commits[0].String())
	assert.Equal(t, second.Commit, commits[1].String())
}

func TestExportCommitSelector(t *testing.T) {
	f := newFixture(t)
	pinned := f.save(t, "storyverse", "hero", `{"hp":1}`)
	f.save(t, "storyverse", "hero", `{"hp":2}`)

	res, err := f.engine.Export(export.Request{
		Projects: []string{"storyverse"},
		Entities: []string{"hero#" + pinned.Commit},
	})
	require.NoError(t, err)
	assert.Equal(t, pinned.Commit, gjson.GetBytes(res.Raw, "entities.0.payload_versions.0.commit").String())
	assert.Equal(t, "1", gjson.GetBytes(res.Raw, "entities.0.payload_versions.0.version").String())
}

func TestExportEntitySelectorsNeedSingleProject(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Export(export.Request{
		Projects: []string{"alpha", "beta"},
		Entities: []string{"hero"},
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))
}

func TestExportUnknownProjectFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Export(export.Request{Projects: []string{"ghost"}})
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestExportUnknownPresetFails(t *testing.T) {
	f := newFixture(t)
	f.save(t, "storyverse", "hero", `{"hp":1}`)
	_, err := f.engine.Export(export.Request{Projects: []string{"storyverse"}, Preset: "nope"})
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestExportPresetNeedsProjects(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Export(export.Request{Preset: export.BuiltinPreset})
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))
}

func TestExportParamSelector(t *testing.T) {
	f := newFixture(t)
	f.save(t, "alpha", "a", `{"n":1}`)
	f.save(t, "beta", "b", `{"n":2}`)
	f.save(t, "gamma", "c", `{"n":3}`)
	f.savePreset(t, "targeted", `{"selection":{"projects":["${param.targets}"]}}`)

	res, err := f.engine.Export(export.Request{
		Preset: "targeted",
		Params: map[string]any{"targets": "beta, alpha"},
	})
	require.NoError(t, err)
	assert.Equal(t, `["alpha","beta"]`, gjson.GetBytes(res.Raw, "index.projects").Raw)

	_, err = f.engine.Export(export.Request{Preset: "targeted"})
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalidArgument, fault.KindOf(err))
}

func TestExportSelectionFilters(t *testing.T) {
	f := newFixture(t)
	f.save(t, "storyverse", "hero", `{"hp":10}`)
	f.save(t, "storyverse", "sidekick", `{"hp":3}`)
	f.savePreset(t, "strong", `{
		"selection": {
			"payload_filters": [
				{"type": "payload_numeric", "config": {"path": "hp", "op": ">=", "value": 5}}
			]
		}
	}`)

	res, err := f.engine.Export(export.Request{Projects: []string{"storyverse"}, Preset: "strong"})
	require.NoError(t, err)
	assert.Equal(t, export.ScopeProjectSlice, res.Scope)
	assert.Equal(t, `["hero"]`, gjson.GetBytes(res.Raw, "entities.#.slug").Raw)
}

func TestExportEmptySelectionRendersEmptyBundle(t *testing.T) {
	f := newFixture(t)
	f.save(t, "storyverse", "hero", `{"hp":10}`)
	f.savePreset(t, "nobody", `{
		"selection": {"entities": [{"type": "slug_equals", "config": {"value": "ghost"}}]}
	}`)

	res, err := f.engine.Export(export.Request{Projects: []string{"storyverse"}, Preset: "nobody"})
	require.NoError(t, err)
	assert.Equal(t, export.Stats{}, res.Stats)
	assert.Equal(t, `[]`, gjson.GetBytes(res.Raw, "entities").Raw)
	assert.Equal(t, int64(0), gjson.GetBytes(res.Raw, "stats.entities").Int())
}

func TestExportWhitelistAndBlacklist(t *testing.T) {
	f := newFixture(t)
	f.save(t, "storyverse", "hero", `{"name":"Aria","stats":{"hp":10,"mp":4},"secret":"x"}`)
	f.savePreset(t, "trimmed", `{
		"transform": {
			"whitelist": ["name", "stats"],
			"blacklist": ["stats.mp"]
		}
	}`)

	res, err := f.engine.Export(export.Request{Projects: []string{"storyverse"}, Preset: "trimmed"})
	require.NoError(t, err)
	payload := gjson.GetBytes(res.Raw, "entities.0.payload_versions.0.payload")
	assert.Equal(t, `{"name":"Aria","stats":{"hp":10}}`, payload.Raw)
}

func TestExportEntityTemplate(t *testing.T) {
	f := newFixture(t)
	f.save(t, "storyverse", "hero", `{"name":"Aria"}`)
	f.savePreset(t, "cards", `{
		"templates": {
			"entity_template": {
				"id": "${entity.project}.${entity.slug}",
				"data": "${entity.payload_versions.0.payload}"
			}
		}
	}`)

	res, err := f.engine.Export(export.Request{Projects: []string{"storyverse"}, Preset: "cards"})
	require.NoError(t, err)
	assert.Equal(t, "storyverse.hero", gjson.GetBytes(res.Raw, "entities.0.id").String())
	assert.Equal(t, `{"name":"Aria"}`, gjson.GetBytes(res.Raw, "entities.0.data").Raw)
}

func TestExportCustomLayout(t *testing.T) {
	f := newFixture(t)
	f.save(t, "storyverse", "hero", `{"name":"Aria"}`)
	f.save(t, "storyverse", "villain", `{"name":"Mala"}`)
	_, err := f.repo.SaveEntity(brain.ProjectLayouts, "report", []byte(`{
		"structure": {
			"title": "Report for ${index.projects.0}",
			"rows": "${entities}",
			"total": "${stats.entities}"
		}
	}`), nil, brain.SaveOptions{})
	require.NoError(t, err)
	f.savePreset(t, "reporting", `{"templates":{"layout":"report"}}`)

	res, err := f.engine.Export(export.Request{Projects: []string{"storyverse"}, Preset: "reporting"})
	require.NoError(t, err)
	assert.Equal(t, "Report for storyverse", gjson.GetBytes(res.Raw, "title").String())
	assert.Equal(t, int64(2), gjson.GetBytes(res.Raw, "total").Int())
	assert.Equal(t, `["hero","villain"]`, gjson.GetBytes(res.Raw, "rows.#.slug").Raw)
}

func TestExportMissingLayoutFallsBack(t *testing.T) {
	f := newFixture(t)
	f.save(t, "storyverse", "hero", `{"name":"Aria"}`)
	f.savePreset(t, "orphaned", `{"templates":{"layout":"ghost"}}`)

	res, err := f.engine.Export(export.Request{Projects: []string{"storyverse"}, Preset: "orphaned"})
	require.NoError(t, err)
	assert.Equal(t, export.ScopeProject, res.Scope)
	assert.True(t, gjson.GetBytes(res.Raw, "scope").Exists())
	assert.True(t, gjson.GetBytes(res.Raw, "entities").Exists())
}

func TestExportUnknownPlaceholderStaysVerbatim(t *testing.T) {
	f := newFixture(t)
	f.save(t, "storyverse", "hero", `{"name":"Aria"}`)
	_, err := f.repo.SaveEntity(brain.ProjectLayouts, "odd", []byte(`{
		"structure": {"mystery": "${no.such.key}"}
	}`), nil, brain.SaveOptions{})
	require.NoError(t, err)
	f.savePreset(t, "odd", `{"templates":{"layout":"odd"}}`)

	res, err := f.engine.Export(export.Request{Projects: []string{"storyverse"}, Preset: "odd"})
	require.NoError(t, err)
	assert.Equal(t, "${no.such.key}", gjson.GetBytes(res.Raw, "mystery").String())
}

func TestExportCacheRoundTrip(t *testing.T) {
	store, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	f := newFixture(t, export.WithCache(store))
	f.save(t, "storyverse", "hero", `{"hp":1}`)
	f.savePreset(t, "cached", `{"policies":{"cache":true}}`)

	req := export.Request{Projects: []string{"storyverse"}, Preset: "cached"}
	first, err := f.engine.Export(req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := f.engine.Export(req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, string(first.Raw), string(second.Raw))
	assert.Equal(t, first.Scope, second.Scope)
	assert.Equal(t, first.Stats, second.Stats)

	// New writes are only picked up once the exports tag is flushed.
	f.save(t, "storyverse", "hero", `{"hp":2}`)
	stale, err := f.engine.Export(req)
	require.NoError(t, err)
	assert.True(t, stale.Cached)

	require.NoError(t, store.Flush("exports"))
	fresh, err := f.engine.Export(req)
	require.NoError(t, err)
	assert.False(t, fresh.Cached)
	assert.NotEqual(t, string(first.Raw), string(fresh.Raw))
}

func TestExportWritesBundleFile(t *testing.T) {
	fixed := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	f := newFixture(t, export.WithClock(func() time.Time { return fixed }))
	f.save(t, "storyverse", "hero", `{"hp":1}`)

	res, err := f.engine.Export(export.Request{Projects: []string{"storyverse"}, Write: true})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.locator.ExportsDir(), "storyverse-20250314T093000Z.json"), res.File)

	content, err := os.ReadFile(res.File)
	require.NoError(t, err)
	assert.Equal(t, res.Raw, content)

	named, err := f.engine.Export(export.Request{
		Projects: []string{"storyverse"},
		Write:    true,
		Filename: "bundle",
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.locator.ExportsDir(), "bundle.json"), named.File)
}

func TestExportSkipsEntitiesWithoutActiveVersion(t *testing.T) {
	f := newFixture(t)
	f.save(t, "storyverse", "hero", `{"hp":1}`)
	f.save(t, "storyverse", "ghost", `{"hp":0}`)
	_, err := f.repo.DeactivateEntity("storyverse", "ghost")
	require.NoError(t, err)

	res, err := f.engine.Export(export.Request{Projects: []string{"storyverse"}})
	require.NoError(t, err)
	assert.Equal(t, `["hero"]`, gjson.GetBytes(res.Raw, "entities.#.slug").Raw)
}

func TestExportEmitsCompletionEvent(t *testing.T) {
	f := newFixture(t)
	f.save(t, "storyverse", "hero", `{"hp":1}`)

	var got []events.Event
	f.bus.Subscribe("export.completed", func(ev events.Event) { got = append(got, ev) })

	_, err := f.engine.Export(export.Request{Projects: []string{"storyverse"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, export.ScopeProject, got[0].Payload["scope"])
	assert.Equal(t, false, got[0].Payload["cached"])
}

func TestSeedBuiltinsCreatesPresetAndLayout(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.SeedBuiltins())

	preset, err := f.repo.GetEntityVersion(brain.ProjectPresets, export.BuiltinPreset, "")
	require.NoError(t, err)
	assert.Equal(t, "resolve", gjson.GetBytes(preset.Payload, "policies.references").String())

	layout, err := f.repo.GetEntityVersion(brain.ProjectLayouts, export.BuiltinPreset, "")
	require.NoError(t, err)
	assert.True(t, gjson.GetBytes(layout.Payload, "structure.entities").Exists())

	// Seeding twice must not create new versions.
	require.NoError(t, f.engine.SeedBuiltins())
	again, err := f.repo.GetEntityVersion(brain.ProjectPresets, export.BuiltinPreset, "")
	require.NoError(t, err)
	assert.Equal(t, preset.Version, again.Version)
}