package filter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCandidates() []Candidate {
	return []Candidate{
		{
			Slug:    "hero",
			Path:    []string{"hero"},
			Payload: json.RawMessage(`{"name":"Aria","role":"Pilot","hp":10,"tags":["lead","crew"]}`),
		},
		{
			Slug:    "villain",
			Path:    []string{"villain"},
			Payload: json.RawMessage(`{"name":"Nox","role":"Warlord","hp":42}`),
		},
		{
			Slug:    "sidekick",
			Parent:  "hero",
			Path:    []string{"hero", "sidekick"},
			Payload: json.RawMessage(`{"name":"Bolt","role":"Mechanic","hp":7,"mentor":{"slug":"hero"}}`),
		},
	}
}

func selectSlugs(t *testing.T, defs []Definition) []string {
	t.Helper()
	e, err := New()
	require.NoError(t, err)
	slugs, _, err := e.Select(testCandidates(), defs)
	require.NoError(t, err)
	return slugs
}

func TestSelectBySlug(t *testing.T) {
	assert.Equal(t, []string{"hero"},
		selectSlugs(t, []Definition{{Type: TypeSlugEquals, Config: map[string]any{"value": "hero"}}}))

	assert.Equal(t, []string{"hero", "villain"},
		selectSlugs(t, []Definition{{Type: TypeSlugIn, Config: map[string]any{"values": []any{"hero", "villain"}}}}))

	// CSV form of slug_in.
	assert.Equal(t, []string{"hero", "villain"},
		selectSlugs(t, []Definition{{Type: TypeSlugIn, Config: map[string]any{"values": "hero, villain"}}}))
}

func TestSelectByParent(t *testing.T) {
	assert.Equal(t, []string{"sidekick"},
		selectSlugs(t, []Definition{{Type: TypeParentContains, Config: map[string]any{"value": "hero"}}}))
}

func TestSelectByPayload(t *testing.T) {
	t.Run("contains on string is substring", func(t *testing.T) {
		assert.Equal(t, []string{"villain"},
			selectSlugs(t, []Definition{{Type: TypePayloadContains, Config: map[string]any{"path": "role", "value": "War"}}}))
	})

	t.Run("contains on array is membership", func(t *testing.T) {
		assert.Equal(t, []string{"hero"},
			selectSlugs(t, []Definition{{Type: TypePayloadContains, Config: map[string]any{"path": "tags", "value": "crew"}}}))
	})

	t.Run("regex", func(t *testing.T) {
		assert.Equal(t, []string{"hero", "sidekick"},
			selectSlugs(t, []Definition{{Type: TypePayloadRegex, Config: map[string]any{"path": "role", "pattern": "^(Pilot|Mechanic)$"}}}))
	})

	t.Run("numeric", func(t *testing.T) {
		assert.Equal(t, []string{"villain"},
			selectSlugs(t, []Definition{{Type: TypePayloadNumeric, Config: map[string]any{"path": "hp", "op": ">", "value": 10}}}))
		assert.Equal(t, []string{"hero", "sidekick"},
			selectSlugs(t, []Definition{{Type: TypePayloadNumeric, Config: map[string]any{"path": "hp", "op": "<=", "value": "10"}}}))
	})

	t.Run("missing", func(t *testing.T) {
		assert.Equal(t, []string{"hero", "villain"},
			selectSlugs(t, []Definition{{Type: TypePayloadMissing, Config: map[string]any{"path": "mentor"}}}))
	})

	t.Run("bracket indexes normalize to gjson paths", func(t *testing.T) {
		assert.Equal(t, []string{"hero"},
			selectSlugs(t, []Definition{{Type: TypePayloadContains, Config: map[string]any{"path": "tags[0]", "value": "lead"}}}))
	})
}

func TestSelectConjunction(t *testing.T) {
	defs := []Definition{
		{Type: TypePayloadNumeric, Config: map[string]any{"path": "hp", "op": "<", "value": 20}},
		{Type: TypePayloadRegex, Config: map[string]any{"path": "name", "pattern": "^A"}},
	}
	assert.Equal(t, []string{"hero"}, selectSlugs(t, defs))
}

func TestSelectExpr(t *testing.T) {
	assert.Equal(t, []string{"villain"},
		selectSlugs(t, []Definition{{Type: TypePayloadExpr, Config: map[string]any{"expr": `payload.hp > 10 && slug != "hero"`}}}))

	t.Run("bad expression is invalid_argument", func(t *testing.T) {
		e, err := New()
		require.NoError(t, err)
		_, _, err = e.Select(testCandidates(), []Definition{{Type: TypePayloadExpr, Config: map[string]any{"expr": "payload ++"}}})
		assert.Error(t, err)
	})

	t.Run("non-boolean result is rejected", func(t *testing.T) {
		e, err := New()
		require.NoError(t, err)
		_, _, err = e.Select(testCandidates(), []Definition{{Type: TypePayloadExpr, Config: map[string]any{"expr": "payload.hp"}}})
		assert.Error(t, err)
	})
}

func TestUnknownTypeIsIgnored(t *testing.T) {
	assert.Equal(t, []string{"hero", "sidekick", "villain"},
		selectSlugs(t, []Definition{{Type: "made_up"}}))
}

func TestDirectives(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	defs := []Definition{
		{Type: TypeIncludeReferences},
		{Type: TypePlaceholder, Config: map[string]any{"name": "summary"}},
		{Type: TypeSlugEquals, Config: map[string]any{"value": "hero"}},
	}
	slugs, directives, err := e.Select(testCandidates(), defs)
	require.NoError(t, err)
	assert.Equal(t, []string{"hero"}, slugs)
	assert.True(t, directives.IncludeReferences)
	assert.Equal(t, []string{"summary"}, directives.Placeholders)
}

func TestSelectAgreesWithMatches(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	defs := []Definition{
		{Type: TypePayloadNumeric, Config: map[string]any{"path": "hp", "op": ">=", "value": 7}},
	}
	selected, _, err := e.Select(testCandidates(), defs)
	require.NoError(t, err)

	var manual []string
	for _, c := range testCandidates() {
		ok, err := e.Matches(c, defs)
		require.NoError(t, err)
		if ok {
			manual = append(manual, c.Slug)
		}
	}
	assert.ElementsMatch(t, manual, selected)
}

func TestParseDefinitions(t *testing.T) {
	defs, err := ParseDefinitions([]any{
		map[string]any{"type": "slug_equals", "config": map[string]any{"value": "hero"}},
	})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, TypeSlugEquals, defs[0].Type)
	assert.Equal(t, "hero", defs[0].Config["value"])

	defs, err = ParseDefinitions(nil)
	require.NoError(t, err)
	assert.Nil(t, defs)

	_, err = ParseDefinitions("nonsense")
	assert.Error(t, err)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "a.b.2.c", NormalizePath("a.b[2].c"))
	assert.Equal(t, "tags.0", NormalizePath("tags[0]"))
	assert.Equal(t, "plain.path", NormalizePath("plain.path"))
}
