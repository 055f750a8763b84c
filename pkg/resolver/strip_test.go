package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripStringNormalizesBareShortcodes(t *testing.T) {
	cases := map[string]string{
		"no shortcodes here":             "no shortcodes here",
		"[ref @a.b name]":                "[ref @a.b name]",
		"[ref   @a.b    name]":           "[ref @a.b name]",
		"x [query  project=* | limit=2]": "x [query project=* | limit=2]",
		"[reference]":                    "[reference]",
		"[/ref!]":                        "[/ref!]",
		"[ref @a.b name] and [ref @c d]": "[ref @a.b name] and [ref @c d]",
	}
	for in, want := range cases {
		assert.Equal(t, want, StripString(in), in)
	}
}

func TestStripStringRemovesRenderedOutput(t *testing.T) {
	cases := map[string]string{
		"[ref! @a.b name]Hero[/ref!]":                    "[ref @a.b name]",
		"pre [ref! @a.b  name]Hero[/ref!] post":          "pre [ref @a.b name] post",
		"[query! project=* | limit=2]x, y[/query!]":      "[query project=* | limit=2]",
		"[ref! @a x]A[/ref!][ref! @b y]B[/ref!]":         "[ref @a x][ref @b y]",
		"[ref! @a x][ref! @b y]B[/ref!][/ref!]":          "[ref @a x]",
		"[ref! @a x]content with ] bracket[/ref!]":       "[ref @a x]",
		"[ref! @a x]unterminated":                        "[ref! @a x]unterminated",
		"[ref! @a x]mixed [query! q]z[/query!][/ref!]":   "[ref @a x]",
		"[ref! @a x]<unresolved: no such thing>[/ref!]":  "[ref @a x]",
		"[ref! @a x]<cycle>[/ref!] then [ref @c.d path]": "[ref @a x] then [ref @c.d path]",
	}
	for in, want := range cases {
		assert.Equal(t, want, StripString(in), in)
	}
}

// Stripping twice never changes the result further.
func TestStripStringIdempotent(t *testing.T) {
	inputs := []string{
		"[ref! @a.b name]Hero[/ref!] tail [ref  @x   y]",
		"[ref! @a x]unterminated",
		"plain [/query!] stray",
	}
	for _, in := range inputs {
		once := StripString(in)
		assert.Equal(t, once, StripString(once), in)
	}
}

func TestNextMarkerForms(t *testing.T) {
	start, tag, attrs, end, resolved := nextMarker("ab [ref @x y] cd", 0)
	assert.Equal(t, 3, start)
	assert.Equal(t, "ref", tag)
	assert.Equal(t, "@x y", attrs)
	assert.Equal(t, 13, end)
	assert.False(t, resolved)

	start, tag, attrs, _, resolved = nextMarker("[query! a=b]", 0)
	assert.Equal(t, 0, start)
	assert.Equal(t, "query", tag)
	assert.Equal(t, "a=b", attrs)
	assert.True(t, resolved)

	start, _, _, _, _ = nextMarker("nothing [here]", 0)
	assert.Equal(t, -1, start)
}

func TestMatchingCloseTracksNesting(t *testing.T) {
	s := "[ref! a][ref! b]Y[/ref!][/ref!] tail"
	after := matchingClose(s, len("[ref! a]"), "ref")
	assert.Equal(t, len(s)-len(" tail"), after)

	assert.Equal(t, -1, matchingClose("[ref! a]no closer", len("[ref! a]"), "ref"))
}

func TestNormalizeAttrs(t *testing.T) {
	assert.Equal(t, "@a.b name", normalizeAttrs("  @a.b    name "))
	assert.Equal(t, "", normalizeAttrs("   "))
}

func TestParseTarget(t *testing.T) {
	ctx := Context{Project: "storyverse", Entity: "hero"}

	project, entity, version, err := parseTarget("@storyverse.codex", ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"storyverse", "codex", ""}, []string{project, entity, version})

	project, entity, version, err = parseTarget("@codex", ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"storyverse", "codex", ""}, []string{project, entity, version})

	_, entity, version, err = parseTarget("@world.region.north@3", ctx)
	require.NoError(t, err)
	assert.Equal(t, "region.north", entity)
	assert.Equal(t, "@3", version)

	_, _, version, err = parseTarget("@codex#abcdef", ctx)
	require.NoError(t, err)
	assert.Equal(t, "#abcdef", version)

	for _, bad := range []string{"codex", "@", "@@3", "@project."} {
		_, _, _, err := parseTarget(bad, ctx)
		assert.Error(t, err, bad)
	}
}

func TestParseConditionOperatorPrecedence(t *testing.T) {
	cases := []struct {
		raw   string
		field string
		op    string
		value string
	}{
		{"hp >= 10", "hp", ">=", "10"},
		{"hp > 5", "hp", ">", "5"},
		{"name != Aria", "name", "!=", "Aria"},
		{"name == Aria", "name", "==", "Aria"},
		{"stage.phase=2", "stage.phase", "=", "2"},
		{"desc contains in progress", "desc", "contains", "in progress"},
		{"tags !contains crew", "tags", "!contains", "crew"},
		{"status not in draft,archived", "status", "not in", "draft,archived"},
		{"name in Aria,Pip", "name", "in", "Aria,Pip"},
		{"name ~ ^M", "name", "~", "^M"},
		{"name matches ^M.*a$", "name", "matches", "^M.*a$"},
	}
	for _, tc := range cases {
		cond, err := parseCondition(tc.raw)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.field, cond.field, tc.raw)
		assert.Equal(t, tc.op, cond.op, tc.raw)
		assert.Equal(t, tc.value, cond.value, tc.raw)
	}

	_, err := parseCondition("just words")
	assert.Error(t, err)
}

func TestParseOptionsEscapes(t *testing.T) {
	opts := parseOptions([]string{" format=JSON ", ` separator=\n `, ` template=${payload.name}\t `, " limit=3 ", " offset=2 "})
	assert.Equal(t, "json", opts.format)
	assert.Equal(t, "\n", opts.separator)
	assert.Equal(t, "${payload.name}\t", opts.template)
	assert.Equal(t, 3, opts.limit)
	assert.True(t, opts.hasLimit)
	assert.Equal(t, 2, opts.offset)
}

func TestRecordURLs(t *testing.T) {
	rel, abs := recordURLs([]string{"codex"}, []string{"hero", "sidekick"})
	assert.Equal(t, "hero/sidekick", rel)
	assert.Equal(t, "/hero/sidekick", abs)

	rel, abs = recordURLs([]string{"hero", "sidekick"}, []string{"hero"})
	assert.Equal(t, ".", rel)
	assert.Equal(t, "/hero", abs)

	rel, _ = recordURLs([]string{"a", "b", "c"}, []string{"a", "x"})
	assert.Equal(t, "../x", rel)

	rel, abs = recordURLs(nil, []string{"t"})
	assert.Equal(t, "t", rel)
	assert.Equal(t, "/t", abs)
}
