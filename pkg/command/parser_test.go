package command

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dominikletica/aaviondb/pkg/events"
)

func TestTokenize(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"a b c", []string{"a", "b", "c"}},
		{"  padded   out  ", []string{"padded", "out"}},
		{`title="My Story" x`, []string{"title=My Story", "x"}},
		{`'single quoted' rest`, []string{"single quoted", "rest"}},
		{`esc\ ape`, []string{"esc ape"}},
		{`say \"hi\"`, []string{"say", `"hi"`}},
		{`""`, []string{""}},
		{"", nil},
	}
	for _, tc := range cases {
		got, err := Tokenize(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := Tokenize(`broken "quote`)
	assert.Error(t, err)
	_, err = Tokenize(`trailing \`)
	assert.Error(t, err)
}

func TestParseStatement(t *testing.T) {
	p := NewParser(events.NewBus())

	t.Run("action is lowercased", func(t *testing.T) {
		ctx, err := p.Parse("SAVE demo hero")
		require.NoError(t, err)
		assert.Equal(t, "save", ctx.Action)
		assert.Equal(t, []string{"demo", "hero"}, ctx.Tokens)
	})

	t.Run("payload extraction", func(t *testing.T) {
		ctx, err := p.Parse(`save demo hero {"name":"Aria","hp":10} merge`)
		require.NoError(t, err)
		assert.Equal(t, []string{"demo", "hero", "merge"}, ctx.Tokens)
		payload := ctx.Payload.(map[string]any)
		assert.Equal(t, "Aria", payload["name"])
		assert.Equal(t, json.Number("10"), payload["hp"])
		assert.Equal(t, payload, ctx.Params["payload"])
	})

	t.Run("array payload with trailing tokens", func(t *testing.T) {
		ctx, err := p.Parse(`tag add ["a","b"] extra`)
		require.NoError(t, err)
		assert.Equal(t, "tag", ctx.Action)
		assert.Equal(t, []string{"add", "extra"}, ctx.Tokens)
		assert.Equal(t, []any{"a", "b"}, ctx.Payload)
	})

	t.Run("quoted braces are not payloads", func(t *testing.T) {
		ctx, err := p.Parse(`echo "not {json}"`)
		require.NoError(t, err)
		assert.Nil(t, ctx.Payload)
		assert.Equal(t, []string{"not {json}"}, ctx.Tokens)
	})

	t.Run("malformed payload is rejected", func(t *testing.T) {
		_, err := p.Parse(`save demo hero {"broken":`)
		assert.Error(t, err)
	})

	t.Run("empty statement is rejected", func(t *testing.T) {
		_, err := p.Parse("   ")
		assert.Error(t, err)
	})

	t.Run("raw payload keeps exact bytes", func(t *testing.T) {
		ctx, err := p.Parse(`save demo hero {"b":2,"a":1}`)
		require.NoError(t, err)
		assert.Equal(t, `{"b":2,"a":1}`, string(ctx.Raw))
	})
}

func TestParserHandlerChain(t *testing.T) {
	t.Run("global runs before action handlers", func(t *testing.T) {
		p := NewParser(events.NewBus())
		var order []string
		p.OnAny(0, func(c *ParseContext) error {
			order = append(order, "global")
			return nil
		})
		p.On("save", 0, func(c *ParseContext) error {
			order = append(order, "save")
			return nil
		})
		_, err := p.Parse("save demo")
		require.NoError(t, err)
		assert.Equal(t, []string{"global", "save"}, order)
	})

	t.Run("priority descending", func(t *testing.T) {
		p := NewParser(events.NewBus())
		var order []string
		p.On("x", 1, func(c *ParseContext) error { order = append(order, "low"); return nil })
		p.On("x", 10, func(c *ParseContext) error { order = append(order, "high"); return nil })
		_, err := p.Parse("x")
		require.NoError(t, err)
		assert.Equal(t, []string{"high", "low"}, order)
	})

	t.Run("rewrite hands over to the new action", func(t *testing.T) {
		p := NewParser(events.NewBus())
		p.On("remove", 0, func(c *ParseContext) error {
			c.SetAction("entity.remove")
			return nil
		})
		p.On("entity.remove", 0, func(c *ParseContext) error {
			c.Params["via"] = "entity.remove"
			return nil
		})
		ctx, err := p.Parse("remove demo hero")
		require.NoError(t, err)
		assert.Equal(t, "entity.remove", ctx.Action)
		assert.Equal(t, "entity.remove", ctx.Params["via"])
	})

	t.Run("rewrite cycles stop after one visit per action", func(t *testing.T) {
		p := NewParser(events.NewBus())
		p.On("a", 0, func(c *ParseContext) error { c.SetAction("b"); return nil })
		p.On("b", 0, func(c *ParseContext) error { c.SetAction("a"); return nil })
		ctx, err := p.Parse("a")
		require.NoError(t, err)
		assert.Equal(t, "a", ctx.Action)
	})

	t.Run("stop halts propagation", func(t *testing.T) {
		p := NewParser(events.NewBus())
		ran := false
		p.On("x", 10, func(c *ParseContext) error { c.Stop(); return nil })
		p.On("x", 1, func(c *ParseContext) error { ran = true; return nil })
		_, err := p.Parse("x")
		require.NoError(t, err)
		assert.False(t, ran)
	})

	t.Run("handler errors abort the parse", func(t *testing.T) {
		p := NewParser(events.NewBus())
		p.On("x", 0, func(c *ParseContext) error {
			return assert.AnError
		})
		_, err := p.Parse("x")
		assert.Error(t, err)
	})
}

func TestParseEmitsParsedEvent(t *testing.T) {
	bus := events.NewBus()
	p := NewParser(bus)
	var got events.Event
	bus.Subscribe("command.parser.parsed", func(ev events.Event) { got = ev })

	_, err := p.Parse(`save demo hero {"a":1}`)
	require.NoError(t, err)
	assert.Equal(t, "command.parser.parsed", got.Name)
	assert.Equal(t, "save", got.Payload["action"])
	assert.Equal(t, true, got.Payload["has_payload"])
}

func TestLiftKeyValues(t *testing.T) {
	ctx := &ParseContext{
		Tokens: []string{"demo", "title=My Story", "--preset=full", "@3", "param.depth=2", "not=  "},
		Params: make(map[string]any),
	}
	ctx.LiftKeyValues()
	assert.Equal(t, []string{"demo", "@3"}, ctx.Tokens)
	assert.Equal(t, "My Story", ctx.Params["title"])
	assert.Equal(t, "full", ctx.Params["preset"])
	assert.Equal(t, "2", ctx.Params["param.depth"])
	assert.Equal(t, "  ", ctx.Params["not"])
}

func TestLiftFlags(t *testing.T) {
	ctx := &ParseContext{
		Tokens: []string{"demo", "--merge=false", "key=value", "--", "--bad"},
		Params: make(map[string]any),
	}
	require.NoError(t, LiftFlags(ctx))
	assert.Equal(t, []string{"demo", "key=value", "--", "--bad"}, ctx.Tokens)
	assert.Equal(t, "false", ctx.Params["merge"])
}

func TestTakeToken(t *testing.T) {
	ctx := &ParseContext{Tokens: []string{"one", "two"}}
	tok, ok := ctx.TakeToken()
	assert.True(t, ok)
	assert.Equal(t, "one", tok)
	tok, ok = ctx.TakeToken()
	assert.True(t, ok)
	assert.Equal(t, "two", tok)
	_, ok = ctx.TakeToken()
	assert.False(t, ok)
}
