package canonical

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_SortsKeys(t *testing.T) {
	out, err := Canonicalize([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(out))
}

func TestCanonicalize_NestedAndArrays(t *testing.T) {
	in := []byte(`{"z":{"y":[3,2,{"b":1,"a":0}]},"a":"x"}`)
	out, err := Canonicalize(in)
	require.NoError(t, err)
	// Array order preserved, nested keys sorted.
	assert.Equal(t, `{"a":"x","z":{"y":[3,2,{"a":0,"b":1}]}}`, string(out))
}

func TestCanonicalize_NoEscapedSlashesOrUnicode(t *testing.T) {
	out, err := Canonicalize([]byte(`{"url":"https://example.com/a","name":"Ünïcode"}`))
	require.NoError(t, err)
	assert.Contains(t, string(out), `https://example.com/a`)
	assert.Contains(t, string(out), "Ünïcode")
}

func TestCanonicalize_Idempotent(t *testing.T) {
	in := []byte(`  {"b" : [1, 2.5, "x"], "a": null}  `)
	once, err := Canonicalize(in)
	require.NoError(t, err)
	twice, err := Canonicalize(once)
	require.NoError(t, err)
	assert.Equal(t, string(once), string(twice))
}

func TestCanonicalize_RejectsInvalid(t *testing.T) {
	_, err := Canonicalize([]byte(`{"a":`))
	require.Error(t, err)
}

func TestHashRaw_MatchesHashOfCanonicalBytes(t *testing.T) {
	raw := []byte(`{"role":"Pilot","name":"Aria"}`)
	c, err := Canonicalize(raw)
	require.NoError(t, err)

	h, err := HashRaw(raw)
	require.NoError(t, err)
	assert.Equal(t, HashBytes(c), h)

	// Key order must not affect the digest.
	h2, err := HashRaw([]byte(`{"name":"Aria","role":"Pilot"}`))
	require.NoError(t, err)
	assert.Equal(t, h, h2)
}

func TestHash_StructAndMapAgree(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
		Role string `json:"role"`
	}
	h1, err := Hash(payload{Name: "Aria", Role: "Pilot"})
	require.NoError(t, err)
	h2, err := Hash(map[string]string{"role": "Pilot", "name": "Aria"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestDecode_PreservesNumbers(t *testing.T) {
	v, err := Decode([]byte(`{"n":10000000000000001,"f":1.50}`))
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, json.Number("10000000000000001"), m["n"])
	assert.Equal(t, json.Number("1.50"), m["f"])
}

func TestDecode_RejectsTrailingData(t *testing.T) {
	_, err := Decode([]byte(`{"a":1} {"b":2}`))
	require.Error(t, err)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal([]byte(`{"a":1,"b":2}`), []byte(`{"b":2,"a":1}`)))
	assert.False(t, Equal([]byte(`{"a":1}`), []byte(`{"a":2}`)))
	assert.False(t, Equal([]byte(`{`), []byte(`{}`)))
}
