package export

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyWhitelistProjectsPaths(t *testing.T) {
	payload := []byte(`{"name":"Aria","stats":{"hp":10,"mp":4},"secret":"x"}`)

	got, err := applyWhitelist(payload, []string{"name", "stats.hp", "missing"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Aria","stats":{"hp":10}}`, string(got))
}

func TestApplyWhitelistEmptyKeepsPayload(t *testing.T) {
	payload := []byte(`{"name":"Aria"}`)
	got, err := applyWhitelist(payload, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestApplyWhitelistKeepsArraysIntact(t *testing.T) {
	payload := []byte(`{"tags":["a","b"],"other":1}`)
	got, err := applyWhitelist(payload, []string{"tags"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tags":["a","b"]}`, string(got))
}

func TestApplyBlacklistDeletesPaths(t *testing.T) {
	payload := []byte(`{"name":"Aria","stats":{"hp":10,"mp":4}}`)

	got, err := applyBlacklist(payload, []string{"stats.mp", "missing"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Aria","stats":{"hp":10}}`, string(got))
}

func TestApplyBlacklistBracketIndexes(t *testing.T) {
	payload := []byte(`{"tags":["a","b","c"]}`)
	got, err := applyBlacklist(payload, []string{"tags[1]"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tags":["a","c"]}`, string(got))
}