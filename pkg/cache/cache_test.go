package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put("greeting", "hello", 0))
	v, ok := store.Get("greeting", nil)
	assert.True(t, ok)
	assert.Equal(t, "hello", v)

	require.NoError(t, store.Put("count", 3, 0))
	v, ok = store.Get("count", nil)
	assert.True(t, ok)
	assert.Equal(t, int64(3), ToInt64(v))

	require.NoError(t, store.Put("doc", map[string]any{"a": 1, "b": "x"}, 0))
	v, ok = store.Get("doc", nil)
	assert.True(t, ok)
	doc := v.(map[string]any)
	assert.Equal(t, "x", doc["b"])
}

func TestFileStoreMissReturnsDefault(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	v, ok := store.Get("absent", "fallback")
	assert.False(t, ok)
	assert.Equal(t, "fallback", v)
}

func TestFileStoreExpiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store, err := NewFileStore(t.TempDir(), WithFileClock(func() time.Time { return now }))
	require.NoError(t, err)

	require.NoError(t, store.Put("short", "lived", 10*time.Second))
	_, ok := store.Get("short", nil)
	assert.True(t, ok)

	now = now.Add(11 * time.Second)
	v, ok := store.Get("short", "gone")
	assert.False(t, ok)
	assert.Equal(t, "gone", v)

	// The expired file is deleted on read, not merely skipped.
	_, err = os.Stat(store.path("short"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreZeroTTLNeverExpires(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store, err := NewFileStore(t.TempDir(), WithFileClock(func() time.Time { return now }))
	require.NoError(t, err)

	require.NoError(t, store.Put("pinned", true, 0))
	now = now.Add(1000 * time.Hour)
	_, ok := store.Get("pinned", nil)
	assert.True(t, ok)
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	first, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.Put("shared", "value", 0))

	second, err := NewFileStore(dir)
	require.NoError(t, err)
	v, ok := second.Get("shared", nil)
	assert.True(t, ok)
	assert.Equal(t, "value", v)
}

func TestFileStoreForget(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put("k", 1, 0))
	require.NoError(t, store.Forget("k"))
	_, ok := store.Get("k", nil)
	assert.False(t, ok)

	assert.NoError(t, store.Forget("never-existed"))
}

func TestFileStoreFlush(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put("a", 1, 0, "exports"))
	require.NoError(t, store.Put("b", 2, 0, "exports", "project:demo"))
	require.NoError(t, store.Put("c", 3, 0, "security"))
	require.NoError(t, store.Put("d", 4, 0))

	t.Run("by tag", func(t *testing.T) {
		require.NoError(t, store.Flush("exports"))
		_, ok := store.Get("a", nil)
		assert.False(t, ok)
		_, ok = store.Get("b", nil)
		assert.False(t, ok)
		_, ok = store.Get("c", nil)
		assert.True(t, ok)
		_, ok = store.Get("d", nil)
		assert.True(t, ok)
	})

	t.Run("everything", func(t *testing.T) {
		require.NoError(t, store.Flush())
		_, ok := store.Get("c", nil)
		assert.False(t, ok)
		_, ok = store.Get("d", nil)
		assert.False(t, ok)
	})
}

func TestFileStoreDropsCorruptEntries(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(store.path("bad"), []byte("{not json"), 0o644))
	_, ok := store.Get("bad", nil)
	assert.False(t, ok)
	_, err = os.Stat(store.path("bad"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreFlushRemovesForeignFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.json"), []byte("oops"), 0o644))
	require.NoError(t, store.Put("real", 1, 0, "tagged"))
	require.NoError(t, store.Flush("tagged"))

	_, err = os.Stat(filepath.Join(dir, "stray.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestIncrement(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for want := int64(1); want <= 3; want++ {
		got, err := Increment(store, "hits", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestToInt64(t *testing.T) {
	cases := []struct {
		in   any
		want int64
	}{
		{int64(7), 7},
		{42, 42},
		{3.9, 3},
		{"12", 12},
		{"nope", 0},
		{nil, 0},
		{true, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ToInt64(tc.in))
	}
}

func TestNullStore(t *testing.T) {
	var store Store = NewNull()

	assert.NoError(t, store.Put("k", "v", time.Minute))
	v, ok := store.Get("k", "def")
	assert.False(t, ok)
	assert.Equal(t, "def", v)
	assert.NoError(t, store.Forget("k"))
	assert.NoError(t, store.Flush("anything"))

	n, err := Increment(store, "c", time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
