package allocator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// touch creates an empty file under dir.
func touch(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
}

func TestDiscover(t *testing.T) {
	t.Run("empty directory reports ErrNotFound", func(t *testing.T) {
		_, err := Discover(t.TempDir(), DefaultPrefix)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("no matching entries reports ErrNotFound", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "libjemalloc.so.2")
		touch(t, dir, "libc.so.6")

		_, err := Discover(dir, DefaultPrefix)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("single match is returned", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "libtcmalloc.so.4")

		path, err := Discover(dir, DefaultPrefix)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "libtcmalloc.so.4"), path)
	})

	t.Run("numeric ordering beats lexical", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "libtcmalloc.so.2")
		touch(t, dir, "libtcmalloc.so.10")

		path, err := Discover(dir, DefaultPrefix)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "libtcmalloc.so.10"), path)
	})

	t.Run("multi-component versions", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "libtcmalloc.so.4")
		touch(t, dir, "libtcmalloc.so.4.5")
		touch(t, dir, "libtcmalloc.so.4.5.9")
		touch(t, dir, "libtcmalloc.so.4.3.12")

		path, err := Discover(dir, DefaultPrefix)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "libtcmalloc.so.4.5.9"), path)
	})

	t.Run("non-version suffixes are skipped", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "libtcmalloc.so.debug")
		touch(t, dir, "libtcmalloc.so.4")

		path, err := Discover(dir, DefaultPrefix)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "libtcmalloc.so.4"), path)
	})

	t.Run("missing directory is an error", func(t *testing.T) {
		_, err := Discover(filepath.Join(t.TempDir(), "nope"), DefaultPrefix)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})
}

func TestInstall(t *testing.T) {
	t.Run("creates link and returns preload path", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "libtcmalloc.so.4")
		target := filepath.Join(dir, "libtcmalloc.so.4")
		link := filepath.Join(dir, "libtcmalloc.so")

		preload, err := Install(target, link)
		require.NoError(t, err)
		assert.Equal(t, link, preload)

		resolved, err := os.Readlink(link)
		require.NoError(t, err)
		assert.Equal(t, target, resolved)
	})

	t.Run("replaces existing link", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "libtcmalloc.so.2")
		touch(t, dir, "libtcmalloc.so.10")
		link := filepath.Join(dir, "libtcmalloc.so")

		_, err := Install(filepath.Join(dir, "libtcmalloc.so.2"), link)
		require.NoError(t, err)
		_, err = Install(filepath.Join(dir, "libtcmalloc.so.10"), link)
		require.NoError(t, err)

		resolved, err := os.Readlink(link)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "libtcmalloc.so.10"), resolved)
	})
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b []int
		want int
	}{
		{[]int{2}, []int{10}, -1},
		{[]int{10}, []int{2}, 1},
		{[]int{4}, []int{4}, 0},
		{[]int{4}, []int{4, 5}, -1},
		{[]int{4, 5, 9}, []int{4, 5}, 1},
		{[]int{4, 3, 12}, []int{4, 5}, -1},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, compareVersions(tc.a, tc.b), "%v vs %v", tc.a, tc.b)
	}
}
