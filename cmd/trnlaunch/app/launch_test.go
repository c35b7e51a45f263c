package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsingmao/trnlaunch/internal/allocator"
	"github.com/tsingmao/trnlaunch/internal/config"
)

func TestResolveCoresPerNode(t *testing.T) {
	t.Run("empty flag uses configured profile", func(t *testing.T) {
		n, err := resolveCoresPerNode("", 64)
		require.NoError(t, err)
		assert.Equal(t, 64, n)
	})

	t.Run("numeric flag overrides profile", func(t *testing.T) {
		n, err := resolveCoresPerNode("32", 64)
		require.NoError(t, err)
		assert.Equal(t, 32, n)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := resolveCoresPerNode("lots", 64)
		assert.Error(t, err)
	})

	t.Run("rejects non-positive counts", func(t *testing.T) {
		_, err := resolveCoresPerNode("0", 64)
		assert.Error(t, err)
		_, err = resolveCoresPerNode("-2", 64)
		assert.Error(t, err)
	})
}

func TestResolveTopology(t *testing.T) {
	t.Run("flags build and validate a topology", func(t *testing.T) {
		opts := &LaunchOptions{
			GlobalOptions: &GlobalOptions{},
			Rank:          1,
			WorldSize:     2,
			Hostname:      "trn-node-1",
		}

		topo, err := resolveTopology(opts)
		require.NoError(t, err)
		assert.Equal(t, 1, topo.Rank)
		assert.Equal(t, 2, topo.WorldSize)
		assert.Equal(t, "trn-node-1", topo.Hostname)
	})

	t.Run("rank without world size is rejected", func(t *testing.T) {
		opts := &LaunchOptions{
			GlobalOptions: &GlobalOptions{},
			Rank:          1,
			WorldSize:     0,
		}

		_, err := resolveTopology(opts)
		assert.Error(t, err)
	})

	t.Run("out-of-range rank is rejected", func(t *testing.T) {
		opts := &LaunchOptions{
			GlobalOptions: &GlobalOptions{},
			Rank:          2,
			WorldSize:     2,
			Hostname:      "trn-node-2",
		}

		_, err := resolveTopology(opts)
		assert.Error(t, err)
	})
}

func TestResolvePreload(t *testing.T) {
	newConfig := func(t *testing.T) *config.Config {
		cfg := config.NewDefaultConfig()
		cfg.Hardware.AllocatorDir = t.TempDir()
		cfg.Hardware.AllocatorLink = filepath.Join(t.TempDir(), "libtcmalloc.so")
		return cfg
	}

	t.Run("missing allocator aborts a real launch", func(t *testing.T) {
		cfg := newConfig(t)

		_, err := resolvePreload(cfg, true)
		require.Error(t, err)
		assert.ErrorIs(t, err, allocator.ErrNotFound)
	})

	t.Run("missing allocator only warns without side effects", func(t *testing.T) {
		cfg := newConfig(t)

		preload, err := resolvePreload(cfg, false)
		require.NoError(t, err)
		assert.Equal(t, cfg.Hardware.AllocatorLink, preload)
	})

	t.Run("without side effects the link is reported but not written", func(t *testing.T) {
		cfg := newConfig(t)
		lib := filepath.Join(cfg.Hardware.AllocatorDir, "libtcmalloc.so.4")
		require.NoError(t, os.WriteFile(lib, nil, 0644))

		preload, err := resolvePreload(cfg, false)
		require.NoError(t, err)
		assert.Equal(t, cfg.Hardware.AllocatorLink, preload)

		_, err = os.Lstat(cfg.Hardware.AllocatorLink)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("with side effects the stable link is installed", func(t *testing.T) {
		cfg := newConfig(t)
		lib := filepath.Join(cfg.Hardware.AllocatorDir, "libtcmalloc.so.4")
		require.NoError(t, os.WriteFile(lib, nil, 0644))

		preload, err := resolvePreload(cfg, true)
		require.NoError(t, err)
		assert.Equal(t, cfg.Hardware.AllocatorLink, preload)

		target, err := os.Readlink(cfg.Hardware.AllocatorLink)
		require.NoError(t, err)
		assert.Equal(t, lib, target)
	})
}

func TestBuildLaunchConfig(t *testing.T) {
	writeLaunchFile := func(t *testing.T, sharedRoot, allocatorDir string) string {
		path := filepath.Join(t.TempDir(), "launch.yaml")
		content := "shared_root: " + sharedRoot + "\n" +
			"hardware:\n" +
			"  allocator_dir: " + allocatorDir + "\n" +
			"  allocator_link: " + filepath.Join(t.TempDir(), "libtcmalloc.so") + "\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		return path
	}

	newOpts := func(configPath string) *LaunchOptions {
		return &LaunchOptions{
			GlobalOptions: &GlobalOptions{ConfigPath: configPath},
			Rank:          0,
			WorldSize:     1,
			Hostname:      "trn-node-0",
			RunID:         "abcdwxyz",
		}
	}

	t.Run("aborts before launch when the allocator is missing", func(t *testing.T) {
		config.Reset()
		t.Cleanup(config.Reset)

		path := writeLaunchFile(t, t.TempDir(), t.TempDir())

		_, err := buildLaunchConfig(newOpts(path), true)
		require.Error(t, err)
		assert.ErrorIs(t, err, allocator.ErrNotFound)
	})

	t.Run("derives the environment contract without touching the filesystem", func(t *testing.T) {
		config.Reset()
		t.Cleanup(config.Reset)

		sharedRoot := t.TempDir()
		path := writeLaunchFile(t, sharedRoot, t.TempDir())

		lcfg, err := buildLaunchConfig(newOpts(path), false)
		require.NoError(t, err)

		assert.Equal(t, "trn-node-0:62182", lcfg.RootCommAddress)
		assert.Equal(t, filepath.Join(sharedRoot, "abcdwxyz"), lcfg.Paths.Root)

		// No artifact directories appear in dry derivation.
		_, err = os.Stat(lcfg.Paths.Root)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("multi-node run without root_comm_host is rejected", func(t *testing.T) {
		config.Reset()
		t.Cleanup(config.Reset)

		path := writeLaunchFile(t, t.TempDir(), t.TempDir())

		opts := newOpts(path)
		opts.WorldSize = 2

		_, err := buildLaunchConfig(opts, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "root_comm_host")
	})
}

func TestStringOr(t *testing.T) {
	assert.Equal(t, "a", stringOr("a", "b"))
	assert.Equal(t, "b", stringOr("", "b"))
}
