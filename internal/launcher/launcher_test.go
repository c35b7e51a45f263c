package launcher

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsingmao/trnlaunch/internal/artifacts"
	"github.com/tsingmao/trnlaunch/internal/topology"
)

// testConfig builds a launch config rooted in a temp dir and swaps the
// trainer invocation for a shell command running script.
func testConfig(t *testing.T, script string) Config {
	t.Helper()

	paths := artifacts.New(t.TempDir(), "testrun", 0)
	require.NoError(t, paths.Ensure())

	original := newCommand
	newCommand = func(ctx context.Context, _ string, _ ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "/bin/sh", "-c", script)
	}
	t.Cleanup(func() { newCommand = original })

	return Config{
		Topology:        topology.Topology{Rank: 0, WorldSize: 1, Hostname: "test-host"},
		CoresPerNode:    64,
		Paths:           paths,
		PreloadPath:     "/usr/lib/libtcmalloc.so",
		SocketInterface: "eth0",
		RootCommAddress: "test-host:62182",
		Python:          "python3",
		LaunchModule:    "axlearn.common.launch_trainer_main",
		Module:          "text.gpt.c4_trainer",
		ConfigName:      "fuji-7B",
		MeshSelector:    "neuron-trn1.32xlarge-64",
	}
}

func TestEnviron(t *testing.T) {
	cfg := Config{
		Topology:        topology.Topology{Rank: 2, WorldSize: 4, Hostname: "node-2"},
		CoresPerNode:    64,
		Paths:           artifacts.New("/fsx", "abcdwxyz", 2),
		PreloadPath:     "/usr/lib/libtcmalloc.so",
		SocketInterface: "eth0",
		RootCommAddress: "node-0:62182",
	}

	toMap := func(env []string) map[string]string {
		m := make(map[string]string, len(env))
		for _, kv := range env {
			key, value, ok := strings.Cut(kv, "=")
			require.True(t, ok, kv)
			m[key] = value
		}
		return m
	}

	t.Run("sets the full topology contract", func(t *testing.T) {
		env := toMap(cfg.Environ([]string{"PATH=/usr/bin"}))

		assert.Equal(t, "eth0", env[EnvSocketIfname])
		assert.Equal(t, "64", env[EnvNumCores])
		assert.Equal(t, "node-0:62182", env[EnvRootComm])
		assert.Equal(t, "64,64,64,64", env[EnvProcessesNumDevices])
		assert.Equal(t, "2", env[EnvProcessIndex])
		assert.Equal(t, cfg.Paths.NeuronDump, env[EnvNeuronDump])
		assert.Equal(t, cfg.Paths.HLODump, env[EnvHLODump])
		assert.Equal(t, "/usr/lib/libtcmalloc.so", env[EnvPreload])
		assert.Equal(t, "/usr/bin", env["PATH"])
	})

	t.Run("removes stale orchestrator variables", func(t *testing.T) {
		env := toMap(cfg.Environ([]string{
			"NEURON_RT_VISIBLE_CORES=0-7",
			"HOME=/root",
		}))

		_, present := env["NEURON_RT_VISIBLE_CORES"]
		assert.False(t, present)
		assert.Equal(t, "/root", env["HOME"])
	})

	t.Run("overrides inherited values of managed variables", func(t *testing.T) {
		env := cfg.Environ([]string{EnvNumCores + "=8"})

		count := 0
		for _, kv := range env {
			if strings.HasPrefix(kv, EnvNumCores+"=") {
				count++
				assert.Equal(t, EnvNumCores+"=64", kv)
			}
		}
		assert.Equal(t, 1, count)
	})

	t.Run("single process end to end", func(t *testing.T) {
		single := cfg
		single.Topology = topology.Topology{Rank: 0, WorldSize: 1, Hostname: "node-0"}

		env := toMap(single.Environ(nil))
		assert.Equal(t, "64", env[EnvProcessesNumDevices])
		assert.Equal(t, "0", env[EnvProcessIndex])
		assert.Equal(t, "64", env[EnvNumCores])
	})
}

func TestArgs(t *testing.T) {
	cfg := Config{
		Paths:        artifacts.New("/fsx", "abcdwxyz", 0),
		Python:       "python3",
		LaunchModule: "axlearn.common.launch_trainer_main",
		Module:       "text.gpt.c4_trainer",
		ConfigName:   "fuji-7B",
		MeshSelector: "neuron-trn1.32xlarge-64",
	}

	assert.Equal(t, []string{
		"-m", "axlearn.common.launch_trainer_main",
		"--module=text.gpt.c4_trainer",
		"--config=fuji-7B",
		"--trainer_dir=" + cfg.Paths.Output,
		"--mesh_selector=neuron-trn1.32xlarge-64",
	}, cfg.Args())
}

func TestRun(t *testing.T) {
	t.Run("tees output to stream and log file", func(t *testing.T) {
		cfg := testConfig(t, "echo training-started")

		var out, errOut bytes.Buffer
		err := Run(context.Background(), cfg, &out, &errOut)
		require.NoError(t, err)

		assert.Contains(t, out.String(), "training-started")

		logData, err := os.ReadFile(cfg.Paths.LogFile("test-host"))
		require.NoError(t, err)
		assert.Contains(t, string(logData), "training-started")
		// Environment dump precedes trainer output in the log.
		assert.Contains(t, string(logData), EnvProcessesNumDevices+"=64")
	})

	t.Run("propagates trainer exit code", func(t *testing.T) {
		cfg := testConfig(t, "exit 7")

		err := Run(context.Background(), cfg, new(bytes.Buffer), new(bytes.Buffer))
		require.Error(t, err)

		var exitErr *ExitError
		require.ErrorAs(t, err, &exitErr)
		assert.Equal(t, 7, exitErr.Code)
	})

	t.Run("stderr reaches both sinks", func(t *testing.T) {
		cfg := testConfig(t, "echo boom 1>&2; exit 0")

		var out, errOut bytes.Buffer
		require.NoError(t, Run(context.Background(), cfg, &out, &errOut))

		assert.Contains(t, errOut.String(), "boom")
		logData, err := os.ReadFile(cfg.Paths.LogFile("test-host"))
		require.NoError(t, err)
		assert.Contains(t, string(logData), "boom")
	})
}
