package artifacts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	p := New("/fsx", "abcdwxyz", 3)

	assert.Equal(t, filepath.Join("/fsx", "abcdwxyz"), p.Root)
	assert.Equal(t, filepath.Join("/fsx", "abcdwxyz", "neuron_dump", "3"), p.NeuronDump)
	assert.Equal(t, filepath.Join("/fsx", "abcdwxyz", "hlo_dump", "3"), p.HLODump)
	assert.Equal(t, filepath.Join("/fsx", "abcdwxyz", "axlearn_out"), p.Output)
}

func TestEnsure(t *testing.T) {
	t.Run("creates full tree with intermediates", func(t *testing.T) {
		root := t.TempDir()
		p := New(root, "runabcd", 0)

		require.NoError(t, p.Ensure())

		for _, dir := range []string{p.NeuronDump, p.HLODump, p.Output} {
			info, err := os.Stat(dir)
			require.NoError(t, err, dir)
			assert.True(t, info.IsDir(), dir)
		}
	})

	t.Run("idempotent for the same run id", func(t *testing.T) {
		root := t.TempDir()
		p := New(root, "runabcd", 1)

		require.NoError(t, p.Ensure())
		require.NoError(t, p.Ensure())
	})

	t.Run("ranks get distinct dump dirs under one run", func(t *testing.T) {
		root := t.TempDir()
		p0 := New(root, "runabcd", 0)
		p1 := New(root, "runabcd", 1)

		require.NoError(t, p0.Ensure())
		require.NoError(t, p1.Ensure())

		assert.NotEqual(t, p0.NeuronDump, p1.NeuronDump)
		assert.Equal(t, p0.Output, p1.Output)
	})
}

func TestLogFile(t *testing.T) {
	p := New("/fsx", "runabcd", 0)
	assert.Equal(t, filepath.Join(p.Output, "trn-node-0.log"), p.LogFile("trn-node-0"))
}
