// Package artifacts lays out the per-run directory tree on the shared
// filesystem: compiler dump directories keyed by rank, the trainer output
// directory, and per-host log files.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	// neuronDumpDir collects Neuron compiler artifacts (NEFFs, compile
	// logs) for post-mortem debugging of compilation issues.
	neuronDumpDir = "neuron_dump"

	// hloDumpDir collects XLA HLO dumps emitted by the trainer.
	hloDumpDir = "hlo_dump"

	// outputDir is the trainer directory: checkpoints, summaries and the
	// per-host launch logs land here.
	outputDir = "axlearn_out"
)

// Paths is the resolved artifact tree for one run on one rank.
//
// All paths are derived once from the shared root, the run identifier and
// the rank; the struct carries no mutable state.
type Paths struct {
	// Root is <shared-root>/<run-id>.
	Root string

	// NeuronDump is Root/neuron_dump/<rank>.
	NeuronDump string

	// HLODump is Root/hlo_dump/<rank>.
	HLODump string

	// Output is Root/axlearn_out, shared by all ranks. The trainer treats
	// it as its trainer_dir.
	Output string
}

// New derives the artifact tree for a run.
//
// Dump directories are keyed by rank so that concurrently-writing processes
// never share a dump directory; the output directory is shared because the
// trainer coordinates writes to it itself.
//
// Parameters:
//   - sharedRoot: filesystem root shared by all nodes (e.g. /fsx)
//   - runID: unique run identifier namespacing this launch
//   - rank: this process's rank
func New(sharedRoot, runID string, rank int) Paths {
	root := filepath.Join(sharedRoot, runID)
	r := strconv.Itoa(rank)

	return Paths{
		Root:       root,
		NeuronDump: filepath.Join(root, neuronDumpDir, r),
		HLODump:    filepath.Join(root, hloDumpDir, r),
		Output:     filepath.Join(root, outputDir),
	}
}

// Ensure creates every directory in the tree, including intermediates.
//
// The operation is idempotent: pre-existing directories are not an error,
// so re-running a launch with the same run identifier (or two ranks racing
// on the shared output directory) is safe.
//
// Returns:
//   - nil if all directories exist afterwards
//   - Error naming the first directory that could not be created
func (p Paths) Ensure() error {
	for _, dir := range []string{p.NeuronDump, p.HLODump, p.Output} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// LogFile returns the launch log path for a host. Logs are keyed by
// hostname so every node in the job writes its own file under the shared
// output directory.
func (p Paths) LogFile(hostname string) string {
	return filepath.Join(p.Output, hostname+".log")
}
