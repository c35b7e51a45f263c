// Package topology derives the per-process distributed topology for a
// training run from MPI-style environment variables.
//
// The launcher is started once per node by an MPI-compatible orchestrator
// (mpirun, Slurm with PMIx, ParallelCluster) which injects the process rank
// and world size into the environment. This package parses those inputs into
// an explicit Topology value so that all downstream derivation (device-count
// lists, process indices, artifact paths) is a pure function of the struct
// rather than of ambient process state.
package topology

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	// EnvWorldSize is the variable holding the total number of
	// cooperating processes, as injected by Open MPI.
	EnvWorldSize = "OMPI_COMM_WORLD_SIZE"

	// EnvRank is the variable holding this process's zero-based rank,
	// as injected by Open MPI.
	EnvRank = "OMPI_COMM_WORLD_RANK"

	// EnvNodeName is the Slurm-provided node name used to key per-host
	// log files. Falls back to os.Hostname when absent.
	EnvNodeName = "SLURMD_NODENAME"
)

// Topology describes one process's position in a distributed training job.
//
// Values are immutable once constructed; derivation methods never consult
// the environment.
type Topology struct {
	// Rank is this process's zero-based index within the job.
	Rank int

	// WorldSize is the total number of cooperating processes.
	WorldSize int

	// Hostname identifies the node this process runs on. Used to name
	// per-host log files, not for any topology math.
	Hostname string
}

// LookupFunc resolves an environment variable, reporting whether it is set.
// It matches the signature of os.LookupEnv so production code can pass that
// directly while tests supply a map-backed fake.
type LookupFunc func(key string) (string, bool)

// FromEnv builds a Topology from orchestrator-injected environment variables.
//
// Rank and world size are read from the Open MPI variables; the hostname is
// read from SLURMD_NODENAME with os.Hostname as fallback for interactive
// runs outside the scheduler.
//
// The returned topology is validated: missing or malformed rank/size inputs
// are reported as errors here, before the caller touches the filesystem.
//
// Parameters:
//   - lookup: environment resolver, typically os.LookupEnv
//
// Returns:
//   - Validated Topology
//   - Error if a required variable is missing, non-numeric, or inconsistent
func FromEnv(lookup LookupFunc) (Topology, error) {
	size, err := intFromEnv(lookup, EnvWorldSize)
	if err != nil {
		return Topology{}, err
	}

	rank, err := intFromEnv(lookup, EnvRank)
	if err != nil {
		return Topology{}, err
	}

	hostname, ok := lookup(EnvNodeName)
	if !ok || strings.TrimSpace(hostname) == "" {
		hostname, err = os.Hostname()
		if err != nil {
			return Topology{}, fmt.Errorf("failed to determine hostname: %w", err)
		}
	}

	t := Topology{
		Rank:      rank,
		WorldSize: size,
		Hostname:  strings.TrimSpace(hostname),
	}

	if err := t.Validate(); err != nil {
		return Topology{}, err
	}

	return t, nil
}

// intFromEnv reads a required integer environment variable.
func intFromEnv(lookup LookupFunc, key string) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, fmt.Errorf("required environment variable %s is not set", key)
	}

	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q is not an integer", key, raw)
	}

	return v, nil
}

// Validate checks the topology invariants.
//
// Returns:
//   - nil if WorldSize >= 1 and Rank is within [0, WorldSize)
//   - Error describing the first violated invariant otherwise
func (t Topology) Validate() error {
	if t.WorldSize < 1 {
		return fmt.Errorf("world size must be at least 1, got %d", t.WorldSize)
	}
	if t.Rank < 0 || t.Rank >= t.WorldSize {
		return fmt.Errorf("rank %d is outside [0, %d)", t.Rank, t.WorldSize)
	}
	return nil
}

// DeviceCountList builds the per-process device-count list consumed by the
// Neuron PJRT plugin.
//
// The list has exactly one comma-separated entry per rank in the job, and
// every entry equals coresPerNode: each process drives the full complement
// of NeuronCores on its node.
//
// Parameters:
//   - coresPerNode: NeuronCore count of one node
//
// Returns:
//   - Comma-separated list with WorldSize entries (e.g. "64,64,64,64")
func (t Topology) DeviceCountList(coresPerNode int) string {
	entries := make([]string, t.WorldSize)
	count := strconv.Itoa(coresPerNode)
	for i := range entries {
		entries[i] = count
	}
	return strings.Join(entries, ",")
}

// ProcessIndex returns the zero-based process index exported to the trainer.
// It equals the rank.
func (t Topology) ProcessIndex() int {
	return t.Rank
}
