// Package launcher builds the trainer's process environment and runs the
// training entry point.
//
// The launch contract is captured in an immutable Config built once by the
// CLI layer; environment derivation (Environ) and argument construction
// (Args) are pure functions of that struct so they can be tested without
// spawning processes. Run performs the single side-effecting step: exec the
// Python trainer, tee its combined output to a per-host log file, and block
// until it exits.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/tsingmao/trnlaunch/internal/artifacts"
	"github.com/tsingmao/trnlaunch/internal/logger"
	"github.com/tsingmao/trnlaunch/internal/topology"
)

// Environment variables exported to the trainer process.
const (
	// EnvSocketIfname is the interconnect socket interface for the
	// collective-communication bootstrap.
	EnvSocketIfname = "NCCL_SOCKET_IFNAME"

	// EnvNumCores is the NeuronCore count this process drives.
	EnvNumCores = "NEURON_RT_NUM_CORES"

	// EnvRootComm is the root communicator address (host:port).
	EnvRootComm = "NEURON_RT_ROOT_COMM_ID"

	// EnvProcessesNumDevices is the per-process device-count list, one
	// comma-separated entry per rank.
	EnvProcessesNumDevices = "NEURON_PJRT_PROCESSES_NUM_DEVICES"

	// EnvProcessIndex is this process's zero-based index.
	EnvProcessIndex = "NEURON_PJRT_PROCESS_INDEX"

	// EnvNeuronDump is the Neuron compiler artifact dump directory.
	EnvNeuronDump = "NEURON_DUMP_PATH"

	// EnvHLODump is the XLA HLO dump directory.
	EnvHLODump = "HLO_DUMP_PATH"

	// EnvPreload instructs the dynamic loader to preload the allocator.
	EnvPreload = "LD_PRELOAD"
)

// newCommand constructs the trainer process. Swapped out in tests to
// substitute a shell for the Python interpreter.
var newCommand = exec.CommandContext

// staleVars are orchestrator-injected variables that conflict with the
// topology set here. They are removed from the inherited environment so
// interactive and manual runs outside the orchestrator behave like
// scheduled ones.
var staleVars = []string{
	"NEURON_RT_VISIBLE_CORES",
}

// Config is the complete, immutable launch contract for one trainer
// process. Built once by the CLI layer; nothing in this package mutates it
// or consults ambient environment state beyond the base environment passed
// to Environ.
type Config struct {
	// Topology is this process's position in the distributed job.
	Topology topology.Topology

	// CoresPerNode is the NeuronCore count each process drives.
	CoresPerNode int

	// Paths is the per-run artifact tree.
	Paths artifacts.Paths

	// PreloadPath is the allocator path exported as LD_PRELOAD.
	PreloadPath string

	// SocketInterface is the interconnect socket interface name.
	SocketInterface string

	// RootCommAddress is the root communicator address (host:port).
	RootCommAddress string

	// Python is the interpreter for the trainer.
	Python string

	// LaunchModule is the Python module run with -m.
	LaunchModule string

	// Module, ConfigName and MeshSelector are the trainer's fixed CLI
	// flags; Paths.Output doubles as its trainer_dir.
	Module       string
	ConfigName   string
	MeshSelector string
}

// ExitError reports that the trainer exited with a non-zero status. The
// launcher propagates the code verbatim as its own exit status.
type ExitError struct {
	// Code is the trainer's exit code.
	Code int
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	return fmt.Sprintf("trainer exited with code %d", e.Code)
}

// Environ derives the child process environment from the launch config.
//
// Starting from base (normally os.Environ), it removes stale
// orchestrator-injected variables and any previous values of the variables
// it sets, then appends the derived ones. The function is pure: the same
// config and base always produce the same environment.
//
// Parameters:
//   - base: environment to inherit, in "KEY=VALUE" form
//
// Returns:
//   - Child environment in "KEY=VALUE" form
func (c Config) Environ(base []string) []string {
	managed := map[string]bool{
		EnvSocketIfname:        true,
		EnvNumCores:            true,
		EnvRootComm:            true,
		EnvProcessesNumDevices: true,
		EnvProcessIndex:        true,
		EnvNeuronDump:          true,
		EnvHLODump:             true,
		EnvPreload:             true,
	}
	for _, v := range staleVars {
		managed[v] = true
	}

	env := make([]string, 0, len(base)+len(managed))
	for _, kv := range base {
		key, _, ok := strings.Cut(kv, "=")
		if ok && managed[key] {
			continue
		}
		env = append(env, kv)
	}

	env = append(env,
		EnvSocketIfname+"="+c.SocketInterface,
		EnvNumCores+"="+strconv.Itoa(c.CoresPerNode),
		EnvRootComm+"="+c.RootCommAddress,
		EnvProcessesNumDevices+"="+c.Topology.DeviceCountList(c.CoresPerNode),
		EnvProcessIndex+"="+strconv.Itoa(c.Topology.ProcessIndex()),
		EnvNeuronDump+"="+c.Paths.NeuronDump,
		EnvHLODump+"="+c.Paths.HLODump,
		EnvPreload+"="+c.PreloadPath,
	)

	return env
}

// Args builds the trainer's command-line arguments: the -m module
// invocation followed by the four fixed trainer flags.
func (c Config) Args() []string {
	return []string{
		"-m", c.LaunchModule,
		"--module=" + c.Module,
		"--config=" + c.ConfigName,
		"--trainer_dir=" + c.Paths.Output,
		"--mesh_selector=" + c.MeshSelector,
	}
}

// Run executes the trainer and blocks until it exits.
//
// Combined stdout/stderr of the child is teed to the per-host log file and
// to the provided writers, so operators see live output while the shared
// filesystem keeps a full copy. Before launch the full child environment is
// written to the same streams as a diagnostic aid.
//
// There is no retry or timeout of the launcher's own: cancelling ctx kills
// the child, and a hang in the trainer blocks Run indefinitely, matching
// the synchronous launch contract.
//
// Parameters:
//   - ctx: cancellation context; cancelling kills the trainer
//   - cfg: immutable launch contract
//   - stdout, stderr: parent streams to tee into
//
// Returns:
//   - nil when the trainer exits 0
//   - *ExitError carrying the trainer's code on non-zero exit
//   - Other error if the trainer could not be started or the log file
//     could not be opened
func Run(ctx context.Context, cfg Config, stdout, stderr io.Writer) error {
	logPath := cfg.Paths.LogFile(cfg.Topology.Hostname)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open launch log %s: %w", logPath, err)
	}
	defer logFile.Close()

	outTee := io.MultiWriter(stdout, logFile)
	errTee := io.MultiWriter(stderr, logFile)

	env := cfg.Environ(os.Environ())
	writeEnvironment(outTee, env)

	cmd := newCommand(ctx, cfg.Python, cfg.Args()...)
	cmd.Env = env
	cmd.Stdout = outTee
	cmd.Stderr = errTee

	logger.Info("Launching trainer: %s %s", cfg.Python, strings.Join(cfg.Args(), " "))
	logger.Info("Run log: %s", logPath)

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExitError{Code: exitErr.ExitCode()}
		}
		return fmt.Errorf("failed to run trainer: %w", err)
	}

	return nil
}

// writeEnvironment dumps the child environment, sorted, one variable per
// line. Diagnostic aid only.
func writeEnvironment(w io.Writer, env []string) {
	sorted := make([]string, len(env))
	copy(sorted, env)
	sort.Strings(sorted)

	for _, kv := range sorted {
		fmt.Fprintln(w, kv)
	}
}
