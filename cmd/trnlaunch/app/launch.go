package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tsingmao/trnlaunch/internal/allocator"
	"github.com/tsingmao/trnlaunch/internal/artifacts"
	"github.com/tsingmao/trnlaunch/internal/config"
	"github.com/tsingmao/trnlaunch/internal/device"
	"github.com/tsingmao/trnlaunch/internal/launcher"
	"github.com/tsingmao/trnlaunch/internal/logger"
	"github.com/tsingmao/trnlaunch/internal/runid"
	"github.com/tsingmao/trnlaunch/internal/runtime"
	"github.com/tsingmao/trnlaunch/internal/topology"
)

// runIDAttempts bounds the verify-and-retry loop for fresh run ids.
const runIDAttempts = 16

// LaunchOptions holds options for the launch command
type LaunchOptions struct {
	*GlobalOptions

	// Rank overrides the rank read from the MPI environment (-1: use env)
	Rank int

	// WorldSize overrides the world size from the environment (0: use env)
	WorldSize int

	// Hostname overrides the node name used for log files
	Hostname string

	// SharedRoot overrides the configured shared filesystem root
	SharedRoot string

	// CoresPerNode is the per-node core count: a number, "auto" to count
	// local devices, or "" to use the configured profile
	CoresPerNode string

	// RunID reuses an existing run identifier instead of generating one.
	// All ranks of one job must share the identifier, so rank 0 generates
	// it and the others receive it through this flag.
	RunID string

	// Module, ConfigName and MeshSelector override the trainer flags
	Module       string
	ConfigName   string
	MeshSelector string

	// Container runs the trainer inside a Neuron container
	Container bool

	// Image is the training image for container mode ("" = default)
	Image string
}

// NewLaunchCommand creates the launch command.
//
// The launch command is the main operation: it derives the process
// topology, prepares the artifact tree, installs the allocator preload and
// runs the trainer, blocking until it exits.
//
// Usage:
//
//	trnlaunch launch [--rank N --world-size N] [--run-id ID] [--container]
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for launching the trainer
func NewLaunchCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &LaunchOptions{
		GlobalOptions: globalOpts,
	}

	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Configure the environment and run the trainer",
		Long: `Launch one trainer process for this node's rank.

Rank and world size come from the MPI environment (OMPI_COMM_WORLD_RANK,
OMPI_COMM_WORLD_SIZE) unless overridden with flags. The command prepares the
run's artifact tree under the shared root, resolves the tcmalloc allocator
and aborts before launching if none is installed, then execs the training
entry point and tees its output to <output>/<hostname>.log.

The trainer's exit code becomes the command's exit code.`,
		Example: `  # Under mpirun, one process per node
  mpirun -N 1 trnlaunch launch

  # Manual two-node run, rank 1
  trnlaunch launch --rank 1 --world-size 2 --run-id abcdwxyz

  # Inside a Neuron container
  trnlaunch launch --container`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLaunch(cmd.Context(), opts)
		},
	}

	cmd.Flags().IntVar(&opts.Rank, "rank", -1,
		"process rank (default: from MPI environment)")
	cmd.Flags().IntVar(&opts.WorldSize, "world-size", 0,
		"total process count (default: from MPI environment)")
	cmd.Flags().StringVar(&opts.Hostname, "hostname", "",
		"node name for log files (default: from environment)")
	cmd.Flags().StringVar(&opts.SharedRoot, "shared-root", "",
		"shared filesystem root for artifacts (default: from configuration)")
	cmd.Flags().StringVar(&opts.CoresPerNode, "cores-per-node", "",
		"NeuronCores per node: a number or \"auto\" (default: from configuration)")
	cmd.Flags().StringVar(&opts.RunID, "run-id", "",
		"reuse an existing run identifier (default: generate a fresh one)")
	cmd.Flags().StringVar(&opts.Module, "module", "",
		"trainer experiment module override")
	cmd.Flags().StringVar(&opts.ConfigName, "trainer-config", "",
		"trainer configuration name override")
	cmd.Flags().StringVar(&opts.MeshSelector, "mesh-selector", "",
		"hardware mesh selector override")
	cmd.Flags().BoolVar(&opts.Container, "container", false,
		"run the trainer inside a Neuron container")
	cmd.Flags().StringVar(&opts.Image, "image", "",
		"training image for --container (default: Neuron JAX image)")

	return cmd
}

// runLaunch executes the launch command logic.
func runLaunch(ctx context.Context, opts *LaunchOptions) error {
	lcfg, err := buildLaunchConfig(opts, true)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.Container {
		cl, err := runtime.NewContainerLauncher()
		if err != nil {
			return err
		}
		defer cl.Close()
		return cl.Run(ctx, *lcfg, opts.Image, os.Stdout, os.Stderr)
	}

	return launcher.Run(ctx, *lcfg, os.Stdout, os.Stderr)
}

// buildLaunchConfig resolves configuration, topology, artifact paths and
// the allocator into an immutable launch contract.
//
// With sideEffects false (the env command), nothing on the filesystem is
// touched: directories are not created, the allocator link is not
// rewritten, and a missing allocator only warns.
func buildLaunchConfig(opts *LaunchOptions, sideEffects bool) (*launcher.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	topo, err := resolveTopology(opts)
	if err != nil {
		return nil, err
	}
	logger.Info("Topology: rank %d of %d on %s", topo.Rank, topo.WorldSize, topo.Hostname)

	cores, err := resolveCoresPerNode(opts.CoresPerNode, cfg.Hardware.CoresPerNode)
	if err != nil {
		return nil, err
	}

	rootHost := cfg.Hardware.RootCommHost
	if rootHost == "" {
		if topo.WorldSize > 1 {
			// Deriving the address locally would give every rank its own
			// hostname and the root communicator could never form.
			return nil, fmt.Errorf(
				"root_comm_host must be set in the launch file for multi-node runs (world size %d)",
				topo.WorldSize)
		}
		// Single-node runs bootstrap against the local host.
		rootHost = topo.Hostname
	}

	sharedRoot := cfg.SharedRoot
	if opts.SharedRoot != "" {
		sharedRoot = opts.SharedRoot
	}

	id := opts.RunID
	if id == "" {
		if sideEffects {
			id, err = runid.GenerateUnique(sharedRoot, cfg.RunIDLength, runIDAttempts)
		} else {
			id, err = runid.Generate(cfg.RunIDLength)
		}
		if err != nil {
			return nil, err
		}
	}
	logger.Info("Run id: %s", id)

	paths := artifacts.New(sharedRoot, id, topo.Rank)
	if sideEffects {
		if err := paths.Ensure(); err != nil {
			return nil, err
		}
		logger.Debug("Artifact tree ready under %s", paths.Root)
	}

	preload, err := resolvePreload(cfg, sideEffects)
	if err != nil {
		return nil, err
	}

	lcfg := &launcher.Config{
		Topology:        topo,
		CoresPerNode:    cores,
		Paths:           paths,
		PreloadPath:     preload,
		SocketInterface: cfg.Hardware.SocketInterface,
		RootCommAddress: fmt.Sprintf("%s:%d", rootHost, cfg.Hardware.RootCommPort),
		Python:          cfg.Trainer.Python,
		LaunchModule:    cfg.Trainer.LaunchModule,
		Module:          stringOr(opts.Module, cfg.Trainer.Module),
		ConfigName:      stringOr(opts.ConfigName, cfg.Trainer.ConfigName),
		MeshSelector:    stringOr(opts.MeshSelector, cfg.Trainer.MeshSelector),
	}

	return lcfg, nil
}

// resolveTopology derives the topology from flags or the MPI environment.
func resolveTopology(opts *LaunchOptions) (topology.Topology, error) {
	if opts.WorldSize > 0 || opts.Rank >= 0 {
		if opts.WorldSize <= 0 || opts.Rank < 0 {
			return topology.Topology{}, fmt.Errorf("--rank and --world-size must be set together")
		}

		hostname := opts.Hostname
		if hostname == "" {
			h, err := os.Hostname()
			if err != nil {
				return topology.Topology{}, fmt.Errorf("failed to determine hostname: %w", err)
			}
			hostname = h
		}

		topo := topology.Topology{
			Rank:      opts.Rank,
			WorldSize: opts.WorldSize,
			Hostname:  hostname,
		}
		return topo, topo.Validate()
	}

	return topology.FromEnv(os.LookupEnv)
}

// resolveCoresPerNode resolves the per-node core count from the flag value
// and the configured profile. "auto" (or a profile value of 0) counts the
// local Neuron devices instead of trusting the profile.
func resolveCoresPerNode(flagValue string, configured int) (int, error) {
	switch flagValue {
	case "":
		if configured == 0 {
			return device.DetectCoresPerNode()
		}
		return configured, nil
	case "auto":
		return device.DetectCoresPerNode()
	default:
		n, err := strconv.Atoi(flagValue)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid --cores-per-node %q: expected a positive number or \"auto\"", flagValue)
		}
		return n, nil
	}
}

// resolvePreload locates the allocator and, when sideEffects is set,
// installs the stable preload link. A missing allocator is fatal for a
// real launch and a warning for dry derivation.
func resolvePreload(cfg *config.Config, sideEffects bool) (string, error) {
	hw := cfg.Hardware

	lib, err := allocator.Discover(hw.AllocatorDir, hw.AllocatorPrefix)
	if err != nil {
		if !sideEffects && errors.Is(err, allocator.ErrNotFound) {
			logger.Warn("Allocator not found, showing configured link path: %v", err)
			return hw.AllocatorLink, nil
		}
		logger.Error("Cannot launch without the tcmalloc allocator: %v", err)
		return "", err
	}

	if !sideEffects {
		return hw.AllocatorLink, nil
	}

	return allocator.Install(lib, hw.AllocatorLink)
}

// stringOr returns value if non-empty, fallback otherwise.
func stringOr(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
