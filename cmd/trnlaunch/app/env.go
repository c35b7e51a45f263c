package app

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// managedPrefixes selects the derived variables printed by default.
var managedPrefixes = []string{"NEURON_", "NCCL_", "HLO_", "LD_PRELOAD"}

// EnvOptions holds options for the env command
type EnvOptions struct {
	*LaunchOptions

	// All prints the complete child environment instead of only the
	// derived variables
	All bool
}

// NewEnvCommand creates the env command.
//
// The env command derives and prints the trainer environment without
// launching anything and without touching the filesystem. It is the
// diagnostic counterpart of launch: the same derivation code runs, but
// directories are not created and the allocator link is not rewritten.
//
// Usage:
//
//	trnlaunch env [--rank N --world-size N] [--all]
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for printing the derived environment
func NewEnvCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &EnvOptions{
		LaunchOptions: &LaunchOptions{GlobalOptions: globalOpts},
	}

	cmd := &cobra.Command{
		Use:   "env",
		Short: "Print the derived trainer environment",
		Long: `Derive and print the environment the trainer would receive, without
launching it.

The run identifier in the printed paths is freshly generated and not
reserved; a subsequent launch will generate its own.`,
		Example: `  # Show the derived variables for rank 1 of 4
  trnlaunch env --rank 1 --world-size 4

  # Show the complete child environment
  trnlaunch env --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnv(opts)
		},
	}

	cmd.Flags().IntVar(&opts.Rank, "rank", -1,
		"process rank (default: from MPI environment)")
	cmd.Flags().IntVar(&opts.WorldSize, "world-size", 0,
		"total process count (default: from MPI environment)")
	cmd.Flags().StringVar(&opts.Hostname, "hostname", "",
		"node name (default: from environment)")
	cmd.Flags().StringVar(&opts.SharedRoot, "shared-root", "",
		"shared filesystem root for artifacts (default: from configuration)")
	cmd.Flags().StringVar(&opts.CoresPerNode, "cores-per-node", "",
		"NeuronCores per node: a number or \"auto\" (default: from configuration)")
	cmd.Flags().BoolVar(&opts.All, "all", false,
		"print the complete child environment, not only derived variables")

	return cmd
}

// runEnv executes the env command logic.
func runEnv(opts *EnvOptions) error {
	lcfg, err := buildLaunchConfig(opts.LaunchOptions, false)
	if err != nil {
		return err
	}

	env := lcfg.Environ(nil)
	if opts.All {
		env = lcfg.Environ(os.Environ())
	}

	sort.Strings(env)
	for _, kv := range env {
		if opts.All || isManaged(kv) {
			fmt.Println(kv)
		}
	}

	return nil
}

// isManaged reports whether the variable is one the launcher derives.
func isManaged(kv string) bool {
	for _, prefix := range managedPrefixes {
		if strings.HasPrefix(kv, prefix) {
			return true
		}
	}
	return false
}
