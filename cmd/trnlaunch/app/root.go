// Package app provides the command-line interface implementation for
// trnlaunch.
//
// This package contains all CLI commands and their implementations,
// following the Kubernetes CLI architecture pattern with cobra. Commands
// are organized hierarchically with a root command and subcommands.
package app

import (
	"github.com/spf13/cobra"

	"github.com/tsingmao/trnlaunch/internal/logger"
)

const (
	// cliName is the name of the CLI application
	cliName = "trnlaunch"

	// cliDescription is the short description shown in help text
	cliDescription = "trnlaunch - distributed training launcher for Trainium nodes"
)

// GlobalOptions holds options that are common to all commands
type GlobalOptions struct {
	// ConfigPath is the launch configuration file path
	ConfigPath string

	// Verbose enables verbose output
	Verbose bool
}

// NewTrnlaunchCommand creates the root trnlaunch command with all
// subcommands.
//
// The root command provides the main entry point for the CLI. It sets up
// global flags, initializes logging, and registers all subcommands.
//
// Returns:
//   - A configured cobra.Command ready for execution
func NewTrnlaunchCommand() *cobra.Command {
	opts := &GlobalOptions{}

	cmd := &cobra.Command{
		Use:   cliName,
		Short: cliDescription,
		Long: `trnlaunch configures and launches distributed training jobs on AWS
Trainium (Neuron) nodes.

It derives the per-process topology from the MPI environment injected by the
orchestrator, prepares the run's artifact tree on the shared filesystem,
resolves and preloads the tcmalloc allocator, and invokes the axlearn
training entry point, teeing its output to a per-host log file.

Run it once per node, typically under mpirun or a Slurm job step.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.SetDebug(opts.Verbose)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "launch-config", "",
		"launch configuration file (default: $TRNLAUNCH_CONFIG or /etc/trnlaunch/launch.yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false,
		"verbose output")

	cmd.AddCommand(
		NewLaunchCommand(opts),
		NewEnvCommand(opts),
		NewDevicesCommand(opts),
		NewVersionCommand(opts),
	)

	return cmd
}
