package app

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is the trnlaunch version, overridden at build time with
// -ldflags "-X .../app.Version=v0.2.0".
var Version = "v0.1.0-dev"

// VersionOptions holds options for the version command
type VersionOptions struct {
	*GlobalOptions
}

// NewVersionCommand creates the version command.
//
// Usage:
//
//	trnlaunch version
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for displaying version info
func NewVersionCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &VersionOptions{
		GlobalOptions: globalOpts,
	}

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Display version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(opts)
		},
	}

	return cmd
}

// runVersion executes the version command logic.
func runVersion(opts *VersionOptions) error {
	fmt.Printf("trnlaunch %s (%s/%s)\n", Version, runtime.GOOS, runtime.GOARCH)
	return nil
}
