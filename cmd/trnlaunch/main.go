// Command trnlaunch configures and launches distributed training jobs on
// AWS Trainium (Neuron) nodes.
package main

import (
	"errors"
	"os"

	"github.com/tsingmao/trnlaunch/cmd/trnlaunch/app"
	"github.com/tsingmao/trnlaunch/internal/launcher"
	"github.com/tsingmao/trnlaunch/internal/logger"
)

func main() {
	cmd := app.NewTrnlaunchCommand()
	err := cmd.Execute()
	logger.Sync()

	if err != nil {
		// The trainer's exit code is propagated verbatim; launcher-side
		// failures exit 1.
		var exitErr *launcher.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}
