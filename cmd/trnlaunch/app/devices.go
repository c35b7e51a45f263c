package app

import (
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/tsingmao/trnlaunch/internal/device"
	"github.com/tsingmao/trnlaunch/internal/logger"
)

// DevicesOptions holds options for the devices command
type DevicesOptions struct {
	*GlobalOptions
}

// NewDevicesCommand creates the devices command.
//
// The devices command lists the Neuron accelerators detected on this node,
// including their PCI addresses and driver device nodes. It is the quick
// sanity check before launching: a node reporting fewer devices than its
// siblings will fail collective initialization.
//
// Usage:
//
//	trnlaunch devices
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for listing Neuron devices
func NewDevicesCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &DevicesOptions{
		GlobalOptions: globalOpts,
	}

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List Neuron devices on this node",
		Long: `List the AWS Neuron accelerators detected on this node.

Detection reads the sysfs PCI tree and the /dev/neuron* nodes created by
the Neuron driver. When sysfs is restricted (some container setups), lspci
output is parsed instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevices(opts)
		},
	}

	return cmd
}

// runDevices executes the devices command logic.
func runDevices(opts *DevicesOptions) error {
	devices, err := device.FindNeuronDevices()
	if err != nil {
		logger.Warn("sysfs scan failed (%v), falling back to lspci", err)
		devices, err = lspciFallback()
		if err != nil {
			return err
		}
	}

	if len(devices) == 0 {
		fmt.Println("No Neuron devices detected on this node.")
		return nil
	}

	fmt.Printf("%-16s %-10s %s\n", "BUS ADDRESS", "DEVICE ID", "NODE")
	for _, d := range devices {
		node := d.NodePath
		if node == "" {
			node = "-"
		}
		fmt.Printf("%-16s %-10s %s\n", d.BusAddress, d.DeviceID, node)
	}

	cores := len(devices) * device.CoresPerDevice
	fmt.Printf("\n%d devices, %d NeuronCores\n", len(devices), cores)

	return nil
}

// lspciFallback detects Neuron devices by parsing lspci output.
func lspciFallback() ([]device.NeuronDevice, error) {
	out, err := exec.Command("lspci", "-nn").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to run lspci: %w", err)
	}

	var devices []device.NeuronDevice
	for _, d := range device.ParseLspciOutput(string(out)) {
		// Vendor alone is not enough: the EC2 NVMe and ENA controllers
		// share Annapurna's vendor ID with the accelerators.
		if !device.IsNeuronAccelerator(d) {
			continue
		}
		devices = append(devices, device.NeuronDevice{
			BusAddress: d.BusAddress,
			DeviceID:   d.DeviceID,
		})
	}

	return devices, nil
}
