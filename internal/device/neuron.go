// Package device discovers AWS Neuron accelerators on the local node.
//
// Discovery combines a sysfs PCI scan (to identify Trainium/Inferentia
// silicon) with the /dev/neuron* device nodes exposed by the Neuron driver
// (to count usable devices). The launcher uses the result for the `devices`
// inspection command and for the optional launch-time core-count detection.
package device

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tsingmao/trnlaunch/internal/logger"
)

const (
	// AnnapurnaVendorID is the PCI vendor ID of Annapurna Labs, the
	// Amazon subsidiary that designs Trainium and Inferentia.
	AnnapurnaVendorID = "0x1d0f"

	// acceleratorClassPrefix matches the PCI "Processing accelerators"
	// device class (0x1200xx).
	acceleratorClassPrefix = "0x1200"

	// CoresPerDevice is the NeuronCore count of one Neuron device. Each
	// /dev/neuron* node fronts one accelerator package with two cores.
	CoresPerDevice = 2

	// pciDevicesPath is the sysfs location of PCI devices on Linux.
	pciDevicesPath = "/sys/bus/pci/devices"

	// devNodeDir is where the Neuron driver creates device nodes.
	devNodeDir = "/dev"
)

// devNodePattern matches Neuron device nodes such as neuron0, neuron15.
var devNodePattern = regexp.MustCompile(`^neuron[0-9]+$`)

// PCIDevice represents a PCI device with its identifiers.
type PCIDevice struct {
	// VendorID is the PCI vendor ID (e.g., "0x1d0f")
	VendorID string

	// DeviceID is the PCI device ID
	DeviceID string

	// BusAddress is the PCI bus address (e.g., "0000:01:00.0")
	BusAddress string

	// Class is the PCI device class
	Class string
}

// NeuronDevice is a detected Neuron accelerator.
type NeuronDevice struct {
	// BusAddress is the PCI bus address.
	BusAddress string `json:"bus_address"`

	// DeviceID is the PCI device ID.
	DeviceID string `json:"device_id"`

	// NodePath is the /dev node fronting this device, empty when the
	// driver has not created one (e.g. driver not loaded).
	NodePath string `json:"node_path,omitempty"`
}

// ScanPCIDevices scans the system for PCI devices.
//
// Device information is read from /sys/bus/pci/devices, the standard
// location on Linux. Individual unreadable entries are skipped so that one
// misbehaving device does not hide the rest.
//
// Returns:
//   - Slice of PCIDevice found on the system
//   - Error if the sysfs tree is missing or unreadable
func ScanPCIDevices() ([]PCIDevice, error) {
	return scanPCIDevices(pciDevicesPath)
}

func scanPCIDevices(root string) ([]PCIDevice, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, fmt.Errorf("PCI devices path not found: %s", root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read PCI devices: %w", err)
	}

	var devices []PCIDevice
	for _, entry := range entries {
		dev, err := readPCIDevice(filepath.Join(root, entry.Name()), entry.Name())
		if err != nil {
			continue
		}
		devices = append(devices, dev)
	}

	return devices, nil
}

// readPCIDevice reads one device's identifiers from sysfs.
func readPCIDevice(devicePath, busAddress string) (PCIDevice, error) {
	device := PCIDevice{BusAddress: busAddress}

	vendorID, err := readPCIFile(filepath.Join(devicePath, "vendor"))
	if err != nil {
		return device, err
	}
	device.VendorID = vendorID

	deviceID, err := readPCIFile(filepath.Join(devicePath, "device"))
	if err != nil {
		return device, err
	}
	device.DeviceID = deviceID

	if class, err := readPCIFile(filepath.Join(devicePath, "class")); err == nil {
		device.Class = class
	}

	return device, nil
}

// readPCIFile reads a single line from a PCI sysfs file.
func readPCIFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// FindNeuronDevices returns the Neuron accelerators visible on this node.
//
// A device qualifies when its PCI vendor is Annapurna Labs and its class is
// a processing accelerator. Device nodes are matched to PCI devices by
// index order, which is how the Neuron driver enumerates them.
//
// Returns:
//   - Detected devices, empty when the node has no Neuron hardware
//   - Error if PCI scanning fails entirely
func FindNeuronDevices() ([]NeuronDevice, error) {
	pciDevices, err := ScanPCIDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to scan PCI devices: %w", err)
	}

	nodes, err := DeviceNodes()
	if err != nil {
		logger.Warn("Failed to list Neuron device nodes: %v", err)
	}

	var devices []NeuronDevice
	for _, dev := range pciDevices {
		if dev.VendorID != AnnapurnaVendorID {
			continue
		}
		if dev.Class != "" && !strings.HasPrefix(dev.Class, acceleratorClassPrefix) {
			continue
		}

		nd := NeuronDevice{
			BusAddress: dev.BusAddress,
			DeviceID:   dev.DeviceID,
		}
		if len(devices) < len(nodes) {
			nd.NodePath = nodes[len(devices)]
		}
		devices = append(devices, nd)
	}

	return devices, nil
}

// DeviceNodes lists the /dev/neuron* nodes created by the Neuron driver.
func DeviceNodes() ([]string, error) {
	return deviceNodes(devNodeDir)
}

func deviceNodes(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var nodes []string
	for _, entry := range entries {
		if devNodePattern.MatchString(entry.Name()) {
			nodes = append(nodes, filepath.Join(dir, entry.Name()))
		}
	}

	return nodes, nil
}

// DetectCoresPerNode counts the NeuronCores available on this node from
// its device nodes.
//
// This is the dynamic alternative to the fixed cores_per_node profile
// value, selected with `--cores-per-node auto`.
//
// Returns:
//   - Core count (device node count times CoresPerDevice)
//   - Error if no Neuron device nodes exist on this node
func DetectCoresPerNode() (int, error) {
	nodes, err := DeviceNodes()
	if err != nil {
		return 0, err
	}
	if len(nodes) == 0 {
		return 0, fmt.Errorf("no /dev/neuron* device nodes found; is the Neuron driver loaded?")
	}

	cores := len(nodes) * CoresPerDevice
	logger.Debug("Detected %d Neuron devices (%d cores)", len(nodes), cores)

	return cores, nil
}

// IsNeuronAccelerator reports whether dev is Neuron silicon: Annapurna
// Labs vendor in the processing-accelerators PCI class.
//
// The vendor ID alone does not discriminate on EC2, where the NVMe and ENA
// controllers carry Annapurna's 0x1d0f too; callers filtering detected
// devices must check the class as well.
func IsNeuronAccelerator(dev PCIDevice) bool {
	return dev.VendorID == AnnapurnaVendorID &&
		strings.HasPrefix(dev.Class, acceleratorClassPrefix)
}

// ParseLspciOutput parses the output of `lspci -nn`.
//
// This is the fallback for systems where sysfs access is restricted. Lines
// look like: "01:00.0 Processing accelerators [1200]: Amazon.com, Inc.
// Device [1d0f:7164]".
//
// Parameters:
//   - output: raw lspci -nn output
//
// Returns:
//   - Devices parsed from the output; unparseable lines are skipped
func ParseLspciOutput(output string) []PCIDevice {
	var devices []PCIDevice

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		if device := parseLspciLine(scanner.Text()); device != nil {
			devices = append(devices, *device)
		}
	}

	return devices
}

// parseLspciLine parses a single lspci -nn line.
func parseLspciLine(line string) *PCIDevice {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil
	}

	device := &PCIDevice{BusAddress: fields[0]}

	// The class bracket closes the class description, before the colon:
	// "01:00.0 Processing accelerators [1200]: ...".
	if sep := strings.Index(line, "]:"); sep != -1 {
		if open := strings.LastIndex(line[:sep], "["); open != -1 {
			device.Class = "0x" + strings.TrimSpace(line[open+1:sep])
		}
	}

	// The last [vid:did] bracket holds the device identifiers.
	idEnd := strings.LastIndex(line, "]")
	lastBracket := strings.LastIndex(line, "[")
	if lastBracket == -1 || idEnd <= lastBracket {
		return nil
	}

	ids := strings.Split(line[lastBracket+1:idEnd], ":")
	if len(ids) != 2 {
		return nil
	}

	device.VendorID = "0x" + strings.TrimSpace(ids[0])
	device.DeviceID = "0x" + strings.TrimSpace(ids[1])

	return device
}
