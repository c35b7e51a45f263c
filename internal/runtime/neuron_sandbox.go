// Package runtime runs the trainer inside a Neuron container instead of
// directly on the host.
//
// Containerized launches are used on shared development nodes where the
// host Python environment cannot be pinned to the trainer's dependency set.
// The sandbox maps Neuron device nodes and the shared filesystem into the
// container; the environment contract is identical to a host launch.
package runtime

import (
	"fmt"

	"github.com/tsingmao/trnlaunch/internal/device"
)

// NeuronSandbox provides the device-specific container configuration for
// AWS Neuron accelerators: device node mounts, supporting volume mounts,
// privileges and the default training image.
//
// Implementations are stateless and safe for concurrent use.
type NeuronSandbox struct{}

// NewNeuronSandbox creates a new Neuron device sandbox.
func NewNeuronSandbox() *NeuronSandbox {
	return &NeuronSandbox{}
}

// DeviceMounts returns the device nodes to map into the container.
//
// Every /dev/neuron* node on the host is mounted with rwm permissions so
// the containerized Neuron runtime sees the full accelerator complement,
// matching a host launch where all cores belong to one process.
//
// Returns:
//   - Device node paths
//   - Error if no Neuron devices exist on this host
func (s *NeuronSandbox) DeviceMounts() ([]string, error) {
	nodes, err := device.DeviceNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate Neuron devices: %w", err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no /dev/neuron* device nodes on this host")
	}
	return nodes, nil
}

// AdditionalMounts returns host directories the containerized trainer
// needs beyond the device nodes.
//
// Parameters:
//   - sharedRoot: shared filesystem root carrying the artifact tree
//
// Returns:
//   - Map of host path to container path
func (s *NeuronSandbox) AdditionalMounts(sharedRoot string) map[string]string {
	return map[string]string{
		// Artifact tree: dump directories, trainer output and launch logs.
		sharedRoot: sharedRoot,

		// Neuron SDK tools and driver-matched libraries.
		"/opt/aws/neuron": "/opt/aws/neuron",
	}
}

// RequiresPrivileged indicates whether the container needs privileged
// mode. Neuron containers do not: explicit device mounts are sufficient
// for the runtime to drive the accelerators.
func (s *NeuronSandbox) RequiresPrivileged() bool {
	return false
}

// Capabilities returns Linux capabilities the container needs.
//
// IPC_LOCK lets the Neuron runtime and the EFA fabric provider pin DMA
// buffers.
func (s *NeuronSandbox) Capabilities() []string {
	return []string{"IPC_LOCK"}
}

// DefaultImage returns the default training image for Neuron nodes.
func (s *NeuronSandbox) DefaultImage() string {
	return "public.ecr.aws/neuron/jax-training-neuronx:0.4-neuronx-py310-sdk2.19.0-ubuntu20.04"
}
