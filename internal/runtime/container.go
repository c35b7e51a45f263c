package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/tsingmao/trnlaunch/internal/launcher"
	"github.com/tsingmao/trnlaunch/internal/logger"
)

// ContainerLauncher runs the trainer inside a Docker container configured
// by a NeuronSandbox.
//
// The launch semantics mirror a host launch: the launcher blocks on the
// container, tees its combined output to the per-host log file and the
// parent streams, and propagates the trainer's exit code. The container is
// removed after the run; the artifact tree on the shared filesystem is the
// durable record.
type ContainerLauncher struct {
	client  *client.Client
	sandbox *NeuronSandbox
}

// NewContainerLauncher creates a launcher backed by the local Docker
// daemon.
//
// The client is configured from the environment (DOCKER_HOST etc.) with
// API version negotiation, and daemon connectivity is verified with a
// 5-second ping before any container work starts.
//
// Returns:
//   - Initialized launcher
//   - Error if the Docker daemon is unreachable or client creation fails
func NewContainerLauncher() (*ContainerLauncher, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("Docker daemon is not accessible: %w", err)
	}

	return &ContainerLauncher{
		client:  cli,
		sandbox: NewNeuronSandbox(),
	}, nil
}

// Close releases the Docker client.
func (l *ContainerLauncher) Close() error {
	return l.client.Close()
}

// Run executes the trainer in a container and blocks until it exits.
//
// The container gets the same derived environment as a host launch (built
// from an empty base: the host environment is deliberately not leaked into
// the container), the Neuron device nodes, and the shared filesystem
// mounted at its host path so the artifact tree lines up across launch
// modes.
//
// Parameters:
//   - ctx: cancellation context; cancelling stops the container
//   - cfg: immutable launch contract
//   - image: training image, or "" for the sandbox default
//   - stdout, stderr: parent streams to tee into
//
// Returns:
//   - nil when the trainer exits 0
//   - *launcher.ExitError carrying the trainer's code on non-zero exit
//   - Other error for Docker-level failures
func (l *ContainerLauncher) Run(ctx context.Context, cfg launcher.Config, image string, stdout, stderr io.Writer) error {
	if image == "" {
		image = l.sandbox.DefaultImage()
	}

	deviceNodes, err := l.sandbox.DeviceMounts()
	if err != nil {
		return err
	}

	instanceID := uuid.New().String()
	containerName := fmt.Sprintf("trnlaunch-%s-%d", filepath.Base(cfg.Paths.Root), cfg.Topology.Rank)

	containerCfg := &container.Config{
		Image: image,
		Cmd:   append([]string{cfg.Python}, cfg.Args()...),
		Env:   cfg.Environ(nil),
		Labels: map[string]string{
			"trnlaunch.instance_id": instanceID,
			"trnlaunch.run_id":      filepath.Base(cfg.Paths.Root),
			"trnlaunch.rank":        fmt.Sprintf("%d", cfg.Topology.Rank),
		},
	}

	hostCfg := &container.HostConfig{
		Privileged: l.sandbox.RequiresPrivileged(),
		CapAdd:     l.sandbox.Capabilities(),
	}
	for _, node := range deviceNodes {
		hostCfg.Resources.Devices = append(hostCfg.Resources.Devices, container.DeviceMapping{
			PathOnHost:        node,
			PathInContainer:   node,
			CgroupPermissions: "rwm",
		})
	}
	sharedRoot := filepath.Dir(cfg.Paths.Root)
	for host, target := range l.sandbox.AdditionalMounts(sharedRoot) {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: host,
			Target: target,
		})
	}

	logger.Info("Creating trainer container %s (image: %s)", containerName, image)

	created, err := l.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	defer l.remove(created.ID)

	if err := l.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	logPath := cfg.Paths.LogFile(cfg.Topology.Hostname)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open launch log %s: %w", logPath, err)
	}
	defer logFile.Close()

	logs, err := l.client.ContainerLogs(ctx, created.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to stream container logs: %w", err)
	}
	defer logs.Close()

	// Demultiplex the Docker log stream into the same tees a host launch
	// uses. Copy errors surface after the wait result below.
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(
			io.MultiWriter(stdout, logFile),
			io.MultiWriter(stderr, logFile),
			logs,
		)
		copyDone <- err
	}()

	waitCh, errCh := l.client.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return fmt.Errorf("failed waiting for container: %w", err)
	case status := <-waitCh:
		<-copyDone
		if status.Error != nil {
			return fmt.Errorf("container wait error: %s", status.Error.Message)
		}
		if status.StatusCode != 0 {
			return &launcher.ExitError{Code: int(status.StatusCode)}
		}
		return nil
	}
}

// remove force-removes the run container, keeping the host clean after
// both successful and failed runs.
func (l *ContainerLauncher) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := l.client.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		logger.Warn("Failed to remove container %s: %v", containerID[:12], err)
	}
}
