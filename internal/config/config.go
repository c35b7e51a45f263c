// Package config provides configuration management for the trnlaunch
// application.
//
// Configuration is layered: built-in defaults, then an optional YAML launch
// file, then command-line flags. The launch file describes everything that
// varies per cluster (shared filesystem root, hardware profile, allocator
// install locations) while flags cover per-invocation overrides.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tsingmao/trnlaunch/internal/logger"
)

const (
	// EnvConfigPath overrides the launch file location.
	EnvConfigPath = "TRNLAUNCH_CONFIG"

	// DefaultConfigPath is the default launch file location.
	DefaultConfigPath = "/etc/trnlaunch/launch.yaml"

	// DefaultSharedRoot is the shared filesystem root under which each run
	// namespaces its artifact tree. /fsx is the conventional FSx for
	// Lustre mount point on ParallelCluster nodes.
	DefaultSharedRoot = "/fsx"

	// DefaultCoresPerNode is the NeuronCore count of one training node.
	// Fixed rather than probed: all nodes in a job are the same instance
	// type, and probing would make rank environments diverge if a node's
	// driver is mid-restart. Set cores_per_node to 0 (or pass
	// --cores-per-node auto) to count devices at launch time instead.
	DefaultCoresPerNode = 64

	// DefaultSocketInterface is the network interface used for collective
	// communication bootstrap.
	DefaultSocketInterface = "eth0"

	// DefaultRootCommPort is the port for the Neuron runtime root
	// communicator on rank 0's host.
	DefaultRootCommPort = 62182

	// DefaultRunIDLength is the generated run identifier length.
	DefaultRunIDLength = 8
)

// Config is the root launch configuration.
type Config struct {
	// SharedRoot is the shared filesystem root for artifact trees.
	SharedRoot string `yaml:"shared_root"`

	// RunIDLength is the generated run identifier length.
	RunIDLength int `yaml:"run_id_length"`

	// Hardware describes the accelerator and interconnect profile of the
	// training nodes.
	Hardware HardwareProfile `yaml:"hardware"`

	// Trainer describes the Python training entry point.
	Trainer TrainerConfig `yaml:"trainer"`
}

// HardwareProfile describes one node's accelerator complement and the
// host-side libraries the trainer depends on.
type HardwareProfile struct {
	// CoresPerNode is the NeuronCore count per node. 0 means detect at
	// launch time from the local device inventory.
	CoresPerNode int `yaml:"cores_per_node"`

	// SocketInterface is the interconnect socket interface name exported
	// to the trainer's collective-communication layer.
	SocketInterface string `yaml:"socket_interface"`

	// RootCommHost is the host of the root communicator. Required for
	// multi-node runs; single-node runs default to the local hostname.
	RootCommHost string `yaml:"root_comm_host"`

	// RootCommPort is the root communicator port.
	RootCommPort int `yaml:"root_comm_port"`

	// AllocatorDir is the directory searched for tcmalloc libraries.
	AllocatorDir string `yaml:"allocator_dir"`

	// AllocatorPrefix is the versioned soname prefix to match.
	AllocatorPrefix string `yaml:"allocator_prefix"`

	// AllocatorLink is the stable symlink maintained for LD_PRELOAD.
	AllocatorLink string `yaml:"allocator_link"`
}

// TrainerConfig describes the external training entry point and the fixed
// flags it is invoked with.
type TrainerConfig struct {
	// Python is the interpreter used to start the trainer.
	Python string `yaml:"python"`

	// LaunchModule is the Python module executed with -m.
	LaunchModule string `yaml:"launch_module"`

	// Module is the trainer's --module flag (the experiment module).
	Module string `yaml:"module"`

	// ConfigName is the trainer's --config flag.
	ConfigName string `yaml:"config_name"`

	// MeshSelector is the trainer's --mesh_selector flag, naming the
	// hardware/sharding topology to train with.
	MeshSelector string `yaml:"mesh_selector"`
}

// loader caches the launch file so repeated loads within one invocation
// read the file once.
type loader struct {
	mu     sync.RWMutex
	cfg    *Config
	loaded bool
}

var configLoader = &loader{}

// NewDefaultConfig creates a configuration with built-in defaults for a
// trn1.32xlarge-class ParallelCluster deployment.
func NewDefaultConfig() *Config {
	return &Config{
		SharedRoot:  DefaultSharedRoot,
		RunIDLength: DefaultRunIDLength,
		Hardware: HardwareProfile{
			CoresPerNode:    DefaultCoresPerNode,
			SocketInterface: DefaultSocketInterface,
			RootCommPort:    DefaultRootCommPort,
			AllocatorDir:    "/usr/lib/x86_64-linux-gnu",
			AllocatorPrefix: "libtcmalloc.so.",
			AllocatorLink:   "/usr/lib/libtcmalloc.so",
		},
		Trainer: TrainerConfig{
			Python:       "python3",
			LaunchModule: "axlearn.common.launch_trainer_main",
			Module:       "text.gpt.c4_trainer",
			ConfigName:   "fuji-7B",
			MeshSelector: "neuron-trn1.32xlarge-64",
		},
	}
}

// Load returns the effective configuration.
//
// Location priority for the launch file:
//  1. The configPath parameter (from --config)
//  2. The TRNLAUNCH_CONFIG environment variable
//  3. DefaultConfigPath
//
// A missing file at the default location is not an error: built-in
// defaults apply. An explicitly requested file that cannot be read is.
// The parsed configuration is cached for the process lifetime.
//
// Parameters:
//   - configPath: explicit launch file path, or "" for the defaults chain
//
// Returns:
//   - Effective configuration (defaults overlaid with the file's values)
//   - Error if an explicitly named file is unreadable or invalid
func Load(configPath string) (*Config, error) {
	configLoader.mu.RLock()
	if configLoader.loaded {
		cfg := configLoader.cfg
		configLoader.mu.RUnlock()
		return cfg, nil
	}
	configLoader.mu.RUnlock()

	configLoader.mu.Lock()
	defer configLoader.mu.Unlock()

	if configLoader.loaded {
		return configLoader.cfg, nil
	}

	explicit := configPath != ""
	if configPath == "" {
		if envPath := os.Getenv(EnvConfigPath); envPath != "" {
			configPath = envPath
			explicit = true
		} else {
			configPath = DefaultConfigPath
		}
	}

	cfg, err := loadFromFile(configPath, explicit)
	if err != nil {
		return nil, err
	}

	configLoader.cfg = cfg
	configLoader.loaded = true

	return cfg, nil
}

// Reset clears the cached configuration. Intended for tests.
func Reset() {
	configLoader.mu.Lock()
	defer configLoader.mu.Unlock()
	configLoader.cfg = nil
	configLoader.loaded = false
}

// loadFromFile reads and validates one launch file over the defaults.
func loadFromFile(path string, required bool) (*Config, error) {
	cfg := NewDefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			logger.Debug("No launch file at %s, using built-in defaults", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read launch file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse launch file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid launch file %s: %w", path, err)
	}

	logger.Info("Loaded launch configuration from %s", path)

	return cfg, nil
}

// Validate checks configuration invariants.
//
// CoresPerNode of 0 is allowed (detect at launch time); negative values
// are not. The trainer entry point fields must all be present because the
// trainer's CLI contract treats them as required.
func (c *Config) Validate() error {
	if c.SharedRoot == "" {
		return fmt.Errorf("shared_root must not be empty")
	}
	if c.RunIDLength <= 0 {
		return fmt.Errorf("run_id_length must be positive, got %d", c.RunIDLength)
	}
	if c.Hardware.CoresPerNode < 0 {
		return fmt.Errorf("cores_per_node must not be negative, got %d", c.Hardware.CoresPerNode)
	}
	if c.Hardware.RootCommPort < 1 || c.Hardware.RootCommPort > 65535 {
		return fmt.Errorf("root_comm_port %d is outside 1-65535", c.Hardware.RootCommPort)
	}
	if c.Hardware.SocketInterface == "" {
		return fmt.Errorf("socket_interface must not be empty")
	}
	if c.Trainer.Python == "" || c.Trainer.LaunchModule == "" {
		return fmt.Errorf("trainer python and launch_module must not be empty")
	}
	if c.Trainer.Module == "" || c.Trainer.ConfigName == "" || c.Trainer.MeshSelector == "" {
		return fmt.Errorf("trainer module, config_name and mesh_selector must not be empty")
	}
	return nil
}
