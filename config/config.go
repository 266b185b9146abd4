// Package config loads and validates the replication core's settings.
package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// UnnamedCluster is the cluster name under which replicas are never
// reusable across backup restarts.
const UnnamedCluster = "__unnamed__"

// Config carries every option the replication and backup cores consume.
type Config struct {
	// SegmentSize is the fixed size of every segment and frame.
	SegmentSize datasize.ByteSize `yaml:"segment-size"`

	// NumSegmentFrames sizes the frame pool on a backup.
	NumSegmentFrames int `yaml:"num-segment-frames"`

	// InMemory selects the volatile frame pool over single-file storage.
	InMemory bool `yaml:"in-memory"`

	// ClusterName gates replica reuse across backup restarts.
	ClusterName string `yaml:"cluster-name"`

	// BackupFilePath is the storage file; empty means an auto-generated
	// temporary file.
	BackupFilePath string `yaml:"backup-file-path"`

	// GC enables the restart and down-server garbage collection tasks.
	GC bool `yaml:"gc"`

	// WriteSync makes backup appends persist before acknowledgement.
	WriteSync bool `yaml:"write-sync"`

	// MaxBytesPerWriteRPC chunks large segment writes.
	MaxBytesPerWriteRPC datasize.ByteSize `yaml:"max-bytes-per-write-rpc"`

	// MaxWriteRPCsInFlight caps concurrent write RPCs across one
	// master's segments.
	MaxWriteRPCsInFlight int `yaml:"max-write-rpcs-in-flight"`

	// NumReplicas is how many backups replicate each segment.
	NumReplicas int `yaml:"num-replicas"`
}

// Default returns the testing defaults.
func Default() Config {
	return Config{
		SegmentSize:          64 * datasize.KB,
		NumSegmentFrames:     16,
		InMemory:             true,
		ClusterName:          UnnamedCluster,
		GC:                   false,
		WriteSync:            true,
		MaxBytesPerWriteRPC:  16 * datasize.KB,
		MaxWriteRPCsInFlight: 4,
		NumReplicas:          3,
	}
}

// Load reads, parses and validates a YAML config file. Unset fields keep
// their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c Config) Validate() error {
	if c.SegmentSize == 0 {
		return fmt.Errorf("config: segment-size must be positive")
	}
	if c.NumSegmentFrames <= 0 {
		return fmt.Errorf("config: num-segment-frames must be positive")
	}
	if c.ClusterName == "" {
		return fmt.Errorf("config: cluster-name must be set (use %q to opt out of reuse)", UnnamedCluster)
	}
	if c.MaxBytesPerWriteRPC == 0 {
		return fmt.Errorf("config: max-bytes-per-write-rpc must be positive")
	}
	if c.MaxWriteRPCsInFlight <= 0 {
		return fmt.Errorf("config: max-write-rpcs-in-flight must be positive")
	}
	if c.NumReplicas <= 0 {
		return fmt.Errorf("config: num-replicas must be positive")
	}
	if c.InMemory && c.BackupFilePath != "" {
		return fmt.Errorf("config: backup-file-path is meaningless with in-memory storage")
	}
	return nil
}
