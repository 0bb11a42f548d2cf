package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the full set of recognized daemon options, grounded on the
// teacher's TOML-file configuration pattern (src/key_store/config.go,
// cmd/storage/runtime_config.go) and extended to the key space this
// daemon needs.
type Config struct {
	Node       NodeConfig       `toml:"node"`
	Network    NetworkConfig    `toml:"network"`
	Filesystem FilesystemConfig `toml:"filesystem"`
	Sync       SyncConfig       `toml:"sync"`
	Logging    LoggingConfig    `toml:"logging"`
	Peers      []string         `toml:"peers"`
}

type NodeConfig struct {
	Name string `toml:"name"`
}

type NetworkConfig struct {
	TCPPort           int    `toml:"tcp_port"`
	DiscoveryPort     int    `toml:"discovery_port"`
	BindAddress       string `toml:"bind_address"`
	DiscoveryEnabled  bool   `toml:"discovery_enabled"`
	HeartbeatInterval int    `toml:"heartbeat_interval"` // seconds
	ReconnectTimeout  int    `toml:"reconnect_timeout"`  // seconds
}

type FilesystemConfig struct {
	RootPath       string `toml:"root_path"`
	MetadataDB     string `toml:"metadata_db"`
	SyncOnStartup  bool   `toml:"sync_on_startup"`
	ConflictMode   string `toml:"conflict_resolution"`
	VacuumInterval int    `toml:"vacuum_interval"` // seconds; 0 disables
}

type SyncConfig struct {
	BatchSize       int  `toml:"batch_size"`
	ChunkSize       int  `toml:"chunk_size"`
	VerifyChecksums bool `toml:"verify_checksums"`
	MaxSyncThreads  int  `toml:"max_sync_threads"`
	ResyncInterval  int  `toml:"resync_interval"` // seconds
}

type LoggingConfig struct {
	Level         string `toml:"level"`
	MaxFileSizeMB int    `toml:"max_file_size"`
	BackupCount   int    `toml:"backup_count"`
}

// Default returns a Config with every documented default applied, per
// spec.md §4.8.
func Default() Config {
	return Config{
		Node: NodeConfig{},
		Network: NetworkConfig{
			TCPPort:           9000,
			DiscoveryPort:     9050,
			BindAddress:       "0.0.0.0",
			DiscoveryEnabled:  true,
			HeartbeatInterval: 5,
			ReconnectTimeout:  30,
		},
		Filesystem: FilesystemConfig{
			RootPath:       "./local/storage",
			MetadataDB:     "metadata.db",
			SyncOnStartup:  true,
			ConflictMode:   "timestamp",
			VacuumInterval: 0,
		},
		Sync: SyncConfig{
			BatchSize:       10,
			ChunkSize:       1 << 20,
			VerifyChecksums: true,
			MaxSyncThreads:  4,
			ResyncInterval:  60,
		},
		Logging: LoggingConfig{
			Level:         "info",
			MaxFileSizeMB: 10,
			BackupCount:   5,
		},
	}
}

// Load reads path as TOML over Default(), so unspecified keys keep their
// default value, mirroring the teacher's DefaultConfig()+override idiom.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the invariants the daemon relies on before startup;
// a failure here is a fatal-kind error per spec.md §7.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Node.Name) == "" {
		return fmt.Errorf("node.name is required")
	}
	if c.Network.TCPPort <= 0 || c.Network.TCPPort > 65535 {
		return fmt.Errorf("network.tcp_port out of range: %d", c.Network.TCPPort)
	}
	if c.Network.DiscoveryPort <= 0 || c.Network.DiscoveryPort > 65535 {
		return fmt.Errorf("network.discovery_port out of range: %d", c.Network.DiscoveryPort)
	}
	if c.Network.HeartbeatInterval <= 0 {
		return fmt.Errorf("network.heartbeat_interval must be > 0")
	}
	if c.Network.ReconnectTimeout <= 0 {
		return fmt.Errorf("network.reconnect_timeout must be > 0")
	}
	if strings.TrimSpace(c.Filesystem.RootPath) == "" {
		return fmt.Errorf("filesystem.root_path is required")
	}
	if c.Filesystem.ConflictMode != "timestamp" {
		return fmt.Errorf("filesystem.conflict_resolution %q is not supported (only \"timestamp\")", c.Filesystem.ConflictMode)
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be > 0")
	}
	if c.Sync.MaxSyncThreads <= 0 {
		return fmt.Errorf("sync.max_sync_threads must be > 0")
	}
	if c.Sync.ResyncInterval <= 0 {
		return fmt.Errorf("sync.resync_interval must be > 0")
	}
	return nil
}
