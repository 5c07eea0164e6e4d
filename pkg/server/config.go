package server

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aeolun/relaychat/pkg/database"
	"github.com/aeolun/relaychat/pkg/protocol"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Storage StorageSection `toml:"storage"`
	Limits  LimitsSection  `toml:"limits"`
}

type ServerSection struct {
	TCPPort     int    `toml:"tcp_port"`
	SSHPort     int    `toml:"ssh_port"`
	SSHHostKey  string `toml:"ssh_host_key"`
	HTTPPort    int    `toml:"http_port"`
	MetricsPort int    `toml:"metrics_port"`
	DataDir     string `toml:"data_dir"`
}

type StorageSection struct {
	Backend      string `toml:"backend"`
	HandlesFile  string `toml:"handles_file"`
	MessagesFile string `toml:"messages_file"`
	DatabaseFile string `toml:"database_file"`
}

type LimitsSection struct {
	MaxFrameLength      int `toml:"max_frame_length"`
	MaxMessageLength    int `toml:"max_message_length"`
	MaxHandleLength     int `toml:"max_handle_length"`
	OutboxSize          int `toml:"outbox_size"`
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort        int // 0 picks a free port
	SSHPort        int // 0 disables SSH
	SSHHostKeyPath string
	HTTPPort       int // 0 disables WebSocket
	MetricsPort    int // <= 0 disables /metrics and /health
	DataDir        string

	Storage database.StoreConfig

	MaxFrameLength   uint32
	MaxMessageLength int
	MaxHandleLength  int
	OutboxSize       int
	WriteTimeout     time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:        6465,
		SSHHostKeyPath: "~/.relaychat/ssh_host_key",
		MetricsPort:    9090,
		DataDir:        "~/.relaychat",
		Storage: database.StoreConfig{
			Backend:      database.BackendFile,
			HandlesFile:  "usernames.txt",
			MessagesFile: "unread_messages.txt",
			DatabaseFile: "relaychat.db",
		},
		MaxFrameLength:   protocol.DefaultMaxLength,
		MaxMessageLength: 4096,
		MaxHandleLength:  database.DefaultMaxHandleLength,
		OutboxSize:       64,
		WriteTimeout:     5 * time.Second,
	}
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	cfg := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:     cfg.TCPPort,
			SSHPort:     cfg.SSHPort,
			SSHHostKey:  cfg.SSHHostKeyPath,
			HTTPPort:    cfg.HTTPPort,
			MetricsPort: cfg.MetricsPort,
			DataDir:     cfg.DataDir,
		},
		Storage: StorageSection{
			Backend:      cfg.Storage.Backend,
			HandlesFile:  cfg.Storage.HandlesFile,
			MessagesFile: cfg.Storage.MessagesFile,
			DatabaseFile: cfg.Storage.DatabaseFile,
		},
		Limits: LimitsSection{
			MaxFrameLength:      int(cfg.MaxFrameLength),
			MaxMessageLength:    cfg.MaxMessageLength,
			MaxHandleLength:     cfg.MaxHandleLength,
			OutboxSize:          cfg.OutboxSize,
			WriteTimeoutSeconds: int(cfg.WriteTimeout / time.Second),
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// An unwritable config dir is not fatal, the defaults still apply
		if err := writeDefaultConfig(path, config); err != nil {
			log.Printf("Could not write default config to %s: %v", path, err)
		}
		return config, nil
	}

	var config TOMLConfig
	meta, err := toml.DecodeFile(path, &config)
	if err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return TOMLConfig{}, fmt.Errorf("unknown keys in config file: %s", strings.Join(keys, ", "))
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# RelayChat Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect
# ssh_port and http_port are disabled when 0; set metrics_port to -1 to disable metrics

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Zero values keep the
// defaults; paths have ~ expanded.
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	if c.Server.SSHPort != 0 {
		cfg.SSHPort = c.Server.SSHPort
	}
	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Server.MetricsPort != 0 {
		cfg.MetricsPort = c.Server.MetricsPort
	}
	if strings.TrimSpace(c.Server.DataDir) != "" {
		cfg.DataDir = c.Server.DataDir
	}

	if c.Storage.Backend != "" {
		cfg.Storage.Backend = strings.ToLower(c.Storage.Backend)
	}
	if c.Storage.HandlesFile != "" {
		cfg.Storage.HandlesFile = c.Storage.HandlesFile
	}
	if c.Storage.MessagesFile != "" {
		cfg.Storage.MessagesFile = c.Storage.MessagesFile
	}
	if c.Storage.DatabaseFile != "" {
		cfg.Storage.DatabaseFile = c.Storage.DatabaseFile
	}

	if c.Limits.MaxFrameLength != 0 {
		cfg.MaxFrameLength = uint32(c.Limits.MaxFrameLength)
	}
	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.MaxHandleLength != 0 {
		cfg.MaxHandleLength = c.Limits.MaxHandleLength
	}
	if c.Limits.OutboxSize != 0 {
		cfg.OutboxSize = c.Limits.OutboxSize
	}
	if c.Limits.WriteTimeoutSeconds != 0 {
		cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second
	}

	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg.Expanded()
}

// Validate rejects settings the server cannot run with
func (c ServerConfig) Validate() error {
	switch {
	case c.TCPPort < 0 || c.TCPPort > 65535:
		return fmt.Errorf("tcp_port %d out of range", c.TCPPort)
	case c.SSHPort < 0 || c.SSHPort > 65535:
		return fmt.Errorf("ssh_port %d out of range", c.SSHPort)
	case c.HTTPPort < 0 || c.HTTPPort > 65535:
		return fmt.Errorf("http_port %d out of range", c.HTTPPort)
	case c.MetricsPort > 65535:
		return fmt.Errorf("metrics_port %d out of range", c.MetricsPort)
	case c.MaxFrameLength > protocol.MaxLength:
		return fmt.Errorf("max_frame_length %d exceeds %d", c.MaxFrameLength, protocol.MaxLength)
	case c.MaxMessageLength <= 0:
		return fmt.Errorf("max_message_length must be positive")
	case c.MaxHandleLength <= 0:
		return fmt.Errorf("max_handle_length must be positive")
	case c.OutboxSize <= 0:
		return fmt.Errorf("outbox_size must be positive")
	case c.WriteTimeout <= 0:
		return fmt.Errorf("write_timeout_seconds must be positive")
	}

	switch c.Storage.Backend {
	case "", database.BackendFile, database.BackendSQLite:
	default:
		return fmt.Errorf("unknown storage backend %q (want %q or %q)", c.Storage.Backend, database.BackendFile, database.BackendSQLite)
	}
	return nil
}

// Expanded returns a copy with ~ expanded in every path
func (c ServerConfig) Expanded() (ServerConfig, error) {
	var err error
	if c.DataDir, err = expandHome(c.DataDir); err != nil {
		return ServerConfig{}, err
	}
	if c.SSHHostKeyPath, err = expandHome(c.SSHHostKeyPath); err != nil {
		return ServerConfig{}, err
	}
	return c, nil
}

// expandHome replaces a leading ~/ with the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
