package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration
type Config struct {
	XMPP        XMPPConfig        `toml:"xmpp"`
	Bridge      BridgeConfig      `toml:"bridge"`
	Inbox       InboxConfig       `toml:"inbox"`
	AddressBook AddressBookConfig `toml:"address_book"`
	Logging     LoggingConfig     `toml:"logging"`
}

// XMPPConfig contains XMPP account settings. User and Password are
// normally supplied through the XMPP_USER and XMPP_PASSWORD environment
// variables rather than the config file.
type XMPPConfig struct {
	User     string `toml:"user"`
	Password string `toml:"password"`
	Server   string `toml:"server"`
	Port     int    `toml:"port"`
	Resource string `toml:"resource"`
}

// BridgeConfig contains queue sizing and retry settings
type BridgeConfig struct {
	// IncomingSize is the capacity of the XMPP-to-MCP queue
	IncomingSize int `toml:"incoming_size"`

	// OutgoingSize is the capacity of the MCP-to-XMPP queue
	OutgoingSize int `toml:"outgoing_size"`

	// PrioritySize is the capacity of the high-priority outbound lane
	PrioritySize int `toml:"priority_size"`

	// SendRetries is the number of retries after a failed send
	SendRetries int `toml:"send_retries"`

	// SendBackoffMs is the base per-attempt retry backoff in milliseconds
	SendBackoffMs int `toml:"send_backoff_ms"`

	// DrainTimeoutMs bounds the best-effort outbound flush on shutdown
	DrainTimeoutMs int `toml:"drain_timeout_ms"`
}

// InboxConfig contains inbox settings
type InboxConfig struct {
	// MaxLen is the inbox capacity; the oldest message is evicted on overflow
	MaxLen int `toml:"maxlen"`
}

// AddressBookConfig contains address book settings
type AddressBookConfig struct {
	// File is the path of the persisted JSON address book
	File string `toml:"file"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	File   string `toml:"file"`
	Stderr bool   `toml:"stderr"`
}

// Paths holds the XDG-compliant paths for the application
type Paths struct {
	ConfigDir string
	DataDir   string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		XMPP: XMPPConfig{
			Port:     5222,
			Resource: "jabber-mcp",
		},
		Bridge: BridgeConfig{
			IncomingSize:   1000,
			OutgoingSize:   1000,
			PrioritySize:   100,
			SendRetries:    3,
			SendBackoffMs:  500,
			DrainTimeoutMs: 5000,
		},
		Inbox: InboxConfig{
			MaxLen: 500,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Stderr: true,
		},
	}
}

// GetPaths returns XDG-compliant paths for the application
func GetPaths() (*Paths, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	configDir = filepath.Join(configDir, "jabber-mcp")

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	dataDir = filepath.Join(dataDir, "jabber-mcp")

	return &Paths{ConfigDir: configDir, DataDir: dataDir}, nil
}

// EnsureDirectories creates the necessary directories
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Load loads the configuration from the config file and applies
// environment overrides.
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}

	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	configPath := filepath.Join(paths.ConfigDir, "config.toml")

	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if cfg.AddressBook.File == "" {
		cfg.AddressBook.File = filepath.Join(paths.DataDir, "address_book.json")
	} else {
		cfg.AddressBook.File = expandPath(cfg.AddressBook.File)
	}
	if cfg.Logging.File != "" {
		cfg.Logging.File = expandPath(cfg.Logging.File)
	}

	cfg.applyEnv()

	return cfg, nil
}

// applyEnv overrides file settings with environment variables
func (c *Config) applyEnv() {
	if v := os.Getenv("XMPP_USER"); v != "" {
		c.XMPP.User = v
	}
	if v := os.Getenv("XMPP_PASSWORD"); v != "" {
		c.XMPP.Password = v
	}
	if v := os.Getenv("XMPP_SERVER"); v != "" {
		c.XMPP.Server = v
	}
	if v := os.Getenv("XMPP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.XMPP.Port = port
		}
	}
}

// Save saves the configuration to the config file
func Save(cfg *Config) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}

	configPath := filepath.Join(paths.ConfigDir, "config.toml")
	f, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
