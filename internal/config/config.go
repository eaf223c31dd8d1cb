package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Config represents the main configuration for hab.
type Config struct {
	// InstanceID identifies this installation across restores. It is
	// minted once at config init and carried verbatim afterwards.
	InstanceID string `toml:"instance_id"`

	ConfigDir string        `toml:"config_dir"`
	BaseDir   string        `toml:"base_dir"`
	LogDir    string        `toml:"log_dir"`
	Version   string        `toml:"version,omitempty"`
	Excludes  []string      `toml:"excludes"`
	Agents    []AgentConfig `toml:"agents"`
	Keyfile   KeyfileConfig `toml:"keyfile"`
	Journal   JournalConfig `toml:"journal"`
	Sessions  SessionConfig `toml:"sessions"`
}

// AgentConfig represents configuration for a backup storage agent.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type AgentConfig struct {
	Type string `toml:"type"` // "local" or "s3"
	Name string `toml:"name,omitempty"`

	// Local-specific fields (only used when Type == "local")
	BackupDir string `toml:"backup_dir,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// KeyfileConfig holds paths to the age key pair used for keyfile-protected
// backups.
type KeyfileConfig struct {
	RecipientPath string `toml:"recipient_path"`
	IdentityPath  string `toml:"identity_path"`
}

// JournalConfig holds the operations journal settings.
type JournalConfig struct {
	Path string `toml:"path"`
}

// SessionConfig holds the session store settings.
type SessionConfig struct {
	StorePath  string `toml:"store_path"`
	TokensPath string `toml:"tokens_path"`
}

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(configDir, baseDir string) *Config {
	return &Config{
		InstanceID: uuid.New().String(),
		ConfigDir:  configDir,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
		Agents: []AgentConfig{
			{Type: "local", BackupDir: filepath.Join(configDir, "backups")},
		},
		Keyfile: KeyfileConfig{
			RecipientPath: filepath.Join(baseDir, "keys", "hab.pub"),
			IdentityPath:  filepath.Join(baseDir, "keys", "hab.key"),
		},
		Journal: JournalConfig{
			Path: filepath.Join(baseDir, "journal.db"),
		},
		Sessions: SessionConfig{
			StorePath:  filepath.Join(baseDir, "sessions.json"),
			TokensPath: filepath.Join(baseDir, "tokens.json"),
		},
	}
}

// LocalAgent returns the local agent entry, or nil if none is configured.
func (c *Config) LocalAgent() *AgentConfig {
	for i := range c.Agents {
		if c.Agents[i].Type == "local" {
			return &c.Agents[i]
		}
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
