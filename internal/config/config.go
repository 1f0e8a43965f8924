package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultWorkers        = 4
	DefaultStagingMaxSize = 256 << 20
	DefaultDebounce       = 5 * time.Second
)

// Config represents the main configuration for autopush.
type Config struct {
	HostID       string           `toml:"host_id"`
	BaseDir      string           `toml:"base_dir"`
	LogDir       string           `toml:"log_dir"`
	AccountsPath string           `toml:"accounts_path"`
	CachePath    string           `toml:"cache_path"`
	Workers      int              `toml:"workers"`
	Encryption   EncryptionConfig `toml:"encryption"`
	Database     DatabaseConfig   `toml:"database"`
	Staging      StagingConfig    `toml:"staging"`
	Filesystem   FilesystemConfig `toml:"filesystem"`
	Backup       BackupConfig     `toml:"backup"`
	Watch        WatchConfig      `toml:"watch"`
}

// EncryptionConfig holds paths to the age key pair used for encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// FilesystemConfig holds filesystem-related settings.
type FilesystemConfig struct {
	Ignore []string `toml:"ignore"`
}

// DatabaseConfig configures the run history store.
// Tagged union: Type selects which other fields apply.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// StagingConfig configures the spool area that holds ciphertext between
// encryption and upload.
type StagingConfig struct {
	Type       string `toml:"type"`                  // "memory" or "filesystem"
	StagingDir string `toml:"staging_dir,omitempty"` // only used for type=filesystem
	MaxSize    int64  `toml:"max_size"`              // bytes held by all open spools
}

// BackupConfig holds the defaults for `autopush backup` and `autopush watch`.
type BackupConfig struct {
	Root        string `toml:"root"`
	Account     string `toml:"account"`
	Container   string `toml:"container"`
	HideMissing bool   `toml:"hide_missing"`
}

// WatchConfig configures continuous mode.
type WatchConfig struct {
	Debounce Duration `toml:"debounce"`
}

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:       hostID,
		BaseDir:      baseDir,
		LogDir:       filepath.Join(baseDir, "log"),
		AccountsPath: filepath.Join(baseDir, "accounts.yaml"),
		CachePath:    filepath.Join(baseDir, "cache.yaml"),
		Workers:      DefaultWorkers,
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "autopush.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "autopush.key"),
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Staging: StagingConfig{
			Type:       "filesystem",
			StagingDir: filepath.Join(baseDir, "staging"),
			MaxSize:    DefaultStagingMaxSize,
		},
		Watch: WatchConfig{Debounce: Duration{DefaultDebounce}},
	}
}

// applyDefaults fills settings left out of an older or hand-written file.
func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.AccountsPath == "" && c.BaseDir != "" {
		c.AccountsPath = filepath.Join(c.BaseDir, "accounts.yaml")
	}
	if c.CachePath == "" && c.BaseDir != "" {
		c.CachePath = filepath.Join(c.BaseDir, "cache.yaml")
	}
	if c.Staging.MaxSize <= 0 {
		c.Staging.MaxSize = DefaultStagingMaxSize
	}
	if c.Watch.Debounce.Duration <= 0 {
		c.Watch.Debounce = Duration{DefaultDebounce}
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDefaults()
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
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
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

// Init writes cfg to path, refusing to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
