package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for rewind.
type Config struct {
	HostID     string   `toml:"host_id"`
	BaseDir    string   `toml:"base_dir"`
	LogDir     string   `toml:"log_dir"`
	DataRoots  []string `toml:"data_roots"`
	StacksDir  string   `toml:"stacks_dir"`
	BackupDir  string   `toml:"backup_dir"`
	LockPath   string   `toml:"lock_path"`
	CoreStacks []string `toml:"core_stacks"`
	// Exclude lists ignore patterns applied below every data root.
	Exclude []string `toml:"exclude,omitempty"`

	ControlPlane ControlPlaneConfig `toml:"control_plane"`
	Runtime      RuntimeConfig      `toml:"runtime"`
	Retention    RetentionConfig    `toml:"retention"`
	Restore      RestoreConfig      `toml:"restore"`
	Catalog      CatalogConfig      `toml:"catalog"`
	Vault        VaultConfig        `toml:"vault"`
	Encryption   EncryptionConfig   `toml:"encryption"`
}

// Duration is a time.Duration written as a string such as "5s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// ControlPlaneConfig locates the control-plane API and maps its data
// directory onto the host.
type ControlPlaneConfig struct {
	URL          string   `toml:"url"`
	Username     string   `toml:"username"`
	PasswordFile string   `toml:"password_file"`
	EndpointID   int      `toml:"endpoint_id"`
	DataDir      string   `toml:"data_dir"`      // as seen by the control plane, e.g. /data
	HostDataDir  string   `toml:"host_data_dir"` // the same directory on the host
	InsecureTLS  bool     `toml:"insecure_tls,omitempty"`
	Timeout      Duration `toml:"timeout"`
}

// RuntimeConfig selects the container runtime daemon. An empty Host uses
// the environment (DOCKER_HOST) or the default socket.
type RuntimeConfig struct {
	Host string `toml:"host,omitempty"`
}

// RetentionConfig bounds the number and age of local snapshots.
type RetentionConfig struct {
	KeepCount int  `toml:"keep_count"`
	KeepDays  int  `toml:"keep_days"`
	AutoPrune bool `toml:"auto_prune"`
}

// RestoreConfig holds restore and validation policy.
type RestoreConfig struct {
	ArchMismatch     string   `toml:"arch_mismatch"` // "warn" (default) or "abort"
	ValidateAttempts int      `toml:"validate_attempts"`
	ValidateInterval Duration `toml:"validate_interval"`
	PromptTimeout    Duration `toml:"prompt_timeout"`
	SameOwner        bool     `toml:"same_owner"`
}

// EncryptionConfig holds paths to the age key pair used for encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "none" (default), "age" or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// VaultConfig represents configuration for the offsite archive copy.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "none", "memory", "s3", or "filesystem"

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"`
	// Static credentials; when empty the default AWS credential chain is used.
	S3AccessKeyID string `toml:"s3_access_key_id,omitempty"`
	S3SecretFile  string `toml:"s3_secret_file,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// CatalogConfig represents configuration for the snapshot catalog.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type CatalogConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// NewConfig creates a new Config with the provided values and defaults
// for everything that has one.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:     hostID,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
		DataRoots:  []string{"/srv/data"},
		StacksDir:  "/srv/data/stacks",
		BackupDir:  filepath.Join(baseDir, "snapshots"),
		LockPath:   filepath.Join(baseDir, "rewind.lock"),
		CoreStacks: []string{"portainer", "proxy"},
		ControlPlane: ControlPlaneConfig{
			URL:          "http://127.0.0.1:9000",
			Username:     "admin",
			PasswordFile: filepath.Join(baseDir, "portainer.password"),
			EndpointID:   1,
			DataDir:      "/data",
			HostDataDir:  "/srv/data/portainer",
			Timeout:      Duration{30 * time.Second},
		},
		Retention: RetentionConfig{KeepCount: 7},
		Restore: RestoreConfig{
			ArchMismatch:     "warn",
			ValidateAttempts: 30,
			ValidateInterval: Duration{5 * time.Second},
			PromptTimeout:    Duration{60 * time.Second},
			SameOwner:        true,
		},
		Catalog: CatalogConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Vault:   VaultConfig{Type: "none"},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "rewind.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "rewind.key"),
		},
	}
}

// Validate checks the settings the engine cannot run without.
func (c *Config) Validate() error {
	if len(c.DataRoots) == 0 {
		return fmt.Errorf("data_roots must not be empty")
	}
	for _, r := range c.DataRoots {
		if !filepath.IsAbs(r) {
			return fmt.Errorf("data root %q must be absolute", r)
		}
	}
	if !filepath.IsAbs(c.StacksDir) {
		return fmt.Errorf("stacks_dir %q must be absolute", c.StacksDir)
	}
	inRoot := false
	for _, r := range c.DataRoots {
		if rel, err := filepath.Rel(r, c.StacksDir); err == nil && filepath.IsLocal(rel) {
			inRoot = true
		}
	}
	if !inRoot {
		return fmt.Errorf("stacks_dir %s is not inside a data root", c.StacksDir)
	}
	if c.BackupDir == "" {
		return fmt.Errorf("backup_dir must be set")
	}
	switch c.Restore.ArchMismatch {
	case "", "warn", "abort":
	default:
		return fmt.Errorf("restore.arch_mismatch must be \"warn\" or \"abort\", got %q", c.Restore.ArchMismatch)
	}
	if c.Retention.KeepCount < 0 || c.Retention.KeepDays < 0 {
		return fmt.Errorf("retention values must not be negative")
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

// writeToFile writes a Config through a temporary file and renames it into
// place, so a crash never leaves a truncated config behind.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		f.Close()
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing config file: %w", err)
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		return fmt.Errorf("setting config permissions: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing config file: %w", err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	// Check if config already exists
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

// Save overwrites an existing config file, e.g. after a migration moved the
// data roots.
func Save(path string, cfg *Config) error {
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	return nil
}
