package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mmenanno/shield/internal/constants"
)

// Config represents the application configuration
type Config struct {
	DatabasePath string `yaml:"database_path" toml:"database_path"`
	SealedPath   string `yaml:"sealed_path" toml:"sealed_path"`
	LogDir       string `yaml:"log_dir" toml:"log_dir"`
	LogLevel     string `yaml:"log_level" toml:"log_level"`

	// Worker pool settings
	DriveType  string `yaml:"drive_type" toml:"drive_type"`
	BatchSize  int    `yaml:"batch_size" toml:"batch_size"`
	MaxWorkers int    `yaml:"max_workers" toml:"max_workers"`

	// Hashing settings
	RetryBudget    int    `yaml:"retry_budget" toml:"retry_budget"`
	HashAlgorithm  string `yaml:"hash_algorithm" toml:"hash_algorithm"`
	HashBufferSize int    `yaml:"hash_buffer_size" toml:"hash_buffer_size"`
	MaxHashRateMB  int    `yaml:"max_hash_rate_mb" toml:"max_hash_rate_mb"`

	StaleDays       int      `yaml:"stale_days" toml:"stale_days"`
	StaleExclusions []string `yaml:"stale_exclusions" toml:"stale_exclusions"`

	Profile ProfileConfig `yaml:"profile" toml:"profile"`
	Seal    SealConfig    `yaml:"seal" toml:"seal"`
}

// ProfileConfig selects the files that make up a profile
type ProfileConfig struct {
	Extensions  []string `yaml:"extensions" toml:"extensions"`
	Paths       []string `yaml:"paths" toml:"paths"`
	ExcludeDirs []string `yaml:"exclude_dirs" toml:"exclude_dirs"`
	Suppress    []string `yaml:"suppress" toml:"suppress"`
	Exec        bool     `yaml:"exec" toml:"exec"`
	Symlinks    bool     `yaml:"symlinks" toml:"symlinks"`

	// Layered matching against read-only overlay images
	XZM        bool     `yaml:"xzm" toml:"xzm"`
	LayerRoot  string   `yaml:"layer_root" toml:"layer_root"`
	XZMPath    []string `yaml:"xzm_path" toml:"xzm_path"`
	XZMLibrary []string `yaml:"xzm_library" toml:"xzm_library"`
	XZMBinary  []string `yaml:"xzm_binary" toml:"xzm_binary"`
}

// SealConfig controls sealing of the store file at rest
type SealConfig struct {
	Enabled        bool   `yaml:"enabled" toml:"enabled"`
	RecipientsFile string `yaml:"recipients_file" toml:"recipients_file"`
	IdentityFile   string `yaml:"identity_file" toml:"identity_file"`
	Compress       bool   `yaml:"compress" toml:"compress"`
}

// DefaultPath returns ~/.config/shield/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "shield", "config.yaml")
}

// Default returns a default configuration
func Default() *Config {
	dataDir := "/var/lib/shield"
	if home, err := os.UserHomeDir(); err == nil && os.Geteuid() != 0 {
		dataDir = filepath.Join(home, ".local", "share", "shield")
	}

	return &Config{
		DatabasePath:   filepath.Join(dataDir, "shield.db"),
		SealedPath:     filepath.Join(dataDir, "shield.db.age"),
		LogDir:         filepath.Join(dataDir, "logs"),
		LogLevel:       "info",
		DriveType:      "auto",
		BatchSize:      constants.DefaultBatchSize,
		MaxWorkers:     constants.MaxChunkWorkers,
		RetryBudget:    constants.DefaultRetryBudget,
		HashAlgorithm:  constants.DefaultHashAlgorithm,
		HashBufferSize: constants.DefaultHashBufferSize,
		StaleDays:      constants.DefaultStaleDays,
		StaleExclusions: []string{
			"%caches%",
			"%cache2%",
			"%Cache2%",
			"%.cache%",
			"%share/Trash%",
			"%home/{{user}}/.local/state/wireplumber%",
			"%root/.local/state/wireplumber%",
			"%usr/share/mime/application%",
			"%usr/share/mime/text%",
			"%usr/share/mime/image%",
			"%release/cache%",
		},
		Profile: ProfileConfig{
			Extensions:  []string{"", ".so", ".sh", ".py", ".pl", ".conf", ".service"},
			Paths:       []string{"etc"},
			ExcludeDirs: []string{"proc", "sys", "dev", "run", "mnt", "media", "var/cache", "var/tmp"},
			Exec:        false,
			LayerRoot:   constants.DefaultLayerRoot,
		},
	}
}

// Load loads configuration from a YAML or TOML file. A missing file yields
// the defaults. Values from .env and SHIELD_* variables are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// .env is optional; variables already set take precedence
	_ = godotenv.Load()
	if envPath := filepath.Join(filepath.Dir(path), ".env"); envPath != ".env" {
		_ = godotenv.Load(envPath)
	}
	cfg.applyEnv()

	return cfg, nil
}

// LoadOrCreate loads path and writes the defaults there when it does not exist
func LoadOrCreate(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Default().Save(path); err != nil {
			return nil, err
		}
	}
	return Load(path)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SHIELD_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("SHIELD_DRIVE_TYPE"); v != "" {
		c.DriveType = v
	}
	if v := os.Getenv("SHIELD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SHIELD_HASH_ALGORITHM"); v != "" {
		c.HashAlgorithm = v
	}
}

// Save saves the configuration, as TOML when path ends in .toml and YAML otherwise
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		var sb strings.Builder
		if err := toml.NewEncoder(&sb).Encode(c); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		data = []byte(sb.String())
	} else {
		var err error
		if data, err = yaml.Marshal(c); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}

	if !filepath.IsAbs(c.DatabasePath) {
		return fmt.Errorf("database_path must be absolute (got: %s)", c.DatabasePath)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error (got: %s)", c.LogLevel)
	}

	switch strings.ToLower(c.DriveType) {
	case "auto", "ssd", "hdd":
	default:
		return fmt.Errorf("drive_type must be auto, ssd or hdd (got: %s)", c.DriveType)
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1")
	}

	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1")
	}

	if c.RetryBudget < 0 {
		return fmt.Errorf("retry_budget cannot be negative")
	}

	switch c.HashAlgorithm {
	case "md5", "sha256", "blake3":
	default:
		return fmt.Errorf("hash_algorithm must be md5, sha256 or blake3 (got: %s)", c.HashAlgorithm)
	}

	if c.HashBufferSize < 4096 {
		return fmt.Errorf("hash_buffer_size must be at least 4096")
	}

	if c.MaxHashRateMB < 0 {
		return fmt.Errorf("max_hash_rate_mb cannot be negative")
	}

	if c.StaleDays < 1 {
		return fmt.Errorf("stale_days must be at least 1")
	}

	if _, err := CompilePatterns(c.StaleExclusions, ""); err != nil {
		return fmt.Errorf("invalid stale_exclusions: %w", err)
	}

	if c.Profile.XZM && c.Profile.LayerRoot == "" {
		return fmt.Errorf("profile.layer_root is required when profile.xzm is set")
	}

	for i, d := range c.Profile.ExcludeDirs {
		if strings.Contains(d, "..") {
			return fmt.Errorf("profile.exclude_dirs[%d]: paths cannot contain '..' (directory traversal)", i)
		}
	}

	if c.Seal.Enabled {
		if c.SealedPath == "" {
			return fmt.Errorf("sealed_path is required when seal.enabled is set")
		}
		if c.Seal.RecipientsFile == "" && c.Seal.IdentityFile == "" {
			return fmt.Errorf("seal.recipients_file or seal.identity_file is required when seal.enabled is set")
		}
	}

	return nil
}

// ManifestPath is where the layered profile manifest for suffix is written
func (c *Config) ManifestPath(suffix string) string {
	name := "baseline.toml"
	if suffix != "" {
		name = "baseline_" + suffix + ".toml"
	}
	return filepath.Join(filepath.Dir(c.DatabasePath), name)
}
