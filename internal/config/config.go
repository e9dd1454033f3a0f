// Package config loads the daemon configuration from file, environment
// and defaults. Files are YAML; every key can be overridden through a
// PAGEVAULT_ environment variable (dots become underscores).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the daemon configuration.
type Config struct {
	// DataDir holds the local databases and the auth token file.
	DataDir string `mapstructure:"data_dir"`

	// ServerURL is the sync server root.
	ServerURL string `mapstructure:"server_url"`

	// TokenFile is the auth token path. Defaults to token inside
	// DataDir.
	TokenFile string `mapstructure:"token_file"`

	// RegistryFile optionally overrides the built-in collection
	// schema with a YAML registry.
	RegistryFile string `mapstructure:"registry_file"`

	// RetryInterval is the wait before retrying a transiently failed
	// sync action.
	RetryInterval time.Duration `mapstructure:"retry_interval"`

	// StrictErrors makes sync barriers surface integration errors.
	StrictErrors bool `mapstructure:"strict_errors"`

	Log    Log    `mapstructure:"log"`
	Media  Media  `mapstructure:"media"`
	Server Server `mapstructure:"server"`
}

// Log configures the rotating log file. An empty File logs to stderr
// only.
type Log struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Media configures the S3-compatible media store.
type Media struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// Server configures the development sync server.
type Server struct {
	Listen         string `mapstructure:"listen"`
	TokenSecret    string `mapstructure:"token_secret"`
	MediaThreshold int    `mapstructure:"media_threshold"`
}

// DefaultDataDir returns the per-user data directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pagevault"
	}
	return filepath.Join(home, ".pagevault")
}

// Load reads the configuration. An empty path searches the data dir
// and the working directory for config.yaml; a missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("server_url", "http://localhost:8480")
	v.SetDefault("retry_interval", 5*time.Minute)
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("media.bucket", "pagevault-media")
	v.SetDefault("server.listen", "localhost:8480")
	v.SetDefault("server.media_threshold", 16<<10)

	v.SetEnvPrefix("PAGEVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultDataDir())
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.TokenFile == "" {
		cfg.TokenFile = filepath.Join(cfg.DataDir, "token")
	}
	return &cfg, nil
}

// StorePath returns the normal-tier database path.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "store.db")
}

// PersistentStorePath returns the persistent-tier database path.
func (c *Config) PersistentStorePath() string {
	return filepath.Join(c.DataDir, "content.db")
}
