package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for kvexplorer
type Config struct {
	// Server configuration
	Listen    string `mapstructure:"listen"`
	DataDir   string `mapstructure:"data_dir"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// KeyFormat is the text encoding used for keys in responses (structural, delimited)
	KeyFormat string `mapstructure:"key_format"`

	// TLS configuration
	EnableTLS bool   `mapstructure:"enable_tls"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`

	Credentials CredentialsConfig `mapstructure:"credentials"`
	Store       StoreConfig       `mapstructure:"store"`
	Remote      RemoteConfig      `mapstructure:"remote"`
	Explorer    ExplorerConfig    `mapstructure:"explorer"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Audit       AuditConfig       `mapstructure:"audit"`
	CORS        CORSConfig        `mapstructure:"cors"`
}

// CredentialsConfig selects where the database ID and access token come from
type CredentialsConfig struct {
	Mode        string `mapstructure:"mode"` // header, static
	DatabaseID  string `mapstructure:"database_id"`
	AccessToken string `mapstructure:"access_token"`
}

// StoreConfig defines the store backend
type StoreConfig struct {
	Backend  string `mapstructure:"backend"` // remote, badger, pebble
	InMemory bool   `mapstructure:"in_memory"`

	// Local engines only
	CompressThreshold int               `mapstructure:"compress_threshold"`
	Tenants           map[string]string `mapstructure:"tenants"` // database ID -> access token
}

// RemoteConfig defines how the hosted store is reached
type RemoteConfig struct {
	ConnectURL string        `mapstructure:"connect_url"` // {id} is replaced by the database ID
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ExplorerConfig bounds listing requests
type ExplorerConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit"`
	MaxScan      int `mapstructure:"max_scan"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// AuditConfig defines the mutation audit trail
type AuditConfig struct {
	Enable        bool   `mapstructure:"enable"`
	DBPath        string `mapstructure:"db_path"` // defaults to <data_dir>/audit.db
	RetentionDays int    `mapstructure:"retention_days"`
}

// CORSConfig defines cross-origin access for browser clients
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load loads configuration from various sources
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Bind command line flags
	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	// Read from config file if specified
	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Read from environment variables
	bindEnv(v)

	// Unmarshal configuration
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("listen", ":8000")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("key_format", "structural")
	v.SetDefault("enable_tls", false)

	// Credentials default to per-request headers (multi-tenant)
	v.SetDefault("credentials.mode", "header")

	// Store defaults
	v.SetDefault("store.backend", "remote")
	v.SetDefault("store.in_memory", false)
	v.SetDefault("store.compress_threshold", 1024)

	// Remote defaults
	v.SetDefault("remote.connect_url", "https://api.deno.com/databases/{id}/connect")
	v.SetDefault("remote.timeout", 30*time.Second)

	// Listing defaults
	v.SetDefault("explorer.default_limit", 100)
	v.SetDefault("explorer.max_limit", 1000)
	v.SetDefault("explorer.max_scan", 10000)

	// Metrics defaults
	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")

	// Audit defaults
	v.SetDefault("audit.enable", false)
	v.SetDefault("audit.db_path", "")
	v.SetDefault("audit.retention_days", 30)

	v.SetDefault("cors.allowed_origins", []string{"*"})
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":    "listen",
		"data-dir":  "data_dir",
		"log-level": "log_level",
		"backend":   "store.backend",
	}

	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("KVEXPLORER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The variable names used by single-tenant deployments
	_ = v.BindEnv("credentials.database_id", "KVEXPLORER_CREDENTIALS_DATABASE_ID", "DENO_KV_DB_ID")
	_ = v.BindEnv("credentials.access_token", "KVEXPLORER_CREDENTIALS_ACCESS_TOKEN", "DENO_KV_ACCESS_TOKEN")
}

func validate(cfg *Config) error {
	switch cfg.Credentials.Mode {
	case "header":
	case "static":
		if cfg.Credentials.DatabaseID == "" || cfg.Credentials.AccessToken == "" {
			return fmt.Errorf("static credentials require credentials.database_id and credentials.access_token (or DENO_KV_DB_ID and DENO_KV_ACCESS_TOKEN)")
		}
	default:
		return fmt.Errorf("unknown credentials mode %q (want header or static)", cfg.Credentials.Mode)
	}

	switch cfg.KeyFormat {
	case "structural", "delimited":
	default:
		return fmt.Errorf("unknown key_format %q (want structural or delimited)", cfg.KeyFormat)
	}

	switch cfg.Store.Backend {
	case "remote":
		if !strings.Contains(cfg.Remote.ConnectURL, "{id}") {
			return fmt.Errorf("remote.connect_url must contain the {id} placeholder")
		}
		if cfg.Remote.Timeout <= 0 {
			return fmt.Errorf("remote.timeout must be positive")
		}
	case "badger", "pebble":
		if !cfg.Store.InMemory {
			if err := ensureDataDir(cfg); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown store.backend %q (want remote, badger or pebble)", cfg.Store.Backend)
	}

	if cfg.Explorer.DefaultLimit <= 0 || cfg.Explorer.MaxLimit <= 0 || cfg.Explorer.MaxScan <= 0 {
		return fmt.Errorf("explorer limits must be positive")
	}
	if cfg.Explorer.DefaultLimit > cfg.Explorer.MaxLimit {
		return fmt.Errorf("explorer.default_limit (%d) exceeds explorer.max_limit (%d)", cfg.Explorer.DefaultLimit, cfg.Explorer.MaxLimit)
	}

	if cfg.Audit.Enable && cfg.Audit.DBPath == "" {
		if err := ensureDataDir(cfg); err != nil {
			return err
		}
		cfg.Audit.DBPath = filepath.Join(cfg.DataDir, "audit.db")
	}

	// Validate TLS configuration
	if cfg.EnableTLS {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return fmt.Errorf("TLS enabled but cert-file or key-file not specified")
		}
	}

	return nil
}

func ensureDataDir(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required for local store backends and the audit database: specify via --data-dir flag, config file, or KVEXPLORER_DATA_DIR environment variable")
	}

	if !filepath.IsAbs(cfg.DataDir) {
		if abs, err := filepath.Abs(cfg.DataDir); err == nil {
			cfg.DataDir = abs
		}
	}

	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		logrus.Debugf("Creating data directory: %s", cfg.DataDir)
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return nil
}
