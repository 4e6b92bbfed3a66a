package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "filehub"
	// EnvPrefix prefixes every environment override, e.g. FILEHUB_LISTEN_ADDRESS.
	EnvPrefix = "FILEHUB"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = EnvPrefix + "_DATA_DIR"
	// configFileName is the config basename searched for when no path is given.
	configFileName = "filehub"
	// MaxChunkSize bounds transfer.chunk_size.
	MaxChunkSize = 1 << 20
)

// Config is the fully resolved server configuration.
type Config struct {
	ListenAddress   string          `mapstructure:"listen_address"`
	DataDir         string          `mapstructure:"data_dir"`
	StorageDir      string          `mapstructure:"storage_dir"`
	DatabasePath    string          `mapstructure:"database_path"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	TLS             TLSConfig       `mapstructure:"tls"`
	Liveness        LivenessConfig  `mapstructure:"liveness"`
	Transfer        TransferConfig  `mapstructure:"transfer"`
	Auth            AuthConfig      `mapstructure:"auth"`
	Limits          LimitsConfig    `mapstructure:"limits"`
	Discovery       DiscoveryConfig `mapstructure:"discovery"`
	Log             LogConfig       `mapstructure:"log"`
}

// TLSConfig locates the server identity.
type TLSConfig struct {
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	Hosts        []string `mapstructure:"hosts"`
}

// LivenessConfig controls idle detection on authenticated connections.
type LivenessConfig struct {
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// TransferConfig controls the byte loop. StallTimeout bounds a single read
// during a transfer; zero blocks indefinitely.
type TransferConfig struct {
	ChunkSize    int           `mapstructure:"chunk_size"`
	StallTimeout time.Duration `mapstructure:"stall_timeout"`
}

type AuthConfig struct {
	LoginTimeout time.Duration `mapstructure:"login_timeout"`
}

// LimitsConfig caps accepted connections per remote IP over a sliding window.
type LimitsConfig struct {
	ConnectionsPerIP int           `mapstructure:"connections_per_ip"`
	Window           time.Duration `mapstructure:"window"`
}

type DiscoveryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Instance string `mapstructure:"instance"`
}

type LogConfig struct {
	Level    string            `mapstructure:"level"`
	JSON     bool              `mapstructure:"json"`
	File     string            `mapstructure:"file"`
	Rotation LogRotationConfig `mapstructure:"rotation"`
}

type LogRotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// LoadOptions tunes where Load looks for settings.
type LoadOptions struct {
	// Path is an explicit config file. When empty, filehub.{yaml,json,toml} is
	// searched for in the working directory and the data directory.
	Path string
	// Flags are command-line overrides; see flagKeys for the recognised names.
	Flags *pflag.FlagSet
	// SkipEnvFiles disables loading .env files.
	SkipEnvFiles bool
}

// flagKeys maps command-line flag names onto config keys.
var flagKeys = map[string]string{
	"listen":       "listen_address",
	"data-dir":     "data_dir",
	"storage-dir":  "storage_dir",
	"database":     "database_path",
	"tls-cert":     "tls.cert_file",
	"tls-key":      "tls.key_file",
	"chunk-size":   "transfer.chunk_size",
	"idle-timeout": "liveness.idle_timeout",
	"discovery":    "discovery.enabled",
	"log-level":    "log.level",
	"log-json":     "log.json",
	"log-file":     "log.file",
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If FILEHUB_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_DATA_HOME")
		if base == "" {
			base = filepath.Join(home, ".local", "share")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// Defaults returns the default settings as a nested map, suitable for writing
// out as a starter config file. Durations are rendered as strings.
func Defaults() map[string]any {
	v := viper.New()
	setDefaults(v)
	return v.AllSettings()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_address", ":8000")
	v.SetDefault("data_dir", "")
	v.SetDefault("storage_dir", "")
	v.SetDefault("database_path", "")
	v.SetDefault("shutdown_timeout", "10s")

	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.auto_generate", true)
	v.SetDefault("tls.hosts", []string{"localhost", "127.0.0.1"})

	v.SetDefault("liveness.idle_timeout", "12s")
	v.SetDefault("liveness.poll_interval", "1s")

	v.SetDefault("transfer.chunk_size", 4096)
	v.SetDefault("transfer.stall_timeout", "0s")

	v.SetDefault("auth.login_timeout", "30s")

	v.SetDefault("limits.connections_per_ip", 30)
	v.SetDefault("limits.window", "1m")

	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.instance", "filehub")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.rotation.max_size", 128)
	v.SetDefault("log.rotation.max_backups", 5)
	v.SetDefault("log.rotation.max_age", 16)
	v.SetDefault("log.rotation.compress", false)
}

// Load resolves configuration from defaults, an optional config file, .env
// files, FILEHUB_* environment variables and command-line flags, in increasing
// order of precedence.
func Load(opts LoadOptions) (*Config, error) {
	if !opts.SkipEnvFiles {
		loadEnvFiles(opts.Path)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for name, key := range flagKeys {
			if flag := opts.Flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("bind flag %q: %w", name, err)
				}
			}
		}
	}

	if opts.Path != "" {
		v.SetConfigFile(opts.Path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", opts.Path, err)
		}
	} else {
		v.SetConfigName(configFileName)
		v.AddConfigPath(".")
		if dataDir := v.GetString("data_dir"); dataDir != "" {
			v.AddConfigPath(dataDir)
		} else if dataDir, err := ResolveDataDir(); err == nil {
			v.AddConfigPath(dataDir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadEnvFiles(configPath string) {
	envFiles := []string{".env", ".env.local"}
	for _, envFile := range envFiles {
		// Missing .env files are fine.
		_ = godotenv.Load(envFile)
	}
	if configPath != "" {
		configDir := filepath.Dir(configPath)
		for _, envFile := range envFiles {
			_ = godotenv.Load(filepath.Join(configDir, envFile))
		}
	}
}

// normalize fills paths derived from the data directory.
func (c *Config) normalize() error {
	if c.DataDir == "" {
		dataDir, err := ResolveDataDir()
		if err != nil {
			return err
		}
		c.DataDir = dataDir
	}
	if c.StorageDir == "" {
		c.StorageDir = filepath.Join(c.DataDir, "storage")
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "filehub.db")
	}
	if c.TLS.CertFile == "" {
		c.TLS.CertFile = filepath.Join(c.DataDir, "tls", "server.crt")
	}
	if c.TLS.KeyFile == "" {
		c.TLS.KeyFile = filepath.Join(c.DataDir, "tls", "server.key")
	}
	c.ListenAddress = strings.TrimSpace(c.ListenAddress)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	return nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return errors.New("listen_address is required")
	}
	if c.Transfer.ChunkSize <= 0 || c.Transfer.ChunkSize > MaxChunkSize {
		return fmt.Errorf("transfer.chunk_size must be in 1..%d, got %d", MaxChunkSize, c.Transfer.ChunkSize)
	}
	if c.Transfer.StallTimeout < 0 {
		return fmt.Errorf("transfer.stall_timeout must be >= 0, got %s", c.Transfer.StallTimeout)
	}
	if c.Liveness.IdleTimeout <= 0 {
		return fmt.Errorf("liveness.idle_timeout must be > 0, got %s", c.Liveness.IdleTimeout)
	}
	if c.Liveness.PollInterval <= 0 || c.Liveness.PollInterval > c.Liveness.IdleTimeout {
		return fmt.Errorf("liveness.poll_interval must be in (0, idle_timeout], got %s", c.Liveness.PollInterval)
	}
	if c.Auth.LoginTimeout < 0 {
		return fmt.Errorf("auth.login_timeout must be >= 0, got %s", c.Auth.LoginTimeout)
	}
	if c.Limits.ConnectionsPerIP < 0 {
		return fmt.Errorf("limits.connections_per_ip must be >= 0, got %d", c.Limits.ConnectionsPerIP)
	}
	if c.Limits.ConnectionsPerIP > 0 && c.Limits.Window <= 0 {
		return fmt.Errorf("limits.window must be > 0 when limits.connections_per_ip is set")
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be >= 0, got %s", c.ShutdownTimeout)
	}
	if c.Discovery.Enabled && strings.TrimSpace(c.Discovery.Instance) == "" {
		return errors.New("discovery.instance is required when discovery is enabled")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// EnsureDataDirectories creates the data directory layout if needed.
func EnsureDataDirectories(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.StorageDir,
		filepath.Dir(cfg.DatabasePath),
		filepath.Dir(cfg.TLS.CertFile),
		filepath.Dir(cfg.TLS.KeyFile),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}
