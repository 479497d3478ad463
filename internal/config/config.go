package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "DECLUTTER"

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	// File receives log output in TUI mode. Relative paths resolve against
	// the config directory.
	File string `mapstructure:"file" yaml:"file"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// GmailConfig tunes the scanner and the provider adapter.
type GmailConfig struct {
	TotalLimit        int           `mapstructure:"total_limit" yaml:"total_limit"`
	PageSize          int           `mapstructure:"page_size" yaml:"page_size"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	CallTimeout       time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	FetchConcurrency  int           `mapstructure:"fetch_concurrency" yaml:"fetch_concurrency"`
	SampleSize        int           `mapstructure:"sample_size" yaml:"sample_size"`
}

type ServerConfig struct {
	Addr           string        `mapstructure:"addr" yaml:"addr"`
	AllowOrigins   string        `mapstructure:"allow_origins" yaml:"allow_origins"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

type AuthConfig struct {
	UseKeyring bool `mapstructure:"use_keyring" yaml:"use_keyring"`
}

type RulesConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
}

// Config is the top-level application configuration.
type Config struct {
	Dir      string         `mapstructure:"-" yaml:"-"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Gmail    GmailConfig    `mapstructure:"gmail" yaml:"gmail"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Auth     AuthConfig     `mapstructure:"auth" yaml:"auth"`
	Rules    RulesConfig    `mapstructure:"rules" yaml:"rules"`
}

// DefaultDir returns ~/.config/declutter.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "declutter")
}

// LoadEnv loads .env files into the process environment. Missing files are
// not an error.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "declutter.log")
	v.SetDefault("database.path", "declutter.db")
	v.SetDefault("gmail.total_limit", 1000)
	v.SetDefault("gmail.page_size", 500)
	v.SetDefault("gmail.requests_per_second", 20.0)
	v.SetDefault("gmail.burst", 5)
	v.SetDefault("gmail.call_timeout", 30*time.Second)
	v.SetDefault("gmail.fetch_concurrency", 1)
	v.SetDefault("gmail.sample_size", 5)
	v.SetDefault("server.addr", ":5000")
	v.SetDefault("server.allow_origins", "http://localhost:3000")
	v.SetDefault("server.request_timeout", 5*time.Minute)
	v.SetDefault("auth.use_keyring", true)
	v.SetDefault("rules.check_interval", time.Hour)
}

// Load reads config.yaml from dir. A missing file yields the defaults.
// DECLUTTER_* environment variables override file values.
func Load(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(filepath.Join(dir, "config.yaml"))
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Dir = dir
	if !filepath.IsAbs(cfg.Database.Path) {
		cfg.Database.Path = filepath.Join(dir, cfg.Database.Path)
	}
	if cfg.Log.File != "" && !filepath.IsAbs(cfg.Log.File) {
		cfg.Log.File = filepath.Join(dir, cfg.Log.File)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Gmail.TotalLimit <= 0 {
		errs = append(errs, fmt.Errorf("gmail.total_limit must be positive, got %d", c.Gmail.TotalLimit))
	}
	if c.Gmail.PageSize <= 0 || c.Gmail.PageSize > 500 {
		errs = append(errs, fmt.Errorf("gmail.page_size must be within 1..500, got %d", c.Gmail.PageSize))
	}
	if c.Gmail.RequestsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("gmail.requests_per_second must be positive, got %v", c.Gmail.RequestsPerSecond))
	}
	if c.Gmail.Burst <= 0 {
		errs = append(errs, fmt.Errorf("gmail.burst must be positive, got %d", c.Gmail.Burst))
	}
	if c.Gmail.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("gmail.call_timeout must be positive, got %s", c.Gmail.CallTimeout))
	}
	if c.Gmail.FetchConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("gmail.fetch_concurrency must be positive, got %d", c.Gmail.FetchConcurrency))
	}
	if c.Gmail.SampleSize < 0 {
		errs = append(errs, fmt.Errorf("gmail.sample_size must not be negative, got %d", c.Gmail.SampleSize))
	}
	if c.Rules.CheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("rules.check_interval must be positive, got %s", c.Rules.CheckInterval))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
