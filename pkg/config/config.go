// Package config loads, validates, and watches the daemon configuration.
//
// Precedence, highest first: environment variables (SOULSEEKD_*), the
// configuration file, built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/soulseekd/soulseekd/pkg/shares"
	"github.com/soulseekd/soulseekd/pkg/transfers"
	"github.com/soulseekd/soulseekd/pkg/uploads"
	"github.com/soulseekd/soulseekd/pkg/users"
)

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=text json"`
}

// APIConfig controls the local metrics/health HTTP listener.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen" validate:"omitempty,hostname_port"`

	// Metrics enables the Prometheus registry and the /metrics endpoint.
	Metrics bool `mapstructure:"metrics" yaml:"metrics"`
}

// SoulseekConfig holds the network account and connection settings.
type SoulseekConfig struct {
	Username    string `mapstructure:"username" yaml:"username"`
	Password    string `mapstructure:"password" yaml:"password"`
	ListenPort  int    `mapstructure:"listen_port" yaml:"listen_port" validate:"min=0,max=65535"`
	Description string `mapstructure:"description" yaml:"description"`
}

// Config is the complete daemon configuration.
type Config struct {
	Logging  LoggingConfig            `mapstructure:"logging" yaml:"logging"`
	Soulseek SoulseekConfig           `mapstructure:"soulseek" yaml:"soulseek"`
	Database transfers.DatabaseConfig `mapstructure:"database" yaml:"database"`
	Shares   shares.Config            `mapstructure:"shares" yaml:"shares"`
	Users    users.Config             `mapstructure:"users" yaml:"users"`
	Uploads  uploads.Config           `mapstructure:"uploads" yaml:"uploads"`
	API      APIConfig                `mapstructure:"api" yaml:"api"`
}

// Load reads configuration from the given file (or the default location
// when empty), layers environment variables on top, applies defaults, and
// validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		return Default(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad is Load with a user-friendly error when no file exists.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if _, err := os.Stat(DefaultConfigPath()); os.IsNotExist(err) {
			return nil, fmt.Errorf("no configuration file found at %s\n\n"+
				"Initialize one first:\n"+
				"  soulseekd init\n\n"+
				"Or point at a custom file:\n"+
				"  soulseekd <command> --config /path/to/config.yaml",
				DefaultConfigPath())
		}
		configPath = DefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}
	return Load(configPath)
}

// Save writes the configuration as YAML. The file is 0600: it carries the
// network account password.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate runs struct-tag validation plus the per-section checks.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := cfg.Uploads.Validate(); err != nil {
		return fmt.Errorf("uploads: %w", err)
	}
	return nil
}

// ConfigDir returns the daemon's configuration directory,
// $XDG_CONFIG_HOME/soulseekd by default.
func ConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "soulseekd")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "soulseekd")
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

func setupViper(v *viper.Viper, configPath string) {
	// SOULSEEKD_LOGGING_LEVEL=DEBUG overrides logging.level, and so on.
	v.SetEnvPrefix("SOULSEEKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(ConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// durationDecodeHook parses "30s" / "5m" strings into time.Duration
// fields; bare numbers are taken as seconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch value := data.(type) {
		case string:
			return time.ParseDuration(value)
		case int:
			return time.Duration(value) * time.Second, nil
		case int64:
			return time.Duration(value) * time.Second, nil
		case float64:
			return time.Duration(value * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}
