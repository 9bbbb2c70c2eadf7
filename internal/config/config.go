// Package config provides Viper-based configuration management for facevec
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. FACEVEC_SERVER_ADDR
const EnvPrefix = "FACEVEC"

// Config represents the complete facevec configuration
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Worker WorkerConfig `mapstructure:"worker"`
	Image  ImageConfig  `mapstructure:"image"`
	Log    LogConfig    `mapstructure:"log"`
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required,hostname_port"`
	AllowedOrigin   string        `mapstructure:"allowed_origin" validate:"required,url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// WorkerConfig contains embedding engine settings
type WorkerConfig struct {
	Engines int           `mapstructure:"engines" validate:"min=1,max=64"`
	Python  string        `mapstructure:"python" validate:"required"`
	Script  string        `mapstructure:"script" validate:"required"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
	Startup time.Duration `mapstructure:"startup_timeout" validate:"gte=0"`
}

// ImageConfig contains decoder settings
type ImageConfig struct {
	MaxDimension int `mapstructure:"max_dimension" validate:"gte=0"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// flagKeys maps config keys to the cobra flag names that can override them
var flagKeys = map[string]string{
	"server.addr":             "addr",
	"server.allowed_origin":   "allowed-origin",
	"server.shutdown_timeout": "shutdown-timeout",
	"worker.engines":          "engines",
	"worker.python":           "python",
	"worker.script":           "worker-script",
	"worker.timeout":          "worker-timeout",
	"worker.startup_timeout":  "startup-timeout",
	"image.max_dimension":     "max-dimension",
	"log.level":               "log-level",
	"log.format":              "log-format",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:5001")
	v.SetDefault("server.allowed_origin", "http://localhost:3000")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("worker.engines", 1)
	v.SetDefault("worker.python", "python3")
	v.SetDefault("worker.script", "python/embed_worker.py")
	v.SetDefault("worker.timeout", 60*time.Second)
	v.SetDefault("worker.startup_timeout", 2*time.Minute)

	v.SetDefault("image.max_dimension", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load resolves configuration with precedence flags > environment (.env included) > config file > defaults.
// flags may be nil; only flags the user actually set override lower layers.
func Load(cfgFile, envFile string, flags *pflag.FlagSet) (*Config, error) {
	if err := loadDotEnv(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if flags != nil {
		for key, name := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// loadDotEnv loads KEY=VALUE pairs from path without overriding variables already set.
// A missing file is not an error.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Validate checks field constraints and reports every failing field at once
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed '%s' (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return nil
}
