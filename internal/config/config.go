// Package config resolves runtime settings from, in order of precedence:
// command-line flags (applied by the caller), environment variables with
// the MESHBANK prefix, an optional meshbank.yaml, and built-in defaults.
// A local .env file is folded into the environment first.
package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	Host          string `mapstructure:"host"`
	PortScanStart uint16 `mapstructure:"port_scan_start"`
	PortScanEnd   uint16 `mapstructure:"port_scan_end"`
	DBPath        string `mapstructure:"db_path"`
	SnapshotDir   string `mapstructure:"snapshot_dir"`
	HTTPAddr      string `mapstructure:"http_addr"`
	LogLevel      string `mapstructure:"log_level"`
}

func Load() (*Config, error) {
	// Missing .env is the normal case.
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port_scan_start", 8000)
	v.SetDefault("port_scan_end", 9000)
	v.SetDefault("db_path", "meshbank.db")
	v.SetDefault("snapshot_dir", ".")
	v.SetDefault("http_addr", "")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("MESHBANK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("meshbank")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if cfg.PortScanStart > cfg.PortScanEnd {
		return nil, errors.Errorf("port scan range inverted: %d-%d", cfg.PortScanStart, cfg.PortScanEnd)
	}
	return &cfg, nil
}
