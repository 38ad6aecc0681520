// Package config loads ipamd settings from file, environment and defaults.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	IPAM     IPAMConfig     `mapstructure:"ipam"`
}

type ServerConfig struct {
	Address  string `mapstructure:"address"`
	HTTPPort string `mapstructure:"http_port"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // postgres | mysql | sqlite
	DSN    string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type IPAMConfig struct {
	// PreferIPv4 picks the IPv4 primary address of a device over the IPv6 one.
	PreferIPv4 bool `mapstructure:"prefer_ipv4"`
	// DefaultNamespace is created on startup.
	DefaultNamespace string `mapstructure:"default_namespace"`
}

// SetDefaults registers every key, which also makes each one reachable from
// the environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.http_port", "8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:ipamd.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("ipam.prefer_ipv4", false)
	v.SetDefault("ipam.default_namespace", "Global")
}

// New returns a viper instance with defaults and IPAMD_ environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("IPAMD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (any format viper knows) when given and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if c.Server.HTTPPort == "" {
		return nil, errors.New("server.http_port must not be empty")
	}
	return &c, nil
}
