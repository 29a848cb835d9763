// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package config loads the cellsock command configuration from file,
// environment and flags.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/warthog618/cellsock/serial"
)

// EnvPrefix prefixes the environment variables overriding the
// configuration, e.g. CELLSOCK_SERIAL_PORT.
const EnvPrefix = "CELLSOCK"

// Config is the cellsock command configuration.
type Config struct {
	Serial  SerialConfig  `mapstructure:"serial"`
	Log     LogConfig     `mapstructure:"log"`
	Network NetworkConfig `mapstructure:"network"`
	TLS     TLSConfig     `mapstructure:"tls"`
	SMS     SMSConfig     `mapstructure:"sms"`
}

// SerialConfig selects the modem port.
type SerialConfig struct {
	Port string `mapstructure:"port"`
	Baud int    `mapstructure:"baud"`
}

// LogConfig controls logging and wire tracing.
type LogConfig struct {
	Level string `mapstructure:"level"`
	Trace bool   `mapstructure:"trace"`
	Hex   bool   `mapstructure:"hex"`
}

// NetworkConfig describes the packet data connection.
type NetworkConfig struct {
	APN          string        `mapstructure:"apn"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	Auth         string        `mapstructure:"auth"`
	DNS          []string      `mapstructure:"dns"`
	RAT          string        `mapstructure:"rat"`
	Operator     string        `mapstructure:"operator"`
	Registration time.Duration `mapstructure:"registration"`
}

// TLSConfig describes the modem SSL context used by secure sockets.
type TLSConfig struct {
	Version         string `mapstructure:"version"`
	SecLevel        int    `mapstructure:"seclevel"`
	CACert          string `mapstructure:"cacert"`
	IgnoreLocalTime bool   `mapstructure:"ignore_local_time"`
}

// SMSConfig describes SMS submission.
type SMSConfig struct {
	SCA string `mapstructure:"sca"`
}

// SetDefaults sets the default configuration in v.
//
// Every key has a default so it may be overridden from the environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("serial.port", serial.DefaultPort())
	v.SetDefault("serial.baud", 115200)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.trace", false)
	v.SetDefault("log.hex", false)
	v.SetDefault("network.apn", "")
	v.SetDefault("network.user", "")
	v.SetDefault("network.password", "")
	v.SetDefault("network.auth", "none")
	v.SetDefault("network.dns", []string{})
	v.SetDefault("network.rat", "auto")
	v.SetDefault("network.operator", "")
	v.SetDefault("network.registration", 120*time.Second)
	v.SetDefault("tls.version", "all")
	v.SetDefault("tls.seclevel", 0)
	v.SetDefault("tls.cacert", "")
	v.SetDefault("tls.ignore_local_time", true)
	v.SetDefault("sms.sca", "")
}

// Load reads the configuration into a Config.
//
// If path is empty the file "cellsock.yaml" is searched for in the working
// directory and $HOME/.config/cellsock, and a missing file is not an error.
// Values set in the environment override the file.
func Load(v *viper.Viper, path string) (Config, error) {
	var cfg Config
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cellsock")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/cellsock")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return cfg, errors.Wrap(err, "read config")
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the enumerated settings.
func (c Config) Validate() error {
	switch strings.ToLower(c.Network.Auth) {
	case "", "none", "pap", "chap":
	default:
		return errors.Errorf("invalid network.auth %q", c.Network.Auth)
	}
	switch strings.ToLower(c.Network.RAT) {
	case "", "auto", "gsm", "lte":
	default:
		return errors.Errorf("invalid network.rat %q", c.Network.RAT)
	}
	switch strings.ToLower(c.TLS.Version) {
	case "", "all", "ssl3.0", "tls1.0", "tls1.1", "tls1.2":
	default:
		return errors.Errorf("invalid tls.version %q", c.TLS.Version)
	}
	if c.TLS.SecLevel < 0 || c.TLS.SecLevel > 2 {
		return errors.Errorf("invalid tls.seclevel %d", c.TLS.SecLevel)
	}
	if len(c.Network.DNS) > 2 {
		return errors.New("at most two network.dns servers")
	}
	return nil
}
