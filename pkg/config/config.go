// Package config holds the daemon's file configuration.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config is the daemon configuration, loaded from a TOML file. Every field
// has a usable default so the daemon runs with no config file at all.
type Config struct {
	// ListenPort is the TCP port bound on both loopback addresses.
	ListenPort int `toml:"listen_port"`

	// SerialFile is read once at startup to answer GET system.info.serial.
	SerialFile string `toml:"serial_file"`

	// SysfsRoot overrides the power_supply class directory. Only useful in
	// tests and development.
	SysfsRoot string `toml:"sysfs_root"`

	// LogFile, when set, sends logs to a rotated file instead of stderr.
	LogFile string `toml:"log_file"`

	// LogLevel sets the logging output to the desired level.
	LogLevel string `toml:"log_level"`

	// BroadcastWall controls whether critical transitions broadcast a wall
	// message to logged-in users.
	BroadcastWall bool `toml:"broadcast_wall"`

	// ShutdownOnCritical controls whether critical transitions run the
	// shutdown command.
	ShutdownOnCritical bool `toml:"shutdown_on_critical"`

	// ShutdownCommand is what gets executed on a critical transition.
	ShutdownCommand string `toml:"shutdown_command"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenPort:         31313,
		SerialFile:         "/etc/machine-id",
		LogLevel:           "info",
		BroadcastWall:      true,
		ShutdownOnCritical: true,
		ShutdownCommand:    "poweroff",
	}
}

// New loads configuration from cfgFile, or returns the defaults when
// cfgFile is empty or does not exist.
func New(cfgFile string) (*Config, error) {
	cfg := Default()
	if cfgFile == "" {
		return cfg, nil
	}
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		logrus.Debugf("config file %s not found, using defaults", cfgFile)
		return cfg, nil
	}
	if _, err := toml.DecodeFile(cfgFile, cfg); err != nil {
		return nil, errors.Wrap(err, "decoding toml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen_port %d", c.ListenPort)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.ShutdownOnCritical && c.ShutdownCommand == "" {
		return fmt.Errorf("shutdown_on_critical requires shutdown_command")
	}
	return nil
}

// LogrusFields summarizes the config for the startup log line.
func (c *Config) LogrusFields() logrus.Fields {
	return logrus.Fields{
		"listenPort":         c.ListenPort,
		"serialFile":         c.SerialFile,
		"logLevel":           c.LogLevel,
		"broadcastWall":      c.BroadcastWall,
		"shutdownOnCritical": c.ShutdownOnCritical,
	}
}
