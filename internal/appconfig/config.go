package appconfig

import (
	"os"
	"path/filepath"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int            `mapstructure:"config_version" yaml:"config_version"`
	Listen        ListenConfig   `mapstructure:"listen" yaml:"listen"`
	Session       SessionConfig  `mapstructure:"session" yaml:"session"`
	Dispatch      DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// ListenConfig configures the client-facing listener.
type ListenConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// SessionConfig controls client session housekeeping.
type SessionConfig struct {
	IdleTimeoutMinutes   int `mapstructure:"idle_timeout_minutes" yaml:"idle_timeout_minutes"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
}

// DispatchConfig tunes tool dispatch policy.
type DispatchConfig struct {
	CommandTimeoutSeconds int      `mapstructure:"command_timeout_seconds" yaml:"command_timeout_seconds"`
	DeniedHosts           []string `mapstructure:"denied_hosts" yaml:"denied_hosts"`
	StartPage             string   `mapstructure:"start_page" yaml:"start_page"`
	LaunchWaitSeconds     int      `mapstructure:"launch_wait_seconds" yaml:"launch_wait_seconds"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Listen: ListenConfig{
			Addr: ":3333",
		},
		Session: SessionConfig{
			IdleTimeoutMinutes:   5,
			SweepIntervalSeconds: 60,
		},
		Dispatch: DispatchConfig{
			CommandTimeoutSeconds: 30,
			DeniedHosts:           nil,
			StartPage:             "https://example.org/",
			LaunchWaitSeconds:     15,
		},
	}
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tabmux", "config.yaml"), nil
}
