package appconfig

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("listen.addr", cfg.Listen.Addr)
	v.SetDefault("session.idle_timeout_minutes", cfg.Session.IdleTimeoutMinutes)
	v.SetDefault("session.sweep_interval_seconds", cfg.Session.SweepIntervalSeconds)
	v.SetDefault("dispatch.command_timeout_seconds", cfg.Dispatch.CommandTimeoutSeconds)
	v.SetDefault("dispatch.denied_hosts", cfg.Dispatch.DeniedHosts)
	v.SetDefault("dispatch.start_page", cfg.Dispatch.StartPage)
	v.SetDefault("dispatch.launch_wait_seconds", cfg.Dispatch.LaunchWaitSeconds)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return Config{}, err
			}
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.Listen.Addr = expandEnv(cfg.Listen.Addr)
	cfg.Dispatch.StartPage = expandEnv(cfg.Dispatch.StartPage)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Listen.Addr) == "" {
		return fmt.Errorf("listen.addr must not be empty")
	}
	startPage := strings.TrimSpace(cfg.Dispatch.StartPage)
	if startPage != "" {
		parsed, err := url.Parse(startPage)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("dispatch.start_page must include scheme and host (e.g. https://example.org)")
		}
	}
	for _, host := range cfg.Dispatch.DeniedHosts {
		if strings.Contains(host, "://") || strings.ContainsAny(host, "/?#") {
			return fmt.Errorf("dispatch.denied_hosts entry %q must be a bare hostname", host)
		}
	}
	if cfg.Session.IdleTimeoutMinutes < 0 {
		return fmt.Errorf("session.idle_timeout_minutes must not be negative")
	}
	if cfg.Dispatch.CommandTimeoutSeconds < 0 {
		return fmt.Errorf("dispatch.command_timeout_seconds must not be negative")
	}
	return nil
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
