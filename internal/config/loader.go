package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads oma's configuration from configPath, or searches the standard
// locations (XDG_CONFIG_HOME, then $HOME/.config, then /etc) if configPath
// is empty. A missing file anywhere in the search is not an error: an
// all-defaults Config is returned so oma works unconfigured against the
// host's own /.
func Load(configPath string) (*Config, error) {
	cfgFile, err := findConfigFile(configPath)
	if err != nil {
		cfg := &Config{}
		cfg.defaults()
		return cfg, nil
	}

	configDir := filepath.Dir(cfgFile)
	data, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.ConfigDir = configDir
	cfg.defaults()

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// findConfigFile searches for the configuration file in standard locations.
func findConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if !fileExists(explicitPath) {
			return "", os.ErrNotExist
		}
		return explicitPath, nil
	}

	var candidates []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "oma", "config.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "oma", "config.yaml"))
	}
	candidates = append(candidates, "/etc/oma/config.yaml")

	for _, file := range candidates {
		if fileExists(file) {
			return file, nil
		}
	}

	return "", os.ErrNotExist
}

// fileExists checks if a file exists.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
