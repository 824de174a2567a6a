package config

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds the CLI configuration for talking to a haikugate server
type Config struct {
	Server   string `yaml:"server"`
	APIKey   string `yaml:"api_key"`
	ClientID string `yaml:"client_id"`
	Language string `yaml:"language,omitempty"`
}

// Path returns the config file location, overridable by HAIKUGATE_CLI_CONFIG
func Path() (string, error) {
	if p := os.Getenv("HAIKUGATE_CLI_CONFIG"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".haikugate.yaml"), nil
}

// Load loads the configuration from the default path
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom loads the configuration at path. A missing file is an empty config.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save saves the configuration to the default path
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveTo(path, cfg)
}

// SaveTo writes cfg to path, assigning a client id on first save
func SaveTo(path string, cfg *Config) error {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Configured reports whether a server and key are set
func (c *Config) Configured() bool {
	return c.Server != "" && c.APIKey != ""
}
