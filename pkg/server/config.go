package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	DatabasePath string `toml:"database_path"`
}

type LimitsSection struct {
	MaxMessageLength  int `toml:"max_message_length"`
	MaxIdentityLength int `toml:"max_identity_length"`
}

// DefaultTOMLConfig returns the default configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:     8080,
			MetricsPort:  9090,
			DatabasePath: "~/.pipechat/pipechat.db",
		},
		Limits: LimitsSection{
			MaxMessageLength:  4096, // bytes
			MaxIdentityLength: 64,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates the default
// file if none exists, and applies environment variable overrides.
func LoadConfig(path string) (TOMLConfig, error) {
	path = ExpandPath(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist, create default config. If we can't write
		// (permissions), run on defaults without complaining.
		config := DefaultTOMLConfig()
		_ = writeDefaultConfig(path, config)
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// ExpandPath expands a leading ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(config)
}

// applyEnvOverrides applies environment variable overrides following
// the pattern PIPECHAT_SECTION_KEY, e.g. PIPECHAT_SERVER_HTTP_PORT=8081.
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("PIPECHAT_SERVER_HTTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.HTTPPort = port
		}
	}
	if val := os.Getenv("PIPECHAT_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("PIPECHAT_SERVER_DATABASE_PATH"); val != "" {
		config.Server.DatabasePath = val
	}
	if val := os.Getenv("PIPECHAT_LIMITS_MAX_MESSAGE_LENGTH"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxMessageLength = limit
		}
	}
	if val := os.Getenv("PIPECHAT_LIMITS_MAX_IDENTITY_LENGTH"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxIdentityLength = limit
		}
	}
	return config
}
