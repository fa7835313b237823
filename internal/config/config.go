package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	MCP     MCPConfig     `toml:"mcp"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig contains the ops HTTP server settings.
type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// MCPConfig contains MCP gateway client settings. The gateway URL itself is
// not configured here: it is a secret and is read from the environment by the
// security manager.
type MCPConfig struct {
	Enabled           bool    `toml:"enabled"`
	Provider          string  `toml:"provider"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
	MaxRetries        int     `toml:"max_retries"`
	MaxConcurrent     int     `toml:"max_concurrent"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	RequestsPerMinute int     `toml:"requests_per_minute"`
	CacheTools        bool    `toml:"cache_tools"`
	ToolCacheTTL      int     `toml:"tool_cache_ttl_seconds"`
	ValidateParams    bool    `toml:"validate_params"`
	ToolPrefix        string  `toml:"tool_prefix"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Format     string   `toml:"format"`
	Outputs    []string `toml:"outputs"`
	FilePath   string   `toml:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb"`
	MaxBackups int      `toml:"max_backups"`
}

// LoadFromFile loads configuration with priority: defaults -> file -> env.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// defaults -> file1 -> file2 -> ... -> env.
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		err = toml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies ATTENDANT_* environment variable overrides, plus
// the MCP_ENABLED switch shared with the security manager.
func applyEnvOverrides(config *Config) {
	if port := os.Getenv("ATTENDANT_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("ATTENDANT_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if level := os.Getenv("ATTENDANT_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("ATTENDANT_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if enabled := os.Getenv("MCP_ENABLED"); enabled != "" {
		config.MCP.Enabled = strings.EqualFold(enabled, "true")
	}
	if timeout := os.Getenv("ATTENDANT_MCP_TIMEOUT"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil && t > 0 {
			config.MCP.TimeoutSeconds = t
		}
	}
	if retries := os.Getenv("ATTENDANT_MCP_MAX_RETRIES"); retries != "" {
		if r, err := strconv.Atoi(retries); err == nil && r >= 0 {
			config.MCP.MaxRetries = r
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate returns a list of configuration problems. An empty list means the
// configuration is usable.
func (c *Config) Validate() []string {
	var issues []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		issues = append(issues, fmt.Sprintf("server.port must be between 1 and 65535 (got %d)", c.Server.Port))
	}
	if c.MCP.TimeoutSeconds <= 0 {
		issues = append(issues, "mcp.timeout_seconds must be positive")
	}
	if c.MCP.MaxRetries < 0 {
		issues = append(issues, "mcp.max_retries must not be negative")
	}
	if c.MCP.RequestsPerSecond <= 0 {
		issues = append(issues, "mcp.requests_per_second must be positive")
	}
	if c.MCP.RequestsPerMinute <= 0 {
		issues = append(issues, "mcp.requests_per_minute must be positive")
	}
	if c.MCP.MaxConcurrent <= 0 {
		issues = append(issues, "mcp.max_concurrent must be positive")
	}
	if c.MCP.ToolCacheTTL <= 0 {
		issues = append(issues, "mcp.tool_cache_ttl_seconds must be positive")
	}
	return issues
}
