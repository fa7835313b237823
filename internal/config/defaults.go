package config

// NewDefaultConfig creates a configuration with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 4310,
			Host: "localhost",
		},
		MCP: MCPConfig{
			Enabled:           false,
			Provider:          "zapier",
			TimeoutSeconds:    30,
			MaxRetries:        3,
			MaxConcurrent:     8,
			RequestsPerSecond: 2.0,
			RequestsPerMinute: 60,
			CacheTools:        true,
			ToolCacheTTL:      300,
			ValidateParams:    true,
			ToolPrefix:        "zapier_",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
