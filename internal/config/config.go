// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// WorkerSpec describes one worker process to spawn at startup.
type WorkerSpec struct {
	Alias   string // registry key, unique per worker
	Command string
	Args    []string
}

// Config holds all application configuration for the chat host.
type Config struct {
	// Anthropic settings.
	AnthropicAPIKey  string
	AnthropicBaseURL string
	Model            string
	MaxTokens        int
	SystemPrompt     string

	// Worker settings.
	Workers           []WorkerSpec
	ConnectTimeout    time.Duration
	MaxToolIterations int // cap on model/tool round trips within one turn

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel      string
	ShutdownGrace time.Duration // budget for in-flight trace publication at exit
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	workers, err := ParseWorkers(envStr("MCPOTEL_WORKERS", "calc=calcworker"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AnthropicAPIKey:   envStr("ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL:  envStr("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		Model:             envStr("MCPOTEL_MODEL", "claude-sonnet-4-5"),
		MaxTokens:         envInt("MCPOTEL_MAX_TOKENS", 1024),
		SystemPrompt:      envStr("MCPOTEL_SYSTEM_PROMPT", ""),
		Workers:           workers,
		ConnectTimeout:    envDuration("MCPOTEL_CONNECT_TIMEOUT", 15*time.Second),
		MaxToolIterations: envInt("MCPOTEL_MAX_TOOL_ITERATIONS", 10),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:      envBool("MCPOTEL_OTEL_INSECURE", false),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "mcp-otel"),
		LogLevel:          envStr("MCPOTEL_LOG_LEVEL", "info"),
		ShutdownGrace:     envDuration("MCPOTEL_SHUTDOWN_GRACE", 5*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.AnthropicAPIKey == "" {
		return fmt.Errorf("config: ANTHROPIC_API_KEY is required")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("config: MCPOTEL_MAX_TOKENS must be positive")
	}
	if c.MaxToolIterations <= 0 {
		return fmt.Errorf("config: MCPOTEL_MAX_TOOL_ITERATIONS must be positive")
	}
	if len(c.Workers) == 0 {
		return fmt.Errorf("config: MCPOTEL_WORKERS must name at least one worker")
	}
	seen := make(map[string]bool, len(c.Workers))
	for _, w := range c.Workers {
		if seen[w.Alias] {
			return fmt.Errorf("config: duplicate worker alias %q", w.Alias)
		}
		seen[w.Alias] = true
	}
	return nil
}

// ParseWorkers parses a comma-separated list of worker specs of the form
// "alias=command arg1 arg2". Whitespace splits the command from its arguments.
func ParseWorkers(s string) ([]WorkerSpec, error) {
	var specs []WorkerSpec
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		alias, cmdline, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("config: worker entry %q is not of the form alias=command", entry)
		}
		alias = strings.TrimSpace(alias)
		fields := strings.Fields(cmdline)
		if alias == "" || len(fields) == 0 {
			return nil, fmt.Errorf("config: worker entry %q is missing an alias or command", entry)
		}
		specs = append(specs, WorkerSpec{
			Alias:   alias,
			Command: fields[0],
			Args:    fields[1:],
		})
	}
	return specs, nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
