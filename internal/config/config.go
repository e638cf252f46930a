// Package config handles Drover configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./drover.yaml, ~/.config/drover/config.yaml, /etc/drover/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"drover.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "drover", "config.yaml"))
	}

	paths = append(paths, "/etc/drover/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Drover configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Backends  []BackendConfig `yaml:"backends"`
	Routing   RoutingConfig   `yaml:"routing"`
	Context   ContextConfig   `yaml:"context"`
	Approval  ApprovalConfig  `yaml:"approval"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Tools     ToolsConfig     `yaml:"tools"`
	MCP       MCPConfig       `yaml:"mcp"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// BackendConfig defines a single text-generation backend. Order in the
// config file is the fallback priority order within each tier.
type BackendConfig struct {
	ID       string `yaml:"id"`       // Unique backend identifier
	Provider string `yaml:"provider"` // ollama, anthropic, openai
	Tier     string `yaml:"tier"`     // local or cloud
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	// CostPerKTokens is the blended USD price per thousand tokens, used
	// only for the savings estimate. Zero for local backends.
	CostPerKTokens float64 `yaml:"cost_per_k_tokens"`
}

// RoutingConfig controls tier selection.
type RoutingConfig struct {
	// ForceCloud and ForceLocal are global overrides. Setting both is a
	// configuration error.
	ForceCloud bool `yaml:"force_cloud"`
	ForceLocal bool `yaml:"force_local"`
	// LocalThreshold is the highest complexity level still routed to the
	// local tier: "simple" (default) or "moderate".
	LocalThreshold string `yaml:"local_threshold"`
}

// ContextConfig controls the conversation window budget.
type ContextConfig struct {
	MaxTokens       int     `yaml:"max_tokens"`       // Context window budget (default 8192)
	ResponseReserve int     `yaml:"response_reserve"` // Tokens reserved for the reply (default 1024)
	MaxResponse     int     `yaml:"max_response"`     // Max tokens a backend may generate
	Temperature     float64 `yaml:"temperature"`
	MaxIterations   int     `yaml:"max_iterations"` // Agent loop iteration cap (default 10)
}

// ApprovalConfig selects the tool-approval mode.
type ApprovalConfig struct {
	Mode string `yaml:"mode"` // conservative, balanced, trust
}

// RateLimitConfig bounds per-session request rates on the API surface.
type RateLimitConfig struct {
	PerSessionRPS float64 `yaml:"per_session_rps"` // Requests per second (default 2)
	Burst         int     `yaml:"burst"`           // Burst allowance (default 5)
}

// ToolsConfig controls which built-in tools are registered.
type ToolsConfig struct {
	// WorkspaceDir confines file tools. Empty disables them.
	WorkspaceDir string       `yaml:"workspace_dir"`
	Shell        ShellConfig  `yaml:"shell"`
	Search       SearchConfig `yaml:"search"`
}

// ShellConfig controls the run_command tool.
type ShellConfig struct {
	Enabled     bool     `yaml:"enabled"` // Off by default
	WorkingDir  string   `yaml:"working_dir"`
	AllowedCmds []string `yaml:"allowed_cmds"` // Prefix allowlist; empty allows all
	DeniedCmds  []string `yaml:"denied_cmds"`  // Substring denylist, merged with built-in defaults
	TimeoutSec  int      `yaml:"timeout_sec"`  // Per-command default (default 30)
}

// SearchConfig selects the web search provider.
type SearchConfig struct {
	Provider    string `yaml:"provider"` // searxng or brave; empty disables web_search
	SearXNGURL  string `yaml:"searxng_url"`
	BraveAPIKey string `yaml:"brave_api_key"`
}

// MCPConfig lists external MCP tool servers.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig defines one external tool server. Its tools are
// bridged into the registry under "mcp_{name}_{tool}" names.
type MCPServerConfig struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"` // stdio or http
	// stdio transport: subprocess command line and extra environment.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	// http transport: endpoint and request headers.
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	// IncludeTools is an allowlist by MCP tool name; when empty,
	// everything except ExcludeTools is bridged.
	IncludeTools []string `yaml:"include_tools"`
	ExcludeTools []string `yaml:"exclude_tools"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks for contradictory or incomplete settings.
func (c *Config) Validate() error {
	if c.Routing.ForceCloud && c.Routing.ForceLocal {
		return fmt.Errorf("routing: force_cloud and force_local are mutually exclusive")
	}
	seen := make(map[string]bool)
	for _, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("backend with provider %q has no id", b.Provider)
		}
		if seen[b.ID] {
			return fmt.Errorf("duplicate backend id %q", b.ID)
		}
		seen[b.ID] = true
		switch b.Tier {
		case "local", "cloud":
		default:
			return fmt.Errorf("backend %q: unknown tier %q (valid: local, cloud)", b.ID, b.Tier)
		}
	}
	switch c.Tools.Search.Provider {
	case "", "searxng", "brave":
	default:
		return fmt.Errorf("tools: unknown search provider %q (valid: searxng, brave)", c.Tools.Search.Provider)
	}
	seenMCP := make(map[string]bool)
	for _, s := range c.MCP.Servers {
		if s.Name == "" {
			return fmt.Errorf("mcp: server with transport %q has no name", s.Transport)
		}
		if seenMCP[s.Name] {
			return fmt.Errorf("mcp: duplicate server name %q", s.Name)
		}
		seenMCP[s.Name] = true
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				return fmt.Errorf("mcp: server %q: stdio transport needs a command", s.Name)
			}
		case "http":
			if s.URL == "" {
				return fmt.Errorf("mcp: server %q: http transport needs a url", s.Name)
			}
		default:
			return fmt.Errorf("mcp: server %q: unknown transport %q (valid: stdio, http)", s.Name, s.Transport)
		}
	}
	return nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Backends: []BackendConfig{
			{
				ID:       "ollama-local",
				Provider: "ollama",
				Tier:     "local",
				BaseURL:  "http://localhost:11434",
				Model:    "qwen3:4b",
			},
		},
		Routing: RoutingConfig{LocalThreshold: "simple"},
		Context: ContextConfig{
			MaxTokens:       8192,
			ResponseReserve: 1024,
			MaxResponse:     4096,
			Temperature:     0.7,
			MaxIterations:   10,
		},
		Approval:  ApprovalConfig{Mode: "balanced"},
		RateLimit: RateLimitConfig{PerSessionRPS: 2, Burst: 5},
	}
}
