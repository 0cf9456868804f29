// ABOUTME: Configuration loading and parsing for agentdesk
// ABOUTME: Supports YAML files with environment variable expansion, defaults, and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete agentdesk configuration
type Config struct {
	Webhook   WebhookConfig   `yaml:"webhook"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Database  DatabaseConfig  `yaml:"database"`
	Agents    AgentsConfig    `yaml:"agents"`
	Providers ProvidersConfig `yaml:"providers"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Threads   ThreadsConfig   `yaml:"threads"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	MCP       MCPConfig       `yaml:"mcp"`
}

// WebhookConfig holds the local push-notification listener settings
type WebhookConfig struct {
	Host      string          `yaml:"host"`
	Port      int             `yaml:"port"`
	Path      string          `yaml:"path"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds inbound webhook traffic. Zero RPS disables limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Addr returns the host:port the webhook listener binds to.
func (w WebhookConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// TunnelConfig holds public ingress configuration
type TunnelConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Provider  string `yaml:"provider"` // tailscale, ngrok, or static
	Region    string `yaml:"region"`
	AuthToken string `yaml:"auth_token"`
	PublicURL string `yaml:"public_url"` // static provider only

	Tailscale TailscaleConfig `yaml:"tailscale"`
}

// TailscaleConfig holds Tailscale tsnet configuration for the Funnel tunnel
type TailscaleConfig struct {
	Hostname  string `yaml:"hostname"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig points at the agent registry file and bounds agent calls
type AgentsConfig struct {
	File           string        `yaml:"file"`
	Default        string        `yaml:"default"`
	RequestTimeout time.Duration `yaml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// ProvidersConfig points at the LLM provider file
type ProvidersConfig struct {
	File string `yaml:"file"`
}

// TasksConfig holds task tracking timing
type TasksConfig struct {
	PendingTimeout time.Duration `yaml:"-"`
	PollInterval   time.Duration `yaml:"-"`
	FinishedTTL    time.Duration `yaml:"-"`
	MaxPolls       int           `yaml:"max_polls"`

	// Raw string values for YAML unmarshaling
	PendingTimeoutRaw string `yaml:"pending_timeout"`
	PollIntervalRaw   string `yaml:"poll_interval"`
	FinishedTTLRaw    string `yaml:"finished_ttl"`
}

// ThreadsConfig holds conversation limits and the LLM system prompt
type ThreadsConfig struct {
	MaxPerOwner  int    `yaml:"max_per_owner"`
	SystemPrompt string `yaml:"system_prompt"`
}

// SecurityConfig holds webhook token settings
type SecurityConfig struct {
	SigningSecret string        `yaml:"signing_secret"`
	TokenTTL      time.Duration `yaml:"-"`

	TokenTTLRaw string `yaml:"token_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MCPConfig lists the MCP tool servers LLM threads may use
type MCPConfig struct {
	Servers       []MCPServerConfig `yaml:"servers"`
	MaxToolRounds int               `yaml:"max_tool_rounds"`
	CallTimeout   time.Duration     `yaml:"-"`

	CallTimeoutRaw string `yaml:"call_timeout"`
}

// MCPServerConfig is one MCP server. Stdio servers use Command and Args; sse
// and http servers use URL and Headers.
type MCPServerConfig struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // stdio, sse, or http
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Default   bool              `yaml:"default"` // attached to new LLM threads
}

// Default values applied when the file leaves a field empty.
const (
	DefaultWebhookHost    = "localhost"
	DefaultWebhookPort    = 8000
	DefaultWebhookPath    = "/webhook"
	DefaultMaxPerOwner    = 4
	DefaultPendingTimeout = 5 * time.Minute
	DefaultPollInterval   = time.Second
	DefaultMaxPolls       = 60
	DefaultFinishedTTL    = 10 * time.Minute
	DefaultTokenTTL       = time.Hour
	DefaultRequestTimeout = 60 * time.Second
	DefaultMaxToolRounds  = 5
	DefaultMCPCallTimeout = 30 * time.Second
	DefaultSystemPrompt   = "You are a helpful AI assistant. Provide clear, accurate, and concise responses to user queries."
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and paths rooted
// under dataDir.
func Default(dataDir string) *Config {
	cfg := &Config{}
	cfg.applyPathDefaults(dataDir)
	cfg.ApplyDefaults()
	return cfg
}

// DataDir returns the agentdesk data directory.
// Priority: XDG_DATA_HOME/agentdesk > ~/.local/share/agentdesk
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "agentdesk")
}

func (c *Config) applyPathDefaults(dataDir string) {
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(dataDir, "agentdesk.db")
	}
	if c.Agents.File == "" {
		c.Agents.File = filepath.Join(dataDir, "agents.yaml")
	}
	if c.Providers.File == "" {
		c.Providers.File = filepath.Join(dataDir, "providers.toml")
	}
}

// LoadDotEnv loads KEY=value pairs from the given files into the process
// environment. Missing files are skipped; existing variables win.
func LoadDotEnv(files ...string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("loading %s: %w", file, err)
		}
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills zero-valued fields. Unset file paths land in DataDir.
func (c *Config) ApplyDefaults() {
	c.applyPathDefaults(DataDir())
	if c.Webhook.Host == "" {
		c.Webhook.Host = DefaultWebhookHost
	}
	if c.Webhook.Port == 0 {
		c.Webhook.Port = DefaultWebhookPort
	}
	if c.Webhook.Path == "" {
		c.Webhook.Path = DefaultWebhookPath
	}
	if c.Webhook.RateLimit.RPS > 0 && c.Webhook.RateLimit.Burst == 0 {
		c.Webhook.RateLimit.Burst = int(c.Webhook.RateLimit.RPS) + 1
	}
	if c.Tunnel.Provider == "" {
		c.Tunnel.Provider = "tailscale"
	}
	if c.Tunnel.Tailscale.Hostname == "" {
		c.Tunnel.Tailscale.Hostname = "agentdesk"
	}
	if c.Agents.Default == "" {
		c.Agents.Default = "interview_prep"
	}
	if c.Agents.RequestTimeout == 0 {
		c.Agents.RequestTimeout = DefaultRequestTimeout
	}
	if c.Tasks.PendingTimeout == 0 {
		c.Tasks.PendingTimeout = DefaultPendingTimeout
	}
	if c.Tasks.PollInterval == 0 {
		c.Tasks.PollInterval = DefaultPollInterval
	}
	if c.Tasks.MaxPolls == 0 {
		c.Tasks.MaxPolls = DefaultMaxPolls
	}
	if c.Tasks.FinishedTTL == 0 {
		c.Tasks.FinishedTTL = DefaultFinishedTTL
	}
	if c.Threads.MaxPerOwner == 0 {
		c.Threads.MaxPerOwner = DefaultMaxPerOwner
	}
	if c.Threads.SystemPrompt == "" {
		c.Threads.SystemPrompt = DefaultSystemPrompt
	}
	if c.Security.TokenTTL == 0 {
		c.Security.TokenTTL = DefaultTokenTTL
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.MCP.MaxToolRounds == 0 {
		c.MCP.MaxToolRounds = DefaultMaxToolRounds
	}
	if c.MCP.CallTimeout == 0 {
		c.MCP.CallTimeout = DefaultMCPCallTimeout
	}
	for i := range c.MCP.Servers {
		if c.MCP.Servers[i].Transport == "" {
			c.MCP.Servers[i].Transport = "stdio"
		}
	}
}

var validRegions = map[string]bool{
	"us": true, "eu": true, "ap": true, "au": true, "sa": true, "jp": true, "in": true,
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Webhook.Port < 0 || c.Webhook.Port > 65535 {
		return fmt.Errorf("webhook.port %d out of range", c.Webhook.Port)
	}
	if c.Webhook.Path == "" || c.Webhook.Path[0] != '/' {
		return fmt.Errorf("webhook.path must start with /")
	}

	if c.Tunnel.Enabled {
		switch c.Tunnel.Provider {
		case "tailscale":
		case "ngrok":
			if c.Tunnel.Region != "" && !validRegions[c.Tunnel.Region] {
				return fmt.Errorf("tunnel.region %q is not one of us, eu, ap, au, sa, jp, in", c.Tunnel.Region)
			}
		case "static":
			if c.Tunnel.PublicURL == "" {
				return fmt.Errorf("tunnel.public_url is required for the static provider")
			}
		default:
			return fmt.Errorf("tunnel.provider %q must be tailscale, ngrok, or static", c.Tunnel.Provider)
		}
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Threads.MaxPerOwner < 1 {
		return fmt.Errorf("threads.max_per_owner must be at least 1")
	}

	if c.Tasks.MaxPolls < 0 {
		return fmt.Errorf("tasks.max_polls must not be negative")
	}

	if c.MCP.MaxToolRounds < 0 {
		return fmt.Errorf("mcp.max_tool_rounds must not be negative")
	}
	seen := make(map[string]bool, len(c.MCP.Servers))
	for i, s := range c.MCP.Servers {
		if s.ID == "" {
			return fmt.Errorf("mcp.servers[%d].id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("mcp.servers: duplicate id %q", s.ID)
		}
		seen[s.ID] = true
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agents.request_timeout", cfg.Agents.RequestTimeoutRaw, &cfg.Agents.RequestTimeout},
		{"tasks.pending_timeout", cfg.Tasks.PendingTimeoutRaw, &cfg.Tasks.PendingTimeout},
		{"tasks.poll_interval", cfg.Tasks.PollIntervalRaw, &cfg.Tasks.PollInterval},
		{"tasks.finished_ttl", cfg.Tasks.FinishedTTLRaw, &cfg.Tasks.FinishedTTL},
		{"security.token_ttl", cfg.Security.TokenTTLRaw, &cfg.Security.TokenTTL},
		{"mcp.call_timeout", cfg.MCP.CallTimeoutRaw, &cfg.MCP.CallTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
