package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the agent execution core
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Services  ServicesConfig  `mapstructure:"services"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
}

// ServerConfig contains A2A HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers       map[string]LLMProvider `mapstructure:"providers"`
	DefaultProvider string                 `mapstructure:"default_provider"`
	DefaultModel    string                 `mapstructure:"default_model"`
	DefaultMaxToken int                    `mapstructure:"default_max_tokens"`
	RepairAttempts  int                    `mapstructure:"repair_attempts"`
	RetryDelay      time.Duration          `mapstructure:"retry_delay"`
}

// LLMProvider represents a single vendor endpoint
type LLMProvider struct {
	Type       string        `mapstructure:"type"` // openai, anthropic
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Model      string        `mapstructure:"model"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Normalize applies defaults for unset LLM values.
func (c LLMConfig) Normalize() LLMConfig {
	if c.DefaultMaxToken <= 0 {
		c.DefaultMaxToken = 4096
	}
	if c.RepairAttempts < 0 {
		c.RepairAttempts = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	c.DefaultProvider = strings.ToLower(strings.TrimSpace(c.DefaultProvider))
	if c.DefaultProvider == "" && len(c.Providers) > 0 {
		names := make([]string, 0, len(c.Providers))
		for name := range c.Providers {
			names = append(names, name)
		}
		sort.Strings(names)
		c.DefaultProvider = names[0]
	}
	return c
}

// Validate checks that every provider declares a known vendor type.
func (c LLMConfig) Validate() error {
	for name, p := range c.Providers {
		switch strings.ToLower(strings.TrimSpace(p.Type)) {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("llm.providers.%s.type %q is not supported", name, p.Type)
		}
	}
	if c.DefaultProvider != "" && len(c.Providers) > 0 {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			return fmt.Errorf("llm.default_provider %q is not declared under llm.providers", c.DefaultProvider)
		}
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// AgentsConfig points at the directory of agent descriptor files.
type AgentsConfig struct {
	Dir         string        `mapstructure:"dir"`
	ToolTimeout time.Duration `mapstructure:"tool_timeout"`
}

// MCPConfig declares the MCP servers agents may reference by name.
type MCPConfig struct {
	Servers     map[string]MCPServerConfig `mapstructure:"servers"`
	LoadTimeout time.Duration              `mapstructure:"load_timeout"`
	CallTimeout time.Duration              `mapstructure:"call_timeout"`
}

// MCPServerConfig describes how to reach one MCP server.
type MCPServerConfig struct {
	Host           string   `mapstructure:"host"`
	Path           string   `mapstructure:"path"`
	RequiredScopes []string `mapstructure:"required_scopes"`
}

// Normalize applies defaults for unset MCP values.
func (c MCPConfig) Normalize() MCPConfig {
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	for name, srv := range c.Servers {
		if strings.TrimSpace(srv.Host) == "" {
			srv.Host = "127.0.0.1"
		}
		if strings.TrimSpace(srv.Path) == "" {
			srv.Path = "/mcp"
		}
		c.Servers[name] = srv
	}
	return c
}

// ServicesConfig controls the process supervisor.
type ServicesConfig struct {
	LogDir         string                   `mapstructure:"log_dir"`
	HealthTimeout  time.Duration            `mapstructure:"health_timeout"`
	StopTimeout    time.Duration            `mapstructure:"stop_timeout"`
	ReapSchedule   string                   `mapstructure:"reap_schedule"`
	BinaryPatterns []string                 `mapstructure:"binary_patterns"`
	Entries        map[string]ServiceConfig `mapstructure:"entries"`
}

// ServiceConfig registers one supervised child process.
type ServiceConfig struct {
	Kind   string            `mapstructure:"kind"` // agent or mcp
	Binary string            `mapstructure:"binary"`
	Args   []string          `mapstructure:"args"`
	Port   int               `mapstructure:"port"`
	Env    map[string]string `mapstructure:"env"`
}

// Normalize applies defaults for unset supervisor values.
func (c ServicesConfig) Normalize() ServicesConfig {
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 15 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if strings.TrimSpace(c.ReapSchedule) == "" {
		c.ReapSchedule = "*/1 * * * *"
	}
	if strings.TrimSpace(c.LogDir) == "" {
		c.LogDir = filepath.Join(os.TempDir(), "agentcore", "logs")
	}
	if len(c.BinaryPatterns) == 0 {
		c.BinaryPatterns = []string{"agentcore", "-agent", "-mcp", "mcp-"}
	}
	for name, svc := range c.Entries {
		svc.Kind = strings.ToLower(strings.TrimSpace(svc.Kind))
		c.Entries[name] = svc
	}
	return c
}

// Validate checks every registered service.
func (c ServicesConfig) Validate() error {
	ports := make(map[int]string, len(c.Entries))
	for name, svc := range c.Entries {
		if svc.Kind != "agent" && svc.Kind != "mcp" {
			return fmt.Errorf("services.entries.%s.kind must be agent or mcp", name)
		}
		if strings.TrimSpace(svc.Binary) == "" {
			return fmt.Errorf("services.entries.%s.binary required", name)
		}
		if svc.Port <= 0 || svc.Port > 65535 {
			return fmt.Errorf("services.entries.%s.port must be within 1-65535", name)
		}
		if other, ok := ports[svc.Port]; ok {
			return fmt.Errorf("services.entries.%s.port %d already registered to %s", name, svc.Port, other)
		}
		ports[svc.Port] = name
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Stream   string        `mapstructure:"stream"`
}

// Enabled reports whether a redis endpoint is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

func (r RedisConfig) Validate() error {
	if !r.Enabled() {
		return nil
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	ReadURL  string        `mapstructure:"read_url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxConns int           `mapstructure:"max_conns"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// LoadConfig loads config from file and panics on any error.
func LoadConfig(path string) *Config {
	cfg, err := LoadConfigE(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}

// LoadConfigE loads config from file, returning errors instead of panicking.
func LoadConfigE(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetDefault("server.address", ":10001")
	v.SetDefault("agents.dir", "./agents")
	v.SetDefault("agents.tool_timeout", "10s")
	v.SetDefault("llm.default_max_tokens", 4096)
	v.SetDefault("llm.repair_attempts", 2)
	v.SetDefault("llm.retry_delay", "500ms")
	v.SetDefault("mcp.load_timeout", "10s")
	v.SetDefault("mcp.call_timeout", "10s")
	v.SetDefault("services.health_timeout", "15s")
	v.SetDefault("services.stop_timeout", "5s")
	v.SetDefault("services.reap_schedule", "*/1 * * * *")
	v.SetDefault("storage.redis.stream", "agentcore.events")

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, ".."))
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("AGENTCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.LLM = cfg.LLM.Normalize()
	cfg.MCP = cfg.MCP.Normalize()
	cfg.Services = cfg.Services.Normalize()

	validators := []func() error{
		cfg.Telemetry.Validate,
		cfg.LLM.Validate,
		cfg.Services.Validate,
		cfg.Storage.Redis.Validate,
		cfg.Storage.Postgres.Validate,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}
