package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Agent    AgentConfig    `yaml:"agent"`
	Tools    ToolsConfig    `yaml:"tools"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServerConfig struct {
	HTTPAddr       string        `yaml:"http_addr"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	WSPingInterval time.Duration `yaml:"ws_ping_interval"`
	// SlowSubscriber is "disconnect" or "drop".
	SlowSubscriber string `yaml:"slow_subscriber"`
	// WSOriginPatterns lists extra origin hosts allowed to open sockets.
	// Same-host origins are always accepted.
	WSOriginPatterns []string `yaml:"ws_origin_patterns"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	URL        string        `yaml:"url"`
	Enabled    bool          `yaml:"enabled"`
	Prefix     string        `yaml:"prefix"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Disabled  bool   `yaml:"disabled"`
}

type AgentConfig struct {
	Provider     string   `yaml:"provider"`
	Model        string   `yaml:"model"`
	APIKey       string   `yaml:"api_key"`
	MaxSteps     int      `yaml:"max_steps"`
	HistoryLimit int      `yaml:"history_limit"`
	SilentAgents []string `yaml:"silent_agents"`
	SilenceMode  string   `yaml:"silence_mode"`
}

type ToolsConfig struct {
	SQL SQLToolConfig `yaml:"sql"`
}

type SQLToolConfig struct {
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	MaxRows int    `yaml:"max_rows"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:       ":8080",
			WSPingInterval: 30 * time.Second,
			SlowSubscriber: "disconnect",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    filepath.Join("data", "convo.db"),
		},
		Redis: RedisConfig{
			Prefix:     "convo",
			SessionTTL: 24 * time.Hour,
		},
		Agent: AgentConfig{
			Provider:     "gemini",
			Model:        "gemini-2.5-flash",
			MaxSteps:     12,
			HistoryLimit: 50,
			SilentAgents: []string{"db-agent"},
			SilenceMode:  "always",
		},
		Tools: ToolsConfig{
			SQL: SQLToolConfig{MaxRows: 200},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{SamplingRate: 1},
	}
}

// Load reads .env (without overriding the real environment), then the
// optional YAML file at path, then CONVO_* environment overrides.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv("CONVO_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Redis.Enabled && strings.TrimSpace(c.Redis.URL) == "" {
		errs = append(errs, errors.New("redis.url is required when redis is enabled"))
	}
	if !c.Auth.Disabled && strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required unless auth is disabled"))
	}
	if c.Agent.MaxSteps <= 0 {
		errs = append(errs, errors.New("agent.max_steps must be positive"))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, errors.New("tracing.sampling_rate must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

func applyEnv(cfg *Config) error {
	cfg.Server.HTTPAddr = getEnv("CONVO_HTTP_ADDR", cfg.Server.HTTPAddr)
	cfg.Server.MetricsAddr = getEnv("CONVO_METRICS_ADDR", cfg.Server.MetricsAddr)
	cfg.Server.SlowSubscriber = getEnv("CONVO_SLOW_SUBSCRIBER", cfg.Server.SlowSubscriber)
	cfg.Database.Driver = getEnv("CONVO_DB_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getEnv("CONVO_DB_DSN", cfg.Database.DSN)
	cfg.Redis.URL = getEnv("CONVO_REDIS_URL", cfg.Redis.URL)
	cfg.Redis.Prefix = getEnv("CONVO_REDIS_PREFIX", cfg.Redis.Prefix)
	cfg.Auth.JWTSecret = getEnv("CONVO_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Agent.Provider = getEnv("CONVO_AGENT_PROVIDER", cfg.Agent.Provider)
	cfg.Agent.Model = getEnv("CONVO_AGENT_MODEL", cfg.Agent.Model)
	cfg.Agent.APIKey = getEnv("CONVO_AGENT_API_KEY", cfg.Agent.APIKey)
	cfg.Agent.SilenceMode = getEnv("CONVO_SILENCE_MODE", cfg.Agent.SilenceMode)
	cfg.Tools.SQL.Driver = getEnv("CONVO_SQL_TOOL_DRIVER", cfg.Tools.SQL.Driver)
	cfg.Tools.SQL.DSN = getEnv("CONVO_SQL_TOOL_DSN", cfg.Tools.SQL.DSN)
	cfg.Logging.Level = getEnv("CONVO_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("CONVO_LOG_FORMAT", cfg.Logging.Format)
	cfg.Tracing.Endpoint = getEnv("CONVO_OTLP_ENDPOINT", cfg.Tracing.Endpoint)

	if v := os.Getenv("CONVO_SILENT_AGENTS"); v != "" {
		cfg.Agent.SilentAgents = splitList(v)
	}
	if v := os.Getenv("CONVO_WS_ORIGIN_PATTERNS"); v != "" {
		cfg.Server.WSOriginPatterns = splitList(v)
	}

	var errs []error
	parseDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	parseInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	parseBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	parseDuration("CONVO_WS_PING_INTERVAL", &cfg.Server.WSPingInterval)
	parseDuration("CONVO_SESSION_TTL", &cfg.Redis.SessionTTL)
	parseInt("CONVO_MAX_STEPS", &cfg.Agent.MaxSteps)
	parseInt("CONVO_HISTORY_LIMIT", &cfg.Agent.HistoryLimit)
	parseInt("CONVO_SQL_TOOL_MAX_ROWS", &cfg.Tools.SQL.MaxRows)
	parseBool("CONVO_REDIS_ENABLED", &cfg.Redis.Enabled)
	parseBool("CONVO_AUTH_DISABLED", &cfg.Auth.Disabled)
	parseBool("CONVO_OTLP_INSECURE", &cfg.Tracing.Insecure)

	if v := os.Getenv("CONVO_TRACE_SAMPLING_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CONVO_TRACE_SAMPLING_RATE: %w", err))
		} else {
			cfg.Tracing.SamplingRate = f
		}
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
