package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/guardrails"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/llm"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/session"
)

// EnvConfigPath names the config file when no flag is given.
const EnvConfigPath = "JSON_EDITOR_CONFIG"

type Config struct {
	Addr            string        `yaml:"addr"`
	CORSOrigin      string        `yaml:"cors_origin"`
	LogLevel        string        `yaml:"log_level"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	PreferRedis     bool          `yaml:"prefer_redis"`
	MaxDocumentSize int           `yaml:"max_document_size"`
	MaxNestingDepth int           `yaml:"max_nesting_depth"`
	CleanupSchedule string        `yaml:"cleanup_schedule"`
	// Postgres is optional; without it applied changes are not audited.
	DatabaseURL   string `yaml:"database_url"`
	MigrationsDir string `yaml:"migrations_dir"`

	Redis      Redis             `yaml:"redis"`
	Guardrails guardrails.Config `yaml:"guardrails"`
	LLM        llm.Config        `yaml:"llm"`
}

// Redis is optional. URL wins over the discrete fields when both are set.
type Redis struct {
	URL         string        `yaml:"url"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	PoolSize    int           `yaml:"pool_size"`
}

// Enabled reports whether any Redis endpoint is configured.
func (r Redis) Enabled() bool {
	return r.URL != "" || r.Host != ""
}

// Options converts the settings for session.NewRedisStoreFromOptions. The
// dial timeout also bounds the startup ping.
func (r Redis) Options() session.RedisOptions {
	return session.RedisOptions{
		URL:         r.URL,
		PingTimeout: r.DialTimeout,
		Addr:        fmt.Sprintf("%s:%d", r.Host, r.Port),
		Password:    r.Password,
		DB:          r.DB,
		DialTimeout: r.DialTimeout,
		ReadTimeout: r.ReadTimeout,
		PoolSize:    r.PoolSize,
	}
}

func Default() Config {
	return Config{
		Addr:            ":8787",
		CORSOrigin:      "*",
		LogLevel:        "info",
		SessionTTL:      session.DefaultTTL,
		MaxDocumentSize: 10 << 20,
		MaxNestingDepth: 100,
		CleanupSchedule: session.DefaultCleanupSchedule,
		MigrationsDir:   "./db/migrations",
		Redis: Redis{
			Port:        6379,
			DialTimeout: 5 * time.Second,
			ReadTimeout: 3 * time.Second,
			PoolSize:    10,
		},
		Guardrails: guardrails.DefaultConfig(),
		LLM: llm.Config{
			Provider:   "openai",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			RetryDelay: time.Second,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (if any), then the environment, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Addr = getenv("API_ADDR", c.Addr)
	c.CORSOrigin = getenv("CORS_ORIGIN", c.CORSOrigin)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.SessionTTL = time.Duration(getenvInt("SESSION_TTL_SECONDS", int(c.SessionTTL/time.Second))) * time.Second
	c.PreferRedis = getenvBool("PREFER_REDIS", c.PreferRedis)
	c.MaxDocumentSize = getenvInt("MAX_DOCUMENT_SIZE", c.MaxDocumentSize)
	c.MaxNestingDepth = getenvInt("MAX_NESTING_DEPTH", c.MaxNestingDepth)
	c.CleanupSchedule = getenv("CLEANUP_SCHEDULE", c.CleanupSchedule)
	c.DatabaseURL = getenv("DATABASE_URL", c.DatabaseURL)
	c.MigrationsDir = getenv("MIGRATIONS_DIR", c.MigrationsDir)

	c.Redis.URL = getenv("REDIS_URL", c.Redis.URL)
	c.Redis.Host = getenv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getenvInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getenv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getenvInt("REDIS_DB", c.Redis.DB)

	g := &c.Guardrails
	g.Enabled = getenvBool("GUARDRAILS_ENABLED", g.Enabled)
	g.MaxChangesPerRequest = getenvInt("GUARDRAILS_MAX_CHANGES", g.MaxChangesPerRequest)
	g.MaxInstructionLength = getenvInt("GUARDRAILS_MAX_INSTRUCTION_LENGTH", g.MaxInstructionLength)
	g.PreventDeletions = getenvBool("GUARDRAILS_PREVENT_DELETIONS", g.PreventDeletions)
	g.AllowEmptyValues = getenvBool("GUARDRAILS_ALLOW_EMPTY_VALUES", g.AllowEmptyValues)
	g.AllowedJSONTypes = getenvList("GUARDRAILS_ALLOWED_TYPES", g.AllowedJSONTypes)
	g.ForbiddenPatterns = getenvList("GUARDRAILS_FORBIDDEN_PATTERNS", g.ForbiddenPatterns)

	c.LLM.Provider = getenv("LLM_PROVIDER", c.LLM.Provider)
	c.LLM.BaseURL = getenv("LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.APIKey = getenv("LLM_API_KEY", getenv("OPENAI_API_KEY", c.LLM.APIKey))
	c.LLM.Model = getenv("LLM_MODEL", c.LLM.Model)
	c.LLM.Timeout = time.Duration(getenvInt("LLM_TIMEOUT_SECONDS", int(c.LLM.Timeout/time.Second))) * time.Second
	c.LLM.MaxRetries = getenvInt("LLM_MAX_RETRIES", c.LLM.MaxRetries)
}

// Validate checks every bounded setting and reports all violations at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Addr != "", "addr must not be empty")
	check(c.SessionTTL >= time.Minute && c.SessionTTL <= 24*time.Hour,
		"session_ttl must be between 60 and 86400 seconds, got %v", c.SessionTTL)
	check(c.MaxDocumentSize >= 1<<10 && c.MaxDocumentSize <= 100<<20,
		"max_document_size must be between 1KiB and 100MiB, got %d", c.MaxDocumentSize)
	check(c.MaxNestingDepth >= 10 && c.MaxNestingDepth <= 1000,
		"max_nesting_depth must be between 10 and 1000, got %d", c.MaxNestingDepth)
	if c.CleanupSchedule != "" {
		_, err := session.ParseSchedule(c.CleanupSchedule)
		check(err == nil, "cleanup_schedule: %v", err)
	}
	check(c.Redis.DB >= 0, "redis.db must not be negative")

	g := c.Guardrails
	check(g.MaxChangesPerRequest >= 1 && g.MaxChangesPerRequest <= 1000,
		"guardrails.max_changes_per_request must be between 1 and 1000, got %d", g.MaxChangesPerRequest)
	check(g.MaxInstructionLength >= 10 && g.MaxInstructionLength <= 50000,
		"guardrails.max_instruction_length must be between 10 and 50000, got %d", g.MaxInstructionLength)
	for _, kind := range g.AllowedJSONTypes {
		check(isKnownKind(kind), "guardrails.allowed_json_types: unknown type %q", kind)
	}

	check(llm.KnownProvider(c.LLM.Provider),
		"llm.provider must be one of openai, custom, gemini, got %q", c.LLM.Provider)
	check(!strings.EqualFold(strings.TrimSpace(c.LLM.Provider), llm.ProviderCustom) || strings.TrimSpace(c.LLM.BaseURL) != "",
		"llm.base_url is required for the custom provider")
	check(c.LLM.Timeout >= time.Second && c.LLM.Timeout <= 300*time.Second,
		"llm.timeout must be between 1 and 300 seconds, got %v", c.LLM.Timeout)
	check(c.LLM.MaxRetries >= 0 && c.LLM.MaxRetries <= 10,
		"llm.max_retries must be between 0 and 10, got %d", c.LLM.MaxRetries)

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func isKnownKind(kind string) bool {
	switch guardrails.Kind(kind) {
	case guardrails.KindString, guardrails.KindNumber, guardrails.KindBoolean,
		guardrails.KindArray, guardrails.KindObject, guardrails.KindNull:
		return true
	}
	return false
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvList splits a comma separated variable, dropping blanks.
func getenvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
