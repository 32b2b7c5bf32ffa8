package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the task routing service.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// GeneralConfig contains process-wide settings.
type GeneralConfig struct {
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	Listen    string `mapstructure:"listen"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains completion provider configurations.
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single completion provider configuration.
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai or openai-compatible
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration.
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model serves each kind of call.
type LLMRoutingConfig struct {
	Route    string `mapstructure:"route"`    // router refinement pass
	Stage    string `mapstructure:"stage"`    // agent stage generation
	Fallback string `mapstructure:"fallback"` // used when the others are unset
}

// PipelineConfig bounds a single pipeline run.
type PipelineConfig struct {
	MaxOutputChars int           `mapstructure:"max_output_chars"`
	MaxSourceChars int           `mapstructure:"max_source_chars"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	StageTimeout   time.Duration `mapstructure:"stage_timeout"`
}

// FetchConfig controls source URL fetching.
type FetchConfig struct {
	Mode      string        `mapstructure:"mode"` // http or browser
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxChars  int           `mapstructure:"max_chars"`
	UserAgent string        `mapstructure:"user_agent"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// TelemetryConfig contains metrics, cost tracking and tracing settings.
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	CostTracking   bool   `mapstructure:"cost_tracking"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
	PeriodicLogs   bool   `mapstructure:"periodic_logs"`
}

// SchedulerConfig controls recurring task execution.
type SchedulerConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Tick    time.Duration `mapstructure:"tick"`
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// DSN assembles a Postgres connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	port := p.Port
	if port == 0 {
		port = 5432
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", p.User, p.Password, host, port, p.DBName, ssl)
}

// Addr returns the host:port pair for the Redis client.
func (r RedisConfig) Addr() string {
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	port := r.Port
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// Load reads configuration from an optional file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("taskpilot")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TASKPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overrideFromEnv(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("general.debug", false)
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.listen", ":8080")

	v.SetDefault("llm.routing.route", "gpt-4o-mini")
	v.SetDefault("llm.routing.stage", "gpt-4o-mini")
	v.SetDefault("llm.routing.fallback", "gpt-4o-mini")
	v.SetDefault("llm.providers.openai.type", "openai")
	v.SetDefault("llm.providers.openai.timeout", "45s")
	v.SetDefault("llm.providers.openai.max_retries", 2)
	v.SetDefault("llm.providers.openai.models.gpt-4o-mini.name", "gpt-4o-mini")
	v.SetDefault("llm.providers.openai.models.gpt-4o-mini.api_name", "gpt-4o-mini")
	v.SetDefault("llm.providers.openai.models.gpt-4o-mini.max_tokens", 2000)
	v.SetDefault("llm.providers.openai.models.gpt-4o-mini.temperature", 0.0)
	v.SetDefault("llm.providers.openai.models.gpt-4o-mini.cost_per_1k_input", 0.00015)
	v.SetDefault("llm.providers.openai.models.gpt-4o-mini.cost_per_1k_output", 0.0006)

	v.SetDefault("pipeline.max_output_chars", 3000)
	v.SetDefault("pipeline.max_source_chars", 50000)
	v.SetDefault("pipeline.max_concurrent", 5)
	v.SetDefault("pipeline.stage_timeout", "2m")

	v.SetDefault("fetch.mode", "http")
	v.SetDefault("fetch.timeout", "15s")
	v.SetDefault("fetch.max_chars", 50000)
	v.SetDefault("fetch.user_agent", "taskpilot/1.0 (+https://github.com/taskpilot/taskpilot)")

	v.SetDefault("storage.postgres.host", "")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.postgres.timeout", "5s")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.timeout", "5s")

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.cost_tracking", true)
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.service_name", "taskpilot")
	v.SetDefault("telemetry.periodic_logs", false)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick", "1m")
	v.SetDefault("scheduler.lock_ttl", "2m")
}

// overrideFromEnv overrides configuration with well-known environment variables.
func overrideFromEnv(v *viper.Viper) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		v.Set("llm.providers.openai.api_key", apiKey)
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		v.Set("llm.providers.openai.base_url", baseURL)
	}
	if secret := os.Getenv("TASKPILOT_JWT_SECRET"); secret != "" {
		v.Set("general.jwt_secret", secret)
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		v.Set("storage.postgres.url", url)
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		v.Set("storage.postgres.host", host)
	}
	if port := os.Getenv("POSTGRES_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			v.Set("storage.postgres.port", p)
		}
	}
	if user := os.Getenv("POSTGRES_USER"); user != "" {
		v.Set("storage.postgres.user", user)
	}
	if pass := os.Getenv("POSTGRES_PASSWORD"); pass != "" {
		v.Set("storage.postgres.password", pass)
	}
	if db := os.Getenv("POSTGRES_DB"); db != "" {
		v.Set("storage.postgres.dbname", db)
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		v.Set("storage.redis.host", host)
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			v.Set("storage.redis.port", p)
		}
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		v.Set("storage.redis.password", password)
	}
}

// validateConfig validates the configuration.
func validateConfig(config *Config) error {
	if len(config.LLM.Providers) == 0 {
		return fmt.Errorf("at least one LLM provider must be configured")
	}

	routingModels := []string{
		config.LLM.Routing.Route,
		config.LLM.Routing.Stage,
		config.LLM.Routing.Fallback,
	}
	for _, model := range routingModels {
		if model == "" {
			continue
		}
		found := false
		for _, provider := range config.LLM.Providers {
			for _, providerModel := range provider.Models {
				if providerModel.Name == model {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return fmt.Errorf("routing model %q not found in any provider", model)
		}
	}

	if config.Pipeline.MaxOutputChars <= 0 {
		return fmt.Errorf("pipeline.max_output_chars must be positive")
	}
	if config.Pipeline.MaxSourceChars <= 0 {
		return fmt.Errorf("pipeline.max_source_chars must be positive")
	}
	switch config.Fetch.Mode {
	case "http", "browser":
	default:
		return fmt.Errorf("fetch.mode must be http or browser, got %q", config.Fetch.Mode)
	}

	return nil
}
