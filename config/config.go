package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research agent system
type Config struct {
	General   GeneralConfig    `mapstructure:"general"`
	Server    ServerConfig     `mapstructure:"server"`
	LLM       LLMConfig        `mapstructure:"llm"`
	Research  ResearchConfig   `mapstructure:"research"`
	Search    SearchConfig     `mapstructure:"search"`
	Fetch     FetchConfig      `mapstructure:"fetch"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Telemetry TelemetryConfig  `mapstructure:"telemetry"`
	Schedules []ScheduleConfig `mapstructure:"schedules"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address     string `mapstructure:"address"`
	AuthEnabled bool   `mapstructure:"auth_enabled"`
	JWTSecret   string `mapstructure:"jwt_secret"`
}

func (s ServerConfig) Validate() error {
	if s.AuthEnabled && strings.TrimSpace(s.JWTSecret) == "" {
		return fmt.Errorf("server.jwt_secret required when server.auth_enabled is true")
	}
	return nil
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai (covers compatible endpoints via base_url)
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// Normalize installs a default OpenAI provider and stage routing when the
// config file declares none, so a run can be driven by environment
// credentials alone.
func (c LLMConfig) Normalize() LLMConfig {
	norm := c
	if len(norm.Providers) == 0 {
		norm.Providers = map[string]LLMProvider{
			"openai": {
				Type: "openai",
				Models: map[string]LLMModel{
					"fast": {Name: "fast", APIName: "gpt-4o-mini", MaxTokens: 4096, CostPer1K: 0.00015, CostPer1KOutput: 0.0006},
					"deep": {Name: "deep", APIName: "gpt-4o", MaxTokens: 8192, CostPer1K: 0.0025, CostPer1KOutput: 0.01},
				},
			},
		}
	}
	if norm.Routing.Fallback == "" {
		norm.Routing.Fallback = "fast"
	}
	if norm.Routing.Planning == "" {
		norm.Routing.Planning = "deep"
	}
	if norm.Routing.Synthesis == "" {
		norm.Routing.Synthesis = "deep"
	}
	return norm
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string   `mapstructure:"name"`
	APIName         string   `mapstructure:"api_name"`
	MaxTokens       int      `mapstructure:"max_tokens"`
	Temperature     float64  `mapstructure:"temperature"`
	CostPer1K       float64  `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64  `mapstructure:"cost_per_1k_output"`
	Capabilities    []string `mapstructure:"capabilities"`
}

// LLMRoutingConfig defines which model handles each pipeline stage
type LLMRoutingConfig struct {
	Planning   string `mapstructure:"planning"`   // task decomposition
	Generation string `mapstructure:"generation"` // search query generation
	Summary    string `mapstructure:"summary"`    // per-task summarization
	Evaluation string `mapstructure:"evaluation"` // draft evaluation
	Synthesis  string `mapstructure:"synthesis"`  // final answer
	Fallback   string `mapstructure:"fallback"`   // used when a stage model is unset
}

// ResearchConfig contains task controller settings
type ResearchConfig struct {
	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks"`
	TaskTimeout        time.Duration `mapstructure:"task_timeout"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
}

// SearchConfig contains web search settings
type SearchConfig struct {
	Provider        string        `mapstructure:"provider"` // serper, brave, tavily
	SerperAPIKey    string        `mapstructure:"serper_api_key"`
	BraveAPIKey     string        `mapstructure:"brave_api_key"`
	TavilyAPIKey    string        `mapstructure:"tavily_api_key"`
	MaxQueries      int           `mapstructure:"max_queries"`       // queries per generation round
	ResultsPerQuery int           `mapstructure:"results_per_query"` // hits kept per query
	Timeout         time.Duration `mapstructure:"timeout"`
}

// FetchConfig contains page fetch and extraction settings
type FetchConfig struct {
	Mode      string            `mapstructure:"mode"` // http or browser
	Timeout   time.Duration     `mapstructure:"timeout"`
	MaxChars  int               `mapstructure:"max_chars"`
	UserAgent string            `mapstructure:"user_agent"`
	Policy    FetchPolicyConfig `mapstructure:"policy"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings. Leaving it entirely
// empty disables persistence; the CLI runs fully in memory without it.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Configured reports whether any Postgres connection detail was provided.
func (p PostgresConfig) Configured() bool {
	return strings.TrimSpace(p.URL) != "" || strings.TrimSpace(p.Host) != "" || strings.TrimSpace(p.DBName) != ""
}

func (p PostgresConfig) Validate() error {
	if !p.Configured() || strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// RedisConfig contains Redis connection settings. Empty host disables the
// status cache and scheduler locks.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Configured reports whether Redis was provided.
func (r RedisConfig) Configured() bool {
	return strings.TrimSpace(r.Host) != ""
}

func (r RedisConfig) Validate() error {
	if !r.Configured() {
		return nil
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required when host is provided")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
	LogFile      string `mapstructure:"log_file"`
}

// ScheduleConfig declares one recurring research run
type ScheduleConfig struct {
	Name  string `mapstructure:"name"`
	Query string `mapstructure:"query"`
	Cron  string `mapstructure:"cron"` // @hourly, @daily or a cron expression
}

// LoadConfig loads config from file, falling back to defaults plus
// TASKPLANNER_* environment variables when no file is found.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.default_timeout", "10m")
	viper.SetDefault("research.max_concurrent_tasks", 4)
	viper.SetDefault("research.task_timeout", "5m")
	viper.SetDefault("research.max_attempts", 2)
	viper.SetDefault("search.provider", "serper")
	viper.SetDefault("search.serper_api_key", "")
	viper.SetDefault("search.brave_api_key", "")
	viper.SetDefault("search.tavily_api_key", "")
	viper.SetDefault("search.max_queries", 2)
	viper.SetDefault("search.results_per_query", 2)
	viper.SetDefault("search.timeout", "15s")
	viper.SetDefault("fetch.mode", "http")
	viper.SetDefault("fetch.timeout", "15s")
	viper.SetDefault("fetch.max_chars", 2500)
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.cost_tracking", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("TASKPLANNER")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Missing file is fine when no explicit path was given: defaults
		// plus environment variables carry a full CLI run.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || path != "" {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	config.LLM = config.LLM.Normalize()
	if config.Search.SerperAPIKey == "" {
		config.Search.SerperAPIKey = os.Getenv("SERPER_API_KEY")
	}
	if config.Search.BraveAPIKey == "" {
		config.Search.BraveAPIKey = os.Getenv("BRAVE_API_KEY")
	}
	if config.Search.TavilyAPIKey == "" {
		config.Search.TavilyAPIKey = os.Getenv("TAVILY_API_KEY")
	}

	if err := config.Server.Validate(); err != nil {
		panic(err)
	}
	if err := config.Fetch.Policy.Validate(); err != nil {
		panic(err)
	}
	config.Fetch.Policy = config.Fetch.Policy.Normalize()
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	return &config
}
