// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	LLM        LLMRouterConfig  `mapstructure:"llm" yaml:"llm"`
	Runner     RunnerConfig     `mapstructure:"runner" yaml:"runner"`
	Validation ValidationConfig `mapstructure:"validation" yaml:"validation"`
	Breaker    BreakerConfig    `mapstructure:"breaker" yaml:"breaker"`
	Cases      CasesConfig      `mapstructure:"cases" yaml:"cases"`
	Target     TargetConfig     `mapstructure:"target" yaml:"target"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
}

// LoggerConfig defines the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// Snapshot store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// DatabaseConfig selects and configures the snapshot store.
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver" yaml:"driver"`
	URL        string `mapstructure:"url" yaml:"url"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	MaxConns   int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// ViewportConfig is the browser window size.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// BrowserConfig holds settings for the headless browser.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	DisableGPU        bool           `mapstructure:"disable_gpu" yaml:"disable_gpu"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ExecPath          string         `mapstructure:"exec_path" yaml:"exec_path"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration  `mapstructure:"action_timeout" yaml:"action_timeout"`
	PostLoadWait      time.Duration  `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	// ResetStorage clears cookies and web storage between cases. Off by default
	// so that a login performed by one case carries into the next.
	ResetStorage bool `mapstructure:"reset_storage" yaml:"reset_storage"`
	// AllowedURLs are glob patterns restricting agent navigation. Empty allows all.
	AllowedURLs   []string `mapstructure:"allowed_urls" yaml:"allowed_urls"`
	MaxTextLength int      `mapstructure:"max_text_length" yaml:"max_text_length"`
	MaxElements   int      `mapstructure:"max_elements" yaml:"max_elements"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderOpenAI LLMProvider = "openai"
	ProviderOllama LLMProvider = "ollama"
)

// LLMRouterConfig configures the model routing logic.
type LLMRouterConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
	// RequestsPerMinute paces outgoing calls across all tiers. Zero disables pacing.
	RequestsPerMinute float64 `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP        float32       `mapstructure:"top_p" yaml:"top_p"`
	TopK        int           `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	// MaxRetryElapsed bounds retries of transient provider failures. Rate
	// limit responses are never retried.
	MaxRetryElapsed time.Duration `mapstructure:"max_retry_elapsed" yaml:"max_retry_elapsed"`
}

// RunnerConfig bounds the execution of cases and runs.
type RunnerConfig struct {
	StopLossThreshold     int           `mapstructure:"stop_loss_threshold" yaml:"stop_loss_threshold"`
	MaxStepsPerCase       int           `mapstructure:"max_steps_per_case" yaml:"max_steps_per_case"`
	CaseTimeout           time.Duration `mapstructure:"case_timeout" yaml:"case_timeout"`
	RunTimeout            time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	DecisionTimeout       time.Duration `mapstructure:"decision_timeout" yaml:"decision_timeout"`
	HistoryWindow         int           `mapstructure:"history_window" yaml:"history_window"`
	MaxConcurrentSessions int64         `mapstructure:"max_concurrent_sessions" yaml:"max_concurrent_sessions"`
	ExploreTimeout        time.Duration `mapstructure:"explore_timeout" yaml:"explore_timeout"`
}

// Rollback modes for the validation engine.
const (
	RollbackSnapshot  = "snapshot"
	RollbackReexecute = "reexecute"
)

// ValidationConfig tunes how case verdicts are reached.
type ValidationConfig struct {
	FuzzyThreshold float64 `mapstructure:"fuzzy_threshold" yaml:"fuzzy_threshold"`
	RollbackMode   string  `mapstructure:"rollback_mode" yaml:"rollback_mode"`
}

// BreakerConfig configures the rate-limit circuit breaker.
type BreakerConfig struct {
	// TripAfter is the number of rate-limit responses observed before tripping.
	TripAfter int `mapstructure:"trip_after" yaml:"trip_after"`
}

// CasesConfig configures case generation and the existing case corpus.
type CasesConfig struct {
	CorpusFile   string `mapstructure:"corpus_file" yaml:"corpus_file"`
	MaxGenerated int    `mapstructure:"max_generated" yaml:"max_generated"`
}

// TargetConfig supplies a fallback target when an intent names no URL.
type TargetConfig struct {
	DefaultURL string `mapstructure:"default_url" yaml:"default_url"`
}

// ServerConfig configures the operator-facing HTTP server.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "autoqa")
	v.SetDefault("logger.log_file", "autoqa.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Database --
	v.SetDefault("database.driver", StoreMemory)
	v.SetDefault("database.sqlite_path", "autoqa.db")
	v.SetDefault("database.max_conns", 10)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_gpu", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.viewport.width", 1366)
	v.SetDefault("browser.viewport.height", 768)
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.action_timeout", "20s")
	v.SetDefault("browser.post_load_wait", "750ms")
	v.SetDefault("browser.reset_storage", false)
	v.SetDefault("browser.max_text_length", 4000)
	v.SetDefault("browser.max_elements", 60)

	// -- LLM --
	v.SetDefault("llm.default_fast_model", "gemini-2.5-flash")
	v.SetDefault("llm.default_powerful_model", "gemini-2.5-pro")
	v.SetDefault("llm.requests_per_minute", 60)
	v.SetDefault("llm.burst", 5)

	// -- Runner --
	v.SetDefault("runner.stop_loss_threshold", 3)
	v.SetDefault("runner.max_steps_per_case", 25)
	v.SetDefault("runner.case_timeout", "5m")
	v.SetDefault("runner.run_timeout", "1h")
	v.SetDefault("runner.decision_timeout", "60s")
	v.SetDefault("runner.history_window", 8)
	v.SetDefault("runner.max_concurrent_sessions", 4)
	v.SetDefault("runner.explore_timeout", "2m")

	// -- Validation --
	v.SetDefault("validation.fuzzy_threshold", 0.6)
	v.SetDefault("validation.rollback_mode", RollbackSnapshot)

	// -- Breaker --
	v.SetDefault("breaker.trip_after", 1)

	// -- Cases --
	v.SetDefault("cases.max_generated", 8)

	// -- Server --
	v.SetDefault("server.listen_addr", "127.0.0.1:8089")
	v.SetDefault("server.shutdown_timeout", "15s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("database.url", "AUTOQA_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.applyAPIKeysFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyAPIKeysFromEnv fills missing provider API keys from the conventional
// environment variables so keys never have to live in the config file.
func (c *Config) applyAPIKeysFromEnv() {
	for name, m := range c.LLM.Models {
		if m.APIKey != "" {
			continue
		}
		switch m.Provider {
		case ProviderGemini:
			m.APIKey = os.Getenv("GEMINI_API_KEY")
		case ProviderOpenAI:
			m.APIKey = os.Getenv("OPENAI_API_KEY")
		}
		c.LLM.Models[name] = m
	}
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Runner.StopLossThreshold <= 0 {
		return fmt.Errorf("runner.stop_loss_threshold must be a positive integer")
	}
	if c.Runner.MaxStepsPerCase <= 0 {
		return fmt.Errorf("runner.max_steps_per_case must be a positive integer")
	}
	if c.Runner.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("runner.max_concurrent_sessions must be a positive integer")
	}
	if c.Validation.FuzzyThreshold <= 0 || c.Validation.FuzzyThreshold > 1 {
		return fmt.Errorf("validation.fuzzy_threshold must be in (0, 1]")
	}
	switch c.Validation.RollbackMode {
	case RollbackSnapshot, RollbackReexecute:
	default:
		return fmt.Errorf("validation.rollback_mode must be %q or %q", RollbackSnapshot, RollbackReexecute)
	}
	if c.Breaker.TripAfter <= 0 {
		return fmt.Errorf("breaker.trip_after must be a positive integer")
	}
	switch c.Database.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required for the sqlite driver")
		}
	case StorePostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database.driver: %q", c.Database.Driver)
	}
	for name, m := range c.LLM.Models {
		switch m.Provider {
		case ProviderGemini, ProviderOpenAI, ProviderOllama:
		default:
			return fmt.Errorf("llm.models.%s: unsupported provider %q", name, m.Provider)
		}
	}
	return nil
}
