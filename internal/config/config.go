// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.stockdesk/config.yaml or ./config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - AI: Gemini model for chat, embedder model for the knowledge index
//   - Market data: Polygon API key, base URL, upstream rate limit
//   - Chat: agent loop iteration cap, conversation retention window
//   - Storage: PostgreSQL connection for the knowledge store
//
// Security: API keys and passwords are masked in MarshalJSON/String.
// Validation: fail-fast range checks with sentinel errors for errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the chat model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidMaxTurns indicates the agent loop iteration cap is out of range.
	ErrInvalidMaxTurns = errors.New("invalid max turns")

	// ErrInvalidRetention indicates the conversation retention window is out of range.
	ErrInvalidRetention = errors.New("invalid conversation retention")

	// ErrInvalidRateLimit indicates the market-data rate limit is out of range.
	ErrInvalidRateLimit = errors.New("invalid market rate limit")

	// ErrInvalidPort indicates the listen port is out of range.
	ErrInvalidPort = errors.New("invalid port")

	// ErrInvalidPostgresURL indicates the PostgreSQL connection URL is malformed.
	ErrInvalidPostgresURL = errors.New("invalid PostgreSQL URL")
)

const (
	// DefaultGeminiModel is the chat model used for the agent loop.
	DefaultGeminiModel = "gemini-2.5-flash"

	// DefaultEmbedderModel produces vectors for the knowledge index.
	// gemini-embedding-001 is truncated to 768 dimensions to match the
	// pgvector schema; see knowledge.VectorDimension.
	DefaultEmbedderModel = "gemini-embedding-001"

	// DefaultMaxTurns caps model-turn round-trips per user message.
	DefaultMaxTurns = 5

	// DefaultConversationRetention is how long idle conversations are kept.
	DefaultConversationRetention = 24 * time.Hour

	// DefaultMarketRequestsPerMinute matches the Polygon free-tier limit.
	DefaultMarketRequestsPerMinute = 5
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// HTTP server
	Port        int      `mapstructure:"port" json:"port"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`

	// AI configuration
	GeminiAPIKey  string `mapstructure:"gemini_api_key" json:"gemini_api_key"` // SENSITIVE: masked in MarshalJSON
	GeminiModel   string `mapstructure:"gemini_model" json:"gemini_model"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`

	// Market data (Polygon)
	PolygonAPIKey           string `mapstructure:"polygon_api_key" json:"polygon_api_key"` // SENSITIVE: masked in MarshalJSON
	PolygonBaseURL          string `mapstructure:"polygon_base_url" json:"polygon_base_url"`
	MarketRequestsPerMinute int    `mapstructure:"market_requests_per_minute" json:"market_requests_per_minute"`

	// Chat agent
	MaxTurns              int           `mapstructure:"max_turns" json:"max_turns"`
	ConversationRetention time.Duration `mapstructure:"conversation_retention" json:"conversation_retention"`
	RAGTopK               int           `mapstructure:"rag_top_k" json:"rag_top_k"`

	// Knowledge store (PostgreSQL + pgvector). Empty URL disables the
	// knowledge index; the search_knowledge_base tool then reports that
	// no index is configured.
	DatabaseURL string `mapstructure:"database_url" json:"database_url"` // SENSITIVE: masked in MarshalJSON
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".stockdesk")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".") // Also support current directory

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 5000)
	v.SetDefault("cors_origins", []string{"http://localhost:5173"})

	v.SetDefault("gemini_model", DefaultGeminiModel)
	v.SetDefault("embedder_model", DefaultEmbedderModel)

	v.SetDefault("polygon_base_url", "https://api.polygon.io")
	v.SetDefault("market_requests_per_minute", DefaultMarketRequestsPerMinute)

	v.SetDefault("max_turns", DefaultMaxTurns)
	v.SetDefault("conversation_retention", DefaultConversationRetention)
	v.SetDefault("rag_top_k", 5)
}

// bindEnvVariables binds environment variables explicitly. Secrets are only
// ever read from the environment, never written to the config file.
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded keys cannot fail to bind; a failure here is a bug.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("gemini_api_key", "GEMINI_API_KEY")
	mustBind("polygon_api_key", "POLYGON_API_KEY")
	mustBind("database_url", "DATABASE_URL")
	mustBind("port", "PORT")
	mustBind("cors_origins", "STOCKDESK_CORS_ORIGINS")
	mustBind("gemini_model", "STOCKDESK_GEMINI_MODEL")
	mustBind("max_turns", "STOCKDESK_MAX_TURNS")
}

// Validate checks configuration values and returns the first violation.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: %d (must be 1-65535)", ErrInvalidPort, c.Port)
	}
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY is required", ErrMissingAPIKey)
	}
	if c.PolygonAPIKey == "" {
		return fmt.Errorf("%w: POLYGON_API_KEY is required", ErrMissingAPIKey)
	}
	if c.GeminiModel == "" {
		return fmt.Errorf("%w: gemini_model must not be empty", ErrInvalidModelName)
	}
	if c.MaxTurns < 1 || c.MaxTurns > 20 {
		return fmt.Errorf("%w: %d (must be 1-20)", ErrInvalidMaxTurns, c.MaxTurns)
	}
	if c.ConversationRetention < time.Minute {
		return fmt.Errorf("%w: %s (must be at least 1m)", ErrInvalidRetention, c.ConversationRetention)
	}
	if c.MarketRequestsPerMinute < 1 || c.MarketRequestsPerMinute > 1000 {
		return fmt.Errorf("%w: %d (must be 1-1000)", ErrInvalidRateLimit, c.MarketRequestsPerMinute)
	}
	if c.DatabaseURL != "" {
		u, err := url.Parse(c.DatabaseURL)
		if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			return fmt.Errorf("%w: scheme must be postgres:// or postgresql://", ErrInvalidPostgresURL)
		}
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Short secrets are fully
// masked to prevent substring matching; longer ones keep two characters at
// each end for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
// When adding new sensitive fields (API keys, passwords), update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.GeminiAPIKey = maskSecret(a.GeminiAPIKey)
	a.PolygonAPIKey = maskSecret(a.PolygonAPIKey)
	a.DatabaseURL = maskSecret(a.DatabaseURL)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
