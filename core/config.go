/*
Package core provides configuration management and logging initialization
for the parley conversation gateway.

This file handles:
- Loading configuration from environment variables with sensible defaults
- Structured logging setup with configurable levels and formats
- NLU adapter, intent cache and response generator parameters
- WebSocket transport limits

Environment variables take precedence over the defaults below so the same
binary can be deployed unchanged across environments.
*/
package core

import (
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// Config holds all configurable values for the parley server.
type Config struct {
	// Server configuration
	Port           string // HTTP server port number (default: "3000")
	WelcomeMessage string // Greeting sent to every new WebSocket connection

	// WebSocket transport configuration
	MaxMessageBytes          int64         // Largest inbound frame accepted before the connection is closed (default: 1 MiB)
	WriteTimeout             time.Duration // Deadline for a single outbound frame (default: 10s)
	MaxInFlightPerConnection int           // Handlers allowed to run concurrently on one connection (default: 16)

	// NLU adapter configuration
	WitAccessToken            string        // Bearer token for the Wit.AI API; empty means fallback-only mode
	WitBaseURL                string        // Base URL of the Wit.AI API (default: "https://api.wit.ai")
	IntentParserTimeout       time.Duration // Bound on one NLU call (default: 3000ms)
	IntentConfidenceThreshold float64       // Minimum confidence to trust a classified intent (default: 0.7)
	IntentConfigPath          string        // YAML file describing known intents and entities

	// Intent cache configuration
	IntentCache     string        // Cache backend: "none", "memory" or "redis" (default: "none")
	IntentCacheTTL  time.Duration // How long a cached NLU response stays valid (default: 5m)
	CleanupInterval time.Duration // How often the memory cache sweeps expired entries (default: 1m)
	RedisAddr       string        // Redis address used by the redis cache backend
	RedisPassword   string        // Redis password, if any
	RedisDB         int           // Redis logical database

	// Response generator configuration
	LLMProvider    string        // "placeholder", "ollama" or "gemini" (default: "placeholder")
	OllamaEndpoint string        // Base URL for the Ollama API service (default: "http://localhost:11434")
	OllamaModel    string        // Name of the Ollama model to use (default: "qwen3")
	GeminiAPIKey   string        // API key for Google Gemini (required when using gemini provider)
	GeminiModel    string        // Name of the Gemini model to use (default: "gemini-2.0-flash")
	RequestTimeout time.Duration // Bound on one LLM generation (default: 60s)
	ContextLimit   int           // Previous turns included in LLM prompts (default: 10)

	// Logging configuration
	LogLevel          string // Minimum log level: debug, info, warn, error (default: "info")
	LogTruncateLength int    // Maximum length of logged utterances and model output (default: 500)
}

// LoadConfig loads configuration from environment variables with sensible defaults.
// Numeric values that fail to parse or fall outside their valid range leave the
// default in place.
//
// Environment Variables:
//   - PORT, WELCOME_MESSAGE
//   - WS_MAX_MESSAGE_BYTES, WS_WRITE_TIMEOUT_SECONDS, MAX_INFLIGHT_PER_CONNECTION
//   - WIT_AI_ACCESS_TOKEN, WIT_AI_BASE_URL, INTENT_PARSER_TIMEOUT (ms),
//     INTENT_CONFIDENCE_THRESHOLD, INTENT_CONFIG_PATH
//   - INTENT_CACHE, INTENT_CACHE_TTL_SECONDS, CLEANUP_INTERVAL_MINUTES,
//     REDIS_ADDR, REDIS_PASSWORD, REDIS_DB
//   - LLM_PROVIDER, OLLAMA_ENDPOINT, OLLAMA_MODEL, GEMINI_API_KEY, GEMINI_MODEL,
//     REQUEST_TIMEOUT (seconds), CONTEXT_LIMIT
//   - LOG_LEVEL, LOG_TRUNCATE_LENGTH
func LoadConfig() *Config {
	config := &Config{
		Port:           "3000",
		WelcomeMessage: "Welcome to the WebSocket server!",

		MaxMessageBytes:          1 << 20,
		WriteTimeout:             10 * time.Second,
		MaxInFlightPerConnection: 16,

		WitBaseURL:                "https://api.wit.ai",
		IntentParserTimeout:       3000 * time.Millisecond,
		IntentConfidenceThreshold: 0.7,
		IntentConfigPath:          "config/intents.yaml",

		IntentCache:     CacheNone,
		IntentCacheTTL:  5 * time.Minute,
		CleanupInterval: time.Minute,
		RedisAddr:       "localhost:6379",

		LLMProvider:    ProviderPlaceholder,
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "qwen3",
		GeminiModel:    "gemini-2.0-flash",
		RequestTimeout: 60 * time.Second,
		ContextLimit:   10,

		LogLevel:          "info",
		LogTruncateLength: 500,
	}

	// Server configuration
	if port := os.Getenv("PORT"); port != "" {
		config.Port = port
	}
	if welcome := os.Getenv("WELCOME_MESSAGE"); welcome != "" {
		config.WelcomeMessage = welcome
	}

	// WebSocket transport limits
	if maxBytes := os.Getenv("WS_MAX_MESSAGE_BYTES"); maxBytes != "" {
		if val, err := strconv.ParseInt(maxBytes, 10, 64); err == nil && val > 0 {
			config.MaxMessageBytes = val
		}
	}
	if writeTimeout := os.Getenv("WS_WRITE_TIMEOUT_SECONDS"); writeTimeout != "" {
		if val, err := strconv.Atoi(writeTimeout); err == nil && val > 0 {
			config.WriteTimeout = time.Duration(val) * time.Second
		}
	}
	if inFlight := os.Getenv("MAX_INFLIGHT_PER_CONNECTION"); inFlight != "" {
		if val, err := strconv.Atoi(inFlight); err == nil && val > 0 {
			config.MaxInFlightPerConnection = val
		}
	}

	// NLU adapter
	config.WitAccessToken = os.Getenv("WIT_AI_ACCESS_TOKEN")
	if baseURL := os.Getenv("WIT_AI_BASE_URL"); baseURL != "" {
		config.WitBaseURL = strings.TrimRight(baseURL, "/")
	}
	if timeout := os.Getenv("INTENT_PARSER_TIMEOUT"); timeout != "" {
		if val, err := strconv.Atoi(timeout); err == nil && val > 0 {
			config.IntentParserTimeout = time.Duration(val) * time.Millisecond
		}
	}
	if threshold := os.Getenv("INTENT_CONFIDENCE_THRESHOLD"); threshold != "" {
		if val, err := strconv.ParseFloat(threshold, 64); err == nil && val >= 0 && val <= 1 {
			config.IntentConfidenceThreshold = val
		}
	}
	if path := os.Getenv("INTENT_CONFIG_PATH"); path != "" {
		config.IntentConfigPath = path
	}

	// Intent cache
	if cache := strings.ToLower(os.Getenv("INTENT_CACHE")); cache != "" {
		switch cache {
		case CacheNone, CacheMemory, CacheRedis:
			config.IntentCache = cache
		}
	}
	if ttl := os.Getenv("INTENT_CACHE_TTL_SECONDS"); ttl != "" {
		if val, err := strconv.Atoi(ttl); err == nil && val > 0 {
			config.IntentCacheTTL = time.Duration(val) * time.Second
		}
	}
	if cleanupInterval := os.Getenv("CLEANUP_INTERVAL_MINUTES"); cleanupInterval != "" {
		if val, err := strconv.Atoi(cleanupInterval); err == nil && val > 0 {
			config.CleanupInterval = time.Duration(val) * time.Minute
		}
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		config.RedisAddr = addr
	}
	config.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if db := os.Getenv("REDIS_DB"); db != "" {
		if val, err := strconv.Atoi(db); err == nil && val >= 0 {
			config.RedisDB = val
		}
	}

	// Response generator
	if provider := strings.ToLower(os.Getenv("LLM_PROVIDER")); provider != "" {
		switch provider {
		case ProviderPlaceholder, ProviderOllama, ProviderGemini:
			config.LLMProvider = provider
		}
	}
	if endpoint := os.Getenv("OLLAMA_ENDPOINT"); endpoint != "" {
		config.OllamaEndpoint = endpoint
	}
	if model := os.Getenv("OLLAMA_MODEL"); model != "" {
		config.OllamaModel = model
	}
	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if model := os.Getenv("GEMINI_MODEL"); model != "" {
		config.GeminiModel = model
	}
	if timeout := os.Getenv("REQUEST_TIMEOUT"); timeout != "" {
		if val, err := strconv.Atoi(timeout); err == nil && val > 0 {
			config.RequestTimeout = time.Duration(val) * time.Second
		}
	}
	if contextLimit := os.Getenv("CONTEXT_LIMIT"); contextLimit != "" {
		if val, err := strconv.Atoi(contextLimit); err == nil && val >= 0 {
			config.ContextLimit = val
		}
	}

	// Logging configuration
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
	if truncateLen := os.Getenv("LOG_TRUNCATE_LENGTH"); truncateLen != "" {
		if val, err := strconv.Atoi(truncateLen); err == nil && val > 0 {
			config.LogTruncateLength = val
		}
	}

	// Gemini needs a key; without one fall back to a local model
	if config.LLMProvider == ProviderGemini && config.GeminiAPIKey == "" {
		config.LLMProvider = ProviderOllama
	}

	return config
}

// InitializeLogger configures and returns a structured logger based on the provided configuration.
// The logger writes JSON lines with RFC3339 timestamps to stdout and records the
// effective configuration once at startup. Secrets are reported only as set or unset.
//
// Parameters:
//   - config: Configuration object containing logging preferences
//
// Returns:
//   - *logrus.Logger: Configured logger instance ready for use
func InitializeLogger(config *Config) *logrus.Logger {
	logger := logrus.New()

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})
	logger.SetLevel(parseLogLevel(config.LogLevel))
	logger.SetOutput(os.Stdout)

	logger.WithFields(logrus.Fields{
		"port":                      config.Port,
		"maxMessageBytes":           config.MaxMessageBytes,
		"writeTimeout":              config.WriteTimeout,
		"maxInFlightPerConnection":  config.MaxInFlightPerConnection,
		"witBaseURL":                config.WitBaseURL,
		"witTokenConfigured":        config.WitAccessToken != "",
		"intentParserTimeout":       config.IntentParserTimeout,
		"intentConfidenceThreshold": config.IntentConfidenceThreshold,
		"intentConfigPath":          config.IntentConfigPath,
		"intentCache":               config.IntentCache,
		"intentCacheTTL":            config.IntentCacheTTL,
		"llmProvider":               config.LLMProvider,
		"ollamaEndpoint":            config.OllamaEndpoint,
		"ollamaModel":               config.OllamaModel,
		"geminiModel":               config.GeminiModel,
		"requestTimeout":            config.RequestTimeout,
		"contextLimit":              config.ContextLimit,
		"logTruncateLength":         config.LogTruncateLength,
	}).Info("Configuration loaded")

	return logger
}

func parseLogLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// truncate shortens text for log output to at most limit bytes, never
// splitting a rune.
func truncate(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
