// Package config loads process configuration from the environment, the
// same way frameworks/pkg/config does for every FrameWorks service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// LoadEnv loads local .env files if present. Missing files are not an error;
// the process environment always wins over anything in the files.
func LoadEnv(logger *logrus.Logger) {
	files := []string{".env", ".env.local"}
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("failed to load %s", file)
			}
			continue
		}
		loaded = append(loaded, file)
	}
	if logger != nil {
		if len(loaded) == 0 {
			logger.Debug("no local env files loaded; relying on process environment")
		} else {
			logger.Debugf("loaded env files: %s", strings.Join(loaded, ", "))
		}
	}
}

// GetEnv returns an environment variable or a default.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvInt returns an integer environment variable or a default.
func GetEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvFloat returns a float environment variable or a default.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvDurationSeconds returns a duration built from an integer-seconds
// environment variable or a default.
func GetEnvDurationSeconds(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return time.Duration(parsed) * time.Second
		}
	}
	return defaultValue
}

// GetLogLevel resolves the process log level from LOG_LEVEL.
func GetLogLevel() logrus.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
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

// Backend holds the LLM backend connection settings (spec.md §6.3).
type Backend struct {
	BaseURL         string
	APIKey          string
	Model           string
	Temperature     float64
	TopP            float64
	PresencePenalty float64
	MaxTokens       int
}

// Config is the immutable process-wide configuration template. Per-request
// generation config is deep-copied from Backend before use (spec.md §4.4.2);
// nothing else here is ever mutated after Load returns.
type Config struct {
	MaxConcurrentRequests int
	MaxRounds             int
	MaxEstimatedTokens    int
	RequestWallClock      time.Duration
	AdmissionTimeout      time.Duration
	CitationTTL           time.Duration
	CitationSweepInterval time.Duration
	SessionGracePeriod    time.Duration
	Backend               Backend
	KnowledgeBaseURL      string
	ClassifierURL         string
	CodeExecutionURL      string
	DefaultDatasetIDs     []string
	Port                  string
}

// Load reads the full configuration from the environment, applying the
// defaults documented in spec.md §6.3.
func Load() Config {
	return Config{
		MaxConcurrentRequests: GetEnvInt("MAX_CONCURRENT_REQUESTS", 3),
		MaxRounds:             GetEnvInt("MAX_ROUNDS", 10),
		MaxEstimatedTokens:    GetEnvInt("TOKEN_BUDGET_ESTIMATE", 12000),
		RequestWallClock:      GetEnvDurationSeconds("REQUEST_WALL_CLOCK_SECONDS", 9000*time.Second),
		AdmissionTimeout:      GetEnvDurationSeconds("ADMISSION_TIMEOUT_SECONDS", 300*time.Second),
		CitationTTL:           GetEnvDurationSeconds("CITATION_TTL_SECONDS", 3600*time.Second),
		CitationSweepInterval: GetEnvDurationSeconds("CITATION_SWEEP_INTERVAL_SECONDS", 300*time.Second),
		SessionGracePeriod:    GetEnvDurationSeconds("SESSION_GRACE_PERIOD_SECONDS", 3600*time.Second),
		Backend: Backend{
			BaseURL:         GetEnv("LLM_BASE_URL", "http://127.0.0.1:6001/v1"),
			APIKey:          GetEnv("LLM_API_KEY", ""),
			Model:           GetEnv("LLM_MODEL", "evidence-reasoner"),
			Temperature:     GetEnvFloat("LLM_TEMPERATURE", 0.85),
			TopP:            GetEnvFloat("LLM_TOP_P", 0.95),
			PresencePenalty: GetEnvFloat("LLM_PRESENCE_PENALTY", 1.1),
			MaxTokens:       GetEnvInt("LLM_MAX_TOKENS", 2048),
		},
		KnowledgeBaseURL:  GetEnv("KNOWLEDGE_BASE_URL", "http://127.0.0.1:8080/api/v1/retrieval"),
		ClassifierURL:     GetEnv("CLASSIFIER_URL", "http://127.0.0.1:8081/api/v1/classify"),
		CodeExecutionURL:  GetEnv("CODE_EXECUTION_URL", "http://127.0.0.1:8082/api/v1/execute"),
		DefaultDatasetIDs: []string{GetEnv("DEFAULT_DATASET_ID", "1c9c4d369ce411f093700242ac170006")},
		Port:              GetEnv("PORT", "5006"),
	}
}
