package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location, relative to the working directory.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	// DatabaseURL selects Postgres; empty runs on the in-memory store.
	DatabaseURL string `yaml:"databaseURL"`

	AuthServiceURL    string `yaml:"authServiceURL"`
	AuthJWKSURL       string `yaml:"authJwksURL"`
	JWTIssuer         string `yaml:"jwtIssuer"`
	JWTAudience       string `yaml:"jwtAudience"`
	JWTLeeway         string `yaml:"jwtLeeway"`
	ContentServiceURL string `yaml:"contentServiceURL"`

	CompletionProvider string `yaml:"completionProvider"`
	CompletionBaseURL  string `yaml:"completionBaseURL"`
	CompletionAPIKey   string `yaml:"completionAPIKey"`
	CompletionModel    string `yaml:"completionModel"`

	RedisAddr              string   `yaml:"redisAddr"`
	RedisPassword          string   `yaml:"redisPassword"`
	HistoryCacheTTLSeconds int      `yaml:"historyCacheTTLSeconds"`
	TitleQueueStream       string   `yaml:"titleQueueStream"`
	TitleQueueGroup        string   `yaml:"titleQueueGroup"`
	TitleWorkers           int      `yaml:"titleWorkers"`
	TitleMaxRetries        int      `yaml:"titleMaxRetries"`
	SendRateLimitPerMinute int      `yaml:"sendRateLimitPerMinute"`
	TrustedProxyCIDRs      []string `yaml:"trustedProxyCidrs"`
	AllowedOrigins         []string `yaml:"allowedOrigins"`
}

// Load reads config from path (defaults to config.yaml) and applies
// environment overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setString(&cfg.Port, "CHAT_PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.AuthServiceURL, "CHAT_AUTH_SERVICE_URL")
	setString(&cfg.AuthJWKSURL, "CHAT_AUTH_JWKS_URL")
	setString(&cfg.JWTIssuer, "JWT_ISSUER")
	setString(&cfg.JWTAudience, "JWT_AUDIENCE")
	setString(&cfg.JWTLeeway, "JWT_LEEWAY")
	setString(&cfg.ContentServiceURL, "CHAT_CONTENT_SERVICE_URL")
	setString(&cfg.CompletionProvider, "COMPLETION_PROVIDER")
	setString(&cfg.CompletionBaseURL, "COMPLETION_BASE_URL")
	setString(&cfg.CompletionAPIKey, "COMPLETION_API_KEY")
	setString(&cfg.CompletionModel, "COMPLETION_MODEL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setInt(&cfg.HistoryCacheTTLSeconds, "CHAT_HISTORY_CACHE_TTL_SECONDS")
	setInt(&cfg.TitleWorkers, "CHAT_TITLE_WORKERS")
	setInt(&cfg.TitleMaxRetries, "CHAT_TITLE_MAX_RETRIES")
	setInt(&cfg.SendRateLimitPerMinute, "CHAT_SEND_RATE_LIMIT_PER_MINUTE")
	if v := os.Getenv("CHAT_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("CHAT_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or CHAT_PORT)")
	}
	if strings.TrimSpace(cfg.AuthServiceURL) == "" && strings.TrimSpace(cfg.AuthJWKSURL) == "" {
		return errors.New("config: authServiceURL or authJwksURL is required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.CompletionProvider)) {
	case "", "endpoint", "ollama":
		if cfg.CompletionBaseURL == "" && cfg.CompletionProvider != "ollama" {
			return errors.New("config: completionBaseURL is required for the endpoint provider (or COMPLETION_BASE_URL)")
		}
	case "openai", "openai-compat", "openai_compat", "gemini":
		if cfg.CompletionAPIKey == "" {
			return fmt.Errorf("config: completionAPIKey is required for provider %q (or COMPLETION_API_KEY)", cfg.CompletionProvider)
		}
	default:
		return fmt.Errorf("config: unknown completionProvider %q", cfg.CompletionProvider)
	}
	if cfg.CompletionProvider != "" && cfg.CompletionProvider != "endpoint" && cfg.CompletionModel == "" {
		return errors.New("config: completionModel is required (set in config.yaml or COMPLETION_MODEL)")
	}
	if cfg.SendRateLimitPerMinute < 0 || cfg.TitleWorkers < 0 || cfg.HistoryCacheTTLSeconds < 0 {
		return errors.New("config: rate limits, worker counts and TTLs must be >= 0")
	}
	if cfg.SendRateLimitPerMinute > 0 && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for distributed rate limiting")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}
