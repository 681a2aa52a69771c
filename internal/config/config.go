package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the pmpilot server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	GitHub   GitHubConfig
	Workflow WorkflowConfig
	Poller   PollerConfig
	Webhook  WebhookConfig
	AI       AIConfig
	Chat     ChatConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	RateLimitPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type GitHubConfig struct {
	APIURL  string
	Token   string
	Owner   string
	Repo    string
	Ref     string
	Timeout time.Duration
}

type WorkflowConfig struct {
	AnalysisFile    string
	ExplorationFile string
	ArtifactName    string
	LookupAttempts  int
	LookupDelay     time.Duration
}

type PollerConfig struct {
	Interval    time.Duration
	JobTimeout  time.Duration
	GracePeriod time.Duration
	ExpireStale bool
}

type WebhookConfig struct {
	Secret string
}

type AIConfig struct {
	Provider          string
	MaxTokens         int
	MaxToolIterations int
	Anthropic         AnthropicConfig
}

type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type ChatConfig struct {
	HistoryTTL time.Duration
}

var validProviders = map[string]bool{
	"anthropic": true,
	"mock":      true,
}

// Load reads configuration from environment variables and returns a validated Config.
// A .env file in the working directory is loaded first when present; real environment
// variables take precedence over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("PMPILOT_PORT", 8080),
			Env:                envString("PMPILOT_ENV", "development"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		GitHub: GitHubConfig{
			APIURL:  strings.TrimRight(envString("GITHUB_API_URL", "https://api.github.com"), "/"),
			Token:   os.Getenv("GITHUB_TOKEN"),
			Owner:   os.Getenv("GITHUB_OWNER"),
			Repo:    os.Getenv("GITHUB_REPO"),
			Ref:     envString("GITHUB_REF", "main"),
			Timeout: envDuration("GITHUB_TIMEOUT", 30*time.Second),
		},
		Workflow: WorkflowConfig{
			AnalysisFile:    envString("WORKFLOW_ANALYSIS_FILE", "feature-analysis.yml"),
			ExplorationFile: envString("WORKFLOW_EXPLORATION_FILE", "codebase-exploration.yml"),
			ArtifactName:    envString("WORKFLOW_ARTIFACT_NAME", "results"),
			LookupAttempts:  envInt("WORKFLOW_RUN_LOOKUP_ATTEMPTS", 5),
			LookupDelay:     envDuration("WORKFLOW_RUN_LOOKUP_DELAY", 2*time.Second),
		},
		Poller: PollerConfig{
			Interval:    envDuration("POLLER_INTERVAL", 30*time.Second),
			JobTimeout:  envDuration("POLLER_JOB_TIMEOUT", time.Hour),
			GracePeriod: envDuration("POLLER_GRACE_PERIOD", 5*time.Minute),
			ExpireStale: envBool("POLLER_EXPIRE_STALE", true),
		},
		Webhook: WebhookConfig{
			Secret: os.Getenv("WEBHOOK_SECRET"),
		},
		AI: AIConfig{
			Provider:          os.Getenv("AI_PROVIDER"),
			MaxTokens:         envInt("AI_MAX_TOKENS", 4096),
			MaxToolIterations: envInt("AI_MAX_TOOL_ITERATIONS", 5),
			Anthropic: AnthropicConfig{
				APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
				Model:   envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			},
		},
		Chat: ChatConfig{
			HistoryTTL: envDuration("CHAT_HISTORY_TTL", 24*time.Hour),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !strings.HasPrefix(c.GitHub.APIURL, "http://") && !strings.HasPrefix(c.GitHub.APIURL, "https://") {
		return fmt.Errorf("GITHUB_API_URL must start with http:// or https://, got %q", c.GitHub.APIURL)
	}
	if c.GitHub.Token == "" {
		return fmt.Errorf("GITHUB_TOKEN is required")
	}
	if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
		return fmt.Errorf("GITHUB_OWNER and GITHUB_REPO are required")
	}

	if c.Workflow.LookupAttempts < 1 {
		return fmt.Errorf("WORKFLOW_RUN_LOOKUP_ATTEMPTS must be at least 1, got %d", c.Workflow.LookupAttempts)
	}

	if c.Poller.Interval <= 0 {
		return fmt.Errorf("POLLER_INTERVAL must be positive, got %s", c.Poller.Interval)
	}
	if c.Poller.JobTimeout <= 0 {
		return fmt.Errorf("POLLER_JOB_TIMEOUT must be positive, got %s", c.Poller.JobTimeout)
	}
	if c.Poller.GracePeriod < 0 {
		return fmt.Errorf("POLLER_GRACE_PERIOD must not be negative, got %s", c.Poller.GracePeriod)
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of anthropic, mock; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}
	if c.AI.MaxToolIterations < 1 {
		return fmt.Errorf("AI_MAX_TOOL_ITERATIONS must be at least 1, got %d", c.AI.MaxToolIterations)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}
