package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/maltedev/product-rag-scraper/internal/browser"
	"github.com/maltedev/product-rag-scraper/internal/database"
	"github.com/maltedev/product-rag-scraper/internal/models"
	"github.com/maltedev/product-rag-scraper/internal/workflow"
)

type Config struct {
	Server   ServerConfig   `envconfig:"SERVER"`
	Browser  BrowserConfig  `envconfig:"BROWSER"`
	Scraper  ScraperConfig  `envconfig:"SCRAPER"`
	Workflow WorkflowConfig `envconfig:"WORKFLOW"`
	OpenAI   OpenAIConfig   `envconfig:"OPENAI"`
	Database DatabaseConfig `envconfig:"DB"`
	Redis    RedisConfig    `envconfig:"REDIS"`
	Relay    RelayConfig    `envconfig:"RELAY"`
	Schedule ScheduleConfig `envconfig:"SCHEDULE"`
	RAG      RAGConfig      `envconfig:"RAG"`
	Logging  LoggingConfig  `envconfig:"LOG"`
}

type ServerConfig struct {
	Port            int           `split_words:"true" default:"8080"`
	ReadTimeout     time.Duration `split_words:"true" default:"15s"`
	WriteTimeout    time.Duration `split_words:"true" default:"60s"`
	ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	AllowedOrigins  []string      `split_words:"true" default:"http://localhost:*,https://localhost:*"`
}

type BrowserConfig struct {
	Headless       bool          `split_words:"true" default:"true"`
	Timeout        time.Duration `split_words:"true" default:"30s"`
	PollInterval   time.Duration `split_words:"true" default:"500ms"`
	UserAgent      string        `split_words:"true"`
	ViewportWidth  int           `split_words:"true" default:"1920"`
	ViewportHeight int           `split_words:"true" default:"1080"`
	TimezoneID     string        `split_words:"true" default:"America/Sao_Paulo"`
	Locale         string        `split_words:"true" default:"pt-BR"`
	Proxy          string        `split_words:"true"`
}

// ScraperConfig paces browser navigations.
type ScraperConfig struct {
	RequestsPerSecond float64       `split_words:"true" default:"0.5"`
	Burst             int           `split_words:"true" default:"1"`
	MinDelay          time.Duration `split_words:"true" default:"1s"`
	MaxDelay          time.Duration `split_words:"true" default:"3s"`
}

type WorkflowConfig struct {
	ActivityTimeout         time.Duration `split_words:"true" default:"15s"`
	RetryInitialInterval    time.Duration `split_words:"true" default:"1s"`
	RetryBackoffCoefficient float64       `split_words:"true" default:"2"`
	RetryMaxInterval        time.Duration `split_words:"true" default:"30s"`
	RetryMaxAttempts        int           `split_words:"true" default:"3"`
	NonProductMarkers       []string      `split_words:"true" default:"/gp/bestsellers"`
	WorkerPollInterval      time.Duration `split_words:"true" default:"10s"`
}

type OpenAIConfig struct {
	APIKey              string `split_words:"true"`
	BaseURL             string `split_words:"true"`
	MaxRetries          int    `split_words:"true" default:"2"`
	EmbeddingModel      string `split_words:"true" default:"text-embedding-3-small"`
	EmbeddingDimensions int    `split_words:"true" default:"1536"`
	ChatModel           string `split_words:"true" default:"gpt-4o-mini"`
	CaptchaModel        string `split_words:"true" default:"gpt-4o-mini"`
}

type DatabaseConfig struct {
	Host     string `split_words:"true" default:"localhost"`
	Port     int    `split_words:"true" default:"5432"`
	User     string `split_words:"true" default:"postgres"`
	Password string `split_words:"true"`
	Name     string `split_words:"true" default:"product_rag"`
	SSLMode  string `split_words:"true" default:"disable"`
	MaxConns int32  `split_words:"true" default:"20"`
}

type RedisConfig struct {
	Addr     string `split_words:"true" default:"localhost:6379"`
	Password string `split_words:"true"`
	DB       int    `split_words:"true" default:"0"`
}

type RelayConfig struct {
	Enabled      bool          `split_words:"true" default:"true"`
	PollInterval time.Duration `split_words:"true" default:"5s"`
	BatchSize    int           `split_words:"true" default:"100"`
	StreamMaxLen int64         `split_words:"true" default:"100000"`
}

// ScheduleConfig enqueues a fixed run on a cron expression. An empty
// expression disables the schedule.
type ScheduleConfig struct {
	Cron        string  `split_words:"true"`
	Timezone    string  `split_words:"true" default:"America/Sao_Paulo"`
	SearchTerm  string  `split_words:"true"`
	Latitude    float64 `split_words:"true" default:"-23.5505"`
	Longitude   float64 `split_words:"true" default:"-46.6333"`
	MaxPages    int     `split_words:"true" default:"5"`
	MaxParallel int     `split_words:"true" default:"3"`
}

type RAGConfig struct {
	VectorIndexAlias string `split_words:"true" default:"products-vector-brazil-amazon"`
	PromptFile       string `split_words:"true"`
	K                int    `split_words:"true" default:"5"`
	NumCandidates    int    `split_words:"true" default:"10"`
}

type LoggingConfig struct {
	Level  string `split_words:"true" default:"info"`
	Format string `split_words:"true" default:"json"`
}

// Load reads a .env file when one exists, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if _, statErr := os.Stat(".env"); statErr == nil {
			slog.Warn(".env file found but could not be loaded", "error", err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Scraper.MinDelay < 0 || c.Scraper.MaxDelay < 0 {
		return fmt.Errorf("scraper delays must not be negative")
	}
	if c.Scraper.MinDelay > c.Scraper.MaxDelay {
		return fmt.Errorf("SCRAPER_MIN_DELAY cannot be greater than SCRAPER_MAX_DELAY")
	}

	if c.Workflow.ActivityTimeout <= 0 {
		return fmt.Errorf("WORKFLOW_ACTIVITY_TIMEOUT must be positive")
	}
	if c.Workflow.RetryMaxAttempts < 0 {
		return fmt.Errorf("WORKFLOW_RETRY_MAX_ATTEMPTS must not be negative")
	}
	if c.Workflow.RetryBackoffCoefficient < 1 {
		return fmt.Errorf("WORKFLOW_RETRY_BACKOFF_COEFFICIENT must be at least 1")
	}

	if c.OpenAI.EmbeddingDimensions <= 0 {
		return fmt.Errorf("OPENAI_EMBEDDING_DIMENSIONS must be positive")
	}

	if c.RAG.K < 1 || c.RAG.NumCandidates < c.RAG.K {
		return fmt.Errorf("RAG_NUM_CANDIDATES (%d) must be at least RAG_K (%d) and RAG_K at least 1", c.RAG.NumCandidates, c.RAG.K)
	}

	if c.Schedule.Enabled() {
		if err := c.Schedule.Run().Validate(); err != nil {
			return fmt.Errorf("invalid scheduled run: %w", err)
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Logging.Format)
	}

	return nil
}

func (c *Config) DatabaseOptions() database.Config {
	return database.Config{
		Host:     c.Database.Host,
		Port:     c.Database.Port,
		User:     c.Database.User,
		Password: c.Database.Password,
		Database: c.Database.Name,
		SSLMode:  c.Database.SSLMode,
		MaxConns: c.Database.MaxConns,
	}
}

func (c *Config) BrowserOptions() *browser.Options {
	opts := browser.DefaultOptions()
	opts.Headless = c.Browser.Headless
	opts.Timeout = c.Browser.Timeout
	opts.PollInterval = c.Browser.PollInterval
	opts.ViewportWidth = c.Browser.ViewportWidth
	opts.ViewportHeight = c.Browser.ViewportHeight
	opts.TimezoneID = c.Browser.TimezoneID
	opts.Locale = c.Browser.Locale
	opts.ProxyServer = c.Browser.Proxy
	if c.Browser.UserAgent != "" {
		opts.UserAgent = c.Browser.UserAgent
	}
	return opts
}

// ActivityOptions builds the executor policy. nonRetryable classifies errors
// that must not be retried.
func (c *Config) ActivityOptions(nonRetryable func(error) bool) workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: c.Workflow.ActivityTimeout,
		RetryPolicy: workflow.RetryPolicy{
			InitialInterval:    c.Workflow.RetryInitialInterval,
			BackoffCoefficient: c.Workflow.RetryBackoffCoefficient,
			MaximumInterval:    c.Workflow.RetryMaxInterval,
			MaximumAttempts:    c.Workflow.RetryMaxAttempts,
			NonRetryable:       nonRetryable,
		},
	}
}

func (s ScheduleConfig) Enabled() bool {
	return strings.TrimSpace(s.Cron) != ""
}

func (s ScheduleConfig) Run() models.WorkflowRun {
	return models.WorkflowRun{
		SearchTerm:  s.SearchTerm,
		Geolocation: models.GeoPoint{Latitude: s.Latitude, Longitude: s.Longitude},
		MaxPages:    s.MaxPages,
		MaxParallel: s.MaxParallel,
	}
}
