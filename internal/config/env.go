package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom log forwarding configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// StoreConfig defines the upload record store connectivity.
type StoreConfig struct {
	PostgresURL    string
	ConnectTimeout time.Duration
}

// QueueConfig defines broker connectivity, stream names and retry policy.
type QueueConfig struct {
	RedisURL       string
	Stream         string
	Group          string
	Consumer       string
	PollInterval   time.Duration
	ConnectTimeout time.Duration

	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryFactor    float64
	StallInterval  time.Duration
	StallRetries   int
	FailedMaxLen   int64
}

// WorkerConfig defines drain loop behavior.
type WorkerConfig struct {
	DequeueBlock      time.Duration
	HeartbeatInterval time.Duration
}

// ExtractionConfig defines the OCR gateway endpoint and option defaults.
type ExtractionConfig struct {
	URL     string
	Timeout time.Duration
	Enhance string
	Engine  string
	UseAI   bool
}

// DispatchConfig maps template identifiers to outbound webhook URLs.
type DispatchConfig struct {
	Timeout  time.Duration
	Webhooks map[string]string
}

// Config is the top-level configuration.
type Config struct {
	Logging    LoggingConfig
	Axiom      AxiomConfig
	Store      StoreConfig
	Queue      QueueConfig
	Worker     WorkerConfig
	Extraction ExtractionConfig
	Dispatch   DispatchConfig
}

// Templates is the closed set of template identifiers the dispatcher routes.
var Templates = []string{"fatura-agibank", "nota-fiscal", "boleto", "extrato"}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/docpipeline.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_docpipeline",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Store = StoreConfig{
		PostgresURL:    getEnv("POSTGRES_URL", "postgres://localhost:5432/docpipeline"),
		ConnectTimeout: parseDuration(getEnv("POSTGRES_CONNECT_TIMEOUT", "5s"), 5*time.Second),
	}

	cfg.Queue = QueueConfig{
		RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379"),
		Stream:         getEnv("QUEUE_STREAM", "jobs:uploads"),
		Group:          getEnv("QUEUE_GROUP", "workers:uploads"),
		Consumer:       getEnv("QUEUE_CONSUMER", "worker-1"),
		PollInterval:   parseDuration(getEnv("QUEUE_POLL_INTERVAL", "1s"), time.Second),
		ConnectTimeout: parseDuration(getEnv("QUEUE_CONNECT_TIMEOUT", "3s"), 3*time.Second),
		MaxAttempts:    parseInt(getEnv("JOB_MAX_ATTEMPTS", "5"), 5),
		RetryBaseDelay: parseDuration(getEnv("RETRY_BASE_DELAY", "10s"), 10*time.Second),
		RetryFactor:    parseFloat(getEnv("RETRY_BACKOFF_FACTOR", "2.0"), 2.0),
		StallInterval:  parseDuration(getEnv("STALL_INTERVAL", "60s"), 60*time.Second),
		StallRetries:   parseInt(getEnv("STALL_RETRIES", "3"), 3),
		FailedMaxLen:   int64(parseInt(getEnv("FAILED_STREAM_MAXLEN", "1000"), 1000)),
	}

	cfg.Worker = WorkerConfig{
		DequeueBlock:      parseDuration(getEnv("DEQUEUE_BLOCK", "2s"), 2*time.Second),
		HeartbeatInterval: parseDuration(getEnv("HEARTBEAT_INTERVAL", "20s"), 20*time.Second),
	}

	cfg.Extraction = ExtractionConfig{
		URL:     getEnv("EXTRACTION_URL", "http://localhost:9090/extract"),
		Timeout: parseDuration(getEnv("EXTRACTION_TIMEOUT", "5m"), 5*time.Minute),
		Enhance: getEnv("EXTRACTION_ENHANCE", "auto"),
		Engine:  getEnv("EXTRACTION_ENGINE", "default"),
		UseAI:   parseBool(getEnv("EXTRACTION_USE_AI", "false")),
	}

	webhooks := make(map[string]string, len(Templates))
	for _, t := range Templates {
		webhooks[t] = getEnv(webhookEnvKey(t), "")
	}
	cfg.Dispatch = DispatchConfig{
		Timeout:  parseDuration(getEnv("DISPATCH_TIMEOUT", "5m"), 5*time.Minute),
		Webhooks: webhooks,
	}

	return cfg
}

// webhookEnvKey maps a template id to its env var, e.g.
// "fatura-agibank" -> WEBHOOK_FATURA_AGIBANK_URL.
func webhookEnvKey(template string) string {
	k := strings.ToUpper(strings.ReplaceAll(template, "-", "_"))
	return "WEBHOOK_" + k + "_URL"
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
