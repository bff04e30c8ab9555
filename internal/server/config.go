package server

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backlog backends.
const (
	BacklogFile = "file"
	BacklogNATS = "nats"
)

// Config holds runtime configuration from environment variables. The CLI
// overrides individual fields with flags.
type Config struct {
	// Status endpoints. An empty port disables the listener.
	Port     string
	GRPCPort string

	BaseURL         string
	CredentialsPath string
	RequestTimeout  time.Duration
	SubmitAttempts  int
	SubmitDelay     time.Duration
	FetchAttempts   int
	AuthRetry       time.Duration
	AuthTimeout     time.Duration

	Backlog        string
	BacklogPath    string
	DeadLetterPath string
	NatsURL        string
	KVBucket       string
	PublishEvents  bool

	ResultsPath    string
	Concurrency    int
	Tick           time.Duration
	ExitWhenIdle   bool
	ReportSchedule string

	LogLevel        string
	LogFile         string
	ShutdownTimeout time.Duration
}

// LoadConfig reads configuration from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		Port:     getEnv("ALPHASIM_PORT", "8080"),
		GRPCPort: getEnv("ALPHASIM_GRPC_PORT", "9090"),

		BaseURL:         getEnv("ALPHASIM_BASE_URL", "https://api.worldquantbrain.com"),
		CredentialsPath: getEnv("ALPHASIM_CREDENTIALS", "brain_credential.txt"),
		RequestTimeout:  getEnvDuration("ALPHASIM_REQUEST_TIMEOUT", 30*time.Second),
		SubmitAttempts:  getEnvInt("ALPHASIM_SUBMIT_ATTEMPTS", 36),
		SubmitDelay:     getEnvDuration("ALPHASIM_SUBMIT_DELAY", 5*time.Second),
		FetchAttempts:   getEnvInt("ALPHASIM_FETCH_ATTEMPTS", 3),
		AuthRetry:       getEnvDuration("ALPHASIM_AUTH_RETRY", 15*time.Second),
		AuthTimeout:     getEnvDuration("ALPHASIM_AUTH_TIMEOUT", 300*time.Second),

		Backlog:        getEnv("ALPHASIM_BACKLOG", BacklogFile),
		BacklogPath:    getEnv("ALPHASIM_BACKLOG_PATH", "data/backlog.jsonl"),
		DeadLetterPath: getEnv("ALPHASIM_DEAD_LETTER_PATH", "data/dead.jsonl"),
		NatsURL:        getEnv("NATS_URL", "nats://localhost:4222"),
		KVBucket:       getEnv("ALPHASIM_KV_BUCKET", "alphasim"),
		PublishEvents:  getEnvBool("ALPHASIM_PUBLISH_EVENTS", false),

		ResultsPath:    getEnv("ALPHASIM_RESULTS_PATH", "data/results.csv"),
		Concurrency:    getEnvInt("ALPHASIM_CONCURRENCY", 3),
		Tick:           getEnvDuration("ALPHASIM_TICK", 3*time.Second),
		ExitWhenIdle:   getEnvBool("ALPHASIM_EXIT_WHEN_IDLE", false),
		ReportSchedule: getEnv("ALPHASIM_REPORT_SCHEDULE", "@every 1m"),

		LogLevel:        getEnv("ALPHASIM_LOG_LEVEL", "info"),
		LogFile:         getEnv("ALPHASIM_LOG_FILE", ""),
		ShutdownTimeout: getEnvDuration("ALPHASIM_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// Validate rejects settings the scheduler cannot run with.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.Tick <= 0 {
		return fmt.Errorf("tick must be positive, got %s", c.Tick)
	}
	if c.SubmitAttempts < 1 {
		return fmt.Errorf("submit attempts must be at least 1, got %d", c.SubmitAttempts)
	}
	switch c.Backlog {
	case BacklogFile, BacklogNATS:
	default:
		return fmt.Errorf("unknown backlog backend %q (want %s or %s)", c.Backlog, BacklogFile, BacklogNATS)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	return nil
}

// UsesNATS reports whether any component needs a NATS connection.
func (c Config) UsesNATS() bool {
	return c.Backlog == BacklogNATS || c.PublishEvents
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}
