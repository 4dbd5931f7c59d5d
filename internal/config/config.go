package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
}

type Redis struct {
	URL       string // e.g. redis://localhost:6379/0
	KeyPrefix string // prepended to every cache and queue key
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	WorkerChannel  string // NSQ channel name for queue workers
	DLQTopic       string // Dead letter topic for jobs that exhausted their attempts
}

type RateLimit struct {
	MaxRequests   int           // Requests allowed per window
	Window        time.Duration // Fixed window length
	BlockDuration time.Duration // Cool-down once the limit is exceeded
	Whitelist     []string      // Substrings matched against client IP then origin
}

type Queue struct {
	Concurrency    int           // Worker slots per queue
	Attempts       int           // Processing attempts per job
	BackoffDelay   time.Duration // First retry delay, doubled on every attempt
	CompletedAge   time.Duration // Retention of completed job records
	CompletedCount int           // Max completed job records kept per queue
	FailedAge      time.Duration // Retention of failed job records
	PublishDLQ     bool          // Whether to publish terminally failed jobs to the DLQ topic
}

type AI struct {
	BaseURL string        // Ollama compatible API root
	Model   string        // Default model for generate calls
	Timeout time.Duration // Per-call timeout
}

type Webhook struct {
	SignatureHeader   string        // HTTP header carrying the hex HMAC
	IdempotencyHeader string        // HTTP header carrying the job id
	Timeout           time.Duration // Per-endpoint delivery timeout
	Concurrency       int           // Parallel deliveries per dispatch
}

type Auth struct {
	JWTSecret string        // HS256 signing key
	Issuer    string        // iss claim
	TokenTTL  time.Duration // Access token lifetime
	CacheTTL  time.Duration // App profile cache lifetime
}

type FakeReceiver struct {
	FailFirstN      int           // Number of requests to fail initially
	EndpointSecret  string        // Secret for webhook signature verification
	ResponseDelayMS int           // Simulated response delay in milliseconds
	Port            string        // Server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName        string
	LogLevel       string
	HTTPPort       string // :3000
	GRPCPort       string // :50051
	WorkerHTTPPort string // :8083
	DB             DB
	Redis          Redis
	NSQ            NSQ
	RateLimit      RateLimit
	Queue          Queue
	AI             AI
	Webhook        Webhook
	Auth           Auth
	FakeReceiver   FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getenvMillis reads an integer number of milliseconds, the unit the rate limiter settings use.
func getenvMillis(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

// getenvList splits a comma separated value, dropping blanks.
func getenvList(key, def string) []string {
	raw := getenv(key, def)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func FromEnv() Config {
	return Config{
		AppName:        getenv("APP_NAME", "jiva-gateway"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		HTTPPort:       ":" + getenv("APP_PORT", "3000"),
		GRPCPort:       getenv("GRPC_PORT", ":50051"),
		WorkerHTTPPort: ":" + getenv("WORKER_HTTP_PORT", "8083"),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "jiva"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
		},
		Redis: Redis{
			URL:       getenv("REDIS_URL", "redis://localhost:6379/0"),
			KeyPrefix: getenv("REDIS_KEY_PREFIX", "jiva-ai:"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "jobs_dlq"),
		},
		RateLimit: RateLimit{
			MaxRequests:   getenvInt("RATE_LIMIT_MAX_REQUESTS", 100),
			Window:        getenvMillis("RATE_LIMIT_WINDOW_MS", 60*time.Second),
			BlockDuration: getenvMillis("RATE_LIMIT_BLOCK_DURATION_MS", 300*time.Second),
			Whitelist:     getenvList("RATE_LIMIT_WHITELIST_SOURCES", "localhost,127.0.0.1"),
		},
		Queue: Queue{
			Concurrency:    getenvInt("QUEUE_CONCURRENCY", 5),
			Attempts:       getenvInt("QUEUE_ATTEMPTS", 3),
			BackoffDelay:   getenvDuration("QUEUE_BACKOFF_DELAY", 5*time.Second),
			CompletedAge:   getenvDuration("QUEUE_COMPLETED_AGE", 24*time.Hour),
			CompletedCount: getenvInt("QUEUE_COMPLETED_COUNT", 1000),
			FailedAge:      getenvDuration("QUEUE_FAILED_AGE", 7*24*time.Hour),
			PublishDLQ:     getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		AI: AI{
			BaseURL: strings.TrimRight(getenv("AI_BASE_URL", "http://localhost:11434/api"), "/"),
			Model:   getenv("AI_MODEL", "llama3"),
			Timeout: getenvDuration("AI_TIMEOUT", 5*time.Minute),
		},
		Webhook: Webhook{
			SignatureHeader:   getenv("WEBHOOK_SIGNATURE_HEADER", "x-jiva-signature"),
			IdempotencyHeader: getenv("WEBHOOK_IDEMPOTENCY_HEADER", "x-jiva-idempotency-key"),
			Timeout:           getenvDuration("WEBHOOK_TIMEOUT", 15*time.Second),
			Concurrency:       getenvInt("WEBHOOK_CONCURRENCY", 4),
		},
		Auth: Auth{
			JWTSecret: getenv("JWT_SECRET", ""),
			Issuer:    getenv("JWT_ISSUER", "jiva-gateway"),
			TokenTTL:  getenvDuration("JWT_TTL", time.Hour),
			CacheTTL:  getenvDuration("APP_PROFILE_CACHE_TTL", time.Hour),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:  getenv("ENDPOINT_SECRET", ""),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
