package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

// Shutdown modes for the scheduler process.
const (
	ModeExitOnBatchComplete = "exit_on_batch_complete"
	ModeContinuous          = "continuous"
)

type HTTP struct {
	Addr              string  // e.g. :3000
	RequestsPerSecond float64 // inbound admission rate, 0 disables the limiter
	Burst             int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

type GRPC struct {
	HealthAddr string // gRPC health service, empty disables it
}

type Scheduler struct {
	MinBatchSize int
	MaxBatchSize int
	Timezone     string        // IANA zone used for naive timestamps
	ShutdownMode string        // exit_on_batch_complete | continuous
	SendTimeout  time.Duration // bound on a single send attempt
}

type Provider struct {
	BaseURL           string
	APIKey            string
	APISecretKey      string
	AccessToken       string
	AccessTokenSecret string
	DryRun            bool // log posts instead of calling the API
}

type Auth struct {
	PublicKeyPEM string // RS256 public key, empty disables auth
	Issuer       string
	Audience     string
}

type NSQ struct {
	NsqdTCPAddr   string // empty disables the outcome stream
	OutcomesTopic string
}

type DB struct {
	DSN      string // empty disables the outcome audit table
	MaxConns int32
}

type Redis struct {
	Addr           string // empty selects the in-memory idempotency store
	Password       string
	DB             int
	IdempotencyTTL time.Duration
}

type Config struct {
	AppName   string
	LogLevel  string
	HTTP      HTTP
	GRPC      GRPC
	Scheduler Scheduler
	Provider  Provider
	Auth      Auth
	NSQ       NSQ
	DB        DB
	Redis     Redis
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

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
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

// Load reads an optional .env file into the process environment and then
// builds the config from it. Variables already set win over the file.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "harborpost"),
		LogLevel: getenv("LOG_LEVEL", "info"),
		HTTP: HTTP{
			Addr:              getenv("HTTP_ADDR", ":3000"),
			RequestsPerSecond: getenvFloat("HTTP_REQUESTS_PER_SECOND", 10),
			Burst:             getenvInt("HTTP_REQUEST_BURST", 20),
			ReadTimeout:       getenvDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:      getenvDuration("HTTP_WRITE_TIMEOUT", 10*time.Second),
		},
		GRPC: GRPC{
			HealthAddr: getenv("GRPC_HEALTH_ADDR", ":50051"),
		},
		Scheduler: Scheduler{
			MinBatchSize: getenvInt("SCHEDULER_MIN_BATCH", 1),
			MaxBatchSize: getenvInt("SCHEDULER_MAX_BATCH", 20),
			Timezone:     getenv("SCHEDULER_TIMEZONE", "UTC"),
			ShutdownMode: getenv("SCHEDULER_SHUTDOWN_MODE", ModeExitOnBatchComplete),
			SendTimeout:  getenvDuration("SCHEDULER_SEND_TIMEOUT", 30*time.Second),
		},
		Provider: Provider{
			BaseURL:           getenv("TWITTER_API_BASE_URL", "https://api.twitter.com"),
			APIKey:            getenv("TWITTER_API_KEY", ""),
			APISecretKey:      getenv("TWITTER_API_SECRET_KEY", ""),
			AccessToken:       getenv("TWITTER_ACCESS_TOKEN", ""),
			AccessTokenSecret: getenv("TWITTER_ACCESS_TOKEN_SECRET", ""),
			DryRun:            getenvBool("PROVIDER_DRY_RUN", false),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY", ""),
			Issuer:       getenv("JWT_ISSUER", "harborpost"),
			Audience:     getenv("JWT_AUDIENCE", "harborpost-api"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:   getenv("NSQD_TCP_ADDR", ""),
			OutcomesTopic: getenv("NSQ_OUTCOMES_TOPIC", "post_outcomes"),
		},
		DB: DB{
			DSN:      getenv("DATABASE_URL", ""),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 5)),
		},
		Redis: Redis{
			Addr:           getenv("REDIS_ADDR", ""),
			Password:       getenv("REDIS_PASSWORD", ""),
			DB:             getenvInt("REDIS_DB", 0),
			IdempotencyTTL: getenvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
	}
}

// Validate reports configuration that would make the scheduler unusable.
func (c Config) Validate() error {
	var errs []error
	if c.Scheduler.MinBatchSize < 1 {
		errs = append(errs, fmt.Errorf("SCHEDULER_MIN_BATCH must be >= 1, got %d", c.Scheduler.MinBatchSize))
	}
	if c.Scheduler.MaxBatchSize < c.Scheduler.MinBatchSize {
		errs = append(errs, fmt.Errorf("SCHEDULER_MAX_BATCH (%d) must be >= SCHEDULER_MIN_BATCH (%d)",
			c.Scheduler.MaxBatchSize, c.Scheduler.MinBatchSize))
	}
	switch c.Scheduler.ShutdownMode {
	case ModeExitOnBatchComplete, ModeContinuous:
	default:
		errs = append(errs, fmt.Errorf("unknown SCHEDULER_SHUTDOWN_MODE %q", c.Scheduler.ShutdownMode))
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("SCHEDULER_TIMEZONE: %w", err))
	}
	if !c.Provider.DryRun && !c.Provider.HasCredentials() {
		errs = append(errs, errors.New("twitter credentials are required unless PROVIDER_DRY_RUN=true"))
	}
	return errors.Join(errs...)
}

// HasCredentials reports whether all four OAuth 1.0a values are present.
func (p Provider) HasCredentials() bool {
	return p.APIKey != "" && p.APISecretKey != "" && p.AccessToken != "" && p.AccessTokenSecret != ""
}

// Location returns the configured scheduler timezone, UTC if it cannot be loaded.
func (s Scheduler) Location() *time.Location {
	loc, err := time.LoadLocation(strings.TrimSpace(s.Timezone))
	if err != nil {
		return time.UTC
	}
	return loc
}

// ExitOnBatchComplete reports whether the process stops after a batch finishes.
func (s Scheduler) ExitOnBatchComplete() bool {
	return s.ShutdownMode == ModeExitOnBatchComplete
}
