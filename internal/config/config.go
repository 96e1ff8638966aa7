// Package config reads process configuration from .env, the environment
// and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/channel"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/scheduler"
)

type Config struct {
	HTTPAddr      string
	DBDriver      string
	DatabaseURL   string
	PublicBaseURL string
	CORSOrigins   []string

	DispatchCron     string
	SweepCron        string
	BatchSize        int
	Concurrency      int
	TimeoutSMS       time.Duration
	TimeoutEmail     time.Duration
	TimeoutCall      time.Duration
	ClaimLease       time.Duration
	CallGracePeriod  time.Duration
	AsyncGracePeriod time.Duration
	Once             bool

	RedisAddr          string
	KafkaBrokers       string
	KafkaActivityTopic string

	BlandAPIURL      string
	BlandAPIKey      string
	TwilioAPIURL     string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	SESFromEmail     string
	AWSRegion        string

	PriceCallPerMinute   float64
	PriceSMSPerSegment   float64
	PriceEmailPerMessage float64

	LogLevel  string
	LogFormat string
}

// Load reads .env if present (the returned bool reports whether it was
// found), then the environment, then args.
func Load(args []string) (Config, bool, error) {
	foundEnv := godotenv.Load() == nil

	var errs []error
	e := env{errs: &errs}
	c := Config{
		HTTPAddr:      e.str("HTTP_ADDR", ":8080"),
		DBDriver:      e.str("DB_DRIVER", "sqlite"),
		DatabaseURL:   e.str("DATABASE_URL", "rentfinder.db"),
		PublicBaseURL: strings.TrimRight(e.str("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		CORSOrigins:   splitCSV(e.str("CORS_ORIGINS", "")),

		DispatchCron:     e.str("DISPATCH_CRON", "@every 5m"),
		SweepCron:        e.str("SWEEP_CRON", "@every 10m"),
		BatchSize:        e.int("DISPATCH_BATCH_SIZE", 50),
		Concurrency:      e.int("DISPATCH_CONCURRENCY", 8),
		TimeoutSMS:       e.dur("DISPATCH_TIMEOUT_SMS", 5*time.Second),
		TimeoutEmail:     e.dur("DISPATCH_TIMEOUT_EMAIL", 5*time.Second),
		TimeoutCall:      e.dur("DISPATCH_TIMEOUT_CALL", 30*time.Second),
		ClaimLease:       e.dur("CLAIM_LEASE", 10*time.Minute),
		CallGracePeriod:  e.dur("CALL_GRACE_PERIOD", time.Hour),
		AsyncGracePeriod: e.dur("ASYNC_GRACE_PERIOD", time.Hour),

		RedisAddr:          e.str("REDIS_ADDR", ""),
		KafkaBrokers:       e.str("KAFKA_BROKERS", ""),
		KafkaActivityTopic: e.str("KAFKA_ACTIVITY_TOPIC", "rentfinder-activity"),

		BlandAPIURL:      e.str("BLAND_API_URL", "https://api.bland.ai"),
		BlandAPIKey:      e.str("BLAND_API_KEY", ""),
		TwilioAPIURL:     e.str("TWILIO_API_URL", "https://api.twilio.com"),
		TwilioAccountSID: e.str("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  e.str("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber: e.str("TWILIO_FROM_NUMBER", ""),
		SESFromEmail:     e.str("SES_FROM_EMAIL", ""),
		AWSRegion:        e.str("AWS_REGION", "us-east-2"),

		PriceCallPerMinute:   e.float("PRICE_CALL_PER_MINUTE", 0.09),
		PriceSMSPerSegment:   e.float("PRICE_SMS_PER_SEGMENT", 0.0079),
		PriceEmailPerMessage: e.float("PRICE_EMAIL_PER_MESSAGE", 0.0001),

		LogLevel:  e.str("LOG_LEVEL", "info"),
		LogFormat: e.str("LOG_FORMAT", "json"),
	}

	fs := flag.NewFlagSet("rentfinder", flag.ContinueOnError)
	fs.StringVar(&c.HTTPAddr, "addr", c.HTTPAddr, "HTTP bind address")
	fs.StringVar(&c.DBDriver, "db-driver", c.DBDriver, "database driver: sqlite or postgres")
	fs.StringVar(&c.DatabaseURL, "db", c.DatabaseURL, "SQLite path or Postgres URL")
	fs.IntVar(&c.Concurrency, "concurrency", c.Concurrency, "tasks dispatched in parallel per cycle")
	fs.IntVar(&c.BatchSize, "batch", c.BatchSize, "tasks claimed per cycle")
	fs.BoolVar(&c.Once, "once", false, "run one dispatch cycle and one sweep, then exit")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level")
	if err := fs.Parse(args); err != nil {
		return c, foundEnv, err
	}

	if err := c.validate(); err != nil {
		errs = append(errs, err)
	}
	return c, foundEnv, errors.Join(errs...)
}

func (c Config) validate() error {
	var errs []error
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver))
	}
	if err := scheduler.ValidateCronExpression(c.DispatchCron); err != nil {
		errs = append(errs, fmt.Errorf("DISPATCH_CRON: %w", err))
	}
	if err := scheduler.ValidateCronExpression(c.SweepCron); err != nil {
		errs = append(errs, fmt.Errorf("SWEEP_CRON: %w", err))
	}
	if c.BatchSize <= 0 || c.Concurrency <= 0 {
		errs = append(errs, errors.New("batch size and concurrency must be positive"))
	}
	return errors.Join(errs...)
}

// Defaults returns the platform-wide vendor credentials keyed by vendor,
// used when an organization has none of its own.
func (c Config) Defaults() map[string]map[string]string {
	return map[string]map[string]string{
		channel.VendorBland:  {"api_key": c.BlandAPIKey},
		channel.VendorTwilio: {"account_sid": c.TwilioAccountSID, "auth_token": c.TwilioAuthToken, "from_number": c.TwilioFromNumber},
		channel.VendorSES:    {"from_email": c.SESFromEmail},
	}
}

type env struct {
	errs *[]error
}

func (e env) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e env) int(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e env) float(key string, def float64) float64 {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (e env) dur(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
