package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
)

// Config holds the application settings on top of the go-core package
// configs; it implements the common Registerable and Validatable interfaces.
type Config struct {
	DrainSeconds           int
	ShutdownBudgetSeconds  int
	APIPort                int
	DatabaseURL            string
	DBSlowQueryMillis      int
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	DeliveryWebhookURL     string
	DeliveryWebhookToken   string
	DeliveryQueueKey       string
	DeliveryTimeoutSeconds int
	KeywordsFile           string
	ConfirmOnBook          bool
	CORSOrigins            string
	RateLimitPerMinute     int
	SweepIntervalSeconds   int
	SweepAgeSeconds        int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBSlowQueryMillis, "db-slow-query-ms", 0, "only log successful queries slower than this many milliseconds (0 = log all)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis host:port for the SMS queue and rate limiting (empty = disabled)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")
	fs.StringVar(&c.DeliveryWebhookURL, "delivery-webhook-url", "", "SMS gateway URL; takes precedence over the Redis queue")
	fs.StringVar(&c.DeliveryWebhookToken, "delivery-webhook-token", "", "bearer token for the SMS gateway")
	fs.StringVar(&c.DeliveryQueueKey, "delivery-queue-key", "sms:outbound", "Redis list outbound SMS are pushed to")
	fs.IntVar(&c.DeliveryTimeoutSeconds, "delivery-timeout-seconds", 10, "seconds before an unanswered delivery is marked Failed (1..120)")
	fs.StringVar(&c.KeywordsFile, "keywords-file", "", "JSON file with emergency/urgent symptom keywords (empty = built-in)")
	fs.BoolVar(&c.ConfirmOnBook, "confirm-on-book", false, "send a confirmation SMS after every booking")
	fs.StringVar(&c.CORSOrigins, "cors-origins", "*", "comma-separated origins allowed to call the API from a browser")
	fs.IntVar(&c.RateLimitPerMinute, "rate-limit-per-minute", 0, "requests per client per minute, needs Redis (0 = unlimited)")
	fs.IntVar(&c.SweepIntervalSeconds, "sweep-interval-seconds", 60, "how often stale Pending notifications are failed (1..3600)")
	fs.IntVar(&c.SweepAgeSeconds, "sweep-age-seconds", 300, "age after which a Pending notification counts as stale")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DBSlowQueryMillis < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must be >= 0)", c.DBSlowQueryMillis))
	}
	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be >= 0)", c.RedisDB))
	}

	if c.DeliveryWebhookURL != "" {
		u, err := url.Parse(c.DeliveryWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid DELIVERY_WEBHOOK_URL %q (must be an http(s) URL)", c.DeliveryWebhookURL))
		}
	}
	if c.DeliveryTimeoutSeconds <= 0 || c.DeliveryTimeoutSeconds > 120 {
		errs = append(errs, fmt.Errorf("invalid DELIVERY_TIMEOUT_SECONDS %d (must be 1..120)", c.DeliveryTimeoutSeconds))
	}

	// Rate limiting counts in Redis
	if c.RateLimitPerMinute < 0 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE %d (must be >= 0)", c.RateLimitPerMinute))
	}
	if c.RateLimitPerMinute > 0 && c.RedisAddr == "" {
		errs = append(errs, errors.New("RATE_LIMIT_PER_MINUTE requires REDIS_ADDR"))
	}

	if c.SweepIntervalSeconds <= 0 || c.SweepIntervalSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid SWEEP_INTERVAL_SECONDS %d (must be 1..3600)", c.SweepIntervalSeconds))
	}

	// The sweeper must never fail a delivery that is still within its timeout
	if c.SweepAgeSeconds <= c.DeliveryTimeoutSeconds {
		errs = append(errs, fmt.Errorf("SWEEP_AGE_SECONDS %d must be greater than DELIVERY_TIMEOUT_SECONDS %d", c.SweepAgeSeconds, c.DeliveryTimeoutSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// AllowedOrigins splits CORSOrigins into a list, dropping blanks.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
