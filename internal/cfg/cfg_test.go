package cfg

import (
	"flag"
	"slices"
	"strings"
	"testing"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:           60,
		ShutdownBudgetSeconds:  90,
		APIPort:                8080,
		DeliveryQueueKey:       "sms:outbound",
		DeliveryTimeoutSeconds: 10,
		CORSOrigins:            "*",
		SweepIntervalSeconds:   60,
		SweepAgeSeconds:        300,
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.DeliveryQueueKey != "sms:outbound" {
		t.Errorf("DeliveryQueueKey = %q, want %q", c.DeliveryQueueKey, "sms:outbound")
	}
	if c.DeliveryTimeoutSeconds != 10 {
		t.Errorf("DeliveryTimeoutSeconds = %d, want 10", c.DeliveryTimeoutSeconds)
	}
	if c.ConfirmOnBook {
		t.Error("ConfirmOnBook = true, want false")
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-http-port", "9090",
		"-database-url", "postgres://localhost/intake",
		"-redis-addr", "localhost:6379",
		"-delivery-webhook-url", "https://sms.example/send",
		"-keywords-file", "/etc/intake/keywords.json",
		"-confirm-on-book",
		"-rate-limit-per-minute", "120",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.DatabaseURL != "postgres://localhost/intake" {
		t.Errorf("DatabaseURL = %q", c.DatabaseURL)
	}
	if c.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", c.RedisAddr)
	}
	if c.DeliveryWebhookURL != "https://sms.example/send" {
		t.Errorf("DeliveryWebhookURL = %q", c.DeliveryWebhookURL)
	}
	if c.KeywordsFile != "/etc/intake/keywords.json" {
		t.Errorf("KeywordsFile = %q", c.KeywordsFile)
	}
	if !c.ConfirmOnBook {
		t.Error("ConfirmOnBook = false, want true")
	}
	if c.RateLimitPerMinute != 120 {
		t.Errorf("RateLimitPerMinute = %d, want 120", c.RateLimitPerMinute)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(c *Config)
		errSubstr []string // substrings that must appear in error message
	}{
		{"defaults are valid", func(*Config) {}, nil},
		{"minimum valid values", func(c *Config) {
			c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 1, 2, 1
			c.DeliveryTimeoutSeconds, c.SweepIntervalSeconds, c.SweepAgeSeconds = 1, 1, 2
		}, nil},
		{"maximum valid values", func(c *Config) {
			c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 299, 300, 65535
			c.DeliveryTimeoutSeconds, c.SweepIntervalSeconds, c.SweepAgeSeconds = 120, 3600, 121
		}, nil},
		{"drain zero", func(c *Config) { c.DrainSeconds = 0 }, []string{"DRAIN_SECONDS"}},
		{"drain too high", func(c *Config) { c.DrainSeconds = 301 }, []string{"DRAIN_SECONDS"}},
		{"budget not above drain", func(c *Config) { c.ShutdownBudgetSeconds = 60 }, []string{"must be greater than DRAIN_SECONDS"}},
		{"port zero", func(c *Config) { c.APIPort = 0 }, []string{"HTTP_PORT 0"}},
		{"port too high", func(c *Config) { c.APIPort = 65536 }, []string{"HTTP_PORT 65536"}},
		{"negative slow query", func(c *Config) { c.DBSlowQueryMillis = -1 }, []string{"DB_SLOW_QUERY_MS"}},
		{"negative redis db", func(c *Config) { c.RedisDB = -1 }, []string{"REDIS_DB"}},
		{"webhook not a url", func(c *Config) { c.DeliveryWebhookURL = "sms gateway" }, []string{"DELIVERY_WEBHOOK_URL"}},
		{"webhook wrong scheme", func(c *Config) { c.DeliveryWebhookURL = "ftp://sms.example" }, []string{"DELIVERY_WEBHOOK_URL"}},
		{"delivery timeout zero", func(c *Config) { c.DeliveryTimeoutSeconds = 0 }, []string{"DELIVERY_TIMEOUT_SECONDS 0"}},
		{"rate limit without redis", func(c *Config) { c.RateLimitPerMinute = 60 }, []string{"requires REDIS_ADDR"}},
		{"rate limit with redis", func(c *Config) { c.RateLimitPerMinute = 60; c.RedisAddr = "localhost:6379" }, nil},
		{"sweep interval zero", func(c *Config) { c.SweepIntervalSeconds = 0 }, []string{"SWEEP_INTERVAL_SECONDS"}},
		{"sweep age within timeout", func(c *Config) { c.SweepAgeSeconds = 10 }, []string{"SWEEP_AGE_SECONDS 10"}},
		{"multiple errors joined", func(c *Config) {
			c.APIPort = 0
			c.DeliveryTimeoutSeconds = 500
		}, []string{"HTTP_PORT", "DELIVERY_TIMEOUT_SECONDS"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := validBase()
			tt.mutate(&c)
			err := c.Validate()

			if len(tt.errSubstr) == 0 {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			for _, sub := range tt.errSubstr {
				if !strings.Contains(err.Error(), sub) {
					t.Errorf("error %q missing substring %q", err, sub)
				}
			}
		})
	}
}

func TestAllowedOrigins(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{"*", []string{"*"}},
		{"https://desk.example, https://staff.example ,", []string{"https://desk.example", "https://staff.example"}},
		{"", nil},
	}
	for _, tt := range tests {
		c := Config{CORSOrigins: tt.in}
		if got := c.AllowedOrigins(); !slices.Equal(got, tt.want) {
			t.Errorf("AllowedOrigins(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
