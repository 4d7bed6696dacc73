package main

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds everything the service reads from the environment.
// Processor credentials stay here and are never echoed back to clients.
type Config struct {
	Env  string
	Port string

	ProcessorGatewayURL string
	ProcessorMerchantID string
	ProcessorPublicKey  string
	ProcessorPrivateKey string

	OrderAPIURL      string
	ConfirmURL       string
	ConfirmAuthToken string
	RatesURL         string

	RedisAddr     string
	RedisPassword string

	JWTSecret      string
	AdminTokenHash string

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration

	LogLevel   LogLevel
	PIIMasking bool
}

// LoadConfig reads the environment into a Config. godotenv has already
// populated the process environment by the time this runs.
func LoadConfig() *Config {
	return &Config{
		Env:  getString("APP_ENV", "sandbox"),
		Port: getString("PORT", "8080"),

		ProcessorGatewayURL: getString("PROCESSOR_GATEWAY_URL", "https://api.sandbox.braintreegateway.com"),
		ProcessorMerchantID: os.Getenv("PROCESSOR_MERCHANT_ID"),
		ProcessorPublicKey:  os.Getenv("PROCESSOR_PUBLIC_KEY"),
		ProcessorPrivateKey: os.Getenv("PROCESSOR_PRIVATE_KEY"),

		OrderAPIURL:      os.Getenv("ORDER_API_URL"),
		ConfirmURL:       os.Getenv("CONFIRM_URL"),
		ConfirmAuthToken: os.Getenv("CONFIRM_AUTH_TOKEN"),
		RatesURL:         getString("RATES_URL", "https://api.exchangerate-api.com/v4"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		JWTSecret:      os.Getenv("JWT_SECRET"),
		AdminTokenHash: os.Getenv("ADMIN_TOKEN_HASH"),

		RetryMaxAttempts: getInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:   getDuration("RETRY_BASE_DELAY_MS", 1000) * time.Millisecond,

		LogLevel:   LogLevel(getString("LOG_LEVEL", string(LogLevelInfo))),
		PIIMasking: getBool("PII_MASKING", true),
	}
}

// Validate rejects a configuration the service cannot start with.
func (c *Config) Validate() error {
	if c.ProcessorMerchantID == "" || c.ProcessorPublicKey == "" || c.ProcessorPrivateKey == "" {
		return fmt.Errorf("processor credentials are not configured")
	}
	if c.ConfirmURL == "" {
		return fmt.Errorf("CONFIRM_URL is not configured")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is not configured")
	}
	if c.Env != "sandbox" && c.Env != "live" {
		return fmt.Errorf("APP_ENV must be sandbox or live, got %q", c.Env)
	}
	return nil
}

// RetryPolicy builds the widget initialization retry policy from config.
func (c *Config) RetryPolicy() RetryPolicy {
	policy := DefaultInitRetryPolicy()
	if c.RetryMaxAttempts > 0 {
		policy.MaxAttempts = c.RetryMaxAttempts
	}
	if c.RetryBaseDelay > 0 {
		policy.BaseDelay = c.RetryBaseDelay
	}
	return policy
}

func getString(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallbackMs int) time.Duration {
	return time.Duration(getInt(key, fallbackMs))
}
