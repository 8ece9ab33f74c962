// Package config provides runtime configuration values for the service.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds configuration knobs for the HTTP server, the payment
// processor, and the optional durable backends.
type Config struct {
	ServiceName     string
	Env             string
	HTTPAddr        string
	ShutdownTimeout time.Duration

	// Payment processor.
	ProcessorAPIURL    string
	ProcessorSecretKey string
	WebhookSecret      string
	SuccessURL         string
	CancelURL          string
	SessionTimeout     time.Duration
	Currency           string

	// Bearer credential verification.
	JWTSecret string

	// Optional durable backends. Empty means in-memory.
	RedisAddr   string
	PostgresDSN string
	AMQPURL     string

	// SeedDemo loads a demo catalog at startup.
	SeedDemo bool
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durenvs(key string, defSec int) time.Duration {
	sec := atoienv(key, defSec)
	return time.Duration(sec) * time.Second
}

// Load collects configuration from environment with defaults.
func Load() Config {
	return Config{
		ServiceName:     getenv("SERVICE_NAME", "checkout-backend"),
		Env:             getenv("ENV", "dev"),
		HTTPAddr:        getenv("HTTP_ADDR", ":8080"),
		ShutdownTimeout: durenvs("SHUTDOWN_TIMEOUT", 10),

		ProcessorAPIURL:    getenv("PROCESSOR_API_URL", "https://api.stripe.com/v1"),
		ProcessorSecretKey: getenv("PROCESSOR_SECRET_KEY", ""),
		WebhookSecret:      getenv("PROCESSOR_WEBHOOK_SECRET", ""),
		SuccessURL:         getenv("CHECKOUT_SUCCESS_URL", "https://shop.example.com/payment/success"),
		CancelURL:          getenv("CHECKOUT_CANCEL_URL", "https://shop.example.com/payment/cancel"),
		SessionTimeout:     durenvs("PROCESSOR_TIMEOUT", 10),
		Currency:           getenv("CHECKOUT_CURRENCY", "inr"),

		JWTSecret: getenv("JWT_SECRET", ""),

		RedisAddr:   getenv("REDIS_ADDR", ""),
		PostgresDSN: getenv("POSTGRES_DSN", ""),
		AMQPURL:     getenv("AMQP_URL", ""),

		SeedDemo: getenv("SEED_DEMO_PRODUCTS", "false") == "true",
	}
}
