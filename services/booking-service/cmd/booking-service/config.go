package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/marketbook/libs/config"
)

type serviceConfig struct {
	Service  string
	Port     string
	GRPCPort string

	Storage            string
	DatabaseURL        string
	DBMaxConns         int
	DBStatementTimeout time.Duration
	Location           *time.Location

	JWTSecret              string
	StripeWebhookSecret    string
	StripeWebhookTolerance time.Duration

	EscrowHold      time.Duration
	EscrowSweep     time.Duration
	EscrowBatchSize int

	KafkaBrokers string
	KafkaGroupID string

	RedisAddr          string
	RateLimitPerMinute int
	RateLimitFailOpen  bool

	CORSOrigins []string
	BodyLimit   int
	HTTPTimeout time.Duration
}

func loadConfig() (serviceConfig, error) {
	var (
		cfg serviceConfig
		err error
	)
	cfg.Service = config.String("SERVICE_NAME", "booking-service")
	if cfg.Port, err = config.Port("PORT", "8083"); err != nil {
		return cfg, err
	}
	if cfg.GRPCPort, err = config.Port("GRPC_PORT", "9093"); err != nil {
		return cfg, err
	}

	cfg.Storage = strings.ToLower(config.String("STORAGE", "postgres"))
	switch cfg.Storage {
	case "postgres":
		if cfg.DatabaseURL, err = config.RequiredString("DATABASE_URL"); err != nil {
			return cfg, err
		}
		if cfg.DBMaxConns, err = config.Int("DB_MAX_CONNS", 10); err != nil {
			return cfg, err
		}
		if cfg.DBStatementTimeout, err = config.Duration("DB_STATEMENT_TIMEOUT", 10*time.Second); err != nil {
			return cfg, err
		}
	case "memory":
	default:
		return cfg, fmt.Errorf("STORAGE must be postgres or memory, got %q", cfg.Storage)
	}
	if cfg.Location, err = time.LoadLocation(config.String("BOOKING_TIMEZONE", "UTC")); err != nil {
		return cfg, fmt.Errorf("BOOKING_TIMEZONE: %w", err)
	}

	if cfg.JWTSecret, err = config.RequiredString("JWT_SECRET"); err != nil {
		return cfg, err
	}
	cfg.StripeWebhookSecret = config.String("STRIPE_WEBHOOK_SECRET", "")
	if cfg.StripeWebhookTolerance, err = config.Duration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute); err != nil {
		return cfg, err
	}

	if cfg.EscrowHold, err = config.Duration("ESCROW_HOLD_PERIOD", 72*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.EscrowSweep, err = config.Duration("ESCROW_SWEEP_INTERVAL", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.EscrowBatchSize, err = config.Int("ESCROW_BATCH_SIZE", 100); err != nil {
		return cfg, err
	}

	cfg.KafkaBrokers = config.String("KAFKA_BROKERS", "")
	cfg.KafkaGroupID = config.String("KAFKA_GROUP_ID", "booking-service")

	cfg.RedisAddr = config.String("REDIS_ADDR", "")
	if cfg.RateLimitPerMinute, err = config.Int("RATE_LIMIT_PER_MINUTE", 60); err != nil {
		return cfg, err
	}
	cfg.RateLimitFailOpen = config.Bool("RATE_LIMIT_FAIL_OPEN", true)

	cfg.CORSOrigins = config.List("CORS_ALLOWED_ORIGINS")
	if cfg.BodyLimit, err = config.Int("HTTP_BODY_LIMIT_BYTES", 1<<20); err != nil {
		return cfg, err
	}
	if cfg.HTTPTimeout, err = config.Duration("HTTP_TIMEOUT", 15*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}
