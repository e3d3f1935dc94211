package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/Mosas2000/ProphetBase-sub004/libs/config"
	"github.com/shopspring/decimal"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// Enabled reports whether a database was configured at all; without one
// the service runs on its in-memory stores.
func (c DBConfig) Enabled() bool { return c.Host != "" }

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type QuotaConfig struct {
	LoginLimit    int
	LoginWindow   time.Duration
	SweepInterval time.Duration
	Redis         RedisConfig
}

type WithdrawalConfig struct {
	ApprovalThreshold decimal.Decimal
	MultiSigThreshold decimal.Decimal
	CoolingPeriod     time.Duration
	PendingTTL        time.Duration
	SweepInterval     time.Duration
}

type AuditConfig struct {
	NodeID          int64
	Retention       time.Duration
	ArchiveInterval time.Duration
}

type KafkaConfig struct {
	Brokers    []string
	AlertTopic string
}

func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

type ThrottleConfig struct {
	RPS   float64
	Burst int
}

type Config struct {
	App              base.AppConfig
	JWTSecret        string
	ExportSigningKey string
	DB               DBConfig
	Quota            QuotaConfig
	Withdrawal       WithdrawalConfig
	Audit            AuditConfig
	Kafka            KafkaConfig
	Throttle         ThrottleConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("PB_CONFIG"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App:              *appCfg,
		JWTSecret:        envString("PB_JWT_SECRET", ""),
		ExportSigningKey: envString("PB_EXPORT_SIGNING_KEY", ""),
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", ""),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "pb_security"),
			User:     envString("POSTGRES_USER", "pb"),
			Password: envString("POSTGRES_PASSWORD", "pb"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Quota: QuotaConfig{
			LoginLimit:    envInt("PB_LOGIN_RATE_LIMIT", 10),
			LoginWindow:   envDuration("PB_LOGIN_RATE_WINDOW", time.Minute),
			SweepInterval: envDuration("PB_QUOTA_SWEEP_INTERVAL", 5*time.Minute),
			Redis: RedisConfig{
				Addr:     envString("PB_RATE_LIMIT_REDIS_ADDR", ""),
				Password: envString("PB_RATE_LIMIT_REDIS_PASSWORD", ""),
				DB:       envInt("PB_RATE_LIMIT_REDIS_DB", 0),
				Prefix:   envString("PB_RATE_LIMIT_REDIS_PREFIX", "pb:security:rl:"),
			},
		},
		Withdrawal: WithdrawalConfig{
			ApprovalThreshold: envDecimal("PB_APPROVAL_THRESHOLD", decimal.NewFromInt(1000)),
			MultiSigThreshold: envDecimal("PB_MULTISIG_THRESHOLD", decimal.NewFromInt(10000)),
			CoolingPeriod:     envDuration("PB_COOLING_PERIOD", time.Hour),
			PendingTTL:        envDuration("PB_WITHDRAWAL_PENDING_TTL", 168*time.Hour),
			SweepInterval:     envDuration("PB_WITHDRAWAL_SWEEP_INTERVAL", time.Hour),
		},
		Audit: AuditConfig{
			NodeID:          int64(envInt("PB_AUDIT_NODE_ID", 1)),
			Retention:       envDuration("PB_AUDIT_RETENTION", 90*24*time.Hour),
			ArchiveInterval: envDuration("PB_AUDIT_ARCHIVE_INTERVAL", 24*time.Hour),
		},
		Kafka: KafkaConfig{
			Brokers:    envList("PB_KAFKA_BROKERS"),
			AlertTopic: envString("PB_KAFKA_ALERT_TOPIC", "security.alerts"),
		},
		Throttle: ThrottleConfig{
			RPS:   envFloat("PB_HTTP_THROTTLE_RPS", 50),
			Burst: envInt("PB_HTTP_THROTTLE_BURST", 100),
		},
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("PB_JWT_SECRET must be set")
	}
	if cfg.ExportSigningKey == "" {
		return nil, fmt.Errorf("PB_EXPORT_SIGNING_KEY must be set")
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
