package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	StoreBackendPostgres  = "postgres"
	StoreBackendFirestore = "firestore"
	StoreBackendMemory    = "memory"

	GatewayFCM     = "fcm"
	GatewayWebhook = "webhook"

	TriggerRabbitMQ  = "rabbitmq"
	TriggerFirestore = "firestore"
)

type Config struct {
	RetentionWindowDays   int    `env:"RETENTION_WINDOW_DAYS,default=7"`
	GatewayTimeoutSeconds int    `env:"GATEWAY_TIMEOUT_SECONDS,default=10"`
	BatchPageSize         int    `env:"BATCH_PAGE_SIZE,default=500"`
	SweepSchedule         string `env:"SWEEP_SCHEDULE,default=@every 24h"`
	SweepOnStart          bool   `env:"SWEEP_ON_START,default=false"`
	GatewayMaxAttempts    int    `env:"GATEWAY_MAX_ATTEMPTS,default=1"`
	StoreTimeoutSeconds   int    `env:"STORE_TIMEOUT_SECONDS,default=5"`

	StoreBackend string `env:"STORE_BACKEND,default=postgres"`
	Gateway      string `env:"GATEWAY,default=fcm"`
	Trigger      string `env:"TRIGGER,default=rabbitmq"`

	DatabaseDSN string `env:"DATABASE_DSN"`
	RabbitMQURL string `env:"RABBITMQ_URL"`
	RedisURL    string `env:"REDIS_URL"`

	FirebaseProjectID       string `env:"FIREBASE_PROJECT_ID"`
	FirebaseCredentialsJSON string `env:"FIREBASE_CREDENTIALS_JSON"`
	FirestoreCollection     string `env:"FIRESTORE_COLLECTION,default=notifications"`

	WebhookURL string `env:"WEBHOOK_URL"`

	FCMAndroidChannelID string `env:"FCM_ANDROID_CHANNEL_ID,default=default"`
	FCMSound            string `env:"FCM_SOUND,default=default"`
	FCMBadge            int    `env:"FCM_BADGE,default=1"`

	RateLimitPerSec        int `env:"RATE_LIMIT_PER_SEC,default=100"`
	DeliveryLockTTLSeconds int `env:"DELIVERY_LOCK_TTL_SECONDS,default=30"`
	WorkerConcurrency      int `env:"WORKER_CONCURRENCY,default=16"`

	PendingScanIntervalSeconds int `env:"PENDING_SCAN_INTERVAL_SECONDS,default=60"`
	PendingGraceSeconds        int `env:"PENDING_GRACE_SECONDS,default=120"`

	APIPort   int    `env:"API_PORT,default=8080"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.Gateway = strings.ToLower(strings.TrimSpace(cfg.Gateway))
	cfg.Trigger = strings.ToLower(strings.TrimSpace(cfg.Trigger))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that depend on the selected backends.
func (c *Config) Validate() error {
	switch {
	case c.RetentionWindowDays < 1:
		return fmt.Errorf("invalid config: RETENTION_WINDOW_DAYS must be >= 1")
	case c.GatewayTimeoutSeconds < 1:
		return fmt.Errorf("invalid config: GATEWAY_TIMEOUT_SECONDS must be >= 1")
	case c.StoreTimeoutSeconds < 1:
		return fmt.Errorf("invalid config: STORE_TIMEOUT_SECONDS must be >= 1")
	case c.BatchPageSize < 1 || c.BatchPageSize > 500:
		return fmt.Errorf("invalid config: BATCH_PAGE_SIZE must be between 1 and 500")
	case c.GatewayMaxAttempts < 1:
		return fmt.Errorf("invalid config: GATEWAY_MAX_ATTEMPTS must be >= 1")
	case c.WorkerConcurrency < 1:
		return fmt.Errorf("invalid config: WORKER_CONCURRENCY must be >= 1")
	}

	switch c.StoreBackend {
	case StoreBackendPostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("invalid config: DATABASE_DSN is required for the postgres store")
		}
	case StoreBackendFirestore, StoreBackendMemory:
	default:
		return fmt.Errorf("invalid config: unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.Gateway {
	case GatewayFCM:
	case GatewayWebhook:
		if c.WebhookURL == "" {
			return fmt.Errorf("invalid config: WEBHOOK_URL is required for the webhook gateway")
		}
	default:
		return fmt.Errorf("invalid config: unknown GATEWAY %q", c.Gateway)
	}

	switch c.Trigger {
	case TriggerRabbitMQ:
		if c.RabbitMQURL == "" {
			return fmt.Errorf("invalid config: RABBITMQ_URL is required for the rabbitmq trigger")
		}
	case TriggerFirestore:
		if c.StoreBackend != StoreBackendFirestore {
			return fmt.Errorf("invalid config: the firestore trigger requires STORE_BACKEND=firestore")
		}
	default:
		return fmt.Errorf("invalid config: unknown TRIGGER %q", c.Trigger)
	}

	if c.NeedsFirebase() && c.FirebaseProjectID == "" {
		return fmt.Errorf("invalid config: FIREBASE_PROJECT_ID is required for firestore and fcm")
	}
	return nil
}

// NeedsFirebase reports whether a Firebase app must be initialized.
func (c *Config) NeedsFirebase() bool {
	return c.StoreBackend == StoreBackendFirestore || c.Gateway == GatewayFCM
}

func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionWindowDays) * 24 * time.Hour
}

func (c *Config) GatewayTimeout() time.Duration {
	return time.Duration(c.GatewayTimeoutSeconds) * time.Second
}

func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSeconds) * time.Second
}

func (c *Config) DeliveryLockTTL() time.Duration {
	return time.Duration(c.DeliveryLockTTLSeconds) * time.Second
}

func (c *Config) PendingScanInterval() time.Duration {
	return time.Duration(c.PendingScanIntervalSeconds) * time.Second
}

func (c *Config) PendingGrace() time.Duration {
	return time.Duration(c.PendingGraceSeconds) * time.Second
}
