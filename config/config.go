package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Backend     BackendConfig
	Server      ServerConfig
	Persistence PersistenceConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Observ      ObservabilityConfig
	Checkout    CheckoutConfig
}

// BackendConfig points at the ticketing backend. Fake serves an in-process
// backend instead, for demos and local UI work.
type BackendConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	Fake           bool
}

type ServerConfig struct {
	Port string
	Env  string
}

// PersistenceConfig selects the durable store behind cart, payment method and
// ticket cache snapshots. Driver is one of "sqlite3", "postgres", "redis" or
// "memory".
type PersistenceConfig struct {
	Driver string
	DSN    string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Enabled        bool
	Brokers        []string
	TopicEvents    string
	TopicCallbacks string
	ConsumerGroup  string
}

type ObservabilityConfig struct {
	JaegerEndpoint string
}

type CheckoutConfig struct {
	HoldDurationSeconds    int
	CartTTL                time.Duration
	PaymentPollInterval    time.Duration
	PaymentPollMaxAttempts int
	PaymentPollTimeout     time.Duration
	OrderPageSize          int
	AvailabilityRetries    int
}

func Load() *Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	holdDuration, _ := strconv.Atoi(getEnv("HOLD_DURATION_SECONDS", "300"))
	pollAttempts, _ := strconv.Atoi(getEnv("PAYMENT_POLL_MAX_ATTEMPTS", "40"))
	pageSize, _ := strconv.Atoi(getEnv("ORDER_PAGE_SIZE", "20"))
	availabilityRetries, _ := strconv.Atoi(getEnv("AVAILABILITY_RETRIES", "2"))
	kafkaEnabled, _ := strconv.ParseBool(getEnv("KAFKA_ENABLED", "false"))
	fakeBackend, _ := strconv.ParseBool(getEnv("BACKEND_FAKE", "false"))

	cfg := &Config{
		Backend: BackendConfig{
			BaseURL:        getEnv("BACKEND_BASE_URL", "http://localhost:5000"),
			RequestTimeout: getDuration("REQUEST_TIMEOUT", 30*time.Second),
			Fake:           fakeBackend,
		},
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Env:  getEnv("ENV", "development"),
		},
		Persistence: PersistenceConfig{
			Driver: getEnv("PERSISTENCE_DRIVER", "sqlite3"),
			DSN:    getEnv("PERSISTENCE_DSN", "file:checkout.db?_busy_timeout=5000"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Kafka: KafkaConfig{
			Enabled:        kafkaEnabled,
			Brokers:        strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			TopicEvents:    getEnv("KAFKA_TOPIC_CHECKOUT_EVENTS", "checkout-events"),
			TopicCallbacks: getEnv("KAFKA_TOPIC_PAYMENT_CALLBACKS", "payment-callbacks"),
			ConsumerGroup:  getEnv("KAFKA_CONSUMER_GROUP", "checkout-core-group"),
		},
		Observ: ObservabilityConfig{
			JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		},
		Checkout: CheckoutConfig{
			HoldDurationSeconds:    holdDuration,
			CartTTL:                getDuration("CART_TTL", 24*time.Hour),
			PaymentPollInterval:    getDuration("PAYMENT_POLL_INTERVAL", 3*time.Second),
			PaymentPollMaxAttempts: pollAttempts,
			PaymentPollTimeout:     getDuration("PAYMENT_POLL_TIMEOUT", 2*time.Minute),
			OrderPageSize:          pageSize,
			AvailabilityRetries:    availabilityRetries,
		},
	}

	log.Printf("Config loaded: env=%s, backend=%s, persistence=%s", cfg.Server.Env, cfg.Backend.BaseURL, cfg.Persistence.Driver)
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultVal
	}
	return d
}
