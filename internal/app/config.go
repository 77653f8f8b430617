package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (KART_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (KART_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (KART_API_KEY_PEPPER)" flag:"api-key-pepper"`
	Store        StoreConfig
	Cart         CartConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	Outbox       OutboxConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// StoreConfig bounds engine transactions.
type StoreConfig struct {
	Timeout time.Duration `default:"3s" usage:"Deadline of one engine operation" flag:"store-timeout"`
}

// CartConfig controls the abandoned cart sweeper.
type CartConfig struct {
	ExpireAfter   time.Duration `default:"72h" usage:"Cancel carts untouched for this long; 0 disables expiry" flag:"cart-expire-after"`
	SweepInterval time.Duration `default:"5m" usage:"How often to look for abandoned carts" flag:"cart-sweep-interval"`
}

// RedisConfig configures the idempotency store. An empty Addr disables
// Idempotency-Key support.
type RedisConfig struct {
	Addr           string        `default:"" usage:"Redis address (host:port)" flag:"redis-addr"`
	Password       string        `default:"" usage:"Redis password" flag:"redis-password"`
	DB             int           `default:"0" usage:"Redis database number" flag:"redis-db"`
	IdempotencyTTL time.Duration `default:"24h" usage:"How long idempotent responses are kept" flag:"idempotency-ttl"`
}

// KafkaConfig configures event publishing. No brokers disables the relay;
// events then stay in the outbox table.
type KafkaConfig struct {
	Brokers []string `usage:"Kafka broker addresses" flag:"kafka-brokers"`
	Topic   string   `default:"kart.events" usage:"Topic events are published to" flag:"kafka-topic"`
}

// OutboxConfig tunes the outbox relay.
type OutboxConfig struct {
	Interval    time.Duration `default:"500ms" usage:"Outbox poll interval" flag:"outbox-interval"`
	BatchSize   int           `default:"100" usage:"Messages claimed per poll" flag:"outbox-batch-size"`
	MaxBacklog  int           `default:"10000" usage:"Backlog above which the instance reports not ready" flag:"outbox-max-backlog"`
	MaxAttempts int           `default:"10" usage:"Deliveries tried before a message is marked failed" flag:"outbox-max-attempts"`
}

// RateLimitConfig controls the per-key sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "KART",
		Files:     []string{"config.yaml", "/etc/kart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set KART_DATABASE_URL or DATABASE_URL")
	}
	if c.Store.Timeout <= 0 {
		return errors.Errorf("store timeout must be positive, got %s", c.Store.Timeout)
	}
	if c.Cart.ExpireAfter > 0 && c.Cart.SweepInterval <= 0 {
		return errors.New("cart sweep interval must be positive when expiry is enabled")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka topic is required when brokers are set")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL, REDIS_ADDR and PORT
// to the application's KART_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if c.Redis.Addr == "" {
		if v := os.Getenv("REDIS_ADDR"); v != "" {
			c.Redis.Addr = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
