package config

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config holds everything the server, worker and CLIs read from the environment
type Config struct {
	Env      string         `env:"ENV,default=development"`
	Port     string         `env:"PORT,default=8080"`
	Database DatabaseConfig `env:",prefix=DATABASE_"`
	Redis    RedisConfig    `env:",prefix=REDIS_"`
	Firebase FirebaseConfig `env:",prefix=FIREBASE_"`
	GymAPI   GymAPIConfig   `env:",prefix=GYM_API_"`
	Checkout CheckoutConfig `env:",prefix=CHECKOUT_"`
	Cache    CacheConfig    `env:",prefix=CACHE_"`
	Worker   WorkerConfig   `env:",prefix=WORKER_"`
}

type DatabaseConfig struct {
	URL string `env:"URL"`
}

type RedisConfig struct {
	URL string `env:"URL,default=redis://localhost:6379/0"`
}

type FirebaseConfig struct {
	CredentialsPath string `env:"CREDENTIALS_PATH,default=./firebase-service-account.json"`
	ProjectID       string `env:"PROJECT_ID"`
}

type GymAPIConfig struct {
	BaseURL    string        `env:"BASE_URL,default=http://localhost:8000/api/"`
	Timeout    time.Duration `env:"TIMEOUT,default=15s"`
	RatePerSec float64       `env:"RATE_PER_SEC,default=10"`
	Burst      int           `env:"BURST,default=20"`
	MaxRetries int           `env:"MAX_RETRIES,default=2"`
}

type CheckoutConfig struct {
	SettleDelay  time.Duration `env:"SETTLE_DELAY,default=1s"`
	GatewayHosts []string      `env:"GATEWAY_HOSTS,default=vnpayment.vn"`
	IdleTTL      time.Duration `env:"IDLE_TTL,default=30m"`
	StatusTTL    time.Duration `env:"STATUS_TTL,default=24h"`
	MaxAge       time.Duration `env:"MAX_AGE,default=2h"`
	MinAmount    int64         `env:"MIN_AMOUNT,default=1000"`
}

// CacheConfig sets how long backend answers are kept in Redis
type CacheConfig struct {
	SessionTTL  time.Duration `env:"SESSION_TTL,default=10m"`
	PackagesTTL time.Duration `env:"PACKAGES_TTL,default=5m"`
	MemberTTL   time.Duration `env:"MEMBER_TTL,default=1m"`
}

type WorkerConfig struct {
	Interval time.Duration `env:"INTERVAL,default=5m"`
	// MetricsAddr is where the worker serves /metrics; empty disables it
	MetricsAddr string `env:"METRICS_ADDR,default=:9091"`
}

// IsProduction reports whether the service runs with production settings
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// Load reads .env (when present) and then the process environment
func Load(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("env processing: %w", err)
	}
	return &cfg, nil
}

// FromLookuper builds a Config from an explicit source, used by tests
func FromLookuper(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("env processing: %w", err)
	}
	return &cfg, nil
}
