package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv         string `env:"APP_ENV" envDefault:"development"`
	APIAddr        string `env:"API_ADDR" envDefault:":8080"`
	MetricsAddr    string `env:"METRICS_ADDR" envDefault:":2112"`
	RedisAddr      string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	PostgresDSN    string `env:"POSTGRES_DSN"` // archive disabled when empty
	ServiceMapPath string `env:"SERVICE_MAP_PATH" envDefault:"servicemap.yaml"`

	WorkerType       string        `env:"WORKER_TYPE"`
	WorkerID         string        `env:"WORKER_ID"` // generated when empty
	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	HeartbeatEvery   time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"5s"`
	HeartbeatTTL     time.Duration `env:"HEARTBEAT_TTL" envDefault:"15s"`
	MaxScan          int           `env:"MAX_SCAN" envDefault:"100"`
	InactivityWindow time.Duration `env:"INACTIVITY_WINDOW" envDefault:"30s"`
	HealthTimeout    time.Duration `env:"HEALTH_TIMEOUT" envDefault:"5s"`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, errors.Wrap(err, "parse environment")
	}
	return c, nil
}

// Logger builds the process logger: human-readable in development,
// JSON elsewhere.
func (c Config) Logger() (*zap.Logger, error) {
	if c.AppEnv == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
