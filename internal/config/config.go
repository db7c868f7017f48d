// Package config loads runtime configuration from a .env file (if
// present) and the process environment, following the caarlos0/env +
// godotenv pairing declared in the teacher's go.mod.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is every tunable the bus, reactor, worker pool, module registry
// and metrics server need at startup.
type Config struct {
	// Listener
	ListenHost string `env:"LISTEN_HOST" envDefault:"0.0.0.0"`
	ListenPort string `env:"LISTEN_PORT" envDefault:"7001"`
	Backlog    int    `env:"LISTEN_BACKLOG" envDefault:"1024"`

	// Worker pool
	WorkerCount       int     `env:"WORKER_COUNT" envDefault:"0"` // 0 = 2x GOMAXPROCS
	CPUPauseThreshold float64 `env:"CPU_PAUSE_THRESHOLD" envDefault:"90"`
	MemoryLimitBytes  int64   `env:"MEMORY_LIMIT_BYTES" envDefault:"0"`  // 0 = unlimited
	DispatchRateLimit int     `env:"DISPATCH_RATE_LIMIT" envDefault:"0"` // 0 = unlimited

	// Module registry
	ModulePath string `env:"MODULE_PATH" envDefault:"./?.so;./?/init.so"`

	// NATS bridge (optional; empty URL disables it)
	NATSUrl     string `env:"NATS_URL" envDefault:""`
	NATSSubject string `env:"NATS_SUBJECT" envDefault:"actorbus.inbound"`

	// Metrics
	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"true"`
	MetricsAddr    string `env:"METRICS_ADDR" envDefault:":9100"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads a .env file from the working directory if one exists (its
// absence is not an error — production deploys set real env vars
// instead), then overlays the process environment onto defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}

// Print writes a one-line human-readable summary of cfg through the given
// printf-style function, for startup logs.
func (c Config) Print(printf func(format string, args ...interface{})) {
	printf("listen=%s:%s backlog=%d workers=%d module_path=%s nats=%q metrics=%s:%v log=%s/%s",
		c.ListenHost, c.ListenPort, c.Backlog, c.WorkerCount, c.ModulePath,
		c.NATSUrl, c.MetricsAddr, c.MetricsEnabled, c.LogLevel, c.LogFormat)
}
