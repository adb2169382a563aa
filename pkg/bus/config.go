package bus

import "time"

// Config holds the environment-sourced bus configuration (spec §4.A/§6).
// Loaded with pkg/config.Load.
type Config struct {
	// Driver selects the pub/sub backend: "redis" or "memory".
	Driver string `env:"BUS_DRIVER" env-default:"redis"`

	// Host/Password mirror the original DB_IP/DB_PASS environment
	// variables for the Redis backend.
	Host     string `env:"DB_IP" env-default:"127.0.0.1"`
	Port     string `env:"DB_PORT" env-default:"6379"`
	Password string `env:"DB_PASS" env-default:"changemeplease"`

	// TLSCertPath points at the bundled CA certificate used when the
	// initial non-TLS connection attempt fails.
	TLSCertPath string `env:"DB_TLS_CERT_PATH" env-default:""`

	// LockDriver/CacheDriver select the distlock/cache backends backing
	// reservations and data-stream descriptors. Default to the same
	// backend as Driver so a single Redis deployment serves everything.
	LockDriver  string `env:"BUS_LOCK_DRIVER" env-default:""`
	CacheDriver string `env:"BUS_CACHE_DRIVER" env-default:""`

	// ConnectTimeout bounds the initial connection attempt(s).
	ConnectTimeout time.Duration `env:"BUS_CONNECT_TIMEOUT" env-default:"5s"`

	// Resilience wraps every Broker call in retry + circuit breaker.
	Resilience ResilienceConfig
}

// ResilienceConfig configures the resilient decorator, mirroring the shape
// the teacher's messaging package uses for its ResilientBroker.
type ResilienceConfig struct {
	CircuitBreakerEnabled   bool          `env:"BUS_CB_ENABLED" env-default:"true"`
	CircuitBreakerThreshold int64         `env:"BUS_CB_THRESHOLD" env-default:"5"`
	CircuitBreakerTimeout   time.Duration `env:"BUS_CB_TIMEOUT" env-default:"30s"`

	RetryEnabled     bool          `env:"BUS_RETRY_ENABLED" env-default:"true"`
	RetryMaxAttempts int           `env:"BUS_RETRY_MAX" env-default:"3"`
	RetryBackoff     time.Duration `env:"BUS_RETRY_BACKOFF" env-default:"100ms"`
}

func (c Config) lockDriver() string {
	if c.LockDriver != "" {
		return c.LockDriver
	}
	return c.Driver
}

func (c Config) cacheDriver() string {
	if c.CacheDriver != "" {
		return c.CacheDriver
	}
	return c.Driver
}
