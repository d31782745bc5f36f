package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration for the metering service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Metering   MeteringConfig   `mapstructure:"metering"`
	Schedulers SchedulerConfig  `mapstructure:"schedulers"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
}

type ServerConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	BodyLimitMB       int           `mapstructure:"body_limit_mb"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	GracefulShutdown  time.Duration `mapstructure:"graceful_shutdown"`
	EnableMetricsPath bool          `mapstructure:"enable_metrics_path"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// MeteringConfig holds the windowing, batching, and locking knobs consumed by
// the ingestion path and the background schedulers.
type MeteringConfig struct {
	WindowDuration      time.Duration `mapstructure:"window_duration"`
	LateThreshold       time.Duration `mapstructure:"late_threshold"`
	PersistInterval     time.Duration `mapstructure:"persist_interval"`
	PersistBatchSize    int           `mapstructure:"persist_batch_size"`
	AggregationInterval time.Duration `mapstructure:"aggregation_interval"`
	ReconcileInterval   time.Duration `mapstructure:"reconcile_interval"`
	ReconcileBatchSize  int           `mapstructure:"reconcile_batch_size"`
	LockAcquireTimeout  time.Duration `mapstructure:"lock_acquire_timeout"`
	LockLeaseTime       time.Duration `mapstructure:"lock_lease_time"`
}

// SchedulerConfig gates the background loops as a group; disabled in tests so
// a component under test owns all store mutations.
type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ResilienceConfig carries one independently tuned stage triple per store, so
// one store's degradation never trips the other's breaker.
type ResilienceConfig struct {
	Postgres StoreResilienceConfig `mapstructure:"postgres"`
	Redis    StoreResilienceConfig `mapstructure:"redis"`
}

type StoreResilienceConfig struct {
	BreakerEnabled   bool          `mapstructure:"breaker_enabled"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	RetryEnabled     bool          `mapstructure:"retry_enabled"`
	MaxRetries       uint64        `mapstructure:"max_retries"`
	RetryInitialWait time.Duration `mapstructure:"retry_initial_wait"`
	TimeoutEnabled   bool          `mapstructure:"timeout_enabled"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// Options controls where Load looks for configuration.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load reads configuration from metering.yaml (or METERING_CONFIG_FILE),
// layered under METERING_* environment variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else if cfg := os.Getenv("METERING_CONFIG_FILE"); cfg != "" {
		v.SetConfigFile(cfg)
		explicitFile = true
	}

	if !explicitFile {
		v.SetConfigName("metering")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("METERING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(timeStringToDurationHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the schedulers cannot run against.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.Metering.WindowDuration < time.Second {
		return fmt.Errorf("metering.window_duration must be at least 1s")
	}
	if c.Metering.LateThreshold <= 0 {
		return fmt.Errorf("metering.late_threshold must be positive")
	}
	if c.Metering.PersistBatchSize <= 0 || c.Metering.ReconcileBatchSize <= 0 {
		return fmt.Errorf("batch sizes must be positive")
	}
	if c.Metering.LockLeaseTime <= c.Metering.LockAcquireTimeout {
		return fmt.Errorf("metering.lock_lease_time must exceed metering.lock_acquire_timeout")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.body_limit_mb", 1)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.graceful_shutdown", "10s")
	v.SetDefault("server.enable_metrics_path", true)

	// Empty defaults register the keys so AutomaticEnv can populate them.
	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")

	v.SetDefault("database.run_migrations", true)
	v.SetDefault("database.migrations_dir", "migrations")
	v.SetDefault("database.max_conns", 16)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_idle_time", "5m")
	v.SetDefault("database.max_conn_lifetime", "30m")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 32)

	v.SetDefault("metering.window_duration", "30s")
	v.SetDefault("metering.late_threshold", "1m")
	v.SetDefault("metering.persist_interval", "2s")
	v.SetDefault("metering.persist_batch_size", 1000)
	v.SetDefault("metering.aggregation_interval", "30s")
	v.SetDefault("metering.reconcile_interval", "5m")
	v.SetDefault("metering.reconcile_batch_size", 100)
	v.SetDefault("metering.lock_acquire_timeout", "5s")
	v.SetDefault("metering.lock_lease_time", "60s")

	v.SetDefault("schedulers.enabled", true)

	v.SetDefault("resilience.postgres.breaker_enabled", true)
	v.SetDefault("resilience.postgres.failure_threshold", 5)
	v.SetDefault("resilience.postgres.breaker_cooldown", "30s")
	v.SetDefault("resilience.postgres.retry_enabled", true)
	v.SetDefault("resilience.postgres.max_retries", 3)
	v.SetDefault("resilience.postgres.retry_initial_wait", "100ms")
	v.SetDefault("resilience.postgres.timeout_enabled", true)
	v.SetDefault("resilience.postgres.timeout", "5s")

	v.SetDefault("resilience.redis.breaker_enabled", true)
	v.SetDefault("resilience.redis.failure_threshold", 5)
	v.SetDefault("resilience.redis.breaker_cooldown", "10s")
	v.SetDefault("resilience.redis.retry_enabled", true)
	v.SetDefault("resilience.redis.max_retries", 2)
	v.SetDefault("resilience.redis.retry_initial_wait", "50ms")
	v.SetDefault("resilience.redis.timeout_enabled", true)
	v.SetDefault("resilience.redis.timeout", "2s")
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}
