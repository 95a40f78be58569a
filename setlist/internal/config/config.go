// Package config provides configuration management using viper.
package config

import (
	"strings"
	"time"

	"go_setlist/setlist/internal/models"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Usage    UsageConfig    `mapstructure:"usage"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	Registry RegistryConfig `mapstructure:"registry"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Rate     RateConfig     `mapstructure:"rate"`
	Fanout   FanoutConfig   `mapstructure:"fanout"`
}

// ServerConfig holds server settings.
type ServerConfig struct {
	HTTPPort   int    `mapstructure:"http_port"`
	GRPCPort   int    `mapstructure:"grpc_port"`
	LivePort   int    `mapstructure:"live_port"`
	Host       string `mapstructure:"host"`
	AdminToken string `mapstructure:"admin_token"`
	PublicURL  string `mapstructure:"public_url"`
}

// DatabaseConfig holds relational store settings.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // mysql or sqlite
	Path            string        `mapstructure:"path"`   // sqlite only
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// RedisConfig holds Redis settings.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LoggerConfig holds logger settings.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Encoding    string `mapstructure:"encoding"`
}

// UsageConfig selects the counter store backend.
type UsageConfig struct {
	Backend   string `mapstructure:"backend"` // memory, sql or redis
	KeyPrefix string `mapstructure:"key_prefix"`
	Shards    int    `mapstructure:"shards"`
}

// QuotaConfig holds admission settings and per-kind limits.
type QuotaConfig struct {
	StoreTimeout           time.Duration         `mapstructure:"store_timeout"`
	DefaultWarningFraction float64               `mapstructure:"default_warning_fraction"`
	LoadFromDB             bool                  `mapstructure:"load_from_db"`
	Limits                 map[string]LimitEntry `mapstructure:"limits"`
}

// LimitEntry configures one counter kind.
type LimitEntry struct {
	PeriodLimit     int64   `mapstructure:"period_limit"`
	WarningFraction float64 `mapstructure:"warning_fraction"`
	Granularity     string  `mapstructure:"granularity"`
}

// RegistryConfig holds event lifecycle settings.
type RegistryConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	IDRetries     int           `mapstructure:"id_retries"`
	StoreTimeout  time.Duration `mapstructure:"store_timeout"`
	SweepOnCreate bool          `mapstructure:"sweep_on_create"`
}

// SweeperConfig holds the periodic cleanup settings.
type SweeperConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	PurgeAfter time.Duration `mapstructure:"purge_after"`
	Workers    int           `mapstructure:"workers"`
	BatchSize  int           `mapstructure:"batch_size"`
}

// RateConfig holds per-device rate limiter settings.
type RateConfig struct {
	DefaultRPS      int           `mapstructure:"default_rps"`
	BurstMultiplier float64       `mapstructure:"burst_multiplier"`
	MaxLiveConns    int           `mapstructure:"max_live_conns"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// FanoutConfig holds live feed hub settings.
type FanoutConfig struct {
	SubscriberBufferSize  int           `mapstructure:"subscriber_buffer_size"`
	SlowConsumerThreshold int           `mapstructure:"slow_consumer_threshold"`
	ZombieTimeout         time.Duration `mapstructure:"zombie_timeout"`
}

// Load loads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/setlist")
	}

	v.SetEnvPrefix("SETLIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Config file not found, use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return errors.Errorf("database.driver must be mysql or sqlite, got %q", c.Database.Driver)
	}
	switch c.Usage.Backend {
	case "memory", "sql", "redis":
	default:
		return errors.Errorf("usage.backend must be memory, sql or redis, got %q", c.Usage.Backend)
	}
	if c.Usage.Backend == "redis" && c.Redis.Addr == "" {
		return errors.Errorf("usage.backend redis requires redis.addr")
	}
	if c.Quota.DefaultWarningFraction <= 0 || c.Quota.DefaultWarningFraction > 1 {
		return errors.Errorf("quota.default_warning_fraction must be in (0,1], got %v", c.Quota.DefaultWarningFraction)
	}
	for kind, l := range c.Quota.Limits {
		if l.PeriodLimit < 0 {
			return errors.Errorf("quota.limits.%s.period_limit must not be negative", kind)
		}
		if l.WarningFraction < 0 || l.WarningFraction > 1 {
			return errors.Errorf("quota.limits.%s.warning_fraction must be in (0,1]", kind)
		}
		if l.Granularity != "" && !models.Granularity(l.Granularity).Valid() {
			return errors.Errorf("quota.limits.%s.granularity must be daily or monthly", kind)
		}
	}
	if c.Registry.Retention <= 0 {
		return errors.Errorf("registry.retention must be positive")
	}
	if c.Registry.IDRetries < 1 {
		return errors.Errorf("registry.id_retries must be at least 1")
	}
	return nil
}

// PolicyLimits converts the configured limits into models.Limit values,
// filling defaults for missing fields.
func (q QuotaConfig) PolicyLimits() []models.Limit {
	limits := make([]models.Limit, 0, len(q.Limits))
	for kind, l := range q.Limits {
		fraction := l.WarningFraction
		if fraction == 0 {
			fraction = q.DefaultWarningFraction
		}
		gran := models.Granularity(l.Granularity)
		if gran == "" {
			gran = models.GranularityMonthly
		}
		limits = append(limits, models.Limit{
			Kind:            models.CounterKind(kind),
			PeriodLimit:     l.PeriodLimit,
			WarningFraction: fraction,
			Granularity:     gran,
		})
	}
	return limits
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.live_port", 8081)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.public_url", "")

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "setlist.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.migrate", true)

	// Redis defaults
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.min_idle_conns", 5)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.development", false)
	v.SetDefault("logger.encoding", "json")

	// Usage counter defaults
	v.SetDefault("usage.backend", "sql")
	v.SetDefault("usage.key_prefix", "setlist:usage:")
	v.SetDefault("usage.shards", 16)

	// Quota defaults, kept below the hosting tier's free allowance
	v.SetDefault("quota.store_timeout", "2s")
	v.SetDefault("quota.default_warning_fraction", 0.8)
	v.SetDefault("quota.load_from_db", false)
	v.SetDefault("quota.limits", map[string]any{
		string(models.KindEventsCreated): map[string]any{"period_limit": 300, "granularity": "monthly"},
		string(models.KindSongsAdded):    map[string]any{"period_limit": 50000, "granularity": "monthly"},
		string(models.KindAPICalls):      map[string]any{"period_limit": 60000, "granularity": "monthly"},
		string(models.KindDataRetrieved): map[string]any{"period_limit": 100000, "granularity": "monthly"},
	})

	// Registry defaults
	v.SetDefault("registry.retention", "720h")
	v.SetDefault("registry.id_retries", 5)
	v.SetDefault("registry.store_timeout", "5s")
	v.SetDefault("registry.sweep_on_create", true)

	// Sweeper defaults
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", "1h")
	v.SetDefault("sweeper.purge_after", "168h")
	v.SetDefault("sweeper.workers", 4)
	v.SetDefault("sweeper.batch_size", 200)

	// Rate limiter defaults
	v.SetDefault("rate.default_rps", 5)
	v.SetDefault("rate.burst_multiplier", 2.0)
	v.SetDefault("rate.max_live_conns", 4)
	v.SetDefault("rate.cleanup_interval", "5m")

	// Fanout defaults
	v.SetDefault("fanout.subscriber_buffer_size", 64)
	v.SetDefault("fanout.slow_consumer_threshold", 256)
	v.SetDefault("fanout.zombie_timeout", "10m")
}
