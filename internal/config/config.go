package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

const envPrefix = "NETPULSE"

var valid = validator.New()

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Security  SecurityConfig  `mapstructure:"security"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Plugins   PluginsConfig   `mapstructure:"plugins"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Agent     AgentConfig     `mapstructure:"agent"`
}

type AppConfig struct {
	Name    string `mapstructure:"name" validate:"required"`
	Version string `mapstructure:"version"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	Mode            string        `mapstructure:"mode" validate:"oneof=debug release test"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowOrigins    []string      `mapstructure:"allow_origins"`
}

type DatabaseConfig struct {
	// Driver selects the SQL backend for the external sinks: postgres or sqlite.
	Driver   string `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	// Path is the sqlite file; ":memory:" keeps everything in process.
	Path         string `mapstructure:"path"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	Migrate      bool   `mapstructure:"migrate"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BrokerConfig struct {
	// Driver selects where bus events are forwarded: none, redis or nats.
	Driver        string `mapstructure:"driver" validate:"oneof=none redis nats"`
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type LoggingConfig struct {
	Level        string        `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Format       string        `mapstructure:"format" validate:"oneof=text json"`
	Path         string        `mapstructure:"path"`
	MaxAge       time.Duration `mapstructure:"max_age"`
	RotationTime time.Duration `mapstructure:"rotation_time"`
}

type SecurityConfig struct {
	TokenExpiry           time.Duration `mapstructure:"token_expiry" validate:"gt=0"`
	BootstrapTokenExpiry  time.Duration `mapstructure:"bootstrap_token_expiry"`
	RequireBootstrapToken bool          `mapstructure:"require_bootstrap_token"`
	LatestAgentVersion    string        `mapstructure:"latest_agent_version"`
}

type HeartbeatConfig struct {
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

type SchedulerConfig struct {
	AutoStart          bool          `mapstructure:"auto_start"`
	WorkerPoolSize     int           `mapstructure:"worker_pool_size" validate:"min=1"`
	DispatchInterval   time.Duration `mapstructure:"dispatch_interval" validate:"gt=0"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval" validate:"gt=0"`
	StatsInterval      time.Duration `mapstructure:"stats_interval" validate:"gt=0"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval" validate:"gt=0"`
	TaskTimeout        time.Duration `mapstructure:"task_timeout" validate:"gt=0"`
	MaxRetryTimes      int           `mapstructure:"max_retry_times" validate:"min=0"`
	RetryInterval      time.Duration `mapstructure:"retry_interval"`
	ExponentialBackoff bool          `mapstructure:"exponential_backoff"`
	Retention          time.Duration `mapstructure:"retention" validate:"gt=0"`
	BatchPullLimit     int           `mapstructure:"batch_pull_limit" validate:"min=1"`
}

type PluginsConfig struct {
	Enabled             []string                  `mapstructure:"enabled"`
	DependsOn           map[string][]string       `mapstructure:"depends_on"`
	Settings            map[string]map[string]any `mapstructure:"settings"`
	HealthCheckInterval time.Duration             `mapstructure:"health_check_interval" validate:"gt=0"`
	AutoRecover         bool                      `mapstructure:"auto_recover"`
}

type NotifyConfig struct {
	URLs        []string      `mapstructure:"urls"`
	MinSeverity string        `mapstructure:"min_severity" validate:"oneof=info warning critical"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type CacheConfig struct {
	MaxCost     int64         `mapstructure:"max_cost" validate:"min=1"`
	NumCounters int64         `mapstructure:"num_counters" validate:"min=1"`
	TTL         time.Duration `mapstructure:"ttl"`
}

// AgentConfig is read by the collector agent binary only.
type AgentConfig struct {
	ServerURL         string        `mapstructure:"server_url" validate:"required,url"`
	CollectorID       string        `mapstructure:"collector_id"`
	Hostname          string        `mapstructure:"hostname"`
	IP                string        `mapstructure:"ip"`
	BootstrapToken    string        `mapstructure:"bootstrap_token"`
	Capabilities      []string      `mapstructure:"capabilities"`
	Tags              []string      `mapstructure:"tags"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	Concurrency       int           `mapstructure:"concurrency" validate:"min=1"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
}

// Load reads configs/config.yaml (or the file given by path), .env and
// NETPULSE_* environment variables.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			slog.Warn("config file not found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return decode(v)
}

// Default returns the built-in defaults without reading files or the
// environment.
func Default() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "netpulse")
	v.SetDefault("app.version", "1.0.0")

	// server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allow_origins", []string{"*"})

	// database
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "netpulse")
	v.SetDefault("database.password", "netpulse")
	v.SetDefault("database.dbname", "netpulse")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "data/netpulse.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.migrate", true)

	// redis
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// broker
	v.SetDefault("broker.driver", "none")
	v.SetDefault("broker.nats_url", "nats://localhost:4222")
	v.SetDefault("broker.subject_prefix", "netpulse.events")

	// logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.max_age", "168h")
	v.SetDefault("logging.rotation_time", "24h")

	// security
	v.SetDefault("security.token_expiry", "720h") // 30 days
	v.SetDefault("security.bootstrap_token_expiry", "24h")
	v.SetDefault("security.require_bootstrap_token", false)
	v.SetDefault("security.latest_agent_version", "")

	// heartbeat
	v.SetDefault("heartbeat.timeout", "90s")
	v.SetDefault("heartbeat.sweep_interval", "15s")

	// scheduler
	v.SetDefault("scheduler.auto_start", true)
	v.SetDefault("scheduler.worker_pool_size", 4)
	v.SetDefault("scheduler.dispatch_interval", "10s")
	v.SetDefault("scheduler.reconcile_interval", "15s")
	v.SetDefault("scheduler.stats_interval", "30s")
	v.SetDefault("scheduler.cleanup_interval", "1h")
	v.SetDefault("scheduler.task_timeout", "5m")
	v.SetDefault("scheduler.max_retry_times", 3)
	v.SetDefault("scheduler.retry_interval", "30s")
	v.SetDefault("scheduler.exponential_backoff", true)
	v.SetDefault("scheduler.retention", "168h")
	v.SetDefault("scheduler.batch_pull_limit", 10)

	// plugins
	v.SetDefault("plugins.enabled", []string{"snmp", "http", "tcp", "dns"})
	v.SetDefault("plugins.health_check_interval", "1m")
	v.SetDefault("plugins.auto_recover", true)

	// notify
	v.SetDefault("notify.min_severity", "warning")
	v.SetDefault("notify.timeout", "10s")

	// cache
	v.SetDefault("cache.max_cost", 1<<20)
	v.SetDefault("cache.num_counters", 100000)
	v.SetDefault("cache.ttl", "1m")

	// agent
	v.SetDefault("agent.server_url", "http://localhost:8080")
	v.SetDefault("agent.capabilities", []string{"snmp", "http", "tcp", "dns"})
	v.SetDefault("agent.heartbeat_interval", "30s")
	v.SetDefault("agent.poll_interval", "10s")
	v.SetDefault("agent.concurrency", 4)
	v.SetDefault("agent.request_timeout", "15s")
}

func validateConfig(cfg *Config) error {
	if err := valid.Struct(cfg); err != nil {
		return err
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Host == "" {
			return errors.New("database host is required")
		}
		if cfg.Database.DBName == "" {
			return errors.New("database name is required")
		}
	}

	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" {
		return errors.New("database path is required for sqlite")
	}

	if cfg.Broker.Driver == "redis" && cfg.Redis.Addr == "" {
		return errors.New("redis address is required for the redis broker")
	}

	if cfg.Broker.Driver == "nats" && cfg.Broker.NATSURL == "" {
		return errors.New("nats url is required for the nats broker")
	}

	if cfg.Heartbeat.SweepInterval > cfg.Heartbeat.Timeout {
		slog.Warn("heartbeat sweep interval exceeds timeout, offline detection will lag",
			"sweep_interval", cfg.Heartbeat.SweepInterval,
			"timeout", cfg.Heartbeat.Timeout,
		)
	}

	for plugin, deps := range cfg.Plugins.DependsOn {
		for _, dep := range deps {
			if dep == plugin {
				return fmt.Errorf("plugin %s depends on itself", plugin)
			}
		}
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// GetRedisOptions returns options for the Redis client.
func (r *RedisConfig) GetRedisOptions() *redis.Options {
	return &redis.Options{
		Addr:            r.Addr,
		Password:        r.Password,
		DB:              r.DB,
		DisableIdentity: true,
	}
}
