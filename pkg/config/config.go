// Package config loads service configuration from a YAML file, a .env file
// and PROXYRENT_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "PROXYRENT"

type Config struct {
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Reclaim  ReclaimConfig  `mapstructure:"reclaim" validate:"required"`
	Wait     WaitConfig     `mapstructure:"wait" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Probe    ProbeConfig    `mapstructure:"probe"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname" validate:"required"`
	SSLMode  string `mapstructure:"sslmode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
}

// DSN renders the postgres connection URL.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// ReclaimConfig controls the expired rental reclamation loop.
type ReclaimConfig struct {
	IntervalSeconds    int `mapstructure:"interval_seconds" validate:"required,gt=0"`
	WaitTimeoutSeconds int `mapstructure:"wait_timeout_seconds" validate:"required,gt=0,ltfield=IntervalSeconds"`
	WaitPollSeconds    int `mapstructure:"wait_poll_seconds" validate:"required,gt=0"`
	// LockTTLSeconds bounds how long one replica may hold the cycle lock.
	// Zero means the reclaim interval.
	LockTTLSeconds int `mapstructure:"lock_ttl_seconds" validate:"gte=0"`
}

func (c ReclaimConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c ReclaimConfig) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutSeconds) * time.Second
}

func (c ReclaimConfig) WaitPoll() time.Duration {
	return time.Duration(c.WaitPollSeconds) * time.Second
}

func (c ReclaimConfig) LockTTL() time.Duration {
	if c.LockTTLSeconds == 0 {
		return c.Interval()
	}
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// WaitConfig holds the completion wait defaults used by the purchase path.
type WaitConfig struct {
	TimeoutSeconds      int `mapstructure:"timeout_seconds" validate:"required,gt=0"`
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" validate:"required,gt=0"`
}

func (c WaitConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c WaitConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// RedisConfig is optional. An empty Address disables the relay and the
// reclamation cycle lock.
type RedisConfig struct {
	Address  string `mapstructure:"address" validate:"omitempty,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Channel  string `mapstructure:"channel"`
}

func (c RedisConfig) Enabled() bool {
	return c.Address != ""
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type ProbeConfig struct {
	URL            string `mapstructure:"url" validate:"required,url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"gt=0"`
	Workers        int    `mapstructure:"workers" validate:"gt=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "proxy_rental")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("reclaim.interval_seconds", 60)
	v.SetDefault("reclaim.wait_timeout_seconds", 5)
	v.SetDefault("reclaim.wait_poll_seconds", 1)
	v.SetDefault("reclaim.lock_ttl_seconds", 0)

	v.SetDefault("wait.timeout_seconds", 5)
	v.SetDefault("wait.poll_interval_seconds", 1)

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "proxy_task_event")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("probe.url", "http://example.com/")
	v.SetDefault("probe.timeout_seconds", 10)
	v.SetDefault("probe.workers", 4)
}

// Load reads the configuration. When file is empty, config.yaml is searched
// in the working directory, $HOME/.proxy-rental and /etc/proxy-rental; a
// missing file is not an error.
func Load(file string) (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.proxy-rental")
		v.AddConfigPath("/etc/proxy-rental/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints on cfg.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
