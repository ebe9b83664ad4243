// Package config loads client and CLI settings from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/marshallshelly/pebble-graph/pkg/dialect"
	"github.com/marshallshelly/pebble-graph/pkg/logging"
	"github.com/marshallshelly/pebble-graph/pkg/runtime"
)

// ErrNoDriver is returned for dialects that only render DDL.
var ErrNoDriver = fmt.Errorf("%w: no Go driver", runtime.ErrUnsupportedDialect)

// Config holds all settings. Environment variables always override YAML values;
// the database password only comes from the environment.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Migrations MigrationsConfig `yaml:"migrations"`
	Log        logging.Config   `yaml:"log"`
}

// DatabaseConfig selects the dialect and the database to connect to. DSN, when
// set, is used verbatim instead of the individual fields.
type DatabaseConfig struct {
	Dialect  string `yaml:"dialect" env:"PEBBLE_DIALECT" env-default:"postgres"`
	DSN      string `yaml:"dsn" env:"PEBBLE_DSN"`
	Host     string `yaml:"host" env:"PEBBLE_DB_HOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"PEBBLE_DB_PORT"`
	User     string `yaml:"user" env:"PEBBLE_DB_USER"`
	Password string `yaml:"-" env:"PEBBLE_DB_PASSWORD"` // Secret - not in YAML
	Name     string `yaml:"name" env:"PEBBLE_DB_NAME"`
	SSLMode  string `yaml:"ssl_mode" env:"PEBBLE_DB_SSL_MODE" env-default:"disable"`
	MaxConns int32  `yaml:"max_conns" env:"PEBBLE_DB_MAX_CONNS" env-default:"10"`
	MinConns int32  `yaml:"min_conns" env:"PEBBLE_DB_MIN_CONNS" env-default:"1"`
}

// ExecutorConfig tunes statement execution.
type ExecutorConfig struct {
	Concurrency int `yaml:"concurrency" env:"PEBBLE_EXECUTOR_CONCURRENCY" env-default:"1"`
	BatchSize   int `yaml:"batch_size" env:"PEBBLE_EXECUTOR_BATCH_SIZE" env-default:"100"`
}

// MigrationsConfig locates generated migration files.
type MigrationsConfig struct {
	Dir string `yaml:"dir" env:"PEBBLE_MIGRATIONS_DIR" env-default:"migrations"`
}

// Load reads the YAML file at path with environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadEnv reads the configuration from environment variables only.
func LoadEnv() (*Config, error) {
	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks values cleanenv cannot.
func (c *Config) Validate() error {
	if _, err := dialect.Get(c.Database.Dialect); err != nil {
		return err
	}
	if c.Executor.Concurrency < 1 {
		return fmt.Errorf("executor.concurrency must be at least 1, got %d", c.Executor.Concurrency)
	}
	if c.Executor.BatchSize < 1 {
		return fmt.Errorf("executor.batch_size must be at least 1, got %d", c.Executor.BatchSize)
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database.min_conns (%d) exceeds database.max_conns (%d)", c.Database.MinConns, c.Database.MaxConns)
	}
	return nil
}

// LookupDialect returns the configured dialect.
func (d DatabaseConfig) LookupDialect() (dialect.Dialect, error) {
	return dialect.Get(d.Dialect)
}

// ConnectionString returns the DSN for the configured dialect's driver.
func (d DatabaseConfig) ConnectionString() (string, error) {
	if d.DSN != "" {
		return d.DSN, nil
	}
	dl, err := d.LookupDialect()
	if err != nil {
		return "", err
	}

	switch dl.Name() {
	case "postgres":
		u := url.URL{
			Scheme:   "postgres",
			Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.port(5432))),
			Path:     "/" + d.Name,
			RawQuery: url.Values{"sslmode": {d.SSLMode}}.Encode(),
		}
		if d.User != "" {
			u.User = url.UserPassword(d.User, d.Password)
		}
		return u.String(), nil
	case "mysql":
		mc := mysql.NewConfig()
		mc.User = d.User
		mc.Passwd = d.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(d.Host, strconv.Itoa(d.port(3306)))
		mc.DBName = d.Name
		mc.ParseTime = true
		return mc.FormatDSN(), nil
	case "sqlite":
		if d.Name == "" {
			return ":memory:", nil
		}
		return d.Name, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrNoDriver, dl.Name())
	}
}

// Postgres returns the pgx pool settings.
func (d DatabaseConfig) Postgres() *runtime.Config {
	return &runtime.Config{
		Host:     d.Host,
		Port:     d.port(5432),
		Database: d.Name,
		User:     d.User,
		Password: d.Password,
		SSLMode:  d.SSLMode,
		MaxConns: d.MaxConns,
		MinConns: d.MinConns,
	}
}

func (d DatabaseConfig) port(fallback int) int {
	if d.Port > 0 {
		return d.Port
	}
	return fallback
}
