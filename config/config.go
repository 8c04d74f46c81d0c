package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/milanbella/sa-oauth/logger"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"
	DriverMemory = "memory"
)

type Config struct {
	HTTP      HTTPConfig      `envPrefix:"HTTP_"`
	Database  DBConfig        `envPrefix:"DB_"`
	Auth      AuthConfig      `envPrefix:"AUTH_"`
	Log       LogConfig       `envPrefix:"LOG_"`
	RateLimit RateLimitConfig `envPrefix:"RATE_LIMIT_"`
}

type HTTPConfig struct {
	Addr              string        `env:"ADDR" envDefault:":8080"`
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type DBConfig struct {
	Driver          string        `env:"DRIVER" envDefault:"mysql"`
	Host            string        `env:"HOST" envDefault:"127.0.0.1"`
	Port            int           `env:"PORT" envDefault:"3306"`
	User            string        `env:"USER" envDefault:"sa_auth"`
	Password        string        `env:"PASSWORD"`
	Name            string        `env:"NAME" envDefault:"sa_auth"`
	Path            string        `env:"PATH" envDefault:"sa_oauth.db"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"15m"`
	PingTimeout     time.Duration `env:"PING_TIMEOUT" envDefault:"5s"`
	Migrate         bool          `env:"MIGRATE" envDefault:"true"`
}

type AuthConfig struct {
	LoginPath           string        `env:"LOGIN_PATH" envDefault:"/login"`
	ConsentURL          string        `env:"CONSENT_URL"`
	IdentityHeader      string        `env:"IDENTITY_HEADER" envDefault:"X-Authenticated-Subject"`
	ClientsFile         string        `env:"CLIENTS_FILE"`
	AccessTokenTTL      time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL     time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`
	SweepInterval       time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	RevokeFamilyOnReuse bool          `env:"REVOKE_FAMILY_ON_REUSE" envDefault:"true"`
}

type LogConfig struct {
	Level       string `env:"LEVEL" envDefault:"info"`
	Development bool   `env:"DEVELOPMENT" envDefault:"false"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `env:"RPS" envDefault:"10"`
	Burst             int `env:"BURST" envDefault:"20"`
	MaxEntries        int `env:"MAX_ENTRIES" envDefault:"10000"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, logger.LogErr(fmt.Errorf("parse environment: %w", err))
	}

	if err := cfg.validate(); err != nil {
		return nil, logger.LogErr(err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if err := c.Database.validate(); err != nil {
		return err
	}
	if err := c.Auth.validate(); err != nil {
		return err
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be zero or positive")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1 when RATE_LIMIT_RPS is set")
	}
	if c.Database.Driver == DriverMemory && c.Auth.ClientsFile == "" {
		return fmt.Errorf("AUTH_CLIENTS_FILE is required when DB_DRIVER is %q", DriverMemory)
	}
	return nil
}

func (c *DBConfig) validate() error {
	switch c.Driver {
	case DriverMySQL, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("DB_DRIVER must be one of %s, %s, %s", DriverMySQL, DriverSQLite, DriverMemory)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535")
	}

	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be greater than zero")
	}

	if c.MaxIdleConns < 0 {
		return fmt.Errorf("DB_MAX_IDLE_CONNS must be zero or a positive integer")
	}

	if c.ConnMaxLifetime < 0 {
		return fmt.Errorf("DB_CONN_MAX_LIFETIME must be zero or a positive duration")
	}

	if c.PingTimeout <= 0 {
		return fmt.Errorf("DB_PING_TIMEOUT must be greater than zero")
	}

	if c.Driver == DriverSQLite && strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("DB_PATH must not be empty")
	}

	return nil
}

func (c *AuthConfig) validate() error {
	loginPath := strings.TrimSpace(c.LoginPath)
	if loginPath == "" {
		return fmt.Errorf("AUTH_LOGIN_PATH must not be empty")
	}
	if strings.HasPrefix(loginPath, "http://") || strings.HasPrefix(loginPath, "https://") {
		return fmt.Errorf("AUTH_LOGIN_PATH must be relative")
	}
	if !strings.HasPrefix(loginPath, "/") {
		loginPath = "/" + loginPath
	}
	c.LoginPath = loginPath

	if c.ConsentURL != "" {
		u, err := url.Parse(c.ConsentURL)
		if err != nil {
			return fmt.Errorf("invalid AUTH_CONSENT_URL: %w", err)
		}
		if !u.IsAbs() {
			return fmt.Errorf("AUTH_CONSENT_URL must be absolute")
		}
	}

	if strings.TrimSpace(c.IdentityHeader) == "" {
		return fmt.Errorf("AUTH_IDENTITY_HEADER must not be empty")
	}

	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("AUTH_ACCESS_TOKEN_TTL must be greater than zero")
	}

	if c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("AUTH_REFRESH_TOKEN_TTL must be greater than zero")
	}

	if c.SweepInterval <= 0 {
		return fmt.Errorf("AUTH_SWEEP_INTERVAL must be greater than zero")
	}

	return nil
}
