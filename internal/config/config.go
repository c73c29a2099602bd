// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every runtime setting. Values come from SESHAT_*
// environment variables; see the envconfig tags for the exact names.
type Config struct {
	Addr            string        `envconfig:"ADDR" default:":8080"`
	DBConn          string        `envconfig:"DB_CONN"`
	JWTSecret       string        `envconfig:"JWT_SECRET"`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS"`
	MaxMessageSize  int64         `envconfig:"MAX_MESSAGE_SIZE" default:"4096"`
	SendBuffer      int           `envconfig:"SEND_BUFFER" default:"256"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s"`
}

// Load reads the configuration from SESHAT_* environment variables and
// applies defaults for anything unset.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("seshat", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DBConn == "" {
		return errors.New("SESHAT_DB_CONN is not set")
	}
	if c.JWTSecret == "" {
		return errors.New("SESHAT_JWT_SECRET is not set")
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return nil
}
