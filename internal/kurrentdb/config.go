package kurrentdb

import (
	"fmt"
	"net/url"

	"github.com/alibi-app/alibi/internal/shared/config"
)

// Config holds KurrentDB connection configuration.
type Config struct {
	Host string
	// Port is the gRPC/HTTP port (default 2113)
	Port int
	// Insecure disables TLS (for development)
	Insecure bool
	Username string
	Password string
}

// NewConfig adapts the application configuration section.
func NewConfig(cfg config.KurrentDBConfig) *Config {
	return &Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Insecure: cfg.Insecure,
		Username: cfg.Username,
		Password: cfg.Password,
	}
}

// ConnectionString returns the esdb:// connection string for the client.
func (c *Config) ConnectionString() string {
	var auth string
	if c.Username != "" && c.Password != "" {
		auth = url.UserPassword(c.Username, c.Password).String() + "@"
	}

	var tls string
	if c.Insecure {
		tls = "?tls=false"
	}

	return fmt.Sprintf("esdb://%s%s:%d%s", auth, c.Host, c.Port, tls)
}
