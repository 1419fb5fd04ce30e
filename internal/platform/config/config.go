// This file is part of rkwebutil
//
// rkwebutil is free software, available under the BSD 3-clause license (see LICENSE)

/*
Package config handles application-wide settings and environment parsing.

It leverages 'caarlos0/env' to map OS environment variables into a strongly-typed
Go struct, providing early validation and default values.

Usage:

	cfg, err := config.Load()
	if err != nil {
	    log.Fatal(err)
	}

Architecture:

  - Immutability: Once loaded, configuration is read-only.
  - DI-Friendly: Passed to core components (DB, Redis, Mailer) via constructors.
  - Zero Hidden State: No global variables are used to store config.

This ensures the application is Twelve-Factor compliant by storing config in the env.
*/
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// # Configuration Schema

// Config holds all runtime configuration for the rkwebutil auth server.
type Config struct {

	// Server settings
	ServerPort  string `env:"SERVER_PORT"  envDefault:"8080"`
	Environment string `env:"ENVIRONMENT"  envDefault:"development"`
	Debug       bool   `env:"DEBUG"        envDefault:"false"`

	// Relational Database (PostgreSQL)
	DatabaseURL string `env:"DATABASE_URL,required"`

	// MigrationPath is the filesystem path to the SQL migrations directory.
	MigrationPath string `env:"MIGRATION_PATH" envDefault:"./data/migrations"`

	// Key-Value Session Store (Redis)
	RedisURL string `env:"REDIS_URL,required"`

	// WebapURL is the externally-visible base URL of the web application.
	// Password reset links are built as {WebapURL}/auth/resetpassword?uuid=...
	// It must be the URL the user's browser sees, not an internal address.
	WebapURL string `env:"WEBAP_URL,required"`

	// UseGroups enables group membership: user lookups join the group tables
	// and authenticated sessions carry the group names.
	UseGroups bool `env:"USE_GROUPS" envDefault:"false"`

	// Password reset email settings
	EmailFrom       string `env:"EMAIL_FROM"        envDefault:"RKAuth <nobody@nowhere.org>"`
	EmailSubject    string `env:"EMAIL_SUBJECT"     envDefault:"RKAuth password reset"`
	EmailSystemName string `env:"EMAIL_SYSTEM_NAME" envDefault:"a webserver using the RKAuth system"`

	// SMTP delivery settings
	SMTPHost     string `env:"SMTP_HOST,required"`
	SMTPPort     int    `env:"SMTP_PORT"     envDefault:"465"`
	SMTPUseSSL   bool   `env:"SMTP_USE_SSL"  envDefault:"true"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
}

// # Configuration Loading

// Load parses environment variables into a [Config] struct.
func Load() (*Config, error) {

	// Initialize an empty config struct
	cfg := &Config{}

	// Use the 'env' package to map environment variables to struct fields.
	// This will fail if any field marked with 'required' is missing.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment variables: %w", err)
	}

	return cfg, nil
}

// IsDevelopment reports whether the server is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction reports whether the server is running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
