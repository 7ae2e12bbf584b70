// Package config provides configuration loading for collabd.
//
// Values come from three layers, lowest precedence first: hardcoded
// defaults (Default), an optional YAML file, and environment variables.
// See LoadWithFile for the file and env rules.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds the complete collabd configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Auth      AuthConfig      `koanf:"auth"`
	NATS      NATSConfig      `koanf:"nats"`
	Mongo     MongoConfig     `koanf:"mongo"`
	AI        AIConfig        `koanf:"ai"`
	Session   SessionConfig   `koanf:"session"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds HTTP and websocket listener configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	Host            string        `koanf:"host"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// AllowedOrigins is checked against the Origin header on websocket
	// upgrades. "*" admits any origin.
	AllowedOrigins  []string `koanf:"allowed_origins"`
	MaxMessageBytes int64    `koanf:"max_message_bytes"`
}

// AuthConfig holds credential verification settings.
type AuthConfig struct {
	JWTSecret         Secret        `koanf:"jwt_secret"`
	TokenTTL          time.Duration `koanf:"token_ttl"`
	Issuer            string        `koanf:"issuer"`
	PrincipalCacheTTL time.Duration `koanf:"principal_cache_ttl"`
}

// NATSConfig holds the connection and KV bucket names backing the
// revocation list and the principal cache.
type NATSConfig struct {
	URL              string        `koanf:"url"`
	RevocationBucket string        `koanf:"revocation_bucket"`
	PrincipalBucket  string        `koanf:"principal_bucket"`
	MaxReconnects    int           `koanf:"max_reconnects"`
	ReconnectWait    time.Duration `koanf:"reconnect_wait"`
}

// MongoConfig holds the identity store connection.
type MongoConfig struct {
	URI             string `koanf:"uri"`
	Database        string `koanf:"database"`
	UsersCollection string `koanf:"users_collection"`
}

// AIConfig holds the AI Bridge provider settings.
//
// APIKey is deliberately not required at startup: a missing key surfaces
// on the first AI request instead.
type AIConfig struct {
	Provider          string        `koanf:"provider"`
	Model             string        `koanf:"model"`
	APIKey            Secret        `koanf:"api_key"`
	BaseURL           string        `koanf:"base_url"`
	MaxTokens         int           `koanf:"max_tokens"`
	MaxAttempts       int           `koanf:"max_attempts"`
	BaseDelay         time.Duration `koanf:"base_delay"`
	Timeout           time.Duration `koanf:"timeout"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`
	ScrubPrompts      bool          `koanf:"scrub_prompts"`
}

// SessionConfig holds per-connection limits.
type SessionConfig struct {
	MessagesPerSecond float64 `koanf:"messages_per_second"`
	MessageBurst      int     `koanf:"message_burst"`
	SendBuffer        int     `koanf:"send_buffer"`
}

// LoggingConfig holds the subset of logging settings exposed through the
// config file. The full logging configuration is derived from it at startup.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Supported AI providers.
const (
	ProviderGemini           = "gemini"
	ProviderAnthropic        = "anthropic"
	ProviderOpenAI           = "openai"
	ProviderOpenAICompatible = "openai-compatible"
)

// Default returns the configuration used when no file or env overrides are
// present. JWTSecret has no default and must be supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3000,
			Host:            "",
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"http://localhost:5173"},
			MaxMessageBytes: 16 * 1024,
		},
		Auth: AuthConfig{
			TokenTTL:          24 * time.Hour,
			Issuer:            "collabd",
			PrincipalCacheTTL: 10 * time.Minute,
		},
		NATS: NATSConfig{
			URL:              "nats://localhost:4222",
			RevocationBucket: "collabd_revoked",
			PrincipalBucket:  "collabd_principals",
			MaxReconnects:    5,
			ReconnectWait:    time.Second,
		},
		Mongo: MongoConfig{
			URI:             "mongodb://localhost:27017",
			Database:        "collabd",
			UsersCollection: "users",
		},
		AI: AIConfig{
			Provider:          ProviderGemini,
			Model:             "gemini-2.5-flash",
			MaxTokens:         2048,
			MaxAttempts:       3,
			BaseDelay:         time.Second,
			Timeout:           60 * time.Second,
			RequestsPerSecond: 2,
			Burst:             4,
			ScrubPrompts:      true,
		},
		Session: SessionConfig{
			MessagesPerSecond: 10,
			MessageBurst:      20,
			SendBuffer:        256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			ServiceName: "collabd",
			SampleRate:  1.0,
		},
	}
}

// Addr returns the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout is not positive
//   - The JWT secret is missing
//   - The AI provider is unknown or retry settings are out of range
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	if c.Server.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("server.max_message_bytes must be positive"))
	}
	for _, origin := range c.Server.AllowedOrigins {
		if origin == "*" {
			continue
		}
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid allowed origin %q", origin))
		}
	}

	if !c.Auth.JWTSecret.IsSet() {
		errs = append(errs, errors.New("auth.jwt_secret is required (set JWT_SECRET or COLLABD_AUTH_JWT_SECRET)"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}

	if c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required"))
	}
	if c.NATS.RevocationBucket == "" || c.NATS.PrincipalBucket == "" {
		errs = append(errs, errors.New("nats bucket names are required"))
	}

	if c.Mongo.URI == "" || c.Mongo.Database == "" {
		errs = append(errs, errors.New("mongo.uri and mongo.database are required"))
	}

	switch c.AI.Provider {
	case ProviderGemini, ProviderAnthropic, ProviderOpenAI:
	case ProviderOpenAICompatible:
		if c.AI.BaseURL == "" {
			errs = append(errs, errors.New("ai.base_url is required for the openai-compatible provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ai.provider %q", c.AI.Provider))
	}
	if c.AI.Model == "" {
		errs = append(errs, errors.New("ai.model is required"))
	}
	if c.AI.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("ai.max_attempts must be >= 1, got %d", c.AI.MaxAttempts))
	}
	if c.AI.BaseDelay < 0 {
		errs = append(errs, errors.New("ai.base_delay cannot be negative"))
	}
	if c.AI.RequestsPerSecond < 0 || c.AI.Burst < 0 {
		errs = append(errs, errors.New("ai rate limits cannot be negative"))
	}

	if c.Session.SendBuffer < 1 {
		errs = append(errs, errors.New("session.send_buffer must be >= 1"))
	}
	if c.Session.MessagesPerSecond < 0 || c.Session.MessageBurst < 0 {
		errs = append(errs, errors.New("session rate limits cannot be negative"))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate))
	}

	return errors.Join(errs...)
}
