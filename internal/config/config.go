// Package config reads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/neomorfeo/subflow/internal/adapter/otel"
	"github.com/neomorfeo/subflow/internal/app"
	"github.com/neomorfeo/subflow/internal/domain"
)

// Config is everything the subflow binary needs to start.
type Config struct {
	Port         string
	DatabasePath string
	LogFormat    string // "text" or "json"
	LogLevel     slog.Level

	// Tokens maps bearer tokens to principals.
	Tokens map[string]domain.Principal

	// BillingURL selects the HTTP provisioner; empty uses the local ledger.
	BillingURL    string
	BillingAPIKey string

	// NATSURL selects the NATS notification sink; empty logs notifications.
	NATSURL           string
	NATSSubjectPrefix string

	Invoice        app.OrchestratorConfig
	RetryInterval  time.Duration
	ExpiryInterval time.Duration

	Telemetry otel.Config
}

// FromEnv builds Config from environment variables with sensible defaults.
func FromEnv() (Config, error) {
	env := envOrDefault("OTEL_ENVIRONMENT", "development")
	cfg := Config{
		Port:              envOrDefault("PORT", "8080"),
		DatabasePath:      envOrDefault("DATABASE_PATH", "subflow.db"),
		LogFormat:         envOrDefault("LOG_FORMAT", "text"),
		BillingURL:        os.Getenv("BILLING_URL"),
		BillingAPIKey:     os.Getenv("BILLING_API_KEY"),
		NATSURL:           os.Getenv("NATS_URL"),
		NATSSubjectPrefix: envOrDefault("NATS_SUBJECT_PREFIX", "subflow.events"),
		Invoice:           app.DefaultOrchestratorConfig(),
		Telemetry: otel.Config{
			ServiceName:    envOrDefault("OTEL_SERVICE_NAME", "subflow"),
			ServiceVersion: envOrDefault("OTEL_SERVICE_VERSION", "0.1.0"),
			Environment:    env,
			Exporter:       envOrDefault("OTEL_EXPORTER", otel.ExporterNone),
			Insecure:       env == "development",
		},
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	level, err := parseLevel(envOrDefault("LOG_LEVEL", "info"))
	collect(err)
	cfg.LogLevel = level

	cfg.Tokens, err = ParseTokens(os.Getenv("SUBFLOW_TOKENS"))
	collect(err)

	cfg.Invoice.MaxAttempts, err = envInt("INVOICE_MAX_ATTEMPTS", cfg.Invoice.MaxAttempts)
	collect(err)
	cfg.Invoice.CallTimeout, err = envDuration("INVOICE_CALL_TIMEOUT", cfg.Invoice.CallTimeout)
	collect(err)
	cfg.Invoice.BaseDelay, err = envDuration("INVOICE_BASE_DELAY", cfg.Invoice.BaseDelay)
	collect(err)
	cfg.Invoice.Concurrency, err = envInt("INVOICE_CONCURRENCY", cfg.Invoice.Concurrency)
	collect(err)
	cfg.RetryInterval, err = envDuration("INVOICE_RETRY_INTERVAL", 2*time.Second)
	collect(err)
	cfg.ExpiryInterval, err = envDuration("EXPIRY_INTERVAL", time.Minute)
	collect(err)
	cfg.Telemetry.SampleRatio, err = envFloat("OTEL_TRACES_SAMPLER_ARG", 1)
	collect(err)

	if cfg.Invoice.MaxAttempts < 1 {
		collect(errors.New("INVOICE_MAX_ATTEMPTS must be at least 1"))
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		collect(fmt.Errorf("LOG_FORMAT must be \"text\" or \"json\", got %q", cfg.LogFormat))
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// ParseTokens parses "token=role:userID" pairs separated by ";".
// The user ID may be omitted for admins.
func ParseTokens(raw string) (map[string]domain.Principal, error) {
	tokens := make(map[string]domain.Principal)
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, spec, ok := strings.Cut(entry, "=")
		if !ok || token == "" {
			return nil, fmt.Errorf("token entry %q: want token=role:userID", entry)
		}
		role, userID, _ := strings.Cut(spec, ":")
		p := domain.Principal{ID: userID, Role: domain.Role(role)}
		if !p.Role.Valid() {
			return nil, fmt.Errorf("token entry %q: unknown role %q", entry, role)
		}
		if p.ID == "" {
			if !p.IsAdmin() {
				return nil, fmt.Errorf("token entry %q: client tokens need a user id", entry)
			}
			p.ID = "admin"
		}
		if _, dup := tokens[token]; dup {
			return nil, fmt.Errorf("token entry %q: duplicate token", entry)
		}
		tokens[token] = p
	}
	return tokens, nil
}

// NewLogger returns a slog.Logger writing to w in the given format.
func NewLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
