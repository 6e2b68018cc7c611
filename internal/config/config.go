// Package config loads process configuration from environment variables,
// failing fast when a required value is absent (spec §7 "Fatal: missing
// configuration").
package config

import (
	"log"
	"os"
	"strings"
)

// Config holds every setting read from the environment. Not every field is
// required by every cmd/* process — each main reads the subset it needs.
type Config struct {
	// Exchange credentials (internal/exchange)
	ExchangeKeyName       string
	ExchangePrivateKeyPEM string

	// Persistence
	LiveDBURL     string
	BacktestDBURL string

	// Transport
	BusURL string

	// Ambient
	MetricsAddr string
	HTTPAddr    string

	// Pairs this process tracks, e.g. "BTC-USD,ETH-USD".
	Pairs string

	// Timeframes in their short textual form, e.g. "1m,5m,1h,1D". No cmd/*
	// process reads it; the aggregator runs over aggregator.DefaultTimeframes.
	Timeframes string
}

// Load reads configuration from environment variables. ExchangeKeyName,
// ExchangePrivateKeyPEM, LiveDBURL, BacktestDBURL and BusURL are required;
// everything else has a default suitable for local development.
func Load() *Config {
	return &Config{
		ExchangeKeyName:       mustEnv("EXCHANGE_KEY_NAME"),
		ExchangePrivateKeyPEM: mustEnv("EXCHANGE_PRIVATE_KEY_PEM"),

		LiveDBURL:     mustEnv("LIVE_DB_URL"),
		BacktestDBURL: mustEnv("BACKTEST_DB_URL"),

		BusURL: mustEnv("BUS_URL"),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),

		Pairs:      getEnv("PAIRS", "BTC-USD"),
		Timeframes: getEnv("TIMEFRAMES", "1m,5m,1h,1D"),
	}
}

// ParsePairs splits Pairs on commas, trimming whitespace and skipping blanks.
func (c *Config) ParsePairs() []string {
	return splitNonEmpty(c.Pairs)
}

// ParseTimeframeTokens splits Timeframes on commas, trimming whitespace and
// skipping blanks. The tokens are returned unparsed; an invalid token is
// only rejected once passed to model.ParseTimeframe. Nothing calls it.
func (c *Config) ParseTimeframeTokens() []string {
	return splitNonEmpty(c.Timeframes)
}

func splitNonEmpty(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
