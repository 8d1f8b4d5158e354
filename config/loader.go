package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Config file  (file.go)
//   4. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the SSHDECK_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SSHDECK_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("SSHDECK_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := envInt("SSHDECK_REQUEST_TIMEOUT"); v > 0 {
		cfg.RequestTimeout = secondsDuration(v)
	}

	// SSH
	if v := envInt("SSHDECK_TIMEOUT"); v > 0 {
		cfg.ConnTimeout = secondsDuration(v)
	}
	if v := os.Getenv("SSHDECK_SSH_KEY"); v != "" {
		cfg.KeyPath = v
	}
	if envBool("SSHDECK_SSH_AGENT") {
		cfg.UseAgent = true
	}
	if envBool("SSHDECK_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("SSHDECK_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}
	if v, ok := envIntSet("SSHDECK_KEEP_ALIVE"); ok && v >= 0 {
		cfg.KeepAliveInterval = v
	}

	// Daemon
	if v := os.Getenv("SSHDECK_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("SSHDECK_START_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.StartRate = f
		}
	}

	// Shell
	if v := envInt("SSHDECK_HYDRATE_ATTEMPTS"); v > 0 {
		cfg.HydrateAttempts = v
	}

	// Output
	if v := envInt("SSHDECK_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	n, _ := envIntSet(key)
	return n
}

// envIntSet is envInt that also tells whether a valid value was set, so
// an explicit 0 can be told apart from an absent variable.
func envIntSet(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
