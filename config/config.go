// Package config defines the runtime configuration for sshdeck and
// provides helpers for parsing connection targets and session IDs.
package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	ncerr "sshdeck/internal/errors"
	"sshdeck/util"
)

// Config holds every tuneable for one sshdeck invocation.
type Config struct {
	// ── Backend ──────────────────────────────────────────────────────
	Backend        string // daemon URL; empty means an in-process pool
	AuthToken      string
	RequestTimeout time.Duration

	// ── SSH ──────────────────────────────────────────────────────────
	ConnTimeout       time.Duration
	KeyPath           string
	UseAgent          bool
	StrictHostKey     bool
	KnownHostsPath    string
	KeepAliveInterval int // seconds, 0 disables

	// ── Daemon ───────────────────────────────────────────────────────
	Listen     string
	StartRate  float64
	StartBurst int

	// ── Shell ────────────────────────────────────────────────────────
	HydrateAttempts int
	PasswordStdin   bool

	// ── Output ───────────────────────────────────────────────────────
	Verbose    int
	DryRun     bool
	ConfigFile string
}

// New returns a Config populated with the defaults.
func New() *Config {
	return &Config{
		RequestTimeout:    DefaultRequestTimeout,
		ConnTimeout:       DefaultConnTimeout,
		KeepAliveInterval: DefaultKeepAliveInterval,
		Listen:            DefaultListenAddress,
		StartRate:         DefaultStartRate,
		StartBurst:        DefaultStartBurst,
		HydrateAttempts:   DefaultHydrateAttempts,
	}
}

// IsRemote reports whether sessions live in a `sshdeck serve` daemon.
func (c *Config) IsRemote() bool { return c.Backend != "" }

// KeepAlive returns the keepalive interval as a duration.
func (c *Config) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveInterval) * time.Second
}

// ── Target parser ────────────────────────────────────────────────────

// Target is a parsed user@host[:port].
type Target struct {
	User string
	Host string
	Port int
}

func (t Target) String() string {
	return t.User + "@" + util.FormatAddr(t.Host, t.Port)
}

// targetRe matches user@host[:port]; an IPv6 host must be bracketed.
var targetRe = regexp.MustCompile(`^([^@\s]+)@(\[[0-9a-fA-F:.]+\]|[^:@\s\[\]]+)(?::(\d+))?$`)

// ParseTarget extracts user, host and port from a string such as
// "alice@db.internal:2222".  Port defaults to 22.
func ParseTarget(spec string) (Target, error) {
	m := targetRe.FindStringSubmatch(spec)
	if m == nil {
		return Target{}, fmt.Errorf("invalid target %q, expected user@host[:port]", spec)
	}
	t := Target{User: m[1], Host: strings.Trim(m[2], "[]"), Port: DefaultSSHPort}
	if m[3] != "" {
		port, err := strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return Target{}, fmt.Errorf("invalid port %q in target %q", m[3], spec)
		}
		t.Port = port
	}
	return t, nil
}

// ParseSessionID parses a backend-issued session identifier.
func ParseSessionID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid session id %q", s)
	}
	return id, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Backend != "" {
		u, err := url.Parse(c.Backend)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ncerr.ConfigError{
				Field:   "backend",
				Value:   c.Backend,
				Message: "must be an http or https URL",
				Hint:    "e.g. --backend http://127.0.0.1:7722",
			}
		}
	}

	if _, _, err := util.SplitAddr(c.Listen); err != nil {
		return &ncerr.ConfigError{
			Field:   "listen",
			Value:   c.Listen,
			Message: "must be host:port",
			Hint:    "e.g. --listen " + DefaultListenAddress,
		}
	}

	if c.ConnTimeout <= 0 {
		return &ncerr.ConfigError{
			Field:   "timeout",
			Value:   c.ConnTimeout,
			Message: "must be positive",
		}
	}
	if c.RequestTimeout < 0 {
		return &ncerr.ConfigError{Field: "request-timeout", Value: c.RequestTimeout, Message: "must not be negative"}
	}
	if c.KeepAliveInterval < 0 {
		return &ncerr.ConfigError{
			Field:   "keepalive",
			Value:   c.KeepAliveInterval,
			Message: "must not be negative",
			Hint:    "use 0 to disable keepalives",
		}
	}
	if c.StartRate < 0 {
		return &ncerr.ConfigError{
			Field:   "start-rate",
			Value:   c.StartRate,
			Message: "must not be negative",
			Hint:    "use 0 to disable the limit",
		}
	}
	if c.HydrateAttempts < 1 {
		return &ncerr.ConfigError{Field: "hydrate-attempts", Value: c.HydrateAttempts, Message: "must be at least 1"}
	}

	if c.KeyPath != "" && c.IsRemote() {
		return &ncerr.ConfigError{
			Field:   "ssh-key",
			Value:   c.KeyPath,
			Message: "has no effect with --backend",
			Hint:    "key and agent options belong to the `sshdeck serve` process",
		}
	}

	return nil
}
