package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultListenAddress is where `sshdeck serve` binds.
	DefaultListenAddress = "127.0.0.1:7722"

	// DefaultKeepAliveInterval is the SSH keepalive interval in seconds.
	DefaultKeepAliveInterval = 30

	// DefaultConnTimeout bounds one connect: TCP dial plus SSH handshake.
	DefaultConnTimeout = 30 * time.Second

	// DefaultRequestTimeout bounds one HTTP call to the daemon.
	DefaultRequestTimeout = 45 * time.Second

	// DefaultStartRate is how many sessions per second the daemon will
	// start, with DefaultStartBurst allowed at once.
	DefaultStartRate  = 5.0
	DefaultStartBurst = 10

	// DefaultHydrateAttempts is how often the shell tries to load the
	// backend's sessions at startup before carrying on empty.
	DefaultHydrateAttempts = 3

	// DefaultFileName is looked up under the user config directory.
	DefaultFileName = "sshdeck/config.yaml"
)
