// Package errors provides domain-specific error types for sshdeck.
//
// These types carry structured context (operation, address, session
// identity) so the registry, the backends and the CLI can decide how to
// report a failure without parsing strings.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrUnknownSession     = errors.New("unknown session")
	ErrNotConnected       = errors.New("not connected")
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrTimeout            = errors.New("operation timed out")
	ErrAuthFailed         = errors.New("authentication failed")
	ErrHostKeyMismatch    = errors.New("host key mismatch")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// ── Connect errors ───────────────────────────────────────────────────

// ConnectKind distinguishes why a connect attempt failed.
type ConnectKind int

const (
	// KindBackend means the backend rejected or failed the request.
	KindBackend ConnectKind = iota
	// KindTimeout means the caller's deadline expired first.
	KindTimeout
)

func (k ConnectKind) String() string {
	switch k {
	case KindBackend:
		return "backend"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ConnectError is returned when starting a session fails.  For
// KindBackend the message is the backend's own, unchanged, so it can
// be shown to the user as-is.
type ConnectError struct {
	Host string
	User string
	Kind ConnectKind
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Kind == KindTimeout {
		return fmt.Sprintf("connect %s@%s: %v", e.User, e.Host, ErrTimeout)
	}
	if e.Err == nil {
		return fmt.Sprintf("connect %s@%s failed", e.User, e.Host)
	}
	return e.Err.Error()
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTimeout) match timeouts regardless of the
// wrapped cause.
func (e *ConnectError) Is(target error) bool {
	return target == ErrTimeout && e.Kind == KindTimeout
}

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // "dial", "list", "start", "close", "exec"
	Addr      string // network address or URL involved
	Err       error
	Retryable bool
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey", "exec"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // flag name without dashes
	Value   interface{} // nil if missing
	Message string
	Hint    string
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, detecting retryability from err.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// Connect wraps a backend failure for user@host.  A nil err stays nil.
func Connect(host, user string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnectError{Host: host, User: user, Kind: KindBackend, Err: err}
}

// ConnectTimeout reports that the deadline for user@host expired.
func ConnectTimeout(host, user string, cause error) error {
	return &ConnectError{Host: host, User: user, Kind: KindTimeout, Err: cause}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// IsTimeout reports whether err is a connect timeout or a network
// timeout from the standard library.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // still the best hint available
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports ───────────────────────────────────────────────────────
//
// So callers can import sshdeck/internal/errors in place of the
// standard library package.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
