package backend

import (
	ncerr "sshdeck/internal/errors"
)

// HTTP payloads shared by `sshdeck serve` and [Remote].

// StartResponse answers POST /api/sessions.
type StartResponse struct {
	ID uint64 `json:"id"`
}

// ExecRequest is the body of POST /api/sessions/{id}/exec.
type ExecRequest struct {
	Command string `json:"command"`
}

// ExecResponse answers an exec request.
type ExecResponse struct {
	Output string `json:"output"`
}

// ErrorResponse is the body of every non-2xx API reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// StreamSnapshot is the type of the first /api/events message.
const StreamSnapshot = "snapshot"

// StreamMessage is one frame on the /api/events WebSocket: a snapshot
// of the active sessions first, then one frame per started or closed
// session.
type StreamMessage struct {
	Type     string        `json:"type"`
	Sessions []SessionInfo `json:"sessions,omitempty"`
	Session  *SessionInfo  `json:"session,omitempty"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeBadRequest     = "bad_request"
	CodeUnauthorized   = "unauthorized"
	CodeUnknownSession = "unknown_session"
	CodeRateLimited    = "rate_limited"
	CodeAuthFailed     = "auth_failed"
	CodeHostKey        = "host_key_mismatch"
	CodeTimeout        = "timeout"
	CodeUnavailable    = "unavailable"
	CodeBackend        = "backend"
)

var codeSentinels = map[string]error{
	CodeUnknownSession: ncerr.ErrUnknownSession,
	CodeAuthFailed:     ncerr.ErrAuthFailed,
	CodeHostKey:        ncerr.ErrHostKeyMismatch,
	CodeTimeout:        ncerr.ErrTimeout,
	CodeUnavailable:    ncerr.ErrBackendUnavailable,
}

// ErrorCode classifies err for the wire.
func ErrorCode(err error) string {
	for code, sentinel := range codeSentinels {
		if ncerr.Is(err, sentinel) {
			return code
		}
	}
	return CodeBackend
}

// APIError is a non-2xx reply from the daemon.  Its message is the
// server's text unchanged; Unwrap maps the code back to a sentinel so
// errors.Is works across the wire.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string { return e.Message }

func (e *APIError) Unwrap() error { return codeSentinels[e.Code] }
