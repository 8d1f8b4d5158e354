package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	ncerr "sshdeck/internal/errors"
	"sshdeck/internal/retry"
	"sshdeck/util"
)

// RemoteOptions configures a [Remote].
type RemoteOptions struct {
	// Token is sent as a bearer token when non-empty.
	Token string
	// Timeout bounds each HTTP request.  StartSession additionally
	// inherits the caller's context deadline.
	Timeout time.Duration
	// Retries is how many times idempotent reads are retried.
	Retries int
	Breaker *retry.BreakerConfig
	Logger  *util.Logger
}

// Remote is a [Backend] served by another sshdeck process running
// `sshdeck serve`.
type Remote struct {
	base    string
	token   string
	client  *resty.Client
	breaker *retry.CircuitBreaker
	logger  *util.Logger
}

// NewRemote returns a client for the daemon at baseURL, e.g.
// "http://127.0.0.1:7722".
func NewRemote(baseURL string, opts RemoteOptions) (*Remote, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("backend URL %q: want http(s)://host:port", baseURL)
	}
	base := strings.TrimRight(baseURL, "/")

	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = util.NewLogger(0)
	}
	breakerCfg := opts.Breaker
	if breakerCfg == nil {
		breakerCfg = &retry.BreakerConfig{}
	}
	if breakerCfg.IsFailure == nil {
		breakerCfg.IsFailure = daemonFault
	}

	client := resty.New().
		SetBaseURL(base).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetError(&ErrorResponse{}).
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if opts.Token != "" {
		client.SetAuthToken(opts.Token)
	}

	return &Remote{
		base:    base,
		token:   opts.Token,
		client:  client,
		breaker: retry.NewCircuitBreaker(breakerCfg),
		logger:  logger.Named("remote"),
	}, nil
}

// ListActiveSessions implements [Backend].
func (r *Remote) ListActiveSessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	err := r.do("list", func() (*resty.Response, error) {
		return r.client.R().SetContext(ctx).SetResult(&out).Get("/api/sessions")
	})
	return out, err
}

// StartSession implements [Backend].
func (r *Remote) StartSession(ctx context.Context, req StartRequest) (uint64, error) {
	var out StartResponse
	err := r.do("start", func() (*resty.Response, error) {
		return r.client.R().SetContext(ctx).SetBody(req).SetResult(&out).Post("/api/sessions")
	})
	if err != nil {
		return 0, err
	}
	return out.ID, nil
}

// CloseSession implements [Closer].
func (r *Remote) CloseSession(ctx context.Context, id uint64) error {
	return r.do("close", func() (*resty.Response, error) {
		return r.client.R().SetContext(ctx).
			SetPathParam("id", strconv.FormatUint(id, 10)).
			Delete("/api/sessions/{id}")
	})
}

// Exec implements [Executor].
func (r *Remote) Exec(ctx context.Context, id uint64, command string) (string, error) {
	var out ExecResponse
	err := r.do("exec", func() (*resty.Response, error) {
		return r.client.R().SetContext(ctx).
			SetPathParam("id", strconv.FormatUint(id, 10)).
			SetBody(ExecRequest{Command: command}).
			SetResult(&out).
			Post("/api/sessions/{id}/exec")
	})
	return out.Output, err
}

// Metrics returns the daemon's raw metrics snapshot JSON.
func (r *Remote) Metrics(ctx context.Context) (string, error) {
	var body string
	err := r.do("metrics", func() (*resty.Response, error) {
		resp, err := r.client.R().SetContext(ctx).Get("/api/metrics")
		if err == nil && !resp.IsError() {
			body = resp.String()
		}
		return resp, err
	})
	return body, err
}

// Watch follows the daemon's event stream, calling fn for each frame
// until ctx is cancelled (returns nil) or the stream fails.
func (r *Remote) Watch(ctx context.Context, fn func(StreamMessage)) error {
	var conn *websocket.Conn
	err := r.breaker.Execute(func() error {
		var err error
		conn, err = r.dialEvents(ctx)
		return err
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var msg StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event stream: %w", err)
		}
		fn(msg)
	}
}

// ── internal ─────────────────────────────────────────────────────────

func (r *Remote) dialEvents(ctx context.Context) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(r.base, "http") + "/api/events"
	header := http.Header{}
	if r.token != "" {
		header.Set("Authorization", "Bearer "+r.token)
	}

	r.logger.Debug("dialing %s", wsURL)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode, Message: resp.Status, Code: statusCode(resp.StatusCode)}
		}
		return nil, fmt.Errorf("%w: %w", ncerr.ErrBackendUnavailable, ncerr.Wrap("watch", wsURL, err))
	}
	return conn, nil
}

// do runs one request through the breaker and turns transport failures
// and error replies into Go errors.
func (r *Remote) do(op string, send func() (*resty.Response, error)) error {
	return r.breaker.Execute(func() error {
		resp, err := send()
		if err != nil {
			r.logger.Verbose("%s: %v", op, err)
			return fmt.Errorf("%w: %w", ncerr.ErrBackendUnavailable, ncerr.Wrap(op, r.base, err))
		}
		if !resp.IsError() {
			return nil
		}

		apiErr := &APIError{Status: resp.StatusCode(), Message: resp.Status(), Code: statusCode(resp.StatusCode())}
		if body, ok := resp.Error().(*ErrorResponse); ok && body.Error != "" {
			apiErr.Message = body.Error
			if body.Code != "" {
				apiErr.Code = body.Code
			}
		}
		r.logger.Debug("%s: HTTP %d: %s", op, apiErr.Status, apiErr.Message)
		return apiErr
	})
}

func statusCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeBadRequest
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusNotFound:
		return CodeUnknownSession
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusGatewayTimeout:
		return CodeTimeout
	case http.StatusServiceUnavailable:
		return CodeUnavailable
	}
	return CodeBackend
}

// daemonFault counts failures of the daemon itself, not of the hosts it
// connects to or of the caller's request.
func daemonFault(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if !ncerr.As(err, &apiErr) {
		return true
	}
	return apiErr.Status == http.StatusInternalServerError || apiErr.Status == http.StatusServiceUnavailable
}
