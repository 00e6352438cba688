package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultRequestTimeout   = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	maxResponseBody         = 1 << 20
	closeGracePeriod        = time.Second
)

// Transport is the network capability used by sessions
type Transport interface {
	// Send performs one request and returns the response body.
	Send(ctx context.Context, url, method string, headers map[string]string) ([]byte, error)

	// Stream opens one connection and calls onMessage for every inbound
	// frame until the connection ends.
	Stream(ctx context.Context, url string, onMessage func([]byte)) error
}

// Error is returned for every network or protocol failure
type Error struct {
	Op         string // send, dial, stream
	URL        string
	StatusCode int // non-zero for HTTP status failures
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, redactURL(e.URL), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsDeadline reports whether err is a deadline-class failure: a context
// deadline or a network timeout. Cancellation is not deadline-class.
func IsDeadline(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// redactURL keeps scheme and host only; paths carry listen keys.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<url>"
	}
	return u.Scheme + "://" + u.Host
}

// Options configures an HTTPTransport
type Options struct {
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	Logger           zerolog.Logger
}

// HTTPTransport implements Transport with net/http and gorilla/websocket
type HTTPTransport struct {
	client *http.Client
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewHTTPTransport creates a transport
func NewHTTPTransport(opts Options) *HTTPTransport {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}

	return &HTTPTransport{
		client: &http.Client{Timeout: opts.RequestTimeout},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		logger: opts.Logger.With().Str("component", "transport").Logger(),
	}
}

// Send performs one HTTP request. Non-2xx responses are errors.
func (t *HTTPTransport) Send(ctx context.Context, rawURL, method string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, &Error{Op: "send", URL: rawURL, Err: err}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &Error{Op: "send", URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &Error{Op: "send", URL: rawURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read body: %w", err)}
	}

	t.logger.Debug().
		Str("method", method).
		Str("host", req.URL.Host).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Request completed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Op:         "send",
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 256)),
		}
	}

	return body, nil
}

// Stream dials rawURL and reads frames until the connection ends or ctx is done
func (t *HTTPTransport) Stream(ctx context.Context, rawURL string, onMessage func([]byte)) error {
	conn, resp, err := t.dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		se := &Error{Op: "dial", URL: rawURL, Err: err}
		if resp != nil {
			se.StatusCode = resp.StatusCode
		}
		return se
	}

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
				time.Now().Add(closeGracePeriod),
			)
			_ = conn.Close()
		case <-done:
		}
	}()

	t.logger.Debug().Str("host", conn.RemoteAddr().String()).Msg("Stream connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return &Error{Op: "stream", URL: rawURL, Err: ctxErr}
			}
			return &Error{Op: "stream", URL: rawURL, Err: err}
		}
		onMessage(data)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
