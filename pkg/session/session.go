package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/streamrelay/internal/observability"
	"github.com/harun/streamrelay/internal/tracing"
	"github.com/harun/streamrelay/pkg/transport"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// User-facing notifications emitted by a session
const (
	MsgStreamOpened     = "Stream opened."
	MsgStreamRestarting = "Stream closed, restarting."
	MsgStreamFailed     = "Stream stopped. Send your API key again or turn notifications on to restart it."
)

var (
	// ErrNoToken means no usable listen token could be obtained
	ErrNoToken = errors.New("no listen token")
	// ErrStreamEnded means the remote side closed the stream without error
	ErrStreamEnded = errors.New("stream ended by remote")
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("session already started")
	// ErrCancelled is returned by Start after Cancel
	ErrCancelled = errors.New("session cancelled")
)

// Sink receives notifications and forwarded stream frames for a user
type Sink interface {
	Notify(ctx context.Context, userID, text string) error
}

// Token is a listen token issued by the exchange
type Token struct {
	Value      string
	AcquiredAt time.Time
}

// Config holds exchange endpoints and session timings
type Config struct {
	TokenURL     string // full URL of the listen token endpoint
	StreamBase   string // stream URL prefix; the token is appended as the last path segment
	APIKeyHeader string

	RenewalInterval    time.Duration
	ConnectionDeadline time.Duration

	RetryTransient bool
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultConfig returns Binance spot user data stream settings
func DefaultConfig() Config {
	return Config{
		TokenURL:           "https://api.binance.com/api/v3/userDataStream",
		StreamBase:         "wss://stream.binance.com:9443/ws",
		APIKeyHeader:       "X-MBX-APIKEY",
		RenewalInterval:    30 * time.Minute,
		ConnectionDeadline: 24 * time.Hour,
		BackoffInitial:     time.Second,
		BackoffMax:         time.Minute,
	}
}

// Options configures a new Session
type Options struct {
	UserID     string
	Credential string
	Config     Config
	Transport  transport.Transport
	Sink       Sink
	Logger     zerolog.Logger
}

// Session owns one user's stream lifecycle
type Session struct {
	id         string
	userID     string
	credential string
	cfg        Config
	transport  transport.Transport
	sink       Sink
	logger     zerolog.Logger
	createdAt  time.Time

	token   atomic.Pointer[Token]
	state   atomic.Int32
	running atomic.Int32

	mu        sync.Mutex
	started   bool
	cancelled bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a session in the created state
func New(opts Options) *Session {
	observability.EnsureRegistered()

	id, err := gonanoid.New()
	if err != nil {
		id = fmt.Sprintf("s%d", time.Now().UnixNano())
	}

	s := &Session{
		id:         id,
		userID:     opts.UserID,
		credential: opts.Credential,
		cfg:        opts.Config,
		transport:  opts.Transport,
		sink:       opts.Sink,
		createdAt:  time.Now(),
		logger: opts.Logger.With().
			Str("component", "session").
			Str("user_id", opts.UserID).
			Str("session_id", id).
			Logger(),
	}
	s.state.Store(int32(StateCreated))
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) UserID() string       { return s.userID }
func (s *Session) CreatedAt() time.Time { return s.createdAt }
func (s *Session) State() State         { return State(s.state.Load()) }

// Running returns the number of background loops still executing
func (s *Session) Running() int {
	return int(s.running.Load())
}

// StartedAt returns when Start launched the loops, or the zero time
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Token returns a snapshot of the current token
func (s *Session) Token() (Token, bool) {
	t := s.token.Load()
	if t == nil {
		return Token{}, false
	}
	return *t, true
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	observability.RecordStateTransition(st.String())
}

// AcquireToken requests a listen token and stores it. On failure the stored
// token is left untouched and the returned error wraps ErrNoToken.
func (s *Session) AcquireToken(ctx context.Context) (Token, error) {
	s.setState(StateAcquiringToken)

	tok, err := s.requestToken(ctx, "acquire")
	if err != nil {
		s.setState(StateFailed)
		return Token{}, err
	}
	return tok, nil
}

func (s *Session) requestToken(ctx context.Context, kind string) (Token, error) {
	ctx = tracing.WithSessionID(tracing.WithUserID(ctx, s.userID), s.id)
	ctx, span := tracing.StartSpan(
		ctx,
		"streamrelay.session",
		"session."+kind+"_token",
		attribute.String("user_id", s.userID),
		attribute.String("session_id", s.id),
	)
	defer span.End()

	start := time.Now()
	tok, err := s.fetchToken(ctx)
	observability.RecordTokenRequest(kind, time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Warn().Err(err).Str("kind", kind).Msg("Listen token request failed")
		return Token{}, err
	}

	s.token.Store(&tok)
	s.logger.Debug().Str("kind", kind).Msg("Listen token stored")
	return tok, nil
}

func (s *Session) fetchToken(ctx context.Context) (Token, error) {
	body, err := s.transport.Send(ctx, s.cfg.TokenURL, http.MethodPost, map[string]string{
		s.cfg.APIKeyHeader: s.credential,
	})
	if err != nil {
		return Token{}, fmt.Errorf("%w: %w", ErrNoToken, err)
	}

	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Token{}, fmt.Errorf("%w: malformed response: %v", ErrNoToken, err)
	}
	if resp.ListenKey == "" {
		return Token{}, fmt.Errorf("%w: response has no listenKey", ErrNoToken)
	}

	return Token{Value: resp.ListenKey, AcquiredAt: time.Now()}, nil
}

// Start launches the renewal and reconnect loops under a context derived from parent
func (s *Session) Start(parent context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled {
		return ErrCancelled
	}
	if s.started {
		return ErrAlreadyStarted
	}
	if s.token.Load() == nil {
		return ErrNoToken
	}

	ctx, cancel := context.WithCancel(parent)
	s.started = true
	s.startedAt = time.Now()
	s.cancel = cancel

	s.wg.Add(2)
	s.running.Add(2)
	go s.runLoop(ctx, "renewal", s.renewalLoop)
	// Renewal outlives a failed stream; only Cancel stops it.
	go s.runLoop(ctx, "reconnect", s.reconnectLoop)

	s.logger.Info().Msg("Session started")
	return nil
}

func (s *Session) runLoop(ctx context.Context, name string, fn func(context.Context) error) {
	defer s.wg.Done()
	defer s.running.Add(-1)

	if err := fn(ctx); err != nil {
		s.logger.Error().Err(err).Str("loop", name).Msg("Session loop terminated")
		return
	}
	s.logger.Debug().Str("loop", name).Msg("Session loop stopped")
}

// Cancel stops both loops and waits for them to exit. It is safe to call
// more than once and on a session that was never started.
func (s *Session) Cancel() {
	s.mu.Lock()
	first := !s.cancelled
	s.cancelled = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	if first {
		s.setState(StateCancelled)
		s.logger.Info().Msg("Session cancelled")
	}
}

func (s *Session) renewalLoop(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.RenewalInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		if _, err := s.requestToken(ctx, "renew"); err != nil && ctx.Err() == nil {
			s.logger.Warn().Msg("Keeping previous listen token after failed renewal")
		}
		timer.Reset(s.cfg.RenewalInterval)
	}
}

func (s *Session) reconnectLoop(ctx context.Context) error {
	backoff := s.cfg.BackoffInitial

	for {
		if ctx.Err() != nil {
			return nil
		}

		s.setState(StateStreaming)
		s.notify(ctx, MsgStreamOpened)

		opened := time.Now()
		streamCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectionDeadline)
		err := s.streamOnce(streamCtx)
		deadlineHit := errors.Is(streamCtx.Err(), context.DeadlineExceeded)
		cancel()

		if ctx.Err() != nil {
			observability.RecordStreamEnd("cancelled")
			return nil
		}

		if deadlineHit || isDeadlineError(err) {
			observability.RecordStreamEnd("deadline")
			s.logger.Info().Dur("lasted", time.Since(opened)).Msg("Stream deadline reached, restarting")
			s.setState(StateReconnecting)
			s.notify(ctx, MsgStreamRestarting)
			observability.RecordStreamReconnect()
			backoff = s.cfg.BackoffInitial
			continue
		}

		if err == nil {
			err = ErrStreamEnded
		}
		observability.RecordStreamEnd("error")

		if !s.cfg.RetryTransient {
			s.setState(StateFailed)
			s.notify(ctx, MsgStreamFailed)
			return fmt.Errorf("stream failed: %w", err)
		}

		if time.Since(opened) > s.cfg.BackoffMax {
			backoff = s.cfg.BackoffInitial
		}
		s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("Stream failed, retrying")
		s.setState(StateReconnecting)
		s.notify(ctx, MsgStreamRestarting)

		if !sleepCtx(ctx, backoff) {
			return nil
		}
		backoff = nextBackoff(backoff, s.cfg.BackoffMax)
		observability.RecordStreamReconnect()
	}
}

// streamOnce opens one connection with the current token
func (s *Session) streamOnce(ctx context.Context) error {
	tok := s.token.Load()
	if tok == nil {
		return ErrNoToken
	}

	url := strings.TrimRight(s.cfg.StreamBase, "/") + "/" + tok.Value
	return s.transport.Stream(ctx, url, func(payload []byte) {
		s.forward(ctx, payload)
	})
}

func (s *Session) forward(ctx context.Context, payload []byte) {
	if ctx.Err() != nil {
		return
	}
	observability.RecordStreamMessage()
	if err := s.sink.Notify(ctx, s.userID, string(payload)); err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).Msg("Failed to forward stream message")
	}
}

func (s *Session) notify(ctx context.Context, text string) {
	if ctx.Err() != nil {
		return
	}
	if err := s.sink.Notify(ctx, s.userID, text); err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).Msg("Failed to send notification")
	}
}

// isDeadlineError is the only failure class the reconnect loop restarts on by default
func isDeadlineError(err error) bool {
	return transport.IsDeadline(err)
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	next := cur * 2
	if next > limit || next <= 0 {
		return limit
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
