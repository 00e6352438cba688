package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/streamrelay/internal/observability"
	"github.com/harun/streamrelay/internal/tracing"
	"github.com/harun/streamrelay/pkg/commandqueue"
	"github.com/harun/streamrelay/pkg/profile"
	"github.com/harun/streamrelay/pkg/session"
	"github.com/harun/streamrelay/pkg/transport"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// QueueLane labels the activation queue's metrics
const QueueLane = "activations"

// User-facing notifications emitted by the supervisor
const (
	MsgStreamClosed      = "Stream closed."
	MsgInvalidCredential = "Invalid API key."
	MsgSaveFailed        = "Could not save your settings, please try again."
)

var (
	// ErrMalformedRequest is returned for a request without a user ID
	ErrMalformedRequest = errors.New("malformed activation request: missing user ID")
	// ErrSaveFailed wraps profile store failures
	ErrSaveFailed = errors.New("failed to save profile")
)

// Activation sources
const (
	SourceTelegram = "telegram"
	SourceAdmin    = "admin"
	SourceReplay   = "replay"
)

// ActivationRequest asks the supervisor to (re)configure a user's stream
type ActivationRequest struct {
	UserID        string  `json:"user_id"`
	Credential    *string `json:"-"`
	Notifications bool    `json:"notifications"`
	Source        string  `json:"source,omitempty"`
}

func (r ActivationRequest) hasCredential() bool {
	return r.Credential != nil && *r.Credential != ""
}

// SessionInfo is a read-only view of a table entry
type SessionInfo struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Running   int       `json:"running"`
}

// Stats summarizes the supervisor for maintenance and health reporting
type Stats struct {
	Sessions   int `json:"sessions"`
	Streaming  int `json:"streaming"`
	Failed     int `json:"failed"`
	QueueDepth int `json:"queue_depth"`
}

// Options configures a Supervisor
type Options struct {
	Session   session.Config
	Store     profile.Store
	Sink      session.Sink
	Transport transport.Transport
	Queue     *commandqueue.Queue[ActivationRequest] // created when nil
	Logger    zerolog.Logger
}

// Supervisor owns the session table
type Supervisor struct {
	cfg       session.Config
	store     profile.Store
	sink      session.Sink
	transport transport.Transport
	queue     *commandqueue.Queue[ActivationRequest]
	logger    zerolog.Logger
	base      zerolog.Logger // handed to sessions

	// Parent of every session context; outlives individual Activate calls.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	// Written only by Activate and Shutdown; the lock serves readers.
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// New creates a supervisor
func New(opts Options) (*Supervisor, error) {
	observability.EnsureRegistered()

	if opts.Store == nil {
		return nil, errors.New("profile store is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("delivery sink is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}

	q := opts.Queue
	if q == nil {
		q = commandqueue.New[ActivationRequest](QueueLane)
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	return &Supervisor{
		cfg:        opts.Session,
		store:      opts.Store,
		sink:       opts.Sink,
		transport:  opts.Transport,
		queue:      q,
		logger:     opts.Logger.With().Str("component", "supervisor").Logger(),
		base:       opts.Logger,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		sessions:   make(map[string]*session.Session),
	}, nil
}

// Submit enqueues a request for Run. It never blocks.
func (s *Supervisor) Submit(req ActivationRequest) error {
	if err := s.queue.Push(req); err != nil {
		return fmt.Errorf("failed to submit activation: %w", err)
	}
	return nil
}

// Queue returns the inbound queue
func (s *Supervisor) Queue() *commandqueue.Queue[ActivationRequest] {
	return s.queue
}

// Run consumes the queue one request at a time until ctx is done or the queue is closed
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info().Msg("Supervisor started")
	defer s.logger.Info().Msg("Supervisor stopped")

	for {
		req, err := s.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, commandqueue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to take activation: %w", err)
		}

		if err := s.Activate(ctx, req); err != nil {
			s.logger.Error().Err(err).Str("user_id", req.UserID).Str("source", req.Source).Msg("Activation failed")
			if errors.Is(err, ErrSaveFailed) {
				s.notify(ctx, req.UserID, MsgSaveFailed)
			}
		}
	}
}

// Activate applies one request. It must not run concurrently with itself;
// Run guarantees that for queued requests.
func (s *Supervisor) Activate(ctx context.Context, req ActivationRequest) error {
	ctx = tracing.WithUserID(tracing.NewRequestContext(ctx), req.UserID)
	ctx, span := tracing.StartSpan(
		ctx,
		"streamrelay.supervisor",
		"supervisor.activate",
		attribute.String("user_id", req.UserID),
		attribute.String("source", req.Source),
		attribute.Bool("notifications", req.Notifications),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("source", req.Source).Logger()
	meta := map[string]interface{}{
		"source":        req.Source,
		"notifications": req.Notifications,
		"credential":    req.hasCredential(),
	}

	if req.UserID == "" {
		logger.Warn().Msg("Rejected activation without user ID")
		observability.RecordActivation("malformed")
		observability.RecordActivationAudit(ctx, "", "rejected", "failure", meta)
		span.SetStatus(codes.Error, ErrMalformedRequest.Error())
		return ErrMalformedRequest
	}

	if err := s.store.Save(ctx, req.UserID, req.Credential, req.Notifications); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "profile save failed")
		observability.RecordActivation("store_error")
		observability.RecordActivationAudit(ctx, req.UserID, "store_failed", "failure", meta)
		return fmt.Errorf("%w for %s: %w", ErrSaveFailed, req.UserID, err)
	}

	if prev := s.get(req.UserID); prev != nil {
		prev.Cancel()
		s.remove(req.UserID)
		logger.Info().Str("session_id", prev.ID()).Msg("Superseded session cancelled")
		s.notify(ctx, req.UserID, MsgStreamClosed)
		observability.RecordActivationAudit(ctx, req.UserID, "superseded", "success",
			map[string]interface{}{"session_id": prev.ID()})
	}

	if !req.Notifications || !req.hasCredential() {
		logger.Info().Msg("Streaming disabled for user")
		observability.RecordActivation("disabled")
		observability.RecordActivationAudit(ctx, req.UserID, "disabled", "success", meta)
		return nil
	}

	sess := session.New(session.Options{
		UserID:     req.UserID,
		Credential: *req.Credential,
		Config:     s.cfg,
		Transport:  s.transport,
		Sink:       s.sink,
		Logger:     s.base,
	})

	if _, err := sess.AcquireToken(ctx); err != nil {
		logger.Warn().Err(err).Msg("No listen token for credential")
		s.notify(ctx, req.UserID, MsgInvalidCredential)
		observability.RecordActivation("invalid_credential")
		observability.RecordActivationAudit(ctx, req.UserID, "invalid_credential", "failure", meta)
		return nil
	}

	if err := sess.Start(s.baseCtx); err != nil {
		sess.Cancel()
		return fmt.Errorf("failed to start session for %s: %w", req.UserID, err)
	}
	s.put(req.UserID, sess)

	logger.Info().Str("session_id", sess.ID()).Msg("Session activated")
	observability.RecordActivation("started")
	meta["session_id"] = sess.ID()
	observability.RecordActivationAudit(ctx, req.UserID, "activated", "success", meta)
	return nil
}

// Shutdown cancels every session and clears the table. Call it after Run has returned.
func (s *Supervisor) Shutdown() {
	s.baseCancel()

	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session.Session)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *session.Session) {
			defer wg.Done()
			sess.Cancel()
		}(sess)
	}
	wg.Wait()

	observability.SetActiveSessions(0)
	s.logger.Info().Int("sessions", len(sessions)).Msg("All sessions cancelled")
}

// Sessions returns a snapshot of the table ordered by user ID
func (s *Supervisor) Sessions() []SessionInfo {
	s.mu.RLock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, infoOf(sess))
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].UserID < infos[j].UserID })
	return infos
}

// Lookup returns the table entry for userID
func (s *Supervisor) Lookup(userID string) (SessionInfo, bool) {
	sess := s.get(userID)
	if sess == nil {
		return SessionInfo{}, false
	}
	return infoOf(sess), true
}

// Stats summarizes the table and queue
func (s *Supervisor) Stats() Stats {
	st := Stats{QueueDepth: s.queue.Len()}
	for _, info := range s.Sessions() {
		st.Sessions++
		switch info.State {
		case session.StateStreaming.String(), session.StateReconnecting.String():
			st.Streaming++
		case session.StateFailed.String():
			st.Failed++
		}
	}
	return st
}

func (s *Supervisor) get(userID string) *session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[userID]
}

func (s *Supervisor) put(userID string, sess *session.Session) {
	s.mu.Lock()
	s.sessions[userID] = sess
	n := len(s.sessions)
	s.mu.Unlock()
	observability.SetActiveSessions(n)
}

func (s *Supervisor) remove(userID string) {
	s.mu.Lock()
	delete(s.sessions, userID)
	n := len(s.sessions)
	s.mu.Unlock()
	observability.SetActiveSessions(n)
}

func (s *Supervisor) notify(ctx context.Context, userID, text string) {
	if userID == "" {
		return
	}
	if err := s.sink.Notify(ctx, userID, text); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to send notification")
	}
}

func infoOf(sess *session.Session) SessionInfo {
	return SessionInfo{
		UserID:    sess.UserID(),
		SessionID: sess.ID(),
		State:     sess.State().String(),
		StartedAt: sess.StartedAt(),
		Running:   sess.Running(),
	}
}
