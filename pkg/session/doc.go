// Package session runs one user's exchange stream: it acquires a listen
// token, keeps it renewed, opens the stream and reconnects on deadline
// expiry, forwarding every frame to a Sink.
//
// Invariants:
// - The current token lives in an atomic cell; the stream always reads the latest value.
// - Only a deadline-class failure restarts the stream, unless RetryTransient is set.
// - Cancel is idempotent and returns only after both background loops have exited.
// - Once cancellation is requested the session emits nothing further to the Sink.
//
// Usage:
//
//	s := session.New(session.Options{UserID: "42", Credential: key, Config: session.DefaultConfig(),
//		Transport: tr, Sink: sink, Logger: logger})
//	if _, err := s.AcquireToken(ctx); err != nil {
//		return err // errors.Is(err, session.ErrNoToken)
//	}
//	_ = s.Start(ctx)
//	defer s.Cancel()
package session
