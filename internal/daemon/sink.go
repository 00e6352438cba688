package daemon

import (
	"context"

	"github.com/rs/zerolog"
)

// logSink writes notifications to the log when no chat transport is configured
type logSink struct {
	logger zerolog.Logger
}

func newLogSink(logger zerolog.Logger) *logSink {
	return &logSink{logger: logger.With().Str("component", "log_sink").Logger()}
}

func (s *logSink) Notify(ctx context.Context, userID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Info().Str("user_id", userID).Int("length", len(text)).Msg(text)
	return nil
}
