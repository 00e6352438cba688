package telegram

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/harun/streamrelay/internal/observability"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// MaxMessageLength is Telegram's limit for a text message, in characters
const MaxMessageLength = 4096

// Sender delivers one text message to a chat
type Sender interface {
	SendMessage(chatID int64, text string) error
}

// Default per-chat budget; Telegram allows about one message per second in a private chat.
const (
	DefaultChatRate  = 1.0
	DefaultChatBurst = 3
)

// Sink delivers session notifications and stream payloads to Telegram chats.
// User IDs are private chat IDs. Each chat waits on its own limiter before
// the shared one, so a busy chat only slows itself down.
type Sink struct {
	sender  Sender
	limiter *rate.Limiter
	logger  zerolog.Logger

	chatRate  rate.Limit
	chatBurst int

	mu    sync.Mutex
	chats map[int64]*chatBucket
}

type chatBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SinkOption customizes a Sink
type SinkOption func(*Sink)

// WithChatLimit sets the per-chat send budget
func WithChatLimit(perSecond float64, burst int) SinkOption {
	return func(s *Sink) {
		if perSecond > 0 {
			s.chatRate = rate.Limit(perSecond)
		}
		if burst >= 1 {
			s.chatBurst = burst
		}
	}
}

// NewSink creates a sink sending at most perSecond messages per second across all chats
func NewSink(sender Sender, perSecond float64, burst int, logger zerolog.Logger, opts ...SinkOption) *Sink {
	observability.EnsureRegistered()

	if burst < 1 {
		burst = 1
	}
	s := &Sink{
		sender:    sender,
		limiter:   rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:    logger.With().Str("component", "telegram_sink").Logger(),
		chatRate:  rate.Limit(DefaultChatRate),
		chatBurst: DefaultChatBurst,
		chats:     make(map[int64]*chatBucket),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify sends text to the chat identified by userID, split into
// Telegram-sized chunks. It gives up when ctx is done.
func (s *Sink) Notify(ctx context.Context, userID, text string) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID %q: %w", userID, err)
	}
	if text == "" {
		return nil
	}

	chat := s.chatLimiter(chatID)
	for _, chunk := range SplitMessage(text, MaxMessageLength) {
		if err := chat.Wait(ctx); err != nil {
			return fmt.Errorf("failed to wait for chat send slot: %w", err)
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("failed to wait for send slot: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.sender.SendMessage(chatID, chunk); err != nil {
			observability.RecordNotification(false)
			s.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("Notification not delivered")
			return err
		}
		observability.RecordNotification(true)
	}

	return nil
}

func (s *Sink) chatLimiter(chatID int64) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		c = &chatBucket{limiter: rate.NewLimiter(s.chatRate, s.chatBurst)}
		s.chats[chatID] = c
	}
	c.lastSeen = time.Now()
	return c.limiter
}

// Prune drops limiters of chats idle for longer than maxAge and returns how many were dropped
func (s *Sink) Prune(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	n := 0
	for id, c := range s.chats {
		if c.lastSeen.Before(cutoff) {
			delete(s.chats, id)
			n++
		}
	}
	return n
}

// Chats returns how many chats currently hold a limiter
func (s *Sink) Chats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chats)
}

// SplitMessage cuts text into chunks of at most limit runes, preferring
// to cut after a newline in the second half of a chunk.
func SplitMessage(text string, limit int) []string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i >= limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
