package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/streamrelay/internal/tracing"
	"github.com/harun/streamrelay/pkg/profile"
	"github.com/harun/streamrelay/pkg/supervisor"
	"github.com/rs/zerolog"
)

// Replies sent by the conversation
const (
	MsgAskKey            = "Send your Binance API key:"
	MsgKeyAccepted       = "API key accepted. Connecting..."
	MsgKeyEmpty          = "The API key cannot be empty. Send your Binance API key:"
	MsgChooseAction      = "Send /start to choose an action."
	MsgNotificationsOn   = "Notifications enabled."
	MsgNotificationsOff  = "Notifications disabled."
	MsgNotificationsHelp = "Usage: /notifications on|off"
	MsgSetKeyFirst       = "Set an API key first with /setkey."
	MsgSettingsFailed    = "Could not load your settings, please try again."
	MsgUnavailable       = "The service is shutting down, please try again later."
)

const commandHelp = `Commands:
/setkey <api key> - set or replace your Binance API key
/notifications on|off - turn stream notifications on or off
/status - show your stream
/cancel - abandon the current action`

// BotCommands is the menu published with SetCommands
var BotCommands = []tgbotapi.BotCommand{
	{Command: "start", Description: "Show your settings and the command list"},
	{Command: "setkey", Description: "Set or replace your Binance API key"},
	{Command: "notifications", Description: "Turn stream notifications on or off"},
	{Command: "status", Description: "Show your stream"},
	{Command: "cancel", Description: "Abandon the current action"},
}

// Activator accepts activation requests and reports running sessions
type Activator interface {
	Submit(req supervisor.ActivationRequest) error
	Lookup(userID string) (supervisor.SessionInfo, bool)
}

// MessageContext contains message metadata
type MessageContext struct {
	ChatID    int64
	MessageID int
	Text      string
}

// Handler runs the per-chat conversation: it reads settings from the
// profile store and turns user choices into activation requests.
type Handler struct {
	bot       *Bot
	store     profile.Store
	activator Activator
	logger    zerolog.Logger

	// Chats that were asked for a key and have not answered yet
	mu      sync.Mutex
	pending map[int64]bool
}

// NewHandler creates the conversation and registers its commands
func NewHandler(bot *Bot, commands *Commands, store profile.Store, activator Activator) *Handler {
	h := &Handler{
		bot:       bot,
		store:     store,
		activator: activator,
		logger:    bot.logger.With().Str("module", "handler").Logger(),
		pending:   make(map[int64]bool),
	}

	commands.Register("start", h.handleStart)
	commands.Register("help", h.handleStart)
	commands.Register("setkey", h.handleSetKey)
	commands.Register("notifications", h.handleNotifications)
	commands.Register("status", h.handleStatus)
	commands.Register("cancel", h.handleCancel)

	return h
}

// HandleMessage processes plain text messages
func (h *Handler) HandleMessage(ctx context.Context, update tgbotapi.Update) error {
	if update.Message == nil {
		return nil
	}

	msg := update.Message
	mc := MessageContext{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Text:      msg.Text,
	}

	ctx = tracing.WithUserID(tracing.NewRequestContext(ctx), userIDOf(mc.ChatID))

	if !h.takePending(mc.ChatID) {
		return h.bot.SendMessage(mc.ChatID, MsgChooseAction)
	}

	return h.acceptKey(ctx, mc.ChatID, mc.MessageID, mc.Text)
}

func (h *Handler) handleStart(ctx context.Context, cmd CommandContext) error {
	h.clearPending(cmd.ChatID)

	p, err := h.store.Get(ctx, userIDOf(cmd.ChatID))
	if err != nil && !errors.Is(err, profile.ErrNotFound) {
		h.logger.Error().Err(err).Int64("chat_id", cmd.ChatID).Msg("Failed to load profile")
		_ = h.bot.SendMessage(cmd.ChatID, MsgSettingsFailed)
		return fmt.Errorf("failed to load profile: %w", err)
	}

	var b strings.Builder
	if cmd.FirstName != "" {
		fmt.Fprintf(&b, "Hello, %s!\n\n", cmd.FirstName)
	} else {
		b.WriteString("Hello!\n\n")
	}
	fmt.Fprintf(&b, "API key: %s\n", onOff(p.HasCredential(), "set", "not set"))
	fmt.Fprintf(&b, "Notifications: %s\n", onOff(p.Notifications, "on", "off"))
	fmt.Fprintf(&b, "Stream: %s\n\n", h.streamStatus(cmd.ChatID))
	b.WriteString(commandHelp)

	return h.bot.SendMessage(cmd.ChatID, b.String())
}

func (h *Handler) handleSetKey(ctx context.Context, cmd CommandContext) error {
	key := strings.TrimSpace(cmd.RawArgs)
	if key == "" {
		h.setPending(cmd.ChatID)
		return h.bot.SendMessage(cmd.ChatID, MsgAskKey)
	}

	h.clearPending(cmd.ChatID)
	return h.acceptKey(ctx, cmd.ChatID, cmd.MessageID, key)
}

// acceptKey removes the message carrying the key and submits an activation with notifications on
func (h *Handler) acceptKey(ctx context.Context, chatID int64, messageID int, text string) error {
	logger := tracing.LoggerFromContext(ctx, h.logger)

	if err := h.bot.DeleteMessage(chatID, messageID); err != nil {
		logger.Warn().Err(err).Msg("Failed to delete message carrying API key")
	}

	key := strings.TrimSpace(text)
	if key == "" {
		h.setPending(chatID)
		return h.bot.SendMessage(chatID, MsgKeyEmpty)
	}

	req := supervisor.ActivationRequest{
		UserID:        userIDOf(chatID),
		Credential:    &key,
		Notifications: true,
		Source:        supervisor.SourceTelegram,
	}
	if err := h.activator.Submit(req); err != nil {
		_ = h.bot.SendMessage(chatID, MsgUnavailable)
		return err
	}

	logger.Info().Msg("API key submitted")
	return h.bot.SendMessage(chatID, MsgKeyAccepted)
}

func (h *Handler) handleNotifications(ctx context.Context, cmd CommandContext) error {
	h.clearPending(cmd.ChatID)

	if len(cmd.Args) != 1 {
		return h.bot.SendMessage(cmd.ChatID, MsgNotificationsHelp)
	}

	var enabled bool
	switch strings.ToLower(cmd.Args[0]) {
	case "on", "enable", "yes":
		enabled = true
	case "off", "disable", "no":
		enabled = false
	default:
		return h.bot.SendMessage(cmd.ChatID, MsgNotificationsHelp)
	}

	userID := userIDOf(cmd.ChatID)
	p, err := h.store.Get(ctx, userID)
	switch {
	case errors.Is(err, profile.ErrNotFound):
	case err != nil:
		h.logger.Error().Err(err).Int64("chat_id", cmd.ChatID).Msg("Failed to load profile")
		_ = h.bot.SendMessage(cmd.ChatID, MsgSettingsFailed)
		return fmt.Errorf("failed to load profile: %w", err)
	}

	if enabled && !p.HasCredential() {
		return h.bot.SendMessage(cmd.ChatID, MsgSetKeyFirst)
	}

	req := supervisor.ActivationRequest{
		UserID:        userID,
		Credential:    p.Credential,
		Notifications: enabled,
		Source:        supervisor.SourceTelegram,
	}
	if err := h.activator.Submit(req); err != nil {
		_ = h.bot.SendMessage(cmd.ChatID, MsgUnavailable)
		return err
	}

	if enabled {
		return h.bot.SendMessage(cmd.ChatID, MsgNotificationsOn)
	}
	return h.bot.SendMessage(cmd.ChatID, MsgNotificationsOff)
}

func (h *Handler) handleStatus(_ context.Context, cmd CommandContext) error {
	return h.bot.SendMessage(cmd.ChatID, "Stream: "+h.streamStatus(cmd.ChatID))
}

func (h *Handler) handleCancel(_ context.Context, cmd CommandContext) error {
	h.clearPending(cmd.ChatID)
	return h.bot.SendMessage(cmd.ChatID, MsgChooseAction)
}

func (h *Handler) streamStatus(chatID int64) string {
	info, ok := h.activator.Lookup(userIDOf(chatID))
	if !ok {
		return "not running"
	}
	if info.StartedAt.IsZero() {
		return info.State
	}
	return fmt.Sprintf("%s since %s", info.State, info.StartedAt.UTC().Format("2006-01-02 15:04 MST"))
}

func (h *Handler) setPending(chatID int64) {
	h.mu.Lock()
	h.pending[chatID] = true
	h.mu.Unlock()
}

func (h *Handler) clearPending(chatID int64) {
	h.mu.Lock()
	delete(h.pending, chatID)
	h.mu.Unlock()
}

func (h *Handler) takePending(chatID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.pending[chatID] {
		return false
	}
	delete(h.pending, chatID)
	return true
}

// userIDOf maps a private chat to the user ID used by the supervisor and the sink
func userIDOf(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

func onOff(v bool, yes, no string) string {
	if v {
		return yes
	}
	return no
}
