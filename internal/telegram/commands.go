package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/streamrelay/internal/tracing"
	"github.com/rs/zerolog"
)

// Commands dispatches bot commands to registered handlers
type Commands struct {
	bot      *Bot
	logger   zerolog.Logger
	handlers map[string]CommandFunc
}

// CommandFunc is a function that handles a command
type CommandFunc func(ctx context.Context, cmd CommandContext) error

// CommandContext contains command metadata
type CommandContext struct {
	ChatID    int64
	MessageID int
	UserID    int64
	FirstName string
	Command   string
	Args      []string
	RawArgs   string
}

// NewCommands creates a new command dispatcher
func NewCommands(bot *Bot) *Commands {
	return &Commands{
		bot:      bot,
		logger:   bot.logger.With().Str("module", "commands").Logger(),
		handlers: make(map[string]CommandFunc),
	}
}

// HandleCommand processes incoming commands
func (c *Commands) HandleCommand(ctx context.Context, update tgbotapi.Update) error {
	if update.Message == nil || !update.Message.IsCommand() {
		return nil
	}

	msg := update.Message
	command := msg.Command()
	rawArgs := msg.CommandArguments()

	cmd := CommandContext{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Command:   command,
		Args:      strings.Fields(rawArgs),
		RawArgs:   rawArgs,
	}
	if msg.From != nil {
		cmd.UserID = msg.From.ID
		cmd.FirstName = msg.From.FirstName
	}

	ctx = tracing.WithUserID(tracing.NewRequestContext(ctx), strconv.FormatInt(cmd.ChatID, 10))

	// Arguments may carry an API key and are never logged.
	logger := tracing.LoggerFromContext(ctx, c.logger)
	logger.Debug().
		Str("command", command).
		Int("args", len(cmd.Args)).
		Msg("Command received")

	handler, exists := c.handlers[command]
	if !exists {
		return c.sendUnknownCommand(cmd)
	}

	return handler(ctx, cmd)
}

// Register registers a command handler
func (c *Commands) Register(command string, handler CommandFunc) {
	c.handlers[command] = handler
	c.logger.Debug().Str("command", command).Msg("Command registered")
}

// Unregister removes a command handler
func (c *Commands) Unregister(command string) {
	delete(c.handlers, command)
	c.logger.Debug().Str("command", command).Msg("Command unregistered")
}

// SetCommands publishes the command menu to Telegram
func (c *Commands) SetCommands(commands []tgbotapi.BotCommand) error {
	cfg := tgbotapi.NewSetMyCommands(commands...)
	if _, err := c.bot.api.Request(cfg); err != nil {
		return fmt.Errorf("failed to set commands: %w", err)
	}

	c.logger.Info().Int("count", len(commands)).Msg("Bot commands updated")
	return nil
}

func (c *Commands) sendUnknownCommand(cmd CommandContext) error {
	text := fmt.Sprintf("Unknown command: /%s\nSend /start to see what I can do.", cmd.Command)
	return c.bot.SendMessageWithReply(cmd.ChatID, text, cmd.MessageID)
}

// SendResponse replies to a command
func (c *Commands) SendResponse(cmd CommandContext, text string) error {
	return c.bot.SendMessageWithReply(cmd.ChatID, text, cmd.MessageID)
}

// GetRegisteredCommands returns all registered commands in name order
func (c *Commands) GetRegisteredCommands() []string {
	commands := make([]string, 0, len(c.handlers))
	for cmd := range c.handlers {
		commands = append(commands, cmd)
	}
	sort.Strings(commands)
	return commands
}
