package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

var telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// Validator validates individual configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateTelegramToken validates a Telegram bot token
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}

	// Telegram bot tokens have format: <bot_id>:<token>
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}

	return nil
}

// ValidateSchedule validates a maintenance cron expression.
// Descriptors such as "@every 1m" are accepted.
func (v *Validator) ValidateSchedule(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil // maintenance disabled
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", expr, err)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs validation beyond Config.Validate and collects
// every problem instead of stopping at the first one
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}

	if cfg.Telegram.Enabled && cfg.Telegram.BotToken != "" {
		if err := v.ValidateTelegramToken(cfg.Telegram.BotToken); err != nil {
			errs = append(errs, err)
		}
	}

	if err := v.ValidateSchedule(cfg.Supervisor.MaintenanceSchedule); err != nil {
		errs = append(errs, err)
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	if cfg.Exchange.ConnectionDeadline > 0 && cfg.Exchange.RenewalInterval >= cfg.Exchange.ConnectionDeadline {
		errs = append(errs, fmt.Errorf("exchange renewal_interval (%s) should be shorter than connection_deadline (%s)",
			cfg.Exchange.RenewalInterval, cfg.Exchange.ConnectionDeadline))
	}

	if cfg.Admin.Enabled && cfg.Admin.SharedSecret == "" && cfg.Admin.Host != "127.0.0.1" && cfg.Admin.Host != "localhost" {
		errs = append(errs, fmt.Errorf("admin shared_secret is required when listening on %s", cfg.Admin.Host))
	}

	return errs
}
