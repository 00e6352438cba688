package cli

import (
	"fmt"

	"github.com/harun/streamrelay/internal/telegram"
	"github.com/spf13/cobra"
)

var (
	configureBotToken    string
	configureAdminSecret string
	configureAdminPort   int
	configureEnableAdmin bool
	configureNoTelegram  bool
	configureVerify      bool
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write or update the configuration file",
	Long: `Write the configuration file, starting from the existing one or from defaults.
Flags override individual settings; --verify checks the bot token against
Telegram before saving.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().StringVar(&configureBotToken, "bot-token", "", "Telegram bot token")
	configureCmd.Flags().StringVar(&configureAdminSecret, "admin-secret", "", "bearer secret for the admin API")
	configureCmd.Flags().IntVar(&configureAdminPort, "admin-port", 0, "admin API port")
	configureCmd.Flags().BoolVar(&configureEnableAdmin, "enable-admin", false, "enable the admin API")
	configureCmd.Flags().BoolVar(&configureNoTelegram, "no-telegram", false, "disable the Telegram bot")
	configureCmd.Flags().BoolVar(&configureVerify, "verify", false, "verify the bot token with Telegram before saving")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("bot-token") {
		cfg.Telegram.BotToken = configureBotToken
	}
	if flags.Changed("no-telegram") {
		cfg.Telegram.Enabled = !configureNoTelegram
	}
	if flags.Changed("enable-admin") {
		cfg.Admin.Enabled = configureEnableAdmin
	}
	if flags.Changed("admin-secret") {
		cfg.Admin.SharedSecret = configureAdminSecret
	}
	if flags.Changed("admin-port") {
		cfg.Admin.Port = configureAdminPort
	}

	if err := validateConfig(cfg); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if configureVerify && cfg.Telegram.Enabled {
		username, err := telegram.ValidateToken(cfg.Telegram.BotToken, cfg.Telegram.APIEndpoint)
		if err != nil {
			return fmt.Errorf("bot token check failed: %w", err)
		}
		fmt.Fprintf(out, "Bot token belongs to @%s\n", username)
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(out, "Configuration saved to: %s\n", loader.GetConfigPath())
	fmt.Fprintln(out, "You can now start Streamrelay with: streamrelay start")

	return nil
}
