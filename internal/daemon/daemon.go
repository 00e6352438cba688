package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harun/streamrelay/internal/config"
	"github.com/harun/streamrelay/internal/logger"
	"github.com/harun/streamrelay/internal/observability"
	"github.com/harun/streamrelay/internal/telegram"
	"github.com/harun/streamrelay/internal/tracing"
	"github.com/harun/streamrelay/pkg/commandqueue"
	"github.com/harun/streamrelay/pkg/gateway"
	"github.com/harun/streamrelay/pkg/profile"
	"github.com/harun/streamrelay/pkg/session"
	"github.com/harun/streamrelay/pkg/supervisor"
	"github.com/harun/streamrelay/pkg/transport"
	"github.com/rs/zerolog"
)

// Version is reported by the CLI and attached to traces
var Version = "dev"

// Daemon represents the streamrelay service
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	loader *config.Loader

	// Core modules
	store        *profile.SQLiteStore
	transport    *transport.HTTPTransport
	queue        *commandqueue.Queue[supervisor.ActivationRequest]
	supervisor   *supervisor.Supervisor
	sink         session.Sink
	telegramSink *telegram.Sink

	// Services
	gatewayServer *gateway.Server

	// Telegram
	telegramBot     *telegram.Bot
	telegramCmd     *telegram.Commands
	telegramHandler *telegram.Handler

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Option customizes a Daemon
type Option func(*Daemon)

// WithSink delivers notifications to sink instead of Telegram
func WithSink(sink session.Sink) Option {
	return func(d *Daemon) { d.sink = sink }
}

// WithConfigLoader enables hot reload of the logging level from the loader's file
func WithConfigLoader(loader *config.Loader) Option {
	return func(d *Daemon) { d.loader = loader }
}

// Status reports whether the daemon runs and for how long
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry("streamrelay", Version); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// abort releases what New acquired before failing
func (d *Daemon) abort() {
	d.cancel()
	if d.store != nil {
		_ = d.store.Close()
		d.store = nil
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to open audit log, auditing to stderr")
	}

	store, err := profile.Open(profile.Config{Path: cfg.DatabasePath, Logger: zl})
	if err != nil {
		return fmt.Errorf("failed to open profile store: %w", err)
	}
	d.store = store

	d.transport = transport.NewHTTPTransport(transport.Options{
		RequestTimeout:   cfg.Exchange.RequestTimeout,
		HandshakeTimeout: cfg.Exchange.HandshakeTimeout,
		Logger:           zl,
	})

	d.queue = commandqueue.New[supervisor.ActivationRequest](supervisor.QueueLane)

	// The bot has to exist before the supervisor so it can serve as the sink.
	if cfg.Telegram.Enabled {
		bot, err := telegram.New(&cfg.Telegram, d.logger)
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		d.telegramBot = bot
		if d.sink == nil {
			d.telegramSink = telegram.NewSink(bot, cfg.Telegram.SendRate, cfg.Telegram.SendBurst, zl,
				telegram.WithChatLimit(cfg.Telegram.ChatSendRate, cfg.Telegram.ChatSendBurst))
			d.sink = d.telegramSink
		}
	}
	if d.sink == nil {
		d.sink = newLogSink(zl)
	}

	sup, err := supervisor.New(supervisor.Options{
		Session:   SessionConfig(cfg.Exchange),
		Store:     d.store,
		Sink:      d.sink,
		Transport: d.transport,
		Queue:     d.queue,
		Logger:    zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}
	d.supervisor = sup

	d.logger.Info().
		Str("database", cfg.DatabasePath).
		Bool("telegram", d.telegramBot != nil).
		Msg("Core modules initialized")

	return nil
}

func (d *Daemon) initializeServices() error {
	if d.telegramBot != nil {
		d.telegramCmd = telegram.NewCommands(d.telegramBot)
		d.telegramHandler = telegram.NewHandler(d.telegramBot, d.telegramCmd, d.store, d.supervisor)
		d.telegramBot.SetCommandHandler(d.telegramCmd)
		d.telegramBot.SetMessageHandler(d.telegramHandler)
	}

	if d.config.Admin.Enabled {
		srv, err := gateway.NewServer(gateway.Config{
			Host:                 d.config.Admin.Host,
			Port:                 d.config.Admin.Port,
			SharedSecret:         d.config.Admin.SharedSecret,
			ActivationsPerMinute: d.config.Admin.ActivationsPerMinute,
			ActivationBurst:      d.config.Admin.ActivationBurst,
			Backend:              d.supervisor,
			Logger:               d.logger.GetZerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create admin API: %w", err)
		}
		d.gatewayServer = srv
	}

	return nil
}

// SessionConfig maps exchange settings onto session settings
func SessionConfig(ex config.ExchangeConfig) session.Config {
	return session.Config{
		TokenURL:           strings.TrimRight(ex.BaseURL, "/") + ex.TokenPath,
		StreamBase:         strings.TrimRight(ex.StreamBase, "/"),
		APIKeyHeader:       ex.APIKeyHeader,
		RenewalInterval:    ex.RenewalInterval,
		ConnectionDeadline: ex.ConnectionDeadline,
		RetryTransient:     ex.RetryTransient,
		BackoffInitial:     ex.BackoffInitial,
		BackoffMax:         ex.BackoffMax,
	}
}

// Start starts every service and returns; Stop undoes it
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx := tracing.NewRequestContext(d.ctx)
	logger := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
	logger.Info().Str("version", Version).Msg("Starting streamrelay daemon")

	if err := d.start(ctx, logger); err != nil {
		logger.Error().Err(err).Msg("Daemon failed to start, rolling back")
		_ = d.Stop()
		return err
	}

	observability.RecordConfigAudit(ctx, "daemon_started", "system", map[string]interface{}{
		"telegram": d.telegramBot != nil,
		"admin":    d.gatewayServer != nil,
	})
	logger.Info().Msg("Daemon started successfully")

	return nil
}

// start brings up each service in order; Stop tears down whatever it reached
func (d *Daemon) start(ctx context.Context, logger zerolog.Logger) error {
	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.supervisor.Run(d.ctx); err != nil {
			logger.Error().Err(err).Msg("Supervisor stopped with error")
		}
	}()

	if d.config.Supervisor.ReplayOnStart {
		n, err := d.replayProfiles(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to replay stored profiles")
		} else {
			logger.Info().Int("profiles", n).Msg("Stored profiles queued for activation")
		}
	}

	if d.telegramBot != nil {
		if err := d.telegramBot.Start(d.ctx); err != nil {
			return fmt.Errorf("failed to start telegram bot: %w", err)
		}
		if err := d.telegramCmd.SetCommands(telegram.BotCommands); err != nil {
			logger.Warn().Err(err).Msg("Failed to publish bot commands")
		}
		logger.Info().Str("username", d.telegramBot.Username()).Msg("Telegram bot started")
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			return fmt.Errorf("failed to start admin API: %w", err)
		}
		logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Admin API started")
	}

	if err := d.eventLoop.Start(); err != nil {
		return fmt.Errorf("failed to start event loop: %w", err)
	}

	if d.loader != nil {
		if err := d.loader.Watch(d.applyConfig, func(err error) {
			logger.Warn().Err(err).Msg("Ignoring invalid configuration change")
		}); err != nil {
			logger.Warn().Err(err).Msg("Configuration hot reload disabled")
		}
	}

	return nil
}

// replayProfiles queues an activation for every stored profile with streaming enabled
func (d *Daemon) replayProfiles(ctx context.Context) (int, error) {
	profiles, err := d.store.List(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, p := range profiles {
		if !p.Notifications || !p.HasCredential() {
			continue
		}
		req := supervisor.ActivationRequest{
			UserID:        p.UserID,
			Credential:    p.Credential,
			Notifications: true,
			Source:        supervisor.SourceReplay,
		}
		if err := d.supervisor.Submit(req); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// applyConfig takes the reloadable parts of a changed configuration
func (d *Daemon) applyConfig(cfg *config.Config) {
	if err := d.logger.SetLevel(cfg.Logging.Level); err != nil {
		d.logger.Warn().Err(err).Str("level", cfg.Logging.Level).Msg("Ignoring invalid log level")
		return
	}
	d.logger.Info().Str("level", cfg.Logging.Level).Msg("Log level reloaded")
	observability.RecordConfigAudit(context.Background(), "config_reloaded", "file", map[string]interface{}{
		"logging.level": cfg.Logging.Level,
	})
}

// Stop stops every service, cancels all sessions and releases resources
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping streamrelay daemon")

	// Stop intake first so nothing new is queued.
	if d.telegramBot != nil && d.telegramBot.IsRunning() {
		if err := d.telegramBot.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop telegram bot")
		}
	}

	if d.gatewayServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.gatewayServer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop admin API")
		}
		cancel()
	}

	d.eventLoop.Stop()

	d.queue.Close()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("Supervisor loop stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for supervisor loop to stop")
	}

	d.supervisor.Shutdown()

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := d.store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close profile store")
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Status returns the current daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetSupervisor returns the session supervisor
func (d *Daemon) GetSupervisor() *supervisor.Supervisor {
	return d.supervisor
}

// GetStore returns the profile store
func (d *Daemon) GetStore() *profile.SQLiteStore {
	return d.store
}

// GetGatewayServer returns the admin API server, nil when disabled
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetTelegramBot returns the Telegram bot, nil when disabled
func (d *Daemon) GetTelegramBot() *telegram.Bot {
	return d.telegramBot
}
