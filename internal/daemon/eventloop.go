package daemon

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/streamrelay/internal/observability"
	"github.com/robfig/cron/v3"
)

// idleClientAge is how long an admin API client or chat may stay silent before its rate limiter is dropped
const idleClientAge = 10 * time.Minute

// EventLoop runs periodic maintenance on the configured cron schedule
type EventLoop struct {
	daemon *Daemon

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
	runs    int
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon: d,
	}
}

// Start schedules maintenance and starts the cron runner
func (e *EventLoop) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cron != nil {
		return fmt.Errorf("event loop is already running")
	}

	schedule := strings.TrimSpace(e.daemon.config.Supervisor.MaintenanceSchedule)
	if schedule == "" {
		e.daemon.logger.Info().Msg("Maintenance disabled")
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	id, err := c.AddFunc(schedule, func() {
		e.RunMaintenance(e.daemon.ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}

	e.cron = c
	e.entryID = id
	c.Start()

	e.daemon.logger.Info().
		Str("schedule", schedule).
		Time("next_run", c.Entry(id).Next).
		Msg("Event loop started")

	return nil
}

// Stop stops the cron runner and waits for a running maintenance pass
func (e *EventLoop) Stop() {
	e.mu.Lock()
	c := e.cron
	e.cron = nil
	e.mu.Unlock()

	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-time.After(5 * time.Second):
		e.daemon.logger.Warn().Msg("Timeout waiting for maintenance to finish")
	}
	e.daemon.logger.Info().Msg("Event loop stopped")
}

// RunMaintenance refreshes gauges, logs a supervisor summary and prunes idle admin clients
func (e *EventLoop) RunMaintenance(ctx context.Context) {
	d := e.daemon

	e.mu.Lock()
	e.runs++
	e.mu.Unlock()

	stats := d.supervisor.Stats()
	observability.SetActiveSessions(stats.Streaming)

	event := d.logger.Debug().
		Int("sessions", stats.Sessions).
		Int("streaming", stats.Streaming).
		Int("failed", stats.Failed).
		Int("queue_depth", stats.QueueDepth)

	if ctx.Err() == nil {
		if n, err := d.store.Count(ctx); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to count stored profiles")
		} else {
			event = event.Int("profiles", n)
		}
	}
	event.Msg("Maintenance")

	if d.gatewayServer != nil {
		if n := d.gatewayServer.CleanupClients(idleClientAge); n > 0 {
			d.logger.Debug().Int("clients", n).Msg("Pruned idle admin API clients")
		}
	}
	if d.telegramSink != nil {
		if n := d.telegramSink.Prune(idleClientAge); n > 0 {
			d.logger.Debug().Int("chats", n).Msg("Pruned idle chat limiters")
		}
	}
}

// Runs returns how many maintenance passes have run
func (e *EventLoop) Runs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs
}
