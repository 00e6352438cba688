package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLoop_StartStop(t *testing.T) {
	d := createTestDaemon(t, testConfig(t, t.TempDir(), nil))
	loop := NewEventLoop(d)

	require.NoError(t, loop.Start())
	assert.Error(t, loop.Start())

	loop.Stop()
	// Stopping twice is a no-op.
	loop.Stop()
}

func TestEventLoop_InvalidSchedule(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), nil)
	cfg.Supervisor.MaintenanceSchedule = "every now and then"
	d := createTestDaemon(t, cfg)

	assert.Error(t, NewEventLoop(d).Start())
}

func TestEventLoop_RunsOnSchedule(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), nil)
	cfg.Supervisor.MaintenanceSchedule = "@every 1s"
	d := createTestDaemon(t, cfg)
	loop := NewEventLoop(d)

	require.NoError(t, loop.Start())
	defer loop.Stop()

	require.Eventually(t, func() bool {
		return loop.Runs() > 0
	}, 3*time.Second, 50*time.Millisecond)
}

func TestEventLoop_RunMaintenance(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), nil)
	cfg.Admin.Enabled = true
	cfg.Admin.Port = 0
	d := createTestDaemon(t, cfg)
	loop := NewEventLoop(d)

	ctx := context.Background()
	loop.RunMaintenance(ctx)
	assert.Equal(t, 1, loop.Runs())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	loop.RunMaintenance(cancelled)
	assert.Equal(t, 2, loop.Runs())
}

func TestEventLoop_EmptyScheduleDisablesMaintenance(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), nil)
	cfg.Supervisor.MaintenanceSchedule = " "
	d := createTestDaemon(t, cfg)
	loop := NewEventLoop(d)

	require.NoError(t, loop.Start())
	loop.Stop()
	assert.Equal(t, 0, loop.Runs())
}
