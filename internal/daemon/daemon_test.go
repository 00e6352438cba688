package daemon

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/streamrelay/internal/config"
	"github.com/harun/streamrelay/internal/logger"
	"github.com/harun/streamrelay/pkg/commandqueue"
	"github.com/harun/streamrelay/pkg/session"
	"github.com/harun/streamrelay/pkg/supervisor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "test-api-key"

// fakeExchange issues listen keys for testAPIKey and pushes one event per stream
type fakeExchange struct {
	srv    *httptest.Server
	mu     sync.Mutex
	tokens int
}

func newFakeExchange(t *testing.T) *fakeExchange {
	t.Helper()

	f := &fakeExchange{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/userDataStream", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-MBX-APIKEY") != testAPIKey {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":-2015,"msg":"Invalid API-key"}`))
			return
		}
		f.mu.Lock()
		f.tokens++
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"listenKey":"lk-1"}`))
	})
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"outboundAccountPosition"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeExchange) tokenRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens
}

type recordingSink struct {
	mu   sync.Mutex
	msgs map[string][]string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{msgs: make(map[string][]string)}
}

func (s *recordingSink) Notify(ctx context.Context, userID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[userID] = append(s.msgs[userID], text)
	return nil
}

func (s *recordingSink) texts(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs[userID]...)
}

func testConfig(t *testing.T, dataDir string, ex *fakeExchange) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.DatabasePath = filepath.Join(dataDir, "profiles.db")
	cfg.Telegram.Enabled = false
	cfg.Telegram.BotToken = ""
	cfg.Supervisor.MaintenanceSchedule = "@every 1h"
	if ex != nil {
		cfg.Exchange.BaseURL = ex.srv.URL
		cfg.Exchange.StreamBase = "ws" + strings.TrimPrefix(ex.srv.URL, "http") + "/ws"
	}
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

// createTestDaemon creates a daemon with Telegram disabled
func createTestDaemon(t *testing.T, cfg *config.Config, opts ...Option) *Daemon {
	t.Helper()

	d, err := New(cfg, testLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if d.Status().Running {
			_ = d.Stop()
			return
		}
		d.abort()
	})
	return d
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t, testConfig(t, t.TempDir(), nil))

	assert.NotNil(t, d.store)
	assert.NotNil(t, d.queue)
	assert.NotNil(t, d.supervisor)
	assert.NotNil(t, d.eventLoop)
	assert.NotNil(t, d.lifecycle)
	assert.Nil(t, d.telegramBot)
	assert.Nil(t, d.gatewayServer)
	assert.IsType(t, &logSink{}, d.sink)
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(nil, testLogger(t))
	assert.Error(t, err)
}

func TestNew_TelegramRequiresToken(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), nil)
	cfg.Telegram.Enabled = true

	_, err := New(cfg, testLogger(t))
	assert.Error(t, err)
}

func TestSessionConfig(t *testing.T) {
	ex := config.DefaultConfig().Exchange
	ex.BaseURL = "https://api.example.com/"

	sc := SessionConfig(ex)
	assert.Equal(t, "https://api.example.com/api/v3/userDataStream", sc.TokenURL)
	assert.Equal(t, "wss://stream.binance.com:9443/ws", sc.StreamBase)
	assert.Equal(t, "X-MBX-APIKEY", sc.APIKeyHeader)
	assert.Equal(t, ex.RenewalInterval, sc.RenewalInterval)
	assert.Equal(t, ex.ConnectionDeadline, sc.ConnectionDeadline)
}

func TestDaemonStartStop(t *testing.T) {
	dataDir := t.TempDir()
	d := createTestDaemon(t, testConfig(t, dataDir, nil))

	require.NoError(t, d.Start())
	assert.Error(t, d.Start())

	status := d.Status()
	assert.True(t, status.Running)
	assert.False(t, status.StartTime.IsZero())

	pid, err := ReadPID(dataDir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.Error(t, d.Stop())

	_, err = os.Stat(PIDFile(dataDir))
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, d.supervisor.Submit(supervisor.ActivationRequest{UserID: "1"}), commandqueue.ErrClosed)
}

func TestDaemonStatus(t *testing.T) {
	d := createTestDaemon(t, testConfig(t, t.TempDir(), nil))

	status := d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)

	require.NoError(t, d.Start())

	time.Sleep(20 * time.Millisecond)
	status = d.Status()
	assert.True(t, status.Running)
	assert.Greater(t, status.Uptime, time.Duration(0))
}

func TestDaemonGetters(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), nil)
	d := createTestDaemon(t, cfg)

	assert.Same(t, cfg, d.GetConfig())
	assert.NotNil(t, d.GetLogger())
	assert.NotNil(t, d.GetSupervisor())
	assert.NotNil(t, d.GetStore())
	assert.Nil(t, d.GetGatewayServer())
	assert.Nil(t, d.GetTelegramBot())
}

func TestDaemon_ActivationStreamsToSink(t *testing.T) {
	ex := newFakeExchange(t)
	sink := newRecordingSink()
	d := createTestDaemon(t, testConfig(t, t.TempDir(), ex), WithSink(sink))

	require.NoError(t, d.Start())

	key := testAPIKey
	require.NoError(t, d.GetSupervisor().Submit(supervisor.ActivationRequest{
		UserID:        "42",
		Credential:    &key,
		Notifications: true,
		Source:        supervisor.SourceAdmin,
	}))

	require.Eventually(t, func() bool {
		texts := sink.texts("42")
		return len(texts) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	texts := sink.texts("42")
	assert.Equal(t, session.MsgStreamOpened, texts[0])
	assert.Equal(t, `{"e":"outboundAccountPosition"}`, texts[1])

	info, ok := d.GetSupervisor().Lookup("42")
	require.True(t, ok)
	assert.NotEmpty(t, info.SessionID)

	p, err := d.GetStore().Get(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, p.Notifications)
	assert.True(t, p.HasCredential())

	require.NoError(t, d.Stop())
	assert.Empty(t, d.GetSupervisor().Sessions())
}

func TestDaemon_ReplaysStoredProfiles(t *testing.T) {
	ex := newFakeExchange(t)
	dataDir := t.TempDir()
	cfg := testConfig(t, dataDir, ex)

	// Seed the store through a first daemon that never starts streaming.
	seed := createTestDaemon(t, cfg)
	key := testAPIKey
	ctx := context.Background()
	require.NoError(t, seed.GetStore().Save(ctx, "7", &key, true))
	require.NoError(t, seed.GetStore().Save(ctx, "8", &key, false))
	require.NoError(t, seed.GetStore().Save(ctx, "9", nil, true))
	seed.abort()

	sink := newRecordingSink()
	d := createTestDaemon(t, cfg, WithSink(sink))
	require.NoError(t, d.Start())

	require.Eventually(t, func() bool {
		_, ok := d.GetSupervisor().Lookup("7")
		return ok && len(sink.texts("7")) > 0
	}, 5*time.Second, 10*time.Millisecond)

	_, ok := d.GetSupervisor().Lookup("8")
	assert.False(t, ok)
	_, ok = d.GetSupervisor().Lookup("9")
	assert.False(t, ok)
	assert.Equal(t, 1, ex.tokenRequests())
}

func TestDaemon_ReplayDisabled(t *testing.T) {
	ex := newFakeExchange(t)
	dataDir := t.TempDir()
	cfg := testConfig(t, dataDir, ex)

	seed := createTestDaemon(t, cfg)
	key := testAPIKey
	require.NoError(t, seed.GetStore().Save(context.Background(), "7", &key, true))
	seed.abort()

	cfg.Supervisor.ReplayOnStart = false
	d := createTestDaemon(t, cfg, WithSink(newRecordingSink()))
	require.NoError(t, d.Start())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, d.GetSupervisor().Sessions())
	assert.Equal(t, 0, ex.tokenRequests())
}

func TestDaemon_AdminAPI(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), nil)
	cfg.Admin.Enabled = true
	cfg.Admin.Host = "127.0.0.1"
	cfg.Admin.Port = 0
	cfg.Admin.SharedSecret = "s3cret"

	d := createTestDaemon(t, cfg)
	require.NotNil(t, d.GetGatewayServer())
	require.NoError(t, d.Start())

	addr := d.GetGatewayServer().Addr()
	require.NotEmpty(t, addr)

	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/v1/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, d.Stop())
	assert.Empty(t, d.GetGatewayServer().Addr())
}

func TestDaemon_ApplyConfig(t *testing.T) {
	d := createTestDaemon(t, testConfig(t, t.TempDir(), nil))
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })

	cfg := testConfig(t, t.TempDir(), nil)
	cfg.Logging.Level = "debug"
	d.applyConfig(cfg)
	assert.Equal(t, "debug", d.logger.GetZerolog().GetLevel().String())

	cfg.Logging.Level = "loud"
	d.applyConfig(cfg)
	assert.Equal(t, "debug", d.logger.GetZerolog().GetLevel().String())
}

func TestDaemonStart_RollsBackOnFailure(t *testing.T) {
	t.Run("PID file owned by another process", func(t *testing.T) {
		dataDir := t.TempDir()
		d := createTestDaemon(t, testConfig(t, dataDir, nil))

		other := strconv.Itoa(os.Getppid())
		require.NoError(t, os.WriteFile(PIDFile(dataDir), []byte(other), 0644))

		err := d.Start()
		require.ErrorIs(t, err, ErrAlreadyRunning)
		assert.False(t, d.Status().Running)

		// The other owner's PID file is left alone.
		data, err := os.ReadFile(PIDFile(dataDir))
		require.NoError(t, err)
		assert.Equal(t, other, string(data))

		assert.ErrorIs(t, d.GetSupervisor().Submit(supervisor.ActivationRequest{UserID: "1"}), commandqueue.ErrClosed)
	})

	t.Run("invalid maintenance schedule", func(t *testing.T) {
		dataDir := t.TempDir()
		cfg := testConfig(t, dataDir, nil)
		cfg.Supervisor.MaintenanceSchedule = "whenever"
		d := createTestDaemon(t, cfg)

		require.Error(t, d.Start())
		assert.False(t, d.Status().Running)

		_, err := os.Stat(PIDFile(dataDir))
		assert.True(t, os.IsNotExist(err))

		// Start has already rolled back, so there is nothing left to stop.
		assert.Error(t, d.Stop())
	})

	t.Run("admin port in use", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		dataDir := t.TempDir()
		cfg := testConfig(t, dataDir, nil)
		cfg.Admin.Enabled = true
		cfg.Admin.Host = "127.0.0.1"
		cfg.Admin.Port = ln.Addr().(*net.TCPAddr).Port
		d := createTestDaemon(t, cfg)

		require.Error(t, d.Start())
		assert.False(t, d.Status().Running)
		assert.Empty(t, d.GetGatewayServer().Addr())

		_, err = os.Stat(PIDFile(dataDir))
		assert.True(t, os.IsNotExist(err))
	})
}
