package health

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/aatumaykin/sinap/internal/config"
	"github.com/aatumaykin/sinap/internal/launcher"
	"github.com/aatumaykin/sinap/internal/logger"
	"github.com/aatumaykin/sinap/internal/loop"
	"github.com/aatumaykin/sinap/internal/metrics"
	"github.com/aatumaykin/sinap/internal/process"
	"github.com/aatumaykin/sinap/internal/state"
)

type blockingLauncher struct {
	mu      sync.Mutex
	calls   []launcher.Request
	release chan struct{}
}

func (b *blockingLauncher) Launch(_ context.Context, req launcher.Request) (*launcher.Handle, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req)
	b.mu.Unlock()

	<-b.release
	return &launcher.Handle{PID: 4242, HandoffID: "handoff"}, nil
}

func (b *blockingLauncher) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

type instance struct {
	p        *process.Process
	srv      *Server
	launcher *blockingLauncher
	done     chan struct{}
}

func start(t *testing.T, restored *state.Snapshot) *instance {
	t.Helper()

	reg := prometheus.NewRegistry()
	pm := metrics.InitPrometheusMetrics("sinap", reg)

	cfg := config.Default()
	cfg.Bot.DataDir = t.TempDir()

	l, err := loop.New(loop.Config{Workers: 1}, logger.Discard(), pm)
	require.NoError(t, err)

	in := &instance{
		srv:      NewServer("127.0.0.1:0", reg, logger.Discard()),
		launcher: &blockingLauncher{release: make(chan struct{})},
		done:     make(chan struct{}),
	}
	in.p, err = process.New(process.Options{
		Config:     cfg,
		Loop:       l,
		Launcher:   in.launcher,
		Metrics:    pm,
		Restored:   restored,
		Handlers:   []process.Handler{in.srv},
		Executable: "/usr/bin/sinap",
		Args:       []string{},
	})
	require.NoError(t, err)

	go func() {
		_ = in.p.Run(context.Background())
		close(in.done)
	}()
	t.Cleanup(func() {
		in.p.Shutdown()
		select {
		case <-in.launcher.release:
		default:
			close(in.launcher.release)
		}
		select {
		case <-in.done:
		case <-time.After(5 * time.Second):
			t.Error("process did not stop")
		}
	})

	require.Eventually(t, func() bool { return in.p.Status() == process.Running }, 2*time.Second, 5*time.Millisecond)
	return in
}

func get(t *testing.T, addr, path string) (int, string) {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_Endpoints(t *testing.T) {
	in := start(t, nil)
	addr := in.srv.Addr()
	require.NotEmpty(t, addr)

	code, _ := get(t, addr, "/live")
	assert.Equal(t, http.StatusOK, code)

	code, _ = get(t, addr, "/ready")
	assert.Equal(t, http.StatusOK, code)

	code, body := get(t, addr, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `sinap_lifecycle_state{state="running"} 1`)
	assert.Contains(t, body, `sinap_lifecycle_state{state="draining"} 0`)
}

func TestServer_NotReadyDuringRestart(t *testing.T) {
	in := start(t, nil)
	addr := in.srv.Addr()

	errCh := make(chan error, 1)
	go func() { errCh <- in.p.Restart(context.Background(), "test") }()
	require.Eventually(t, func() bool { return in.launcher.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	code, body := get(t, addr, "/ready?full=1")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "restarting")

	// Still alive while handing off.
	code, _ = get(t, addr, "/live")
	assert.Equal(t, http.StatusOK, code)

	req := func() launcher.Request {
		in.launcher.mu.Lock()
		defer in.launcher.mu.Unlock()
		return in.launcher.calls[0]
	}()
	assert.NotNil(t, req.Files[InheritedName], "listener is passed to the successor")

	close(in.launcher.release)
	require.NoError(t, <-errCh)
}

func TestServer_InheritedListener(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	f, err := l.(*net.TCPListener).File()
	require.NoError(t, err)
	fd, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	f.Close()

	in := start(t, &state.Snapshot{State: state.New(), Files: map[string]int{InheritedName: fd}})
	assert.Equal(t, l.Addr().String(), in.srv.Addr())

	code, _ := get(t, in.srv.Addr(), "/ready")
	assert.Equal(t, http.StatusOK, code)
}

func TestServer_ListenError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := config.Default()
	l, err := loop.New(loop.Config{Workers: 1}, nil, nil)
	require.NoError(t, err)

	srv := NewServer(busy.Addr().String(), prometheus.NewRegistry(), nil)
	p, err := process.New(process.Options{Config: cfg, Loop: l, Handlers: []process.Handler{srv}, Executable: "/usr/bin/sinap", Args: []string{}})
	require.NoError(t, err)

	err = p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
}

func TestServer_StopBeforeStart(t *testing.T) {
	srv := NewServer("127.0.0.1:0", nil, nil)
	assert.Empty(t, srv.Addr())
	files, err := srv.Files()
	require.NoError(t, err)
	assert.Nil(t, files)
	assert.NoError(t, srv.Stop())
}
