package stats

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/sinap/internal/config"
	"github.com/aatumaykin/sinap/internal/launcher"
	"github.com/aatumaykin/sinap/internal/logger"
	"github.com/aatumaykin/sinap/internal/loop"
	"github.com/aatumaykin/sinap/internal/process"
	"github.com/aatumaykin/sinap/internal/state"
)

type fakeRecorder struct {
	mu         sync.Mutex
	generation int
	heartbeats int
}

func (r *fakeRecorder) SetGeneration(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation = n
}

func (r *fakeRecorder) AddHeartbeats(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats += n
}

func (r *fakeRecorder) get() (generation, heartbeats int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation, r.heartbeats
}

type tokenLauncher struct {
	mu    sync.Mutex
	token state.Token
}

func (l *tokenLauncher) Launch(_ context.Context, req launcher.Request) (*launcher.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.token = req.Token
	return &launcher.Handle{PID: 4242, HandoffID: "handoff"}, nil
}

type instance struct {
	p        *process.Process
	loop     *loop.Loop
	stats    *Stats
	rec      *fakeRecorder
	launcher *tokenLauncher
	done     chan struct{}
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func start(t *testing.T, heartbeat string, restored *state.Snapshot) *instance {
	t.Helper()

	l, err := loop.New(loop.Config{Workers: 1}, logger.Discard(), nil)
	require.NoError(t, err)

	in := &instance{
		loop:     l,
		rec:      &fakeRecorder{},
		launcher: &tokenLauncher{},
		done:     make(chan struct{}),
	}
	in.stats = New(heartbeat, in.rec)
	in.stats.now = func() time.Time { return fixedNow }

	in.p, err = process.New(process.Options{
		Config:     config.Default(),
		Loop:       l,
		Launcher:   in.launcher,
		Restored:   restored,
		Handlers:   []process.Handler{in.stats},
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
		case <-in.done:
		case <-time.After(5 * time.Second):
			t.Error("process did not stop")
		}
	})

	require.Eventually(t, func() bool { return in.p.Status() == process.Running }, 2*time.Second, 5*time.Millisecond)
	return in
}

func (in *instance) read(t *testing.T) Info {
	t.Helper()

	var info Info
	err := in.loop.Exclusive(context.Background(), func() error {
		var err error
		info, err = Read(in.stats.rt.State())
		return err
	})
	require.NoError(t, err)
	return info
}

func TestStats_FreshStart(t *testing.T) {
	in := start(t, "", nil)

	info := in.read(t)
	assert.Equal(t, 0, info.Generation)
	assert.Equal(t, fixedNow, info.FirstStartedAt)
	assert.Equal(t, 0, info.Heartbeats)

	generation, _ := in.rec.get()
	assert.Equal(t, 0, generation)
}

func TestStats_SurvivesHandOff(t *testing.T) {
	in := start(t, "", nil)
	require.NoError(t, in.loop.Exclusive(context.Background(), in.stats.beat))
	require.NoError(t, in.p.Restart(context.Background(), "test"))

	in.launcher.mu.Lock()
	token := in.launcher.token
	in.launcher.mu.Unlock()

	snap, err := state.NewCodec(0).Decode(token)
	require.NoError(t, err)
	var handedOffAt string
	ok, err := snap.State.Get(KeyHandedOffAt, &handedOffAt)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, fixedNow.Format(time.RFC3339), handedOffAt)

	// The successor continues the counters.
	next := start(t, "", &snap)
	info := next.read(t)
	assert.Equal(t, 1, info.Generation)
	assert.Equal(t, 1, info.Heartbeats)
	assert.Equal(t, fixedNow, info.FirstStartedAt)

	generation, _ := next.rec.get()
	assert.Equal(t, 1, generation)
}

func TestStats_Heartbeat(t *testing.T) {
	in := start(t, "@every 1s", nil)

	require.Eventually(t, func() bool {
		_, heartbeats := in.rec.get()
		return heartbeats >= 1
	}, 3*time.Second, 20*time.Millisecond)

	info := in.read(t)
	assert.GreaterOrEqual(t, info.Heartbeats, 1)
}

func TestStats_InvalidHeartbeat(t *testing.T) {
	l, err := loop.New(loop.Config{Workers: 1}, nil, nil)
	require.NoError(t, err)

	p, err := process.New(process.Options{
		Config:     config.Default(),
		Loop:       l,
		Handlers:   []process.Handler{New("not a schedule", nil)},
		Executable: "/usr/bin/sinap",
		Args:       []string{},
	})
	require.NoError(t, err)

	err = p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to schedule heartbeat")
}

func TestStats_MalformedState(t *testing.T) {
	st := state.New()
	require.NoError(t, st.Set(KeyGeneration, "three"))

	l, err := loop.New(loop.Config{Workers: 1}, nil, nil)
	require.NoError(t, err)
	p, err := process.New(process.Options{
		Config:     config.Default(),
		Loop:       l,
		Restored:   &state.Snapshot{State: st},
		Handlers:   []process.Handler{New("", nil)},
		Executable: "/usr/bin/sinap",
		Args:       []string{},
	})
	require.NoError(t, err)

	err = p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), KeyGeneration)
}

func TestRead_Empty(t *testing.T) {
	info, err := Read(state.New())
	require.NoError(t, err)
	assert.Zero(t, info.Generation)
	assert.True(t, info.FirstStartedAt.IsZero())
}
