// Package process implements the bot process lifecycle:
//
//	Created → Starting → Running → Draining → Restarting → Exited
//	                     Running → Exited (shutdown)
//
// A restart drains the loop, snapshots the runtime state on the loop
// goroutine, encodes it into a token and launches a successor with it. The
// process exits only after the successor reported readiness; on any failure
// before that it goes back to Running.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/aatumaykin/sinap/internal/config"
	"github.com/aatumaykin/sinap/internal/launcher"
	"github.com/aatumaykin/sinap/internal/logger"
	"github.com/aatumaykin/sinap/internal/loop"
	"github.com/aatumaykin/sinap/internal/state"
)

// Handler is a domain component run by the process. Start and Stop are
// called on the loop goroutine, Start in registration order and Stop in
// reverse order.
type Handler interface {
	Name() string
	Start(rt *Runtime) error
	Stop() error
}

// Snapshotter is implemented by handlers that keep state outside the
// runtime State and write it there before a hand-off.
type Snapshotter interface {
	Snapshot(st *state.State) error
}

// FileProvider is implemented by handlers owning descriptors that must be
// passed to the successor (listeners, upstream connections).
// Names must be unique across handlers.
type FileProvider interface {
	Files() (map[string]*os.File, error)
}

// Launcher starts a successor. *launcher.Launcher implements it.
type Launcher interface {
	Launch(ctx context.Context, req launcher.Request) (*launcher.Handle, error)
}

// Notifier tells a launching parent that this process is running.
type Notifier interface {
	Ready() error
}

// Recorder receives lifecycle telemetry.
type Recorder interface {
	SetLifecycleState(state string)
	RestartFinished(outcome string)
	DrainFinished(d time.Duration, timedOut bool)
	TokenEncoded(size int)
}

type nopRecorder struct{}

func (nopRecorder) SetLifecycleState(string)          {}
func (nopRecorder) RestartFinished(string)            {}
func (nopRecorder) DrainFinished(time.Duration, bool) {}
func (nopRecorder) TokenEncoded(int)                  {}

// Options configures a Process. Config and Loop are required.
type Options struct {
	Config   *config.Config
	Logger   *logger.Logger
	Loop     *loop.Loop
	Launcher Launcher
	Codec    *state.Codec
	// Restored is set when the process is a successor.
	Restored *state.Snapshot
	// Notifier is set when a parent waits for readiness.
	Notifier Notifier
	Handlers []Handler
	Metrics  Recorder

	// Executable and Args default to the running binary and os.Args[1:].
	Executable string
	Args       []string

	// Timeouts default to the lifecycle section of Config.
	DrainTimeout time.Duration
	ReadyTimeout time.Duration
}

// Process is a bot process.
type Process struct {
	cfg          *config.Config
	logger       *logger.Logger
	loop         *loop.Loop
	launcher     Launcher
	codec        *state.Codec
	restored     *state.Snapshot
	notifier     Notifier
	handlers     []Handler
	rec          Recorder
	executable   string
	args         []string
	drainTimeout time.Duration
	readyTimeout time.Duration

	state *state.State

	mu      sync.Mutex
	status  Status
	started []Handler
	claimed map[string]bool
	handle  *launcher.Handle

	restarts     sync.WaitGroup
	handedOff    chan struct{}
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// New creates a process in the Created state.
func New(opts Options) (*Process, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Loop == nil {
		return nil, errors.New("loop is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Launcher == nil {
		opts.Launcher = launcher.New(opts.Logger)
	}
	if opts.Codec == nil {
		opts.Codec = state.NewCodec(opts.Config.Runtime.MaxTokenBytes)
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = opts.Config.Lifecycle.DrainTimeout()
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = opts.Config.Lifecycle.ReadyTimeout()
	}
	if opts.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable: %w", err)
		}
		opts.Executable = exe
	}
	if opts.Args == nil {
		opts.Args = append([]string(nil), os.Args[1:]...)
	}

	seen := make(map[string]bool, len(opts.Handlers))
	for _, h := range opts.Handlers {
		if seen[h.Name()] {
			return nil, fmt.Errorf("duplicate handler name %q", h.Name())
		}
		seen[h.Name()] = true
	}

	st := state.New()
	if opts.Restored != nil && opts.Restored.State != nil {
		st = opts.Restored.State
	}

	p := &Process{
		cfg:          opts.Config,
		logger:       opts.Logger.Named("process"),
		loop:         opts.Loop,
		launcher:     opts.Launcher,
		codec:        opts.Codec,
		restored:     opts.Restored,
		notifier:     opts.Notifier,
		handlers:     opts.Handlers,
		rec:          opts.Metrics,
		executable:   opts.Executable,
		args:         opts.Args,
		drainTimeout: opts.DrainTimeout,
		readyTimeout: opts.ReadyTimeout,
		state:        st,
		claimed:      make(map[string]bool),
		handedOff:    make(chan struct{}),
		shutdownCh:   make(chan struct{}),
	}
	p.rec.SetLifecycleState(Created.String())
	return p, nil
}

// Status returns the current lifecycle state.
func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// HandedOff is closed once a successor took over.
func (p *Process) HandedOff() <-chan struct{} { return p.handedOff }

// Successor returns the handle of the successor that took over, if any.
func (p *Process) Successor() *launcher.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle
}

// Restored reports whether the process was started from a state token.
func (p *Process) Restored() bool { return p.restored != nil }

func (p *Process) setStatus(s Status) {
	p.mu.Lock()
	p.setStatusLocked(s)
	p.mu.Unlock()
}

func (p *Process) setStatusLocked(s Status) {
	if p.status == s {
		return
	}
	p.logger.Debug("lifecycle transition",
		logger.Field{Key: "from", Value: p.status.String()},
		logger.Field{Key: "to", Value: s.String()})
	p.status = s
	p.rec.SetLifecycleState(s.String())
}

// Run starts the loop and the handlers and serves until shutdown, a
// completed hand-off or a fatal loop failure. It returns nil in the first
// two cases.
func (p *Process) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.status != Created {
		p.mu.Unlock()
		return fmt.Errorf("run: process is %s", p.status)
	}
	p.setStatusLocked(Starting)
	p.mu.Unlock()

	loopErr := make(chan error, 1)
	go func() { loopErr <- p.loop.Start(context.Background()) }()

	select {
	case <-p.loop.Started():
	case err := <-loopErr:
		p.setStatus(Exited)
		return fmt.Errorf("loop failed to start: %w", err)
	}

	if err := p.loop.Exclusive(ctx, p.startHandlers); err != nil {
		p.logger.Error("failed to start handlers", err)
		_ = p.loop.Exclusive(context.Background(), p.stopHandlers)
		p.loop.Stop()
		<-loopErr
		p.setStatus(Exited)
		return fmt.Errorf("start: %w", err)
	}

	p.setStatus(Running)
	p.logger.Info("process running",
		logger.Field{Key: "pid", Value: os.Getpid()},
		logger.Field{Key: "restored", Value: p.Restored()},
		logger.Field{Key: "state_keys", Value: p.state.Len()})

	if p.notifier != nil {
		if err := p.notifier.Ready(); err != nil {
			p.logger.Error("failed to report readiness to parent", err)
			p.Shutdown()
			p.finish(loopErr)
			return fmt.Errorf("readiness: %w", err)
		}
	}

	select {
	case <-ctx.Done():
		p.logger.Info("shutdown requested", logger.Field{Key: "reason", Value: ctx.Err().Error()})
	case <-p.shutdownCh:
	case <-p.handedOff:
	case err := <-loopErr:
		// The loop is gone: handlers are stopped from this goroutine.
		p.Shutdown()
		p.restarts.Wait()
		_ = p.stopHandlers()
		p.setStatus(Exited)
		if p.isHandedOff() {
			// A launch past encoding completed: the successor owns the state.
			p.logger.Error("loop failed during hand-off, successor is running", err,
				logger.Field{Key: "successor_pid", Value: p.Successor().PID})
			return nil
		}
		return err
	}
	return p.finish(loopErr)
}

// finish waits for a running restart, stops the handlers and the loop.
func (p *Process) finish(loopErr <-chan error) error {
	p.Shutdown()
	p.restarts.Wait()

	handed := p.isHandedOff()
	if err := p.loop.Exclusive(context.Background(), p.stopHandlers); err != nil && !errors.Is(err, loop.ErrStopped) {
		p.logger.Error("failed to stop handlers", err)
	}
	p.loop.Stop()
	err := <-loopErr
	p.setStatus(Exited)

	if handed {
		p.logger.Info("process exited after hand-off", logger.Field{Key: "successor_pid", Value: p.Successor().PID})
	} else {
		p.logger.Info("process stopped, runtime state discarded")
	}
	return err
}

// Shutdown asks Run to return. A restart that has not started encoding is
// cancelled; one that has is allowed to complete.
func (p *Process) Shutdown() {
	p.shutdownOnce.Do(func() {
		// Under mu so Restart cannot register after finish started waiting.
		p.mu.Lock()
		close(p.shutdownCh)
		p.mu.Unlock()
	})
}

func (p *Process) isHandedOff() bool {
	select {
	case <-p.handedOff:
		return true
	default:
		return false
	}
}

func (p *Process) startHandlers() error {
	for _, h := range p.handlers {
		rt := &Runtime{proc: p, logger: p.logger.Named(h.Name())}
		if err := h.Start(rt); err != nil {
			return fmt.Errorf("handler %q: %w", h.Name(), err)
		}
		p.mu.Lock()
		p.started = append(p.started, h)
		p.mu.Unlock()
		p.logger.Debug("handler started", logger.Field{Key: "handler", Value: h.Name()})
	}
	p.closeUnclaimed()
	return nil
}

func (p *Process) stopHandlers() error {
	p.mu.Lock()
	started := p.started
	p.started = nil
	p.mu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		h := started[i]
		if err := h.Stop(); err != nil {
			p.logger.Error("handler stop failed", err, logger.Field{Key: "handler", Value: h.Name()})
			errs = append(errs, fmt.Errorf("handler %q: %w", h.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// closeUnclaimed closes inherited descriptors no handler asked for.
func (p *Process) closeUnclaimed() {
	if p.restored == nil {
		return
	}
	names := make([]string, 0, len(p.restored.Files))
	for name := range p.restored.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if p.claimed[name] {
			continue
		}
		p.logger.Warn("inherited file not claimed by any handler", logger.Field{Key: "name", Value: name})
		if f, err := launcher.OpenInherited(p.restored.Files[name], name); err == nil {
			f.Close()
		}
		p.claimed[name] = true
	}
}

// inheritedFile is called on the loop goroutine from Runtime.
func (p *Process) inheritedFile(name string) (*os.File, error) {
	if p.restored == nil {
		return nil, nil
	}
	fd, ok := p.restored.Files[name]
	if !ok {
		return nil, nil
	}
	if p.claimed[name] {
		return nil, fmt.Errorf("inherited file %q already claimed", name)
	}
	p.claimed[name] = true
	return launcher.OpenInherited(fd, name)
}
