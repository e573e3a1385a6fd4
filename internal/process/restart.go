package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aatumaykin/sinap/internal/launcher"
	"github.com/aatumaykin/sinap/internal/logger"
	"github.com/aatumaykin/sinap/internal/loop"
	"github.com/aatumaykin/sinap/internal/state"
)

// Restart hands the process over to a successor and blocks until the
// successor is ready or the attempt failed. At most one restart runs at a
// time: a concurrent call gets ErrRestartInProgress and has no effect.
//
// The attempt can be cancelled through ctx or Shutdown until encoding
// begins. A failed encode or launch puts the process back to Running and
// is not retried. On success the process is Exited and Run returns.
//
// Restart must not be called from a loop unit; use RequestRestart there.
func (p *Process) Restart(ctx context.Context, reason string) error {
	p.mu.Lock()
	switch p.status {
	case Running:
	case Draining, Restarting:
		p.mu.Unlock()
		p.logger.Warn("restart ignored, another restart is in progress", logger.Field{Key: "reason", Value: reason})
		p.rec.RestartFinished(OutcomeIgnored)
		return ErrRestartInProgress
	default:
		status := p.status
		p.mu.Unlock()
		return fmt.Errorf("%w (status %s)", ErrNotRunning, status)
	}
	select {
	case <-p.shutdownCh:
		p.mu.Unlock()
		return fmt.Errorf("%w (shutting down)", ErrNotRunning)
	default:
	}
	p.setStatusLocked(Draining)
	p.restarts.Add(1)
	p.mu.Unlock()
	defer p.restarts.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.shutdownCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	p.logger.Info("restart requested", logger.Field{Key: "reason", Value: reason})

	// Draining
	start := time.Now()
	partial := false
	if err := p.loop.Drain(ctx, p.drainTimeout); err != nil {
		if !errors.Is(err, loop.ErrDrainTimeout) {
			p.rec.DrainFinished(time.Since(start), false)
			return p.abort(OutcomeCancelled, fmt.Errorf("restart cancelled while draining: %w", err))
		}
		partial = true
		p.logger.Warn("drain timed out, snapshot may be partial",
			logger.Field{Key: "in_flight", Value: p.loop.InFlight()},
			logger.Field{Key: "drain_timeout", Value: p.drainTimeout.String()})
	}
	p.rec.DrainFinished(time.Since(start), partial)

	// Restarting
	p.setStatus(Restarting)

	var (
		token state.Token
		files map[string]*os.File
	)
	err := p.loop.Exclusive(ctx, func() error {
		var err error
		token, files, err = p.snapshot()
		return err
	})
	if err != nil {
		var encErr *state.EncodeError
		if errors.As(err, &encErr) {
			return p.abort(OutcomeEncodeFailed, err)
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return p.abort(OutcomeCancelled, fmt.Errorf("restart cancelled before encoding: %w", err))
		}
		return p.abort(OutcomeEncodeFailed, &state.EncodeError{Err: err})
	}
	p.rec.TokenEncoded(token.Size())
	p.logger.Info("state encoded",
		logger.Field{Key: "token_bytes", Value: token.Size()},
		logger.Field{Key: "state_keys", Value: p.state.Len()},
		logger.Field{Key: "inherited_files", Value: len(files)},
		logger.Field{Key: "partial", Value: partial})

	// From here the token is handed to a child: no more cancellation.
	handle, err := p.launcher.Launch(context.Background(), launcher.Request{
		Executable:   p.executable,
		Args:         p.args,
		Token:        token,
		Files:        files,
		ReadyTimeout: p.readyTimeout,
	})
	if err != nil {
		outcome := OutcomeLaunchFailed
		if launcher.IsKind(err, launcher.Timeout) {
			outcome = OutcomeLaunchTimeout
		}
		return p.abort(outcome, err)
	}

	p.mu.Lock()
	p.handle = handle
	p.setStatusLocked(Exited)
	close(p.handedOff)
	p.mu.Unlock()

	p.rec.RestartFinished(OutcomeHandedOff)
	p.logger.Info("hand-off complete",
		logger.Field{Key: "successor_pid", Value: handle.PID},
		logger.Field{Key: "handoff_id", Value: handle.HandoffID},
		logger.Field{Key: "reason", Value: reason})
	return nil
}

// snapshot runs on the loop goroutine.
func (p *Process) snapshot() (state.Token, map[string]*os.File, error) {
	p.mu.Lock()
	started := append([]Handler(nil), p.started...)
	p.mu.Unlock()

	files := make(map[string]*os.File)
	for _, h := range started {
		if s, ok := h.(Snapshotter); ok {
			if err := s.Snapshot(p.state); err != nil {
				return "", nil, &state.EncodeError{Err: fmt.Errorf("handler %q snapshot: %w", h.Name(), err)}
			}
		}
		if fp, ok := h.(FileProvider); ok {
			hf, err := fp.Files()
			if err != nil {
				return "", nil, &state.EncodeError{Err: fmt.Errorf("handler %q files: %w", h.Name(), err)}
			}
			for name, f := range hf {
				if _, dup := files[name]; dup {
					return "", nil, &state.EncodeError{Err: fmt.Errorf("inherited file %q provided twice", name)}
				}
				files[name] = f
			}
		}
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}

	token, err := p.codec.Encode(state.Snapshot{State: p.state, Files: launcher.Layout(names)})
	if err != nil {
		return "", nil, err
	}
	return token, files, nil
}

// abort returns to Running after a failed attempt.
func (p *Process) abort(outcome string, err error) error {
	p.loop.Resume()

	p.mu.Lock()
	if p.status == Draining || p.status == Restarting {
		p.setStatusLocked(Running)
	}
	p.mu.Unlock()

	p.rec.RestartFinished(outcome)
	p.logger.Error("restart aborted, process keeps running", err, logger.Field{Key: "outcome", Value: outcome})
	return err
}

// RequestRestart starts a restart in the background. It reports whether
// the request was accepted; requests made while not Running are dropped.
// Safe to call from loop units and signal handlers.
func (p *Process) RequestRestart(reason string) bool {
	if s := p.Status(); s != Running {
		p.logger.Warn("restart request dropped",
			logger.Field{Key: "reason", Value: reason},
			logger.Field{Key: "status", Value: s.String()})
		if s == Draining || s == Restarting {
			p.rec.RestartFinished(OutcomeIgnored)
		}
		return false
	}
	go func() {
		if err := p.Restart(context.Background(), reason); err != nil && !errors.Is(err, ErrRestartInProgress) {
			p.logger.Debug("background restart finished with error", logger.Field{Key: "error", Value: err.Error()})
		}
	}()
	return true
}
