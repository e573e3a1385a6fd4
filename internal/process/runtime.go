package process

import (
	"context"
	"os"

	"github.com/aatumaykin/sinap/internal/config"
	"github.com/aatumaykin/sinap/internal/logger"
	"github.com/aatumaykin/sinap/internal/loop"
	"github.com/aatumaykin/sinap/internal/state"
)

// Runtime is what a handler sees of its process.
type Runtime struct {
	proc   *Process
	logger *logger.Logger
}

// Loop returns the process loop.
func (r *Runtime) Loop() *loop.Loop { return r.proc.loop }

// State returns the runtime state. Only touch it from loop units.
func (r *Runtime) State() *state.State { return r.proc.state }

func (r *Runtime) Config() *config.Config { return r.proc.cfg }

// Logger returns a logger named after the handler.
func (r *Runtime) Logger() *logger.Logger { return r.logger }

// Restored reports whether the state was handed over by a predecessor.
func (r *Runtime) Restored() bool { return r.proc.Restored() }

// InheritedFile returns the descriptor a predecessor passed under name, or
// (nil, nil) when there is none. Each name can be claimed once; call it
// from Start.
func (r *Runtime) InheritedFile(name string) (*os.File, error) {
	return r.proc.inheritedFile(name)
}

// HandedOff reports whether a successor has taken over. Handlers check it in
// Stop to leave shared resources (socket paths, PID files) in place.
func (r *Runtime) HandedOff() bool { return r.proc.isHandedOff() }

// RequestRestart asks for a restart in the background.
func (r *Runtime) RequestRestart(reason string) bool { return r.proc.RequestRestart(reason) }

// Restart runs a restart and waits for its outcome. Never call it from a
// loop unit.
func (r *Runtime) Restart(ctx context.Context, reason string) error {
	return r.proc.Restart(ctx, reason)
}

// InFlight returns the number of loop units not yet finished.
func (r *Runtime) InFlight() int { return r.proc.loop.InFlight() }

// Shutdown asks the process to stop.
func (r *Runtime) Shutdown() { r.proc.Shutdown() }

// Status returns the lifecycle state.
func (r *Runtime) Status() Status { return r.proc.Status() }
