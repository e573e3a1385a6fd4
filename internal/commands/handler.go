// Package commands dispatches administrative commands to the running process.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aatumaykin/sinap/internal/logger"
)

// Command names accepted by HandleCommand.
const (
	CommandStatus  = "status"
	CommandRestart = "restart"
	CommandStop    = "stop"
)

// ErrUnknownCommand is returned for command names HandleCommand does not know.
var ErrUnknownCommand = errors.New("unknown command")

// StatusInfo is the process status reported by the status command.
type StatusInfo struct {
	Name          string  `json:"name"`
	PID           int     `json:"pid"`
	Lifecycle     string  `json:"lifecycle"`
	Restored      bool    `json:"restored"`
	InFlight      int     `json:"in_flight"`
	StateKeys     int     `json:"state_keys"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	RSSBytes      uint64  `json:"rss_bytes,omitempty"`
	Threads       int32   `json:"threads,omitempty"`
}

// Controller is the part of the process commands act on.
type Controller interface {
	Status(ctx context.Context) (StatusInfo, error)
	Restart(ctx context.Context, reason string) error
	Shutdown()
}

// Result is the outcome of a successful command.
type Result struct {
	Message string
	Status  *StatusInfo
}

// Handler handles administrative commands.
type Handler struct {
	ctrl   Controller
	logger *logger.Logger
}

// NewHandler creates a new command handler.
func NewHandler(ctrl Controller, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Discard()
	}
	return &Handler{ctrl: ctrl, logger: log}
}

// Commands returns the accepted command names, sorted.
func Commands() []string {
	names := []string{CommandStatus, CommandRestart, CommandStop}
	sort.Strings(names)
	return names
}

// HandleCommand processes a command based on its name. source identifies
// the requester in logs and restart reasons.
func (h *Handler) HandleCommand(ctx context.Context, cmd, source string) (*Result, error) {
	switch strings.ToLower(strings.TrimSpace(cmd)) {
	case CommandStatus:
		return h.handleStatus(ctx)
	case CommandRestart:
		return h.handleRestart(ctx, source)
	case CommandStop:
		return h.handleStop(ctx, source)
	default:
		h.logger.WarnCtx(ctx, "Unknown command",
			logger.Field{Key: "command", Value: cmd},
			logger.Field{Key: "source", Value: source})
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
}

func (h *Handler) handleStatus(ctx context.Context) (*Result, error) {
	status, err := h.ctrl.Status(ctx)
	if err != nil {
		h.logger.ErrorCtx(ctx, "Failed to collect status", err)
		return nil, fmt.Errorf("failed to collect status: %w", err)
	}
	return &Result{
		Message: fmt.Sprintf("%s (pid %d) is %s", status.Name, status.PID, status.Lifecycle),
		Status:  &status,
	}, nil
}

// handleRestart blocks until the successor took over or the attempt failed.
func (h *Handler) handleRestart(ctx context.Context, source string) (*Result, error) {
	h.logger.InfoCtx(ctx, "Restart command received", logger.Field{Key: "source", Value: source})

	if err := h.ctrl.Restart(ctx, "command from "+source); err != nil {
		return nil, fmt.Errorf("restart failed: %w", err)
	}
	return &Result{Message: "restart completed, successor is running"}, nil
}

func (h *Handler) handleStop(ctx context.Context, source string) (*Result, error) {
	h.logger.InfoCtx(ctx, "Stop command received", logger.Field{Key: "source", Value: source})

	h.ctrl.Shutdown()
	return &Result{Message: "shutdown requested"}, nil
}
