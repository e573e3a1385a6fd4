package commands

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/sinap/internal/logger"
)

// mockController is a Controller recording its calls.
type mockController struct {
	mu sync.Mutex

	status     StatusInfo
	statusErr  error
	restartErr error

	restartReasons []string
	shutdowns      int
}

func (m *mockController) Status(context.Context) (StatusInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.statusErr
}

func (m *mockController) Restart(_ context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restartReasons = append(m.restartReasons, reason)
	return m.restartErr
}

func (m *mockController) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdowns++
}

func TestHandleCommand_Status(t *testing.T) {
	ctrl := &mockController{status: StatusInfo{Name: "sinap", PID: 42, Lifecycle: "running", StateKeys: 3}}
	h := NewHandler(ctrl, logger.Discard())

	res, err := h.HandleCommand(context.Background(), "status", "test")
	require.NoError(t, err)
	require.NotNil(t, res.Status)
	assert.Equal(t, 3, res.Status.StateKeys)
	assert.Equal(t, "sinap (pid 42) is running", res.Message)
}

func TestHandleCommand_StatusError(t *testing.T) {
	ctrl := &mockController{statusErr: errors.New("loop stopped")}
	h := NewHandler(ctrl, nil)

	_, err := h.HandleCommand(context.Background(), CommandStatus, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loop stopped")
}

func TestHandleCommand_Restart(t *testing.T) {
	ctrl := &mockController{}
	h := NewHandler(ctrl, logger.Discard())

	res, err := h.HandleCommand(context.Background(), " Restart ", "control socket")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Message)
	assert.Nil(t, res.Status)
	assert.Equal(t, []string{"command from control socket"}, ctrl.restartReasons)
}

func TestHandleCommand_RestartError(t *testing.T) {
	cause := errors.New("restart already in progress")
	ctrl := &mockController{restartErr: cause}
	h := NewHandler(ctrl, logger.Discard())

	_, err := h.HandleCommand(context.Background(), CommandRestart, "test")
	assert.ErrorIs(t, err, cause)
}

func TestHandleCommand_Stop(t *testing.T) {
	ctrl := &mockController{}
	h := NewHandler(ctrl, logger.Discard())

	res, err := h.HandleCommand(context.Background(), CommandStop, "test")
	require.NoError(t, err)
	assert.Equal(t, "shutdown requested", res.Message)
	assert.Equal(t, 1, ctrl.shutdowns)
}

func TestHandleCommand_Unknown(t *testing.T) {
	ctrl := &mockController{}
	h := NewHandler(ctrl, logger.Discard())

	for _, cmd := range []string{"", "reload", "new"} {
		_, err := h.HandleCommand(context.Background(), cmd, "test")
		assert.ErrorIs(t, err, ErrUnknownCommand, cmd)
	}
	assert.Empty(t, ctrl.restartReasons)
	assert.Zero(t, ctrl.shutdowns)
}

func TestCommands(t *testing.T) {
	assert.Equal(t, []string{"restart", "status", "stop"}, Commands())
}
