package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/aatumaykin/sinap/internal/retry"
)

// ErrCommandFailed is returned by Send when the server rejected the command.
var ErrCommandFailed = errors.New("command failed")

// Send dials the control socket, sends one command and waits for the
// response. Dialing is retried while the socket is missing or refuses
// connections, which covers an instance that is still starting.
func Send(ctx context.Context, socketPath, command string, rc retry.Config) (*Response, error) {
	conn, err := retry.Do(ctx, rc, func() (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(Request{Command: command}); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if !resp.Success {
		return &resp, fmt.Errorf("%w: %s", ErrCommandFailed, resp.Error)
	}
	return &resp, nil
}
