// Package control implements the admin control channel: a unix socket
// accepting one JSON request per connection, and the PID file guarding
// against two instances sharing a data directory.
//
// Both survive a hand-off: the listener is passed to the successor as the
// inherited file "control" and the successor rewrites the PID file.
package control

import "github.com/aatumaykin/sinap/internal/commands"

// InheritedName is the name of the listener in the hand-off file table.
const InheritedName = "control"

// Request структура запроса от CLI
type Request struct {
	Command string `json:"command"`
}

// Response структура ответа CLI
type Response struct {
	Success bool                 `json:"success"`
	Error   string               `json:"error,omitempty"`
	Message string               `json:"message,omitempty"`
	Status  *commands.StatusInfo `json:"status,omitempty"`
}
