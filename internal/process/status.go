package process

import "errors"

// Status is a lifecycle state.
type Status int

const (
	Created Status = iota
	Starting
	Running
	Draining
	Restarting
	Exited
)

func (s Status) String() string {
	switch s {
	case Created:
		return "created"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Restarting:
		return "restarting"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

var (
	// ErrRestartInProgress: a restart was requested while another one is
	// draining or launching. The request is ignored.
	ErrRestartInProgress = errors.New("restart already in progress")
	// ErrNotRunning: the operation needs the Running state.
	ErrNotRunning = errors.New("process is not running")
)

// Restart outcomes, as reported to the Recorder.
const (
	OutcomeHandedOff     = "handed_off"
	OutcomeIgnored       = "ignored"
	OutcomeCancelled     = "cancelled"
	OutcomeEncodeFailed  = "encode_failed"
	OutcomeLaunchFailed  = "launch_failed"
	OutcomeLaunchTimeout = "launch_timeout"
)
