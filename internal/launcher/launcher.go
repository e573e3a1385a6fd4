// Package launcher starts a successor process and waits until it reports
// readiness.
//
// Hand-off protocol:
//   - the successor runs the same executable with the original arguments,
//     where the hidden --state flag carries the state token;
//   - fd 3 is the write end of a readiness pipe, announced by SINAP_HANDOFF_FD;
//   - SINAP_HANDOFF_ID carries a fresh hand-off ID;
//   - inherited files follow at fd 4 and up, ordered by name (see Layout);
//   - the successor writes "ready <hand-off ID>\n" once it is running.
package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aatumaykin/sinap/internal/logger"
	"github.com/aatumaykin/sinap/internal/state"
)

const (
	// StateFlag is the hidden flag carrying the state token.
	StateFlag = "--state"

	EnvHandoffFD = "SINAP_HANDOFF_FD"
	EnvHandoffID = "SINAP_HANDOFF_ID"

	readyFD          = 3
	firstInheritedFD = readyFD + 1

	defaultReadyTimeout = 5 * time.Second
)

// Request describes a successor launch.
type Request struct {
	Executable   string
	Args         []string // original arguments, without argv[0]
	Token        state.Token
	Files        map[string]*os.File
	Env          []string // added to the current environment
	ReadyTimeout time.Duration
}

// Handle is a successor that reported readiness. Launch returns one only
// after the readiness line was received.
type Handle struct {
	PID       int
	HandoffID string
	Process   *os.Process
}

// Launcher spawns successors.
type Launcher struct {
	logger *logger.Logger
	stdout *os.File
	stderr *os.File
}

// New creates a Launcher. The successor shares the current stdout and stderr.
func New(log *logger.Logger) *Launcher {
	if log == nil {
		log = logger.Discard()
	}
	return &Launcher{logger: log.Named("launcher"), stdout: os.Stdout, stderr: os.Stderr}
}

// Layout returns the descriptor number each named file gets in the
// successor. Launch places files exactly this way.
func Layout(names []string) map[string]int {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	fds := make(map[string]int, len(sorted))
	for i, name := range sorted {
		fds[name] = firstInheritedFD + i
	}
	return fds
}

// WithStateArg returns args with the state flag set to token. An existing
// "--state <v>" or "--state=<v>" is replaced in place, otherwise the flag is
// appended. Repeated occurrences are collapsed into one.
func WithStateArg(args []string, token string) []string {
	out := make([]string, 0, len(args)+2)
	replaced := false
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == StateFlag:
			i++ // skip value
		case strings.HasPrefix(a, StateFlag+"="):
		default:
			out = append(out, a)
			continue
		}
		if !replaced {
			out = append(out, StateFlag, token)
			replaced = true
		}
	}
	if !replaced {
		out = append(out, StateFlag, token)
	}
	return out
}

// Launch starts the successor and blocks until it is ready, it fails, the
// ready timeout elapses or ctx ends. A successor that did not become ready
// is killed and reaped. Launch never retries.
func (l *Launcher) Launch(ctx context.Context, req Request) (*Handle, error) {
	if req.Executable == "" {
		return nil, &Error{Kind: SpawnFailed, Err: errors.New("executable is empty")}
	}
	timeout := req.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}

	id := uuid.NewString()

	r, w, err := os.Pipe()
	if err != nil {
		return nil, &Error{Kind: SpawnFailed, Err: fmt.Errorf("failed to create readiness pipe: %w", err)}
	}
	defer r.Close()

	names := make([]string, 0, len(req.Files))
	for name := range req.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	extra := make([]*os.File, 0, len(names)+1)
	extra = append(extra, w)
	for _, name := range names {
		extra = append(extra, req.Files[name])
	}

	cmd := exec.Command(req.Executable, WithStateArg(req.Args, string(req.Token))...)
	cmd.Stdout = l.stdout
	cmd.Stderr = l.stderr
	cmd.ExtraFiles = extra
	cmd.Env = append(handoffEnv(os.Environ(), req.Env),
		fmt.Sprintf("%s=%d", EnvHandoffFD, readyFD),
		EnvHandoffID+"="+id,
	)

	if err := cmd.Start(); err != nil {
		w.Close()
		return nil, &Error{Kind: SpawnFailed, Err: err}
	}
	// Only the child holds the write end now: EOF means it is gone.
	w.Close()

	pid := cmd.Process.Pid
	l.logger.Info("successor started",
		logger.Field{Key: "pid", Value: pid},
		logger.Field{Key: "handoff_id", Value: id},
		logger.Field{Key: "inherited_files", Value: len(names)},
		logger.Field{Key: "token", Value: req.Token.String()})

	lines := make(chan readResult, 1)
	go func() {
		line, err := bufio.NewReader(r).ReadString('\n')
		lines <- readResult{line: line, err: err}
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case res := <-lines:
		if res.err != nil {
			werr := l.reap(cmd)
			if errors.Is(res.err, io.EOF) {
				return nil, &Error{Kind: SpawnFailed, PID: pid, Err: fmt.Errorf("successor closed readiness channel before ready (%v)", werr)}
			}
			return nil, &Error{Kind: SpawnFailed, PID: pid, Err: fmt.Errorf("failed to read readiness: %w", res.err)}
		}
		if got := strings.TrimSpace(res.line); got != "ready "+id {
			l.reap(cmd)
			return nil, &Error{Kind: SpawnFailed, PID: pid, Err: fmt.Errorf("unexpected readiness message %q", got)}
		}
	case <-t.C:
		l.reap(cmd)
		return nil, &Error{Kind: Timeout, PID: pid, Err: fmt.Errorf("no readiness signal within %s", timeout)}
	case <-ctx.Done():
		l.reap(cmd)
		return nil, &Error{Kind: SpawnFailed, PID: pid, Err: ctx.Err()}
	}

	proc := cmd.Process
	if err := proc.Release(); err != nil {
		l.logger.Warn("failed to release successor process", logger.Field{Key: "error", Value: err.Error()})
	}

	l.logger.Info("successor ready",
		logger.Field{Key: "pid", Value: pid},
		logger.Field{Key: "handoff_id", Value: id})

	return &Handle{PID: pid, HandoffID: id, Process: proc}, nil
}

type readResult struct {
	line string
	err  error
}

// reap kills the child if it is still running and waits for it.
func (l *Launcher) reap(cmd *exec.Cmd) error {
	_ = cmd.Process.Kill()
	err := cmd.Wait()
	l.logger.Warn("successor reaped",
		logger.Field{Key: "pid", Value: cmd.Process.Pid},
		logger.Field{Key: "state", Value: fmt.Sprint(cmd.ProcessState)})
	return err
}

// handoffEnv drops stale hand-off variables from base and appends extra.
func handoffEnv(base, extra []string) []string {
	env := make([]string, 0, len(base)+len(extra)+2)
	for _, kv := range base {
		if strings.HasPrefix(kv, EnvHandoffFD+"=") || strings.HasPrefix(kv, EnvHandoffID+"=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, extra...)
}
