package launcher

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// Notifier is the successor side of the readiness channel.
type Notifier struct {
	file *os.File
	id   string
	once sync.Once
	err  error
}

// NotifierFromEnv opens the readiness channel announced by the launching
// parent. It returns (nil, nil) when the process was not launched as a
// successor. The hand-off variables are removed from the environment so
// they do not leak into processes started later.
func NotifierFromEnv() (*Notifier, error) {
	fdStr, hasFD := os.LookupEnv(EnvHandoffFD)
	id, hasID := os.LookupEnv(EnvHandoffID)
	if !hasFD && !hasID {
		return nil, nil
	}
	os.Unsetenv(EnvHandoffFD)
	os.Unsetenv(EnvHandoffID)

	if !hasFD || !hasID || id == "" {
		return nil, fmt.Errorf("incomplete hand-off environment: %s=%q %s=%q", EnvHandoffFD, fdStr, EnvHandoffID, id)
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil || fd < 0 {
		return nil, fmt.Errorf("invalid %s: %q", EnvHandoffFD, fdStr)
	}

	f, err := OpenInherited(fd, "handoff-ready")
	if err != nil {
		return nil, err
	}
	return &Notifier{file: f, id: id}, nil
}

// HandoffID returns the ID the parent expects back.
func (n *Notifier) HandoffID() string { return n.id }

// Ready tells the parent this process is running. Only the first call
// writes; later calls return the first result.
func (n *Notifier) Ready() error {
	n.once.Do(func() {
		_, err := fmt.Fprintf(n.file, "ready %s\n", n.id)
		cerr := n.file.Close()
		if err == nil {
			err = cerr
		}
		if err != nil {
			n.err = fmt.Errorf("failed to signal readiness: %w", err)
		}
	})
	return n.err
}

// Close drops the channel without signalling readiness; the parent then
// sees EOF.
func (n *Notifier) Close() error {
	var err error
	n.once.Do(func() {
		err = n.file.Close()
		n.err = fmt.Errorf("readiness channel closed")
	})
	return err
}

// OpenInherited wraps a descriptor inherited from the parent. The
// descriptor must be open; it is marked close-on-exec so it is not leaked
// into processes started later (Launch passes files explicitly).
func OpenInherited(fd int, name string) (*os.File, error) {
	if fd < 0 {
		return nil, fmt.Errorf("inherited file %q: invalid descriptor %d", name, fd)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return nil, fmt.Errorf("inherited file %q: descriptor %d is not open: %w", name, fd, err)
	}
	unix.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), name), nil
}
