package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/aatumaykin/sinap/internal/commands"
	"github.com/aatumaykin/sinap/internal/config"
	"github.com/aatumaykin/sinap/internal/logger"
	"github.com/aatumaykin/sinap/internal/process"
)

// Server is the control socket handler. It implements process.Handler,
// process.FileProvider and commands.Controller.
type Server struct {
	cfg        *config.Config
	socketPath string
	pidPath    string
	logger     *logger.Logger

	// Restart requests may wait for a full drain and successor readiness.
	requestTimeout time.Duration

	rt       *process.Runtime
	commands *commands.Handler
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener *net.UnixListener
	file     *os.File
	closed   bool
	conns    sync.WaitGroup
}

// NewServer creates the control server for cfg.
func NewServer(cfg *config.Config, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		cfg:            cfg,
		socketPath:     cfg.ControlSocket(),
		pidPath:        cfg.PIDFile(),
		logger:         log,
		requestTimeout: cfg.Lifecycle.DrainTimeout() + cfg.Lifecycle.ReadyTimeout() + 5*time.Second,
	}
}

func (s *Server) Name() string { return "control" }

// Addr returns the socket path.
func (s *Server) Addr() string { return s.socketPath }

// Start claims the PID file and starts serving. A successor reuses the
// listener of its predecessor; a fresh instance refuses to start while the
// PID file names another live process.
func (s *Server) Start(rt *process.Runtime) error {
	s.rt = rt
	s.logger = rt.Logger()
	s.commands = commands.NewHandler(s, s.logger)
	s.started = time.Now()
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	if !rt.Restored() {
		if err := CheckPIDFile(s.pidPath); err != nil {
			return err
		}
	}

	listener, inherited, err := s.listen(rt)
	if err != nil {
		return err
	}

	if err := WritePID(s.pidPath, os.Getpid()); err != nil {
		listener.Close()
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go s.acceptConnections(listener)

	s.logger.Info("control server started",
		logger.Field{Key: "socket", Value: s.socketPath},
		logger.Field{Key: "inherited", Value: inherited})
	return nil
}

func (s *Server) listen(rt *process.Runtime) (*net.UnixListener, bool, error) {
	f, err := rt.InheritedFile(InheritedName)
	if err != nil {
		return nil, false, err
	}
	if f != nil {
		l, err := net.FileListener(f)
		f.Close()
		if err != nil {
			return nil, false, fmt.Errorf("failed to use inherited control listener: %w", err)
		}
		ul, ok := l.(*net.UnixListener)
		if !ok {
			l.Close()
			return nil, false, fmt.Errorf("inherited control listener is %T, not a unix listener", l)
		}
		return ul, true, nil
	}

	// Удаляем старый socket если существует
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	ul, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.socketPath, Net: "unix"})
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ul.Close()
		return nil, false, fmt.Errorf("failed to restrict socket permissions: %w", err)
	}
	return ul, false, nil
}

// acceptConnections принимает новые подключения
func (s *Server) acceptConnections(l *net.UnixListener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("failed to accept connection", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns.Add(1)
		s.mu.Unlock()

		go s.handleConnection(conn)
	}
}

// handleConnection обрабатывает одно подключение
func (s *Server) handleConnection(conn net.Conn) {
	defer s.conns.Done()
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(s.requestTimeout))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.respond(conn, Response{Error: fmt.Sprintf("failed to decode request: %v", err)})
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.requestTimeout)
	defer cancel()

	res, err := s.commands.HandleCommand(ctx, req.Command, "control socket")
	if err != nil {
		s.respond(conn, Response{Error: err.Error()})
		return
	}
	s.respond(conn, Response{Success: true, Message: res.Message, Status: res.Status})
}

func (s *Server) respond(conn net.Conn, resp Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Error("failed to send response", err)
	}
}

// Files hands the listener to the successor.
func (s *Server) Files() (map[string]*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil, nil
	}
	if s.file == nil {
		f, err := s.listener.File()
		if err != nil {
			return nil, fmt.Errorf("failed to duplicate control listener: %w", err)
		}
		s.file = f
	}
	return map[string]*os.File{InheritedName: s.file}, nil
}

// Stop shuts the control server down. After a hand-off the socket path and
// the PID file belong to the successor and are left in place.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	handedOff := s.rt != nil && s.rt.HandedOff()

	s.mu.Lock()
	s.closed = true
	l, f := s.listener, s.file
	s.listener, s.file = nil, nil
	s.mu.Unlock()

	var errs []error
	if l != nil {
		if handedOff {
			l.SetUnlinkOnClose(false)
		}
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close socket: %w", err))
		}
	}
	if f != nil {
		f.Close()
	}
	s.conns.Wait()

	if !handedOff {
		if err := RemovePID(s.pidPath, os.Getpid()); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove PID file: %w", err))
		}
	}

	s.logger.Info("control server stopped", logger.Field{Key: "handed_off", Value: handedOff})
	return errors.Join(errs...)
}

// Status implements commands.Controller.
func (s *Server) Status(ctx context.Context) (commands.StatusInfo, error) {
	info := commands.StatusInfo{
		Name:          s.cfg.Bot.Name,
		PID:           os.Getpid(),
		Lifecycle:     s.rt.Status().String(),
		Restored:      s.rt.Restored(),
		InFlight:      s.rt.InFlight(),
		UptimeSeconds: time.Since(s.started).Seconds(),
	}

	// State is loop-owned.
	err := s.rt.Loop().Exclusive(ctx, func() error {
		info.StateKeys = s.rt.State().Len()
		return nil
	})
	if err != nil {
		return info, err
	}

	if p, err := gopsprocess.NewProcessWithContext(ctx, int32(info.PID)); err == nil {
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
			info.RSSBytes = mem.RSS
		}
		if n, err := p.NumThreadsWithContext(ctx); err == nil {
			info.Threads = n
		}
	}
	return info, nil
}

// Restart implements commands.Controller.
func (s *Server) Restart(ctx context.Context, reason string) error {
	return s.rt.Restart(ctx, reason)
}

// Shutdown implements commands.Controller.
func (s *Server) Shutdown() { s.rt.Shutdown() }
