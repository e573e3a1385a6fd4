// Package health serves the operational HTTP endpoint: Prometheus metrics
// on /metrics, liveness on /live and readiness on /ready. The process is
// ready only while Running, so a draining instance drops out of rotation
// before the hand-off.
//
// The TCP listener is passed to the successor as the inherited file
// "health": the port keeps accepting connections across a restart.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aatumaykin/sinap/internal/logger"
	"github.com/aatumaykin/sinap/internal/process"
)

// InheritedName is the name of the listener in the hand-off file table.
const InheritedName = "health"

const (
	maxGoroutines   = 10000
	shutdownTimeout = 5 * time.Second
)

// Server is the health handler. It implements process.Handler and
// process.FileProvider.
type Server struct {
	listen   string
	gatherer prometheus.Gatherer
	logger   *logger.Logger

	mu       sync.Mutex
	listener *net.TCPListener
	file     *os.File
	srv      *http.Server
	served   chan struct{}
}

// NewServer creates a health server listening on listen (host:port).
// gatherer provides the /metrics payload.
func NewServer(listen string, gatherer prometheus.Gatherer, log *logger.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Server{listen: listen, gatherer: gatherer, logger: log}
}

func (s *Server) Name() string { return "health" }

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler builds the HTTP handler for rt.
func (s *Server) Handler(rt *process.Runtime) http.Handler {
	checks := healthcheck.NewHandler()
	checks.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	checks.AddLivenessCheck("loop", func() error {
		select {
		case <-rt.Loop().Done():
			return errors.New("loop stopped")
		default:
			return nil
		}
	})
	checks.AddReadinessCheck("lifecycle", func() error {
		if st := rt.Status(); st != process.Running {
			return fmt.Errorf("process is %s", st)
		}
		return nil
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", checks.LiveEndpoint)
	mux.HandleFunc("/ready", checks.ReadyEndpoint)
	return mux
}

func (s *Server) Start(rt *process.Runtime) error {
	s.logger = rt.Logger()

	l, inherited, err := s.listenTCP(rt)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(rt),
		ReadHeaderTimeout: 5 * time.Second,
	}
	served := make(chan struct{})

	s.mu.Lock()
	s.listener, s.srv, s.served = l, srv, served
	s.mu.Unlock()

	go func() {
		defer close(served)
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server failed", err)
		}
	}()

	s.logger.Info("health server started",
		logger.Field{Key: "addr", Value: l.Addr().String()},
		logger.Field{Key: "inherited", Value: inherited})
	return nil
}

func (s *Server) listenTCP(rt *process.Runtime) (*net.TCPListener, bool, error) {
	f, err := rt.InheritedFile(InheritedName)
	if err != nil {
		return nil, false, err
	}
	if f != nil {
		l, err := net.FileListener(f)
		f.Close()
		if err != nil {
			return nil, false, fmt.Errorf("failed to use inherited health listener: %w", err)
		}
		tl, ok := l.(*net.TCPListener)
		if !ok {
			l.Close()
			return nil, false, fmt.Errorf("inherited health listener is %T, not a TCP listener", l)
		}
		return tl, true, nil
	}

	l, err := net.Listen("tcp", s.listen)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", s.listen, err)
	}
	return l.(*net.TCPListener), false, nil
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
			return nil, fmt.Errorf("failed to duplicate health listener: %w", err)
		}
		s.file = f
	}
	return map[string]*os.File{InheritedName: s.file}, nil
}

// Stop waits for in-flight requests. Closing the listener here does not
// affect a successor holding its own descriptor for the same socket.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv, f, served := s.srv, s.file, s.served
	s.srv, s.file, s.listener = nil, nil, nil
	s.mu.Unlock()

	if f != nil {
		f.Close()
	}
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop health server: %w", err)
	}
	<-served

	s.logger.Info("health server stopped")
	return nil
}
