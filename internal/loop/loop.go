// Package loop implements the single-threaded runtime loop.
//
// Every unit of work (posted callbacks, timer callbacks, completions of
// offloaded work) runs on the goroutine that called Start, one at a time.
// Code running inside a unit may therefore touch loop-owned data, such as
// the runtime state, without locking. Blocking work is moved off the loop
// with Offload and its completion is resumed on the loop.
package loop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"

	"github.com/aatumaykin/sinap/internal/logger"
)

const (
	defaultWorkers      = 8
	defaultDrainTimeout = 10 * time.Second
)

// Config holds loop tunables.
type Config struct {
	Workers      int           // размер пула для Offload
	DrainTimeout time.Duration // bound for in-flight work after Stop
}

// Recorder receives loop telemetry. Implementations must be safe for
// concurrent use.
type Recorder interface {
	UnitFinished(name string, failure *Failure)
	InFlight(n int)
}

type nopRecorder struct{}

func (nopRecorder) UnitFinished(string, *Failure) {}
func (nopRecorder) InFlight(int)                  {}

type unit struct {
	name string
	fn   func() error

	// counted units contribute to the in-flight counter until they finish.
	counted bool

	// Exclusive units only.
	claimed atomic.Bool
	result  chan error
}

// Loop is a cooperative event loop.
type Loop struct {
	cfg    Config
	logger *logger.Logger
	rec    Recorder
	pool   *ants.Pool
	timers *queue.PriorityQueue

	mu          sync.Mutex
	pending     []*unit
	inFlight    int
	draining    bool
	stopped     bool
	startedOnce bool
	fatal       *Failure
	idleWaiters []chan struct{}
	seq         uint64

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	started  chan struct{}
	done     chan struct{}

	workCtx    context.Context
	cancelWork context.CancelFunc
}

// New создаёт новый цикл.
func New(cfg Config, log *logger.Logger, rec Recorder) (*Loop, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if log == nil {
		log = logger.Discard()
	}
	if rec == nil {
		rec = nopRecorder{}
	}

	// Offload is called from the loop goroutine, which must never block on
	// a saturated pool.
	pool, err := ants.NewPool(cfg.Workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create offload pool: %w", err)
	}

	workCtx, cancel := context.WithCancel(context.Background())

	return &Loop{
		cfg:        cfg,
		logger:     log.Named("loop"),
		rec:        rec,
		pool:       pool,
		timers:     queue.NewPriorityQueue(16, true),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		started:    make(chan struct{}),
		done:       make(chan struct{}),
		workCtx:    workCtx,
		cancelWork: cancel,
	}, nil
}

// Started is closed once the loop accepts and runs work.
func (l *Loop) Started() <-chan struct{} { return l.started }

// Done is closed when Start has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// InFlight returns the number of queued, running or offloaded units.
func (l *Loop) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// Draining reports whether the loop currently refuses new work.
func (l *Loop) Draining() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.draining
}

// Start runs the loop on the calling goroutine. It returns after Stop was
// called (or ctx was cancelled) and in-flight work finished or the drain
// timeout elapsed. A fatal unit failure stops the loop at once and is
// returned as *Failure.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.startedOnce {
		l.mu.Unlock()
		return fmt.Errorf("loop already started")
	}
	l.startedOnce = true
	l.mu.Unlock()

	defer close(l.done)
	defer l.cancelWork()
	defer l.pool.Release()

	close(l.started)
	l.logger.Debug("loop started", logger.Field{Key: "workers", Value: l.cfg.Workers})

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		l.runPending()
		if f := l.fatalFailure(); f != nil {
			return l.finish(f)
		}

		next := l.fireTimers()
		if f := l.fatalFailure(); f != nil {
			return l.finish(f)
		}

		if l.hasPending() {
			continue
		}

		var timerC <-chan time.Time
		if next >= 0 {
			timer.Reset(next)
			timerC = timer.C
		}

		select {
		case <-l.wake:
		case <-timerC:
		case <-l.stopCh:
			timer.Stop()
			return l.finish(l.drainOnStop())
		case <-ctx.Done():
			timer.Stop()
			l.Stop()
			return l.finish(l.drainOnStop())
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// Stop asks the loop to terminate. Safe to call any number of times and
// from any goroutine, including loop units.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
		close(l.stopCh)
	})
}

// drainOnStop runs remaining in-flight work until none is left or the
// drain timeout elapses. Timers no longer fire.
func (l *Loop) drainOnStop() *Failure {
	deadline := time.NewTimer(l.cfg.DrainTimeout)
	defer deadline.Stop()

	for {
		l.runPending()
		if f := l.fatalFailure(); f != nil {
			return f
		}
		if n := l.InFlight(); n == 0 {
			return nil
		}
		select {
		case <-l.wake:
		case <-deadline.C:
			l.logger.Warn("loop stopped with work in flight",
				logger.Field{Key: "in_flight", Value: l.InFlight()},
				logger.Field{Key: "drain_timeout", Value: l.cfg.DrainTimeout.String()})
			return nil
		}
	}
}

func (l *Loop) finish(f *Failure) error {
	l.mu.Lock()
	l.stopped = true
	waiters := l.idleWaiters
	l.idleWaiters = nil
	l.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}

	l.timers.Dispose()

	if f != nil {
		l.logger.Error("loop stopped on fatal failure", f, logger.Field{Key: "unit", Value: f.Unit})
		return f
	}
	l.logger.Debug("loop stopped")
	return nil
}

// Post schedules fn to run on the loop. It fails with ErrRefused while the
// loop is draining or stopped.
func (l *Loop) Post(name string, fn func() error) error {
	l.mu.Lock()
	if l.draining || l.stopped {
		l.mu.Unlock()
		return ErrRefused
	}
	l.pending = append(l.pending, &unit{name: name, fn: fn, counted: true})
	l.inFlight++
	n := l.inFlight
	l.mu.Unlock()

	l.rec.InFlight(n)
	l.signal()
	return nil
}

// Offload runs work on the worker pool. done is then called on the loop
// with the error returned by work. The pair counts as one in-flight unit
// from the Offload call until done returns. work receives a context that
// is cancelled when the loop terminates.
func (l *Loop) Offload(name string, work func(ctx context.Context) error, done func(err error) error) error {
	l.mu.Lock()
	if l.draining || l.stopped {
		l.mu.Unlock()
		return ErrRefused
	}
	l.inFlight++
	n := l.inFlight
	l.mu.Unlock()
	l.rec.InFlight(n)

	err := l.pool.Submit(func() {
		werr := l.safeWork(name, work)
		l.mu.Lock()
		if l.stopped && l.fatal != nil {
			l.mu.Unlock()
			return
		}
		l.pending = append(l.pending, &unit{
			name:    name,
			fn:      func() error { return done(werr) },
			counted: true,
		})
		l.mu.Unlock()
		l.signal()
	})
	if err != nil {
		l.finishUnit(true)
		return fmt.Errorf("failed to offload %q: %w", name, err)
	}
	return nil
}

func (l *Loop) safeWork(name string, work func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("offloaded work panicked", fmt.Errorf("%v", r),
				logger.Field{Key: "unit", Value: name},
				logger.Field{Key: "stack", Value: string(debug.Stack())})
			err = fmt.Errorf("panic in offloaded work: %v", r)
		}
	}()
	return work(l.workCtx)
}

// Exclusive runs fn on the loop and waits for it. Unlike Post it is
// accepted while the loop drains, which makes it the way to read loop-owned
// data at a quiescence point. If ctx ends before fn started, fn never runs.
// Must not be called from a loop unit.
func (l *Loop) Exclusive(ctx context.Context, fn func() error) error {
	u := &unit{name: "exclusive", fn: fn, result: make(chan error, 1)}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.pending = append(l.pending, u)
	l.mu.Unlock()
	l.signal()

	select {
	case err := <-u.result:
		return err
	case <-ctx.Done():
		if u.claimed.CompareAndSwap(false, true) {
			return ctx.Err()
		}
		return <-u.result
	case <-l.done:
		if u.claimed.CompareAndSwap(false, true) {
			return ErrStopped
		}
		return <-u.result
	}
}

// Drain stops accepting new work, pauses timers and waits until no unit is
// in flight. On timeout it returns ErrDrainTimeout; on ctx cancellation it
// returns ctx.Err(). The loop stays drained in every case until Resume.
func (l *Loop) Drain(ctx context.Context, timeout time.Duration) error {
	l.mu.Lock()
	l.draining = true
	if l.inFlight == 0 || l.stopped {
		l.mu.Unlock()
		return nil
	}
	idle := make(chan struct{})
	l.idleWaiters = append(l.idleWaiters, idle)
	l.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-idle:
		return nil
	case <-t.C:
		return ErrDrainTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume reverts Drain.
func (l *Loop) Resume() {
	l.mu.Lock()
	l.draining = false
	l.mu.Unlock()
	l.signal()
}

func (l *Loop) hasPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending) > 0
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) fatalFailure() *Failure {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fatal
}

func (l *Loop) runPending() {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	for i, u := range batch {
		if l.fatalFailure() != nil {
			// Keep the rest so Exclusive callers are released by l.done.
			l.mu.Lock()
			l.pending = append(batch[i:], l.pending...)
			l.mu.Unlock()
			return
		}
		l.execute(u)
	}
}

func (l *Loop) execute(u *unit) {
	if u.result != nil {
		if !u.claimed.CompareAndSwap(false, true) {
			return
		}
		err := call(u.fn)
		if isPanic(err) {
			f := &Failure{Kind: KindIsolated, Unit: u.name, Err: err, Panic: true}
			l.report(f)
			err = f
		}
		u.result <- err
		return
	}

	var f *Failure
	if err := call(u.fn); err != nil {
		f = l.failure(u.name, err)
		l.report(f)
	}
	l.rec.UnitFinished(u.name, f)
	l.finishUnit(u.counted)
}

func (l *Loop) failure(name string, err error) *Failure {
	kind := KindIsolated
	if IsFatal(err) {
		kind = KindFatal
	}
	return &Failure{Kind: kind, Unit: name, Err: err, Panic: isPanic(err)}
}

func (l *Loop) report(f *Failure) {
	if f.Kind == KindFatal {
		l.mu.Lock()
		if l.fatal == nil {
			l.fatal = f
		}
		l.mu.Unlock()
		return
	}
	fields := []logger.Field{
		{Key: "unit", Value: f.Unit},
		{Key: "panic", Value: f.Panic},
	}
	var pe *panicError
	if errors.As(f.Err, &pe) {
		fields = append(fields, logger.Field{Key: "stack", Value: string(pe.stack)})
	}
	l.logger.Error("unit failed", f.Err, fields...)
}

func (l *Loop) finishUnit(counted bool) {
	if !counted {
		return
	}
	l.mu.Lock()
	l.inFlight--
	n := l.inFlight
	var waiters []chan struct{}
	if n == 0 {
		waiters = l.idleWaiters
		l.idleWaiters = nil
	}
	l.mu.Unlock()

	l.rec.InFlight(n)
	for _, w := range waiters {
		close(w)
	}
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("%v", e.value) }

func isPanic(err error) bool {
	var pe *panicError
	return errors.As(err, &pe)
}

// call runs fn and converts a panic into a *panicError.
func call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return fn()
}
