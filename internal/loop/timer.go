package loop

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/robfig/cron/v3"
)

// Timer is a pending one-shot or periodic callback.
type Timer struct {
	name     string
	fn       func() error
	when     time.Time
	seq      uint64
	schedule cron.Schedule

	cancelled atomic.Bool
}

// Compare orders timers by deadline, then by registration order.
func (t *Timer) Compare(other queue.Item) int {
	o := other.(*Timer)
	switch {
	case t.when.Before(o.when):
		return -1
	case t.when.After(o.when):
		return 1
	case t.seq < o.seq:
		return -1
	case t.seq > o.seq:
		return 1
	default:
		return 0
	}
}

// Stop cancels the timer. It reports whether the call cancelled it, that is
// false if the timer was already stopped. A periodic timer that is running
// when Stop is called is not rescheduled.
func (t *Timer) Stop() bool {
	return !t.cancelled.Swap(true)
}

// Name returns the unit name the timer was registered with.
func (t *Timer) Name() string { return t.name }

// AfterFunc runs fn on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, name string, fn func() error) (*Timer, error) {
	t := &Timer{name: name, fn: fn, when: time.Now().Add(d)}
	if err := l.addTimer(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Every runs fn on the loop according to a cron spec. Standard five-field
// specs and descriptors such as "@every 90s" or "@hourly" are accepted.
func (l *Loop) Every(spec, name string, fn func() error) (*Timer, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	t := &Timer{name: name, fn: fn, schedule: schedule, when: schedule.Next(time.Now())}
	if err := l.addTimer(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (l *Loop) addTimer(t *Timer) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrRefused
	}
	l.seq++
	t.seq = l.seq
	l.mu.Unlock()

	if err := l.timers.Put(t); err != nil {
		return ErrRefused
	}
	l.signal()
	return nil
}

// fireTimers runs every due timer and returns the delay until the next
// one, or -1 when no timer is pending or timers are paused.
// Only the loop goroutine calls it.
func (l *Loop) fireTimers() time.Duration {
	for {
		l.mu.Lock()
		paused := l.draining || l.stopped
		l.mu.Unlock()
		if paused {
			return -1
		}

		item := l.timers.Peek()
		if item == nil {
			return -1
		}
		t := item.(*Timer)
		if t.cancelled.Load() {
			_, _ = l.timers.Get(1)
			continue
		}

		now := time.Now()
		if t.when.After(now) {
			return t.when.Sub(now)
		}
		if _, err := l.timers.Get(1); err != nil {
			return -1
		}

		l.runTimer(t)
		if l.fatalFailure() != nil {
			return -1
		}
	}
}

func (l *Loop) runTimer(t *Timer) {
	l.mu.Lock()
	l.inFlight++
	n := l.inFlight
	l.mu.Unlock()
	l.rec.InFlight(n)

	l.execute(&unit{name: t.name, fn: t.fn, counted: true})

	if t.schedule == nil || t.cancelled.Load() {
		return
	}
	t.when = t.schedule.Next(time.Now())
	l.mu.Lock()
	l.seq++
	t.seq = l.seq
	l.mu.Unlock()
	_ = l.timers.Put(t)
}
