// Package stats is a built-in handler keeping process statistics in the
// runtime state, so they survive hand-offs: the restart generation, the
// time the first instance started and a heartbeat counter.
package stats

import (
	"fmt"
	"time"

	"github.com/aatumaykin/sinap/internal/logger"
	"github.com/aatumaykin/sinap/internal/loop"
	"github.com/aatumaykin/sinap/internal/process"
	"github.com/aatumaykin/sinap/internal/state"
	"github.com/aatumaykin/sinap/internal/version"
)

// State keys.
const (
	KeyGeneration     = "stats.generation"
	KeyFirstStartedAt = "stats.first_started_at"
	KeyHeartbeats     = "stats.heartbeats"
	KeyHandedOffAt    = "stats.handed_off_at"
)

// Recorder receives stats telemetry.
type Recorder interface {
	SetGeneration(n int)
	AddHeartbeats(n int)
}

type nopRecorder struct{}

func (nopRecorder) SetGeneration(int) {}
func (nopRecorder) AddHeartbeats(int) {}

// Stats is the stats handler. It implements process.Handler and
// process.Snapshotter.
type Stats struct {
	heartbeat string
	rec       Recorder
	now       func() time.Time

	rt     *process.Runtime
	logger *logger.Logger
	timer  *loop.Timer
}

// New creates the handler. heartbeat is a cron spec ("@every 90s"); empty
// disables the heartbeat.
func New(heartbeat string, rec Recorder) *Stats {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Stats{heartbeat: heartbeat, rec: rec, now: time.Now}
}

func (s *Stats) Name() string { return "stats" }

func (s *Stats) Start(rt *process.Runtime) error {
	s.rt = rt
	s.logger = rt.Logger()
	st := rt.State()

	generation, err := getInt(st, KeyGeneration)
	if err != nil {
		return err
	}
	if rt.Restored() {
		generation++
	}
	if err := st.Set(KeyGeneration, generation); err != nil {
		return err
	}
	if !st.Has(KeyFirstStartedAt) {
		if err := st.Set(KeyFirstStartedAt, s.now().UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}
	s.rec.SetGeneration(generation)

	if s.heartbeat != "" {
		t, err := rt.Loop().Every(s.heartbeat, "stats.heartbeat", s.beat)
		if err != nil {
			return fmt.Errorf("failed to schedule heartbeat: %w", err)
		}
		s.timer = t
	}

	s.logger.Info(version.FormatStartupMessage(rt.Config().Bot.Name, rt.Restored(), generation),
		logger.Field{Key: "generation", Value: generation})
	return nil
}

// beat runs on the loop.
func (s *Stats) beat() error {
	n, err := getInt(s.rt.State(), KeyHeartbeats)
	if err != nil {
		return err
	}
	if err := s.rt.State().Set(KeyHeartbeats, n+1); err != nil {
		return err
	}
	s.rec.AddHeartbeats(1)
	s.logger.Debug("heartbeat", logger.Field{Key: "count", Value: n + 1})
	return nil
}

// Snapshot records the hand-off time.
func (s *Stats) Snapshot(st *state.State) error {
	return st.Set(KeyHandedOffAt, s.now().UTC().Format(time.RFC3339))
}

func (s *Stats) Stop() error {
	if s.timer != nil {
		s.timer.Stop()
	}
	return nil
}

// Info is a read-only view of the statistics.
type Info struct {
	Generation     int
	FirstStartedAt time.Time
	Heartbeats     int
}

// Read extracts statistics from st. Call it on the loop.
func Read(st *state.State) (Info, error) {
	var info Info
	var err error
	if info.Generation, err = getInt(st, KeyGeneration); err != nil {
		return info, err
	}
	if info.Heartbeats, err = getInt(st, KeyHeartbeats); err != nil {
		return info, err
	}

	var started string
	if ok, err := st.Get(KeyFirstStartedAt, &started); err != nil {
		return info, err
	} else if ok {
		if info.FirstStartedAt, err = time.Parse(time.RFC3339, started); err != nil {
			return info, fmt.Errorf("malformed %s: %w", KeyFirstStartedAt, err)
		}
	}
	return info, nil
}

func getInt(st *state.State, key string) (int, error) {
	var n int
	if _, err := st.Get(key, &n); err != nil {
		return 0, fmt.Errorf("malformed %s: %w", key, err)
	}
	return n, nil
}
