// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package supervisor runs long-lived pipelines concurrently and restarts them
// when they fail.
package supervisor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.astrophena.name/tgrssbot/internal/syncx"

	"golang.org/x/sync/errgroup"
)

// DefaultShutdownTimeout is how long Run waits for pipelines to stop by
// default.
const DefaultShutdownTimeout = 5 * time.Second

// ErrRestartLimit is returned by Run when a pipeline failed more times than
// allowed.
var ErrRestartLimit = errors.New("supervisor: restart limit reached")

var errReturned = errors.New("pipeline returned unexpectedly")

// State is the state of a pipeline.
type State int

const (
	Running State = iota
	Failed
	Restarting
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Failed:
		return "failed"
	case Restarting:
		return "restarting"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status describes a pipeline.
type Status struct {
	State     State
	Restarts  int
	LastError error
}

// Kind returns the kind of err, as reported by its ErrorKind method, or
// "unknown".
func Kind(err error) string {
	var k interface{ ErrorKind() string }
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return "unknown"
}

// Config configures a Supervisor.
type Config struct {
	// Interval is the delay before restarting a failed pipeline.
	Interval time.Duration
	// ShutdownTimeout bounds how long Run waits for pipelines to return
	// after cancellation. Defaults to DefaultShutdownTimeout.
	ShutdownTimeout time.Duration
	// MaxRestarts is the number of consecutive restarts allowed per
	// pipeline. A run that lasted longer than Interval resets the count.
	// Zero means no limit.
	MaxRestarts int
	Logger      *slog.Logger
	// Sleep waits for d or until ctx is done, reporting whether it waited
	// the full duration. Used in tests.
	Sleep func(ctx context.Context, d time.Duration) bool
}

// Supervisor runs pipelines.
type Supervisor struct {
	interval        time.Duration
	shutdownTimeout time.Duration
	maxRestarts     int
	slog            *slog.Logger
	sleep           func(context.Context, time.Duration) bool
	now             func() time.Time

	pipelines []pipeline
	closers   []func() error
	status    *syncx.Protected[map[string]Status]
	limitHit  atomic.Bool
}

type pipeline struct {
	name string
	run  func(context.Context) error
}

// New returns a new Supervisor.
func New(cfg Config) *Supervisor {
	s := &Supervisor{
		interval:        cfg.Interval,
		shutdownTimeout: cmp.Or(cfg.ShutdownTimeout, DefaultShutdownTimeout),
		maxRestarts:     cfg.MaxRestarts,
		slog:            cfg.Logger,
		sleep:           cfg.Sleep,
		now:             time.Now,
		status:          syncx.Protect(make(map[string]Status)),
	}
	if s.slog == nil {
		s.slog = slog.Default()
	}
	if s.sleep == nil {
		s.sleep = sleep
	}
	return s
}

// Add registers a pipeline. run should block until ctx is done. Add must not
// be called after Run.
func (s *Supervisor) Add(name string, run func(ctx context.Context) error) {
	s.pipelines = append(s.pipelines, pipeline{name: name, run: run})
}

// OnStop registers f to be called after all pipelines have stopped.
func (s *Supervisor) OnStop(f func() error) {
	s.closers = append(s.closers, f)
}

// States returns a snapshot of pipeline statuses.
func (s *Supervisor) States() map[string]Status {
	var m map[string]Status
	s.status.ReadAccess(func(status map[string]Status) {
		m = maps.Clone(status)
	})
	return m
}

func (s *Supervisor) setStatus(name string, state State, restarts int, err error) {
	s.status.WriteAccess(func(status map[string]Status) {
		st := status[name]
		st.State = state
		st.Restarts = restarts
		if err != nil {
			st.LastError = err
		}
		status[name] = st
	})
}

// Run runs all pipelines until ctx is done or one of them exceeds the
// restart limit. It then waits up to the shutdown timeout for pipelines to
// return and calls functions registered with OnStop.
//
// Run returns nil after cancellation and ErrRestartLimit if the restart limit
// was reached.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range s.pipelines {
		s.setStatus(p.name, Running, 0, nil)
		g.Go(func() error { return s.supervise(gctx, p) })
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	<-gctx.Done()
	s.slog.Debug("stopping pipelines", "timeout", s.shutdownTimeout)
	timer := time.NewTimer(s.shutdownTimeout)
	select {
	case <-done:
		timer.Stop()
	case <-timer.C:
		s.slog.Warn("pipelines did not stop in time", "timeout", s.shutdownTimeout)
	}

	for _, f := range s.closers {
		if err := f(); err != nil {
			s.slog.Warn("releasing resources", "error", err)
		}
	}

	if s.limitHit.Load() {
		return ErrRestartLimit
	}
	return nil
}

func (s *Supervisor) supervise(ctx context.Context, p pipeline) error {
	restarts := 0
	for {
		s.setStatus(p.name, Running, restarts, nil)
		start := s.now()
		err := runOnce(ctx, p.run)
		if ctx.Err() != nil {
			s.setStatus(p.name, Stopped, restarts, nil)
			return nil
		}
		if err == nil {
			err = errReturned
		}
		if s.interval > 0 && s.now().Sub(start) > s.interval {
			// The pipeline was healthy for a while, this failure starts a
			// new series.
			restarts = 0
		}
		s.setStatus(p.name, Failed, restarts, err)

		if s.maxRestarts > 0 && restarts >= s.maxRestarts {
			s.slog.Error("pipeline failed too many times", "pipeline", p.name, "kind", Kind(err), "error", err, "restarts", restarts)
			s.limitHit.Store(true)
			s.setStatus(p.name, Stopped, restarts, nil)
			return ErrRestartLimit
		}

		restarts++
		s.slog.Warn("pipeline failed, restarting",
			"pipeline", p.name,
			"kind", Kind(err),
			"error", err,
			"retry_in", s.interval,
			"restarts", restarts,
		)
		s.setStatus(p.name, Restarting, restarts, nil)
		if !s.sleep(ctx, s.interval) {
			s.setStatus(p.name, Stopped, restarts, nil)
			return nil
		}
	}
}

func runOnce(ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return run(ctx)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
