package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Status is a point-in-time view of a Scheduler, served by the API.
type Status struct {
	Running      bool          `json:"running"`
	Interval     time.Duration `json:"interval_ns"`
	Ticks        int64         `json:"ticks"`
	Panics       int64         `json:"panics"`
	LastTickAt   *time.Time    `json:"last_tick_at,omitempty"`
	LastDuration time.Duration `json:"last_duration_ns"`
}

// Scheduler runs tickFn once on Start and then every interval until Stop.
// Ticks never overlap; one that outlasts the interval delays the next.
type Scheduler struct {
	interval time.Duration
	tickFn   func(context.Context)
	logger   *zerolog.Logger
	now      func() time.Time

	running atomic.Bool
	ticks   atomic.Int64
	panics  atomic.Int64

	lastMu       sync.Mutex
	lastTickAt   time.Time
	lastDuration time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(interval time.Duration, tickFn func(context.Context), logger *zerolog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Scheduler{
		interval: interval,
		tickFn:   tickFn,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// WithClock replaces the clock used to stamp ticks.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start launches the loop. It reports false when already running.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.running.Store(true)

	s.logger.Info().Dur("interval", s.interval).Msg("scheduler started")
	go s.loop(ctx, done)

	return true
}

// Stop cancels the running tick, waits for it to return, and stops the loop.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.logger.Info().Int64("ticks", s.ticks.Load()).Msg("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Ticks counts completed ticks, panicking ones included.
func (s *Scheduler) Ticks() int64 {
	return s.ticks.Load()
}

func (s *Scheduler) Status() Status {
	st := Status{
		Running:  s.running.Load(),
		Interval: s.interval,
		Ticks:    s.ticks.Load(),
		Panics:   s.panics.Load(),
	}

	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	if !s.lastTickAt.IsZero() {
		at := s.lastTickAt
		st.LastTickAt = &at
		st.LastDuration = s.lastDuration
	}
	return st
}

func (s *Scheduler) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug().Msg("scheduler loop exiting")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs tickFn once; a panic is logged and counted, never propagated.
func (s *Scheduler) tick(ctx context.Context) {
	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.logger.Error().Interface("panic", r).Msg("scheduler tick panic recovered")
		}
		s.finish(start)
	}()

	s.tickFn(ctx)
}

func (s *Scheduler) finish(start time.Time) {
	elapsed := s.now().Sub(start)

	s.lastMu.Lock()
	s.lastTickAt = start
	s.lastDuration = elapsed
	s.lastMu.Unlock()

	s.ticks.Add(1)
	s.logger.Debug().Dur("duration", elapsed).Msg("scheduler tick completed")
}
