package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultAnalyzeInterval = 60 * time.Second
	defaultTick            = 5 * time.Second
	stopJoinTimeout        = time.Second
)

// ConnectionChecker reports whether the inbound stream is currently open.
type ConnectionChecker interface {
	IsConnected() bool
}

type SchedulerOptions struct {
	Engine *Engine
	Conn   ConnectionChecker
	// Interval is the minimum spacing between analysis cycles.
	Interval time.Duration
	// Tick is the poll resolution. Overridable for tests.
	Tick   time.Duration
	Logger *slog.Logger
}

// Scheduler drives the autonomous "should I speak now" loop: a fixed poll
// tick, gated by connection health. There is deliberately no minimum-silence
// gate beyond the interval; inbound activity is recorded but only informs
// logging.
type Scheduler struct {
	engine   *Engine
	conn     ConnectionChecker
	interval time.Duration
	tick     time.Duration
	logger   *slog.Logger

	mu            sync.Mutex
	running       bool
	stopCh        chan struct{}
	doneCh        chan struct{}
	lastAnalysis  time.Time
	lastInboundAt time.Time
}

func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine: scheduler requires an engine")
	}
	if opts.Conn == nil {
		return nil, fmt.Errorf("engine: scheduler requires a connection checker")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultAnalyzeInterval
	}
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine:   opts.Engine,
		conn:     opts.Conn,
		interval: opts.Interval,
		tick:     opts.Tick,
		logger:   logger,
	}, nil
}

// Start launches the poll loop and performs one immediate out-of-cycle
// analysis. It refuses to run without a loaded persona.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("engine: scheduler already running")
	}
	if !s.engine.store.HasPersona() {
		s.mu.Unlock()
		return fmt.Errorf("engine: load a persona before starting the scheduler")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	go s.loop(stopCh, doneCh)
	s.logger.Info("autonomous_started", "target", s.engine.Target(), "interval", s.interval.String())

	// One immediate out-of-cycle analysis, same connection gate as the loop.
	if s.conn.IsConnected() {
		s.AnalyzeNow()
		s.mu.Lock()
		s.lastAnalysis = time.Now()
		s.mu.Unlock()
	}
	return nil
}

// Stop signals the loop and waits a bounded time for in-flight work; it
// does not interrupt a cycle already talking to the model.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	select {
	case <-doneCh:
	case <-time.After(stopJoinTimeout):
	}
	s.logger.Info("autonomous_stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RecordActivity notes an accepted inbound event. The timestamp does not
// gate scheduling; it exists for operators and future policy.
func (s *Scheduler) RecordActivity() {
	s.mu.Lock()
	s.lastInboundAt = time.Now()
	s.mu.Unlock()
}

// AnalyzeNow runs one analysis cycle immediately, outside the tick cadence.
// A cycle already in flight turns this into a no-op.
func (s *Scheduler) AnalyzeNow() {
	s.runCycle()
}

func (s *Scheduler) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			due := now.Sub(s.lastAnalysis) > s.interval
			s.mu.Unlock()
			if !due {
				continue
			}
			if !s.conn.IsConnected() {
				// Skip silently; retried on the next tick.
				s.logger.Debug("autonomous_skip", "reason", "stream_not_open")
				continue
			}
			s.runCycle()
			s.mu.Lock()
			s.lastAnalysis = now
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) runCycle() {
	_, err := s.engine.AnalyzeOnce(context.Background())
	switch {
	case err == nil:
	case errors.Is(err, ErrBusy):
		s.logger.Debug("autonomous_skip", "reason", "cycle_in_flight")
	default:
		s.logger.Warn("autonomous_cycle_error", "error", err.Error())
	}
}
