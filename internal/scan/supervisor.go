// Package scan runs the periodic scan loop under supervision. A scan
// cycle that panics or errors never takes the process down; the
// supervisor backs off, counts consecutive failures, and escalates to
// the risk layer when the loop is genuinely sick.
package scan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"intraday_trader/internal/core"
	"intraday_trader/pkg/telemetry"
)

// State is the supervisor lifecycle state, exported as a gauge.
type State int64

const (
	StateStopped State = iota
	StateRunning
	StateDone
	StateException
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateRunning:
		return "RUNNING"
	case StateDone:
		return "DONE"
	case StateException:
		return "EXCEPTION"
	case StateStopping:
		return "STOPPING"
	}
	return "UNKNOWN"
}

const (
	backoffBase = 250 * time.Millisecond
	backoffCap  = 30 * time.Second
)

// ScanFunc is one scan cycle. It must respect its context deadline.
type ScanFunc func(ctx context.Context) error

// Supervisor drives ScanFunc on a fixed interval.
type Supervisor struct {
	interval  time.Duration
	maxErrors int
	fn        ScanFunc
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder

	// onSickness fires once when consecutive failures cross maxErrors.
	onSickness func(consecutive int, lastErr error)

	mu          sync.Mutex
	state       State
	consecutive int
	lastErr     error
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewSupervisor(interval time.Duration, maxErrors int, fn ScanFunc, logger core.ILogger) *Supervisor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxErrors <= 0 {
		maxErrors = 5
	}
	return &Supervisor{
		interval:  interval,
		maxErrors: maxErrors,
		fn:        fn,
		logger:    logger.WithField("component", "scan"),
		metrics:   telemetry.GetGlobalMetrics(),
		state:     StateStopped,
	}
}

// OnSickness registers the consecutive-failure escalation hook.
func (s *Supervisor) OnSickness(fn func(consecutive int, lastErr error)) {
	s.onSickness = fn
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status is the debug snapshot served by the control plane.
type Status struct {
	State             string `json:"state"`
	IntervalMs        int64  `json:"interval_ms"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	LastError         string `json:"last_error,omitempty"`
}

func (s *Supervisor) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:             s.state.String(),
		IntervalMs:        s.interval.Milliseconds(),
		ConsecutiveErrors: s.consecutive,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Start launches the loop. Idempotent; a running supervisor ignores it.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped && s.state != StateDone {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already %s", s.state)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.setStateLocked(StateRunning)
	s.mu.Unlock()

	go s.loop(loopCtx)
	return nil
}

// Stop halts the loop, giving any in-flight cycle half an interval to
// finish before letting go.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.cancel == nil || s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateStopping)
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(s.interval / 2):
		s.logger.Warn("scan cycle did not drain in grace period")
	}

	s.mu.Lock()
	s.setStateLocked(StateStopped)
	s.mu.Unlock()
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if wait := s.backoff(); wait > 0 {
			s.logger.Warn("scan backing off", "wait", wait.String(), "consecutive", s.consecutiveErrors())
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runOnce executes one cycle with a deadline of 80% of the interval so
// a slow cycle never overlaps the next tick.
func (s *Supervisor) runOnce(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, s.interval*4/5)
	defer cancel()

	err := s.safeCall(cycleCtx)
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.consecutive++
		s.lastErr = err
		s.setStateLocked(StateException)
		s.metrics.Count(s.metrics.ScanErrorsTotal, 1)
		s.logger.Error("scan cycle failed", "error", err, "consecutive", s.consecutive)
		if s.consecutive == s.maxErrors && s.onSickness != nil {
			go s.onSickness(s.consecutive, err)
		}
		return
	}
	s.consecutive = 0
	s.lastErr = nil
	s.setStateLocked(StateRunning)
	s.metrics.Count(s.metrics.ScanTicksTotal, 1)
	s.metrics.MarkHeartbeat(telemetry.MetricScanHeartbeat)
}

func (s *Supervisor) safeCall(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan panic: %v", r)
		}
	}()
	return s.fn(ctx)
}

func (s *Supervisor) backoff() time.Duration {
	n := s.consecutiveErrors()
	if n == 0 {
		return 0
	}
	d := backoffBase << uint(n-1)
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}

func (s *Supervisor) consecutiveErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutive
}

func (s *Supervisor) setStateLocked(st State) {
	s.state = st
	s.metrics.SetSupervisorState(int64(st))
}
