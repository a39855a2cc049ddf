package clock

import (
	"fmt"
	"time"

	"intraday_trader/internal/core"

	"github.com/robfig/cron/v3"
)

// Scheduler fires session housekeeping jobs in the trading timezone:
// the pre-open instrument refresh and the end-of-day flatten.
type Scheduler struct {
	cron   *cron.Cron
	logger core.ILogger
}

// NewScheduler creates a scheduler pinned to the gate's timezone.
func NewScheduler(loc *time.Location, logger core.ILogger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		logger: logger.WithField("component", "session_scheduler"),
	}
}

// AddJob registers a cron job. Panics inside jobs are contained by the
// cron recover wrapper.
func (s *Scheduler) AddJob(spec, name string, fn func()) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.logger.Info("Session job firing", "job", name)
		fn()
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// AddDailyJob registers a weekday job at HH:MM.
func (s *Scheduler) AddDailyJob(hhmm, name string, fn func()) error {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return fmt.Errorf("parse time for %s: %w", name, err)
	}
	spec := fmt.Sprintf("%d %d * * 1-5", t.Minute(), t.Hour())
	return s.AddJob(spec, name, fn)
}

// Start begins dispatching jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts dispatch and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
