// Package retention trims message history on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

// DefaultCron runs retention at the top of every hour
const DefaultCron = "@hourly"

// Trimmer drops the oldest history so at most keep entries remain.
type Trimmer interface {
	Trim(keep int) []string
}

// Scheduler runs Trim at each cron tick.
type Scheduler struct {
	cron    string
	keep    int
	trimmer Trimmer
	log     *zap.Logger
	now     func() time.Time
	// retryDelay is the pause after a failed next-tick computation
	retryDelay time.Duration
}

// New validates cronExpr and returns a scheduler. An empty expression uses
// DefaultCron. keep <= 0 disables trimming.
func New(cronExpr string, keep int, trimmer Trimmer, log *zap.Logger) (*Scheduler, error) {
	if cronExpr == "" {
		cronExpr = DefaultCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cronExpr)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		cron:       cronExpr,
		keep:       keep,
		trimmer:    trimmer,
		log:        log,
		now:        time.Now,
		retryDelay: 30 * time.Second,
	}, nil
}

// RunOnce trims immediately and returns the number of removed messages.
func (s *Scheduler) RunOnce() int {
	if s.keep <= 0 {
		return 0
	}
	removed := s.trimmer.Trim(s.keep)
	if len(removed) > 0 {
		s.log.Info("retention_trimmed", zap.Int("removed", len(removed)), zap.Int("keep", s.keep))
	}
	return len(removed)
}

// Next returns the first tick strictly after t.
func (s *Scheduler) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.cron, t, false)
}

// Run trims once at startup, then at every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.keep <= 0 {
		s.log.Info("retention_disabled")
		<-ctx.Done()
		return nil
	}
	s.log.Info("retention_scheduler_started", zap.String("cron", s.cron), zap.Int("keep", s.keep))
	s.RunOnce()

	for {
		wait := s.retryDelay
		next, err := s.Next(s.now())
		if err != nil {
			s.log.Error("retention_nexttick_failed", zap.String("cron", s.cron), zap.Error(err))
		} else {
			wait = max(time.Until(next), time.Second)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("retention_scheduler_stopping")
			return nil
		case <-timer.C:
			if err == nil {
				s.RunOnce()
			}
		}
	}
}
