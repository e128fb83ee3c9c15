package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// DefaultCleanupSchedule runs a sweep every five minutes.
const DefaultCleanupSchedule = "@every 5m"

// Cleaner is anything that can purge expired sessions.
type Cleaner interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// ParseSchedule accepts standard cron expressions with an optional seconds
// field as well as descriptors such as "@every 5m" and "@hourly".
func ParseSchedule(spec string) (cronv3.Schedule, error) {
	parser := cronv3.NewParser(cronv3.SecondOptional | cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cleanup schedule %q: %w", spec, err)
	}
	return schedule, nil
}

// CleanupScheduler purges expired sessions on a cron schedule. Failures are
// logged and never stop the loop.
type CleanupScheduler struct {
	target   Cleaner
	schedule cronv3.Schedule
	logger   *slog.Logger

	// Now and After are replaceable for deterministic tests.
	Now   func() time.Time
	After func(d time.Duration) <-chan time.Time
}

func NewCleanupScheduler(target Cleaner, spec string, logger *slog.Logger) (*CleanupScheduler, error) {
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupScheduler{
		target:   target,
		schedule: schedule,
		logger:   logger.With("component", "session-cleanup"),
		Now:      time.Now,
		After:    time.After,
	}, nil
}

// Run blocks until ctx is cancelled, running a cleanup at each scheduled time.
func (s *CleanupScheduler) Run(ctx context.Context) {
	for {
		now := s.Now()
		wait := s.schedule.Next(now).Sub(now)
		select {
		case <-ctx.Done():
			return
		case <-s.After(wait):
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one cleanup pass.
func (s *CleanupScheduler) RunOnce(ctx context.Context) int {
	removed, err := s.target.CleanupExpired(ctx)
	if err != nil {
		s.logger.Warn("session cleanup failed", "err", err)
		return removed
	}
	s.logger.Debug("session cleanup finished", "removed", removed)
	return removed
}
