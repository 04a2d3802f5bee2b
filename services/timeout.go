package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mani-agah/assessment/repository"
)

const (
	DefaultSweepInterval = time.Minute
	// TimerGrace lets an in-flight finish from the client land before the sweeper does it.
	TimerGrace = 30 * time.Second
)

// AssessmentTimeoutService finishes timed assessments whose clock has run out.
type AssessmentTimeoutService struct {
	repo        *repository.GORMRepository
	assessments *AssessmentService
	interval    time.Duration
	now         func() time.Time
}

func NewAssessmentTimeoutService(repo *repository.GORMRepository, assessments *AssessmentService, interval time.Duration) *AssessmentTimeoutService {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &AssessmentTimeoutService{
		repo:        repo,
		assessments: assessments,
		interval:    interval,
		now:         time.Now,
	}
}

// Run checks for expired assessments until ctx is cancelled.
func (s *AssessmentTimeoutService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkTimeouts(ctx)
		}
	}
}

// checkTimeouts finishes every expired assessment and returns how many were closed.
func (s *AssessmentTimeoutService) checkTimeouts(ctx context.Context) int {
	open, err := s.repo.ListOpenTimedAssessments(ctx)
	if err != nil {
		slog.Error("Failed to list timed assessments", "error", err)
		return 0
	}

	now := s.now()
	finished := 0
	for _, a := range open {
		if now.Before(a.Deadline().Add(TimerGrace)) {
			continue
		}

		slog.Info("Assessment timer expired, finishing",
			"assessment_id", a.ID,
			"overdue", now.Sub(a.Deadline()))

		if _, err := s.assessments.finish(ctx, a.UserID, a.ID, nil, TriggerTimer); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			slog.Error("Failed to finish expired assessment", "assessment_id", a.ID, "error", err)
			continue
		}
		finished++
	}
	return finished
}
