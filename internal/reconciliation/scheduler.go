package reconciliation

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/starlit-live/walletcore/internal/logging"
)

// Scheduler runs reconciliation on a cron schedule.
type Scheduler struct {
	svc  *Service
	cron *cron.Cron
}

// NewScheduler creates a scheduler for the given cron expression
// (standard five-field syntax, e.g. "0 4 * * *").
func NewScheduler(svc *Service, schedule string) (*Scheduler, error) {
	s := &Scheduler{svc: svc, cron: cron.New()}
	_, err := s.cron.AddFunc(schedule, func() {
		ctx := context.Background()
		defer func() {
			if r := recover(); r != nil {
				logging.L(ctx).Error("reconciliation panicked", "panic", r)
			}
		}()
		if _, err := svc.ReconcileAll(ctx); err != nil {
			logging.L(ctx).Error("scheduled reconciliation failed", "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the schedule in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
