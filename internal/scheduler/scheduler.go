// Package scheduler runs the engine's periodic maintenance jobs.
//
// Jobs are registered under a name and a standard 5-field cron expression.
// The signature token expiry sweep is the only job the engine schedules
// today.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler owns the cron runner behind the maintenance jobs.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts the runner. Panics in jobs are recovered
// so one failing sweep cannot take the engine down.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a named job on a 5-field cron expression (min, hour, dom,
// month, dow). The name appears only in logs.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, func() {
		started := time.Now()
		slog.Debug("Scheduler job starting", "job", name)
		task()
		slog.Debug("Scheduler job finished", "job", name, "duration", time.Since(started))
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}
	slog.Info("Scheduler job registered", "job", name, "schedule", expr)
	return nil
}

// Stop halts the runner and blocks until any in-flight job returns.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
