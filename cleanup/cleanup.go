// Package cleanup implements the cleanup coordinator (C7): periodic
// retention sweeps over expired CSRF tokens, rate-limit records, stale
// sessions, and dead process rows, each scheduled independently.
package cleanup

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/outpostlabs/sessiond/sessionstore"
)

const (
	csrfSchedule      = "*/5 * * * *"
	rateLimitSchedule = "*/10 * * * *"
	sessionSchedule   = "0 * * * *"
	processSchedule   = "*/30 * * * *"

	// sessionRetention is how long a terminated or idle-paused session row
	// survives before DeleteExpiredSessions sweeps it.
	sessionRetention = 7 * 24 * time.Hour
)

// JobStatus reports one job's last outcome.
type JobStatus struct {
	Name      string
	LastRunAt time.Time
	LastCount int64
	LastErr   error
}

// Coordinator owns the cron schedule for all retention jobs.
type Coordinator struct {
	store *sessionstore.Store
	log   *logrus.Entry
	cron  *cron.Cron

	mu     sync.Mutex
	status map[string]JobStatus
}

// New constructs a Coordinator. Call Start to schedule its jobs.
func New(store *sessionstore.Store, log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		store:  store,
		log:    log.WithField("component", "cleanup.Coordinator"),
		cron:   cron.New(),
		status: make(map[string]JobStatus),
	}
}

// Start schedules the four retention jobs and begins the cron scheduler.
func (c *Coordinator) Start() error {
	jobs := []struct {
		name     string
		schedule string
		run      func() (int64, error)
	}{
		{"csrf-tokens", csrfSchedule, c.sweepCSRFTokens},
		{"rate-limits", rateLimitSchedule, c.sweepRateLimits},
		{"sessions", sessionSchedule, c.sweepSessions},
		{"processes", processSchedule, c.sweepProcesses},
	}

	for _, j := range jobs {
		job := j
		if _, err := c.cron.AddFunc(job.schedule, func() { c.runGuarded(job.name, job.run) }); err != nil {
			return fmt.Errorf("cleanup: schedule %s: %w", job.name, err)
		}
	}
	c.cron.Start()
	return nil
}

// runGuarded recovers from a job panic so one misbehaving sweep never kills
// the scheduler, and records the outcome for GetStatus.
func (c *Coordinator) runGuarded(name string, run func() (int64, error)) {
	defer func() {
		if r := recover(); r != nil {
			c.recordStatus(name, 0, fmt.Errorf("panic: %v", r))
			c.log.WithField("job", name).WithField("panic", r).Error("cleanup job panicked")
		}
	}()

	n, err := run()
	c.recordStatus(name, n, err)
	if err != nil {
		c.log.WithError(err).WithField("job", name).Warn("cleanup job failed")
	} else if n > 0 {
		c.log.WithFields(logrus.Fields{"job": name, "count": n}).Info("cleanup job swept rows")
	}
}

func (c *Coordinator) recordStatus(name string, count int64, err error) {
	c.mu.Lock()
	c.status[name] = JobStatus{Name: name, LastRunAt: time.Now(), LastCount: count, LastErr: err}
	c.mu.Unlock()
}

func (c *Coordinator) sweepCSRFTokens() (int64, error) {
	return c.store.DeleteExpiredCSRFTokens(time.Now())
}

func (c *Coordinator) sweepRateLimits() (int64, error) {
	return c.store.DeleteExpiredRateLimits(time.Now())
}

func (c *Coordinator) sweepSessions() (int64, error) {
	return c.store.DeleteExpiredSessions(time.Now().Add(-sessionRetention))
}

func (c *Coordinator) sweepProcesses() (int64, error) {
	return c.store.DeleteDeadProcesses(time.Now().Add(-sessionRetention))
}

// GetStatus reports every job's last outcome.
func (c *Coordinator) GetStatus() []JobStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]JobStatus, 0, len(c.status))
	for _, st := range c.status {
		out = append(out, st)
	}
	return out
}

// Stop halts the cron scheduler, waiting for any in-flight job to finish.
func (c *Coordinator) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}
