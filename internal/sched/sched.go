// Package sched runs the bot's calendar jobs: the end-of-day report and the
// intraday alert sweep. Jobs fire from a shared minute ticker; each job
// decides whether its moment has arrived and never overlaps itself.
package sched

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// Job is a named unit of scheduled work. Due reports whether the job should
// fire at the given instant; Run does the work.
type Job struct {
	Name string
	Due  func(now time.Time) bool
	Run  func(ctx context.Context)

	running atomic.Bool
	lastMin string
}

// Scheduler drives a set of jobs off one ticker.
type Scheduler struct {
	jobs   []*Job
	logger *log.Logger
	tick   time.Duration
	now    func() time.Time
}

// New creates a scheduler. tick is the polling resolution; one minute is the
// natural choice since all schedule times are HH:MM.
func New(logger *log.Logger, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{logger: logger, tick: tick, now: time.Now}
}

// Add registers a job.
func (s *Scheduler) Add(job *Job) {
	s.jobs = append(s.jobs, job)
}

// Run blocks until ctx is canceled, firing due jobs. A job that is still
// running when it comes due again is skipped for that minute.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Printf("scheduler started: %d jobs, %s resolution", len(s.jobs), s.tick)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	// Evaluate once at startup so a restart inside a due minute still fires.
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	now := s.now()
	minute := now.Format("2006-01-02 15:04")
	for _, job := range s.jobs {
		// At most one firing per wall-clock minute, even when the tick
		// resolution is finer.
		if job.lastMin == minute {
			continue
		}
		if !job.Due(now) {
			continue
		}
		job.lastMin = minute
		if !job.running.CompareAndSwap(false, true) {
			s.logger.Printf("job %s still running, skipping this firing", job.Name)
			continue
		}
		go func(j *Job) {
			defer j.running.Store(false)
			start := s.now()
			j.Run(ctx)
			s.logger.Printf("job %s finished in %s", j.Name, s.now().Sub(start).Round(time.Millisecond))
		}(job)
	}
}

// DailyAt builds a Due predicate that fires once per weekday at the given
// local clock time.
func DailyAt(loc *time.Location, hour, minute int) func(time.Time) bool {
	return func(now time.Time) bool {
		local := now.In(loc)
		if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
			return false
		}
		return local.Hour() == hour && local.Minute() == minute
	}
}

// Every builds a Due predicate that fires on an interval boundary while the
// gate predicate holds (e.g. market hours). Boundaries are minutes of the
// day in loc, so they line up with the market clock rather than the host's.
func Every(loc *time.Location, interval time.Duration, gate func(time.Time) bool) func(time.Time) bool {
	if loc == nil {
		loc = time.UTC
	}
	if interval < time.Minute {
		interval = time.Minute
	}
	step := int(interval.Minutes())
	return func(now time.Time) bool {
		if gate != nil && !gate(now) {
			return false
		}
		local := now.In(loc)
		minuteOfDay := local.Hour()*60 + local.Minute()
		return minuteOfDay%step == 0
	}
}
