package cron

import (
	"context"
	"sync/atomic"
	"time"

	"tickbot/internal/eventbus"
	logx "tickbot/pkg/logx"
)

// Executor turns a claimed job into one execution result. It must not panic
// and must not return control before the run is fully settled (delivery
// included).
type Executor interface {
	Execute(ctx context.Context, job Job) RunResult
}

// Stats receives scheduler observations. Implementations must be cheap and
// non-blocking.
type Stats interface {
	TickObserved(d time.Duration, claimed int)
	RunRecorded(status string)
}

type nopStats struct{}

func (nopStats) TickObserved(time.Duration, int) {}
func (nopStats) RunRecorded(string)              {}

// JobEvent is the bus payload for job.* events.
type JobEvent struct {
	JobID      string `json:"jobId"`
	ScopeID    string `json:"scopeId"`
	Name       string `json:"name"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// Scheduler owns the single re-arming timer that drives job execution.
//
// Construct one per process and inject it where job mutations happen; there
// is deliberately no package-level instance.
type Scheduler struct {
	store *Store
	runs  *RunLog
	exec  Executor
	dirs  ScopeDirs
	bus   eventbus.Bus
	stats Stats
	log   logx.Logger

	// now is a seam for tests.
	now func() time.Time

	// idleMs caps the sleep between ticks; adjustable at runtime from
	// config reloads.
	idleMs atomic.Int64

	wake chan struct{}
}

func NewScheduler(store *Store, runs *RunLog, exec Executor, dirs ScopeDirs, bus eventbus.Bus, stats Stats, log logx.Logger) *Scheduler {
	if stats == nil {
		stats = nopStats{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		store: store,
		runs:  runs,
		exec:  exec,
		dirs:  dirs,
		bus:   bus,
		stats: stats,
		log:   log,
		now:   time.Now,
		wake:  make(chan struct{}, 1),
	}
	s.idleMs.Store(maxIdleDelay.Milliseconds())
	return s
}

// SetMaxIdleDelay adjusts the idle sleep cap. Non-positive values restore the
// default. Takes effect on the next re-arm.
func (s *Scheduler) SetMaxIdleDelay(d time.Duration) {
	if d <= 0 {
		d = maxIdleDelay
	}
	s.idleMs.Store(d.Milliseconds())
	s.Kick()
}

func (s *Scheduler) maxIdle() time.Duration {
	return time.Duration(s.idleMs.Load()) * time.Millisecond
}

// Kick re-arms the timer early after an external mutation (job added,
// schedule changed). Non-blocking.
func (s *Scheduler) Kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the loop until ctx is cancelled. Ticks never overlap: the loop
// is a single goroutine, and the next tick is armed only after the previous
// one fully finished.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started")
	for {
		delay := s.nextDelay()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("scheduler stopped")
			return nil
		case <-s.wake:
			timer.Stop()
			continue
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

// nextDelay computes the sleep until the earliest enabled job across all
// scopes, capped at the idle delay so latency stays bounded even when idle.
func (s *Scheduler) nextDelay() time.Duration {
	now := s.now().UnixMilli()
	min := int64(0)

	scopes, err := s.dirs.List()
	if err != nil {
		s.log.Warn("scope enumeration failed", logx.Err(err))
		return s.maxIdle()
	}
	for _, scopeID := range scopes {
		jobs, err := s.store.Load(scopeID)
		if err != nil {
			s.log.Warn("job store load failed", logx.String("scope", scopeID), logx.Err(err))
			continue
		}
		for _, j := range jobs {
			if !j.Enabled || j.State.NextRunAtMs == 0 {
				continue
			}
			if min == 0 || j.State.NextRunAtMs < min {
				min = j.State.NextRunAtMs
			}
		}
	}

	if min == 0 {
		return s.maxIdle()
	}
	d := time.Duration(min-now) * time.Millisecond
	if d < 0 {
		d = 0
	}
	if idle := s.maxIdle(); d > idle {
		d = idle
	}
	return d
}

// tick claims all due jobs, then executes them sequentially outside any
// store lock. A failure in one scope never aborts the others.
func (s *Scheduler) tick(ctx context.Context) {
	start := s.now()
	claimed := s.claimDue()

	for _, job := range claimed {
		if ctx.Err() != nil {
			// Shutting down: release the untouched claims instead of leaving
			// them to the stuck-run recovery.
			s.releaseClaim(job)
			continue
		}
		s.runClaimed(ctx, job)
	}

	s.stats.TickObserved(s.now().Sub(start), len(claimed))
}

// claimDue walks every scope and, under its store lock, computes missing
// next-run times and claims jobs that are due and not already running.
func (s *Scheduler) claimDue() []Job {
	now := s.now().UnixMilli()
	var claimed []Job

	scopes, err := s.dirs.List()
	if err != nil {
		s.log.Warn("scope enumeration failed", logx.Err(err))
		return nil
	}

	for _, scopeID := range scopes {
		err := s.store.Mutate(scopeID, func(jobs *[]Job) (bool, error) {
			changed := false
			for i := range *jobs {
				j := &(*jobs)[i]
				if !j.Enabled {
					continue
				}
				if j.State.NextRunAtMs == 0 && j.State.RunningAtMs == 0 {
					if next := NextRun(j.Schedule, now); next != 0 {
						j.State.NextRunAtMs = next
						changed = true
					}
					continue
				}
				if j.State.NextRunAtMs == 0 || j.State.NextRunAtMs > now || j.State.RunningAtMs != 0 {
					continue
				}
				j.State.RunningAtMs = now
				j.State.LastError = ""
				j.UpdatedAtMs = now
				changed = true
				claimed = append(claimed, *j)
			}
			return changed, nil
		})
		if err != nil {
			s.log.Warn("claiming due jobs failed", logx.String("scope", scopeID), logx.Err(err))
		}
	}

	if len(claimed) > 0 {
		s.log.Debug("claimed due jobs", logx.Int("count", len(claimed)))
	}
	return claimed
}

// runClaimed executes one claimed job and finalizes it. Shared by the tick
// path and RunNow so both funnel through identical bookkeeping.
func (s *Scheduler) runClaimed(ctx context.Context, job Job) RunEntry {
	s.bus.Publish(eventbus.Event{Type: eventbus.EventJobClaimed, Data: JobEvent{
		JobID: job.ID, ScopeID: job.ScopeID, Name: job.Name,
	}})

	startedMs := s.now().UnixMilli()
	res := s.exec.Execute(ctx, job)
	durMs := s.now().UnixMilli() - startedMs

	entry := s.finalize(job, res, startedMs, durMs)

	if err := s.runs.Append(job.ScopeID, entry); err != nil {
		s.log.Warn("run log append failed", logx.String("scope", job.ScopeID), logx.String("job", job.ID), logx.Err(err))
	}
	evType := eventbus.EventJobFinished
	if res.Status == StatusSkipped {
		evType = eventbus.EventJobSkipped
	}
	s.bus.Publish(eventbus.Event{Type: evType, Data: JobEvent{
		JobID: job.ID, ScopeID: job.ScopeID, Name: job.Name,
		Status: res.Status, Error: res.Err, DurationMs: durMs,
	}})
	s.stats.RunRecorded(res.Status)

	s.log.Info("job run finished",
		logx.String("scope", job.ScopeID),
		logx.String("job", job.ID),
		logx.String("status", res.Status),
		logx.Int64("duration_ms", durMs),
	)
	return entry
}

// finalize clears the claim, updates run-tracking state and computes the next
// fire time per the post-run rules:
//   - one-shot jobs always disable; delete only on deleteAfterRun + ok
//   - recurring jobs on error: next = max(natural, now + backoff)
//   - recurring cron jobs on success: floored minCronRefireGap after now
func (s *Scheduler) finalize(job Job, res RunResult, startedMs, durMs int64) RunEntry {
	now := s.now().UnixMilli()
	var nextForLog int64

	err := s.store.Mutate(job.ScopeID, func(jobs *[]Job) (bool, error) {
		idx := findJob(*jobs, job.ID)
		if idx < 0 {
			// Deleted mid-run; nothing to update.
			return false, nil
		}
		j := &(*jobs)[idx]

		j.State.RunningAtMs = 0
		j.State.LastRunAtMs = startedMs
		j.State.LastDurationMs = durMs
		j.State.LastStatus = res.Status
		j.State.LastError = res.Err
		if res.Status == StatusError {
			j.State.ConsecutiveErrors++
		} else {
			j.State.ConsecutiveErrors = 0
		}
		j.UpdatedAtMs = now

		if j.Schedule.Kind == ScheduleAt {
			j.Enabled = false
			j.State.NextRunAtMs = 0
			if j.DeleteAfterRun && res.Status == StatusOK {
				*jobs = append((*jobs)[:idx], (*jobs)[idx+1:]...)
			}
			return true, nil
		}

		next := NextRun(j.Schedule, now)
		if next != 0 {
			switch {
			case res.Status == StatusError:
				if floor := now + backoffFor(j.State.ConsecutiveErrors).Milliseconds(); floor > next {
					next = floor
				}
			case j.Schedule.Kind == ScheduleCron:
				if floor := now + minCronRefireGap.Milliseconds(); floor > next {
					next = floor
				}
			}
		}
		if !j.Enabled {
			next = 0
		}
		j.State.NextRunAtMs = next
		nextForLog = next
		return true, nil
	})
	if err != nil {
		s.log.Warn("job finalize failed", logx.String("scope", job.ScopeID), logx.String("job", job.ID), logx.Err(err))
	}

	return RunEntry{
		AtMs:        now,
		JobID:       job.ID,
		ScopeID:     job.ScopeID,
		Status:      res.Status,
		Error:       res.Err,
		Summary:     res.Summary,
		StartedAtMs: startedMs,
		DurationMs:  durMs,
		NextRunAtMs: nextForLog,
	}
}

// releaseClaim clears a claim taken by this tick that was never executed
// (shutdown between claim and run).
func (s *Scheduler) releaseClaim(job Job) {
	err := s.store.Mutate(job.ScopeID, func(jobs *[]Job) (bool, error) {
		idx := findJob(*jobs, job.ID)
		if idx < 0 {
			return false, nil
		}
		j := &(*jobs)[idx]
		if j.State.RunningAtMs == 0 {
			return false, nil
		}
		j.State.RunningAtMs = 0
		return true, nil
	})
	if err != nil {
		s.log.Warn("claim release failed", logx.String("scope", job.ScopeID), logx.String("job", job.ID), logx.Err(err))
	}
}

// RunNow bypasses the schedule but still respects the single-execution
// claim: a live claim yields ErrAlreadyRunning instead of a second run.
// The run funnels through the same finalize and run-log path as scheduled
// runs.
func (s *Scheduler) RunNow(ctx context.Context, scopeID, id string) (RunEntry, error) {
	now := s.now().UnixMilli()
	var (
		job     Job
		found   bool
		running bool
	)
	err := s.store.Mutate(scopeID, func(jobs *[]Job) (bool, error) {
		idx := findJob(*jobs, id)
		if idx < 0 {
			return false, nil
		}
		found = true
		j := &(*jobs)[idx]
		if j.State.RunningAtMs != 0 {
			running = true
			return false, nil
		}
		j.State.RunningAtMs = now
		j.State.LastError = ""
		j.UpdatedAtMs = now
		job = *j
		return true, nil
	})
	if err != nil {
		return RunEntry{}, err
	}
	if !found {
		return RunEntry{}, ErrJobNotFound
	}
	if running {
		return RunEntry{}, ErrAlreadyRunning
	}

	entry := s.runClaimed(ctx, job)
	s.Kick()
	return entry, nil
}

func findJob(jobs []Job, id string) int {
	for i := range jobs {
		if jobs[i].ID == id {
			return i
		}
	}
	return -1
}
