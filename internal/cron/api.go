package cron

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"tickbot/internal/eventbus"
	logx "tickbot/pkg/logx"
)

// AuditSink records lifecycle mutations. Implementations must be best-effort
// and non-blocking; a failed audit write never fails the mutation.
type AuditSink interface {
	JobAction(scopeID, jobID, action string, ok bool, detail string)
}

// CreateInput is the canonical job-creation shape.
type CreateInput struct {
	Name           string
	Description    string
	Enabled        *bool
	DeleteAfterRun *bool
	Schedule       Schedule
	Payload        Payload
}

// PatchInput merges only the supplied fields into an existing job.
type PatchInput struct {
	Name           *string
	Description    *string
	Enabled        *bool
	DeleteAfterRun *bool
	Schedule       *Schedule
	Payload        *Payload
}

// ScopeStatus is a read-only projection over one scope's store.
type ScopeStatus struct {
	ScopeID     string     `json:"scopeId"`
	Jobs        int        `json:"jobs"`
	EnabledJobs int        `json:"enabledJobs"`
	RunningJobs int        `json:"runningJobs"`
	NextRunAtMs int64      `json:"nextRunAtMs,omitempty"`
	RecentRuns  []RunEntry `json:"recentRuns,omitempty"`
}

// statusRunTail bounds the per-job history sampled into ScopeStatus.
const statusRunTail = 3

// Service is the job lifecycle API consumed by the HTTP/CLI layer and by the
// agent's cron tool (through the tolerant input adapter).
type Service struct {
	store *Store
	runs  *RunLog
	sched *Scheduler
	dirs  ScopeDirs
	bus   eventbus.Bus
	audit AuditSink // optional
	log   logx.Logger
}

func NewService(store *Store, runs *RunLog, sched *Scheduler, dirs ScopeDirs, bus eventbus.Bus, audit AuditSink, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, runs: runs, sched: sched, dirs: dirs, bus: bus, audit: audit, log: log}
}

func (s *Service) checkScope(scopeID string) error {
	if !s.dirs.Exists(scopeID) {
		return fmt.Errorf("%w: %q", ErrScopeNotFound, scopeID)
	}
	return nil
}

// List returns the scope's jobs sorted by next run time (jobs without a next
// run sort last). Disabled jobs are included only when requested.
func (s *Service) List(scopeID string, includeDisabled bool) ([]Job, error) {
	if err := s.checkScope(scopeID); err != nil {
		return nil, err
	}
	jobs, err := s.store.Load(scopeID)
	if err != nil {
		return nil, err
	}
	if !includeDisabled {
		kept := jobs[:0]
		for _, j := range jobs {
			if j.Enabled {
				kept = append(kept, j)
			}
		}
		jobs = kept
	}
	sort.SliceStable(jobs, func(i, k int) bool {
		a, b := jobs[i].State.NextRunAtMs, jobs[k].State.NextRunAtMs
		if a == 0 {
			return false
		}
		if b == 0 {
			return true
		}
		return a < b
	})
	return jobs, nil
}

func (s *Service) Get(scopeID, id string) (Job, error) {
	if err := s.checkScope(scopeID); err != nil {
		return Job{}, err
	}
	jobs, err := s.store.Load(scopeID)
	if err != nil {
		return Job{}, err
	}
	if idx := findJob(jobs, id); idx >= 0 {
		return jobs[idx], nil
	}
	return Job{}, fmt.Errorf("%w: %q", ErrJobNotFound, id)
}

// Add validates and persists a new job, computes its initial next-run time
// and wakes the scheduler.
func (s *Service) Add(scopeID string, in CreateInput) (Job, error) {
	if err := s.checkScope(scopeID); err != nil {
		return Job{}, err
	}
	if strings.TrimSpace(in.Name) == "" {
		return Job{}, validationf("name is required")
	}
	if err := ValidateSchedule(in.Schedule); err != nil {
		return Job{}, err
	}
	payload := in.Payload
	if err := validatePayload(&payload); err != nil {
		return Job{}, err
	}

	now := nowMs()
	schedule := in.Schedule
	if schedule.Kind == ScheduleEvery && schedule.AnchorMs <= 0 {
		schedule.AnchorMs = now
	}

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	// One-shot jobs default to self-cleanup after a successful run.
	deleteAfterRun := schedule.Kind == ScheduleAt
	if in.DeleteAfterRun != nil {
		deleteAfterRun = *in.DeleteAfterRun
	}

	job := Job{
		ID:             uuid.NewString()[:8],
		ScopeID:        scopeID,
		Name:           strings.TrimSpace(in.Name),
		Description:    strings.TrimSpace(in.Description),
		Enabled:        enabled,
		DeleteAfterRun: deleteAfterRun,
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
		Schedule:       schedule,
		Payload:        payload,
	}
	if enabled {
		job.State.NextRunAtMs = NextRun(schedule, now)
	}

	err := s.store.Mutate(scopeID, func(jobs *[]Job) (bool, error) {
		*jobs = append(*jobs, job)
		return true, nil
	})
	if err != nil {
		s.recordAudit(scopeID, job.ID, "create", false, err.Error())
		return Job{}, err
	}

	s.afterMutation(scopeID, job.ID, "create")
	return job, nil
}

// Update merges the supplied fields into the job. Re-validates schedule and
// payload when present; disabling clears the running claim immediately even
// if a run is in flight.
func (s *Service) Update(scopeID, id string, p PatchInput) (Job, error) {
	if err := s.checkScope(scopeID); err != nil {
		return Job{}, err
	}
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return Job{}, validationf("name cannot be empty")
	}
	if p.Schedule != nil {
		if err := ValidateSchedule(*p.Schedule); err != nil {
			return Job{}, err
		}
	}
	if p.Payload != nil {
		if err := validatePayload(p.Payload); err != nil {
			return Job{}, err
		}
	}

	now := nowMs()
	var updated Job
	err := s.store.Mutate(scopeID, func(jobs *[]Job) (bool, error) {
		idx := findJob(*jobs, id)
		if idx < 0 {
			return false, fmt.Errorf("%w: %q", ErrJobNotFound, id)
		}
		j := &(*jobs)[idx]

		if p.Name != nil {
			j.Name = strings.TrimSpace(*p.Name)
		}
		if p.Description != nil {
			j.Description = strings.TrimSpace(*p.Description)
		}
		if p.DeleteAfterRun != nil {
			j.DeleteAfterRun = *p.DeleteAfterRun
		}
		if p.Schedule != nil {
			sched := *p.Schedule
			if sched.Kind == ScheduleEvery && sched.AnchorMs <= 0 {
				sched.AnchorMs = now
			}
			j.Schedule = sched
			j.State.NextRunAtMs = 0
		}
		if p.Payload != nil {
			j.Payload = *p.Payload
		}
		if p.Enabled != nil {
			j.Enabled = *p.Enabled
			if !j.Enabled {
				j.State.NextRunAtMs = 0
				// Known hazard: this also releases a live claim, so a quick
				// re-enable could let a second run start before the first
				// finishes. Preserved behavior.
				j.State.RunningAtMs = 0
			}
		}
		if j.Enabled && j.State.NextRunAtMs == 0 {
			j.State.NextRunAtMs = NextRun(j.Schedule, now)
		}
		j.UpdatedAtMs = now
		updated = *j
		return true, nil
	})
	if err != nil {
		s.recordAudit(scopeID, id, "patch", false, err.Error())
		return Job{}, err
	}

	s.afterMutation(scopeID, id, "patch")
	return updated, nil
}

// Remove deletes a job. Idempotent: the bool reports whether it existed.
func (s *Service) Remove(scopeID, id string) (bool, error) {
	if err := s.checkScope(scopeID); err != nil {
		return false, err
	}
	existed := false
	err := s.store.Mutate(scopeID, func(jobs *[]Job) (bool, error) {
		idx := findJob(*jobs, id)
		if idx < 0 {
			return false, nil
		}
		existed = true
		*jobs = append((*jobs)[:idx], (*jobs)[idx+1:]...)
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if existed {
		s.afterMutation(scopeID, id, "remove")
	}
	return existed, nil
}

// RunNow triggers one immediate execution, honoring the running claim.
func (s *Service) RunNow(ctx context.Context, scopeID, id string) (RunEntry, error) {
	if err := s.checkScope(scopeID); err != nil {
		return RunEntry{}, err
	}
	entry, err := s.sched.RunNow(ctx, scopeID, id)
	if err != nil {
		s.recordAudit(scopeID, id, "run_now", false, err.Error())
		return RunEntry{}, err
	}
	s.recordAudit(scopeID, id, "run_now", true, entry.Status)
	return entry, nil
}

func (s *Service) ListRuns(scopeID, id string, limit int) ([]RunEntry, error) {
	if err := s.checkScope(scopeID); err != nil {
		return nil, err
	}
	return s.runs.List(scopeID, id, limit)
}

func (s *Service) Status(scopeID string) (ScopeStatus, error) {
	if err := s.checkScope(scopeID); err != nil {
		return ScopeStatus{}, err
	}
	jobs, err := s.store.Load(scopeID)
	if err != nil {
		return ScopeStatus{}, err
	}
	st := ScopeStatus{ScopeID: scopeID, Jobs: len(jobs)}
	for _, j := range jobs {
		if j.Enabled {
			st.EnabledJobs++
			if n := j.State.NextRunAtMs; n != 0 && (st.NextRunAtMs == 0 || n < st.NextRunAtMs) {
				st.NextRunAtMs = n
			}
		}
		if j.State.RunningAtMs != 0 {
			st.RunningJobs++
		}
		if tail, err := s.runs.List(scopeID, j.ID, statusRunTail); err == nil {
			st.RecentRuns = append(st.RecentRuns, tail...)
		}
	}
	sort.Slice(st.RecentRuns, func(i, k int) bool { return st.RecentRuns[i].AtMs > st.RecentRuns[k].AtMs })
	if len(st.RecentRuns) > statusRunTail {
		st.RecentRuns = st.RecentRuns[:statusRunTail]
	}
	return st, nil
}

func (s *Service) afterMutation(scopeID, jobID, action string) {
	s.recordAudit(scopeID, jobID, action, true, "")
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventJobMutated, Data: JobEvent{
			JobID: jobID, ScopeID: scopeID, Status: action,
		}})
	}
	if s.sched != nil {
		s.sched.Kick()
	}
	s.log.Debug("job mutated", logx.String("scope", scopeID), logx.String("job", jobID), logx.String("action", action))
}

func (s *Service) recordAudit(scopeID, jobID, action string, ok bool, detail string) {
	if s.audit == nil {
		return
	}
	s.audit.JobAction(scopeID, jobID, action, ok, detail)
}

func validatePayload(p *Payload) error {
	if p.Kind == "" {
		p.Kind = PayloadAgentTurn
	}
	if p.Kind != PayloadAgentTurn {
		return validationf("unsupported payload kind %q (only %q can be created)", p.Kind, PayloadAgentTurn)
	}
	if strings.TrimSpace(p.Message) == "" {
		return validationf("payload.message is required: the instruction text the agent should run")
	}
	return nil
}
