package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tickbot/internal/eventbus"
)

type recordingAudit struct {
	mu      sync.Mutex
	actions []string // "action:jobID:ok"
}

func (r *recordingAudit) JobAction(scopeID, jobID, action string, ok bool, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	suffix := ":ok"
	if !ok {
		suffix = ":fail"
	}
	r.actions = append(r.actions, action+suffix)
}

type serviceFixture struct {
	*schedulerFixture
	svc   *Service
	audit *recordingAudit
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	fx := newSchedulerFixture(t, RunResult{Status: StatusOK, Summary: "done"})
	audit := &recordingAudit{}
	svc := NewService(fx.store, fx.runs, fx.sched, fx.dirs, eventbus.New(), audit, nopLogger())
	return &serviceFixture{schedulerFixture: fx, svc: svc, audit: audit}
}

func validCreate() CreateInput {
	return CreateInput{
		Name:     "daily report",
		Schedule: Schedule{Kind: ScheduleCron, Expr: "0 9 * * 1-5"},
		Payload:  Payload{Message: "write the daily report"},
	}
}

func TestAddValidation(t *testing.T) {
	t.Parallel()
	fx := newServiceFixture(t)

	if _, err := fx.svc.Add("nope", validCreate()); !errors.Is(err, ErrScopeNotFound) {
		t.Fatalf("unknown scope: %v", err)
	}

	in := validCreate()
	in.Name = "  "
	if _, err := fx.svc.Add("global", in); !IsValidation(err) {
		t.Fatalf("blank name: %v", err)
	}

	in = validCreate()
	in.Schedule = Schedule{Kind: "sometimes"}
	if _, err := fx.svc.Add("global", in); !IsValidation(err) {
		t.Fatalf("bad schedule: %v", err)
	}

	in = validCreate()
	in.Payload.Message = ""
	if _, err := fx.svc.Add("global", in); !IsValidation(err) {
		t.Fatalf("empty message: %v", err)
	}

	in = validCreate()
	in.Payload.Kind = "shell_command"
	if _, err := fx.svc.Add("global", in); !IsValidation(err) {
		t.Fatalf("foreign payload kind: %v", err)
	}
}

func TestAddDefaults(t *testing.T) {
	t.Parallel()
	fx := newServiceFixture(t)

	job, err := fx.svc.Add("global", validCreate())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(job.ID) != 8 {
		t.Fatalf("id %q, want 8 chars", job.ID)
	}
	if !job.Enabled {
		t.Fatal("jobs default to enabled")
	}
	if job.DeleteAfterRun {
		t.Fatal("recurring jobs must not default to deleteAfterRun")
	}
	if job.Payload.Kind != PayloadAgentTurn {
		t.Fatalf("payload kind %q not backfilled", job.Payload.Kind)
	}
	if job.State.NextRunAtMs == 0 {
		t.Fatal("initial next run not computed")
	}

	// One-shots self-delete by default.
	oneShot := validCreate()
	oneShot.Schedule = Schedule{Kind: ScheduleAt, AtMs: time.Now().UnixMilli() + time.Hour.Milliseconds()}
	job, err = fx.svc.Add("global", oneShot)
	if err != nil {
		t.Fatalf("Add one-shot: %v", err)
	}
	if !job.DeleteAfterRun {
		t.Fatal("one-shot must default to deleteAfterRun")
	}
}

func TestAddBackfillsEveryAnchor(t *testing.T) {
	t.Parallel()
	fx := newServiceFixture(t)

	in := validCreate()
	in.Schedule = Schedule{Kind: ScheduleEvery, EveryMs: 60_000}
	before := time.Now().UnixMilli()
	job, err := fx.svc.Add("global", in)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if job.Schedule.AnchorMs < before {
		t.Fatalf("anchor %d not backfilled to creation time", job.Schedule.AnchorMs)
	}
}

func TestUpdateMergesFields(t *testing.T) {
	t.Parallel()
	fx := newServiceFixture(t)

	job, err := fx.svc.Add("global", validCreate())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	name := "weekly report"
	got, err := fx.svc.Update("global", job.ID, PatchInput{Name: &name})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Name != "weekly report" {
		t.Fatalf("name = %q", got.Name)
	}
	if got.Schedule.Expr != job.Schedule.Expr {
		t.Fatal("untouched schedule must survive a name patch")
	}
	if got.Payload.Message != job.Payload.Message {
		t.Fatal("untouched payload must survive a name patch")
	}
}

func TestUpdateDisableClearsStateEnableRecomputes(t *testing.T) {
	t.Parallel()
	fx := newServiceFixture(t)

	job, err := fx.svc.Add("global", validCreate())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Simulate a live claim; disabling must clear both claim and next run.
	err = fx.store.Mutate("global", func(jobs *[]Job) (bool, error) {
		(*jobs)[findJob(*jobs, job.ID)].State.RunningAtMs = time.Now().UnixMilli()
		return true, nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	off := false
	got, err := fx.svc.Update("global", job.ID, PatchInput{Enabled: &off})
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if got.State.NextRunAtMs != 0 || got.State.RunningAtMs != 0 {
		t.Fatalf("disable left state %+v", got.State)
	}

	on := true
	got, err = fx.svc.Update("global", job.ID, PatchInput{Enabled: &on})
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if got.State.NextRunAtMs == 0 {
		t.Fatal("enable must recompute next run")
	}
}

func TestUpdateScheduleRecomputesNext(t *testing.T) {
	t.Parallel()
	fx := newServiceFixture(t)

	job, err := fx.svc.Add("global", validCreate())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	oldNext := job.State.NextRunAtMs

	sched := Schedule{Kind: ScheduleEvery, EveryMs: 1000}
	got, err := fx.svc.Update("global", job.ID, PatchInput{Schedule: &sched})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.State.NextRunAtMs == 0 || got.State.NextRunAtMs == oldNext {
		t.Fatalf("next run not recomputed: %d (old %d)", got.State.NextRunAtMs, oldNext)
	}
	if got.Schedule.AnchorMs == 0 {
		t.Fatal("anchor not backfilled on schedule patch")
	}
}

func TestUpdateUnknownJob(t *testing.T) {
	t.Parallel()
	fx := newServiceFixture(t)
	name := "x"
	if _, err := fx.svc.Update("global", "missing1", PatchInput{Name: &name}); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("error = %v, want ErrJobNotFound", err)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()
	fx := newServiceFixture(t)

	job, err := fx.svc.Add("global", validCreate())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	existed, err := fx.svc.Remove("global", job.ID)
	if err != nil || !existed {
		t.Fatalf("first remove: existed=%v err=%v", existed, err)
	}
	existed, err = fx.svc.Remove("global", job.ID)
	if err != nil || existed {
		t.Fatalf("second remove: existed=%v err=%v", existed, err)
	}
}

func TestListSortsAndFilters(t *testing.T) {
	t.Parallel()
	fx := newServiceFixture(t)

	late := validCreate()
	late.Name = "late"
	late.Schedule = Schedule{Kind: ScheduleAt, AtMs: time.Now().UnixMilli() + 2*time.Hour.Milliseconds()}
	early := validCreate()
	early.Name = "early"
	early.Schedule = Schedule{Kind: ScheduleAt, AtMs: time.Now().UnixMilli() + time.Hour.Milliseconds()}
	off := validCreate()
	off.Name = "off"
	disabled := false
	off.Enabled = &disabled

	for _, in := range []CreateInput{late, early, off} {
		if _, err := fx.svc.Add("global", in); err != nil {
			t.Fatalf("Add %s: %v", in.Name, err)
		}
	}

	jobs, err := fx.svc.List("global", false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d enabled jobs, want 2", len(jobs))
	}
	if jobs[0].Name != "early" || jobs[1].Name != "late" {
		t.Fatalf("order = %s, %s", jobs[0].Name, jobs[1].Name)
	}

	all, err := fx.svc.List("global", true)
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d jobs with disabled, want 3", len(all))
	}
	if all[2].Name != "off" {
		t.Fatal("disabled job (no next run) must sort last")
	}
}

func TestServiceRunNow(t *testing.T) {
	t.Parallel()
	fx := newServiceFixture(t)

	job, err := fx.svc.Add("global", validCreate())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	entry, err := fx.svc.RunNow(context.Background(), "global", job.ID)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if entry.Status != StatusOK {
		t.Fatalf("status = %q", entry.Status)
	}

	runs, err := fx.svc.ListRuns("global", job.ID, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns: %v %+v", err, runs)
	}

	st, err := fx.svc.Status("global")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(st.RecentRuns) != 1 || st.RecentRuns[0].JobID != job.ID {
		t.Fatalf("recent runs = %+v", st.RecentRuns)
	}
}

func TestScopeStatus(t *testing.T) {
	t.Parallel()
	fx := newServiceFixture(t)

	if _, err := fx.svc.Add("global", validCreate()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	off := validCreate()
	disabled := false
	off.Enabled = &disabled
	if _, err := fx.svc.Add("global", off); err != nil {
		t.Fatalf("Add disabled: %v", err)
	}

	st, err := fx.svc.Status("global")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Jobs != 2 || st.EnabledJobs != 1 || st.RunningJobs != 0 {
		t.Fatalf("status = %+v", st)
	}
	if st.NextRunAtMs == 0 {
		t.Fatal("next run missing from status")
	}
}

func TestAuditTrailRecordsLifecycle(t *testing.T) {
	t.Parallel()
	fx := newServiceFixture(t)

	job, err := fx.svc.Add("global", validCreate())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	name := "renamed"
	if _, err := fx.svc.Update("global", job.ID, PatchInput{Name: &name}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := fx.svc.Remove("global", job.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	fx.audit.mu.Lock()
	defer fx.audit.mu.Unlock()
	want := []string{"create:ok", "patch:ok", "remove:ok"}
	if len(fx.audit.actions) != len(want) {
		t.Fatalf("audit = %v, want %v", fx.audit.actions, want)
	}
	for i := range want {
		if fx.audit.actions[i] != want[i] {
			t.Fatalf("audit[%d] = %q, want %q", i, fx.audit.actions[i], want[i])
		}
	}
}
