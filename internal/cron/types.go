package cron

import "time"

// Schedule kinds.
const (
	ScheduleAt    = "at"
	ScheduleEvery = "every"
	ScheduleCron  = "cron"
)

// Payload kinds.
const (
	PayloadAgentTurn = "agent_turn"
)

// Run statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

const (
	// stuckRunAfter is how old a running claim must be before the sanitation
	// pass treats it as abandoned by a crashed process and releases it.
	stuckRunAfter = 2 * time.Hour

	// defaultTurnTimeout bounds a single agent turn unless the payload
	// overrides it. A non-positive payload timeoutSeconds disables the bound.
	defaultTurnTimeout = 10 * time.Minute

	// maxIdleDelay caps how long the loop sleeps between ticks even when no
	// job is due, bounding scheduling latency for jobs added by other means.
	maxIdleDelay = 60 * time.Second

	// minCronRefireGap keeps a pathological cron expression from refiring
	// instantly after a run completes.
	minCronRefireGap = 2 * time.Second
)

// errorBackoff is the minimum extra delay applied to a recurring job's next
// run after N consecutive errors (N indexes 1-based; higher counts cap at the
// last entry).
var errorBackoff = []time.Duration{
	30 * time.Second,
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
}

// Schedule is a tagged union discriminated by Kind. Exactly the fields of the
// active kind are meaningful; the rest stay zero and are omitted on disk.
type Schedule struct {
	Kind string `json:"kind"`

	// at
	AtMs int64 `json:"atMs,omitempty"`

	// every: anchor + k*period. AnchorMs is always concrete in stored jobs
	// (backfilled to creation time when omitted by the caller).
	EveryMs  int64 `json:"everyMs,omitempty"`
	AnchorMs int64 `json:"anchorMs,omitempty"`

	// cron: standard 5-field expression, minute granularity, evaluated in Tz
	// (IANA name) or the host timezone when empty.
	Expr string `json:"expr,omitempty"`
	Tz   string `json:"tz,omitempty"`
}

// Payload describes what a job does when it fires. Only agent_turn is
// executable today; unknown kinds are preserved and skipped at run time.
type Payload struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`

	// ChatID routes repeated runs into one conversation. Empty means a
	// deterministic chat derived from the job id.
	ChatID string `json:"chatId,omitempty"`

	// TelegramChatID, when set, requests delivery of the run result.
	TelegramChatID int64 `json:"telegramChatId,omitempty"`

	// CurrentPath is an optional working-directory hint for the agent.
	CurrentPath string `json:"currentPath,omitempty"`

	// TimeoutSeconds overrides the default turn timeout. Nil means default;
	// zero or negative disables the timeout.
	TimeoutSeconds *int `json:"timeoutSeconds,omitempty"`
}

// JobState is the mutable run-tracking state. It is authoritative for
// scheduling decisions; the run log is diagnostic history only.
type JobState struct {
	NextRunAtMs       int64  `json:"nextRunAtMs,omitempty"`
	RunningAtMs       int64  `json:"runningAtMs,omitempty"`
	LastRunAtMs       int64  `json:"lastRunAtMs,omitempty"`
	LastStatus        string `json:"lastStatus,omitempty"`
	LastError         string `json:"lastError,omitempty"`
	LastDurationMs    int64  `json:"lastDurationMs,omitempty"`
	ConsecutiveErrors int    `json:"consecutiveErrors,omitempty"`
}

type Job struct {
	ID          string `json:"id"`
	ScopeID     string `json:"scopeId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`

	// DeleteAfterRun removes a one-shot job after a successful run. A failed
	// one-shot is parked (disabled, retained) for inspection instead.
	DeleteAfterRun bool `json:"deleteAfterRun,omitempty"`

	CreatedAtMs int64 `json:"createdAtMs"`
	UpdatedAtMs int64 `json:"updatedAtMs"`

	Schedule Schedule `json:"schedule"`
	Payload  Payload  `json:"payload"`
	State    JobState `json:"state"`
}

// RunEntry is one immutable run-log record.
type RunEntry struct {
	AtMs        int64  `json:"atMs"`
	JobID       string `json:"jobId"`
	ScopeID     string `json:"scopeId"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	Summary     string `json:"summary,omitempty"`
	StartedAtMs int64  `json:"startedAtMs"`
	DurationMs  int64  `json:"durationMs"`
	NextRunAtMs int64  `json:"nextRunAtMs,omitempty"`
}

// RunResult is the outcome of executing one claimed job. Summary is a
// log-sized excerpt; Output carries the full agent text for delivery.
type RunResult struct {
	Status  string
	Summary string
	Output  string
	Err     string
}

func nowMs() int64 { return time.Now().UnixMilli() }

func backoffFor(consecutiveErrors int) time.Duration {
	if consecutiveErrors <= 0 {
		return 0
	}
	if consecutiveErrors > len(errorBackoff) {
		return errorBackoff[len(errorBackoff)-1]
	}
	return errorBackoff[consecutiveErrors-1]
}
