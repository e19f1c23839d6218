package cron

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	logx "tickbot/pkg/logx"
)

// ScopeDirs resolves scope ids to their metadata directories. The global
// sentinel scope always exists.
type ScopeDirs interface {
	// Dir returns the metadata directory for a scope, creating it if needed.
	Dir(scopeID string) (string, error)
	// Exists reports whether the scope is known.
	Exists(scopeID string) bool
	// List enumerates all known scope ids, the global sentinel included.
	List() ([]string, error)
}

const jobsFileName = "jobs.json"

// storeFile is the on-disk shape of a scope's job store. Jobs are kept as
// raw messages on load so one malformed record doesn't poison the rest.
type storeFile struct {
	Version int               `json:"version"`
	Jobs    []json.RawMessage `json:"jobs"`
}

// Store is the per-scope JSON file persistence layer for jobs.
//
// Every access for a given scope runs under that scope's path lock, so the
// background loop and synchronous API calls never interleave on one file.
type Store struct {
	dirs  ScopeDirs
	locks *pathLocks
	log   logx.Logger
}

func NewStore(dirs ScopeDirs, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{dirs: dirs, locks: newPathLocks(), log: log}
}

// Load returns the sanitized job list for a scope. Sanitation fixes are
// persisted immediately so the next reader sees a clean file.
func (s *Store) Load(scopeID string) ([]Job, error) {
	var out []Job
	err := s.Mutate(scopeID, func(jobs *[]Job) (bool, error) {
		out = append([]Job(nil), *jobs...)
		return false, nil
	})
	return out, err
}

// Mutate runs fn against the sanitized job list under the scope's store lock
// and persists the result when fn reports a change (or when sanitation
// already changed something).
func (s *Store) Mutate(scopeID string, fn func(jobs *[]Job) (changed bool, err error)) error {
	dir, err := s.dirs.Dir(scopeID)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, jobsFileName)

	unlock := s.locks.Acquire(path)
	defer unlock()

	jobs, healed := s.loadLocked(scopeID, path)

	changed, err := fn(&jobs)
	if err != nil {
		// fn failed; still persist sanitation fixes so self-healing is not
		// lost on read-only access paths.
		if healed {
			if werr := s.saveLocked(path, jobs); werr != nil {
				s.log.Warn("job store self-heal write failed", logx.String("scope", scopeID), logx.Err(werr))
			}
		}
		return err
	}
	if changed || healed {
		return s.saveLocked(path, jobs)
	}
	return nil
}

// loadLocked reads and sanitizes a scope's store file. Call with the path
// lock held. The bool result reports whether sanitation changed anything.
func (s *Store) loadLocked(scopeID, path string) ([]Job, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("job store unreadable; starting empty", logx.String("scope", scopeID), logx.Err(err))
		}
		return nil, false
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.log.Warn("job store corrupt; starting empty", logx.String("scope", scopeID), logx.Err(err))
		// Treat as empty; the next mutation rewrites the file.
		return nil, true
	}

	jobs := make([]Job, 0, len(file.Jobs))
	healed := false
	for _, raw := range file.Jobs {
		var j Job
		if err := json.Unmarshal(raw, &j); err != nil {
			s.log.Warn("dropping malformed job record", logx.String("scope", scopeID), logx.Err(err))
			healed = true
			continue
		}
		jobs = append(jobs, j)
	}

	if sanitizeJobs(scopeID, &jobs, nowMs(), s.log) {
		healed = true
	}
	return jobs, healed
}

func (s *Store) saveLocked(path string, jobs []Job) error {
	raws := make([]json.RawMessage, 0, len(jobs))
	for _, j := range jobs {
		b, err := json.Marshal(j)
		if err != nil {
			return err
		}
		raws = append(raws, b)
	}
	data, err := json.MarshalIndent(storeFile{Version: 1, Jobs: raws}, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// Atomic replace: a crash mid-write leaves the old file intact.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// sanitizeJobs is the self-healing pass run on every load:
//   - drop structurally invalid jobs (missing id, unknown schedule kind,
//     payload with neither kind nor message)
//   - drop duplicate ids (first wins)
//   - backfill scope id, timestamps and every-anchors
//   - clear stale nextRunAtMs on disabled jobs
//   - recompute missing nextRunAtMs on enabled jobs
//   - release running claims older than the stuck-run threshold
func sanitizeJobs(scopeID string, jobs *[]Job, now int64, log logx.Logger) bool {
	changed := false
	seen := make(map[string]bool, len(*jobs))
	kept := (*jobs)[:0]

	for _, j := range *jobs {
		if j.ID == "" {
			log.Warn("dropping job without id", logx.String("scope", scopeID))
			changed = true
			continue
		}
		switch j.Schedule.Kind {
		case ScheduleAt, ScheduleEvery, ScheduleCron:
		default:
			log.Warn("dropping job with unknown schedule kind", logx.String("scope", scopeID), logx.String("job", j.ID), logx.String("kind", j.Schedule.Kind))
			changed = true
			continue
		}
		if j.Payload.Kind == "" {
			if j.Payload.Message == "" {
				log.Warn("dropping job with empty payload", logx.String("scope", scopeID), logx.String("job", j.ID))
				changed = true
				continue
			}
			j.Payload.Kind = PayloadAgentTurn
			changed = true
		}
		if seen[j.ID] {
			log.Warn("dropping duplicate job id", logx.String("scope", scopeID), logx.String("job", j.ID))
			changed = true
			continue
		}
		seen[j.ID] = true

		if j.ScopeID != scopeID {
			j.ScopeID = scopeID
			changed = true
		}
		if j.CreatedAtMs <= 0 {
			j.CreatedAtMs = now
			changed = true
		}
		if j.UpdatedAtMs <= 0 {
			j.UpdatedAtMs = j.CreatedAtMs
			changed = true
		}
		if j.Schedule.Kind == ScheduleEvery && j.Schedule.AnchorMs <= 0 {
			j.Schedule.AnchorMs = j.CreatedAtMs
			changed = true
		}

		if !j.Enabled && j.State.NextRunAtMs != 0 {
			j.State.NextRunAtMs = 0
			changed = true
		}
		if j.Enabled && j.State.NextRunAtMs == 0 && j.State.RunningAtMs == 0 {
			if next := NextRun(j.Schedule, now); next != 0 {
				j.State.NextRunAtMs = next
				changed = true
			}
		}
		if j.State.RunningAtMs != 0 && now-j.State.RunningAtMs > stuckRunAfter.Milliseconds() {
			log.Warn("releasing stuck running claim", logx.String("scope", scopeID), logx.String("job", j.ID), logx.Int64("claimed_at_ms", j.State.RunningAtMs))
			j.State.RunningAtMs = 0
			changed = true
		}

		kept = append(kept, j)
	}

	*jobs = kept
	return changed
}
