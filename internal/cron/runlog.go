package cron

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	logx "tickbot/pkg/logx"
)

const (
	runsDirName = "runs"

	// runLogMaxBytes triggers pruning after an append grows the file past it.
	runLogMaxBytes = 1 << 20 // 1 MiB
	// runLogKeepLines is how many newest entries pruning retains.
	runLogKeepLines = 1000
)

// RunLog is the append-only per-job execution history: one JSONL file per
// job under <scope-root>/runs/. It is diagnostic only and never consulted
// for scheduling decisions.
type RunLog struct {
	dirs  ScopeDirs
	locks *pathLocks
	log   logx.Logger
}

func NewRunLog(dirs ScopeDirs, log logx.Logger) *RunLog {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RunLog{dirs: dirs, locks: newPathLocks(), log: log}
}

func (r *RunLog) path(scopeID, jobID string) (string, error) {
	dir, err := r.dirs.Dir(scopeID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, runsDirName, sanitizeFileName(jobID)+".jsonl"), nil
}

// Append writes one entry and prunes the file if it grew past the size cap.
func (r *RunLog) Append(scopeID string, e RunEntry) error {
	path, err := r.path(scopeID, e.JobID)
	if err != nil {
		return err
	}

	unlock := r.locks.Acquire(path)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.Write(append(line, '\n'))
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	if cerr != nil {
		return cerr
	}

	if fi, err := os.Stat(path); err == nil && fi.Size() > runLogMaxBytes {
		if err := pruneRunLogLocked(path, runLogKeepLines); err != nil {
			r.log.Warn("run log prune failed", logx.String("scope", scopeID), logx.String("job", e.JobID), logx.Err(err))
		}
	}
	return nil
}

// List returns up to limit entries in chronological order, newest-biased:
// the file is parsed from the end backward, skipping malformed lines.
func (r *RunLog) List(scopeID, jobID string, limit int) ([]RunEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	path, err := r.path(scopeID, jobID)
	if err != nil {
		return nil, err
	}

	unlock := r.locks.Acquire(path)
	defer unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	lines := bytes.Split(data, []byte{'\n'})
	out := make([]RunEntry, 0, limit)
	for i := len(lines) - 1; i >= 0 && len(out) < limit; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		var e RunEntry
		if err := json.Unmarshal(line, &e); err != nil {
			// Torn or corrupt line; tolerated and skipped.
			continue
		}
		out = append(out, e)
	}

	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// pruneRunLogLocked rewrites the file keeping only the newest keep lines.
// Call with the path lock held.
func pruneRunLogLocked(path string, keep int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte{'\n'})
	if len(lines) > keep {
		lines = lines[len(lines)-keep:]
	}
	var buf bytes.Buffer
	for _, l := range lines {
		if len(bytes.TrimSpace(l)) == 0 {
			continue
		}
		buf.Write(l)
		buf.WriteByte('\n')
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// sanitizeFileName keeps ids filesystem-safe.
func sanitizeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
