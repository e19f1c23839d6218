// Package audit records job lifecycle mutations (create, patch, remove,
// run_now) so operators can reconstruct who changed what.
//
// Drivers:
//   - "file": dependency-free append-only JSONL
//   - "sqlite": SQLite database file (requires the sqlite build tag)
//
// An empty or "none" driver disables auditing.
package audit

import (
	"errors"
	"strings"
	"time"

	logx "tickbot/pkg/logx"
)

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry is one recorded action. Keep it compact and schema-stable.
type Entry struct {
	AtMs    int64  `json:"atMs"`
	ScopeID string `json:"scopeId"`
	JobID   string `json:"jobId"`
	Action  string `json:"action"`
	OK      bool   `json:"ok"`
	Detail  string `json:"detail,omitempty"`
}

// Recorder is the persistence API. JobAction is best-effort: failures are
// logged by the implementation and never propagate to the mutation path.
type Recorder interface {
	JobAction(scopeID, jobID, action string, ok bool, detail string)
	Close() error
}

// Open initializes the configured recorder. It returns (nil, nil) when
// auditing is disabled.
func Open(cfg Config, log logx.Logger) (Recorder, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown audit driver: " + driver)
	}
}
