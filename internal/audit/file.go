package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "tickbot/pkg/logx"
)

// fileRecorder appends entries to a JSON Lines file.
type fileRecorder struct {
	log logx.Logger

	mu   sync.Mutex
	file *os.File
}

func openFile(cfg Config, log logx.Logger) (Recorder, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("audit.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileRecorder{log: log, file: f}, nil
}

func (r *fileRecorder) JobAction(scopeID, jobID, action string, ok bool, detail string) {
	e := Entry{
		AtMs:    time.Now().UnixMilli(),
		ScopeID: scopeID,
		JobID:   jobID,
		Action:  action,
		OK:      ok,
		Detail:  detail,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return
	}
	if err := json.NewEncoder(r.file).Encode(e); err != nil {
		r.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

func (r *fileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
