package cron

import (
	"os"
	"path/filepath"
	"testing"

	logx "tickbot/pkg/logx"
)

func nopLogger() logx.Logger { return logx.Nop() }

// testDirs is a minimal in-memory ScopeDirs rooted in a temp directory.
type testDirs struct {
	root   string
	scopes []string
}

func newTestDirs(t *testing.T, scopes ...string) *testDirs {
	t.Helper()
	if len(scopes) == 0 {
		scopes = []string{"global"}
	}
	return &testDirs{root: t.TempDir(), scopes: scopes}
}

func (d *testDirs) Dir(scopeID string) (string, error) {
	p := filepath.Join(d.root, scopeID)
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", err
	}
	return p, nil
}

func (d *testDirs) Exists(scopeID string) bool {
	for _, s := range d.scopes {
		if s == scopeID {
			return true
		}
	}
	return false
}

func (d *testDirs) List() ([]string, error) {
	return d.scopes, nil
}

func testJob(id string, enabled bool, sched Schedule) Job {
	return Job{
		ID:          id,
		ScopeID:     "global",
		Name:        "job-" + id,
		Enabled:     enabled,
		CreatedAtMs: 1,
		UpdatedAtMs: 1,
		Schedule:    sched,
		Payload:     Payload{Kind: PayloadAgentTurn, Message: "do the thing"},
	}
}
