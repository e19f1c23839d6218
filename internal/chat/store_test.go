package chat

import (
	"os"
	"path/filepath"
	"testing"

	logx "tickbot/pkg/logx"
)

type tempDirs struct{ root string }

func (d tempDirs) Dir(scopeID string) (string, error) {
	p := filepath.Join(d.root, scopeID)
	return p, os.MkdirAll(p, 0o755)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(tempDirs{root: t.TempDir()}, logx.Nop())
}

func TestEnsureKeepsOriginalTitle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Ensure("global", "cron:abc", "first title"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := s.Ensure("global", "cron:abc", "second title"); err != nil {
		t.Fatalf("re-Ensure: %v", err)
	}

	title, err := s.Title("global", "cron:abc")
	if err != nil {
		t.Fatalf("Title: %v", err)
	}
	if title != "first title" {
		t.Fatalf("title = %q, want the original", title)
	}
}

func TestAppendAndHistory(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Ensure("global", "cron:abc", "t"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	pairs := []struct{ role, text string }{
		{"user", "run the report"},
		{"assistant", "report done"},
		{"user", "run it again"},
	}
	for _, p := range pairs {
		if err := s.Append("global", "cron:abc", p.role, p.text); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.History("global", "cron:abc", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	for i, p := range pairs {
		if got[i].Role != p.role || got[i].Text != p.text {
			t.Fatalf("message %d = %+v, want %+v", i, got[i], p)
		}
	}

	tail, err := s.History("global", "cron:abc", 2)
	if err != nil {
		t.Fatalf("History limit: %v", err)
	}
	if len(tail) != 2 || tail[0].Text != "report done" {
		t.Fatalf("limited history = %+v", tail)
	}
}

func TestHistoryMissingChat(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	got, err := s.History("global", "nope", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d messages from missing chat", len(got))
	}
}

func TestChatIDSanitized(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	s := NewStore(tempDirs{root: root}, logx.Nop())

	if err := s.Append("global", "../escape", "user", "x"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "global", chatsDirName, ".._escape.jsonl")); err != nil {
		t.Fatalf("sanitized transcript missing: %v", err)
	}
}
