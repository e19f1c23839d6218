package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "tickbot/pkg/logx"
)

const chatsDirName = "chats"

// Dirs resolves a scope id to its metadata directory.
type Dirs interface {
	Dir(scopeID string) (string, error)
}

// Message is one transcript line.
type Message struct {
	AtMs int64  `json:"atMs"`
	Role string `json:"role"`
	Text string `json:"text"`
}

type meta struct {
	Title       string `json:"title,omitempty"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// Store keeps per-chat JSONL transcripts under <scope-root>/chats/. Repeated
// job runs append into the same file, so a chat reads as one continuous
// conversation.
type Store struct {
	dirs Dirs
	log  logx.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(dirs Dirs, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{dirs: dirs, log: log, locks: map[string]*sync.Mutex{}}
}

func (s *Store) lock(path string) func() {
	s.mu.Lock()
	m, ok := s.locks[path]
	if !ok {
		m = &sync.Mutex{}
		s.locks[path] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *Store) paths(scopeID, chatID string) (transcript, metaPath string, err error) {
	dir, err := s.dirs.Dir(scopeID)
	if err != nil {
		return "", "", err
	}
	base := filepath.Join(dir, chatsDirName, sanitizeChatID(chatID))
	return base + ".jsonl", base + ".meta.json", nil
}

// Ensure creates the chat if it does not exist yet. Existing chats keep
// their original title.
func (s *Store) Ensure(scopeID, chatID, title string) error {
	if strings.TrimSpace(chatID) == "" {
		return errors.New("chat id is required")
	}
	transcript, metaPath, err := s.paths(scopeID, chatID)
	if err != nil {
		return err
	}

	unlock := s.lock(transcript)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(transcript), 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(metaPath); err == nil {
		return nil
	}

	m := meta{Title: strings.TrimSpace(title), CreatedAtMs: time.Now().UnixMilli()}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(metaPath, data, 0o644)
}

// Append adds one message to the transcript.
func (s *Store) Append(scopeID, chatID, role, text string) error {
	transcript, _, err := s.paths(scopeID, chatID)
	if err != nil {
		return err
	}

	unlock := s.lock(transcript)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(transcript), 0o755); err != nil {
		return err
	}
	line, err := json.Marshal(Message{AtMs: time.Now().UnixMilli(), Role: role, Text: text})
	if err != nil {
		return err
	}
	f, err := os.OpenFile(transcript, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.Write(append(line, '\n'))
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// History returns up to limit most recent messages in chronological order.
// Malformed lines are skipped.
func (s *Store) History(scopeID, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	transcript, _, err := s.paths(scopeID, chatID)
	if err != nil {
		return nil, err
	}

	unlock := s.lock(transcript)
	defer unlock()

	data, err := os.ReadFile(transcript)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	lines := bytes.Split(data, []byte{'\n'})
	out := make([]Message, 0, limit)
	for i := len(lines) - 1; i >= 0 && len(out) < limit; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Title reads the chat's stored title; empty when the chat has none.
func (s *Store) Title(scopeID, chatID string) (string, error) {
	_, metaPath, err := s.paths(scopeID, chatID)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return "", err
	}
	return m.Title, nil
}

func sanitizeChatID(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
