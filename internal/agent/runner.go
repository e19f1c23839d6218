package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "tickbot/pkg/logx"
)

// Config points at the conversational agent endpoint.
type Config struct {
	URL   string
	Token string
}

// turnRequest is the wire shape posted to the agent for one turn.
type turnRequest struct {
	ChatID      string `json:"chatId"`
	Message     string `json:"message"`
	ScopeID     string `json:"scopeId"`
	CurrentPath string `json:"currentPath,omitempty"`
}

// turnResponse tolerates the common field names agent backends use for the
// reply text.
type turnResponse struct {
	Text   string `json:"text"`
	Output string `json:"output"`
	Reply  string `json:"reply"`
	Error  string `json:"error"`
}

// HTTPRunner invokes the agent over HTTP. The per-turn deadline arrives via
// the context; the client itself carries no timeout so long turns are
// governed by the caller alone.
type HTTPRunner struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

func NewHTTPRunner(cfg Config, log logx.Logger) (*HTTPRunner, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("agent.url is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPRunner{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        4,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		log: log,
	}, nil
}

// RunTurn posts one turn and returns the agent's reply text.
func (r *HTTPRunner) RunTurn(ctx context.Context, chatID, message, scopeID, currentPath string) (string, error) {
	body, err := json.Marshal(turnRequest{
		ChatID:      chatID,
		Message:     message,
		ScopeID:     scopeID,
		CurrentPath: currentPath,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	}

	started := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		// Unwrap url.Error so deadline errors keep their identity upstream.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}

	r.log.Debug("agent turn completed",
		logx.String("chat", chatID),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(started)),
	)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agent returned %s: %s", resp.Status, excerpt(data, 200))
	}

	var tr turnResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		// A plain-text backend is acceptable.
		return strings.TrimSpace(string(data)), nil
	}
	if tr.Error != "" {
		return "", errors.New(tr.Error)
	}
	for _, text := range []string{tr.Text, tr.Output, tr.Reply} {
		if strings.TrimSpace(text) != "" {
			return text, nil
		}
	}
	return "", nil
}

func excerpt(b []byte, maxLen int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	return s
}
