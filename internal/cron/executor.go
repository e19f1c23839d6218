package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	logx "tickbot/pkg/logx"
)

// AgentRunner is the external conversational execution engine.
type AgentRunner interface {
	RunTurn(ctx context.Context, chatID, message, scopeID, currentPath string) (string, error)
}

// ChatStore resolves and extends the conversation a job accumulates into.
type ChatStore interface {
	Ensure(scopeID, chatID, title string) error
	Append(scopeID, chatID, role, text string) error
}

// Deliverer posts a run result to an external messaging channel. It is
// responsible for respecting the channel's length limit.
type Deliverer interface {
	Send(ctx context.Context, chatID int64, text string) error
}

const deliveryTimeout = 30 * time.Second

// maxSummaryLen bounds the run-log summary; the full agent output still goes
// to the chat transcript and to delivery.
const maxSummaryLen = 500

// AgentExecutor executes agent_turn payloads: it resolves the job's chat,
// invokes the agent under the payload timeout, and optionally delivers the
// outcome to Telegram. A delivery failure upgrades the run result to an
// error so persisted status reflects end-to-end completion.
type AgentExecutor struct {
	runner  AgentRunner
	chats   ChatStore
	deliver Deliverer // nil when no bot credential is configured
	log     logx.Logger

	// timeoutMs is the default per-turn deadline; adjustable at runtime
	// from config reloads. Per-job overrides still win.
	timeoutMs atomic.Int64
}

func NewAgentExecutor(runner AgentRunner, chats ChatStore, deliver Deliverer, log logx.Logger) *AgentExecutor {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &AgentExecutor{runner: runner, chats: chats, deliver: deliver, log: log}
	e.timeoutMs.Store(defaultTurnTimeout.Milliseconds())
	return e
}

// SetDefaultTurnTimeout adjusts the default per-turn deadline. Non-positive
// values restore the built-in default.
func (e *AgentExecutor) SetDefaultTurnTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultTurnTimeout
	}
	e.timeoutMs.Store(d.Milliseconds())
}

func (e *AgentExecutor) Execute(ctx context.Context, job Job) RunResult {
	if job.Payload.Kind != PayloadAgentTurn {
		// Unknown kinds are data from a newer version; skip, don't fail.
		return RunResult{
			Status:  StatusSkipped,
			Summary: fmt.Sprintf("unsupported payload kind %q", job.Payload.Kind),
		}
	}

	res := e.runTurn(ctx, job)

	if job.Payload.TelegramChatID != 0 {
		if err := e.deliverResult(ctx, job, res); err != nil {
			msg := "delivery failed: " + err.Error()
			if res.Status == StatusError && res.Err != "" {
				res.Err += "; " + msg
			} else {
				res.Err = msg
			}
			res.Status = StatusError
		}
	}
	return res
}

func (e *AgentExecutor) runTurn(ctx context.Context, job Job) RunResult {
	chatID := strings.TrimSpace(job.Payload.ChatID)
	if chatID == "" {
		// Deterministic per-job chat so repeated runs accumulate into one
		// conversation by default.
		chatID = "cron:" + job.ID
	}
	if err := e.chats.Ensure(job.ScopeID, chatID, job.Name); err != nil {
		return RunResult{Status: StatusError, Err: "chat setup failed: " + err.Error()}
	}
	if err := e.chats.Append(job.ScopeID, chatID, "user", job.Payload.Message); err != nil {
		e.log.Warn("chat transcript append failed", logx.String("chat", chatID), logx.Err(err))
	}

	runCtx := ctx
	timeout := e.resolveTurnTimeout(job.Payload.TimeoutSeconds)
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	text, err := e.runner.RunTurn(runCtx, chatID, job.Payload.Message, job.ScopeID, job.Payload.CurrentPath)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return RunResult{Status: StatusError, Err: fmt.Sprintf("agent turn timed out after %s", timeout)}
		}
		return RunResult{Status: StatusError, Err: err.Error()}
	}

	if strings.TrimSpace(text) == "" {
		return RunResult{Status: StatusSkipped, Summary: "agent returned no output"}
	}

	if err := e.chats.Append(job.ScopeID, chatID, "assistant", text); err != nil {
		e.log.Warn("chat transcript append failed", logx.String("chat", chatID), logx.Err(err))
	}
	return RunResult{Status: StatusOK, Summary: truncate(text, maxSummaryLen), Output: text}
}

func (e *AgentExecutor) deliverResult(ctx context.Context, job Job, res RunResult) error {
	if e.deliver == nil {
		return errors.New("telegram delivery requested but no bot token is configured")
	}

	var text string
	switch res.Status {
	case StatusOK:
		text = res.Output
	case StatusSkipped:
		text = fmt.Sprintf("job %q ran but produced no output", job.Name)
	default:
		text = fmt.Sprintf("job %q failed: %s", job.Name, res.Err)
	}

	dctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	return e.deliver.Send(dctx, job.Payload.TelegramChatID, text)
}

// resolveTurnTimeout maps the payload override onto a concrete timeout:
// nil means the default, zero or negative disables the bound entirely.
func (e *AgentExecutor) resolveTurnTimeout(override *int) time.Duration {
	if override == nil {
		return time.Duration(e.timeoutMs.Load()) * time.Millisecond
	}
	if *override <= 0 {
		return 0
	}
	return time.Duration(*override) * time.Second
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
