package cron

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeRunner struct {
	text string
	err  error

	mu       sync.Mutex
	gotChat  string
	gotMsg   string
	gotScope string
	gotPath  string
	deadline bool
}

func (f *fakeRunner) RunTurn(ctx context.Context, chatID, message, scopeID, currentPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotChat, f.gotMsg, f.gotScope, f.gotPath = chatID, message, scopeID, currentPath
	_, f.deadline = ctx.Deadline()
	return f.text, f.err
}

type fakeChats struct {
	mu      sync.Mutex
	ensured []string
	appends []string // "role:text"
	err     error
}

func (f *fakeChats) Ensure(scopeID, chatID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, chatID)
	return f.err
}

func (f *fakeChats) Append(scopeID, chatID, role, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends = append(f.appends, role+":"+text)
	return nil
}

type fakeDeliverer struct {
	mu     sync.Mutex
	sent   []string
	chatID int64
	err    error
}

func (f *fakeDeliverer) Send(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatID = chatID
	f.sent = append(f.sent, text)
	return f.err
}

func agentJob(msg string) Job {
	j := testJob("exec1234", true, Schedule{Kind: ScheduleEvery, EveryMs: 60_000, AnchorMs: 1})
	j.Payload.Message = msg
	return j
}

func TestExecuteSuccessfulTurn(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{text: "all done"}
	chats := &fakeChats{}
	exec := NewAgentExecutor(runner, chats, nil, nopLogger())

	res := exec.Execute(context.Background(), agentJob("summarize the day"))

	if res.Status != StatusOK {
		t.Fatalf("status = %q, want ok (err %q)", res.Status, res.Err)
	}
	if res.Summary != "all done" || res.Output != "all done" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if runner.gotChat != "cron:exec1234" {
		t.Fatalf("chat id = %q, want derived cron:exec1234", runner.gotChat)
	}
	if runner.gotMsg != "summarize the day" {
		t.Fatalf("message = %q", runner.gotMsg)
	}
	if !runner.deadline {
		t.Fatal("default turn timeout not applied to context")
	}
	if len(chats.appends) != 2 || !strings.HasPrefix(chats.appends[0], "user:") || !strings.HasPrefix(chats.appends[1], "assistant:") {
		t.Fatalf("transcript appends = %v", chats.appends)
	}
}

func TestExecuteUsesExplicitChatID(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{text: "ok"}
	exec := NewAgentExecutor(runner, &fakeChats{}, nil, nopLogger())

	j := agentJob("hello")
	j.Payload.ChatID = "standup-room"
	exec.Execute(context.Background(), j)

	if runner.gotChat != "standup-room" {
		t.Fatalf("chat id = %q, want standup-room", runner.gotChat)
	}
}

func TestExecuteDisabledTimeout(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{text: "ok"}
	exec := NewAgentExecutor(runner, &fakeChats{}, nil, nopLogger())

	zero := 0
	j := agentJob("hello")
	j.Payload.TimeoutSeconds = &zero
	exec.Execute(context.Background(), j)

	if runner.deadline {
		t.Fatal("timeoutSeconds=0 must disable the deadline")
	}
}

func TestExecuteTimeoutMapsToError(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{err: context.DeadlineExceeded}
	exec := NewAgentExecutor(runner, &fakeChats{}, nil, nopLogger())

	res := exec.Execute(context.Background(), agentJob("slow work"))
	if res.Status != StatusError {
		t.Fatalf("status = %q, want error", res.Status)
	}
	if !strings.Contains(res.Err, "timed out") {
		t.Fatalf("err = %q, want timeout message", res.Err)
	}
}

func TestExecuteEmptyOutputIsSkipped(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{text: "   \n"}
	exec := NewAgentExecutor(runner, &fakeChats{}, nil, nopLogger())

	res := exec.Execute(context.Background(), agentJob("noop"))
	if res.Status != StatusSkipped {
		t.Fatalf("status = %q, want skipped", res.Status)
	}
}

func TestExecuteUnknownPayloadKindIsSkipped(t *testing.T) {
	t.Parallel()
	exec := NewAgentExecutor(&fakeRunner{}, &fakeChats{}, nil, nopLogger())

	j := agentJob("x")
	j.Payload.Kind = "shell_command"
	res := exec.Execute(context.Background(), j)
	if res.Status != StatusSkipped {
		t.Fatalf("status = %q, want skipped", res.Status)
	}
	if !strings.Contains(res.Summary, "shell_command") {
		t.Fatalf("summary %q does not name the kind", res.Summary)
	}
}

func TestExecuteDeliversFullOutput(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("a", 2000)
	runner := &fakeRunner{text: long}
	del := &fakeDeliverer{}
	exec := NewAgentExecutor(runner, &fakeChats{}, del, nopLogger())

	j := agentJob("report")
	j.Payload.TelegramChatID = 42
	res := exec.Execute(context.Background(), j)

	if res.Status != StatusOK {
		t.Fatalf("status = %q (err %q)", res.Status, res.Err)
	}
	if len(res.Summary) > maxSummaryLen {
		t.Fatalf("summary length %d exceeds cap", len(res.Summary))
	}
	if del.chatID != 42 || len(del.sent) != 1 || del.sent[0] != long {
		t.Fatal("delivery must carry the full untruncated output")
	}
}

func TestExecuteDeliveryFailureUpgradesResult(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{text: "fine"}
	del := &fakeDeliverer{err: errors.New("telegram 502")}
	exec := NewAgentExecutor(runner, &fakeChats{}, del, nopLogger())

	j := agentJob("report")
	j.Payload.TelegramChatID = 42
	res := exec.Execute(context.Background(), j)

	if res.Status != StatusError {
		t.Fatalf("status = %q, want error after delivery failure", res.Status)
	}
	if !strings.Contains(res.Err, "delivery failed") || !strings.Contains(res.Err, "telegram 502") {
		t.Fatalf("err = %q", res.Err)
	}
}

func TestExecuteDeliveryWithoutDeliverer(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{text: "fine"}
	exec := NewAgentExecutor(runner, &fakeChats{}, nil, nopLogger())

	j := agentJob("report")
	j.Payload.TelegramChatID = 42
	res := exec.Execute(context.Background(), j)

	if res.Status != StatusError {
		t.Fatalf("status = %q, want error", res.Status)
	}
	if !strings.Contains(res.Err, "no bot token") {
		t.Fatalf("err = %q", res.Err)
	}
}

func TestExecuteDeliversFailureNotice(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{err: errors.New("model unavailable")}
	del := &fakeDeliverer{}
	exec := NewAgentExecutor(runner, &fakeChats{}, del, nopLogger())

	j := agentJob("report")
	j.Payload.TelegramChatID = 7
	exec.Execute(context.Background(), j)

	if len(del.sent) != 1 || !strings.Contains(del.sent[0], "failed") {
		t.Fatalf("failure notice not delivered: %v", del.sent)
	}
}

func TestResolveTurnTimeout(t *testing.T) {
	t.Parallel()
	exec := NewAgentExecutor(&fakeRunner{}, &fakeChats{}, nil, nopLogger())

	if got := exec.resolveTurnTimeout(nil); got != defaultTurnTimeout {
		t.Fatalf("nil override: %v", got)
	}
	zero, neg, five := 0, -3, 5
	if got := exec.resolveTurnTimeout(&zero); got != 0 {
		t.Fatalf("zero override: %v", got)
	}
	if got := exec.resolveTurnTimeout(&neg); got != 0 {
		t.Fatalf("negative override: %v", got)
	}
	if got := exec.resolveTurnTimeout(&five); got != 5*time.Second {
		t.Fatalf("five seconds: %v", got)
	}

	exec.SetDefaultTurnTimeout(time.Minute)
	if got := exec.resolveTurnTimeout(nil); got != time.Minute {
		t.Fatalf("tuned default: %v", got)
	}
	exec.SetDefaultTurnTimeout(0)
	if got := exec.resolveTurnTimeout(nil); got != defaultTurnTimeout {
		t.Fatalf("reset default: %v", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("got %q", got)
	}
	got := truncate(strings.Repeat("x", 600), 500)
	if len(got) != 500 || !strings.HasSuffix(got, "...") {
		t.Fatalf("len %d, suffix %q", len(got), got[len(got)-3:])
	}
}
