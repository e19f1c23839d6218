package cron

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Tolerant argument adapter for LLM-produced tool calls. Models wrap, rename
// and stringify fields in predictable ways; this layer accepts the common
// variants and converts them to the canonical inputs, or returns a
// validation error precise enough for the model to self-correct.

const createExample = `{"name":"standup","schedule":{"kind":"cron","expr":"0 9 * * 1-5"},"payload":{"message":"post the standup summary"}}`

// wrapperKeys are envelope keys models commonly nest the real arguments under.
var wrapperKeys = []string{"data", "job", "patch", "input", "args", "params"}

// ParseCreateArgs converts a loosely-shaped tool-call argument (a decoded
// JSON object, or a JSON string of one) into a CreateInput. nowMsAt anchors
// relative schedules such as delaySeconds.
func ParseCreateArgs(raw any, nowMsAt int64) (CreateInput, error) {
	m, err := normalizeArgs(raw)
	if err != nil {
		return CreateInput{}, err
	}
	m = unwrapArgs(m)

	var in CreateInput
	in.Name, _ = argString(m, "name", "title")
	in.Description, _ = argString(m, "description", "desc")
	if b, ok := argBool(m, "enabled"); ok {
		in.Enabled = &b
	}
	if b, ok := argBool(m, "deleteAfterRun", "deleteAfter", "oneShot"); ok {
		in.DeleteAfterRun = &b
	}

	sched, err := scheduleFromArgs(m, nowMsAt)
	if err != nil {
		return CreateInput{}, err
	}
	in.Schedule = sched

	payload, err := payloadFromArgs(m, true)
	if err != nil {
		return CreateInput{}, err
	}
	in.Payload = payload

	if strings.TrimSpace(in.Name) == "" {
		// A job without a name is unusable in listings; derive one from the
		// message rather than rejecting.
		in.Name = truncate(strings.TrimSpace(in.Payload.Message), 48)
	}
	return in, nil
}

// ParsePatchArgs converts a loose patch object into a PatchInput. Only keys
// actually present become patch fields; a supplied payload replaces the
// stored payload wholesale.
func ParsePatchArgs(raw any, nowMsAt int64) (PatchInput, error) {
	m, err := normalizeArgs(raw)
	if err != nil {
		return PatchInput{}, err
	}
	m = unwrapArgs(m)

	var p PatchInput
	if s, ok := argString(m, "name", "title"); ok {
		p.Name = &s
	}
	if s, ok := argString(m, "description", "desc"); ok {
		p.Description = &s
	}
	if b, ok := argBool(m, "enabled"); ok {
		p.Enabled = &b
	}
	if b, ok := argBool(m, "deleteAfterRun", "deleteAfter", "oneShot"); ok {
		p.DeleteAfterRun = &b
	}

	if hasScheduleArgs(m) {
		sched, err := scheduleFromArgs(m, nowMsAt)
		if err != nil {
			return PatchInput{}, err
		}
		p.Schedule = &sched
	}
	if hasPayloadArgs(m) {
		payload, err := payloadFromArgs(m, false)
		if err != nil {
			return PatchInput{}, err
		}
		p.Payload = &payload
	}
	return p, nil
}

// normalizeArgs coerces the raw tool-call value into a key-normalized map.
// Keys are lowercased with separators stripped, so deleteAfterRun,
// delete_after_run and Delete-After-Run all land on the same slot.
func normalizeArgs(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, validationf("arguments are missing; expected a JSON object like %s", createExample)
	case map[string]any:
		return normKeys(v), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, validationf("arguments are empty; expected a JSON object like %s", createExample)
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, validationf("arguments are not a JSON object: %v", err)
		}
		return normKeys(m), nil
	case []byte:
		return normalizeArgs(string(v))
	default:
		// Last resort for typed maps/structs.
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, validationf("unsupported argument type %T", raw)
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, validationf("arguments must be a JSON object, got %T", raw)
		}
		return normKeys(m), nil
	}
}

func normKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "_", "")
	return strings.ReplaceAll(k, "-", "")
}

func normKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[normKey(k)] = v
	}
	return out
}

// unwrapArgs descends through envelope keys ({"data": {...}}) up to a few
// levels, stopping as soon as the map carries real content of its own.
func unwrapArgs(m map[string]any) map[string]any {
	for depth := 0; depth < 3; depth++ {
		if hasPayloadArgs(m) || hasScheduleArgs(m) {
			return m
		}
		descended := false
		for _, key := range wrapperKeys {
			inner, ok := argMap(m, key)
			if !ok {
				continue
			}
			m = inner
			descended = true
			break
		}
		if !descended {
			return m
		}
	}
	return m
}

func argMap(m map[string]any, keys ...string) (map[string]any, bool) {
	for _, k := range keys {
		v, ok := m[normKey(k)]
		if !ok {
			continue
		}
		switch inner := v.(type) {
		case map[string]any:
			return normKeys(inner), true
		case string:
			var parsed map[string]any
			if err := json.Unmarshal([]byte(inner), &parsed); err == nil {
				return normKeys(parsed), true
			}
		}
	}
	return nil, false
}

func argString(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := m[normKey(k)]
		if !ok {
			continue
		}
		switch s := v.(type) {
		case string:
			return s, true
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64), true
		case json.Number:
			return s.String(), true
		}
	}
	return "", false
}

func argBool(m map[string]any, keys ...string) (bool, bool) {
	for _, k := range keys {
		v, ok := m[normKey(k)]
		if !ok {
			continue
		}
		switch b := v.(type) {
		case bool:
			return b, true
		case string:
			if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
				return parsed, true
			}
		}
	}
	return false, false
}

func argInt64(m map[string]any, keys ...string) (int64, bool) {
	for _, k := range keys {
		v, ok := m[normKey(k)]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int64(n), true
		case int:
			return int64(n), true
		case int64:
			return n, true
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i, true
			}
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
				return i, true
			}
		}
	}
	return 0, false
}

func hasScheduleArgs(m map[string]any) bool {
	keys := []string{
		"schedule",
		"cron", "cronexpr", "cronexpression", "expr",
		"everyms", "everyseconds", "every", "intervalseconds", "intervalms", "periodseconds", "periodms",
		"at", "atms", "timestamp",
		"delayseconds", "delayms", "runinseconds", "inseconds",
	}
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func hasPayloadArgs(m map[string]any) bool {
	keys := []string{"payload", "message", "text", "prompt", "instruction"}
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// scheduleFromArgs builds a Schedule from either a nested schedule object or
// flattened synonyms. Precedence when several shapes are present: cron, then
// every, then at/delay.
func scheduleFromArgs(m map[string]any, nowMsAt int64) (Schedule, error) {
	if sub, ok := argMap(m, "schedule"); ok {
		kind, _ := argString(sub, "kind", "type")
		merged := sub
		if kind != "" {
			merged["kind"] = kind
		}
		return scheduleFromFlat(merged, nowMsAt, true)
	}
	return scheduleFromFlat(m, nowMsAt, false)
}

func scheduleFromFlat(m map[string]any, nowMsAt int64, nested bool) (Schedule, error) {
	kind, _ := argString(m, "kind")

	if expr, ok := argString(m, "expr", "cron", "cronExpr", "cronExpression"); ok && strings.TrimSpace(expr) != "" && kind != ScheduleAt && kind != ScheduleEvery {
		tz, _ := argString(m, "tz", "timezone")
		return Schedule{Kind: ScheduleCron, Expr: strings.TrimSpace(expr), Tz: strings.TrimSpace(tz)}, nil
	}

	if kind != ScheduleAt && kind != ScheduleCron {
		if ms, ok := argInt64(m, "everyMs", "intervalMs", "periodMs"); ok {
			return everySchedule(m, ms, nowMsAt)
		}
		if sec, ok := argInt64(m, "everySeconds", "intervalSeconds", "periodSeconds", "every", "interval"); ok {
			return everySchedule(m, sec*1000, nowMsAt)
		}
	}

	if kind != ScheduleEvery && kind != ScheduleCron {
		if ms, ok := argInt64(m, "delayMs"); ok {
			return Schedule{Kind: ScheduleAt, AtMs: nowMsAt + ms}, nil
		}
		if sec, ok := argInt64(m, "delaySeconds", "runInSeconds", "inSeconds"); ok {
			return Schedule{Kind: ScheduleAt, AtMs: nowMsAt + sec*1000}, nil
		}
		if at, ok := argTimeMs(m, "atMs", "at", "timestamp"); ok {
			return Schedule{Kind: ScheduleAt, AtMs: at}, nil
		}
	}

	if nested {
		return Schedule{}, validationf("schedule object needs kind %q with atMs, %q with everyMs, or %q with expr; example: %s",
			ScheduleAt, ScheduleEvery, ScheduleCron, createExample)
	}
	return Schedule{}, validationf("no schedule found in keys %s: provide cron (\"0 9 * * 1-5\"), everySeconds, at/atMs, or delaySeconds; example: %s", fmtArgKeys(m), createExample)
}

func everySchedule(m map[string]any, everyMs, nowMsAt int64) (Schedule, error) {
	if everyMs <= 0 {
		return Schedule{}, validationf("interval must be positive, got %dms", everyMs)
	}
	s := Schedule{Kind: ScheduleEvery, EveryMs: everyMs}
	if anchor, ok := argTimeMs(m, "anchorMs", "anchor", "startAt"); ok {
		s.AnchorMs = anchor
	}
	return s, nil
}

// argTimeMs reads an absolute time as epoch milliseconds, epoch seconds
// (heuristic: values below 1e12 predate 2001 as ms, so treat them as
// seconds), or an RFC 3339 string.
func argTimeMs(m map[string]any, keys ...string) (int64, bool) {
	if n, ok := argInt64(m, keys...); ok {
		if n > 0 && n < 1_000_000_000_000 {
			return n * 1000, true
		}
		return n, true
	}
	if s, ok := argString(m, keys...); ok {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(s)); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

// payloadFromArgs assembles the payload from a nested payload object or
// flattened synonyms. requireMessage is set on the create path; patches may
// legitimately update routing fields only.
func payloadFromArgs(m map[string]any, requireMessage bool) (Payload, error) {
	flat := m
	if sub, ok := argMap(m, "payload"); ok {
		flat = sub
	}

	var p Payload
	p.Kind, _ = argString(flat, "kind")
	p.Message, _ = argString(flat, "message", "text", "prompt", "instruction")
	p.ChatID, _ = argString(flat, "chatId", "chat")
	p.CurrentPath, _ = argString(flat, "currentPath", "cwd", "workingDir", "path")
	if id, ok := argInt64(flat, "telegramChatId", "telegramChat", "tgChatId"); ok {
		p.TelegramChatID = id
	}
	if sec, ok := argInt64(flat, "timeoutSeconds", "timeout"); ok {
		v := int(sec)
		p.TimeoutSeconds = &v
	}

	if requireMessage && strings.TrimSpace(p.Message) == "" {
		return Payload{}, validationf("no message found: provide payload.message (or top-level message/text/prompt); example: %s", createExample)
	}
	return p, nil
}

func fmtArgKeys(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%v", keys)
}
