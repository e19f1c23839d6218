package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// cronParser accepts exactly the standard 5 fields (minute hour day-of-month
// month day-of-week), minute granularity. No descriptors, no seconds field.
var cronParser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow,
)

// nextRunHorizon bounds the forward search for a cron match. An expression
// that never matches within this window (e.g. "* * 30 2 *") has no next run.
const nextRunHorizon = 2 * 365 * 24 * time.Hour

// ValidateSchedule checks the exact shape required for each schedule kind.
func ValidateSchedule(s Schedule) error {
	switch s.Kind {
	case ScheduleAt:
		if s.AtMs <= 0 {
			return validationf("schedule kind %q requires atMs (unix epoch milliseconds)", ScheduleAt)
		}
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return validationf("schedule kind %q requires a positive everyMs period", ScheduleEvery)
		}
	case ScheduleCron:
		if strings.TrimSpace(s.Expr) == "" {
			return validationf("schedule kind %q requires a 5-field expr like \"0 9 * * 1-5\"", ScheduleCron)
		}
		if _, err := parseCronExpr(s.Expr); err != nil {
			return validationf("invalid cron expr %q: %v", s.Expr, err)
		}
		if s.Tz != "" {
			if _, err := time.LoadLocation(s.Tz); err != nil {
				return validationf("invalid timezone %q (want an IANA name like \"Europe/Berlin\")", s.Tz)
			}
		}
	case "":
		return validationf("schedule.kind is required (one of %q, %q, %q)", ScheduleAt, ScheduleEvery, ScheduleCron)
	default:
		return validationf("unknown schedule kind %q (want %q, %q or %q)", s.Kind, ScheduleAt, ScheduleEvery, ScheduleCron)
	}
	return nil
}

// NextRun computes the next fire time in unix milliseconds, strictly after
// now. Zero means no next run. Pure; no I/O beyond timezone data.
func NextRun(s Schedule, now int64) int64 {
	switch s.Kind {
	case ScheduleAt:
		// A one-shot whose time has passed does not silently reschedule.
		if s.AtMs > now {
			return s.AtMs
		}
		return 0

	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return 0
		}
		anchor := s.AnchorMs
		if anchor <= 0 {
			// Stored jobs always carry an anchor; this is a safety net for
			// transient in-memory schedules.
			anchor = now
		}
		if now < anchor {
			return anchor
		}
		steps := (now-anchor)/s.EveryMs + 1
		return anchor + steps*s.EveryMs

	case ScheduleCron:
		sched, err := parseCronExpr(s.Expr)
		if err != nil {
			return 0
		}
		loc := time.Local
		if s.Tz != "" {
			l, err := time.LoadLocation(s.Tz)
			if err != nil {
				return 0
			}
			loc = l
		}
		t := time.UnixMilli(now).In(loc)
		next := sched.Next(t)
		if next.IsZero() || next.Sub(t) > nextRunHorizon {
			return 0
		}
		return next.UnixMilli()
	}
	return 0
}

// parseCronExpr validates and parses a standard 5-field cron expression.
// Day-of-week 7 is accepted as an alias for 0 (Sunday), which the underlying
// parser rejects.
func parseCronExpr(expr string) (robfig.Schedule, error) {
	norm, err := normalizeCronExpr(expr)
	if err != nil {
		return nil, err
	}
	return cronParser.Parse(norm)
}

func normalizeCronExpr(expr string) (string, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return "", fmt.Errorf("want exactly 5 fields (minute hour day-of-month month day-of-week), got %d", len(fields))
	}
	fields[4] = normalizeDowField(fields[4])
	return strings.Join(fields, " "), nil
}

// normalizeDowField rewrites day-of-week terms using 7 for Sunday into their
// 0-based equivalents: "7" -> "0", "5-7" -> "5-6,0", "0-7" -> "0-6".
func normalizeDowField(field string) string {
	parts := strings.Split(field, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		body, step := p, ""
		if i := strings.IndexByte(p, '/'); i >= 0 {
			body, step = p[:i], p[i:]
		}

		if body == "7" {
			out = append(out, "0"+step)
			continue
		}

		if lo, hi, ok := strings.Cut(body, "-"); ok && hi == "7" {
			if lo == "7" {
				// 7-7 is Sunday alone, not the whole week.
				out = append(out, "0"+step)
				continue
			}
			if lo == "0" {
				// 0-7 covers the whole week.
				out = append(out, "0-6"+step)
				continue
			}
			out = append(out, lo+"-6"+step)
			if stepReachesSunday(lo, step) {
				out = append(out, "0")
			}
			continue
		}
		if lo, hi, ok := strings.Cut(body, "-"); ok && lo == "7" {
			out = append(out, "0-"+hi+step)
			continue
		}

		out = append(out, p)
	}
	return strings.Join(out, ",")
}

// stepReachesSunday reports whether a stepped range lo-7/step would have
// included day 7 itself. Non-numeric input defaults to true (include Sunday;
// the parser will reject genuinely malformed terms).
func stepReachesSunday(lo, step string) bool {
	if step == "" {
		return true
	}
	l, err1 := strconv.Atoi(lo)
	s, err2 := strconv.Atoi(strings.TrimPrefix(step, "/"))
	if err1 != nil || err2 != nil || s <= 0 {
		return true
	}
	return (7-l)%s == 0
}
