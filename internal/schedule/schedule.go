// Package schedule parses and evaluates the recurrence rules of request
// schedules.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

type Schedule struct {
	Kind       string `json:"kind"`                  // "cron", "interval", "once"
	CronExpr   string `json:"cron_expr,omitempty"`   // Cron expression (if kind=cron)
	IntervalMs int64  `json:"interval_ms,omitempty"` // Interval in ms (if kind=interval)
	AtMs       int64  `json:"at_ms,omitempty"`       // Unix ms timestamp (if kind=once)
}

func Parse(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	return &s, nil
}

func (s *Schedule) Validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case KindInterval:
		if s.IntervalMs < 1000 {
			return fmt.Errorf("interval_ms must be at least 1000")
		}
	case KindOnce:
		if s.AtMs <= 0 {
			return fmt.Errorf("at_ms must be positive")
		}
	default:
		return fmt.Errorf("unknown schedule kind: %q", s.Kind)
	}
	return nil
}

// Next returns the first run strictly after now, or nil when the schedule
// will not fire again.
func (s *Schedule) Next(now time.Time) *time.Time {
	var next time.Time
	switch s.Kind {
	case KindCron:
		t, err := gronx.NextTickAfter(s.CronExpr, now, false)
		if err != nil {
			return nil
		}
		next = t
	case KindInterval:
		if s.IntervalMs <= 0 {
			return nil
		}
		next = now.Add(time.Duration(s.IntervalMs) * time.Millisecond)
	case KindOnce:
		t := time.UnixMilli(s.AtMs)
		if !t.After(now) {
			return nil
		}
		next = t
	default:
		return nil
	}
	return &next
}

// NextRun is Next over a schedule JSON string.
func NextRun(scheduleJSON string, now time.Time) *time.Time {
	s, err := Parse(scheduleJSON)
	if err != nil {
		return nil
	}
	return s.Next(now)
}

// FirstRun is the next_run_at assigned when a schedule is created. A one-off
// schedule in the past fires on the next poll.
func FirstRun(scheduleJSON string, now time.Time) *time.Time {
	s, err := Parse(scheduleJSON)
	if err != nil {
		return nil
	}
	if s.Kind == KindOnce {
		t := time.UnixMilli(s.AtMs)
		return &t
	}
	return s.Next(now)
}

// Describe returns a human-readable description of a schedule JSON string.
func Describe(scheduleJSON string) string {
	s, err := Parse(scheduleJSON)
	if err != nil {
		return scheduleJSON
	}

	switch s.Kind {
	case KindCron:
		return "Cron: " + s.CronExpr
	case KindInterval:
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			if h := int(d.Hours()); h != 1 {
				return fmt.Sprintf("Every %d hours", h)
			}
			return "Every hour"
		case d%time.Minute == 0 && d >= time.Minute:
			if m := int(d.Minutes()); m != 1 {
				return fmt.Sprintf("Every %d minutes", m)
			}
			return "Every minute"
		default:
			return fmt.Sprintf("Every %d seconds", int(d.Seconds()))
		}
	case KindOnce:
		return "Once at " + time.UnixMilli(s.AtMs).UTC().Format("Jan 2 15:04 MST")
	default:
		return scheduleJSON
	}
}

// Normalize accepts schedule JSON, a plain cron expression or a Go duration
// ("every 6h" or "6h") and returns validated schedule JSON.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		if err := s.Validate(); err != nil {
			return "", err
		}
		return encode(s)
	}

	if d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(raw, "every"))); err == nil {
		s = Schedule{Kind: KindInterval, IntervalMs: d.Milliseconds()}
		if err := s.Validate(); err != nil {
			return "", err
		}
		return encode(s)
	}

	if !gronx.New().IsValid(raw) {
		return "", fmt.Errorf("invalid schedule: not valid JSON, duration or cron expression: %s", raw)
	}
	return encode(Schedule{Kind: KindCron, CronExpr: raw})
}

func encode(s Schedule) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
