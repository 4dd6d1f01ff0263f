package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Schedule is the auto-checkpoint cadence of a session. A cron expression
// takes precedence over the fixed interval.
type Schedule struct {
	Kind       string `json:"kind"`                // "cron" or "interval"
	CronExpr   string `json:"cron_expr,omitempty"` // Cron expression (if kind=cron)
	IntervalMs int64  `json:"interval_ms,omitempty"`
}

// New builds a schedule from a session's checkpoint settings.
func New(interval time.Duration, cronExpr string) (*Schedule, error) {
	cronExpr = strings.TrimSpace(cronExpr)
	if cronExpr != "" {
		if !gronx.New().IsValid(cronExpr) {
			return nil, fmt.Errorf("invalid cron expression: %s", cronExpr)
		}
		return &Schedule{Kind: "cron", CronExpr: cronExpr}, nil
	}
	if interval <= 0 {
		return nil, fmt.Errorf("checkpoint interval must be positive")
	}
	return &Schedule{Kind: "interval", IntervalMs: interval.Milliseconds()}, nil
}

func ParseSchedule(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Next returns the first run strictly after from. ok is false when the
// schedule cannot produce another run.
func (s *Schedule) Next(from time.Time) (next time.Time, ok bool) {
	switch s.Kind {
	case "cron":
		t, err := gronx.NextTickAfter(s.CronExpr, from, false)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case "interval":
		if s.IntervalMs <= 0 {
			return time.Time{}, false
		}
		return from.Add(time.Duration(s.IntervalMs) * time.Millisecond), true
	default:
		return time.Time{}, false
	}
}

// Delay is the wait from now until the next run.
func (s *Schedule) Delay(now time.Time) (time.Duration, bool) {
	next, ok := s.Next(now)
	if !ok {
		return 0, false
	}
	d := next.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// String returns a human-readable description of the schedule.
func (s *Schedule) String() string {
	switch s.Kind {
	case "cron":
		return s.CronExpr
	case "interval":
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0 && d >= time.Minute:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		case d%time.Second == 0:
			return fmt.Sprintf("Every %d seconds", int(d.Seconds()))
		default:
			return "Every " + d.String()
		}
	default:
		return "never"
	}
}

// Validate checks a cron expression without building a schedule.
func Validate(cronExpr string) error {
	if cronExpr == "" {
		return nil
	}
	if !gronx.New().IsValid(cronExpr) {
		return fmt.Errorf("invalid cron expression: %s", cronExpr)
	}
	return nil
}
