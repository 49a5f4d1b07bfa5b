package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cadence kinds, stored in Schedule.frequency.
const (
	FreqManual   = "manual"
	FreqInterval = "interval"
	FreqDaily    = "daily"
	FreqCron     = "cron"
)

// Interval bounds in minutes.
const (
	DefaultEveryMinutes = 60
	MinEveryMinutes     = 5
)

// Cadence says when a schedule fires.
type Cadence struct {
	Kind         string
	EveryMinutes int
	Hour, Minute int
	Cron         CronExpr
}

type rawSpec struct {
	EveryMinutes    *int    `json:"every_minutes"`
	IntervalMinutes *int    `json:"interval_minutes"`
	TimeOfDay       *string `json:"time_of_day"`
	Expr            *string `json:"expr"`
	Cron            *string `json:"cron"`
}

// ParseCadence validates frequency together with its schedule_spec
// document.
func ParseCadence(frequency string, spec json.RawMessage) (Cadence, error) {
	kind := strings.ToLower(strings.TrimSpace(frequency))
	if kind == "" {
		kind = FreqManual
	}
	var r rawSpec
	if len(bytes.TrimSpace(spec)) > 0 && string(bytes.TrimSpace(spec)) != "null" {
		dec := json.NewDecoder(bytes.NewReader(spec))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&r); err != nil {
			return Cadence{}, invalid("schedule_spec: %v", err)
		}
	}

	c := Cadence{Kind: kind}
	switch kind {
	case FreqManual:
	case FreqInterval:
		c.EveryMinutes = DefaultEveryMinutes
		switch {
		case r.EveryMinutes != nil:
			c.EveryMinutes = *r.EveryMinutes
		case r.IntervalMinutes != nil:
			c.EveryMinutes = *r.IntervalMinutes
		}
		if c.EveryMinutes < MinEveryMinutes {
			return Cadence{}, invalid("schedule_spec: every_minutes must be >= %d", MinEveryMinutes)
		}
	case FreqDaily:
		tod := "09:00"
		if r.TimeOfDay != nil {
			tod = *r.TimeOfDay
		}
		h, m, err := parseTimeOfDay(tod)
		if err != nil {
			return Cadence{}, invalid("schedule_spec: %v", err)
		}
		c.Hour, c.Minute = h, m
	case FreqCron:
		expr := ""
		if r.Expr != nil {
			expr = *r.Expr
		} else if r.Cron != nil {
			expr = *r.Cron
		}
		e, err := ParseCron(expr)
		if err != nil {
			return Cadence{}, invalid("schedule_spec: cron: %v", err)
		}
		c.Cron = e
	default:
		return Cadence{}, invalid("frequency: unknown kind %q", frequency)
	}
	return c, nil
}

func parseTimeOfDay(s string) (int, int, error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("time_of_day %q is not HH:MM", s)
	}
	h, err1 := strconv.Atoi(hs)
	m, err2 := strconv.Atoi(ms)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("time_of_day %q is not HH:MM", s)
	}
	return h, m, nil
}

// Next returns the first slot strictly after now. Manual cadences and
// cron expressions that never fire report false.
func (c Cadence) Next(now time.Time) (time.Time, bool) {
	now = now.UTC()
	switch c.Kind {
	case FreqInterval:
		return now.Truncate(time.Minute).Add(time.Duration(c.EveryMinutes) * time.Minute), true
	case FreqDaily:
		t := time.Date(now.Year(), now.Month(), now.Day(), c.Hour, c.Minute, 0, 0, time.UTC)
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t, true
	case FreqCron:
		return c.Cron.Next(now)
	}
	return time.Time{}, false
}

// Spec returns the canonical schedule_spec document.
func (c Cadence) Spec() json.RawMessage {
	var v any
	switch c.Kind {
	case FreqInterval:
		v = map[string]int{"every_minutes": c.EveryMinutes}
	case FreqDaily:
		v = map[string]string{"time_of_day": fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)}
	case FreqCron:
		v = map[string]string{"expr": c.Cron.String()}
	default:
		v = map[string]any{}
	}
	raw, _ := json.Marshal(v)
	return raw
}
