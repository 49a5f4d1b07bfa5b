package plan

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronExpr is a standard 5-field cron expression evaluated in UTC.
type CronExpr struct {
	src        string
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

// ParseCron parses "minute hour day-of-month month day-of-week". Fields take
// "*", "*/n", "a-b", "a-b/n", single values and comma lists.
func ParseCron(expr string) (CronExpr, error) {
	parts := strings.Fields(strings.TrimSpace(expr))
	if len(parts) != 5 {
		return CronExpr{}, fmt.Errorf("expected 5 fields, got %d", len(parts))
	}
	e := CronExpr{src: strings.Join(parts, " ")}
	specs := []struct {
		name     string
		min, max int
		dst      *cronField
	}{
		{"minute", 0, 59, &e.minute},
		{"hour", 0, 23, &e.hour},
		{"day-of-month", 1, 31, &e.dayOfMonth},
		{"month", 1, 12, &e.month},
		{"day-of-week", 0, 6, &e.dayOfWeek},
	}
	for i, sp := range specs {
		f, err := parseCronField(parts[i], sp.min, sp.max)
		if err != nil {
			return CronExpr{}, fmt.Errorf("invalid %s field: %w", sp.name, err)
		}
		*sp.dst = f
	}
	return e, nil
}

// String returns the normalized expression.
func (e CronExpr) String() string { return e.src }

// Matches reports whether minute t fires. Day-of-month and day-of-week are
// OR-ed when both are restricted, as in Vixie cron.
func (e CronExpr) Matches(t time.Time) bool {
	t = t.UTC()
	if !e.minute.matches(t.Minute()) || !e.hour.matches(t.Hour()) || !e.month.matches(int(t.Month())) {
		return false
	}
	return e.dayMatches(t)
}

func (e CronExpr) dayMatches(t time.Time) bool {
	dom := e.dayOfMonth.matches(t.Day())
	dow := e.dayOfWeek.matches(int(t.Weekday()))
	switch {
	case e.dayOfMonth.any && e.dayOfWeek.any:
		return true
	case e.dayOfMonth.any:
		return dow
	case e.dayOfWeek.any:
		return dom
	default:
		return dom || dow
	}
}

// maxCronScan bounds Next to a little over four years so impossible
// expressions such as "0 0 31 2 *" terminate.
const maxCronScan = 4*366*24*60 + 1

// Next returns the first firing minute strictly after t.
func (e CronExpr) Next(t time.Time) (time.Time, bool) {
	cur := t.UTC().Truncate(time.Minute).Add(time.Minute)
	end := cur.Add(maxCronScan * time.Minute)
	for cur.Before(end) {
		if !e.month.matches(int(cur.Month())) {
			cur = time.Date(cur.Year(), cur.Month()+1, 1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !e.dayMatches(cur) {
			cur = time.Date(cur.Year(), cur.Month(), cur.Day()+1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !e.hour.matches(cur.Hour()) {
			cur = cur.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if e.minute.matches(cur.Minute()) {
			return cur, true
		}
		cur = cur.Add(time.Minute)
	}
	return time.Time{}, false
}

type cronField struct {
	min     int
	max     int
	any     bool
	allowed []bool
}

func (f cronField) matches(v int) bool {
	if v < f.min || v > f.max {
		return false
	}
	return f.allowed[v-f.min]
}

func parseCronField(raw string, min, max int) (cronField, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return cronField{}, fmt.Errorf("empty field")
	}
	field := cronField{min: min, max: max, allowed: make([]bool, max-min+1)}

	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return cronField{}, fmt.Errorf("empty list item")
		}
		step := 1
		if base, s, ok := strings.Cut(part, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return cronField{}, fmt.Errorf("invalid step %q", part)
			}
			step = n
			part = base
		}
		start, end := min, max
		switch {
		case part == "*":
			if step == 1 {
				field.any = true
			}
		case strings.Contains(part, "-"):
			a, b, _ := strings.Cut(part, "-")
			var err error
			if start, err = strconv.Atoi(strings.TrimSpace(a)); err != nil {
				return cronField{}, fmt.Errorf("invalid range start %q", part)
			}
			if end, err = strconv.Atoi(strings.TrimSpace(b)); err != nil {
				return cronField{}, fmt.Errorf("invalid range end %q", part)
			}
			if start > end {
				return cronField{}, fmt.Errorf("range start must be <= range end")
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid value %q", part)
			}
			start, end = v, v
			if step != 1 {
				end = max
			}
		}
		if start < min || end > max {
			return cronField{}, fmt.Errorf("%d-%d out of bounds (%d-%d)", start, end, min, max)
		}
		for v := start; v <= end; v += step {
			field.allowed[v-min] = true
		}
	}
	return field, nil
}
