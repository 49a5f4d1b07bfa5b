package plan

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseSelectorKinds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		kind string
	}{
		{`{"all":true}`, SelectAll},
		{`{"ids":["a","b","a"]}`, SelectIDs},
		{`{"platform":"X"}`, SelectPlatform},
		{`{"labels":["VIP"],"match":"all"}`, SelectLabels},
		{`{"kind":"labels","labels":["a"]}`, SelectLabels},
	}
	for _, tc := range cases {
		sel, err := ParseSelector(json.RawMessage(tc.raw))
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if sel.Kind != tc.kind {
			t.Fatalf("%s: kind = %q, want %q", tc.raw, sel.Kind, tc.kind)
		}
		again, err := ParseSelector(sel.JSON())
		if err != nil || again.Kind != sel.Kind {
			t.Fatalf("%s: canonical form does not reparse: %v", tc.raw, err)
		}
	}
}

func TestParseSelectorRejects(t *testing.T) {
	// WHAT: Empty, unknown and ambiguous selectors are rejected.
	// WHY: Opaque selector maps must never reach fan-out.
	t.Parallel()

	for _, raw := range []string{
		``, `{}`, `{"kind":"random"}`, `{"all":false}`, `{"ids":[]}`,
		`{"ids":["a"],"all":true}`, `{"weird":1}`, `{"labels":["a"],"match":"some"}`,
	} {
		_, err := ParseSelector(json.RawMessage(raw))
		if !errors.Is(err, ErrInvalid) {
			t.Fatalf("%q: expected ErrInvalid, got %v", raw, err)
		}
	}
}

func TestSelectorMatches(t *testing.T) {
	t.Parallel()

	acct := Candidate{ID: "a1", Platform: "x", Labels: []string{"VIP", "eu"}}
	cases := []struct {
		sel  Selector
		want bool
	}{
		{Selector{Kind: SelectAll}, true},
		{Selector{Kind: SelectIDs, IDs: []string{"a2"}}, false},
		{Selector{Kind: SelectIDs, IDs: []string{"a2", "a1"}}, true},
		{Selector{Kind: SelectPlatform, Platform: "x"}, true},
		{Selector{Kind: SelectPlatform, Platform: "threads"}, false},
		{Selector{Kind: SelectLabels, Labels: []string{"vip", "us"}}, true},
		{Selector{Kind: SelectLabels, Labels: []string{"vip", "us"}, MatchAll: true}, false},
		{Selector{Kind: SelectLabels, Labels: []string{"vip", "eu"}, MatchAll: true}, true},
	}
	for i, tc := range cases {
		if got := tc.sel.Matches(acct); got != tc.want {
			t.Fatalf("case %d: Matches = %v, want %v", i, got, tc.want)
		}
	}
}

func TestParseCadence(t *testing.T) {
	t.Parallel()

	c, err := ParseCadence("interval", nil)
	if err != nil || c.EveryMinutes != DefaultEveryMinutes {
		t.Fatalf("interval default: %+v %v", c, err)
	}
	if _, err := ParseCadence("interval", json.RawMessage(`{"every_minutes":2}`)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("interval below minimum must fail, got %v", err)
	}
	c, err = ParseCadence("daily", json.RawMessage(`{}`))
	if err != nil || c.Hour != 9 || c.Minute != 0 {
		t.Fatalf("daily default: %+v %v", c, err)
	}
	if _, err := ParseCadence("daily", json.RawMessage(`{"time_of_day":"25:00"}`)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("bad time_of_day must fail, got %v", err)
	}
	if _, err := ParseCadence("cron", json.RawMessage(`{"expr":"* * *"}`)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("short cron must fail, got %v", err)
	}
	if _, err := ParseCadence("hourly", nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("unknown frequency must fail, got %v", err)
	}
}

func TestCadenceNext(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 10, 30, 20, 0, time.UTC)

	manual, _ := ParseCadence("manual", nil)
	if _, ok := manual.Next(now); ok {
		t.Fatal("manual cadence must not fire")
	}

	interval, _ := ParseCadence("interval", json.RawMessage(`{"every_minutes":15}`))
	if got, _ := interval.Next(now); !got.Equal(time.Date(2026, 3, 10, 10, 45, 0, 0, time.UTC)) {
		t.Fatalf("interval next = %v", got)
	}

	daily, _ := ParseCadence("daily", json.RawMessage(`{"time_of_day":"09:00"}`))
	if got, _ := daily.Next(now); !got.Equal(time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("daily next must roll to tomorrow, got %v", got)
	}

	cron, err := ParseCadence("cron", json.RawMessage(`{"expr":"0 12 * * 1-5"}`))
	if err != nil {
		t.Fatalf("cron: %v", err)
	}
	// 2026-03-13 is a Friday; the next weekday noon after Friday 13:00 is Monday.
	fri := time.Date(2026, 3, 13, 13, 0, 0, 0, time.UTC)
	if got, _ := cron.Next(fri); !got.Equal(time.Date(2026, 3, 16, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("cron next = %v", got)
	}
}

func TestCronNeverFires(t *testing.T) {
	t.Parallel()

	e, err := ParseCron("0 0 31 2 *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := e.Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)); ok {
		t.Fatal("Feb 31 must never fire")
	}
}

func TestCronMatches(t *testing.T) {
	t.Parallel()

	e, err := ParseCron("*/15 9-17 * * 1-5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !e.Matches(time.Date(2026, 2, 16, 9, 30, 0, 0, time.UTC)) {
		t.Fatal("weekday 09:30 must match")
	}
	if e.Matches(time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)) {
		t.Fatal("saturday must not match")
	}
	if e.Matches(time.Date(2026, 2, 16, 9, 31, 0, 0, time.UTC)) {
		t.Fatal("09:31 must not match")
	}
}

func TestRandomDeterministic(t *testing.T) {
	// WHAT: Offset and skip are stable for a schedule and slot.
	// WHY: Jitter must be reproducible in tests and across restarts.
	t.Parallel()

	r, err := ParseRandom(json.RawMessage(`{"offset_minutes_max":30,"skip_probability":0.5}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	slot := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	o1 := r.Offset("sched-1", slot)
	if o1 != r.Offset("sched-1", slot) {
		t.Fatal("offset not deterministic")
	}
	if o1 < 0 || o1 > 30*time.Minute || o1%time.Minute != 0 {
		t.Fatalf("offset out of range: %v", o1)
	}
	if r.Skip("sched-1", slot) != r.Skip("sched-1", slot) {
		t.Fatal("skip not deterministic")
	}

	skips := 0
	for i := 0; i < 200; i++ {
		if r.Skip("sched-1", slot.Add(time.Duration(i)*time.Hour)) {
			skips++
		}
	}
	if skips < 60 || skips > 140 {
		t.Fatalf("skip rate looks wrong: %d/200", skips)
	}
}

func TestRandomBounds(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{`{"offset_minutes_max":721}`, `{"skip_probability":1.5}`, `{"offset_minutes_max":-1}`, `{"jitter":1}`} {
		if _, err := ParseRandom(json.RawMessage(raw)); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", raw, err)
		}
	}
	always := Random{SkipProbability: 1}
	if !always.Skip("s", time.Now()) {
		t.Fatal("probability 1 must always skip")
	}
}

func TestNextRunAddsOffset(t *testing.T) {
	t.Parallel()

	c, _ := ParseCadence("interval", json.RawMessage(`{"every_minutes":60}`))
	r := Random{OffsetMinutesMax: 10}
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	next := NextRun("s", c, r, now)
	if next == nil {
		t.Fatal("interval must produce a next run")
	}
	base := now.Add(time.Hour)
	if next.Before(base) || next.After(base.Add(10*time.Minute)) {
		t.Fatalf("next %v outside [%v, +10m]", next, base)
	}
	if NextRun("s", Cadence{Kind: FreqManual}, r, now) != nil {
		t.Fatal("manual has no next run")
	}
}
