package plan

import (
	"bytes"
	"encoding/json"
	"hash/fnv"
	"math/rand/v2"
	"time"
)

// MaxOffsetMinutes caps offset_minutes_max at twelve hours.
const MaxOffsetMinutes = 720

// Random adds jitter to a cadence. Every draw is seeded by schedule id and
// slot so a given slot always gets the same offset and skip decision.
type Random struct {
	OffsetMinutesMax int     `json:"offset_minutes_max"`
	SkipProbability  float64 `json:"skip_probability"`
}

type rawRandom struct {
	OffsetMinutesMax       *int     `json:"offset_minutes_max"`
	RandomOffsetMinutesMax *int     `json:"random_offset_minutes_max"`
	SkipProbability        *float64 `json:"skip_probability"`
}

// ParseRandom validates a random_config document. Empty means no jitter.
func ParseRandom(raw json.RawMessage) (Random, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return Random{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	var r rawRandom
	if err := dec.Decode(&r); err != nil {
		return Random{}, invalid("random_config: %v", err)
	}
	var out Random
	switch {
	case r.OffsetMinutesMax != nil:
		out.OffsetMinutesMax = *r.OffsetMinutesMax
	case r.RandomOffsetMinutesMax != nil:
		out.OffsetMinutesMax = *r.RandomOffsetMinutesMax
	}
	if out.OffsetMinutesMax < 0 || out.OffsetMinutesMax > MaxOffsetMinutes {
		return Random{}, invalid("random_config: offset_minutes_max must be within 0..%d", MaxOffsetMinutes)
	}
	if r.SkipProbability != nil {
		out.SkipProbability = *r.SkipProbability
	}
	if out.SkipProbability < 0 || out.SkipProbability > 1 {
		return Random{}, invalid("random_config: skip_probability must be within 0..1")
	}
	return out, nil
}

// JSON returns the canonical encoding.
func (r Random) JSON() json.RawMessage {
	raw, _ := json.Marshal(r)
	return raw
}

func (r Random) rng(scheduleID, salt string, slot time.Time) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(scheduleID))
	h.Write([]byte{0})
	h.Write([]byte(salt))
	h.Write([]byte{0})
	h.Write([]byte(slot.UTC().Format(time.RFC3339)))
	seed := h.Sum64()
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Offset returns the jitter added to slot, in whole minutes within
// 0..OffsetMinutesMax.
func (r Random) Offset(scheduleID string, slot time.Time) time.Duration {
	if r.OffsetMinutesMax <= 0 {
		return 0
	}
	n := r.rng(scheduleID, "offset", slot).IntN(r.OffsetMinutesMax + 1)
	return time.Duration(n) * time.Minute
}

// Skip reports whether the slot should be skipped.
func (r Random) Skip(scheduleID string, slot time.Time) bool {
	switch {
	case r.SkipProbability <= 0:
		return false
	case r.SkipProbability >= 1:
		return true
	}
	return r.rng(scheduleID, "skip", slot).Float64() < r.SkipProbability
}

// NextRun combines cadence and jitter into the next due time after now, or
// nil when the cadence never fires on its own.
func NextRun(scheduleID string, c Cadence, r Random, now time.Time) *time.Time {
	slot, ok := c.Next(now)
	if !ok {
		return nil
	}
	t := slot.Add(r.Offset(scheduleID, slot))
	return &t
}
