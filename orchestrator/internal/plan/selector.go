// Package plan parses the schedule documents stored as JSON (account
// selector, cadence, random config) into tagged variants. Parsing rejects
// unknown kinds so nothing opaque reaches the executor.
package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrInvalid is wrapped by every parse error in this package.
var ErrInvalid = errors.New("plan: invalid")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Selector kinds.
const (
	SelectIDs      = "ids"
	SelectAll      = "all"
	SelectPlatform = "platform"
	SelectLabels   = "labels"
)

// Selector picks the social accounts a schedule targets.
type Selector struct {
	Kind     string   `json:"kind"`
	IDs      []string `json:"ids,omitempty"`
	Platform string   `json:"platform,omitempty"`
	Labels   []string `json:"labels,omitempty"`
	// MatchAll requires every label instead of any of them.
	MatchAll bool `json:"match_all,omitempty"`
}

type rawSelector struct {
	Kind     *string   `json:"kind"`
	IDs      *[]string `json:"ids"`
	All      *bool     `json:"all"`
	Platform *string   `json:"platform"`
	Labels   *[]string `json:"labels"`
	Match    *string   `json:"match"`
	MatchAll *bool     `json:"match_all"`
}

// ParseSelector accepts either an explicit {"kind": ...} document or the
// shorthand forms {"ids":[...]}, {"all":true}, {"platform":"x"} and
// {"labels":[...], "match":"any|all"}.
func ParseSelector(raw json.RawMessage) (Selector, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Selector{}, invalid("account_selector is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var r rawSelector
	if err := dec.Decode(&r); err != nil {
		return Selector{}, invalid("account_selector: %v", err)
	}

	kind := ""
	if r.Kind != nil {
		kind = strings.ToLower(strings.TrimSpace(*r.Kind))
	} else {
		var kinds []string
		if r.IDs != nil {
			kinds = append(kinds, SelectIDs)
		}
		if r.All != nil {
			kinds = append(kinds, SelectAll)
		}
		if r.Platform != nil {
			kinds = append(kinds, SelectPlatform)
		}
		if r.Labels != nil {
			kinds = append(kinds, SelectLabels)
		}
		switch len(kinds) {
		case 0:
			return Selector{}, invalid("account_selector: no selector kind")
		case 1:
			kind = kinds[0]
		default:
			return Selector{}, invalid("account_selector: ambiguous kinds %v", kinds)
		}
	}

	sel := Selector{Kind: kind}
	switch kind {
	case SelectIDs:
		if r.IDs == nil {
			return Selector{}, invalid("account_selector: ids is empty")
		}
		sel.IDs = cleanList(*r.IDs, false)
		if len(sel.IDs) == 0 {
			return Selector{}, invalid("account_selector: ids is empty")
		}
	case SelectAll:
		if r.All != nil && !*r.All {
			return Selector{}, invalid("account_selector: all must be true")
		}
	case SelectPlatform:
		if r.Platform == nil || strings.TrimSpace(*r.Platform) == "" {
			return Selector{}, invalid("account_selector: platform is empty")
		}
		sel.Platform = strings.ToLower(strings.TrimSpace(*r.Platform))
	case SelectLabels:
		if r.Labels == nil {
			return Selector{}, invalid("account_selector: labels is empty")
		}
		sel.Labels = cleanList(*r.Labels, true)
		if len(sel.Labels) == 0 {
			return Selector{}, invalid("account_selector: labels is empty")
		}
		if r.MatchAll != nil {
			sel.MatchAll = *r.MatchAll
		}
		if r.Match != nil {
			switch strings.ToLower(*r.Match) {
			case "any":
				sel.MatchAll = false
			case "all":
				sel.MatchAll = true
			default:
				return Selector{}, invalid("account_selector: match must be any or all")
			}
		}
	default:
		return Selector{}, invalid("account_selector: unknown kind %q", kind)
	}
	return sel, nil
}

// cleanList trims, drops empties and de-duplicates, keeping first-seen order.
func cleanList(in []string, lower bool) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if lower {
			v = strings.ToLower(v)
		}
		if v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Candidate is the part of a social account a selector looks at.
type Candidate struct {
	ID       string
	Platform string
	Labels   []string
}

// Matches reports whether c is selected.
func (s Selector) Matches(c Candidate) bool {
	switch s.Kind {
	case SelectAll:
		return true
	case SelectIDs:
		return slices.Contains(s.IDs, c.ID)
	case SelectPlatform:
		return strings.EqualFold(s.Platform, c.Platform)
	case SelectLabels:
		have := make(map[string]bool, len(c.Labels))
		for _, l := range c.Labels {
			have[strings.ToLower(strings.TrimSpace(l))] = true
		}
		for _, want := range s.Labels {
			if have[want] && !s.MatchAll {
				return true
			}
			if !have[want] && s.MatchAll {
				return false
			}
		}
		return s.MatchAll
	}
	return false
}

// JSON returns the canonical encoding stored on the schedule.
func (s Selector) JSON() json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}
