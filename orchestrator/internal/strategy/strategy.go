// Package strategy validates strategy configs and expands them into the
// ordered action specs an account run executes.
package strategy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/socialpilot/browser"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("strategy: invalid config")

// Strategy types.
const (
	TypeLike           = "x_like"
	TypeRepost         = "x_repost"
	TypeReply          = "x_reply"
	TypeQuote          = "x_quote"
	TypeSearchLike     = "x_search_like"
	TypeSearchRepost   = "x_search_repost"
	TypeSearchReply    = "x_search_reply"
	TypeVerifiedLike   = "x_verified_like"
	TypeVerifiedRepost = "x_verified_repost"
)

// Types lists every accepted strategy type.
var Types = []string{
	TypeLike, TypeRepost, TypeReply, TypeQuote,
	TypeSearchLike, TypeSearchRepost, TypeSearchReply, TypeVerifiedLike, TypeVerifiedRepost,
}

// Search defaults and bounds.
const (
	DefaultMaxCandidates = 20
	DefaultScrollLimit   = 6
	DefaultMaxActions    = 3
	MaxMaxCandidates     = 200
	MaxScrollLimit       = 50
	MaxMaxActions        = 50
	MaxTextLen           = 280
)

// Target is one post addressed by a direct strategy.
type Target struct {
	URL     string `json:"url"`
	TweetID string `json:"tweet_id,omitempty"`
}

// Config is a parsed strategy config.
type Config struct {
	Type             string   `json:"-"`
	Targets          []Target `json:"targets,omitempty"`
	Text             string   `json:"text,omitempty"`
	Query            string   `json:"query,omitempty"`
	Keywords         []string `json:"keywords,omitempty"`
	SearchMode       string   `json:"search_mode,omitempty"`
	MaxCandidates    int      `json:"max_candidates,omitempty"`
	ScrollLimit      int      `json:"scroll_limit,omitempty"`
	MaxActions       int      `json:"max_actions,omitempty"`
	VerifiedOnly     bool     `json:"verified_only,omitempty"`
	RepeatWindowDays int      `json:"repeat_window_days,omitempty"`
	BandwidthMode    string   `json:"bandwidth_mode,omitempty"`
}

type rawConfig struct {
	Type             string            `json:"type"`
	Targets          []json.RawMessage `json:"targets"`
	TargetURLs       []json.RawMessage `json:"target_urls"`
	Text             string            `json:"text"`
	Query            string            `json:"query"`
	Keywords         []string          `json:"keywords"`
	SearchMode       string            `json:"search_mode"`
	MaxCandidates    *int              `json:"max_candidates"`
	ScrollLimit      *int              `json:"scroll_limit"`
	MaxActions       *int              `json:"max_actions"`
	VerifiedOnly     bool              `json:"verified_only"`
	RepeatWindowDays int               `json:"repeat_window_days"`
	BandwidthMode    string            `json:"bandwidth_mode"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Parse validates raw for strategyType and applies defaults.
func Parse(strategyType string, raw json.RawMessage) (Config, error) {
	typ := strings.ToLower(strings.TrimSpace(strategyType))
	if !known(typ) {
		return Config{}, invalid("unknown strategy type %q", strategyType)
	}
	var r rawConfig
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && string(trimmed) != "null" {
		if err := json.Unmarshal(trimmed, &r); err != nil {
			return Config{}, invalid("config: %v", err)
		}
	}
	if r.Type != "" && !strings.EqualFold(r.Type, typ) {
		return Config{}, invalid("config type %q does not match strategy type %q", r.Type, typ)
	}

	c := Config{
		Type:             typ,
		Text:             strings.TrimSpace(r.Text),
		Query:            strings.TrimSpace(r.Query),
		VerifiedOnly:     r.VerifiedOnly || strings.HasPrefix(typ, "x_verified_"),
		RepeatWindowDays: r.RepeatWindowDays,
		SearchMode:       "live",
	}
	if c.RepeatWindowDays < 0 {
		return Config{}, invalid("repeat_window_days must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(r.BandwidthMode)) {
	case "":
	case browser.BandwidthEco, browser.BandwidthBalanced, browser.BandwidthFull:
		c.BandwidthMode = strings.ToLower(strings.TrimSpace(r.BandwidthMode))
	default:
		return Config{}, invalid("bandwidth_mode must be eco, balanced or full")
	}

	if c.NeedsText() {
		if c.Text == "" {
			return Config{}, invalid("text is required for %s", typ)
		}
		if len([]rune(c.Text)) > MaxTextLen {
			return Config{}, invalid("text exceeds %d characters", MaxTextLen)
		}
	}

	if c.IsSearch() {
		for _, k := range r.Keywords {
			if k = strings.TrimSpace(k); k != "" {
				c.Keywords = append(c.Keywords, k)
			}
		}
		if c.Query == "" && len(c.Keywords) == 0 {
			return Config{}, invalid("query or keywords is required for %s", typ)
		}
		switch strings.ToLower(strings.TrimSpace(r.SearchMode)) {
		case "", "live", "latest":
		case "top":
			c.SearchMode = "top"
		default:
			return Config{}, invalid("search_mode must be live or top")
		}
		var err error
		if c.MaxCandidates, err = bounded("max_candidates", r.MaxCandidates, DefaultMaxCandidates, 1, MaxMaxCandidates); err != nil {
			return Config{}, err
		}
		if c.ScrollLimit, err = bounded("scroll_limit", r.ScrollLimit, DefaultScrollLimit, 0, MaxScrollLimit); err != nil {
			return Config{}, err
		}
		if c.MaxActions, err = bounded("max_actions", r.MaxActions, DefaultMaxActions, 1, MaxMaxActions); err != nil {
			return Config{}, err
		}
		return c, nil
	}

	c.SearchMode = ""
	targets := r.Targets
	if len(targets) == 0 {
		targets = r.TargetURLs
	}
	for i, t := range targets {
		tg, err := parseTarget(t)
		if err != nil {
			return Config{}, invalid("targets[%d]: %v", i, err)
		}
		c.Targets = append(c.Targets, tg)
	}
	if len(c.Targets) == 0 {
		return Config{}, invalid("targets is required for %s", typ)
	}
	var err error
	if c.MaxActions, err = bounded("max_actions", r.MaxActions, len(c.Targets), 1, MaxMaxActions); err != nil {
		return Config{}, err
	}
	return c, nil
}

func known(typ string) bool {
	for _, t := range Types {
		if t == typ {
			return true
		}
	}
	return false
}

func bounded(name string, v *int, def, min, max int) (int, error) {
	if v == nil {
		return def, nil
	}
	if *v < min || *v > max {
		return 0, invalid("%s must be within %d..%d", name, min, max)
	}
	return *v, nil
}

func parseTarget(raw json.RawMessage) (Target, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return Target{}, errors.New("empty url")
		}
		return Target{URL: s, TweetID: browser.TweetIDFromURL(s)}, nil
	}
	var obj struct {
		URL              string `json:"url"`
		TargetURL        string `json:"target_url"`
		TweetID          string `json:"tweet_id"`
		TargetExternalID string `json:"target_external_id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Target{}, errors.New("must be a url or {url, tweet_id}")
	}
	t := Target{URL: strings.TrimSpace(obj.URL), TweetID: strings.TrimSpace(obj.TweetID)}
	if t.URL == "" {
		t.URL = strings.TrimSpace(obj.TargetURL)
	}
	if t.TweetID == "" {
		t.TweetID = strings.TrimSpace(obj.TargetExternalID)
	}
	if t.URL == "" {
		return Target{}, errors.New("url is required")
	}
	if t.TweetID == "" {
		t.TweetID = browser.TweetIDFromURL(t.URL)
	}
	return t, nil
}

// IsSearch reports whether the strategy collects its targets from a search.
func (c Config) IsSearch() bool {
	switch c.Type {
	case TypeSearchLike, TypeSearchRepost, TypeSearchReply, TypeVerifiedLike, TypeVerifiedRepost:
		return true
	}
	return false
}

// NeedsText reports whether actions post text.
func (c Config) NeedsText() bool {
	switch c.Type {
	case TypeReply, TypeQuote, TypeSearchReply:
		return true
	}
	return false
}

// ActionType returns the driver action each target maps to.
func (c Config) ActionType() string {
	switch c.Type {
	case TypeLike, TypeSearchLike, TypeVerifiedLike:
		return browser.ActionLike
	case TypeRepost, TypeSearchRepost, TypeVerifiedRepost:
		return browser.ActionRepost
	case TypeReply, TypeSearchReply:
		return browser.ActionReply
	case TypeQuote:
		return browser.ActionQuote
	}
	return ""
}

// JSON returns the normalized config document.
func (c Config) JSON() json.RawMessage {
	raw, _ := json.Marshal(c)
	return raw
}
