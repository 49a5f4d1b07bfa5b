package strategy

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/socialpilot/browser"
)

var scope = Scope{WorkspaceID: "ws", AccountID: "acct", RunID: "run", Version: 3}

func TestParseRejectsUnknownType(t *testing.T) {
	_, err := Parse("x_follow", nil)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestParseDirectTargets(t *testing.T) {
	cfg, err := Parse("x_like", json.RawMessage(`{
		"targets": ["https://x.com/a/status/111", {"url": "https://x.com/b/status/222"}, {"url":"https://x.com/c","tweet_id":"333"}],
		"max_actions": 2,
		"bandwidth_mode": "ECO"
	}`))
	require.NoError(t, err)
	assert.Equal(t, browser.BandwidthEco, cfg.BandwidthMode)
	require.Len(t, cfg.Targets, 3)
	assert.Equal(t, "222", cfg.Targets[1].TweetID)
	assert.Equal(t, "333", cfg.Targets[2].TweetID)

	specs := cfg.DirectSpecs(scope)
	require.Len(t, specs, 2, "max_actions caps targets")
	assert.Equal(t, "ws:acct:x_like:111:v3", specs[0].IdempotencyKey)
	assert.Equal(t, browser.ActionLike, specs[0].ActionType)
}

func TestParseValidation(t *testing.T) {
	cases := map[string]struct {
		typ string
		raw string
	}{
		"no targets":         {"x_repost", `{}`},
		"reply without text": {"x_reply", `{"targets":["https://x.com/a/status/1"]}`},
		"bad bandwidth":      {"x_like", `{"targets":["u"],"bandwidth_mode":"turbo"}`},
		"search no query":    {"x_search_like", `{}`},
		"candidates range":   {"x_search_like", `{"query":"go","max_candidates":500}`},
		"bad search mode":    {"x_search_like", `{"query":"go","search_mode":"recent"}`},
		"type mismatch":      {"x_like", `{"type":"x_repost","targets":["u"]}`},
		"text too long":      {"x_quote", `{"targets":["u"],"text":"` + strings.Repeat("a", 281) + `"}`},
	}
	for name, tc := range cases {
		_, err := Parse(tc.typ, json.RawMessage(tc.raw))
		assert.ErrorIs(t, err, ErrInvalid, name)
	}
}

func TestSearchDefaults(t *testing.T) {
	cfg, err := Parse("x_verified_like", json.RawMessage(`{"keywords":["golang"," "]}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxCandidates, cfg.MaxCandidates)
	assert.Equal(t, DefaultScrollLimit, cfg.ScrollLimit)
	assert.Equal(t, DefaultMaxActions, cfg.MaxActions)
	assert.True(t, cfg.VerifiedOnly)

	sp := cfg.SearchCollect(scope)
	assert.Equal(t, "ws:acct:x_search_collect:run", sp.IdempotencyKey)
	assert.Equal(t, "https://x.com/search?q=golang%20filter%3Averified&src=typed_query&f=live", sp.TargetURL)
	assert.Equal(t, 20, sp.Params["max_candidates"])
}

func TestHealthCheckKey(t *testing.T) {
	assert.Equal(t, "ws:acct:health_check:run", HealthCheck(scope).IdempotencyKey)
}

func TestFollowUpsFilterAndCap(t *testing.T) {
	// WHAT: Follow-ups drop unverified authors, dedupe, and cap at max_actions.
	// WHY: Verified strategies must never act on unverified posts.
	cfg, err := Parse("x_search_reply", json.RawMessage(`{"query":"go","text":"nice","max_actions":2,"verified_only":true,"repeat_window_days":7}`))
	require.NoError(t, err)
	cands := []browser.Candidate{
		{URL: "https://x.com/a/status/1", Verified: true},
		{URL: "https://x.com/a/status/1", Verified: true},
		{URL: "https://x.com/b/status/2", Verified: false},
		{URL: "https://x.com/c/status/3", TweetID: "3", Verified: true},
		{URL: "https://x.com/d/status/4", TweetID: "4", Verified: true},
	}
	specs := cfg.FollowUps(scope, cands)
	require.Len(t, specs, 2)
	for _, sp := range specs {
		assert.NotEqual(t, "2", sp.TargetExternalID)
		assert.Equal(t, browser.ActionReply, sp.ActionType)
		assert.Equal(t, "nice", sp.Params["text"])
		assert.Equal(t, 7, sp.RepeatWindowDays)
	}
	again := cfg.FollowUps(scope, cands)
	assert.Equal(t, specs, again, "selection is deterministic per run")
}
