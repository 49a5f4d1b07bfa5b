package strategy

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"net/url"
	"strings"

	"github.com/hazyhaar/socialpilot/browser"
)

// Scope identifies the account run a spec belongs to. Idempotency keys are
// built from it.
type Scope struct {
	WorkspaceID string
	AccountID   string
	RunID       string
	Version     int
}

// Spec is one action to create and execute.
type Spec struct {
	ActionType       string
	TargetURL        string
	TargetExternalID string
	IdempotencyKey   string
	Params           map[string]any
	// RepeatWindowDays is copied from the config for reply and quote specs.
	RepeatWindowDays int
}

// HealthCheck is the first spec of every account run.
func HealthCheck(s Scope) Spec {
	return Spec{
		ActionType:     browser.ActionHealthCheck,
		IdempotencyKey: fmt.Sprintf("%s:%s:%s:%s", s.WorkspaceID, s.AccountID, browser.ActionHealthCheck, s.RunID),
	}
}

// targetKey is the per-target key: the tweet id when known, else the url.
func targetKey(s Scope, actionType, tweetID, u string) string {
	stable := tweetID
	if stable == "" {
		stable = u
	}
	return fmt.Sprintf("%s:%s:%s:%s:v%d", s.WorkspaceID, s.AccountID, actionType, stable, s.Version)
}

func (c Config) targetSpec(s Scope, tweetID, u string) Spec {
	sp := Spec{
		ActionType:       c.ActionType(),
		TargetURL:        u,
		TargetExternalID: tweetID,
		IdempotencyKey:   targetKey(s, c.ActionType(), tweetID, u),
	}
	if c.NeedsText() {
		sp.Params = map[string]any{"text": c.Text}
		sp.RepeatWindowDays = c.RepeatWindowDays
	}
	return sp
}

// DirectSpecs returns the target specs of a direct strategy, capped at
// MaxActions. Search strategies return nil.
func (c Config) DirectSpecs(s Scope) []Spec {
	if c.IsSearch() {
		return nil
	}
	var out []Spec
	for _, t := range c.Targets {
		if len(out) >= c.MaxActions {
			break
		}
		out = append(out, c.targetSpec(s, t.TweetID, t.URL))
	}
	return out
}

// rng is seeded by run and account so a retried account run picks the same
// keyword and the same candidates.
func rng(s Scope, salt string) *rand.Rand {
	h := fnv.New64a()
	for _, part := range []string{s.WorkspaceID, s.AccountID, s.RunID, salt} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	seed := h.Sum64()
	return rand.New(rand.NewPCG(seed, seed>>1|1))
}

// SearchQuery returns the query to run: the configured query, or one of the
// keywords. Verified strategies append filter:verified.
func (c Config) SearchQuery(s Scope) string {
	q := c.Query
	if q == "" && len(c.Keywords) > 0 {
		q = c.Keywords[rng(s, "keyword").IntN(len(c.Keywords))]
	}
	if c.VerifiedOnly && !strings.Contains(strings.ToLower(q), "filter:verified") {
		q += " filter:verified"
	}
	return q
}

// SearchURL builds the X live or top search URL for query.
func SearchURL(query, mode string) string {
	f := "live"
	if mode == "top" {
		f = "top"
	}
	q := strings.ReplaceAll(url.QueryEscape(query), "+", "%20")
	return "https://x.com/search?q=" + q + "&src=typed_query&f=" + f
}

// SearchCollect is the spec that gathers candidates for a search strategy.
func (c Config) SearchCollect(s Scope) Spec {
	return Spec{
		ActionType:     browser.ActionSearchCollect,
		TargetURL:      SearchURL(c.SearchQuery(s), c.SearchMode),
		IdempotencyKey: fmt.Sprintf("%s:%s:%s:%s", s.WorkspaceID, s.AccountID, browser.ActionSearchCollect, s.RunID),
		Params: map[string]any{
			"max_candidates":    c.MaxCandidates,
			"scroll_limit":      c.ScrollLimit,
			"verified_only_dom": c.VerifiedOnly,
		},
	}
}

// FollowUps picks up to MaxActions candidates and returns one spec each.
// Candidates are shuffled deterministically; unverified authors are dropped
// when VerifiedOnly is set.
func (c Config) FollowUps(s Scope, candidates []browser.Candidate) []Spec {
	pool := make([]browser.Candidate, 0, len(candidates))
	seen := map[string]bool{}
	for _, cand := range candidates {
		id := strings.TrimSpace(cand.TweetID)
		u := strings.TrimSpace(cand.URL)
		if id == "" {
			id = browser.TweetIDFromURL(u)
		}
		if id == "" && u == "" {
			continue
		}
		if c.VerifiedOnly && !cand.Verified {
			continue
		}
		key := id
		if key == "" {
			key = u
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		pool = append(pool, browser.Candidate{URL: u, TweetID: id, Author: cand.Author, Verified: cand.Verified})
	}
	r := rng(s, "candidates")
	r.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	var out []Spec
	for _, cand := range pool {
		if len(out) >= c.MaxActions {
			break
		}
		out = append(out, c.targetSpec(s, cand.TweetID, cand.URL))
	}
	return out
}
