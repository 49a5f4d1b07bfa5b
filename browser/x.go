package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// X platform constants.
const (
	PlatformX    = "x"
	xHomeURL     = "https://x.com/home"
	xLoginURL    = "https://x.com/i/flow/login"
	xCookieURL   = "https://x.com"
	xAuthCookie  = "auth_token"
	articleWait  = 10 * time.Second
	clickWait    = 5 * time.Second
	confirmWait  = 5 * time.Second
	markerWait   = 2500 * time.Millisecond
	composerWait = 8 * time.Second
)

var statusRe = regexp.MustCompile(`/status/(\d+)`)

// TweetIDFromURL extracts the numeric status id from a post URL.
func TweetIDFromURL(u string) string {
	m := statusRe.FindStringSubmatch(u)
	if m == nil {
		return ""
	}
	return m[1]
}

// LoginURL returns the login page of platform.
func LoginURL(platform string) (string, error) {
	if strings.ToLower(strings.TrimSpace(platform)) == PlatformX {
		return xLoginURL, nil
	}
	return "", fmt.Errorf("browser: unsupported platform %q", platform)
}

// Candidate is one post found by a search collect action.
type Candidate struct {
	URL      string `json:"url"`
	TweetID  string `json:"tweet_id"`
	Author   string `json:"author"`
	Verified bool   `json:"verified"`
	Text     string `json:"text"`
}

// CandidatesFrom decodes the "candidates" entry of action metadata, whether
// it holds []Candidate or generic decoded JSON.
func CandidatesFrom(meta map[string]any) ([]Candidate, error) {
	v, ok := meta["candidates"]
	if !ok || v == nil {
		return nil, nil
	}
	if c, ok := v.([]Candidate); ok {
		return c, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("browser: decode candidates: %w", err)
	}
	return out, nil
}

// xPage runs X actions on one prepared page.
type xPage struct {
	page *rod.Page
}

func (x *xPage) run(req ActionRequest) ActionResult {
	switch NormalizeAction(req.ActionType) {
	case ActionHealthCheck:
		return x.healthCheck()
	case ActionLike:
		return x.toggle(req, "like", "unlike", "", "already_liked")
	case ActionRepost:
		return x.toggle(req, "retweet", "unretweet", "retweetConfirm", "already_reposted")
	case ActionReply:
		return x.reply(req)
	case ActionQuote:
		return x.quote(req)
	case ActionSearchCollect:
		return x.searchCollect(req)
	default:
		return x.fail(CodeUnsupportedAction, "unsupported action_type: "+req.ActionType, false)
	}
}

func (x *xPage) url() string {
	info, err := x.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (x *xPage) screenshot() []byte {
	png, err := x.page.Screenshot(false, &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng})
	if err != nil {
		return nil
	}
	return png
}

func (x *xPage) fail(code, msg string, shot bool) ActionResult {
	r := Failed(code, msg)
	r.CurrentURL = x.url()
	if shot {
		r.Screenshot = x.screenshot()
	}
	return r
}

func (x *xPage) ok(status string, meta map[string]any) ActionResult {
	if meta == nil {
		meta = map[string]any{}
	}
	return ActionResult{Status: status, CurrentURL: x.url(), Metadata: meta}
}

// fromErr maps a rod error onto a result. Deadline errors are timeouts, the
// rest are browser errors.
func (x *xPage) fromErr(err error, timeoutCode, msg string) ActionResult {
	if errors.Is(err, context.DeadlineExceeded) {
		return x.fail(timeoutCode, msg, true)
	}
	return x.fail(CodeBrowserError, err.Error(), true)
}

func (x *xPage) goTo(u string) error {
	if err := x.page.Navigate(u); err != nil {
		return err
	}
	return x.page.WaitLoad()
}

func (x *xPage) loggedIn() bool {
	u := x.url()
	if strings.Contains(u, "/i/flow/login") || strings.Contains(u, "/login") {
		return false
	}
	if has, _, _ := x.page.Has(`[data-testid='loginButton']`); has {
		return false
	}
	if has, _, _ := x.page.Has(`a[href='/login'], a[href*='/i/flow/login']`); has {
		return false
	}
	for _, sel := range []string{`[data-testid='SideNav_NewTweet_Button']`, `[data-testid='AppTabBar_Profile_Link']`} {
		if _, err := x.page.Timeout(markerWait).Element(sel); err == nil {
			return true
		}
	}
	return false
}

func (x *xPage) healthCheck() ActionResult {
	if err := x.goTo(xHomeURL); err != nil {
		return x.fromErr(err, CodeNetworkTimeout, "navigation timeout")
	}
	if x.loggedIn() {
		return x.ok(StatusSucceeded, map[string]any{"logged_in": true})
	}
	r := x.fail(CodeAuthRequired, "not logged in", true)
	r.Metadata["logged_in"] = false
	return r
}

// openTarget navigates to the post and returns its article.
func (x *xPage) openTarget(req ActionRequest) (*rod.Element, *ActionResult) {
	if strings.TrimSpace(req.TargetURL) == "" {
		r := Failed(CodeInvalidTarget, "target_url is required for "+req.ActionType)
		return nil, &r
	}
	if err := x.goTo(req.TargetURL); err != nil {
		r := x.fromErr(err, CodeNetworkTimeout, "navigation timeout")
		return nil, &r
	}
	if !x.loggedIn() {
		r := x.fail(CodeAuthRequired, "not logged in", true)
		r.Metadata["logged_in"] = false
		return nil, &r
	}
	sel := "article"
	if id := strings.TrimSpace(req.TargetExternalID); id != "" {
		sel = fmt.Sprintf(`article:has(a[href*="/status/%s"])`, id)
	}
	article, err := x.page.Timeout(articleWait).Element(sel)
	if err != nil {
		r := x.fromErr(err, CodeUISelectorChanged, "post article not found")
		return nil, &r
	}
	return article, nil
}

func (x *xPage) click(scope *rod.Element, sel string) error {
	btn, err := scope.Timeout(articleWait).Element(sel)
	if err != nil {
		return err
	}
	btn = btn.Timeout(clickWait)
	if err := btn.ScrollIntoView(); err != nil {
		return err
	}
	return btn.Click(proto.InputMouseButtonLeft, 1)
}

// toggle performs like or repost: click testid on the article, optionally
// confirm through confirmID, and validate that doneID appears.
func (x *xPage) toggle(req ActionRequest, testid, doneID, confirmID, metaKey string) ActionResult {
	article, res := x.openTarget(req)
	if res != nil {
		return *res
	}
	done := fmt.Sprintf(`button[data-testid="%s"]`, doneID)
	if has, _, _ := article.Has(done); has {
		return x.ok(StatusSkipped, map[string]any{metaKey: true, "message": "already done"})
	}
	if err := x.click(article, fmt.Sprintf(`button[data-testid="%s"]`, testid)); err != nil {
		return x.fromErr(err, CodeUIIntercepted, testid+" button not clickable")
	}
	if confirmID != "" {
		confirm, err := x.page.Timeout(confirmWait).Element(fmt.Sprintf(`[data-testid="%s"]`, confirmID))
		if err != nil {
			return x.fromErr(err, CodeUISelectorChanged, testid+" confirm not found")
		}
		if err := confirm.Timeout(clickWait).Click(proto.InputMouseButtonLeft, 1); err != nil {
			return x.fromErr(err, CodeUIIntercepted, testid+" confirm not clickable")
		}
	}
	if _, err := article.Timeout(confirmWait).Element(done); err != nil {
		r := x.fail(CodePostValidationFailed, testid+" not confirmed", true)
		r.Metadata[metaKey] = false
		return r
	}
	return x.ok(StatusSucceeded, map[string]any{metaKey: false})
}

func paramText(req ActionRequest) string {
	s, _ := req.Params["text"].(string)
	return strings.TrimSpace(s)
}

// compose types text into the open composer and posts it.
func (x *xPage) compose(text string) ActionResult {
	box, err := x.page.Timeout(composerWait).Element(`[data-testid="tweetTextarea_0"]`)
	if err != nil {
		return x.fromErr(err, CodeUISelectorChanged, "composer not found")
	}
	if err := box.Timeout(clickWait).Click(proto.InputMouseButtonLeft, 1); err != nil {
		return x.fromErr(err, CodeUIIntercepted, "composer not clickable")
	}
	if err := box.Timeout(clickWait).Input(text); err != nil {
		return x.fromErr(err, CodeUIIntercepted, "composer input failed")
	}
	send, err := x.page.Timeout(composerWait).Element(`[data-testid="tweetButton"]`)
	if err != nil {
		return x.fromErr(err, CodeUISelectorChanged, "post button not found")
	}
	if err := send.Timeout(clickWait).Click(proto.InputMouseButtonLeft, 1); err != nil {
		return x.fromErr(err, CodeUIIntercepted, "post button not clickable")
	}
	if err := box.Timeout(composerWait).WaitInvisible(); err != nil {
		return x.fail(CodePostValidationFailed, "composer still open after posting", true)
	}
	return x.ok(StatusSucceeded, map[string]any{"text_length": len(text)})
}

func (x *xPage) reply(req ActionRequest) ActionResult {
	text := paramText(req)
	if text == "" {
		return Failed(CodeInvalidTarget, "text is required for x_reply")
	}
	article, res := x.openTarget(req)
	if res != nil {
		return *res
	}
	if err := x.click(article, `[data-testid="reply"]`); err != nil {
		return x.fromErr(err, CodeUIIntercepted, "reply button not clickable")
	}
	return x.compose(text)
}

func (x *xPage) quote(req ActionRequest) ActionResult {
	text := paramText(req)
	if text == "" {
		return Failed(CodeInvalidTarget, "text is required for x_quote")
	}
	article, res := x.openTarget(req)
	if res != nil {
		return *res
	}
	if err := x.click(article, `button[data-testid="retweet"], button[data-testid="unretweet"]`); err != nil {
		return x.fromErr(err, CodeUIIntercepted, "repost menu not clickable")
	}
	item, err := x.page.Timeout(confirmWait).Element(`a[role="menuitem"][href*="/compose/"]`)
	if err != nil {
		return x.fromErr(err, CodeUISelectorChanged, "quote menu item not found")
	}
	if err := item.Timeout(clickWait).Click(proto.InputMouseButtonLeft, 1); err != nil {
		return x.fromErr(err, CodeUIIntercepted, "quote menu item not clickable")
	}
	return x.compose(text)
}

const collectJS = `() => {
	const out = [];
	for (const a of document.querySelectorAll('article')) {
		const link = a.querySelector('a[href*="/status/"]');
		if (!link) continue;
		const user = a.querySelector('[data-testid="User-Name"] a');
		const text = a.querySelector('[data-testid="tweetText"]');
		out.push({
			url: link.href,
			author: user ? user.getAttribute('href').replace(/^\//, '') : '',
			verified: !!a.querySelector('svg[data-testid="icon-verified"]'),
			text: text ? text.innerText : '',
		});
	}
	window.scrollBy(0, window.innerHeight * 2);
	return JSON.stringify(out);
}`

// mergeCandidates appends new posts from one scroll round, deduplicated by
// tweet id, up to max.
func mergeCandidates(acc []Candidate, seen map[string]bool, raw string, max int) []Candidate {
	var batch []Candidate
	if json.Unmarshal([]byte(raw), &batch) != nil {
		return acc
	}
	for _, c := range batch {
		if len(acc) >= max {
			break
		}
		c.URL = strings.SplitN(c.URL, "?", 2)[0]
		c.TweetID = TweetIDFromURL(c.URL)
		if c.TweetID == "" || seen[c.TweetID] {
			continue
		}
		seen[c.TweetID] = true
		acc = append(acc, c)
	}
	return acc
}

func intParam(req ActionRequest, key string, def int) int {
	switch v := req.Params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

func (x *xPage) searchCollect(req ActionRequest) ActionResult {
	if strings.TrimSpace(req.TargetURL) == "" {
		return Failed(CodeInvalidTarget, "search url is required for x_search_collect")
	}
	maxCandidates := intParam(req, "max_candidates", 20)
	scrolls := intParam(req, "scroll_limit", 6)

	if err := x.goTo(req.TargetURL); err != nil {
		return x.fromErr(err, CodeNetworkTimeout, "navigation timeout")
	}
	if !x.loggedIn() {
		r := x.fail(CodeAuthRequired, "not logged in", true)
		r.Metadata["logged_in"] = false
		return r
	}
	if _, err := x.page.Timeout(articleWait).Element("article"); err != nil {
		return x.ok(StatusSucceeded, map[string]any{"candidates": []Candidate{}, "scrolls": 0})
	}

	seen := map[string]bool{}
	var found []Candidate
	round := 0
	for ; round <= scrolls && len(found) < maxCandidates; round++ {
		res, err := x.page.Eval(collectJS)
		if err != nil {
			return x.fromErr(err, CodeNetworkTimeout, "collect timeout")
		}
		found = mergeCandidates(found, seen, res.Value.Str(), maxCandidates)
		time.Sleep(1200 * time.Millisecond)
	}
	if found == nil {
		found = []Candidate{}
	}
	return x.ok(StatusSucceeded, map[string]any{"candidates": found, "scrolls": round})
}
