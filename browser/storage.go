package browser

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

func cookiesFromProto(in []*proto.NetworkCookie) []Cookie {
	out := make([]Cookie, 0, len(in))
	for _, c := range in {
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out
}

func cookieParams(in []Cookie) []*proto.NetworkCookieParam {
	out := make([]*proto.NetworkCookieParam, 0, len(in))
	for _, c := range in {
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: proto.NetworkCookieSameSite(c.SameSite),
		}
		if c.Expires > 0 {
			p.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		out = append(out, p)
	}
	return out
}

// restoreScript returns a script that seeds localStorage for every origin in
// state when a document of that origin loads. Empty when there is nothing to
// restore.
func restoreScript(state StorageState) (string, error) {
	seed := map[string]map[string]string{}
	for _, o := range state.Origins {
		if len(o.LocalStorage) == 0 {
			continue
		}
		kv := make(map[string]string, len(o.LocalStorage))
		for _, e := range o.LocalStorage {
			kv[e.Name] = e.Value
		}
		seed[o.Origin] = kv
	}
	if len(seed) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(seed)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(() => {
		const seed = %s;
		const kv = seed[location.origin];
		if (!kv) return;
		for (const [k, v] of Object.entries(kv)) {
			try { localStorage.setItem(k, v); } catch (e) {}
		}
	})()`, raw), nil
}

// loadStorageState installs the cookies and localStorage of state into the
// browser context b, for pages opened after the call.
func loadStorageState(b *rod.Browser, page *rod.Page, state StorageState) error {
	if len(state.Cookies) > 0 {
		if err := b.SetCookies(cookieParams(state.Cookies)); err != nil {
			return fmt.Errorf("browser: set cookies: %w", err)
		}
	}
	js, err := restoreScript(state)
	if err != nil || js == "" {
		return err
	}
	if _, err := page.EvalOnNewDocument(js); err != nil {
		return fmt.Errorf("browser: seed local storage: %w", err)
	}
	return nil
}

// captureStorageState reads all cookies of the context and the localStorage
// of the page's current origin.
func captureStorageState(b *rod.Browser, page *rod.Page) (StorageState, error) {
	cookies, err := b.GetCookies()
	if err != nil {
		return StorageState{}, fmt.Errorf("browser: get cookies: %w", err)
	}
	state := StorageState{Cookies: cookiesFromProto(cookies), Origins: []OriginStorage{}}

	info, err := page.Info()
	if err != nil {
		return state, nil
	}
	u, err := url.Parse(info.URL)
	if err != nil || u.Scheme != "https" {
		return state, nil
	}
	res, err := page.Eval(`() => JSON.stringify(Object.entries(localStorage))`)
	if err != nil {
		return state, nil
	}
	var entries [][2]string
	if json.Unmarshal([]byte(res.Value.Str()), &entries) != nil || len(entries) == 0 {
		return state, nil
	}
	o := OriginStorage{Origin: u.Scheme + "://" + u.Host}
	for _, e := range entries {
		o.LocalStorage = append(o.LocalStorage, LocalStorageKV{Name: e[0], Value: e[1]})
	}
	state.Origins = append(state.Origins, o)
	return state, nil
}
