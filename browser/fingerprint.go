package browser

import (
	"hash/fnv"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Profiles are the desktop fingerprints assigned to new social accounts.
var Profiles = []Fingerprint{
	{
		UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
		Viewport:          Viewport{Width: 1920, Height: 1080},
		Locale:            "en-US",
		TimezoneID:        "America/New_York",
		ColorScheme:       "light",
		DeviceScaleFactor: 1,
	},
	{
		UserAgent:         "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
		Viewport:          Viewport{Width: 1440, Height: 900},
		Locale:            "en-US",
		TimezoneID:        "America/Los_Angeles",
		ColorScheme:       "light",
		DeviceScaleFactor: 2,
	},
	{
		UserAgent:         "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
		Viewport:          Viewport{Width: 1366, Height: 768},
		Locale:            "en-US",
		TimezoneID:        "Europe/London",
		ColorScheme:       "light",
		DeviceScaleFactor: 1,
	},
}

// ProfileFor picks a stable profile for seed (usually the account id).
func ProfileFor(seed string) Fingerprint {
	h := fnv.New32a()
	h.Write([]byte(seed))
	return Profiles[int(h.Sum32()%uint32(len(Profiles)))]
}

// applyFingerprint emulates fp on page. Zero fields keep Chrome's defaults.
func applyFingerprint(page *rod.Page, fp *Fingerprint) error {
	if fp == nil || fp.IsZero() {
		return nil
	}
	if fp.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      fp.UserAgent,
			AcceptLanguage: fp.Locale,
		}); err != nil {
			return err
		}
	}
	if fp.Viewport.Width > 0 && fp.Viewport.Height > 0 {
		scale := fp.DeviceScaleFactor
		if scale <= 0 {
			scale = 1
		}
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             fp.Viewport.Width,
			Height:            fp.Viewport.Height,
			DeviceScaleFactor: scale,
			Mobile:            fp.IsMobile,
		}); err != nil {
			return err
		}
	}
	if fp.TimezoneID != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: fp.TimezoneID}).Call(page); err != nil {
			return err
		}
	}
	if fp.Locale != "" {
		if err := (proto.EmulationSetLocaleOverride{Locale: fp.Locale}).Call(page); err != nil {
			return err
		}
	}
	if fp.HasTouch {
		if err := (proto.EmulationSetTouchEmulationEnabled{Enabled: true}).Call(page); err != nil {
			return err
		}
	}
	if fp.ColorScheme != "" {
		feat := []*proto.EmulationMediaFeature{{Name: "prefers-color-scheme", Value: fp.ColorScheme}}
		if err := (proto.EmulationSetEmulatedMedia{Features: feat}).Call(page); err != nil {
			return err
		}
	}
	return nil
}
