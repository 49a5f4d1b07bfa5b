package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

var trackerHosts = []string{"doubleclick.net", "google-analytics.com"}

// applyBandwidthMode intercepts requests on page and aborts the resource
// types the mode drops. Full (or empty) mode installs nothing. The returned
// router must be stopped when the page closes.
func applyBandwidthMode(page *rod.Page, mode string) *rod.HijackRouter {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode != BandwidthEco && mode != BandwidthBalanced {
		return nil
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if shouldBlock(mode, h.Request.Type(), h.Request.URL().String()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}

// shouldBlock reports whether a request of resType to url is dropped in mode.
func shouldBlock(mode string, resType proto.NetworkResourceType, url string) bool {
	switch mode {
	case BandwidthEco:
		if resType == proto.NetworkResourceTypeImage || resType == proto.NetworkResourceTypeMedia {
			return true
		}
	case BandwidthBalanced:
		if resType == proto.NetworkResourceTypeMedia {
			return true
		}
	default:
		return false
	}
	for _, h := range trackerHosts {
		if strings.Contains(url, h) {
			return true
		}
	}
	return false
}
