package fetcher

import (
	"net/http"
	"net/url"

	"github.com/Rorqualx/isoproxy/pkg/version"
)

// Accept values sent by Chrome for documents and for sub-resources.
const (
	documentAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"
	resourceAccept = "*/*"
)

// browserHeaders returns the desktop Chrome header set for a top-level
// navigation to u. Referer and Origin are the target's own origin so the
// request looks same-origin to the upstream.
func browserHeaders(u *url.URL) http.Header {
	origin := u.Scheme + "://" + u.Host
	brand := `"Google Chrome";v="` + version.BrowserMajor + `", "Chromium";v="` + version.BrowserMajor + `", "Not_A Brand";v="24"`

	h := make(http.Header, 16)
	h.Set("User-Agent", version.UserAgent)
	h.Set("Accept", documentAccept)
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Accept-Encoding", "gzip, deflate, br, zstd")
	h.Set("Cache-Control", "max-age=0")
	h.Set("DNT", "1")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-User", "?1")
	h.Set("Sec-Ch-Ua", brand)
	h.Set("Sec-Ch-Ua-Mobile", "?0")
	h.Set("Sec-Ch-Ua-Platform", `"Windows"`)
	h.Set("Referer", origin+"/")
	h.Set("Origin", origin)
	return h
}

// ResourceHeaders returns the overrides for a sub-resource fetch (images,
// scripts, stylesheets). Pass them as extraHeaders to Fetch.
func ResourceHeaders() http.Header {
	h := make(http.Header, 6)
	h.Set("Accept", resourceAccept)
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "no-cors")
	h.Set("Sec-Fetch-Site", "cross-site")
	h["Sec-Fetch-User"] = nil
	h["Upgrade-Insecure-Requests"] = nil
	return h
}

// applyHeaders overlays extra onto dst. A nil value slice removes the
// header.
func applyHeaders(dst, extra http.Header) {
	for name, values := range extra {
		dst.Del(name)
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
