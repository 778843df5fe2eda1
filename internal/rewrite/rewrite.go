// Package rewrite prepares fetched HTML and CSS for display inside a
// sandboxed frame: it injects the navigation bridge, pins relative URL
// resolution to the upstream origin with a <base> element, and makes
// absolute and stylesheet URLs resolve against the page's final URL.
package rewrite

import (
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/isoproxy/internal/assets"
)

var (
	headOpenPattern = regexp.MustCompile(`(?i)<head(?:\s[^>]*)?>`)
	htmlOpenPattern = regexp.MustCompile(`(?i)<html(?:\s[^>]*)?>`)
	basePattern     = regexp.MustCompile(`(?i)<base[\s>/]`)
	leadingBaseTag  = regexp.MustCompile(`(?i)^<base(?:\s[^>]*)?>`)

	// src= / href= with a quoted value, including data-src and friends.
	attrURLPattern = regexp.MustCompile(`(?i)((?:src|href)\s*=\s*)(["'])([^"']+)(["'])`)

	cssURLPattern     = regexp.MustCompile(`(?i)url\(([^)]+)\)`)
	styleBlockPattern = regexp.MustCompile(`(?is)(<style[^>]*>)(.*?)(</style>)`)
	styleAttrPattern  = regexp.MustCompile(`(?i)(\sstyle\s*=\s*)(?:"([^"]*)"|'([^']*)')`)
)

// Rewriter rewrites documents. It is safe for concurrent use.
type Rewriter struct {
	bridge string
}

// New creates a Rewriter whose bridge posts navigation events to
// targetOrigin ("*" when empty).
func New(targetOrigin string) (*Rewriter, error) {
	bridge, err := assets.BridgeScript(targetOrigin)
	if err != nil {
		return nil, err
	}
	return &Rewriter{bridge: bridge}, nil
}

// Rewrite applies, in order: bridge injection, <base> insertion, absolute
// src/href re-resolution and url() resolution inside <style> blocks and
// style attributes. Relative src/href values are left for the <base>
// element to resolve. Rewriting an already rewritten document adds
// nothing. On any failure the input is returned unchanged.
func (rw *Rewriter) Rewrite(doc string, finalURL *url.URL) (out string) {
	if finalURL == nil || doc == "" {
		return doc
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("host", finalURL.Host).
				Msg("HTML rewrite panicked, returning original document")
			out = doc
		}
	}()

	out = rw.injectBridge(doc)
	out = injectBase(out, origin(finalURL))
	out = rewriteAttributes(out, finalURL)
	out = rewriteInlineCSS(out, finalURL)
	return out
}

// RewriteCSS resolves every url(...) in a stylesheet against finalURL.
func (rw *Rewriter) RewriteCSS(css string, finalURL *url.URL) (out string) {
	if finalURL == nil || css == "" {
		return css
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("host", finalURL.Host).
				Msg("CSS rewrite panicked, returning original stylesheet")
			out = css
		}
	}()

	return rewriteCSSURLs(css, finalURL, '"')
}

func (rw *Rewriter) injectBridge(doc string) string {
	if loc := headOpenPattern.FindStringIndex(doc); loc != nil {
		if rw.bridgeAt(doc[loc[1]:]) {
			return doc
		}
		return doc[:loc[1]] + rw.bridge + doc[loc[1]:]
	}
	if loc := htmlOpenPattern.FindStringIndex(doc); loc != nil {
		return doc[:loc[1]] + "<head>" + rw.bridge + "</head>" + doc[loc[1]:]
	}
	return doc
}

// bridgeAt reports whether afterHead, the text following the first <head>
// tag, starts with this rewriter's bridge, optionally preceded by the
// <base> element a previous pass inserted. Marker text elsewhere in the
// page does not count.
func (rw *Rewriter) bridgeAt(afterHead string) bool {
	if loc := leadingBaseTag.FindStringIndex(afterHead); loc != nil {
		afterHead = afterHead[loc[1]:]
	}
	return strings.HasPrefix(afterHead, rw.bridge)
}

func injectBase(doc, origin string) string {
	if basePattern.MatchString(doc) {
		return doc
	}
	loc := headOpenPattern.FindStringIndex(doc)
	if loc == nil {
		return doc
	}
	tag := `<base href="` + html.EscapeString(origin) + `/">`
	return doc[:loc[1]] + tag + doc[loc[1]:]
}

func rewriteAttributes(doc string, base *url.URL) string {
	return attrURLPattern.ReplaceAllStringFunc(doc, func(match string) string {
		m := attrURLPattern.FindStringSubmatch(match)
		if m == nil || m[2] != m[4] {
			return match
		}
		prefix, quote, value := m[1], m[2], m[3]

		if !isAbsoluteRef(value) {
			return match
		}
		abs, ok := resolve(base, value)
		if !ok || strings.Contains(abs, quote) {
			return match
		}
		return prefix + quote + abs + quote
	})
}

func rewriteInlineCSS(doc string, base *url.URL) string {
	doc = styleBlockPattern.ReplaceAllStringFunc(doc, func(match string) string {
		m := styleBlockPattern.FindStringSubmatch(match)
		if m == nil {
			return match
		}
		return m[1] + rewriteCSSURLs(m[2], base, '"') + m[3]
	})

	return styleAttrPattern.ReplaceAllStringFunc(doc, func(match string) string {
		m := styleAttrPattern.FindStringSubmatch(match)
		if m == nil {
			return match
		}
		// Quote the url() with the quote the attribute does not use.
		if strings.HasSuffix(match, `"`) {
			return m[1] + `"` + rewriteCSSURLs(m[2], base, '\'') + `"`
		}
		return m[1] + `'` + rewriteCSSURLs(m[3], base, '"') + `'`
	})
}

// rewriteCSSURLs replaces each url(ref) with url(<quote>absolute<quote>).
// data: URIs and fragment-only references are kept.
func rewriteCSSURLs(css string, base *url.URL, quote byte) string {
	q := string(quote)
	return cssURLPattern.ReplaceAllStringFunc(css, func(match string) string {
		m := cssURLPattern.FindStringSubmatch(match)
		if m == nil {
			return match
		}
		ref := strings.Trim(strings.TrimSpace(m[1]), `"'`)
		ref = strings.TrimSpace(ref)

		if ref == "" || strings.HasPrefix(ref, "#") || hasPrefixFold(ref, "data:") {
			return match
		}
		abs, ok := resolve(base, ref)
		if !ok || strings.Contains(abs, q) {
			return match
		}
		return "url(" + q + abs + q + ")"
	})
}

func isAbsoluteRef(value string) bool {
	return hasPrefixFold(value, "http://") || hasPrefixFold(value, "https://") || strings.HasPrefix(value, "//")
}

func resolve(base *url.URL, ref string) (string, bool) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	return base.ResolveReference(u).String(), true
}

func origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
