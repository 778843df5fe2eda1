package content

import (
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// Detection windows.
const (
	metaScanBytes   = 2048
	detectScanBytes = 10000
)

// DefaultCharset is used when nothing else identifies the body's charset.
const DefaultCharset = "utf-8"

// CharsetSource records which step of the detection cascade decided.
type CharsetSource string

// Charset sources, in precedence order.
const (
	SourceHeader   CharsetSource = "header"
	SourceMeta     CharsetSource = "meta"
	SourceDetected CharsetSource = "detected"
	SourceDefault  CharsetSource = "default"
)

var (
	headerCharsetPattern = regexp.MustCompile(`charset=([^\s;]+)`)
	metaCharsetPattern   = regexp.MustCompile(`(?i)<meta[^>]+charset\s*=\s*["']?([^\s"'/>]+)`)
)

// chardetAliases maps detector names that are not WHATWG labels.
var chardetAliases = map[string]string{
	"gb-18030": "gb18030",
}

// DetectEncoding returns the character set label of body.
func DetectEncoding(body []byte, header http.Header) string {
	label, _ := DetectEncodingSource(body, header)
	return label
}

// DetectEncodingSource returns the charset label of body and the step that
// produced it. Precedence: charset parameter of Content-Type, then a
// <meta charset> in the first 2 KiB, then statistical detection over the
// first 10 KB, then utf-8.
func DetectEncodingSource(body []byte, header http.Header) (string, CharsetSource) {
	if header != nil {
		ct := strings.ToLower(header.Get("Content-Type"))
		if m := headerCharsetPattern.FindStringSubmatch(ct); m != nil {
			if label := strings.Trim(m[1], `"'`); label != "" {
				return label, SourceHeader
			}
		}
	}

	head := body
	if len(head) > metaScanBytes {
		head = head[:metaScanBytes]
	}
	if m := metaCharsetPattern.FindSubmatch([]byte(strings.ToValidUTF8(string(head), ""))); m != nil {
		return strings.ToLower(string(m[1])), SourceMeta
	}

	sample := body
	if len(sample) > detectScanBytes {
		sample = sample[:detectScanBytes]
	}
	if len(sample) > 0 {
		result, err := chardet.NewTextDetector().DetectBest(sample)
		if err == nil && result != nil && result.Charset != "" {
			label := strings.ToLower(result.Charset)
			if alias, ok := chardetAliases[label]; ok {
				label = alias
			}
			log.Debug().
				Str("charset", label).
				Int("confidence", result.Confidence).
				Msg("Charset detected statistically")
			return label, SourceDetected
		}
	}

	return DefaultCharset, SourceDefault
}

// DecodeBody converts body from the named charset to a UTF-8 string.
// Labels are resolved the way browsers resolve them; unknown labels fall
// back to UTF-8. Invalid sequences become U+FFFD.
func DecodeBody(body []byte, label string) string {
	enc := lookupEncoding(label)

	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		log.Debug().
			Err(err).
			Str("charset", label).
			Msg("Charset decode failed, falling back to utf-8")
		return toValidUTF8(body)
	}
	if !utf8.Valid(out) {
		return toValidUTF8(out)
	}
	return string(out)
}

// CanonicalCharset returns the WHATWG name for label, or utf-8 if unknown.
func CanonicalCharset(label string) string {
	if _, name := charset.Lookup(strings.TrimSpace(label)); name != "" {
		return name
	}
	return DefaultCharset
}

func lookupEncoding(label string) encoding.Encoding {
	if enc, _ := charset.Lookup(strings.TrimSpace(label)); enc != nil {
		return enc
	}
	return unicode.UTF8
}

func toValidUTF8(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
