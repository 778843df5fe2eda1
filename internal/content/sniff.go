package content

import (
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// SniffContentType guesses the MIME type of body from its leading bytes.
// Used when an upstream omits Content-Type.
func SniffContentType(body []byte) string {
	return mimetype.Detect(body).String()
}

// MediaType returns the lowercased media type of a Content-Type value
// without parameters.
func MediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// IsHTML reports whether contentType names an HTML document.
func IsHTML(contentType string) bool {
	mt := MediaType(contentType)
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// IsCSS reports whether contentType names a stylesheet.
func IsCSS(contentType string) bool {
	return MediaType(contentType) == "text/css"
}
