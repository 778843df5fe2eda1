// Package assets provides embedded static files for the application.
// Using Go's embed package allows for single-binary deployment without
// external file dependencies.
package assets

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"text/template"
)

// BridgeMarker is the attribute carried by the injected bridge script tag.
// Its presence means a document has already been rewritten.
const BridgeMarker = "data-isoproxy-bridge"

// bridgeSource is the navigation relay injected into proxied pages. It
// intercepts link clicks and form submissions and posts them to the parent
// frame instead of letting the sandboxed document navigate.
//
//go:embed bridge.js
var bridgeSource string

var bridgeTemplate = template.Must(template.New("bridge").Parse(bridgeSource))

// BridgeScript renders the bridge as a complete <script> element that posts
// to targetOrigin. An empty origin means "*".
func BridgeScript(targetOrigin string) (string, error) {
	if targetOrigin == "" {
		targetOrigin = "*"
	}

	// JSON encoding yields a safe JS string literal; <, > and & are escaped.
	origin, err := json.Marshal(targetOrigin)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	buf.WriteString("<script " + BridgeMarker + ">\n")
	if err := bridgeTemplate.Execute(&buf, struct{ TargetOrigin string }{string(origin)}); err != nil {
		return "", err
	}
	buf.WriteString("</script>")
	return buf.String(), nil
}
