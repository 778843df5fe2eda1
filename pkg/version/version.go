// Package version provides build version information.
// Version is set at build time via ldflags:
// go build -ldflags "-X github.com/Rorqualx/isoproxy/pkg/version.Version=1.0.0"
package version

import "runtime"

// Version is the application version, set at build time.
var Version = "dev"

// ServiceName identifies the service in health and descriptor responses.
const ServiceName = "isoproxy"

// UserAgent is the desktop browser identity presented to upstream sites.
// Keep in step with BrowserMajor so the client hints agree with the UA.
var UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// BrowserMajor is the Chrome major version advertised in sec-ch-ua.
var BrowserMajor = "131"

// Full returns the full version string.
func Full() string {
	return Version
}

// GoVersion returns the Go runtime version.
func GoVersion() string {
	return runtime.Version()
}
