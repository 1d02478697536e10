package util

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// DeviceInfo is the coarse device/OS/browser classification stored on a
// session row. It is derived from the User-Agent header only; nothing here
// is trusted for security decisions beyond the new-device heuristic.
type DeviceInfo struct {
	Device  string `json:"device"`
	OS      string `json:"os"`
	Browser string `json:"browser"`
}

// Fingerprint returns a stable string used to compare sessions for the
// new-device check.
func (d DeviceInfo) Fingerprint() string {
	return fmt.Sprintf("%s/%s/%s", d.Device, d.OS, d.Browser)
}

// ClassifyDevice parses a User-Agent header into a coarse classification.
func ClassifyDevice(userAgent string) DeviceInfo {
	ua := strings.ToLower(userAgent)

	info := DeviceInfo{Device: "desktop", OS: "unknown", Browser: "unknown"}

	switch {
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet"):
		info.Device = "tablet"
	case strings.Contains(ua, "mobi") || strings.Contains(ua, "android") || strings.Contains(ua, "iphone"):
		info.Device = "mobile"
	}

	switch {
	case strings.Contains(ua, "windows"):
		info.OS = "windows"
	case strings.Contains(ua, "android"):
		info.OS = "android"
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"), strings.Contains(ua, "ios"):
		info.OS = "ios"
	case strings.Contains(ua, "mac os"), strings.Contains(ua, "macintosh"):
		info.OS = "macos"
	case strings.Contains(ua, "linux"):
		info.OS = "linux"
	}

	switch {
	case strings.Contains(ua, "edg/"):
		info.Browser = "edge"
	case strings.Contains(ua, "opr/"), strings.Contains(ua, "opera"):
		info.Browser = "opera"
	case strings.Contains(ua, "chrome/"):
		info.Browser = "chrome"
	case strings.Contains(ua, "safari/") && strings.Contains(ua, "version/"):
		info.Browser = "safari"
	case strings.Contains(ua, "firefox/"):
		info.Browser = "firefox"
	}

	return info
}

// ClientIP extracts the originating IP for rate limiting and session rows.
// chi's RealIP middleware already rewrites RemoteAddr from X-Forwarded-For
// when present; this strips the port and validates the result.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if net.ParseIP(host) == nil {
		return "unknown"
	}
	return host
}
