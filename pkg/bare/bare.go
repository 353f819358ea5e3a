// Package bare implements the sidecar-header wire protocol spoken between
// callers and relay nodes: a generic relay executes an HTTP fetch (or opens a
// WebSocket tunnel) on behalf of a caller and returns the true response
// metadata out-of-band in x-bare-* headers.
package bare

import (
	"encoding/json"
	"strconv"
	"strings"
)

// APIVersion is the wire protocol version served under /bare/<version>/.
const APIVersion = "v3"

// Versions lists every protocol version this implementation speaks.
var Versions = []string{"v3"}

// Request sidecar headers.
const (
	HeaderURL            = "X-Bare-URL"
	HeaderHost           = "X-Bare-Host"
	HeaderPort           = "X-Bare-Port"
	HeaderProtocol       = "X-Bare-Protocol"
	HeaderPath           = "X-Bare-Path"
	HeaderHeaders        = "X-Bare-Headers"
	HeaderForwardHeaders = "X-Bare-Forward-Headers"
	HeaderPassHeaders    = "X-Bare-Pass-Headers"
	HeaderPassStatus     = "X-Bare-Pass-Status"
)

// Response sidecar headers.
const (
	HeaderStatus     = "X-Bare-Status"
	HeaderStatusText = "X-Bare-Status-Text"
)

// securityHeaders are dropped from upstream response snapshots: they scope
// browser isolation policy to the real target's origin and must not leak
// into the relay's own origin.
var securityHeaders = map[string]bool{
	"x-frame-options":                     true,
	"content-security-policy":             true,
	"content-security-policy-report-only": true,
	"x-content-type-options":              true,
	"x-xss-protection":                    true,
	"strict-transport-security":           true,
	"cross-origin-embedder-policy":        true,
	"cross-origin-opener-policy":          true,
	"cross-origin-resource-policy":        true,
	"permissions-policy":                  true,
}

// IsSecurityHeader reports whether name is on the response deny-list.
func IsSecurityHeader(name string) bool {
	return securityHeaders[strings.ToLower(name)]
}

// connectionHeaders are connection-scoped and invalid to forward when
// dialing the target side of a WebSocket tunnel.
var connectionHeaders = map[string]bool{
	"host":       true,
	"connection": true,
	"upgrade":    true,
}

// IsConnectionHeader reports whether name must be stripped before dialing a
// tunnel target. The sec-websocket-* family is re-generated by the dialer.
func IsConnectionHeader(name string) bool {
	n := strings.ToLower(name)
	return connectionHeaders[n] || strings.HasPrefix(n, "sec-websocket-")
}

// SplitList parses a sidecar list value, which may be either a JSON array
// of strings or a plain comma-separated list.
func SplitList(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if strings.HasPrefix(v, "[") {
		var out []string
		if err := json.Unmarshal([]byte(v), &out); err == nil {
			return out
		}
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SplitStatusList parses a sidecar status-code list. Entries that are not
// integers are dropped.
func SplitStatusList(v string) []int {
	var out []int
	for _, s := range SplitList(v) {
		if n, err := strconv.Atoi(s); err == nil {
			out = append(out, n)
		}
	}
	return out
}
