// Package geo resolves a coarse, best-effort country label for a request.
// The label feeds aggregate displays only; an empty result is fine and
// nothing downstream relies on it for correctness.
package geo

import (
	"net/http"
	"strings"
)

// Hint headers checked in order. The first two are set by common edge
// proxies; the last is an explicit client-supplied hint.
var hintHeaders = []string{"CF-IPCountry", "X-Geo-Country", "X-Country"}

// CountryFromRequest extracts a country label from proxy or client headers.
// Returns "" when no usable hint is present.
func CountryFromRequest(r *http.Request) string {
	for _, header := range hintHeaders {
		value := normalizeLabel(r.Header.Get(header))
		if value != "" {
			return value
		}
	}
	return ""
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	// Edge proxies send "XX" for unknown origins.
	if strings.EqualFold(trimmed, "XX") {
		return ""
	}
	if len(trimmed) > 64 {
		trimmed = trimmed[:64]
	}
	return strings.ToUpper(trimmed)
}
