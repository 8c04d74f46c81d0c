package auth

import (
	"slices"
	"strings"
)

// ParseScope splits a space-delimited scope parameter. Duplicates are dropped,
// first occurrence order is kept.
func ParseScope(raw string) []string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}

	scope := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(scope, f) {
			scope = append(scope, f)
		}
	}
	return scope
}

// FormatScope joins scope tokens for the wire.
func FormatScope(scope []string) string {
	return strings.Join(scope, " ")
}

// ScopeExcess returns the requested scope tokens that are not in allowed.
func ScopeExcess(requested, allowed []string) []string {
	var excess []string
	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			excess = append(excess, s)
		}
	}
	return excess
}
