package util

import (
	"strings"
	"unicode/utf8"
)

// Truncate shortens s to at most max runes, marking the cut with "...".
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	if max <= 3 {
		return string([]rune(s)[:max])
	}
	return string([]rune(s)[:max-3]) + "..."
}

// NormalizePlatform lowercases and trims a platform identifier.
func NormalizePlatform(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// UniquePlatforms normalizes ids, dropping blanks and duplicates while
// keeping the first-seen order.
func UniquePlatforms(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = NormalizePlatform(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ParsePlatformList parses "twitter, facebook" or "[twitter,facebook]".
func ParsePlatformList(s string) []string {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return []string{}
	}

	var ids []string
	for _, part := range strings.Split(s, ",") {
		ids = append(ids, strings.Trim(strings.TrimSpace(part), "\"'"))
	}
	return UniquePlatforms(ids)
}
