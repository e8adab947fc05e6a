// Package aclmatch implements the wildcard pattern matcher used by the
// default ACL engine.
package aclmatch

import "strings"

// Match reports whether moduleId matches pattern. "*" matches any run of
// characters, including the empty run; a lone "*" matches everything. A
// pattern with no "*" requires exact equality. The literal segments
// between "*"s must appear in order within moduleId: the first segment
// must be a prefix of moduleId unless pattern itself starts with "*"; the
// last segment must be a suffix of moduleId unless pattern ends with "*".
// Empty segments produced by consecutive "*"s are skipped without
// advancing the match position. Each segment after the first is matched
// greedily: the first occurrence at or after the current position.
func Match(pattern, moduleID string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == moduleID
	}

	segments := splitNonEmpty(pattern, '*')
	if len(segments) == 0 {
		// pattern is made up entirely of "*"s.
		return true
	}

	pos := 0
	startsWithStar := pattern[0] == '*'
	endsWithStar := pattern[len(pattern)-1] == '*'

	for i, seg := range segments {
		if i == 0 && !startsWithStar {
			if !strings.HasPrefix(moduleID, seg) {
				return false
			}
			pos = len(seg)
			continue
		}
		if i == len(segments)-1 && !endsWithStar {
			if !strings.HasSuffix(moduleID[pos:], seg) {
				return false
			}
			// last segment consumed; position no longer relevant.
			continue
		}
		idx := strings.Index(moduleID[pos:], seg)
		if idx < 0 {
			return false
		}
		pos += idx + len(seg)
	}
	return true
}

// splitNonEmpty splits s on sep, dropping empty segments produced by
// consecutive separators or leading/trailing separators.
func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
