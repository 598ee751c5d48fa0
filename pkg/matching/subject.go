package matching

import (
	"regexp"
	"strings"
)

var rxReplyPrefix = regexp.MustCompile(`(?i)^\s*((re|fw|fwd|aw|wg|sv|vs|antw|rif|tr|r)\s*(\[\d+\])?\s*:\s*)+`)

// NormalizeSubject strips reply/forward prefixes (Re:, Fwd:, AW:, ...), collapses whitespace
// and lowercases.
func NormalizeSubject(subject string) string {
	s := subject
	for {
		stripped := rxReplyPrefix.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// SubjectCorrelates reports whether the normalized inbound subject contains the normalized
// original. An empty original never correlates.
func SubjectCorrelates(original, inbound string) bool {
	o := NormalizeSubject(original)
	in := NormalizeSubject(inbound)
	if o == "" || in == "" {
		return false
	}
	return strings.Contains(in, o)
}

// HasReplyPrefix reports whether the subject starts with a reply marker.
func HasReplyPrefix(subject string) bool {
	loc := rxReplyPrefix.FindStringIndex(subject)
	if loc == nil {
		return false
	}
	prefix := strings.ToLower(strings.TrimSpace(subject[loc[0]:loc[1]]))
	return !strings.HasPrefix(prefix, "fw")
}
