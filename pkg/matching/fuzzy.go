package matching

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// LevenshteinDistance calculates the edit distance between two strings
// after normalization (lowercase, accents removed, whitespace collapsed).
func LevenshteinDistance(s1, s2 string) int {
	r1 := []rune(normalizeName(s1))
	r2 := []rune(normalizeName(s2))
	m, n := len(r1), len(r2)

	if m == 0 {
		return n
	}
	if n == 0 {
		return m
	}

	prev := make([]int, n+1)
	cur := make([]int, n+1)
	for j := 0; j <= n; j++ {
		prev[j] = j
	}

	for i := 1; i <= m; i++ {
		cur[0] = i
		for j := 1; j <= n; j++ {
			cost := 0
			if r1[i-1] != r2[j-1] {
				cost = 1
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}

	return prev[n]
}

// NameMatches reports whether a sender display name refers to the contact name.
// Tolerates reordering ("Doe, Jane"), missing middle names and small typos.
func NameMatches(contactName, displayName string) bool {
	c := normalizeName(contactName)
	d := normalizeName(strings.ReplaceAll(displayName, ",", " "))
	if c == "" || d == "" {
		return false
	}
	if c == d || strings.Contains(d, c) {
		return true
	}

	threshold := 1
	if len(c) >= 8 {
		threshold = 2
	}

	// Every word of the contact name must appear (approximately) in the display name.
	displayWords := strings.Fields(d)
	for _, cw := range strings.Fields(c) {
		found := false
		for _, dw := range displayWords {
			if dw == cw || (len(cw) > 3 && LevenshteinDistance(cw, dw) <= threshold) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func normalizeName(s string) string {
	// transform.Chain keeps internal buffers, so build one per call.
	stripAccents := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if out, _, err := transform.String(stripAccents, s); err == nil {
		s = out
	}
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if r == 'đ' {
			return 'd'
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return r
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
