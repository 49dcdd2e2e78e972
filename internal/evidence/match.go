package evidence

import (
	"strings"
	"unicode"
)

// MatchMethod reports how a quote was located in the note.
type MatchMethod string

const (
	MatchExact      MatchMethod = "exact"
	MatchNormalized MatchMethod = "normalized"
	MatchFuzzy      MatchMethod = "fuzzy"
	MatchNone       MatchMethod = "none"
)

// Match is the outcome of locating a quote in the note text.
type Match struct {
	Method     MatchMethod
	Similarity float64 // 1.0 for exact/normalized, the ratio for fuzzy
	Start      int     // note offsets of the matched window, -1 when unknown
	End        int
}

// FindQuote locates quote inside note. Policy, in order:
// exact substring; whitespace/case-normalized substring; best equal-length
// window by Levenshtein ratio, accepted at or above floor.
func FindQuote(note, quote string, floor float64) Match {
	quote = strings.TrimSpace(quote)
	if quote == "" {
		return Match{Method: MatchNone, Start: -1, End: -1}
	}

	if i := strings.Index(note, quote); i >= 0 {
		return Match{Method: MatchExact, Similarity: 1.0, Start: i, End: i + len(quote)}
	}

	normNote := normalize(note)
	normQuote := normalize(quote)
	if normQuote != "" && strings.Contains(normNote, normQuote) {
		// Offsets in the normalized string do not map back to the note, so a
		// normalized hit records no span.
		return Match{Method: MatchNormalized, Similarity: 1.0, Start: -1, End: -1}
	}

	sim, start := bestWindow(normNote, normQuote)
	if sim >= floor {
		return Match{Method: MatchFuzzy, Similarity: sim, Start: start, End: -1}
	}
	return Match{Method: MatchNone, Similarity: sim, Start: -1, End: -1}
}

// VerifySpan checks a recorded span against the note: offsets in bounds and
// the quote present at them (exact), else the FindQuote fallback chain.
func VerifySpan(note, quote string, start, end int, floor float64) Match {
	if start >= 0 && start < end && end <= len(note) && note[start:end] == quote {
		return Match{Method: MatchExact, Similarity: 1.0, Start: start, End: end}
	}
	return FindQuote(note, quote, floor)
}

// normalize lowercases and collapses all whitespace runs to single spaces.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// bestWindow slides an equal-length window over the haystack and returns the
// highest Levenshtein ratio and its start offset. Sampling every few bytes
// keeps this linear-ish; candidate windows near token boundaries dominate.
func bestWindow(haystack, needle string) (float64, int) {
	n := len(needle)
	if n == 0 || len(haystack) < n {
		return 0, -1
	}
	best, bestAt := 0.0, -1
	step := 1
	if n > 32 {
		step = 4
	}
	for i := 0; i+n <= len(haystack); i += step {
		sim := ratio(haystack[i:i+n], needle)
		if sim > best {
			best, bestAt = sim, i
			if best == 1.0 {
				break
			}
		}
	}
	return best, bestAt
}

// ratio is the normalized Levenshtein similarity: 1 - dist/maxLen.
func ratio(a, b string) float64 {
	if a == b {
		return 1.0
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein(a, b))/float64(maxLen)
}

// levenshtein computes edit distance with a two-row table.
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
