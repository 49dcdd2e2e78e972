package registry

// EvidenceSpan points into the original, unmodified note text.
// Offsets are byte offsets; Quote is the text the extractor claims lives at
// [Start, End). The evidence verifier is the authority on whether the claim
// holds.
type EvidenceSpan struct {
	Quote string `json:"quote"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// EvidenceIndex maps a dotted field path to the spans substantiating it.
type EvidenceIndex map[string][]EvidenceSpan

// SpansFor returns the recorded spans for a field path.
func (idx EvidenceIndex) SpansFor(path string) []EvidenceSpan {
	if idx == nil {
		return nil
	}
	return idx[path]
}

// Set replaces the spans for a field path. An empty slice removes the entry
// so a stripped field leaves no dangling index key.
func (idx EvidenceIndex) Set(path string, spans []EvidenceSpan) {
	if len(spans) == 0 {
		delete(idx, path)
		return
	}
	idx[path] = spans
}

// Add appends one span to a field path.
func (idx EvidenceIndex) Add(path string, span EvidenceSpan) {
	idx[path] = append(idx[path], span)
}

// InBounds reports whether the span's offsets are well formed for a note of
// the given length.
func (s EvidenceSpan) InBounds(noteLen int) bool {
	return s.Start >= 0 && s.Start < s.End && s.End <= noteLen
}
