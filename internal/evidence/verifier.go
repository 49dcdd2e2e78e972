// Package evidence enforces the rule that no clinical assertion survives in
// a record without a quotable basis in the source note. Verification is
// strip-only: fields lacking support are reset to their defaults, never
// invented or embellished.
package evidence

import (
	"fmt"
	"sort"

	"pulmocode/internal/registry"
)

// Warning codes emitted by the verifier.
const (
	WarnEvidenceMissing = "EVIDENCE_MISSING"
	WarnSpanRepaired    = "EVIDENCE_SPAN_REPAIRED"
)

// Warning is one verifier finding, formatted for the pipeline's aggregate
// warning list.
type Warning struct {
	Code  string `json:"code"`
	Path  string `json:"path"`
	Debug string `json:"detail,omitempty"`
}

func (w Warning) String() string {
	if w.Debug == "" {
		return fmt.Sprintf("%s %s", w.Code, w.Path)
	}
	return fmt.Sprintf("%s %s: %s", w.Code, w.Path, w.Debug)
}

// Verifier validates evidence spans against note text.
type Verifier struct {
	similarityFloor float64
}

// NewVerifier constructs a verifier with the configured fuzzy-match floor.
func NewVerifier(similarityFloor float64) *Verifier {
	if similarityFloor <= 0 || similarityFloor > 1 {
		similarityFloor = 0.85
	}
	return &Verifier{similarityFloor: similarityFloor}
}

// Verify returns a verified copy of the record plus warnings. For every
// performed leaf and device field set in the record, the evidence index
// entries are checked against the note; a field left with zero valid spans
// is cleared. Invalid spans are dropped from the index; spans whose offsets
// were wrong but whose quote was found exactly elsewhere are repaired.
// Verify is idempotent: a verified record passes unchanged.
func (v *Verifier) Verify(rec *registry.ClinicalRecord, noteText string) (*registry.ClinicalRecord, []Warning) {
	out := rec.Clone()
	var warnings []Warning

	for _, f := range registry.PerformedFields() {
		if !f.Get(out) {
			// A false leaf needs no evidence, but stale index entries for it
			// are dropped so the soundness invariant reads cleanly.
			out.Evidence.Set(f.Path, nil)
			continue
		}
		kept := v.filterSpans(out.Evidence.SpansFor(f.Path), noteText, &warnings, f.Path)
		out.Evidence.Set(f.Path, kept)
		if len(kept) == 0 {
			f.Clear(out)
			warnings = append(warnings, Warning{Code: WarnEvidenceMissing, Path: f.Path})
		}
	}

	for _, f := range registry.DeviceFields() {
		if f.Get(out) == "" {
			out.Evidence.Set(f.Path, nil)
			continue
		}
		kept := v.filterSpans(out.Evidence.SpansFor(f.Path), noteText, &warnings, f.Path)
		// A device string with no recorded span can still stand on its own
		// text: the name itself must appear in the note.
		if len(kept) == 0 {
			if m := FindQuote(noteText, f.Get(out), v.similarityFloor); m.Method != MatchNone {
				if m.Start >= 0 && m.End > m.Start {
					kept = []registry.EvidenceSpan{{Quote: noteText[m.Start:m.End], Start: m.Start, End: m.End}}
				}
			} else {
				f.Clear(out)
				warnings = append(warnings, Warning{Code: WarnEvidenceMissing, Path: f.Path})
			}
		}
		out.Evidence.Set(f.Path, kept)
	}

	sort.Slice(warnings, func(i, j int) bool {
		if warnings[i].Path != warnings[j].Path {
			return warnings[i].Path < warnings[j].Path
		}
		return warnings[i].Code < warnings[j].Code
	})
	return out, warnings
}

// filterSpans keeps spans that verify against the note, repairing offsets
// when the quote is found exactly at a different location.
func (v *Verifier) filterSpans(spans []registry.EvidenceSpan, noteText string, warnings *[]Warning, path string) []registry.EvidenceSpan {
	var kept []registry.EvidenceSpan
	for _, s := range spans {
		m := VerifySpan(noteText, s.Quote, s.Start, s.End, v.similarityFloor)
		switch m.Method {
		case MatchExact:
			if m.Start != s.Start || m.End != s.End {
				*warnings = append(*warnings, Warning{
					Code: WarnSpanRepaired, Path: path,
					Debug: fmt.Sprintf("offsets moved %d:%d -> %d:%d", s.Start, s.End, m.Start, m.End),
				})
			}
			kept = append(kept, registry.EvidenceSpan{Quote: s.Quote, Start: m.Start, End: m.End})
		case MatchNormalized, MatchFuzzy:
			// Quote is supportable but offsets are unrecoverable; keep the
			// quote with its original claimed span so callers can still show
			// context, flagged by leaving offsets untouched.
			kept = append(kept, s)
		case MatchNone:
			// Dropped silently; the field-level EVIDENCE_MISSING warning
			// fires only if nothing survives.
		}
	}
	return kept
}

// Sound reports whether every performed leaf set in the record carries at
// least one span that verifies against the note. It is the checkable form of
// the evidence-soundness invariant and is used by tests and the pipeline's
// final assertion.
func (v *Verifier) Sound(rec *registry.ClinicalRecord, noteText string) bool {
	for _, f := range registry.PerformedFields() {
		if !f.Get(rec) {
			continue
		}
		ok := false
		for _, s := range rec.Evidence.SpansFor(f.Path) {
			if VerifySpan(noteText, s.Quote, s.Start, s.End, v.similarityFloor).Method != MatchNone {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
