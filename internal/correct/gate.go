package correct

import (
	"errors"
	"fmt"
	"strings"

	"pulmocode/internal/cpt"
	"pulmocode/internal/evidence"
	"pulmocode/internal/registry"
)

// Gate rejection reasons. Every rejection is logged as SKIPPED:<reason> and
// the loop continues; none of these propagate as errors to the caller.
var (
	ErrUnknownTarget    = errors.New("target code outside rule-set vocabulary")
	ErrEmptyPatch       = errors.New("proposal carries no patch ops")
	ErrPatchTooLarge    = errors.New("patch exceeds op cap")
	ErrPathNotAllowed   = errors.New("patch path outside allow-list")
	ErrEvidenceNotFound = errors.New("evidence quote not found in note")
)

// DefaultAllowedPaths is the fixed set of field paths a correction patch may
// touch: performed leaves and the sub-details the presence rules read.
// Exact paths or wildcard patterns (see registry.MatchPath).
func DefaultAllowedPaths() []string {
	return []string{
		"procedures.*.performed",
		"procedures.linear_ebus.stations_sampled",
		"procedures.linear_ebus.stations_sampled.*",
		"procedures.transbronchial_biopsy.lobes_sampled",
		"procedures.transbronchial_biopsy.lobes_sampled.*",
		"procedures.tbna.sites_sampled",
		"procedures.tbna.sites_sampled.*",
		"procedures.bal.site",
		"procedures.brushing.site",
		"procedures.radial_ebus.lesion_location",
		"procedures.thoracentesis.imaging_guided",
		"procedures.thoracentesis.side",
		"sedation.moderate_sedation",
		"sedation.duration_minutes",
		"sedation.provider_role",
	}
}

// Gate validates untrusted proposals. The judge never gets write access;
// everything it suggests passes through here.
type Gate struct {
	allowedPaths    []string
	maxPatchOps     int
	similarityFloor float64
}

// NewGate builds the validation gate.
func NewGate(allowedPaths []string, maxPatchOps int, similarityFloor float64) *Gate {
	if len(allowedPaths) == 0 {
		allowedPaths = DefaultAllowedPaths()
	}
	if maxPatchOps <= 0 {
		maxPatchOps = 5
	}
	if similarityFloor <= 0 || similarityFloor > 1 {
		similarityFloor = 0.85
	}
	return &Gate{allowedPaths: allowedPaths, maxPatchOps: maxPatchOps, similarityFloor: similarityFloor}
}

// Validate checks a proposal against the allow-list, the op cap, and the
// note text. It does not apply anything.
func (g *Gate) Validate(p *Proposal, noteText string) error {
	if p == nil {
		return ErrEmptyPatch
	}
	if !cpt.Known(p.TargetCode) {
		return fmt.Errorf("%w: %q", ErrUnknownTarget, p.TargetCode)
	}
	if len(p.Patch) == 0 {
		return ErrEmptyPatch
	}
	if len(p.Patch) > g.maxPatchOps {
		return fmt.Errorf("%w: %d ops > %d", ErrPatchTooLarge, len(p.Patch), g.maxPatchOps)
	}
	for _, op := range p.Patch {
		if !g.pathAllowed(op.Path) {
			return fmt.Errorf("%w: %s", ErrPathNotAllowed, op.Path)
		}
	}
	quote := strings.TrimSpace(p.EvidenceQuote)
	if quote == "" {
		return ErrEvidenceNotFound
	}
	if m := evidence.FindQuote(noteText, quote, g.similarityFloor); m.Method == evidence.MatchNone {
		return fmt.Errorf("%w: %q", ErrEvidenceNotFound, truncate(quote, 60))
	}
	return nil
}

func (g *Gate) pathAllowed(path string) bool {
	for _, pattern := range g.allowedPaths {
		if registry.MatchPath(pattern, path) {
			return true
		}
	}
	return false
}

// EvidenceSpanFor locates the proposal's quote and returns the span to index
// under the patched paths. Offsets are recorded only for exact hits.
func (g *Gate) EvidenceSpanFor(p *Proposal, noteText string) registry.EvidenceSpan {
	quote := strings.TrimSpace(p.EvidenceQuote)
	m := evidence.FindQuote(noteText, quote, g.similarityFloor)
	if m.Method == evidence.MatchExact && m.Start >= 0 {
		return registry.EvidenceSpan{Quote: noteText[m.Start:m.End], Start: m.Start, End: m.End}
	}
	return registry.EvidenceSpan{Quote: quote, Start: 0, End: len(quote)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
