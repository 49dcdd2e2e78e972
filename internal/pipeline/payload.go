package pipeline

import (
	"encoding/json"

	"pulmocode/internal/evidence"
	"pulmocode/internal/registry"
)

// Payload is the JSON shape exposed to callers and the review UI.
type Payload struct {
	Registry          map[string]any `json:"registry"`
	CPTCodes          []PayloadCode  `json:"cpt_codes"`
	AuditWarnings     []string       `json:"audit_warnings"`
	NeedsManualReview bool           `json:"needs_manual_review"`
	ReviewStatus      ReviewStatus   `json:"review_status"`
}

// PayloadCode is one billed code with its supporting evidence.
type PayloadCode struct {
	Code        string            `json:"code"`
	Description string            `json:"description"`
	Units       int               `json:"units"`
	Modifiers   []string          `json:"modifiers,omitempty"`
	DerivedFrom []string          `json:"derived_from"`
	Evidence    []PayloadEvidence `json:"evidence"`
}

// PayloadEvidence is one supporting quote. Source is the record path the
// span substantiates; Confidence is the match strength of the quote against
// the note at payload-build time.
type PayloadEvidence struct {
	Source     string  `json:"source"`
	Text       string  `json:"text"`
	Span       [2]int  `json:"span"`
	Confidence float64 `json:"confidence"`
}

// BuildPayload flattens the result into the produced JSON contract.
func (o *Orchestrator) BuildPayload(res *Result, noteText string) Payload {
	p := Payload{
		Registry:          registry.Flatten(res.Record),
		CPTCodes:          make([]PayloadCode, 0, len(res.Derived.Codes)),
		AuditWarnings:     res.Warnings,
		NeedsManualReview: res.NeedsManualReview,
		ReviewStatus:      res.ReviewStatus,
	}
	if p.AuditWarnings == nil {
		p.AuditWarnings = []string{}
	}
	floor := o.cfg.Evidence.SimilarityFloor
	for _, c := range res.Derived.Codes {
		pc := PayloadCode{
			Code:        c.Code,
			Description: c.Description,
			Units:       c.Units,
			Modifiers:   c.Modifiers,
			DerivedFrom: c.DerivedFrom,
			Evidence:    []PayloadEvidence{},
		}
		for _, path := range c.DerivedFrom {
			for _, span := range res.Record.Evidence.SpansFor(path) {
				m := evidence.VerifySpan(noteText, span.Quote, span.Start, span.End, floor)
				pc.Evidence = append(pc.Evidence, PayloadEvidence{
					Source:     path,
					Text:       span.Quote,
					Span:       [2]int{span.Start, span.End},
					Confidence: m.Similarity,
				})
			}
		}
		p.CPTCodes = append(p.CPTCodes, pc)
	}
	return p
}

// MarshalIndent renders the payload for CLI output.
func (p Payload) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}
