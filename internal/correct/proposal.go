// Package correct implements the guarded self-correction loop: the only
// component permitted to mutate a record after extraction, and only through
// validated, evidence-backed patches applied to copies.
package correct

import (
	"context"

	"pulmocode/internal/registry"
)

// Proposal is an untrusted minimal patch suggested by the external judge.
// It is never applied directly; every proposal passes the Gate first.
type Proposal struct {
	TargetCode    string             `json:"target_code"`
	Patch         []registry.PatchOp `json:"patch"`
	EvidenceQuote string             `json:"evidence_quote"`
	Rationale     string             `json:"rationale"`
}

// Judge is the external correction oracle. A nil proposal with nil error
// means the judge declined; both are treated as "no correction".
type Judge interface {
	Propose(ctx context.Context, noteText string, rec *registry.ClinicalRecord, discrepancy string) (*Proposal, error)
}

// State names for the per-omission correction machine.
type State string

const (
	StateIdle      State = "IDLE"
	StateTriggered State = "TRIGGERED"
	StateProposed  State = "PROPOSED"
	StateValidated State = "VALIDATED"
	StateApplied   State = "APPLIED"
	StateReAudited State = "RE_AUDITED"
	StateAccept    State = "ACCEPT"
	StateRollback  State = "ROLLBACK"
)

// Disposition is the terminal outcome of handling one omission.
type Disposition string

const (
	DispositionAccepted Disposition = "ACCEPTED"
	DispositionSkipped  Disposition = "SKIPPED"
	DispositionRollback Disposition = "ROLLBACK"
)

// Outcome records how far one omission travelled through the machine.
type Outcome struct {
	TargetCode  string      `json:"target_code"`
	Bucket      string      `json:"bucket"`
	LastState   State       `json:"last_state"`
	Disposition Disposition `json:"disposition"`
	Reason      string      `json:"reason,omitempty"`
}

func skipped(target, bucket string, last State, reason string) Outcome {
	return Outcome{
		TargetCode:  target,
		Bucket:      bucket,
		LastState:   last,
		Disposition: DispositionSkipped,
		Reason:      reason,
	}
}
