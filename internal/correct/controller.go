package correct

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"pulmocode/internal/auditcmp"
	"pulmocode/internal/cpt"
	"pulmocode/internal/derive"
	"pulmocode/internal/evidence"
	"pulmocode/internal/logging"
	"pulmocode/internal/registry"
)

// Config bounds the correction loop.
type Config struct {
	// MaxAccepted caps accepted corrections per note. Further omissions are
	// logged but not retried in the same run.
	MaxAccepted int `yaml:"max_accepted"`
	// MaxPatchOps caps the size of a single proposal.
	MaxPatchOps int `yaml:"max_patch_ops"`
	// AllowedPaths overrides the default patch-path allow-list.
	AllowedPaths []string `yaml:"allowed_paths"`
	// SimilarityFloor is the fuzzy-match floor for evidence quotes, shared
	// with the verifier's policy.
	SimilarityFloor float64 `yaml:"similarity_floor"`
	// JudgeTimeout bounds each judge call. Timeout is treated as a declined
	// proposal, never as a fatal error.
	JudgeTimeout time.Duration `yaml:"judge_timeout"`
}

// DefaultConfig returns the shipping loop bounds.
func DefaultConfig() Config {
	return Config{
		MaxAccepted:     1,
		MaxPatchOps:     5,
		SimilarityFloor: 0.85,
		JudgeTimeout:    30 * time.Second,
	}
}

// Controller drives the per-note correction state machine. It owns the only
// code path that replaces a record after extraction.
type Controller struct {
	cfg        Config
	judge      Judge
	gate       *Gate
	verifier   *evidence.Verifier
	engine     *derive.Engine
	comparator *auditcmp.Comparator
	auditLog   *logging.CorrectionLog
}

// NewController wires the controller. auditLog may be nil (no sink).
func NewController(
	cfg Config,
	judge Judge,
	verifier *evidence.Verifier,
	engine *derive.Engine,
	comparator *auditcmp.Comparator,
	auditLog *logging.CorrectionLog,
) *Controller {
	if cfg.MaxAccepted <= 0 {
		cfg.MaxAccepted = 1
	}
	return &Controller{
		cfg:        cfg,
		judge:      judge,
		gate:       NewGate(cfg.AllowedPaths, cfg.MaxPatchOps, cfg.SimilarityFloor),
		verifier:   verifier,
		engine:     engine,
		comparator: comparator,
		auditLog:   auditLog,
	}
}

// Resolution is the controller's output: possibly-corrected state plus the
// per-omission outcome trail.
type Resolution struct {
	Record   *registry.ClinicalRecord
	Derived  derive.Result
	Report   auditcmp.Report
	Outcomes []Outcome
	Accepted int
}

// Resolve walks the actionable omissions from the audit report and attempts
// at most MaxAccepted corrections. Every mutation happens on a clone and is
// kept only after re-verification, re-derivation, and re-audit confirm the
// target code appears and the record actually changed.
func (c *Controller) Resolve(
	ctx context.Context,
	noteText, noteHash string,
	rec *registry.ClinicalRecord,
	derived derive.Result,
	report auditcmp.Report,
) Resolution {
	log := logging.Get(logging.CategoryCorrection)
	res := Resolution{Record: rec, Derived: derived, Report: report}

	for _, omission := range report.ActionableOmissions() {
		if ctx.Err() != nil {
			res.Outcomes = append(res.Outcomes,
				skipped(omission.Code, string(omission.Bucket), StateIdle, "run cancelled"))
			continue
		}
		if res.Accepted >= c.cfg.MaxAccepted {
			res.Outcomes = append(res.Outcomes,
				skipped(omission.Code, string(omission.Bucket), StateIdle, "correction budget exhausted"))
			continue
		}
		// The omission may have been resolved by an earlier accepted patch.
		if res.Derived.Has(omission.Code) {
			continue
		}
		outcome := c.attempt(ctx, noteText, noteHash, omission, &res)
		res.Outcomes = append(res.Outcomes, outcome)
		log.Debugw("correction outcome",
			"target", outcome.TargetCode,
			"disposition", string(outcome.Disposition),
			"state", string(outcome.LastState),
			"reason", outcome.Reason)
	}
	return res
}

// attempt runs one omission through TRIGGERED -> ... -> ACCEPT/ROLLBACK.
func (c *Controller) attempt(
	ctx context.Context,
	noteText, noteHash string,
	omission auditcmp.Prediction,
	res *Resolution,
) Outcome {
	bucket := string(omission.Bucket)

	// IDLE -> TRIGGERED. The keyword guard is an independent check that the
	// note even mentions the procedure; header-explicit and structural
	// triggers carry their own justification and bypass it.
	if omission.Bucket == auditcmp.BucketHighConf && !keywordPresent(noteText, omission.Code) {
		return skipped(omission.Code, bucket, StateIdle, "keyword guard: no supporting terms in note")
	}

	// TRIGGERED -> PROPOSED.
	discrepancy := fmt.Sprintf(
		"classifier predicts %s (%s, p=%.2f) but derivation from the record omits it",
		omission.Code, bucket, omission.Probability)
	judgeCtx, cancel := context.WithTimeout(ctx, c.cfg.JudgeTimeout)
	proposal, err := c.judge.Propose(judgeCtx, noteText, res.Record, discrepancy)
	cancel()
	if err != nil {
		return skipped(omission.Code, bucket, StateTriggered, fmt.Sprintf("judge unavailable: %v", err))
	}
	if proposal == nil {
		return skipped(omission.Code, bucket, StateTriggered, "judge declined")
	}
	if proposal.TargetCode == "" {
		proposal.TargetCode = omission.Code
	}

	// PROPOSED -> VALIDATED.
	if err := c.gate.Validate(proposal, noteText); err != nil {
		return skipped(omission.Code, bucket, StateProposed, err.Error())
	}

	// VALIDATED -> APPLIED. Always on a clone.
	patched, err := registry.ApplyPatch(res.Record, proposal.Patch)
	if err != nil {
		return skipped(omission.Code, bucket, StateValidated, fmt.Sprintf("patch apply: %v", err))
	}
	span := c.gate.EvidenceSpanFor(proposal, noteText)
	for _, op := range proposal.Patch {
		if op.Op != registry.OpRemove {
			patched.Evidence.Add(op.Path, span)
		}
	}

	// APPLIED -> RE_AUDITED: the full verify/derive/audit pipeline reruns on
	// the copy.
	verified, _ := c.verifier.Verify(patched, noteText)
	rederived := c.engine.Derive(verified)
	reaudited := c.comparator.Audit(ctx, rederived, noteText, verified)

	// RE_AUDITED -> ACCEPT requires the target present and a real change.
	if !rederived.Has(proposal.TargetCode) {
		return Outcome{
			TargetCode:  omission.Code,
			Bucket:      bucket,
			LastState:   StateReAudited,
			Disposition: DispositionRollback,
			Reason:      "target code absent after re-derivation",
		}
	}
	if cmp.Equal(registry.Flatten(res.Record), registry.Flatten(verified)) {
		return Outcome{
			TargetCode:  omission.Code,
			Bucket:      bucket,
			LastState:   StateReAudited,
			Disposition: DispositionRollback,
			Reason:      "no-op patch: record unchanged",
		}
	}

	entry := logging.CorrectionEntry{
		ID:             uuid.NewString(),
		NoteHash:       noteHash,
		Timestamp:      time.Now().UTC(),
		TargetCode:     proposal.TargetCode,
		TriggerBucket:  bucket,
		MLProbability:  omission.Probability,
		AppliedPaths:   patchPaths(proposal.Patch),
		EvidenceQuote:  strings.TrimSpace(proposal.EvidenceQuote),
		CodesBefore:    codeList(res.Derived),
		CodesAfter:     codeList(rederived),
		JudgeRationale: proposal.Rationale,
	}
	if err := c.auditLog.Append(entry); err != nil {
		logging.Get(logging.CategoryCorrection).Warnw("correction audit write failed", "error", err)
	}

	res.Record = verified
	res.Derived = rederived
	res.Report = reaudited
	res.Accepted++
	return Outcome{
		TargetCode:  omission.Code,
		Bucket:      bucket,
		LastState:   StateAccept,
		Disposition: DispositionAccepted,
	}
}

func keywordPresent(noteText, code string) bool {
	note := strings.ToLower(noteText)
	for _, kw := range cpt.Keywords[code] {
		if strings.Contains(note, kw) {
			return true
		}
	}
	return false
}

func patchPaths(ops []registry.PatchOp) []string {
	paths := make([]string, 0, len(ops))
	for _, op := range ops {
		paths = append(paths, op.Path)
	}
	return paths
}

func codeList(res derive.Result) []string {
	codes := make([]string, 0, len(res.Codes))
	for _, c := range res.Codes {
		codes = append(codes, c.Code)
	}
	return codes
}
