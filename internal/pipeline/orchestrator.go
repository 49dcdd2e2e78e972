// Package pipeline sequences the per-note flow: extraction, evidence
// verification, code derivation, independent audit, and guarded
// self-correction. One orchestrator instance serves many notes; per-note
// state never crosses between notes.
package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"pulmocode/internal/auditcmp"
	"pulmocode/internal/config"
	"pulmocode/internal/correct"
	"pulmocode/internal/derive"
	"pulmocode/internal/evidence"
	"pulmocode/internal/logging"
	"pulmocode/internal/perception"
	"pulmocode/internal/registry"
	"pulmocode/internal/store"
)

// ReviewStatus summarizes how much trust the output deserves.
type ReviewStatus string

const (
	StatusAutoApproved ReviewStatus = "auto_approved"
	StatusCorrected    ReviewStatus = "corrected"
	StatusNeedsReview  ReviewStatus = "needs_review"
	StatusDegraded     ReviewStatus = "degraded"
)

// Result is the final per-note output tuple.
type Result struct {
	NoteHash          string
	Record            *registry.ClinicalRecord
	Derived           derive.Result
	Report            auditcmp.Report
	Outcomes          []correct.Outcome
	Warnings          []string
	NeedsManualReview bool
	ReviewStatus      ReviewStatus
	// Degraded marks a result produced without a completed audit or with an
	// abandoned correction pass (cancellation or audit backend failure).
	Degraded bool
}

// Orchestrator wires the pipeline components. Construct once, reuse across
// notes and goroutines.
type Orchestrator struct {
	cfg        config.Config
	extractor  perception.Extractor
	classifier auditcmp.Classifier
	verifier   *evidence.Verifier
	engine     *derive.Engine
	comparator *auditcmp.Comparator
	controller *correct.Controller
	sem        *semaphore.Weighted
}

// New assembles an orchestrator. judge and auditLog may be nil: without a
// judge the pipeline derives and audits but never corrects.
func New(
	cfg config.Config,
	extractor perception.Extractor,
	classifier auditcmp.Classifier,
	judge correct.Judge,
	auditLog *logging.CorrectionLog,
) *Orchestrator {
	// The verifier and the proposal gate share one fuzzy-match policy.
	if cfg.Correction.SimilarityFloor == 0 {
		cfg.Correction.SimilarityFloor = cfg.Evidence.SimilarityFloor
	}

	sem := semaphore.NewWeighted(cfg.Services.MaxConcurrentCalls)
	boundedClassifier := &boundedClassifier{inner: classifier, sem: sem}

	verifier := evidence.NewVerifier(cfg.Evidence.SimilarityFloor)
	engine := derive.NewEngine(cfg.Derive)
	comparator := auditcmp.NewComparator(cfg.Audit, boundedClassifier)

	var controller *correct.Controller
	if judge != nil {
		boundedJudge := &boundedJudge{inner: judge, sem: sem}
		controller = correct.NewController(cfg.Correction, boundedJudge, verifier, engine, comparator, auditLog)
	}

	return &Orchestrator{
		cfg:        cfg,
		extractor:  extractor,
		classifier: boundedClassifier,
		verifier:   verifier,
		engine:     engine,
		comparator: comparator,
		controller: controller,
		sem:        sem,
	}
}

// Run processes one note. The only fatal failure is extraction; every
// downstream external failure degrades the result and flags it for review
// instead of erroring.
func (o *Orchestrator) Run(ctx context.Context, noteText string) (*Result, error) {
	log := logging.Get(logging.CategoryPipeline)
	noteHash := store.NoteHash(noteText)

	rec, err := o.extractor.Extract(ctx, noteText)
	if err != nil {
		return nil, fmt.Errorf("extraction failed: %w", err)
	}

	verified, evidenceWarnings := o.verifier.Verify(rec, noteText)
	stripped := false
	var warnings []string
	for _, w := range evidenceWarnings {
		warnings = append(warnings, w.String())
		if w.Code == evidence.WarnEvidenceMissing {
			stripped = true
		}
	}

	derived := o.engine.Derive(verified)
	warnings = append(warnings, derived.Warnings...)

	report := o.comparator.Audit(ctx, derived, noteText, verified)
	warnings = append(warnings, report.Warnings...)

	var outcomes []correct.Outcome
	accepted := 0
	if o.controller != nil && len(report.ActionableOmissions()) > 0 && ctx.Err() == nil {
		resolution := o.controller.Resolve(ctx, noteText, noteHash, verified, derived, report)
		verified = resolution.Record
		derived = resolution.Derived
		report = resolution.Report
		outcomes = resolution.Outcomes
		accepted = resolution.Accepted
		for _, oc := range outcomes {
			if oc.Disposition != correct.DispositionAccepted {
				warnings = append(warnings, fmt.Sprintf("%s:%s %s", oc.Disposition, oc.TargetCode, oc.Reason))
			}
		}
	}

	unresolved := len(report.ActionableOmissions()) > 0
	for _, code := range report.ExtraInDerived {
		warnings = append(warnings, fmt.Sprintf("AUDIT_EXTRA: derived %s has no classifier support", code))
	}

	res := &Result{
		NoteHash: noteHash,
		Record:   verified,
		Derived:  derived,
		Report:   report,
		Outcomes: outcomes,
		Warnings: warnings,
		Degraded: report.Degraded || ctx.Err() != nil,
	}
	res.NeedsManualReview = stripped || unresolved || len(derived.Warnings) > 0 ||
		res.Degraded || len(report.ExtraInDerived) > 0
	res.ReviewStatus = reviewStatus(res, accepted)

	log.Infow("note processed",
		"note_hash", shortHash(noteHash),
		"codes", len(derived.Codes),
		"warnings", len(warnings),
		"accepted_corrections", accepted,
		"status", string(res.ReviewStatus))
	return res, nil
}

// RunBatch processes notes across a bounded worker pool, one note per task.
// Results are positional; a nil result carries its error in errs.
func (o *Orchestrator) RunBatch(ctx context.Context, notes []string) ([]*Result, []error) {
	results := make([]*Result, len(notes))
	errs := make([]error, len(notes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for i, note := range notes {
		g.Go(func() error {
			res, err := o.Run(gctx, note)
			results[i] = res
			errs[i] = err
			// Per-note failures are reported positionally, never abort the
			// batch.
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

func reviewStatus(res *Result, accepted int) ReviewStatus {
	switch {
	case res.Degraded:
		return StatusDegraded
	case res.NeedsManualReview:
		return StatusNeedsReview
	case accepted > 0:
		return StatusCorrected
	default:
		return StatusAutoApproved
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// boundedClassifier applies the orchestrator's call-boundary semaphore to
// classifier calls so a backend rate limit is honored in one place.
type boundedClassifier struct {
	inner auditcmp.Classifier
	sem   *semaphore.Weighted
}

func (b *boundedClassifier) Classify(ctx context.Context, noteText string) ([]auditcmp.CodeScore, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer b.sem.Release(1)
	return b.inner.Classify(ctx, noteText)
}

// boundedJudge does the same for judge calls.
type boundedJudge struct {
	inner correct.Judge
	sem   *semaphore.Weighted
}

func (b *boundedJudge) Propose(ctx context.Context, noteText string, rec *registry.ClinicalRecord, discrepancy string) (*correct.Proposal, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer b.sem.Release(1)
	return b.inner.Propose(ctx, noteText, rec, discrepancy)
}
