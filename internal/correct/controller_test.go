package correct

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"pulmocode/internal/auditcmp"
	"pulmocode/internal/cpt"
	"pulmocode/internal/derive"
	"pulmocode/internal/evidence"
	"pulmocode/internal/registry"
)

// scriptedJudge returns proposals in order, one per call.
type scriptedJudge struct {
	proposals []*Proposal
	err       error
	calls     int
}

func (j *scriptedJudge) Propose(ctx context.Context, noteText string, rec *registry.ClinicalRecord, discrepancy string) (*Proposal, error) {
	j.calls++
	if j.err != nil {
		return nil, j.err
	}
	if len(j.proposals) == 0 {
		return nil, nil
	}
	p := j.proposals[0]
	j.proposals = j.proposals[1:]
	return p, nil
}

type scriptedClassifier struct {
	scores []auditcmp.CodeScore
}

func (c *scriptedClassifier) Classify(ctx context.Context, noteText string) ([]auditcmp.CodeScore, error) {
	return c.scores, nil
}

// harness bundles the real verify/derive/audit stack around scripted externals.
type harness struct {
	verifier   *evidence.Verifier
	engine     *derive.Engine
	comparator *auditcmp.Comparator
	judge      *scriptedJudge
}

func newHarness(scores []auditcmp.CodeScore, proposals ...*Proposal) *harness {
	return &harness{
		verifier:   evidence.NewVerifier(0.85),
		engine:     derive.NewEngine(derive.DefaultConfig()),
		comparator: auditcmp.NewComparator(auditcmp.DefaultConfig(), &scriptedClassifier{scores: scores}),
		judge:      &scriptedJudge{proposals: proposals},
	}
}

func (h *harness) controller(cfg Config) *Controller {
	return NewController(cfg, h.judge, h.verifier, h.engine, h.comparator, nil)
}

// run verifies, derives, and audits the record, then resolves.
func (h *harness) run(t *testing.T, cfg Config, rec *registry.ClinicalRecord, note string) Resolution {
	t.Helper()
	ctx := context.Background()
	verified, _ := h.verifier.Verify(rec, note)
	derived := h.engine.Derive(verified)
	report := h.comparator.Audit(ctx, derived, note, verified)
	return h.controller(cfg).Resolve(ctx, note, "deadbeef", verified, derived, report)
}

func addSpan(rec *registry.ClinicalRecord, note, path, quote string) {
	i := strings.Index(note, quote)
	rec.Evidence.Add(path, registry.EvidenceSpan{Quote: quote, Start: i, End: i + len(quote)})
}

func replaceOp(path string, value any) registry.PatchOp {
	raw, _ := json.Marshal(value)
	return registry.PatchOp{Op: registry.OpReplace, Path: path, Value: raw}
}

// The extractor missed radial EBUS; the classifier flags it, the judge
// proposes the flip, and the corrected record derives the add-on.
func TestResolveAcceptsRadialEBUSCorrection(t *testing.T) {
	note := "Bronchoalveolar lavage performed in the right middle lobe. " +
		"A radial EBUS probe was then advanced to the peripheral lesion with a concentric view."

	rec := registry.NewRecord()
	rec.Procedures.BAL.Performed = true
	rec.Procedures.BAL.Site = "RML"
	addSpan(rec, note, "procedures.bal.performed", "Bronchoalveolar lavage performed")

	h := newHarness(
		[]auditcmp.CodeScore{
			{Code: cpt.BAL, Probability: 0.97},
			{Code: cpt.RadialEBUS, Probability: 0.91},
		},
		&Proposal{
			TargetCode:    cpt.RadialEBUS,
			Patch:         []registry.PatchOp{replaceOp("procedures.radial_ebus.performed", true)},
			EvidenceQuote: "A radial EBUS probe was then advanced to the peripheral lesion",
			Rationale:     "note documents radial probe survey",
		},
	)

	res := h.run(t, DefaultConfig(), rec, note)

	if res.Accepted != 1 {
		t.Fatalf("Accepted = %d, outcomes %+v", res.Accepted, res.Outcomes)
	}
	if !res.Derived.Has(cpt.RadialEBUS) {
		t.Error("corrected derivation must include 31654")
	}
	if !res.Record.Procedures.RadialEBUS.Performed {
		t.Error("corrected record must carry the flipped leaf")
	}
	if len(res.Record.Evidence.SpansFor("procedures.radial_ebus.performed")) == 0 {
		t.Error("accepted correction must index its evidence quote")
	}
	if len(res.Report.ActionableOmissions()) != 0 {
		t.Errorf("re-audit should show no actionable omissions, got %v", res.Report.MissingInDerived)
	}
	if res.Outcomes[0].Disposition != DispositionAccepted || res.Outcomes[0].LastState != StateAccept {
		t.Errorf("outcome = %+v", res.Outcomes[0])
	}
}

// Header authority: the note header names 31653 but only two stations were
// extracted, so derivation produced 31652. Adding the missed station flips the
// pair.
func TestResolveHeaderExplicitStationCorrection(t *testing.T) {
	note := "Procedures performed: 31653\n" +
		"Linear EBUS was performed with sampling of stations 4R and 7. " +
		"Station 11L was also sampled with three needle passes."

	rec := registry.NewRecord()
	rec.Procedures.LinearEBUS.Performed = true
	rec.Procedures.LinearEBUS.StationsSampled = []string{"4R", "7"}
	addSpan(rec, note, "procedures.linear_ebus.performed", "Linear EBUS was performed")

	h := newHarness(
		[]auditcmp.CodeScore{{Code: cpt.EBUSHigh, Probability: 0.93}},
		&Proposal{
			TargetCode:    cpt.EBUSHigh,
			Patch:         []registry.PatchOp{replaceOp("procedures.linear_ebus.stations_sampled", []string{"4R", "7", "11L"})},
			EvidenceQuote: "Station 11L was also sampled",
		},
	)

	res := h.run(t, DefaultConfig(), rec, note)

	if res.Accepted != 1 {
		t.Fatalf("Accepted = %d, outcomes %+v", res.Accepted, res.Outcomes)
	}
	if !res.Derived.Has(cpt.EBUSHigh) {
		t.Error("corrected derivation must bill 31653")
	}
	if res.Derived.Has(cpt.EBUSLow) {
		t.Error("31652 must vanish when 31653 appears")
	}
	if res.Outcomes[0].Bucket != string(auditcmp.BucketHeaderExplicit) {
		t.Errorf("trigger bucket = %s, want HEADER_EXPLICIT", res.Outcomes[0].Bucket)
	}
}

func TestResolveKeywordGuardBlocksHighConf(t *testing.T) {
	// Nothing in the note mentions a stent; a stray high-confidence
	// prediction must not reach the judge.
	note := "Diagnostic bronchoscopy performed. Airways were normal throughout."

	rec := registry.NewRecord()
	rec.Procedures.Diagnostic.Performed = true
	addSpan(rec, note, "procedures.diagnostic.performed", "Diagnostic bronchoscopy performed")

	h := newHarness([]auditcmp.CodeScore{
		{Code: cpt.DiagnosticBronch, Probability: 0.95},
		{Code: cpt.TrachealStent, Probability: 0.90},
	})

	res := h.run(t, DefaultConfig(), rec, note)

	if h.judge.calls != 0 {
		t.Errorf("judge called %d times; keyword guard should have blocked", h.judge.calls)
	}
	if len(res.Outcomes) != 1 || res.Outcomes[0].Disposition != DispositionSkipped {
		t.Fatalf("outcomes = %+v", res.Outcomes)
	}
	if !strings.Contains(res.Outcomes[0].Reason, "keyword guard") {
		t.Errorf("reason = %q", res.Outcomes[0].Reason)
	}
}

func TestResolveJudgeFailureIsSkipped(t *testing.T) {
	note := "Bronchoalveolar lavage performed in the lingula."
	rec := registry.NewRecord()

	h := newHarness([]auditcmp.CodeScore{{Code: cpt.BAL, Probability: 0.92}})
	h.judge.err = errors.New("judge backend 503")

	res := h.run(t, DefaultConfig(), rec, note)

	if res.Accepted != 0 {
		t.Fatal("judge failure must not accept anything")
	}
	if len(res.Outcomes) != 1 || res.Outcomes[0].Disposition != DispositionSkipped {
		t.Fatalf("outcomes = %+v", res.Outcomes)
	}
	if res.Outcomes[0].LastState != StateTriggered {
		t.Errorf("last state = %s, want TRIGGERED", res.Outcomes[0].LastState)
	}
}

func TestResolveJudgeDeclineIsSkipped(t *testing.T) {
	note := "Bronchoalveolar lavage performed in the lingula."
	h := newHarness([]auditcmp.CodeScore{{Code: cpt.BAL, Probability: 0.92}})

	res := h.run(t, DefaultConfig(), registry.NewRecord(), note)

	if len(res.Outcomes) != 1 || res.Outcomes[0].Reason != "judge declined" {
		t.Fatalf("outcomes = %+v", res.Outcomes)
	}
}

func TestResolveRollsBackWhenTargetAbsent(t *testing.T) {
	// The proposal touches an allow-listed detail but never sets the
	// performed leaf, so re-derivation cannot produce the target.
	note := "Bronchoalveolar lavage performed in the right middle lobe."
	rec := registry.NewRecord()

	h := newHarness(
		[]auditcmp.CodeScore{{Code: cpt.BAL, Probability: 0.92}},
		&Proposal{
			TargetCode:    cpt.BAL,
			Patch:         []registry.PatchOp{replaceOp("procedures.bal.site", "RML")},
			EvidenceQuote: "Bronchoalveolar lavage performed in the right middle lobe",
		},
	)

	res := h.run(t, DefaultConfig(), rec, note)

	if res.Accepted != 0 {
		t.Fatal("rollback must not count as accepted")
	}
	oc := res.Outcomes[0]
	if oc.Disposition != DispositionRollback || oc.LastState != StateReAudited {
		t.Fatalf("outcome = %+v", oc)
	}
	if !strings.Contains(oc.Reason, "target code absent") {
		t.Errorf("reason = %q", oc.Reason)
	}
	// The resolution still carries the pre-patch state.
	if res.Record.Procedures.BAL.Site != "" {
		t.Error("rolled-back patch leaked into the record")
	}
}

func TestResolveRollsBackNoOpPatch(t *testing.T) {
	// The record already carries the leaf the patch replays; only the evidence
	// added alongside the patch makes the code derivable. A correction that
	// changes no registry field is rejected: evidence alone cannot ratify it.
	note := "A radial EBUS probe was advanced to the peripheral lesion. " +
		"Bronchoalveolar lavage performed in the right middle lobe."
	rec := registry.NewRecord()
	rec.Procedures.BAL.Performed = true
	rec.Procedures.RadialEBUS.Performed = true // unevidenced
	addSpan(rec, note, "procedures.bal.performed", "Bronchoalveolar lavage performed")

	h := newHarness(
		[]auditcmp.CodeScore{
			{Code: cpt.BAL, Probability: 0.95},
			{Code: cpt.RadialEBUS, Probability: 0.91},
		},
		&Proposal{
			TargetCode:    cpt.RadialEBUS,
			Patch:         []registry.PatchOp{replaceOp("procedures.radial_ebus.performed", true)},
			EvidenceQuote: "A radial EBUS probe was advanced",
		},
	)

	// Derivation and audit run on the verified view, where the unevidenced
	// radial leaf is stripped; the controller sees the raw record.
	ctx := context.Background()
	verified, _ := h.verifier.Verify(rec, note)
	derived := h.engine.Derive(verified)
	report := h.comparator.Audit(ctx, derived, note, verified)
	if derived.Has(cpt.RadialEBUS) {
		t.Fatal("fixture: radial code should be absent before correction")
	}

	res := h.controller(DefaultConfig()).Resolve(ctx, note, "deadbeef", rec, derived, report)

	if res.Accepted != 0 {
		t.Fatalf("Accepted = %d, outcomes %+v", res.Accepted, res.Outcomes)
	}
	oc := res.Outcomes[0]
	if oc.Disposition != DispositionRollback {
		t.Fatalf("outcome = %+v", oc)
	}
	if !strings.Contains(oc.Reason, "no-op patch") {
		t.Errorf("reason = %q", oc.Reason)
	}
}

func TestResolveBudgetBoundsAcceptedCorrections(t *testing.T) {
	note := "A radial EBUS probe was advanced to the peripheral lesion. " +
		"Thoracentesis performed on the right with ultrasound guidance. " +
		"Bronchoalveolar lavage performed in the right middle lobe."

	rec := registry.NewRecord()
	rec.Procedures.BAL.Performed = true
	addSpan(rec, note, "procedures.bal.performed", "Bronchoalveolar lavage performed")

	h := newHarness(
		[]auditcmp.CodeScore{
			{Code: cpt.BAL, Probability: 0.97},
			{Code: cpt.RadialEBUS, Probability: 0.95},
			{Code: cpt.ThoraImaging, Probability: 0.90},
		},
		&Proposal{
			TargetCode:    cpt.RadialEBUS,
			Patch:         []registry.PatchOp{replaceOp("procedures.radial_ebus.performed", true)},
			EvidenceQuote: "A radial EBUS probe was advanced",
		},
	)

	cfg := DefaultConfig()
	cfg.MaxAccepted = 1
	res := h.run(t, cfg, rec, note)

	if res.Accepted != 1 {
		t.Fatalf("Accepted = %d, outcomes %+v", res.Accepted, res.Outcomes)
	}
	if h.judge.calls != 1 {
		t.Errorf("judge calls = %d; budget must stop further attempts", h.judge.calls)
	}
	exhausted := false
	for _, oc := range res.Outcomes {
		if oc.Disposition == DispositionSkipped && strings.Contains(oc.Reason, "budget exhausted") {
			exhausted = true
		}
	}
	if !exhausted {
		t.Errorf("want a budget-exhausted skip, outcomes %+v", res.Outcomes)
	}
}

func TestResolveCancelledContextSkipsAll(t *testing.T) {
	note := "Bronchoalveolar lavage performed in the lingula."
	h := newHarness([]auditcmp.CodeScore{{Code: cpt.BAL, Probability: 0.92}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := registry.NewRecord()
	verified, _ := h.verifier.Verify(rec, note)
	derived := h.engine.Derive(verified)
	report := h.comparator.Audit(context.Background(), derived, note, verified)

	res := h.controller(DefaultConfig()).Resolve(ctx, note, "deadbeef", verified, derived, report)

	if h.judge.calls != 0 {
		t.Error("cancelled context must not reach the judge")
	}
	for _, oc := range res.Outcomes {
		if oc.Disposition != DispositionSkipped {
			t.Errorf("outcome = %+v, want skipped", oc)
		}
	}
}

func TestResolveGateRejectionIsSkipped(t *testing.T) {
	note := "Bronchoalveolar lavage performed in the lingula."
	h := newHarness(
		[]auditcmp.CodeScore{{Code: cpt.BAL, Probability: 0.92}},
		&Proposal{
			TargetCode:    cpt.BAL,
			Patch:         []registry.PatchOp{replaceOp("demographics.age_years", 60)},
			EvidenceQuote: "Bronchoalveolar lavage performed",
		},
	)

	res := h.run(t, DefaultConfig(), registry.NewRecord(), note)

	if res.Accepted != 0 {
		t.Fatal("gate-rejected proposal must not be accepted")
	}
	oc := res.Outcomes[0]
	if oc.Disposition != DispositionSkipped || oc.LastState != StateProposed {
		t.Fatalf("outcome = %+v", oc)
	}
}
