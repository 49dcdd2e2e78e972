package registry

import (
	"encoding/json"
	"errors"
	"testing"
)

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal value: %v", err)
	}
	return data
}

func TestApplyPatchReplace(t *testing.T) {
	rec := sampleRecord()
	ops := []PatchOp{
		{Op: OpReplace, Path: "procedures.radial_ebus.performed", Value: rawJSON(t, true)},
		{Op: OpReplace, Path: "procedures.linear_ebus.stations_sampled.0", Value: rawJSON(t, "2R")},
	}

	out, err := ApplyPatch(rec, ops)
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if !out.Procedures.RadialEBUS.Performed {
		t.Error("replace did not set radial_ebus.performed")
	}
	if out.Procedures.LinearEBUS.StationsSampled[0] != "2R" {
		t.Error("replace did not set station element")
	}

	// The input record is never touched.
	if rec.Procedures.RadialEBUS.Performed {
		t.Error("ApplyPatch mutated the original record")
	}
	if rec.Procedures.LinearEBUS.StationsSampled[0] != "4R" {
		t.Error("ApplyPatch mutated the original stations")
	}
}

func TestApplyPatchReplaceWholeArray(t *testing.T) {
	rec := sampleRecord()
	op, err := AppendToArray(rec, "procedures.linear_ebus.stations_sampled", "10L")
	if err != nil {
		t.Fatalf("AppendToArray: %v", err)
	}
	out, err := ApplyPatch(rec, []PatchOp{op})
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	got := out.Procedures.LinearEBUS.StationsSampled
	if len(got) != 4 || got[3] != "10L" {
		t.Fatalf("stations after append = %v", got)
	}

	// Appending to an empty array works the same way.
	empty := NewRecord()
	op, err = AppendToArray(empty, "procedures.tbna.sites_sampled", "carina")
	if err != nil {
		t.Fatalf("AppendToArray on empty: %v", err)
	}
	out, err = ApplyPatch(empty, []PatchOp{op})
	if err != nil {
		t.Fatalf("ApplyPatch on empty: %v", err)
	}
	if len(out.Procedures.TBNA.SitesSampled) != 1 {
		t.Fatalf("sites after append = %v", out.Procedures.TBNA.SitesSampled)
	}
}

func TestApplyPatchRemove(t *testing.T) {
	rec := sampleRecord()
	out, err := ApplyPatch(rec, []PatchOp{{Op: OpRemove, Path: "procedures.bal.site"}})
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if out.Procedures.BAL.Site != "" {
		t.Error("remove did not zero the leaf")
	}
	if !out.Procedures.BAL.Performed {
		t.Error("remove touched a sibling leaf")
	}
}

func TestApplyPatchRejectsUnknownField(t *testing.T) {
	rec := sampleRecord()
	_, err := ApplyPatch(rec, []PatchOp{
		{Op: OpAdd, Path: "procedures.cryotherapy.performed", Value: rawJSON(t, true)},
	})
	if !errors.Is(err, ErrPatchShape) {
		t.Fatalf("want ErrPatchShape for unknown field, got %v", err)
	}
}

func TestApplyPatchRejectsMissingReplaceTarget(t *testing.T) {
	rec := sampleRecord()
	_, err := ApplyPatch(rec, []PatchOp{
		{Op: OpReplace, Path: "procedures.bal.missing_leaf", Value: rawJSON(t, 1)},
	})
	if !errors.Is(err, ErrPatchShape) {
		t.Fatalf("want ErrPatchShape, got %v", err)
	}
}

func TestApplyPatchProtectedPaths(t *testing.T) {
	rec := sampleRecord()
	for _, path := range []string{"schema_version", "evidence_index.procedures.bal.performed", ""} {
		_, err := ApplyPatch(rec, []PatchOp{{Op: OpReplace, Path: path, Value: rawJSON(t, 1)}})
		if !errors.Is(err, ErrPatchShape) {
			t.Errorf("path %q: want ErrPatchShape, got %v", path, err)
		}
	}
}

func TestApplyPatchBadArrayIndex(t *testing.T) {
	rec := sampleRecord()
	_, err := ApplyPatch(rec, []PatchOp{
		{Op: OpReplace, Path: "procedures.linear_ebus.stations_sampled.9", Value: rawJSON(t, "2R")},
	})
	if !errors.Is(err, ErrPatchShape) {
		t.Fatalf("want ErrPatchShape, got %v", err)
	}
}

func TestApplyPatchFailureIsTotal(t *testing.T) {
	rec := sampleRecord()
	out, err := ApplyPatch(rec, []PatchOp{
		{Op: OpReplace, Path: "procedures.bal.performed", Value: rawJSON(t, false)},
		{Op: OpReplace, Path: "procedures.bal.missing_leaf", Value: rawJSON(t, 1)},
	})
	if err == nil {
		t.Fatal("patch with a bad op must fail entirely")
	}
	if out != nil {
		t.Error("failed patch must not return a record")
	}
	if !rec.Procedures.BAL.Performed {
		t.Error("failed patch must leave the original intact")
	}
}

func TestApplyPatchCarriesEvidence(t *testing.T) {
	rec := sampleRecord()
	out, err := ApplyPatch(rec, []PatchOp{
		{Op: OpReplace, Path: "procedures.bal.site", Value: rawJSON(t, "LLL")},
	})
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if len(out.Evidence.SpansFor("procedures.linear_ebus.performed")) != 1 {
		t.Error("evidence index must survive patch application")
	}

	// The carried index is a copy, not shared.
	out.Evidence.Add("procedures.bal.site", EvidenceSpan{Quote: "q", Start: 0, End: 1})
	if len(rec.Evidence.SpansFor("procedures.bal.site")) != 0 {
		t.Error("patched record shares evidence index with original")
	}
}
