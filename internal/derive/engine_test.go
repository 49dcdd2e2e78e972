package derive

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulmocode/internal/cpt"
	"pulmocode/internal/registry"
)

func newTestEngine() *Engine {
	return NewEngine(DefaultConfig())
}

func ebusRecord(stations ...string) *registry.ClinicalRecord {
	rec := registry.NewRecord()
	rec.Procedures.LinearEBUS.Performed = true
	rec.Procedures.LinearEBUS.StationsSampled = stations
	return rec
}

func TestStationCountSelectsEBUSCode(t *testing.T) {
	e := newTestEngine()

	res := e.Derive(ebusRecord("4R", "7"))
	assert.True(t, res.Has(cpt.EBUSLow), "two stations bill 31652")
	assert.False(t, res.Has(cpt.EBUSHigh))

	res = e.Derive(ebusRecord("4R", "7", "11L"))
	assert.True(t, res.Has(cpt.EBUSHigh), "three stations bill 31653")
	assert.False(t, res.Has(cpt.EBUSLow), "the pair is mutually exclusive")

	// Duplicate station labels count once.
	res = e.Derive(ebusRecord("4R", "4r", " 4R ", "7"))
	assert.True(t, res.Has(cpt.EBUSLow))
}

func TestEBUSWithoutStationsWarns(t *testing.T) {
	e := newTestEngine()
	res := e.Derive(ebusRecord())

	assert.Empty(t, res.Codes)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "no stations recorded")
}

func TestTransbronchialBiopsyUnits(t *testing.T) {
	e := newTestEngine()
	rec := registry.NewRecord()
	rec.Procedures.TransbronchialBiopsy.Performed = true
	rec.Procedures.TransbronchialBiopsy.LobesSampled = []string{"RUL", "RML", "RLL"}

	res := e.Derive(rec)
	require.True(t, res.Has(cpt.TransbronchialBx))
	for _, c := range res.Codes {
		switch c.Code {
		case cpt.TransbronchialBx:
			assert.Equal(t, 1, c.Units)
		case cpt.TransbronchialAddl:
			assert.Equal(t, 2, c.Units, "two additional lobes on one add-on line")
		}
	}
	require.True(t, res.Has(cpt.TransbronchialAddl))
}

func TestDiagnosticBundledUnderAnyOtherService(t *testing.T) {
	e := newTestEngine()
	rec := registry.NewRecord()
	rec.Procedures.Diagnostic.Performed = true
	rec.Procedures.Brushing.Performed = true

	res := e.Derive(rec)
	assert.False(t, res.Has(cpt.DiagnosticBronch))
	assert.True(t, res.Has(cpt.Brushing))
	assert.True(t, res.SuppressedSet()[cpt.DiagnosticBronch])

	// Alone, the diagnostic code stands.
	solo := registry.NewRecord()
	solo.Procedures.Diagnostic.Performed = true
	res = e.Derive(solo)
	assert.True(t, res.Has(cpt.DiagnosticBronch))
	assert.Empty(t, res.Suppressed)
}

func TestBALBundlingByLobe(t *testing.T) {
	e := newTestEngine()

	base := func(balSite string) *registry.ClinicalRecord {
		rec := registry.NewRecord()
		rec.Procedures.TransbronchialBiopsy.Performed = true
		rec.Procedures.TransbronchialBiopsy.LobesSampled = []string{"RUL"}
		rec.Procedures.BAL.Performed = true
		rec.Procedures.BAL.Site = balSite
		return rec
	}

	// Same lobe: lavage is included in the biopsy.
	res := e.Derive(base("RUL"))
	assert.False(t, res.Has(cpt.BAL))
	assert.True(t, res.SuppressedSet()[cpt.BAL])

	// Different lobe: separately reportable with modifier 59.
	res = e.Derive(base("LLL"))
	require.True(t, res.Has(cpt.BAL))
	for _, c := range res.Codes {
		if c.Code == cpt.BAL {
			assert.Contains(t, c.Modifiers, cpt.ModifierDistinct)
		}
	}

	// Unlocalized lavage during a biopsy case is assumed same-lobe.
	res = e.Derive(base(""))
	assert.False(t, res.Has(cpt.BAL))
}

func TestTBNAStationBundling(t *testing.T) {
	e := newTestEngine()
	rec := ebusRecord("4R", "7")
	rec.Procedures.TBNA.Performed = true
	rec.Procedures.TBNA.SitesSampled = []string{"7"}

	// Overlapping station: TBNA folds into the EBUS code.
	res := e.Derive(rec)
	assert.False(t, res.Has(cpt.TBNA))
	assert.True(t, res.SuppressedSet()[cpt.TBNA])

	// Disjoint target keeps the code with modifier 59.
	rec.Procedures.TBNA.SitesSampled = []string{"carina"}
	res = e.Derive(rec)
	require.True(t, res.Has(cpt.TBNA))
	for _, c := range res.Codes {
		if c.Code == cpt.TBNA {
			assert.Contains(t, c.Modifiers, cpt.ModifierDistinct)
		}
	}
}

func TestThoracentesisPair(t *testing.T) {
	e := newTestEngine()
	rec := registry.NewRecord()
	rec.Procedures.Thoracentesis.Performed = true

	res := e.Derive(rec)
	assert.True(t, res.Has(cpt.ThoraNoImaging))
	assert.False(t, res.Has(cpt.ThoraImaging))

	rec.Procedures.Thoracentesis.ImagingGuided = true
	res = e.Derive(rec)
	assert.True(t, res.Has(cpt.ThoraImaging))
	assert.False(t, res.Has(cpt.ThoraNoImaging))
}

func TestModerateSedationThreshold(t *testing.T) {
	e := newTestEngine()
	rec := registry.NewRecord()
	rec.Procedures.Brushing.Performed = true
	rec.Sedation.ModerateSedation = true
	rec.Sedation.ProviderRole = "proceduralist"

	// Below the 10-minute minimum: warning, no code.
	rec.Sedation.DurationMinutes = 8
	res := e.Derive(rec)
	assert.False(t, res.Has(cpt.SedationFirst))
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "below the 10 min billing minimum")

	// At the minimum: initial code only.
	rec.Sedation.DurationMinutes = 12
	res = e.Derive(rec)
	assert.True(t, res.Has(cpt.SedationFirst))
	assert.False(t, res.Has(cpt.SedationAddl))

	// 45 minutes: initial plus two additional blocks.
	rec.Sedation.DurationMinutes = 45
	res = e.Derive(rec)
	require.True(t, res.Has(cpt.SedationAddl))
	for _, c := range res.Codes {
		if c.Code == cpt.SedationAddl {
			assert.Equal(t, 2, c.Units)
		}
	}

	// Anesthesia-administered sedation is not proceduralist-reportable.
	rec.Sedation.ProviderRole = "anesthesiologist"
	res = e.Derive(rec)
	assert.False(t, res.Has(cpt.SedationFirst))
	require.NotEmpty(t, res.Warnings)
}

func TestAddOnWithoutPrimaryWarns(t *testing.T) {
	e := newTestEngine()
	rec := registry.NewRecord()
	rec.Procedures.Navigation.Performed = true

	res := e.Derive(rec)
	assert.True(t, res.Has(cpt.Navigation))
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[len(res.Warnings)-1], "no primary procedure code")
}

func TestEveryCodeIsExplained(t *testing.T) {
	e := newTestEngine()
	rec := registry.NewRecord()
	rec.Procedures.Diagnostic.Performed = true
	rec.Procedures.LinearEBUS.Performed = true
	rec.Procedures.LinearEBUS.StationsSampled = []string{"4R", "7", "10L", "11L"}
	rec.Procedures.RadialEBUS.Performed = true
	rec.Procedures.RadialEBUS.LesionLocation = "RUL"
	rec.Procedures.Navigation.Performed = true
	rec.Procedures.TransbronchialBiopsy.Performed = true
	rec.Procedures.TransbronchialBiopsy.LobesSampled = []string{"RUL", "RML"}
	rec.Procedures.BAL.Performed = true
	rec.Procedures.BAL.Site = "LLL"
	rec.Procedures.Brushing.Performed = true
	rec.Sedation.ModerateSedation = true
	rec.Sedation.DurationMinutes = 30
	rec.Sedation.ProviderRole = "bronchoscopist"

	res := e.Derive(rec)
	require.NotEmpty(t, res.Codes)
	for _, c := range res.Codes {
		assert.NotEmpty(t, c.DerivedFrom, "code %s must cite its source paths", c.Code)
		for _, path := range c.DerivedFrom {
			assert.True(t, registry.Truthy(rec, path),
				"code %s cites %s which is not truthy", c.Code, path)
		}
		assert.NotEmpty(t, c.Description)
		assert.NotEmpty(t, c.Rationale)
	}
}

func TestDeriveDeterministic(t *testing.T) {
	e := newTestEngine()
	rec := ebusRecord("4R", "7", "11L")
	rec.Procedures.BAL.Performed = true
	rec.Procedures.BAL.Site = "RML"
	rec.Sedation.ModerateSedation = true
	rec.Sedation.DurationMinutes = 25
	rec.Sedation.ProviderRole = "proceduralist"

	first := e.Derive(rec)
	for i := 0; i < 5; i++ {
		if diff := cmp.Diff(first, e.Derive(rec)); diff != "" {
			t.Fatalf("Derive is not deterministic:\n%s", diff)
		}
	}
}

func TestDeriveDoesNotMutateRecord(t *testing.T) {
	e := newTestEngine()
	rec := ebusRecord("4R", "7")
	before := rec.Clone()

	e.Derive(rec)
	if diff := cmp.Diff(before, rec); diff != "" {
		t.Fatalf("Derive mutated the record:\n%s", diff)
	}
}
