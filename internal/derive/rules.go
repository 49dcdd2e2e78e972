package derive

import (
	"fmt"
	"strings"

	"pulmocode/internal/cpt"
	"pulmocode/internal/registry"
)

// buildUnits registers the rule units in evaluation order. Order matters
// only for warning aggregation; units never read each other's output.
func (e *Engine) buildUnits() []ruleUnit {
	return []ruleUnit{
		{name: "diagnostic_bronchoscopy", apply: ruleDiagnostic},
		{name: "linear_ebus", apply: e.ruleLinearEBUS},
		{name: "radial_ebus", apply: ruleRadialEBUS},
		{name: "navigation", apply: ruleNavigation},
		{name: "transbronchial_biopsy", apply: ruleTransbronchialBiopsy},
		{name: "endobronchial_biopsy", apply: ruleEndobronchialBiopsy},
		{name: "conventional_tbna", apply: ruleConventionalTBNA},
		{name: "bal", apply: ruleBAL},
		{name: "brushing", apply: ruleBrushing},
		{name: "therapeutic_aspiration", apply: ruleTherapeuticAspiration},
		{name: "balloon_dilation", apply: ruleBalloonDilation},
		{name: "airway_stent", apply: ruleAirwayStent},
		{name: "thoracentesis", apply: ruleThoracentesis},
		{name: "moderate_sedation", apply: e.ruleModerateSedation},
	}
}

func ruleDiagnostic(rec *registry.ClinicalRecord) ([]Code, []string) {
	if !rec.Procedures.Diagnostic.Performed {
		return nil, nil
	}
	return []Code{newCode(cpt.DiagnosticBronch,
		"diagnostic airway inspection performed", 1,
		"procedures.diagnostic.performed")}, nil
}

// ruleLinearEBUS is the station-count presence rule: 1-2 stations yield
// 31652, three or more yield 31653, never both. A performed flag with zero
// stations is structurally inconsistent and yields a warning instead of a
// code.
func (e *Engine) ruleLinearEBUS(rec *registry.ClinicalRecord) ([]Code, []string) {
	ebus := rec.Procedures.LinearEBUS
	if !ebus.Performed {
		return nil, nil
	}
	stations := distinct(ebus.StationsSampled)
	if len(stations) == 0 {
		return nil, []string{"linear EBUS performed but no stations recorded"}
	}
	rationale := fmt.Sprintf("EBUS-TBNA of %d station(s): %s", len(stations), strings.Join(stations, ", "))
	code := cpt.EBUSLow
	if len(stations) >= e.cfg.HighStationCount {
		code = cpt.EBUSHigh
	}
	return []Code{newCode(code, rationale, 1,
		"procedures.linear_ebus.performed",
		"procedures.linear_ebus.stations_sampled")}, nil
}

func ruleRadialEBUS(rec *registry.ClinicalRecord) ([]Code, []string) {
	radial := rec.Procedures.RadialEBUS
	if !radial.Performed {
		return nil, nil
	}
	from := []string{"procedures.radial_ebus.performed"}
	rationale := "radial EBUS survey of peripheral lesion"
	if radial.LesionLocation != "" {
		from = append(from, "procedures.radial_ebus.lesion_location")
		rationale = fmt.Sprintf("radial EBUS survey of peripheral lesion in %s", radial.LesionLocation)
	}
	return []Code{newCode(cpt.RadialEBUS, rationale, 1, from...)}, nil
}

func ruleNavigation(rec *registry.ClinicalRecord) ([]Code, []string) {
	nav := rec.Procedures.Navigation
	if !nav.Performed {
		return nil, nil
	}
	from := []string{"procedures.navigation.performed"}
	if nav.System != "" {
		from = append(from, "procedures.navigation.system")
	}
	return []Code{newCode(cpt.Navigation,
		"computer-assisted navigation to peripheral target", 1, from...)}, nil
}

// ruleTransbronchialBiopsy is the unit-counting rule: the first lobe bills
// 31628 and each additional distinct lobe increments units on 31632 rather
// than duplicating codes.
func ruleTransbronchialBiopsy(rec *registry.ClinicalRecord) ([]Code, []string) {
	tbbx := rec.Procedures.TransbronchialBiopsy
	if !tbbx.Performed {
		return nil, nil
	}
	lobes := distinct(tbbx.LobesSampled)
	if len(lobes) == 0 {
		return nil, []string{"transbronchial biopsy performed but no lobes recorded"}
	}
	codes := []Code{newCode(cpt.TransbronchialBx,
		fmt.Sprintf("transbronchial biopsy of %s", lobes[0]), 1,
		"procedures.transbronchial_biopsy.performed",
		"procedures.transbronchial_biopsy.lobes_sampled")}
	if extra := len(lobes) - 1; extra > 0 {
		codes = append(codes, newCode(cpt.TransbronchialAddl,
			fmt.Sprintf("transbronchial biopsy of %d additional lobe(s): %s", extra, strings.Join(lobes[1:], ", ")),
			extra,
			"procedures.transbronchial_biopsy.performed",
			"procedures.transbronchial_biopsy.lobes_sampled"))
	}
	return codes, nil
}

func ruleEndobronchialBiopsy(rec *registry.ClinicalRecord) ([]Code, []string) {
	ebbx := rec.Procedures.EndobronchialBiopsy
	if !ebbx.Performed {
		return nil, nil
	}
	from := []string{"procedures.endobronchial_biopsy.performed"}
	if ebbx.Site != "" {
		from = append(from, "procedures.endobronchial_biopsy.site")
	}
	return []Code{newCode(cpt.EndobronchialBx, "endobronchial biopsy of visible lesion", 1, from...)}, nil
}

func ruleConventionalTBNA(rec *registry.ClinicalRecord) ([]Code, []string) {
	tbna := rec.Procedures.TBNA
	if !tbna.Performed {
		return nil, nil
	}
	sites := distinct(tbna.SitesSampled)
	if len(sites) == 0 {
		return nil, []string{"conventional TBNA performed but no sites recorded"}
	}
	codes := []Code{newCode(cpt.TBNA,
		fmt.Sprintf("conventional needle aspiration at %s", sites[0]), 1,
		"procedures.tbna.performed",
		"procedures.tbna.sites_sampled")}
	if extra := len(sites) - 1; extra > 0 {
		codes = append(codes, newCode(cpt.TBNAAddl,
			fmt.Sprintf("needle aspiration at %d additional site(s)", extra), extra,
			"procedures.tbna.performed",
			"procedures.tbna.sites_sampled"))
	}
	return codes, nil
}

func ruleBAL(rec *registry.ClinicalRecord) ([]Code, []string) {
	bal := rec.Procedures.BAL
	if !bal.Performed {
		return nil, nil
	}
	from := []string{"procedures.bal.performed"}
	rationale := "bronchoalveolar lavage"
	if bal.Site != "" {
		from = append(from, "procedures.bal.site")
		rationale = fmt.Sprintf("bronchoalveolar lavage of %s", bal.Site)
	}
	return []Code{newCode(cpt.BAL, rationale, 1, from...)}, nil
}

func ruleBrushing(rec *registry.ClinicalRecord) ([]Code, []string) {
	br := rec.Procedures.Brushing
	if !br.Performed {
		return nil, nil
	}
	from := []string{"procedures.brushing.performed"}
	if br.Site != "" {
		from = append(from, "procedures.brushing.site")
	}
	return []Code{newCode(cpt.Brushing, "bronchial brushing obtained", 1, from...)}, nil
}

func ruleTherapeuticAspiration(rec *registry.ClinicalRecord) ([]Code, []string) {
	if !rec.Procedures.TherapeuticAspiration.Performed {
		return nil, nil
	}
	return []Code{newCode(cpt.TherapeuticAsp,
		"therapeutic aspiration of retained secretions", 1,
		"procedures.therapeutic_aspiration.performed")}, nil
}

func ruleBalloonDilation(rec *registry.ClinicalRecord) ([]Code, []string) {
	bd := rec.Procedures.BalloonDilation
	if !bd.Performed {
		return nil, nil
	}
	from := []string{"procedures.balloon_dilation.performed"}
	if bd.Site != "" {
		from = append(from, "procedures.balloon_dilation.site")
	}
	return []Code{newCode(cpt.BalloonDilation, "balloon dilation of airway stenosis", 1, from...)}, nil
}

func ruleAirwayStent(rec *registry.ClinicalRecord) ([]Code, []string) {
	stent := rec.Procedures.AirwayStent
	if !stent.Performed {
		return nil, nil
	}
	from := []string{"procedures.airway_stent.performed"}
	if stent.StentType != "" {
		from = append(from, "procedures.airway_stent.stent_type")
	}
	return []Code{newCode(cpt.TrachealStent, "airway stent deployed", 1, from...)}, nil
}

// ruleThoracentesis picks exactly one of the imaging/no-imaging pair.
func ruleThoracentesis(rec *registry.ClinicalRecord) ([]Code, []string) {
	thora := rec.Procedures.Thoracentesis
	if !thora.Performed {
		return nil, nil
	}
	if thora.ImagingGuided {
		return []Code{newCode(cpt.ThoraImaging,
			"thoracentesis under imaging guidance", 1,
			"procedures.thoracentesis.performed",
			"procedures.thoracentesis.imaging_guided")}, nil
	}
	return []Code{newCode(cpt.ThoraNoImaging,
		"thoracentesis without imaging guidance", 1,
		"procedures.thoracentesis.performed")}, nil
}

// ruleModerateSedation is the threshold rule: the initial code fires only
// when documented duration clears the minimum and the provider role is in
// the allowed set. Additional full blocks increment units on the add-on.
func (e *Engine) ruleModerateSedation(rec *registry.ClinicalRecord) ([]Code, []string) {
	sed := rec.Sedation
	if !sed.ModerateSedation {
		return nil, nil
	}
	if sed.DurationMinutes < e.cfg.MinSedationMinutes {
		return nil, []string{fmt.Sprintf(
			"moderate sedation documented for %d min, below the %d min billing minimum",
			sed.DurationMinutes, e.cfg.MinSedationMinutes)}
	}
	if !providerQualifies(sed.ProviderRole, e.cfg.SedationProviders) {
		return nil, []string{fmt.Sprintf(
			"sedation provider role %q does not qualify for proceduralist sedation codes",
			sed.ProviderRole)}
	}
	codes := []Code{newCode(cpt.SedationFirst,
		fmt.Sprintf("moderate sedation by %s, %d minutes", sed.ProviderRole, sed.DurationMinutes), 1,
		"sedation.moderate_sedation",
		"sedation.duration_minutes",
		"sedation.provider_role")}
	if extra := (sed.DurationMinutes - e.cfg.SedationBlockMinutes) / e.cfg.SedationBlockMinutes; extra > 0 {
		codes = append(codes, newCode(cpt.SedationAddl,
			fmt.Sprintf("%d additional sedation block(s) of %d minutes", extra, e.cfg.SedationBlockMinutes),
			extra,
			"sedation.moderate_sedation",
			"sedation.duration_minutes"))
	}
	return codes, nil
}

func providerQualifies(role string, allowed []string) bool {
	role = strings.ToLower(strings.TrimSpace(role))
	for _, a := range allowed {
		if role == strings.ToLower(strings.TrimSpace(a)) {
			return true
		}
	}
	return false
}
