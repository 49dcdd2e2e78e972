package registry

// The verifier and the invariant checks need typed access to specific leaves
// without reflection. Verified fields are registered here in explicit tables,
// one accessor pair per leaf, in record-declaration order.

// BoolField is an addressable boolean leaf subject to evidence verification.
type BoolField struct {
	Path  string
	Get   func(*ClinicalRecord) bool
	Clear func(*ClinicalRecord)
}

// StringField is an addressable hallucination-prone string leaf.
type StringField struct {
	Path  string
	Get   func(*ClinicalRecord) string
	Clear func(*ClinicalRecord)
}

// PerformedFields lists every `performed` leaf in the record.
func PerformedFields() []BoolField {
	return []BoolField{
		{
			Path:  "procedures.diagnostic.performed",
			Get:   func(r *ClinicalRecord) bool { return r.Procedures.Diagnostic.Performed },
			Clear: func(r *ClinicalRecord) { r.Procedures.Diagnostic = DiagnosticBronchoscopy{} },
		},
		{
			Path:  "procedures.linear_ebus.performed",
			Get:   func(r *ClinicalRecord) bool { return r.Procedures.LinearEBUS.Performed },
			Clear: func(r *ClinicalRecord) { r.Procedures.LinearEBUS = LinearEBUS{} },
		},
		{
			Path:  "procedures.radial_ebus.performed",
			Get:   func(r *ClinicalRecord) bool { return r.Procedures.RadialEBUS.Performed },
			Clear: func(r *ClinicalRecord) { r.Procedures.RadialEBUS = RadialEBUS{} },
		},
		{
			Path:  "procedures.navigation.performed",
			Get:   func(r *ClinicalRecord) bool { return r.Procedures.Navigation.Performed },
			Clear: func(r *ClinicalRecord) { r.Procedures.Navigation = Navigation{} },
		},
		{
			Path:  "procedures.transbronchial_biopsy.performed",
			Get:   func(r *ClinicalRecord) bool { return r.Procedures.TransbronchialBiopsy.Performed },
			Clear: func(r *ClinicalRecord) { r.Procedures.TransbronchialBiopsy = TransbronchialBiopsy{} },
		},
		{
			Path:  "procedures.endobronchial_biopsy.performed",
			Get:   func(r *ClinicalRecord) bool { return r.Procedures.EndobronchialBiopsy.Performed },
			Clear: func(r *ClinicalRecord) { r.Procedures.EndobronchialBiopsy = EndobronchialBiopsy{} },
		},
		{
			Path:  "procedures.tbna.performed",
			Get:   func(r *ClinicalRecord) bool { return r.Procedures.TBNA.Performed },
			Clear: func(r *ClinicalRecord) { r.Procedures.TBNA = ConventionalTBNA{} },
		},
		{
			Path:  "procedures.bal.performed",
			Get:   func(r *ClinicalRecord) bool { return r.Procedures.BAL.Performed },
			Clear: func(r *ClinicalRecord) { r.Procedures.BAL = BAL{} },
		},
		{
			Path:  "procedures.brushing.performed",
			Get:   func(r *ClinicalRecord) bool { return r.Procedures.Brushing.Performed },
			Clear: func(r *ClinicalRecord) { r.Procedures.Brushing = Brushing{} },
		},
		{
			Path:  "procedures.therapeutic_aspiration.performed",
			Get:   func(r *ClinicalRecord) bool { return r.Procedures.TherapeuticAspiration.Performed },
			Clear: func(r *ClinicalRecord) { r.Procedures.TherapeuticAspiration = TherapeuticAspiration{} },
		},
		{
			Path:  "procedures.balloon_dilation.performed",
			Get:   func(r *ClinicalRecord) bool { return r.Procedures.BalloonDilation.Performed },
			Clear: func(r *ClinicalRecord) { r.Procedures.BalloonDilation = BalloonDilation{} },
		},
		{
			Path:  "procedures.airway_stent.performed",
			Get:   func(r *ClinicalRecord) bool { return r.Procedures.AirwayStent.Performed },
			Clear: func(r *ClinicalRecord) { r.Procedures.AirwayStent = AirwayStent{} },
		},
		{
			Path:  "procedures.thoracentesis.performed",
			Get:   func(r *ClinicalRecord) bool { return r.Procedures.Thoracentesis.Performed },
			Clear: func(r *ClinicalRecord) { r.Procedures.Thoracentesis = Thoracentesis{} },
		},
		{
			Path:  "sedation.moderate_sedation",
			Get:   func(r *ClinicalRecord) bool { return r.Sedation.ModerateSedation },
			Clear: func(r *ClinicalRecord) { r.Sedation = Sedation{} },
		},
	}
}

// DeviceFields lists string leaves that name devices. Device names are the
// most common extractor hallucination, so they are verified like performed
// leaves; clearing resets only the string, not the parent block.
func DeviceFields() []StringField {
	return []StringField{
		{
			Path:  "procedures.navigation.system",
			Get:   func(r *ClinicalRecord) string { return r.Procedures.Navigation.System },
			Clear: func(r *ClinicalRecord) { r.Procedures.Navigation.System = "" },
		},
		{
			Path:  "procedures.transbronchial_biopsy.forceps_type",
			Get:   func(r *ClinicalRecord) string { return r.Procedures.TransbronchialBiopsy.ForcepsType },
			Clear: func(r *ClinicalRecord) { r.Procedures.TransbronchialBiopsy.ForcepsType = "" },
		},
		{
			Path:  "procedures.airway_stent.stent_type",
			Get:   func(r *ClinicalRecord) string { return r.Procedures.AirwayStent.StentType },
			Clear: func(r *ClinicalRecord) { r.Procedures.AirwayStent.StentType = "" },
		},
	}
}
