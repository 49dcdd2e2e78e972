// Package cpt holds the static coding knowledge for interventional
// pulmonology: code descriptions, bundling relationships, mutually exclusive
// pairs, keyword guards, and the procedure-header pattern. Everything here is
// data; behavior lives in the derivation engine and the audit comparator.
package cpt

// Bronchoscopy and pleural procedure codes covered by the rule set.
const (
	DiagnosticBronch   = "31622" // diagnostic bronchoscopy, separate procedure
	Brushing           = "31623" // bronchial brushing
	BAL                = "31624" // bronchoalveolar lavage
	EndobronchialBx    = "31625" // endobronchial biopsy
	Navigation         = "31627" // electromagnetic navigation, add-on
	TransbronchialBx   = "31628" // transbronchial lung biopsy, single lobe
	TBNA               = "31629" // conventional transbronchial needle aspiration
	BalloonDilation    = "31630" // tracheobronchial dilation
	TrachealStent      = "31631" // tracheal stent placement
	TransbronchialAddl = "31632" // transbronchial biopsy, each additional lobe
	TBNAAddl           = "31633" // TBNA, each additional lobe
	TherapeuticAsp     = "31645" // therapeutic aspiration of airways
	EBUSLow            = "31652" // EBUS-TBNA, 1-2 mediastinal/hilar stations
	EBUSHigh           = "31653" // EBUS-TBNA, 3 or more stations
	RadialEBUS         = "31654" // radial EBUS for peripheral lesion, add-on
	ThoraNoImaging     = "32554" // thoracentesis without imaging guidance
	ThoraImaging       = "32555" // thoracentesis with imaging guidance
	SedationFirst      = "99152" // moderate sedation, initial 15 minutes
	SedationAddl       = "99153" // moderate sedation, each additional 15 minutes
)

// Descriptions maps codes to their short payload descriptions.
var Descriptions = map[string]string{
	DiagnosticBronch:   "Bronchoscopy, diagnostic, with or without cell washing",
	Brushing:           "Bronchoscopy with brushing or protected brushings",
	BAL:                "Bronchoscopy with bronchoalveolar lavage",
	EndobronchialBx:    "Bronchoscopy with endobronchial biopsy, single or multiple sites",
	Navigation:         "Computer-assisted navigation for bronchoscopic biopsy (add-on)",
	TransbronchialBx:   "Bronchoscopy with transbronchial lung biopsy, single lobe",
	TBNA:               "Bronchoscopy with transbronchial needle aspiration, trachea/mainstem",
	BalloonDilation:    "Bronchoscopy with tracheobronchial dilation",
	TrachealStent:      "Bronchoscopy with tracheal stent placement",
	TransbronchialAddl: "Transbronchial lung biopsy, each additional lobe (add-on)",
	TBNAAddl:           "Transbronchial needle aspiration, each additional lobe (add-on)",
	TherapeuticAsp:     "Bronchoscopy with therapeutic aspiration of tracheobronchial tree",
	EBUSLow:            "Bronchoscopy with EBUS-guided sampling, 1 or 2 nodal stations",
	EBUSHigh:           "Bronchoscopy with EBUS-guided sampling, 3 or more nodal stations",
	RadialEBUS:         "Bronchoscopy with radial EBUS for peripheral lesion (add-on)",
	ThoraNoImaging:     "Thoracentesis, needle or catheter, without imaging guidance",
	ThoraImaging:       "Thoracentesis, needle or catheter, with imaging guidance",
	SedationFirst:      "Moderate sedation by the proceduralist, initial 15 minutes",
	SedationAddl:       "Moderate sedation by the proceduralist, each additional 15 minutes",
}

// ModifierDistinct marks a bundled code kept because its anatomic target
// differs from the bundling parent's.
const ModifierDistinct = "59"

// ExclusivePairs lists code pairs that must never co-occur in a derived set.
// The first member is the lower-specificity variant; when both would be
// emitted, the second wins.
var ExclusivePairs = [][2]string{
	{EBUSLow, EBUSHigh},
	{ThoraNoImaging, ThoraImaging},
}

// BundleScope describes the anatomic scope over which bundling applies.
type BundleScope string

const (
	// ScopeGlobal bundles the child whenever any parent is present.
	ScopeGlobal BundleScope = "global"
	// ScopeLobe bundles only when child and parent share a lobe; a distinct
	// lobe keeps the child with ModifierDistinct attached.
	ScopeLobe BundleScope = "lobe"
	// ScopeStation bundles only when the child's sites overlap the parent's
	// sampled stations.
	ScopeStation BundleScope = "station"
)

// Bundle declares that Child is included in any of Parents at the given
// scope.
type Bundle struct {
	Child   string
	Parents []string
	Scope   BundleScope
}

// Bundles is the explicit bundling table applied after the presence rules.
var Bundles = []Bundle{
	// Diagnostic bronchoscopy is a "separate procedure": included in every
	// other bronchoscopy service.
	{Child: DiagnosticBronch, Scope: ScopeGlobal, Parents: []string{
		Brushing, BAL, EndobronchialBx, TransbronchialBx, TBNA, BalloonDilation,
		TrachealStent, TherapeuticAsp, EBUSLow, EBUSHigh, RadialEBUS, Navigation,
	}},
	// Lavage of the same lobe as a transbronchial biopsy is included in the
	// biopsy; a different lobe is separately reportable with modifier 59.
	{Child: BAL, Scope: ScopeLobe, Parents: []string{TransbronchialBx}},
	// Conventional TBNA of stations already sampled under EBUS guidance is
	// included in the EBUS code.
	{Child: TBNA, Scope: ScopeStation, Parents: []string{EBUSLow, EBUSHigh}},
}

// AuditSuppressed is the explicit allow-list of codes the derivation engine
// is known to intentionally drop. The audit comparator never flags these as
// omissions; anything else missing is a real discrepancy.
var AuditSuppressed = map[string]bool{
	DiagnosticBronch: true, // bundled whenever anything else was done
}

// Keywords maps each code to note-text keywords used by the self-correction
// trigger guard. The guard requires at least one keyword in the note before
// the judge is consulted (header-explicit and structural-failure triggers
// bypass it).
var Keywords = map[string][]string{
	DiagnosticBronch:   {"bronchoscopy", "bronchoscope", "airway survey", "airway exam"},
	Brushing:           {"brushing", "brush"},
	BAL:                {"lavage", "bal "},
	EndobronchialBx:    {"endobronchial biopsy"},
	Navigation:         {"navigation", "electromagnetic", "superdimension", "ion robotic", "monarch"},
	TransbronchialBx:   {"transbronchial biopsy", "transbronchial lung biopsy", "forceps biops"},
	TBNA:               {"needle aspiration", "wang needle", "tbna"},
	BalloonDilation:    {"balloon dilation", "dilated"},
	TrachealStent:      {"stent"},
	TransbronchialAddl: {"additional lobe", "transbronchial"},
	TBNAAddl:           {"additional lobe", "needle aspiration"},
	TherapeuticAsp:     {"therapeutic aspiration", "mucus plug", "secretions aspirated"},
	EBUSLow:            {"ebus", "endobronchial ultrasound", "station"},
	EBUSHigh:           {"ebus", "endobronchial ultrasound", "station"},
	RadialEBUS:         {"radial ebus", "radial probe", "peripheral lesion"},
	ThoraNoImaging:     {"thoracentesis", "pleural fluid"},
	ThoraImaging:       {"thoracentesis", "ultrasound guidance", "ultrasound-guided"},
	SedationFirst:      {"moderate sedation", "conscious sedation", "versed", "midazolam", "fentanyl"},
	SedationAddl:       {"moderate sedation", "conscious sedation"},
}

// ExclusiveSibling returns the other member of a mutually exclusive pair, or
// "" when the code is not part of one.
func ExclusiveSibling(code string) string {
	for _, p := range ExclusivePairs {
		if p[0] == code {
			return p[1]
		}
		if p[1] == code {
			return p[0]
		}
	}
	return ""
}

// Known reports whether the code belongs to this rule set's vocabulary.
func Known(code string) bool {
	_, ok := Descriptions[code]
	return ok
}
