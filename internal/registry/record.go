// Package registry defines the structured clinical record produced by
// extraction and consumed by every downstream stage. The record shape is a
// fixed, schema-versioned struct hierarchy; field paths used throughout the
// pipeline are the dotted JSON-tag paths (e.g. "procedures.linear_ebus.performed").
package registry

import (
	"encoding/json"
	"fmt"
)

// SchemaVersion is the current record schema version. Records carrying an
// older version must be migrated before entering the pipeline.
const SchemaVersion = 2

// ClinicalRecord is the structured form of one procedure note.
// It is created once per note by the extractor and mutated only by the
// evidence verifier (strip-only) and the self-correction controller
// (patch application on a copy).
type ClinicalRecord struct {
	SchemaVersion int           `json:"schema_version"`
	Demographics  Demographics  `json:"demographics"`
	Procedures    Procedures    `json:"procedures"`
	Sedation      Sedation      `json:"sedation"`
	Outcomes      Outcomes      `json:"outcomes"`
	Evidence      EvidenceIndex `json:"evidence_index"`
}

// Demographics holds the non-PHI patient context kept on the registry.
// PHI redaction happens upstream; only coarse fields survive extraction.
type Demographics struct {
	AgeYears  int    `json:"age_years"`
	Sex       string `json:"sex"`
	Inpatient bool   `json:"inpatient"`
}

// Procedures groups the per-procedure detail blocks. Each block has a
// `performed` leaf that is subject to evidence verification.
type Procedures struct {
	Diagnostic            DiagnosticBronchoscopy `json:"diagnostic"`
	LinearEBUS            LinearEBUS             `json:"linear_ebus"`
	RadialEBUS            RadialEBUS             `json:"radial_ebus"`
	Navigation            Navigation             `json:"navigation"`
	TransbronchialBiopsy  TransbronchialBiopsy   `json:"transbronchial_biopsy"`
	EndobronchialBiopsy   EndobronchialBiopsy    `json:"endobronchial_biopsy"`
	TBNA                  ConventionalTBNA       `json:"tbna"`
	BAL                   BAL                    `json:"bal"`
	Brushing              Brushing               `json:"brushing"`
	TherapeuticAspiration TherapeuticAspiration  `json:"therapeutic_aspiration"`
	BalloonDilation       BalloonDilation        `json:"balloon_dilation"`
	AirwayStent           AirwayStent            `json:"airway_stent"`
	Thoracentesis         Thoracentesis          `json:"thoracentesis"`
}

// DiagnosticBronchoscopy is the airway-survey-only base procedure.
type DiagnosticBronchoscopy struct {
	Performed    bool   `json:"performed"`
	AirwaySurvey string `json:"airway_survey"`
}

// LinearEBUS records convex-probe EBUS-TBNA sampling.
// StationsSampled holds mediastinal/hilar station labels ("4R", "7", "11L").
type LinearEBUS struct {
	Performed       bool     `json:"performed"`
	StationsSampled []string `json:"stations_sampled"`
	NeedlePasses    int      `json:"needle_passes"`
	RoseUsed        bool     `json:"rose_used"`
}

// RadialEBUS records peripheral radial-probe survey of a lung lesion.
type RadialEBUS struct {
	Performed      bool   `json:"performed"`
	LesionLocation string `json:"lesion_location"`
	ProbePattern   string `json:"probe_pattern"`
}

// Navigation records electromagnetic/robotic navigation guidance.
// System is a device name and therefore hallucination-prone: it is evidence
// verified alongside the performed leaves.
type Navigation struct {
	Performed  bool   `json:"performed"`
	System     string `json:"system"`
	TargetLobe string `json:"target_lobe"`
}

// TransbronchialBiopsy records parenchymal forceps biopsies by lobe.
type TransbronchialBiopsy struct {
	Performed    bool     `json:"performed"`
	LobesSampled []string `json:"lobes_sampled"`
	ForcepsType  string   `json:"forceps_type"`
}

// EndobronchialBiopsy records visible-airway-lesion biopsies.
type EndobronchialBiopsy struct {
	Performed bool   `json:"performed"`
	Site      string `json:"site"`
}

// ConventionalTBNA records non-EBUS needle aspiration.
type ConventionalTBNA struct {
	Performed    bool     `json:"performed"`
	SitesSampled []string `json:"sites_sampled"`
}

// BAL records bronchoalveolar lavage. Site is the lobe lavaged.
type BAL struct {
	Performed bool   `json:"performed"`
	Site      string `json:"site"`
}

// Brushing records protected or unprotected bronchial brushing.
type Brushing struct {
	Performed bool   `json:"performed"`
	Site      string `json:"site"`
}

// TherapeuticAspiration records therapeutic secretion/clot removal.
type TherapeuticAspiration struct {
	Performed bool `json:"performed"`
}

// BalloonDilation records airway balloon dilation.
type BalloonDilation struct {
	Performed bool   `json:"performed"`
	Site      string `json:"site"`
}

// AirwayStent records stent placement. StentType is a device name.
type AirwayStent struct {
	Performed bool   `json:"performed"`
	StentType string `json:"stent_type"`
	Site      string `json:"site"`
}

// Thoracentesis records pleural fluid drainage.
type Thoracentesis struct {
	Performed     bool   `json:"performed"`
	ImagingGuided bool   `json:"imaging_guided"`
	Side          string `json:"side"`
	VolumeML      int    `json:"volume_ml"`
}

// Sedation drives the time/provider-gated sedation codes.
// ProviderRole is one of "proceduralist", "anesthesiologist", "crna", "nurse".
type Sedation struct {
	ModerateSedation bool   `json:"moderate_sedation"`
	DurationMinutes  int    `json:"duration_minutes"`
	ProviderRole     string `json:"provider_role"`
}

// Outcomes holds post-procedure findings that never feed code derivation
// but are part of the registry payload.
type Outcomes struct {
	Complications []string `json:"complications"`
	Disposition   string   `json:"disposition"`
}

// NewRecord returns an empty record at the current schema version.
func NewRecord() *ClinicalRecord {
	return &ClinicalRecord{
		SchemaVersion: SchemaVersion,
		Evidence:      EvidenceIndex{},
	}
}

// Clone returns a deep copy of the record. Patch application and the
// self-correction loop always operate on clones, never in place.
func (r *ClinicalRecord) Clone() *ClinicalRecord {
	data, err := json.Marshal(r)
	if err != nil {
		// The record is a closed tree of plain structs; marshal cannot fail
		// against a valid record.
		panic(fmt.Sprintf("registry: clone marshal failed: %v", err))
	}
	out := NewRecord()
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("registry: clone unmarshal failed: %v", err))
	}
	if out.Evidence == nil {
		out.Evidence = EvidenceIndex{}
	}
	return out
}

// Migrate upgrades a record from an older schema version in place.
// Version 1 records predate the navigation block; their navigation facts
// were carried on the radial EBUS probe pattern and are dropped on upgrade.
func (r *ClinicalRecord) Migrate() error {
	switch r.SchemaVersion {
	case SchemaVersion:
		return nil
	case 1:
		r.SchemaVersion = SchemaVersion
		return nil
	case 0:
		// Pre-versioned extractor output. Accept but stamp.
		r.SchemaVersion = SchemaVersion
		return nil
	default:
		return fmt.Errorf("registry: unsupported schema version %d", r.SchemaVersion)
	}
}
