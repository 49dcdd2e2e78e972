// Package auditcmp audits a derived code set against an independent text
// classifier running on the raw note. It never mutates the record; its
// output is a report of bucketed disagreements for the self-correction
// controller and the reviewer.
package auditcmp

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"pulmocode/internal/cpt"
	"pulmocode/internal/derive"
	"pulmocode/internal/registry"
)

// Bucket is the confidence/category tag on one classifier prediction.
type Bucket string

const (
	BucketHighConf          Bucket = "HIGH_CONF"
	BucketGrayZone          Bucket = "GRAY_ZONE"
	BucketLowConf           Bucket = "LOW_CONF"
	BucketHeaderExplicit    Bucket = "HEADER_EXPLICIT"
	BucketStructuralFailure Bucket = "STRUCTURAL_FAILURE"
)

// Prediction is one bucketed classifier output. Produced fresh per audit
// pass and never persisted into the record.
type Prediction struct {
	Code        string  `json:"code"`
	Probability float64 `json:"probability"`
	Bucket      Bucket  `json:"bucket"`
}

// Actionable reports whether this prediction's bucket may trigger
// self-correction.
func (p Prediction) Actionable() bool {
	switch p.Bucket {
	case BucketHighConf, BucketHeaderExplicit, BucketStructuralFailure:
		return true
	default:
		return false
	}
}

// Report diffs classifier predictions against the derived code set.
type Report struct {
	MissingInDerived []Prediction `json:"missing_in_derived"`
	ExtraInDerived   []string     `json:"extra_in_derived"`
	HeaderCodes      []string     `json:"header_codes,omitempty"`
	Warnings         []string     `json:"warnings,omitempty"`
	// Degraded is set when the classifier was unavailable and the audit set
	// is empty by fallback rather than agreement.
	Degraded bool `json:"degraded,omitempty"`
}

// ActionableOmissions returns the missing predictions eligible to trigger
// correction, highest probability first.
func (r Report) ActionableOmissions() []Prediction {
	var out []Prediction
	for _, p := range r.MissingInDerived {
		if p.Actionable() {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Probability > out[j].Probability })
	return out
}

// Classifier is the injected statistical model. Implementations live in the
// perception package; the comparator calls it exactly once per audit pass.
type Classifier interface {
	Classify(ctx context.Context, noteText string) ([]CodeScore, error)
}

// CodeScore is the raw classifier output before bucketing.
type CodeScore struct {
	Code        string  `json:"code"`
	Probability float64 `json:"probability"`
}

// Config holds the bucketing and header-authority thresholds.
type Config struct {
	// HighConfFloor is the probability at or above which a prediction is
	// HIGH_CONF (and eligible for HEADER_EXPLICIT promotion).
	HighConfFloor float64 `yaml:"high_conf_floor"`
	// GrayZoneFloor is the probability at or above which a prediction is
	// GRAY_ZONE rather than LOW_CONF.
	GrayZoneFloor float64 `yaml:"gray_zone_floor"`
	// LowConfCutoff drops predictions below it entirely.
	LowConfCutoff float64 `yaml:"low_conf_cutoff"`
	// HeaderMaxLines bounds how deep into the note the procedure header may
	// sit; HeaderMaxLen bounds how long an authoritative header line may be.
	HeaderMaxLines int `yaml:"header_max_lines"`
	HeaderMaxLen   int `yaml:"header_max_len"`
}

// DefaultConfig returns the shipping thresholds. They are empirical, not
// optimal; all are configurable.
func DefaultConfig() Config {
	return Config{
		HighConfFloor:  0.85,
		GrayZoneFloor:  0.50,
		LowConfCutoff:  0.20,
		HeaderMaxLines: 3,
		HeaderMaxLen:   200,
	}
}

// Comparator runs one audit pass.
type Comparator struct {
	cfg        Config
	classifier Classifier
}

// NewComparator builds a comparator around the injected classifier.
func NewComparator(cfg Config, classifier Classifier) *Comparator {
	if cfg.HighConfFloor <= 0 {
		cfg = DefaultConfig()
	}
	return &Comparator{cfg: cfg, classifier: classifier}
}

var headerLabelRe = regexp.MustCompile(`(?i)^\s*(procedures?\s+performed|procedures?|operation)\s*[:\-]`)
var codeRe = regexp.MustCompile(`\b(3[12]\d{3}|99\d{3})\b`)

// HeaderCodes extracts billing codes enumerated on the note's leading
// procedure-header line. A header is authoritative only when it appears
// within the first HeaderMaxLines lines, carries a procedure label, and is
// no longer than HeaderMaxLen bytes.
func (c *Comparator) HeaderCodes(noteText string) []string {
	lines := strings.Split(noteText, "\n")
	limit := c.cfg.HeaderMaxLines
	if limit > len(lines) {
		limit = len(lines)
	}
	var codes []string
	seen := map[string]bool{}
	for i := 0; i < limit; i++ {
		line := lines[i]
		if len(line) > c.cfg.HeaderMaxLen || !headerLabelRe.MatchString(line) {
			continue
		}
		for _, m := range codeRe.FindAllString(line, -1) {
			if cpt.Known(m) && !seen[m] {
				seen[m] = true
				codes = append(codes, m)
			}
		}
	}
	return codes
}

// Audit classifies the raw note once, buckets the predictions, and diffs
// them against the derived set. Classifier failure degrades to an empty
// audit set with a warning; it is never fatal.
func (c *Comparator) Audit(ctx context.Context, derived derive.Result, noteText string, rec *registry.ClinicalRecord) Report {
	report := Report{HeaderCodes: c.HeaderCodes(noteText)}

	scores, err := c.classifier.Classify(ctx, noteText)
	if err != nil {
		report.Degraded = true
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("AUDIT_SERVICE_UNAVAILABLE: classifier error, audit set empty: %v", err))
		return report
	}

	headerSet := make(map[string]bool, len(report.HeaderCodes))
	for _, h := range report.HeaderCodes {
		headerSet[h] = true
	}

	derivedSet := derived.CodeSet()
	suppressedSet := derived.SuppressedSet()
	predicted := make(map[string]bool, len(scores))

	for _, s := range scores {
		if !cpt.Known(s.Code) || s.Probability < c.cfg.LowConfCutoff {
			continue
		}
		predicted[s.Code] = true
		p := Prediction{Code: s.Code, Probability: s.Probability, Bucket: c.bucket(s, headerSet, rec)}

		if derivedSet[s.Code] {
			continue
		}
		// Codes the bundling rules intentionally drop are expected absences:
		// both the static allow-list and this run's explicit suppressions.
		if cpt.AuditSuppressed[s.Code] || suppressedSet[s.Code] {
			continue
		}
		report.MissingInDerived = append(report.MissingInDerived, p)
	}

	for _, code := range sortedKeys(derivedSet) {
		if !predicted[code] {
			report.ExtraInDerived = append(report.ExtraInDerived, code)
		}
	}

	sort.SliceStable(report.MissingInDerived, func(i, j int) bool {
		return report.MissingInDerived[i].Probability > report.MissingInDerived[j].Probability
	})
	return report
}

// bucket assigns the category tag for one prediction.
func (c *Comparator) bucket(s CodeScore, headerSet map[string]bool, rec *registry.ClinicalRecord) Bucket {
	if structuralFailure(rec, s.Code) {
		return BucketStructuralFailure
	}
	if s.Probability >= c.cfg.HighConfFloor && headerSet[s.Code] {
		return BucketHeaderExplicit
	}
	switch {
	case s.Probability >= c.cfg.HighConfFloor:
		return BucketHighConf
	case s.Probability >= c.cfg.GrayZoneFloor:
		return BucketGrayZone
	default:
		return BucketLowConf
	}
}

// structuralFailure reports whether the record asserts the code's procedure
// was performed while its required sub-detail is empty, so the presence rule
// could not fire.
func structuralFailure(rec *registry.ClinicalRecord, code string) bool {
	switch code {
	case cpt.EBUSLow, cpt.EBUSHigh:
		return rec.Procedures.LinearEBUS.Performed && len(rec.Procedures.LinearEBUS.StationsSampled) == 0
	case cpt.TransbronchialBx, cpt.TransbronchialAddl:
		return rec.Procedures.TransbronchialBiopsy.Performed && len(rec.Procedures.TransbronchialBiopsy.LobesSampled) == 0
	case cpt.TBNA, cpt.TBNAAddl:
		return rec.Procedures.TBNA.Performed && len(rec.Procedures.TBNA.SitesSampled) == 0
	default:
		return false
	}
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
