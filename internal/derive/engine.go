// Package derive implements the deterministic code-derivation engine: a pure
// function from a verified clinical record to billing codes, with every
// emitted code explainable by the record paths that produced it.
package derive

import (
	"fmt"
	"sort"
	"strings"

	"pulmocode/internal/cpt"
	"pulmocode/internal/registry"
)

// Code is one derived billing code. DerivedFrom lists the record paths that
// justify it; the engine refuses to emit a code without them.
type Code struct {
	Code        string   `json:"code"`
	Description string   `json:"description"`
	Rationale   string   `json:"rationale"`
	Units       int      `json:"units"`
	Modifiers   []string `json:"modifiers,omitempty"`
	DerivedFrom []string `json:"derived_from"`
}

// Suppression records one code intentionally dropped by the bundling or
// exclusivity pass. The audit comparator treats these as expected absences.
type Suppression struct {
	Code   string `json:"code"`
	By     string `json:"by"`
	Reason string `json:"reason"`
}

// Result is the engine's full output for one record.
type Result struct {
	Codes      []Code        `json:"codes"`
	Suppressed []Suppression `json:"suppressed,omitempty"`
	Warnings   []string      `json:"warnings,omitempty"`
}

// Has reports whether the derived set contains the code.
func (r Result) Has(code string) bool {
	for _, c := range r.Codes {
		if c.Code == code {
			return true
		}
	}
	return false
}

// CodeSet returns the derived codes as a set.
func (r Result) CodeSet() map[string]bool {
	set := make(map[string]bool, len(r.Codes))
	for _, c := range r.Codes {
		set[c.Code] = true
	}
	return set
}

// SuppressedSet returns the suppressed codes as a set.
func (r Result) SuppressedSet() map[string]bool {
	set := make(map[string]bool, len(r.Suppressed))
	for _, s := range r.Suppressed {
		set[s.Code] = true
	}
	return set
}

// Config holds the tunable rule thresholds. Constructed once and passed
// down; rule units never read ambient state.
type Config struct {
	// HighStationCount is the station count at which EBUS sampling moves
	// from 31652 to 31653.
	HighStationCount int `yaml:"high_station_count"`
	// MinSedationMinutes gates the initial moderate-sedation code.
	MinSedationMinutes int `yaml:"min_sedation_minutes"`
	// SedationBlockMinutes is the size of each additional sedation unit.
	SedationBlockMinutes int `yaml:"sedation_block_minutes"`
	// SedationProviders are the provider roles that qualify for
	// proceduralist-reported sedation codes.
	SedationProviders []string `yaml:"sedation_providers"`
}

// DefaultConfig returns the shipping thresholds.
func DefaultConfig() Config {
	return Config{
		HighStationCount:     3,
		MinSedationMinutes:   10,
		SedationBlockMinutes: 15,
		SedationProviders:    []string{"proceduralist", "bronchoscopist"},
	}
}

// ruleUnit is one total function over the record. Units run in registration
// order and are independent: no unit sees another's output.
type ruleUnit struct {
	name  string
	apply func(*registry.ClinicalRecord) ([]Code, []string)
}

// Engine derives codes from records. Safe for concurrent use; it holds only
// immutable configuration.
type Engine struct {
	cfg   Config
	units []ruleUnit
}

// NewEngine builds an engine with the given thresholds.
func NewEngine(cfg Config) *Engine {
	if cfg.HighStationCount <= 0 {
		cfg.HighStationCount = 3
	}
	if cfg.MinSedationMinutes <= 0 {
		cfg.MinSedationMinutes = 10
	}
	if cfg.SedationBlockMinutes <= 0 {
		cfg.SedationBlockMinutes = 15
	}
	if len(cfg.SedationProviders) == 0 {
		cfg.SedationProviders = DefaultConfig().SedationProviders
	}
	e := &Engine{cfg: cfg}
	e.units = e.buildUnits()
	return e
}

// Derive runs every rule unit over the record, applies bundling and mutual
// exclusion, and returns the explainable code set. Pure and deterministic:
// no I/O, stable output order.
//
// A code emitted without a resolvable derived_from path is a rule-unit bug;
// Derive panics rather than letting an unexplainable code reach billing.
func (e *Engine) Derive(rec *registry.ClinicalRecord) Result {
	var res Result
	for _, u := range e.units {
		codes, warns := u.apply(rec)
		for _, w := range warns {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s", u.name, w))
		}
		res.Codes = append(res.Codes, codes...)
	}

	res = e.applyBundles(rec, res)
	res = e.applyExclusivity(res)
	res = e.checkAddOns(res)

	sort.Slice(res.Codes, func(i, j int) bool { return res.Codes[i].Code < res.Codes[j].Code })
	sort.Slice(res.Suppressed, func(i, j int) bool { return res.Suppressed[i].Code < res.Suppressed[j].Code })

	for _, c := range res.Codes {
		mustExplain(rec, c)
	}
	return res
}

// mustExplain enforces the explainability invariant. Violations are
// programming defects in a rule unit, not data errors, so they panic and are
// expected to be caught by the engine's test suite, never in production.
func mustExplain(rec *registry.ClinicalRecord, c Code) {
	if len(c.DerivedFrom) == 0 {
		panic(fmt.Sprintf("derive: code %s emitted with empty derived_from", c.Code))
	}
	for _, path := range c.DerivedFrom {
		if !registry.Truthy(rec, path) {
			panic(fmt.Sprintf("derive: code %s cites path %s which does not resolve truthy", c.Code, path))
		}
	}
}

// applyBundles walks the bundling table and suppresses or modifies children.
func (e *Engine) applyBundles(rec *registry.ClinicalRecord, res Result) Result {
	present := res.CodeSet()
	out := res.Codes[:0:0]

	for _, c := range res.Codes {
		b, bundled := bundleFor(c.Code)
		if !bundled {
			out = append(out, c)
			continue
		}
		parent := firstPresentParent(b, present)
		if parent == "" {
			out = append(out, c)
			continue
		}
		switch b.Scope {
		case cpt.ScopeGlobal:
			res.Suppressed = append(res.Suppressed, Suppression{
				Code: c.Code, By: parent,
				Reason: fmt.Sprintf("%s is included in %s", c.Code, parent),
			})
		case cpt.ScopeLobe:
			if sameLobe(rec, c.Code, parent) {
				res.Suppressed = append(res.Suppressed, Suppression{
					Code: c.Code, By: parent,
					Reason: fmt.Sprintf("%s in the same lobe is included in %s", c.Code, parent),
				})
			} else {
				c.Modifiers = appendModifier(c.Modifiers, cpt.ModifierDistinct)
				out = append(out, c)
			}
		case cpt.ScopeStation:
			if stationsOverlap(rec) {
				res.Suppressed = append(res.Suppressed, Suppression{
					Code: c.Code, By: parent,
					Reason: fmt.Sprintf("%s targets stations already sampled under %s", c.Code, parent),
				})
			} else {
				c.Modifiers = appendModifier(c.Modifiers, cpt.ModifierDistinct)
				out = append(out, c)
			}
		}
	}
	res.Codes = out
	return res
}

// applyExclusivity is a defensive pass: presence rules already pick one
// member of each exclusive pair, but a future rule unit must not be able to
// break the invariant silently.
func (e *Engine) applyExclusivity(res Result) Result {
	present := res.CodeSet()
	for _, pair := range cpt.ExclusivePairs {
		low, high := pair[0], pair[1]
		if !present[low] || !present[high] {
			continue
		}
		out := res.Codes[:0:0]
		for _, c := range res.Codes {
			if c.Code == low {
				res.Suppressed = append(res.Suppressed, Suppression{
					Code: low, By: high,
					Reason: fmt.Sprintf("%s and %s are mutually exclusive; keeping the higher-specificity code", low, high),
				})
				continue
			}
			out = append(out, c)
		}
		res.Codes = out
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("exclusivity: %s and %s were both emitted; dropped %s", low, high, low))
	}
	return res
}

// checkAddOns warns when an add-on code stands without any primary service.
func (e *Engine) checkAddOns(res Result) Result {
	primaries := 0
	for _, c := range res.Codes {
		switch c.Code {
		case cpt.Navigation, cpt.RadialEBUS, cpt.TransbronchialAddl, cpt.TBNAAddl, cpt.SedationAddl:
		default:
			primaries++
		}
	}
	if primaries > 0 {
		return res
	}
	for _, c := range res.Codes {
		if c.Code == cpt.Navigation || c.Code == cpt.RadialEBUS {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("add-on %s has no primary procedure code", c.Code))
		}
	}
	return res
}

func bundleFor(code string) (cpt.Bundle, bool) {
	for _, b := range cpt.Bundles {
		if b.Child == code {
			return b, true
		}
	}
	return cpt.Bundle{}, false
}

func firstPresentParent(b cpt.Bundle, present map[string]bool) string {
	for _, p := range b.Parents {
		if present[p] {
			return p
		}
	}
	return ""
}

// sameLobe resolves the anatomic comparison for lobe-scoped bundles. Today
// the only lobe-scoped child is BAL under transbronchial biopsy.
func sameLobe(rec *registry.ClinicalRecord, child, parent string) bool {
	if child != cpt.BAL || parent != cpt.TransbronchialBx {
		return false
	}
	site := normalizeSite(rec.Procedures.BAL.Site)
	if site == "" {
		// Unlocalized lavage during a biopsy bronchoscopy is assumed to be
		// at the biopsy site.
		return true
	}
	for _, lobe := range rec.Procedures.TransbronchialBiopsy.LobesSampled {
		if normalizeSite(lobe) == site {
			return true
		}
	}
	return false
}

// stationsOverlap reports whether conventional TBNA sites intersect the
// EBUS-sampled stations.
func stationsOverlap(rec *registry.ClinicalRecord) bool {
	ebus := make(map[string]bool)
	for _, s := range rec.Procedures.LinearEBUS.StationsSampled {
		ebus[normalizeSite(s)] = true
	}
	for _, s := range rec.Procedures.TBNA.SitesSampled {
		if ebus[normalizeSite(s)] {
			return true
		}
	}
	return false
}

func normalizeSite(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func appendModifier(mods []string, m string) []string {
	for _, existing := range mods {
		if existing == m {
			return mods
		}
	}
	return append(mods, m)
}

// distinct returns the unique normalized values preserving first-seen order.
func distinct(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		n := normalizeSite(v)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func newCode(code, rationale string, units int, derivedFrom ...string) Code {
	return Code{
		Code:        code,
		Description: cpt.Descriptions[code],
		Rationale:   rationale,
		Units:       units,
		DerivedFrom: derivedFrom,
	}
}
