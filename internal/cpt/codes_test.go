package cpt

import "testing"

func TestTablesReferenceKnownCodes(t *testing.T) {
	for _, b := range Bundles {
		if !Known(b.Child) {
			t.Errorf("bundle child %s is not a known code", b.Child)
		}
		for _, p := range b.Parents {
			if !Known(p) {
				t.Errorf("bundle parent %s is not a known code", p)
			}
		}
	}
	for _, pair := range ExclusivePairs {
		if !Known(pair[0]) || !Known(pair[1]) {
			t.Errorf("exclusive pair %v references unknown code", pair)
		}
	}
	for code := range Keywords {
		if !Known(code) {
			t.Errorf("keywords entry %s is not a known code", code)
		}
	}
	for code := range AuditSuppressed {
		if !Known(code) {
			t.Errorf("suppression allow-list entry %s is not a known code", code)
		}
	}
}

func TestEveryCodeHasKeywords(t *testing.T) {
	for code := range Descriptions {
		if len(Keywords[code]) == 0 {
			t.Errorf("code %s has no trigger keywords", code)
		}
	}
}

func TestExclusiveSibling(t *testing.T) {
	if got := ExclusiveSibling(EBUSLow); got != EBUSHigh {
		t.Errorf("sibling of 31652 = %s", got)
	}
	if got := ExclusiveSibling(ThoraImaging); got != ThoraNoImaging {
		t.Errorf("sibling of 32555 = %s", got)
	}
	if got := ExclusiveSibling(BAL); got != "" {
		t.Errorf("31624 has no sibling, got %s", got)
	}
}
