package version

import (
	"encoding/json"
	"sort"
	"testing"
)

func TestParseRoundTrip(t *testing.T) {
	cases := []string{
		"0.4",
		"0.4.0",
		"1.0",
		"1!0.4.1",
		"2!0.4.1",
		"1.2.3+local.4",
		"1.0.post1",
		"1.0.dev2",
		"0.5*",
	}
	for _, s := range cases {
		v, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got := v.String(); got != s {
			t.Errorf("Parse(%q).String() = %q, want %q", s, got, s)
		}
	}
}

func TestAtomOrdering(t *testing.T) {
	// Mirrors the sorted_atoms fixture from
	// original_source/libmamba/tests/src/specs/test_version.cpp: each
	// literal, paired with the same numeral, must compare strictly
	// increasing in this order.
	order := []string{"*", "dev", "_", "a", "alpha", "b", "beta", "c", "r", "rc", "", "post"}
	for i := 0; i < len(order)-1; i++ {
		a := Atom{Numeric: 1, Literal: order[i]}
		b := Atom{Numeric: 1, Literal: order[i+1]}
		if c := a.Compare(b); c != -1 {
			t.Errorf("Atom(%q).Compare(Atom(%q)) = %d, want -1", order[i], order[i+1], c)
		}
		if c := b.Compare(a); c != 1 {
			t.Errorf("Atom(%q).Compare(Atom(%q)) = %d, want 1", order[i+1], order[i], c)
		}
	}
}

func TestPartRenderingWithImplicitLeadingZero(t *testing.T) {
	cases := []struct {
		part Part
		want string
	}{
		{Part{Atoms: []Atom{{0, "dev"}, {2, ""}}, ImplicitLeadingZero: false}, "0dev2"},
		{Part{Atoms: []Atom{{0, "dev"}, {2, ""}}, ImplicitLeadingZero: true}, "dev2"},
		{Part{Atoms: []Atom{{0, "dev"}}, ImplicitLeadingZero: true}, "dev"},
		{Part{Atoms: []Atom{{0, ""}}, ImplicitLeadingZero: true}, "0"},
		{Part{Atoms: []Atom{{1, "dev"}, {2, "foo"}, {33, "bar"}}}, "1dev2foo33bar"},
	}
	for _, c := range cases {
		if got := c.part.String(); got != c.want {
			t.Errorf("Part.String() = %q, want %q", got, c.want)
		}
	}
}

func TestVersionSortOrder(t *testing.T) {
	// spec.md §8 scenario 1: this list, parsed and sorted, yields the
	// same order.
	in := []string{
		"0.4", "0.4.0", "0.4.1a", "0.4.1", "0.5*", "0.5a1", "0.5b3", "0.5",
		"1.0a1", "1.0", "1!0.4.1", "2!0.4.1",
	}
	versions := make([]Version, len(in))
	for i, s := range in {
		v, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		versions[i] = v
	}
	sorted := make([]Version, len(versions))
	copy(sorted, versions)
	sort.SliceStable(sorted, func(i, j int) bool { return Less(sorted[i], sorted[j]) })
	for i := range sorted {
		if !Equal(sorted[i], versions[i]) {
			t.Fatalf("sorted[%d] = %s, want %s (input already in sorted order)", i, sorted[i], versions[i])
		}
	}
}

func TestEpochDominates(t *testing.T) {
	a := MustParse("2!0.1")
	b := MustParse("1!99.99")
	if !Less(b, a) {
		t.Fatalf("expected %s < %s", b, a)
	}
}

func TestPreReleaseBeforeFinal(t *testing.T) {
	pre := MustParse("1.0a1")
	final := MustParse("1.0")
	if !Less(pre, final) {
		t.Fatalf("expected %s < %s", pre, final)
	}
}

func TestPostReleaseAfterFinal(t *testing.T) {
	final := MustParse("1.0")
	post := MustParse("1.0.post1")
	if !Less(final, post) {
		t.Fatalf("expected %s < %s", final, post)
	}
}

func TestDevBeforePreRelease(t *testing.T) {
	// Both suffixes attach directly to the preceding numeral (no dot)
	// so they land in the same Part and compare atom-for-atom.
	dev := MustParse("1.0dev1")
	pre := MustParse("1.0a1")
	if !Less(dev, pre) {
		t.Fatalf("expected %s < %s", dev, pre)
	}
}

func TestTrailingZeroPaddingEquality(t *testing.T) {
	a := MustParse("0.4")
	b := MustParse("0.4.0")
	if !Equal(a, b) {
		t.Fatalf("expected %s == %s", a, b)
	}
}

func TestLocalVersionBreaksTie(t *testing.T) {
	base := MustParse("1.0")
	local := MustParse("1.0+abc1")
	if !Less(base, local) {
		t.Fatalf("expected %s < %s", base, local)
	}
}

func TestWildcard(t *testing.T) {
	v := MustParse("0.5*")
	if !v.Wildcard() {
		t.Fatalf("expected %s to be a wildcard version", v)
	}
	if MustParse("0.5").Wildcard() {
		t.Fatalf("expected 0.5 not to be a wildcard version")
	}
}

func TestWildcardSortsBeforeAnyConcreteSuffix(t *testing.T) {
	wc := MustParse("0.5*")
	for _, s := range []string{"0.5a1", "0.5.dev1", "0.5"} {
		if !Less(wc, MustParse(s)) {
			t.Errorf("expected 0.5* < %s", s)
		}
	}
}

func TestInvalidVersions(t *testing.T) {
	for _, s := range []string{"", "!1.0", "1.0!", "+"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q): expected error", s)
		}
	}
}

func TestJSONRoundTrip(t *testing.T) {
	v := MustParse("1!2.3.4+local5")
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Version
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !Equal(got, v) {
		t.Fatalf("round trip mismatch: got %s, want %s", got, v)
	}
}
