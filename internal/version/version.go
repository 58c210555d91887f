// Package version implements the version grammar and total ordering
// described in spec.md §3.1 and §4.2: a tuple of (epoch, release parts,
// local parts) where each part is an ordered sequence of numeric/literal
// atoms, compared with the literal precedence
//
//	"*" < "dev" < "_" < "a" < "alpha" < "b" < "beta" < "c" < "r" < "rc" < "" < "post"
//
// This is PEP-440-shaped but not PEP 440 itself: the literal ordering
// and the arbitrary-length dotted release/local parts follow the
// fixture in original_source/libmamba/tests/src/specs/test_version.cpp
// rather than CPython's packaging library.
package version

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AlexanderEkdahl/solvent/internal/errtax"
)

// Atom is the smallest comparable unit of a Version: a numeral
// optionally followed by a literal tag (e.g. "2" in "1.2", or "1" with
// literal "a" in "1a1" -> represented by the pair of atoms (1,"a") and
// (1,"")).
type Atom struct {
	Numeric uint64
	Literal string // always lowercase; "" is distinct from any non-empty literal
}

// literalRank assigns the strict total order over literals described in
// spec.md §3.1. Gaps of 10 leave room for literals outside this table
// (rank 25, between "_" and "a") to be ordered consistently relative to
// the well-known markers without colliding with them; ties among
// unranked literals fall back to a lexicographic compare.
var literalRank = map[string]int{
	"*":     0,
	"dev":   10,
	"_":     20,
	"a":     30,
	"alpha": 40,
	"b":     50,
	"beta":  60,
	"c":     70,
	"r":     80,
	"rc":    90,
	"":      100,
	"post":  110,
}

const unrankedLiteral = 25

func rankOf(lit string) int {
	if r, ok := literalRank[lit]; ok {
		return r
	}
	return unrankedLiteral
}

// compareLiteral returns -1, 0 or 1 comparing a and b per the atom
// ordering contract.
func compareLiteral(a, b string) int {
	ra, rb := rankOf(a), rankOf(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	if ra == unrankedLiteral && a != b {
		// Neither literal is recognized: fall back to lexicographic
		// order so the overall order stays total.
		return strings.Compare(a, b)
	}
	return 0
}

// Compare returns -1, 0 or 1 comparing atoms numeric-then-literal.
func (a Atom) Compare(b Atom) int {
	if a.Numeric != b.Numeric {
		if a.Numeric < b.Numeric {
			return -1
		}
		return 1
	}
	return compareLiteral(a.Literal, b.Literal)
}

var zeroAtom = Atom{}

// Part is an ordered sequence of Atoms making up one dot-separated
// segment of a Version's release or local component.
//
// ImplicitLeadingZero records whether the first atom's numeral was
// synthesized by the parser (the segment began with a literal, e.g.
// ".dev2") rather than written explicitly; it affects only rendering,
// never comparison.
type Part struct {
	Atoms               []Atom
	ImplicitLeadingZero bool
}

func atomAt(atoms []Atom, i int) Atom {
	if i < len(atoms) {
		return atoms[i]
	}
	return zeroAtom
}

// Compare compares two Parts elementwise, padding the shorter one with
// zero atoms.
func (p Part) Compare(o Part) int {
	n := len(p.Atoms)
	if len(o.Atoms) > n {
		n = len(o.Atoms)
	}
	for i := 0; i < n; i++ {
		if c := atomAt(p.Atoms, i).Compare(atomAt(o.Atoms, i)); c != 0 {
			return c
		}
	}
	return 0
}

// Equal reports whether p and o compare equal (ignoring
// ImplicitLeadingZero, which is render-only state).
func (p Part) Equal(o Part) bool { return p.Compare(o) == 0 }

func (p Part) String() string {
	sb := &strings.Builder{}
	for i, a := range p.Atoms {
		if i == 0 && p.ImplicitLeadingZero && a.Literal != "" {
			sb.WriteString(a.Literal)
			continue
		}
		fmt.Fprintf(sb, "%d%s", a.Numeric, a.Literal)
	}
	return sb.String()
}

// Version is the parsed form of a version string: an epoch, an
// arbitrary-length dotted release, and an arbitrary-length dotted
// local version, per spec.md §3.1.
type Version struct {
	Epoch   uint32
	Release []Part
	Local   []Part
}

// Wildcard reports whether this Version ends in the "*" marker
// produced by a trailing ".*" in the input (used by VersionSpec's
// startswith-compatible matching; see internal/matchspec).
func (v Version) Wildcard() bool {
	if len(v.Release) == 0 {
		return false
	}
	last := v.Release[len(v.Release)-1]
	if len(last.Atoms) == 0 {
		return false
	}
	return strings.HasSuffix(last.Atoms[len(last.Atoms)-1].Literal, "*")
}

// Zero reports whether v is the zero value (used as "unspecified").
func (v Version) Zero() bool {
	return v.Epoch == 0 && len(v.Release) == 0 && len(v.Local) == 0
}

// splitPart tokenizes one dot-separated segment into alternating
// (digit-run, following-non-digit-run) atoms, e.g. "1dev2foo" ->
// (1,"dev"),(2,"foo"). A literal '*' is ordinary non-digit content here
// (it sorts lowest via literalRank); Parse is responsible for requiring
// it only ever appears as the final character of the version string.
func splitPart(lowercased string) Part {
	var atoms []Atom
	implicitLeadingZero := false
	i := 0
	for i < len(lowercased) {
		digitsStart := i
		for i < len(lowercased) && lowercased[i] >= '0' && lowercased[i] <= '9' {
			i++
		}
		numStr := lowercased[digitsStart:i]

		litStart := i
		for i < len(lowercased) && !(lowercased[i] >= '0' && lowercased[i] <= '9') {
			i++
		}
		litStr := lowercased[litStart:i]

		if numStr == "" && litStr == "" {
			break
		}
		if numStr == "" && len(atoms) == 0 {
			implicitLeadingZero = true
		}
		atoms = append(atoms, Atom{Numeric: parseUint(numStr), Literal: litStr})
	}
	return Part{Atoms: atoms, ImplicitLeadingZero: implicitLeadingZero}
}

func parseUint(s string) uint64 {
	var n uint64
	for i := 0; i < len(s); i++ {
		n = n*10 + uint64(s[i]-'0')
	}
	return n
}

// splitSegments splits a release or local string into Parts on '.',
// '-' and '_' separators.
func splitSegments(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '-' || r == '_'
	})
}

// Parse parses a version string per spec.md §3.1/§4.2. Literals are
// lowercased at construction.
func Parse(input string) (Version, error) {
	s := strings.ToLower(strings.TrimSpace(input))
	if s == "" {
		return Version{}, errtax.NewParse("version", input, "empty version")
	}
	s = strings.TrimPrefix(s, "v")

	var epoch uint32
	if idx := strings.IndexByte(s, '!'); idx >= 0 {
		epochStr := s[:idx]
		for _, c := range epochStr {
			if c < '0' || c > '9' {
				return Version{}, errtax.NewParse("version", input, "invalid epoch")
			}
		}
		if epochStr == "" {
			return Version{}, errtax.NewParse("version", input, "empty epoch before '!'")
		}
		epoch = uint32(parseUint(epochStr))
		s = s[idx+1:]
	}

	var localStr string
	if idx := strings.IndexByte(s, '+'); idx >= 0 {
		localStr = s[idx+1:]
		s = s[:idx]
	}
	if s == "" {
		return Version{}, errtax.NewParse("version", input, "empty release segment")
	}
	if idx := strings.IndexByte(s, '*'); idx >= 0 && idx != len(s)-1 {
		return Version{}, errtax.NewParse("version", input, "'*' only allowed at the end of a version")
	}

	release := make([]Part, 0, 4)
	for _, seg := range splitSegments(s) {
		release = append(release, splitPart(seg))
	}
	if len(release) == 0 {
		return Version{}, errtax.NewParse("version", input, "no release segments")
	}

	var local []Part
	if localStr != "" {
		for _, seg := range splitSegments(localStr) {
			local = append(local, splitPart(seg))
		}
	}

	return Version{Epoch: epoch, Release: release, Local: local}, nil
}

// MustParse parses input and panics on failure; reserved for literal
// fixtures in tests and static tables, never for user input.
func MustParse(input string) Version {
	v, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return v
}

// Compare returns -1, 0 or 1 comparing a and b: epoch first, then
// release parts (padded with empty parts), then local parts.
func Compare(a, b Version) int {
	if a.Epoch != b.Epoch {
		if a.Epoch < b.Epoch {
			return -1
		}
		return 1
	}
	if c := comparePartLists(a.Release, b.Release); c != 0 {
		return c
	}
	return comparePartLists(a.Local, b.Local)
}

var emptyPart = Part{}

func comparePartLists(a, b []Part) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		pa, pb := emptyPart, emptyPart
		if i < len(a) {
			pa = a[i]
		}
		if i < len(b) {
			pb = b[i]
		}
		if c := pa.Compare(pb); c != 0 {
			return c
		}
	}
	return 0
}

// Equal reports whether a and b compare equal under Compare.
func Equal(a, b Version) bool { return Compare(a, b) == 0 }

// Less reports whether a sorts strictly before b.
func Less(a, b Version) bool { return Compare(a, b) < 0 }

// String renders the canonical textual form of v.
func (v Version) String() string {
	sb := &strings.Builder{}
	if v.Epoch > 0 {
		fmt.Fprintf(sb, "%d!", v.Epoch)
	}
	for i, p := range v.Release {
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(p.String())
	}
	if len(v.Local) > 0 {
		sb.WriteByte('+')
		for i, p := range v.Local {
			if i > 0 {
				sb.WriteByte('.')
			}
			sb.WriteString(p.String())
		}
	}
	return sb.String()
}

func (v *Version) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Version) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}
