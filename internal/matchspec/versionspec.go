package matchspec

import (
	"strings"

	"github.com/AlexanderEkdahl/solvent/internal/errtax"
	"github.com/AlexanderEkdahl/solvent/internal/version"
)

// VersionSpec is a boolean combination of relational atoms over
// Version, per spec.md §4.2. Implementations are unexported; the AST
// is built by ParseVersionSpec and consumed only through Match/String.
type VersionSpec interface {
	Match(v version.Version) bool
	String() string
}

// versionAny matches every version ("*").
type versionAny struct{}

func (versionAny) Match(version.Version) bool { return true }
func (versionAny) String() string             { return "*" }

type versionAnd []VersionSpec

func (a versionAnd) Match(v version.Version) bool {
	for _, s := range a {
		if !s.Match(v) {
			return false
		}
	}
	return true
}

func (a versionAnd) String() string {
	parts := make([]string, len(a))
	for i, s := range a {
		parts[i] = s.String()
	}
	return strings.Join(parts, ",")
}

type versionOr []VersionSpec

func (o versionOr) Match(v version.Version) bool {
	for _, s := range o {
		if s.Match(v) {
			return true
		}
	}
	return false
}

func (o versionOr) String() string {
	parts := make([]string, len(o))
	for i, s := range o {
		parts[i] = s.String()
	}
	return strings.Join(parts, "|")
}

// relOp is one of the relational operators recognized in §4.2,
// excluding "=" and "~=" which expand into other node kinds below.
type relOp string

const (
	relEq relOp = "=="
	relNe relOp = "!="
	relLt relOp = "<"
	relLe relOp = "<="
	relGt relOp = ">"
	relGe relOp = ">="
)

type versionRel struct {
	op  relOp
	ver version.Version
}

func (r versionRel) Match(v version.Version) bool {
	c := version.Compare(v, r.ver)
	switch r.op {
	case relEq:
		return c == 0
	case relNe:
		return c != 0
	case relLt:
		return c < 0
	case relLe:
		return c <= 0
	case relGt:
		return c > 0
	case relGe:
		return c >= 0
	default:
		return false
	}
}

func (r versionRel) String() string { return string(r.op) + r.ver.String() }

// versionPrefix implements the "=" startswith-compatible operator and
// trailing ".*" globs, bare or after "==": a candidate matches iff its release parts
// begin with prefix (epoch must also match exactly).
type versionPrefix struct {
	epoch   uint32
	prefix  []version.Part
	literal string // original textual form, for String()
}

func (p versionPrefix) Match(v version.Version) bool {
	if v.Epoch != p.epoch {
		return false
	}
	if len(v.Release) < len(p.prefix) {
		return false
	}
	for i, part := range p.prefix {
		if !part.Equal(v.Release[i]) {
			return false
		}
	}
	return true
}

func (p versionPrefix) String() string { return p.literal }

// releasePrefix returns the release parts a wildcard version's
// trailing "*" marker stands in for: the "*" suffix is stripped from
// the final atom, keeping any numeral that preceded it in the same
// atom (see internal/version's fused tokenization of "0.5*").
func releasePrefix(v version.Version) []version.Part {
	if !v.Wildcard() || len(v.Release) == 0 {
		return v.Release
	}
	release := append([]version.Part(nil), v.Release...)
	last := release[len(release)-1]
	atoms := append([]version.Atom(nil), last.Atoms...)
	lastAtom := atoms[len(atoms)-1]
	lastAtom.Literal = strings.TrimSuffix(lastAtom.Literal, "*")
	if lastAtom.Literal == "" && lastAtom.Numeric == 0 {
		atoms = atoms[:len(atoms)-1]
	} else {
		atoms[len(atoms)-1] = lastAtom
	}
	if len(atoms) == 0 {
		return release[:len(release)-1]
	}
	release[len(release)-1] = version.Part{Atoms: atoms}
	return release
}

// orderedOps lists recognized operator prefixes, longest first so that
// e.g. ">=" is not mistaken for ">" followed by "=".
var orderedOps = []string{">=", "<=", "==", "!=", "~="}

// ParseVersionSpec parses a version-spec expression: OR ("|") of AND
// (",") chains of relational atoms, per spec.md §4.2.
func ParseVersionSpec(input string) (VersionSpec, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return nil, errtax.NewParse("version-spec", input, "empty version spec")
	}
	if s == "*" {
		return versionAny{}, nil
	}

	orTerms := strings.Split(s, "|")
	ors := make(versionOr, 0, len(orTerms))
	for _, orTerm := range orTerms {
		andTerms := splitTopLevelComma(orTerm)
		ands := make(versionAnd, 0, len(andTerms))
		for _, atom := range andTerms {
			atom = strings.TrimSpace(atom)
			if atom == "" {
				continue
			}
			node, err := parseVersionAtom(atom, input)
			if err != nil {
				return nil, err
			}
			ands = append(ands, node)
		}
		if len(ands) == 0 {
			return nil, errtax.NewParse("version-spec", input, "empty AND term")
		}
		if len(ands) == 1 {
			ors = append(ors, ands[0])
		} else {
			ors = append(ors, ands)
		}
	}
	if len(ors) == 1 {
		return ors[0], nil
	}
	return ors, nil
}

// splitTopLevelComma splits on ',' but never inside a quoted section
// (bracket-attribute values may contain a version-spec that itself
// needs to be split further up the call stack; this keeps the two
// splitters consistent).
func splitTopLevelComma(s string) []string {
	var out []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			if depth > 0 {
				depth--
			}
		case c == ',' && depth == 0:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func parseVersionAtom(atom, wholeInput string) (VersionSpec, error) {
	for _, op := range orderedOps {
		if strings.HasPrefix(atom, op) {
			rest := strings.TrimSpace(atom[len(op):])
			v, err := version.Parse(rest)
			if err != nil {
				return nil, err
			}
			if relOp(op) == "~=" {
				return expandCompatibleRelease(v, wholeInput)
			}
			if relOp(op) == relEq && v.Wildcard() {
				return versionPrefix{epoch: v.Epoch, prefix: releasePrefix(v), literal: atom}, nil
			}
			return versionRel{op: relOp(op), ver: v}, nil
		}
	}
	if strings.HasPrefix(atom, "=") {
		rest := strings.TrimSpace(atom[1:])
		v, err := version.Parse(rest)
		if err != nil {
			return nil, err
		}
		return versionPrefix{epoch: v.Epoch, prefix: releasePrefix(v), literal: atom}, nil
	}
	for _, op := range []string{">", "<"} {
		if strings.HasPrefix(atom, op) {
			rest := strings.TrimSpace(atom[len(op):])
			v, err := version.Parse(rest)
			if err != nil {
				return nil, err
			}
			return versionRel{op: relOp(op), ver: v}, nil
		}
	}

	v, err := version.Parse(atom)
	if err != nil {
		return nil, err
	}
	if v.Wildcard() {
		return versionPrefix{epoch: v.Epoch, prefix: releasePrefix(v), literal: atom}, nil
	}
	return versionRel{op: relEq, ver: v}, nil
}

// expandCompatibleRelease implements "~=X.Y…Z -> >=X.Y…Z,==X.Y….*"
// (spec.md §3.1/§4.2): the full version is a lower bound, and a
// startswith-compatible match against all but the last release segment
// is an upper bound.
func expandCompatibleRelease(v version.Version, wholeInput string) (VersionSpec, error) {
	if len(v.Release) < 2 {
		return nil, errtax.NewParse("version-spec", wholeInput, "~= requires at least two release segments")
	}
	prefix := v.Release[:len(v.Release)-1]
	return versionAnd{
		versionRel{op: relGe, ver: v},
		versionPrefix{epoch: v.Epoch, prefix: prefix, literal: "~=" + v.String()},
	}, nil
}
