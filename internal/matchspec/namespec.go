package matchspec

import (
	"strings"

	"github.com/AlexanderEkdahl/solvent/internal/errtax"
)

// NameSpec is a glob-capable package name matcher. Only "*" is a
// special character (matches any run of characters); everything else
// is compared case-insensitively, matching conda's normalized package
// names.
type NameSpec struct {
	pattern string
	isGlob  bool
}

// AnyName matches every package name.
var AnyName = NameSpec{pattern: "*", isGlob: true}

// ParseNameSpec builds a NameSpec from its textual form.
func ParseNameSpec(s string) NameSpec {
	s = strings.ToLower(strings.TrimSpace(s))
	return NameSpec{pattern: s, isGlob: strings.ContainsRune(s, '*')}
}

// Match reports whether name satisfies the spec.
func (n NameSpec) Match(name string) bool {
	if n.pattern == "" {
		return true
	}
	name = strings.ToLower(name)
	if !n.isGlob {
		return name == n.pattern
	}
	return globMatch(n.pattern, name)
}

func (n NameSpec) String() string { return n.pattern }

// BuildStringSpec is an exact or "*"-glob match over a build string.
type BuildStringSpec struct {
	pattern string
	isGlob  bool
}

// ParseBuildStringSpec builds a BuildStringSpec from its textual form.
func ParseBuildStringSpec(s string) BuildStringSpec {
	s = strings.TrimSpace(s)
	return BuildStringSpec{pattern: s, isGlob: strings.ContainsRune(s, '*')}
}

// Match reports whether build satisfies the spec.
func (b BuildStringSpec) Match(build string) bool {
	if b.pattern == "" {
		return true
	}
	if !b.isGlob {
		return build == b.pattern
	}
	return globMatch(b.pattern, build)
}

func (b BuildStringSpec) String() string { return b.pattern }

// globMatch implements a single-wildcard ("*" matches any substring,
// including empty) glob, the only glob form the grammar needs for
// names and build strings.
func globMatch(pattern, s string) bool {
	segments := strings.Split(pattern, "*")
	if len(segments) == 1 {
		return pattern == s
	}
	pos := 0
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		switch i {
		case 0:
			if !strings.HasPrefix(s[pos:], seg) {
				return false
			}
			pos += len(seg)
		case len(segments) - 1:
			if !strings.HasSuffix(s[pos:], seg) {
				return false
			}
		default:
			idx := strings.Index(s[pos:], seg)
			if idx < 0 {
				return false
			}
			pos += idx + len(seg)
		}
	}
	return true
}

// NumSpec is a relational constraint over a uint64 (build_number).
type NumSpec struct {
	op    relOp
	value uint64
	set   bool
}

// ParseNumSpec parses a relational build-number constraint, e.g. ">=3"
// or a bare "3" (exact).
func ParseNumSpec(s string) (NumSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NumSpec{}, nil
	}
	op := relEq
	for _, candidate := range []relOp{">=", "<=", "==", "!=", ">", "<"} {
		if strings.HasPrefix(s, string(candidate)) {
			op = candidate
			s = s[len(candidate):]
			break
		}
	}
	s = strings.TrimSpace(s)
	var n uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return NumSpec{}, errNumSpec(s)
		}
		n = n*10 + uint64(c-'0')
	}
	return NumSpec{op: op, value: n, set: true}, nil
}

func errNumSpec(s string) error {
	return errtax.NewParse("build-number", s, "not a non-negative integer, optionally prefixed with a relational operator")
}

func (n NumSpec) Match(v uint64) bool {
	if !n.set {
		return true
	}
	switch n.op {
	case relEq:
		return v == n.value
	case relNe:
		return v != n.value
	case relLt:
		return v < n.value
	case relLe:
		return v <= n.value
	case relGt:
		return v > n.value
	case relGe:
		return v >= n.value
	default:
		return false
	}
}
