// Package matchspec implements the match-spec and version-spec grammar
// described in spec.md §3.2/§4.2: parsing a textual package constraint
// into a structured MatchSpec, and matching it against a PackageInfo.
package matchspec

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/AlexanderEkdahl/solvent/internal/errtax"
	"github.com/AlexanderEkdahl/solvent/internal/version"
)

// MatchSpec is the parsed form of a textual package constraint.
// Structural equality is implemented directly on this model (via Equal)
// rather than on any rendered string form, per spec.md Design Notes §9.
type MatchSpec struct {
	ChannelName     string
	PlatformFilters []string
	Namespace       string
	Name            NameSpec
	Version         VersionSpec
	BuildString     BuildStringSpec
	BuildNumber     NumSpec

	URL           string
	Subdir        string
	Filename      string
	MD5           string
	SHA256        string
	License       string
	LicenseFamily string
	Features      []string
	TrackFeatures []string
	Optional      bool
}

var archiveExtensions = []string{".tar.bz2", ".conda"}

// hasArchiveExtension reports whether s names a package archive file,
// used by grammar step 4.
func hasArchiveExtension(s string) bool {
	for _, ext := range archiveExtensions {
		if strings.HasSuffix(s, ext) {
			return true
		}
	}
	return false
}

var opSpaceRepair = regexp.MustCompile(`(>=|<=|!=|==|~=|=|>|<)\s+`)

// Parse parses a single MatchSpec string per spec.md §4.2's eight
// deterministic rewrite/tokenization steps.
func Parse(input string) (*MatchSpec, error) {
	raw := input
	s := strings.TrimSpace(input)
	if s == "" {
		return nil, errtax.NewParse("matchspec", raw, "empty match spec")
	}

	// Step 2: collapse "<op> " to "<op>".
	s = opSpaceRepair.ReplaceAllString(s, "$1")

	// Step 4: a bare archive filename or "URL#md5hash".
	if hasArchiveExtension(s) || strings.Contains(s, "#") && hasArchiveExtension(strings.SplitN(s, "#", 2)[0]) {
		return parseFileURLForm(s, raw)
	}

	ms := &MatchSpec{}

	// Step 5: split on "::" from the right into channel / namespace /
	// rest. At most two separators are meaningful: channel::rest or
	// channel::namespace::rest.
	parts := strings.Split(s, "::")
	switch len(parts) {
	case 1:
		s = parts[0]
	case 2:
		ms.ChannelName, ms.PlatformFilters = splitChannelPlatform(parts[0])
		s = parts[1]
	default:
		ms.ChannelName, ms.PlatformFilters = splitChannelPlatform(parts[0])
		ms.Namespace = parts[1]
		s = strings.Join(parts[2:], "::")
	}

	// Step 6: trailing bracket attribute section.
	attrs, rest, err := extractBracketAttrs(s, raw)
	if err != nil {
		return nil, err
	}
	s = rest
	if err := applyAttrs(ms, attrs, raw); err != nil {
		return nil, err
	}

	// Step 7: split "name version build".
	s = strings.TrimSpace(s)
	nameStr, remainder := splitName(s)
	if nameStr == "" {
		return nil, errtax.NewParse("matchspec", raw, "missing package name")
	}
	ms.Name = ParseNameSpec(nameStr)

	versionStr, buildStr := splitVersionBuild(remainder)
	if versionStr != "" {
		if err := rejectAmbiguousBareOperator(versionStr, raw); err != nil {
			return nil, err
		}
		vs, err := ParseVersionSpec(versionStr)
		if err != nil {
			return nil, err
		}
		ms.Version = vs
	}
	if buildStr != "" {
		ms.BuildString = ParseBuildStringSpec(buildStr)
	}

	return ms, nil
}

// splitChannelPlatform splits "name[plat1,plat2]" into its name and
// platform-filter list.
func splitChannelPlatform(s string) (string, []string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '['); i >= 0 && strings.HasSuffix(s, "]") {
		name := s[:i]
		inner := s[i+1 : len(s)-1]
		var filters []string
		for _, f := range strings.Split(inner, ",") {
			f = strings.TrimSpace(f)
			if f != "" {
				filters = append(filters, f)
			}
		}
		return name, filters
	}
	return s, nil
}

// extractBracketAttrs pulls a trailing "[k=v, k=v, …]" section off s,
// honoring nested parentheses and single/double quotes (step 6).
func extractBracketAttrs(s string, raw string) (map[string]string, string, error) {
	s = strings.TrimRight(s, " \t")
	if !strings.HasSuffix(s, "]") {
		return nil, s, nil
	}
	depth := 0
	var quote byte
	openIdx := -1
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ')':
			depth++
		case c == '(':
			if depth > 0 {
				depth--
			}
		case c == ']':
			depth++
		case c == '[':
			depth--
			if depth == 0 {
				openIdx = i
			}
		}
		if openIdx >= 0 {
			break
		}
	}
	if openIdx < 0 {
		return nil, "", errtax.NewParse("matchspec", raw, "unbalanced '[' in attribute section")
	}
	inner := s[openIdx+1 : len(s)-1]
	attrs := map[string]string{}
	for _, kv := range splitTopLevelComma(inner) {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			return nil, "", errtax.NewParse("matchspec", raw, "malformed attribute: "+kv)
		}
		key := strings.TrimSpace(kv[:eq])
		val := strings.TrimSpace(kv[eq+1:])
		val = unquote(val)
		attrs[key] = val
	}
	return attrs, strings.TrimSpace(s[:openIdx]), nil
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// applyAttrs applies the bracket-attribute keys the grammar defines;
// unknown keys are ignored, not rejected (spec.md §3.2).
func applyAttrs(ms *MatchSpec, attrs map[string]string, raw string) error {
	for key, val := range attrs {
		switch key {
		case "version":
			vs, err := ParseVersionSpec(val)
			if err != nil {
				return err
			}
			ms.Version = vs
		case "build", "build_string":
			ms.BuildString = ParseBuildStringSpec(val)
		case "build_number":
			ns, err := ParseNumSpec(val)
			if err != nil {
				return err
			}
			ms.BuildNumber = ns
		case "channel":
			ms.ChannelName, ms.PlatformFilters = splitChannelPlatform(val)
		case "url":
			ms.URL = val
		case "subdir":
			ms.Subdir = val
		case "fn", "filename":
			ms.Filename = val
		case "md5":
			ms.MD5 = val
		case "sha256":
			ms.SHA256 = val
		case "license":
			ms.License = val
		case "license_family":
			ms.LicenseFamily = val
		case "features":
			ms.Features = splitSet(val)
		case "track_features":
			ms.TrackFeatures = splitSet(val)
		case "optional":
			ms.Optional = val == "" || val == "true" || val == "True"
		default:
			// Unknown attribute keys are ignored per spec.md §3.2.
		}
	}
	return nil
}

func splitSet(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// splitName splits the leading name token (and, if present, its
// "namespace:name" form) off s, returning the name and the remainder.
func splitName(s string) (string, string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	i := 0
	for i < len(s) {
		c := s[i]
		if c == ' ' || c == '\t' || isOperatorStart(s[i:]) {
			break
		}
		i++
	}
	return s[:i], strings.TrimSpace(s[i:])
}

func isOperatorStart(s string) bool {
	for _, op := range []string{">=", "<=", "==", "!=", "~=", "=", ">", "<"} {
		if strings.HasPrefix(s, op) {
			return true
		}
	}
	return false
}

// splitVersionBuild implements step 7: "the last '=' not preceded by a
// relational operator separates version from build string; whitespace
// may also serve as the separator."
func splitVersionBuild(s string) (versionPart, buildPart string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:])
	}

	opLen := 0
	for _, op := range []string{">=", "<=", "==", "!=", "~=", "=", ">", "<"} {
		if strings.HasPrefix(s, op) {
			opLen = len(op)
			break
		}
	}
	rest := s[opLen:]
	if idx := strings.LastIndexByte(rest, '='); idx >= 0 {
		return s[:opLen+idx], rest[idx+1:]
	}
	return s, ""
}

// rejectAmbiguousBareOperator handles step 8: it rejects a version
// string that begins with a quote, i.e. a quoted version-spec written
// outside the bracket `version='…'` attribute. Unquoted version-specs
// are not inspected: a leading operator is parsed as written, and this
// function does not reject bracket attributes of the form
// `version<op>…`.
func rejectAmbiguousBareOperator(s string, raw string) error {
	if strings.HasPrefix(s, "'") || strings.HasPrefix(s, "\"") {
		return errtax.NewParse("matchspec", raw, "quoted version spec outside the version= attribute is not supported; use name[version='"+s+"']")
	}
	return nil
}

// parseFileURLForm handles grammar step 4: a bare archive filename or
// "URL#md5hash".
func parseFileURLForm(s, raw string) (*MatchSpec, error) {
	md5 := ""
	fn := s
	if idx := strings.LastIndexByte(s, '#'); idx >= 0 {
		fn = s[:idx]
		md5 = s[idx+1:]
	}
	base := fn
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	name, ver, build, ok := splitArchiveFilename(base)
	if !ok {
		return nil, errtax.NewParse("matchspec", raw, "unrecognized archive filename: "+base)
	}
	ms := &MatchSpec{
		Name:        ParseNameSpec(name),
		BuildString: ParseBuildStringSpec(build),
		Filename:    base,
		MD5:         md5,
	}
	if fn != base {
		ms.URL = fn
	}
	vs, err := ParseVersionSpec(ver)
	if err != nil {
		return nil, err
	}
	ms.Version = vs
	return ms, nil
}

// splitArchiveFilename splits "<name>-<version>-<build>.<ext>" into its
// three dash-separated components.
func splitArchiveFilename(base string) (name, version, build string, ok bool) {
	stem := base
	for _, ext := range archiveExtensions {
		if strings.HasSuffix(stem, ext) {
			stem = strings.TrimSuffix(stem, ext)
			break
		}
	}
	lastDash := strings.LastIndexByte(stem, '-')
	if lastDash < 0 {
		return "", "", "", false
	}
	build = stem[lastDash+1:]
	rest := stem[:lastDash]
	secondDash := strings.LastIndexByte(rest, '-')
	if secondDash < 0 {
		return "", "", "", false
	}
	name = rest[:secondDash]
	version = rest[secondDash+1:]
	return name, version, build, true
}

// Match reports whether p satisfies every field present on ms.
func (ms *MatchSpec) Match(p PackageInfo) bool {
	return ms.matchExceptChannel(p) && ms.matchChannel(p)
}

// MatchExceptChannel implements the "contains_except_channel" variant
// used by the solver-facing database filter (spec.md §3.2): every
// field matches except channel.
func (ms *MatchSpec) MatchExceptChannel(p PackageInfo) bool {
	return ms.matchExceptChannel(p)
}

func (ms *MatchSpec) matchChannel(p PackageInfo) bool {
	if ms.ChannelName == "" {
		return true
	}
	return strings.EqualFold(ms.ChannelName, p.ChannelID)
}

func (ms *MatchSpec) matchExceptChannel(p PackageInfo) bool {
	if ms.Name.pattern != "" && !ms.Name.Match(p.Name) {
		return false
	}
	if ms.Version != nil && !ms.Version.Match(p.Version) {
		return false
	}
	if ms.BuildString.pattern != "" && !ms.BuildString.Match(p.BuildString) {
		return false
	}
	if ms.BuildNumber.set && !ms.BuildNumber.Match(p.BuildNumber) {
		return false
	}
	if ms.Subdir != "" && ms.Subdir != p.Platform {
		return false
	}
	if ms.Filename != "" && ms.Filename != p.Filename {
		return false
	}
	if ms.MD5 != "" && ms.MD5 != p.MD5 {
		return false
	}
	if ms.SHA256 != "" && ms.SHA256 != p.SHA256 {
		return false
	}
	if ms.License != "" && ms.License != p.License {
		return false
	}
	return true
}

// String renders ms back to its textual form. Equality must never be
// derived from this; see MatchSpec.Equal.
func (ms *MatchSpec) String() string {
	var sb strings.Builder
	if ms.ChannelName != "" {
		sb.WriteString(ms.ChannelName)
		if len(ms.PlatformFilters) > 0 {
			sb.WriteByte('[')
			sb.WriteString(strings.Join(ms.PlatformFilters, ","))
			sb.WriteByte(']')
		}
		sb.WriteString("::")
	}
	if ms.Namespace != "" {
		sb.WriteString(ms.Namespace)
		sb.WriteByte(':')
	}
	sb.WriteString(ms.Name.String())
	if ms.Version != nil {
		sb.WriteByte(' ')
		sb.WriteString(ms.Version.String())
	}
	if ms.BuildString.pattern != "" {
		sb.WriteByte(' ')
		sb.WriteString(ms.BuildString.String())
	}
	return sb.String()
}

// Equal implements structural equality directly on the parsed model,
// per spec.md Design Notes §9 ("fmt::format-based structural equality
// on MatchSpec ... must not be used for comparison").
func (ms *MatchSpec) Equal(other *MatchSpec) bool {
	if ms == nil || other == nil {
		return ms == other
	}
	return ms.ChannelName == other.ChannelName &&
		strings.Join(ms.PlatformFilters, ",") == strings.Join(other.PlatformFilters, ",") &&
		ms.Namespace == other.Namespace &&
		ms.Name == other.Name &&
		versionSpecEqual(ms.Version, other.Version) &&
		ms.BuildString == other.BuildString &&
		ms.BuildNumber == other.BuildNumber &&
		ms.Subdir == other.Subdir &&
		ms.Filename == other.Filename &&
		ms.MD5 == other.MD5 &&
		ms.SHA256 == other.SHA256
}

// versionSpecEqual compares VersionSpec ASTs structurally. Per spec.md
// Design Notes §9, MatchSpec equality must be computed on the model,
// never by comparing rendered text.
func versionSpecEqual(a, b VersionSpec) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case versionAny:
		_, ok := b.(versionAny)
		return ok
	case versionRel:
		bv, ok := b.(versionRel)
		return ok && av.op == bv.op && version.Equal(av.ver, bv.ver)
	case versionPrefix:
		bv, ok := b.(versionPrefix)
		if !ok || av.epoch != bv.epoch || len(av.prefix) != len(bv.prefix) {
			return false
		}
		for i := range av.prefix {
			if !av.prefix[i].Equal(bv.prefix[i]) {
				return false
			}
		}
		return true
	case versionAnd:
		bv, ok := b.(versionAnd)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !versionSpecEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case versionOr:
		bv, ok := b.(versionOr)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !versionSpecEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String renders a relational build-number constraint for
// error messages and tests.
func (n NumSpec) String() string {
	if !n.set {
		return ""
	}
	return string(n.op) + strconv.FormatUint(n.value, 10)
}
