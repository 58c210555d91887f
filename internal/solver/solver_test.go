package solver

import (
	"testing"

	"github.com/blang/semver/v4"

	"github.com/AlexanderEkdahl/solvent/internal/matchspec"
	"github.com/AlexanderEkdahl/solvent/internal/version"
)

// fakeBackend is a minimal Backend over an in-memory package slice,
// used the same way testPackageIndex stood in for a real package index
// in the teacher's own resolution algorithm tests.
type fakeBackend struct {
	packages []matchspec.PackageInfo
}

func (b *fakeBackend) ForEachPackageMatching(ms *matchspec.MatchSpec, fn func(matchspec.PackageInfo) bool) {
	for _, p := range b.packages {
		if ms.Match(p) {
			if !fn(p) {
				return
			}
		}
	}
}

func (b *fakeBackend) ForEachPackageDependingOn(ms *matchspec.MatchSpec, fn func(matchspec.PackageInfo) bool) {
	target := ms.Name.String()
	for _, p := range b.packages {
		for _, dep := range p.Depends {
			if dependencyName(dep) == target {
				if !fn(p) {
					return
				}
				break
			}
		}
	}
}

func mustVersion(t *testing.T, s string) version.Version {
	t.Helper()
	v, err := version.Parse(s)
	if err != nil {
		t.Fatalf("version.Parse(%q): %v", s, err)
	}
	return v
}

func mustSpec(t *testing.T, s string) matchspec.MatchSpec {
	t.Helper()
	ms, err := matchspec.Parse(s)
	if err != nil {
		t.Fatalf("matchspec.Parse(%q): %v", s, err)
	}
	return *ms
}

func pkg(t *testing.T, name, ver, build string, depends ...string) matchspec.PackageInfo {
	t.Helper()
	return matchspec.PackageInfo{Name: name, Version: mustVersion(t, ver), BuildString: build, Depends: depends, ChannelID: "conda-forge"}
}

func TestResolveGraphPicksHighestVersion(t *testing.T) {
	backend := &fakeBackend{packages: []matchspec.PackageInfo{
		pkg(t, "numpy", "1.19.0", "0"),
		pkg(t, "numpy", "1.20.0", "0"),
	}}

	chosen, _, ok := resolveGraph(backend, []matchspec.MatchSpec{mustSpec(t, "numpy")})
	if !ok {
		t.Fatalf("expected resolveGraph to succeed")
	}
	if chosen["numpy"].Version.String() != "1.20.0" {
		t.Errorf("chosen numpy = %q, want 1.20.0", chosen["numpy"].Version.String())
	}
}

func TestResolveGraphFollowsTransitiveDependencies(t *testing.T) {
	backend := &fakeBackend{packages: []matchspec.PackageInfo{
		pkg(t, "pandas", "1.3.0", "0", "numpy >=1.16"),
		pkg(t, "numpy", "1.20.0", "0"),
	}}

	chosen, _, ok := resolveGraph(backend, []matchspec.MatchSpec{mustSpec(t, "pandas")})
	if !ok {
		t.Fatalf("expected resolveGraph to succeed")
	}
	if _, ok := chosen["numpy"]; !ok {
		t.Errorf("expected numpy to be pulled in transitively, got %v", chosen)
	}
}

func TestResolveGraphReportsUnresolvedDependency(t *testing.T) {
	backend := &fakeBackend{packages: []matchspec.PackageInfo{
		pkg(t, "pandas", "1.3.0", "0", "numpy >=1.16"),
	}}

	_, graph, ok := resolveGraph(backend, []matchspec.MatchSpec{mustSpec(t, "pandas")})
	if ok {
		t.Fatalf("expected resolveGraph to fail: numpy is not provided by the backend")
	}
	compressed := graph.Compress()
	msgs := compressed.Messages()
	if len(msgs) != 1 {
		t.Fatalf("Messages() = %v, want exactly one unresolved-dependency message", msgs)
	}
}

func TestDriverSolveClassifiesUpgrade(t *testing.T) {
	backend := &fakeBackend{packages: []matchspec.PackageInfo{
		pkg(t, "numpy", "1.20.0", "0"),
	}}
	installed := map[string]matchspec.PackageInfo{
		"numpy": pkg(t, "numpy", "1.19.0", "0"),
	}

	d := NewDriver()
	sol, err := d.Solve(backend, SolveParams{
		Request:   Request{Jobs: []Job{Update{Spec: mustSpec(t, "numpy")}}},
		Installed: installed,
	})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}

	var upgrade *Action
	for i := range sol.Actions {
		if sol.Actions[i].Kind == ActionUpgrade {
			upgrade = &sol.Actions[i]
		}
	}
	if upgrade == nil {
		t.Fatalf("expected an Upgrade action, got %+v", sol.Actions)
	}
	if upgrade.Install.Version.String() != "1.20.0" {
		t.Errorf("upgrade.Install.Version = %q, want 1.20.0", upgrade.Install.Version.String())
	}
}

func TestDriverSolveOmitsAlreadySatisfied(t *testing.T) {
	backend := &fakeBackend{packages: []matchspec.PackageInfo{
		pkg(t, "numpy", "1.20.0", "0"),
	}}
	installed := map[string]matchspec.PackageInfo{
		"numpy": pkg(t, "numpy", "1.20.0", "0"),
	}

	d := NewDriver()
	sol, err := d.Solve(backend, SolveParams{
		Request:   Request{Jobs: []Job{Install{Spec: mustSpec(t, "numpy")}}},
		Installed: installed,
	})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if len(sol.Actions) != 1 || sol.Actions[0].Kind != ActionOmit {
		t.Fatalf("Actions = %+v, want a single Omit action", sol.Actions)
	}
}

func TestDriverSolveHandlesRemove(t *testing.T) {
	backend := &fakeBackend{packages: []matchspec.PackageInfo{
		pkg(t, "numpy", "1.20.0", "0"),
	}}
	installed := map[string]matchspec.PackageInfo{
		"numpy": pkg(t, "numpy", "1.20.0", "0"),
	}

	d := NewDriver()
	sol, err := d.Solve(backend, SolveParams{
		Request:   Request{Jobs: []Job{Remove{Spec: mustSpec(t, "numpy")}}},
		Installed: installed,
	})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if len(sol.Actions) != 1 || sol.Actions[0].Kind != ActionRemove {
		t.Fatalf("Actions = %+v, want a single Remove action", sol.Actions)
	}
}

func TestDriverSolveCarriesForwardUntouchedInstalled(t *testing.T) {
	backend := &fakeBackend{packages: []matchspec.PackageInfo{
		pkg(t, "numpy", "1.20.0", "0"),
		pkg(t, "requests", "2.28.0", "0"),
	}}
	installed := map[string]matchspec.PackageInfo{
		"requests": pkg(t, "requests", "2.28.0", "0"),
	}

	d := NewDriver()
	sol, err := d.Solve(backend, SolveParams{
		Request:   Request{Jobs: []Job{Install{Spec: mustSpec(t, "numpy")}}},
		Installed: installed,
	})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	foundRequests, foundNumpy := false, false
	for _, a := range sol.Actions {
		if a.Kind == ActionOmit {
			continue
		}
		name := ""
		if a.Install != nil {
			name = a.Install.Name
		} else if a.Remove != nil {
			name = a.Remove.Name
		}
		if name == "requests" {
			foundRequests = true
		}
		if name == "numpy" {
			foundNumpy = true
		}
	}
	if foundRequests {
		t.Errorf("requests was untouched and already installed, should not produce an action")
	}
	if !foundNumpy {
		t.Errorf("expected numpy to produce an Install action")
	}
}

func TestBuildPythonPinsAddsAutomaticPin(t *testing.T) {
	installed := map[string]matchspec.PackageInfo{
		"python": pkg(t, "python", "3.10.4", "h0_0"),
	}
	pins := BuildPythonPins(installed, map[string]bool{})
	if len(pins) != 1 || pins[0] != "python 3.10.*" {
		t.Errorf("BuildPythonPins = %v, want [\"python 3.10.*\"]", pins)
	}
}

func TestBuildPythonPinsSuppressedWhenExplicit(t *testing.T) {
	installed := map[string]matchspec.PackageInfo{
		"python": pkg(t, "python", "3.10.4", "h0_0"),
	}
	pins := BuildPythonPins(installed, map[string]bool{"python": true})
	if pins != nil {
		t.Errorf("BuildPythonPins = %v, want nil when python is explicitly requested", pins)
	}
}

// pkgFromSemver builds a PackageInfo whose version string was produced
// and validated by an entirely independent semver implementation
// before ever reaching internal/version.Parse, the same role
// semver.Version{} played as a decoupled version stand-in in the
// teacher's own MinimalVersionSelection tests: it shows that
// resolveGraph/Driver.Solve only ever depend on the Backend interface
// and matchspec.PackageInfo, never on how an upstream index chose to
// parse or order its own version strings.
func pkgFromSemver(t *testing.T, name, semverStr, build string, depends ...string) matchspec.PackageInfo {
	t.Helper()
	sv, err := semver.Parse(semverStr)
	if err != nil {
		t.Fatalf("semver.Parse(%q): %v", semverStr, err)
	}
	return pkg(t, name, sv.String(), build, depends...)
}

func TestDriverSolveAcceptsVersionsSourcedFromAnIndependentSemverLibrary(t *testing.T) {
	backend := &fakeBackend{packages: []matchspec.PackageInfo{
		pkgFromSemver(t, "numpy", "1.19.0", "0"),
		pkgFromSemver(t, "numpy", "1.20.0", "0"),
	}}
	installed := map[string]matchspec.PackageInfo{
		"numpy": pkgFromSemver(t, "numpy", "1.19.0", "0"),
	}

	d := NewDriver()
	sol, err := d.Solve(backend, SolveParams{
		Request:   Request{Jobs: []Job{Update{Spec: mustSpec(t, "numpy")}}},
		Installed: installed,
	})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}

	var upgrade *Action
	for i := range sol.Actions {
		if sol.Actions[i].Kind == ActionUpgrade {
			upgrade = &sol.Actions[i]
		}
	}
	if upgrade == nil {
		t.Fatalf("expected an Upgrade action, got %+v", sol.Actions)
	}
	if upgrade.Install.Version.String() != "1.20.0" {
		t.Errorf("upgrade.Install.Version = %q, want 1.20.0", upgrade.Install.Version.String())
	}
}

func TestBuildPythonPinsIncludesAbiSuffix(t *testing.T) {
	installed := map[string]matchspec.PackageInfo{
		"python":     pkg(t, "python", "3.12.0", "h0_0"),
		"python_abi": pkg(t, "python_abi", "3.12", "cp312t"),
	}
	pins := BuildPythonPins(installed, map[string]bool{})
	if len(pins) != 2 {
		t.Fatalf("BuildPythonPins = %v, want 2 pins", pins)
	}
	if pins[1] != "python_abi 3.12 cp312t" {
		t.Errorf("pins[1] = %q, want %q", pins[1], "python_abi 3.12 cp312t")
	}
}
