package solver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AlexanderEkdahl/solvent/internal/matchspec"
	"github.com/AlexanderEkdahl/solvent/internal/version"
)

// Driver runs the solve cycle described in spec.md §4.6: build a
// Request from jobs plus pins plus the automatic Python pin, submit to
// a Backend, and on success classify the result into a Solution.
// Failure construction (the problem graph) is the caller's next step
// when Solve returns an *Unsolvable.
type Driver struct{}

// NewDriver returns a ready-to-use Driver. Driver carries no state of
// its own; every solve is parameterized entirely by SolveParams.
func NewDriver() *Driver { return &Driver{} }

// SolveParams bundles a Request with the installed-state and pin
// context the solve cycle needs beyond what Backend enumerates:
// Backend only tells the driver what packages exist and what depends
// on what, not what's already on disk or pinned.
type SolveParams struct {
	Request Request

	// Installed holds the currently-installed packages by name, used
	// both to classify the resulting actions (install vs upgrade vs
	// downgrade vs no-op) and to carry forward any installed package
	// the request does not otherwise touch.
	Installed map[string]matchspec.PackageInfo

	// Pins holds persistent pin spec strings, typically read from
	// <prefix>/conda-meta/pinned via prefixdata.ReadPins; Solve parses
	// each one and skips any that fail to parse.
	Pins []string

	// AllowRetry mirrors Request.Flags.AllowRetryOnStaleCache into the
	// Unsolvable result so a caller that built Request once can still
	// distinguish "this job graph forbids retrying" situations.
	AllowRetry bool
}

func majorMinor(v version.Version) (int, int) {
	major, minor := 0, 0
	if len(v.Release) > 0 && len(v.Release[0].Atoms) > 0 {
		major = int(v.Release[0].Atoms[0].Numeric)
	}
	if len(v.Release) > 1 && len(v.Release[1].Atoms) > 0 {
		minor = int(v.Release[1].Atoms[0].Numeric)
	}
	return major, minor
}

// BuildPythonPins returns the automatic pin spec strings spec.md §4.6
// step 1 describes: "python <major>.<minor>.*" when Python is
// installed and the request does not already name python explicitly,
// plus a matching python_abi pin (carrying its free-threading build
// suffix, e.g. "cp312t") when python_abi is also installed.
func BuildPythonPins(installed map[string]matchspec.PackageInfo, explicit map[string]bool) []string {
	if explicit["python"] {
		return nil
	}
	py, ok := installed["python"]
	if !ok {
		return nil
	}
	major, minor := majorMinor(py.Version)
	pins := []string{fmt.Sprintf("python %d.%d.*", major, minor)}

	if abi, ok := installed["python_abi"]; ok && !explicit["python_abi"] {
		pins = append(pins, fmt.Sprintf("python_abi %s %s", abi.Version.String(), abi.BuildString))
	}
	return pins
}

// Solve runs one solve cycle against backend.
func (d *Driver) Solve(backend Backend, params SolveParams) (*Solution, error) {
	explicit := map[string]bool{}
	var roots []matchspec.MatchSpec
	var removeSpecs []matchspec.MatchSpec
	cleanDependencies := false

	for _, job := range params.Request.Jobs {
		switch j := job.(type) {
		case Install:
			roots = append(roots, j.Spec)
			explicit[j.Spec.Name.String()] = true
		case Update:
			roots = append(roots, j.Spec)
			explicit[j.Spec.Name.String()] = true
		case Freeze:
			spec := j.Spec
			if inst, ok := params.Installed[j.Spec.Name.String()]; ok {
				exact := fmt.Sprintf("%s ==%s %s", inst.Name, inst.Version.String(), inst.BuildString)
				if ms, err := matchspec.Parse(exact); err == nil {
					spec = *ms
				}
			}
			roots = append(roots, spec)
			explicit[j.Spec.Name.String()] = true
		case Keep:
			roots = append(roots, j.Spec)
			explicit[j.Spec.Name.String()] = true
		case Pin:
			roots = append(roots, j.Spec)
			explicit[j.Spec.Name.String()] = true
		case Remove:
			removeSpecs = append(removeSpecs, j.Spec)
			if j.CleanDependencies {
				cleanDependencies = true
			}
		case UpdateAll:
			for name := range params.Installed {
				if ms, err := matchspec.Parse(name); err == nil {
					roots = append(roots, *ms)
				}
			}
			if j.CleanDependencies {
				cleanDependencies = true
			}
		}
	}

	for _, p := range params.Pins {
		if ms, err := matchspec.Parse(p); err == nil {
			roots = append(roots, *ms)
		}
	}
	for _, p := range BuildPythonPins(params.Installed, explicit) {
		if ms, err := matchspec.Parse(p); err == nil {
			roots = append(roots, *ms)
		}
	}

	removedNames := map[string]bool{}
	for _, r := range removeSpecs {
		r := r
		backend.ForEachPackageMatching(&r, func(p matchspec.PackageInfo) bool {
			removedNames[strings.ToLower(p.Name)] = true
			return true
		})
		// A package may be requested for removal even if the backend
		// no longer carries a record for it (already partially
		// removed); fall back to matching by declared name so it
		// still drops out of the carried-forward set below.
		removedNames[strings.ToLower(r.Name.String())] = true
	}

	for name := range params.Installed {
		lower := strings.ToLower(name)
		if removedNames[lower] || explicit[lower] {
			continue
		}
		if ms, err := matchspec.Parse(name); err == nil {
			roots = append(roots, *ms)
		}
	}

	chosen, graph, ok := resolveGraph(backend, roots)
	if !ok {
		return nil, &Unsolvable{
			Graph:     graph.Compress(),
			Retryable: params.AllowRetry && params.Request.Flags.AllowRetryOnStaleCache,
		}
	}

	return buildSolution(params.Installed, chosen, removedNames, cleanDependencies), nil
}

func buildSolution(installed, chosen map[string]matchspec.PackageInfo, removedNames map[string]bool, cleanDependencies bool) *Solution {
	names := map[string]bool{}
	for n := range installed {
		names[n] = true
	}
	for n := range chosen {
		names[n] = true
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	sol := &Solution{}
	for _, name := range sorted {
		inst, wasInstalled := installed[name]
		chosenPkg, isChosen := chosen[name]

		if removedNames[strings.ToLower(name)] {
			if wasInstalled {
				instCopy := inst
				sol.Actions = append(sol.Actions, Action{Kind: ActionRemove, Remove: &instCopy})
			}
			continue
		}
		if !isChosen {
			if wasInstalled && cleanDependencies {
				instCopy := inst
				sol.Actions = append(sol.Actions, Action{Kind: ActionRemove, Remove: &instCopy})
			}
			continue
		}

		var instPtr *matchspec.PackageInfo
		if wasInstalled {
			instCopy := inst
			instPtr = &instCopy
		}
		chosenCopy := chosenPkg
		sol.Actions = append(sol.Actions, classifyAction(instPtr, &chosenCopy))
	}
	return sol
}
