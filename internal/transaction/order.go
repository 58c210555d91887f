package transaction

import (
	"sort"
	"strings"

	"github.com/AlexanderEkdahl/solvent/internal/matchspec"
)

// dependencyName extracts the bare package name a Depends/Constrains
// entry names, stopping at the first character that starts a version
// or build constraint. Duplicated from internal/database and
// internal/solver rather than imported, so this package's ordering
// logic doesn't pull in either as a dependency — see DESIGN.md.
func dependencyName(dep string) string {
	for i, r := range dep {
		switch r {
		case ' ', '<', '>', '=', '!', '~', '[':
			return dep[:i]
		}
	}
	return dep
}

// orderRemoves returns pkgs ordered so that a package appears before
// anything it depends on (within pkgs), per spec.md §4.8 step 4:
// "dependents removed before dependencies".
func orderRemoves(pkgs []matchspec.PackageInfo) []matchspec.PackageInfo {
	return orderByDepends(pkgs, true)
}

// orderInstalls returns pkgs ordered so that a package appears after
// everything it depends on (within pkgs) — the reverse of
// orderRemoves, needed so a dependency is linked before its dependent.
func orderInstalls(pkgs []matchspec.PackageInfo) []matchspec.PackageInfo {
	return orderByDepends(pkgs, false)
}

// orderByDepends runs a DFS over pkgs' Depends edges restricted to
// names present in pkgs, appending each node after its dependencies
// (dependencies first). dependentsFirst=true returns the reverse of
// that order (dependents first).
func orderByDepends(pkgs []matchspec.PackageInfo, dependentsFirst bool) []matchspec.PackageInfo {
	byName := map[string]matchspec.PackageInfo{}
	for _, p := range pkgs {
		byName[strings.ToLower(p.Name)] = p
	}

	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)

	visited := map[string]bool{}
	var out []matchspec.PackageInfo
	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		p, ok := byName[name]
		if !ok {
			return
		}
		deps := make([]string, len(p.Depends))
		copy(deps, p.Depends)
		sort.Strings(deps)
		for _, dep := range deps {
			depName := strings.ToLower(dependencyName(dep))
			if _, ok := byName[depName]; ok {
				visit(depName)
			}
		}
		out = append(out, p)
	}
	for _, n := range names {
		visit(n)
	}
	if dependentsFirst {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}
