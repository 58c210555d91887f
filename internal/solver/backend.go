package solver

import (
	"strings"

	"github.com/AlexanderEkdahl/solvent/internal/matchspec"
	"github.com/AlexanderEkdahl/solvent/internal/version"
)

// Backend is the predicate-matching interface the solver needs from a
// package database. internal/database.Database satisfies this
// structurally; solver never imports internal/database so that a
// different backend (including, eventually, a real SAT solver wrapping
// the same enumeration primitives) can be substituted without either
// package depending on the other.
type Backend interface {
	ForEachPackageMatching(ms *matchspec.MatchSpec, fn func(matchspec.PackageInfo) bool)
	ForEachPackageDependingOn(ms *matchspec.MatchSpec, fn func(matchspec.PackageInfo) bool)
}

func dependencyName(dep string) string {
	dep = strings.TrimSpace(dep)
	for i, c := range dep {
		switch c {
		case ' ', '\t', '<', '>', '=', '!', '~', '[':
			return dep[:i]
		}
	}
	return dep
}

func versionCompare(a, b version.Version) int { return version.Compare(a, b) }

// bestCandidate returns the highest-version package in backend matching
// ms, or false if none match.
func bestCandidate(backend Backend, ms *matchspec.MatchSpec) (matchspec.PackageInfo, bool) {
	var best matchspec.PackageInfo
	found := false
	backend.ForEachPackageMatching(ms, func(p matchspec.PackageInfo) bool {
		if !found || versionCompare(p.Version, best.Version) > 0 {
			best = p
			found = true
		}
		return true
	})
	return best, found
}
