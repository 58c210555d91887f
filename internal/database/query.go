package database

import (
	"sort"

	"github.com/AlexanderEkdahl/solvent/internal/matchspec"
	"github.com/AlexanderEkdahl/solvent/internal/version"
)

// Query is a read-only search/depends/whoneeds introspection surface
// over a Database, independent of solving — the supplemented
// repoquery-style feature recovered from libmamba's repoquery API.
// Rendering is explicitly someone else's problem (spec.md keeps the
// terminal renderer out of core scope); Query only returns sorted
// PackageInfo slices for a caller to format.
type Query struct {
	db *Database
}

// NewQuery wraps db for introspection.
func NewQuery(db *Database) *Query { return &Query{db: db} }

func sortPackages(pkgs []matchspec.PackageInfo) []matchspec.PackageInfo {
	sort.SliceStable(pkgs, func(i, j int) bool {
		if pkgs[i].Name != pkgs[j].Name {
			return pkgs[i].Name < pkgs[j].Name
		}
		if cmp := version.Compare(pkgs[i].Version, pkgs[j].Version); cmp != 0 {
			return cmp < 0
		}
		return pkgs[i].BuildString < pkgs[j].BuildString
	})
	return pkgs
}

// Search returns every visible package matching ms, sorted by
// name/version/build string.
func (q *Query) Search(ms *matchspec.MatchSpec) []matchspec.PackageInfo {
	var out []matchspec.PackageInfo
	q.db.ForEachPackageMatching(ms, func(p matchspec.PackageInfo) bool {
		out = append(out, p)
		return true
	})
	return sortPackages(out)
}

// Depends returns the direct dependency names declared by every
// package matching ms, deduplicated and sorted.
func (q *Query) Depends(ms *matchspec.MatchSpec) []string {
	seen := map[string]bool{}
	var out []string
	q.db.ForEachPackageMatching(ms, func(p matchspec.PackageInfo) bool {
		for _, dep := range p.Depends {
			name := dependencyName(dep)
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
		return true
	})
	sort.Strings(out)
	return out
}

// WhoNeeds returns every visible package that depends on a name
// matching ms, sorted by name/version/build string.
func (q *Query) WhoNeeds(ms *matchspec.MatchSpec) []matchspec.PackageInfo {
	var out []matchspec.PackageInfo
	q.db.ForEachPackageDependingOn(ms, func(p matchspec.PackageInfo) bool {
		out = append(out, p)
		return true
	})
	return sortPackages(out)
}
