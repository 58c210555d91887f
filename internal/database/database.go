// Package database implements the package database adapter of spec.md
// §4.5 (C10): an in-process backend satisfying the operations the
// solver driver assumes any backend provides — repo loading from
// repodata.json/in-memory packages/native serialization, priority
// policy, pip-as-python-dependency and prefix-interoperability
// rewriting, virtual packages, and the predicate-matching iteration
// primitives the solver and repoquery-style lookups are built on.
package database

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/AlexanderEkdahl/solvent/internal/errtax"
	"github.com/AlexanderEkdahl/solvent/internal/matchspec"
	"github.com/AlexanderEkdahl/solvent/internal/repodata"
	"github.com/AlexanderEkdahl/solvent/internal/version"
)

// PriorityMode selects how multiple repos providing the same package
// name are reconciled, per spec.md §4.5's "Priority policy" paragraph.
type PriorityMode int

const (
	PriorityStrict PriorityMode = iota
	PriorityFlexible
	PriorityDisabled
)

// Priority is a repo's (priority, subpriority) pair.
type Priority struct {
	Priority    int
	Subpriority int
}

func higherPriority(a, b Priority) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Subpriority > b.Subpriority
}

// RepoHandle identifies one repo added to a Database.
type RepoHandle int

type repo struct {
	handle    RepoHandle
	name      string
	channelID string
	priority  Priority
	packages  []matchspec.PackageInfo
}

// Database is an in-process implementation of the backend interface
// spec.md §4.5 names.
type Database struct {
	mode PriorityMode

	repos      map[RepoHandle]*repo
	order      []RepoHandle
	installed  *RepoHandle
	nextHandle RepoHandle
}

// New builds an empty Database under the given priority policy.
func New(mode PriorityMode) *Database {
	return &Database{mode: mode, repos: map[RepoHandle]*repo{}}
}

func applyPipAsPythonDependency(pkgs []matchspec.PackageInfo, enabled bool) []matchspec.PackageInfo {
	if !enabled {
		return pkgs
	}
	out := make([]matchspec.PackageInfo, len(pkgs))
	for i, p := range pkgs {
		if strings.EqualFold(p.Name, "python") {
			deps := make([]string, len(p.Depends), len(p.Depends)+1)
			copy(deps, p.Depends)
			p.Depends = append(deps, "pip")
		}
		out[i] = p
	}
	return out
}

func (db *Database) addRepo(name, channelID string, pkgs []matchspec.PackageInfo) RepoHandle {
	db.nextHandle++
	h := db.nextHandle
	db.repos[h] = &repo{handle: h, name: name, channelID: channelID, packages: pkgs}
	db.order = append(db.order, h)
	return h
}

// AddRepoFromRepodataJSON loads a repo from a cached repodata.json file
// at path, per spec.md §4.5's "add_repo_from_repodata_json".
// baseURL is accepted to match the backend interface shape but is not
// otherwise consulted here: package URLs are already absolute by the
// time repodata.ParseJSON runs (internal/repodata resolves them
// against the channel during its own fetch).
func (db *Database) AddRepoFromRepodataJSON(path, baseURL, channelID string, pipAsPythonDep bool) (RepoHandle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errtax.NewIo(path, err)
	}
	pkgs, err := repodata.ParseJSON(data, channelID)
	if err != nil {
		return 0, errtax.NewCacheCorrupted(path, err)
	}
	return db.addRepo(channelID, channelID, applyPipAsPythonDependency(pkgs, pipAsPythonDep)), nil
}

// AddRepoFromPackages builds a repo directly from an in-memory package
// list, per spec.md §4.5's "add_repo_from_packages" — used for the
// installed repo, virtual packages, and tests.
func (db *Database) AddRepoFromPackages(pkgs []matchspec.PackageInfo, name string, pipAsPythonDep bool) RepoHandle {
	return db.addRepo(name, name, applyPipAsPythonDependency(pkgs, pipAsPythonDep))
}

// AddRepoFromNativeSerialization loads a repo from a native-tier cache
// file, only if its embedded origin still matches expectedOrigin, per
// spec.md §4.5's "add_repo_from_native_serialization".
func (db *Database) AddRepoFromNativeSerialization(path string, expectedOrigin repodata.StateFile, channelID string) (RepoHandle, error) {
	pkgs, ok := repodata.LoadNative(path, expectedOrigin)
	if !ok {
		return 0, errtax.NewCacheCorrupted(path, fmt.Errorf("native serialization origin mismatch or unreadable"))
	}
	return db.addRepo(channelID, channelID, pkgs), nil
}

// SetInstalledRepo marks h as the installed repo.
func (db *Database) SetInstalledRepo(h RepoHandle) { db.installed = &h }

// InstalledRepo returns the installed repo's handle, if one was set.
func (db *Database) InstalledRepo() (RepoHandle, bool) {
	if db.installed == nil {
		return 0, false
	}
	return *db.installed, true
}

// SetRepoPriority assigns h's (priority, subpriority) pair.
func (db *Database) SetRepoPriority(h RepoHandle, p Priority) {
	if r, ok := db.repos[h]; ok {
		r.priority = p
	}
}

type taggedPackage struct {
	pkg      matchspec.PackageInfo
	priority Priority
}

// visiblePackages applies priority policy across every repo: under
// strict priority, a package name provided by more than one repo is
// visible only from the repo(s) at the single highest priority,
// completely eclipsing the name in every lower-priority repo, per
// spec.md §4.5. Flexible and disabled priority never eclipse; their
// priority values are only ever used as solver tiebreakers.
func (db *Database) visiblePackages() []matchspec.PackageInfo {
	byName := map[string][]taggedPackage{}
	for _, h := range db.order {
		r := db.repos[h]
		for _, p := range r.packages {
			key := strings.ToLower(p.Name)
			byName[key] = append(byName[key], taggedPackage{pkg: p, priority: r.priority})
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []matchspec.PackageInfo
	for _, name := range names {
		tagged := byName[name]
		if db.mode != PriorityStrict || len(tagged) == 0 {
			for _, t := range tagged {
				out = append(out, t.pkg)
			}
			continue
		}
		best := tagged[0].priority
		for _, t := range tagged[1:] {
			if higherPriority(t.priority, best) {
				best = t.priority
			}
		}
		for _, t := range tagged {
			if t.priority == best {
				out = append(out, t.pkg)
			}
		}
	}
	return out
}

// ForEachPackageMatching calls fn with every visible package matching
// ms, stopping early if fn returns false.
func (db *Database) ForEachPackageMatching(ms *matchspec.MatchSpec, fn func(matchspec.PackageInfo) bool) {
	for _, p := range db.visiblePackages() {
		if ms.Match(p) {
			if !fn(p) {
				return
			}
		}
	}
}

// ForEachPackageDependingOn calls fn with every visible package that
// declares a dependency on a name matching ms, stopping early if fn
// returns false.
func (db *Database) ForEachPackageDependingOn(ms *matchspec.MatchSpec, fn func(matchspec.PackageInfo) bool) {
	target := ms.Name.String()
	for _, p := range db.visiblePackages() {
		for _, dep := range p.Depends {
			if strings.EqualFold(dependencyName(dep), target) {
				if !fn(p) {
					return
				}
				break
			}
		}
	}
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

// MergePrefixInteropRecords returns condaRecords plus, when enabled,
// any pipRecords not shadowed by a conda record of the same name — the
// database-side half of spec.md §4.5's "Prefix interoperability flag"
// paragraph (internal/prefixdata.PrefixData.InstalledPackages performs
// the same shadowing when the caller already holds a PrefixData; this
// helper serves callers building a Database from separately-sourced
// slices).
func MergePrefixInteropRecords(condaRecords, pipRecords []matchspec.PackageInfo, enabled bool) []matchspec.PackageInfo {
	if !enabled {
		return condaRecords
	}
	shadowed := map[string]bool{}
	for _, p := range condaRecords {
		shadowed[strings.ToLower(p.Name)] = true
	}
	out := append([]matchspec.PackageInfo{}, condaRecords...)
	for _, p := range pipRecords {
		if !shadowed[strings.ToLower(p.Name)] {
			out = append(out, p)
		}
	}
	return out
}

// VirtualPackage describes one runtime-computed virtual package, per
// spec.md §4.5.
type VirtualPackage struct {
	Name    string
	Version string
}

// VirtualPackageParams carries the handful of virtual package facts
// that genuinely can't be derived from runtime.GOOS/GOARCH alone
// (driver/library versions the host environment reports, not the Go
// binary itself).
type VirtualPackageParams struct {
	GlibcVersion string // empty disables __glibc on linux
	CudaVersion  string // empty disables __cuda everywhere
}

// DetectVirtualPackages returns the virtual packages implied by the
// current platform and params.
func DetectVirtualPackages(params VirtualPackageParams) []VirtualPackage {
	var out []VirtualPackage
	switch runtime.GOOS {
	case "linux":
		out = append(out, VirtualPackage{Name: "__linux", Version: "0"}, VirtualPackage{Name: "__unix", Version: "0"})
		if params.GlibcVersion != "" {
			out = append(out, VirtualPackage{Name: "__glibc", Version: params.GlibcVersion})
		}
	case "darwin":
		out = append(out, VirtualPackage{Name: "__osx", Version: "0"}, VirtualPackage{Name: "__unix", Version: "0"})
	case "windows":
		out = append(out, VirtualPackage{Name: "__win", Version: "0"})
	}
	out = append(out, VirtualPackage{Name: "__archspec", Version: "1"})
	if params.CudaVersion != "" {
		out = append(out, VirtualPackage{Name: "__cuda", Version: params.CudaVersion})
	}
	return out
}

// VirtualPackagesAsRecords converts virtual packages into the
// synthetic installed PackageInfo records the solver matches
// constraints against.
func VirtualPackagesAsRecords(pkgs []VirtualPackage) []matchspec.PackageInfo {
	out := make([]matchspec.PackageInfo, len(pkgs))
	for i, v := range pkgs {
		ver, _ := version.Parse(v.Version)
		out[i] = matchspec.PackageInfo{
			Name: v.Name, Version: ver, BuildString: "0",
			ChannelID: "@", Platform: "virtual",
		}
	}
	return out
}
