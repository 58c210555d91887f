// Package solver implements the solver request/solution model and the
// driver that turns a Request plus a package database into a Solution,
// per spec.md §4.6: the core only requires that *some* backend satisfy
// the predicate-matching interface in Backend — the two concrete SAT
// backends named in the original system are explicitly out of scope.
package solver

import "github.com/AlexanderEkdahl/solvent/internal/matchspec"

// Job is one user-requested action, per spec.md §3.7.
type Job interface {
	isJob()
}

// Install requests that a package matching MatchSpec be present.
type Install struct{ Spec matchspec.MatchSpec }

// Update requests the highest version matching MatchSpec be installed.
type Update struct{ Spec matchspec.MatchSpec }

// UpdateAll requests every installed package be updated to its latest
// allowed version. CleanDependencies additionally removes any
// now-unreferenced transitive dependency.
type UpdateAll struct{ CleanDependencies bool }

// Remove requests every installed package matching MatchSpec be
// removed. CleanDependencies additionally removes any dependency left
// unreferenced by the removal.
type Remove struct {
	Spec              matchspec.MatchSpec
	CleanDependencies bool
}

// Freeze pins an installed package to its exact currently-installed
// version/build for the duration of this solve.
type Freeze struct{ Spec matchspec.MatchSpec }

// Keep marks a package that must remain installed even if nothing else
// depends on it, without otherwise constraining its version.
type Keep struct{ Spec matchspec.MatchSpec }

// Pin adds a persistent constraint (distinct from a one-off Install)
// that future solves should also honor.
type Pin struct{ Spec matchspec.MatchSpec }

func (Install) isJob()   {}
func (Update) isJob()    {}
func (UpdateAll) isJob() {}
func (Remove) isJob()    {}
func (Freeze) isJob()    {}
func (Keep) isJob()      {}
func (Pin) isJob()       {}

// Flags tune the solve cycle beyond the job list itself.
type Flags struct {
	// AllowRetryOnStaleCache permits the driver to shorten the repodata
	// TTL and reinvoke load_channels→solve once more on an unsolvable
	// request, per spec.md §4.6 step 4. The driver itself never
	// refetches channels — it signals the retry via Unsolvable.Retryable
	// and leaves the reinvocation to the caller, which owns the
	// repodata loaders.
	AllowRetryOnStaleCache bool
}

// Request is a Flags plus an ordered job list, the solver's complete
// input besides the backend it is submitted to.
type Request struct {
	Flags Flags
	Jobs  []Job
}
