package solver

import (
	"github.com/AlexanderEkdahl/solvent/internal/matchspec"
)

// Unsolvable is returned when a Request cannot be satisfied. Retryable
// signals spec.md §4.6 step 4: the driver that owns the repodata
// loaders may shorten the TTL and reinvoke load_channels→solve once
// more, since an unresolved dependency can reasonably be explained by a
// stale cache rather than a genuine absence.
type Unsolvable struct {
	Graph     *CompressedProblemsGraph
	Retryable bool
}

func (e *Unsolvable) Error() string {
	msg := e.Graph.Render()
	if msg == "" {
		return "no solution found"
	}
	return msg
}

// resolveRequirement is one pending (spec, requester) pair during the
// breadth-first dependency walk.
type resolveRequirement struct {
	spec     matchspec.MatchSpec
	parent   NodeID
	explicit bool
}

// resolveGraph builds the candidate package set for a flat list of
// top-level specs (already merged from Jobs, installed records, and
// virtual packages by the caller) by repeatedly picking the
// highest-version package matching each pending requirement and
// enumerating its own Depends strings as further requirements — the
// same tree-then-reduce shape as a classic minimal-version-selection
// walk, generalized from per-name version maximization to per-name
// candidate selection against a MatchSpec-shaped backend.
//
// This is a reference resolution strategy, not a full SAT search: it
// never backtracks over an earlier choice to satisfy a later
// constraint. Full constraint propagation is explicitly the concern of
// a pluggable Backend (spec.md §4.5's "some solver satisfies the
// interface"); this package only has to produce *a* correct solution
// when one exists via the simple path, and a faithful problem graph
// when it does not.
func resolveGraph(backend Backend, roots []matchspec.MatchSpec) (map[string]matchspec.PackageInfo, *ProblemsGraph, bool) {
	graph := NewProblemsGraph()
	chosen := map[string]matchspec.PackageInfo{}
	visited := map[string]bool{}
	ok := true

	queue := make([]resolveRequirement, 0, len(roots))
	for _, r := range roots {
		queue = append(queue, resolveRequirement{spec: r, parent: graph.Root(), explicit: true})
	}

	for len(queue) > 0 {
		req := queue[0]
		queue = queue[1:]

		name := req.spec.Name.String()
		cand, found := bestCandidate(backend, &req.spec)
		if !found {
			depNode := graph.AddUnresolvedDependencyNode(req.spec)
			graph.AddEdge(req.parent, depNode, req.spec)
			ok = false

			// Surface whatever versions of this name do exist, even
			// though none satisfied req.spec, so the rendered problem
			// graph shows "here's what was available" rather than just
			// "nothing was available" — e.g. three existing builds of a
			// package that's pinned one version too high all merge into
			// a single PackageList node after Compress().
			nameOnly := matchspec.MatchSpec{Name: req.spec.Name}
			backend.ForEachPackageMatching(&nameOnly, func(p matchspec.PackageInfo) bool {
				pkgNode := graph.AddPackageNode(p)
				graph.AddEdge(depNode, pkgNode, req.spec)
				return true
			})
			continue
		}

		pkgNode := graph.AddPackageNode(cand)
		graph.AddEdge(req.parent, pkgNode, req.spec)

		dedupeKey := name + "-" + cand.Version.String() + "-" + cand.BuildString
		if existing, have := chosen[name]; have {
			if !req.spec.Match(existing) {
				// This requirement conflicts with an already-chosen
				// version of the same name; record it but keep the
				// earlier (higher-priority) choice rather than
				// thrashing between requesters.
				graph.AddConflict(pkgNode, graph.Root())
				ok = false
			}
		} else {
			chosen[name] = cand
		}

		if visited[dedupeKey] {
			continue
		}
		visited[dedupeKey] = true

		for _, dep := range cand.Depends {
			depSpec, err := matchspec.Parse(dep)
			if err != nil {
				continue
			}
			queue = append(queue, resolveRequirement{spec: *depSpec, parent: pkgNode})
		}
	}

	return chosen, graph, ok
}
