package solver

import (
	"fmt"
	"sort"

	"github.com/AlexanderEkdahl/solvent/internal/matchspec"
)

// NodeID identifies a node within a ProblemsGraph or CompressedProblemsGraph.
type NodeID int

// NodeKind distinguishes the four node shapes spec.md §4.7 names.
type NodeKind int

const (
	NodeRoot NodeKind = iota
	NodePackage
	NodeUnresolvedDependency
	NodeConstraint
	// nodePackageList only ever appears in a CompressedProblemsGraph,
	// where sibling NodePackage nodes sharing a name are merged.
	nodePackageList
)

// Node is one vertex of a ProblemsGraph.
type Node struct {
	ID      NodeID
	Kind    NodeKind
	Package *matchspec.PackageInfo // set iff Kind == NodePackage
	Spec    *matchspec.MatchSpec   // set iff Kind == NodeUnresolvedDependency or NodeConstraint
}

// Edge is a directed, MatchSpec-labeled edge: From required To via Label.
type Edge struct {
	From, To NodeID
	Label    matchspec.MatchSpec
}

// ProblemsGraph is the uncompressed explanation graph spec.md §4.7
// builds when a Request is unsolvable.
type ProblemsGraph struct {
	nodes     []Node
	edges     []Edge
	conflicts *ConflictMap[NodeID]
	root      NodeID
}

// NewProblemsGraph returns an empty graph containing just its Root node.
func NewProblemsGraph() *ProblemsGraph {
	g := &ProblemsGraph{conflicts: NewConflictMap[NodeID]()}
	g.root = g.addNode(Node{Kind: NodeRoot})
	return g
}

func (g *ProblemsGraph) addNode(n Node) NodeID {
	n.ID = NodeID(len(g.nodes))
	g.nodes = append(g.nodes, n)
	return n.ID
}

// Root returns the graph's single root node.
func (g *ProblemsGraph) Root() NodeID { return g.root }

// AddPackageNode records a successfully-resolved package in the graph.
func (g *ProblemsGraph) AddPackageNode(p matchspec.PackageInfo) NodeID {
	return g.addNode(Node{Kind: NodePackage, Package: &p})
}

// AddUnresolvedDependencyNode records a MatchSpec that matched nothing.
func (g *ProblemsGraph) AddUnresolvedDependencyNode(ms matchspec.MatchSpec) NodeID {
	return g.addNode(Node{Kind: NodeUnresolvedDependency, Spec: &ms})
}

// AddConstraintNode records a MatchSpec that restricts (but did not by
// itself fail to match) a package already chosen for another reason —
// e.g. a `constrains` entry or an explicit Pin job.
func (g *ProblemsGraph) AddConstraintNode(ms matchspec.MatchSpec) NodeID {
	return g.addNode(Node{Kind: NodeConstraint, Spec: &ms})
}

// AddEdge records that From required To via label.
func (g *ProblemsGraph) AddEdge(from, to NodeID, label matchspec.MatchSpec) {
	g.edges = append(g.edges, Edge{From: from, To: to, Label: label})
}

// AddConflict marks a and b as unable to coexist.
func (g *ProblemsGraph) AddConflict(a, b NodeID) { g.conflicts.Add(a, b) }

func (g *ProblemsGraph) node(id NodeID) Node { return g.nodes[id] }

func groupKey(n Node) string {
	switch n.Kind {
	case NodeRoot:
		return "\x00root"
	case NodePackage:
		return "pkg:" + n.Package.Name
	case NodeUnresolvedDependency, NodeConstraint:
		return "spec:" + n.Spec.Name.String()
	default:
		return fmt.Sprintf("node:%d", n.ID)
	}
}

// CompressedNode is one vertex of a CompressedProblemsGraph. PackageList
// is set iff Kind == nodePackageList; Spec is set iff the merged group
// was made of NodeUnresolvedDependency or NodeConstraint nodes.
type CompressedNode struct {
	ID          NodeID
	Kind        NodeKind
	PackageList *PackageList
	Spec        *matchspec.MatchSpec
}

// PackageList merges sibling NodePackage nodes sharing the same
// package name into one compressed node.
type PackageList struct {
	Name     string
	Packages []matchspec.PackageInfo
}

// CompressedProblemsGraph is the pruned, sibling-merged rendering of a
// ProblemsGraph, per spec.md §4.7's compression guarantees: exactly one
// root, every conflict endpoint survives, every surviving node is
// reachable from the root.
type CompressedProblemsGraph struct {
	nodes     []CompressedNode
	edges     []Edge
	conflicts *ConflictMap[NodeID]
	root      NodeID
}

func (g *CompressedProblemsGraph) nodeByID(id NodeID) CompressedNode {
	for _, n := range g.nodes {
		if n.ID == id {
			return n
		}
	}
	return CompressedNode{}
}

// Compress merges sibling nodes sharing a name into a PackageList and
// prunes every node unreachable from the root (except conflict
// endpoints, which always survive).
func (g *ProblemsGraph) Compress() *CompressedProblemsGraph {
	groupOf := make(map[NodeID]NodeID, len(g.nodes))
	var merged []CompressedNode
	keyToGroup := map[string]NodeID{}

	for _, n := range g.nodes {
		key := groupKey(n)
		gid, ok := keyToGroup[key]
		if !ok {
			gid = NodeID(len(merged))
			keyToGroup[key] = gid
			cn := CompressedNode{ID: gid, Kind: n.Kind}
			if n.Kind == NodePackage {
				cn.Kind = nodePackageList
				cn.PackageList = &PackageList{Name: n.Package.Name}
			}
			if n.Kind == NodeUnresolvedDependency || n.Kind == NodeConstraint {
				cn.Spec = n.Spec
			}
			merged = append(merged, cn)
		}
		if n.Kind == NodePackage {
			merged[gid].PackageList.Packages = append(merged[gid].PackageList.Packages, *n.Package)
		}
		groupOf[n.ID] = gid
	}
	for i := range merged {
		if merged[i].Kind == nodePackageList {
			sort.Slice(merged[i].PackageList.Packages, func(a, b int) bool {
				return versionCompare(merged[i].PackageList.Packages[a].Version, merged[i].PackageList.Packages[b].Version) < 0
			})
		}
	}

	edgeSeen := map[[2]NodeID]bool{}
	var edges []Edge
	for _, e := range g.edges {
		from, to := groupOf[e.From], groupOf[e.To]
		key := [2]NodeID{from, to}
		if edgeSeen[key] {
			continue
		}
		edgeSeen[key] = true
		edges = append(edges, Edge{From: from, To: to, Label: e.Label})
	}

	conflicts := NewConflictMap[NodeID]()
	conflictNodes := map[NodeID]bool{}
	for _, n := range g.nodes {
		for _, other := range g.conflicts.Conflicts(n.ID) {
			a, b := groupOf[n.ID], groupOf[other]
			conflicts.Add(a, b)
			conflictNodes[a] = true
			conflictNodes[b] = true
		}
	}

	root := groupOf[g.root]
	reachable := map[NodeID]bool{root: true}
	queue := []NodeID{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range edges {
			if e.From == cur && !reachable[e.To] {
				reachable[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	for id := range conflictNodes {
		reachable[id] = true
	}

	keep := map[NodeID]bool{}
	var kept []CompressedNode
	for _, n := range merged {
		if reachable[n.ID] {
			keep[n.ID] = true
			kept = append(kept, n)
		}
	}
	var keptEdges []Edge
	for _, e := range edges {
		if keep[e.From] && keep[e.To] {
			keptEdges = append(keptEdges, e)
		}
	}

	return &CompressedProblemsGraph{nodes: kept, edges: keptEdges, conflicts: conflicts, root: root}
}

func requesterDescription(g *CompressedProblemsGraph, id NodeID) string {
	if id == g.root {
		return "the requested packages"
	}
	n := g.nodeByID(id)
	if n.Kind == nodePackageList {
		return n.PackageList.Name
	}
	if n.Spec != nil {
		return n.Spec.Name.String()
	}
	return "unknown"
}

// Messages renders one human-readable line per edge leading into an
// unresolved-dependency node of the compressed graph, per spec.md §4.7:
// "requested X which requires Y, but Y is not available in versions
// matching Z". Sorted for deterministic output.
func (g *CompressedProblemsGraph) Messages() []string {
	incoming := map[NodeID][]Edge{}
	for _, e := range g.edges {
		incoming[e.To] = append(incoming[e.To], e)
	}

	var msgs []string
	for _, n := range g.nodes {
		if n.Kind != NodeUnresolvedDependency {
			continue
		}
		for _, e := range incoming[n.ID] {
			requester := requesterDescription(g, e.From)
			msgs = append(msgs, fmt.Sprintf(
				"requested %s which requires %s, but %s is not available in versions matching %s",
				requester, e.Label.Name.String(), e.Label.Name.String(), e.Label.String(),
			))
		}
	}
	sort.Strings(msgs)
	return msgs
}

// Render joins Messages into a single multi-line explanation.
func (g *CompressedProblemsGraph) Render() string {
	msgs := g.Messages()
	out := ""
	for i, m := range msgs {
		if i > 0 {
			out += "\n"
		}
		out += m
	}
	return out
}
