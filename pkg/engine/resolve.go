package engine

import (
	"sort"

	"github.com/groundplan/groundplan/pkg/config"
)

// Plan is a resolved, ordered evaluation plan. Order is the flattened
// topological order; Levels groups nodes with no mutual ordering constraint,
// which the reconciler may execute in parallel.
type Plan struct {
	// Graph is the resolved resource graph. Immutable from here on.
	Graph *Graph

	// Order is the deterministic topological order of present nodes.
	Order []NodeKind

	// Levels partitions Order into batches of mutually independent nodes.
	Levels [][]NodeKind
}

// Resolve computes a valid evaluation order for the graph using Kahn's
// algorithm. Ties between nodes with no relative constraint are broken by
// declaration order so plans are stable across runs. Cycles fail with a
// CycleError naming the participating nodes. Optional sub-record fields that
// were left unset by the caller are defaulted here, before the graph is
// handed to the reconciler.
func Resolve(g *Graph) (*Plan, error) {
	if g == nil {
		return nil, &BuildError{Message: "graph is nil"}
	}

	resolveVolumeDefaults(g)

	kinds := g.Kinds()

	// Edges run dependency -> dependent.
	dependents := make(map[NodeKind][]NodeKind, len(kinds))
	inDegree := make(map[NodeKind]int, len(kinds))
	for _, k := range kinds {
		inDegree[k] = 0
	}
	for _, k := range kinds {
		for _, dep := range g.Node(k).Dependencies() {
			dependents[dep] = append(dependents[dep], k)
			inDegree[k]++
		}
	}

	var (
		order  []NodeKind
		levels [][]NodeKind
	)

	current := rootsOf(kinds, inDegree)
	for len(current) > 0 {
		sortByDeclaration(current)
		levels = append(levels, current)
		order = append(order, current...)

		var next []NodeKind
		for _, k := range current {
			for _, dep := range dependents[k] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}

	if len(order) != len(kinds) {
		var remaining []NodeKind
		for _, k := range kinds {
			if inDegree[k] > 0 {
				remaining = append(remaining, k)
			}
		}
		sortByDeclaration(remaining)
		return nil, &CycleError{Nodes: remaining}
	}

	return &Plan{Graph: g, Order: order, Levels: levels}, nil
}

func rootsOf(kinds []NodeKind, inDegree map[NodeKind]int) []NodeKind {
	var roots []NodeKind
	for _, k := range kinds {
		if inDegree[k] == 0 {
			roots = append(roots, k)
		}
	}
	return roots
}

func sortByDeclaration(kinds []NodeKind) {
	sort.Slice(kinds, func(i, j int) bool {
		return declIndex(kinds[i]) < declIndex(kinds[j])
	})
}

// resolveVolumeDefaults fills the optional additional-volume fields: an
// absent delete_on_termination resolves to true, absent iops/throughput stay
// unset and are omitted from the provider payload.
func resolveVolumeDefaults(g *Graph) {
	inst := g.Node(NodeInstance)
	if inst == nil {
		return
	}
	raw, ok := inst.Attrs["additional_volumes"]
	if !ok || raw.IsRef() {
		return
	}
	volumes, ok := raw.Literal().([]config.Volume)
	if !ok {
		return
	}

	resolved := make([]config.Volume, len(volumes))
	for i, v := range volumes {
		if v.DeleteOnTermination == nil {
			keep := true
			v.DeleteOnTermination = &keep
		}
		resolved[i] = v
	}
	inst.Attrs["additional_volumes"] = Lit(resolved)
}
