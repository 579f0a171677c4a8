package engine

// NodeKind identifies one managed resource in the bundle. The set is closed
// for this module; the engine itself only relies on DeclarationOrder.
type NodeKind string

const (
	// NodeSecurityGroup is the security group, always present.
	NodeSecurityGroup NodeKind = "security_group"

	// NodeKeyPair is the SSH key pair, present iff create_key_pair.
	NodeKeyPair NodeKind = "key_pair"

	// NodeInstance is the virtual machine instance, always present.
	NodeInstance NodeKind = "instance"

	// NodeAlarm is the CPU utilization alarm, present iff create_cpu_alarm.
	NodeAlarm NodeKind = "cpu_alarm"
)

// DeclarationOrder is the fixed declaration order of the bundle. The
// resolver breaks topological ties with it so plans are deterministic and
// diff-friendly across runs.
var DeclarationOrder = []NodeKind{NodeSecurityGroup, NodeKeyPair, NodeInstance, NodeAlarm}

// declIndex returns the declaration position of a kind, or len(order) for
// unknown kinds so they sort last.
func declIndex(kind NodeKind) int {
	for i, k := range DeclarationOrder {
		if k == kind {
			return i
		}
	}
	return len(DeclarationOrder)
}

// Reference names an attribute of another node whose value is produced by
// that node's post-creation state and is unknown until it is applied.
type Reference struct {
	// Kind is the target node.
	Kind NodeKind `json:"kind"`

	// Attr is the target attribute; "id" refers to the provider-assigned id.
	Attr string `json:"attr"`
}

// AttrValue is a node attribute: either a literal value fixed at build time
// or a reference resolved during apply.
type AttrValue struct {
	lit any
	ref *Reference
}

// Lit wraps a literal attribute value.
func Lit(v any) AttrValue {
	return AttrValue{lit: v}
}

// RefTo builds a reference-valued attribute.
func RefTo(kind NodeKind, attr string) AttrValue {
	return AttrValue{ref: &Reference{Kind: kind, Attr: attr}}
}

// IsRef reports whether the value is a reference.
func (v AttrValue) IsRef() bool {
	return v.ref != nil
}

// Ref returns the reference, or nil for literals.
func (v AttrValue) Ref() *Reference {
	return v.ref
}

// Literal returns the literal value; nil for references.
func (v AttrValue) Literal() any {
	return v.lit
}

// Precondition is an apply-time check evaluated immediately before a node's
// create/update call, on every run. A false result blocks materialization of
// the node and fails the run with a PreconditionError.
type Precondition struct {
	// Name identifies the condition in errors.
	Name string

	// Message explains a violation in input terms.
	Message string

	// Check evaluates the condition against the configuration snapshot.
	Check func() bool
}

// Lifecycle is the per-node reconciliation policy. Policies are declared by
// the builder per node kind but the engine treats them as data, so a future
// resource set can carry different policies without engine changes.
type Lifecycle struct {
	// CreateBeforeDestroy orders replacement as create-new, repoint
	// dependents, destroy-old. A failed replacement creation leaves the old
	// resource intact.
	CreateBeforeDestroy bool

	// IgnoreChanges lists attributes excluded from the update/replace
	// decision after initial creation. A change confined to ignored
	// attributes is a no-op, at the cost of silent drift.
	IgnoreChanges []string

	// Preconditions gate materialization of the node.
	Preconditions []Precondition
}

// Ignored reports whether attr is in the ignore-changes set.
func (l Lifecycle) Ignored(attr string) bool {
	for _, a := range l.IgnoreChanges {
		if a == attr {
			return true
		}
	}
	return false
}

// Node is one managed resource in the graph: its attributes (literal or
// reference valued), explicit ordering hints and lifecycle policy. Nodes
// whose presence predicate evaluates false are not built at all.
type Node struct {
	// Kind identifies the resource.
	Kind NodeKind

	// Attrs maps attribute names to literal or reference values.
	Attrs map[string]AttrValue

	// DependsOn are explicit ordering hints, in addition to the implicit
	// edges derived from references.
	DependsOn []NodeKind

	// Lifecycle is the reconciliation policy for this node.
	Lifecycle Lifecycle
}

// Dependencies returns the deduplicated set of nodes this node must follow:
// explicit hints plus every reference target.
func (n *Node) Dependencies() []NodeKind {
	seen := make(map[NodeKind]bool)
	var deps []NodeKind
	add := func(k NodeKind) {
		if !seen[k] {
			seen[k] = true
			deps = append(deps, k)
		}
	}
	for _, k := range n.DependsOn {
		add(k)
	}
	for _, v := range n.Attrs {
		if v.IsRef() {
			add(v.Ref().Kind)
		}
	}
	return deps
}

// Graph is the set of present resource nodes for one evaluation run. It is
// immutable once Resolve has returned.
type Graph struct {
	nodes map[NodeKind]*Node
}

// Node returns the node of the given kind, or nil when absent this run.
func (g *Graph) Node(kind NodeKind) *Node {
	return g.nodes[kind]
}

// Has reports whether a node of the given kind is present this run.
func (g *Graph) Has(kind NodeKind) bool {
	return g.nodes[kind] != nil
}

// Kinds returns the present node kinds in declaration order.
func (g *Graph) Kinds() []NodeKind {
	kinds := make([]NodeKind, 0, len(g.nodes))
	for _, k := range DeclarationOrder {
		if g.nodes[k] != nil {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Len returns the number of present nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}
