// Package engine evaluates the compute-stack bundle: it builds a resource
// graph from a validated configuration snapshot, resolves cross-resource
// references into a deterministic order, applies per-node lifecycle policies
// and converges real infrastructure through a provider, persisting state as
// it goes. The phases are Build -> Resolve -> Apply -> Project.
package engine

import (
	"fmt"
	"strings"
)

// BuildError reports a structurally invalid graph. Build errors occur before
// any provider call is made; they are pure and need no rollback.
type BuildError struct {
	// Node is the node being built when the error was found.
	Node NodeKind

	// Message describes the structural problem.
	Message string
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("graph build failed (node=%s): %s", e.Node, e.Message)
	}
	return fmt.Sprintf("graph build failed: %s", e.Message)
}

// DanglingReferenceError reports a reference (or explicit ordering hint) from
// a present node to a node that is not present this run. The graph builder
// refuses such graphs outright; a reference into an absent node is never a
// runtime null.
type DanglingReferenceError struct {
	// From is the node holding the reference.
	From NodeKind

	// To is the absent target node.
	To NodeKind

	// Attr is the referencing attribute, empty for explicit ordering hints.
	Attr string
}

// Error implements the error interface.
func (e *DanglingReferenceError) Error() string {
	if e.Attr != "" {
		return fmt.Sprintf("node %s attribute %q references absent node %s", e.From, e.Attr, e.To)
	}
	return fmt.Sprintf("node %s depends on absent node %s", e.From, e.To)
}

// CycleError reports that the dependency graph is not a DAG. Impossible for
// the fixed four-node shape, but the resolver checks unconditionally.
type CycleError struct {
	// Nodes are the nodes participating in the cycle.
	Nodes []NodeKind
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	names := make([]string, len(e.Nodes))
	for i, k := range e.Nodes {
		names[i] = string(k)
	}
	return fmt.Sprintf("dependency cycle detected among nodes: %s", strings.Join(names, ", "))
}

// PreconditionError reports an apply-time precondition that evaluated false
// immediately before a node's create/update call. The node is not
// materialized and no provider call is made for it or its dependents.
type PreconditionError struct {
	// Node is the node whose precondition failed.
	Node NodeKind

	// Condition names the violated precondition.
	Condition string

	// Message explains the violation in input terms.
	Message string
}

// Error implements the error interface.
func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition %q failed for node %s: %s", e.Condition, e.Node, e.Message)
}

// ProviderError wraps a failure from the external provider API with the
// node, resource id and operation that produced it.
type ProviderError struct {
	Kind      NodeKind
	ID        string
	Operation string
	Err       error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("provider %s failed for %s (id=%s): %v", e.Operation, e.Kind, e.ID, e.Err)
	}
	return fmt.Sprintf("provider %s failed for %s: %v", e.Operation, e.Kind, e.Err)
}

// Unwrap returns the underlying provider error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// PartialFailure reports a run that stopped after some nodes succeeded.
// Nodes already applied are preserved; State carries the successfully
// updated state so a retry only reattempts the remainder. Nothing is retried
// automatically inside the engine.
type PartialFailure struct {
	// State is the persisted state as of the failure.
	State State

	// Succeeded lists nodes whose actions completed this run.
	Succeeded []NodeKind

	// Failed lists nodes whose actions failed.
	Failed []NodeKind

	// Skipped lists nodes not attempted because a dependency failed.
	Skipped []NodeKind

	// Errs holds the per-node errors, in plan order.
	Errs []error
}

// Error implements the error interface.
func (e *PartialFailure) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("apply failed for %d node(s), %d succeeded, %d skipped: %s",
		len(e.Failed), len(e.Succeeded), len(e.Skipped), strings.Join(msgs, "; "))
}

// Unwrap exposes the per-node errors to errors.Is and errors.As.
func (e *PartialFailure) Unwrap() []error {
	return e.Errs
}
