package engine

import (
	"context"
	"encoding/json"
)

// NodeState is the persisted record of one applied node.
type NodeState struct {
	// Kind identifies the node.
	Kind NodeKind `json:"kind"`

	// ID is the provider-assigned resource id. The reconciler is the only
	// writer; everything else treats it as read-only.
	ID string `json:"id"`

	// Attrs are the last applied attributes, reference-resolved and merged
	// with provider-observed values, in canonical (JSON round-tripped) form.
	Attrs map[string]any `json:"attrs"`
}

// State is the full persisted state: one record per applied node.
type State map[NodeKind]NodeState

// Clone returns a shallow-per-node copy safe for incremental mutation.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// StateStore is the persisted state collaborator. The reconciler loads once
// at the start of a run and saves incrementally as each node's action
// completes, so a crash mid-run leaves state consistent with whatever subset
// of nodes actually changed.
type StateStore interface {
	// Load reads the full state mapping.
	Load(ctx context.Context) (State, error)

	// SaveNode upserts one node record.
	SaveNode(ctx context.Context, ns NodeState) error

	// DeleteNode removes one node record.
	DeleteNode(ctx context.Context, kind NodeKind) error
}

// NormalizeAttrs canonicalizes an attribute map by round-tripping it through
// JSON, so values compared against state loaded from storage use the same
// scalar types. Attribute diffing is only meaningful between normalized maps.
func NormalizeAttrs(attrs map[string]any) (map[string]any, error) {
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
