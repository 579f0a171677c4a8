package engine

import (
	"context"
	"errors"
)

// ErrRequiresReplacement is returned by Provider.Update when the requested
// change cannot be applied in place and the resource must be recreated.
var ErrRequiresReplacement = errors.New("update requires replacement")

// ErrNotFound is returned by Provider.Describe when the resource no longer
// exists.
var ErrNotFound = errors.New("resource not found")

// CreateResult is the outcome of a successful create call.
type CreateResult struct {
	// ID is the provider-assigned resource identifier.
	ID string

	// Observed are provider-computed attributes discovered at creation
	// (addresses, attached volume ids, ...). They are merged over the
	// resolved attributes in persisted state.
	Observed map[string]any
}

// Provider is the external cloud API collaborator. Implementations perform
// the actual resource mutations; the engine never talks to a cloud directly.
// Calls are bounded by the context deadline set by the reconciler; a timeout
// fails the node's action without engine-level retries.
type Provider interface {
	// Create materializes a resource of the given kind.
	Create(ctx context.Context, kind NodeKind, attrs map[string]any) (*CreateResult, error)

	// Update applies attrs to an existing resource in place, returning the
	// observed attributes afterwards. It returns ErrRequiresReplacement when
	// the change forces recreation.
	Update(ctx context.Context, kind NodeKind, id string, attrs map[string]any) (map[string]any, error)

	// Destroy removes a resource.
	Destroy(ctx context.Context, kind NodeKind, id string) error

	// Describe reads the current attributes of a resource, or ErrNotFound.
	Describe(ctx context.Context, kind NodeKind, id string) (map[string]any, error)
}
