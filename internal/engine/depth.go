package engine

import (
	"errors"
	"fmt"
)

// DefaultMaxDepth is the default maximum number of propagation hops.
//
// A target that is itself a source propagates further when it is updated.
// Configurations with cycles (reported by the compiler as warnings) would
// otherwise propagate forever.
const DefaultMaxDepth = 16

// DepthExceededError is reported when a save would queue propagation past
// the maximum depth. The save itself succeeds; only the propagation is
// dropped.
type DepthExceededError struct {
	Type  string // The source type whose propagation was dropped
	ID    string // The source ID
	Depth int    // The depth the new requests would have had
	Limit int    // The configured maximum depth
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("propagation depth exceeded: %s %s would reach depth %d (limit %d)",
		e.Type, e.ID, e.Depth, e.Limit)
}

// IsDepthExceeded returns true if err is or wraps a DepthExceededError.
func IsDepthExceeded(err error) bool {
	var de *DepthExceededError
	return errors.As(err, &de)
}

// checkDepth returns a DepthExceededError when requests dispatched from a
// save at depth would exceed limit.
func checkDepth(typ, id string, depth, limit int) error {
	if depth+1 > limit {
		return &DepthExceededError{Type: typ, ID: id, Depth: depth + 1, Limit: limit}
	}
	return nil
}
