package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors for graph operations.
var (
	// ErrNotFound is returned when an entity or scope does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDanglingReference is returned when a relationship endpoint is absent
	// from the entity set visible to the insertion call.
	ErrDanglingReference = errors.New("dangling reference rejected")

	// ErrDuplicateEntity is returned when an entity id appears twice in one
	// call or is already owned by another scope.
	ErrDuplicateEntity = errors.New("duplicate entity id")

	// ErrDuplicateRelationship is the relationship counterpart of ErrDuplicateEntity.
	ErrDuplicateRelationship = errors.New("duplicate relationship id")

	// ErrInvalidEntity is returned for entities without id or kind.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrInvalidRelationship is returned for relationships without kind or
	// with a weight outside [0, 1].
	ErrInvalidRelationship = errors.New("invalid relationship")
)

// DanglingReferenceError reports which relationship of an insertion call
// referenced a missing entity. The whole call is rejected.
type DanglingReferenceError struct {
	Scope          string
	RelationshipID string
	Missing        string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("scope %s: relationship %s references missing entity %s", e.Scope, e.RelationshipID, e.Missing)
}

func (e *DanglingReferenceError) Unwrap() error {
	return ErrDanglingReference
}
