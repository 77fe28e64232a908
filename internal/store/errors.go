package store

import "errors"

// Sentinel errors surfaced by the entity and relationship services.
var (
	// ErrEntityNotFound is returned when an operation requires an entity
	// that does not exist.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrEntityConflict is returned on an id collision with an incompatible
	// entity kind.
	ErrEntityConflict = errors.New("entity conflict")

	// ErrSchemaViolation is returned for malformed entities or
	// relationships rejected at the service boundary.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrRelationshipNotFound is returned when an operation requires a
	// relationship that does not exist.
	ErrRelationshipNotFound = errors.New("relationship not found")
)
