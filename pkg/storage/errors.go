package storage

import "errors"

// Error taxonomy shared by the store and its callers. Errors returned by a
// Store wrap one of these so callers can branch with errors.Is.
var (
	// ErrNotFound is returned for unknown namespaces, entities, versions and records
	ErrNotFound = errors.New("not found")

	// ErrNameConflict is returned when (namespace, name) is already taken
	ErrNameConflict = errors.New("name conflict")

	// ErrConflict is returned when an update lost a race for the entity head
	ErrConflict = errors.New("conflict")

	// ErrInvalidName is returned for empty names or names containing the key separator
	ErrInvalidName = errors.New("invalid name")

	// ErrInvalidSpec is returned for payloads that are not a valid document
	ErrInvalidSpec = errors.New("invalid spec")

	// ErrNamespaceNotEmpty is returned when deleting a namespace that still owns entities
	ErrNamespaceNotEmpty = errors.New("namespace not empty")

	// ErrForbidden is returned when a version does not belong to the entity it was asked for
	ErrForbidden = errors.New("forbidden")

	// ErrStorageUnavailable is returned when the database cannot be reached
	ErrStorageUnavailable = errors.New("storage unavailable")
)
