package storage

import "errors"

// Sentinel errors for storage operations.
var (
	// ErrCollectionExists is returned when creating a collection whose name
	// is already taken.
	ErrCollectionExists = errors.New("collection already exists")

	// ErrCollectionNotFound is returned when addressing a collection that
	// does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrInvalidOption is returned for unknown or malformed collection or
	// index options.
	ErrInvalidOption = errors.New("invalid option")

	// ErrUnknownBackend is returned by Open for an unregistered backend name.
	ErrUnknownBackend = errors.New("unknown storage backend")
)
