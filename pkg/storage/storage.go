// Package storage provides persistent saga snapshot stores. Each backend
// implements saga.StateStore; the engine persists a snapshot after every
// completed layer and the recovery sweeper reads stale snapshots back.
package storage

import "fmt"

// StorageUnavailableError indicates that the storage backend is unavailable.
type StorageUnavailableError struct {
	Backend string
	Cause   error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("%s storage unavailable: %v", e.Backend, e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Cause }

// SerializationError indicates a failure encoding or decoding a snapshot.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("snapshot %s failed: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error { return e.Cause }
