package cellstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist in a Backend.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`.
var ErrNotFound = errors.New("cellstore: not found")

// Backend is the byte-level storage abstraction behind the cell store.
//
// Keys are normalized SpheriCode prefixes; how a backend lays them out
// (nested directories, flat objects, hash slots) is its own business, so the
// covering and query layers never see a directory structure.
//
// Put must replace the value atomically: a concurrent Get observes either
// the previous document or the new one, never a partial write.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, keyPrefix string) ([]string, error)
}
