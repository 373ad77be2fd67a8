// Package objectstore moves opaque document blobs to and from external object
// storage. Blobs carry no metadata: keys derive from document ids only.
package objectstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrObjectNotFound is returned by backends when the key does not exist.
var ErrObjectNotFound = errors.New("objectstore: object not found")

// ErrUnavailable is returned by the gateway once its retry budget is exhausted.
var ErrUnavailable = errors.New("objectstore: storage unavailable")

// Backend is one storage provider.
type Backend interface {
	Name() string
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// DocumentKey returns the storage key for a document id.
func DocumentKey(documentID string) string {
	return fmt.Sprintf("documents/%s", documentID)
}
