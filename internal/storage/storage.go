// Package storage provides the blob backends behind the artifact store.
// Keys are derived from the content hash alone: the local backend stores
// blobs at <root>/<sha256>, the S3 backend at artifacts/<sha256> in its
// bucket. No randomness or timestamps enter the key.
package storage

import (
	"context"
	"errors"
)

// ErrBlobNotFound is returned when a blob is missing from the backend
// even though a row may reference it. Callers treat this as
// operator-visible corruption.
var ErrBlobNotFound = errors.New("storage: blob not found")

// Backend stores and retrieves blobs by content hash.
type Backend interface {
	// Put writes the blob and returns its opaque storage URL.
	Put(ctx context.Context, sha256 string, data []byte) (string, error)
	// Get resolves a storage URL produced by this backend.
	Get(ctx context.Context, storageURL string) ([]byte, error)
}
