// Package blob implements the out-of-band store used to carry responses
// that are too large for a transport frame. Paths are opaque strings;
// whatever one side uploads, the other side can read back by path.
package blob

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("blob not found")

type Store interface {
	// Upload stores data under folder/name and returns the opaque path.
	// The caller supplies a unique name; uploads never overwrite.
	Upload(ctx context.Context, data []byte, name, folder string) (string, error)
	// Read returns the blob bytes or ErrNotFound.
	Read(ctx context.Context, path string) ([]byte, error)
	// Delete removes the blob and reports whether it existed.
	Delete(ctx context.Context, path string) (bool, error)
}
