// Package archive keeps the exact bytes of imported collection bundles,
// addressed by their SHA-256 digest.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a requested bundle is not archived.
var ErrNotFound = errors.New("archived bundle not found")

// ErrDigestMismatch is returned when the digest of the data does not match the expected digest.
var ErrDigestMismatch = errors.New("bundle digest mismatch")

// Entry describes one archived bundle.
type Entry struct {
	Digest             string    `json:"digest"`
	CollectionID       string    `json:"collection_id"`
	CollectionModified string    `json:"collection_modified"`
	ImportID           string    `json:"import_id"`
	Size               int64     `json:"size"`
	ArchivedAt         time.Time `json:"archived_at"`
}

// BundleArchive defines the contract for content-addressable bundle storage.
type BundleArchive interface {
	// Has checks whether a bundle with the given digest is archived.
	Has(ctx context.Context, digest string) (bool, error)

	// Get returns a reader for the bundle bytes and its entry.
	// Returns ErrNotFound if the bundle is not archived.
	Get(ctx context.Context, digest string) (io.ReadCloser, *Entry, error)

	// Put archives the bundle read from r under e.Digest, which is verified
	// against the data. Size and ArchivedAt are filled in. Storing the same
	// bundle twice keeps the first entry.
	Put(ctx context.Context, e *Entry, r io.Reader) error

	// Delete removes a bundle. No error if it doesn't exist.
	Delete(ctx context.Context, digest string) error

	// List returns the entries of all archived bundles, newest first.
	List(ctx context.Context) ([]*Entry, error)
}

// Digest returns the hex SHA-256 digest of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
