package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// validDigest matches a lowercase hex-encoded SHA256 digest (64 characters).
var validDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

// FSArchive implements BundleArchive using the local filesystem.
// Bundles are stored in a two-level directory structure using the first two
// characters of the digest as a prefix directory, each with a JSON entry
// file beside it.
type FSArchive struct {
	root string
	now  func() time.Time
}

// NewFSArchive creates a filesystem-backed archive rooted at the given directory.
func NewFSArchive(root string) (*FSArchive, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	return &FSArchive{root: root, now: time.Now}, nil
}

// Has checks whether a bundle is archived.
func (a *FSArchive) Has(_ context.Context, digest string) (bool, error) {
	if !validDigest.MatchString(digest) {
		return false, nil
	}
	_, err := os.Stat(a.entryPath(digest))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat bundle %s: %w", digest, err)
	}
	return true, nil
}

// Get opens an archived bundle for reading.
func (a *FSArchive) Get(_ context.Context, digest string) (io.ReadCloser, *Entry, error) {
	if !validDigest.MatchString(digest) {
		return nil, nil, ErrNotFound
	}
	e, err := a.readEntry(a.entryPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("read entry %s: %w", digest, err)
	}

	f, err := os.Open(a.bundlePath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("open bundle %s: %w", digest, err)
	}

	return f, e, nil
}

// Put archives a bundle. The data is read from r and verified against the
// digest. The entry file is written last, so a bundle counts as archived
// only once both files exist.
func (a *FSArchive) Put(_ context.Context, e *Entry, r io.Reader) error {
	if !validDigest.MatchString(e.Digest) {
		return fmt.Errorf("invalid bundle digest: %q", e.Digest)
	}
	bundlePath := a.bundlePath(e.Digest)

	if _, err := os.Stat(a.entryPath(e.Digest)); err == nil {
		return nil // idempotent
	}

	dir := filepath.Dir(bundlePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	// Write to temp file, verify digest, rename
	tmpFile, err := os.CreateTemp(dir, ".bundle-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmpFile, hasher), r)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write bundle data: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	computed := hex.EncodeToString(hasher.Sum(nil))
	if computed != e.Digest {
		os.Remove(tmpPath)
		return fmt.Errorf("expected %s, got %s: %w", e.Digest, computed, ErrDigestMismatch)
	}

	if err := os.Rename(tmpPath, bundlePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename bundle: %w", err)
	}

	e.Size = size
	e.ArchivedAt = a.now().UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err := os.WriteFile(a.entryPath(e.Digest), data, 0644); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}

	return nil
}

// Delete removes a bundle and its entry file.
func (a *FSArchive) Delete(_ context.Context, digest string) error {
	if !validDigest.MatchString(digest) {
		return nil
	}
	os.Remove(a.entryPath(digest))
	os.Remove(a.bundlePath(digest))
	return nil
}

// List returns all archived entries by scanning the directory tree.
func (a *FSArchive) List(_ context.Context) ([]*Entry, error) {
	var entries []*Entry

	err := filepath.Walk(a.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".json") || strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		e, err := a.readEntry(path)
		if err != nil {
			return fmt.Errorf("read entry %s: %w", path, err)
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ArchivedAt.After(entries[j].ArchivedAt)
	})
	return entries, nil
}

// bundlePath returns the filesystem path for a bundle.
func (a *FSArchive) bundlePath(digest string) string {
	return filepath.Join(a.root, digest[:2], digest[2:])
}

// entryPath returns the filesystem path for a bundle's entry.
func (a *FSArchive) entryPath(digest string) string {
	return a.bundlePath(digest) + ".json"
}

func (a *FSArchive) readEntry(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
