package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kilupskalvis/stixwb/internal/models"
)

// Bucket names used by the bbolt backend.
var (
	bucketObjects = []byte("objects") // id \x00 modified -> storedRecord
	bucketLatest  = []byte("latest")  // id -> modified of the newest revision
	bucketTypes   = []byte("types")   // type \x00 id -> empty
)

const keySep = 0x00

// BoltStore is the embedded bbolt implementation of ObjectStore.
type BoltStore struct {
	db *bolt.DB
}

var _ ObjectStore = (*BoltStore)(nil)

// NewBoltStore opens or creates a bbolt database at the given path and
// creates its buckets.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &BoltStore{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) initialize() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketObjects, bucketLatest, bucketTypes} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database.
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func objectKey(id, modified string) []byte {
	k := make([]byte, 0, len(id)+1+len(modified))
	k = append(k, id...)
	k = append(k, keySep)
	return append(k, modified...)
}

func typeKey(stixType, id string) []byte {
	return objectKey(stixType, id)
}

func decodeRecord(data []byte) (*models.Object, error) {
	var rec storedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	if rec.Stix == nil {
		return nil, fmt.Errorf("stored record has no stix document")
	}
	return &models.Object{Stix: rec.Stix, Workspace: rec.Workspace}, nil
}

func encodeRecord(obj *models.Object) ([]byte, error) {
	data, err := json.Marshal(storedRecord{Stix: obj.Stix, Workspace: obj.Workspace})
	if err != nil {
		return nil, fmt.Errorf("marshal object %s: %w", obj.Stix.ID, err)
	}
	return data, nil
}

// Get returns one exact revision.
func (s *BoltStore) Get(_ context.Context, id, modified string) (*models.Object, error) {
	norm, err := models.NormalizeModified(modified)
	if err != nil {
		return nil, err
	}
	var obj *models.Object
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketObjects).Get(objectKey(id, norm))
		if data == nil {
			return ErrNotFound
		}
		obj, err = decodeRecord(data)
		return err
	})
	return obj, err
}

// Versions returns every revision of id, oldest first.
func (s *BoltStore) Versions(_ context.Context, id string) ([]*models.Object, error) {
	var out []*models.Object
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = versionsTx(tx, id)
		return err
	})
	return out, err
}

func versionsTx(tx *bolt.Tx, id string) ([]*models.Object, error) {
	var out []*models.Object
	prefix := objectKey(id, "")
	c := tx.Bucket(bucketObjects).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		obj, err := decodeRecord(v)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

// Latest returns the newest revision of id.
func (s *BoltStore) Latest(_ context.Context, id string) (*models.Object, error) {
	var obj *models.Object
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		obj, err = latestTx(tx, id)
		return err
	})
	return obj, err
}

func latestTx(tx *bolt.Tx, id string) (*models.Object, error) {
	mod := tx.Bucket(bucketLatest).Get([]byte(id))
	if mod == nil {
		return nil, ErrNotFound
	}
	data := tx.Bucket(bucketObjects).Get(objectKey(id, string(mod)))
	if data == nil {
		return nil, fmt.Errorf("latest index points at missing revision %s@%s", id, mod)
	}
	return decodeRecord(data)
}

// Query returns objects matching q ordered by id, then modified.
func (s *BoltStore) Query(ctx context.Context, q *Query) ([]*models.Object, error) {
	if q == nil {
		q = &Query{}
	}
	var out []*models.Object
	err := s.db.View(func(tx *bolt.Tx) error {
		ids, err := s.candidateIDs(tx, q)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			var revs []*models.Object
			if q.LatestOnly {
				obj, err := latestTx(tx, id)
				if err != nil {
					return err
				}
				revs = []*models.Object{obj}
			} else {
				revs, err = versionsTx(tx, id)
				if err != nil {
					return err
				}
			}
			for _, obj := range revs {
				if q.wantsType(obj.Stix.Type) && q.matches(obj.Stix) {
					out = append(out, obj)
				}
			}
		}
		return nil
	})
	return out, err
}

// candidateIDs narrows the scan with the type index when types are given.
func (s *BoltStore) candidateIDs(tx *bolt.Tx, q *Query) ([]string, error) {
	var ids []string
	if len(q.Types) == 0 {
		err := tx.Bucket(bucketLatest).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
		return ids, err
	}

	c := tx.Bucket(bucketTypes).Cursor()
	for _, t := range q.Types {
		prefix := typeKey(t, "")
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, string(k[len(prefix):]))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Apply writes a batch in a single bbolt transaction. Expectations are
// checked first so a conflicting batch writes nothing.
func (s *BoltStore) Apply(_ context.Context, b *Batch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		latest := tx.Bucket(bucketLatest)
		for id, expected := range b.Expect {
			current := string(latest.Get([]byte(id)))
			if current != expected {
				return fmt.Errorf("%w: latest revision of %s is %q, expected %q", ErrConflict, id, current, expected)
			}
		}

		for _, obj := range b.Inserts {
			if err := putRevision(tx, obj, false); err != nil {
				return err
			}
		}
		for _, obj := range b.Replaces {
			if err := putRevision(tx, obj, true); err != nil {
				return err
			}
		}
		for _, p := range b.Workspaces {
			if err := patchWorkspaceTx(tx, p.ID, p.Modified, func(ws *models.Workspace) error {
				p.Apply(ws)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func putRevision(tx *bolt.Tx, obj *models.Object, replace bool) error {
	norm, err := revisionKey(obj)
	if err != nil {
		return err
	}
	objects := tx.Bucket(bucketObjects)
	key := objectKey(obj.Stix.ID, norm)
	if !replace && objects.Get(key) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicate, models.ObjectKey(obj.Stix.ID, obj.Stix.Modified))
	}

	data, err := encodeRecord(obj)
	if err != nil {
		return err
	}
	if err := objects.Put(key, data); err != nil {
		return fmt.Errorf("put object: %w", err)
	}

	latest := tx.Bucket(bucketLatest)
	if cur := latest.Get([]byte(obj.Stix.ID)); cur == nil || string(cur) < norm {
		if err := latest.Put([]byte(obj.Stix.ID), []byte(norm)); err != nil {
			return fmt.Errorf("update latest index: %w", err)
		}
	}
	return tx.Bucket(bucketTypes).Put(typeKey(obj.Stix.Type, obj.Stix.ID), nil)
}

// UpdateWorkspace mutates the workspace of one revision.
func (s *BoltStore) UpdateWorkspace(_ context.Context, id, modified string, fn func(*models.Workspace) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return patchWorkspaceTx(tx, id, modified, fn)
	})
}

func patchWorkspaceTx(tx *bolt.Tx, id, modified string, fn func(*models.Workspace) error) error {
	norm, err := models.NormalizeModified(modified)
	if err != nil {
		return err
	}
	objects := tx.Bucket(bucketObjects)
	key := objectKey(id, norm)
	data := objects.Get(key)
	if data == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, models.ObjectKey(id, modified))
	}
	obj, err := decodeRecord(data)
	if err != nil {
		return err
	}
	if err := fn(&obj.Workspace); err != nil {
		return err
	}
	newData, err := encodeRecord(obj)
	if err != nil {
		return err
	}
	return objects.Put(key, newData)
}

// Count returns the number of stored revisions.
func (s *BoltStore) Count(_ context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketObjects).Stats().KeyN
		return nil
	})
	return n, err
}
