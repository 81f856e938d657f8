package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/kilupskalvis/stixwb/internal/models"
)

// SQLiteStore is the SQLite implementation of ObjectStore.
type SQLiteStore struct {
	db *sql.DB
}

var _ ObjectStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens an SQLite database, then creates or migrates its schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serialises write transactions, which keeps batch
	// expectation checks atomic.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.RunMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectColumns = "document, workspace FROM objects"

func scanObject(row interface{ Scan(...any) error }) (*models.Object, error) {
	var doc string
	var ws sql.NullString
	if err := row.Scan(&doc, &ws); err != nil {
		return nil, err
	}
	obj := &models.Object{Stix: &models.Stix{}}
	if err := json.Unmarshal([]byte(doc), obj.Stix); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	if ws.Valid && ws.String != "" {
		if err := json.Unmarshal([]byte(ws.String), &obj.Workspace); err != nil {
			return nil, fmt.Errorf("unmarshal workspace: %w", err)
		}
	}
	return obj, nil
}

func collectObjects(rows *sql.Rows) ([]*models.Object, error) {
	defer rows.Close()
	var out []*models.Object
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

// Get returns one exact revision.
func (s *SQLiteStore) Get(ctx context.Context, id, modified string) (*models.Object, error) {
	norm, err := models.NormalizeModified(modified)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" WHERE stix_id = ? AND modified_key = ?", id, norm)
	obj, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return obj, err
}

// Versions returns every revision of id, oldest first.
func (s *SQLiteStore) Versions(ctx context.Context, id string) ([]*models.Object, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectColumns+" WHERE stix_id = ? ORDER BY modified_key", id)
	if err != nil {
		return nil, err
	}
	return collectObjects(rows)
}

// Latest returns the newest revision of id.
func (s *SQLiteStore) Latest(ctx context.Context, id string) (*models.Object, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" WHERE stix_id = ? ORDER BY modified_key DESC LIMIT 1", id)
	obj, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return obj, err
}

// Query returns objects matching q ordered by id, then modified. Type and
// latest filters run in SQL; property filters run on the decoded documents.
func (s *SQLiteStore) Query(ctx context.Context, q *Query) ([]*models.Object, error) {
	if q == nil {
		q = &Query{}
	}
	var where []string
	var args []any
	if len(q.Types) > 0 {
		where = append(where, "stix_type IN ("+strings.TrimSuffix(strings.Repeat("?,", len(q.Types)), ",")+")")
		for _, t := range q.Types {
			args = append(args, t)
		}
	}
	if q.LatestOnly {
		where = append(where,
			"modified_key = (SELECT MAX(o2.modified_key) FROM objects o2 WHERE o2.stix_id = objects.stix_id)")
	}

	query := "SELECT " + selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY stix_id, modified_key"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query objects: %w", err)
	}
	all, err := collectObjects(rows)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, obj := range all {
		if q.matches(obj.Stix) {
			out = append(out, obj)
		}
	}
	return out, nil
}

// Apply writes a batch in one transaction.
func (s *SQLiteStore) Apply(ctx context.Context, b *Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for id, expected := range b.Expect {
		var current sql.NullString
		if err := tx.QueryRowContext(ctx,
			"SELECT MAX(modified_key) FROM objects WHERE stix_id = ?", id).Scan(&current); err != nil {
			return fmt.Errorf("read latest revision of %s: %w", id, err)
		}
		if current.String != expected {
			return fmt.Errorf("%w: latest revision of %s is %q, expected %q", ErrConflict, id, current.String, expected)
		}
	}

	for _, obj := range b.Inserts {
		if err := s.putRevision(ctx, tx, obj, false); err != nil {
			return err
		}
	}
	for _, obj := range b.Replaces {
		if err := s.putRevision(ctx, tx, obj, true); err != nil {
			return err
		}
	}
	for _, p := range b.Workspaces {
		if err := patchWorkspaceSQL(ctx, tx, p.ID, p.Modified, func(ws *models.Workspace) error {
			p.Apply(ws)
			return nil
		}); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) putRevision(ctx context.Context, tx *sql.Tx, obj *models.Object, replace bool) error {
	norm, err := revisionKey(obj)
	if err != nil {
		return err
	}
	if !replace {
		var exists int
		err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM objects WHERE stix_id = ? AND modified_key = ?", obj.Stix.ID, norm).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicate, models.ObjectKey(obj.Stix.ID, obj.Stix.Modified))
		}
	}

	doc, err := json.Marshal(obj.Stix)
	if err != nil {
		return fmt.Errorf("marshal object %s: %w", obj.Stix.ID, err)
	}
	ws, err := json.Marshal(obj.Workspace)
	if err != nil {
		return fmt.Errorf("marshal workspace %s: %w", obj.Stix.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO objects (stix_id, modified_key, stix_type, document, workspace)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(stix_id, modified_key) DO UPDATE SET
			stix_type = excluded.stix_type,
			document = excluded.document,
			workspace = excluded.workspace`,
		obj.Stix.ID, norm, obj.Stix.Type, string(doc), string(ws))
	if err != nil {
		return fmt.Errorf("write object %s: %w", obj.Stix.ID, err)
	}
	return nil
}

// UpdateWorkspace mutates the workspace of one revision.
func (s *SQLiteStore) UpdateWorkspace(ctx context.Context, id, modified string, fn func(*models.Workspace) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := patchWorkspaceSQL(ctx, tx, id, modified, fn); err != nil {
		return err
	}
	return tx.Commit()
}

func patchWorkspaceSQL(ctx context.Context, tx *sql.Tx, id, modified string, fn func(*models.Workspace) error) error {
	norm, err := models.NormalizeModified(modified)
	if err != nil {
		return err
	}
	var raw sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT workspace FROM objects WHERE stix_id = ? AND modified_key = ?", id, norm).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, models.ObjectKey(id, modified))
	}
	if err != nil {
		return err
	}

	var ws models.Workspace
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &ws); err != nil {
			return fmt.Errorf("unmarshal workspace: %w", err)
		}
	}
	if err := fn(&ws); err != nil {
		return err
	}
	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("marshal workspace: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE objects SET workspace = ? WHERE stix_id = ? AND modified_key = ?", string(data), id, norm)
	return err
}

// Count returns the number of stored revisions.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM objects").Scan(&n)
	return n, err
}
