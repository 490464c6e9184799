package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"

	"tenantstore/internal/logger"
)

// Engine is the document storage engine behind every project namespace.
type Engine interface {
	// Insert stores a new document. It fails with ErrDuplicate when the id is taken.
	Insert(ctx context.Context, ns Namespace, doc Document) error
	// Get returns the document with id or ErrNotFound.
	Get(ctx context.Context, ns Namespace, id string) (Document, error)
	// Replace stores doc under its id, creating it if absent.
	Replace(ctx context.Context, ns Namespace, doc Document) error
	// Delete removes the document with id or returns ErrNotFound.
	Delete(ctx context.Context, ns Namespace, id string) error
	Exists(ctx context.Context, ns Namespace, id string) (bool, error)
	Find(ctx context.Context, ns Namespace, q Query) ([]Document, error)

	HasDatabase(ctx context.Context, database string) (bool, error)
	HasCollection(ctx context.Context, ns Namespace) (bool, error)

	IndexNames(ctx context.Context, ns Namespace) ([]string, error)
	CreateIndex(ctx context.Context, ns Namespace, idx Index) error

	Ping(ctx context.Context) error
	Description() string
	Close() error
}

// IndexKey is one component of an index.
type IndexKey struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Index describes a secondary index on a collection.
type Index struct {
	Name   string     `json:"name"`
	Keys   []IndexKey `json:"keys"`
	Unique bool       `json:"unique,omitempty"`
	Sparse bool       `json:"sparse,omitempty"`
}

// DefaultName derives the conventional index name, e.g. "a_1_b_-1".
func (idx Index) DefaultName() string {
	parts := make([]string, 0, len(idx.Keys)*2)
	for _, k := range idx.Keys {
		dir := 1
		if k.Desc {
			dir = -1
		}
		parts = append(parts, k.Field, strconv.Itoa(dir))
	}
	return strings.Join(parts, "_")
}

// ResolvedName is the explicit name or the derived default.
func (idx Index) ResolvedName() string {
	if idx.Name != "" {
		return idx.Name
	}
	return idx.DefaultName()
}

// SQLStore runs the document engine on SQLite or Turso. Documents are kept as
// BSON blobs; filtering and sorting happen in process.
type SQLStore struct {
	db      *sql.DB
	backend DataBackend
}

// NewSQLEngine connects backend and migrates the schema.
func NewSQLEngine(backend DataBackend) (*SQLStore, error) {
	db, err := backend.Connect()
	if err != nil {
		return nil, err
	}

	logger.For(logger.ComponentStore).Infof("Database: %s", backend.Description())

	s := &SQLStore{db: db, backend: backend}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Backend returns the data backend
func (s *SQLStore) Backend() DataBackend {
	return s.backend
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Description() string {
	return s.backend.Description()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		db_name TEXT NOT NULL,
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		data BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (db_name, collection, id)
	);

	CREATE TABLE IF NOT EXISTS indexes (
		id TEXT PRIMARY KEY,
		db_name TEXT NOT NULL,
		collection TEXT NOT NULL,
		name TEXT NOT NULL,
		spec TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (db_name, collection, name)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_db_name ON documents(db_name);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLStore) Insert(ctx context.Context, ns Namespace, doc Document) error {
	data, err := marshalDocument(doc)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (db_name, collection, id, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (db_name, collection, id) DO NOTHING
	`, ns.Database, ns.Collection, doc.ID(), data)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, ns Namespace, id string) (Document, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM documents WHERE db_name = ? AND collection = ? AND id = ?",
		ns.Database, ns.Collection, id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return unmarshalDocument(data)
}

func (s *SQLStore) Replace(ctx context.Context, ns Namespace, doc Document) error {
	data, err := marshalDocument(doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (db_name, collection, id, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (db_name, collection, id) DO UPDATE SET
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP
	`, ns.Database, ns.Collection, doc.ID(), data)
	return err
}

func (s *SQLStore) Delete(ctx context.Context, ns Namespace, id string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM documents WHERE db_name = ? AND collection = ? AND id = ?",
		ns.Database, ns.Collection, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Exists(ctx context.Context, ns Namespace, id string) (bool, error) {
	return s.exists(ctx,
		"SELECT 1 FROM documents WHERE db_name = ? AND collection = ? AND id = ? LIMIT 1",
		ns.Database, ns.Collection, id)
}

func (s *SQLStore) HasDatabase(ctx context.Context, database string) (bool, error) {
	return s.exists(ctx, "SELECT 1 FROM documents WHERE db_name = ? LIMIT 1", database)
}

func (s *SQLStore) HasCollection(ctx context.Context, ns Namespace) (bool, error) {
	return s.exists(ctx,
		"SELECT 1 FROM documents WHERE db_name = ? AND collection = ? LIMIT 1",
		ns.Database, ns.Collection)
}

func (s *SQLStore) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) Find(ctx context.Context, ns Namespace, q Query) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM documents WHERE db_name = ? AND collection = ? ORDER BY rowid",
		ns.Database, ns.Collection)
	if err != nil {
		return nil, err
	}

	var docs []Document
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			rows.Close()
			return nil, err
		}
		doc, err := unmarshalDocument(data)
		if err != nil {
			rows.Close()
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	return q.Apply(docs), nil
}

func (s *SQLStore) IndexNames(ctx context.Context, ns Namespace) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM indexes WHERE db_name = ? AND collection = ? ORDER BY name",
		ns.Database, ns.Collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := []string{"_id_"}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CreateIndex records the index in the catalog. The SQL engines evaluate
// queries in process, so the catalog is what IndexNames reports.
func (s *SQLStore) CreateIndex(ctx context.Context, ns Namespace, idx Index) error {
	if len(idx.Keys) == 0 {
		return fmt.Errorf("index requires at least one key")
	}
	name := idx.ResolvedName()
	idx.Name = name
	spec, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO indexes (id, db_name, collection, name, spec)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (db_name, collection, name) DO NOTHING
	`, indexID(ns, name), ns.Database, ns.Collection, name, string(spec))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("index %q already exists on %s", name, ns)
	}
	return nil
}

func indexID(ns Namespace, name string) string {
	return strconv.FormatUint(xxh3.HashString(ns.String()+"#"+name), 16)
}
