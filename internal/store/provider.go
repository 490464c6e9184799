package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// DataBackendType identifies the database backend
type DataBackendType string

const (
	BackendSQLite DataBackendType = "sqlite"
	BackendTurso  DataBackendType = "turso"
	BackendMongo  DataBackendType = "mongo"
)

// DataBackend is a SQL database the document engine can run on.
type DataBackend interface {
	// Type returns the backend type
	Type() DataBackendType

	// Connect establishes a database connection
	Connect() (*sql.DB, error)

	// Description returns a human-readable description
	Description() string
}

// Config holds the storage configuration
type Config struct {
	Backend DataBackendType `json:"backend" mapstructure:"backend"`

	// SQLite-specific
	SQLitePath string `json:"sqlitePath,omitempty" mapstructure:"sqlite_path"` // e.g., "./tenantstore.db" or ":memory:"

	// Turso-specific
	TursoURL   string `json:"tursoUrl,omitempty" mapstructure:"turso_url"`     // e.g., "libsql://mydb.turso.io"
	TursoToken string `json:"tursoToken,omitempty" mapstructure:"turso_token"` // Auth token

	// MongoDB-specific
	MongoURI string `json:"mongoUri,omitempty" mapstructure:"mongo_uri"` // e.g., "mongodb://localhost:27017"
}

// Open connects the engine selected by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Engine, error) {
	if cfg.Backend == BackendMongo {
		return NewMongoEngine(ctx, cfg.MongoURI)
	}
	backend, err := NewDataBackend(cfg)
	if err != nil {
		return nil, err
	}
	return NewSQLEngine(backend)
}

// NewDataBackend creates a SQL DataBackend from Config
func NewDataBackend(cfg Config) (DataBackend, error) {
	switch cfg.Backend {
	case BackendSQLite:
		return &SQLiteBackend{Path: cfg.SQLitePath}, nil
	case BackendTurso:
		return &TursoBackend{URL: cfg.TursoURL, Token: cfg.TursoToken}, nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
}

// SQLiteBackend implements DataBackend for local SQLite
type SQLiteBackend struct {
	Path string // File path or ":memory:" for in-memory
}

func (b *SQLiteBackend) Type() DataBackendType {
	return BackendSQLite
}

func (b *SQLiteBackend) Connect() (*sql.DB, error) {
	path := b.Path
	if path == "" {
		path = "tenantstore.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if b.inMemory() {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

func (b *SQLiteBackend) inMemory() bool {
	return b.Path == ":memory:" || b.Path == "file::memory:"
}

func (b *SQLiteBackend) Description() string {
	if b.inMemory() {
		return "SQLite (in-memory)"
	}
	return fmt.Sprintf("SQLite (%s)", b.Path)
}

// TursoBackend implements DataBackend for Turso cloud database
type TursoBackend struct {
	URL   string // libsql://mydb.turso.io
	Token string // Auth token
}

func (b *TursoBackend) Type() DataBackendType {
	return BackendTurso
}

func (b *TursoBackend) Connect() (*sql.DB, error) {
	if b.URL == "" {
		return nil, fmt.Errorf("turso URL is required")
	}

	connStr := b.URL
	if b.Token != "" {
		connStr = b.URL + "?authToken=" + b.Token
	}

	return sql.Open("libsql", connStr)
}

func (b *TursoBackend) Description() string {
	return fmt.Sprintf("Turso (%s)", b.URL)
}

// SupportedBackends returns a list of all supported backend types
func SupportedBackends() []DataBackendType {
	return []DataBackendType{
		BackendSQLite,
		BackendTurso,
		BackendMongo,
	}
}
