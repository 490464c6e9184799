package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a test store using the Turso dev database.
// Use this for integration tests that need to test against the actual Turso backend.
func setupTestStore(t *testing.T) (Engine, func()) {
	t.Helper()

	dbURL := os.Getenv("TURSO_DATABASE_URL")
	authToken := os.Getenv("TURSO_AUTH_TOKEN")
	if dbURL == "" || authToken == "" {
		t.Skip("TURSO_DATABASE_URL and TURSO_AUTH_TOKEN not set, skipping test")
	}

	s, err := Open(context.Background(), Config{
		Backend:    BackendTurso,
		TursoURL:   dbURL,
		TursoToken: authToken,
	})
	require.NoError(t, err)

	cleanup := func() {
		s.(*SQLStore).db.Exec("DELETE FROM documents WHERE db_name LIKE 'test_%'")
		s.(*SQLStore).db.Exec("DELETE FROM indexes WHERE db_name LIKE 'test_%'")
		s.Close()
	}
	return s, cleanup
}

// setupMongoTestStore connects to MONGODB_URI.
func setupMongoTestStore(t *testing.T) (Engine, func()) {
	t.Helper()

	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set, skipping test")
	}

	s, err := Open(context.Background(), Config{Backend: BackendMongo, MongoURI: uri})
	require.NoError(t, err)

	cleanup := func() {
		ms := s.(*MongoStore)
		ms.client.Database("test_store").Drop(context.Background())
		s.Close()
	}
	return s, cleanup
}

// setupLocalTestStore creates a test store using local in-memory SQLite.
// Use this for fast unit tests that don't need network access.
func setupLocalTestStore(t *testing.T) (Engine, func()) {
	t.Helper()

	s, err := Open(context.Background(), Config{
		Backend:    BackendSQLite,
		SQLitePath: ":memory:",
	})
	require.NoError(t, err)

	return s, func() { s.Close() }
}

var testNS = Namespace{Database: "test_store", Collection: "events"}

// runEngineSuite exercises the Engine contract against one backend.
func runEngineSuite(t *testing.T, s Engine) {
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 12, 30, 0, 123456789, time.UTC)

	t.Run("insert and get", func(t *testing.T) {
		doc := Document{
			IDField:    "evt_1",
			"sourceId": int64(12345),
			"score":    1.5,
			"title":    "first",
			"tags":     []any{"a", "b"},
			"empty":    []any{},
			"meta":     map[string]any{"nested": map[string]any{"ok": true}},
			"when":     created,
			"nothing":  nil,
		}
		require.NoError(t, s.Insert(ctx, testNS, doc))

		got, err := s.Get(ctx, testNS, "evt_1")
		require.NoError(t, err)
		assert.Equal(t, "evt_1", got.ID())
		assert.Equal(t, int64(12345), got["sourceId"])
		assert.Equal(t, 1.5, got["score"])
		assert.Equal(t, []any{"a", "b"}, got["tags"])
		assert.Equal(t, []any{}, got["empty"])
		assert.Equal(t, map[string]any{"nested": map[string]any{"ok": true}}, got["meta"])
		assert.True(t, created.Truncate(time.Millisecond).Equal(got["when"].(time.Time)))
		assert.Contains(t, got, "nothing")
		assert.Nil(t, got["nothing"])
	})

	t.Run("insert duplicate", func(t *testing.T) {
		err := s.Insert(ctx, testNS, Document{IDField: "evt_1", "title": "again"})
		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := s.Get(ctx, testNS, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("exists", func(t *testing.T) {
		ok, err := s.Exists(ctx, testNS, "evt_1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Exists(ctx, testNS, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("replace upserts", func(t *testing.T) {
		require.NoError(t, s.Replace(ctx, testNS, Document{IDField: "evt_2", "title": "second"}))
		require.NoError(t, s.Replace(ctx, testNS, Document{IDField: "evt_2", "title": "second v2"}))

		got, err := s.Get(ctx, testNS, "evt_2")
		require.NoError(t, err)
		assert.Equal(t, "second v2", got["title"])
	})

	t.Run("namespaces", func(t *testing.T) {
		ok, err := s.HasDatabase(ctx, testNS.Database)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.HasCollection(ctx, testNS)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.HasCollection(ctx, Namespace{Database: testNS.Database, Collection: "nope"})
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Get(ctx, Namespace{Database: "test_other", Collection: "events"}, "evt_1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("find", func(t *testing.T) {
		ns := Namespace{Database: testNS.Database, Collection: "readings"}
		seed := []Document{
			{IDField: "r1", "sourceId": int64(12345), "timestamp": int64(100)},
			{IDField: "r2", "sourceId": int64(12345), "timestamp": int64(300)},
			{IDField: "r3", "sourceId": int64(99999), "timestamp": int64(400)},
			{IDField: "r4", "sourceId": int64(12345), "timestamp": int64(200)},
		}
		for _, d := range seed {
			require.NoError(t, s.Insert(ctx, ns, d))
		}

		f, err := Where("sourceId", Eq, 12345)
		require.NoError(t, err)

		all, err := s.Find(ctx, ns, Query{Filter: f})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		top, err := s.Find(ctx, ns, Query{
			Filter: f,
			Sort:   []Sort{{Field: "timestamp", Desc: true}},
			Limit:  2,
		})
		require.NoError(t, err)
		require.Len(t, top, 2)
		assert.Equal(t, "r2", top[0].ID())
		assert.Equal(t, "r4", top[1].ID())
	})

	t.Run("indexes", func(t *testing.T) {
		idx := Index{Keys: []IndexKey{{Field: "sourceId"}, {Field: "timestamp", Desc: true}}}
		require.NoError(t, s.CreateIndex(ctx, testNS, idx))

		names, err := s.IndexNames(ctx, testNS)
		require.NoError(t, err)
		assert.Contains(t, names, "sourceId_1_timestamp_-1")
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, testNS, "evt_2"))
		assert.ErrorIs(t, s.Delete(ctx, testNS, "evt_2"), ErrNotFound)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(ctx))
		assert.NotEmpty(t, s.Description())
	})
}

// TestLocalSQLite verifies that the local SQLite backend works
func TestLocalSQLite(t *testing.T) {
	s, cleanup := setupLocalTestStore(t)
	defer cleanup()

	runEngineSuite(t, s)
}

func TestTurso(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	runEngineSuite(t, s)
}

func TestMongo(t *testing.T) {
	s, cleanup := setupMongoTestStore(t)
	defer cleanup()

	runEngineSuite(t, s)
}

func TestNewInvalidBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "invalid"})
	assert.Error(t, err)
}

func TestNewTursoMissingURL(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: BackendTurso})
	assert.Error(t, err)
}

func TestNewMongoMissingURI(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: BackendMongo})
	assert.Error(t, err)
}

func TestSQLiteDuplicateIndex(t *testing.T) {
	s, cleanup := setupLocalTestStore(t)
	defer cleanup()

	ctx := context.Background()
	idx := Index{Name: "by_owner", Keys: []IndexKey{{Field: "ownerId"}}}
	require.NoError(t, s.CreateIndex(ctx, testNS, idx))
	assert.Error(t, s.CreateIndex(ctx, testNS, idx))
	assert.Error(t, s.CreateIndex(ctx, testNS, Index{Name: "empty"}))
}

func TestDescription(t *testing.T) {
	assert.Equal(t, "SQLite (in-memory)", (&SQLiteBackend{Path: ":memory:"}).Description())
	assert.Equal(t, "SQLite (data.db)", (&SQLiteBackend{Path: "data.db"}).Description())
	assert.Equal(t, "Turso (libsql://x.turso.io)", (&TursoBackend{URL: "libsql://x.turso.io"}).Description())
	assert.Len(t, SupportedBackends(), 3)
}
