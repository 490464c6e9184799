package documents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantstore/internal/apperr"
	"tenantstore/internal/firestore"
	"tenantstore/internal/models"
	"tenantstore/internal/security"
	"tenantstore/internal/store"
)

type projectSet map[string]bool

func (p projectSet) Exists(_ context.Context, name string) (bool, error) {
	return p[name], nil
}

var (
	alice = models.Principal{UserID: "alice", ProjectID: "1", ProjectName: "acme"}
	bob   = models.Principal{UserID: "bob", ProjectID: "1", ProjectName: "acme"}
)

func setup(t *testing.T, opts ...Option) (*Service, store.Engine) {
	t.Helper()
	engine, err := store.Open(context.Background(), store.Config{Backend: store.BackendSQLite, SQLitePath: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	projects := projectSet{"acme": true, "public": true, "other": true}
	return New(engine, security.New(engine), projects, opts...), engine
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	svc, _ := setup(t)

	doc, err := svc.Create(ctx, alice, "acme", "posts", map[string]any{
		"title":   "hello",
		"ownerId": "mallory",
		"id":      "forced",
	})
	require.NoError(t, err)

	assert.True(t, store.IsGeneratedID(doc.ID()))
	assert.Equal(t, "alice", doc["ownerId"], "owner is always the creator")
	assert.Equal(t, "hello", doc["title"])
	assert.NotContains(t, doc, "id")
	assert.Equal(t, doc["createTime"], doc["updateTime"])

	got, err := svc.Get(ctx, "acme", "posts", doc.ID())
	require.NoError(t, err)
	assert.Equal(t, "hello", got["title"])
	assert.Equal(t, "alice", got["ownerId"])

	// metadata is seeded by the first write
	meta, err := svc.GetMetadata(ctx, "acme", "posts")
	require.NoError(t, err)
	assert.Equal(t, security.DefaultRules(), meta.Rules)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := setup(t)

	for _, name := range []string{"userProfiles", "Users", "CamelCase", "", "_metadata"} {
		_, err := svc.Create(ctx, alice, "acme", name, map[string]any{})
		e, ok := apperr.As(err)
		require.True(t, ok, name)
		assert.Equal(t, "InvalidCollectionName", e.Code, name)
	}

	_, err := svc.Create(ctx, alice, "acme", "posts", map[string]any{"bad": struct{}{}})
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}

func TestCreateScope(t *testing.T) {
	ctx := context.Background()
	svc, engine := setup(t)

	_, err := svc.Create(ctx, alice, "public", "notes", map[string]any{"a": 1})
	assert.NoError(t, err, "public project is open to everyone")

	_, err = svc.Create(ctx, alice, "other", "notes", map[string]any{"a": 1})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.PermissionDenied, e.Kind)
	assert.Equal(t, "other", e.Details["project"])

	// an existing collection of another project accepts writes
	require.NoError(t, engine.Insert(ctx, store.Namespace{Database: "other", Collection: "inbox"}, store.Document{"_id": "seed"}))
	_, err = svc.Create(ctx, alice, "other", "inbox", map[string]any{"a": 1})
	assert.NoError(t, err)

	_, err = svc.Create(ctx, alice, "other", "fresh", map[string]any{"a": 1})
	assert.Equal(t, apperr.PermissionDenied, apperr.KindOf(err))
}

func TestCreateIDCollisions(t *testing.T) {
	ctx := context.Background()

	ids := []string{"taken", "taken", "fresh"}
	svc, engine := setup(t, WithIDGenerator(func() string {
		id := ids[0]
		if len(ids) > 1 {
			ids = ids[1:]
		}
		return id
	}))
	require.NoError(t, engine.Insert(ctx, store.Namespace{Database: "acme", Collection: "posts"}, store.Document{"_id": "taken"}))

	doc, err := svc.Create(ctx, alice, "acme", "posts", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "fresh", doc.ID())

	stuck, engine2 := setup(t, WithIDGenerator(func() string { return "taken" }))
	require.NoError(t, engine2.Insert(ctx, store.Namespace{Database: "acme", Collection: "posts"}, store.Document{"_id": "taken"}))
	_, err = stuck.Create(ctx, alice, "acme", "posts", map[string]any{})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Internal, e.Kind)
	assert.Equal(t, "IdGenerationFailed", e.Code)
}

func TestUpdateMergesAndEnforcesOwner(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc, _ := setup(t, WithClock(func() time.Time { return now }))

	doc, err := svc.Create(ctx, alice, "acme", "posts", map[string]any{"title": "a", "body": "b"})
	require.NoError(t, err)

	now = now.Add(time.Hour)
	updated, err := svc.Update(ctx, alice, "acme", "posts", doc.ID(), map[string]any{
		"title":      "a2",
		"ownerId":    "bob",
		"createTime": "never",
	})
	require.NoError(t, err)
	assert.Equal(t, "a2", updated["title"])
	assert.Equal(t, "b", updated["body"], "absent fields are kept")
	assert.Equal(t, "alice", updated["ownerId"])
	assert.Equal(t, doc["createTime"], updated["createTime"])
	assert.Equal(t, now, updated["updateTime"])

	_, err = svc.Update(ctx, bob, "acme", "posts", doc.ID(), map[string]any{"title": "hijack"})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.PermissionDenied, e.Kind)
	assert.Equal(t, "alice", e.Details["requiredOwner"])
	assert.Equal(t, "bob", e.Details["currentUser"])

	_, err = svc.Update(ctx, alice, "acme", "posts", "missing", map[string]any{})
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestLegacyDocuments(t *testing.T) {
	ctx := context.Background()
	svc, engine := setup(t)
	require.NoError(t, engine.Insert(ctx, store.Namespace{Database: "acme", Collection: "posts"},
		store.Document{"_id": "legacy", "title": "old"}))

	doc, err := svc.Update(ctx, bob, "acme", "posts", "legacy", map[string]any{"title": "new"})
	require.NoError(t, err)
	assert.Equal(t, "new", doc["title"])
	assert.NotContains(t, doc, "ownerId", "ownership is not assigned retroactively")

	doc, err = svc.Set(ctx, alice, "acme", "posts", "legacy", map[string]any{"title": "set"})
	require.NoError(t, err)
	assert.NotContains(t, doc, "ownerId")

	id, err := svc.Delete(ctx, bob, "acme", "posts", "legacy")
	require.NoError(t, err)
	assert.Equal(t, "legacy", id)
}

func TestSet(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc, _ := setup(t, WithClock(func() time.Time { return now }))

	doc, err := svc.Set(ctx, alice, "acme", "posts", "custom-id_1", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, "custom-id_1", doc.ID())
	assert.Equal(t, "alice", doc["ownerId"])
	created := doc["createTime"]

	now = now.Add(time.Minute)
	doc, err = svc.Set(ctx, alice, "acme", "posts", "custom-id_1", map[string]any{"a": 3})
	require.NoError(t, err)
	assert.Equal(t, int64(3), doc["a"])
	assert.NotContains(t, doc, "b", "set replaces fields")
	assert.Equal(t, created, doc["createTime"])
	assert.Equal(t, "alice", doc["ownerId"])
	assert.Equal(t, now, doc["updateTime"])

	_, err = svc.Set(ctx, bob, "acme", "posts", "custom-id_1", map[string]any{"a": 4})
	assert.Equal(t, apperr.PermissionDenied, apperr.KindOf(err))

	_, err = svc.Set(ctx, alice, "acme", "posts", "bad id!", map[string]any{})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "InvalidDocumentId", e.Code)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	svc, _ := setup(t)

	doc, err := svc.Create(ctx, alice, "acme", "posts", map[string]any{"x": true})
	require.NoError(t, err)

	_, err = svc.Delete(ctx, bob, "acme", "posts", doc.ID())
	assert.Equal(t, apperr.PermissionDenied, apperr.KindOf(err))

	id, err := svc.Delete(ctx, alice, "acme", "posts", doc.ID())
	require.NoError(t, err)
	assert.Equal(t, doc.ID(), id)

	_, err = svc.Delete(ctx, alice, "acme", "posts", doc.ID())
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestProjectMustExist(t *testing.T) {
	ctx := context.Background()
	svc, _ := setup(t)

	_, err := svc.Get(ctx, "ghost", "posts", "x")
	assert.Equal(t, apperr.ProjectNotFound, apperr.KindOf(err))
	_, err = svc.List(ctx, "ghost", "posts")
	assert.Equal(t, apperr.ProjectNotFound, apperr.KindOf(err))
	_, err = svc.GetMetadata(ctx, "ghost", "posts")
	assert.Equal(t, apperr.ProjectNotFound, apperr.KindOf(err))
}

func TestListAndQuery(t *testing.T) {
	ctx := context.Background()
	svc, _ := setup(t)

	rows := []map[string]any{
		{"sourceId": "12345", "timestamp": int64(1)},
		{"sourceId": "12345", "timestamp": int64(4)},
		{"sourceId": "99999", "timestamp": int64(9)},
		{"sourceId": "12345", "timestamp": int64(3)},
	}
	for _, r := range rows {
		_, err := svc.Create(ctx, alice, "acme", "events", r)
		require.NoError(t, err)
	}

	all, err := svc.List(ctx, "acme", "events")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	q, err := firestore.ParseRunQuery(map[string]any{
		"structuredQuery": map[string]any{
			"from": []any{map[string]any{"collectionId": "events"}},
			"where": map[string]any{"fieldFilter": map[string]any{
				"field": map[string]any{"fieldPath": "sourceId"},
				"op":    "EQUAL",
				"value": map[string]any{"stringValue": "12345"},
			}},
			"orderBy": []any{map[string]any{"field": map[string]any{"fieldPath": "timestamp"}, "direction": "DESCENDING"}},
			"limit":   2,
		},
	})
	require.NoError(t, err)
	docs, err := svc.Query(ctx, "acme", q)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, int64(4), docs[0]["timestamp"])
	assert.Equal(t, int64(3), docs[1]["timestamp"])
}

func TestHooks(t *testing.T) {
	ctx := context.Background()
	svc, _ := setup(t)

	var events []Event
	svc.OnWrite(func(_ context.Context, ev Event) { events = append(events, ev) })

	doc, err := svc.Create(ctx, alice, "acme", "posts", map[string]any{})
	require.NoError(t, err)
	_, err = svc.Update(ctx, alice, "acme", "posts", doc.ID(), map[string]any{"a": 1})
	require.NoError(t, err)
	_, err = svc.Set(ctx, alice, "acme", "posts", "named", map[string]any{})
	require.NoError(t, err)
	_, err = svc.Delete(ctx, alice, "acme", "posts", doc.ID())
	require.NoError(t, err)

	// failed writes emit nothing
	_, _ = svc.Update(ctx, bob, "acme", "posts", "named", map[string]any{})

	require.Len(t, events, 4)
	assert.Equal(t, []string{EventCreate, EventUpdate, EventCreate, EventDelete},
		[]string{events[0].Type, events[1].Type, events[2].Type, events[3].Type})
	assert.Equal(t, doc.ID(), events[3].DocumentID)
	assert.Nil(t, events[3].Document)
}

func TestUpdateMetadata(t *testing.T) {
	ctx := context.Background()
	svc, _ := setup(t)

	rules := []models.Rule{{Match: "/{document=**}", Allow: []string{"read"}}}
	meta, err := svc.UpdateMetadata(ctx, "acme", "posts", security.MetadataUpdate{Rules: &rules})
	require.NoError(t, err)
	assert.Equal(t, rules, meta.Rules)

	_, err = svc.UpdateMetadata(ctx, "acme", "Bad", security.MetadataUpdate{Rules: &rules})
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}
