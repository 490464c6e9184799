package security

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantstore/internal/apperr"
	"tenantstore/internal/models"
	"tenantstore/internal/store"
)

func setupLocalTestStore(t *testing.T) store.Engine {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{Backend: store.BackendSQLite, SQLitePath: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// flakyEngine fails index creation for selected names.
type flakyEngine struct {
	store.Engine
	failing map[string]bool
	created []string
}

func (f *flakyEngine) CreateIndex(ctx context.Context, ns store.Namespace, idx store.Index) error {
	if f.failing[idx.ResolvedName()] {
		return errors.New("index build failed")
	}
	f.created = append(f.created, idx.ResolvedName())
	return f.Engine.CreateIndex(ctx, ns, idx)
}

func TestEnsureDefaultsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := New(setupLocalTestStore(t))

	require.NoError(t, svc.EnsureDefaults(ctx, "acme", "posts"))
	meta, err := svc.Get(ctx, "acme", "posts")
	require.NoError(t, err)
	assert.Equal(t, "posts", meta.Collection)
	assert.Equal(t, DefaultRules(), meta.Rules)
	assert.Empty(t, meta.Indexes)

	custom := []models.Rule{{Match: "/{document=**}", Allow: []string{"read"}}}
	_, err = svc.Update(ctx, "acme", "posts", MetadataUpdate{Rules: &custom})
	require.NoError(t, err)

	// seeding again never overwrites
	require.NoError(t, svc.EnsureDefaults(ctx, "acme", "posts"))
	meta, err = svc.Get(ctx, "acme", "posts")
	require.NoError(t, err)
	assert.Equal(t, custom, meta.Rules)
}

func TestGetMissing(t *testing.T) {
	svc := New(setupLocalTestStore(t))
	_, err := svc.Get(context.Background(), "acme", "nothing")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestUpdatePartial(t *testing.T) {
	ctx := context.Background()
	svc := New(setupLocalTestStore(t))

	indexes := []models.IndexSpec{{Fields: []models.IndexField{{Field: "createdAt", Order: "DESCENDING"}}}}
	meta, err := svc.Update(ctx, "acme", "posts", MetadataUpdate{Indexes: &indexes})
	require.NoError(t, err)
	assert.Equal(t, DefaultRules(), meta.Rules, "rules untouched when only indexes are sent")
	assert.Equal(t, indexes, meta.Indexes)

	rules := []models.Rule{{Match: "/x", Allow: []string{"read", "write"}}}
	meta, err = svc.Update(ctx, "acme", "posts", MetadataUpdate{Rules: &rules})
	require.NoError(t, err)
	assert.Equal(t, rules, meta.Rules)
	assert.Equal(t, indexes, meta.Indexes, "indexes untouched when only rules are sent")
	assert.False(t, meta.CreatedAt.IsZero())
	assert.False(t, meta.UpdatedAt.Before(meta.CreatedAt))
}

func TestUpdateValidation(t *testing.T) {
	ctx := context.Background()
	svc := New(setupLocalTestStore(t))

	_, err := svc.Update(ctx, "acme", "posts", MetadataUpdate{})
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))

	bad := []models.Rule{{Match: "/x", Allow: []string{"admin"}}}
	_, err = svc.Update(ctx, "acme", "posts", MetadataUpdate{Rules: &bad})
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))

	badIdx := []models.IndexSpec{{Fields: []models.IndexField{{Field: "a", Order: "UP"}}}}
	_, err = svc.Update(ctx, "acme", "posts", MetadataUpdate{Indexes: &badIdx})
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}

func TestApplyIndexesBestEffort(t *testing.T) {
	ctx := context.Background()
	engine := &flakyEngine{Engine: setupLocalTestStore(t), failing: map[string]bool{"broken": true}}
	svc := New(engine)

	specs := []models.IndexSpec{
		{Fields: []models.IndexField{{Field: "a"}}, Options: models.IndexOptions{Name: "broken"}},
		{Fields: []models.IndexField{{Field: "b"}}},
		{Fields: []models.IndexField{{Field: "c", Order: "DESCENDING"}}, Options: models.IndexOptions{Unique: true}},
	}
	assert.Equal(t, 2, svc.ApplyIndexes(ctx, "acme", "posts", specs))
	assert.Equal(t, []string{"b_1", "c_-1"}, engine.created)

	// existing indexes are skipped by name
	assert.Equal(t, 0, svc.ApplyIndexes(ctx, "acme", "posts", specs))
	assert.Equal(t, []string{"b_1", "c_-1"}, engine.created)
}

func TestOnWrite(t *testing.T) {
	ctx := context.Background()
	engine := &flakyEngine{Engine: setupLocalTestStore(t)}
	svc := New(engine)

	svc.OnWrite(ctx, "acme", "posts")
	_, err := svc.Get(ctx, "acme", "posts")
	require.NoError(t, err)

	indexes := []models.IndexSpec{{Fields: []models.IndexField{{Field: "title"}}}}
	_, err = svc.Update(ctx, "acme", "posts", MetadataUpdate{Indexes: &indexes})
	require.NoError(t, err)
	svc.OnWrite(ctx, "acme", "posts")
	assert.Equal(t, []string{"title_1"}, engine.created)
}

func TestToIndex(t *testing.T) {
	idx := ToIndex(models.IndexSpec{
		Fields:  []models.IndexField{{Field: "a"}, {Field: "b", Order: "descending"}},
		Options: models.IndexOptions{Sparse: true},
	})
	assert.Equal(t, "a_1_b_-1", idx.ResolvedName())
	assert.True(t, idx.Sparse)
}

func TestCheckOwnership(t *testing.T) {
	owned := store.Document{"ownerId": "alice"}
	assert.NoError(t, CheckOwnership(owned, "alice"))

	err := CheckOwnership(owned, "bob")
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.PermissionDenied, e.Kind)
	assert.Equal(t, "alice", e.Details["requiredOwner"])
	assert.Equal(t, "bob", e.Details["currentUser"])

	assert.NoError(t, CheckOwnership(store.Document{"title": "legacy"}, "bob"))
}

func TestStripProtected(t *testing.T) {
	in := map[string]any{"id": 1, "_id": 2, "ownerId": "x", "createTime": "t", "updateTime": "u", "title": "keep"}
	out := StripProtected(in)
	assert.Equal(t, map[string]any{"title": "keep"}, out)
	assert.Len(t, in, 6, "input is not modified")
}
