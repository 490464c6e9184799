package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func mustWhere(t *testing.T, field string, op Op, value any) *Filter {
	t.Helper()
	f, err := Where(field, op, value)
	require.NoError(t, err)
	return f
}

func TestFilterMatch(t *testing.T) {
	doc := Document{
		IDField:  "d1",
		"name":   "Sensor Alpha",
		"count":  int64(10),
		"ratio":  0.5,
		"active": true,
		"tags":   []any{"iot", "edge"},
		"when":   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		"meta":   map[string]any{"site": "berlin"},
	}

	tests := []struct {
		name  string
		field string
		op    Op
		value any
		want  bool
	}{
		{"eq string", "name", Eq, "Sensor Alpha", true},
		{"eq int vs float", "count", Eq, 10.0, true},
		{"eq json number", "count", Eq, json.Number("10"), true},
		{"eq missing nil", "absent", Eq, nil, true},
		{"ne", "name", Ne, "other", true},
		{"ne missing", "absent", Ne, "x", true},
		{"lt", "count", Lt, 11, true},
		{"lte equal", "count", Lte, 10, true},
		{"gt false", "count", Gt, 10, false},
		{"gte float", "ratio", Gte, 0.5, true},
		{"gt mixed kinds", "name", Gt, 5, false},
		{"gt missing", "absent", Gt, 0, false},
		{"time compare", "when", Lt, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), true},
		{"in", "name", In, []any{"x", "Sensor Alpha"}, true},
		{"in miss", "name", In, []any{"x"}, false},
		{"not in", "count", NotIn, []any{int64(1), int64(2)}, true},
		{"array contains", "tags", ArrayContains, "edge", true},
		{"array contains non array", "name", ArrayContains, "S", false},
		{"matches substring case insensitive", "name", Matches, "alpha", true},
		{"matches pattern", "name", Matches, "^sensor\\s", true},
		{"matches non string", "count", Matches, "1", false},
		{"dotted path", "meta.site", Eq, "berlin", true},
		{"bool", "active", Eq, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := mustWhere(t, tt.field, tt.op, tt.value)
			assert.Equal(t, tt.want, f.Match(doc))
		})
	}
}

func TestWhereValidation(t *testing.T) {
	_, err := Where("", Eq, 1)
	assert.Error(t, err)

	_, err = Where("a", In, "not-an-array")
	assert.Error(t, err)

	_, err = Where("a", Matches, 5)
	assert.Error(t, err)

	_, err = Where("a", Matches, "(")
	assert.Error(t, err)

	_, err = Where("a", Op("UNSUPPORTED"), 1)
	assert.Error(t, err)
}

func TestAnd(t *testing.T) {
	doc := Document{"a": int64(1), "b": "x"}
	f := And(mustWhere(t, "a", Eq, 1), And(mustWhere(t, "b", Eq, "x"), nil))
	assert.True(t, f.Match(doc))
	assert.Len(t, f.Children(), 2)

	f = And(mustWhere(t, "a", Eq, 1), mustWhere(t, "b", Eq, "y"))
	assert.False(t, f.Match(doc))

	var none *Filter
	assert.True(t, none.Match(doc))
	assert.True(t, And().Match(doc))
}

func TestFilterBSON(t *testing.T) {
	f := And(
		mustWhere(t, "sourceId", Eq, 12345),
		mustWhere(t, "name", Matches, "alp"),
	)
	got := f.BSON()
	require.Len(t, got, 1)
	assert.Equal(t, "$and", got[0].Key)

	parts := got[0].Value.(bson.A)
	require.Len(t, parts, 2)
	assert.Equal(t, bson.D{{Key: "sourceId", Value: bson.D{{Key: "$eq", Value: int64(12345)}}}}, parts[0])
	assert.Equal(t, bson.D{{Key: "name", Value: primitive.Regex{Pattern: "alp", Options: "i"}}}, parts[1])

	var none *Filter
	assert.Equal(t, bson.D{}, none.BSON())
}

func TestQueryApply(t *testing.T) {
	docs := []Document{
		{IDField: "a", "n": int64(3)},
		{IDField: "b", "n": nil},
		{IDField: "c", "n": int64(1)},
		{IDField: "d"},
		{IDField: "e", "n": "text"},
		{IDField: "f", "n": int64(3)},
	}

	t.Run("ascending puts nulls first", func(t *testing.T) {
		out := Query{Sort: []Sort{{Field: "n"}}}.Apply(docs)
		ids := make([]string, len(out))
		for i, d := range out {
			ids[i] = d.ID()
		}
		assert.Equal(t, []string{"b", "d", "c", "a", "f", "e"}, ids)
	})

	t.Run("descending with limit", func(t *testing.T) {
		out := Query{Sort: []Sort{{Field: "n", Desc: true}}, Limit: 2}.Apply(docs)
		require.Len(t, out, 2)
		assert.Equal(t, "e", out[0].ID())
		assert.Equal(t, "a", out[1].ID())
	})

	t.Run("limit without sort keeps order", func(t *testing.T) {
		out := Query{Limit: 3}.Apply(docs)
		require.Len(t, out, 3)
		assert.Equal(t, "a", out[0].ID())
	})
}

func TestNormalize(t *testing.T) {
	got, err := Normalize(map[string]any{
		"i":   7,
		"u":   uint32(8),
		"f32": float32(1.5),
		"n":   json.Number("9007199254740993"),
		"d":   json.Number("2.25"),
		"arr": primitive.A{int32(1), "x"},
		"doc": primitive.D{{Key: "k", Value: primitive.NewDateTimeFromTime(time.UnixMilli(1000))}},
		"ss":  []string{"a"},
	})
	require.NoError(t, err)

	m := got.(map[string]any)
	assert.Equal(t, int64(7), m["i"])
	assert.Equal(t, int64(8), m["u"])
	assert.Equal(t, 1.5, m["f32"])
	assert.Equal(t, int64(9007199254740993), m["n"])
	assert.Equal(t, 2.25, m["d"])
	assert.Equal(t, []any{int64(1), "x"}, m["arr"])
	assert.Equal(t, time.UnixMilli(1000).UTC(), m["doc"].(map[string]any)["k"])
	assert.Equal(t, []any{"a"}, m["ss"])

	_, err = Normalize(struct{}{})
	assert.Error(t, err)
}

func TestGeneratedIDs(t *testing.T) {
	id := NewID()
	assert.Len(t, id, 24)
	assert.True(t, IsGeneratedID(id))
	assert.False(t, IsGeneratedID("custom-id"))
	assert.NotEqual(t, id, NewID())
}

func TestIndexNames(t *testing.T) {
	idx := Index{Keys: []IndexKey{{Field: "a"}, {Field: "b", Desc: true}}}
	assert.Equal(t, "a_1_b_-1", idx.ResolvedName())
	idx.Name = "custom"
	assert.Equal(t, "custom", idx.ResolvedName())
}
