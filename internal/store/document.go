package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// IDField is the key under which a document's identifier is stored.
const IDField = "_id"

var (
	ErrNotFound  = errors.New("document not found")
	ErrDuplicate = errors.New("document already exists")
)

// Namespace addresses one collection inside one database.
type Namespace struct {
	Database   string
	Collection string
}

func (ns Namespace) String() string {
	return ns.Database + "/" + ns.Collection
}

// Document is a stored record. Values are always normalized (see Normalize).
type Document map[string]any

// ID returns the stored identifier, or "" when unset.
func (d Document) ID() string {
	id, _ := d[IDField].(string)
	return id
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return Document(cloneMap(d))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// NormalizeDocument returns a copy of fields with every value normalized.
func NormalizeDocument(fields map[string]any) (Document, error) {
	out := make(Document, len(fields))
	for k, v := range fields {
		nv, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// Normalize converts v to the canonical in-memory representation: string,
// int64, float64, bool, nil, time.Time (UTC, millisecond precision), []any
// or map[string]any. It accepts the shapes produced by encoding/json, the
// BSON decoder and script runtimes.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string, bool, int64, float64:
		return t, nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint:
		if uint64(t) > math.MaxInt64 {
			return float64(t), nil
		}
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return float64(t), nil
		}
		return int64(t), nil
	case float32:
		return float64(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.String())
		}
		return f, nil
	case time.Time:
		return t.UTC().Truncate(time.Millisecond), nil
	case primitive.DateTime:
		return t.Time().UTC(), nil
	case primitive.ObjectID:
		return t.Hex(), nil
	case map[string]any:
		return normalizeMap(t)
	case primitive.M:
		return normalizeMap(t)
	case primitive.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = e.Value
		}
		return normalizeMap(m)
	case []any:
		return normalizeSlice(t)
	case primitive.A:
		return normalizeSlice(t)
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			nm, err := normalizeMap(m)
			if err != nil {
				return nil, err
			}
			out[i] = nm
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func normalizeMap(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		nv, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeSlice(s []any) ([]any, error) {
	out := make([]any, len(s))
	for i, v := range s {
		nv, err := Normalize(v)
		if err != nil {
			return nil, err
		}
		out[i] = nv
	}
	return out, nil
}

// marshalDocument encodes a document for the SQL engines' data column.
func marshalDocument(doc Document) ([]byte, error) {
	return bson.Marshal(map[string]any(doc))
}

func unmarshalDocument(data []byte) (Document, error) {
	var raw bson.M
	if err := bson.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	m, err := normalizeMap(raw)
	if err != nil {
		return nil, err
	}
	return Document(m), nil
}

// NewID returns a generated document identifier.
func NewID() string {
	return primitive.NewObjectID().Hex()
}

// IsGeneratedID reports whether id has the shape of a generated identifier.
func IsGeneratedID(id string) bool {
	return primitive.IsValidObjectID(id)
}

// FromStruct converts a JSON-tagged struct into a document.
func FromStruct(v any) (Document, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return NormalizeDocument(m)
}

// ToStruct decodes doc into the JSON-tagged struct pointed to by v.
func ToStruct(doc Document, v any) error {
	b, err := json.Marshal(map[string]any(doc))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
