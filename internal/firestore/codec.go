// Package firestore translates between the Firestore REST wire shapes and
// stored documents: typed values, identifiers and structured queries.
package firestore

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"tenantstore/internal/apperr"
	"tenantstore/internal/store"
)

// System fields kept on every stored document.
const (
	FieldOwnerID    = "ownerId"
	FieldCreateTime = "createTime"
	FieldUpdateTime = "updateTime"
)

// DefaultDatabase is the only database id accepted in paths.
const DefaultDatabase = "(default)"

// TimestampLayout is used for createTime, updateTime and timestampValue.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Document is the wire form of a stored document.
type Document struct {
	Name       string         `json:"name"`
	Fields     map[string]any `json:"fields"`
	CreateTime string         `json:"createTime,omitempty"`
	UpdateTime string         `json:"updateTime,omitempty"`
}

// Decode converts a wire "fields" mapping to native values.
func Decode(fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		nv, err := DecodeValue(v)
		if err != nil {
			return nil, apperr.New(apperr.InvalidArgument, "Invalid value for field %q", k).
				WithCode("InvalidFieldValue").
				WithSuggestion(err.Error())
		}
		out[k] = nv
	}
	return out, nil
}

// DecodeValue converts one typed value. Values without a known
// discriminator are returned unchanged.
func DecodeValue(v any) (any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return v, nil
	}

	if raw, ok := m["stringValue"]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("stringValue must be a string")
		}
		return s, nil
	}
	if raw, ok := m["integerValue"]; ok {
		return parseInteger(raw)
	}
	if raw, ok := m["doubleValue"]; ok {
		return parseDouble(raw)
	}
	if raw, ok := m["booleanValue"]; ok {
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("booleanValue must be a boolean")
		}
		return b, nil
	}
	if _, ok := m["nullValue"]; ok {
		return nil, nil
	}
	if raw, ok := m["timestampValue"]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("timestampValue must be a string")
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("invalid timestampValue %q", s)
		}
		return t.UTC().Truncate(time.Millisecond), nil
	}
	if raw, ok := m["arrayValue"]; ok {
		return decodeArray(raw)
	}
	if raw, ok := m["mapValue"]; ok {
		mv, _ := raw.(map[string]any)
		inner, _ := mv["fields"].(map[string]any)
		out := make(map[string]any, len(inner))
		for k, e := range inner {
			d, err := DecodeValue(e)
			if err != nil {
				return nil, err
			}
			out[k] = d
		}
		return out, nil
	}
	return v, nil
}

func decodeArray(raw any) ([]any, error) {
	av, _ := raw.(map[string]any)
	values, _ := av["values"].([]any)
	out := make([]any, 0, len(values))
	for _, e := range values {
		d, err := DecodeValue(e)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func parseInteger(raw any) (int64, error) {
	switch t := raw.(type) {
	case string:
		i, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integerValue %q", t)
		}
		return i, nil
	case json.Number:
		i, err := strconv.ParseInt(t.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integerValue %s", t)
		}
		return i, nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("invalid integerValue %v", t)
		}
		return int64(t), nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	}
	return 0, fmt.Errorf("invalid integerValue %v", raw)
}

func parseDouble(raw any) (float64, error) {
	switch t := raw.(type) {
	case float64:
		return t, nil
	case json.Number:
		return t.Float64()
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case string:
		switch t {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid doubleValue %q", t)
		}
		return f, nil
	}
	return 0, fmt.Errorf("invalid doubleValue %v", raw)
}

// EncodeValue converts a native value to its typed wire form.
func EncodeValue(v any) map[string]any {
	switch t := v.(type) {
	case nil:
		return map[string]any{"nullValue": nil}
	case bool:
		return map[string]any{"booleanValue": t}
	case string:
		return map[string]any{"stringValue": t}
	case int64:
		return map[string]any{"integerValue": strconv.FormatInt(t, 10)}
	case int:
		return map[string]any{"integerValue": strconv.Itoa(t)}
	case int32:
		return map[string]any{"integerValue": strconv.FormatInt(int64(t), 10)}
	case float64:
		return encodeNumber(t)
	case float32:
		return encodeNumber(float64(t))
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return map[string]any{"integerValue": strconv.FormatInt(i, 10)}
		}
		f, _ := t.Float64()
		return encodeNumber(f)
	case time.Time:
		return map[string]any{"timestampValue": FormatTime(t)}
	case []any:
		values := make([]any, len(t))
		for i, e := range t {
			values[i] = EncodeValue(e)
		}
		return map[string]any{"arrayValue": map[string]any{"values": values}}
	case map[string]any:
		return map[string]any{"mapValue": map[string]any{"fields": EncodeFields(t)}}
	case store.Document:
		return EncodeValue(map[string]any(t))
	default:
		return map[string]any{"stringValue": fmt.Sprint(t)}
	}
}

func encodeNumber(f float64) map[string]any {
	switch {
	case math.IsNaN(f):
		return map[string]any{"doubleValue": "NaN"}
	case math.IsInf(f, 1):
		return map[string]any{"doubleValue": "Infinity"}
	case math.IsInf(f, -1):
		return map[string]any{"doubleValue": "-Infinity"}
	case f == math.Trunc(f) && math.Abs(f) < 1<<63:
		return map[string]any{"integerValue": strconv.FormatInt(int64(f), 10)}
	default:
		return map[string]any{"doubleValue": f}
	}
}

// EncodeFields encodes every entry of m.
func EncodeFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = EncodeValue(v)
	}
	return out
}

// FormatTime renders t in UTC with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// DocumentName is the resource name of a document.
func DocumentName(project, collection, id string) string {
	return fmt.Sprintf("projects/%s/databases/%s/documents/%s/%s", project, DefaultDatabase, collection, id)
}

// EncodeDocument builds the wire form of doc. The identifier becomes the
// name and the timestamps move to the top level; ownerId stays a field.
func EncodeDocument(project, collection string, doc store.Document) Document {
	fields := make(map[string]any, len(doc))
	for k, v := range doc {
		switch k {
		case store.IDField, FieldCreateTime, FieldUpdateTime:
			continue
		}
		fields[k] = EncodeValue(v)
	}
	out := Document{
		Name:   DocumentName(project, collection, doc.ID()),
		Fields: fields,
	}
	if t, ok := doc[FieldCreateTime].(time.Time); ok {
		out.CreateTime = FormatTime(t)
	}
	if t, ok := doc[FieldUpdateTime].(time.Time); ok {
		out.UpdateTime = FormatTime(t)
	}
	return out
}

// EncodeDocuments encodes docs in order.
func EncodeDocuments(project, collection string, docs []store.Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		out = append(out, EncodeDocument(project, collection, d))
	}
	return out
}
