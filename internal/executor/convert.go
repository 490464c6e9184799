package executor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"tenantstore/internal/firestore"
	"tenantstore/internal/store"
)

// jsValue converts stored and request values to shapes that map cleanly
// onto plain JavaScript values. Times become ISO strings.
func jsValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return firestore.FormatTime(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case store.Document:
		return jsValue(map[string]any(t))
	case map[string]any:
		if t == nil {
			return nil
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = jsValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = jsValue(e)
		}
		return out
	default:
		return v
	}
}

// docValue renders a stored document for task code, with its id under "id".
func docValue(doc store.Document) map[string]any {
	out := jsValue(map[string]any(doc)).(map[string]any)
	delete(out, store.IDField)
	out["id"] = doc.ID()
	return out
}

func docValues(docs []store.Document) []any {
	out := make([]any, len(docs))
	for i, d := range docs {
		out[i] = docValue(d)
	}
	return out
}

// exportObject returns v as a Go map. undefined and null give an empty map.
func exportObject(v goja.Value, what string) (map[string]any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return map[string]any{}, nil
	}
	m, ok := v.Export().(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object", what)
	}
	return m, nil
}

// errorMessage extracts the message of a thrown or rejected value.
func errorMessage(v goja.Value) string {
	if v == nil {
		return "unknown error"
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return v.String()
}

// formatArgs renders console arguments the way a console would.
func formatArgs(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		switch {
		case a == nil || goja.IsUndefined(a):
			parts[i] = "undefined"
		case goja.IsNull(a):
			parts[i] = "null"
		default:
			if _, isObj := a.(*goja.Object); isObj {
				if b, err := json.Marshal(a.Export()); err == nil {
					parts[i] = string(b)
					continue
				}
			}
			parts[i] = a.String()
		}
	}
	return strings.Join(parts, " ")
}
