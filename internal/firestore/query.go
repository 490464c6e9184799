package firestore

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"tenantstore/internal/apperr"
	"tenantstore/internal/store"
)

var operators = map[string]store.Op{
	"EQUAL":                 store.Eq,
	"NOT_EQUAL":             store.Ne,
	"LESS_THAN":             store.Lt,
	"LESS_THAN_OR_EQUAL":    store.Lte,
	"GREATER_THAN":          store.Gt,
	"GREATER_THAN_OR_EQUAL": store.Gte,
	"IN":                    store.In,
	"NOT_IN":                store.NotIn,
	"ARRAY_CONTAINS":        store.ArrayContains,
	"MATCHES":               store.Matches,
}

const supportedOperators = "EQUAL, NOT_EQUAL, LESS_THAN, LESS_THAN_OR_EQUAL, GREATER_THAN, GREATER_THAN_OR_EQUAL, IN, NOT_IN, ARRAY_CONTAINS, MATCHES"

// Query is a translated structured query.
type Query struct {
	Collection string
	Query      store.Query
}

// ParseRunQuery translates a runQuery request body.
func ParseRunQuery(body map[string]any) (*Query, error) {
	raw, ok := body["structuredQuery"]
	if !ok || raw == nil {
		return nil, apperr.New(apperr.InvalidArgument, "Missing structuredQuery").
			WithCode("MissingStructuredQuery").
			WithSuggestion(`Wrap the query as {"structuredQuery": {"from": [{"collectionId": "..."}]}}`)
	}
	sq, ok := raw.(map[string]any)
	if !ok {
		return nil, apperr.New(apperr.InvalidArgument, "structuredQuery must be an object").
			WithCode("MissingStructuredQuery")
	}
	return ParseStructuredQuery(sq)
}

// ParseStructuredQuery translates from, where, orderBy and limit.
func ParseStructuredQuery(sq map[string]any) (*Query, error) {
	collection, err := parseFrom(sq["from"])
	if err != nil {
		return nil, err
	}
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}

	q := &Query{Collection: collection}

	if where, ok := sq["where"]; ok && where != nil {
		f, err := TranslateFilter(where)
		if err != nil {
			return nil, err
		}
		q.Query.Filter = f
	}

	if ob, ok := sq["orderBy"]; ok && ob != nil {
		sorts, err := parseOrderBy(ob)
		if err != nil {
			return nil, err
		}
		q.Query.Sort = sorts
	}

	if lim, ok := sq["limit"]; ok && lim != nil {
		n, err := parseLimit(lim)
		if err != nil {
			return nil, err
		}
		q.Query.Limit = n
	}
	return q, nil
}

func parseFrom(raw any) (string, error) {
	missing := apperr.New(apperr.InvalidArgument, "Missing from clause").
		WithCode("MissingFromClause").
		WithSuggestion(`Specify exactly one collection: "from": [{"collectionId": "users"}]`)

	var entries []any
	switch t := raw.(type) {
	case nil:
		return "", missing
	case []any:
		entries = t
	case map[string]any:
		entries = []any{t}
	default:
		return "", missing
	}
	if len(entries) == 0 {
		return "", missing
	}
	if len(entries) > 1 {
		return "", apperr.New(apperr.InvalidArgument, "Only one collection per query is supported").
			WithCode("InvalidFromClause")
	}
	sel, _ := entries[0].(map[string]any)
	id, _ := sel["collectionId"].(string)
	if id == "" {
		return "", missing
	}
	return id, nil
}

// TranslateFilter converts a where clause into a store filter. Composite
// filters recurse so they may nest.
func TranslateFilter(raw any) (*store.Filter, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, invalidWhere("", "where must be an object")
	}

	if inner, ok := m["fieldFilter"]; ok {
		return TranslateFilter(inner)
	}
	if inner, ok := m["compositeFilter"]; ok {
		return TranslateFilter(inner)
	}
	if inner, ok := m["unaryFilter"]; ok {
		return translateUnary(inner)
	}

	if children, ok := m["filters"]; ok {
		op, _ := m["op"].(string)
		if op != "AND" {
			return nil, invalidWhere(op, "only AND composite filters are supported")
		}
		list, ok := children.([]any)
		if !ok || len(list) == 0 {
			return nil, invalidWhere(op, "composite filter requires a non-empty filters array")
		}
		parts := make([]*store.Filter, 0, len(list))
		for _, c := range list {
			f, err := TranslateFilter(c)
			if err != nil {
				return nil, err
			}
			parts = append(parts, f)
		}
		return store.And(parts...), nil
	}

	return translateField(m)
}

func translateField(m map[string]any) (*store.Filter, error) {
	opName, _ := m["op"].(string)
	op, ok := operators[opName]
	if !ok {
		return nil, invalidWhere(opName, "")
	}
	field, err := fieldPath(m["field"])
	if err != nil {
		return nil, invalidWhere(opName, err.Error())
	}
	value, err := DecodeValue(m["value"])
	if err != nil {
		return nil, invalidWhere(opName, err.Error())
	}
	f, err := store.Where(field, op, value)
	if err != nil {
		return nil, invalidWhere(opName, err.Error())
	}
	return f, nil
}

func translateUnary(raw any) (*store.Filter, error) {
	m, _ := raw.(map[string]any)
	opName, _ := m["op"].(string)
	field, err := fieldPath(m["field"])
	if err != nil {
		return nil, invalidWhere(opName, err.Error())
	}
	switch opName {
	case "IS_NULL":
		return store.Where(field, store.Eq, nil)
	case "IS_NOT_NULL":
		return store.Where(field, store.Ne, nil)
	}
	return nil, invalidWhere(opName, "")
}

// fieldPath accepts {"fieldPath": "a.b"} or a bare string. __name__
// addresses the document id.
func fieldPath(raw any) (string, error) {
	var path string
	switch t := raw.(type) {
	case string:
		path = t
	case map[string]any:
		path, _ = t["fieldPath"].(string)
	}
	if path == "" {
		return "", fmt.Errorf("field is required")
	}
	if path == "__name__" {
		return store.IDField, nil
	}
	return path, nil
}

func invalidWhere(op, reason string) error {
	suggestion := fmt.Sprintf("Unsupported operator %q. Supported operators: %s", op, supportedOperators)
	if reason != "" {
		suggestion = reason
	}
	details := map[string]any{}
	if op != "" {
		details["operator"] = op
	}
	return apperr.New(apperr.InvalidArgument, "Invalid where clause").
		WithCode("InvalidWhereClause").
		WithSuggestion(suggestion).
		WithDetails(details)
}

func parseOrderBy(raw any) ([]store.Sort, error) {
	var entries []any
	switch t := raw.(type) {
	case []any:
		entries = t
	case map[string]any:
		entries = []any{t}
	default:
		return nil, invalidOrderBy("orderBy must be an object or array")
	}

	sorts := make([]store.Sort, 0, len(entries))
	for _, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, invalidOrderBy("orderBy entries must be objects")
		}
		field, err := fieldPath(m["field"])
		if err != nil {
			return nil, invalidOrderBy(err.Error())
		}
		dir, _ := m["direction"].(string)
		switch strings.ToUpper(dir) {
		case "", "ASCENDING", "ASC":
			sorts = append(sorts, store.Sort{Field: field})
		case "DESCENDING", "DESC":
			sorts = append(sorts, store.Sort{Field: field, Desc: true})
		default:
			return nil, invalidOrderBy(fmt.Sprintf("unknown direction %q", dir))
		}
	}
	return sorts, nil
}

func invalidOrderBy(reason string) error {
	return apperr.New(apperr.InvalidArgument, "Invalid orderBy clause").
		WithCode("InvalidOrderBy").
		WithSuggestion(reason)
}

func parseLimit(raw any) (int, error) {
	if m, ok := raw.(map[string]any); ok {
		raw = m["value"]
	}
	var f float64
	switch t := raw.(type) {
	case json.Number:
		v, err := t.Float64()
		if err != nil {
			return 0, invalidLimit()
		}
		f = v
	case float64:
		f = t
	case int64:
		f = float64(t)
	case int:
		f = float64(t)
	default:
		return 0, invalidLimit()
	}
	if f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, invalidLimit()
	}
	return int(f), nil
}

func invalidLimit() error {
	return apperr.New(apperr.InvalidArgument, "Invalid limit").
		WithCode("InvalidLimit").
		WithSuggestion("limit must be a non-negative integer")
}

// LookupOperator resolves a structured query operator name such as
// GREATER_THAN.
func LookupOperator(name string) (store.Op, bool) {
	op, ok := operators[strings.ToUpper(name)]
	return op, ok
}
