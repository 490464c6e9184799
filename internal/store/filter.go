package store

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Op is a filter comparison operator.
type Op string

const (
	Eq            Op = "eq"
	Ne            Op = "ne"
	Lt            Op = "lt"
	Lte           Op = "lte"
	Gt            Op = "gt"
	Gte           Op = "gte"
	In            Op = "in"
	NotIn         Op = "nin"
	ArrayContains Op = "arrayContains"
	Matches       Op = "matches"
)

// Filter is a predicate over documents. A Filter built with And holds only
// children; one built with Where holds a single field comparison.
type Filter struct {
	Field string
	Op    Op
	Value any

	re  *regexp.Regexp
	all []*Filter
}

// Where builds a field comparison. Values are normalized, In/NotIn require
// an array and Matches requires a valid pattern, which is matched
// case-insensitively.
func Where(field string, op Op, value any) (*Filter, error) {
	if field == "" {
		return nil, fmt.Errorf("filter field is required")
	}
	v, err := Normalize(value)
	if err != nil {
		return nil, err
	}
	f := &Filter{Field: field, Op: op, Value: v}
	switch op {
	case Eq, Ne, Lt, Lte, Gt, Gte, ArrayContains:
	case In, NotIn:
		if _, ok := v.([]any); !ok {
			return nil, fmt.Errorf("operator %s requires an array value", op)
		}
	case Matches:
		pattern, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("operator %s requires a string value", op)
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		f.re = re
	default:
		return nil, fmt.Errorf("unsupported operator %q", op)
	}
	return f, nil
}

// And returns the conjunction of filters. Nil entries are ignored.
func And(filters ...*Filter) *Filter {
	f := &Filter{}
	for _, c := range filters {
		if c != nil {
			f.all = append(f.all, c)
		}
	}
	return f
}

// Children returns the operands of a conjunction.
func (f *Filter) Children() []*Filter {
	return f.all
}

// Match evaluates the filter against doc. A nil filter matches everything.
func (f *Filter) Match(doc Document) bool {
	if f == nil {
		return true
	}
	if f.Field == "" {
		for _, c := range f.all {
			if !c.Match(doc) {
				return false
			}
		}
		return true
	}

	actual, present := lookup(doc, f.Field)
	switch f.Op {
	case Eq:
		if !present {
			return f.Value == nil
		}
		return equal(actual, f.Value)
	case Ne:
		if !present {
			return f.Value != nil
		}
		return !equal(actual, f.Value)
	case Lt, Lte, Gt, Gte:
		if !present {
			return false
		}
		c, ok := compareSameKind(actual, f.Value)
		if !ok {
			return false
		}
		switch f.Op {
		case Lt:
			return c < 0
		case Lte:
			return c <= 0
		case Gt:
			return c > 0
		default:
			return c >= 0
		}
	case In:
		for _, v := range f.Value.([]any) {
			if (present && equal(actual, v)) || (!present && v == nil) {
				return true
			}
		}
		return false
	case NotIn:
		for _, v := range f.Value.([]any) {
			if (present && equal(actual, v)) || (!present && v == nil) {
				return false
			}
		}
		return true
	case ArrayContains:
		arr, ok := actual.([]any)
		if !ok {
			return false
		}
		for _, e := range arr {
			if equal(e, f.Value) {
				return true
			}
		}
		return false
	case Matches:
		s, ok := actual.(string)
		return ok && f.re.MatchString(s)
	}
	return false
}

// BSON renders the filter as a MongoDB query document.
func (f *Filter) BSON() bson.D {
	if f == nil {
		return bson.D{}
	}
	if f.Field == "" {
		if len(f.all) == 0 {
			return bson.D{}
		}
		parts := make(bson.A, 0, len(f.all))
		for _, c := range f.all {
			parts = append(parts, c.BSON())
		}
		return bson.D{{Key: "$and", Value: parts}}
	}

	var cond any
	switch f.Op {
	case Eq:
		cond = bson.D{{Key: "$eq", Value: f.Value}}
	case Ne:
		cond = bson.D{{Key: "$ne", Value: f.Value}}
	case Lt:
		cond = bson.D{{Key: "$lt", Value: f.Value}}
	case Lte:
		cond = bson.D{{Key: "$lte", Value: f.Value}}
	case Gt:
		cond = bson.D{{Key: "$gt", Value: f.Value}}
	case Gte:
		cond = bson.D{{Key: "$gte", Value: f.Value}}
	case In:
		cond = bson.D{{Key: "$in", Value: f.Value}}
	case NotIn:
		cond = bson.D{{Key: "$nin", Value: f.Value}}
	case ArrayContains:
		cond = bson.D{{Key: "$elemMatch", Value: bson.D{{Key: "$eq", Value: f.Value}}}}
	case Matches:
		cond = primitive.Regex{Pattern: f.Value.(string), Options: "i"}
	}
	return bson.D{{Key: f.Field, Value: cond}}
}

// Sort orders results by one field.
type Sort struct {
	Field string
	Desc  bool
}

// Query selects documents from one collection.
type Query struct {
	Filter *Filter
	Sort   []Sort
	Limit  int
}

// Apply evaluates q over docs in memory: filter, stable sort, then limit.
func (q Query) Apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.Filter.Match(d) {
			out = append(out, d)
		}
	}
	if len(q.Sort) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, s := range q.Sort {
				a, _ := lookup(out[i], s.Field)
				b, _ := lookup(out[j], s.Field)
				c := compareAny(a, b)
				if c == 0 {
					continue
				}
				if s.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (q Query) sortBSON() bson.D {
	d := make(bson.D, 0, len(q.Sort))
	for _, s := range q.Sort {
		dir := 1
		if s.Desc {
			dir = -1
		}
		d = append(d, bson.E{Key: s.Field, Value: dir})
	}
	return d
}

// lookup resolves a dotted field path.
func lookup(doc Document, path string) (any, bool) {
	var cur any = map[string]any(doc)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equal(a, b any) bool {
	if c, ok := compareSameKind(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// typeRank follows the BSON cross-type sort order.
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case int64, float64:
		return 1
	case string:
		return 2
	case map[string]any:
		return 3
	case []any:
		return 4
	case bool:
		return 5
	case time.Time:
		return 6
	default:
		return 7
	}
}

// compareSameKind compares scalars of the same kind. Integers and doubles
// compare numerically.
func compareSameKind(a, b any) (int, bool) {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmp(x, y), true
		case float64:
			return cmp(float64(x), y), true
		}
	case float64:
		switch y := b.(type) {
		case int64:
			return cmp(x, float64(y)), true
		case float64:
			return cmp(x, y), true
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, true
			case !x:
				return -1, true
			default:
				return 1, true
			}
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), true
		}
	}
	return 0, false
}

func compareAny(a, b any) int {
	if c, ok := compareSameKind(a, b); ok {
		return c
	}
	return cmp(typeRank(a), typeRank(b))
}

func cmp[T int | int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
