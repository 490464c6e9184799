package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"tenantstore/internal/apperr"
	"tenantstore/internal/firestore"
	"tenantstore/internal/models"
	"tenantstore/internal/services"
	"tenantstore/internal/store"
)

// binding exposes host capabilities to one runtime.
type binding struct {
	engine *Engine
	vm     *goja.Runtime
	ctx    context.Context
	frame  *frame
}

// throw raises err inside the runtime. Host functions never return errors.
func (b *binding) throw(err error) {
	panic(b.vm.NewGoError(err))
}

func (b *binding) set(obj *goja.Object, name string, fn func(goja.FunctionCall) goja.Value) {
	_ = obj.Set(name, fn)
}

// contextObject builds the second argument of the task function and installs
// the console and services globals.
func (b *binding) contextObject() *goja.Object {
	vm := b.vm
	inv := b.frame.inv
	ctxObj := vm.NewObject()

	taskLog := b.engine.log.With("task", b.frame.task.ID, "project", inv.Project)
	logFn := func(write func(...interface{})) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			write(formatArgs(call.Arguments))
			return goja.Undefined()
		}
	}
	logger := vm.NewObject()
	b.set(logger, "info", logFn(taskLog.Info))
	b.set(logger, "warn", logFn(taskLog.Warn))
	b.set(logger, "error", logFn(taskLog.Error))
	b.set(logger, "debug", logFn(taskLog.Debug))

	console := vm.NewObject()
	b.set(console, "log", logFn(taskLog.Info))
	b.set(console, "info", logFn(taskLog.Info))
	b.set(console, "warn", logFn(taskLog.Warn))
	b.set(console, "error", logFn(taskLog.Error))

	svc := b.servicesObject(taskLog)

	_ = ctxObj.Set("log", logFn(taskLog.Info))
	_ = ctxObj.Set("logger", logger)
	_ = ctxObj.Set("data", b.dataObject())
	_ = ctxObj.Set("callTask", b.callTask)
	_ = ctxObj.Set("callFunction", b.callTask)
	_ = ctxObj.Set("services", svc)
	_ = ctxObj.Set("taskName", b.frame.task.ID)
	_ = ctxObj.Set("project", inv.Project)
	_ = ctxObj.Set("depth", b.frame.depth)
	_ = ctxObj.Set("user", map[string]any{
		"userId":      inv.Caller.UserID,
		"projectId":   inv.Caller.ProjectID,
		"projectName": inv.Caller.ProjectName,
	})

	_ = vm.Set("console", console)
	_ = vm.Set("services", svc)
	return ctxObj
}

// callTask invokes another task with the remaining deadline of this one.
func (b *binding) callTask(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	params, err := exportObject(call.Argument(1), "params")
	if err != nil {
		b.throw(err)
	}

	parent := b.frame.inv
	res, err := b.engine.run(b.ctx, models.Invocation{
		Caller:  parent.Caller,
		Project: parent.Project,
		TaskID:  name,
		Params:  params,
		Source:  models.SourceTask,
	}, b.frame.depth+1, b.frame.deadline)
	if err != nil {
		b.throw(err)
	}
	if !res.Success {
		b.throw(fmt.Errorf("task %s failed: %s", name, res.Details))
	}
	return b.vm.ToValue(jsValue(res.Result))
}

// dataProject is the namespace the data API works in: the caller's own
// project, or the invocation project for callers without one.
func (b *binding) dataProject() string {
	if p := b.frame.inv.Caller.ProjectName; p != "" {
		return p
	}
	return b.frame.inv.Project
}

// dataObject is the document API bound to the caller's project.
func (b *binding) dataObject() *goja.Object {
	data := b.vm.NewObject()
	b.set(data, "collection", func(call goja.FunctionCall) goja.Value {
		return b.collectionObject(call.Argument(0).String())
	})
	return data
}

func (b *binding) collectionObject(name string) *goja.Object {
	vm := b.vm
	docs := b.engine.docs
	project := b.dataProject()
	caller := b.frame.inv.Caller
	c := vm.NewObject()

	b.set(c, "get", func(call goja.FunctionCall) goja.Value {
		doc, err := docs.Get(b.ctx, project, name, call.Argument(0).String())
		if apperr.Is(err, apperr.NotFound) {
			return goja.Null()
		}
		if err != nil {
			b.throw(err)
		}
		return vm.ToValue(docValue(doc))
	})
	b.set(c, "add", func(call goja.FunctionCall) goja.Value {
		fields, err := exportObject(call.Argument(0), "document")
		if err != nil {
			b.throw(err)
		}
		doc, err := docs.Create(b.ctx, caller, project, name, fields)
		if err != nil {
			b.throw(err)
		}
		return vm.ToValue(docValue(doc))
	})
	b.set(c, "update", func(call goja.FunctionCall) goja.Value {
		fields, err := exportObject(call.Argument(1), "document")
		if err != nil {
			b.throw(err)
		}
		doc, err := docs.Update(b.ctx, caller, project, name, call.Argument(0).String(), fields)
		if err != nil {
			b.throw(err)
		}
		return vm.ToValue(docValue(doc))
	})
	b.set(c, "delete", func(call goja.FunctionCall) goja.Value {
		id, err := docs.Delete(b.ctx, caller, project, name, call.Argument(0).String())
		if err != nil {
			b.throw(err)
		}
		return vm.ToValue(id)
	})
	b.set(c, "list", func(call goja.FunctionCall) goja.Value {
		list, err := docs.List(b.ctx, project, name)
		if err != nil {
			b.throw(err)
		}
		return vm.ToValue(docValues(list))
	})
	b.set(c, "query", func(call goja.FunctionCall) goja.Value {
		spec, err := exportObject(call.Argument(0), "query")
		if err != nil {
			b.throw(err)
		}
		q, err := buildQuery(name, spec)
		if err != nil {
			b.throw(err)
		}
		list, err := docs.Query(b.ctx, project, q)
		if err != nil {
			b.throw(err)
		}
		return vm.ToValue(docValues(list))
	})
	return c
}

var symbolOps = map[string]store.Op{
	"==":             store.Eq,
	"!=":             store.Ne,
	"<":              store.Lt,
	"<=":             store.Lte,
	">":              store.Gt,
	">=":             store.Gte,
	"in":             store.In,
	"not-in":         store.NotIn,
	"array-contains": store.ArrayContains,
	"matches":        store.Matches,
}

func lookupOp(name string) (store.Op, bool) {
	if op, ok := symbolOps[name]; ok {
		return op, true
	}
	return firestore.LookupOperator(name)
}

// buildQuery translates {where, orderBy, limit} from task code. where is a
// {field, op, value} clause or an array of them; orderBy is a field name, a
// {field, direction} clause or an array of them.
func buildQuery(collection string, spec map[string]any) (*firestore.Query, error) {
	q := &firestore.Query{Collection: collection}

	var clauses []any
	switch w := spec["where"].(type) {
	case nil:
	case []any:
		clauses = w
	case map[string]any:
		clauses = []any{w}
	default:
		return nil, fmt.Errorf("where must be a clause or an array of clauses")
	}
	var filters []*store.Filter
	for _, raw := range clauses {
		c, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("where clauses must be objects")
		}
		field, _ := c["field"].(string)
		if field == "id" {
			field = store.IDField
		}
		opName, _ := c["op"].(string)
		op, ok := lookupOp(opName)
		if !ok {
			return nil, fmt.Errorf("unsupported operator %q", opName)
		}
		value, err := store.Normalize(c["value"])
		if err != nil {
			return nil, err
		}
		f, err := store.Where(field, op, value)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	switch len(filters) {
	case 0:
	case 1:
		q.Query.Filter = filters[0]
	default:
		q.Query.Filter = store.And(filters...)
	}

	var orders []any
	switch o := spec["orderBy"].(type) {
	case nil:
	case string:
		orders = []any{map[string]any{"field": o}}
	case map[string]any:
		orders = []any{o}
	case []any:
		orders = o
	default:
		return nil, fmt.Errorf("orderBy must be a field, a clause or an array of clauses")
	}
	for _, raw := range orders {
		o, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("orderBy clauses must be objects")
		}
		field, _ := o["field"].(string)
		if field == "" {
			return nil, fmt.Errorf("orderBy requires a field")
		}
		dir, _ := o["direction"].(string)
		q.Query.Sort = append(q.Query.Sort, store.Sort{
			Field: field,
			Desc:  strings.HasPrefix(strings.ToUpper(dir), "DESC"),
		})
	}

	if raw, ok := spec["limit"]; ok && raw != nil {
		n, err := store.Normalize(raw)
		if err != nil {
			return nil, err
		}
		var limit int
		switch v := n.(type) {
		case int64:
			limit = int(v)
		case float64:
			limit = int(v)
		default:
			return nil, fmt.Errorf("limit must be a number")
		}
		if limit < 0 {
			return nil, fmt.Errorf("limit must not be negative")
		}
		q.Query.Limit = limit
	}
	return q, nil
}

// servicesObject exposes the declared services only.
func (b *binding) servicesObject(taskLog *zap.SugaredLogger) *goja.Object {
	vm := b.vm
	set := b.engine.services
	obj := vm.NewObject()
	if set == nil {
		return obj
	}
	project := b.frame.inv.Project

	for _, name := range b.frame.task.RequiredServices {
		svc := vm.NewObject()
		switch name {
		case services.HTTP:
			b.set(svc, "fetch", func(call goja.FunctionCall) goja.Value {
				body, err := set.HTTP.Fetch(b.ctx, call.Argument(0).String())
				if err != nil {
					b.throw(err)
				}
				return vm.ToValue(body)
			})
			b.set(svc, "get", func(call goja.FunctionCall) goja.Value {
				resp, err := set.HTTP.Get(b.ctx, call.Argument(0).String())
				if err != nil {
					b.throw(err)
				}
				return vm.ToValue(resp)
			})
			b.set(svc, "post", func(call goja.FunctionCall) goja.Value {
				var body any
				if arg := call.Argument(1); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
					body = arg.Export()
				}
				contentType := ""
				if arg := call.Argument(2); !goja.IsUndefined(arg) {
					contentType = arg.String()
				}
				resp, err := set.HTTP.Post(b.ctx, call.Argument(0).String(), body, contentType)
				if err != nil {
					b.throw(err)
				}
				return vm.ToValue(resp)
			})
		case services.Time:
			b.set(svc, "now", func(call goja.FunctionCall) goja.Value {
				out, err := set.Time.Now(optString(call.Argument(0)))
				if err != nil {
					b.throw(err)
				}
				return vm.ToValue(out)
			})
			b.set(svc, "format", func(call goja.FunctionCall) goja.Value {
				out, err := set.Time.Format(call.Argument(0).String(), optString(call.Argument(1)), optString(call.Argument(2)))
				if err != nil {
					b.throw(err)
				}
				return vm.ToValue(out)
			})
		case services.SMS:
			b.set(svc, "send", func(call goja.FunctionCall) goja.Value {
				if err := set.SMS.Send(b.ctx, optString(call.Argument(0)), optString(call.Argument(1))); err != nil {
					b.throw(err)
				}
				return vm.ToValue(true)
			})
		case services.Email:
			b.set(svc, "send", func(call goja.FunctionCall) goja.Value {
				err := set.Email.Send(b.ctx, optString(call.Argument(0)), optString(call.Argument(1)), optString(call.Argument(2)))
				if err != nil {
					b.throw(err)
				}
				return vm.ToValue(true)
			})
		case services.Storage:
			b.set(svc, "put", func(call goja.FunctionCall) goja.Value {
				if set.Storage == nil {
					b.throw(fmt.Errorf("storage service is not configured"))
				}
				url, err := set.Storage.Put(b.ctx, project, optString(call.Argument(0)),
					strings.NewReader(optString(call.Argument(1))), optString(call.Argument(2)))
				if err != nil {
					b.throw(err)
				}
				return vm.ToValue(url)
			})
			b.set(svc, "delete", func(call goja.FunctionCall) goja.Value {
				if set.Storage == nil {
					b.throw(fmt.Errorf("storage service is not configured"))
				}
				if err := set.Storage.Delete(b.ctx, project, call.Argument(0).String()); err != nil {
					b.throw(err)
				}
				return goja.Undefined()
			})
		default:
			taskLog.Warnw("Unknown service requested", "service", name)
			continue
		}
		_ = obj.Set(name, svc)
	}
	return obj
}

func optString(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}
