package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"tenantstore/internal/apperr"
	"tenantstore/internal/models"
	"tenantstore/internal/triggers"
)

const invokeSuffix = ":do"

// requireOwnProject rejects task management outside the caller's project.
func requireOwnProject(caller models.Principal, project string) error {
	if caller.ProjectName == project {
		return nil
	}
	return apperr.New(apperr.PermissionDenied, "Tasks can only be managed in your own project").
		WithDetails(map[string]any{"project": project, "userProject": caller.ProjectName})
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	list, err := a.tasks.List(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.tasks.Get(r.Context(), chi.URLParam(r, "project"), chi.URLParam(r, "id"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (a *API) registerTask(w http.ResponseWriter, r *http.Request) {
	a.register(w, r, "")
}

// postTask registers a task under the id in the path, or runs it when the
// path ends in ":do".
func (a *API) postTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.HasSuffix(id, invokeSuffix) {
		a.invokeTask(w, r, strings.TrimSuffix(id, invokeSuffix))
		return
	}
	a.register(w, r, id)
}

func (a *API) register(w http.ResponseWriter, r *http.Request, id string) {
	project := chi.URLParam(r, "project")
	caller := principalFromContext(r)
	if err := requireOwnProject(caller, project); err != nil {
		a.respondError(w, r, err)
		return
	}

	var t models.Task
	if err := decodeJSON(w, r, &t); err != nil {
		a.respondError(w, r, err)
		return
	}
	if id != "" {
		if t.ID != "" && t.ID != id {
			a.respondError(w, r, apperr.New(apperr.InvalidArgument, "Task id in body does not match the path").
				WithCode("InvalidTaskId"))
			return
		}
		t.ID = id
	}

	created, err := a.tasks.Register(r.Context(), caller, project, &t)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (a *API) updateTask(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	if err := requireOwnProject(principalFromContext(r), project); err != nil {
		a.respondError(w, r, err)
		return
	}
	var patch map[string]any
	if err := decodeJSON(w, r, &patch); err != nil {
		a.respondError(w, r, err)
		return
	}
	t, err := a.tasks.Update(r.Context(), project, chi.URLParam(r, "id"), patch)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (a *API) deleteTask(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	if err := requireOwnProject(principalFromContext(r), project); err != nil {
		a.respondError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.tasks.Delete(r.Context(), project, id); err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "deleted": true})
}

func (a *API) invokeTask(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Data map[string]any `json:"data"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	a.execute(w, r, models.Invocation{
		Caller:  principalFromContext(r),
		Project: chi.URLParam(r, "project"),
		TaskID:  id,
		Params:  req.Data,
		Source:  models.SourceAPI,
	})
}

// runHook runs the task whose http trigger matches the request.
func (a *API) runHook(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	path := "/" + chi.URLParam(r, "*")

	list, err := a.tasks.List(r.Context(), project)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	task := triggers.FindHTTP(list.Tasks, r.Method, path)
	if task == nil {
		a.respondError(w, r, apperr.New(apperr.NotFound, "No task handles %s %s", r.Method, path).
			WithCode("HookNotFound"))
		return
	}

	params := map[string]any{"method": r.Method, "path": path}
	query := map[string]any{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	params["query"] = query
	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		var body any
		if err := decodeJSON(w, r, &body); err != nil {
			a.respondError(w, r, err)
			return
		}
		params["body"] = body
	}

	a.execute(w, r, models.Invocation{
		Caller:  principalFromContext(r),
		Project: project,
		TaskID:  task.ID,
		Params:  params,
		Source:  models.SourceHook,
	})
}

// execute runs inv and writes the result. Failed runs are reported with
// status 500 and the failure body.
func (a *API) execute(w http.ResponseWriter, r *http.Request, inv models.Invocation) {
	if inv.Params == nil {
		inv.Params = map[string]any{}
	}
	res, err := a.runner.Run(r.Context(), inv)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if !res.Success {
		respondJSON(w, http.StatusInternalServerError, res)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
