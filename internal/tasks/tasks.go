// Package tasks is the task and function registry: read-only built-in
// tasks shipped with the server plus project tasks kept in storage.
package tasks

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"tenantstore/internal/apperr"
	"tenantstore/internal/logger"
	"tenantstore/internal/models"
	"tenantstore/internal/services"
	"tenantstore/internal/store"
	"tenantstore/internal/triggers"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Project tasks of every project live in one system collection keyed by
// "<project>:<task id>".
var tasksNS = store.Namespace{Database: "_system", Collection: "tasks"}

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// File is the YAML layout of task definition files.
type File struct {
	Tasks []*models.Task `yaml:"tasks"`
}

// Parse reads a task definition file. Tasks that omit enabled are
// enabled.
func Parse(r io.Reader) ([]*models.Task, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse task file: %w", err)
	}

	var flags struct {
		Tasks []struct {
			Enabled *bool `yaml:"enabled"`
		} `yaml:"tasks"`
	}
	if err := yaml.Unmarshal(data, &flags); err != nil {
		return nil, fmt.Errorf("parse task file: %w", err)
	}
	for i, t := range f.Tasks {
		if t != nil && i < len(flags.Tasks) && flags.Tasks[i].Enabled == nil {
			t.Enabled = true
		}
	}
	return f.Tasks, nil
}

// Registry stores and resolves task definitions.
type Registry struct {
	engine   store.Engine
	public   string
	builtins map[string]*models.Task
	order    []string
	log      *zap.SugaredLogger
	now      func() time.Time
	onChange []func(ctx context.Context)
}

// New loads the built-in tasks and returns a registry backed by engine.
// Scheduled built-in tasks run in publicProject.
func New(engine store.Engine, publicProject string) (*Registry, error) {
	r := &Registry{
		engine:   engine,
		public:   publicProject,
		builtins: make(map[string]*models.Task),
		log:      logger.For(logger.ComponentTasks),
		now:      time.Now,
	}

	files, err := builtinFS.ReadDir("builtin")
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		data, err := builtinFS.ReadFile("builtin/" + f.Name())
		if err != nil {
			return nil, err
		}
		defs, err := Parse(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name(), err)
		}
		for _, t := range defs {
			if err := Validate(t); err != nil {
				return nil, fmt.Errorf("built-in task %q: %w", t.ID, err)
			}
			if _, dup := r.builtins[t.ID]; dup {
				return nil, fmt.Errorf("built-in task %q defined twice", t.ID)
			}
			t.IsUserTask = false
			r.builtins[t.ID] = t
			r.order = append(r.order, t.ID)
		}
	}
	r.log.Infow("Loaded built-in tasks", "count", len(r.order))
	return r, nil
}

// OnChange registers a callback run after project tasks change.
func (r *Registry) OnChange(fn func(ctx context.Context)) {
	r.onChange = append(r.onChange, fn)
}

func (r *Registry) changed(ctx context.Context) {
	for _, fn := range r.onChange {
		fn(ctx)
	}
}

func key(project, id string) string {
	return project + ":" + id
}

// Validate checks a definition: required fields, id format, services,
// schedule and trigger.
func Validate(t *models.Task) error {
	var missing []string
	if t.ID == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(t.Description) == "" {
		missing = append(missing, "description")
	}
	if strings.TrimSpace(t.ImplementationCode) == "" {
		missing = append(missing, "implementationCode")
	}
	if len(missing) > 0 {
		return apperr.New(apperr.InvalidArgument, "Missing required fields: %s", strings.Join(missing, ", ")).
			WithCode("MissingRequiredFields").
			WithDetails(map[string]any{"missing": missing})
	}
	if !taskIDPattern.MatchString(t.ID) {
		return apperr.New(apperr.InvalidArgument, "Invalid task id").
			WithCode("InvalidTaskId").
			WithSuggestion("Task ids may only contain letters, digits and underscores").
			WithDetails(map[string]any{"id": t.ID})
	}
	if err := services.Validate(t.RequiredServices); err != nil {
		return err
	}
	if t.Schedule != nil && *t.Schedule != "" {
		if res := triggers.ValidateCron(*t.Schedule); !res.Valid {
			return apperr.New(apperr.InvalidArgument, "Invalid schedule").
				WithCode("InvalidSchedule").
				WithSuggestion(res.Error)
		}
	}
	if t.Trigger != nil {
		if res := triggers.Validate(t.Trigger); !res.Valid {
			return apperr.New(apperr.InvalidArgument, "Invalid trigger").
				WithCode("InvalidTrigger").
				WithSuggestion(res.Error)
		}
	}
	return nil
}

// Register adds a project task created by caller.
func (r *Registry) Register(ctx context.Context, caller models.Principal, project string, t *models.Task) (*models.Task, error) {
	if err := Validate(t); err != nil {
		return nil, err
	}
	if _, ok := r.builtins[t.ID]; ok {
		return nil, alreadyExists(t.ID)
	}

	now := r.now().UTC().Truncate(time.Millisecond)
	task := *t
	task.IsUserTask = true
	task.CreatedBy = caller.UserID
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.RequiredServices == nil {
		task.RequiredServices = []string{}
	}

	doc, err := toDocument(project, &task)
	if err != nil {
		return nil, apperr.Internalf(err, "Failed to encode task")
	}
	err = r.engine.Insert(ctx, tasksNS, doc)
	if errors.Is(err, store.ErrDuplicate) {
		return nil, alreadyExists(t.ID)
	}
	if err != nil {
		return nil, apperr.Internalf(err, "Failed to save task")
	}

	r.log.Infow("Task registered", "project", project, "task", task.ID, "createdBy", caller.UserID)
	r.changed(ctx)
	return &task, nil
}

func alreadyExists(id string) error {
	return apperr.New(apperr.Conflict, "Task already exists").
		WithCode("TaskAlreadyExists").
		WithDetails(map[string]any{"id": id})
}

func notFound(id string) error {
	return apperr.New(apperr.NotFound, "Task not found").
		WithDetails(map[string]any{"id": id})
}

func readOnly(id string) error {
	return apperr.New(apperr.PermissionDenied, "Built-in tasks cannot be modified").
		WithDetails(map[string]any{"id": id})
}

func (r *Registry) loadProjectTask(ctx context.Context, project, id string) (*models.Task, error) {
	doc, err := r.engine.Get(ctx, tasksNS, key(project, id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, apperr.Internalf(err, "Failed to load task")
	}
	return fromDocument(doc)
}

// Update merges patch into a project task. A null schedule or trigger
// clears it.
func (r *Registry) Update(ctx context.Context, project, id string, patch map[string]any) (*models.Task, error) {
	if _, ok := r.builtins[id]; ok {
		return nil, readOnly(id)
	}
	task, err := r.loadProjectTask(ctx, project, id)
	if err != nil {
		return nil, err
	}
	if err := applyPatch(task, patch); err != nil {
		return nil, err
	}
	if err := Validate(task); err != nil {
		return nil, err
	}
	task.UpdatedAt = r.now().UTC().Truncate(time.Millisecond)

	doc, err := toDocument(project, task)
	if err != nil {
		return nil, apperr.Internalf(err, "Failed to encode task")
	}
	if err := r.engine.Replace(ctx, tasksNS, doc); err != nil {
		return nil, apperr.Internalf(err, "Failed to save task")
	}

	r.log.Infow("Task updated", "project", project, "task", id)
	r.changed(ctx)
	return task, nil
}

func invalidField(field, want string) error {
	return apperr.New(apperr.InvalidArgument, "Invalid value for %s", field).
		WithSuggestion(fmt.Sprintf("%s must be %s", field, want))
}

func applyPatch(t *models.Task, patch map[string]any) error {
	for field, v := range patch {
		switch field {
		case "description", "implementationCode":
			s, ok := v.(string)
			if !ok {
				return invalidField(field, "a string")
			}
			if field == "description" {
				t.Description = s
			} else {
				t.ImplementationCode = s
			}
		case "requiredServices":
			list, ok := v.([]any)
			if !ok && v != nil {
				return invalidField(field, "an array of strings")
			}
			names := make([]string, 0, len(list))
			for _, e := range list {
				s, ok := e.(string)
				if !ok {
					return invalidField(field, "an array of strings")
				}
				names = append(names, s)
			}
			t.RequiredServices = names
		case "schedule":
			if v == nil {
				t.Schedule = nil
				continue
			}
			s, ok := v.(string)
			if !ok {
				return invalidField(field, "a cron expression or null")
			}
			t.Schedule = &s
		case "trigger":
			if v == nil {
				t.Trigger = nil
				continue
			}
			m, ok := v.(map[string]any)
			if !ok {
				return invalidField(field, "an object or null")
			}
			t.Trigger = m
		case "enabled":
			b, ok := v.(bool)
			if !ok {
				return invalidField(field, "a boolean")
			}
			t.Enabled = b
		}
	}
	return nil
}

// Delete removes a project task.
func (r *Registry) Delete(ctx context.Context, project, id string) error {
	if _, ok := r.builtins[id]; ok {
		return readOnly(id)
	}
	err := r.engine.Delete(ctx, tasksNS, key(project, id))
	if errors.Is(err, store.ErrNotFound) {
		return notFound(id)
	}
	if err != nil {
		return apperr.Internalf(err, "Failed to delete task")
	}
	r.log.Infow("Task deleted", "project", project, "task", id)
	r.changed(ctx)
	return nil
}

// Get resolves id among the built-in and the project's tasks.
func (r *Registry) Get(ctx context.Context, project, id string) (*models.Task, error) {
	if t, ok := r.builtins[id]; ok {
		c := *t
		return &c, nil
	}
	return r.loadProjectTask(ctx, project, id)
}

// List returns built-in tasks followed by the project's tasks.
func (r *Registry) List(ctx context.Context, project string) (*models.TaskList, error) {
	projectTasks, err := r.projectTasks(ctx, project)
	if err != nil {
		return nil, err
	}
	out := &models.TaskList{Tasks: make([]*models.Task, 0, len(r.order)+len(projectTasks))}
	for _, id := range r.order {
		c := *r.builtins[id]
		out.Tasks = append(out.Tasks, &c)
	}
	out.Tasks = append(out.Tasks, projectTasks...)
	out.GlobalCount = len(r.order)
	out.ProjectCount = len(projectTasks)
	out.Count = out.GlobalCount + out.ProjectCount
	return out, nil
}

func (r *Registry) projectTasks(ctx context.Context, project string) ([]*models.Task, error) {
	f, err := store.Where("project", store.Eq, project)
	if err != nil {
		return nil, apperr.Internalf(err, "Failed to list tasks")
	}
	docs, err := r.engine.Find(ctx, tasksNS, store.Query{Filter: f})
	if err != nil {
		return nil, apperr.Internalf(err, "Failed to list tasks")
	}
	out := make([]*models.Task, 0, len(docs))
	for _, doc := range docs {
		t, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Scheduled returns every enabled task with a schedule or cron trigger.
func (r *Registry) Scheduled(ctx context.Context) ([]models.ScheduledTask, error) {
	var out []models.ScheduledTask
	for _, id := range r.order {
		t := r.builtins[id]
		if t.Enabled && triggers.CronSpec(t) != "" {
			out = append(out, models.ScheduledTask{Project: r.public, Task: t})
		}
	}

	docs, err := r.engine.Find(ctx, tasksNS, store.Query{})
	if err != nil {
		return nil, apperr.Internalf(err, "Failed to list tasks")
	}
	for _, doc := range docs {
		t, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		if t.Enabled && triggers.CronSpec(t) != "" {
			project, _ := doc["project"].(string)
			out = append(out, models.ScheduledTask{Project: project, Task: t})
		}
	}
	return out, nil
}

func toDocument(project string, t *models.Task) (store.Document, error) {
	doc, err := store.FromStruct(t)
	if err != nil {
		return nil, err
	}
	doc[store.IDField] = key(project, t.ID)
	doc["project"] = project
	return doc, nil
}

func fromDocument(doc store.Document) (*models.Task, error) {
	c := doc.Clone()
	delete(c, store.IDField)
	delete(c, "project")
	var t models.Task
	if err := store.ToStruct(c, &t); err != nil {
		return nil, apperr.Internalf(err, "Failed to decode task")
	}
	return &t, nil
}
