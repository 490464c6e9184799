package tasks

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantstore/internal/apperr"
	"tenantstore/internal/models"
	"tenantstore/internal/store"
)

var alice = models.Principal{UserID: "alice", ProjectID: "1", ProjectName: "acme"}

func setupRegistry(t *testing.T) *Registry {
	t.Helper()
	engine, err := store.Open(context.Background(), store.Config{Backend: store.BackendSQLite, SQLitePath: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	r, err := New(engine, "public")
	require.NoError(t, err)
	return r
}

func userTask(id string) *models.Task {
	return &models.Task{
		ID:                 id,
		Description:        "test task",
		ImplementationCode: "return 1;",
		Enabled:            true,
	}
}

func TestBuiltinsLoaded(t *testing.T) {
	r := setupRegistry(t)
	list, err := r.List(context.Background(), "acme")
	require.NoError(t, err)

	assert.Greater(t, list.GlobalCount, 0)
	assert.Equal(t, 0, list.ProjectCount)
	assert.Equal(t, list.GlobalCount, list.Count)
	for _, task := range list.Tasks {
		assert.False(t, task.IsUserTask, task.ID)
	}

	hello, err := r.Get(context.Background(), "acme", "hello_world")
	require.NoError(t, err)
	assert.Contains(t, hello.ImplementationCode, "Hello")
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	r := setupRegistry(t)

	changes := 0
	r.OnChange(func(context.Context) { changes++ })

	task, err := r.Register(ctx, alice, "acme", userTask("my_task"))
	require.NoError(t, err)
	assert.True(t, task.IsUserTask)
	assert.Equal(t, "alice", task.CreatedBy)
	assert.False(t, task.CreatedAt.IsZero())
	assert.Equal(t, []string{}, task.RequiredServices)
	assert.Equal(t, 1, changes)

	got, err := r.Get(ctx, "acme", "my_task")
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.CreatedAt, got.CreatedAt)
	assert.True(t, got.IsUserTask)

	_, err = r.Register(ctx, alice, "acme", userTask("my_task"))
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Conflict, e.Kind)
	assert.Equal(t, "TaskAlreadyExists", e.Code)

	// another project has its own scope
	_, err = r.Register(ctx, alice, "other", userTask("my_task"))
	assert.NoError(t, err)

	// built-in ids are taken
	_, err = r.Register(ctx, alice, "acme", userTask("hello_world"))
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	list, err := r.List(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, list.ProjectCount)
	assert.Equal(t, list.GlobalCount+1, list.Count)
	assert.Len(t, list.Tasks, list.Count)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		task *models.Task
		code string
	}{
		{"missing fields", &models.Task{ID: "x"}, "MissingRequiredFields"},
		{"bad id", &models.Task{ID: "my-task", Description: "d", ImplementationCode: "c"}, "InvalidTaskId"},
		{"bad id spaces", &models.Task{ID: "my task", Description: "d", ImplementationCode: "c"}, "InvalidTaskId"},
		{"unknown service", &models.Task{ID: "t", Description: "d", ImplementationCode: "c", RequiredServices: []string{"fax"}}, "InvalidRequiredServices"},
		{"bad schedule", &models.Task{ID: "t", Description: "d", ImplementationCode: "c", Schedule: strPtr("every day")}, "InvalidSchedule"},
		{"bad trigger", &models.Task{ID: "t", Description: "d", ImplementationCode: "c", Trigger: map[string]any{"type": "http", "method": "GET"}}, "InvalidTrigger"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ok := apperr.As(Validate(tt.task))
			require.True(t, ok)
			assert.Equal(t, apperr.InvalidArgument, e.Kind)
			assert.Equal(t, tt.code, e.Code)
		})
	}

	ok := &models.Task{ID: "Task_1", Description: "d", ImplementationCode: "c",
		RequiredServices: []string{"http"}, Schedule: strPtr("0 * * * *"),
		Trigger: map[string]any{"type": "onCreate", "collection": "posts"}}
	assert.NoError(t, Validate(ok))
}

func strPtr(s string) *string { return &s }

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	r := setupRegistry(t)

	task := userTask("nightly")
	task.Schedule = strPtr("0 3 * * *")
	task.RequiredServices = []string{"time"}
	_, err := r.Register(ctx, alice, "acme", task)
	require.NoError(t, err)

	updated, err := r.Update(ctx, "acme", "nightly", map[string]any{
		"description": "changed",
		"enabled":     false,
	})
	require.NoError(t, err)
	assert.Equal(t, "changed", updated.Description)
	assert.False(t, updated.Enabled)
	require.NotNil(t, updated.Schedule, "absent fields are kept")
	assert.Equal(t, "0 3 * * *", *updated.Schedule)
	assert.Equal(t, []string{"time"}, updated.RequiredServices)

	updated, err = r.Update(ctx, "acme", "nightly", map[string]any{"schedule": nil})
	require.NoError(t, err)
	assert.Nil(t, updated.Schedule)

	got, err := r.Get(ctx, "acme", "nightly")
	require.NoError(t, err)
	assert.Nil(t, got.Schedule)
	assert.Equal(t, "changed", got.Description)

	_, err = r.Update(ctx, "acme", "nightly", map[string]any{"schedule": "bad"})
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
	_, err = r.Update(ctx, "acme", "nightly", map[string]any{"enabled": "yes"})
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
	_, err = r.Update(ctx, "acme", "missing", map[string]any{})
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	_, err = r.Update(ctx, "acme", "echo", map[string]any{"description": "x"})
	assert.Equal(t, apperr.PermissionDenied, apperr.KindOf(err))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	r := setupRegistry(t)

	_, err := r.Register(ctx, alice, "acme", userTask("gone"))
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, "acme", "gone"))

	_, err = r.Get(ctx, "acme", "gone")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	assert.Equal(t, apperr.NotFound, apperr.KindOf(r.Delete(ctx, "acme", "gone")))
	assert.Equal(t, apperr.PermissionDenied, apperr.KindOf(r.Delete(ctx, "acme", "echo")))
}

func TestScheduled(t *testing.T) {
	ctx := context.Background()
	r := setupRegistry(t)

	scheduled := userTask("report")
	scheduled.Schedule = strPtr("*/10 * * * *")
	_, err := r.Register(ctx, alice, "acme", scheduled)
	require.NoError(t, err)

	paused := userTask("paused")
	paused.Schedule = strPtr("*/10 * * * *")
	paused.Enabled = false
	_, err = r.Register(ctx, alice, "acme", paused)
	require.NoError(t, err)

	cronTrigger := userTask("tick")
	cronTrigger.Trigger = map[string]any{"type": "cron", "schedule": "0 * * * *"}
	_, err = r.Register(ctx, alice, "other", cronTrigger)
	require.NoError(t, err)

	_, err = r.Register(ctx, alice, "acme", userTask("manual"))
	require.NoError(t, err)

	list, err := r.Scheduled(ctx)
	require.NoError(t, err)
	var keys []string
	for _, st := range list {
		keys = append(keys, st.Project+"/"+st.Task.ID)
	}
	assert.ElementsMatch(t, []string{"acme/report", "other/tick"}, keys)
}

func TestParse(t *testing.T) {
	defs, err := Parse(strings.NewReader(`
tasks:
  - id: greet
    description: says hi
    implementationCode: return "hi";
    requiredServices: [time]
    schedule: "0 9 * * *"
    enabled: true
`))
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "greet", defs[0].ID)
	assert.Equal(t, []string{"time"}, defs[0].RequiredServices)
	require.NotNil(t, defs[0].Schedule)
	assert.NoError(t, Validate(defs[0]))

	defs, err = Parse(strings.NewReader(`
tasks:
  - id: implicit
    description: d
    implementationCode: return 1;
  - id: off
    description: d
    implementationCode: return 1;
    enabled: false
`))
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.True(t, defs[0].Enabled, "enabled defaults to true")
	assert.False(t, defs[1].Enabled)

	_, err = Parse(strings.NewReader("tasks:\n  - id: x\n    bogus: 1\n"))
	assert.Error(t, err, "unknown fields are rejected")

	defs, err = Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, defs)
}
