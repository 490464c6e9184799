package triggers

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"tenantstore/internal/documents"
	"tenantstore/internal/logger"
	"tenantstore/internal/models"
)

// MaxChain bounds how many trigger hops a single external write may cause.
const MaxChain = 3

type chainKey struct{}

func chainDepth(ctx context.Context) int {
	d, _ := ctx.Value(chainKey{}).(int)
	return d
}

// TaskLister returns the global and project tasks visible in a project.
type TaskLister interface {
	List(ctx context.Context, project string) (*models.TaskList, error)
}

// Dispatcher runs project tasks whose database trigger matches a write.
type Dispatcher struct {
	tasks  TaskLister
	runner Runner
	log    *zap.SugaredLogger
	wg     sync.WaitGroup
}

func NewDispatcher(tasks TaskLister, runner Runner) *Dispatcher {
	return &Dispatcher{
		tasks:  tasks,
		runner: runner,
		log:    logger.For(logger.ComponentTriggers),
	}
}

// Handle is a documents.Hook. Matching tasks run in the background; their
// failures are only logged.
func (d *Dispatcher) Handle(ctx context.Context, ev documents.Event) {
	depth := chainDepth(ctx)
	if depth >= MaxChain {
		d.log.Warnw("Trigger chain too deep, not dispatching", "project", ev.Project, "collection", ev.Collection, "depth", depth)
		return
	}

	list, err := d.tasks.List(ctx, ev.Project)
	if err != nil {
		d.log.Errorw("Failed to list tasks for trigger dispatch", "project", ev.Project, "error", err)
		return
	}

	var doc map[string]any
	if ev.Document != nil {
		doc = ev.Document.Clone()
	}

	for _, t := range list.Tasks {
		if !t.IsUserTask || !t.Enabled || t.Trigger == nil {
			continue
		}
		if !MatchesChange(t.Trigger, ev.Type, ev.Collection, ev.DocumentID) {
			continue
		}

		inv := models.Invocation{
			Caller:  ev.Caller,
			Project: ev.Project,
			TaskID:  t.ID,
			Params: map[string]any{
				"event":      ev.Type,
				"collection": ev.Collection,
				"documentId": ev.DocumentID,
				"document":   doc,
			},
			Source: models.SourceTrigger,
		}
		runCtx := context.WithValue(context.Background(), chainKey{}, depth+1)

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			res, err := d.runner.Run(runCtx, inv)
			if err != nil {
				d.log.Errorw("Trigger task could not start", "project", inv.Project, "task", inv.TaskID, "error", err)
				return
			}
			if !res.Success {
				d.log.Warnw("Trigger task failed", "project", inv.Project, "task", inv.TaskID, "error", res.Error, "details", res.Details)
			}
		}()
	}
}

// Wait blocks until all dispatched tasks have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
