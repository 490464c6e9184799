package triggers

import (
	"context"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"tenantstore/internal/logger"
	"tenantstore/internal/models"
)

// Runner executes one task invocation.
type Runner interface {
	Run(ctx context.Context, inv models.Invocation) (*models.ExecutionResult, error)
}

// ScheduleSource lists every enabled task that carries a schedule.
type ScheduleSource interface {
	Scheduled(ctx context.Context) ([]models.ScheduledTask, error)
}

// Scheduler runs scheduled tasks as the scheduler principal.
type Scheduler struct {
	source ScheduleSource
	runner Runner
	log    *zap.SugaredLogger
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func NewScheduler(source ScheduleSource, runner Runner) *Scheduler {
	log := logger.For(logger.ComponentTriggers)
	return &Scheduler{
		source:  source,
		runner:  runner,
		log:     log,
		cron:    cron.New(cron.WithParser(cronParser), cron.WithLogger(cronLogger{log})),
		entries: make(map[string]cron.EntryID),
	}
}

// Start loads the schedules and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Sync(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Infow("Scheduler started", "jobs", len(s.Jobs()))
	return nil
}

// Stop stops the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Sync replaces all cron entries with the current set of scheduled tasks.
func (s *Scheduler) Sync(ctx context.Context) error {
	scheduled, err := s.source.Scheduled(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, id := range s.entries {
		s.cron.Remove(id)
		delete(s.entries, key)
	}

	for _, st := range scheduled {
		spec := CronSpec(st.Task)
		if spec == "" || !st.Task.Enabled {
			continue
		}
		key := st.Project + "/" + st.Task.ID
		inv := models.Invocation{
			Caller:  models.Principal{UserID: models.SchedulerUserID, ProjectName: st.Project},
			Project: st.Project,
			TaskID:  st.Task.ID,
			Params:  map[string]any{},
			Source:  models.SourceSchedule,
		}
		id, err := s.cron.AddFunc(spec, func() { s.run(inv) })
		if err != nil {
			s.log.Warnw("Skipping task with invalid schedule", "task", key, "schedule", spec, "error", err)
			continue
		}
		s.entries[key] = id
	}
	return nil
}

// Jobs returns the scheduled "project/task" keys, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) run(inv models.Invocation) {
	res, err := s.runner.Run(context.Background(), inv)
	if err != nil {
		s.log.Errorw("Scheduled task could not start", "project", inv.Project, "task", inv.TaskID, "error", err)
		return
	}
	if !res.Success {
		s.log.Warnw("Scheduled task failed", "project", inv.Project, "task", inv.TaskID, "error", res.Error, "details", res.Details)
		return
	}
	s.log.Debugw("Scheduled task finished", "project", inv.Project, "task", inv.TaskID)
}

type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
