// Package executor runs task code. Every invocation gets a fresh JavaScript
// runtime, a wall-clock deadline and only the capabilities its definition
// declares.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/looplab/fsm"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"tenantstore/internal/apperr"
	"tenantstore/internal/documents"
	"tenantstore/internal/logger"
	"tenantstore/internal/metrics"
	"tenantstore/internal/models"
	"tenantstore/internal/services"
)

// Invocation states.
const (
	StatePending   = "pending"
	StateCompiling = "compiling"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateTimedOut  = "timed_out"
)

const (
	eventCompile = "compile"
	eventRun     = "run"
	eventSucceed = "succeed"
	eventFail    = "fail"
	eventTimeout = "timeout"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultMaxDepth  = 5
	DefaultCacheSize = 256
)

// ExecutionFailed is the error reported for every failed run.
const ExecutionFailed = "Task execution failed"

type Config struct {
	Timeout   time.Duration
	MaxDepth  int
	CacheSize int
}

// TaskSource resolves task definitions.
type TaskSource interface {
	Get(ctx context.Context, project, id string) (*models.Task, error)
}

type Engine struct {
	tasks    TaskSource
	docs     *documents.Service
	services *services.Set
	cfg      Config
	programs *lru.Cache[uint64, *goja.Program]
	log      *zap.SugaredLogger
	now      func() time.Time
}

func New(tasks TaskSource, docs *documents.Service, svcs *services.Set, cfg Config) (*Engine, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	programs, err := lru.New[uint64, *goja.Program](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		tasks:    tasks,
		docs:     docs,
		services: svcs,
		cfg:      cfg,
		programs: programs,
		log:      logger.For(logger.ComponentExecutor),
		now:      time.Now,
	}, nil
}

// frame is one level of a (possibly nested) invocation.
type frame struct {
	inv      models.Invocation
	task     *models.Task
	depth    int
	deadline time.Time
	budget   time.Duration
}

// failure is a classified execution failure.
type failure struct {
	kind    apperr.Kind
	details string
}

// Run executes a task. The returned error is set when the task could not be
// started (unknown, disabled, call depth); execution failures are reported
// in the result.
func (e *Engine) Run(ctx context.Context, inv models.Invocation) (*models.ExecutionResult, error) {
	return e.run(ctx, inv, 0, time.Time{})
}

func (e *Engine) run(ctx context.Context, inv models.Invocation, depth int, parentDeadline time.Time) (*models.ExecutionResult, error) {
	start := e.now()

	if depth > e.cfg.MaxDepth {
		metrics.ObserveTask(metrics.OutcomeRejected, inv.Source, 0)
		return nil, apperr.New(apperr.InvalidArgument, "Maximum task call depth of %d exceeded", e.cfg.MaxDepth).
			WithCode("MaxCallDepthExceeded").
			WithDetails(map[string]any{"task": inv.TaskID, "depth": depth})
	}
	task, err := e.tasks.Get(ctx, inv.Project, inv.TaskID)
	if err != nil {
		metrics.ObserveTask(metrics.OutcomeRejected, inv.Source, 0)
		return nil, err
	}
	if !task.Enabled {
		metrics.ObserveTask(metrics.OutcomeRejected, inv.Source, 0)
		return nil, apperr.New(apperr.InvalidArgument, "Task is disabled").
			WithCode("TaskDisabled").
			WithDetails(map[string]any{"id": task.ID})
	}

	deadline := start.Add(e.cfg.Timeout)
	if !parentDeadline.IsZero() && parentDeadline.Before(deadline) {
		deadline = parentDeadline
	}
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	f := &frame{inv: inv, task: task, depth: depth, deadline: deadline, budget: deadline.Sub(start)}
	result, state := e.execute(ctx, f)

	outcome := metrics.OutcomeSucceeded
	switch state {
	case StateFailed:
		outcome = metrics.OutcomeFailed
	case StateTimedOut:
		outcome = metrics.OutcomeTimedOut
	}
	elapsed := e.now().Sub(start)
	metrics.ObserveTask(outcome, inv.Source, elapsed)

	if result.Success {
		e.log.Infow("Task finished", "project", inv.Project, "task", task.ID, "source", inv.Source, "depth", depth, "duration", elapsed)
	} else {
		e.log.Warnw("Task failed", "project", inv.Project, "task", task.ID, "source", inv.Source, "depth", depth,
			"state", state, "details", result.Details, "duration", elapsed)
	}
	return result, nil
}

func newMachine(log *zap.SugaredLogger, taskID string) *fsm.FSM {
	return fsm.NewFSM(
		StatePending,
		fsm.Events{
			{Name: eventCompile, Src: []string{StatePending}, Dst: StateCompiling},
			{Name: eventRun, Src: []string{StateCompiling}, Dst: StateRunning},
			{Name: eventSucceed, Src: []string{StateRunning}, Dst: StateSucceeded},
			{Name: eventFail, Src: []string{StateCompiling, StateRunning}, Dst: StateFailed},
			{Name: eventTimeout, Src: []string{StateRunning}, Dst: StateTimedOut},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debugw("Task state changed", "task", taskID, "from", e.Src, "to", e.Dst)
			},
		},
	)
}

// execute drives one invocation through its state machine.
func (e *Engine) execute(ctx context.Context, f *frame) (*models.ExecutionResult, string) {
	machine := newMachine(e.log, f.task.ID)
	fsmCtx := context.WithoutCancel(ctx)
	transition := func(event string) {
		if err := machine.Event(fsmCtx, event); err != nil {
			e.log.Debugw("Ignoring state transition", "task", f.task.ID, "event", event, "error", err)
		}
	}

	fail := func(event string, fl failure) (*models.ExecutionResult, string) {
		transition(event)
		return &models.ExecutionResult{
			Success:  false,
			Error:    ExecutionFailed,
			Details:  fl.details,
			TaskName: f.task.ID,
		}, machine.Current()
	}

	transition(eventCompile)
	program, err := e.compile(f.task)
	if err != nil {
		return fail(eventFail, failure{kind: apperr.CompilationError, details: "Compilation error: " + err.Error()})
	}

	transition(eventRun)
	value, fl := e.call(ctx, f, program)
	if fl != nil {
		if fl.kind == apperr.ExecutionTimeout {
			return fail(eventTimeout, *fl)
		}
		return fail(eventFail, *fl)
	}

	transition(eventSucceed)
	executedAt := e.now().UTC()
	return &models.ExecutionResult{
		Success:    true,
		Result:     value,
		TaskName:   f.task.ID,
		ExecutedAt: &executedAt,
	}, machine.Current()
}

func wrapSource(code string) string {
	return "(async function(params, context) {\n" + code + "\n})"
}

func (e *Engine) compile(task *models.Task) (*goja.Program, error) {
	key := xxh3.HashString(task.ImplementationCode)
	if p, ok := e.programs.Get(key); ok {
		metrics.ProgramCacheHit()
		return p, nil
	}
	metrics.ProgramCacheMiss()
	p, err := goja.Compile(task.ID, wrapSource(task.ImplementationCode), false)
	if err != nil {
		return nil, err
	}
	e.programs.Add(key, p)
	return p, nil
}

type interruptReason string

const (
	interruptTimeout  interruptReason = "timeout"
	interruptCanceled interruptReason = "canceled"
)

// call runs the compiled function in a fresh runtime and waits for its
// promise. The runtime is interrupted at the deadline or when ctx ends, and
// host calls see a context that expires at the same deadline.
func (e *Engine) call(ctx context.Context, f *frame, program *goja.Program) (any, *failure) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	runCtx, cancel := context.WithDeadline(ctx, f.deadline)
	defer cancel()
	timer := time.AfterFunc(time.Until(f.deadline), func() { vm.Interrupt(interruptTimeout) })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(interruptCanceled) })
	defer stop()

	fnValue, err := vm.RunProgram(program)
	if err != nil {
		return nil, e.classify(runCtx, f, err)
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return nil, &failure{kind: apperr.CompilationError, details: "Compilation error: task body is not callable"}
	}

	b := &binding{engine: e, vm: vm, ctx: runCtx, frame: f}
	contextObj := b.contextObject()
	ret, err := fn(goja.Undefined(), vm.ToValue(jsValue(f.inv.Params)), contextObj)
	if err != nil {
		return nil, e.classify(runCtx, f, err)
	}
	if deadlineExceeded(runCtx) {
		return nil, e.timeout(f)
	}

	if promise, ok := ret.Export().(*goja.Promise); ok {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			ret = promise.Result()
		case goja.PromiseStateRejected:
			return nil, &failure{kind: apperr.RuntimeError, details: errorMessage(promise.Result())}
		default:
			return nil, &failure{kind: apperr.RuntimeError, details: "task did not settle its result"}
		}
	}
	if ret == nil || goja.IsUndefined(ret) || goja.IsNull(ret) {
		return nil, nil
	}
	return ret.Export(), nil
}

// deadlineExceeded reports whether the invocation deadline has passed. A
// host call cut short by it surfaces as an ordinary error or rejection.
func deadlineExceeded(runCtx context.Context) bool {
	return errors.Is(runCtx.Err(), context.DeadlineExceeded)
}

func (e *Engine) timeout(f *frame) *failure {
	return &failure{
		kind:    apperr.ExecutionTimeout,
		details: fmt.Sprintf("Task execution timeout after %s", f.budget.Round(time.Millisecond)),
	}
}

func (e *Engine) classify(runCtx context.Context, f *frame, err error) *failure {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if interrupted.Value() == interruptCanceled && !deadlineExceeded(runCtx) {
			return &failure{kind: apperr.RuntimeError, details: "execution canceled"}
		}
		return e.timeout(f)
	}
	if deadlineExceeded(runCtx) {
		return e.timeout(f)
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return &failure{kind: apperr.RuntimeError, details: errorMessage(exception.Value())}
	}
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &failure{kind: apperr.CompilationError, details: "Compilation error: " + syntax.Error()}
	}
	return &failure{kind: apperr.RuntimeError, details: err.Error()}
}
