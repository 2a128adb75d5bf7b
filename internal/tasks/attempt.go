package tasks

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"kbforge/internal/fanout"
	"kbforge/internal/logging"
	"kbforge/internal/phase"
	"kbforge/internal/router"
	"kbforge/internal/services"
)

var errHardLimit = errors.New("hard time limit exceeded")

type attemptOutcome struct {
	output     Output
	resolution router.Resolution
	applied    bool
	noop       bool
	abandoned  bool
	err        error
	duration   time.Duration
}

// attempt runs one try of task: validate, short-circuit completed work, check
// prerequisites, resolve a model, run the handler under the kind's limits and
// commit the result.
func (e *Executor) attempt(ctx context.Context, kind Kind, task *Task) attemptOutcome {
	ctx = services.WithTaskID(ctx, task.ID)
	ctx = services.WithItemID(ctx, task.ItemID)
	ctx = services.WithPhase(ctx, string(task.Phase))
	ctx = services.WithTaskKind(ctx, kind.Name)

	started := e.now()
	out := e.runAttempt(ctx, kind, task)
	out.duration = e.now().Sub(started)
	return out
}

func (e *Executor) runAttempt(ctx context.Context, kind Kind, task *Task) attemptOutcome {
	item, err := e.items.Get(ctx, task.ItemID)
	if err != nil {
		return attemptOutcome{err: services.Wrap(services.ErrTransient, "tasks", "load item", task.ItemID, err)}
	}
	if item == nil {
		return attemptOutcome{err: services.Wrap(services.ErrValidation, "tasks", "load item",
			fmt.Sprintf("item %s does not exist", task.ItemID), nil)}
	}

	state := item.PhaseState()
	if phase.AlreadyDone(state, task.Phase) {
		return attemptOutcome{noop: true}
	}
	if !phase.PreconditionMet(state, task.Phase) {
		return attemptOutcome{err: services.Wrap(services.ErrPrecondition, "tasks", "check prerequisites",
			fmt.Sprintf("%s needs %s", task.Phase, missingPrerequisites(state, task.Phase)), nil)}
	}

	handler := e.handlers[task.Phase]
	if handler == nil {
		return attemptOutcome{err: services.Wrap(services.ErrConfiguration, "tasks", "dispatch",
			fmt.Sprintf("no handler registered for %s", task.Phase), nil)}
	}

	resolution := router.Resolution{Phase: task.Phase}
	if router.UsesModel(task.Phase) {
		if e.router == nil {
			return attemptOutcome{err: services.Wrap(services.ErrConfiguration, "tasks", "resolve model", "no model router configured", nil)}
		}
		resolution, err = e.router.Resolve(ctx, task.Phase, task.Override)
		if err != nil {
			return attemptOutcome{err: err}
		}
	}

	req := Request{
		TaskID:     task.ID,
		Attempt:    task.RetryCount + 1,
		Item:       item,
		Params:     maps.Clone(task.Params),
		Resolution: resolution,
	}
	output, abandoned, err := e.runHandler(ctx, kind, task, handler, req)
	if err != nil {
		return attemptOutcome{resolution: resolution, abandoned: abandoned, err: err}
	}

	applied, err := e.items.CompletePhase(ctx, item.ID, task.Phase, output.Artifacts)
	if err != nil {
		if services.KindOf(err) == services.KindFatal {
			err = services.Wrap(services.ErrTransient, "tasks", "commit phase", "", err)
		}
		return attemptOutcome{resolution: resolution, err: err}
	}
	return attemptOutcome{output: output, resolution: resolution, applied: applied}
}

// runHandler runs h under the kind's limits. The soft limit is a warning the
// handler observes through Progress.Checkpoint; only the hard limit cancels
// the handler's context, and the handler goroutine is then abandoned.
func (e *Executor) runHandler(ctx context.Context, kind Kind, task *Task, h Handler, req Request) (Output, bool, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	progress := newProgress(runCtx, e.now, func(snap fanout.Progress) {
		e.reportProgress(ctx, task, snap)
	})
	req.Progress = progress

	if kind.SoftLimit > 0 {
		soft := time.AfterFunc(kind.SoftLimit, func() {
			progress.expireSoftLimit()
			logging.WarnWithContext(e.logger, "task exceeded soft time limit", "task_soft_limit",
				logging.String(logging.FieldTaskID, task.ID),
				logging.String(logging.FieldItemID, task.ItemID),
				logging.String(logging.FieldPhase, string(task.Phase)),
				logging.Duration("soft_limit", kind.SoftLimit),
				logging.String(logging.FieldImpact, "handler stops at its next checkpoint"),
				logging.String(logging.FieldErrorHint, "raise soft_limit for this task kind if the phase is routinely slow"),
			)
		})
		defer soft.Stop()
	}

	type handlerResult struct {
		out Output
		err error
	}
	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: services.Wrap(services.ErrFatal, "tasks", "run handler", fmt.Sprintf("panic: %v", r), nil)}
			}
		}()
		out, err := h.Run(runCtx, req)
		done <- handlerResult{out: out, err: err}
	}()

	var hard <-chan time.Time
	if kind.HardLimit > 0 {
		timer := time.NewTimer(kind.HardLimit)
		defer timer.Stop()
		hard = timer.C
	}

	select {
	case res := <-done:
		progress.close()
		if res.err != nil && errors.Is(res.err, errSoftLimit) {
			return Output{}, false, services.Wrap(services.ErrTimeout, "tasks", "run handler",
				fmt.Sprintf("%s exceeded soft limit %s", task.Phase, kind.SoftLimit), res.err)
		}
		return res.out, false, res.err
	case <-hard:
		progress.close()
		cancel(errHardLimit)
		return Output{}, true, services.Wrap(services.ErrTimeout, "tasks", "run handler",
			fmt.Sprintf("%s abandoned after hard limit %s", task.Phase, kind.HardLimit), nil)
	case <-ctx.Done():
		progress.close()
		return Output{}, false, ctx.Err()
	}
}

// attemptBudget is how many attempts a task gets in total. A bound of zero
// still runs the task once.
func attemptBudget(maxRetries int) int {
	if maxRetries < 1 {
		return 1
	}
	return maxRetries
}

func (e *Executor) reportProgress(ctx context.Context, task *Task, snap fanout.Progress) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.store.UpdateProgress(writeCtx, task.ID, snap); err != nil {
		e.logger.Debug("progress write failed", logging.String(logging.FieldTaskID, task.ID), logging.Error(err))
	}
	evt := taskEvent(fanout.EventTaskProgress, task, StatusRunning)
	evt.Progress = &snap
	e.publisher.PublishAll(evt)
}

// settle records the attempt outcome: success, a scheduled retry, or
// permanent failure. Item flags are only ever changed by the commit inside
// the attempt.
func (e *Executor) settle(ctx context.Context, l *lane, task *Task, out attemptOutcome) {
	kindName, phaseName := l.kind.Name, string(task.Phase)
	logger := e.logger.With(
		logging.String(logging.FieldTaskID, task.ID),
		logging.String(logging.FieldItemID, task.ItemID),
		logging.String(logging.FieldPhase, phaseName),
		logging.String(logging.FieldTaskKind, kindName),
	)

	if out.err == nil {
		e.settleSuccess(ctx, task, out, kindName, phaseName)
		logger.Info("task succeeded",
			logging.Bool("applied", out.applied),
			logging.Bool("noop", out.noop),
			logging.String("backend", out.resolution.BackendName),
			logging.String("model", out.resolution.Model),
			logging.Duration("duration", out.duration),
			logging.Int("retries", task.RetryCount),
		)
		return
	}

	errKind := services.KindOf(out.err)
	message := out.err.Error()
	e.metrics.AttemptFinished(kindName, phaseName, string(errKind), out.duration)

	if services.Retryable(out.err) && task.RetryCount+1 < attemptBudget(task.MaxRetries) {
		retry := task.RetryCount + 1
		delay := retryDelay(l.kind, retry, out.err, e.rand)
		next := e.now().Add(delay)
		if err := e.store.MarkRetrying(ctx, task.ID, retry, next, errKind, message); err != nil {
			logger.Error("failed to schedule retry", logging.Error(err))
			return
		}
		e.metrics.TaskRetried(kindName, string(errKind))
		evt := taskEvent(fanout.EventTaskRetrying, task, StatusRetrying)
		evt.Error = message
		evt.ErrorKind = string(errKind)
		e.publisher.PublishAll(evt)
		logging.WarnWithContext(logger, "task attempt failed; retry scheduled", "task_retrying",
			logging.Error(out.err),
			logging.String(logging.FieldErrorKind, string(errKind)),
			logging.Int("attempt", retry),
			logging.Int("max_retries", task.MaxRetries),
			logging.Duration("delay", delay),
			logging.String(logging.FieldImpact, "phase completes later than expected"),
			logging.String(logging.FieldErrorHint, "transient failures retry automatically"),
		)
		l.signal()
		return
	}

	result := Result{
		Success:       false,
		Error:         message,
		ErrorKind:     errKind,
		ExecutionTime: out.duration,
		RetryCount:    task.RetryCount,
	}
	if err := e.store.Finish(ctx, task.ID, StatusFailed, result); err != nil {
		logger.Error("failed to record task failure", logging.Error(err))
	}
	e.metrics.TaskFinished(kindName, phaseName, string(StatusFailed))
	if err := e.items.RecordPhaseError(ctx, task.ItemID, task.Phase, message); err != nil {
		logger.Debug("record phase error failed", logging.Error(err))
	}

	evt := taskEvent(fanout.EventTaskFailed, task, StatusFailed)
	evt.Error = message
	evt.ErrorKind = string(errKind)
	e.publisher.PublishAll(evt)
	if errKind == services.KindConfiguration {
		cfgEvt := taskEvent(fanout.EventConfigurationError, task, StatusFailed)
		cfgEvt.Error = message
		cfgEvt.ErrorKind = string(errKind)
		e.publisher.PublishAll(cfgEvt)
	}

	logging.ErrorWithContext(logger, "task failed", "task_failed",
		logging.Error(out.err),
		logging.String(logging.FieldErrorKind, string(errKind)),
		logging.Int("retries", task.RetryCount),
		logging.String(logging.FieldErrorHint, failureHint(errKind)),
	)
}

func (e *Executor) settleSuccess(ctx context.Context, task *Task, out attemptOutcome, kindName, phaseName string) {
	outcome := "success"
	if !out.applied {
		outcome = "noop"
	}
	e.metrics.AttemptFinished(kindName, phaseName, outcome, out.duration)

	data := maps.Clone(out.output.Data)
	if data == nil {
		data = map[string]any{}
	}
	data["applied"] = out.applied
	if out.noop {
		data["already_complete"] = true
	}
	if out.resolution.BackendName != "" {
		data["backend"] = out.resolution.BackendName
		data["model"] = out.resolution.Model
	}
	result := Result{
		Success:       true,
		Data:          data,
		ExecutionTime: out.duration,
		RetryCount:    task.RetryCount,
	}
	if err := e.store.Finish(ctx, task.ID, StatusSucceeded, result); err != nil {
		e.logger.Error("failed to record task success", logging.String(logging.FieldTaskID, task.ID), logging.Error(err))
	}
	e.metrics.TaskFinished(kindName, phaseName, string(StatusSucceeded))

	if out.applied {
		e.metrics.PhaseCommitted(phaseName)
		e.publisher.PublishAll(taskEvent(fanout.EventItemPhaseCompleted, task, StatusSucceeded))
		if e.onPhaseCompleted != nil {
			e.onPhaseCompleted(task.ItemID, task.Phase)
		}
	}
	e.publisher.PublishAll(taskEvent(fanout.EventTaskSucceeded, task, StatusSucceeded))
}

func taskEvent(t fanout.EventType, task *Task, status Status) fanout.Event {
	return fanout.Event{
		Type:   t,
		TaskID: task.ID,
		ItemID: task.ItemID,
		Phase:  string(task.Phase),
		Status: string(status),
	}
}

func missingPrerequisites(state phase.State, p phase.Phase) string {
	var missing []string
	for _, dep := range phase.Prerequisites(p) {
		if !state.Flags.Done(dep) {
			missing = append(missing, string(dep))
		}
	}
	return strings.Join(missing, ", ")
}

func failureHint(kind services.Kind) string {
	switch kind {
	case services.KindConfiguration:
		return "check backend registration and the phase model selector"
	case services.KindPrecondition:
		return "run the prerequisite phases first"
	case services.KindValidation:
		return "check the item id and request parameters"
	case services.KindTimeout, services.KindTransient:
		return "retries exhausted; re-enqueue once the backend recovers"
	default:
		return "check logs for details"
	}
}
