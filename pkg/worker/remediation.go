package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/user/guardian/pkg/backend"
	"github.com/user/guardian/pkg/guardian"
	"github.com/user/guardian/pkg/queue"
	"github.com/user/guardian/pkg/store"
)

// executedBySystem marks worker-driven execution on the task record.
const executedBySystem = "system"

// Remediation consumes the remediation topic. Unlike scans, a failed
// remediation is never handed back for retry: re-applying a possibly
// half-applied destructive action needs an explicit new request.
type Remediation struct {
	store   store.Store
	exec    backend.Executor
	log     *zap.SugaredLogger
	tracer  trace.Tracer
	timeout time.Duration
}

func NewRemediation(s store.Store, exec backend.Executor, log *zap.SugaredLogger, timeout time.Duration) *Remediation {
	return &Remediation{
		store:   s,
		exec:    exec,
		log:     log,
		tracer:  otel.Tracer("github.com/user/guardian/pkg/worker"),
		timeout: timeout,
	}
}

// Handle processes one remediation job. All failure paths return nil.
func (w *Remediation) Handle(ctx context.Context, job queue.Job) error {
	ctx, span := w.tracer.Start(ctx, "RemediationWorker.Handle")
	defer span.End()

	var msg guardian.RemediationJob
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		w.log.Errorw("malformed remediation job, dropping", "error", err)
		return nil
	}

	task, err := w.store.TaskByID(ctx, msg.RemediationID)
	if err != nil {
		if errors.Is(err, guardian.ErrNotFound) {
			w.log.Warnw("remediation task not found, dropping job", "taskId", msg.RemediationID)
		} else {
			w.log.Errorw("failed to load remediation task", "taskId", msg.RemediationID, "error", err)
		}
		return nil
	}

	// Defensive re-check of the dual-approval invariant at dequeue time.
	if !task.FullyApproved() {
		w.log.Warnw("remediation task missing approvals, refusing to execute", "taskId", task.ID)
		return nil
	}

	started, err := w.store.StartTaskExecution(ctx, task.ID, executedBySystem, time.Now().UTC())
	if err != nil {
		w.log.Errorw("failed to start task execution", "taskId", task.ID, "error", err)
		return nil
	}
	if !started {
		// Cancelled, or a duplicate delivery already executing.
		w.log.Debugw("task not pending, dropping job", "taskId", task.ID, "status", task.Status)
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	result, runErr := w.exec.Apply(runCtx, backend.ApplyRequest{
		TaskID:        task.ID,
		TenantID:      task.TenantID,
		ServerID:      task.ServerID,
		ActionType:    task.ActionType,
		ActionPayload: json.RawMessage(task.ActionPayload),
		DryRun:        task.DryRun,
	})
	if runErr != nil {
		if err := w.store.FinishTask(ctx, task.ID, guardian.TaskFailed, nil, nil); err != nil {
			w.log.Errorw("failed to record task failure", "taskId", task.ID, "error", err)
		}
		w.log.Errorw("remediation failed", "taskId", task.ID, "dryRun", task.DryRun, "error", runErr)
		return nil
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		resultJSON = nil
	}
	now := time.Now().UTC()
	if err := w.store.FinishTask(ctx, task.ID, guardian.TaskCompleted, &now, resultJSON); err != nil {
		w.log.Errorw("failed to record task completion", "taskId", task.ID, "error", err)
		return nil
	}
	w.log.Infow("remediation completed", "taskId", task.ID, "dryRun", task.DryRun)
	return nil
}
