package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/user/guardian/pkg/audit"
	"github.com/user/guardian/pkg/guardian"
	"github.com/user/guardian/pkg/identity"
	"github.com/user/guardian/pkg/queue"
	"github.com/user/guardian/pkg/store"
)

// Remediations creates remediation tasks and applies the dual-approval rule
// before anything reaches the remediation topic.
type Remediations struct {
	store  store.Store
	queue  queue.Dispatcher
	audit  *audit.Recorder
	perms  identity.Checker
	log    *zap.SugaredLogger
	tracer trace.Tracer
}

func NewRemediations(s store.Store, q queue.Dispatcher, a *audit.Recorder, perms identity.Checker, log *zap.SugaredLogger) *Remediations {
	return &Remediations{
		store:  s,
		queue:  q,
		audit:  a,
		perms:  perms,
		log:    log,
		tracer: otel.Tracer(tracerName),
	}
}

// RequestInput is the validated request body for a remediation request.
// DryRun defaults to true: running live requires an explicit opt-out.
type RequestInput struct {
	ScanID        *uuid.UUID         `json:"scanId,omitempty"`
	FindingID     *uuid.UUID         `json:"findingId,omitempty"`
	ServerID      *uuid.UUID         `json:"serverId,omitempty"`
	Severity      *guardian.Severity `json:"severity,omitempty"`
	ActionType    string             `json:"actionType"`
	ActionPayload json.RawMessage    `json:"actionPayload,omitempty"`
	DryRun        *bool              `json:"dryRun,omitempty"`
}

// Request creates a pending task. Execution stays gated behind both
// approvals, so no job is enqueued here.
func (o *Remediations) Request(ctx context.Context, actor identity.Actor, tenantID uuid.UUID, in RequestInput) (*guardian.RemediationTask, error) {
	ctx, span := o.tracer.Start(ctx, "Remediations.Request")
	defer span.End()

	if err := requirePermission(ctx, o.perms, actor, identity.PermRemediate, tenantID); err != nil {
		return nil, err
	}
	if in.ActionType == "" {
		return nil, fmt.Errorf("%w: actionType is required", guardian.ErrInvalidInput)
	}

	inst, err := enabledInstance(ctx, o.store, tenantID)
	if err != nil {
		return nil, err
	}

	dryRun := true
	if in.DryRun != nil {
		dryRun = *in.DryRun
	}

	task := &guardian.RemediationTask{
		ID:            uuid.New(),
		TenantID:      tenantID,
		InstanceID:    inst.ID,
		ScanID:        in.ScanID,
		FindingID:     in.FindingID,
		ServerID:      in.ServerID,
		Severity:      in.Severity,
		Mode:          guardian.ModeRequest,
		Status:        guardian.TaskPending,
		DryRun:        dryRun,
		ActionType:    in.ActionType,
		ActionPayload: datatypes.JSON(in.ActionPayload),
		RequestedBy:   actor.UserID,
		DataRegion:    inst.DataRegion,
	}
	if err := o.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	o.audit.Record(ctx, guardian.AuditEvent{
		TenantID:    tenantID,
		DataRegion:  inst.DataRegion,
		ActorUserID: actorPtr(actor),
		ActorRole:   actor.Role(),
		EventType:   guardian.EventRemediationRequested,
		EntityType:  "remediation_task",
		EntityID:    task.ID,
		Metadata:    datatypes.JSONMap{"actionType": in.ActionType, "dryRun": dryRun},
	})

	o.log.Infow("remediation requested", "taskId", task.ID, "tenantId", tenantID, "actionType", in.ActionType, "dryRun", dryRun)
	return task, nil
}

// Approve records one approval scope on a task. Approvals are idempotent
// (re-approving refreshes the timestamp) and order-independent. Once both
// approvals are present and the task is still pending, exactly one caller
// wins the dispatch guard and enqueues the execution job; the task stays
// pending until the worker picks it up.
func (o *Remediations) Approve(ctx context.Context, actor identity.Actor, taskID uuid.UUID, scope guardian.ApprovalScope) (*guardian.RemediationTask, error) {
	ctx, span := o.tracer.Start(ctx, "Remediations.Approve")
	defer span.End()

	task, err := o.store.TaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch scope {
	case guardian.ScopeTenant:
		if err := requirePermission(ctx, o.perms, actor, identity.PermApprove, task.TenantID); err != nil {
			return nil, err
		}
	case guardian.ScopePlatform:
		if err := requirePermission(ctx, o.perms, actor, identity.PermPlatformApprove, task.TenantID); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown approval scope %q", guardian.ErrInvalidInput, scope)
	}

	if err := o.store.ApproveTask(ctx, taskID, scope, actor.UserID, time.Now().UTC()); err != nil {
		return nil, err
	}

	o.audit.Record(ctx, guardian.AuditEvent{
		TenantID:    task.TenantID,
		DataRegion:  task.DataRegion,
		ActorUserID: actorPtr(actor),
		ActorRole:   actor.Role(),
		EventType:   guardian.EventRemediationApproved,
		EntityType:  "remediation_task",
		EntityID:    task.ID,
		Metadata:    datatypes.JSONMap{"scope": string(scope)},
	})

	// Re-read after persisting so the other approval, possibly written
	// concurrently, is visible before the dispatch decision.
	task, err = o.store.TaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.FullyApproved() && task.Status == guardian.TaskPending {
		won, err := o.store.MarkTaskQueued(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if won {
			if err := o.enqueueExecution(ctx, task); err != nil {
				return nil, err
			}
			o.log.Infow("remediation dispatched", "taskId", task.ID, "tenantId", task.TenantID)
		}
	}
	return task, nil
}

func (o *Remediations) enqueueExecution(ctx context.Context, task *guardian.RemediationTask) error {
	payload, err := json.Marshal(guardian.RemediationJob{
		RemediationID: task.ID,
		TenantID:      task.TenantID,
		ServerID:      task.ServerID,
		DataRegion:    task.DataRegion,
	})
	if err != nil {
		return err
	}
	return o.queue.Enqueue(ctx, queue.TopicRemediation, payload)
}

// Cancel is the operator escape hatch: pending or executing tasks move to
// cancelled. The worker refuses to start a task that is no longer pending.
func (o *Remediations) Cancel(ctx context.Context, actor identity.Actor, taskID uuid.UUID) (*guardian.RemediationTask, error) {
	task, err := o.store.TaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := requirePermission(ctx, o.perms, actor, identity.PermRemediate, task.TenantID); err != nil {
		return nil, err
	}

	cancelled, err := o.store.CancelTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return nil, fmt.Errorf("%w: task %s is already terminal", guardian.ErrInvalidInput, taskID)
	}

	o.audit.Record(ctx, guardian.AuditEvent{
		TenantID:    task.TenantID,
		DataRegion:  task.DataRegion,
		ActorUserID: actorPtr(actor),
		ActorRole:   actor.Role(),
		EventType:   guardian.EventRemediationCancelled,
		EntityType:  "remediation_task",
		EntityID:    task.ID,
	})
	return o.store.TaskByID(ctx, taskID)
}

// List returns the tenant's tasks, newest first.
func (o *Remediations) List(ctx context.Context, actor identity.Actor, tenantID uuid.UUID, filter store.TaskFilter) ([]guardian.RemediationTask, error) {
	if err := requirePermission(ctx, o.perms, actor, identity.PermRead, tenantID); err != nil {
		return nil, err
	}
	return o.store.ListTasks(ctx, tenantID, filter)
}
