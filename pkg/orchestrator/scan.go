package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

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

// Scans creates scan records and hands them to the scan topic.
type Scans struct {
	store  store.Store
	queue  queue.Dispatcher
	audit  *audit.Recorder
	perms  identity.Checker
	log    *zap.SugaredLogger
	tracer trace.Tracer
}

func NewScans(s store.Store, q queue.Dispatcher, a *audit.Recorder, perms identity.Checker, log *zap.SugaredLogger) *Scans {
	return &Scans{
		store:  s,
		queue:  q,
		audit:  a,
		perms:  perms,
		log:    log,
		tracer: otel.Tracer(tracerName),
	}
}

// TriggerScanInput is the validated request body for a scan trigger.
type TriggerScanInput struct {
	Type     string     `json:"type"`
	ServerID *uuid.UUID `json:"serverId,omitempty"`
}

// Trigger creates a queued scan, enqueues its job and audits the request.
// The scan result is not available until the worker completes it.
// Duplicate triggers create duplicate scans; each is independently
// auditable.
func (o *Scans) Trigger(ctx context.Context, actor identity.Actor, tenantID uuid.UUID, in TriggerScanInput) (*guardian.Scan, error) {
	ctx, span := o.tracer.Start(ctx, "Scans.Trigger")
	defer span.End()

	if err := requirePermission(ctx, o.perms, actor, identity.PermScan, tenantID); err != nil {
		return nil, err
	}
	if in.Type == "" {
		return nil, fmt.Errorf("%w: type is required", guardian.ErrInvalidInput)
	}

	inst, err := enabledInstance(ctx, o.store, tenantID)
	if err != nil {
		return nil, err
	}

	// A server belonging to another tenant is treated as absent rather than
	// rejected, so platform-wide scans can pass arbitrary targets.
	serverID := in.ServerID
	if serverID != nil {
		owned, err := o.store.ServerOwnedBy(ctx, tenantID, *serverID)
		if err != nil {
			return nil, err
		}
		if !owned {
			o.log.Debugw("server not owned by tenant, scanning server-less", "tenantId", tenantID, "serverId", *serverID)
			serverID = nil
		}
	}

	scan := &guardian.Scan{
		ID:          uuid.New(),
		TenantID:    tenantID,
		InstanceID:  inst.ID,
		ServerID:    serverID,
		DataRegion:  inst.DataRegion,
		Type:        in.Type,
		Status:      guardian.ScanQueued,
		TriggeredBy: actor.UserID,
	}
	if err := o.store.CreateScan(ctx, scan); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(guardian.ScanJob{
		ScanID:     scan.ID,
		TenantID:   tenantID,
		ServerID:   serverID,
		DataRegion: inst.DataRegion,
		Type:       in.Type,
	})
	if err != nil {
		return nil, err
	}
	if err := o.queue.Enqueue(ctx, queue.TopicScan, payload); err != nil {
		return nil, err
	}

	o.audit.Record(ctx, guardian.AuditEvent{
		TenantID:    tenantID,
		DataRegion:  inst.DataRegion,
		ActorUserID: actorPtr(actor),
		ActorRole:   actor.Role(),
		EventType:   guardian.EventScanTriggered,
		EntityType:  "scan",
		EntityID:    scan.ID,
		Metadata:    datatypes.JSONMap{"type": in.Type},
	})

	o.log.Infow("scan triggered", "scanId", scan.ID, "tenantId", tenantID, "type", in.Type)
	return scan, nil
}

// List returns the tenant's scans, newest first.
func (o *Scans) List(ctx context.Context, actor identity.Actor, tenantID uuid.UUID, limit int) ([]guardian.Scan, error) {
	if err := requirePermission(ctx, o.perms, actor, identity.PermRead, tenantID); err != nil {
		return nil, err
	}
	return o.store.ListScans(ctx, tenantID, limit)
}
