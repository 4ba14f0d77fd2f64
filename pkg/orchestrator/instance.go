package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/user/guardian/pkg/audit"
	"github.com/user/guardian/pkg/guardian"
	"github.com/user/guardian/pkg/identity"
	"github.com/user/guardian/pkg/store"
)

// Instances manages the per-tenant configuration and the read-only
// dashboard rollups.
type Instances struct {
	store store.Store
	audit *audit.Recorder
	perms identity.Checker
	log   *zap.SugaredLogger
}

func NewInstances(s store.Store, a *audit.Recorder, perms identity.Checker, log *zap.SugaredLogger) *Instances {
	return &Instances{store: s, audit: a, perms: perms, log: log}
}

// UpsertInput carries the mutable instance fields.
type UpsertInput struct {
	DataRegion                       string              `json:"dataRegion"`
	Enabled                          bool                `json:"enabled"`
	PolicyPack                       string              `json:"policyPack"`
	PolicyVersion                    string              `json:"policyVersion"`
	AutoRemediationEnabled           bool                `json:"autoRemediationEnabled"`
	AutoRemediationAllowedSeverities []guardian.Severity `json:"autoRemediationAllowedSeverities,omitempty"`
	AllowProdAutoRemediation         bool                `json:"allowProdAutoRemediation"`
}

// Upsert creates or updates the tenant's instance (at most one per tenant).
func (o *Instances) Upsert(ctx context.Context, actor identity.Actor, tenantID uuid.UUID, in UpsertInput) (*guardian.Instance, error) {
	if err := requirePermission(ctx, o.perms, actor, identity.PermManage, tenantID); err != nil {
		return nil, err
	}
	if in.DataRegion == "" {
		return nil, fmt.Errorf("%w: dataRegion is required", guardian.ErrInvalidInput)
	}

	inst := &guardian.Instance{
		TenantID:                         tenantID,
		DataRegion:                       in.DataRegion,
		Enabled:                          in.Enabled,
		PolicyPack:                       in.PolicyPack,
		PolicyVersion:                    in.PolicyVersion,
		AutoRemediationEnabled:           in.AutoRemediationEnabled,
		AutoRemediationAllowedSeverities: in.AutoRemediationAllowedSeverities,
		AllowProdAutoRemediation:         in.AllowProdAutoRemediation,
	}
	if err := o.store.UpsertInstance(ctx, inst); err != nil {
		return nil, err
	}

	o.audit.Record(ctx, guardian.AuditEvent{
		TenantID:    tenantID,
		DataRegion:  inst.DataRegion,
		ActorUserID: actorPtr(actor),
		ActorRole:   actor.Role(),
		EventType:   guardian.EventInstanceUpserted,
		EntityType:  "instance",
		EntityID:    inst.ID,
		Metadata:    datatypes.JSONMap{"enabled": inst.Enabled, "policyPack": inst.PolicyPack},
	})
	return inst, nil
}

// Get returns the tenant's instance, or ErrNotFound when none exists.
func (o *Instances) Get(ctx context.Context, actor identity.Actor, tenantID uuid.UUID) (*guardian.Instance, error) {
	if err := requirePermission(ctx, o.perms, actor, identity.PermRead, tenantID); err != nil {
		return nil, err
	}
	return o.store.InstanceByTenant(ctx, tenantID)
}

// Summary returns the tenant dashboard counts. Read-only, not audited.
func (o *Instances) Summary(ctx context.Context, actor identity.Actor, tenantID uuid.UUID) (*guardian.Summary, error) {
	if err := requirePermission(ctx, o.perms, actor, identity.PermRead, tenantID); err != nil {
		return nil, err
	}
	return o.store.Summary(ctx, tenantID)
}

// ListFindings returns the tenant's findings with optional filters.
func (o *Instances) ListFindings(ctx context.Context, actor identity.Actor, tenantID uuid.UUID, filter store.FindingFilter) ([]guardian.Finding, error) {
	if err := requirePermission(ctx, o.perms, actor, identity.PermRead, tenantID); err != nil {
		return nil, err
	}
	return o.store.ListFindings(ctx, tenantID, filter)
}

// Finding returns one tenant-scoped finding.
func (o *Instances) Finding(ctx context.Context, actor identity.Actor, tenantID, findingID uuid.UUID) (*guardian.Finding, error) {
	if err := requirePermission(ctx, o.perms, actor, identity.PermRead, tenantID); err != nil {
		return nil, err
	}
	return o.store.FindingByID(ctx, tenantID, findingID)
}

// PlatformMetrics aggregates counts across all tenants. Read-only, not
// audited.
func (o *Instances) PlatformMetrics(ctx context.Context, actor identity.Actor) (*guardian.PlatformMetrics, error) {
	if err := requirePermission(ctx, o.perms, actor, identity.PermPlatformRead, uuid.Nil); err != nil {
		return nil, err
	}
	return o.store.PlatformMetrics(ctx)
}
