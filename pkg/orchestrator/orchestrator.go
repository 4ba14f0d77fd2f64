// Package orchestrator is the write path invoked by the API layer. Every
// mutating operation follows the same pipeline: permission check, store
// write, queue enqueue where applicable, audit record.
package orchestrator

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/user/guardian/pkg/guardian"
	"github.com/user/guardian/pkg/identity"
	"github.com/user/guardian/pkg/store"
)

// tracerName scopes the otel spans emitted by this package.
const tracerName = "github.com/user/guardian/pkg/orchestrator"

// enabledInstance loads the tenant's instance and enforces the gate that
// nothing runs for a tenant without an enabled instance.
func enabledInstance(ctx context.Context, s store.Store, tenantID uuid.UUID) (*guardian.Instance, error) {
	inst, err := s.InstanceByTenant(ctx, tenantID)
	if errors.Is(err, guardian.ErrNotFound) {
		return nil, guardian.ErrNotConfigured
	}
	if err != nil {
		return nil, err
	}
	if !inst.Enabled {
		return nil, guardian.ErrNotConfigured
	}
	return inst, nil
}

// requirePermission delegates to the identity service and collapses a
// negative answer into ErrPermissionDenied.
func requirePermission(ctx context.Context, c identity.Checker, actor identity.Actor, permission string, tenantID uuid.UUID) error {
	ok, err := c.Has(ctx, actor, permission, tenantID)
	if err != nil {
		return err
	}
	if !ok {
		return guardian.ErrPermissionDenied
	}
	return nil
}

func actorPtr(actor identity.Actor) *uuid.UUID {
	if actor.UserID == uuid.Nil {
		return nil
	}
	id := actor.UserID
	return &id
}
