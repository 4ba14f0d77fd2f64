// Package identity defines the engine's view of the external identity and
// permission service. The engine resolves an acting principal into an Actor
// and delegates every permission decision to a Checker.
package identity

import (
	"context"

	"github.com/google/uuid"
)

// Permissions checked by the engine.
const (
	PermRead            = "tenant:guardian:read"
	PermManage          = "tenant:guardian:manage"
	PermScan            = "tenant:guardian:scan"
	PermRemediate       = "tenant:guardian:remediate"
	PermApprove         = "tenant:guardian:approve"
	PermPlatformApprove = "platform:guardian:approve"
	PermPlatformRead    = "platform:guardian:read"
)

// Actor is a resolved principal.
type Actor struct {
	UserID           uuid.UUID
	TenantID         uuid.UUID
	Roles            []string
	PlatformOperator bool
}

// Role returns the primary role label recorded on audit events.
func (a Actor) Role() string {
	if len(a.Roles) > 0 {
		return a.Roles[0]
	}
	if a.PlatformOperator {
		return "platform-operator"
	}
	return "unknown"
}

// Checker answers whether an actor holds a permission for a tenant scope.
// Platform-scoped permissions ignore tenantID.
type Checker interface {
	Has(ctx context.Context, actor Actor, permission string, tenantID uuid.UUID) (bool, error)
}

// RoleChecker is a static role -> permission table. Tenant-scoped
// permissions additionally require the actor to belong to the tenant;
// platform-scoped ones require the platform operator flag.
type RoleChecker struct {
	grants map[string][]string
}

// NewRoleChecker builds the default table: admins manage and approve,
// operators scan and remediate, viewers read.
func NewRoleChecker() *RoleChecker {
	return &RoleChecker{grants: map[string][]string{
		"admin":    {PermRead, PermManage, PermScan, PermRemediate, PermApprove},
		"operator": {PermRead, PermScan, PermRemediate},
		"viewer":   {PermRead},
	}}
}

func (c *RoleChecker) Has(ctx context.Context, actor Actor, permission string, tenantID uuid.UUID) (bool, error) {
	switch permission {
	case PermPlatformApprove, PermPlatformRead:
		return actor.PlatformOperator, nil
	}
	if actor.TenantID != tenantID {
		// Platform operators may act on any tenant.
		if !actor.PlatformOperator {
			return false, nil
		}
	}
	for _, role := range actor.Roles {
		for _, p := range c.grants[role] {
			if p == permission {
				return true, nil
			}
		}
	}
	return actor.PlatformOperator, nil
}
