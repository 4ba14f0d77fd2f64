// Package store persists guardian entities. Store is the port the
// orchestrators and workers depend on; Memory and Gorm are the two
// implementations. Every tenant-facing read is scoped by tenant id in
// addition to the primary key.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/user/guardian/pkg/guardian"
)

const (
	// DefaultScanLimit applies when a scan listing gives no limit.
	DefaultScanLimit = 20
	// MaxScanLimit clamps scan listings.
	MaxScanLimit = 100
	// MaxListLimit caps finding and remediation listings.
	MaxListLimit = 200
	// RecentScanCount is how many scans the tenant summary includes.
	RecentScanCount = 5
)

// FindingFilter narrows a finding listing.
type FindingFilter struct {
	Status   *guardian.FindingStatus
	Severity *guardian.Severity
}

// TaskFilter narrows a remediation task listing.
type TaskFilter struct {
	Status *guardian.RemediationStatus
}

// Store is the persistence port.
type Store interface {
	UpsertInstance(ctx context.Context, inst *guardian.Instance) error
	InstanceByTenant(ctx context.Context, tenantID uuid.UUID) (*guardian.Instance, error)

	ServerOwnedBy(ctx context.Context, tenantID, serverID uuid.UUID) (bool, error)

	CreateScan(ctx context.Context, scan *guardian.Scan) error
	ScanByID(ctx context.Context, tenantID, scanID uuid.UUID) (*guardian.Scan, error)
	ListScans(ctx context.Context, tenantID uuid.UUID, limit int) ([]guardian.Scan, error)
	// StartScan moves a scan to running, recording startedAt. It succeeds
	// from queued, and from failed so a redelivered job can re-run; it
	// refuses completed and running scans.
	StartScan(ctx context.Context, scanID uuid.UUID, at time.Time) (bool, error)
	FinishScan(ctx context.Context, scanID uuid.UUID, status guardian.ScanStatus, completedAt *time.Time, findingsCount int, severityMax *guardian.Severity) error

	CreateFinding(ctx context.Context, f *guardian.Finding) error
	FindingByID(ctx context.Context, tenantID, findingID uuid.UUID) (*guardian.Finding, error)
	ListFindings(ctx context.Context, tenantID uuid.UUID, filter FindingFilter) ([]guardian.Finding, error)

	CreateTask(ctx context.Context, task *guardian.RemediationTask) error
	TaskByID(ctx context.Context, taskID uuid.UUID) (*guardian.RemediationTask, error)
	ListTasks(ctx context.Context, tenantID uuid.UUID, filter TaskFilter) ([]guardian.RemediationTask, error)
	// ApproveTask sets the approval fields for one scope. Re-approving the
	// same scope only refreshes the timestamp.
	ApproveTask(ctx context.Context, taskID uuid.UUID, scope guardian.ApprovalScope, by uuid.UUID, at time.Time) error
	// MarkTaskQueued is the dual-approval dispatch guard: an atomic
	// conditional update that flips QueuedForExecution while the task is
	// still pending. It returns true for exactly one caller per task.
	MarkTaskQueued(ctx context.Context, taskID uuid.UUID) (bool, error)
	// StartTaskExecution moves pending -> executing, recording who and when.
	StartTaskExecution(ctx context.Context, taskID uuid.UUID, executedBy string, at time.Time) (bool, error)
	FinishTask(ctx context.Context, taskID uuid.UUID, status guardian.RemediationStatus, completedAt *time.Time, result []byte) error
	// CancelTask moves pending or executing -> cancelled.
	CancelTask(ctx context.Context, taskID uuid.UUID) (bool, error)

	AppendAudit(ctx context.Context, ev *guardian.AuditEvent) error

	Summary(ctx context.Context, tenantID uuid.UUID) (*guardian.Summary, error)
	PlatformMetrics(ctx context.Context) (*guardian.PlatformMetrics, error)
}

// ClampScanLimit normalizes a caller-supplied scan listing limit.
func ClampScanLimit(limit int) int {
	if limit <= 0 {
		return DefaultScanLimit
	}
	if limit > MaxScanLimit {
		return MaxScanLimit
	}
	return limit
}
