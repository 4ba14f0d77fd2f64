// Package guardian holds the data model for the security scan and
// remediation workflow engine: per-tenant instances, scans and their
// findings, dual-approval remediation tasks, and the audit trail.
package guardian

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ScanStatus is the scan lifecycle: queued -> running -> completed | failed.
type ScanStatus string

const (
	ScanQueued    ScanStatus = "queued"
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
)

// Terminal reports whether a scan in this status will not transition again.
func (s ScanStatus) Terminal() bool {
	return s == ScanCompleted || s == ScanFailed
}

type FindingStatus string

const (
	FindingOpen     FindingStatus = "open"
	FindingResolved FindingStatus = "resolved"
	FindingIgnored  FindingStatus = "ignored"
)

type FindingRemediationStatus string

const (
	RemediationPendingFix    FindingRemediationStatus = "pending"
	RemediationInProgressFix FindingRemediationStatus = "in_progress"
	RemediationResolvedFix   FindingRemediationStatus = "resolved"
)

// RemediationStatus is the task lifecycle: pending -> executing ->
// completed | failed, with cancelled reachable from pending or executing.
type RemediationStatus string

const (
	TaskPending   RemediationStatus = "pending"
	TaskExecuting RemediationStatus = "executing"
	TaskCompleted RemediationStatus = "completed"
	TaskFailed    RemediationStatus = "failed"
	TaskCancelled RemediationStatus = "cancelled"
)

type RemediationMode string

const (
	ModeRequest RemediationMode = "request"
	ModeAuto    RemediationMode = "auto"
)

// ApprovalScope distinguishes the two independent approvals a task needs.
type ApprovalScope string

const (
	ScopeTenant   ApprovalScope = "tenant"
	ScopePlatform ApprovalScope = "platform"
)

// Instance is the per-tenant Guardian configuration. At most one exists per
// tenant; scanning and remediation are refused unless it exists and is
// enabled.
type Instance struct {
	ID                               uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID                         uuid.UUID  `json:"tenantId" gorm:"type:uuid;uniqueIndex"`
	DataRegion                       string     `json:"dataRegion" gorm:"size:32"`
	Enabled                          bool       `json:"enabled"`
	PolicyPack                       string     `json:"policyPack" gorm:"size:64"`
	PolicyVersion                    string     `json:"policyVersion" gorm:"size:32"`
	AutoRemediationEnabled           bool       `json:"autoRemediationEnabled"`
	AutoRemediationAllowedSeverities []Severity `json:"autoRemediationAllowedSeverities" gorm:"serializer:json"`
	AllowProdAutoRemediation         bool       `json:"allowProdAutoRemediation"`
	CreatedAt                        time.Time  `json:"createdAt"`
	UpdatedAt                        time.Time  `json:"updatedAt"`
}

func (Instance) TableName() string { return "guardian_instances" }

// Scan is one scan run. Rows are created queued, mutated only by the scan
// worker, and never change again once terminal. FindingsCount and
// SeverityMax only grow while findings are ingested.
type Scan struct {
	ID            uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID      uuid.UUID  `json:"tenantId" gorm:"type:uuid;index"`
	InstanceID    uuid.UUID  `json:"instanceId" gorm:"type:uuid"`
	ServerID      *uuid.UUID `json:"serverId,omitempty" gorm:"type:uuid"`
	DataRegion    string     `json:"dataRegion" gorm:"size:32"`
	Type          string     `json:"type" gorm:"size:32"`
	Status        ScanStatus `json:"status" gorm:"size:16;index"`
	FindingsCount int        `json:"findingsCount"`
	SeverityMax   *Severity  `json:"severityMax,omitempty"`
	TriggeredBy   uuid.UUID  `json:"triggeredBy" gorm:"type:uuid"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

func (Scan) TableName() string { return "guardian_scans" }

// Finding is derived data owned by its parent scan, but its status fields
// are independently mutated by the remediation workflow.
type Finding struct {
	ID                uuid.UUID                `json:"id" gorm:"type:uuid;primaryKey"`
	ScanID            uuid.UUID                `json:"scanId" gorm:"type:uuid;index"`
	TenantID          uuid.UUID                `json:"tenantId" gorm:"type:uuid;index"`
	ServerID          *uuid.UUID               `json:"serverId,omitempty" gorm:"type:uuid"`
	Severity          Severity                 `json:"severity" gorm:"index"`
	Category          string                   `json:"category" gorm:"size:64"`
	Title             string                   `json:"title" gorm:"size:255"`
	Description       string                   `json:"description,omitempty" gorm:"type:text"`
	Details           datatypes.JSON           `json:"details,omitempty"`
	Status            FindingStatus            `json:"status" gorm:"size:16;index"`
	RemediationStatus FindingRemediationStatus `json:"remediationStatus" gorm:"size:16"`
	CreatedAt         time.Time                `json:"createdAt"`
}

func (Finding) TableName() string { return "guardian_findings" }

// RemediationTask is a proposed corrective action. It is created pending and
// may only be queued for execution once both the tenant and the platform
// approval timestamps are set. QueuedForExecution is the dispatch guard:
// flipping it is an atomic conditional update so concurrent approvals
// enqueue at most one job.
type RemediationTask struct {
	ID                 uuid.UUID         `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID           uuid.UUID         `json:"tenantId" gorm:"type:uuid;index"`
	InstanceID         uuid.UUID         `json:"instanceId" gorm:"type:uuid"`
	ScanID             *uuid.UUID        `json:"scanId,omitempty" gorm:"type:uuid"`
	FindingID          *uuid.UUID        `json:"findingId,omitempty" gorm:"type:uuid"`
	ServerID           *uuid.UUID        `json:"serverId,omitempty" gorm:"type:uuid"`
	Severity           *Severity         `json:"severity,omitempty"`
	Mode               RemediationMode   `json:"mode" gorm:"size:16"`
	Status             RemediationStatus `json:"status" gorm:"size:16;index"`
	DryRun             bool              `json:"dryRun"`
	ActionType         string            `json:"actionType" gorm:"size:64"`
	ActionPayload      datatypes.JSON    `json:"actionPayload,omitempty"`
	RequestedBy        uuid.UUID         `json:"requestedBy" gorm:"type:uuid"`
	TenantApprovedBy   *uuid.UUID        `json:"tenantApprovedBy,omitempty" gorm:"type:uuid"`
	TenantApprovedAt   *time.Time        `json:"tenantApprovedAt,omitempty"`
	PlatformApprovedBy *uuid.UUID        `json:"platformApprovedBy,omitempty" gorm:"type:uuid"`
	PlatformApprovedAt *time.Time        `json:"platformApprovedAt,omitempty"`
	QueuedForExecution bool              `json:"-"`
	ExecutedBy         *string           `json:"executedBy,omitempty" gorm:"size:64"`
	ExecutedAt         *time.Time        `json:"executedAt,omitempty"`
	CompletedAt        *time.Time        `json:"completedAt,omitempty"`
	Result             datatypes.JSON    `json:"result,omitempty"`
	DataRegion         string            `json:"dataRegion" gorm:"size:32"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

func (RemediationTask) TableName() string { return "guardian_remediation_tasks" }

// FullyApproved reports whether both approval timestamps are present.
func (t *RemediationTask) FullyApproved() bool {
	return t.TenantApprovedAt != nil && t.PlatformApprovedAt != nil
}

// AuditEvent answers who did what, to which entity, when. Append-only: the
// engine never updates or deletes one.
type AuditEvent struct {
	ID          uuid.UUID         `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID    uuid.UUID         `json:"tenantId" gorm:"type:uuid;index"`
	DataRegion  string            `json:"dataRegion" gorm:"size:32"`
	ActorUserID *uuid.UUID        `json:"actorUserId,omitempty" gorm:"type:uuid"`
	ActorRole   string            `json:"actorRole" gorm:"size:64"`
	EventType   string            `json:"eventType" gorm:"size:64;index"`
	EntityType  string            `json:"entityType" gorm:"size:32"`
	EntityID    uuid.UUID         `json:"entityId" gorm:"type:uuid"`
	Metadata    datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

func (AuditEvent) TableName() string { return "guardian_audit_events" }

// Server is the slice of the server inventory the engine reads to verify
// tenant ownership of a target. Rows are owned by the provisioning system.
type Server struct {
	ID       uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID uuid.UUID `json:"tenantId" gorm:"type:uuid;index"`
}

func (Server) TableName() string { return "servers" }

// ScanJob is the payload carried on the scan topic.
type ScanJob struct {
	ScanID     uuid.UUID  `json:"scanId"`
	TenantID   uuid.UUID  `json:"tenantId"`
	ServerID   *uuid.UUID `json:"serverId,omitempty"`
	DataRegion string     `json:"dataRegion"`
	Type       string     `json:"type"`
}

// RemediationJob is the payload carried on the remediation topic.
type RemediationJob struct {
	RemediationID uuid.UUID  `json:"remediationId"`
	TenantID      uuid.UUID  `json:"tenantId"`
	ServerID      *uuid.UUID `json:"serverId,omitempty"`
	DataRegion    string     `json:"dataRegion"`
}

// Summary is the tenant dashboard rollup.
type Summary struct {
	ActiveInstances int    `json:"activeInstances"`
	OpenFindings    int64  `json:"openFindings"`
	PendingTasks    int64  `json:"pendingTasks"`
	RecentScans     []Scan `json:"recentScans"`
}

// PlatformMetrics aggregates counts across all tenants.
type PlatformMetrics struct {
	Tenants        int64 `json:"tenants"`
	EnabledTenants int64 `json:"enabledTenants"`
	TotalScans     int64 `json:"totalScans"`
	RunningScans   int64 `json:"runningScans"`
	OpenFindings   int64 `json:"openFindings"`
	CriticalOpen   int64 `json:"criticalOpen"`
	PendingTasks   int64 `json:"pendingTasks"`
	ExecutingTasks int64 `json:"executingTasks"`
	CompletedTasks int64 `json:"completedTasks"`
	FailedTasks    int64 `json:"failedTasks"`
	CancelledTasks int64 `json:"cancelledTasks"`
}

// Audit event types emitted by the engine.
const (
	EventInstanceUpserted     = "guardian.instance.upserted"
	EventScanTriggered        = "guardian.scan.triggered"
	EventRemediationRequested = "guardian.remediation.requested"
	EventRemediationApproved  = "guardian.remediation.approved"
	EventRemediationCancelled = "guardian.remediation.cancelled"
)
