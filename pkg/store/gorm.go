package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/user/guardian/pkg/guardian"
)

// Gorm is the Postgres-backed Store.
type Gorm struct {
	db *gorm.DB
}

// OpenPostgres connects and migrates the guardian tables.
func OpenPostgres(dsn string) (*Gorm, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres store: %w", err)
	}
	if err := db.AutoMigrate(
		&guardian.Instance{},
		&guardian.Scan{},
		&guardian.Finding{},
		&guardian.RemediationTask{},
		&guardian.AuditEvent{},
		&guardian.Server{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate guardian tables: %w", err)
	}
	return &Gorm{db: db}, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return guardian.ErrNotFound
	}
	return err
}

func (g *Gorm) UpsertInstance(ctx context.Context, inst *guardian.Instance) error {
	var existing guardian.Instance
	err := g.db.WithContext(ctx).Where("tenant_id = ?", inst.TenantID).First(&existing).Error
	switch {
	case err == nil:
		inst.ID = existing.ID
		inst.CreatedAt = existing.CreatedAt
		inst.UpdatedAt = time.Now().UTC()
		return g.db.WithContext(ctx).Save(inst).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		if inst.ID == uuid.Nil {
			inst.ID = uuid.New()
		}
		now := time.Now().UTC()
		inst.CreatedAt = now
		inst.UpdatedAt = now
		return g.db.WithContext(ctx).Create(inst).Error
	default:
		return err
	}
}

func (g *Gorm) InstanceByTenant(ctx context.Context, tenantID uuid.UUID) (*guardian.Instance, error) {
	var inst guardian.Instance
	if err := g.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&inst).Error; err != nil {
		return nil, notFound(err)
	}
	return &inst, nil
}

func (g *Gorm) ServerOwnedBy(ctx context.Context, tenantID, serverID uuid.UUID) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).Model(&guardian.Server{}).
		Where("id = ? AND tenant_id = ?", serverID, tenantID).
		Count(&count).Error
	return count > 0, err
}

func (g *Gorm) CreateScan(ctx context.Context, scan *guardian.Scan) error {
	if scan.ID == uuid.Nil {
		scan.ID = uuid.New()
	}
	scan.CreatedAt = time.Now().UTC()
	return g.db.WithContext(ctx).Create(scan).Error
}

func (g *Gorm) ScanByID(ctx context.Context, tenantID, scanID uuid.UUID) (*guardian.Scan, error) {
	var scan guardian.Scan
	err := g.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", scanID, tenantID).
		First(&scan).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &scan, nil
}

func (g *Gorm) ListScans(ctx context.Context, tenantID uuid.UUID, limit int) ([]guardian.Scan, error) {
	var scans []guardian.Scan
	err := g.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Limit(ClampScanLimit(limit)).
		Find(&scans).Error
	return scans, err
}

func (g *Gorm) StartScan(ctx context.Context, scanID uuid.UUID, at time.Time) (bool, error) {
	res := g.db.WithContext(ctx).Model(&guardian.Scan{}).
		Where("id = ? AND status IN ?", scanID, []guardian.ScanStatus{guardian.ScanQueued, guardian.ScanFailed}).
		Updates(map[string]any{"status": guardian.ScanRunning, "started_at": at})
	return res.RowsAffected == 1, res.Error
}

func (g *Gorm) FinishScan(ctx context.Context, scanID uuid.UUID, status guardian.ScanStatus, completedAt *time.Time, findingsCount int, severityMax *guardian.Severity) error {
	return g.db.WithContext(ctx).Model(&guardian.Scan{}).
		Where("id = ?", scanID).
		Updates(map[string]any{
			"status":         status,
			"completed_at":   completedAt,
			"findings_count": findingsCount,
			"severity_max":   severityMax,
		}).Error
}

func (g *Gorm) CreateFinding(ctx context.Context, f *guardian.Finding) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	f.CreatedAt = time.Now().UTC()
	return g.db.WithContext(ctx).Create(f).Error
}

func (g *Gorm) FindingByID(ctx context.Context, tenantID, findingID uuid.UUID) (*guardian.Finding, error) {
	var f guardian.Finding
	err := g.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", findingID, tenantID).
		First(&f).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

func (g *Gorm) ListFindings(ctx context.Context, tenantID uuid.UUID, filter FindingFilter) ([]guardian.Finding, error) {
	q := g.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if filter.Status != nil {
		q = q.Where("status = ?", *filter.Status)
	}
	if filter.Severity != nil {
		q = q.Where("severity = ?", *filter.Severity)
	}
	var findings []guardian.Finding
	err := q.Order("created_at DESC").Limit(MaxListLimit).Find(&findings).Error
	return findings, err
}

func (g *Gorm) CreateTask(ctx context.Context, task *guardian.RemediationTask) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	return g.db.WithContext(ctx).Create(task).Error
}

func (g *Gorm) TaskByID(ctx context.Context, taskID uuid.UUID) (*guardian.RemediationTask, error) {
	var task guardian.RemediationTask
	if err := g.db.WithContext(ctx).Where("id = ?", taskID).First(&task).Error; err != nil {
		return nil, notFound(err)
	}
	return &task, nil
}

func (g *Gorm) ListTasks(ctx context.Context, tenantID uuid.UUID, filter TaskFilter) ([]guardian.RemediationTask, error) {
	q := g.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if filter.Status != nil {
		q = q.Where("status = ?", *filter.Status)
	}
	var tasks []guardian.RemediationTask
	err := q.Order("created_at DESC").Limit(MaxListLimit).Find(&tasks).Error
	return tasks, err
}

func (g *Gorm) ApproveTask(ctx context.Context, taskID uuid.UUID, scope guardian.ApprovalScope, by uuid.UUID, at time.Time) error {
	fields := map[string]any{"updated_at": at}
	switch scope {
	case guardian.ScopeTenant:
		fields["tenant_approved_by"] = by
		fields["tenant_approved_at"] = at
	case guardian.ScopePlatform:
		fields["platform_approved_by"] = by
		fields["platform_approved_at"] = at
	default:
		return fmt.Errorf("%w: unknown approval scope %q", guardian.ErrInvalidInput, scope)
	}
	res := g.db.WithContext(ctx).Model(&guardian.RemediationTask{}).
		Where("id = ?", taskID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return guardian.ErrNotFound
	}
	return nil
}

func (g *Gorm) MarkTaskQueued(ctx context.Context, taskID uuid.UUID) (bool, error) {
	res := g.db.WithContext(ctx).Model(&guardian.RemediationTask{}).
		Where("id = ? AND status = ? AND queued_for_execution = ?", taskID, guardian.TaskPending, false).
		Update("queued_for_execution", true)
	return res.RowsAffected == 1, res.Error
}

func (g *Gorm) StartTaskExecution(ctx context.Context, taskID uuid.UUID, executedBy string, at time.Time) (bool, error) {
	res := g.db.WithContext(ctx).Model(&guardian.RemediationTask{}).
		Where("id = ? AND status = ?", taskID, guardian.TaskPending).
		Updates(map[string]any{
			"status":      guardian.TaskExecuting,
			"executed_by": executedBy,
			"executed_at": at,
			"updated_at":  at,
		})
	return res.RowsAffected == 1, res.Error
}

func (g *Gorm) FinishTask(ctx context.Context, taskID uuid.UUID, status guardian.RemediationStatus, completedAt *time.Time, result []byte) error {
	fields := map[string]any{
		"status":       status,
		"completed_at": completedAt,
		"updated_at":   time.Now().UTC(),
	}
	if result != nil {
		fields["result"] = datatypes.JSON(result)
	}
	return g.db.WithContext(ctx).Model(&guardian.RemediationTask{}).
		Where("id = ?", taskID).
		Updates(fields).Error
}

func (g *Gorm) CancelTask(ctx context.Context, taskID uuid.UUID) (bool, error) {
	res := g.db.WithContext(ctx).Model(&guardian.RemediationTask{}).
		Where("id = ? AND status IN ?", taskID, []guardian.RemediationStatus{guardian.TaskPending, guardian.TaskExecuting}).
		Updates(map[string]any{"status": guardian.TaskCancelled, "updated_at": time.Now().UTC()})
	return res.RowsAffected == 1, res.Error
}

func (g *Gorm) AppendAudit(ctx context.Context, ev *guardian.AuditEvent) error {
	return g.db.WithContext(ctx).Create(ev).Error
}

func (g *Gorm) Summary(ctx context.Context, tenantID uuid.UUID) (*guardian.Summary, error) {
	sum := &guardian.Summary{}

	var enabled int64
	if err := g.db.WithContext(ctx).Model(&guardian.Instance{}).
		Where("tenant_id = ? AND enabled = ?", tenantID, true).
		Count(&enabled).Error; err != nil {
		return nil, err
	}
	sum.ActiveInstances = int(enabled)

	if err := g.db.WithContext(ctx).Model(&guardian.Finding{}).
		Where("tenant_id = ? AND status = ?", tenantID, guardian.FindingOpen).
		Count(&sum.OpenFindings).Error; err != nil {
		return nil, err
	}
	if err := g.db.WithContext(ctx).Model(&guardian.RemediationTask{}).
		Where("tenant_id = ? AND status = ?", tenantID, guardian.TaskPending).
		Count(&sum.PendingTasks).Error; err != nil {
		return nil, err
	}

	recent, err := g.ListScans(ctx, tenantID, RecentScanCount)
	if err != nil {
		return nil, err
	}
	sum.RecentScans = recent
	return sum, nil
}

func (g *Gorm) PlatformMetrics(ctx context.Context) (*guardian.PlatformMetrics, error) {
	pm := &guardian.PlatformMetrics{}
	db := g.db.WithContext(ctx)

	if err := db.Model(&guardian.Instance{}).Count(&pm.Tenants).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&guardian.Instance{}).Where("enabled = ?", true).Count(&pm.EnabledTenants).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&guardian.Scan{}).Count(&pm.TotalScans).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&guardian.Scan{}).Where("status = ?", guardian.ScanRunning).Count(&pm.RunningScans).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&guardian.Finding{}).Where("status = ?", guardian.FindingOpen).Count(&pm.OpenFindings).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&guardian.Finding{}).
		Where("status = ? AND severity = ?", guardian.FindingOpen, guardian.SeverityCritical).
		Count(&pm.CriticalOpen).Error; err != nil {
		return nil, err
	}

	counts := []struct {
		status guardian.RemediationStatus
		dst    *int64
	}{
		{guardian.TaskPending, &pm.PendingTasks},
		{guardian.TaskExecuting, &pm.ExecutingTasks},
		{guardian.TaskCompleted, &pm.CompletedTasks},
		{guardian.TaskFailed, &pm.FailedTasks},
		{guardian.TaskCancelled, &pm.CancelledTasks},
	}
	for _, c := range counts {
		if err := db.Model(&guardian.RemediationTask{}).
			Where("status = ?", c.status).
			Count(c.dst).Error; err != nil {
			return nil, err
		}
	}
	return pm, nil
}
