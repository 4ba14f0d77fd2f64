package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/user/guardian/pkg/guardian"
)

// Memory is the in-process Store used by tests and the memory dev mode.
// All conditional transitions happen under one mutex, which gives it the
// same exactly-once dispatch guarantee the SQL implementation gets from
// conditional updates.
type Memory struct {
	mu        sync.Mutex
	instances map[uuid.UUID]*guardian.Instance // keyed by tenant id
	servers   map[uuid.UUID]uuid.UUID          // server id -> tenant id
	scans     map[uuid.UUID]*guardian.Scan
	findings  map[uuid.UUID]*guardian.Finding
	tasks     map[uuid.UUID]*guardian.RemediationTask
	audit     []guardian.AuditEvent
}

func NewMemory() *Memory {
	return &Memory{
		instances: make(map[uuid.UUID]*guardian.Instance),
		servers:   make(map[uuid.UUID]uuid.UUID),
		scans:     make(map[uuid.UUID]*guardian.Scan),
		findings:  make(map[uuid.UUID]*guardian.Finding),
		tasks:     make(map[uuid.UUID]*guardian.RemediationTask),
	}
}

// AddServer seeds the server inventory slice. The provisioning system owns
// this data in production; tests and dev mode register servers directly.
func (m *Memory) AddServer(serverID, tenantID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[serverID] = tenantID
}

func (m *Memory) UpsertInstance(ctx context.Context, inst *guardian.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.instances[inst.TenantID]; ok {
		inst.ID = existing.ID
		inst.CreatedAt = existing.CreatedAt
	} else {
		if inst.ID == uuid.Nil {
			inst.ID = uuid.New()
		}
		inst.CreatedAt = time.Now().UTC()
	}
	inst.UpdatedAt = time.Now().UTC()
	cp := *inst
	m.instances[inst.TenantID] = &cp
	return nil
}

func (m *Memory) InstanceByTenant(ctx context.Context, tenantID uuid.UUID) (*guardian.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[tenantID]
	if !ok {
		return nil, guardian.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (m *Memory) ServerOwnedBy(ctx context.Context, tenantID, serverID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.servers[serverID]
	return ok && owner == tenantID, nil
}

func (m *Memory) CreateScan(ctx context.Context, scan *guardian.Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if scan.ID == uuid.Nil {
		scan.ID = uuid.New()
	}
	scan.CreatedAt = time.Now().UTC()
	cp := *scan
	m.scans[scan.ID] = &cp
	return nil
}

func (m *Memory) ScanByID(ctx context.Context, tenantID, scanID uuid.UUID) (*guardian.Scan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	scan, ok := m.scans[scanID]
	if !ok || scan.TenantID != tenantID {
		return nil, guardian.ErrNotFound
	}
	cp := *scan
	return &cp, nil
}

func (m *Memory) ListScans(ctx context.Context, tenantID uuid.UUID, limit int) ([]guardian.Scan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []guardian.Scan
	for _, s := range m.scans {
		if s.TenantID == tenantID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit = ClampScanLimit(limit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) StartScan(ctx context.Context, scanID uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	scan, ok := m.scans[scanID]
	if !ok {
		return false, guardian.ErrNotFound
	}
	if scan.Status != guardian.ScanQueued && scan.Status != guardian.ScanFailed {
		return false, nil
	}
	scan.Status = guardian.ScanRunning
	scan.StartedAt = &at
	return true, nil
}

func (m *Memory) FinishScan(ctx context.Context, scanID uuid.UUID, status guardian.ScanStatus, completedAt *time.Time, findingsCount int, severityMax *guardian.Severity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	scan, ok := m.scans[scanID]
	if !ok {
		return guardian.ErrNotFound
	}
	scan.Status = status
	scan.CompletedAt = completedAt
	scan.FindingsCount = findingsCount
	scan.SeverityMax = severityMax
	return nil
}

func (m *Memory) CreateFinding(ctx context.Context, f *guardian.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	f.CreatedAt = time.Now().UTC()
	cp := *f
	m.findings[f.ID] = &cp
	return nil
}

func (m *Memory) FindingByID(ctx context.Context, tenantID, findingID uuid.UUID) (*guardian.Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.findings[findingID]
	if !ok || f.TenantID != tenantID {
		return nil, guardian.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *Memory) ListFindings(ctx context.Context, tenantID uuid.UUID, filter FindingFilter) ([]guardian.Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []guardian.Finding
	for _, f := range m.findings {
		if f.TenantID != tenantID {
			continue
		}
		if filter.Status != nil && f.Status != *filter.Status {
			continue
		}
		if filter.Severity != nil && f.Severity != *filter.Severity {
			continue
		}
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > MaxListLimit {
		out = out[:MaxListLimit]
	}
	return out, nil
}

func (m *Memory) CreateTask(ctx context.Context, task *guardian.RemediationTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	task.CreatedAt = time.Now().UTC()
	task.UpdatedAt = task.CreatedAt
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *Memory) TaskByID(ctx context.Context, taskID uuid.UUID) (*guardian.RemediationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, guardian.ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (m *Memory) ListTasks(ctx context.Context, tenantID uuid.UUID, filter TaskFilter) ([]guardian.RemediationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []guardian.RemediationTask
	for _, t := range m.tasks {
		if t.TenantID != tenantID {
			continue
		}
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > MaxListLimit {
		out = out[:MaxListLimit]
	}
	return out, nil
}

func (m *Memory) ApproveTask(ctx context.Context, taskID uuid.UUID, scope guardian.ApprovalScope, by uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return guardian.ErrNotFound
	}
	switch scope {
	case guardian.ScopeTenant:
		task.TenantApprovedBy = &by
		task.TenantApprovedAt = &at
	case guardian.ScopePlatform:
		task.PlatformApprovedBy = &by
		task.PlatformApprovedAt = &at
	}
	task.UpdatedAt = at
	return nil
}

func (m *Memory) MarkTaskQueued(ctx context.Context, taskID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return false, guardian.ErrNotFound
	}
	if task.Status != guardian.TaskPending || task.QueuedForExecution {
		return false, nil
	}
	task.QueuedForExecution = true
	return true, nil
}

func (m *Memory) StartTaskExecution(ctx context.Context, taskID uuid.UUID, executedBy string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return false, guardian.ErrNotFound
	}
	if task.Status != guardian.TaskPending {
		return false, nil
	}
	task.Status = guardian.TaskExecuting
	task.ExecutedBy = &executedBy
	task.ExecutedAt = &at
	task.UpdatedAt = at
	return true, nil
}

func (m *Memory) FinishTask(ctx context.Context, taskID uuid.UUID, status guardian.RemediationStatus, completedAt *time.Time, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return guardian.ErrNotFound
	}
	task.Status = status
	task.CompletedAt = completedAt
	if result != nil {
		task.Result = datatypes.JSON(result)
	}
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) CancelTask(ctx context.Context, taskID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return false, guardian.ErrNotFound
	}
	if task.Status != guardian.TaskPending && task.Status != guardian.TaskExecuting {
		return false, nil
	}
	task.Status = guardian.TaskCancelled
	task.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) AppendAudit(ctx context.Context, ev *guardian.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, *ev)
	return nil
}

// AuditEvents returns a copy of the audit log, oldest first. Test helper.
func (m *Memory) AuditEvents() []guardian.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]guardian.AuditEvent, len(m.audit))
	copy(out, m.audit)
	return out
}

func (m *Memory) Summary(ctx context.Context, tenantID uuid.UUID) (*guardian.Summary, error) {
	m.mu.Lock()
	sum := &guardian.Summary{}
	if inst, ok := m.instances[tenantID]; ok && inst.Enabled {
		sum.ActiveInstances = 1
	}
	for _, f := range m.findings {
		if f.TenantID == tenantID && f.Status == guardian.FindingOpen {
			sum.OpenFindings++
		}
	}
	for _, t := range m.tasks {
		if t.TenantID == tenantID && t.Status == guardian.TaskPending {
			sum.PendingTasks++
		}
	}
	m.mu.Unlock()

	recent, err := m.ListScans(ctx, tenantID, RecentScanCount)
	if err != nil {
		return nil, err
	}
	sum.RecentScans = recent
	return sum, nil
}

func (m *Memory) PlatformMetrics(ctx context.Context) (*guardian.PlatformMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm := &guardian.PlatformMetrics{}
	for _, inst := range m.instances {
		pm.Tenants++
		if inst.Enabled {
			pm.EnabledTenants++
		}
	}
	for _, s := range m.scans {
		pm.TotalScans++
		if s.Status == guardian.ScanRunning {
			pm.RunningScans++
		}
	}
	for _, f := range m.findings {
		if f.Status == guardian.FindingOpen {
			pm.OpenFindings++
			if f.Severity == guardian.SeverityCritical {
				pm.CriticalOpen++
			}
		}
	}
	for _, t := range m.tasks {
		switch t.Status {
		case guardian.TaskPending:
			pm.PendingTasks++
		case guardian.TaskExecuting:
			pm.ExecutingTasks++
		case guardian.TaskCompleted:
			pm.CompletedTasks++
		case guardian.TaskFailed:
			pm.FailedTasks++
		case guardian.TaskCancelled:
			pm.CancelledTasks++
		}
	}
	return pm, nil
}
