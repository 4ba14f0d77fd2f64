package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/guardian/pkg/backend"
	"github.com/user/guardian/pkg/guardian"
	"github.com/user/guardian/pkg/queue"
	"github.com/user/guardian/pkg/store"
)

// fakeExecutor emits a fixed list of findings and optionally fails after.
type fakeExecutor struct {
	findings  []backend.FindingDescriptor
	scanErr   error
	lastApply *backend.ApplyRequest
	applyErr  error
}

func (f *fakeExecutor) RunScan(ctx context.Context, req backend.ScanRequest, emit func(backend.FindingDescriptor) error) error {
	for _, d := range f.findings {
		if err := emit(d); err != nil {
			return err
		}
	}
	return f.scanErr
}

func (f *fakeExecutor) Apply(ctx context.Context, req backend.ApplyRequest) (*backend.ApplyResult, error) {
	f.lastApply = &req
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	return &backend.ApplyResult{DryRun: req.DryRun, Applied: !req.DryRun}, nil
}

func seedScan(t *testing.T, st *store.Memory, tenant uuid.UUID) *guardian.Scan {
	t.Helper()
	scan := &guardian.Scan{
		TenantID:   tenant,
		InstanceID: uuid.New(),
		DataRegion: "eu-west",
		Type:       "full",
		Status:     guardian.ScanQueued,
	}
	if err := st.CreateScan(context.Background(), scan); err != nil {
		t.Fatalf("CreateScan: %v", err)
	}
	return scan
}

func scanJob(t *testing.T, scan *guardian.Scan) queue.Job {
	t.Helper()
	payload, err := json.Marshal(guardian.ScanJob{
		ScanID:     scan.ID,
		TenantID:   scan.TenantID,
		DataRegion: scan.DataRegion,
		Type:       scan.Type,
	})
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return queue.Job{Topic: queue.TopicScan, Payload: payload, Attempts: 1}
}

func TestScanWorkerCompletesWithFindings(t *testing.T) {
	st := store.NewMemory()
	tenant := uuid.New()
	scan := seedScan(t, st, tenant)

	exec := &fakeExecutor{findings: []backend.FindingDescriptor{
		{Severity: guardian.SeverityLow, Category: "network", Title: "open port"},
		{Severity: guardian.SeverityHigh, Category: "auth", Title: "weak password policy"},
		{Severity: guardian.SeverityCritical, Category: "crypto", Title: "expired certificate"},
	}}
	w := NewScan(st, exec, zap.NewNop().Sugar(), time.Minute)

	if err := w.Handle(context.Background(), scanJob(t, scan)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got, err := st.ScanByID(context.Background(), tenant, scan.ID)
	if err != nil {
		t.Fatalf("ScanByID: %v", err)
	}
	if got.Status != guardian.ScanCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.FindingsCount != 3 {
		t.Errorf("expected 3 findings, got %d", got.FindingsCount)
	}
	if got.SeverityMax == nil || *got.SeverityMax != guardian.SeverityCritical {
		t.Errorf("expected severityMax critical, got %v", got.SeverityMax)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("timestamps missing")
	}

	findings, err := st.ListFindings(context.Background(), tenant, store.FindingFilter{})
	if err != nil {
		t.Fatalf("ListFindings: %v", err)
	}
	if len(findings) != 3 {
		t.Fatalf("expected 3 persisted findings, got %d", len(findings))
	}
	for _, f := range findings {
		if f.Status != guardian.FindingOpen {
			t.Errorf("finding %s not open: %s", f.ID, f.Status)
		}
		if f.ScanID != scan.ID {
			t.Errorf("finding %s not attached to scan", f.ID)
		}
	}
}

func TestScanWorkerCompletesWithoutFindings(t *testing.T) {
	st := store.NewMemory()
	tenant := uuid.New()
	scan := seedScan(t, st, tenant)
	w := NewScan(st, &fakeExecutor{}, zap.NewNop().Sugar(), time.Minute)

	if err := w.Handle(context.Background(), scanJob(t, scan)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got, _ := st.ScanByID(context.Background(), tenant, scan.ID)
	if got.Status != guardian.ScanCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.SeverityMax != nil {
		t.Errorf("severityMax must stay null with zero findings, got %v", *got.SeverityMax)
	}
}

func TestScanWorkerBackendFailureKeepsPartialFindings(t *testing.T) {
	st := store.NewMemory()
	tenant := uuid.New()
	scan := seedScan(t, st, tenant)

	exec := &fakeExecutor{
		findings: []backend.FindingDescriptor{
			{Severity: guardian.SeverityMedium, Category: "network", Title: "finding before crash"},
			{Severity: guardian.SeverityHigh, Category: "auth", Title: "another one"},
		},
		scanErr: errors.New("agent timed out"),
	}
	w := NewScan(st, exec, zap.NewNop().Sugar(), time.Minute)

	err := w.Handle(context.Background(), scanJob(t, scan))
	if !errors.Is(err, guardian.ErrBackendFailure) {
		t.Fatalf("expected ErrBackendFailure for queue retry, got %v", err)
	}

	got, _ := st.ScanByID(context.Background(), tenant, scan.ID)
	if got.Status != guardian.ScanFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.CompletedAt != nil {
		t.Error("failed scan must not have completedAt")
	}

	// The findings written before the failure stay attached.
	findings, _ := st.ListFindings(context.Background(), tenant, store.FindingFilter{})
	if len(findings) != 2 {
		t.Errorf("expected 2 partial findings, got %d", len(findings))
	}
}

func TestScanWorkerDropsMissingScan(t *testing.T) {
	st := store.NewMemory()
	w := NewScan(st, &fakeExecutor{}, zap.NewNop().Sugar(), time.Minute)

	payload, _ := json.Marshal(guardian.ScanJob{ScanID: uuid.New(), TenantID: uuid.New()})
	// Missing scans are dropped, not retried.
	if err := w.Handle(context.Background(), queue.Job{Topic: queue.TopicScan, Payload: payload, Attempts: 1}); err != nil {
		t.Fatalf("expected nil for missing scan, got %v", err)
	}
}

func TestScanWorkerDropsCompletedScan(t *testing.T) {
	st := store.NewMemory()
	tenant := uuid.New()
	scan := seedScan(t, st, tenant)
	w := NewScan(st, &fakeExecutor{findings: []backend.FindingDescriptor{
		{Severity: guardian.SeverityLow, Category: "network", Title: "x"},
	}}, zap.NewNop().Sugar(), time.Minute)

	if err := w.Handle(context.Background(), scanJob(t, scan)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	// A duplicate delivery of a completed scan is a no-op.
	if err := w.Handle(context.Background(), scanJob(t, scan)); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	got, _ := st.ScanByID(context.Background(), tenant, scan.ID)
	if got.FindingsCount != 1 {
		t.Errorf("duplicate delivery must not re-ingest findings, count=%d", got.FindingsCount)
	}
}
