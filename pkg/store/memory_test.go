package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/user/guardian/pkg/guardian"
)

func TestScanTenantScoping(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	tenantA := uuid.New()
	tenantB := uuid.New()

	scan := &guardian.Scan{TenantID: tenantA, Status: guardian.ScanQueued}
	if err := m.CreateScan(ctx, scan); err != nil {
		t.Fatalf("CreateScan: %v", err)
	}

	if _, err := m.ScanByID(ctx, tenantA, scan.ID); err != nil {
		t.Errorf("owner read failed: %v", err)
	}
	if _, err := m.ScanByID(ctx, tenantB, scan.ID); err != guardian.ErrNotFound {
		t.Errorf("cross-tenant read should be ErrNotFound, got %v", err)
	}
}

func TestMarkTaskQueuedExactlyOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	task := &guardian.RemediationTask{
		TenantID: uuid.New(),
		Status:   guardian.TaskPending,
	}
	if err := m.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// Many concurrent callers race for the dispatch guard; exactly one wins.
	const callers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := m.MarkTaskQueued(ctx, task.ID)
			if err != nil {
				t.Errorf("MarkTaskQueued: %v", err)
				return
			}
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	total := 0
	for won := range wins {
		if won {
			total++
		}
	}
	if total != 1 {
		t.Errorf("expected exactly 1 winner, got %d", total)
	}
}

func TestMarkTaskQueuedRefusesNonPending(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	task := &guardian.RemediationTask{TenantID: uuid.New(), Status: guardian.TaskPending}
	if err := m.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := m.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	won, err := m.MarkTaskQueued(ctx, task.ID)
	if err != nil {
		t.Fatalf("MarkTaskQueued: %v", err)
	}
	if won {
		t.Error("cancelled task must not be queued for execution")
	}
}

func TestStartScanTransitions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	tenant := uuid.New()

	scan := &guardian.Scan{TenantID: tenant, Status: guardian.ScanQueued}
	if err := m.CreateScan(ctx, scan); err != nil {
		t.Fatalf("CreateScan: %v", err)
	}

	started, err := m.StartScan(ctx, scan.ID, time.Now())
	if err != nil || !started {
		t.Fatalf("expected start from queued, got started=%v err=%v", started, err)
	}

	// Running scans are not startable again.
	started, err = m.StartScan(ctx, scan.ID, time.Now())
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if started {
		t.Error("running scan must not start again")
	}

	// Completed scans are immutable.
	now := time.Now()
	if err := m.FinishScan(ctx, scan.ID, guardian.ScanCompleted, &now, 0, nil); err != nil {
		t.Fatalf("FinishScan: %v", err)
	}
	started, _ = m.StartScan(ctx, scan.ID, time.Now())
	if started {
		t.Error("completed scan must not restart")
	}
}

func TestClampScanLimit(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{0, DefaultScanLimit},
		{-5, DefaultScanLimit},
		{1, 1},
		{100, 100},
		{500, MaxScanLimit},
	}
	for _, c := range cases {
		if got := ClampScanLimit(c.in); got != c.want {
			t.Errorf("ClampScanLimit(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestApproveTaskIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	approver := uuid.New()

	task := &guardian.RemediationTask{TenantID: uuid.New(), Status: guardian.TaskPending}
	if err := m.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	first := time.Now().UTC()
	if err := m.ApproveTask(ctx, task.ID, guardian.ScopeTenant, approver, first); err != nil {
		t.Fatalf("ApproveTask: %v", err)
	}
	second := first.Add(time.Minute)
	if err := m.ApproveTask(ctx, task.ID, guardian.ScopeTenant, approver, second); err != nil {
		t.Fatalf("ApproveTask again: %v", err)
	}

	got, err := m.TaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}
	if got.TenantApprovedAt == nil || !got.TenantApprovedAt.Equal(second) {
		t.Errorf("expected refreshed timestamp %v, got %v", second, got.TenantApprovedAt)
	}
	if got.PlatformApprovedAt != nil {
		t.Error("platform approval must stay unset")
	}
	if got.Status != guardian.TaskPending {
		t.Errorf("status must stay pending, got %s", got.Status)
	}
}
