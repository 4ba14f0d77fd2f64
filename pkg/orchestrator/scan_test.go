package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/user/guardian/pkg/guardian"
	"github.com/user/guardian/pkg/queue"
)

func TestTriggerScanRequiresInstance(t *testing.T) {
	e := newEnv(t)
	tenant := uuid.New()

	_, err := e.scans.Trigger(context.Background(), adminActor(tenant), tenant, TriggerScanInput{Type: "full"})
	if !errors.Is(err, guardian.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestTriggerScanRequiresEnabledInstance(t *testing.T) {
	e := newEnv(t)
	tenant := uuid.New()

	inst := e.enableInstance(t, tenant)
	inst.Enabled = false
	if err := e.store.UpsertInstance(context.Background(), inst); err != nil {
		t.Fatalf("UpsertInstance: %v", err)
	}

	_, err := e.scans.Trigger(context.Background(), adminActor(tenant), tenant, TriggerScanInput{Type: "full"})
	if !errors.Is(err, guardian.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured for disabled instance, got %v", err)
	}
}

func TestTriggerScanPermission(t *testing.T) {
	e := newEnv(t)
	tenant := uuid.New()
	e.enableInstance(t, tenant)

	// Viewers can read but not scan.
	_, err := e.scans.Trigger(context.Background(), viewerActor(tenant), tenant, TriggerScanInput{Type: "full"})
	if !errors.Is(err, guardian.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestTriggerScanRequiresType(t *testing.T) {
	e := newEnv(t)
	tenant := uuid.New()
	e.enableInstance(t, tenant)

	_, err := e.scans.Trigger(context.Background(), adminActor(tenant), tenant, TriggerScanInput{})
	if !errors.Is(err, guardian.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestTriggerScanEnqueuesAndAudits(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tenant := uuid.New()
	inst := e.enableInstance(t, tenant)
	actor := adminActor(tenant)

	scan, err := e.scans.Trigger(ctx, actor, tenant, TriggerScanInput{Type: "full"})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	if scan.Status != guardian.ScanQueued {
		t.Errorf("expected queued, got %s", scan.Status)
	}
	if scan.DataRegion != inst.DataRegion {
		t.Errorf("data region not carried: %s", scan.DataRegion)
	}

	jobs := e.queue.byTopic(queue.TopicScan)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 scan job, got %d", len(jobs))
	}
	var msg guardian.ScanJob
	if err := json.Unmarshal(jobs[0].Payload, &msg); err != nil {
		t.Fatalf("bad job payload: %v", err)
	}
	if msg.ScanID != scan.ID || msg.TenantID != tenant || msg.Type != "full" {
		t.Errorf("job payload mismatch: %+v", msg)
	}

	events := e.store.AuditEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(events))
	}
	if events[0].EventType != guardian.EventScanTriggered {
		t.Errorf("unexpected event type %s", events[0].EventType)
	}
	if events[0].EntityID != scan.ID {
		t.Errorf("audit entity mismatch")
	}
}

func TestTriggerScanDropsForeignServer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tenant := uuid.New()
	other := uuid.New()
	e.enableInstance(t, tenant)

	foreign := uuid.New()
	e.store.AddServer(foreign, other)

	scan, err := e.scans.Trigger(ctx, adminActor(tenant), tenant, TriggerScanInput{Type: "full", ServerID: &foreign})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if scan.ServerID != nil {
		t.Error("foreign server must be treated as absent")
	}
}

func TestTriggerScanKeepsOwnedServer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tenant := uuid.New()
	e.enableInstance(t, tenant)

	server := uuid.New()
	e.store.AddServer(server, tenant)

	scan, err := e.scans.Trigger(ctx, adminActor(tenant), tenant, TriggerScanInput{Type: "full", ServerID: &server})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if scan.ServerID == nil || *scan.ServerID != server {
		t.Error("owned server must be kept on the scan")
	}
}

func TestDuplicateTriggersCreateDuplicateScans(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tenant := uuid.New()
	e.enableInstance(t, tenant)
	actor := adminActor(tenant)

	first, err := e.scans.Trigger(ctx, actor, tenant, TriggerScanInput{Type: "full"})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	second, err := e.scans.Trigger(ctx, actor, tenant, TriggerScanInput{Type: "full"})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if first.ID == second.ID {
		t.Error("duplicate triggers must create distinct scans")
	}
	if jobs := e.queue.byTopic(queue.TopicScan); len(jobs) != 2 {
		t.Errorf("expected 2 jobs, got %d", len(jobs))
	}
}
