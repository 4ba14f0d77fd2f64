package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/guardian/pkg/audit"
	"github.com/user/guardian/pkg/guardian"
	"github.com/user/guardian/pkg/identity"
	"github.com/user/guardian/pkg/queue"
	"github.com/user/guardian/pkg/store"
)

// captureQueue records enqueued jobs instead of running workers.
type captureQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
}

func (q *captureQueue) Enqueue(ctx context.Context, topic queue.Topic, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, queue.Job{Topic: topic, Payload: payload, Attempts: 1})
	return nil
}

func (q *captureQueue) Subscribe(queue.Topic, queue.Handler) {}
func (q *captureQueue) Start(context.Context)               {}
func (q *captureQueue) Close()                              {}

func (q *captureQueue) byTopic(topic queue.Topic) []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queue.Job
	for _, j := range q.jobs {
		if j.Topic == topic {
			out = append(out, j)
		}
	}
	return out
}

type env struct {
	store        *store.Memory
	queue        *captureQueue
	scans        *Scans
	remediations *Remediations
	instances    *Instances
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemory()
	q := &captureQueue{}
	log := zap.NewNop().Sugar()
	rec := audit.NewRecorder(st, log)
	perms := identity.NewRoleChecker()
	return &env{
		store:        st,
		queue:        q,
		scans:        NewScans(st, q, rec, perms, log),
		remediations: NewRemediations(st, q, rec, perms, log),
		instances:    NewInstances(st, rec, perms, log),
	}
}

func adminActor(tenantID uuid.UUID) identity.Actor {
	return identity.Actor{UserID: uuid.New(), TenantID: tenantID, Roles: []string{"admin"}}
}

func viewerActor(tenantID uuid.UUID) identity.Actor {
	return identity.Actor{UserID: uuid.New(), TenantID: tenantID, Roles: []string{"viewer"}}
}

func actorWithRole(tenantID uuid.UUID, role string) identity.Actor {
	return identity.Actor{UserID: uuid.New(), TenantID: tenantID, Roles: []string{role}}
}

func platformActor() identity.Actor {
	return identity.Actor{UserID: uuid.New(), PlatformOperator: true}
}

// enableInstance seeds an enabled instance for the tenant.
func (e *env) enableInstance(t *testing.T, tenantID uuid.UUID) *guardian.Instance {
	t.Helper()
	inst := &guardian.Instance{
		TenantID:   tenantID,
		DataRegion: "eu-west",
		Enabled:    true,
		PolicyPack: "baseline",
	}
	if err := e.store.UpsertInstance(context.Background(), inst); err != nil {
		t.Fatalf("UpsertInstance: %v", err)
	}
	return inst
}
