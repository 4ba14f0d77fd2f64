// Package audit appends immutable event records, one per externally
// observable state change.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/guardian/pkg/guardian"
	"github.com/user/guardian/pkg/store"
)

// Recorder writes audit events best-effort: a failed write never blocks the
// operation that produced it, but it is always logged so gaps are
// observable.
type Recorder struct {
	store store.Store
	log   *zap.SugaredLogger
}

func NewRecorder(s store.Store, log *zap.SugaredLogger) *Recorder {
	return &Recorder{store: s, log: log}
}

// Record fills in the id and timestamp and appends the event.
func (r *Recorder) Record(ctx context.Context, ev guardian.AuditEvent) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if err := r.store.AppendAudit(ctx, &ev); err != nil {
		r.log.Errorw("audit write failed",
			"eventType", ev.EventType,
			"entityType", ev.EntityType,
			"entityId", ev.EntityID,
			"error", err)
	}
}
