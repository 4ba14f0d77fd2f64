// Package worker holds the consumers of the two queue topics. Each handler
// is scoped to the single scan or task its job names; concurrency across
// jobs is safe because every state transition is a single-row conditional
// update.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/user/guardian/pkg/backend"
	"github.com/user/guardian/pkg/guardian"
	"github.com/user/guardian/pkg/queue"
	"github.com/user/guardian/pkg/store"
)

// Scan consumes the scan topic: it drives a scan through its lifecycle,
// persists findings as the backend emits them, and finalizes the status.
type Scan struct {
	store   store.Store
	exec    backend.Executor
	log     *zap.SugaredLogger
	tracer  trace.Tracer
	timeout time.Duration
}

func NewScan(s store.Store, exec backend.Executor, log *zap.SugaredLogger, timeout time.Duration) *Scan {
	return &Scan{
		store:   s,
		exec:    exec,
		log:     log,
		tracer:  otel.Tracer("github.com/user/guardian/pkg/worker"),
		timeout: timeout,
	}
}

// Handle processes one scan job. Returning an error hands the job back to
// the queue's retry mechanism; the terminal status write always happens
// first so the scan row stays consistent across redeliveries.
func (w *Scan) Handle(ctx context.Context, job queue.Job) error {
	ctx, span := w.tracer.Start(ctx, "ScanWorker.Handle")
	defer span.End()

	var msg guardian.ScanJob
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		w.log.Errorw("malformed scan job, dropping", "error", err)
		return nil
	}

	scan, err := w.store.ScanByID(ctx, msg.TenantID, msg.ScanID)
	if err != nil {
		if errors.Is(err, guardian.ErrNotFound) {
			w.log.Warnw("scan not found, dropping job", "scanId", msg.ScanID, "tenantId", msg.TenantID)
			return nil
		}
		return err
	}

	started, err := w.store.StartScan(ctx, scan.ID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !started {
		// Completed or concurrently running: a duplicate delivery.
		w.log.Debugw("scan not startable, dropping job", "scanId", scan.ID, "status", scan.Status)
		return nil
	}

	// A retried job folds on top of the findings a previous attempt wrote;
	// summaries only ever grow.
	count := scan.FindingsCount
	sevMax := scan.SeverityMax

	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	runErr := w.exec.RunScan(runCtx, backend.ScanRequest{
		ScanID:   scan.ID,
		TenantID: scan.TenantID,
		ServerID: msg.ServerID,
		Type:     msg.Type,
	}, func(d backend.FindingDescriptor) error {
		f := &guardian.Finding{
			ScanID:            scan.ID,
			TenantID:          scan.TenantID,
			ServerID:          msg.ServerID,
			Severity:          d.Severity,
			Category:          d.Category,
			Title:             d.Title,
			Description:       d.Description,
			Details:           datatypes.JSON(d.Details),
			Status:            guardian.FindingOpen,
			RemediationStatus: guardian.RemediationPendingFix,
		}
		if err := w.store.CreateFinding(ctx, f); err != nil {
			return err
		}
		count++
		sevMax = guardian.MaxSeverity(sevMax, d.Severity)
		return nil
	})

	if runErr != nil {
		// Findings written before the failure stay attached to the failed
		// scan. The status write comes before the retry signal.
		if err := w.store.FinishScan(ctx, scan.ID, guardian.ScanFailed, nil, count, sevMax); err != nil {
			return err
		}
		w.log.Errorw("scan failed", "scanId", scan.ID, "findings", count, "error", runErr)
		return fmt.Errorf("%w: %v", guardian.ErrBackendFailure, runErr)
	}

	now := time.Now().UTC()
	if err := w.store.FinishScan(ctx, scan.ID, guardian.ScanCompleted, &now, count, sevMax); err != nil {
		return err
	}
	w.log.Infow("scan completed", "scanId", scan.ID, "findings", count)
	return nil
}
