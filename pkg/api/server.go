// Package api exposes the guardian HTTP surface consumed by the
// administrative UI and the operations assistant. The gateway in front of
// this service authenticates callers and forwards the resolved principal in
// headers; permission decisions stay with the identity service.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/guardian/pkg/advisor"
	"github.com/user/guardian/pkg/guardian"
	"github.com/user/guardian/pkg/identity"
	"github.com/user/guardian/pkg/orchestrator"
	"github.com/user/guardian/pkg/store"
)

// Server wires the orchestrators to their routes.
type Server struct {
	instances    *orchestrator.Instances
	scans        *orchestrator.Scans
	remediations *orchestrator.Remediations
	advisor      *advisor.Advisor // nil when not configured
	log          *zap.SugaredLogger
}

func NewServer(instances *orchestrator.Instances, scans *orchestrator.Scans, remediations *orchestrator.Remediations, adv *advisor.Advisor, log *zap.SugaredLogger) *Server {
	return &Server{
		instances:    instances,
		scans:        scans,
		remediations: remediations,
		advisor:      adv,
		log:          log,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /guardian/summary", s.withActor(s.handleSummary))
	mux.HandleFunc("GET /guardian/instance", s.withActor(s.handleGetInstance))
	mux.HandleFunc("POST /guardian/instance", s.withActor(s.handleUpsertInstance))
	mux.HandleFunc("POST /guardian/scan", s.withActor(s.handleTriggerScan))
	mux.HandleFunc("GET /guardian/scans", s.withActor(s.handleListScans))
	mux.HandleFunc("GET /guardian/findings", s.withActor(s.handleListFindings))
	mux.HandleFunc("GET /guardian/findings/{id}/advice", s.withActor(s.handleFindingAdvice))
	mux.HandleFunc("GET /guardian/remediations", s.withActor(s.handleListRemediations))
	mux.HandleFunc("POST /guardian/remediations/request", s.withActor(s.handleRequestRemediation))
	mux.HandleFunc("POST /guardian/remediations/{id}/approve-tenant", s.withActor(s.handleApproveTenant))
	mux.HandleFunc("POST /guardian/remediations/{id}/approve-platform", s.withActor(s.handleApprovePlatform))
	mux.HandleFunc("POST /guardian/remediations/{id}/cancel", s.withActor(s.handleCancelRemediation))
	mux.HandleFunc("GET /guardian/platform/metrics", s.withActor(s.handlePlatformMetrics))
	return mux
}

type actorHandler func(w http.ResponseWriter, r *http.Request, actor identity.Actor)

// withActor resolves the principal forwarded by the gateway. A request
// without a valid principal is unauthenticated.
func (s *Server) withActor(next actorHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := resolveActor(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		next(w, r, actor)
	}
}

func resolveActor(r *http.Request) (identity.Actor, error) {
	userID, err := uuid.Parse(r.Header.Get("X-User-Id"))
	if err != nil {
		return identity.Actor{}, err
	}
	actor := identity.Actor{
		UserID:           userID,
		PlatformOperator: r.Header.Get("X-Platform-Operator") == "true",
	}
	if raw := r.Header.Get("X-Tenant-Id"); raw != "" {
		tenantID, err := uuid.Parse(raw)
		if err != nil {
			return identity.Actor{}, err
		}
		actor.TenantID = tenantID
	} else if !actor.PlatformOperator {
		return identity.Actor{}, errors.New("missing tenant")
	}
	if roles := r.Header.Get("X-Roles"); roles != "" {
		actor.Roles = strings.Split(roles, ",")
	}
	return actor, nil
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request, actor identity.Actor) {
	sum, err := s.instances.Summary(r.Context(), actor, actor.TenantID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeData(w, http.StatusOK, sum)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request, actor identity.Actor) {
	inst, err := s.instances.Get(r.Context(), actor, actor.TenantID)
	if errors.Is(err, guardian.ErrNotFound) {
		writeData(w, http.StatusOK, nil)
		return
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeData(w, http.StatusOK, inst)
}

func (s *Server) handleUpsertInstance(w http.ResponseWriter, r *http.Request, actor identity.Actor) {
	var in orchestrator.UpsertInput
	if err := decodeBody(r, &in); err != nil {
		writeFailure(w, err)
		return
	}
	inst, err := s.instances.Upsert(r.Context(), actor, actor.TenantID, in)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeData(w, http.StatusOK, inst)
}

func (s *Server) handleTriggerScan(w http.ResponseWriter, r *http.Request, actor identity.Actor) {
	var in orchestrator.TriggerScanInput
	if err := decodeBody(r, &in); err != nil {
		writeFailure(w, err)
		return
	}
	scan, err := s.scans.Trigger(r.Context(), actor, actor.TenantID, in)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]any{"id": scan.ID})
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request, actor identity.Actor) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	scans, err := s.scans.List(r.Context(), actor, actor.TenantID, limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeData(w, http.StatusOK, scans)
}

func (s *Server) handleListFindings(w http.ResponseWriter, r *http.Request, actor identity.Actor) {
	var filter store.FindingFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := guardian.FindingStatus(raw)
		filter.Status = &status
	}
	if raw := r.URL.Query().Get("severity"); raw != "" {
		sev, err := guardian.ParseSeverity(raw)
		if err != nil {
			writeFailure(w, err)
			return
		}
		filter.Severity = &sev
	}
	findings, err := s.instances.ListFindings(r.Context(), actor, actor.TenantID, filter)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeData(w, http.StatusOK, findings)
}

func (s *Server) handleFindingAdvice(w http.ResponseWriter, r *http.Request, actor identity.Actor) {
	if s.advisor == nil {
		writeError(w, http.StatusNotFound, "advisor not enabled")
		return
	}
	findingID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid finding id")
		return
	}
	finding, err := s.instances.Finding(r.Context(), actor, actor.TenantID, findingID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	advice, err := s.advisor.Suggest(r.Context(), finding)
	if err != nil {
		s.log.Errorw("advisor call failed", "findingId", findingID, "error", err)
		writeError(w, http.StatusInternalServerError, "advisor unavailable")
		return
	}
	writeData(w, http.StatusOK, map[string]any{"findingId": findingID, "advice": advice})
}

func (s *Server) handleListRemediations(w http.ResponseWriter, r *http.Request, actor identity.Actor) {
	var filter store.TaskFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := guardian.RemediationStatus(raw)
		filter.Status = &status
	}
	tasks, err := s.remediations.List(r.Context(), actor, actor.TenantID, filter)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeData(w, http.StatusOK, tasks)
}

func (s *Server) handleRequestRemediation(w http.ResponseWriter, r *http.Request, actor identity.Actor) {
	var in orchestrator.RequestInput
	if err := decodeBody(r, &in); err != nil {
		writeFailure(w, err)
		return
	}
	task, err := s.remediations.Request(r.Context(), actor, actor.TenantID, in)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]any{"id": task.ID})
}

func (s *Server) handleApproveTenant(w http.ResponseWriter, r *http.Request, actor identity.Actor) {
	s.approve(w, r, actor, guardian.ScopeTenant)
}

func (s *Server) handleApprovePlatform(w http.ResponseWriter, r *http.Request, actor identity.Actor) {
	s.approve(w, r, actor, guardian.ScopePlatform)
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request, actor identity.Actor, scope guardian.ApprovalScope) {
	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := s.remediations.Approve(r.Context(), actor, taskID, scope)
	if err != nil {
		writeFailure(w, err)
		return
	}
	out := map[string]any{"id": task.ID, "status": task.Status}
	if scope == guardian.ScopeTenant {
		out["tenantApprovedAt"] = task.TenantApprovedAt
	} else {
		out["platformApprovedAt"] = task.PlatformApprovedAt
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleCancelRemediation(w http.ResponseWriter, r *http.Request, actor identity.Actor) {
	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := s.remediations.Cancel(r.Context(), actor, taskID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"id": task.ID, "status": task.Status})
}

func (s *Server) handlePlatformMetrics(w http.ResponseWriter, r *http.Request, actor identity.Actor) {
	metrics, err := s.instances.PlatformMetrics(r.Context(), actor)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeData(w, http.StatusOK, metrics)
}
