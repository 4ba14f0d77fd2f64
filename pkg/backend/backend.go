// Package backend defines the port to the execution backend: the agent on a
// managed server that runs the actual security checks and applies fixes.
// The engine treats it as a black box bounded by a per-call timeout.
package backend

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/user/guardian/pkg/guardian"
)

// FindingDescriptor is one raw finding emitted while a scan runs.
type FindingDescriptor struct {
	Severity    guardian.Severity `json:"severity"`
	Category    string            `json:"category"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Details     json.RawMessage   `json:"details,omitempty"`
}

// ScanRequest identifies the scan run for the backend.
type ScanRequest struct {
	ScanID   uuid.UUID
	TenantID uuid.UUID
	ServerID *uuid.UUID
	Type     string
}

// ApplyRequest carries a remediation action to the backend.
type ApplyRequest struct {
	TaskID        uuid.UUID
	TenantID      uuid.UUID
	ServerID      *uuid.UUID
	ActionType    string
	ActionPayload json.RawMessage
	DryRun        bool
}

// ApplyResult is the structured outcome of a remediation action.
type ApplyResult struct {
	DryRun  bool            `json:"dryRun"`
	Applied bool            `json:"applied"`
	Output  json.RawMessage `json:"output,omitempty"`
}

// Executor is the execution backend port. RunScan streams finding
// descriptors through emit so findings written before a mid-scan failure
// are preserved; an emit error aborts the scan.
type Executor interface {
	RunScan(ctx context.Context, req ScanRequest, emit func(FindingDescriptor) error) error
	Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error)
}

// Stub is the dev-mode Executor: scans find nothing and applies echo the
// request back as their result.
type Stub struct{}

func (Stub) RunScan(ctx context.Context, req ScanRequest, emit func(FindingDescriptor) error) error {
	return nil
}

func (Stub) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	return &ApplyResult{DryRun: req.DryRun, Applied: !req.DryRun, Output: req.ActionPayload}, nil
}
