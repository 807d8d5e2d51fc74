package incident

import (
	"context"
	"log/slog"
	"time"

	"github.com/arome3/vigil/pkg/store"
)

// Audit execution statuses.
const (
	AuditCompleted = "completed"
	AuditFailed    = "failed"
	AuditSkipped   = "skipped"
)

// AuditRecord is one append-only row of the action audit trail: either a
// state transition or an effector invocation.
type AuditRecord struct {
	ActionID          string         `json:"action_id"`
	IncidentID        string         `json:"incident_id"`
	ActionType        string         `json:"action_type"`
	ActionDetail      string         `json:"action_detail,omitempty"`
	PreviousStatus    string         `json:"previous_status,omitempty"`
	NewStatus         string         `json:"new_status,omitempty"`
	ExecutionStatus   string         `json:"execution_status"`
	StartedAt         string         `json:"started_at,omitempty"`
	CompletedAt       string         `json:"completed_at,omitempty"`
	DurationMS        int64          `json:"duration_ms"`
	ApprovalRequired  bool           `json:"approval_required,omitempty"`
	ApprovedBy        string         `json:"approved_by,omitempty"`
	ApprovedAt        string         `json:"approved_at,omitempty"`
	WorkflowID        string         `json:"workflow_id,omitempty"`
	ResultSummary     string         `json:"result_summary,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	RollbackAvailable bool           `json:"rollback_available,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Timestamp         string         `json:"@timestamp"`
}

// Auditor appends audit records to the actions index.
type Auditor struct {
	store  store.Store
	logger *slog.Logger
	clock  func() time.Time
}

// NewAuditor creates an audit writer.
func NewAuditor(st store.Store) *Auditor {
	return &Auditor{
		store:  st,
		logger: slog.Default().With("component", "audit"),
		clock:  time.Now,
	}
}

// Record appends one audit row. Audit failures are logged, never returned:
// an audit write must not unwind the operation it describes.
func (a *Auditor) Record(ctx context.Context, rec *AuditRecord) {
	if rec.Timestamp == "" {
		rec.Timestamp = a.clock().UTC().Format(time.RFC3339Nano)
	}
	doc := map[string]any{}
	raw := rec.ToDoc()
	for k, v := range raw {
		doc[k] = v
	}

	if _, err := a.store.Index(ctx, store.IndexActions, rec.ActionID, doc); err != nil {
		a.logger.Error("Audit write failed",
			"incident_id", rec.IncidentID,
			"action_id", rec.ActionID,
			"action_type", rec.ActionType,
			"error", err)
	}
}

// RecordTransition appends the audit row for a committed state transition.
func (a *Auditor) RecordTransition(ctx context.Context, incidentID string, from, to Status, startedAt time.Time) {
	now := a.clock().UTC()
	a.Record(ctx, &AuditRecord{
		ActionID:        NewAuditID(),
		IncidentID:      incidentID,
		ActionType:      "state_transition",
		ActionDetail:    string(from) + " -> " + string(to),
		PreviousStatus:  string(from),
		NewStatus:       string(to),
		ExecutionStatus: AuditCompleted,
		StartedAt:       startedAt.UTC().Format(time.RFC3339Nano),
		CompletedAt:     now.Format(time.RFC3339Nano),
		DurationMS:      now.Sub(startedAt).Milliseconds(),
	})
}

// ForIncident returns all audit rows for an incident, oldest first.
func (a *Auditor) ForIncident(ctx context.Context, incidentID string) ([]map[string]any, error) {
	res, err := a.store.Search(ctx, &store.SearchRequest{
		Index: store.IndexActions,
		Query: map[string]any{"term": map[string]any{"incident_id": incidentID}},
		Sort:  []map[string]any{{"@timestamp": map[string]any{"order": "asc"}}},
		Size:  1000,
	})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(res.Hits))
	for _, h := range res.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}

// HasActionRows reports whether any effector-action audit rows exist for the
// incident. This backs the executor's idempotency guard.
func (a *Auditor) HasActionRows(ctx context.Context, incidentID string) (bool, error) {
	res, err := a.store.Search(ctx, &store.SearchRequest{
		Index: store.IndexActions,
		Query: map[string]any{"bool": map[string]any{
			"must": []map[string]any{
				{"term": map[string]any{"incident_id": incidentID}},
			},
			"must_not": []map[string]any{
				{"term": map[string]any{"action_type": "state_transition"}},
			},
		}},
		Size: 1,
	})
	if err != nil {
		return false, err
	}
	return len(res.Hits) > 0, nil
}

// ToDoc encodes the record to its document form.
func (r *AuditRecord) ToDoc() map[string]any {
	return map[string]any{
		"action_id":          r.ActionID,
		"incident_id":        r.IncidentID,
		"action_type":        r.ActionType,
		"action_detail":      r.ActionDetail,
		"previous_status":    r.PreviousStatus,
		"new_status":         r.NewStatus,
		"execution_status":   r.ExecutionStatus,
		"started_at":         r.StartedAt,
		"completed_at":       r.CompletedAt,
		"duration_ms":        r.DurationMS,
		"approval_required":  r.ApprovalRequired,
		"approved_by":        r.ApprovedBy,
		"approved_at":        r.ApprovedAt,
		"workflow_id":        r.WorkflowID,
		"result_summary":     r.ResultSummary,
		"error_message":      r.ErrorMessage,
		"rollback_available": r.RollbackAvailable,
		"metadata":           r.Metadata,
		"@timestamp":         r.Timestamp,
	}
}
