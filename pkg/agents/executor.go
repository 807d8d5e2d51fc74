package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arome3/vigil/pkg/bus"
	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/contracts"
	"github.com/arome3/vigil/pkg/incident"
	"github.com/arome3/vigil/pkg/store"
)

// workflowRouting maps action types onto workflow agent ids.
var workflowRouting = map[string]string{
	incident.ActionContainment:   contracts.WorkflowContainment,
	incident.ActionRemediation:   contracts.WorkflowRemediation,
	incident.ActionCommunication: contracts.WorkflowNotify,
	incident.ActionDocumentation: contracts.WorkflowTicketing,
}

// Consecutive transient poll failures tolerated inside an approval gate.
const approvalMaxPollErrors = 3

// Executor runs a remediation plan's actions strictly in order, gating on
// per-action approvals and auditing every outcome.
type Executor struct {
	bus     *bus.Bus
	store   store.Store
	auditor *incident.Auditor
	cfg     *config.Config
	logger  *slog.Logger
	clock   func() time.Time
}

// NewExecutor creates the executor agent.
func NewExecutor(b *bus.Bus, st store.Store, auditor *incident.Auditor, cfg *config.Config) *Executor {
	return &Executor{
		bus:     b,
		store:   st,
		auditor: auditor,
		cfg:     cfg,
		logger:  slog.Default().With("component", "agent.executor"),
		clock:   time.Now,
	}
}

// Handle processes one execute request envelope.
func (a *Executor) Handle(ctx context.Context, env *contracts.Envelope) (map[string]any, error) {
	if err := contracts.ValidatePayload(contracts.ContractExecuteRequest, env.Payload); err != nil {
		return nil, err
	}
	req, err := contracts.Decode[contracts.ExecuteRequest](env.Payload)
	if err != nil {
		return nil, err
	}

	if reason := a.validatePlan(&req); reason != "" {
		return a.respond(&contracts.ExecuteResponse{
			IncidentID: req.IncidentID,
			Status:     "failed",
			Results:    []map[string]any{},
			Error:      reason,
		})
	}

	actions := decodeActions(req.Actions)
	sorted, dropped := incident.SortedActions(actions)
	if dropped > 0 {
		a.logger.Warn("Dropped duplicate action orders",
			"incident_id", req.IncidentID, "dropped", dropped)
	}

	// Idempotency: a prior run already acted on this incident.
	if done, err := a.auditor.HasActionRows(ctx, req.IncidentID); err == nil && done {
		a.logger.Info("Plan already executed, returning no-op", "incident_id", req.IncidentID)
		return a.respond(&contracts.ExecuteResponse{
			IncidentID: req.IncidentID,
			Status:     "completed",
			Results:    []map[string]any{},
		})
	}

	runCtx, cancel := context.WithTimeout(ctx, a.cfg.ExecutorDeadline)
	defer cancel()

	results := a.runActions(runCtx, req.IncidentID, sorted)
	return a.respond(&contracts.ExecuteResponse{
		IncidentID: req.IncidentID,
		Status:     aggregateStatus(results),
		Results:    encodeResults(results),
	})
}

// validatePlan returns a failure reason, or "" when the request is runnable.
func (a *Executor) validatePlan(req *contracts.ExecuteRequest) string {
	if req.Task != "execute_plan" {
		return fmt.Sprintf("unsupported task %q", req.Task)
	}
	if req.IncidentID == "" {
		return "incident_id is required"
	}
	if len(req.Actions) == 0 {
		return "plan has no actions"
	}
	for i, raw := range req.Actions {
		actionType, _ := raw["action_type"].(string)
		if actionType == "" {
			return fmt.Sprintf("action %d is missing action_type", i)
		}
		if !incident.KnownActionType(actionType) {
			return fmt.Sprintf("action %d has unknown action_type %q", i, actionType)
		}
		if _, ok := raw["order"]; !ok {
			return fmt.Sprintf("action %d is missing order", i)
		}
		if desc, _ := raw["description"].(string); desc == "" {
			return fmt.Sprintf("action %d is missing description", i)
		}
	}
	return ""
}

// runActions executes the sorted actions sequentially, stopping on the first
// failure or rejection. Actions not reached before the deadline are marked
// skipped.
func (a *Executor) runActions(ctx context.Context, incidentID string, actions []incident.PlannedAction) []contracts.ActionResult {
	results := make([]contracts.ActionResult, 0, len(actions))
	stopped := false

	for _, act := range actions {
		actionID := incident.NewActionID(a.clock())
		res := contracts.ActionResult{ActionID: actionID, Order: act.Order}

		if stopped {
			res.Status = "skipped"
			res.Error = "previous action failed"
			results = append(results, res)
			continue
		}
		if ctx.Err() != nil {
			res.Status = "skipped"
			res.Error = "deadline exceeded"
			results = append(results, res)
			continue
		}

		started := a.clock()
		approval := "not_required"
		if act.ApprovalRequired {
			decision := a.approvalGate(ctx, incidentID, actionID, &act)
			approval = decision
			if decision != "approved" {
				res.Status = "failed"
				res.Error = "approval " + decision
				results = append(results, res)
				a.audit(ctx, incidentID, actionID, &act, &res, started, approval)
				stopped = true
				continue
			}
		}

		summary, err := a.dispatch(ctx, incidentID, actionID, &act)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				res.Status = "skipped"
				res.Error = "deadline exceeded"
			} else {
				res.Status = "failed"
				res.Error = err.Error()
				stopped = true
			}
		} else {
			res.Status = "completed"
			res.ResultSummary = summary
		}
		results = append(results, res)
		a.audit(ctx, incidentID, actionID, &act, &res, started, approval)
	}
	return results
}

// approvalGate requests a decision from the approval workflow and polls the
// responses index until one arrives or the gate times out. Returns one of
// approved, rejected, timeout.
func (a *Executor) approvalGate(ctx context.Context, incidentID, actionID string, act *incident.PlannedAction) string {
	_, err := a.bus.Call(ctx, contracts.AgentExecutor, contracts.WorkflowApproval, incidentID,
		map[string]any{
			"incident_id":  incidentID,
			"action_id":    actionID,
			"action_type":  act.ActionType,
			"description":  act.Description,
			"target_asset": act.TargetAsset,
		}, a.cfg.WorkflowTimeout)
	if err != nil {
		a.logger.Warn("Approval request delivery failed, polling anyway",
			"incident_id", incidentID, "action_id", actionID, "error", err)
	}

	deadline := a.clock().Add(a.cfg.ApprovalTimeout)
	consecutiveErrors := 0
	for {
		if a.clock().After(deadline) {
			return "timeout"
		}
		decision, err := a.pollDecision(ctx, incidentID, actionID)
		switch {
		case err != nil:
			consecutiveErrors++
			if !store.IsTransient(err) || consecutiveErrors > approvalMaxPollErrors {
				a.logger.Error("Approval polling aborted",
					"incident_id", incidentID, "action_id", actionID, "error", err)
				return "timeout"
			}
		case decision != "":
			return decision
		default:
			consecutiveErrors = 0
		}

		select {
		case <-ctx.Done():
			return "timeout"
		case <-time.After(a.cfg.ApprovalPollInterval):
		}
	}
}

// pollDecision reads the latest matching decision; "" means still pending.
// A more_info answer keeps the gate open.
func (a *Executor) pollDecision(ctx context.Context, incidentID, actionID string) (string, error) {
	res, err := a.store.Search(ctx, &store.SearchRequest{
		Index: store.IndexApprovalResponses,
		Query: store.Doc{"bool": store.Doc{"must": []store.Doc{
			{"term": store.Doc{"incident_id": incidentID}},
			{"term": store.Doc{"action_id": actionID}},
		}}},
		Sort: []store.Doc{{"@timestamp": store.Doc{"order": "desc"}}},
		Size: 1,
	})
	if err != nil {
		return "", err
	}
	if len(res.Hits) == 0 {
		return "", nil
	}
	switch res.Hits[0].Source["value"] {
	case "approve", "approved":
		return "approved", nil
	case "reject", "rejected":
		return "rejected", nil
	}
	return "", nil
}

// dispatch routes the action to its workflow over the bus.
func (a *Executor) dispatch(ctx context.Context, incidentID, actionID string, act *incident.PlannedAction) (string, error) {
	target := workflowRouting[act.ActionType]
	payload := map[string]any{
		"incident_id":   incidentID,
		"action_id":     actionID,
		"action_type":   act.ActionType,
		"description":   act.Description,
		"target_system": act.TargetSystem,
		"target_asset":  act.TargetAsset,
		"params":        act.Params,
	}
	resp, err := a.bus.Call(ctx, contracts.AgentExecutor, target, incidentID, payload, a.cfg.WorkflowTimeout)
	if err != nil {
		return "", fmt.Errorf("workflow %s: %w", target, err)
	}
	if status, _ := resp["status"].(string); status == "failed" {
		msg, _ := resp["error"].(string)
		return "", fmt.Errorf("workflow %s reported failure: %s", target, msg)
	}
	summary, _ := resp["result_summary"].(string)
	if summary == "" {
		summary = fmt.Sprintf("%s completed via %s", act.ActionType, target)
	}
	return summary, nil
}

func (a *Executor) audit(ctx context.Context, incidentID, actionID string, act *incident.PlannedAction, res *contracts.ActionResult, started time.Time, approval string) {
	now := a.clock().UTC()
	status := incident.AuditCompleted
	switch res.Status {
	case "failed":
		status = incident.AuditFailed
	case "skipped":
		status = incident.AuditSkipped
	}
	a.auditor.Record(ctx, &incident.AuditRecord{
		ActionID:          actionID,
		IncidentID:        incidentID,
		ActionType:        act.ActionType,
		ActionDetail:      act.Description,
		ExecutionStatus:   status,
		StartedAt:         started.UTC().Format(time.RFC3339Nano),
		CompletedAt:       now.Format(time.RFC3339Nano),
		DurationMS:        now.Sub(started).Milliseconds(),
		ApprovalRequired:  act.ApprovalRequired,
		WorkflowID:        workflowRouting[act.ActionType],
		ResultSummary:     res.ResultSummary,
		ErrorMessage:      res.Error,
		RollbackAvailable: len(act.RollbackSteps) > 0,
		Metadata:          map[string]any{"approval": approval},
	})
}

func (a *Executor) respond(resp *contracts.ExecuteResponse) (map[string]any, error) {
	payload := contracts.MustEncode(resp)
	if err := contracts.ValidatePayload(contracts.ContractExecuteResponse, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// aggregateStatus folds per-action outcomes into the response status.
func aggregateStatus(results []contracts.ActionResult) string {
	completed, problem := 0, 0
	for _, r := range results {
		switch r.Status {
		case "completed":
			completed++
		default:
			problem++
		}
	}
	switch {
	case problem == 0:
		return "completed"
	case completed > 0:
		return "partial_failure"
	default:
		return "failed"
	}
}

func decodeActions(raw []map[string]any) []incident.PlannedAction {
	out := make([]incident.PlannedAction, 0, len(raw))
	for _, m := range raw {
		order, _ := rowFloat(m, "order")
		approval, _ := m["approval_required"].(bool)
		params, _ := m["params"].(map[string]any)
		out = append(out, incident.PlannedAction{
			Order:            int(order),
			ActionType:       rowString(m, "action_type"),
			Description:      rowString(m, "description"),
			TargetSystem:     rowString(m, "target_system"),
			TargetAsset:      rowString(m, "target_asset"),
			Params:           params,
			ApprovalRequired: approval,
			RollbackSteps:    anyStrings(m["rollback_steps"]),
		})
	}
	return out
}

func encodeResults(results []contracts.ActionResult) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		out = append(out, contracts.MustEncode(r))
	}
	return out
}
