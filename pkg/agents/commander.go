package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/arome3/vigil/pkg/async"
	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/contracts"
	"github.com/arome3/vigil/pkg/incident"
	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/tools"
)

// Tool ids the commander drives.
const (
	toolRunbookSearch = "runbook_search"
	toolServiceImpact = "service_impact"
)

// Composite runbook score weights and the adoption bar.
const (
	runbookOverlapWeight = 0.4
	runbookSuccessWeight = 0.4
	runbookScoreWeight   = 0.2
	runbookAdoptBar      = 0.5
)

// staticTier1Assets backs the approval tagging when the asset store is
// unreachable.
var staticTier1Assets = []string{"auth-service", "payment-gateway", "customer-db"}

// Commander turns an investigation into an ordered remediation plan.
type Commander struct {
	tools  *tools.Executor
	store  store.Store
	cfg    *config.Config
	logger *slog.Logger
}

// NewCommander creates the commander agent.
func NewCommander(te *tools.Executor, st store.Store, cfg *config.Config) *Commander {
	return &Commander{
		tools:  te,
		store:  st,
		cfg:    cfg,
		logger: slog.Default().With("component", "agent.commander"),
	}
}

// Handle processes one plan request envelope. Planning never fails outright:
// any error degrades to a notify-only fallback plan.
func (a *Commander) Handle(ctx context.Context, env *contracts.Envelope) (map[string]any, error) {
	if err := contracts.ValidatePayload(contracts.ContractPlanRequest, env.Payload); err != nil {
		return nil, err
	}
	req, err := contracts.Decode[contracts.PlanRequest](env.Payload)
	if err != nil {
		return nil, err
	}

	resp, err := async.WithDeadline(ctx, a.cfg.PlanningDeadline,
		func(ctx context.Context) (*contracts.PlanResponse, error) {
			return a.plan(ctx, &req)
		})
	if err != nil {
		a.logger.Warn("Planning degraded to fallback", "incident_id", req.IncidentID, "error", err)
		resp = a.fallbackResponse(&req, err)
	}

	payload := contracts.MustEncode(resp)
	if err := contracts.ValidatePayload(contracts.ContractPlanResponse, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

type planParts struct {
	runbooks []store.Hit
	impacts  map[string]float64
	tier1    map[string]bool
}

func (a *Commander) plan(ctx context.Context, req *contracts.PlanRequest) (*contracts.PlanResponse, error) {
	services := anyStrings(req.InvestigationReport["affected_services"])
	rootCause, _ := req.InvestigationReport["root_cause"].(string)

	results := async.RaceAll(ctx, remaining(ctx, a.cfg.PlanningDeadline), []async.Task[planParts]{
		{Label: "runbooks", Run: func(ctx context.Context) (planParts, error) {
			res, err := a.tools.Execute(ctx, toolRunbookSearch, map[string]any{"query": rootCause})
			if err != nil {
				return planParts{}, err
			}
			return planParts{runbooks: res.Hits}, nil
		}},
		{Label: "impact", Run: func(ctx context.Context) (planParts, error) {
			return a.assessImpact(ctx, services)
		}},
		{Label: "tier1", Run: func(ctx context.Context) (planParts, error) {
			return a.loadTier1(ctx)
		}},
	})

	nothingSettled := true
	for _, r := range results {
		if r.Fulfilled() {
			nothingSettled = false
			break
		}
	}
	if err := ctx.Err(); err != nil && nothingSettled {
		// Deadline consumed before any planning input settled.
		return nil, err
	}

	tier1 := map[string]bool{}
	if r := results["tier1"]; r.Fulfilled() {
		tier1 = r.Value.tier1
	} else {
		// Static fallback keeps approval tagging conservative.
		for _, asset := range staticTier1Assets {
			tier1[asset] = true
		}
	}

	var plan *incident.Plan
	runbookUsed := ""
	if r := results["runbooks"]; r.Fulfilled() && len(r.Value.runbooks) > 0 {
		if best, score := a.rankRunbooks(r.Value.runbooks, services); best != nil && score >= runbookAdoptBar {
			plan = planFromRunbook(best)
			runbookUsed = best.ID
			a.logger.Info("Runbook adopted", "incident_id", req.IncidentID,
				"runbook_id", best.ID, "score", score)
		}
	}
	if plan == nil {
		plan = a.synthesizePlan(req, services)
	}

	tagApprovals(plan, tier1, req.Severity)
	plan.RequiresApproval = plan.RequiresApprovalGate()
	plan.RunbookUsed = runbookUsed

	return &contracts.PlanResponse{
		IncidentID:       req.IncidentID,
		Plan:             plan.ToDoc(),
		RunbookUsed:      runbookUsed,
		RequiresApproval: plan.RequiresApproval,
	}, nil
}

// assessImpact runs the per-service impact query, at most ten in flight.
func (a *Commander) assessImpact(ctx context.Context, services []string) (planParts, error) {
	tasks := make([]func(ctx context.Context) (float64, error), 0, len(services))
	for _, svc := range services {
		tasks = append(tasks, func(ctx context.Context) (float64, error) {
			res, err := a.tools.Execute(ctx, toolServiceImpact, map[string]any{"service": svc})
			if err != nil {
				return 0, err
			}
			if res.ESQL != nil {
				for _, row := range res.ESQL.Rows() {
					if v, ok := rowFloat(row, "impact_score"); ok {
						return v, nil
					}
				}
			}
			return 0, nil
		})
	}

	out := planParts{impacts: map[string]float64{}}
	for i, r := range async.ParallelLimit(ctx, 10, tasks) {
		if r.Fulfilled() {
			out.impacts[services[i]] = r.Value
		}
	}
	return out, nil
}

func (a *Commander) loadTier1(ctx context.Context) (planParts, error) {
	res, err := a.store.Search(ctx, &store.SearchRequest{
		Index: store.IndexAssets,
		Query: store.Doc{"term": store.Doc{"tier": 1}},
		Size:  1000,
	})
	if err != nil {
		return planParts{}, err
	}
	out := planParts{tier1: map[string]bool{}}
	for _, h := range res.Hits {
		if id, ok := h.Source["asset_id"].(string); ok {
			out.tier1[id] = true
		}
	}
	return out, nil
}

// rankRunbooks scores candidates by service overlap, historical success rate,
// and normalized search score, returning the best with its composite score.
func (a *Commander) rankRunbooks(hits []store.Hit, services []string) (*store.Hit, float64) {
	maxScore := 0.0
	for _, h := range hits {
		if h.Score > maxScore {
			maxScore = h.Score
		}
	}

	var best *store.Hit
	bestScore := -1.0
	for i, h := range hits {
		overlap := serviceOverlap(anyStrings(h.Source["services"]), services)
		success, _ := rowFloat(h.Source, "success_rate")
		norm := 0.0
		if maxScore > 0 {
			norm = h.Score / maxScore
		}
		composite := runbookOverlapWeight*overlap +
			runbookSuccessWeight*clamp01(success) +
			runbookScoreWeight*norm
		if composite > bestScore {
			bestScore = composite
			best = &hits[i]
		}
	}
	return best, bestScore
}

func serviceOverlap(runbookServices, affected []string) float64 {
	if len(affected) == 0 || len(runbookServices) == 0 {
		return 0
	}
	set := map[string]bool{}
	for _, s := range runbookServices {
		set[s] = true
	}
	n := 0
	for _, s := range affected {
		if set[s] {
			n++
		}
	}
	return float64(n) / float64(len(affected))
}

// planFromRunbook lifts the runbook's ordered steps into planned actions.
func planFromRunbook(rb *store.Hit) *incident.Plan {
	plan := &incident.Plan{}
	steps, _ := rb.Source["steps"].([]any)
	for i, raw := range steps {
		step, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		order := i + 1
		if o, ok := rowFloat(step, "order"); ok {
			order = int(o)
		}
		actionType := rowString(step, "action_type")
		if !incident.KnownActionType(actionType) {
			actionType = incident.ActionDocumentation
		}
		plan.Actions = append(plan.Actions, incident.PlannedAction{
			Order:        order,
			ActionType:   actionType,
			Description:  rowString(step, "description"),
			TargetSystem: rowString(step, "target_system"),
			TargetAsset:  rowString(step, "target_asset"),
		})
	}
	if criteria, ok := rb.Source["success_criteria"].([]any); ok {
		for _, raw := range criteria {
			if c, ok := raw.(map[string]any); ok {
				threshold, _ := rowFloat(c, "threshold")
				plan.SuccessCriteria = append(plan.SuccessCriteria, incident.SuccessCriterion{
					Metric:    rowString(c, "metric"),
					Operator:  rowString(c, "operator"),
					Threshold: threshold,
				})
			}
		}
	}
	return plan
}

// synthesizePlan builds a minimal plan from the threat scope when no runbook
// fits: contain confirmed assets, then communicate and document.
func (a *Commander) synthesizePlan(req *contracts.PlanRequest, services []string) *incident.Plan {
	plan := &incident.Plan{}
	order := 1

	confirmed, _ := req.ThreatScope["confirmed_compromised"].([]any)
	for _, raw := range confirmed {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		asset := rowString(entry, "asset_id")
		if asset == "" {
			continue
		}
		plan.Actions = append(plan.Actions, incident.PlannedAction{
			Order:         order,
			ActionType:    incident.ActionContainment,
			Description:   fmt.Sprintf("Isolate compromised asset %s", asset),
			TargetAsset:   asset,
			RollbackSteps: []string{fmt.Sprintf("Remove network isolation from %s", asset)},
		})
		order++
	}

	plan.Actions = append(plan.Actions,
		incident.PlannedAction{
			Order:       order,
			ActionType:  incident.ActionCommunication,
			Description: fmt.Sprintf("Notify on-call about incident %s (%s)", req.IncidentID, req.Severity),
		},
		incident.PlannedAction{
			Order:       order + 1,
			ActionType:  incident.ActionDocumentation,
			Description: "Open tracking ticket with investigation summary",
		},
	)

	if len(services) > 0 {
		plan.SuccessCriteria = append(plan.SuccessCriteria, incident.SuccessCriterion{
			Metric: "error_rate", Operator: "lt", Threshold: 0.05,
		})
	}
	return plan
}

// tagApprovals marks the actions that need a human decision: anything
// touching a tier-1 asset, and containment or remediation on a critical
// severity incident.
func tagApprovals(plan *incident.Plan, tier1 map[string]bool, severity string) {
	critical := strings.EqualFold(severity, "critical")
	for i := range plan.Actions {
		act := &plan.Actions[i]
		if tier1[act.TargetAsset] {
			act.ApprovalRequired = true
			continue
		}
		if critical && (act.ActionType == incident.ActionContainment || act.ActionType == incident.ActionRemediation) {
			act.ApprovalRequired = true
		}
	}
}

// fallbackResponse is the no-op notify plan returned when planning fails.
func (a *Commander) fallbackResponse(req *contracts.PlanRequest, cause error) *contracts.PlanResponse {
	plan := &incident.Plan{
		Actions: []incident.PlannedAction{{
			Order:       1,
			ActionType:  incident.ActionCommunication,
			Description: fmt.Sprintf("Planning failed (%v); notify on-call for manual remediation", cause),
		}},
	}
	return &contracts.PlanResponse{
		IncidentID: req.IncidentID,
		Plan:       plan.ToDoc(),
	}
}
