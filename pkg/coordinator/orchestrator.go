// Package coordinator drives incidents end to end: the alert watcher claims
// and ingests alerts, the orchestrator walks each incident through triage,
// investigation, planning, execution, and verification, reflecting on
// failure and escalating when out of options.
package coordinator

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
	"github.com/arome3/vigil/pkg/telemetry"
)

// Priority score assigned to sentinel-originated incidents; operational
// anomalies carry no triage signal of their own.
const operationalPriorityScore = 0.6

// Investigator findings at or above this confidence count as confirmed when
// cross-checked against the threat hunter's scope.
const investigatorConfidenceBar = 0.7

// Slack the coordinator grants an agent beyond its internal deadline before
// the bus call itself is abandoned.
const busGrace = 5 * time.Second

// Consecutive transient approval-poll failures tolerated before the gate
// gives up.
const approvalMaxPollErrors = 3

// Orchestrator owns the incident flows. It talks to workers only through the
// bus and mutates incidents only through the state machine, except for the
// escalation override documented on escalate.
type Orchestrator struct {
	machine *incident.Machine
	auditor *incident.Auditor
	bus     *bus.Bus
	store   store.Store
	cfg     *config.Config
	metrics *telemetry.Metrics
	logger  *slog.Logger
	clock   func() time.Time
}

// NewOrchestrator creates the coordinator's orchestration core.
func NewOrchestrator(m *incident.Machine, auditor *incident.Auditor, b *bus.Bus, st store.Store, cfg *config.Config, metrics *telemetry.Metrics) *Orchestrator {
	return &Orchestrator{
		machine: m,
		auditor: auditor,
		bus:     b,
		store:   st,
		cfg:     cfg,
		metrics: metrics,
		logger:  slog.Default().With("component", "coordinator"),
		clock:   time.Now,
	}
}

// flow carries the evolving context of one orchestration run.
type flow struct {
	incidentID    string
	severity      string
	alert         store.Doc
	anomaly       store.Doc
	investigation map[string]any
	threatScope   map[string]any
	services      []string

	// Failure analysis from the last verification, set during reflection.
	previousFailure string
}

// HandleAlert runs the security flow for one raw alert. The response is
// always {incident_id, status, reason?} with a terminal status.
func (o *Orchestrator) HandleAlert(ctx context.Context, alert store.Doc) (map[string]any, error) {
	alertID := docString(alert, "alert_id")
	if alertID == "" {
		return nil, fmt.Errorf("alert is missing alert_id")
	}
	severity := docString(alert, "severity_original")

	triage, err := o.callTriage(ctx, alertID, alert)
	if err != nil {
		return nil, fmt.Errorf("triage alert %s: %w", alertID, err)
	}

	inc := &incident.Incident{
		AlertID:       alertID,
		Source:        "security",
		Severity:      severity,
		PriorityScore: triage.PriorityScore,
	}
	if err := o.machine.Create(ctx, inc); err != nil {
		return nil, err
	}

	if _, err := o.transition(ctx, inc.IncidentID, incident.StatusDetected, incident.StatusTriaged, store.Doc{
		"priority_score": triage.PriorityScore,
		"disposition":    triage.Disposition,
	}); err != nil {
		return nil, err
	}

	if triage.PriorityScore < o.cfg.TriageSuppressThreshold {
		committed, err := o.transition(ctx, inc.IncidentID, incident.StatusTriaged, incident.StatusSuppressed, nil)
		if err != nil {
			return nil, err
		}
		reason := fmt.Sprintf("priority score %.2f below suppress threshold %.2f",
			triage.PriorityScore, o.cfg.TriageSuppressThreshold)
		o.notifyTerminal(ctx, committed, reason)
		o.metrics.Terminal(incident.ResolutionSuppressed)
		return respond(inc.IncidentID, incident.StatusSuppressed, reason), nil
	}

	if _, err := o.transition(ctx, inc.IncidentID, incident.StatusTriaged, incident.StatusInvestigating, nil); err != nil {
		return nil, err
	}

	f := &flow{incidentID: inc.IncidentID, severity: severity, alert: alert}

	investigation, err := o.callInvestigator(ctx, f)
	if err != nil {
		return o.escalate(ctx, inc.IncidentID, fmt.Sprintf("investigation unavailable: %v", err), nil)
	}
	if investigation.RecommendedNext == "escalate" {
		return o.escalate(ctx, inc.IncidentID, investigation.RootCause, nil)
	}
	f.investigation = contracts.MustEncode(investigation)
	f.services = investigation.AffectedServices

	if investigation.RecommendedNext == "threat_hunt" {
		if _, err := o.transition(ctx, inc.IncidentID, incident.StatusInvestigating, incident.StatusThreatHunting, store.Doc{
			"investigation_report": f.investigation,
		}); err != nil {
			return nil, err
		}

		sweep, err := o.callHunter(ctx, f)
		if err != nil {
			o.logger.Warn("Threat hunt failed, continuing with investigator scope",
				"incident_id", inc.IncidentID, "error", err)
		} else {
			f.threatScope = contracts.MustEncode(sweep)
			f.services = mergeStrings(f.services, sweep.AffectedServices)
			if conflict := conflictingAssessments(investigation, sweep); conflict != nil {
				return o.escalate(ctx, inc.IncidentID,
					"conflicting assessments between investigator and threat hunter", conflict)
			}
		}

		if _, err := o.transition(ctx, inc.IncidentID, incident.StatusThreatHunting, incident.StatusPlanning, store.Doc{
			"threat_scope":      f.threatScope,
			"affected_services": f.services,
		}); err != nil {
			return nil, err
		}
	} else {
		if _, err := o.transition(ctx, inc.IncidentID, incident.StatusInvestigating, incident.StatusPlanning, store.Doc{
			"investigation_report": f.investigation,
			"affected_services":    f.services,
		}); err != nil {
			return nil, err
		}
	}

	return o.remediate(ctx, f)
}

// HandleAnomaly runs the operational flow for one sentinel anomaly report.
func (o *Orchestrator) HandleAnomaly(ctx context.Context, anomaly store.Doc) (map[string]any, error) {
	service := docString(anomaly, "service")
	if service == "" {
		return nil, fmt.Errorf("anomaly report is missing service")
	}
	severity := docString(anomaly, "severity")
	if severity == "" {
		severity = "medium"
	}

	inc := &incident.Incident{
		Source:           "operational",
		Severity:         severity,
		PriorityScore:    operationalPriorityScore,
		AffectedServices: []string{service},
	}
	if err := o.machine.Create(ctx, inc); err != nil {
		return nil, err
	}

	if _, err := o.transition(ctx, inc.IncidentID, incident.StatusDetected, incident.StatusTriaged, store.Doc{
		"priority_score": operationalPriorityScore,
	}); err != nil {
		return nil, err
	}
	if _, err := o.transition(ctx, inc.IncidentID, incident.StatusTriaged, incident.StatusInvestigating, nil); err != nil {
		return nil, err
	}

	f := &flow{incidentID: inc.IncidentID, severity: severity, anomaly: anomaly, services: []string{service}}

	if changeConfidence(anomaly) == "high" {
		investigation, err := o.callInvestigator(ctx, f)
		if err == nil && investigation.RecommendedNext != "escalate" {
			f.investigation = contracts.MustEncode(investigation)
			f.services = mergeStrings(f.services, investigation.AffectedServices)
		} else if err == nil {
			return o.escalate(ctx, inc.IncidentID, investigation.RootCause, nil)
		} else {
			o.logger.Warn("Operational investigation failed, synthesizing report",
				"incident_id", inc.IncidentID, "error", err)
		}
	}
	if f.investigation == nil {
		f.investigation = synthesizeInvestigation(inc.IncidentID, service, severity, anomaly)
	}

	if _, err := o.transition(ctx, inc.IncidentID, incident.StatusInvestigating, incident.StatusPlanning, store.Doc{
		"investigation_report": f.investigation,
		"affected_services":    f.services,
	}); err != nil {
		return nil, err
	}

	return o.remediate(ctx, f)
}

// outcome is one pass through plan/execute/verify.
type outcome struct {
	response        map[string]any
	failureAnalysis string
	results         []map[string]any
}

// remediate runs the common planning flow, then the reflection loop when
// verification keeps failing.
func (o *Orchestrator) remediate(ctx context.Context, f *flow) (map[string]any, error) {
	out, err := o.planAndExecute(ctx, f, true, "")
	if err != nil {
		return nil, err
	}
	if out.response != nil {
		return out.response, nil
	}
	return o.reflect(ctx, f, out)
}

// reflect is the bounded re-investigate/re-plan/re-execute cycle. Threat
// hunting and approval gates are skipped on reflections; the approval was
// granted in the first pass.
func (o *Orchestrator) reflect(ctx context.Context, f *flow, out outcome) (map[string]any, error) {
	for i := 0; i <= o.cfg.MaxReflectionLoops; i++ {
		inc, err := o.transition(ctx, f.incidentID, incident.StatusVerifying, incident.StatusReflecting, store.Doc{
			"verification_passed":  false,
			"verification_results": out.results,
		})
		if err != nil {
			return nil, err
		}
		if inc.Status == incident.StatusEscalated {
			// The state machine hit the reflection limit.
			return o.escalate(ctx, f.incidentID, inc.EscalationReason, store.Doc{
				"last_failure_analysis": out.failureAnalysis,
				"affected_services":     f.services,
			})
		}

		if _, err := o.transition(ctx, f.incidentID, incident.StatusReflecting, incident.StatusInvestigating, nil); err != nil {
			return nil, err
		}

		f.previousFailure = out.failureAnalysis
		investigation, err := o.callInvestigator(ctx, f)
		if err == nil && investigation.RecommendedNext != "escalate" {
			f.investigation = contracts.MustEncode(investigation)
			f.services = mergeStrings(f.services, investigation.AffectedServices)
		}

		if _, err := o.transition(ctx, f.incidentID, incident.StatusInvestigating, incident.StatusPlanning, store.Doc{
			"investigation_report": f.investigation,
			"affected_services":    f.services,
		}); err != nil {
			return nil, err
		}

		out, err = o.planAndExecute(ctx, f, false, out.failureAnalysis)
		if err != nil {
			return nil, err
		}
		if out.response != nil {
			return out.response, nil
		}
	}
	// Unreachable while the state machine enforces the reflection bound.
	return o.escalate(ctx, f.incidentID, "reflection loop did not converge", nil)
}

// planAndExecute runs one planning/execution/verification pass starting from
// the planning state. A nil response in the outcome means verification
// failed and the caller should reflect.
func (o *Orchestrator) planAndExecute(ctx context.Context, f *flow, firstPass bool, failureAnalysis string) (outcome, error) {
	planResp, err := o.callCommander(ctx, f)
	if err != nil {
		return outcome{}, fmt.Errorf("plan incident %s: %w", f.incidentID, err)
	}
	plan := planResp.Plan
	if !firstPass {
		// Approval was granted in the first pass; reflections re-run the
		// remediation without re-gating.
		stripApprovals(plan)
	}

	if firstPass && planResp.RequiresApproval {
		if _, err := o.transition(ctx, f.incidentID, incident.StatusPlanning, incident.StatusAwaitingApproval, store.Doc{
			"remediation_plan": plan,
		}); err != nil {
			return outcome{}, err
		}
		decision := o.awaitPlanApproval(ctx, f.incidentID, plan)
		if decision != "approved" {
			if _, err := o.transition(ctx, f.incidentID, incident.StatusAwaitingApproval, incident.StatusEscalated, store.Doc{
				"approval_status":   decision,
				"escalation_reason": "plan approval " + decision,
			}); err != nil {
				return outcome{}, err
			}
			resp, err := o.escalate(ctx, f.incidentID, "plan approval "+decision, nil)
			return outcome{response: resp}, err
		}
		if _, err := o.transition(ctx, f.incidentID, incident.StatusAwaitingApproval, incident.StatusExecuting, store.Doc{
			"approval_status": "approved",
		}); err != nil {
			return outcome{}, err
		}
	} else {
		if _, err := o.transition(ctx, f.incidentID, incident.StatusPlanning, incident.StatusExecuting, store.Doc{
			"remediation_plan": plan,
		}); err != nil {
			return outcome{}, err
		}
	}

	execResp, execErr := o.callExecutor(ctx, f, plan)

	if _, err := o.transition(ctx, f.incidentID, incident.StatusExecuting, incident.StatusVerifying, nil); err != nil {
		return outcome{}, err
	}

	if execErr != nil || execResp.Status == "failed" {
		analysis := "plan execution failed"
		if execErr != nil {
			analysis = fmt.Sprintf("plan execution failed: %v", execErr)
		} else if execResp.Error != "" {
			analysis = "plan execution failed: " + execResp.Error
		}
		return outcome{failureAnalysis: analysis}, nil
	}

	verifyResp, err := o.callVerifier(ctx, f, plan)
	if err != nil {
		return outcome{failureAnalysis: fmt.Sprintf("verification unavailable: %v", err)}, nil
	}

	if verifyResp.Passed {
		inc, err := o.machine.Get(ctx, f.incidentID)
		if err != nil {
			return outcome{}, err
		}
		if _, err := o.transition(ctx, f.incidentID, incident.StatusVerifying, incident.StatusResolved, store.Doc{
			"verification_passed":  true,
			"verification_results": verifyResp.Results,
			"health_score":         verifyResp.HealthScore,
			"timing_metrics":       timingMetrics(inc, o.clock().UTC()),
		}); err != nil {
			return outcome{}, err
		}
		o.metrics.Terminal(incident.ResolutionAutoResolved)
		return outcome{response: respond(f.incidentID, incident.StatusResolved, "")}, nil
	}

	analysis := verifyResp.FailureAnalysis
	if analysis == "" {
		analysis = fmt.Sprintf("verification failed with health score %.2f", verifyResp.HealthScore)
	}
	return outcome{failureAnalysis: analysis, results: verifyResp.Results}, nil
}

// awaitPlanApproval delivers the plan-level approval request and polls the
// responses index for a decision without an action_id (per-action decisions
// belong to the executor's gate). Returns approved, rejected, or timeout.
func (o *Orchestrator) awaitPlanApproval(ctx context.Context, incidentID string, plan map[string]any) string {
	_, err := o.call(ctx, contracts.WorkflowApproval, incidentID, map[string]any{
		"incident_id": incidentID,
		"scope":       "plan",
		"plan":        plan,
	}, o.cfg.WorkflowTimeout)
	if err != nil {
		o.logger.Warn("Plan approval request delivery failed, polling anyway",
			"incident_id", incidentID, "error", err)
	}

	deadline := o.clock().Add(o.cfg.ApprovalTimeout)
	consecutiveErrors := 0
	for {
		if o.clock().After(deadline) {
			return "timeout"
		}
		decision, err := o.pollPlanDecision(ctx, incidentID)
		switch {
		case err != nil:
			consecutiveErrors++
			if !store.IsTransient(err) || consecutiveErrors > approvalMaxPollErrors {
				o.logger.Error("Plan approval polling aborted",
					"incident_id", incidentID, "error", err)
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
		case <-time.After(o.cfg.ApprovalPollInterval):
		}
	}
}

func (o *Orchestrator) pollPlanDecision(ctx context.Context, incidentID string) (string, error) {
	res, err := o.store.Search(ctx, &store.SearchRequest{
		Index: store.IndexApprovalResponses,
		Query: store.Doc{"bool": store.Doc{
			"must":     []store.Doc{{"term": store.Doc{"incident_id": incidentID}}},
			"must_not": []store.Doc{{"exists": store.Doc{"field": "action_id"}}},
		}},
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

// escalate is the idempotent escalation path. The escalation_triggered flag
// is set through an optimistic-concurrency update; losing the race means
// someone else already escalated and nothing further happens. Escalation may
// force the status from states with no edge to escalated (conflict
// assessments, failed investigations); the override is audited like any
// transition.
func (o *Orchestrator) escalate(ctx context.Context, incidentID, reason string, scope store.Doc) (map[string]any, error) {
	started := o.clock()

	for attempt := 0; attempt < 3; attempt++ {
		res, err := o.store.Get(ctx, store.IndexIncidents, incidentID)
		if err != nil {
			return nil, err
		}
		inc, err := incident.FromDoc(res.Source)
		if err != nil {
			return nil, err
		}
		if inc.EscalationTriggered {
			return respond(incidentID, incident.StatusEscalated, inc.EscalationReason), nil
		}

		now := o.clock().UTC()
		nowStr := now.Format(time.RFC3339Nano)
		doc := store.Doc{}
		for k, v := range res.Source {
			doc[k] = v
		}
		doc["escalation_triggered"] = true
		doc["escalation_reason"] = reason
		doc["updated_at"] = nowStr
		if scope != nil {
			doc["escalation_context"] = scope
		}

		prev := inc.Status
		if prev != incident.StatusEscalated {
			doc["status"] = string(incident.StatusEscalated)
			doc["resolved_at"] = nowStr
			doc["resolution_type"] = incident.ResolutionEscalated
			doc["total_duration_seconds"] = elapsedSeconds(inc.CreatedAt, now)
		}

		err = o.store.Update(ctx, store.IndexIncidents, incidentID, doc, res.SeqNo, res.PrimaryTerm)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("escalate incident %s: %w", incidentID, err)
		}

		if prev != incident.StatusEscalated {
			o.auditor.RecordTransition(ctx, incidentID, prev, incident.StatusEscalated, started)
			o.metrics.Transition(string(prev), string(incident.StatusEscalated))
		}
		// The flag commits exactly once per incident, so terminal and
		// escalation counters stay exact regardless of which path got here.
		o.metrics.Terminal(incident.ResolutionEscalated)
		o.metrics.Escalated()

		o.sendNotification(ctx, incidentID, "pagerduty", inc.Severity, reason, scope)
		o.logger.Warn("Incident escalated",
			"incident_id", incidentID, "reason", reason, "previous_status", prev)
		return respond(incidentID, incident.StatusEscalated, reason), nil
	}
	return nil, fmt.Errorf("escalate incident %s: %w", incidentID, incident.ErrConcurrencyConflict)
}

// notifyTerminal pages or messages the on-call for non-resolved terminal
// states other than escalation (which notifies through escalate).
func (o *Orchestrator) notifyTerminal(ctx context.Context, inc *incident.Incident, reason string) {
	channel := "slack"
	if inc.Severity == "critical" {
		channel = "pagerduty"
	}
	o.sendNotification(ctx, inc.IncidentID, channel, inc.Severity, reason, nil)
}

// sendNotification delivers one envelope to the notify workflow. Failures
// are logged only; notification is best effort.
func (o *Orchestrator) sendNotification(ctx context.Context, incidentID, channel, severity, reason string, scope store.Doc) {
	payload := map[string]any{
		"incident_id": incidentID,
		"channel":     channel,
		"severity":    severity,
		"reason":      reason,
	}
	if scope != nil {
		payload["context"] = scope
	}
	if _, err := o.call(ctx, contracts.WorkflowNotify, incidentID, payload, o.cfg.WorkflowTimeout); err != nil {
		o.logger.Error("Notification delivery failed",
			"incident_id", incidentID, "channel", channel, "error", err)
	}
}

// transition wraps the state machine with edge telemetry.
func (o *Orchestrator) transition(ctx context.Context, incidentID string, from, to incident.Status, meta store.Doc) (*incident.Incident, error) {
	inc, err := o.machine.Transition(ctx, incidentID, to, meta)
	if err != nil {
		return nil, err
	}
	o.metrics.Transition(string(from), string(inc.Status))
	return inc, nil
}

// call sends one envelope from the coordinator, recording agent latency. The
// bus timeout is the agent's deadline plus grace; agents bound their own
// work internally.
func (o *Orchestrator) call(ctx context.Context, to, correlationID string, payload map[string]any, deadline time.Duration) (map[string]any, error) {
	started := o.clock()
	resp, err := o.bus.Call(ctx, contracts.AgentCoordinator, to, correlationID, payload, deadline+busGrace)
	o.metrics.AgentCall(to, o.clock().Sub(started))
	return resp, err
}

func (o *Orchestrator) callTriage(ctx context.Context, alertID string, alert store.Doc) (*contracts.TriageResponse, error) {
	payload := contracts.MustEncode(contracts.TriageRequest{AlertID: alertID, Alert: alert})
	resp, err := o.call(ctx, contracts.AgentTriage, alertID, payload, o.cfg.TriageDeadline)
	if err != nil {
		return nil, err
	}
	out, err := contracts.Decode[contracts.TriageResponse](resp)
	return &out, err
}

func (o *Orchestrator) callInvestigator(ctx context.Context, f *flow) (*contracts.InvestigateResponse, error) {
	payload := contracts.MustEncode(contracts.InvestigateRequest{
		IncidentID:              f.incidentID,
		Alert:                   f.alert,
		Anomaly:                 f.anomaly,
		PreviousFailureAnalysis: f.previousFailure,
	})
	resp, err := o.call(ctx, contracts.AgentInvestigator, f.incidentID, payload, o.cfg.InvestigationDeadline)
	if err != nil {
		return nil, err
	}
	out, err := contracts.Decode[contracts.InvestigateResponse](resp)
	return &out, err
}

func (o *Orchestrator) callHunter(ctx context.Context, f *flow) (*contracts.SweepResponse, error) {
	payload := contracts.MustEncode(contracts.SweepRequest{
		IncidentID:       f.incidentID,
		Indicators:       indicatorsFromAlert(f.alert),
		CompromisedUsers: docStrings(f.alert, "compromised_users"),
	})
	resp, err := o.call(ctx, contracts.AgentThreatHunter, f.incidentID, payload, o.cfg.SweepDeadline)
	if err != nil {
		return nil, err
	}
	out, err := contracts.Decode[contracts.SweepResponse](resp)
	return &out, err
}

func (o *Orchestrator) callCommander(ctx context.Context, f *flow) (*contracts.PlanResponse, error) {
	payload := contracts.MustEncode(contracts.PlanRequest{
		IncidentID:          f.incidentID,
		Severity:            f.severity,
		InvestigationReport: f.investigation,
		ThreatScope:         f.threatScope,
	})
	resp, err := o.call(ctx, contracts.AgentCommander, f.incidentID, payload, o.cfg.PlanningDeadline)
	if err != nil {
		return nil, err
	}
	out, err := contracts.Decode[contracts.PlanResponse](resp)
	return &out, err
}

func (o *Orchestrator) callExecutor(ctx context.Context, f *flow, plan map[string]any) (*contracts.ExecuteResponse, error) {
	payload := contracts.MustEncode(contracts.ExecuteRequest{
		Task:       "execute_plan",
		IncidentID: f.incidentID,
		Actions:    planActions(plan),
	})
	resp, err := o.call(ctx, contracts.AgentExecutor, f.incidentID, payload, o.cfg.ExecutorDeadline)
	if err != nil {
		return nil, err
	}
	out, err := contracts.Decode[contracts.ExecuteResponse](resp)
	return &out, err
}

func (o *Orchestrator) callVerifier(ctx context.Context, f *flow, plan map[string]any) (*contracts.VerifyResponse, error) {
	criteria := planCriteria(plan)
	if criteria == nil {
		criteria = []map[string]any{}
	}
	services := f.services
	if services == nil {
		services = []string{}
	}
	payload := contracts.MustEncode(contracts.VerifyRequest{
		IncidentID:       f.incidentID,
		SuccessCriteria:  criteria,
		AffectedServices: services,
	})
	resp, err := o.call(ctx, contracts.AgentVerifier, f.incidentID, payload, o.cfg.MonitoringDeadline)
	if err != nil {
		return nil, err
	}
	out, err := contracts.Decode[contracts.VerifyResponse](resp)
	return &out, err
}

func respond(incidentID string, status incident.Status, reason string) map[string]any {
	resp := map[string]any{
		"incident_id": incidentID,
		"status":      string(status),
	}
	if reason != "" {
		resp["reason"] = reason
	}
	return resp
}

// conflictingAssessments returns both scopes when the hunter found at least
// as many compromised assets outside the investigator's high-confidence set
// as the investigator confirmed. nil means no conflict.
func conflictingAssessments(inv *contracts.InvestigateResponse, sweep *contracts.SweepResponse) store.Doc {
	confirmed := map[string]bool{}
	for _, a := range inv.CompromisedAssets {
		if a.Confidence >= investigatorConfidenceBar {
			confirmed[a.AssetID] = true
		}
	}
	if len(confirmed) == 0 {
		return nil
	}

	var hunterOnly []string
	for _, h := range sweep.ConfirmedCompromised {
		id := docString(h, "asset_id")
		if id != "" && !confirmed[id] {
			hunterOnly = append(hunterOnly, id)
		}
	}
	if len(hunterOnly) == 0 || len(hunterOnly) < len(confirmed) {
		return nil
	}

	investigatorAssets := make([]string, 0, len(confirmed))
	for id := range confirmed {
		investigatorAssets = append(investigatorAssets, id)
	}
	return store.Doc{
		"investigator_confirmed": investigatorAssets,
		"hunter_only":            hunterOnly,
	}
}

// synthesizeInvestigation builds the minimal report used when the sentinel
// anomaly has no high-confidence change correlation to investigate.
func synthesizeInvestigation(incidentID, service, severity string, anomaly store.Doc) map[string]any {
	rootCause := fmt.Sprintf("Service %s degraded (%s severity anomaly)", service, severity)
	if change, ok := anomaly["recent_change"].(map[string]any); ok {
		rootCause += fmt.Sprintf("; possible %s %s before the anomaly",
			docString(change, "confidence"), docString(change, "change_type"))
	}
	return map[string]any{
		"incident_id":       incidentID,
		"root_cause":        rootCause,
		"affected_services": []any{service},
		"recommended_next":  "plan_remediation",
	}
}

// timingMetrics derives the phase timings from the incident's first-entry
// state timestamps: detection-to-triage, to-investigation-done (planning),
// to-remediation-done (verifying), and to-verified (now).
func timingMetrics(inc *incident.Incident, now time.Time) map[string]any {
	created, err := time.Parse(time.RFC3339Nano, inc.CreatedAt)
	if err != nil {
		created = now
	}
	phase := func(status incident.Status) float64 {
		stamp, ok := inc.StateTimestamps[string(status)]
		if !ok {
			return 0
		}
		at, err := time.Parse(time.RFC3339Nano, stamp)
		if err != nil {
			return 0
		}
		return nonNegative(at.Sub(created).Seconds())
	}
	total := nonNegative(now.Sub(created).Seconds())
	return map[string]any{
		"ttd_seconds":   phase(incident.StatusTriaged),
		"tti_seconds":   phase(incident.StatusPlanning),
		"ttr_seconds":   phase(incident.StatusVerifying),
		"ttv_seconds":   total,
		"total_seconds": total,
	}
}

func changeConfidence(anomaly store.Doc) string {
	change, ok := anomaly["recent_change"].(map[string]any)
	if !ok {
		return ""
	}
	return docString(change, "confidence")
}

// indicatorsFromAlert lifts the alert's IoC fields into sweep indicators.
func indicatorsFromAlert(alert store.Doc) contracts.SweepIndicators {
	ind := contracts.SweepIndicators{
		Domains:   docStrings(alert, "domains"),
		Hashes:    docStrings(alert, "file_hashes"),
		Processes: docStrings(alert, "process_names"),
	}
	if ip := docString(alert, "source_ip"); ip != "" {
		ind.IPs = append(ind.IPs, ip)
	}
	if ip := docString(alert, "destination_ip"); ip != "" {
		ind.IPs = append(ind.IPs, ip)
	}
	ind.IPs = append(ind.IPs, docStrings(alert, "ips")...)
	return ind
}

func stripApprovals(plan map[string]any) {
	actions, _ := plan["actions"].([]any)
	for _, raw := range actions {
		if m, ok := raw.(map[string]any); ok {
			m["approval_required"] = false
		}
	}
	plan["requires_approval"] = false
}

func planActions(plan map[string]any) []map[string]any {
	raw, _ := plan["actions"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, a := range raw {
		if m, ok := a.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func planCriteria(plan map[string]any) []map[string]any {
	raw, _ := plan["success_criteria"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, c := range raw {
		if m, ok := c.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func elapsedSeconds(createdAt string, now time.Time) float64 {
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return 0
	}
	return nonNegative(now.Sub(created).Seconds())
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func docString(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

func docStrings(doc map[string]any, key string) []string {
	var out []string
	switch v := doc[key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func mergeStrings(a, b []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
