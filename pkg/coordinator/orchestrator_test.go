package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arome3/vigil/pkg/agents"
	"github.com/arome3/vigil/pkg/bus"
	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/contracts"
	"github.com/arome3/vigil/pkg/incident"
	"github.com/arome3/vigil/pkg/store"
)

// scenario wires the orchestrator against the in-memory store with stub
// specialist agents and a real executor, so audit rows and approval gates
// behave as in production.
type scenario struct {
	t       *testing.T
	mem     *store.Memory
	bus     *bus.Bus
	cfg     *config.Config
	auditor *incident.Auditor
	orch    *Orchestrator

	mu               sync.Mutex
	triageScore      float64
	investigateResp  contracts.InvestigateResponse
	sweepResp        contracts.SweepResponse
	plan             map[string]any
	requiresApproval bool
	approvalValue    string // decision written after each approval request; "" leaves the gate open
	verifyVerdicts   []bool // consumed per call; the last repeats

	investigateCalls int
	lastInvestigate  contracts.InvestigateRequest
	verifyCalls      int
	notifications    []map[string]any
}

func newScenario(t *testing.T) *scenario {
	t.Helper()

	cfg := config.Default()
	cfg.TriageDeadline = 500 * time.Millisecond
	cfg.InvestigationDeadline = 500 * time.Millisecond
	cfg.SweepDeadline = 500 * time.Millisecond
	cfg.PlanningDeadline = 500 * time.Millisecond
	cfg.ExecutorDeadline = 2 * time.Second
	cfg.WorkflowTimeout = 500 * time.Millisecond
	cfg.MonitoringDeadline = 500 * time.Millisecond
	cfg.ApprovalTimeout = 500 * time.Millisecond
	cfg.ApprovalPollInterval = 10 * time.Millisecond

	mem := store.NewMemory()
	b := bus.New()
	auditor := incident.NewAuditor(mem)
	machine := incident.NewMachine(mem, auditor, incident.GuardConfig{
		SuppressThreshold:  cfg.TriageSuppressThreshold,
		MaxReflectionLoops: cfg.MaxReflectionLoops,
	})

	s := &scenario{
		t:              t,
		mem:            mem,
		bus:            b,
		cfg:            cfg,
		auditor:        auditor,
		orch:           NewOrchestrator(machine, auditor, b, mem, cfg, nil),
		triageScore:    0.85,
		plan:           defaultPlan(false),
		approvalValue:  "approve",
		verifyVerdicts: []bool{true},
	}
	s.register()
	return s
}

func (s *scenario) register() {
	s.bus.Register(contracts.AgentTriage, func(_ context.Context, env *contracts.Envelope) (map[string]any, error) {
		req, err := contracts.Decode[contracts.TriageRequest](env.Payload)
		require.NoError(s.t, err)
		s.mu.Lock()
		score := s.triageScore
		s.mu.Unlock()
		disposition := "investigate"
		if score < s.cfg.TriageSuppressThreshold {
			disposition = "suppress"
		}
		return contracts.MustEncode(contracts.TriageResponse{
			AlertID:       req.AlertID,
			PriorityScore: score,
			Disposition:   disposition,
		}), nil
	})

	s.bus.Register(contracts.AgentInvestigator, func(_ context.Context, env *contracts.Envelope) (map[string]any, error) {
		req, err := contracts.Decode[contracts.InvestigateRequest](env.Payload)
		require.NoError(s.t, err)
		s.mu.Lock()
		s.investigateCalls++
		s.lastInvestigate = req
		resp := s.investigateResp
		s.mu.Unlock()
		resp.IncidentID = req.IncidentID
		return contracts.MustEncode(resp), nil
	})

	s.bus.Register(contracts.AgentThreatHunter, func(_ context.Context, env *contracts.Envelope) (map[string]any, error) {
		req, err := contracts.Decode[contracts.SweepRequest](env.Payload)
		require.NoError(s.t, err)
		s.mu.Lock()
		resp := s.sweepResp
		s.mu.Unlock()
		resp.IncidentID = req.IncidentID
		return contracts.MustEncode(resp), nil
	})

	s.bus.Register(contracts.AgentCommander, func(_ context.Context, env *contracts.Envelope) (map[string]any, error) {
		req, err := contracts.Decode[contracts.PlanRequest](env.Payload)
		require.NoError(s.t, err)
		s.mu.Lock()
		defer s.mu.Unlock()
		return contracts.MustEncode(contracts.PlanResponse{
			IncidentID:       req.IncidentID,
			Plan:             s.plan,
			RequiresApproval: s.requiresApproval,
		}), nil
	})

	s.bus.Register(contracts.AgentVerifier, func(_ context.Context, env *contracts.Envelope) (map[string]any, error) {
		req, err := contracts.Decode[contracts.VerifyRequest](env.Payload)
		require.NoError(s.t, err)
		s.mu.Lock()
		i := s.verifyCalls
		s.verifyCalls++
		if i >= len(s.verifyVerdicts) {
			i = len(s.verifyVerdicts) - 1
		}
		passed := s.verifyVerdicts[i]
		s.mu.Unlock()

		resp := contracts.VerifyResponse{IncidentID: req.IncidentID, Passed: passed, HealthScore: 1.0,
			Results: []map[string]any{{"metric": "error_rate", "passed": passed}}}
		if !passed {
			resp.HealthScore = 0.4
			resp.FailureAnalysis = "error_rate still degraded after remediation"
		}
		return contracts.MustEncode(resp), nil
	})

	// Real executor: audit rows, ordering, and per-action approval gates
	// behave exactly as in production.
	exec := agents.NewExecutor(s.bus, s.mem, s.auditor, s.cfg)
	s.bus.Register(contracts.AgentExecutor, exec.Handle)

	effector := func(_ context.Context, _ *contracts.Envelope) (map[string]any, error) {
		return map[string]any{"status": "completed", "result_summary": "ok"}, nil
	}
	s.bus.Register(contracts.WorkflowContainment, effector)
	s.bus.Register(contracts.WorkflowRemediation, effector)
	s.bus.Register(contracts.WorkflowTicketing, effector)

	s.bus.Register(contracts.WorkflowNotify, func(_ context.Context, env *contracts.Envelope) (map[string]any, error) {
		s.mu.Lock()
		s.notifications = append(s.notifications, env.Payload)
		s.mu.Unlock()
		return map[string]any{"status": "completed"}, nil
	})

	// Approval requests are answered out of band a couple of poll intervals
	// later, as a human on the other end of the responses index would.
	s.bus.Register(contracts.WorkflowApproval, func(_ context.Context, env *contracts.Envelope) (map[string]any, error) {
		incidentID := env.Payload["incident_id"].(string)
		actionID, _ := env.Payload["action_id"].(string)
		s.mu.Lock()
		value := s.approvalValue
		s.mu.Unlock()
		if value != "" {
			go func() {
				time.Sleep(15 * time.Millisecond)
				doc := store.Doc{
					"incident_id": incidentID,
					"value":       value,
					"user":        "oncall",
					"@timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
				}
				if actionID != "" {
					doc["action_id"] = actionID
				}
				_, _ = s.mem.Index(context.Background(), store.IndexApprovalResponses, "", doc)
			}()
		}
		return map[string]any{"status": "requested"}, nil
	})
}

func (s *scenario) notificationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notifications)
}

func (s *scenario) auditRows(incidentID string) (transitions, actions int) {
	rows, err := s.auditor.ForIncident(context.Background(), incidentID)
	require.NoError(s.t, err)
	for _, r := range rows {
		if r["action_type"] == "state_transition" {
			transitions++
		} else {
			actions++
		}
	}
	return transitions, actions
}

func defaultPlan(approval bool) map[string]any {
	return map[string]any{
		"plan_id": "PLAN-TEST-1",
		"actions": []any{
			map[string]any{
				"order":             float64(1),
				"action_type":       incident.ActionContainment,
				"description":       "isolate web-1",
				"target_asset":      "web-1",
				"approval_required": approval,
			},
			map[string]any{
				"order":       float64(2),
				"action_type": incident.ActionDocumentation,
				"description": "record incident ticket",
			},
		},
		"success_criteria": []any{
			map[string]any{"metric": "error_rate", "operator": "lt", "threshold": 0.05},
		},
	}
}

func securityAlert(id string) store.Doc {
	return store.Doc{
		"alert_id":          id,
		"rule_name":         "credential-stuffing",
		"severity_original": "high",
		"source_ip":         "10.0.0.5",
		"@timestamp":        time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func TestSecurityFlowResolvesFirstPass(t *testing.T) {
	s := newScenario(t)
	s.triageScore = 0.87
	s.investigateResp = contracts.InvestigateResponse{
		RootCause:         "Credential stuffing from 10.0.0.5",
		RecommendedNext:   "threat_hunt",
		CompromisedAssets: []contracts.CompromisedAsset{{AssetID: "user-42", Confidence: 0.9}},
		AffectedServices:  []string{"auth-service"},
	}
	s.sweepResp = contracts.SweepResponse{
		ConfirmedCompromised: []map[string]any{{"asset_id": "user-42"}},
		AffectedServices:     []string{"auth-service"},
	}
	s.plan = defaultPlan(true)
	s.requiresApproval = true

	resp, err := s.orch.HandleAlert(context.Background(), securityAlert("AL-S1"))
	require.NoError(t, err)
	assert.Equal(t, "resolved", resp["status"])

	incidentID := resp["incident_id"].(string)
	res, err := s.mem.Get(context.Background(), store.IndexIncidents, incidentID)
	require.NoError(t, err)
	inc, err := incident.FromDoc(res.Source)
	require.NoError(t, err)

	assert.Equal(t, incident.StatusResolved, inc.Status)
	assert.Equal(t, 0, inc.ReflectionCount)
	assert.Equal(t, incident.ResolutionAutoResolved, inc.ResolutionType)
	assert.NotEmpty(t, inc.ResolvedAt)
	assert.Contains(t, inc.AffectedServices, "auth-service")

	timing, ok := res.Source["timing_metrics"].(map[string]any)
	require.True(t, ok, "timing_metrics missing")
	for _, k := range []string{"ttd_seconds", "tti_seconds", "ttr_seconds", "ttv_seconds", "total_seconds"} {
		assert.NotNil(t, timing[k], k)
	}

	// Eight edges from detected to resolved, one audit row per committed
	// transition, plus one effector row per executed action.
	transitions, actions := s.auditRows(incidentID)
	assert.Equal(t, 8, transitions)
	assert.Equal(t, 2, actions)
	assert.Zero(t, s.notificationCount())
}

func TestReflectionExhaustionEscalates(t *testing.T) {
	s := newScenario(t)
	s.investigateResp = contracts.InvestigateResponse{
		RootCause:        "Memory leak in checkout",
		RecommendedNext:  "plan_remediation",
		AffectedServices: []string{"checkout"},
	}
	s.verifyVerdicts = []bool{false}

	resp, err := s.orch.HandleAlert(context.Background(), securityAlert("AL-S2"))
	require.NoError(t, err)
	assert.Equal(t, "escalated", resp["status"])
	assert.Contains(t, resp["reason"], "reflection limit reached")

	incidentID := resp["incident_id"].(string)
	inc, err := s.orch.machine.Get(context.Background(), incidentID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusEscalated, inc.Status)
	assert.Equal(t, s.cfg.MaxReflectionLoops, inc.ReflectionCount)
	assert.Equal(t, incident.ResolutionEscalated, inc.ResolutionType)
	assert.True(t, inc.EscalationTriggered)
	assert.Contains(t, inc.EscalationReason, "reflection limit reached")

	// Initial pass plus one per completed reflection loop.
	assert.Equal(t, 3, s.verifyCalls)
	// Reflections carry the failure analysis back into investigation.
	assert.Contains(t, s.lastInvestigate.PreviousFailureAnalysis, "still degraded")

	require.Equal(t, 1, s.notificationCount())
	assert.Equal(t, "pagerduty", s.notifications[0]["channel"])
}

func TestLowScoreAlertSuppressed(t *testing.T) {
	s := newScenario(t)
	s.triageScore = 0.2

	resp, err := s.orch.HandleAlert(context.Background(), securityAlert("AL-S3"))
	require.NoError(t, err)
	assert.Equal(t, "suppressed", resp["status"])
	assert.Contains(t, resp["reason"], "below suppress threshold")

	incidentID := resp["incident_id"].(string)
	inc, err := s.orch.machine.Get(context.Background(), incidentID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusSuppressed, inc.Status)
	assert.Equal(t, incident.ResolutionSuppressed, inc.ResolutionType)
	assert.GreaterOrEqual(t, inc.TotalDurationSeconds, 0.0)

	assert.Zero(t, s.investigateCalls, "suppressed alerts must not be investigated")

	transitions, actions := s.auditRows(incidentID)
	assert.Equal(t, 2, transitions)
	assert.Zero(t, actions)

	// Non-critical terminal notification goes to chat, not paging.
	require.Equal(t, 1, s.notificationCount())
	assert.Equal(t, "slack", s.notifications[0]["channel"])
}

func TestConflictingScopesEscalate(t *testing.T) {
	s := newScenario(t)
	s.investigateResp = contracts.InvestigateResponse{
		RootCause:         "Lateral movement from web-1",
		RecommendedNext:   "threat_hunt",
		CompromisedAssets: []contracts.CompromisedAsset{{AssetID: "web-1", Confidence: 0.9}},
	}
	s.sweepResp = contracts.SweepResponse{
		ConfirmedCompromised: []map[string]any{{"asset_id": "db-9"}},
	}

	resp, err := s.orch.HandleAlert(context.Background(), securityAlert("AL-S4"))
	require.NoError(t, err)
	assert.Equal(t, "escalated", resp["status"])
	assert.Contains(t, resp["reason"], "conflicting assessments")

	incidentID := resp["incident_id"].(string)
	res, err := s.mem.Get(context.Background(), store.IndexIncidents, incidentID)
	require.NoError(t, err)
	scope, ok := res.Source["escalation_context"].(map[string]any)
	require.True(t, ok, "escalation_context missing")
	assert.ElementsMatch(t, []any{"db-9"}, scope["hunter_only"])
	assert.ElementsMatch(t, []any{"web-1"}, scope["investigator_confirmed"])

	require.Equal(t, 1, s.notificationCount())
	assert.Equal(t, "pagerduty", s.notifications[0]["channel"])
}

func TestOperationalAnomalySynthesizesReport(t *testing.T) {
	s := newScenario(t)

	resp, err := s.orch.HandleAnomaly(context.Background(), store.Doc{
		"service":  "checkout",
		"severity": "medium",
		"metric":   "latency_p99",
	})
	require.NoError(t, err)
	assert.Equal(t, "resolved", resp["status"])

	assert.Zero(t, s.investigateCalls, "no change correlation, no investigation")

	incidentID := resp["incident_id"].(string)
	inc, err := s.orch.machine.Get(context.Background(), incidentID)
	require.NoError(t, err)
	assert.Equal(t, "operational", inc.Source)
	assert.InDelta(t, operationalPriorityScore, inc.PriorityScore, 1e-9)
	assert.Contains(t, inc.AffectedServices, "checkout")

	res, err := s.mem.Get(context.Background(), store.IndexIncidents, incidentID)
	require.NoError(t, err)
	report, ok := res.Source["investigation_report"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, report["root_cause"], "checkout")
}

func TestOperationalAnomalyWithHighConfidenceChangeInvestigates(t *testing.T) {
	s := newScenario(t)
	s.investigateResp = contracts.InvestigateResponse{
		RootCause:        "Deployment v2.14 regressed checkout latency",
		RecommendedNext:  "plan_remediation",
		AffectedServices: []string{"checkout"},
	}

	resp, err := s.orch.HandleAnomaly(context.Background(), store.Doc{
		"service":  "checkout",
		"severity": "high",
		"recent_change": map[string]any{
			"confidence":  "high",
			"change_type": "deployment",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "resolved", resp["status"])
	assert.Equal(t, 1, s.investigateCalls)
}

func TestPlanApprovalRejectionEscalates(t *testing.T) {
	s := newScenario(t)
	s.investigateResp = contracts.InvestigateResponse{
		RootCause:       "Compromised service account",
		RecommendedNext: "plan_remediation",
	}
	s.plan = defaultPlan(true)
	s.requiresApproval = true
	s.approvalValue = "reject"

	resp, err := s.orch.HandleAlert(context.Background(), securityAlert("AL-S5"))
	require.NoError(t, err)
	assert.Equal(t, "escalated", resp["status"])
	assert.Contains(t, resp["reason"], "plan approval rejected")

	incidentID := resp["incident_id"].(string)
	inc, err := s.orch.machine.Get(context.Background(), incidentID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusEscalated, inc.Status)
	assert.Equal(t, "rejected", inc.ApprovalStatus)
	assert.True(t, inc.EscalationTriggered)

	require.Equal(t, 1, s.notificationCount())
}

func TestPlanApprovalTimeoutEscalates(t *testing.T) {
	s := newScenario(t)
	s.cfg.ApprovalTimeout = 100 * time.Millisecond
	s.investigateResp = contracts.InvestigateResponse{
		RootCause:       "Compromised service account",
		RecommendedNext: "plan_remediation",
	}
	s.plan = defaultPlan(true)
	s.requiresApproval = true
	s.approvalValue = "" // nobody answers

	resp, err := s.orch.HandleAlert(context.Background(), securityAlert("AL-S6"))
	require.NoError(t, err)
	assert.Equal(t, "escalated", resp["status"])
	assert.Contains(t, resp["reason"], "plan approval timeout")
}

func TestEscalateIsIdempotent(t *testing.T) {
	s := newScenario(t)

	inc := &incident.Incident{AlertID: "AL-S7", Source: "security", Severity: "critical"}
	require.NoError(t, s.orch.machine.Create(context.Background(), inc))

	resp, err := s.orch.escalate(context.Background(), inc.IncidentID, "manual escalation", nil)
	require.NoError(t, err)
	assert.Equal(t, "escalated", resp["status"])
	assert.Equal(t, "manual escalation", resp["reason"])

	// A second trigger keeps the original reason and sends nothing new.
	resp, err = s.orch.escalate(context.Background(), inc.IncidentID, "second trigger", nil)
	require.NoError(t, err)
	assert.Equal(t, "manual escalation", resp["reason"])

	got, err := s.orch.machine.Get(context.Background(), inc.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusEscalated, got.Status)
	assert.Equal(t, incident.ResolutionEscalated, got.ResolutionType)
	assert.GreaterOrEqual(t, got.TotalDurationSeconds, 0.0)

	assert.Equal(t, 1, s.notificationCount())
}
