package agents

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/arome3/vigil/pkg/contracts"
	"github.com/arome3/vigil/pkg/incident"
	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commanderFixture(t *testing.T, mem *store.Memory) *Commander {
	t.Helper()
	r := tools.NewRegistry()
	keywordTool(t, r, toolRunbookSearch, store.IndexRunbooks, []string{"title", "body"})
	esqlTool(t, r, toolServiceImpact, "FROM impact | WHERE service == ?service",
		map[string]tools.ParamSpec{"service": {Type: tools.ParamKeyword, Required: true}})
	return NewCommander(tools.NewExecutor(r, mem, nil), mem, testConfig())
}

func runbookHit(id string, score float64, services []any, successRate float64, steps []any) store.Hit {
	return store.Hit{
		ID:    id,
		Score: score,
		Source: store.Doc{
			"title":        id,
			"services":     services,
			"success_rate": successRate,
			"steps":        steps,
		},
	}
}

func TestCommanderAdoptsBestRunbook(t *testing.T) {
	mem := store.NewMemory()
	mem.SearchHook = func(req *store.SearchRequest) (*store.SearchResult, bool) {
		if req.Index != store.IndexRunbooks {
			return &store.SearchResult{}, true
		}
		return &store.SearchResult{Hits: []store.Hit{
			runbookHit("rb-good", 2.0, []any{"checkout", "payments"}, 0.9, []any{
				map[string]any{"order": float64(1), "action_type": "remediation",
					"description": "Roll back deployment", "target_system": "k8s"},
				map[string]any{"order": float64(2), "action_type": "communication",
					"description": "Notify on-call"},
			}),
			runbookHit("rb-weak", 1.0, []any{"other"}, 0.2, nil),
		}}, true
	}

	a := commanderFixture(t, mem)
	payload, err := a.Handle(context.Background(), newEnv(contracts.AgentCoordinator, contracts.AgentCommander,
		map[string]any{
			"incident_id": "INC-2026-AAAAA",
			"severity":    "high",
			"investigation_report": map[string]any{
				"root_cause":        "bad deployment on checkout",
				"affected_services": []any{"checkout"},
			},
		}))
	require.NoError(t, err)

	resp, err := contracts.Decode[contracts.PlanResponse](payload)
	require.NoError(t, err)
	assert.Equal(t, "rb-good", resp.RunbookUsed)

	plan, err := incident.PlanFromDoc(resp.Plan)
	require.NoError(t, err)
	require.Len(t, plan.Actions, 2)
	assert.Equal(t, incident.ActionRemediation, plan.Actions[0].ActionType)
	assert.False(t, resp.RequiresApproval) // high, not critical; no tier-1 asset
}

func TestCommanderSynthesizesPlanFromThreatScope(t *testing.T) {
	mem := store.NewMemory()
	mem.SearchHook = func(req *store.SearchRequest) (*store.SearchResult, bool) {
		return &store.SearchResult{}, true // no runbooks, no tier-1 assets
	}

	a := commanderFixture(t, mem)
	payload, err := a.Handle(context.Background(), newEnv(contracts.AgentCoordinator, contracts.AgentCommander,
		map[string]any{
			"incident_id": "INC-2026-BBBBB",
			"severity":    "critical",
			"investigation_report": map[string]any{
				"root_cause":        "credential stuffing",
				"affected_services": []any{"auth"},
			},
			"threat_scope": map[string]any{
				"confirmed_compromised": []any{
					map[string]any{"asset_id": "web-1"},
					map[string]any{"asset_id": "web-2"},
				},
			},
		}))
	require.NoError(t, err)

	resp, err := contracts.Decode[contracts.PlanResponse](payload)
	require.NoError(t, err)
	assert.Empty(t, resp.RunbookUsed)

	plan, err := incident.PlanFromDoc(resp.Plan)
	require.NoError(t, err)
	require.Len(t, plan.Actions, 4) // 2 containments + communication + documentation

	// Critical severity: containment actions need approval.
	assert.Equal(t, incident.ActionContainment, plan.Actions[0].ActionType)
	assert.True(t, plan.Actions[0].ApprovalRequired)
	assert.True(t, plan.Actions[1].ApprovalRequired)
	assert.False(t, plan.Actions[2].ApprovalRequired) // communication
	assert.True(t, resp.RequiresApproval)
}

func TestCommanderTagsTier1AssetsForApproval(t *testing.T) {
	mem := store.NewMemory()
	_, err := mem.Index(context.Background(), store.IndexAssets, "payment-gateway",
		store.Doc{"asset_id": "payment-gateway", "tier": float64(1)})
	require.NoError(t, err)
	mem.SearchHook = func(req *store.SearchRequest) (*store.SearchResult, bool) {
		if req.Index == store.IndexRunbooks {
			return &store.SearchResult{}, true
		}
		return nil, false // tier-1 query hits the built-in matcher
	}

	a := commanderFixture(t, mem)
	payload, err := a.Handle(context.Background(), newEnv(contracts.AgentCoordinator, contracts.AgentCommander,
		map[string]any{
			"incident_id": "INC-2026-CCCCC",
			"severity":    "medium",
			"threat_scope": map[string]any{
				"confirmed_compromised": []any{
					map[string]any{"asset_id": "payment-gateway"},
				},
			},
		}))
	require.NoError(t, err)

	resp, err := contracts.Decode[contracts.PlanResponse](payload)
	require.NoError(t, err)
	plan, err := incident.PlanFromDoc(resp.Plan)
	require.NoError(t, err)

	require.NotEmpty(t, plan.Actions)
	assert.Equal(t, "payment-gateway", plan.Actions[0].TargetAsset)
	assert.True(t, plan.Actions[0].ApprovalRequired) // tier-1, despite medium severity
}

func TestCommanderFallsBackToNotifyPlanOnDeadline(t *testing.T) {
	mem := store.NewMemory()
	mem.SearchHook = func(req *store.SearchRequest) (*store.SearchResult, bool) {
		time.Sleep(300 * time.Millisecond)
		return &store.SearchResult{}, true
	}
	mem.ESQLHandler = func(string, []store.ESQLParam) (*store.ESQLResult, error) {
		time.Sleep(300 * time.Millisecond)
		return &store.ESQLResult{}, nil
	}

	a := commanderFixture(t, mem)
	a.cfg = testConfig()
	a.cfg.PlanningDeadline = 20 * time.Millisecond

	payload, err := a.Handle(context.Background(), newEnv(contracts.AgentCoordinator, contracts.AgentCommander,
		map[string]any{
			"incident_id": "INC-2026-DDDDD",
			"severity":    "high",
			"investigation_report": map[string]any{
				"root_cause":        "unknown",
				"affected_services": []any{"checkout"},
			},
		}))
	require.NoError(t, err)

	resp, err := contracts.Decode[contracts.PlanResponse](payload)
	require.NoError(t, err)
	plan, err := incident.PlanFromDoc(resp.Plan)
	require.NoError(t, err)

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, incident.ActionCommunication, plan.Actions[0].ActionType)
	assert.True(t, strings.Contains(plan.Actions[0].Description, "Planning failed"))
	assert.False(t, resp.RequiresApproval)
}

func TestServiceOverlap(t *testing.T) {
	assert.Equal(t, 1.0, serviceOverlap([]string{"a", "b"}, []string{"a", "b"}))
	assert.Equal(t, 0.5, serviceOverlap([]string{"a"}, []string{"a", "b"}))
	assert.Equal(t, 0.0, serviceOverlap(nil, []string{"a"}))
}
