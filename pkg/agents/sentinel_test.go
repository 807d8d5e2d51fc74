package agents

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/arome3/vigil/pkg/contracts"
	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sentinelFixture(t *testing.T, mem *store.Memory) *Sentinel {
	t.Helper()
	r := tools.NewRegistry()
	svcParam := map[string]tools.ParamSpec{"service": {Type: tools.ParamKeyword, Required: true}}
	esqlTool(t, r, toolHealthMetrics, "FROM health | WHERE service.name == ?service", svcParam)
	esqlTool(t, r, toolServiceDependencies, "FROM deps | WHERE service == ?service", svcParam)
	esqlTool(t, r, toolRecentChanges, "FROM changes | WHERE service == ?service", svcParam)
	return NewSentinel(tools.NewExecutor(r, mem, nil), mem, testConfig())
}

func seedBaseline(t *testing.T, mem *store.Memory, service, metric string, avg, stddev float64) {
	t.Helper()
	_, err := mem.Index(context.Background(), store.IndexBaselines, "",
		store.Doc{"service": service, "metric": metric, "avg": avg, "stddev": stddev})
	require.NoError(t, err)
}

func paramValue(params []store.ESQLParam, name string) any {
	for _, p := range params {
		if p.Name == name {
			return p.Value
		}
	}
	return nil
}

func TestSentinelHealthMetricsVerdicts(t *testing.T) {
	mem := store.NewMemory()
	seedBaseline(t, mem, "checkout", "latency_p95", 100, 10)

	mem.ESQLHandler = func(query string, _ []store.ESQLParam) (*store.ESQLResult, error) {
		if strings.Contains(query, "FROM health") {
			return esqlRows([]string{"metric", "value"},
				[]any{"latency_p95", 130.0}, // z = 3, out of band
				[]any{"throughput", 900.0},  // no baseline, no verdict
			), nil
		}
		return &store.ESQLResult{}, nil
	}

	a := sentinelFixture(t, mem)
	resp, err := a.Handle(context.Background(), newEnv(contracts.AgentVerifier, contracts.AgentSentinel,
		map[string]any{"task": "get_health_metrics", "service": "checkout"}))
	require.NoError(t, err)

	metrics, _ := resp["metrics"].([]any)
	require.Len(t, metrics, 2)

	latency := metrics[0].(map[string]any)
	assert.Equal(t, "fail", latency["baseline_verdict"])
	assert.InDelta(t, 3.0, latency["deviation"].(float64), 1e-9)

	throughput := metrics[1].(map[string]any)
	assert.NotContains(t, throughput, "baseline_verdict")
}

func TestSentinelPrefersQuerySuppliedDeviation(t *testing.T) {
	mem := store.NewMemory()
	seedBaseline(t, mem, "checkout", "error_rate", 0.01, 0.005)

	mem.ESQLHandler = func(query string, _ []store.ESQLParam) (*store.ESQLResult, error) {
		if strings.Contains(query, "FROM health") {
			return esqlRows([]string{"metric", "value", "deviation"},
				[]any{"error_rate", 0.03, 2.5}), nil
		}
		return &store.ESQLResult{}, nil
	}

	a := sentinelFixture(t, mem)
	resp, err := a.Handle(context.Background(), newEnv(contracts.AgentVerifier, contracts.AgentSentinel,
		map[string]any{"task": "get_health_metrics", "service": "checkout"}))
	require.NoError(t, err)

	metrics, _ := resp["metrics"].([]any)
	require.Len(t, metrics, 1)
	entry := metrics[0].(map[string]any)
	assert.Equal(t, 2.5, entry["deviation"])
	assert.Equal(t, "fail", entry["baseline_verdict"])
}

func TestSentinelMonitorHealthFlagsAnomalies(t *testing.T) {
	mem := store.NewMemory()
	seedBaseline(t, mem, "svc-a", "latency_p95", 100, 10)
	seedBaseline(t, mem, "svc-b", "latency_p95", 100, 10)
	_, err := mem.Index(context.Background(), store.IndexAssets, "svc-a",
		store.Doc{"service": "svc-a", "tier": float64(1)})
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mem.ESQLHandler = func(query string, params []store.ESQLParam) (*store.ESQLResult, error) {
		svc, _ := paramValue(params, "service").(string)
		switch {
		case strings.Contains(query, "FROM health"):
			value := 101.0
			if svc == "svc-a" {
				value = 135.0 // z = 3.5
			}
			return esqlRows([]string{"metric", "value"}, []any{"latency_p95", value}), nil
		case strings.Contains(query, "FROM deps"):
			return esqlRows([]string{"dependency", "failing", "anomalous"},
				[]any{"db", true, true}), nil
		case strings.Contains(query, "FROM changes"):
			return esqlRows([]string{"change_type", "changed_at"},
				[]any{"deployment", now.Add(-3 * time.Minute).Format(time.RFC3339Nano)}), nil
		}
		return &store.ESQLResult{}, nil
	}

	a := sentinelFixture(t, mem)
	a.clock = func() time.Time { return now }

	resp, err := a.Handle(context.Background(), newEnv(contracts.AgentCoordinator, contracts.AgentSentinel,
		map[string]any{"task": "monitor_health"}))
	require.NoError(t, err)

	assert.Equal(t, 2, resp["services_checked"])
	anomalies, _ := resp["anomalies"].([]map[string]any)
	require.Len(t, anomalies, 1)

	report := anomalies[0]
	assert.Equal(t, "svc-a", report["service"])
	assert.Equal(t, "high", report["severity"])
	assert.Equal(t, ClassVictim, report["classification"])
	assert.Equal(t, 1, report["tier"])

	change, _ := report["recent_change"].(map[string]any)
	require.NotNil(t, change)
	assert.Equal(t, "deployment", change["change_type"])
	assert.Equal(t, "high", change["confidence"])
}

func TestSentinelClassifiesRootCauseWhenDepsHealthy(t *testing.T) {
	mem := store.NewMemory()
	mem.ESQLHandler = func(query string, _ []store.ESQLParam) (*store.ESQLResult, error) {
		if strings.Contains(query, "FROM deps") {
			return esqlRows([]string{"dependency", "failing", "anomalous"},
				[]any{"db", false, false},
				[]any{"cache", true, false}), nil
		}
		return &store.ESQLResult{}, nil
	}

	a := sentinelFixture(t, mem)
	out, err := a.classifyDependencies(context.Background(), "svc-a")
	require.NoError(t, err)
	assert.Equal(t, ClassRootCause, out["classification"])
	assert.Equal(t, []string{"cache"}, out["failing_dependencies"])
}

func TestSentinelChangeConfidenceBands(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		age  time.Duration
		want string
	}{
		{4 * time.Minute, "high"},
		{10 * time.Minute, "medium"},
		{20 * time.Minute, "low"},
		{40 * time.Minute, ""},
	}
	for _, tc := range cases {
		mem := store.NewMemory()
		mem.ESQLHandler = func(query string, _ []store.ESQLParam) (*store.ESQLResult, error) {
			if strings.Contains(query, "FROM changes") {
				return esqlRows([]string{"change_type", "changed_at"},
					[]any{"deployment", now.Add(-tc.age).Format(time.RFC3339Nano)}), nil
			}
			return &store.ESQLResult{}, nil
		}

		a := sentinelFixture(t, mem)
		a.clock = func() time.Time { return now }

		out, err := a.detectRecentChange(context.Background(), "svc-a")
		require.NoError(t, err)
		if tc.want == "" {
			assert.Empty(t, out, "age %v", tc.age)
			continue
		}
		change, _ := out["recent_change"].(map[string]any)
		require.NotNil(t, change, "age %v", tc.age)
		assert.Equal(t, tc.want, change["confidence"], "age %v", tc.age)
	}
}

func TestSentinelRejectsUnknownTask(t *testing.T) {
	a := sentinelFixture(t, store.NewMemory())
	_, err := a.Handle(context.Background(), newEnv(contracts.AgentCoordinator, contracts.AgentSentinel,
		map[string]any{"task": "reboot_everything"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sentinel task")
}
