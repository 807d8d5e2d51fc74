package agents

import (
	"context"
	"testing"
	"time"

	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/contracts"
	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/tools"
	"github.com/stretchr/testify/require"
)

// testConfig returns defaults with deadlines short enough for tests.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.TriageDeadline = 500 * time.Millisecond
	cfg.InvestigationDeadline = 500 * time.Millisecond
	cfg.SweepDeadline = 500 * time.Millisecond
	cfg.PlanningDeadline = 500 * time.Millisecond
	cfg.ExecutorDeadline = 2 * time.Second
	cfg.WorkflowTimeout = 500 * time.Millisecond
	cfg.MonitoringDeadline = 500 * time.Millisecond
	cfg.ApprovalTimeout = 1 * time.Second
	cfg.ApprovalPollInterval = 10 * time.Millisecond
	return cfg
}

func newEnv(from, to string, payload map[string]any) *contracts.Envelope {
	return contracts.NewEnvelope(from, to, "corr-1", payload)
}

// esqlTool registers an ES|QL tool whose query text carries a routing marker
// the test's ESQLHandler dispatches on.
func esqlTool(t *testing.T, r *tools.Registry, id, query string, params map[string]tools.ParamSpec) {
	t.Helper()
	require.NoError(t, r.Add(&tools.Definition{
		ID:                id,
		RetrievalStrategy: tools.StrategyESQL,
		Configuration:     tools.Configuration{Query: query, Params: params},
	}))
}

func keywordTool(t *testing.T, r *tools.Registry, id, index string, queryFields []string) {
	t.Helper()
	require.NoError(t, r.Add(&tools.Definition{
		ID:                id,
		RetrievalStrategy: tools.StrategyKeyword,
		Index:             index,
		QueryFields:       queryFields,
		MaxResults:        5,
	}))
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(_ context.Context, _ string) ([]float64, error) {
	return []float64{0.1, 0.2, 0.3}, nil
}

// esqlRows builds a one-table ES|QL result from column names and rows.
func esqlRows(cols []string, rows ...[]any) *store.ESQLResult {
	res := &store.ESQLResult{}
	for _, c := range cols {
		res.Columns = append(res.Columns, store.ESQLColumn{Name: c, Type: "keyword"})
	}
	res.Values = rows
	return res
}
