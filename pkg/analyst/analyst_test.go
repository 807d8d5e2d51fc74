package analyst

import (
	"context"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/incident"
	"github.com/arome3/vigil/pkg/store"
)

type staticEmbedder struct{}

func (staticEmbedder) Embed(_ context.Context, _ string) ([]float64, error) {
	return []float64{0.3, 0.5, 0.8}, nil
}

func analystConfig() *config.Config {
	cfg := config.Default()
	cfg.AnalystDeadline = 2 * time.Second
	cfg.BatchDeadline = 2 * time.Second
	return cfg
}

func seedIncident(t *testing.T, mem *store.Memory, doc store.Doc) *incident.Incident {
	t.Helper()
	if doc["created_at"] == nil {
		doc["created_at"] = time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339Nano)
	}
	inc, err := incident.FromDoc(doc)
	require.NoError(t, err)
	require.NoError(t, mem.Create(context.Background(), store.IndexIncidents, inc.IncidentID, doc))
	return inc
}

func resolvedIncidentDoc(id string) store.Doc {
	return store.Doc{
		"incident_id":            id,
		"status":                 "resolved",
		"source":                 "security",
		"severity":               "high",
		"priority_score":         0.85,
		"reflection_count":       0,
		"resolution_type":        incident.ResolutionAutoResolved,
		"total_duration_seconds": 312.0,
		"health_score":           0.92,
		"investigation_report":   map[string]any{"root_cause": "Credential stuffing from 10.0.0.5"},
		"remediation_plan": map[string]any{
			"actions": []any{
				map[string]any{"order": float64(1), "action_type": "containment", "description": "isolate web-1"},
				map[string]any{"order": float64(2), "action_type": "documentation", "description": "open ticket"},
			},
			"success_criteria": []any{
				map[string]any{"metric": "error_rate", "operator": "lt", "threshold": 0.05},
			},
		},
	}
}

func learningsOfType(t *testing.T, mem *store.Memory, learningType string) []store.Doc {
	t.Helper()
	res, err := mem.Search(context.Background(), &store.SearchRequest{
		Index: store.IndexLearnings,
		Query: store.Doc{"term": store.Doc{"learning_type": learningType}},
		Size:  100,
	})
	require.NoError(t, err)
	out := make([]store.Doc, 0, len(res.Hits))
	for _, h := range res.Hits {
		out = append(out, h.Source)
	}
	return out
}

func TestRetrospectiveSummarizesAuditTrail(t *testing.T) {
	mem := store.NewMemory()
	inc := seedIncident(t, mem, resolvedIncidentDoc("INC-2026-AAAAA"))

	auditor := incident.NewAuditor(mem)
	auditor.RecordTransition(context.Background(), inc.IncidentID,
		incident.StatusDetected, incident.StatusTriaged, time.Now())
	auditor.Record(context.Background(), &incident.AuditRecord{
		ActionID:        "ACT-2026-AAAAA",
		IncidentID:      inc.IncidentID,
		ActionType:      "containment",
		ExecutionStatus: incident.AuditFailed,
	})

	s := NewService(mem, staticEmbedder{}, analystConfig())
	s.HandleTerminal(inc)
	s.Wait()

	rows := learningsOfType(t, mem, "retrospective")
	require.Len(t, rows, 1)
	assert.Equal(t, inc.IncidentID, rows[0]["incident_id"])
	assert.Equal(t, incident.ResolutionAutoResolved, rows[0]["resolution_type"])
	assert.EqualValues(t, 1, rows[0]["transition_count"])
	assert.EqualValues(t, 1, rows[0]["action_count"])
	assert.EqualValues(t, 1, rows[0]["failed_action_count"])
	assert.Contains(t, rows[0]["root_cause"], "Credential stuffing")
}

func TestRunbookGeneratedFromCleanResolution(t *testing.T) {
	mem := store.NewMemory()
	inc := seedIncident(t, mem, resolvedIncidentDoc("INC-2026-BBBBB"))

	s := NewService(mem, staticEmbedder{}, analystConfig())
	s.HandleTerminal(inc)
	s.Wait()

	res, err := mem.Search(context.Background(), &store.SearchRequest{
		Index: store.IndexRunbooks,
		Query: store.Doc{"match_all": store.Doc{}},
		Size:  10,
	})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	rb := res.Hits[0].Source
	assert.Equal(t, "generated", rb["source"])
	assert.Equal(t, inc.IncidentID, rb["created_from"])
	assert.Contains(t, rb["title"], "Credential stuffing")
	assert.NotNil(t, rb["content_vector"])
}

func TestRunbookGateSkips(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(doc store.Doc)
		want   string
	}{
		{"escalated incident", func(doc store.Doc) {
			doc["status"] = "escalated"
			doc["resolution_type"] = incident.ResolutionEscalated
		}, "not resolved"},
		{"reflected resolution", func(doc store.Doc) {
			doc["reflection_count"] = 2
		}, "needed reflection"},
		{"runbook already used", func(doc store.Doc) {
			plan := doc["remediation_plan"].(map[string]any)
			plan["runbook_used"] = "RB-EXISTING"
		}, "runbook already existed"},
		{"low health score", func(doc store.Doc) {
			doc["health_score"] = 0.5
		}, "health score below bar"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mem := store.NewMemory()
			doc := resolvedIncidentDoc("INC-2026-CCCCC")
			tc.mutate(doc)
			inc := seedIncident(t, mem, doc)

			s := NewService(mem, staticEmbedder{}, analystConfig())
			got, err := s.generateRunbook(context.Background(), inc, doc)
			require.NoError(t, err)
			assert.Contains(t, got, tc.want)
			assert.Zero(t, mem.Count(store.IndexRunbooks))
		})
	}
}

func TestRunbookDedupedByVectorSimilarity(t *testing.T) {
	mem := store.NewMemory()
	// An existing runbook with the exact vector the embedder will produce.
	_, err := mem.Index(context.Background(), store.IndexRunbooks, "", store.Doc{
		"runbook_id":     "RB-EXISTING",
		"title":          "Another name entirely",
		"content_vector": []any{0.3, 0.5, 0.8},
	})
	require.NoError(t, err)

	doc := resolvedIncidentDoc("INC-2026-DDDDD")
	inc := seedIncident(t, mem, doc)

	s := NewService(mem, staticEmbedder{}, analystConfig())
	got, err := s.generateRunbook(context.Background(), inc, doc)
	require.NoError(t, err)
	assert.Contains(t, got, "similar runbook exists")
	assert.Equal(t, 1, mem.Count(store.IndexRunbooks))
}

func TestTerminalDedupWithinTTL(t *testing.T) {
	mem := store.NewMemory()
	inc := seedIncident(t, mem, resolvedIncidentDoc("INC-2026-EEEEE"))

	s := NewService(mem, staticEmbedder{}, analystConfig())
	s.HandleTerminal(inc)
	s.HandleTerminal(inc)
	s.Wait()

	assert.Equal(t, 1, mem.Count(store.IndexAnalystStatus))

	// Past the TTL the same incident is analyzed again.
	s.clock = func() time.Time { return time.Now().Add(2 * dedupTTL) }
	s.HandleTerminal(inc)
	s.Wait()
	assert.Equal(t, 2, mem.Count(store.IndexAnalystStatus))
}

func TestValidateCadence(t *testing.T) {
	everyMinute, err := cron.ParseStandard("* * * * *")
	require.NoError(t, err)
	assert.Error(t, validateCadence(everyMinute, time.Now()))

	everyFive, err := cron.ParseStandard("*/5 * * * *")
	require.NoError(t, err)
	assert.NoError(t, validateCadence(everyFive, time.Now()))

	nightly, err := cron.ParseStandard("0 2 * * *")
	require.NoError(t, err)
	assert.NoError(t, validateCadence(nightly, time.Now()))
}

func TestStartBatchRejectsTooFrequentSchedule(t *testing.T) {
	cfg := analystConfig()
	cfg.BatchSchedule = "* * * * *"
	s := NewService(store.NewMemory(), nil, cfg)
	require.Error(t, s.StartBatch())
}

func TestBatchWritesCalibrationLearnings(t *testing.T) {
	mem := store.NewMemory()
	for _, tc := range []struct {
		resolution string
		status     string
		score      float64
	}{
		{incident.ResolutionAutoResolved, "resolved", 0.9},
		{incident.ResolutionAutoResolved, "resolved", 0.8},
		{incident.ResolutionAutoResolved, "resolved", 0.85},
		{incident.ResolutionSuppressed, "suppressed", 0.2},
		{incident.ResolutionSuppressed, "suppressed", 0.3},
		{incident.ResolutionEscalated, "escalated", 0.7},
	} {
		doc := resolvedIncidentDoc(incident.NewIncidentID(time.Now()))
		doc["status"] = tc.status
		doc["resolution_type"] = tc.resolution
		doc["priority_score"] = tc.score
		seedIncident(t, mem, doc)
	}

	s := NewService(mem, nil, analystConfig())
	s.RunBatch(context.Background())

	calibration := learningsOfType(t, mem, "weight_calibration")
	require.Len(t, calibration, 1)
	assert.EqualValues(t, 6, calibration[0]["sample_size"])

	tuning := learningsOfType(t, mem, "threshold_tuning")
	require.Len(t, tuning, 1)
	recommended := tuning[0]["recommended_suppress_threshold"].(float64)
	assert.Greater(t, recommended, 0.25)
	assert.Less(t, recommended, 0.9)

	patterns := learningsOfType(t, mem, "pattern")
	require.NotEmpty(t, patterns)
}
