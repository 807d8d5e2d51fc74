package agents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arome3/vigil/pkg/async"
	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/contracts"
	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/tools"
)

// Tool ids the triage agent drives.
const (
	toolAlertEnrichment  = "alert_enrichment"
	toolAlertFPRate      = "alert_fp_rate"
	toolAssetCriticality = "asset_criticality"
)

// Triage scores one alert into a priority and a disposition. Deadline-raced
// enrichment lookups that do not settle in time contribute neutral factors
// instead of failing the call.
type Triage struct {
	tools  *tools.Executor
	store  store.Store
	cfg    *config.Config
	logger *slog.Logger
	clock  func() time.Time
}

// NewTriage creates the triage agent.
func NewTriage(te *tools.Executor, st store.Store, cfg *config.Config) *Triage {
	return &Triage{
		tools:  te,
		store:  st,
		cfg:    cfg,
		logger: slog.Default().With("component", "agent.triage"),
		clock:  time.Now,
	}
}

// Handle processes one triage request envelope.
func (a *Triage) Handle(ctx context.Context, env *contracts.Envelope) (map[string]any, error) {
	if err := contracts.ValidatePayload(contracts.ContractTriageRequest, env.Payload); err != nil {
		return nil, err
	}
	req, err := contracts.Decode[contracts.TriageRequest](env.Payload)
	if err != nil {
		return nil, err
	}

	severity, _ := req.Alert["severity"].(string)
	ruleID, _ := req.Alert["rule_id"].(string)
	assetID, _ := req.Alert["asset_id"].(string)

	results := async.RaceAll(ctx, a.cfg.TriageDeadline, []async.Task[*tools.Result]{
		{Label: "enrichment", Run: func(ctx context.Context) (*tools.Result, error) {
			return a.tools.Execute(ctx, toolAlertEnrichment, map[string]any{"alert_id": req.AlertID})
		}},
		{Label: "fp_rate", Run: func(ctx context.Context) (*tools.Result, error) {
			return a.tools.Execute(ctx, toolAlertFPRate, map[string]any{"rule_id": ruleID})
		}},
		{Label: "criticality", Run: func(ctx context.Context) (*tools.Result, error) {
			return a.tools.Execute(ctx, toolAssetCriticality, map[string]any{"query": assetID})
		}},
	})

	factors := map[string]float64{
		"severity":          severityScore(severity),
		"asset_criticality": a.criticalityFactor(results["criticality"]),
		"corroboration":     a.corroborationFactor(results["enrichment"]),
		"false_positive":    1.0 - a.fpRate(results["fp_rate"]),
	}

	w := a.cfg.TriageWeights
	score := clamp01(w.Severity*factors["severity"] +
		w.AssetCriticality*factors["asset_criticality"] +
		w.Corroboration*factors["corroboration"] +
		w.FalsePositive*factors["false_positive"])

	disposition := "monitor"
	switch {
	case score >= a.cfg.TriageInvestigateThreshold:
		disposition = "investigate"
	case score < a.cfg.TriageSuppressThreshold:
		disposition = "suppress"
	}

	resp := contracts.TriageResponse{
		AlertID:       req.AlertID,
		PriorityScore: score,
		Disposition:   disposition,
		Factors:       factors,
		Summary: fmt.Sprintf("severity=%s score=%.2f disposition=%s",
			severity, score, disposition),
	}
	payload := contracts.MustEncode(resp)
	if err := contracts.ValidatePayload(contracts.ContractTriageResponse, payload); err != nil {
		return nil, err
	}

	a.writeBackTriage(req.AlertID, &resp)
	return payload, nil
}

// criticalityFactor reads the asset's criticality from the top search hit.
// A numeric criticality_score wins; otherwise the tier maps onto the scale.
func (a *Triage) criticalityFactor(res async.Result[*tools.Result]) float64 {
	if !res.Fulfilled() || len(res.Value.Hits) == 0 {
		return 0.5 // unknown asset: neutral
	}
	src := res.Value.Hits[0].Source
	if v, ok := rowFloat(src, "criticality_score"); ok {
		return clamp01(v)
	}
	if tier, ok := rowFloat(src, "tier"); ok {
		switch int(tier) {
		case 1:
			return 1.0
		case 2:
			return 0.6
		case 3:
			return 0.3
		}
	}
	return 0.5
}

// corroborationFactor scales the count of related alerts in the enrichment
// window; five or more corroborating alerts saturate the factor.
func (a *Triage) corroborationFactor(res async.Result[*tools.Result]) float64 {
	if !res.Fulfilled() || res.Value.ESQL == nil {
		return 0
	}
	for _, row := range res.Value.ESQL.Rows() {
		if n, ok := rowFloat(row, "related_alerts"); ok {
			return clamp01(n / 5.0)
		}
	}
	return 0
}

func (a *Triage) fpRate(res async.Result[*tools.Result]) float64 {
	if !res.Fulfilled() || res.Value.ESQL == nil {
		return 0
	}
	for _, row := range res.Value.ESQL.Rows() {
		if v, ok := rowFloat(row, "fp_rate"); ok {
			return clamp01(v)
		}
	}
	return 0
}

// writeBackTriage stamps the triage outcome onto the alert document. The
// write is fire-and-forget: a failed write-back never fails the triage call.
func (a *Triage) writeBackTriage(alertID string, resp *contracts.TriageResponse) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_, err := a.store.UpdateByQuery(ctx, store.IndexAlertsPattern,
			store.Doc{"term": store.Doc{"alert_id": alertID}},
			"ctx._source.triage = params.triage; ctx._source.priority_score = params.priority_score; ctx._source.disposition = params.disposition; ctx._source.triaged_at = params.triaged_at",
			store.Doc{
				"triage":         contracts.MustEncode(resp),
				"priority_score": resp.PriorityScore,
				"disposition":    resp.Disposition,
				"triaged_at":     a.clock().UTC().Format(time.RFC3339Nano),
			})
		if err != nil {
			a.logger.Warn("Alert triage write-back failed", "alert_id", alertID, "error", err)
		}
	}()
}
