package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arome3/vigil/pkg/async"
	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/contracts"
	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/tools"
)

// Tool ids the investigator drives.
const (
	toolAttackChain        = "attack_chain"
	toolAttackChainNetwork = "attack_chain_network"
	toolBlastRadius        = "blast_radius"
	toolMitreMapping       = "mitre_mapping"
	toolThreatIntelSearch  = "threat_intel_search"
	toolSimilarIncidents   = "similar_incidents"
	toolChangeCorrelation  = "change_correlation"
)

// attackChainWindows are the progressive time windows for chain tracing;
// tracing stops at the smallest window with enough events.
var attackChainWindows = []string{"1h", "6h", "24h"}

// Investigator produces a root-cause report for an incident. Security
// incidents get attack-chain tracing plus parallel enrichment; operational
// incidents get change-event correlation.
type Investigator struct {
	tools  *tools.Executor
	store  store.Store
	cfg    *config.Config
	logger *slog.Logger
	clock  func() time.Time
}

// NewInvestigator creates the investigator agent.
func NewInvestigator(te *tools.Executor, st store.Store, cfg *config.Config) *Investigator {
	return &Investigator{
		tools:  te,
		store:  st,
		cfg:    cfg,
		logger: slog.Default().With("component", "agent.investigator"),
		clock:  time.Now,
	}
}

// Handle processes one investigate request envelope. On deadline or hard
// failure it degrades to a minimal, still-valid response recommending
// escalation.
func (a *Investigator) Handle(ctx context.Context, env *contracts.Envelope) (map[string]any, error) {
	if err := contracts.ValidatePayload(contracts.ContractInvestigateRequest, env.Payload); err != nil {
		return nil, err
	}
	req, err := contracts.Decode[contracts.InvestigateRequest](env.Payload)
	if err != nil {
		return nil, err
	}

	resp, err := async.WithDeadline(ctx, a.cfg.InvestigationDeadline,
		func(ctx context.Context) (*contracts.InvestigateResponse, error) {
			if req.Anomaly != nil {
				return a.investigateOperational(ctx, &req)
			}
			return a.investigateSecurity(ctx, &req)
		})
	if err != nil {
		a.logger.Warn("Investigation degraded", "incident_id", req.IncidentID, "error", err)
		resp = &contracts.InvestigateResponse{
			IncidentID:      req.IncidentID,
			RootCause:       fmt.Sprintf("Investigation failed: %v", err),
			RecommendedNext: "escalate",
		}
	}

	payload := contracts.MustEncode(resp)
	if err := contracts.ValidatePayload(contracts.ContractInvestigateResponse, payload); err != nil {
		return nil, err
	}

	doc := store.Doc{}
	for k, v := range payload {
		doc[k] = v
	}
	doc["@timestamp"] = a.clock().UTC().Format(time.RFC3339Nano)
	persistReport(a.store, a.logger, store.IndexInvestigations,
		reportID("inv", req.IncidentID, a.clock()), doc)

	return payload, nil
}

func (a *Investigator) investigateSecurity(ctx context.Context, req *contracts.InvestigateRequest) (*contracts.InvestigateResponse, error) {
	chain, err := a.traceAttackChain(ctx, req.Alert)
	if err != nil {
		return nil, fmt.Errorf("attack chain: %w", err)
	}

	assetID, _ := req.Alert["asset_id"].(string)
	behaviors := chainColumn(chain, "behavior")

	results := async.RaceAll(ctx, remaining(ctx, a.cfg.InvestigationDeadline), []async.Task[section]{
		{Label: "blast_radius", Run: func(ctx context.Context) (section, error) {
			res, err := a.tools.Execute(ctx, toolBlastRadius, map[string]any{"asset_id": assetID})
			return esqlSection(res), err
		}},
		{Label: "mitre", Run: func(ctx context.Context) (section, error) {
			return a.mapMitre(ctx, behaviors)
		}},
		{Label: "threat_intel", Run: func(ctx context.Context) (section, error) {
			res, err := a.tools.Execute(ctx, toolThreatIntelSearch, map[string]any{
				"query": strings.Join(chainColumn(chain, "indicator"), " "),
			})
			return hitSection(res), err
		}},
		{Label: "similar", Run: func(ctx context.Context) (section, error) {
			res, err := a.tools.Execute(ctx, toolSimilarIncidents, map[string]any{
				"query": strings.Join(behaviors, " "),
			})
			return hitSection(res), err
		}},
	})

	resp := &contracts.InvestigateResponse{
		IncidentID:        req.IncidentID,
		AttackChain:       chain,
		CompromisedAssets: compromisedFromChain(chain),
	}

	var fragments []string
	fragments = append(fragments, fmt.Sprintf("Attack chain traced across %d events.", len(chain)))

	if r := results["blast_radius"]; r.Fulfilled() {
		for _, row := range r.Value.rows {
			if svc := rowString(row, "service"); svc != "" {
				resp.AffectedServices = append(resp.AffectedServices, svc)
			}
		}
		resp.AffectedServices = dedupStrings(resp.AffectedServices)
		fragments = append(fragments, fmt.Sprintf("Blast radius covers %d services.", len(resp.AffectedServices)))
	}
	if r := results["mitre"]; r.Fulfilled() {
		for _, row := range r.Value.rows {
			if t := rowString(row, "technique_id"); t != "" {
				resp.MitreTechniques = append(resp.MitreTechniques, t)
			}
		}
		resp.MitreTechniques = dedupStrings(resp.MitreTechniques)
		if len(resp.MitreTechniques) > 0 {
			fragments = append(fragments, "MITRE techniques: "+strings.Join(resp.MitreTechniques, ", ")+".")
		}
	}
	if r := results["threat_intel"]; r.Fulfilled() && len(r.Value.rows) > 0 {
		resp.ThreatIntelMatches = r.Value.rows
		fragments = append(fragments, fmt.Sprintf("%d threat intel matches found.", len(r.Value.rows)))
	}
	if r := results["similar"]; r.Fulfilled() && len(r.Value.rows) > 0 {
		fragments = append(fragments, fmt.Sprintf("%d similar past incidents.", len(r.Value.rows)))
	}
	if req.PreviousFailureAnalysis != "" {
		fragments = append(fragments, "Previous remediation failed: "+req.PreviousFailureAnalysis)
	}

	resp.RootCause = strings.Join(fragments, " ")
	if len(resp.ThreatIntelMatches) > 0 {
		resp.RecommendedNext = "threat_hunt"
	} else {
		resp.RecommendedNext = "plan_remediation"
	}
	return resp, nil
}

// traceAttackChain widens the window until enough events appear. An
// "unknown column" rejection of the endpoint-field query falls back once to
// the network-only variant.
func (a *Investigator) traceAttackChain(ctx context.Context, alert map[string]any) ([]map[string]any, error) {
	assetID, _ := alert["asset_id"].(string)
	user, _ := alert["user"].(string)

	toolID := toolAttackChain
	var rows []map[string]any
	for _, window := range attackChainWindows {
		res, err := a.tools.Execute(ctx, toolID, map[string]any{
			"asset_id": assetID,
			"user":     user,
			"window":   window,
		})
		if err != nil {
			if toolID == toolAttackChain && isUnknownColumnError(err) {
				a.logger.Warn("Endpoint fields unavailable, retrying with network-only chain query",
					"error", err)
				toolID = toolAttackChainNetwork
				res, err = a.tools.Execute(ctx, toolID, map[string]any{
					"asset_id": assetID,
					"window":   window,
				})
			}
			if err != nil {
				return nil, err
			}
		}
		if res.ESQL != nil {
			rows = res.ESQL.Rows()
		}
		if len(rows) >= a.cfg.SparseResultThreshold {
			break
		}
	}
	return rows, nil
}

// section is one enrichment slice of the parallel investigation.
type section struct {
	rows []map[string]any
}

// mapMitre runs one technique search per observed behavior, bounded at five
// in flight.
func (a *Investigator) mapMitre(ctx context.Context, behaviors []string) (section, error) {
	var out section
	tasks := make([]func(ctx context.Context) ([]store.Hit, error), 0, len(behaviors))
	for _, b := range behaviors {
		tasks = append(tasks, func(ctx context.Context) ([]store.Hit, error) {
			res, err := a.tools.Execute(ctx, toolMitreMapping, map[string]any{"query": b})
			if err != nil {
				return nil, err
			}
			return res.Hits, nil
		})
	}
	for _, r := range async.ParallelLimit(ctx, 5, tasks) {
		if !r.Fulfilled() {
			continue
		}
		for _, h := range r.Value {
			out.rows = append(out.rows, h.Source)
		}
	}
	return out, nil
}

func (a *Investigator) investigateOperational(ctx context.Context, req *contracts.InvestigateRequest) (*contracts.InvestigateResponse, error) {
	service, _ := req.Anomaly["service"].(string)

	resp := &contracts.InvestigateResponse{
		IncidentID:      req.IncidentID,
		RecommendedNext: "plan_remediation",
	}
	if service != "" {
		resp.AffectedServices = []string{service}
	}

	res, err := a.tools.Execute(ctx, toolChangeCorrelation, map[string]any{"service": service})
	if err != nil || res.ESQL == nil || len(res.ESQL.Values) == 0 {
		if err != nil {
			a.logger.Warn("Change correlation unavailable", "service", service, "error", err)
		}
		resp.RootCause = fmt.Sprintf("Anomalous metrics on service %s; no correlated change event found.", service)
		return resp, nil
	}

	row := res.ESQL.Rows()[0]
	gap, _ := rowFloat(row, "gap_seconds")
	changeType := rowString(row, "change_type")
	confidence := changeConfidence(gap)

	resp.RootCause = fmt.Sprintf(
		"Anomalous metrics on service %s correlated with %s %.0fs before first error (confidence: %s).",
		service, changeType, gap, confidence)
	if confidence != "low" {
		resp.AttackChain = []map[string]any{{
			"event":      changeType,
			"service":    rowString(row, "service"),
			"changed_at": rowString(row, "changed_at"),
			"confidence": confidence,
		}}
	}
	return resp, nil
}

// changeConfidence maps a change-to-error gap onto a confidence band.
func changeConfidence(gapSeconds float64) string {
	switch {
	case gapSeconds < 300:
		return "high"
	case gapSeconds <= 600:
		return "medium"
	default:
		return "low"
	}
}

// compromisedFromChain extracts hosts from chain events; hosts seen in more
// than one event get high confidence.
func compromisedFromChain(chain []map[string]any) []contracts.CompromisedAsset {
	counts := map[string]int{}
	for _, row := range chain {
		if h := rowString(row, "host"); h != "" {
			counts[h]++
		}
	}
	out := make([]contracts.CompromisedAsset, 0, len(counts))
	for _, row := range chain {
		h := rowString(row, "host")
		if h == "" || counts[h] == 0 {
			continue
		}
		conf := 0.6
		if counts[h] > 1 {
			conf = 0.9
		}
		out = append(out, contracts.CompromisedAsset{
			AssetID:    h,
			Confidence: conf,
			Reason:     fmt.Sprintf("appears in %d attack chain events", counts[h]),
		})
		counts[h] = 0 // emit each host once
	}
	return out
}

func chainColumn(chain []map[string]any, col string) []string {
	var out []string
	for _, row := range chain {
		if v := rowString(row, col); v != "" {
			out = append(out, v)
		}
	}
	return dedupStrings(out)
}

func esqlSection(res *tools.Result) section {
	var s section
	if res != nil && res.ESQL != nil {
		s.rows = res.ESQL.Rows()
	}
	return s
}

func hitSection(res *tools.Result) section {
	var s section
	if res == nil {
		return s
	}
	for _, h := range res.Hits {
		s.rows = append(s.rows, h.Source)
	}
	return s
}

func isUnknownColumnError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown column")
}

// remaining computes how much of the agent deadline is left on the context,
// falling back to the full deadline when none is set.
func remaining(ctx context.Context, full time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < full {
			return left
		}
	}
	return full
}
