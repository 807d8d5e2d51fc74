package agents

import (
	"context"
	"log/slog"
	"strings"

	"github.com/arome3/vigil/pkg/async"
	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/contracts"
	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/tools"
)

// Tool ids the threat hunter drives.
const (
	toolAssetCount          = "asset_count"
	toolBehavioralAnomalies = "behavioral_anomalies"
)

// IoC hit-count bar above which an asset is confirmed compromised; below it
// any hit still marks the asset suspected.
const iocConfirmHits = 3

// Behavioral anomaly score at or above which a user's asset is suspected.
const anomalySuspectScore = 0.8

// Hunter sweeps the environment for the incident's indicators of compromise
// and assembles a threat scope. The hunter is strictly read-only.
type Hunter struct {
	tools  *tools.Executor
	store  store.Store
	cfg    *config.Config
	logger *slog.Logger
}

// NewHunter creates the threat-hunter agent.
func NewHunter(te *tools.Executor, st store.Store, cfg *config.Config) *Hunter {
	return &Hunter{
		tools:  te,
		store:  st,
		cfg:    cfg,
		logger: slog.Default().With("component", "agent.hunter"),
	}
}

// sweepPart is one settled slice of the hunt.
type sweepPart struct {
	rows  []map[string]any
	total int
}

// Handle processes one sweep request envelope.
func (a *Hunter) Handle(ctx context.Context, env *contracts.Envelope) (map[string]any, error) {
	if err := contracts.ValidatePayload(contracts.ContractSweepRequest, env.Payload); err != nil {
		return nil, err
	}
	req, err := contracts.Decode[contracts.SweepRequest](env.Payload)
	if err != nil {
		return nil, err
	}

	tasks := []async.Task[sweepPart]{
		{Label: "ioc_sweep", Run: func(ctx context.Context) (sweepPart, error) {
			return a.iocSweep(ctx, req.Indicators)
		}},
		{Label: "asset_count", Run: func(ctx context.Context) (sweepPart, error) {
			return a.assetCount(ctx)
		}},
	}
	for _, user := range dedupStrings(req.CompromisedUsers) {
		tasks = append(tasks, async.Task[sweepPart]{
			Label: "behavior:" + user,
			Run: func(ctx context.Context) (sweepPart, error) {
				res, err := a.tools.Execute(ctx, toolBehavioralAnomalies, map[string]any{"user": user})
				if err != nil {
					return sweepPart{}, err
				}
				var p sweepPart
				if res.ESQL != nil {
					p.rows = res.ESQL.Rows()
				}
				return p, nil
			},
		})
	}

	results := async.RaceAll(ctx, a.cfg.SweepDeadline, tasks)

	resp := a.assembleScope(req.IncidentID, results)
	payload := contracts.MustEncode(resp)
	if err := contracts.ValidatePayload(contracts.ContractSweepResponse, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// iocSweep builds the sweep query from the non-empty indicator arrays only.
// Arrays travel as parameters, one element per named parameter.
func (a *Hunter) iocSweep(ctx context.Context, ind contracts.SweepIndicators) (sweepPart, error) {
	var clauses []string
	params := map[string]any{}
	if len(ind.IPs) > 0 {
		clauses = append(clauses, "source.ip IN (?ips) OR destination.ip IN (?ips)")
		params["ips"] = ind.IPs
	}
	if len(ind.Domains) > 0 {
		clauses = append(clauses, "dns.question.name IN (?domains)")
		params["domains"] = ind.Domains
	}
	if len(ind.Hashes) > 0 {
		clauses = append(clauses, "file.hash.sha256 IN (?hashes)")
		params["hashes"] = ind.Hashes
	}
	if len(ind.Processes) > 0 {
		clauses = append(clauses, "process.name IN (?processes)")
		params["processes"] = ind.Processes
	}
	if len(clauses) == 0 {
		return sweepPart{}, nil
	}

	query := "FROM logs-* | WHERE (" + strings.Join(clauses, ") OR (") + ")" +
		" | STATS hits = COUNT(*) BY host.name, service.name | LIMIT 500"
	expanded, esqlParams := tools.ExpandArrayParams(query, params)

	res, err := a.store.ESQL(ctx, expanded, esqlParams)
	if err != nil {
		return sweepPart{}, err
	}
	return sweepPart{rows: res.Rows()}, nil
}

func (a *Hunter) assetCount(ctx context.Context) (sweepPart, error) {
	res, err := a.tools.Execute(ctx, toolAssetCount, map[string]any{})
	if err != nil {
		return sweepPart{}, err
	}
	var p sweepPart
	if res.ESQL != nil {
		for _, row := range res.ESQL.Rows() {
			if n, ok := rowFloat(row, "total_assets"); ok {
				p.total = int(n)
			}
		}
	}
	return p, nil
}

// assembleScope folds the settled sweep slices into the threat scope.
func (a *Hunter) assembleScope(incidentID string, results map[string]async.Result[sweepPart]) *contracts.SweepResponse {
	resp := &contracts.SweepResponse{
		IncidentID:           incidentID,
		ConfirmedCompromised: []map[string]any{},
		SuspectedCompromised: []map[string]any{},
	}

	var services []string
	suspectedAssets := map[string]bool{}
	confirmedAssets := map[string]bool{}

	if r, ok := results["ioc_sweep"]; ok && r.Fulfilled() {
		for _, row := range r.Value.rows {
			host := rowString(row, "host.name")
			if host == "" {
				continue
			}
			hits, _ := rowFloat(row, "hits")
			entry := map[string]any{"asset_id": host, "ioc_hits": hits}
			if svc := rowString(row, "service.name"); svc != "" {
				services = append(services, svc)
			}
			if hits >= iocConfirmHits {
				if !confirmedAssets[host] {
					confirmedAssets[host] = true
					resp.ConfirmedCompromised = append(resp.ConfirmedCompromised, entry)
				}
			} else if hits > 0 && !suspectedAssets[host] {
				suspectedAssets[host] = true
				resp.SuspectedCompromised = append(resp.SuspectedCompromised, entry)
			}
		}
	}

	// Behavioral anomalies, deduplicated by user keeping the highest score.
	byUser := map[string]map[string]any{}
	for label, r := range results {
		if !strings.HasPrefix(label, "behavior:") {
			continue
		}
		if !r.Fulfilled() {
			continue
		}
		for _, row := range r.Value.rows {
			user := rowString(row, "user")
			if user == "" {
				user = strings.TrimPrefix(label, "behavior:")
			}
			score, _ := rowFloat(row, "anomaly_score")
			if prev, ok := byUser[user]; ok {
				if prevScore, _ := rowFloat(prev, "anomaly_score"); prevScore >= score {
					continue
				}
			}
			byUser[user] = row
		}
	}
	for user, row := range byUser {
		score, _ := rowFloat(row, "anomaly_score")
		resp.BehavioralAnomalies = append(resp.BehavioralAnomalies, map[string]any{
			"user":          user,
			"anomaly_score": score,
			"asset_id":      rowString(row, "asset_id"),
		})
		asset := rowString(row, "asset_id")
		if asset != "" && score >= anomalySuspectScore && !confirmedAssets[asset] && !suspectedAssets[asset] {
			suspectedAssets[asset] = true
			resp.SuspectedCompromised = append(resp.SuspectedCompromised, map[string]any{
				"asset_id": asset, "anomaly_score": score, "user": user,
			})
		}
	}

	total := 0
	if r, ok := results["asset_count"]; ok && r.Fulfilled() {
		total = r.Value.total
	}
	clean := total - len(resp.ConfirmedCompromised) - len(resp.SuspectedCompromised)
	if clean < 0 {
		clean = 0
	}
	resp.CleanAssets = clean
	resp.AffectedServices = dedupStrings(services)

	for label, r := range results {
		if !r.Fulfilled() {
			resp.IncompleteTasks = append(resp.IncompleteTasks, label)
		}
	}
	return resp
}
