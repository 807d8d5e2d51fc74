package agents

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/arome3/vigil/pkg/async"
	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/contracts"
	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/tools"
)

// Tool ids the sentinel drives.
const (
	toolHealthMetrics       = "health_metrics"
	toolServiceDependencies = "service_dependencies"
	toolRecentChanges       = "recent_changes"
)

// Root-cause classifications for an anomalous service.
const (
	ClassRootCause = "root_cause"
	ClassVictim    = "victim"
)

// Sentinel watches service health: it normalizes current metrics against
// 7-day rolling baselines, flags anomalies, and classifies each one by
// tracing its downstream dependencies.
type Sentinel struct {
	tools  *tools.Executor
	store  store.Store
	cfg    *config.Config
	logger *slog.Logger
	clock  func() time.Time
}

// NewSentinel creates the sentinel agent.
func NewSentinel(te *tools.Executor, st store.Store, cfg *config.Config) *Sentinel {
	return &Sentinel{
		tools:  te,
		store:  st,
		cfg:    cfg,
		logger: slog.Default().With("component", "agent.sentinel"),
		clock:  time.Now,
	}
}

// baseline is one metric's 7-day rolling statistics.
type baseline struct {
	avg    float64
	stddev float64
}

// Handle dispatches on the task field: monitor_health sweeps every service,
// get_health_metrics reports on one.
func (a *Sentinel) Handle(ctx context.Context, env *contracts.Envelope) (map[string]any, error) {
	task, _ := env.Payload["task"].(string)
	switch task {
	case "monitor_health":
		return a.monitorHealth(ctx)
	case "get_health_metrics":
		service, _ := env.Payload["service"].(string)
		if service == "" {
			return nil, fmt.Errorf("get_health_metrics requires a service")
		}
		return a.healthMetrics(ctx, service)
	}
	return nil, fmt.Errorf("unknown sentinel task %q", task)
}

// monitorHealth sweeps every baselined service and returns structured
// anomaly reports for the ones out of band.
func (a *Sentinel) monitorHealth(ctx context.Context) (map[string]any, error) {
	runCtx, cancel := context.WithTimeout(ctx, a.cfg.MonitoringDeadline)
	defer cancel()

	baselines, err := a.loadBaselines(runCtx, "")
	if err != nil {
		return nil, fmt.Errorf("load baselines: %w", err)
	}

	var anomalous []string
	deviationsByService := map[string]map[string]float64{}
	for service, b := range baselines {
		deviations, err := a.serviceDeviations(runCtx, service, b)
		if err != nil {
			a.logger.Warn("Metrics unavailable", "service", service, "error", err)
			continue
		}
		deviationsByService[service] = deviations
		for _, z := range deviations {
			if math.Abs(z) > a.cfg.AnomalyStddevThreshold {
				anomalous = append(anomalous, service)
				break
			}
		}
	}

	tasks := make([]async.Task[map[string]any], 0, len(anomalous))
	for _, service := range anomalous {
		tasks = append(tasks, async.Task[map[string]any]{
			Label: service,
			Run: func(ctx context.Context) (map[string]any, error) {
				return a.buildAnomalyReport(ctx, service, deviationsByService[service])
			},
		})
	}

	reports := []map[string]any{}
	for _, r := range async.RaceAll(runCtx, remaining(runCtx, a.cfg.MonitoringDeadline), tasks) {
		if r.Fulfilled() {
			reports = append(reports, r.Value)
		}
	}
	return map[string]any{
		"anomalies":        reports,
		"services_checked": len(baselines),
		"@timestamp":       a.clock().UTC().Format(time.RFC3339Nano),
	}, nil
}

// healthMetrics reports one service's current metrics with a baseline
// verdict per metric that has a baseline.
func (a *Sentinel) healthMetrics(ctx context.Context, service string) (map[string]any, error) {
	baselines, err := a.loadBaselines(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("load baselines: %w", err)
	}
	b := baselines[service]

	res, err := a.tools.Execute(ctx, toolHealthMetrics, map[string]any{"service": service})
	if err != nil {
		return nil, fmt.Errorf("health metrics for %s: %w", service, err)
	}

	metrics := []any{}
	if res.ESQL != nil {
		for _, row := range res.ESQL.Rows() {
			name := rowString(row, "metric")
			value, ok := rowFloat(row, "value")
			if name == "" || !ok {
				continue
			}
			entry := map[string]any{"metric": name, "value": value}
			if z, ok := a.deviation(row, name, value, b); ok {
				verdict := "pass"
				if math.Abs(z) > a.cfg.AnomalyStddevThreshold {
					verdict = "fail"
				}
				entry["deviation"] = z
				entry["baseline_verdict"] = verdict
			}
			metrics = append(metrics, entry)
		}
	}
	return map[string]any{"service": service, "metrics": metrics}, nil
}

func (a *Sentinel) serviceDeviations(ctx context.Context, service string, b map[string]baseline) (map[string]float64, error) {
	res, err := a.tools.Execute(ctx, toolHealthMetrics, map[string]any{"service": service})
	if err != nil {
		return nil, err
	}
	out := map[string]float64{}
	if res.ESQL == nil {
		return out, nil
	}
	for _, row := range res.ESQL.Rows() {
		name := rowString(row, "metric")
		value, ok := rowFloat(row, "value")
		if name == "" || !ok {
			continue
		}
		if z, ok := a.deviation(row, name, value, b); ok {
			out[name] = z
		}
	}
	return out, nil
}

// deviation returns the metric's normalized deviation. Latency and error
// metrics arrive pre-normalized by the query; the rest normalize locally
// against the baseline as (current - avg) / max(stddev, 1).
func (a *Sentinel) deviation(row map[string]any, metric string, value float64, b map[string]baseline) (float64, bool) {
	if z, ok := rowFloat(row, "deviation"); ok {
		return z, true
	}
	bl, ok := b[metric]
	if !ok {
		return 0, false
	}
	return (value - bl.avg) / math.Max(bl.stddev, 1), true
}

// loadBaselines reads 7-day rolling baselines, optionally restricted to one
// service. The result maps service -> metric -> stats.
func (a *Sentinel) loadBaselines(ctx context.Context, service string) (map[string]map[string]baseline, error) {
	query := store.Doc{"match_all": store.Doc{}}
	if service != "" {
		query = store.Doc{"term": store.Doc{"service": service}}
	}
	res, err := a.store.Search(ctx, &store.SearchRequest{
		Index: store.IndexBaselines,
		Query: query,
		Size:  1000,
	})
	if err != nil {
		return nil, err
	}

	out := map[string]map[string]baseline{}
	for _, h := range res.Hits {
		svc := rowString(h.Source, "service")
		metric := rowString(h.Source, "metric")
		if svc == "" || metric == "" {
			continue
		}
		avg, _ := rowFloat(h.Source, "avg")
		stddev, _ := rowFloat(h.Source, "stddev")
		if out[svc] == nil {
			out[svc] = map[string]baseline{}
		}
		out[svc][metric] = baseline{avg: avg, stddev: stddev}
	}
	return out, nil
}

// buildAnomalyReport enriches one anomalous service: dependency-based
// root-cause classification, recent-change detection, and tier lookup run
// in parallel.
func (a *Sentinel) buildAnomalyReport(ctx context.Context, service string, deviations map[string]float64) (map[string]any, error) {
	results := async.RaceAll(ctx, remaining(ctx, a.cfg.MonitoringDeadline), []async.Task[map[string]any]{
		{Label: "dependencies", Run: func(ctx context.Context) (map[string]any, error) {
			return a.classifyDependencies(ctx, service)
		}},
		{Label: "changes", Run: func(ctx context.Context) (map[string]any, error) {
			return a.detectRecentChange(ctx, service)
		}},
		{Label: "tier", Run: func(ctx context.Context) (map[string]any, error) {
			return a.lookupTier(ctx, service)
		}},
	})

	report := map[string]any{
		"service":    service,
		"deviations": deviations,
		"severity":   anomalySeverity(deviations),
		"@timestamp": a.clock().UTC().Format(time.RFC3339Nano),
	}
	for label, r := range results {
		if r.Fulfilled() {
			for k, v := range r.Value {
				report[k] = v
			}
		} else {
			a.logger.Warn("Anomaly enrichment incomplete",
				"service", service, "part", label, "error", r.Err)
		}
	}
	return report, nil
}

// classifyDependencies traces downstream dependencies: a service with no
// failing downstream is the root cause; a failing-and-anomalous downstream
// makes it a victim; a failing but non-anomalous downstream points back at
// this service's outbound traffic.
func (a *Sentinel) classifyDependencies(ctx context.Context, service string) (map[string]any, error) {
	res, err := a.tools.Execute(ctx, toolServiceDependencies, map[string]any{"service": service})
	if err != nil {
		return nil, err
	}

	classification := ClassRootCause
	var failing []string
	if res.ESQL != nil {
		for _, row := range res.ESQL.Rows() {
			dep := rowString(row, "dependency")
			depFailing, _ := row["failing"].(bool)
			depAnomalous, _ := row["anomalous"].(bool)
			if !depFailing {
				continue
			}
			failing = append(failing, dep)
			if depAnomalous {
				classification = ClassVictim
			}
		}
	}
	return map[string]any{
		"classification":       classification,
		"failing_dependencies": failing,
	}, nil
}

// detectRecentChange looks for a deployment or PR near the anomaly, banding
// the age into high/medium/low change-correlation confidence.
func (a *Sentinel) detectRecentChange(ctx context.Context, service string) (map[string]any, error) {
	res, err := a.tools.Execute(ctx, toolRecentChanges, map[string]any{"service": service})
	if err != nil {
		return nil, err
	}
	if res.ESQL == nil || len(res.ESQL.Values) == 0 {
		return map[string]any{}, nil
	}

	row := res.ESQL.Rows()[0]
	changedAt, err := time.Parse(time.RFC3339Nano, rowString(row, "changed_at"))
	if err != nil {
		return map[string]any{}, nil
	}
	age := a.clock().UTC().Sub(changedAt)
	confidence := ""
	switch {
	case age <= a.cfg.HighConfidenceWindow:
		confidence = "high"
	case age <= 15*time.Minute:
		confidence = "medium"
	case age <= 30*time.Minute:
		confidence = "low"
	default:
		return map[string]any{}, nil
	}
	return map[string]any{
		"recent_change": map[string]any{
			"change_type": rowString(row, "change_type"),
			"changed_at":  rowString(row, "changed_at"),
			"confidence":  confidence,
		},
	}, nil
}

func (a *Sentinel) lookupTier(ctx context.Context, service string) (map[string]any, error) {
	res, err := a.store.Search(ctx, &store.SearchRequest{
		Index: store.IndexAssets,
		Query: store.Doc{"term": store.Doc{"service": service}},
		Size:  1,
	})
	if err != nil {
		return nil, err
	}
	if len(res.Hits) == 0 {
		return map[string]any{}, nil
	}
	tier, _ := rowFloat(res.Hits[0].Source, "tier")
	return map[string]any{"tier": int(tier)}, nil
}

// anomalySeverity grades the worst deviation.
func anomalySeverity(deviations map[string]float64) string {
	worst := 0.0
	for _, z := range deviations {
		if math.Abs(z) > worst {
			worst = math.Abs(z)
		}
	}
	switch {
	case worst > 4:
		return "critical"
	case worst > 3:
		return "high"
	default:
		return "medium"
	}
}
