package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/arome3/vigil/pkg/bus"
	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/contracts"
)

// Verifier checks a plan's success criteria against live health metrics
// fetched from the sentinel, one call per affected service.
type Verifier struct {
	bus    *bus.Bus
	cfg    *config.Config
	logger *slog.Logger
}

// NewVerifier creates the verifier agent.
func NewVerifier(b *bus.Bus, cfg *config.Config) *Verifier {
	return &Verifier{
		bus:    b,
		cfg:    cfg,
		logger: slog.Default().With("component", "agent.verifier"),
	}
}

// Handle processes one verify request envelope.
func (a *Verifier) Handle(ctx context.Context, env *contracts.Envelope) (map[string]any, error) {
	if err := contracts.ValidatePayload(contracts.ContractVerifyRequest, env.Payload); err != nil {
		return nil, err
	}
	req, err := contracts.Decode[contracts.VerifyRequest](env.Payload)
	if err != nil {
		return nil, err
	}

	metrics := a.collectMetrics(ctx, req.AffectedServices)

	resp := &contracts.VerifyResponse{
		IncidentID: req.IncidentID,
		Results:    []map[string]any{},
	}

	passed := 0
	var failures []string
	for _, raw := range req.SuccessCriteria {
		metric := rowString(raw, "metric")
		operator := rowString(raw, "operator")
		threshold, _ := rowFloat(raw, "threshold")

		ok, detail := evaluateCriterion(metrics, metric, operator, threshold)
		if ok {
			passed++
		} else {
			failures = append(failures, detail)
		}
		resp.Results = append(resp.Results, map[string]any{
			"metric": metric, "operator": operator, "threshold": threshold,
			"passed": ok, "detail": detail,
		})
	}

	if len(req.SuccessCriteria) == 0 {
		resp.HealthScore = 1.0
	} else {
		resp.HealthScore = float64(passed) / float64(len(req.SuccessCriteria))
	}
	resp.Passed = resp.HealthScore >= a.cfg.HealthScoreThreshold
	if !resp.Passed {
		resp.FailureAnalysis = strings.Join(failures, "; ")
	}

	payload := contracts.MustEncode(resp)
	if err := contracts.ValidatePayload(contracts.ContractVerifyResponse, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// metricSample is one observed value with its optional baseline verdict.
type metricSample struct {
	service string
	value   float64
	verdict string // "", "pass", or "fail"
}

// collectMetrics asks the sentinel for each service's current health
// metrics. Services the sentinel cannot report on are simply absent.
func (a *Verifier) collectMetrics(ctx context.Context, services []string) map[string][]metricSample {
	out := map[string][]metricSample{}
	for _, svc := range services {
		resp, err := a.bus.Call(ctx, contracts.AgentVerifier, contracts.AgentSentinel, svc,
			map[string]any{"task": "get_health_metrics", "service": svc}, a.cfg.MonitoringDeadline)
		if err != nil {
			a.logger.Warn("Health metrics unavailable", "service", svc, "error", err)
			continue
		}
		rawMetrics, _ := resp["metrics"].([]any)
		for _, raw := range rawMetrics {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			name := rowString(m, "metric")
			value, has := rowFloat(m, "value")
			if name == "" || !has {
				continue
			}
			out[name] = append(out[name], metricSample{
				service: svc,
				value:   value,
				verdict: rowString(m, "baseline_verdict"),
			})
		}
	}
	return out
}

// evaluateCriterion applies the dual comparison: every sample of the metric
// must pass the threshold AND its baseline verdict when the verdict column
// is present. A metric with no samples passes vacuously.
func evaluateCriterion(metrics map[string][]metricSample, metric, operator string, threshold float64) (bool, string) {
	samples := metrics[metric]
	if len(samples) == 0 {
		return true, fmt.Sprintf("%s: no samples, passing vacuously", metric)
	}
	for _, s := range samples {
		if !compare(s.value, operator, threshold) {
			return false, fmt.Sprintf("%s on %s: %v violates %s %v",
				metric, s.service, s.value, operator, threshold)
		}
		if s.verdict == "fail" {
			return false, fmt.Sprintf("%s on %s: baseline verdict failed", metric, s.service)
		}
	}
	return true, fmt.Sprintf("%s: %d samples within threshold", metric, len(samples))
}

func compare(value float64, operator string, threshold float64) bool {
	switch operator {
	case "lt":
		return value < threshold
	case "lte":
		return value <= threshold
	case "gt":
		return value > threshold
	case "gte":
		return value >= threshold
	case "eq":
		return value == threshold
	}
	return false
}
