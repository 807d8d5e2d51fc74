package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/arome3/vigil/pkg/store"
)

// esqlFallbacks maps a tool id to its client-side replacement for a rejected
// LOOKUP JOIN. Only the change correlation tool carries one; it is not
// generalized across tools.
var esqlFallbacks = map[string]func(ctx context.Context, st store.Store, params map[string]any) (*store.ESQLResult, error){
	"change_correlation": changeCorrelationFallback,
}

// changeCorrelationFallback replaces the single LOOKUP JOIN between change
// events and first-error timestamps with two queries joined client-side.
// Output columns match the primary query: service, change_type, changed_at,
// first_error_at, gap_seconds.
func changeCorrelationFallback(ctx context.Context, st store.Store, params map[string]any) (*store.ESQLResult, error) {
	service, _ := params["service"].(string)
	if service == "" {
		return nil, fmt.Errorf("change_correlation fallback: param %q missing", "service")
	}

	changes, err := st.ESQL(ctx,
		`FROM vigil-alerts-operational
		 | WHERE event_kind == "change" AND service == ?service
		 | KEEP service, change_type, @timestamp
		 | SORT @timestamp DESC
		 | LIMIT 20`,
		[]store.ESQLParam{{Name: "service", Value: service}})
	if err != nil {
		return nil, fmt.Errorf("change_correlation fallback (changes): %w", err)
	}

	errorsRes, err := st.ESQL(ctx,
		`FROM vigil-metrics-default
		 | WHERE service == ?service AND error_count > 0
		 | STATS first_error_at = MIN(@timestamp) BY service`,
		[]store.ESQLParam{{Name: "service", Value: service}})
	if err != nil {
		return nil, fmt.Errorf("change_correlation fallback (errors): %w", err)
	}

	firstErrorBySvc := map[string]string{}
	svcCol := errorsRes.Column("service")
	errCol := errorsRes.Column("first_error_at")
	if svcCol >= 0 && errCol >= 0 {
		for _, row := range errorsRes.Values {
			svc, _ := row[svcCol].(string)
			ts, _ := row[errCol].(string)
			if svc != "" && ts != "" {
				firstErrorBySvc[svc] = ts
			}
		}
	}

	out := &store.ESQLResult{
		Columns: []store.ESQLColumn{
			{Name: "service", Type: "keyword"},
			{Name: "change_type", Type: "keyword"},
			{Name: "changed_at", Type: "date"},
			{Name: "first_error_at", Type: "date"},
			{Name: "gap_seconds", Type: "double"},
		},
	}

	cSvc := changes.Column("service")
	cType := changes.Column("change_type")
	cTS := changes.Column("@timestamp")
	for _, row := range changes.Values {
		if cSvc < 0 || cType < 0 || cTS < 0 {
			break
		}
		svc, _ := row[cSvc].(string)
		changeType, _ := row[cType].(string)
		changedAt, _ := row[cTS].(string)
		firstErr, ok := firstErrorBySvc[svc]
		if !ok {
			continue
		}
		gap, err := gapSeconds(changedAt, firstErr)
		if err != nil {
			continue
		}
		out.Values = append(out.Values, []any{svc, changeType, changedAt, firstErr, gap})
	}
	return out, nil
}

func gapSeconds(changedAt, firstErrorAt string) (float64, error) {
	c, err := time.Parse(time.RFC3339Nano, changedAt)
	if err != nil {
		return 0, err
	}
	f, err := time.Parse(time.RFC3339Nano, firstErrorAt)
	if err != nil {
		return 0, err
	}
	return f.Sub(c).Seconds(), nil
}
