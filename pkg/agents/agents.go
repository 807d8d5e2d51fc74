// Package agents implements the worker agents behind the A2A bus: triage,
// investigator, threat hunter, commander, executor, verifier, and sentinel.
// Every worker follows the same shape: validate the request contract, race
// the composed operation against the agent's deadline keeping whatever tool
// results settled in time, synthesize a response, self-validate it, persist
// a report in the background, and return.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arome3/vigil/pkg/store"
)

// severityScores maps alert severities onto the [0,1] scale the triage
// weights operate over.
var severityScores = map[string]float64{
	"critical": 1.0,
	"high":     0.75,
	"medium":   0.5,
	"low":      0.25,
}

func severityScore(severity string) float64 {
	if s, ok := severityScores[severity]; ok {
		return s
	}
	return 0.25
}

// persistReport writes a worker report document in the background. Report
// writes never gate the response path; failures are logged only.
func persistReport(st store.Store, logger *slog.Logger, index, id string, doc store.Doc) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := st.Index(ctx, index, id, doc); err != nil {
			logger.Warn("Report write failed", "index", index, "doc_id", id, "error", err)
		}
	}()
}

// clamp01 bounds v to [0, 1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// rowFloat reads a float cell from a named-column row, tolerating the
// numeric types JSON decoding produces.
func rowFloat(row map[string]any, col string) (float64, bool) {
	switch v := row[col].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func rowString(row map[string]any, col string) string {
	s, _ := row[col].(string)
	return s
}

// anyStrings converts a []any of strings into []string, dropping non-strings.
func anyStrings(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// dedupStrings returns the unique values of in, preserving first-seen order.
func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// reportID builds a deterministic-enough report document id.
func reportID(prefix, incidentID string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%d", prefix, incidentID, now.UnixMilli())
}
