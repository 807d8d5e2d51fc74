package analyst

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/arome3/vigil/pkg/async"
	"github.com/arome3/vigil/pkg/incident"
	"github.com/arome3/vigil/pkg/store"
)

// Batch runs more frequent than this are refused; calibration over minutes
// of data is noise.
const minBatchCadence = 5 * time.Minute

// How many recent incidents each batch task samples.
const batchSampleSize = 500

// Incident groups below this count are not reported as patterns.
const patternMinCount = 3

// StartBatch validates the configured cron cadence and schedules the batch.
func (s *Service) StartBatch() error {
	sched, err := cron.ParseStandard(s.cfg.BatchSchedule)
	if err != nil {
		return fmt.Errorf("invalid batch schedule %q: %w", s.cfg.BatchSchedule, err)
	}
	if err := validateCadence(sched, s.clock()); err != nil {
		return fmt.Errorf("batch schedule %q: %w", s.cfg.BatchSchedule, err)
	}

	s.cron = cron.New()
	s.cron.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.BatchDeadline+time.Second)
		defer cancel()
		s.RunBatch(ctx)
	}))
	s.cron.Start()
	s.logger.Info("Analyst batch scheduled", "schedule", s.cfg.BatchSchedule)
	return nil
}

// Stop halts the batch cron and waits for in-flight analyses.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
}

// validateCadence samples upcoming fire times and rejects schedules that
// fire more often than every five minutes.
func validateCadence(sched cron.Schedule, from time.Time) error {
	prev := sched.Next(from)
	for i := 0; i < 4; i++ {
		next := sched.Next(prev)
		if gap := next.Sub(prev); gap < minBatchCadence {
			return fmt.Errorf("fires every %s, minimum cadence is %s", gap, minBatchCadence)
		}
		prev = next
	}
	return nil
}

// RunBatch executes the three calibration tasks in parallel against the
// batch deadline. Each task writes its own learning row; a failed task
// never blocks the others.
func (s *Service) RunBatch(ctx context.Context) {
	started := s.clock()

	incidents, err := s.sampleIncidents(ctx)
	if err != nil {
		s.logger.Error("Batch aborted, incident sample failed", "error", err)
		return
	}

	results := async.RaceAll(ctx, s.cfg.BatchDeadline, []async.Task[string]{
		{Label: "weight_calibration", Run: func(ctx context.Context) (string, error) {
			return s.calibrateWeights(ctx, incidents)
		}},
		{Label: "threshold_tuning", Run: func(ctx context.Context) (string, error) {
			return s.tuneThresholds(ctx, incidents)
		}},
		{Label: "pattern_discovery", Run: func(ctx context.Context) (string, error) {
			return s.discoverPatterns(ctx, incidents)
		}},
	})

	outcome := map[string]any{"batch": true}
	for label, r := range results {
		if r.Err != nil {
			outcome[label] = "failed: " + r.Err.Error()
			s.logger.Warn("Batch task failed", "task", label, "error", r.Err)
		} else {
			outcome[label] = r.Value
		}
	}
	s.recordStatus(ctx, "", outcome, started)
}

func (s *Service) sampleIncidents(ctx context.Context) ([]*incident.Incident, error) {
	res, err := s.store.Search(ctx, &store.SearchRequest{
		Index: store.IndexIncidents,
		Query: store.Doc{"match_all": store.Doc{}},
		Sort:  []store.Doc{{"created_at": store.Doc{"order": "desc"}}},
		Size:  batchSampleSize,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*incident.Incident, 0, len(res.Hits))
	for _, h := range res.Hits {
		inc, err := incident.FromDoc(h.Source)
		if err != nil {
			continue
		}
		out = append(out, inc)
	}
	return out, nil
}

// calibrateWeights records resolution-mix statistics and a recommended
// weight adjustment. A high escalation share suggests triage is under-
// weighting corroboration.
func (s *Service) calibrateWeights(ctx context.Context, incidents []*incident.Incident) (string, error) {
	var resolved, escalated, suppressed int
	for _, inc := range incidents {
		switch inc.ResolutionType {
		case incident.ResolutionAutoResolved:
			resolved++
		case incident.ResolutionEscalated:
			escalated++
		case incident.ResolutionSuppressed:
			suppressed++
		}
	}
	terminal := resolved + escalated + suppressed
	if terminal == 0 {
		return "skipped: no terminal incidents", nil
	}

	weights := s.cfg.TriageWeights
	escalationRate := float64(escalated) / float64(terminal)
	if escalationRate > 0.3 && weights.Severity > 0.1 {
		weights.Severity -= 0.05
		weights.Corroboration += 0.05
	}

	learning := store.Doc{
		"learning_type":   "weight_calibration",
		"sample_size":     terminal,
		"resolved":        resolved,
		"escalated":       escalated,
		"suppressed":      suppressed,
		"escalation_rate": escalationRate,
		"recommended_weights": store.Doc{
			"severity":          weights.Severity,
			"asset_criticality": weights.AssetCriticality,
			"corroboration":     weights.Corroboration,
			"false_positive":    weights.FalsePositive,
		},
		"@timestamp": s.clock().UTC().Format(time.RFC3339Nano),
	}
	if _, err := s.store.Index(ctx, store.IndexLearnings, "", learning); err != nil {
		return "", fmt.Errorf("write weight calibration: %w", err)
	}
	return "recorded", nil
}

// tuneThresholds compares the priority scores of incidents that resolved
// cleanly against those that were suppressed and recommends a suppress
// threshold between the two populations.
func (s *Service) tuneThresholds(ctx context.Context, incidents []*incident.Incident) (string, error) {
	var resolvedScores, suppressedScores []float64
	for _, inc := range incidents {
		switch inc.ResolutionType {
		case incident.ResolutionAutoResolved:
			resolvedScores = append(resolvedScores, inc.PriorityScore)
		case incident.ResolutionSuppressed:
			suppressedScores = append(suppressedScores, inc.PriorityScore)
		}
	}
	if len(resolvedScores) == 0 || len(suppressedScores) == 0 {
		return "skipped: insufficient data", nil
	}

	recommended := (mean(suppressedScores) + mean(resolvedScores)) / 2

	learning := store.Doc{
		"learning_type":                  "threshold_tuning",
		"avg_resolved_priority":          mean(resolvedScores),
		"avg_suppressed_priority":        mean(suppressedScores),
		"current_suppress_threshold":     s.cfg.TriageSuppressThreshold,
		"recommended_suppress_threshold": recommended,
		"@timestamp":                     s.clock().UTC().Format(time.RFC3339Nano),
	}
	if _, err := s.store.Index(ctx, store.IndexLearnings, "", learning); err != nil {
		return "", fmt.Errorf("write threshold tuning: %w", err)
	}
	return "recorded", nil
}

// discoverPatterns groups incidents by source and severity and records
// groups large enough to act on.
func (s *Service) discoverPatterns(ctx context.Context, incidents []*incident.Incident) (string, error) {
	groups := map[string]int{}
	for _, inc := range incidents {
		groups[inc.Source+"/"+inc.Severity]++
	}

	keys := make([]string, 0, len(groups))
	for k, n := range groups {
		if n >= patternMinCount {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return "skipped: no recurring patterns", nil
	}

	for _, k := range keys {
		learning := store.Doc{
			"learning_type": "pattern",
			"pattern":       k,
			"count":         groups[k],
			"sample_size":   len(incidents),
			"@timestamp":    s.clock().UTC().Format(time.RFC3339Nano),
		}
		if _, err := s.store.Index(ctx, store.IndexLearnings, "", learning); err != nil {
			return "", fmt.Errorf("write pattern %s: %w", k, err)
		}
	}
	return fmt.Sprintf("recorded %d patterns", len(keys)), nil
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
