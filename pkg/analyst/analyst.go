// Package analyst runs the learning loop: per-incident retrospectives on
// terminal transitions and a scheduled batch that calibrates triage weights,
// tunes thresholds, and surfaces recurring incident patterns.
package analyst

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/arome3/vigil/pkg/async"
	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/incident"
	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/tools"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Terminal transitions for the same incident within this window are analyzed
// once.
const dedupTTL = 60 * time.Second

// Cosine similarity at or above which a generated runbook counts as a
// duplicate of an existing one.
const runbookSimilarityBar = 0.95

// Minimum verifier health score for a resolution to seed a runbook.
const runbookHealthBar = 0.8

// Service is the analyst scheduler. It owns the dedup map and the batch
// cron; both are single-writer.
type Service struct {
	store    store.Store
	embedder tools.Embedder
	cfg      *config.Config
	logger   *slog.Logger
	clock    func() time.Time

	mu     sync.Mutex
	recent map[string]time.Time

	cron *cron.Cron
	wg   sync.WaitGroup
}

// NewService creates the analyst. embedder may be nil; runbook dedup then
// falls back to title matching.
func NewService(st store.Store, embedder tools.Embedder, cfg *config.Config) *Service {
	return &Service{
		store:    st,
		embedder: embedder,
		cfg:      cfg,
		logger:   slog.Default().With("component", "analyst"),
		clock:    time.Now,
		recent:   map[string]time.Time{},
	}
}

// HandleTerminal is registered as a state machine terminal hook. Analysis is
// fire and forget; failures are logged and recorded in the status index,
// never surfaced to the transition that triggered them.
func (s *Service) HandleTerminal(inc *incident.Incident) {
	if !s.claim(inc.IncidentID) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AnalystDeadline+time.Second)
		defer cancel()
		s.analyze(ctx, inc.IncidentID)
	}()
}

// Wait blocks until all scheduled analyses finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// claim is the TTL dedup guard, pruned on every access.
func (s *Service) claim(incidentID string) bool {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range s.recent {
		if now.Sub(at) > dedupTTL {
			delete(s.recent, id)
		}
	}
	if _, ok := s.recent[incidentID]; ok {
		return false
	}
	s.recent[incidentID] = now
	return true
}

// analyze re-reads the committed incident and races the retrospective and
// runbook generation against the analyst deadline.
func (s *Service) analyze(ctx context.Context, incidentID string) {
	started := s.clock()

	res, err := s.store.Get(ctx, store.IndexIncidents, incidentID)
	if err != nil {
		s.logger.Error("Analysis aborted, incident unreadable",
			"incident_id", incidentID, "error", err)
		s.recordStatus(ctx, incidentID, map[string]any{"error": err.Error()}, started)
		return
	}
	inc, err := incident.FromDoc(res.Source)
	if err != nil {
		s.logger.Error("Analysis aborted, incident undecodable",
			"incident_id", incidentID, "error", err)
		s.recordStatus(ctx, incidentID, map[string]any{"error": err.Error()}, started)
		return
	}

	results := async.RaceAll(ctx, s.cfg.AnalystDeadline, []async.Task[string]{
		{Label: "retrospective", Run: func(ctx context.Context) (string, error) {
			return s.retrospective(ctx, inc, res.Source)
		}},
		{Label: "runbook", Run: func(ctx context.Context) (string, error) {
			return s.generateRunbook(ctx, inc, res.Source)
		}},
	})

	outcome := map[string]any{}
	for label, r := range results {
		if r.Err != nil {
			outcome[label] = "failed: " + r.Err.Error()
			s.logger.Warn("Analysis task failed",
				"incident_id", incidentID, "task", label, "error", r.Err)
		} else {
			outcome[label] = r.Value
		}
	}
	s.recordStatus(ctx, incidentID, outcome, started)
}

// retrospective summarizes the incident's audit trail into one learning row.
func (s *Service) retrospective(ctx context.Context, inc *incident.Incident, doc store.Doc) (string, error) {
	res, err := s.store.Search(ctx, &store.SearchRequest{
		Index: store.IndexActions,
		Query: store.Doc{"term": store.Doc{"incident_id": inc.IncidentID}},
		Sort:  []store.Doc{{"@timestamp": store.Doc{"order": "asc"}}},
		Size:  1000,
	})
	if err != nil {
		return "", fmt.Errorf("load audit trail: %w", err)
	}

	var transitions, actions, failed int
	for _, h := range res.Hits {
		if h.Source["action_type"] == "state_transition" {
			transitions++
			continue
		}
		actions++
		if h.Source["execution_status"] == incident.AuditFailed {
			failed++
		}
	}

	learning := store.Doc{
		"learning_type":          "retrospective",
		"incident_id":            inc.IncidentID,
		"source":                 inc.Source,
		"severity":               inc.Severity,
		"resolution_type":        inc.ResolutionType,
		"reflection_count":       inc.ReflectionCount,
		"total_duration_seconds": inc.TotalDurationSeconds,
		"transition_count":       transitions,
		"action_count":           actions,
		"failed_action_count":    failed,
		"root_cause":             reportField(doc, "root_cause"),
		"@timestamp":             s.clock().UTC().Format(time.RFC3339Nano),
	}
	if _, err := s.store.Index(ctx, store.IndexLearnings, "", learning); err != nil {
		return "", fmt.Errorf("write retrospective: %w", err)
	}
	return "recorded", nil
}

// generateRunbook turns a clean first-pass resolution into a reusable
// runbook. Anything less than clean is skipped: a resolution that needed
// reflection or an existing runbook teaches nothing new.
func (s *Service) generateRunbook(ctx context.Context, inc *incident.Incident, doc store.Doc) (string, error) {
	if inc.Status != incident.StatusResolved {
		return "skipped: not resolved", nil
	}
	if inc.ReflectionCount != 0 {
		return "skipped: needed reflection", nil
	}
	if used, _ := planField(inc, "runbook_used").(string); used != "" {
		return "skipped: runbook already existed", nil
	}
	if score, ok := doc["health_score"].(float64); !ok || score < runbookHealthBar {
		return "skipped: health score below bar", nil
	}

	actions := inc.PlannedActions()
	if len(actions) == 0 {
		return "skipped: empty plan", nil
	}

	title := runbookTitle(inc, doc)
	content := runbookContent(title, actions)

	var vector []float64
	if s.embedder != nil {
		var err error
		vector, err = s.embedder.Embed(ctx, content)
		if err != nil {
			return "", fmt.Errorf("embed runbook content: %w", err)
		}
	}

	dup, err := s.isDuplicateRunbook(ctx, title, vector)
	if err != nil {
		return "", err
	}
	if dup {
		return "skipped: similar runbook exists", nil
	}

	runbook := store.Doc{
		"runbook_id":       "RB-" + strings.ToUpper(uuid.NewString()[:8]),
		"title":            title,
		"source":           "generated",
		"created_from":     inc.IncidentID,
		"severity":         inc.Severity,
		"actions":          actions,
		"success_criteria": planField(inc, "success_criteria"),
		"success_rate":     0.0,
		"content":          content,
		"@timestamp":       s.clock().UTC().Format(time.RFC3339Nano),
	}
	if vector != nil {
		runbook["content_vector"] = vector
	}
	if _, err := s.store.Index(ctx, store.IndexRunbooks, "", runbook); err != nil {
		return "", fmt.Errorf("write runbook: %w", err)
	}
	return "generated", nil
}

// isDuplicateRunbook compares against stored runbooks by content vector, or
// by exact title when no embedder is configured.
func (s *Service) isDuplicateRunbook(ctx context.Context, title string, vector []float64) (bool, error) {
	res, err := s.store.Search(ctx, &store.SearchRequest{
		Index: store.IndexRunbooks,
		Query: store.Doc{"match_all": store.Doc{}},
		Size:  200,
	})
	if err != nil {
		return false, fmt.Errorf("load runbooks for dedup: %w", err)
	}
	for _, h := range res.Hits {
		if vector != nil {
			if existing := toVector(h.Source["content_vector"]); existing != nil {
				if cosine(vector, existing) >= runbookSimilarityBar {
					return true, nil
				}
			}
			continue
		}
		if h.Source["title"] == title {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) recordStatus(ctx context.Context, incidentID string, outcome map[string]any, started time.Time) {
	doc := store.Doc{
		"incident_id": incidentID,
		"elapsed_ms":  s.clock().Sub(started).Milliseconds(),
		"@timestamp":  s.clock().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range outcome {
		doc[k] = v
	}
	if _, err := s.store.Index(ctx, store.IndexAnalystStatus, "", doc); err != nil {
		s.logger.Warn("Analyst status write failed",
			"incident_id", incidentID, "error", err)
	}
}

func runbookTitle(inc *incident.Incident, doc store.Doc) string {
	if rc := reportField(doc, "root_cause"); rc != "" {
		return "Remediate: " + rc
	}
	return fmt.Sprintf("Remediate %s %s incident", inc.Severity, inc.Source)
}

func runbookContent(title string, actions []map[string]any) string {
	var b strings.Builder
	b.WriteString(title)
	for _, a := range actions {
		b.WriteString("\n")
		if t, _ := a["action_type"].(string); t != "" {
			b.WriteString(t)
			b.WriteString(": ")
		}
		if d, _ := a["description"].(string); d != "" {
			b.WriteString(d)
		}
	}
	return b.String()
}

func planField(inc *incident.Incident, key string) any {
	if inc.RemediationPlan == nil {
		return nil
	}
	return inc.RemediationPlan[key]
}

func reportField(doc store.Doc, key string) string {
	report, ok := doc["investigation_report"].(map[string]any)
	if !ok {
		return ""
	}
	v, _ := report[key].(string)
	return v
}

func toVector(raw any) []float64 {
	switch v := raw.(type) {
	case []float64:
		return v
	case []any:
		out := make([]float64, 0, len(v))
		for _, e := range v {
			f, ok := e.(float64)
			if !ok {
				return nil
			}
			out = append(out, f)
		}
		return out
	}
	return nil
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
