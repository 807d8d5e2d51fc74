// Package incident holds the incident data model and the per-incident state
// machine: guarded transitions, optimistic-concurrency commits, audit
// emission, and terminal-state bookkeeping.
package incident

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is an incident lifecycle state.
type Status string

// The twelve incident states.
const (
	StatusDetected         Status = "detected"
	StatusTriaged          Status = "triaged"
	StatusInvestigating    Status = "investigating"
	StatusThreatHunting    Status = "threat_hunting"
	StatusPlanning         Status = "planning"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusVerifying        Status = "verifying"
	StatusReflecting       Status = "reflecting"
	StatusResolved         Status = "resolved"
	StatusEscalated        Status = "escalated"
	StatusSuppressed       Status = "suppressed"
)

// Transitions is the allowed-transition table. No other edges exist.
var Transitions = map[Status][]Status{
	StatusDetected:         {StatusTriaged},
	StatusTriaged:          {StatusInvestigating, StatusSuppressed},
	StatusInvestigating:    {StatusThreatHunting, StatusPlanning},
	StatusThreatHunting:    {StatusPlanning},
	StatusPlanning:         {StatusAwaitingApproval, StatusExecuting},
	StatusAwaitingApproval: {StatusExecuting, StatusEscalated},
	StatusExecuting:        {StatusVerifying},
	StatusVerifying:        {StatusResolved, StatusReflecting},
	StatusReflecting:       {StatusInvestigating, StatusEscalated},
	StatusResolved:         {},
	StatusEscalated:        {StatusInvestigating}, // operator re-open
	StatusSuppressed:       {},
}

// IsTerminal reports whether s is a terminal state. escalated is terminal
// for bookkeeping even though an operator may re-open it.
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusEscalated || s == StatusSuppressed
}

// Valid reports whether s is one of the twelve states.
func (s Status) Valid() bool {
	_, ok := Transitions[s]
	return ok
}

// AllowedFrom returns the legal successors of s.
func AllowedFrom(s Status) []Status {
	return Transitions[s]
}

// Resolution types recorded on terminal transitions.
const (
	ResolutionAutoResolved = "auto_resolved"
	ResolutionSuppressed   = "suppressed"
	ResolutionEscalated    = "escalated"
)

// resolutionFor maps a terminal state to its default resolution type.
func resolutionFor(s Status) string {
	switch s {
	case StatusResolved:
		return ResolutionAutoResolved
	case StatusSuppressed:
		return ResolutionSuppressed
	case StatusEscalated:
		return ResolutionEscalated
	}
	return ""
}

// Incident is the central entity. It is created by the coordinator on alert
// ingestion, mutated only through the state machine, and never deleted.
type Incident struct {
	IncidentID           string            `json:"incident_id"`
	AlertID              string            `json:"alert_id,omitempty"`
	Source               string            `json:"source,omitempty"` // security | operational
	Status               Status            `json:"status"`
	Severity             string            `json:"severity,omitempty"`
	PriorityScore        float64           `json:"priority_score,omitempty"`
	ReflectionCount      int               `json:"reflection_count"`
	InvestigationSummary string            `json:"investigation_summary,omitempty"`
	InvestigationReport  map[string]any    `json:"investigation_report,omitempty"`
	ThreatScope          map[string]any    `json:"threat_scope,omitempty"`
	RemediationPlan      map[string]any    `json:"remediation_plan,omitempty"`
	VerificationResults  []map[string]any  `json:"verification_results,omitempty"`
	AffectedServices     []string          `json:"affected_services,omitempty"`
	ApprovalStatus       string            `json:"approval_status,omitempty"`
	EscalationTriggered  bool              `json:"escalation_triggered,omitempty"`
	EscalationReason     string            `json:"escalation_reason,omitempty"`
	ResolutionType       string            `json:"resolution_type,omitempty"`
	ResolvedAt           string            `json:"resolved_at,omitempty"`
	TotalDurationSeconds float64           `json:"total_duration_seconds,omitempty"`
	CreatedAt            string            `json:"created_at"`
	UpdatedAt            string            `json:"updated_at,omitempty"`
	StateTimestamps      map[string]string `json:"_state_timestamps,omitempty"`
}

// FromDoc decodes an incident from its stored document form.
func FromDoc(doc map[string]any) (*Incident, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode incident doc: %w", err)
	}
	var inc Incident
	if err := json.Unmarshal(raw, &inc); err != nil {
		return nil, fmt.Errorf("decode incident doc: %w", err)
	}
	if !inc.Status.Valid() {
		return nil, fmt.Errorf("incident %s has invalid status %q", inc.IncidentID, inc.Status)
	}
	return &inc, nil
}

// ToDoc encodes the incident to its stored document form.
func (i *Incident) ToDoc() map[string]any {
	raw, _ := json.Marshal(i)
	var doc map[string]any
	_ = json.Unmarshal(raw, &doc)
	return doc
}

// PlannedActions returns the decoded actions of the stored remediation plan.
func (i *Incident) PlannedActions() []map[string]any {
	if i.RemediationPlan == nil {
		return nil
	}
	raw, ok := i.RemediationPlan["actions"].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, a := range raw {
		if m, ok := a.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// NewIncidentID returns an id of the form INC-<year>-<5-char-slug>.
func NewIncidentID(now time.Time) string {
	return fmt.Sprintf("INC-%d-%s", now.Year(), slug(5))
}

// NewActionID returns an id of the form ACT-<year>-<5-char-slug>.
func NewActionID(now time.Time) string {
	return fmt.Sprintf("ACT-%d-%s", now.Year(), slug(5))
}

// NewAuditID returns an id of the form AUD-<8-char-slug>, used for state
// transition audit rows.
func NewAuditID() string {
	return "AUD-" + slug(8)
}

func slug(n int) string {
	s := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return s[:n]
}
