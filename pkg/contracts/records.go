package contracts

import (
	"encoding/json"
	"fmt"
)

// The typed forms of the bus payloads. Payloads cross the bus as maps;
// Decode/Encode bridge the two representations. Static typing alone is not
// trusted: callers validate with ValidatePayload before decoding.

// TriageRequest asks the triage agent to score one alert.
type TriageRequest struct {
	AlertID string         `json:"alert_id"`
	Alert   map[string]any `json:"alert"`
}

// TriageResponse carries the priority score and disposition.
type TriageResponse struct {
	AlertID       string             `json:"alert_id"`
	PriorityScore float64            `json:"priority_score"`
	Disposition   string             `json:"disposition"`
	Factors       map[string]float64 `json:"factors"`
	Summary       string             `json:"summary,omitempty"`
}

// InvestigateRequest asks the investigator for a root-cause analysis.
type InvestigateRequest struct {
	IncidentID              string         `json:"incident_id"`
	Alert                   map[string]any `json:"alert,omitempty"`
	Anomaly                 map[string]any `json:"anomaly,omitempty"`
	PreviousFailureAnalysis string         `json:"previous_failure_analysis,omitempty"`
}

// CompromisedAsset is one asset with the investigator's confidence.
type CompromisedAsset struct {
	AssetID    string  `json:"asset_id"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// InvestigateResponse is the investigation report.
type InvestigateResponse struct {
	IncidentID         string             `json:"incident_id"`
	RootCause          string             `json:"root_cause"`
	AttackChain        []map[string]any   `json:"attack_chain,omitempty"`
	CompromisedAssets  []CompromisedAsset `json:"compromised_assets,omitempty"`
	AffectedServices   []string           `json:"affected_services,omitempty"`
	ThreatIntelMatches []map[string]any   `json:"threat_intel_matches,omitempty"`
	MitreTechniques    []string           `json:"mitre_techniques,omitempty"`
	RecommendedNext    string             `json:"recommended_next"`
}

// SweepIndicators are the IoC arrays driving the hunt query. Only non-empty
// arrays contribute clauses.
type SweepIndicators struct {
	IPs       []string `json:"ips,omitempty"`
	Domains   []string `json:"domains,omitempty"`
	Hashes    []string `json:"hashes,omitempty"`
	Processes []string `json:"processes,omitempty"`
}

// SweepRequest asks the threat hunter for an IoC sweep.
type SweepRequest struct {
	IncidentID       string          `json:"incident_id"`
	Indicators       SweepIndicators `json:"indicators"`
	CompromisedUsers []string        `json:"compromised_users,omitempty"`
}

// SweepResponse is the assembled threat scope.
type SweepResponse struct {
	IncidentID           string           `json:"incident_id"`
	ConfirmedCompromised []map[string]any `json:"confirmed_compromised"`
	SuspectedCompromised []map[string]any `json:"suspected_compromised"`
	CleanAssets          int              `json:"clean_assets"`
	BehavioralAnomalies  []map[string]any `json:"behavioral_anomalies,omitempty"`
	AffectedServices     []string         `json:"affected_services,omitempty"`
	IncompleteTasks      []string         `json:"incomplete_tasks,omitempty"`
}

// PlanRequest asks the commander for a remediation plan.
type PlanRequest struct {
	IncidentID          string         `json:"incident_id"`
	Severity            string         `json:"severity"`
	InvestigationReport map[string]any `json:"investigation_report,omitempty"`
	ThreatScope         map[string]any `json:"threat_scope,omitempty"`
}

// PlanResponse carries the remediation plan.
type PlanResponse struct {
	IncidentID       string         `json:"incident_id"`
	Plan             map[string]any `json:"plan"`
	RunbookUsed      string         `json:"runbook_used,omitempty"`
	RequiresApproval bool           `json:"requires_approval"`
}

// ExecuteRequest asks the executor to run a plan's actions in order.
type ExecuteRequest struct {
	Task            string           `json:"task"`
	IncidentID      string           `json:"incident_id"`
	Actions         []map[string]any `json:"actions"`
	SuccessCriteria []map[string]any `json:"success_criteria,omitempty"`
}

// ActionResult is one action's outcome within an execute response.
type ActionResult struct {
	ActionID      string `json:"action_id"`
	Order         int    `json:"order"`
	Status        string `json:"status"` // completed, failed, skipped
	ResultSummary string `json:"result_summary,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ExecuteResponse aggregates per-action outcomes.
type ExecuteResponse struct {
	IncidentID string           `json:"incident_id"`
	Status     string           `json:"status"`
	Results    []map[string]any `json:"results"`
	Error      string           `json:"error,omitempty"`
}

// VerifyRequest asks the verifier to check success criteria.
type VerifyRequest struct {
	IncidentID       string           `json:"incident_id"`
	SuccessCriteria  []map[string]any `json:"success_criteria"`
	AffectedServices []string         `json:"affected_services"`
}

// VerifyResponse carries the verification verdict.
type VerifyResponse struct {
	IncidentID      string           `json:"incident_id"`
	Passed          bool             `json:"passed"`
	HealthScore     float64          `json:"health_score"`
	Results         []map[string]any `json:"results"`
	FailureAnalysis string           `json:"failure_analysis,omitempty"`
}

// Decode converts an untyped payload into a typed record via JSON.
func Decode[T any](payload map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(payload)
	if err != nil {
		return out, fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

// Encode converts a typed record into the untyped payload form.
func Encode(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return out, nil
}

// MustEncode is Encode for records that cannot fail to marshal (all the
// contract records). It panics on marshal failure.
func MustEncode(v any) map[string]any {
	m, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return m
}
