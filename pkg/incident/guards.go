package incident

import "fmt"

// GuardResult is the outcome of a guard evaluation. When Allowed is false and
// RedirectTo is set, the machine retargets the transition instead of failing.
type GuardResult struct {
	Allowed    bool
	RedirectTo Status
	Reason     string
}

// Guard is a predicate evaluated on a transition attempt. meta is the
// metadata supplied with the transition call, already merged over the
// incident for fields the guard may need.
type Guard func(inc *Incident, meta map[string]any) GuardResult

type edge struct {
	from, to Status
}

// GuardConfig carries the thresholds guards evaluate against.
type GuardConfig struct {
	SuppressThreshold  float64
	MaxReflectionLoops int
}

// buildGuards returns the full guard registry for the transition table.
func buildGuards(cfg GuardConfig) map[edge]Guard {
	return map[edge]Guard{
		{StatusTriaged, StatusSuppressed}: func(inc *Incident, meta map[string]any) GuardResult {
			score := metaFloat(meta, "priority_score", inc.PriorityScore)
			if score < cfg.SuppressThreshold {
				return GuardResult{Allowed: true}
			}
			return GuardResult{
				Reason: fmt.Sprintf("priority_score %.2f >= suppress threshold %.2f", score, cfg.SuppressThreshold),
			}
		},
		{StatusTriaged, StatusInvestigating}: func(inc *Incident, meta map[string]any) GuardResult {
			score := metaFloat(meta, "priority_score", inc.PriorityScore)
			if score >= cfg.SuppressThreshold {
				return GuardResult{Allowed: true}
			}
			return GuardResult{
				RedirectTo: StatusSuppressed,
				Reason:     fmt.Sprintf("priority_score %.2f below suppress threshold %.2f", score, cfg.SuppressThreshold),
			}
		},
		{StatusPlanning, StatusAwaitingApproval}: func(inc *Incident, meta map[string]any) GuardResult {
			if anyActionNeedsApproval(inc, meta) {
				return GuardResult{Allowed: true}
			}
			return GuardResult{
				RedirectTo: StatusExecuting,
				Reason:     "no planned action requires approval",
			}
		},
		{StatusPlanning, StatusExecuting}: func(inc *Incident, meta map[string]any) GuardResult {
			if !anyActionNeedsApproval(inc, meta) {
				return GuardResult{Allowed: true}
			}
			return GuardResult{
				RedirectTo: StatusAwaitingApproval,
				Reason:     "plan contains actions requiring approval",
			}
		},
		{StatusAwaitingApproval, StatusExecuting}: func(inc *Incident, meta map[string]any) GuardResult {
			status := metaString(meta, "approval_status", inc.ApprovalStatus)
			if status == "approved" {
				return GuardResult{Allowed: true}
			}
			return GuardResult{Reason: fmt.Sprintf("approval_status is %q, not approved", status)}
		},
		{StatusAwaitingApproval, StatusEscalated}: func(inc *Incident, meta map[string]any) GuardResult {
			status := metaString(meta, "approval_status", inc.ApprovalStatus)
			if status == "rejected" || status == "timeout" {
				return GuardResult{Allowed: true}
			}
			return GuardResult{Reason: fmt.Sprintf("approval_status is %q, not rejected or timeout", status)}
		},
		{StatusVerifying, StatusResolved}: func(inc *Incident, meta map[string]any) GuardResult {
			if metaBool(meta, "verification_passed", false) {
				return GuardResult{Allowed: true}
			}
			return GuardResult{Reason: "verification did not pass"}
		},
		{StatusVerifying, StatusReflecting}: func(inc *Incident, meta map[string]any) GuardResult {
			if metaBool(meta, "verification_passed", false) {
				return GuardResult{
					RedirectTo: StatusResolved,
					Reason:     "verification passed, nothing to reflect on",
				}
			}
			return GuardResult{Allowed: true}
		},
		{StatusReflecting, StatusEscalated}: func(inc *Incident, meta map[string]any) GuardResult {
			if inc.ReflectionCount >= cfg.MaxReflectionLoops {
				return GuardResult{Allowed: true}
			}
			return GuardResult{
				Reason: fmt.Sprintf("reflection_count %d below limit %d", inc.ReflectionCount, cfg.MaxReflectionLoops),
			}
		},
	}
}

// anyActionNeedsApproval checks the plan supplied in metadata, falling back
// to the plan already stored on the incident.
func anyActionNeedsApproval(inc *Incident, meta map[string]any) bool {
	var actions []map[string]any
	if plan, ok := meta["remediation_plan"].(map[string]any); ok {
		probe := &Incident{RemediationPlan: plan}
		actions = probe.PlannedActions()
	} else {
		actions = inc.PlannedActions()
	}
	for _, a := range actions {
		if req, ok := a["approval_required"].(bool); ok && req {
			return true
		}
	}
	return false
}

func metaFloat(meta map[string]any, key string, fallback float64) float64 {
	if v, ok := meta[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		case int64:
			return float64(n)
		}
	}
	return fallback
}

func metaString(meta map[string]any, key, fallback string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return fallback
}

func metaBool(meta map[string]any, key string, fallback bool) bool {
	if v, ok := meta[key].(bool); ok {
		return v
	}
	return fallback
}
