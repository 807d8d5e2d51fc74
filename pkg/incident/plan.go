package incident

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Action types a remediation plan may contain.
const (
	ActionContainment   = "containment"
	ActionRemediation   = "remediation"
	ActionCommunication = "communication"
	ActionDocumentation = "documentation"
)

// KnownActionType reports whether t is a plannable action type.
func KnownActionType(t string) bool {
	switch t {
	case ActionContainment, ActionRemediation, ActionCommunication, ActionDocumentation:
		return true
	}
	return false
}

// PlannedAction is one ordered step of a remediation plan.
type PlannedAction struct {
	Order            int            `json:"order"`
	ActionType       string         `json:"action_type"`
	Description      string         `json:"description"`
	TargetSystem     string         `json:"target_system,omitempty"`
	TargetAsset      string         `json:"target_asset,omitempty"`
	Params           map[string]any `json:"params,omitempty"`
	ApprovalRequired bool           `json:"approval_required"`
	RollbackSteps    []string       `json:"rollback_steps,omitempty"`
}

// SuccessCriterion is one metric check the verifier evaluates.
type SuccessCriterion struct {
	Metric    string  `json:"metric"`
	Operator  string  `json:"operator"` // lt, lte, gt, gte, eq
	Threshold float64 `json:"threshold"`
}

// Plan is an ordered remediation plan.
type Plan struct {
	Actions          []PlannedAction    `json:"actions"`
	SuccessCriteria  []SuccessCriterion `json:"success_criteria,omitempty"`
	RunbookUsed      string             `json:"runbook_used,omitempty"`
	RequiresApproval bool               `json:"requires_approval"`
}

// RequiresApprovalGate reports whether any action needs human approval.
func (p *Plan) RequiresApprovalGate() bool {
	for _, a := range p.Actions {
		if a.ApprovalRequired {
			return true
		}
	}
	return false
}

// SortedActions returns the actions in ascending order, deduplicated by
// order value (first occurrence wins). The second return is the number of
// duplicates dropped.
func SortedActions(actions []PlannedAction) ([]PlannedAction, int) {
	sorted := make([]PlannedAction, len(actions))
	copy(sorted, actions)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	seen := map[int]bool{}
	out := sorted[:0]
	dropped := 0
	for _, a := range sorted {
		if seen[a.Order] {
			dropped++
			continue
		}
		seen[a.Order] = true
		out = append(out, a)
	}
	return out, dropped
}

// PlanFromDoc decodes a plan from its document form.
func PlanFromDoc(doc map[string]any) (*Plan, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode plan doc: %w", err)
	}
	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode plan doc: %w", err)
	}
	return &p, nil
}

// ToDoc encodes the plan to its document form.
func (p *Plan) ToDoc() map[string]any {
	raw, _ := json.Marshal(p)
	var doc map[string]any
	_ = json.Unmarshal(raw, &doc)
	return doc
}
