package contracts

import (
	"fmt"
)

// Named contracts. Each worker validates its request on entry and its own
// response before returning it.
const (
	ContractTriageRequest       = "triage.request"
	ContractTriageResponse      = "triage.response"
	ContractInvestigateRequest  = "investigate.request"
	ContractInvestigateResponse = "investigate.response"
	ContractSweepRequest        = "sweep.request"
	ContractSweepResponse       = "sweep.response"
	ContractPlanRequest         = "plan.request"
	ContractPlanResponse        = "plan.response"
	ContractExecuteRequest      = "execute.request"
	ContractExecuteResponse     = "execute.response"
	ContractVerifyRequest       = "verify.request"
	ContractVerifyResponse      = "verify.response"
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindNumber
	kindBool
	kindObject
	kindArray
)

func (k fieldKind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindNumber:
		return "number"
	case kindBool:
		return "boolean"
	case kindObject:
		return "object"
	case kindArray:
		return "array"
	}
	return "unknown"
}

// fieldSpec describes one field of a contract payload.
type fieldSpec struct {
	name     string
	kind     fieldKind
	required bool
	enum     []string  // for string fields
	elem     fieldKind // element type for array fields
}

var contractShapes = map[string][]fieldSpec{
	ContractTriageRequest: {
		{name: "alert_id", kind: kindString, required: true},
		{name: "alert", kind: kindObject, required: true},
	},
	ContractTriageResponse: {
		{name: "alert_id", kind: kindString, required: true},
		{name: "priority_score", kind: kindNumber, required: true},
		{name: "disposition", kind: kindString, required: true, enum: []string{"investigate", "monitor", "suppress"}},
		{name: "factors", kind: kindObject, required: true},
		{name: "summary", kind: kindString, required: false},
	},
	ContractInvestigateRequest: {
		{name: "incident_id", kind: kindString, required: true},
		{name: "alert", kind: kindObject, required: false},
		{name: "anomaly", kind: kindObject, required: false},
		{name: "previous_failure_analysis", kind: kindString, required: false},
	},
	ContractInvestigateResponse: {
		{name: "incident_id", kind: kindString, required: true},
		{name: "root_cause", kind: kindString, required: true},
		{name: "attack_chain", kind: kindArray, required: false, elem: kindObject},
		{name: "compromised_assets", kind: kindArray, required: false, elem: kindObject},
		{name: "affected_services", kind: kindArray, required: false, elem: kindString},
		{name: "threat_intel_matches", kind: kindArray, required: false, elem: kindObject},
		{name: "mitre_techniques", kind: kindArray, required: false, elem: kindString},
		{name: "recommended_next", kind: kindString, required: true, enum: []string{"threat_hunt", "plan_remediation", "escalate"}},
	},
	ContractSweepRequest: {
		{name: "incident_id", kind: kindString, required: true},
		{name: "indicators", kind: kindObject, required: true},
		{name: "compromised_users", kind: kindArray, required: false, elem: kindString},
	},
	ContractSweepResponse: {
		{name: "incident_id", kind: kindString, required: true},
		{name: "confirmed_compromised", kind: kindArray, required: true, elem: kindObject},
		{name: "suspected_compromised", kind: kindArray, required: true, elem: kindObject},
		{name: "clean_assets", kind: kindNumber, required: true},
		{name: "behavioral_anomalies", kind: kindArray, required: false, elem: kindObject},
		{name: "affected_services", kind: kindArray, required: false, elem: kindString},
		{name: "incomplete_tasks", kind: kindArray, required: false, elem: kindString},
	},
	ContractPlanRequest: {
		{name: "incident_id", kind: kindString, required: true},
		{name: "severity", kind: kindString, required: true},
		{name: "investigation_report", kind: kindObject, required: false},
		{name: "threat_scope", kind: kindObject, required: false},
	},
	ContractPlanResponse: {
		{name: "incident_id", kind: kindString, required: true},
		{name: "plan", kind: kindObject, required: true},
		{name: "runbook_used", kind: kindString, required: false},
		{name: "requires_approval", kind: kindBool, required: true},
	},
	ContractExecuteRequest: {
		{name: "task", kind: kindString, required: true, enum: []string{"execute_plan"}},
		{name: "incident_id", kind: kindString, required: true},
		{name: "actions", kind: kindArray, required: true, elem: kindObject},
		{name: "success_criteria", kind: kindArray, required: false, elem: kindObject},
	},
	ContractExecuteResponse: {
		{name: "incident_id", kind: kindString, required: true},
		{name: "status", kind: kindString, required: true, enum: []string{"completed", "partial_failure", "failed"}},
		{name: "results", kind: kindArray, required: true, elem: kindObject},
		{name: "error", kind: kindString, required: false},
	},
	ContractVerifyRequest: {
		{name: "incident_id", kind: kindString, required: true},
		{name: "success_criteria", kind: kindArray, required: true, elem: kindObject},
		{name: "affected_services", kind: kindArray, required: true, elem: kindString},
	},
	ContractVerifyResponse: {
		{name: "incident_id", kind: kindString, required: true},
		{name: "passed", kind: kindBool, required: true},
		{name: "health_score", kind: kindNumber, required: true},
		{name: "results", kind: kindArray, required: true, elem: kindObject},
		{name: "failure_analysis", kind: kindString, required: false},
	},
}

// ValidatePayload checks payload against the named contract. Every violation
// is accumulated; the error lists all of them.
func ValidatePayload(contract string, payload map[string]any) error {
	shape, ok := contractShapes[contract]
	if !ok {
		return fmt.Errorf("unknown contract %q", contract)
	}

	verr := &ValidationErrors{Subject: contract}
	for _, f := range shape {
		v, present := payload[f.name]
		if !present || v == nil {
			if f.required {
				verr.Add("%s is required", f.name)
			}
			continue
		}
		checkField(verr, f, v)
	}
	return verr.OrNil()
}

func checkField(verr *ValidationErrors, f fieldSpec, v any) {
	switch f.kind {
	case kindString:
		s, ok := v.(string)
		if !ok {
			verr.Add("%s must be a string, got %T", f.name, v)
			return
		}
		if f.required && s == "" {
			verr.Add("%s must be non-empty", f.name)
			return
		}
		if len(f.enum) > 0 && s != "" && !contains(f.enum, s) {
			verr.Add("%s must be one of %v, got %q", f.name, f.enum, s)
		}
	case kindNumber:
		switch v.(type) {
		case float64, float32, int, int64, int32:
		default:
			verr.Add("%s must be a number, got %T", f.name, v)
		}
	case kindBool:
		if _, ok := v.(bool); !ok {
			verr.Add("%s must be a boolean, got %T", f.name, v)
		}
	case kindObject:
		if _, ok := v.(map[string]any); !ok {
			verr.Add("%s must be an object, got %T", f.name, v)
		}
	case kindArray:
		arr, ok := v.([]any)
		if !ok {
			verr.Add("%s must be an array, got %T", f.name, v)
			return
		}
		for i, e := range arr {
			if !elemMatches(f.elem, e) {
				verr.Add("%s[%d] must be a %s, got %T", f.name, i, f.elem, e)
			}
		}
	}
}

func elemMatches(k fieldKind, v any) bool {
	switch k {
	case kindString:
		_, ok := v.(string)
		return ok
	case kindObject:
		_, ok := v.(map[string]any)
		return ok
	case kindNumber:
		switch v.(type) {
		case float64, float32, int, int64, int32:
			return true
		}
		return false
	case kindBool:
		_, ok := v.(bool)
		return ok
	}
	return true
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
