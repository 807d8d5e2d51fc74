// Package contracts defines the A2A envelope and the named request/response
// contracts exchanged over the bus. Envelopes cross the bus as untyped maps;
// every shape check accumulates all violations before anything is surfaced.
package contracts

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Logical agent addresses.
const (
	AgentCoordinator    = "vigil-coordinator"
	AgentTriage         = "vigil-triage"
	AgentInvestigator   = "vigil-investigator"
	AgentThreatHunter   = "vigil-threat-hunter"
	AgentCommander      = "vigil-commander"
	AgentExecutor       = "vigil-executor"
	AgentVerifier       = "vigil-verifier"
	AgentSentinel       = "vigil-sentinel"
	AgentAnalyst        = "vigil-analyst"
	WorkflowContainment = "vigil-wf-containment"
	WorkflowRemediation = "vigil-wf-remediation"
	WorkflowNotify      = "vigil-wf-notify"
	WorkflowTicketing   = "vigil-wf-ticketing"
	WorkflowApproval    = "vigil-wf-approval"
	WorkflowReporting   = "vigil-wf-reporting"
)

// Envelope is the uniform request wrapper on the inter-agent bus. All six
// fields are required; Payload must be a mapping.
type Envelope struct {
	MessageID     string         `json:"message_id"`
	FromAgent     string         `json:"from_agent"`
	ToAgent       string         `json:"to_agent"`
	Timestamp     string         `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	Payload       map[string]any `json:"payload"`
}

// NewEnvelope builds a well-formed envelope with a fresh message id and the
// current UTC timestamp.
func NewEnvelope(from, to, correlationID string, payload map[string]any) *Envelope {
	return &Envelope{
		MessageID:     "msg-" + uuid.NewString(),
		FromAgent:     from,
		ToAgent:       to,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

// ValidationErrors collects every shape violation found in one pass.
type ValidationErrors struct {
	Subject string
	Errors  []string
}

func (e *ValidationErrors) Error() string {
	return fmt.Sprintf("%s validation failed: %s", e.Subject, strings.Join(e.Errors, "; "))
}

// Add records a violation.
func (e *ValidationErrors) Add(format string, args ...any) {
	e.Errors = append(e.Errors, fmt.Sprintf(format, args...))
}

// OrNil returns the error when any violation was recorded, nil otherwise.
func (e *ValidationErrors) OrNil() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

// Validate checks the envelope shape. All violations are listed.
func (env *Envelope) Validate() error {
	verr := &ValidationErrors{Subject: "envelope"}
	if env.MessageID == "" {
		verr.Add("message_id is required")
	}
	if env.FromAgent == "" {
		verr.Add("from_agent is required")
	}
	if env.ToAgent == "" {
		verr.Add("to_agent is required")
	}
	if env.Timestamp == "" {
		verr.Add("timestamp is required")
	} else if _, err := time.Parse(time.RFC3339Nano, env.Timestamp); err != nil {
		verr.Add("timestamp must be ISO-8601: %v", err)
	}
	if env.CorrelationID == "" {
		verr.Add("correlation_id is required")
	}
	if env.Payload == nil {
		verr.Add("payload is required and must be an object")
	}
	return verr.OrNil()
}

// EnvelopeFromMap validates a decoded envelope map and converts it to the
// typed form. A malformed envelope is rejected before any handler sees it;
// every missing or malformed field is listed.
func EnvelopeFromMap(raw map[string]any) (*Envelope, error) {
	verr := &ValidationErrors{Subject: "envelope"}

	str := func(field string) string {
		v, ok := raw[field]
		if !ok || v == nil {
			verr.Add("%s is required", field)
			return ""
		}
		s, ok := v.(string)
		if !ok {
			verr.Add("%s must be a string, got %T", field, v)
			return ""
		}
		if s == "" {
			verr.Add("%s must be non-empty", field)
		}
		return s
	}

	env := &Envelope{
		MessageID:     str("message_id"),
		FromAgent:     str("from_agent"),
		ToAgent:       str("to_agent"),
		Timestamp:     str("timestamp"),
		CorrelationID: str("correlation_id"),
	}

	switch p := raw["payload"].(type) {
	case nil:
		verr.Add("payload is required")
	case map[string]any:
		env.Payload = p
	default:
		verr.Add("payload must be an object, got %T", p)
	}

	if env.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339Nano, env.Timestamp); err != nil {
			verr.Add("timestamp must be ISO-8601: %v", err)
		}
	}

	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return env, nil
}
