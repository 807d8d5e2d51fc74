// Package workflows hosts the bus handlers behind the logical workflow ids:
// the effector workflows the executor dispatches to, the approval request
// recorder, and the notification sender.
package workflows

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arome3/vigil/pkg/bus"
	"github.com/arome3/vigil/pkg/contracts"
	"github.com/arome3/vigil/pkg/notify"
	"github.com/arome3/vigil/pkg/store"
)

// Effector performs one external side effect (EDR isolation, rollback,
// ticket creation). Implementations are injected; the system itself only
// records outcomes.
type Effector interface {
	Execute(ctx context.Context, workflowID string, payload map[string]any) (string, error)
}

// LogEffector acknowledges every side effect without performing one. It is
// the default when no external effector endpoint is configured.
type LogEffector struct {
	logger *slog.Logger
}

// NewLogEffector creates the acknowledging effector.
func NewLogEffector() *LogEffector {
	return &LogEffector{logger: slog.Default().With("component", "effector")}
}

// Execute logs the requested effect and reports success.
func (e *LogEffector) Execute(_ context.Context, workflowID string, payload map[string]any) (string, error) {
	e.logger.Info("Effector invoked",
		"workflow_id", workflowID,
		"incident_id", payload["incident_id"],
		"action_type", payload["action_type"],
		"target_asset", payload["target_asset"])
	return fmt.Sprintf("%v acknowledged by %s", payload["action_type"], workflowID), nil
}

// Service owns the workflow handlers.
type Service struct {
	store    store.Store
	notify   *notify.Service
	effector Effector
	logger   *slog.Logger
	clock    func() time.Time
}

// NewService creates the workflow service. A nil effector falls back to the
// logging effector; a nil notify service drops notifications silently
// (notify is nil-safe).
func NewService(st store.Store, notifier *notify.Service, effector Effector) *Service {
	if effector == nil {
		effector = NewLogEffector()
	}
	return &Service{
		store:    st,
		notify:   notifier,
		effector: effector,
		logger:   slog.Default().With("component", "workflows"),
		clock:    time.Now,
	}
}

// RegisterAll binds every logical workflow id on the bus.
func (s *Service) RegisterAll(b *bus.Bus) {
	for _, id := range []string{
		contracts.WorkflowContainment,
		contracts.WorkflowRemediation,
		contracts.WorkflowTicketing,
		contracts.WorkflowReporting,
	} {
		b.Register(id, s.effectorHandler(id))
	}
	b.Register(contracts.WorkflowApproval, s.handleApproval)
	b.Register(contracts.WorkflowNotify, s.handleNotify)
}

// effectorHandler adapts one workflow id onto the effector. The response
// shape is what the executor's dispatch expects: status plus either a
// result summary or an error.
func (s *Service) effectorHandler(workflowID string) bus.Handler {
	return func(ctx context.Context, env *contracts.Envelope) (map[string]any, error) {
		summary, err := s.effector.Execute(ctx, workflowID, env.Payload)
		if err != nil {
			s.logger.Error("Effector failed",
				"workflow_id", workflowID,
				"incident_id", env.Payload["incident_id"],
				"error", err)
			return map[string]any{"status": "failed", "error": err.Error()}, nil
		}
		return map[string]any{"status": "completed", "result_summary": summary}, nil
	}
}

// handleApproval records the pending approval request in the responses
// index. The human decision arrives later through the approvals API; both
// polling gates ignore pending rows, so recording one keeps the gate open
// while making the request visible to reviewers.
func (s *Service) handleApproval(ctx context.Context, env *contracts.Envelope) (map[string]any, error) {
	incidentID, _ := env.Payload["incident_id"].(string)
	if incidentID == "" {
		return nil, fmt.Errorf("approval request is missing incident_id")
	}

	doc := store.Doc{
		"incident_id":  incidentID,
		"value":        "pending",
		"requested_at": s.clock().UTC().Format(time.RFC3339Nano),
	}
	if actionID, _ := env.Payload["action_id"].(string); actionID != "" {
		doc["action_id"] = actionID
		doc["action_type"] = env.Payload["action_type"]
		doc["description"] = env.Payload["description"]
	} else {
		doc["scope"] = "plan"
	}

	id, err := s.store.Index(ctx, store.IndexApprovalResponses, "", doc)
	if err != nil {
		return nil, fmt.Errorf("record approval request: %w", err)
	}

	s.notify.Notify(ctx, notify.Notification{
		IncidentID: incidentID,
		Channel:    notify.ChannelSlack,
		Severity:   "high",
		Reason:     approvalPrompt(env.Payload),
	})

	return map[string]any{"status": "requested", "request_id": id}, nil
}

// handleNotify delivers one notification envelope through the notify
// service.
func (s *Service) handleNotify(ctx context.Context, env *contracts.Envelope) (map[string]any, error) {
	incidentID, _ := env.Payload["incident_id"].(string)
	if incidentID == "" {
		return nil, fmt.Errorf("notification is missing incident_id")
	}
	channel, _ := env.Payload["channel"].(string)
	severity, _ := env.Payload["severity"].(string)
	reason, _ := env.Payload["reason"].(string)
	detail, _ := env.Payload["context"].(map[string]any)

	s.notify.Notify(ctx, notify.Notification{
		IncidentID: incidentID,
		Channel:    channel,
		Severity:   severity,
		Reason:     reason,
		Context:    detail,
	})
	return map[string]any{"status": "completed"}, nil
}

func approvalPrompt(payload map[string]any) string {
	if actionID, _ := payload["action_id"].(string); actionID != "" {
		return fmt.Sprintf("Approval required for action %v (%v): %v",
			actionID, payload["action_type"], payload["description"])
	}
	return "Approval required for remediation plan"
}
