// Package notify delivers incident notifications to the on-call surface:
// Slack messages for routine outcomes and PagerDuty events for pages.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// ChannelSlack and ChannelPagerDuty are the delivery channel names carried
// in notification envelopes.
const (
	ChannelSlack     = "slack"
	ChannelPagerDuty = "pagerduty"
)

// Notification is one outbound incident notification.
type Notification struct {
	IncidentID string
	Channel    string // slack | pagerduty; empty routes by severity
	Severity   string
	Reason     string
	Context    map[string]any
}

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	SlackToken   string
	SlackChannel string
	PagerDutyKey string
	PagerDutyURL string
	DashboardURL string
}

// Service routes notifications to their delivery channel.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	slack        *SlackClient
	pagerduty    *PagerDutyClient
	dashboardURL string
	logger       *slog.Logger
}

// NewService creates a notification service. Returns nil when neither
// channel is configured; a single configured channel receives everything.
func NewService(cfg ServiceConfig) *Service {
	var slack *SlackClient
	if cfg.SlackToken != "" && cfg.SlackChannel != "" {
		slack = NewSlackClient(cfg.SlackToken, cfg.SlackChannel)
	}
	var pagerduty *PagerDutyClient
	if cfg.PagerDutyKey != "" && cfg.PagerDutyURL != "" {
		pagerduty = NewPagerDutyClient(cfg.PagerDutyKey, cfg.PagerDutyURL)
	}
	if slack == nil && pagerduty == nil {
		return nil
	}
	return &Service{
		slack:        slack,
		pagerduty:    pagerduty,
		dashboardURL: cfg.DashboardURL,
		logger:       slog.Default().With("component", "notify"),
	}
}

// NewServiceWithClients creates a Service backed by pre-built clients.
// Useful for testing with mock API servers.
func NewServiceWithClients(slack *SlackClient, pagerduty *PagerDutyClient, dashboardURL string) *Service {
	return &Service{
		slack:        slack,
		pagerduty:    pagerduty,
		dashboardURL: dashboardURL,
		logger:       slog.Default().With("component", "notify"),
	}
}

// Notify delivers one notification. An unconfigured target falls back to
// the other channel rather than dropping the notification.
// Fail-open: errors are logged, never returned.
func (s *Service) Notify(ctx context.Context, n Notification) {
	if s == nil {
		return
	}

	switch s.resolveChannel(n) {
	case ChannelPagerDuty:
		if err := s.pagerduty.Trigger(ctx, &n); err != nil {
			s.logger.Error("PagerDuty delivery failed",
				"incident_id", n.IncidentID,
				"error", err)
		}
	case ChannelSlack:
		blocks := BuildIncidentMessage(&n, s.dashboardURL)
		if err := s.slack.PostMessage(ctx, blocks, 10*time.Second); err != nil {
			s.logger.Error("Slack delivery failed",
				"incident_id", n.IncidentID,
				"error", err)
		}
	default:
		s.logger.Warn("Notification dropped, no channel configured",
			"incident_id", n.IncidentID,
			"requested_channel", n.Channel)
	}
}

// resolveChannel picks the delivery channel: the explicit request first,
// then severity (critical pages, everything else chats), then whichever
// client exists.
func (s *Service) resolveChannel(n Notification) string {
	want := n.Channel
	if want == "" {
		if n.Severity == "critical" {
			want = ChannelPagerDuty
		} else {
			want = ChannelSlack
		}
	}
	if want == ChannelPagerDuty && s.pagerduty == nil && s.slack != nil {
		return ChannelSlack
	}
	if want == ChannelSlack && s.slack == nil && s.pagerduty != nil {
		return ChannelPagerDuty
	}
	if want == ChannelPagerDuty && s.pagerduty == nil {
		return ""
	}
	if want == ChannelSlack && s.slack == nil {
		return ""
	}
	return want
}
