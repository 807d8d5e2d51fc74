package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// PagerDutyClient sends trigger events to the PagerDuty Events API v2.
type PagerDutyClient struct {
	routingKey string
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewPagerDutyClient creates an Events v2 client.
func NewPagerDutyClient(routingKey, url string) *PagerDutyClient {
	return &PagerDutyClient{
		routingKey: routingKey,
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default().With("component", "pagerduty-client"),
	}
}

// Trigger enqueues one trigger event. The incident id doubles as the dedup
// key, so repeated triggers for the same incident collapse into one page.
func (c *PagerDutyClient) Trigger(ctx context.Context, n *Notification) error {
	event := map[string]any{
		"routing_key":  c.routingKey,
		"event_action": "trigger",
		"dedup_key":    n.IncidentID,
		"payload": map[string]any{
			"summary":        fmt.Sprintf("[%s] %s", n.IncidentID, n.Reason),
			"source":         "vigil",
			"severity":       pagerDutySeverity(n.Severity),
			"custom_details": n.Context,
		},
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("events API returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// pagerDutySeverity maps incident severities onto the Events v2 enum
// (critical, error, warning, info).
func pagerDutySeverity(severity string) string {
	switch severity {
	case "critical":
		return "critical"
	case "high":
		return "error"
	case "low":
		return "info"
	default:
		return "warning"
	}
}
