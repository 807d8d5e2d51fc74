package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPagerDutyTriggerSendsEventsV2Shape(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewPagerDutyClient("rk-test", srv.URL)
	err := c.Trigger(context.Background(), &Notification{
		IncidentID: "INC-2026-AAAAA",
		Severity:   "critical",
		Reason:     "reflection limit reached (3 loops)",
		Context:    map[string]any{"affected_services": []string{"checkout"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "rk-test", got["routing_key"])
	assert.Equal(t, "trigger", got["event_action"])
	assert.Equal(t, "INC-2026-AAAAA", got["dedup_key"])

	payload := got["payload"].(map[string]any)
	assert.Contains(t, payload["summary"], "INC-2026-AAAAA")
	assert.Contains(t, payload["summary"], "reflection limit reached")
	assert.Equal(t, "critical", payload["severity"])
	assert.NotNil(t, payload["custom_details"])
}

func TestPagerDutyTriggerRejectsNonAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad routing key", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewPagerDutyClient("rk-bad", srv.URL)
	err := c.Trigger(context.Background(), &Notification{IncidentID: "INC-1", Reason: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestPagerDutySeverityMapping(t *testing.T) {
	assert.Equal(t, "critical", pagerDutySeverity("critical"))
	assert.Equal(t, "error", pagerDutySeverity("high"))
	assert.Equal(t, "warning", pagerDutySeverity("medium"))
	assert.Equal(t, "info", pagerDutySeverity("low"))
	assert.Equal(t, "warning", pagerDutySeverity(""))
}
