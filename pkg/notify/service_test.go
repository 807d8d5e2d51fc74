package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEndpoints struct {
	mu        sync.Mutex
	slackHits int
	pdEvents  []map[string]any

	slack *httptest.Server
	pd    *httptest.Server
}

func newFakeEndpoints(t *testing.T) *fakeEndpoints {
	t.Helper()
	f := &fakeEndpoints{}

	f.slack = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.slackHits++
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "channel": "C1", "ts": "1"})
	}))
	t.Cleanup(f.slack.Close)

	f.pd = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&event))
		f.mu.Lock()
		f.pdEvents = append(f.pdEvents, event)
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(f.pd.Close)

	return f
}

func (f *fakeEndpoints) service() *Service {
	return NewServiceWithClients(
		NewSlackClientWithAPIURL("xoxb-test", "C1", f.slack.URL+"/"),
		NewPagerDutyClient("rk-test", f.pd.URL),
		"https://vigil.example.com",
	)
}

func (f *fakeEndpoints) counts() (slack, pd int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slackHits, len(f.pdEvents)
}

func TestServiceNilReceiverIsNoOp(_ *testing.T) {
	var s *Service
	s.Notify(context.Background(), Notification{IncidentID: "INC-2026-AAAAA", Severity: "critical"})
}

func TestNewServiceRequiresAtLeastOneChannel(t *testing.T) {
	assert.Nil(t, NewService(ServiceConfig{}))
	assert.Nil(t, NewService(ServiceConfig{SlackToken: "xoxb", PagerDutyKey: "rk"}),
		"half-configured channels count as unconfigured")
	assert.NotNil(t, NewService(ServiceConfig{SlackToken: "xoxb", SlackChannel: "C1"}))
	assert.NotNil(t, NewService(ServiceConfig{PagerDutyKey: "rk", PagerDutyURL: "https://pd.example.com"}))
}

func TestNotifyRoutesExplicitChannel(t *testing.T) {
	f := newFakeEndpoints(t)
	s := f.service()

	s.Notify(context.Background(), Notification{
		IncidentID: "INC-2026-AAAAA",
		Channel:    ChannelPagerDuty,
		Severity:   "high",
		Reason:     "conflicting assessments",
	})
	s.Notify(context.Background(), Notification{
		IncidentID: "INC-2026-BBBBB",
		Channel:    ChannelSlack,
		Severity:   "low",
		Reason:     "suppressed below threshold",
	})

	slack, pd := f.counts()
	assert.Equal(t, 1, slack)
	assert.Equal(t, 1, pd)
}

func TestNotifyRoutesBySeverityWhenChannelUnset(t *testing.T) {
	f := newFakeEndpoints(t)
	s := f.service()

	s.Notify(context.Background(), Notification{IncidentID: "INC-1", Severity: "critical", Reason: "escalated"})
	s.Notify(context.Background(), Notification{IncidentID: "INC-2", Severity: "medium", Reason: "suppressed"})

	slack, pd := f.counts()
	assert.Equal(t, 1, slack)
	assert.Equal(t, 1, pd)
}

func TestNotifyFallsBackWhenTargetUnconfigured(t *testing.T) {
	f := newFakeEndpoints(t)
	s := NewServiceWithClients(nil, NewPagerDutyClient("rk-test", f.pd.URL), "")

	// Slack requested but only PagerDuty exists.
	s.Notify(context.Background(), Notification{
		IncidentID: "INC-2026-CCCCC",
		Channel:    ChannelSlack,
		Severity:   "low",
		Reason:     "suppressed",
	})

	_, pd := f.counts()
	assert.Equal(t, 1, pd)
}
