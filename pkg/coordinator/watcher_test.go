package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/store"
)

type recordingHandler struct {
	mu     sync.Mutex
	alerts []string
}

func (h *recordingHandler) HandleAlert(_ context.Context, alert store.Doc) (map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, docString(alert, "alert_id"))
	return map[string]any{"incident_id": "INC-2026-TEST1", "status": "resolved"}, nil
}

func (h *recordingHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string{}, h.alerts...)
}

func watcherConfig() *config.Config {
	cfg := config.Default()
	cfg.AlertPollInterval = 10 * time.Millisecond
	cfg.WatcherInitialBackoff = 5 * time.Millisecond
	cfg.WatcherMaxBackoff = 20 * time.Millisecond
	cfg.MaxPollErrors = 3
	return cfg
}

func seedAlert(t *testing.T, mem *store.Memory, id string) {
	t.Helper()
	_, err := mem.Index(context.Background(), store.IndexAlerts, id, store.Doc{
		"alert_id":   id,
		"rule_name":  "test-rule",
		"@timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	require.NoError(t, err)
}

func TestWatcherClaimsAndProcessesAlerts(t *testing.T) {
	mem := store.NewMemory()
	seedAlert(t, mem, "AL-W1")
	seedAlert(t, mem, "AL-W2")

	h := &recordingHandler{}
	w := NewWatcher(mem, h, watcherConfig(), nil)
	w.Start()
	defer w.Stop()

	assert.Eventually(t, func() bool {
		return len(h.seen()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"AL-W1", "AL-W2"}, h.seen())

	// Claims carry the processing outcome.
	res, err := mem.Get(context.Background(), store.IndexAlertClaims, "AL-W1")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Source["processed_at"])
	assert.Equal(t, "INC-2026-TEST1", res.Source["incident_id"])

	// Each poll leaves a telemetry row.
	assert.Greater(t, mem.Count(store.IndexAgentTelemetry), 0)
}

func TestWatcherProcessesEachAlertOnce(t *testing.T) {
	mem := store.NewMemory()
	seedAlert(t, mem, "AL-W3")

	h := &recordingHandler{}
	w := NewWatcher(mem, h, watcherConfig(), nil)
	w.Start()
	defer w.Stop()

	// The alert stays unclaimed-looking in the alerts index, but the claim
	// document blocks every later poll.
	assert.Eventually(t, func() bool {
		return len(h.seen()) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"AL-W3"}, h.seen())
}

func TestWatcherSkipsAlreadyClaimedAlerts(t *testing.T) {
	mem := store.NewMemory()
	seedAlert(t, mem, "AL-W4")
	seedAlert(t, mem, "AL-W5")
	require.NoError(t, mem.Create(context.Background(), store.IndexAlertClaims, "AL-W4", store.Doc{
		"alert_id":   "AL-W4",
		"claimed_at": time.Now().UTC().Format(time.RFC3339Nano),
	}))

	h := &recordingHandler{}
	w := NewWatcher(mem, h, watcherConfig(), nil)
	w.Start()
	defer w.Stop()

	assert.Eventually(t, func() bool {
		return len(h.seen()) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"AL-W5"}, h.seen())
}

// failingSearchStore fails every poll while delegating everything else.
type failingSearchStore struct {
	store.Store
	mu    sync.Mutex
	calls int
}

func (f *failingSearchStore) Search(_ context.Context, _ *store.SearchRequest) (*store.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil, errors.New("search backend down")
}

func (f *failingSearchStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestWatcherBreakerTripsAfterConsecutivePollFailures(t *testing.T) {
	cfg := watcherConfig()
	fs := &failingSearchStore{Store: store.NewMemory()}

	w := NewWatcher(fs, &recordingHandler{}, cfg, nil)
	w.Start()

	assert.Eventually(t, w.Tripped, 2*time.Second, 5*time.Millisecond)

	// The loop stops itself once the breaker opens; no further polls run.
	w.Stop()
	settled := fs.count()
	assert.Equal(t, cfg.MaxPollErrors, settled)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, fs.count())
}

func TestWatcherStopWaitsForInFlightPoll(t *testing.T) {
	mem := store.NewMemory()
	h := &recordingHandler{}
	w := NewWatcher(mem, h, watcherConfig(), nil)
	w.Start()

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
