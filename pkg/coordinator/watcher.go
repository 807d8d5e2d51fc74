package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/telemetry"
)

// AlertHandler processes one claimed alert to a terminal outcome.
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert store.Doc) (map[string]any, error)
}

// Watcher is the single writer of the alert pipeline. It polls the alert
// indices, claims each alert with a create-only write, and hands claimed
// alerts to the orchestrator. Duplicate pollers are harmless: the claim
// index arbitrates, and losers skip.
type Watcher struct {
	store   store.Store
	handler AlertHandler
	cfg     *config.Config
	metrics *telemetry.Metrics
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker
	clock   func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher creates an alert watcher. The circuit breaker trips after
// cfg.MaxPollErrors consecutive poll failures; a tripped watcher stops and
// stays stopped until a new one is started.
func NewWatcher(st store.Store, handler AlertHandler, cfg *config.Config, metrics *telemetry.Metrics) *Watcher {
	w := &Watcher{
		store:   st,
		handler: handler,
		cfg:     cfg,
		metrics: metrics,
		logger:  slog.Default().With("component", "alert-watcher"),
		clock:   time.Now,
		stopCh:  make(chan struct{}),
	}
	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "alert-watcher",
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return int(c.ConsecutiveFailures) >= cfg.MaxPollErrors
		},
	})
	return w
}

// Start launches the poll loop.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop halts the loop and waits for the in-flight poll, including any
// orchestration it started, to finish. Stopping never interrupts a claimed
// alert mid-flow.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Tripped reports whether the circuit breaker has opened.
func (w *Watcher) Tripped() bool {
	return w.breaker.State() == gobreaker.StateOpen
}

func (w *Watcher) run() {
	defer w.wg.Done()

	backoff := w.cfg.WatcherInitialBackoff
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		_, err := w.breaker.Execute(func() (any, error) {
			return nil, w.poll(context.Background())
		})
		w.metrics.PollCompleted(err)

		if w.Tripped() {
			w.logger.Error("Poll error limit reached, watcher stopped; restart required",
				"consecutive_limit", w.cfg.MaxPollErrors)
			return
		}

		wait := w.cfg.AlertPollInterval
		if err != nil {
			w.logger.Warn("Alert poll failed", "error", err, "retry_in", backoff)
			wait = backoff
			backoff *= 2
			if backoff > w.cfg.WatcherMaxBackoff {
				backoff = w.cfg.WatcherMaxBackoff
			}
		} else {
			backoff = w.cfg.WatcherInitialBackoff
		}

		select {
		case <-w.stopCh:
			return
		case <-time.After(wait):
		}
	}
}

// poll fetches one batch of unclaimed alerts and processes those it wins.
// Claim losses are not errors; only the search failure propagates to the
// breaker.
func (w *Watcher) poll(ctx context.Context) error {
	started := w.clock()

	res, err := w.store.Search(ctx, &store.SearchRequest{
		Index: store.IndexAlertsPattern,
		Query: store.Doc{"bool": store.Doc{
			"must_not": []store.Doc{{"exists": store.Doc{"field": "triaged_at"}}},
		}},
		Sort: []store.Doc{{"@timestamp": store.Doc{"order": "desc"}}},
		Size: w.cfg.AlertBatchSize,
	})
	if err != nil {
		return err
	}

	claimed, processed := 0, 0
	for _, hit := range res.Hits {
		alertID := docString(hit.Source, "alert_id")
		if alertID == "" {
			continue
		}
		if !w.claim(ctx, alertID) {
			continue
		}
		claimed++

		resp, err := w.handler.HandleAlert(ctx, hit.Source)
		if err != nil {
			w.logger.Error("Alert orchestration failed", "alert_id", alertID, "error", err)
			w.finishClaim(ctx, alertID, "", err)
			continue
		}
		processed++
		w.finishClaim(ctx, alertID, docString(resp, "incident_id"), nil)
	}

	w.recordPollTelemetry(ctx, len(res.Hits), claimed, processed, w.clock().Sub(started))
	return nil
}

// claim attempts the create-only write that arbitrates alert ownership.
func (w *Watcher) claim(ctx context.Context, alertID string) bool {
	err := w.store.Create(ctx, store.IndexAlertClaims, alertID, store.Doc{
		"alert_id":   alertID,
		"claimed_at": w.clock().UTC().Format(time.RFC3339Nano),
	})
	switch {
	case err == nil:
		w.metrics.ClaimAttempted("won")
		return true
	case errors.Is(err, store.ErrAlreadyExists):
		w.metrics.ClaimAttempted("lost")
		return false
	default:
		w.metrics.ClaimAttempted("error")
		w.logger.Error("Alert claim write failed", "alert_id", alertID, "error", err)
		return false
	}
}

// finishClaim annotates the claim document with the processing outcome.
// Best effort; the claim itself already prevents re-processing.
func (w *Watcher) finishClaim(ctx context.Context, alertID, incidentID string, procErr error) {
	doc := store.Doc{
		"alert_id":     alertID,
		"processed_at": w.clock().UTC().Format(time.RFC3339Nano),
	}
	if incidentID != "" {
		doc["incident_id"] = incidentID
	}
	if procErr != nil {
		doc["error"] = procErr.Error()
	}
	if _, err := w.store.Index(ctx, store.IndexAlertClaims, alertID, doc); err != nil {
		w.logger.Warn("Claim annotation failed", "alert_id", alertID, "error", err)
	}
}

// recordPollTelemetry appends one per-poll health row. Failures are logged
// only; telemetry never fails a poll.
func (w *Watcher) recordPollTelemetry(ctx context.Context, seen, claimed, processed int, elapsed time.Duration) {
	_, err := w.store.Index(ctx, store.IndexAgentTelemetry, "", store.Doc{
		"component":   "alert-watcher",
		"alerts_seen": seen,
		"claimed":     claimed,
		"processed":   processed,
		"elapsed_ms":  elapsed.Milliseconds(),
		"@timestamp":  w.clock().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		w.logger.Warn("Poll telemetry write failed", "error", err)
	}
}
