// Vigil orchestrator server. Wires the store, agents, watcher, analyst, and
// HTTP API together and runs until signalled.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/arome3/vigil/pkg/agents"
	"github.com/arome3/vigil/pkg/analyst"
	"github.com/arome3/vigil/pkg/api"
	"github.com/arome3/vigil/pkg/bus"
	"github.com/arome3/vigil/pkg/config"
	"github.com/arome3/vigil/pkg/contracts"
	"github.com/arome3/vigil/pkg/coordinator"
	"github.com/arome3/vigil/pkg/incident"
	"github.com/arome3/vigil/pkg/notify"
	"github.com/arome3/vigil/pkg/store"
	"github.com/arome3/vigil/pkg/telemetry"
	"github.com/arome3/vigil/pkg/tools"
	"github.com/arome3/vigil/pkg/workflows"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")

	// 1. Configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting Vigil", "http_port", httpPort, "tools_dir", cfg.ToolsDir)

	// 2. Document store. Without an Elasticsearch URL the in-memory store is
	// used, which is only meaningful for local experimentation.
	var st store.Store
	if os.Getenv("ELASTICSEARCH_URL") != "" {
		elastic, err := store.NewElasticFromEnv()
		if err != nil {
			slog.Error("Failed to initialize Elasticsearch store", "error", err)
			os.Exit(1)
		}
		st = elastic
		slog.Info("Connected to Elasticsearch")
	} else {
		st = store.NewMemory()
		slog.Warn("ELASTICSEARCH_URL not set, using in-memory store; state will not survive a restart")
	}

	// 3. Tool catalog
	registry := tools.NewRegistry()
	if err := registry.LoadDir(cfg.ToolsDir); err != nil {
		slog.Error("Failed to load tool definitions", "dir", cfg.ToolsDir, "error", err)
		os.Exit(1)
	}
	toolExec := tools.NewExecutor(registry, st, nil)
	slog.Info("Tool catalog loaded", "tools", len(registry.IDs()))

	// 4. Telemetry
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.New(promRegistry)

	// 5. State machine and agents
	auditor := incident.NewAuditor(st)
	machine := incident.NewMachine(st, auditor, incident.GuardConfig{
		SuppressThreshold:  cfg.TriageSuppressThreshold,
		MaxReflectionLoops: cfg.MaxReflectionLoops,
	})

	b := bus.New()
	b.Register(contracts.AgentTriage, agents.NewTriage(toolExec, st, cfg).Handle)
	b.Register(contracts.AgentInvestigator, agents.NewInvestigator(toolExec, st, cfg).Handle)
	b.Register(contracts.AgentThreatHunter, agents.NewHunter(toolExec, st, cfg).Handle)
	b.Register(contracts.AgentCommander, agents.NewCommander(toolExec, st, cfg).Handle)
	b.Register(contracts.AgentExecutor, agents.NewExecutor(b, st, auditor, cfg).Handle)
	b.Register(contracts.AgentVerifier, agents.NewVerifier(b, cfg).Handle)
	b.Register(contracts.AgentSentinel, agents.NewSentinel(toolExec, st, cfg).Handle)

	// 6. Notifications and workflow handlers
	notifier := notify.NewService(notify.ServiceConfig{
		SlackToken:   cfg.SlackToken,
		SlackChannel: cfg.SlackChannel,
		PagerDutyKey: cfg.PagerDutyKey,
		PagerDutyURL: cfg.PagerDutyURL,
		DashboardURL: cfg.DashboardURL,
	})
	if notifier == nil {
		slog.Warn("No notification channel configured, notifications will be dropped")
	}
	workflows.NewService(st, notifier, nil).RegisterAll(b)

	// 7. Coordinator and analyst
	orch := coordinator.NewOrchestrator(machine, auditor, b, st, cfg, metrics)

	learner := analyst.NewService(st, nil, cfg)
	machine.OnTerminal(learner.HandleTerminal)
	if err := learner.StartBatch(); err != nil {
		slog.Error("Failed to schedule analyst batch", "error", err)
		os.Exit(1)
	}

	// 8. Alert watcher and sentinel sweep
	watcher := coordinator.NewWatcher(st, orch, cfg, metrics)
	watcher.Start()

	monitorInterval := 60 * time.Second
	if v := os.Getenv("MONITOR_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			slog.Error("Invalid MONITOR_INTERVAL_MS", "value", v, "error", err)
			os.Exit(1)
		}
		monitorInterval = time.Duration(ms) * time.Millisecond
	}
	monitorStop := make(chan struct{})
	var monitorWG sync.WaitGroup
	monitorWG.Add(1)
	go runHealthSweep(b, orch, cfg, monitorInterval, monitorStop, &monitorWG)

	// 9. HTTP server (non-blocking)
	httpServer := api.NewServer(st, orch, auditor, promRegistry)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(":" + httpPort); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Vigil started successfully")

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: ingest first, then background work, then the API.
	// Watcher stop waits for any in-flight orchestration to finish.
	watcher.Stop()
	slog.Info("Alert watcher stopped")

	close(monitorStop)
	monitorWG.Wait()
	slog.Info("Health sweep stopped")

	learner.Stop()
	slog.Info("Analyst stopped")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown incomplete", "error", err)
	}
	slog.Info("Vigil stopped")
}

// runHealthSweep periodically asks the sentinel for a full health sweep and
// feeds every anomaly report into the operational flow. Sweep failures are
// logged and retried on the next tick.
func runHealthSweep(b *bus.Bus, orch *coordinator.Orchestrator, cfg *config.Config, interval time.Duration, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	logger := slog.Default().With("component", "health-sweep")

	for {
		select {
		case <-stop:
			return
		case <-time.After(interval):
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.MonitoringDeadline+5*time.Second)
		resp, err := b.Call(ctx, contracts.AgentCoordinator, contracts.AgentSentinel,
			"sweep-"+uuid.NewString(),
			map[string]any{"task": "monitor_health"}, cfg.MonitoringDeadline+5*time.Second)
		if err != nil {
			cancel()
			logger.Warn("Health sweep failed", "error", err)
			continue
		}

		anomalies, _ := resp["anomalies"].([]map[string]any)
		for _, report := range anomalies {
			if _, err := orch.HandleAnomaly(ctx, report); err != nil {
				logger.Error("Anomaly orchestration failed",
					"service", report["service"], "error", err)
			}
		}
		cancel()
	}
}
