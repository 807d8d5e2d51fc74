// Package config provides environment-derived configuration for the Vigil
// orchestrator. Every tunable has a built-in default; LoadFromEnv overrides
// from the process environment.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration for the orchestrator and its agents.
type Config struct {
	// MaxReflectionLoops bounds the re-investigate/re-plan/re-execute cycle.
	// Once reflection_count reaches this value the incident escalates.
	MaxReflectionLoops int

	// ApprovalTimeout is the maximum time the coordinator waits for a human
	// approval decision before escalating.
	ApprovalTimeout time.Duration

	// ApprovalPollInterval is how often the approval-responses index is
	// polled while an approval gate is open.
	ApprovalPollInterval time.Duration

	// AlertPollInterval is the watcher polling cadence.
	AlertPollInterval time.Duration

	// AlertBatchSize is the maximum number of alerts fetched per poll.
	AlertBatchSize int

	// MaxPollErrors is the number of consecutive poll failures that trips
	// the watcher circuit breaker.
	MaxPollErrors int

	// WatcherInitialBackoff is the first retry delay after a failed poll.
	WatcherInitialBackoff time.Duration

	// WatcherMaxBackoff caps the watcher retry delay.
	WatcherMaxBackoff time.Duration

	// TriageInvestigateThreshold is the priority score at or above which an
	// alert is dispositioned "investigate".
	TriageInvestigateThreshold float64

	// TriageSuppressThreshold is the priority score below which (strict) an
	// alert is suppressed.
	TriageSuppressThreshold float64

	// TriageWeights are the four named weights of the priority score.
	TriageWeights TriageWeights

	// Per-agent deadlines.
	TriageDeadline        time.Duration
	InvestigationDeadline time.Duration
	SweepDeadline         time.Duration
	PlanningDeadline      time.Duration
	ExecutorDeadline      time.Duration
	WorkflowTimeout       time.Duration
	MonitoringDeadline    time.Duration
	AnalystDeadline       time.Duration
	BatchDeadline         time.Duration

	// AnomalyStddevThreshold is the sentinel's σ threshold: a metric more
	// than this many standard deviations from baseline is anomalous.
	AnomalyStddevThreshold float64

	// HighConfidenceWindow is the change-correlation band that maps a
	// change-to-error gap to high confidence.
	HighConfidenceWindow time.Duration

	// SparseResultThreshold is the minimum event count at which the
	// investigator stops widening its attack-chain time window.
	SparseResultThreshold int

	// HealthScoreThreshold is the verifier pass bar.
	HealthScoreThreshold float64

	// BatchSchedule is the analyst batch cron expression.
	BatchSchedule string

	// ToolsDir is the directory holding JSON tool definitions.
	ToolsDir string

	// Slack / PagerDuty notification settings. Empty values disable the
	// corresponding channel (the notify service is nil-safe).
	SlackToken   string
	SlackChannel string
	PagerDutyKey string
	PagerDutyURL string
	DashboardURL string
}

// TriageWeights are the named components of the triage priority score.
// They must sum to 1.0.
type TriageWeights struct {
	Severity         float64
	AssetCriticality float64
	Corroboration    float64
	FalsePositive    float64 // applied to (1 - historical FP rate)
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		MaxReflectionLoops:         3,
		ApprovalTimeout:            15 * time.Minute,
		ApprovalPollInterval:       15 * time.Second,
		AlertPollInterval:          5 * time.Second,
		AlertBatchSize:             10,
		MaxPollErrors:              5,
		WatcherInitialBackoff:      1 * time.Second,
		WatcherMaxBackoff:          30 * time.Second,
		TriageInvestigateThreshold: 0.7,
		TriageSuppressThreshold:    0.4,
		TriageWeights: TriageWeights{
			Severity:         0.4,
			AssetCriticality: 0.3,
			Corroboration:    0.2,
			FalsePositive:    0.1,
		},
		TriageDeadline:         5 * time.Second,
		InvestigationDeadline:  55 * time.Second,
		SweepDeadline:          45 * time.Second,
		PlanningDeadline:       40 * time.Second,
		ExecutorDeadline:       280 * time.Second,
		WorkflowTimeout:        120 * time.Second,
		MonitoringDeadline:     120 * time.Second,
		AnalystDeadline:        120 * time.Second,
		BatchDeadline:          300 * time.Second,
		AnomalyStddevThreshold: 2.0,
		HighConfidenceWindow:   5 * time.Minute,
		SparseResultThreshold:  3,
		HealthScoreThreshold:   0.8,
		BatchSchedule:          "0 2 * * *",
		ToolsDir:               "./deploy/tools",
		PagerDutyURL:           "https://events.pagerduty.com/v2/enqueue",
	}
}

// LoadFromEnv returns the defaults overridden by any set environment
// variables. Malformed values are rejected rather than silently ignored.
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	var err error
	set := func(f func() error) {
		if err == nil {
			err = f()
		}
	}

	set(func() error { return envInt("MAX_REFLECTION_LOOPS", &cfg.MaxReflectionLoops) })
	set(func() error { return envMinutes("APPROVAL_TIMEOUT_MINUTES", &cfg.ApprovalTimeout) })
	set(func() error { return envMillis("APPROVAL_POLL_INTERVAL_MS", &cfg.ApprovalPollInterval) })
	set(func() error { return envMillis("ALERT_POLL_INTERVAL_MS", &cfg.AlertPollInterval) })
	set(func() error { return envInt("ALERT_BATCH_SIZE", &cfg.AlertBatchSize) })
	set(func() error { return envInt("MAX_POLL_ERRORS", &cfg.MaxPollErrors) })
	set(func() error { return envFloat("TRIAGE_INVESTIGATE_THRESHOLD", &cfg.TriageInvestigateThreshold) })
	set(func() error { return envFloat("TRIAGE_SUPPRESS_THRESHOLD", &cfg.TriageSuppressThreshold) })
	set(func() error { return envMillis("TRIAGE_DEADLINE_MS", &cfg.TriageDeadline) })
	set(func() error { return envMillis("INVESTIGATION_DEADLINE_MS", &cfg.InvestigationDeadline) })
	set(func() error { return envMillis("SWEEP_DEADLINE_MS", &cfg.SweepDeadline) })
	set(func() error { return envMillis("PLANNING_DEADLINE_MS", &cfg.PlanningDeadline) })
	set(func() error { return envMillis("EXECUTOR_DEADLINE_MS", &cfg.ExecutorDeadline) })
	set(func() error { return envMillis("WORKFLOW_TIMEOUT_MS", &cfg.WorkflowTimeout) })
	set(func() error { return envMillis("MONITORING_DEADLINE_MS", &cfg.MonitoringDeadline) })
	set(func() error { return envMillis("ANALYST_DEADLINE_MS", &cfg.AnalystDeadline) })
	set(func() error { return envMillis("BATCH_DEADLINE_MS", &cfg.BatchDeadline) })
	set(func() error { return envFloat("ANOMALY_STDDEV_THRESHOLD", &cfg.AnomalyStddevThreshold) })
	set(func() error { return envMinutes("HIGH_CONFIDENCE_WINDOW_MINUTES", &cfg.HighConfidenceWindow) })
	set(func() error { return envInt("SPARSE_RESULT_THRESHOLD", &cfg.SparseResultThreshold) })
	set(func() error { return envFloat("HEALTH_SCORE_THRESHOLD", &cfg.HealthScoreThreshold) })
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("ANALYST_BATCH_SCHEDULE"); v != "" {
		cfg.BatchSchedule = v
	}
	if v := os.Getenv("TOOLS_DIR"); v != "" {
		cfg.ToolsDir = v
	}
	cfg.SlackToken = os.Getenv("SLACK_BOT_TOKEN")
	cfg.SlackChannel = os.Getenv("SLACK_CHANNEL")
	cfg.PagerDutyKey = os.Getenv("PAGERDUTY_ROUTING_KEY")
	if v := os.Getenv("PAGERDUTY_URL"); v != "" {
		cfg.PagerDutyURL = v
	}
	cfg.DashboardURL = os.Getenv("DASHBOARD_URL")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.MaxReflectionLoops < 1 {
		return fmt.Errorf("MAX_REFLECTION_LOOPS must be >= 1, got %d", c.MaxReflectionLoops)
	}
	if c.AlertBatchSize < 1 {
		return fmt.Errorf("ALERT_BATCH_SIZE must be >= 1, got %d", c.AlertBatchSize)
	}
	if c.MaxPollErrors < 1 {
		return fmt.Errorf("MAX_POLL_ERRORS must be >= 1, got %d", c.MaxPollErrors)
	}
	if c.TriageSuppressThreshold > c.TriageInvestigateThreshold {
		return fmt.Errorf("TRIAGE_SUPPRESS_THRESHOLD (%v) must not exceed TRIAGE_INVESTIGATE_THRESHOLD (%v)",
			c.TriageSuppressThreshold, c.TriageInvestigateThreshold)
	}
	if err := c.TriageWeights.Validate(); err != nil {
		return err
	}
	return nil
}

// Validate checks that the weights sum to 1.0 within a small tolerance.
func (w TriageWeights) Validate() error {
	sum := w.Severity + w.AssetCriticality + w.Corroboration + w.FalsePositive
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("triage weights must sum to 1.0, got %v", sum)
	}
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = f
	return nil
}

func envMillis(key string, dst *time.Duration) error {
	var ms int
	if err := envInt(key, &ms); err != nil {
		return err
	}
	if os.Getenv(key) != "" {
		*dst = time.Duration(ms) * time.Millisecond
	}
	return nil
}

func envMinutes(key string, dst *time.Duration) error {
	var m int
	if err := envInt(key, &m); err != nil {
		return err
	}
	if os.Getenv(key) != "" {
		*dst = time.Duration(m) * time.Minute
	}
	return nil
}
