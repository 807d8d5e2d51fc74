package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arome3/vigil/pkg/store"
)

// ErrConcurrencyConflict is returned when an optimistic-concurrency commit
// still conflicts after the retry budget is spent.
var ErrConcurrencyConflict = errors.New("incident update conflicted after retries")

// InvalidTransitionError reports an attempted transition with no edge in the
// transition table.
type InvalidTransitionError struct {
	IncidentID string
	From, To   Status
	Allowed    []Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("incident %s: transition %s -> %s not permitted (allowed: %v)",
		e.IncidentID, e.From, e.To, e.Allowed)
}

// GuardDeniedError reports a transition blocked by its guard with no
// redirect available.
type GuardDeniedError struct {
	IncidentID string
	From, To   Status
	Reason     string
}

func (e *GuardDeniedError) Error() string {
	return fmt.Sprintf("incident %s: transition %s -> %s denied: %s",
		e.IncidentID, e.From, e.To, e.Reason)
}

// TerminalHook runs after a terminal transition commits. Hooks run
// asynchronously; panics are caught and logged.
type TerminalHook func(inc *Incident)

// Machine drives incident state transitions: table lookup, guard
// evaluation, optimistic-concurrency commit, audit emission, and
// terminal-state hooks.
type Machine struct {
	store   store.Store
	auditor *Auditor
	guards  map[edge]Guard
	cfg     GuardConfig
	logger  *slog.Logger
	clock   func() time.Time
	hooks   []TerminalHook
}

// NewMachine creates a state machine over the given store.
func NewMachine(st store.Store, auditor *Auditor, cfg GuardConfig) *Machine {
	return &Machine{
		store:   st,
		auditor: auditor,
		guards:  buildGuards(cfg),
		cfg:     cfg,
		logger:  slog.Default().With("component", "statemachine"),
		clock:   time.Now,
	}
}

// OnTerminal registers a hook invoked after each terminal transition.
func (m *Machine) OnTerminal(h TerminalHook) {
	m.hooks = append(m.hooks, h)
}

// Create persists a new incident in the detected state. The incident id and
// created_at are filled in if unset.
func (m *Machine) Create(ctx context.Context, inc *Incident) error {
	now := m.clock().UTC()
	if inc.IncidentID == "" {
		inc.IncidentID = NewIncidentID(now)
	}
	if inc.CreatedAt == "" {
		inc.CreatedAt = now.Format(time.RFC3339Nano)
	}
	if inc.Status == "" {
		inc.Status = StatusDetected
	}
	if inc.StateTimestamps == nil {
		inc.StateTimestamps = map[string]string{}
	}
	if _, ok := inc.StateTimestamps[string(inc.Status)]; !ok {
		inc.StateTimestamps[string(inc.Status)] = now.Format(time.RFC3339Nano)
	}
	if err := m.store.Create(ctx, store.IndexIncidents, inc.IncidentID, inc.ToDoc()); err != nil {
		return fmt.Errorf("create incident %s: %w", inc.IncidentID, err)
	}
	m.logger.Info("Incident created",
		"incident_id", inc.IncidentID,
		"alert_id", inc.AlertID,
		"source", inc.Source)
	return nil
}

// Get reads an incident by id.
func (m *Machine) Get(ctx context.Context, incidentID string) (*Incident, error) {
	res, err := m.store.Get(ctx, store.IndexIncidents, incidentID)
	if err != nil {
		return nil, err
	}
	return FromDoc(res.Source)
}

// Transition moves the incident to newStatus, merging metadata into the
// document. It returns the incident as committed. A guard may redirect the
// transition to a different legal successor; the returned incident's Status
// reflects where it actually landed.
func (m *Machine) Transition(ctx context.Context, incidentID string, newStatus Status, meta map[string]any) (*Incident, error) {
	started := m.clock()

	var committed *Incident
	var from Status
	for attempt := 0; ; attempt++ {
		res, err := m.store.Get(ctx, store.IndexIncidents, incidentID)
		if err != nil {
			return nil, err
		}
		inc, err := FromDoc(res.Source)
		if err != nil {
			return nil, err
		}
		from = inc.Status

		target, err := m.resolveTarget(inc, newStatus, meta)
		if err != nil {
			return nil, err
		}

		doc := m.applyPatch(res.Source, inc, target, meta)

		err = m.store.Update(ctx, store.IndexIncidents, incidentID, doc, res.SeqNo, res.PrimaryTerm)
		if err == nil {
			committed, err = FromDoc(doc)
			if err != nil {
				return nil, err
			}
			break
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("update incident %s: %w", incidentID, err)
		}
		if attempt >= 2 {
			return nil, fmt.Errorf("incident %s: %w", incidentID, ErrConcurrencyConflict)
		}
		m.logger.Warn("Incident update conflicted, retrying",
			"incident_id", incidentID,
			"attempt", attempt+1)
	}

	m.auditor.RecordTransition(ctx, incidentID, from, committed.Status, started)
	m.logger.Info("Incident transitioned",
		"incident_id", incidentID,
		"from", from,
		"to", committed.Status)

	// Reflection limit: entering reflecting at or past the loop budget
	// escalates immediately through the normal reflecting -> escalated edge.
	if committed.Status == StatusReflecting && committed.ReflectionCount >= m.cfg.MaxReflectionLoops {
		return m.Transition(ctx, incidentID, StatusEscalated, map[string]any{
			"escalation_reason": fmt.Sprintf("reflection limit reached (%d loops)", m.cfg.MaxReflectionLoops),
		})
	}

	if committed.Status.IsTerminal() {
		m.runTerminalHooks(committed)
	}
	return committed, nil
}

// resolveTarget validates the edge and evaluates its guard, following at
// most one redirect.
func (m *Machine) resolveTarget(inc *Incident, target Status, meta map[string]any) (Status, error) {
	allowed := Transitions[inc.Status]
	if !contains(allowed, target) {
		return "", &InvalidTransitionError{IncidentID: inc.IncidentID, From: inc.Status, To: target, Allowed: allowed}
	}

	guard, ok := m.guards[edge{inc.Status, target}]
	if !ok {
		return target, nil
	}
	res := guard(inc, meta)
	if res.Allowed {
		return target, nil
	}
	if res.RedirectTo == "" {
		return "", &GuardDeniedError{IncidentID: inc.IncidentID, From: inc.Status, To: target, Reason: res.Reason}
	}
	if !contains(allowed, res.RedirectTo) {
		return "", &GuardDeniedError{IncidentID: inc.IncidentID, From: inc.Status, To: target,
			Reason: fmt.Sprintf("%s (redirect %s not a legal successor)", res.Reason, res.RedirectTo)}
	}
	m.logger.Info("Guard redirected transition",
		"incident_id", inc.IncidentID,
		"from", inc.Status,
		"requested", target,
		"redirected_to", res.RedirectTo,
		"reason", res.Reason)

	if g, ok := m.guards[edge{inc.Status, res.RedirectTo}]; ok {
		if r := g(inc, meta); !r.Allowed {
			return "", &GuardDeniedError{IncidentID: inc.IncidentID, From: inc.Status, To: res.RedirectTo, Reason: r.Reason}
		}
	}
	return res.RedirectTo, nil
}

// applyPatch composes the committed document: status, updated_at, merged
// metadata, first-entry state timestamps, reflection counting, and terminal
// bookkeeping.
func (m *Machine) applyPatch(src store.Doc, inc *Incident, target Status, meta map[string]any) store.Doc {
	now := m.clock().UTC()
	nowStr := now.Format(time.RFC3339Nano)

	doc := store.Doc{}
	for k, v := range src {
		doc[k] = v
	}
	for k, v := range meta {
		doc[k] = v
	}
	doc["status"] = string(target)
	doc["updated_at"] = nowStr

	stamps := map[string]string{}
	if raw, ok := doc["_state_timestamps"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				stamps[k] = s
			}
		}
	} else if raw, ok := doc["_state_timestamps"].(map[string]string); ok {
		for k, v := range raw {
			stamps[k] = v
		}
	}
	if _, seen := stamps[string(target)]; !seen {
		stamps[string(target)] = nowStr
	}
	doc["_state_timestamps"] = stamps

	if target == StatusReflecting {
		doc["reflection_count"] = inc.ReflectionCount + 1
	}

	if target.IsTerminal() {
		doc["resolved_at"] = nowStr
		if _, ok := doc["resolution_type"]; !ok || doc["resolution_type"] == "" {
			doc["resolution_type"] = resolutionFor(target)
		}
		doc["total_duration_seconds"] = totalDuration(inc.CreatedAt, now)
	}
	return doc
}

// totalDuration returns seconds from createdAt to now, floored at zero for
// clock skew.
func totalDuration(createdAt string, now time.Time) float64 {
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return 0
	}
	d := now.Sub(created).Seconds()
	if d < 0 {
		return 0
	}
	return d
}

func (m *Machine) runTerminalHooks(inc *Incident) {
	for _, h := range m.hooks {
		go func(hook TerminalHook) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Terminal hook panicked",
						"incident_id", inc.IncidentID,
						"panic", r)
				}
			}()
			hook(inc)
		}(h)
	}
}

func contains(set []Status, s Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
