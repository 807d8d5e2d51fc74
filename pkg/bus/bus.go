// Package bus is the in-process A2A transport: a registry of logical agent
// ids to handlers. The bus validates envelope shape, enforces the per-call
// timeout, and otherwise never interprets payloads. It does not retry;
// retry is the caller's choice.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arome3/vigil/pkg/async"
	"github.com/arome3/vigil/pkg/contracts"
)

// ErrNoSuchAgent is returned when the target agent id has no handler.
var ErrNoSuchAgent = errors.New("no such agent")

// Handler processes one validated envelope and returns the response payload.
type Handler func(ctx context.Context, env *contracts.Envelope) (map[string]any, error)

// Bus routes envelopes to registered handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[string]Handler),
		logger:   slog.Default().With("component", "a2a-bus"),
	}
}

// Register binds an agent id to a handler. Re-registering replaces the
// previous handler (used by tests to stub agents).
func (b *Bus) Register(agentID string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[agentID] = h
}

// Registered reports whether an agent id has a handler.
func (b *Bus) Registered(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.handlers[agentID]
	return ok
}

// Send validates the envelope, resolves the target, and invokes its handler
// under the supplied timeout.
func (b *Bus) Send(ctx context.Context, env *contracts.Envelope, timeout time.Duration) (map[string]any, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	handler, ok := b.handlers[env.ToAgent]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchAgent, env.ToAgent)
	}

	started := time.Now()
	resp, err := async.WithDeadline(ctx, timeout, func(ctx context.Context) (map[string]any, error) {
		return handler(ctx, env)
	})
	if err != nil {
		b.logger.Warn("A2A call failed",
			"to_agent", env.ToAgent,
			"from_agent", env.FromAgent,
			"correlation_id", env.CorrelationID,
			"elapsed_ms", time.Since(started).Milliseconds(),
			"error", err)
		return nil, err
	}
	return resp, nil
}

// Call is the common send path: it wraps payload in a fresh envelope from
// the given sender and dispatches it.
func (b *Bus) Call(ctx context.Context, from, to, correlationID string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	return b.Send(ctx, contracts.NewEnvelope(from, to, correlationID, payload), timeout)
}
