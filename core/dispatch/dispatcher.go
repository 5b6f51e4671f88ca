// Package dispatch implements the command state machine: allocating
// command IDs, handing requests to the target node's session, and
// resolving waiters from whichever of (result, timeout) arrives first.
package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetcore/core/codec"
	"fleetcore/core/observability"
	"fleetcore/core/session"
	"fleetcore/core/store"
)

const (
	minTimeoutSeconds     = 1
	maxTimeoutSeconds     = 3600
	defaultTimeoutSeconds = 30
	deadlineGrace         = 2 * time.Second
)

// waiter is the single-shot completion primitive described in §9: the
// first resolver wins, later ones are no-ops. It never exposes a
// shared mutable result behind a lock — only a channel.
type waiter struct {
	done     chan struct{}
	once     sync.Once
	result   store.CommandResult
	status   string
	deadline time.Time
	timer    *time.Timer
}

func newWaiter(deadline time.Time) *waiter {
	return &waiter{done: make(chan struct{}), deadline: deadline}
}

func (w *waiter) resolve(status string, result store.CommandResult) {
	w.once.Do(func() {
		w.status = status
		w.result = result
		close(w.done)
	})
}

// Dispatcher owns every in-flight PendingWaiter and the side effects of
// command submission, delivery, completion, and timeout.
type Dispatcher struct {
	store    store.Store
	registry *session.Registry

	mu      sync.Mutex
	waiters map[string]*waiter
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(s store.Store, reg *session.Registry) *Dispatcher {
	return &Dispatcher{
		store:    s,
		registry: reg,
		waiters:  make(map[string]*waiter),
	}
}

func clampTimeout(seconds int) int {
	if seconds <= 0 {
		return defaultTimeoutSeconds
	}
	if seconds < minTimeoutSeconds {
		return minTimeoutSeconds
	}
	if seconds > maxTimeoutSeconds {
		return maxTimeoutSeconds
	}
	return seconds
}

// Submit allocates a command_id, persists the pending record, registers
// a waiter, and attempts delivery to the target node's session. It
// returns the created record immediately; callers that want to block
// for completion should use Wait.
func (d *Dispatcher) Submit(ctx context.Context, nodeID, commandText string, timeoutSeconds int) (*store.CommandRecord, error) {
	timeoutSeconds = clampTimeout(timeoutSeconds)
	now := time.Now().UTC()

	rec := &store.CommandRecord{
		CommandID:      uuid.NewString(),
		TargetNodeID:   nodeID,
		CommandText:    commandText,
		TimeoutSeconds: timeoutSeconds,
		Status:         store.CommandPending,
		CreatedAt:      now,
	}
	if err := d.store.CreateCommand(ctx, rec); err != nil {
		observability.StoreErrors.WithLabelValues("create_command").Inc()
		return nil, err
	}

	deadline := now.Add(time.Duration(timeoutSeconds)*time.Second + deadlineGrace)
	w := newWaiter(deadline)
	d.mu.Lock()
	d.waiters[rec.CommandID] = w
	d.mu.Unlock()
	w.timer = time.AfterFunc(time.Until(deadline), func() { d.timeout(rec.CommandID) })

	env, err := codec.NewEnvelope(codec.TypeExecuteCommand, codec.ExecuteCommandPayload{
		CommandID:      rec.CommandID,
		CommandText:    commandText,
		TimeoutSeconds: timeoutSeconds,
	})
	if err != nil {
		return nil, err
	}
	frame, err := codec.Encode(env)
	if err != nil {
		return nil, err
	}

	if sendErr := d.registry.SendTo(nodeID, frame); sendErr != nil {
		d.markUndeliverable(ctx, rec.CommandID)
		rec.Status = store.CommandUndeliverable
		observability.CommandsDispatched.WithLabelValues(store.CommandUndeliverable).Inc()
		return rec, nil
	}

	observability.CommandsDispatched.WithLabelValues("running").Inc()
	return rec, nil
}

// HandleStarted transitions a command to running on receipt of
// command_started from the agent.
func (d *Dispatcher) HandleStarted(ctx context.Context, commandID string) {
	now := time.Now().UTC()
	if err := d.store.TransitionCommand(ctx, commandID, store.CommandRunning, now); err != nil {
		log.Printf("dispatch: transition %s to running failed: %v", commandID, err)
	}
}

// HandleResult resolves the waiter for commandID (if still pending),
// attaches the result, and transitions to success/failed by exit code.
// A late result for an already-terminal command is logged and
// discarded, matching §4.6's "late-arriving command_result" rule.
func (d *Dispatcher) HandleResult(ctx context.Context, commandID string, result store.CommandResult) {
	status := store.CommandSuccess
	if result.ExitCode != 0 {
		status = store.CommandFailed
	}

	d.mu.Lock()
	w, ok := d.waiters[commandID]
	d.mu.Unlock()
	if !ok {
		log.Printf("dispatch: late command_result for unknown/terminal command %s discarded", commandID)
		return
	}

	select {
	case <-w.done:
		log.Printf("dispatch: late command_result for already-resolved command %s discarded", commandID)
		return
	default:
	}

	w.resolve(status, result)
	if w.timer != nil {
		w.timer.Stop()
	}
	now := time.Now().UTC()
	if err := d.store.AttachResult(ctx, commandID, result, status, now); err != nil {
		log.Printf("dispatch: attach result for %s failed: %v", commandID, err)
	}
	observability.CommandsDispatched.WithLabelValues(status).Inc()
	d.cleanup(commandID, now)
}

func (d *Dispatcher) timeout(commandID string) {
	d.mu.Lock()
	w, ok := d.waiters[commandID]
	d.mu.Unlock()
	if !ok {
		return
	}

	select {
	case <-w.done:
		return
	default:
	}

	synthetic := store.CommandResult{
		ExitCode:        -1,
		Stderr:          "timed out",
		ExecutionTimeMs: time.Since(w.deadline.Add(-deadlineGrace)).Milliseconds(),
	}
	w.resolve(store.CommandTimeout, synthetic)

	ctx := context.Background()
	now := time.Now().UTC()
	if err := d.store.AttachResult(ctx, commandID, synthetic, store.CommandTimeout, now); err != nil {
		log.Printf("dispatch: attach timeout result for %s failed: %v", commandID, err)
	}
	observability.CommandsDispatched.WithLabelValues(store.CommandTimeout).Inc()
	d.cleanup(commandID, now)
}

// markUndeliverable resolves the waiter (if any) and transitions the
// persisted record straight to undeliverable. Unlike HandleResult and
// timeout, there is no CommandResult to attach — the command never
// reached the node — so this goes through TransitionCommand rather
// than AttachResult and leaves started_at/completed_at both nil,
// matching spec.md §3's invariant that completed_at is set only for
// the three terminal states that carry a result.
func (d *Dispatcher) markUndeliverable(ctx context.Context, commandID string) {
	d.mu.Lock()
	w, ok := d.waiters[commandID]
	d.mu.Unlock()
	if ok {
		w.resolve(store.CommandUndeliverable, store.CommandResult{})
		if w.timer != nil {
			w.timer.Stop()
		}
	}
	now := time.Now().UTC()
	if err := d.store.TransitionCommand(ctx, commandID, store.CommandUndeliverable, now); err != nil {
		log.Printf("dispatch: transition %s to undeliverable failed: %v", commandID, err)
	}
	d.cleanup(commandID, now)
}

func (d *Dispatcher) cleanup(commandID string, now time.Time) {
	d.mu.Lock()
	delete(d.waiters, commandID)
	d.mu.Unlock()
	_ = now
}

// Wait blocks until commandID reaches a terminal status or ctx is
// cancelled, returning the result. Used by REST handlers that choose to
// block rather than poll.
func (d *Dispatcher) Wait(ctx context.Context, commandID string) (string, store.CommandResult, bool) {
	d.mu.Lock()
	w, ok := d.waiters[commandID]
	d.mu.Unlock()
	if !ok {
		return "", store.CommandResult{}, false
	}
	select {
	case <-w.done:
		return w.status, w.result, true
	case <-ctx.Done():
		return "", store.CommandResult{}, false
	}
}
