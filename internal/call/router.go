package call

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DispositionRecord summarizes a finished call for the call log.
type DispositionRecord struct {
	CallID      string
	Disposition string
	FinalNode   string
	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
	Transitions int
}

// DispositionRecorder persists a record when a session terminates. The
// sqlite call log implements it; tests use in-memory fakes.
type DispositionRecorder interface {
	Record(ctx context.Context, rec DispositionRecord) error
}

// Router demultiplexes inbound event batches by call identifier and drives
// each owning session through the state machine. Events for the same call
// are applied strictly in batch order under the session's lock; events for
// different calls proceed in parallel.
type Router struct {
	machine  *Machine
	store    *Store
	exec     Executor
	recorder DispositionRecorder
	logger   *slog.Logger

	applied atomic.Uint64
	stale   atomic.Uint64
}

// NewRouter creates a router. recorder may be nil if no call log is
// configured.
func NewRouter(machine *Machine, store *Store, exec Executor, recorder DispositionRecorder, logger *slog.Logger) *Router {
	return &Router{
		machine:  machine,
		store:    store,
		exec:     exec,
		recorder: recorder,
		logger:   logger.With("subsystem", "event_router"),
	}
}

// StartCall registers a session for an outbound call that the platform has
// been asked to place. The session waits in AwaitingConnect until the
// connect confirmation arrives through the callback path.
func (r *Router) StartCall(callID string) error {
	_, err := r.store.Create(callID)
	if err != nil {
		return err
	}
	r.logger.Info("outbound session created", "call_id", callID)
	return nil
}

// Dispatch routes a batch of events. It groups events by call ID while
// preserving the batch's arrival order within each group, then processes
// the groups concurrently. Dispatch returns once every event in the batch
// has been applied and its commands issued.
func (r *Router) Dispatch(ctx context.Context, events []CallbackEvent) {
	if len(events) == 0 {
		return
	}

	order := make([]string, 0, len(events))
	groups := make(map[string][]CallbackEvent)
	for _, ev := range events {
		if ev.CallID == "" {
			continue
		}
		if _, ok := groups[ev.CallID]; !ok {
			order = append(order, ev.CallID)
		}
		groups[ev.CallID] = append(groups[ev.CallID], ev)
	}

	var wg sync.WaitGroup
	for _, callID := range order {
		wg.Add(1)
		go func(callID string, evs []CallbackEvent) {
			defer wg.Done()
			r.deliver(ctx, callID, evs)
		}(callID, groups[callID])
	}
	wg.Wait()
}

// deliver applies a call's slice of the batch under the session lock, so
// no two events for the same call are ever processed concurrently. A session
// is created lazily only when the group carries a connect confirmation;
// anything else for an unknown call ID is a trailing duplicate of an evicted
// session (or garbage) and is discarded as stale, so unknown IDs cannot
// accumulate sessions stuck in AwaitingConnect.
func (r *Router) deliver(ctx context.Context, callID string, events []CallbackEvent) {
	sess, ok := r.store.Get(callID)
	if !ok {
		if !hasConnect(events) {
			r.stale.Add(uint64(len(events)))
			r.logger.Debug("discarded events for unknown call", "call_id", callID, "count", len(events))
			return
		}
		var created bool
		sess, created = r.store.GetOrCreate(callID)
		if created {
			r.logger.Info("session created from inbound connect", "call_id", callID)
		}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	for _, ev := range events {
		r.applyLocked(ctx, sess, ev)
	}
}

// applyLocked runs one event through the machine and executes the
// resulting commands. Transport failures are fed back as the matching
// failure event and processed in the same critical section, so the session
// always progresses to hang-up. The queue is bounded: every synthetic
// failure moves the machine strictly toward termination.
func (r *Router) applyLocked(ctx context.Context, sess *Session, ev CallbackEvent) {
	queue := []CallbackEvent{ev}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		wasTerminated := sess.Terminated()
		cmds, applied := r.machine.Apply(sess, next)
		if !applied {
			r.stale.Add(1)
			continue
		}
		r.applied.Add(1)

		// State is committed before any command is dispatched; a
		// concurrently arriving duplicate now observes the new state.
		for _, cmd := range cmds {
			if err := r.execute(ctx, cmd); err != nil {
				r.logger.Warn("command rejected by transport",
					"call_id", sess.CallID,
					"command", cmd.Kind,
					"tag", cmd.ContextTag,
					"error", err,
				)
				if fail, ok := syntheticFailure(cmd); ok {
					queue = append(queue, fail)
				}
			}
		}

		if sess.Terminated() && !wasTerminated {
			r.recordDisposition(ctx, sess)
		}
	}
}

func (r *Router) execute(ctx context.Context, cmd Command) error {
	switch cmd.Kind {
	case CommandStartRecognition:
		return r.exec.StartRecognition(ctx, cmd.CallID, cmd.Node, cmd.Prompt, cmd.ContextTag)
	case CommandPlayPrompt:
		return r.exec.PlayPrompt(ctx, cmd.CallID, cmd.Prompt, cmd.ContextTag)
	case CommandHangUp:
		return r.exec.HangUp(ctx, cmd.CallID)
	default:
		r.logger.Error("unknown command kind", "kind", cmd.Kind)
		return nil
	}
}

// hasConnect reports whether any event in the group is a connect
// confirmation.
func hasConnect(events []CallbackEvent) bool {
	for _, ev := range events {
		if ev.Kind == EventConnectConfirmed {
			return true
		}
	}
	return false
}

// syntheticFailure maps a rejected command to the failure event the
// platform would have delivered had the command started and then failed.
// A rejected hang-up has no follow-up; the session is already terminal.
func syntheticFailure(cmd Command) (CallbackEvent, bool) {
	switch cmd.Kind {
	case CommandStartRecognition:
		return CallbackEvent{
			CallID:     cmd.CallID,
			ContextTag: cmd.ContextTag,
			Kind:       EventRecognitionFailed,
			Reason:     ReasonTransport,
			Received:   time.Now(),
		}, true
	case CommandPlayPrompt:
		return CallbackEvent{
			CallID:     cmd.CallID,
			ContextTag: cmd.ContextTag,
			Kind:       EventPlaybackFailed,
			Received:   time.Now(),
		}, true
	default:
		return CallbackEvent{}, false
	}
}

func (r *Router) recordDisposition(ctx context.Context, sess *Session) {
	if r.recorder == nil {
		return
	}
	rec := DispositionRecord{
		CallID:      sess.CallID,
		Disposition: sess.Disposition,
		FinalNode:   string(sess.CurrentNode),
		StartedAt:   sess.StartedAt,
		ConnectedAt: sess.ConnectedAt,
		EndedAt:     sess.TerminatedAt,
		Transitions: sess.Transitions,
	}
	if err := r.recorder.Record(ctx, rec); err != nil {
		r.logger.Error("failed to record call disposition",
			"call_id", sess.CallID,
			"error", err,
		)
	}
}

// EventStats returns the number of applied and discarded (stale/duplicate)
// events since the process started.
func (r *Router) EventStats() (applied, stale uint64) {
	return r.applied.Load(), r.stale.Load()
}
