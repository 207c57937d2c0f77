package call

import (
	"log/slog"
	"time"

	"github.com/callscript/callscript/internal/dialog"
	"github.com/callscript/callscript/internal/prompt"
)

// Machine computes session transitions. Apply is a pure function of the
// session state, the shared conversation tree, and one inbound event; all
// I/O happens in the Executor after the new state is committed.
type Machine struct {
	tree   *dialog.Tree
	logger *slog.Logger
}

// NewMachine creates a state machine over a validated conversation tree.
func NewMachine(tree *dialog.Tree, logger *slog.Logger) *Machine {
	return &Machine{
		tree:   tree,
		logger: logger.With("subsystem", "state_machine"),
	}
}

// Apply routes one event into the session and returns the commands to
// issue. The second return value is false when the event was stale or a
// duplicate: the session is unchanged and no commands are emitted.
// Duplicate delivery is expected (the platform is at-least-once) and is
// never an error.
func (m *Machine) Apply(sess *Session, ev CallbackEvent) ([]Command, bool) {
	sess.record(ev)

	if sess.Terminated() {
		m.logger.Debug("event after termination discarded",
			"call_id", sess.CallID,
			"kind", ev.Kind,
			"tag", ev.ContextTag,
		)
		return nil, false
	}

	if ev.Kind == EventConnectConfirmed {
		if sess.State != StateAwaitingConnect {
			m.logDiscard(sess, ev)
			return nil, false
		}
		sess.ConnectedAt = ev.Received
		root, ok := m.tree.Node(m.tree.Root)
		if !ok {
			return m.forceTerminate(sess), true
		}
		return m.enterNode(sess, root), true
	}

	// Every other event must match the single outstanding interaction.
	if ev.ContextTag != sess.PendingTag {
		m.logDiscard(sess, ev)
		return nil, false
	}

	switch sess.State {
	case StateAwaitingRecognition:
		switch ev.Kind {
		case EventRecognitionSucceeded:
			return m.recognitionSucceeded(sess, ev), true
		case EventRecognitionFailed:
			return m.recognitionFailed(sess, ev), true
		}
	case StateAwaitingPlayback:
		switch ev.Kind {
		case EventPlaybackSucceeded, EventPlaybackFailed:
			return m.playbackFinished(sess, ev), true
		}
	}

	// Event kind does not fit the pending interaction.
	m.logDiscard(sess, ev)
	return nil, false
}

func (m *Machine) recognitionSucceeded(sess *Session, ev CallbackEvent) []Command {
	node, ok := m.tree.Node(sess.CurrentNode)
	if !ok {
		return m.forceTerminate(sess)
	}

	label, resolved := node.ResolveLabel(ev.Label, ev.Phrase)
	if !resolved {
		m.logger.Info("unresolved recognition label",
			"call_id", sess.CallID,
			"node_id", node.ID,
			"label", ev.Label,
			"phrase", ev.Phrase,
		)
		sess.Disposition = DispositionInvalidInput
		return m.fallbackPlayback(sess, node, m.tree.Fallbacks.InvalidInput, nil)
	}

	m.logger.Info("recognition matched",
		"call_id", sess.CallID,
		"node_id", node.ID,
		"label", label,
	)
	step := node.Transitions[label]
	return m.enterStep(sess, node.ID, step)
}

func (m *Machine) recognitionFailed(sess *Session, ev CallbackEvent) []Command {
	node, ok := m.tree.Node(sess.CurrentNode)
	if !ok {
		return m.forceTerminate(sess)
	}

	// Re-issue the same recognition while the retry budget lasts. The
	// pending interaction is logically unchanged, so the tag stays.
	if sess.RetryCount < node.RetryBudget {
		sess.RetryCount++
		sess.Transitions++
		m.logger.Info("recognition retry",
			"call_id", sess.CallID,
			"node_id", node.ID,
			"attempt", sess.RetryCount+1,
			"budget", node.RetryBudget,
		)
		return []Command{m.recognitionCommand(sess, node)}
	}

	var promptID prompt.ID
	switch ev.Reason {
	case ReasonSilenceTimeout:
		sess.Disposition = DispositionTimeout
		promptID = m.tree.Fallbacks.Timeout
	default:
		// No-match, tone mismatch, and transport rejections all read the
		// same to the caller: their input went nowhere.
		sess.Disposition = DispositionNoMatch
		promptID = m.tree.Fallbacks.NoMatch
	}

	m.logger.Info("recognition failed",
		"call_id", sess.CallID,
		"node_id", node.ID,
		"reason", ev.Reason,
		"retries", sess.RetryCount,
	)

	var next *dialog.NextStep
	if !node.Fallback.IsZero() {
		fb := node.Fallback
		next = &fb
	}
	return m.fallbackPlayback(sess, node, promptID, next)
}

func (m *Machine) playbackFinished(sess *Session, ev CallbackEvent) []Command {
	if ev.Kind == EventPlaybackFailed {
		// An unplayed message must not strand the call: failure proceeds
		// exactly like success, ending in hang-up on terminal playback.
		m.logger.Warn("playback failed, continuing",
			"call_id", sess.CallID,
			"node_id", sess.CurrentNode,
			"purpose", sess.PlaybackPurpose,
		)
	}

	if sess.PlaybackNext == nil {
		return m.terminate(sess)
	}
	next := *sess.PlaybackNext
	return m.enterStep(sess, sess.CurrentNode, next)
}

// enterStep applies a NextStep: either walk into another node or schedule
// the terminal prompt.
func (m *Machine) enterStep(sess *Session, from dialog.NodeID, step dialog.NextStep) []Command {
	switch step.Kind {
	case dialog.StepGoTo:
		node, ok := m.tree.Node(step.Node)
		if !ok {
			return m.forceTerminate(sess)
		}
		return m.enterNode(sess, node)
	case dialog.StepTerminal:
		src, ok := m.tree.Catalog.Resolve(step.Prompt)
		if !ok {
			return m.forceTerminate(sess)
		}
		if sess.Disposition == "" {
			sess.Disposition = DispositionCompleted
		}
		sess.State = StateAwaitingPlayback
		sess.PlaybackPurpose = PurposeSuccess
		sess.PlaybackNext = nil
		sess.PendingTag = playTag(from, PurposeSuccess)
		sess.CurrentNode = from
		sess.Transitions++
		return []Command{{
			Kind:       CommandPlayPrompt,
			CallID:     sess.CallID,
			Prompt:     src,
			ContextTag: sess.PendingTag,
		}}
	default:
		// A zero step ends the call without a further prompt.
		return m.terminate(sess)
	}
}

// enterNode moves the session onto a node and emits the command that opens
// its interaction. RetryCount resets on every successful node entry.
func (m *Machine) enterNode(sess *Session, node *dialog.Node) []Command {
	sess.CurrentNode = node.ID
	sess.RetryCount = 0
	sess.Transitions++

	if node.Recognizes() {
		sess.State = StateAwaitingRecognition
		sess.PendingTag = recognizeTag(node.ID)
		return []Command{m.recognitionCommand(sess, node)}
	}

	src, ok := m.tree.Catalog.Resolve(node.Prompt)
	if !ok {
		return m.forceTerminate(sess)
	}
	sess.State = StateAwaitingPlayback
	sess.PlaybackPurpose = PurposeSuccess
	sess.PendingTag = playTag(node.ID, PurposeSuccess)
	if node.Next.IsZero() {
		sess.PlaybackNext = nil
	} else {
		next := node.Next
		sess.PlaybackNext = &next
	}
	return []Command{{
		Kind:       CommandPlayPrompt,
		CallID:     sess.CallID,
		Prompt:     src,
		ContextTag: sess.PendingTag,
	}}
}

// fallbackPlayback schedules a timeout/no-match/invalid prompt. When next
// is nil the playback is terminal and the call hangs up afterwards.
func (m *Machine) fallbackPlayback(sess *Session, node *dialog.Node, promptID prompt.ID, next *dialog.NextStep) []Command {
	src, ok := m.tree.Catalog.Resolve(promptID)
	if !ok {
		return m.forceTerminate(sess)
	}
	sess.State = StateAwaitingPlayback
	sess.PlaybackPurpose = PurposeFallback
	sess.PlaybackNext = next
	sess.PendingTag = playTag(node.ID, PurposeFallback)
	sess.Transitions++
	return []Command{{
		Kind:       CommandPlayPrompt,
		CallID:     sess.CallID,
		Prompt:     src,
		ContextTag: sess.PendingTag,
	}}
}

func (m *Machine) recognitionCommand(sess *Session, node *dialog.Node) Command {
	src, _ := m.tree.Catalog.Resolve(node.Prompt)
	return Command{
		Kind:       CommandStartRecognition,
		CallID:     sess.CallID,
		Node:       node,
		Prompt:     src,
		ContextTag: sess.PendingTag,
	}
}

// terminate moves the session to its terminal state and emits the hang-up.
func (m *Machine) terminate(sess *Session) []Command {
	if sess.Disposition == "" {
		sess.Disposition = DispositionCompleted
	}
	sess.State = StateTerminated
	sess.PendingTag = ""
	sess.PlaybackNext = nil
	sess.TerminatedAt = time.Now()
	sess.Transitions++
	m.logger.Info("session terminated",
		"call_id", sess.CallID,
		"disposition", sess.Disposition,
		"transitions", sess.Transitions,
	)
	return []Command{{Kind: CommandHangUp, CallID: sess.CallID}}
}

// forceTerminate handles states that should be unreachable (a dangling node
// reference, an unresolvable prompt). The session is hung up rather than
// left inconsistent.
func (m *Machine) forceTerminate(sess *Session) []Command {
	m.logger.Error("invariant violation, force-terminating session",
		"call_id", sess.CallID,
		"state", sess.State,
		"node_id", sess.CurrentNode,
	)
	sess.Disposition = DispositionError
	return m.terminate(sess)
}

func (m *Machine) logDiscard(sess *Session, ev CallbackEvent) {
	m.logger.Debug("stale or duplicate event discarded",
		"call_id", sess.CallID,
		"kind", ev.Kind,
		"tag", ev.ContextTag,
		"pending_tag", sess.PendingTag,
		"state", sess.State,
	)
}
