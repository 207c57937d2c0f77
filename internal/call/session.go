package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/callscript/callscript/internal/dialog"
)

// State is the lifecycle phase of a call session.
type State string

const (
	// StateAwaitingConnect waits for the platform to confirm the call.
	StateAwaitingConnect State = "awaiting_connect"
	// StateAwaitingRecognition waits for a recognition outcome on the
	// current node.
	StateAwaitingRecognition State = "awaiting_recognition"
	// StateAwaitingPlayback waits for a prompt playback outcome.
	StateAwaitingPlayback State = "awaiting_playback"
	// StateTerminated is the terminal state; no further commands are issued.
	StateTerminated State = "terminated"
)

// PlaybackPurpose distinguishes why a playback is pending.
type PlaybackPurpose string

const (
	// PurposeSuccess is playback following a successful transition.
	PurposeSuccess PlaybackPurpose = "play-success"
	// PurposeFallback is playback of a timeout/no-match/invalid prompt.
	PurposeFallback PlaybackPurpose = "play-fallback"
)

// Dispositions recorded when a session terminates.
const (
	DispositionCompleted    = "completed"
	DispositionTimeout      = "timeout"
	DispositionNoMatch      = "no-match"
	DispositionInvalidInput = "invalid-input"
	DispositionError        = "error"
)

// Attempt is one applied or discarded event, kept for diagnostics only.
type Attempt struct {
	Kind EventKind
	Tag  string
	At   time.Time
}

// Session is the in-flight state for a single call. At most one interaction
// (recognition or playback) is pending at a time, identified by PendingTag.
//
// The mu field serializes all event processing for the call; the router
// holds it for the duration of each event group so events for the same call
// are never applied concurrently.
type Session struct {
	CallID      string
	State       State
	CurrentNode dialog.NodeID

	// PendingTag is the context tag of the single outstanding interaction.
	// Events whose tag differs are stale and are discarded.
	PendingTag string

	// RetryCount counts failed recognition attempts on the current node.
	RetryCount int

	// Playback bookkeeping, meaningful only in StateAwaitingPlayback.
	PlaybackPurpose PlaybackPurpose
	// PlaybackNext is the step to take once the pending playback completes.
	// Nil means the playback is terminal and the call hangs up.
	PlaybackNext *dialog.NextStep

	// Disposition is set when the session reaches StateTerminated.
	Disposition string

	StartedAt    time.Time
	ConnectedAt  time.Time
	TerminatedAt time.Time

	// History is an ordered log of received events for diagnostics; it is
	// never consulted for control flow.
	History []Attempt

	// Transitions counts applied state transitions.
	Transitions int

	mu sync.Mutex
}

// NewSession creates a session awaiting the platform's connect confirmation.
func NewSession(callID string) *Session {
	return &Session{
		CallID:    callID,
		State:     StateAwaitingConnect,
		StartedAt: time.Now(),
	}
}

// Terminated reports whether the session has reached its terminal state.
func (s *Session) Terminated() bool {
	return s.State == StateTerminated
}

// lifecycle reads the lifecycle fields under the session lock. The store's
// sweep and the metrics scrape go through it so they never observe a
// half-applied transition while the router is processing events.
func (s *Session) lifecycle() (State, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State, s.TerminatedAt
}

func (s *Session) record(ev CallbackEvent) {
	s.History = append(s.History, Attempt{Kind: ev.Kind, Tag: ev.ContextTag, At: ev.Received})
}

// recognizeTag builds the context tag for a pending recognition on a node.
func recognizeTag(id dialog.NodeID) string {
	return fmt.Sprintf("%s:recognize", id)
}

// playTag builds the context tag for a pending playback on a node.
func playTag(id dialog.NodeID, purpose PlaybackPurpose) string {
	return fmt.Sprintf("%s:%s", id, purpose)
}
