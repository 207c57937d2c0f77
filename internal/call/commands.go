package call

import (
	"context"

	"github.com/callscript/callscript/internal/dialog"
	"github.com/callscript/callscript/internal/prompt"
)

// CommandKind identifies a side-effecting command emitted by the state
// machine.
type CommandKind string

const (
	// CommandStartRecognition asks the platform to play a prompt and
	// classify the caller's response.
	CommandStartRecognition CommandKind = "start_recognition"
	// CommandPlayPrompt asks the platform to play a prompt to the call.
	CommandPlayPrompt CommandKind = "play_prompt"
	// CommandHangUp asks the platform to terminate the call.
	CommandHangUp CommandKind = "hang_up"
)

// Command is an instruction for the Command Executor. The state machine
// emits commands only after the session's new state has been committed, so
// a late duplicate of the triggering event observes the post-transition
// state and is discarded.
type Command struct {
	Kind   CommandKind
	CallID string

	// Node carries the recognition spec for CommandStartRecognition.
	Node *dialog.Node

	// Prompt is the resolved prompt source for recognition and playback
	// commands.
	Prompt prompt.Source

	// ContextTag correlates the command with the callback event(s) it will
	// produce. Empty for CommandHangUp.
	ContextTag string
}

// Executor issues commands against the external call-control transport.
// The transport owns retries of its own failures; a command error returned
// here is treated as a definitive failure of that interaction and is fed
// back into the state machine as the matching failure event.
//
// The interface lives in this package so the platform client can depend on
// call without a cycle.
type Executor interface {
	// StartRecognition plays the node's prompt and starts choice or digit
	// recognition on the call.
	StartRecognition(ctx context.Context, callID string, node *dialog.Node, src prompt.Source, contextTag string) error

	// PlayPrompt plays a prompt to all participants on the call.
	PlayPrompt(ctx context.Context, callID string, src prompt.Source, contextTag string) error

	// HangUp terminates the call for everyone.
	HangUp(ctx context.Context, callID string) error
}
