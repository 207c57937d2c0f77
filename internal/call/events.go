package call

import "time"

// EventKind identifies a normalized callback event from the call-control
// platform.
type EventKind string

const (
	// EventConnectConfirmed signals the platform has connected the call.
	EventConnectConfirmed EventKind = "connect_confirmed"
	// EventRecognitionSucceeded carries a classified recognition result.
	EventRecognitionSucceeded EventKind = "recognition_succeeded"
	// EventRecognitionFailed signals recognition ended without a result.
	EventRecognitionFailed EventKind = "recognition_failed"
	// EventPlaybackSucceeded signals a prompt finished playing.
	EventPlaybackSucceeded EventKind = "playback_succeeded"
	// EventPlaybackFailed signals a prompt could not be played.
	EventPlaybackFailed EventKind = "playback_failed"
)

// FailureReason classifies why a recognition attempt failed.
type FailureReason string

const (
	// ReasonSilenceTimeout means no input arrived before the silence timeout.
	ReasonSilenceTimeout FailureReason = "silence_timeout"
	// ReasonNoMatch means spoken input did not match any choice phrase.
	ReasonNoMatch FailureReason = "no_match"
	// ReasonToneMismatch means a DTMF tone did not match any choice binding.
	ReasonToneMismatch FailureReason = "tone_mismatch"
	// ReasonTransport means the platform rejected the command outright.
	ReasonTransport FailureReason = "transport"
)

// CallbackEvent is the normalized shape of an inbound platform event. The
// boundary layer translates transport payloads into this form; malformed
// payloads never reach the state machine.
type CallbackEvent struct {
	CallID     string
	ContextTag string
	Kind       EventKind
	Reason     FailureReason
	Label      string
	Phrase     string
	Digits     string
	Received   time.Time
}
