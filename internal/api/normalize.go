package api

import (
	"encoding/json"
	"time"

	"github.com/callscript/callscript/internal/call"
)

// Platform event types delivered to the callback webhook.
const (
	eventTypeConnected          = "call.connected"
	eventTypeRecognizeCompleted = "recognize.completed"
	eventTypeRecognizeFailed    = "recognize.failed"
	eventTypePlayCompleted      = "play.completed"
	eventTypePlayFailed         = "play.failed"
)

// Platform result codes for failed recognition.
const (
	codeInitialSilenceTimeout = 8510
	codeIncorrectToneDetected = 8533
	codeSpeechOptionNotMatch  = 8534
)

// cloudEvent is one entry of the JSON array the platform posts to the
// callback webhook.
type cloudEvent struct {
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data"`
}

// eventData is the payload common to all callback event types. Fields not
// relevant to a given type are simply absent.
type eventData struct {
	CallID           string `json:"call_id"`
	OperationContext string `json:"operation_context"`
	Label            string `json:"label"`
	Phrase           string `json:"phrase"`
	Digits           string `json:"digits"`
	ResultCode       int    `json:"result_code"`
}

// normalizeEvents translates a raw webhook body into the internal event
// form. Entries that cannot be understood (unknown type, undecodable data,
// missing call ID) are dropped and counted; they never reach the state
// machine.
func normalizeEvents(body []byte) ([]call.CallbackEvent, int) {
	var raw []cloudEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, 1
	}

	events := make([]call.CallbackEvent, 0, len(raw))
	dropped := 0
	for _, ce := range raw {
		ev, ok := normalizeEvent(ce)
		if !ok {
			dropped++
			continue
		}
		events = append(events, ev)
	}
	return events, dropped
}

func normalizeEvent(ce cloudEvent) (call.CallbackEvent, bool) {
	var data eventData
	if err := json.Unmarshal(ce.Data, &data); err != nil {
		return call.CallbackEvent{}, false
	}
	if data.CallID == "" {
		return call.CallbackEvent{}, false
	}

	received := ce.Time
	if received.IsZero() {
		received = time.Now()
	}

	ev := call.CallbackEvent{
		CallID:     data.CallID,
		ContextTag: data.OperationContext,
		Label:      data.Label,
		Phrase:     data.Phrase,
		Digits:     data.Digits,
		Received:   received,
	}

	switch ce.Type {
	case eventTypeConnected:
		ev.Kind = call.EventConnectConfirmed
	case eventTypeRecognizeCompleted:
		ev.Kind = call.EventRecognitionSucceeded
	case eventTypeRecognizeFailed:
		ev.Kind = call.EventRecognitionFailed
		ev.Reason = normalizeReason(data.ResultCode)
	case eventTypePlayCompleted:
		ev.Kind = call.EventPlaybackSucceeded
	case eventTypePlayFailed:
		ev.Kind = call.EventPlaybackFailed
	default:
		return call.CallbackEvent{}, false
	}
	return ev, true
}

// normalizeReason maps a platform result code to a failure reason. Unknown
// codes read as no-match: the caller's input went nowhere.
func normalizeReason(code int) call.FailureReason {
	switch code {
	case codeInitialSilenceTimeout:
		return call.ReasonSilenceTimeout
	case codeIncorrectToneDetected:
		return call.ReasonToneMismatch
	case codeSpeechOptionNotMatch:
		return call.ReasonNoMatch
	default:
		return call.ReasonNoMatch
	}
}
