package platform

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/callscript/callscript/internal/dialog"
	"github.com/callscript/callscript/internal/prompt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captured struct {
	path string
	body map[string]any
}

// newCaptureServer records each request and replies with the given status
// and body.
func newCaptureServer(t *testing.T, status int, respBody string) (*httptest.Server, *[]captured) {
	t.Helper()
	var reqs []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Access-Key"); got != "test-key" {
			t.Errorf("access key header = %q, want test-key", got)
		}
		if r.Header.Get("Repeatability-Request-Id") == "" {
			t.Error("request has no repeatability key")
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		reqs = append(reqs, captured{path: r.URL.Path, body: body})
		w.WriteHeader(status)
		w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func TestCreateCall(t *testing.T) {
	srv, reqs := newCaptureServer(t, http.StatusCreated, `{"call_id":"abc-123"}`)
	c := NewClient(srv.URL, "test-key", "https://example.com/api/callbacks", testLogger())

	id, err := c.CreateCall(context.Background(), "+15551234567", "+15550001111")
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if id != "abc-123" {
		t.Fatalf("call id = %q, want abc-123", id)
	}

	if len(*reqs) != 1 || (*reqs)[0].path != "/calls" {
		t.Fatalf("requests = %+v, want one POST /calls", *reqs)
	}
	body := (*reqs)[0].body
	if body["target"] != "+15551234567" || body["callback_uri"] != "https://example.com/api/callbacks" {
		t.Fatalf("create call body = %+v", body)
	}
}

func TestCreateCallPlatformError(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusBadRequest, `{"code":"InvalidTarget","message":"target not dialable"}`)
	c := NewClient(srv.URL, "test-key", "", testLogger())

	_, err := c.CreateCall(context.Background(), "bogus", "")
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if want := "target not dialable"; !strings.Contains(err.Error(), want) {
		t.Fatalf("error %q does not carry the platform message %q", err, want)
	}
}

func TestStartRecognitionChoices(t *testing.T) {
	srv, reqs := newCaptureServer(t, http.StatusAccepted, `{}`)
	c := NewClient(srv.URL, "test-key", "", testLogger())

	node := &dialog.Node{
		ID: "menu",
		Choices: &dialog.ChoiceSet{
			Choices: []dialog.Choice{
				{Label: "Confirm", Phrases: []string{"yes"}, Tone: "1"},
			},
			Interruptible:  true,
			SilenceTimeout: 5 * time.Second,
		},
	}
	src := prompt.Speech("Press 1.", "en-US", "")
	if err := c.StartRecognition(context.Background(), "abc-123", node, src, "menu:recognize"); err != nil {
		t.Fatalf("StartRecognition: %v", err)
	}

	if len(*reqs) != 1 || (*reqs)[0].path != "/calls/abc-123/recognize" {
		t.Fatalf("requests = %+v", *reqs)
	}
	body := (*reqs)[0].body
	if body["operation_context"] != "menu:recognize" {
		t.Fatalf("operation_context = %v", body["operation_context"])
	}
	if body["silence_timeout_secs"] != float64(5) {
		t.Fatalf("silence_timeout_secs = %v, want 5", body["silence_timeout_secs"])
	}
	choices, ok := body["choices"].([]any)
	if !ok || len(choices) != 1 {
		t.Fatalf("choices = %v", body["choices"])
	}
}

func TestStartRecognitionDigits(t *testing.T) {
	srv, reqs := newCaptureServer(t, http.StatusAccepted, `{}`)
	c := NewClient(srv.URL, "test-key", "", testLogger())

	node := &dialog.Node{
		ID:     "pin",
		Digits: &dialog.DigitCollection{MaxDigits: 4, StopDigit: "#", SilenceTimeout: 10 * time.Second},
	}
	src := prompt.Speech("Enter your PIN.", "en-US", "")
	if err := c.StartRecognition(context.Background(), "abc-123", node, src, "pin:recognize"); err != nil {
		t.Fatalf("StartRecognition: %v", err)
	}

	body := (*reqs)[0].body
	if body["max_digits"] != float64(4) || body["stop_digit"] != "#" {
		t.Fatalf("digit collection body = %+v", body)
	}
}

func TestStartRecognitionRejectsPlaybackNode(t *testing.T) {
	c := NewClient("http://unused", "test-key", "", testLogger())
	err := c.StartRecognition(context.Background(), "abc-123", &dialog.Node{ID: "goodbye"}, prompt.Source{}, "tag")
	if err == nil {
		t.Fatal("expected error for node without a recognition spec")
	}
}

func TestPlayPromptAndHangUp(t *testing.T) {
	srv, reqs := newCaptureServer(t, http.StatusAccepted, `{}`)
	c := NewClient(srv.URL, "test-key", "", testLogger())

	src := prompt.AudioFile("https://cdn.example.com/goodbye.wav")
	if err := c.PlayPrompt(context.Background(), "abc-123", src, "goodbye:play-success"); err != nil {
		t.Fatalf("PlayPrompt: %v", err)
	}
	if err := c.HangUp(context.Background(), "abc-123"); err != nil {
		t.Fatalf("HangUp: %v", err)
	}

	if len(*reqs) != 2 {
		t.Fatalf("got %d requests, want 2", len(*reqs))
	}
	if (*reqs)[0].path != "/calls/abc-123/play" || (*reqs)[1].path != "/calls/abc-123/hangup" {
		t.Fatalf("paths = %s, %s", (*reqs)[0].path, (*reqs)[1].path)
	}
	p, ok := (*reqs)[0].body["prompt"].(map[string]any)
	if !ok || p["uri"] != "https://cdn.example.com/goodbye.wav" || p["kind"] != "audio" {
		t.Fatalf("play prompt body = %+v", (*reqs)[0].body)
	}
}

func TestConfigured(t *testing.T) {
	if NewClient("", "", "", testLogger()).Configured() {
		t.Fatal("empty client reports configured")
	}
	if !NewClient("http://x", "k", "", testLogger()).Configured() {
		t.Fatal("client with base URL and key reports unconfigured")
	}
}
