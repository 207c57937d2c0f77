// Package platform is the HTTP client for the external call-control
// service: placing calls, playing prompts, starting recognition, and
// hanging up. Outcomes of those operations arrive asynchronously through
// the callback webhook, not through these request/response pairs.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/callscript/callscript/internal/call"
	"github.com/callscript/callscript/internal/dialog"
	"github.com/callscript/callscript/internal/prompt"
)

// promptPayload is the wire form of a prompt source.
type promptPayload struct {
	Kind   string `json:"kind"`
	Text   string `json:"text,omitempty"`
	Locale string `json:"locale,omitempty"`
	Voice  string `json:"voice,omitempty"`
	URI    string `json:"uri,omitempty"`
}

func toPromptPayload(src prompt.Source) promptPayload {
	return promptPayload{
		Kind:   string(src.Kind),
		Text:   src.Text,
		Locale: src.Locale,
		Voice:  src.Voice,
		URI:    src.URI,
	}
}

// choicePayload is the wire form of one recognition choice.
type choicePayload struct {
	Label   string   `json:"label"`
	Phrases []string `json:"phrases,omitempty"`
	Tone    string   `json:"tone,omitempty"`
}

// recognizeRequest is the payload for POST /calls/{id}/recognize.
type recognizeRequest struct {
	Prompt             promptPayload   `json:"prompt"`
	Choices            []choicePayload `json:"choices,omitempty"`
	MaxDigits          int             `json:"max_digits,omitempty"`
	StopDigit          string          `json:"stop_digit,omitempty"`
	Interruptible      bool            `json:"interruptible"`
	SilenceTimeoutSecs int             `json:"silence_timeout_secs"`
	OperationContext   string          `json:"operation_context"`
}

// playRequest is the payload for POST /calls/{id}/play.
type playRequest struct {
	Prompt           promptPayload `json:"prompt"`
	OperationContext string        `json:"operation_context"`
}

// createCallRequest is the payload for POST /calls.
type createCallRequest struct {
	Target      string `json:"target"`
	CallerID    string `json:"caller_id"`
	CallbackURI string `json:"callback_uri"`
}

// createCallResponse is the body returned by POST /calls.
type createCallResponse struct {
	CallID string `json:"call_id"`
}

// apiError is the error body the platform returns on non-2xx responses.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client talks to the call-control platform over its REST API. It
// implements call.Executor; the router drives it with commands produced by
// the state machine.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	accessKey   string
	callbackURI string
	logger      *slog.Logger
}

var _ call.Executor = (*Client)(nil)

// NewClient creates a platform client. baseURL is the platform endpoint,
// accessKey authenticates each request, and callbackURI is where the
// platform delivers callback events for calls created by this client.
func NewClient(baseURL, accessKey, callbackURI string, logger *slog.Logger) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		baseURL:     baseURL,
		accessKey:   accessKey,
		callbackURI: callbackURI,
		logger:      logger.With("subsystem", "platform_client"),
	}
}

// Configured reports whether the client has enough settings to place calls.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.accessKey != ""
}

// CreateCall asks the platform to place an outbound call and returns the
// platform-assigned call identifier. Every attempt carries a fresh
// repeatability key so retried HTTP requests do not dial twice.
func (c *Client) CreateCall(ctx context.Context, target, callerID string) (string, error) {
	req := createCallRequest{
		Target:      target,
		CallerID:    callerID,
		CallbackURI: c.callbackURI,
	}
	var resp createCallResponse
	if err := c.post(ctx, "/calls", req, &resp); err != nil {
		return "", fmt.Errorf("platform: creating call: %w", err)
	}
	if resp.CallID == "" {
		return "", fmt.Errorf("platform: create call response has no call id")
	}
	c.logger.Info("outbound call placed", "call_id", resp.CallID, "target", target)
	return resp.CallID, nil
}

// StartRecognition plays the node's prompt and starts choice or digit
// recognition on the call. The result arrives as a callback event carrying
// contextTag.
func (c *Client) StartRecognition(ctx context.Context, callID string, node *dialog.Node, src prompt.Source, contextTag string) error {
	req := recognizeRequest{
		Prompt:           toPromptPayload(src),
		OperationContext: contextTag,
	}
	switch {
	case node.Choices != nil:
		req.Interruptible = node.Choices.Interruptible
		req.SilenceTimeoutSecs = int(node.Choices.SilenceTimeout.Seconds())
		for _, ch := range node.Choices.Choices {
			req.Choices = append(req.Choices, choicePayload{
				Label:   ch.Label,
				Phrases: ch.Phrases,
				Tone:    ch.Tone,
			})
		}
	case node.Digits != nil:
		req.Interruptible = node.Digits.Interruptible
		req.SilenceTimeoutSecs = int(node.Digits.SilenceTimeout.Seconds())
		req.MaxDigits = node.Digits.MaxDigits
		req.StopDigit = node.Digits.StopDigit
	default:
		return fmt.Errorf("platform: node %s has no recognition spec", node.ID)
	}

	if err := c.post(ctx, "/calls/"+callID+"/recognize", req, nil); err != nil {
		return fmt.Errorf("platform: starting recognition on %s: %w", callID, err)
	}
	return nil
}

// PlayPrompt plays a prompt to all participants on the call.
func (c *Client) PlayPrompt(ctx context.Context, callID string, src prompt.Source, contextTag string) error {
	req := playRequest{
		Prompt:           toPromptPayload(src),
		OperationContext: contextTag,
	}
	if err := c.post(ctx, "/calls/"+callID+"/play", req, nil); err != nil {
		return fmt.Errorf("platform: playing prompt on %s: %w", callID, err)
	}
	return nil
}

// HangUp terminates the call for everyone.
func (c *Client) HangUp(ctx context.Context, callID string) error {
	if err := c.post(ctx, "/calls/"+callID+"/hangup", struct{}{}, nil); err != nil {
		return fmt.Errorf("platform: hanging up %s: %w", callID, err)
	}
	return nil
}

// post sends a JSON request and optionally decodes the JSON response into
// out. Non-2xx responses are turned into errors carrying the platform's
// error message where one was returned.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Access-Key", c.accessKey)
	httpReq.Header.Set("Repeatability-Request-Id", uuid.NewString())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("platform returned status %d: %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("platform returned status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
