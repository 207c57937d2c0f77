package dialog

import (
	"strings"
	"testing"
	"time"
)

const sampleTree = `
root: menu
prompts:
  menu-prompt:
    speech:
      text: "Press 1 to confirm or 2 to cancel"
      locale: en-US
      voice: en-GB-OliviaNeural
  confirmed:
    speech:
      text: "Your appointment has been confirmed, goodbye"
      locale: en-US
      voice: en-GB-OliviaNeural
  cancelled:
    audio:
      uri: https://example.com/audio/cancelled.wav
  invalid-prompt:
    speech: {text: "Invalid input, goodbye", locale: en-US}
  timeout-prompt:
    speech: {text: "No input received, goodbye", locale: en-US}
  nomatch-prompt:
    speech: {text: "Sorry, goodbye", locale: en-US}
fallbacks:
  invalid_input: invalid-prompt
  timeout: timeout-prompt
  no_match: nomatch-prompt
nodes:
  menu:
    prompt: menu-prompt
    retry_budget: 1
    choices:
      interruptible: true
      silence_timeout_secs: 10
      options:
        - label: Confirm
          phrases: [yes, confirm]
          tone: "1"
        - label: Cancel
          phrases: [no, cancel]
          tone: "2"
    transitions:
      Confirm: {terminal: confirmed}
      Cancel: {node: farewell}
  farewell:
    prompt: cancelled
`

func TestLoadSampleTree(t *testing.T) {
	tree, err := Load([]byte(sampleTree))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tree.Root != "menu" {
		t.Errorf("Root = %q, want menu", tree.Root)
	}
	if tree.Catalog.Len() != 6 {
		t.Errorf("catalog size = %d, want 6", tree.Catalog.Len())
	}

	menu, ok := tree.Node("menu")
	if !ok {
		t.Fatal("menu node missing")
	}
	if menu.RetryBudget != 1 {
		t.Errorf("RetryBudget = %d, want 1", menu.RetryBudget)
	}
	if menu.Choices == nil {
		t.Fatal("expected choice set")
	}
	if !menu.Choices.Interruptible {
		t.Error("expected interruptible choice set")
	}
	if menu.Choices.SilenceTimeout != 10*time.Second {
		t.Errorf("SilenceTimeout = %v, want 10s", menu.Choices.SilenceTimeout)
	}
	if got := len(menu.Choices.Choices); got != 2 {
		t.Fatalf("choices = %d, want 2", got)
	}
	if menu.Choices.Choices[0].Tone != "1" {
		t.Errorf("Tone = %q, want 1", menu.Choices.Choices[0].Tone)
	}

	step, ok := menu.Transitions["Cancel"]
	if !ok || step.Kind != StepGoTo || step.Node != "farewell" {
		t.Errorf("Cancel transition = %+v, want goto farewell", step)
	}

	farewell, ok := tree.Node("farewell")
	if !ok {
		t.Fatal("farewell node missing")
	}
	if farewell.Recognizes() {
		t.Error("farewell should be a pure playback node")
	}
	if !farewell.Next.IsZero() {
		t.Error("farewell should end the call after playback")
	}
}

func TestLoadDefaultsSilenceTimeout(t *testing.T) {
	doc := strings.Replace(sampleTree, "silence_timeout_secs: 10", "", 1)
	tree, err := Load([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	menu, _ := tree.Node("menu")
	if menu.Choices.SilenceTimeout != defaultSilenceTimeout {
		t.Errorf("SilenceTimeout = %v, want default %v", menu.Choices.SilenceTimeout, defaultSilenceTimeout)
	}
}

func TestLoadRejectsAmbiguousStep(t *testing.T) {
	doc := strings.Replace(sampleTree,
		"Confirm: {terminal: confirmed}",
		"Confirm: {terminal: confirmed, node: farewell}", 1)
	if _, err := Load([]byte(doc)); err == nil {
		t.Fatal("expected error for step with both node and terminal")
	}
}

func TestLoadRejectsPromptWithoutSource(t *testing.T) {
	doc := strings.Replace(sampleTree,
		"cancelled:\n    audio:\n      uri: https://example.com/audio/cancelled.wav",
		"cancelled: {}", 1)
	if _, err := Load([]byte(doc)); err == nil {
		t.Fatal("expected error for prompt without speech or audio")
	}
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	if _, err := Load([]byte("root: [")); err == nil {
		t.Fatal("expected yaml parse error")
	}
}

func TestLoadRejectsTreeFailingValidation(t *testing.T) {
	doc := strings.Replace(sampleTree, "Cancel: {node: farewell}", "Cancel: {node: nowhere}", 1)
	_, err := Load([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "missing node") {
		t.Fatalf("err = %v, want validation failure", err)
	}
}
