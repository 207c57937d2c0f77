package dialog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/callscript/callscript/internal/prompt"
)

// Severity indicates how serious a validation issue is.
type Severity string

const (
	// SeverityError indicates a problem that prevents the tree from being served.
	SeverityError Severity = "error"
	// SeverityWarning indicates a potential issue that may cause unexpected behavior.
	SeverityWarning Severity = "warning"
)

// Issue describes a single problem found during tree validation.
type Issue struct {
	Severity Severity
	NodeID   NodeID
	Message  string
}

// Result holds the outcome of validating a conversation tree.
type Result struct {
	Issues []Issue
}

// Err returns an error summarizing all error-severity issues, or nil if the
// tree is serviceable.
func (r *Result) Err() error {
	var msgs []string
	for _, issue := range r.Issues {
		if issue.Severity != SeverityError {
			continue
		}
		if issue.NodeID != "" {
			msgs = append(msgs, fmt.Sprintf("node %q: %s", issue.NodeID, issue.Message))
		} else {
			msgs = append(msgs, issue.Message)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return errors.New("invalid conversation tree: " + strings.Join(msgs, "; "))
}

// Validate checks a conversation tree for structural and referential
// integrity:
//   - the root node must exist and every node must be reachable from it
//   - every transition, fallback, and next target must reference an
//     existing node
//   - every choice label must have a transition entry
//   - no two choices within a node may bind the same DTMF tone
//   - pure playback nodes must not declare label-dependent transitions
//   - every referenced prompt ID must resolve in the catalog
func Validate(t *Tree) *Result {
	result := &Result{}
	add := func(sev Severity, id NodeID, format string, args ...any) {
		result.Issues = append(result.Issues, Issue{
			Severity: sev,
			NodeID:   id,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	if len(t.Nodes) == 0 {
		add(SeverityError, "", "tree has no nodes")
		return result
	}
	if _, ok := t.Nodes[t.Root]; !ok {
		add(SeverityError, "", "root node %q not found", t.Root)
		return result
	}

	checkPrompt := func(id NodeID, pid prompt.ID, what string) {
		if pid == "" {
			add(SeverityError, id, "%s has no prompt", what)
			return
		}
		if t.Catalog != nil && !t.Catalog.Has(pid) {
			add(SeverityError, id, "%s references unknown prompt %q", what, pid)
		}
	}

	checkStep := func(id NodeID, step NextStep, what string) {
		switch step.Kind {
		case StepGoTo:
			if _, ok := t.Nodes[step.Node]; !ok {
				add(SeverityError, id, "%s targets missing node %q", what, step.Node)
			}
		case StepTerminal:
			checkPrompt(id, step.Prompt, what+" terminal prompt")
		}
	}

	for _, n := range t.Nodes {
		checkPrompt(n.ID, n.Prompt, "node")

		if n.Choices != nil && n.Digits != nil {
			add(SeverityError, n.ID, "node declares both a choice set and digit collection")
		}

		switch {
		case n.Choices != nil:
			if len(n.Choices.Choices) == 0 {
				add(SeverityError, n.ID, "choice set has no choices")
			}
			tones := make(map[string]string)
			for _, c := range n.Choices.Choices {
				if c.Label == "" {
					add(SeverityError, n.ID, "choice has no label")
					continue
				}
				if _, ok := n.Transitions[c.Label]; !ok {
					add(SeverityError, n.ID, "choice label %q has no transition entry", c.Label)
				}
				if c.Tone != "" {
					if prev, dup := tones[c.Tone]; dup {
						add(SeverityError, n.ID, "tone %q bound by both %q and %q", c.Tone, prev, c.Label)
					}
					tones[c.Tone] = c.Label
				}
			}
		case n.Digits != nil:
			if _, ok := n.Transitions[LabelCollected]; !ok {
				add(SeverityError, n.ID, "digit collection has no %q transition", LabelCollected)
			}
		default:
			// Pure playback node: label-dependent routing is a contradiction.
			if len(n.Transitions) > 0 {
				add(SeverityError, n.ID, "playback-only node declares label transitions")
			}
		}

		for label, step := range n.Transitions {
			checkStep(n.ID, step, fmt.Sprintf("transition %q", label))
		}
		if !n.Fallback.IsZero() {
			if !n.Recognizes() {
				add(SeverityWarning, n.ID, "fallback on playback-only node is never used")
			}
			checkStep(n.ID, n.Fallback, "fallback")
		}
		if !n.Next.IsZero() {
			if n.Recognizes() {
				add(SeverityError, n.ID, "recognition node declares a playback continuation")
			}
			checkStep(n.ID, n.Next, "next")
		}
	}

	// Fallback prompts must resolve; the machine depends on them for
	// timeout, no-match, and invalid-input playback.
	checkPrompt("", t.Fallbacks.InvalidInput, "invalid-input fallback")
	checkPrompt("", t.Fallbacks.Timeout, "timeout fallback")
	checkPrompt("", t.Fallbacks.NoMatch, "no-match fallback")

	// Reachability sweep from the root.
	reachable := make(map[NodeID]bool)
	stack := []NodeID{t.Root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		n, ok := t.Nodes[id]
		if !ok {
			continue
		}
		for _, step := range n.Transitions {
			if step.Kind == StepGoTo {
				stack = append(stack, step.Node)
			}
		}
		if n.Fallback.Kind == StepGoTo {
			stack = append(stack, n.Fallback.Node)
		}
		if n.Next.Kind == StepGoTo {
			stack = append(stack, n.Next.Node)
		}
	}
	for id := range t.Nodes {
		if !reachable[id] {
			add(SeverityError, id, "node is unreachable from the root")
		}
	}

	return result
}
