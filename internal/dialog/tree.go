package dialog

import (
	"strings"
	"time"

	"github.com/callscript/callscript/internal/prompt"
)

// LabelCollected is the reserved transition label a digit-collection node
// routes through once digits have been gathered.
const LabelCollected = "collected"

// NodeID identifies a node within a conversation tree.
type NodeID string

// StepKind discriminates the NextStep variants.
type StepKind string

const (
	// StepGoTo continues the conversation at another node.
	StepGoTo StepKind = "goto"
	// StepTerminal plays a final prompt and ends the call.
	StepTerminal StepKind = "terminal"
)

// NextStep is a transition target: either another node or a terminal prompt
// followed by hang-up.
type NextStep struct {
	Kind   StepKind
	Node   NodeID    // Kind == StepGoTo
	Prompt prompt.ID // Kind == StepTerminal
}

// GoTo builds a NextStep that continues at the given node.
func GoTo(id NodeID) NextStep {
	return NextStep{Kind: StepGoTo, Node: id}
}

// Terminal builds a NextStep that plays a final prompt and ends the call.
func Terminal(id prompt.ID) NextStep {
	return NextStep{Kind: StepTerminal, Prompt: id}
}

// IsZero reports whether the step is unset.
func (s NextStep) IsZero() bool {
	return s.Kind == ""
}

// Choice is one selectable option in a choice-set recognition.
type Choice struct {
	// Label is the canonical identifier routed through the transition table.
	Label string

	// Phrases are spoken alternatives matched case-insensitively.
	Phrases []string

	// Tone is an optional DTMF digit alternative ("0"-"9", "*", "#").
	// At most one choice per node may bind a given tone.
	Tone string
}

// ChoiceSet asks the platform to classify spoken input or a DTMF tone
// against a fixed set of choices.
type ChoiceSet struct {
	Choices        []Choice
	Interruptible  bool
	SilenceTimeout time.Duration
}

// DigitCollection asks the platform to gather a DTMF digit string.
type DigitCollection struct {
	MaxDigits      int
	StopDigit      string
	Interruptible  bool
	SilenceTimeout time.Duration
}

// Node is a single menu step in the conversation tree.
type Node struct {
	ID     NodeID
	Prompt prompt.ID

	// At most one of Choices/Digits is set. Both nil means the node is a
	// pure playback step that continues via Next.
	Choices *ChoiceSet
	Digits  *DigitCollection

	// Transitions maps a detected label to the step that follows it.
	Transitions map[string]NextStep

	// Fallback is followed after the retry budget for failed recognition is
	// exhausted. A zero Fallback ends the call after the fallback prompt.
	Fallback NextStep

	// Next is the continuation for pure playback nodes. A zero Next ends
	// the call after the prompt has played.
	Next NextStep

	// RetryBudget is how many times failed recognition is re-attempted on
	// this node before falling back. Zero means fail fast.
	RetryBudget int
}

// Recognizes reports whether the node expects caller input.
func (n *Node) Recognizes() bool {
	return n.Choices != nil || n.Digits != nil
}

// ResolveLabel normalizes a recognition result to a canonical transition
// label. For choice sets it matches the detected label or, failing that, the
// recognized phrase against each choice's alternatives (case-insensitive).
// Digit collections always route through LabelCollected.
func (n *Node) ResolveLabel(label, phrase string) (string, bool) {
	if n.Digits != nil {
		_, ok := n.Transitions[LabelCollected]
		return LabelCollected, ok
	}
	if n.Choices == nil {
		return "", false
	}
	for _, c := range n.Choices.Choices {
		if strings.EqualFold(c.Label, label) {
			_, ok := n.Transitions[c.Label]
			return c.Label, ok
		}
	}
	if phrase != "" {
		for _, c := range n.Choices.Choices {
			for _, p := range c.Phrases {
				if strings.EqualFold(p, phrase) {
					_, ok := n.Transitions[c.Label]
					return c.Label, ok
				}
			}
		}
	}
	return "", false
}

// FallbackPrompts are the tree-level prompts played before hang-up when
// recognition fails or produces an unmapped label.
type FallbackPrompts struct {
	InvalidInput prompt.ID
	Timeout      prompt.ID
	NoMatch      prompt.ID
}

// Tree is the immutable conversation graph shared by all call sessions.
// Build it with Build, which validates the structure; do not mutate it after
// construction.
type Tree struct {
	Root      NodeID
	Nodes     map[NodeID]*Node
	Fallbacks FallbackPrompts
	Catalog   *prompt.Catalog
}

// Node returns the node with the given ID.
func (t *Tree) Node(id NodeID) (*Node, bool) {
	n, ok := t.Nodes[id]
	return n, ok
}

// Build validates the tree and returns it, or a descriptive error if any
// validation issue of error severity is present. The process must not serve
// events against a tree that failed to build.
func Build(root NodeID, nodes []*Node, fallbacks FallbackPrompts, catalog *prompt.Catalog) (*Tree, error) {
	nodeMap := make(map[NodeID]*Node, len(nodes))
	for _, n := range nodes {
		nodeMap[n.ID] = n
	}
	t := &Tree{
		Root:      root,
		Nodes:     nodeMap,
		Fallbacks: fallbacks,
		Catalog:   catalog,
	}
	result := Validate(t)
	if err := result.Err(); err != nil {
		return nil, err
	}
	return t, nil
}
