package dialog

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/callscript/callscript/internal/prompt"
)

// treeFile is the YAML document describing a conversation tree and its
// prompt catalog. The file is read once at startup.
type treeFile struct {
	Root      string                `yaml:"root"`
	Prompts   map[string]promptSpec `yaml:"prompts"`
	Fallbacks fallbackSpec          `yaml:"fallbacks"`
	Nodes     map[string]nodeSpec   `yaml:"nodes"`
}

type promptSpec struct {
	Speech *speechSpec `yaml:"speech"`
	Audio  *audioSpec  `yaml:"audio"`
}

type speechSpec struct {
	Text   string `yaml:"text"`
	Locale string `yaml:"locale"`
	Voice  string `yaml:"voice"`
}

type audioSpec struct {
	URI string `yaml:"uri"`
}

type fallbackSpec struct {
	InvalidInput string `yaml:"invalid_input"`
	Timeout      string `yaml:"timeout"`
	NoMatch      string `yaml:"no_match"`
}

type nodeSpec struct {
	Prompt      string              `yaml:"prompt"`
	RetryBudget int                 `yaml:"retry_budget"`
	Choices     *choiceSetSpec      `yaml:"choices"`
	Digits      *digitSpec          `yaml:"digits"`
	Transitions map[string]stepSpec `yaml:"transitions"`
	Fallback    *stepSpec           `yaml:"fallback"`
	Next        *stepSpec           `yaml:"next"`
}

type choiceSetSpec struct {
	Interruptible      bool         `yaml:"interruptible"`
	SilenceTimeoutSecs int          `yaml:"silence_timeout_secs"`
	Options            []choiceSpec `yaml:"options"`
}

type choiceSpec struct {
	Label   string   `yaml:"label"`
	Phrases []string `yaml:"phrases"`
	Tone    string   `yaml:"tone"`
}

type digitSpec struct {
	MaxDigits          int    `yaml:"max_digits"`
	StopDigit          string `yaml:"stop_digit"`
	Interruptible      bool   `yaml:"interruptible"`
	SilenceTimeoutSecs int    `yaml:"silence_timeout_secs"`
}

// stepSpec is a transition target in the config file: exactly one of node
// or terminal must be set.
type stepSpec struct {
	Node     string `yaml:"node"`
	Terminal string `yaml:"terminal"`
}

// defaultSilenceTimeout is applied when a recognition spec omits one.
const defaultSilenceTimeout = 5 * time.Second

// LoadFile reads and builds a validated conversation tree from a YAML file.
func LoadFile(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tree file: %w", err)
	}
	return Load(data)
}

// Load parses a YAML document into a validated conversation tree. The
// returned tree carries its prompt catalog.
func Load(data []byte) (*Tree, error) {
	var file treeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing tree yaml: %w", err)
	}

	sources := make(map[prompt.ID]prompt.Source, len(file.Prompts))
	for name, spec := range file.Prompts {
		switch {
		case spec.Speech != nil && spec.Audio != nil:
			return nil, fmt.Errorf("prompt %q: declares both speech and audio", name)
		case spec.Speech != nil:
			sources[prompt.ID(name)] = prompt.Speech(spec.Speech.Text, spec.Speech.Locale, spec.Speech.Voice)
		case spec.Audio != nil:
			sources[prompt.ID(name)] = prompt.AudioFile(spec.Audio.URI)
		default:
			return nil, fmt.Errorf("prompt %q: declares neither speech nor audio", name)
		}
	}
	catalog, err := prompt.NewCatalog(sources)
	if err != nil {
		return nil, fmt.Errorf("building prompt catalog: %w", err)
	}

	nodes := make([]*Node, 0, len(file.Nodes))
	for name, spec := range file.Nodes {
		node, err := buildNode(name, spec)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}

	fallbacks := FallbackPrompts{
		InvalidInput: prompt.ID(file.Fallbacks.InvalidInput),
		Timeout:      prompt.ID(file.Fallbacks.Timeout),
		NoMatch:      prompt.ID(file.Fallbacks.NoMatch),
	}

	return Build(NodeID(file.Root), nodes, fallbacks, catalog)
}

func buildNode(name string, spec nodeSpec) (*Node, error) {
	node := &Node{
		ID:          NodeID(name),
		Prompt:      prompt.ID(spec.Prompt),
		RetryBudget: spec.RetryBudget,
	}

	if spec.Choices != nil {
		cs := &ChoiceSet{
			Interruptible:  spec.Choices.Interruptible,
			SilenceTimeout: secondsOrDefault(spec.Choices.SilenceTimeoutSecs),
		}
		for _, opt := range spec.Choices.Options {
			cs.Choices = append(cs.Choices, Choice{
				Label:   opt.Label,
				Phrases: opt.Phrases,
				Tone:    opt.Tone,
			})
		}
		node.Choices = cs
	}
	if spec.Digits != nil {
		node.Digits = &DigitCollection{
			MaxDigits:      spec.Digits.MaxDigits,
			StopDigit:      spec.Digits.StopDigit,
			Interruptible:  spec.Digits.Interruptible,
			SilenceTimeout: secondsOrDefault(spec.Digits.SilenceTimeoutSecs),
		}
	}

	if len(spec.Transitions) > 0 {
		node.Transitions = make(map[string]NextStep, len(spec.Transitions))
		for label, step := range spec.Transitions {
			built, err := buildStep(name, "transition "+label, step)
			if err != nil {
				return nil, err
			}
			node.Transitions[label] = built
		}
	}
	if spec.Fallback != nil {
		built, err := buildStep(name, "fallback", *spec.Fallback)
		if err != nil {
			return nil, err
		}
		node.Fallback = built
	}
	if spec.Next != nil {
		built, err := buildStep(name, "next", *spec.Next)
		if err != nil {
			return nil, err
		}
		node.Next = built
	}

	return node, nil
}

func buildStep(node, what string, spec stepSpec) (NextStep, error) {
	switch {
	case spec.Node != "" && spec.Terminal != "":
		return NextStep{}, fmt.Errorf("node %q: %s declares both node and terminal", node, what)
	case spec.Node != "":
		return GoTo(NodeID(spec.Node)), nil
	case spec.Terminal != "":
		return Terminal(prompt.ID(spec.Terminal)), nil
	default:
		return NextStep{}, fmt.Errorf("node %q: %s declares neither node nor terminal", node, what)
	}
}

func secondsOrDefault(secs int) time.Duration {
	if secs <= 0 {
		return defaultSilenceTimeout
	}
	return time.Duration(secs) * time.Second
}
