package prompt

import (
	"errors"
	"fmt"
)

// ErrEmptyCatalog is returned when a catalog is built with no prompts.
var ErrEmptyCatalog = errors.New("prompt catalog has no prompts")

// ID identifies a prompt in the catalog.
type ID string

// SourceKind discriminates between the prompt source variants.
type SourceKind string

const (
	// KindSpeech is a text prompt rendered through text-to-speech.
	KindSpeech SourceKind = "speech"
	// KindAudioFile is a pre-recorded audio file referenced by URI.
	KindAudioFile SourceKind = "audio"
)

// Source is a renderable prompt: either synthesized speech or an audio file.
type Source struct {
	Kind SourceKind

	// Speech fields (Kind == KindSpeech).
	Text   string
	Locale string
	Voice  string

	// Audio file field (Kind == KindAudioFile).
	URI string
}

// Speech builds a text-to-speech prompt source.
func Speech(text, locale, voice string) Source {
	return Source{Kind: KindSpeech, Text: text, Locale: locale, Voice: voice}
}

// AudioFile builds a pre-recorded audio prompt source.
func AudioFile(uri string) Source {
	return Source{Kind: KindAudioFile, URI: uri}
}

// Catalog maps prompt IDs to their renderable sources. It is built once at
// startup and is read-only afterwards.
type Catalog struct {
	sources map[ID]Source
}

// NewCatalog builds a catalog from the given sources, checking that every
// source is well formed.
func NewCatalog(sources map[ID]Source) (*Catalog, error) {
	if len(sources) == 0 {
		return nil, ErrEmptyCatalog
	}
	for id, src := range sources {
		switch src.Kind {
		case KindSpeech:
			if src.Text == "" {
				return nil, fmt.Errorf("prompt %q: speech source has no text", id)
			}
		case KindAudioFile:
			if src.URI == "" {
				return nil, fmt.Errorf("prompt %q: audio source has no uri", id)
			}
		default:
			return nil, fmt.Errorf("prompt %q: unknown source kind %q", id, src.Kind)
		}
	}
	return &Catalog{sources: sources}, nil
}

// Resolve looks up a prompt source by ID.
func (c *Catalog) Resolve(id ID) (Source, bool) {
	src, ok := c.sources[id]
	return src, ok
}

// Has reports whether the catalog contains the given prompt ID.
func (c *Catalog) Has(id ID) bool {
	_, ok := c.sources[id]
	return ok
}

// Len returns the number of prompts in the catalog.
func (c *Catalog) Len() int {
	return len(c.sources)
}
