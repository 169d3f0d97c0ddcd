// Package nlu classifies messages into intents and renders query results
// back into text. Language models are optional collaborators behind the
// Completer interface; the keyword classifier and template renderer work
// without one.
package nlu

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/aixgo-dev/clinicflow/pkg/conversation"
	"github.com/aixgo-dev/clinicflow/pkg/query"
)

// Classification is the result of classifying one message.
type Classification struct {
	Intent     conversation.Intent `json:"intent"`
	Entities   map[string]string   `json:"entities,omitempty"`
	Confidence float64             `json:"confidence"`
}

// Classifier maps a message to an intent.
type Classifier interface {
	Classify(ctx context.Context, text string, history []conversation.Turn) (Classification, error)
}

// Verbosity selects the rendering register.
type Verbosity string

const (
	Verbose Verbosity = "verbose"
	Terse   Verbosity = "terse"
)

// Style is the response format of a channel.
type Style struct {
	Verbosity Verbosity `yaml:"verbosity"`
	// MaxChars is a hard budget in runes. Zero means unbounded.
	MaxChars int `yaml:"max_chars"`
}

// Apply enforces the character budget of s on text.
func (s Style) Apply(text string) string {
	return Truncate(text, s.MaxChars)
}

// RenderInput is what a renderer turns into text.
type RenderInput struct {
	Intent    conversation.Intent
	Message   string
	Operation query.Operation
	Fields    []string
	Rows      []map[string]any
	Count     int
	Aggregate float64
}

// Renderer turns a query result into a reply.
type Renderer interface {
	Render(ctx context.Context, in RenderInput, style Style) (string, error)
}

// CompletionRequest is a single-turn completion.
type CompletionRequest struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Completer is a text completion backend.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

const ellipsis = "…"

// Truncate shortens text to at most max runes, cutting at a word
// boundary when one exists and marking the cut with an ellipsis.
func Truncate(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	if max == 1 {
		return ellipsis
	}
	full := []rune(text)
	runes := full[:max-1]
	cut := len(runes)
	if !unicode.IsSpace(full[max-1]) {
		for i := len(runes) - 1; i > len(runes)/2; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
	}
	out := strings.TrimRightFunc(string(runes[:cut]), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	return out + ellipsis
}
