// Package registry holds the static model catalog and the per-user model
// roster.
//
// The catalog is fixed at build time: each entry names a hosted or local
// model, the provider that serves it, and the generation capabilities it is
// trusted with (chat, prose documents, code documents). The roster maps each
// capability to one catalog entry and round-trips through a cookie as
// compact JSON.
package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownModel indicates a model identifier not present in the catalog.
	ErrUnknownModel = errors.New("unknown model")

	// ErrMissingCapability indicates a roster entry pointing at a model that
	// lacks the required capability.
	ErrMissingCapability = errors.New("model missing capability")
)

// Provider identifies which backend serves a model.
type Provider string

const (
	ProviderGoogleAI Provider = "googleai"
	ProviderOpenAI   Provider = "openai"
	ProviderOllama   Provider = "ollama"
)

// Capabilities flags what a model may be used for.
type Capabilities struct {
	// Chat: driving the main conversation turn, including tool calling.
	Chat bool `json:"chat"`
	// Text: generating and updating prose documents.
	Text bool `json:"text"`
	// Code: generating and updating code documents.
	Code bool `json:"code"`
}

// Descriptor describes one catalog entry.
type Descriptor struct {
	// ID is the stable public identifier clients select by.
	ID string `json:"id"`
	// Label is the human-readable name shown in pickers.
	Label string `json:"label"`
	// Provider selects the serving backend.
	Provider Provider `json:"provider"`
	// APIIdentifier is the model name the provider plugin understands.
	APIIdentifier string `json:"-"`
	// Description is a one-line summary for pickers.
	Description string `json:"description"`

	Capabilities Capabilities `json:"capabilities"`
}

// catalog is the process-wide model list. Order is presentation order.
var catalog = []Descriptor{
	{
		ID:            "gemini-flash",
		Label:         "Gemini Flash",
		Provider:      ProviderGoogleAI,
		APIIdentifier: "gemini-2.5-flash",
		Description:   "Fast general-purpose model for everyday chat",
		Capabilities:  Capabilities{Chat: true, Text: true},
	},
	{
		ID:            "gemini-pro",
		Label:         "Gemini Pro",
		Provider:      ProviderGoogleAI,
		APIIdentifier: "gemini-2.5-pro",
		Description:   "Strongest reasoning, suited to long documents and code",
		Capabilities:  Capabilities{Chat: true, Text: true, Code: true},
	},
	{
		ID:            "gpt-4o",
		Label:         "GPT-4o",
		Provider:      ProviderOpenAI,
		APIIdentifier: "gpt-4o",
		Description:   "OpenAI flagship model",
		Capabilities:  Capabilities{Chat: true, Text: true, Code: true},
	},
	{
		ID:            "gpt-4o-mini",
		Label:         "GPT-4o mini",
		Provider:      ProviderOpenAI,
		APIIdentifier: "gpt-4o-mini",
		Description:   "Small, fast and inexpensive",
		Capabilities:  Capabilities{Chat: true, Text: true},
	},
	{
		ID:            "llama",
		Label:         "Llama 3.3",
		Provider:      ProviderOllama,
		APIIdentifier: "llama3.3",
		Description:   "Local model served by Ollama",
		Capabilities:  Capabilities{Chat: true, Text: true},
	},
	{
		ID:            "qwen-coder",
		Label:         "Qwen Coder",
		Provider:      ProviderOllama,
		APIIdentifier: "qwen2.5-coder",
		Description:   "Local code model served by Ollama",
		Capabilities:  Capabilities{Code: true},
	},
}

// Catalog returns the full model list in presentation order.
// The returned slice is a copy; callers may not mutate the catalog.
func Catalog() []Descriptor {
	out := make([]Descriptor, len(catalog))
	copy(out, catalog)
	return out
}

// Resolve looks up a catalog entry by its public identifier.
func Resolve(id string) (Descriptor, error) {
	for _, d := range catalog {
		if d.ID == id {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownModel, id)
}

// QualifiedName returns the genkit model name for a descriptor, e.g.
// "googleai/gemini-2.5-flash" or "ollama/llama3.3".
func (d Descriptor) QualifiedName() string {
	return string(d.Provider) + "/" + d.APIIdentifier
}
