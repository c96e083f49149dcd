// Package provider initializes the Genkit runtime and maps catalog models
// onto generate options.
//
// All three backends are registered at startup: Google AI and the
// OpenAI-compatible plugin discover their models from the provider APIs,
// while Ollama has no auto-discovery and gets every local catalog entry
// registered explicitly. Callers never talk to a provider SDK directly;
// they ask the adapter for options keyed by a catalog descriptor.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"

	"github.com/quillchat/quill/internal/config"
	"github.com/quillchat/quill/internal/log"
	"github.com/quillchat/quill/internal/registry"
)

// ErrUnsupportedProvider indicates a catalog descriptor naming a backend the
// adapter does not know. This is a configuration error, never retried.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// Adapter owns the Genkit instance and the provider plugins.
type Adapter struct {
	g      *genkit.Genkit
	logger log.Logger
}

// Init initializes Genkit with all configured provider plugins and registers
// the local Ollama models from the catalog.
//
// API keys (GEMINI_API_KEY, OPENAI_API_KEY) are read by the plugins from the
// environment; the Ollama server address comes from config.
func Init(ctx context.Context, cfg *config.Config, logger log.Logger) (*Adapter, error) {
	ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}

	g := genkit.Init(ctx,
		genkit.WithPlugins(&googlegenai.GoogleAI{}, &openai.OpenAI{}, ollamaPlugin),
	)
	if g == nil {
		return nil, errors.New("initializing genkit runtime")
	}

	// Ollama requires explicit model registration (no auto-discovery).
	for _, d := range registry.Catalog() {
		if d.Provider != registry.ProviderOllama {
			continue
		}
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: d.APIIdentifier,
			Type: "chat",
		}, nil)
		logger.Debug("registered ollama model", "model", d.APIIdentifier, "host", cfg.OllamaHost)
	}

	logger.Info("initialized genkit", "ollama_host", cfg.OllamaHost)

	return &Adapter{g: g, logger: logger}, nil
}

// Genkit exposes the underlying runtime for tool registration and generation.
func (a *Adapter) Genkit() *genkit.Genkit {
	return a.g
}

// Options returns the generate options selecting the given catalog model.
// An unknown provider identifier fails fast here rather than surfacing as an
// opaque generation error.
func (a *Adapter) Options(d registry.Descriptor) ([]ai.GenerateOption, error) {
	switch d.Provider {
	case registry.ProviderGoogleAI, registry.ProviderOpenAI, registry.ProviderOllama:
	default:
		return nil, fmt.Errorf("%w: %q (model %q)", ErrUnsupportedProvider, d.Provider, d.ID)
	}

	return []ai.GenerateOption{
		ai.WithModelName(d.QualifiedName()),
	}, nil
}
