package turn

import (
	"context"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/quillchat/quill/internal/registry"
)

const (
	titleMaxRunes  = 80
	titleInputMax  = 500
	titleTimeout   = 5 * time.Second
	titleTruncated = "..."
)

// GenerateTitle produces a short chat title from the first user message.
// It never fails: on timeout or generation error it falls back to a
// truncated form of the message itself.
func (o *Orchestrator) GenerateTitle(ctx context.Context, model registry.Descriptor, userMessage string) string {
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	input := clampRunes(strings.TrimSpace(userMessage), titleInputMax)

	opts, err := o.models.Options(model)
	if err != nil {
		return fallbackTitle(input)
	}
	opts = append(opts,
		ai.WithSystem(titlePrompt),
		ai.WithPrompt("%s", input),
	)

	resp, err := genkit.Generate(ctx, o.g, opts...)
	if err != nil {
		o.logger.Warn("title generation failed, using fallback", "error", err)
		return fallbackTitle(input)
	}

	title := cleanTitle(resp.Text())
	if title == "" {
		return fallbackTitle(input)
	}
	return clampRunes(title, titleMaxRunes)
}

// cleanTitle strips characters the title prompt forbids but models emit
// anyway.
func cleanTitle(s string) string {
	s = strings.NewReplacer(`"`, "", "'", "", "`", "", ":", "").Replace(s)
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}

func fallbackTitle(userMessage string) string {
	title := strings.Join(strings.Fields(userMessage), " ")
	if title == "" {
		return "New chat"
	}
	runes := []rune(title)
	if len(runes) <= titleMaxRunes {
		return title
	}
	keep := titleMaxRunes - len(titleTruncated)
	return string(runes[:keep]) + titleTruncated
}

func clampRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
