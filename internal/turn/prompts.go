package turn

import (
	"fmt"
	"strings"

	"github.com/quillchat/quill/internal/store"
)

// systemPrompt steers the main chat turn. The document instructions tell the
// model when to reach for the createDocument and updateDocument tools
// instead of answering inline.
const systemPrompt = `You are a friendly assistant! Keep your responses concise and helpful.

Documents are a special mode for writing and editing that renders beside the
conversation. Use the createDocument tool for substantial content (>10 lines)
and for code the user will likely save or reuse. Do not repeat document
content in the conversation after creating it. When asked to change a
document, use the updateDocument tool; wait for user feedback before
updating a document you just created.`

// textDocumentPrompt drafts a prose document from its title.
const textDocumentPrompt = `Write about the given topic. Markdown is supported. Use headings wherever appropriate.`

// codeDocumentPrompt drafts a code document. Kept close to the behavior of
// a code-specific generator: one self-contained snippet, no commentary.
const codeDocumentPrompt = `You are a code generator that creates self-contained, executable code snippets.
Write complete, runnable code for the given topic. Include helpful comments.
Keep the snippet under 60 lines. Do not wrap the code in markdown fences and
do not add prose outside the code.`

// suggestionsPrompt asks for edit suggestions as newline-delimited JSON so
// each suggestion can be parsed and forwarded as soon as its line completes.
const suggestionsPrompt = `You are a helpful writing assistant. Given a piece of writing, offer
suggestions that improve it and describe each change. It is very important
for the edits to contain full sentences instead of just words. Give at most
5 suggestions.

Output one JSON object per line, no other text, each with exactly these keys:
{"originalSentence": "...", "suggestedSentence": "...", "description": "..."}`

// titlePrompt generates the chat title from the user's first message.
const titlePrompt = `you will generate a short title based on the first message a user begins a conversation with:
- ensure it is not more than 80 characters long
- the title should be a summary of the user's message
- do not use quotes or colons`

// createDocumentPrompt composes the nested generation prompt from the title
// and description the model chose plus the user's own request, so the
// document generator sees the full intent rather than a bare title.
func createDocumentPrompt(title, description, userText string) string {
	parts := make([]string, 0, 3)
	for _, s := range []string{title, description, userText} {
		if strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// updateDocumentPrompt embeds the current content so the model rewrites it
// rather than starting over. For prose the model is told to carry existing
// wording through unchanged unless the prompt asks for an edit.
func updateDocumentPrompt(currentContent string, kind store.DocumentKind) string {
	base := "Improve the following contents of the document based on the given prompt."
	if kind == store.KindText {
		base += " Reuse the existing wording verbatim wherever the prompt does not call for a change."
	}
	return fmt.Sprintf("%s\n\n%s", base, currentContent)
}
