package turn

import "github.com/firebase/genkit/go/ai"

// sanitizeMessages removes tool-request parts that never received a matching
// tool response, then drops messages left with no content. A generation that
// aborts mid-loop can leave such dangling calls; persisting them would make
// the history unreplayable as a model request.
func sanitizeMessages(messages []*ai.Message) []*ai.Message {
	resolved := make(map[string]bool)
	for _, msg := range messages {
		if msg.Role != ai.RoleTool {
			continue
		}
		for _, part := range msg.Content {
			if part == nil || part.ToolResponse == nil {
				continue
			}
			resolved[responseKey(part.ToolResponse)] = true
		}
	}

	var out []*ai.Message
	for _, msg := range messages {
		if msg == nil {
			continue
		}

		var parts []*ai.Part
		for _, part := range msg.Content {
			if part == nil {
				continue
			}
			if part.Kind == ai.PartText && part.Text == "" {
				continue
			}
			if part.ToolRequest != nil && !resolved[requestKey(part.ToolRequest)] {
				continue
			}
			parts = append(parts, part)
		}

		if len(parts) == 0 {
			continue
		}
		out = append(out, &ai.Message{
			Role:     msg.Role,
			Content:  parts,
			Metadata: msg.Metadata,
		})
	}
	return out
}

// requestKey pairs a tool call with its response. The ref disambiguates
// parallel calls to the same tool; providers that send no ref fall back to
// the tool name.
func requestKey(tr *ai.ToolRequest) string {
	if tr.Ref != "" {
		return tr.Ref
	}
	return tr.Name
}

func responseKey(tr *ai.ToolResponse) string {
	if tr.Ref != "" {
		return tr.Ref
	}
	return tr.Name
}
