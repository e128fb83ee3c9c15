package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/docmap"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/model"
)

const systemPrompt = "You are a JSON editor assistant. You only answer with a single JSON object and never include commentary outside it."

// BuildPrompt renders the entry map and instruction into the user prompt.
func BuildPrompt(entries []model.MapEntry, instruction string) string {
	var b strings.Builder
	b.WriteString("Given a JSON document represented as a map of entries and a natural language instruction, ")
	b.WriteString("identify which entries need to be modified and propose the changes.\n\nJSON Document Map:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "ID: %s, Path: %s, Value: %s\n", e.ID, model.PathKey(e.Path), e.Value)
	}
	fmt.Fprintf(&b, "\nInstruction: %s\n\n", instruction)
	b.WriteString(`For each change provide:
- id: the ID of the map entry to change
- path: the JSON path as a list of strings
- current_value: the current value at that path
- proposed_value: the new value to set
- confidence: a score between 0.0 and 1.0

Respond with this JSON format:
{"changes": [{"id": "t0", "path": ["key", "value"], "current_value": "old", "proposed_value": "new", "confidence": 0.95}], "has_changes": true, "message": "optional note"}

If no changes are needed respond with:
{"changes": [], "has_changes": false, "message": "No changes needed"}`)
	return b.String()
}

type rawReply struct {
	Changes    []rawChange `json:"changes"`
	HasChanges *bool       `json:"has_changes"`
	Message    string      `json:"message"`
}

type rawChange struct {
	ID            string   `json:"id"`
	Path          []any    `json:"path"`
	CurrentValue  any      `json:"current_value"`
	ProposedValue any      `json:"proposed_value"`
	Confidence    *float64 `json:"confidence"`
}

// ParseReply extracts changes from the model's text reply. Malformed
// individual changes are skipped and reported through skipped.
func ParseReply(text string) (changes []model.ProposedChange, skipped []string, err error) {
	body := stripFences(text)
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	var reply rawReply
	if err := dec.Decode(&reply); err != nil {
		return nil, nil, &ProviderError{Code: ErrorCodeInvalidReply, Message: "provider reply is not valid json", Err: err}
	}

	for i, rc := range reply.Changes {
		id := strings.TrimSpace(rc.ID)
		if id == "" || rc.ProposedValue == nil {
			skipped = append(skipped, fmt.Sprintf("change %d: missing id or proposed_value", i))
			continue
		}
		path := make([]string, 0, len(rc.Path))
		for _, step := range rc.Path {
			s, rerr := docmap.Render(step)
			if rerr != nil {
				return nil, nil, &ProviderError{Code: ErrorCodeInvalidReply, Message: "provider reply has an invalid path", Err: rerr}
			}
			path = append(path, s)
		}
		current, _ := docmap.Render(rc.CurrentValue)
		if rc.CurrentValue == nil {
			current = ""
		}
		proposed, rerr := docmap.Render(rc.ProposedValue)
		if rerr != nil {
			skipped = append(skipped, fmt.Sprintf("change %s: %v", id, rerr))
			continue
		}
		confidence := 1.0
		if rc.Confidence != nil {
			confidence = clamp(*rc.Confidence)
		}
		changes = append(changes, model.ProposedChange{
			ID:            id,
			Path:          path,
			CurrentValue:  current,
			ProposedValue: proposed,
			Confidence:    confidence,
		})
	}
	return changes, skipped, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// stripFences removes a surrounding markdown code fence if the model added one.
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
