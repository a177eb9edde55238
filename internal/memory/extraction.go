package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/msai-amin/Ryzomatic-sub006/pkg/models"
)

// ErrExtractionParse indicates the extraction LLM produced output that does
// not match the expected typed schema. The batch is skipped and the
// watermark stays put, so the next trigger retries it; the conversation flow
// is never interrupted.
var ErrExtractionParse = errors.New("memory: extraction output did not match schema")

const extractionPromptTemplate = `You are extracting structured knowledge from a conversation.
Identify the distinct semantic entities discussed and how they relate to each other.

Entity types: concept, question, insight, reference, action.

Respond with ONLY a JSON object in this exact shape:
{
  "entities": [{"type": "concept", "content": "short self-contained statement"}],
  "relationships": [{"source": 0, "target": 1, "description": "how entity 0 relates to entity 1"}]
}
"source" and "target" are zero-based indices into "entities".

Conversation:
%s`

// extractedEntity is one entity the LLM identified.
type extractedEntity struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// extractedRelation is one intra-batch relation between entities, by index.
type extractedRelation struct {
	Source      int    `json:"source"`
	Target      int    `json:"target"`
	Description string `json:"description"`
}

type extractionOutput struct {
	Entities      []extractedEntity   `json:"entities"`
	Relationships []extractedRelation `json:"relationships"`
}

// buildExtractionPrompt renders the conversation turns into the extraction
// prompt.
func buildExtractionPrompt(turns []models.ConversationTurn) string {
	var sb strings.Builder
	for _, turn := range turns {
		sb.WriteString(turn.Role)
		sb.WriteString(": ")
		sb.WriteString(turn.Content)
		sb.WriteString("\n")
	}
	return fmt.Sprintf(extractionPromptTemplate, sb.String())
}

// parseExtraction validates the LLM output against the typed extraction
// schema. Entities with unknown types or empty content and relations with
// out-of-range indices make the whole batch invalid: half-trusted output is
// worse than none.
func parseExtraction(raw string) (*extractionOutput, error) {
	cleaned := stripCodeFence(raw)

	var out extractionOutput
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionParse, err)
	}
	if len(out.Entities) == 0 {
		return nil, fmt.Errorf("%w: no entities", ErrExtractionParse)
	}
	for i, e := range out.Entities {
		if !models.ValidEntityType(models.EntityType(e.Type)) {
			return nil, fmt.Errorf("%w: entity %d has unknown type %q", ErrExtractionParse, i, e.Type)
		}
		if strings.TrimSpace(e.Content) == "" {
			return nil, fmt.Errorf("%w: entity %d has empty content", ErrExtractionParse, i)
		}
	}
	for i, r := range out.Relationships {
		if r.Source < 0 || r.Source >= len(out.Entities) ||
			r.Target < 0 || r.Target >= len(out.Entities) ||
			r.Source == r.Target {
			return nil, fmt.Errorf("%w: relationship %d has invalid indices", ErrExtractionParse, i)
		}
	}
	return &out, nil
}

// stripCodeFence removes a surrounding markdown code fence, which models
// add despite instructions not to.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
