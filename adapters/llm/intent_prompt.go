package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/satriahrh/drivebrief/domain"
	"github.com/satriahrh/drivebrief/domain/repositories"
)

const intentInstruction = `You classify short voice commands spoken by a driver into one intent.
Answer with a single JSON object and nothing else:
{"intent": "<one of the allowed intents>", "entities": {<only the allowed keys for that intent>}, "confidence": <number between 0 and 1>}
Use "unknown" with a low confidence when no intent fits.`

// intentPrompt renders the allowed intents and entity schemas for the model.
func intentPrompt(req repositories.IntentRequest) string {
	var b strings.Builder
	b.WriteString(intentInstruction)
	b.WriteString("\n\nAllowed intents and their entity keys:\n")

	intents := append([]string(nil), req.AllowedIntents...)
	sort.Strings(intents)
	for _, intent := range intents {
		keys := req.AllowedEntitySchemas[intent]
		if len(keys) == 0 {
			fmt.Fprintf(&b, "- %s: (no entities)\n", intent)
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", intent, strings.Join(keys, ", "))
	}
	return b.String()
}

// parseIntentReply decodes the model's JSON answer. Code fences around the
// object are tolerated; anything else that is not a JSON object with an
// intent fails.
func parseIntentReply(text string) (repositories.IntentResponse, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var reply struct {
		Intent     *string        `json:"intent"`
		Entities   map[string]any `json:"entities"`
		Confidence *float64       `json:"confidence"`
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	if err := dec.Decode(&reply); err != nil {
		return repositories.IntentResponse{}, fmt.Errorf("%w: malformed reply: %v", domain.ErrFallbackFailed, err)
	}
	if dec.More() {
		return repositories.IntentResponse{}, fmt.Errorf("%w: trailing data after reply", domain.ErrFallbackFailed)
	}
	if reply.Intent == nil || *reply.Intent == "" {
		return repositories.IntentResponse{}, fmt.Errorf("%w: reply has no intent", domain.ErrFallbackFailed)
	}
	if reply.Confidence == nil {
		return repositories.IntentResponse{}, fmt.Errorf("%w: reply has no confidence", domain.ErrFallbackFailed)
	}

	return repositories.IntentResponse{
		Intent:     *reply.Intent,
		Entities:   reply.Entities,
		Confidence: *reply.Confidence,
	}, nil
}
