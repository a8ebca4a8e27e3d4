package llm

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/drivebrief/domain"
	"github.com/satriahrh/drivebrief/domain/repositories"
)

// integerEntities are entity keys the schema declares as integers.
var integerEntities = map[string]bool{"number": true, "level": true}

// intentSchema constrains Gemini's JSON output to the request's intents and
// entity keys.
func intentSchema(req repositories.IntentRequest) *genai.Schema {
	keys := map[string]bool{}
	for _, schema := range req.AllowedEntitySchemas {
		for _, k := range schema {
			keys[k] = true
		}
	}
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	props := make(map[string]*genai.Schema, len(names))
	for _, k := range names {
		if integerEntities[k] {
			props[k] = &genai.Schema{Type: genai.TypeInteger}
		} else {
			props[k] = &genai.Schema{Type: genai.TypeString}
		}
	}

	entitySchema := &genai.Schema{Type: genai.TypeObject, Properties: props}
	if len(props) == 0 {
		entitySchema.Nullable = genai.Ptr(true)
	}

	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"intent":     {Type: genai.TypeString, Enum: append([]string(nil), req.AllowedIntents...)},
			"entities":   entitySchema,
			"confidence": {Type: genai.TypeNumber},
		},
		Required: []string{"intent", "confidence"},
	}
}

// ClassifyIntent asks Gemini for a structured intent. It does not retry, the
// interpreter's own timeout bounds the call.
func (g *GeminiLLM) ClassifyIntent(ctx context.Context, req repositories.IntentRequest) (repositories.IntentResponse, error) {
	start := time.Now()
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(intentPrompt(req), genai.RoleUser),
		Temperature:       genai.Ptr[float32](0),
		MaxOutputTokens:   256,
		ResponseMIMEType:  "application/json",
		ResponseSchema:    intentSchema(req),
	}
	contents := []*genai.Content{genai.NewContentFromText(req.Utterance, genai.RoleUser)}

	response, err := g.client.Models.GenerateContent(ctx, g.config.Model, contents, config)
	if err != nil {
		return repositories.IntentResponse{}, fmt.Errorf("%w: gemini: %v", domain.ErrFallbackFailed, err)
	}

	reply, err := parseIntentReply(candidateText(response))
	if err != nil {
		return repositories.IntentResponse{}, err
	}

	g.logger.Debug("Gemini intent classified",
		zap.String("intent", reply.Intent),
		zap.Float64("confidence", reply.Confidence),
		zap.Duration("latency", time.Since(start)))
	return reply, nil
}
