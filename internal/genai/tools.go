package genai

import (
	"github.com/BTreeMap/OutletPipe/internal/envelope"
	"github.com/BTreeMap/OutletPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

const emitActionName = "emit_action"

// emitActionTool describes the envelope schema to the model.
func emitActionTool() openai.ChatCompletionToolParam {
	intents := make([]string, 0, len(models.AllIntents))
	for _, i := range models.AllIntents {
		intents = append(intents, string(i))
	}
	states := []string{
		string(models.StateUnauthenticated),
		string(models.StateMenu),
		string(models.StateAwaitingSubstep),
		string(models.StateLoggedOut),
	}

	return openai.ChatCompletionToolParam{
		Function: shared.FunctionDefinitionParam{
			Name:        emitActionName,
			Description: openai.String("Emit the structured action for this turn. Call exactly once."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"intent": map[string]interface{}{
						"type": "string",
						"enum": intents,
					},
					"args": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"product":   map[string]interface{}{"type": "string", "maxLength": 64},
							"quantity":  map[string]interface{}{"type": "number", "exclusiveMinimum": 0},
							"waste":     map[string]interface{}{"type": "number", "minimum": 0},
							"amount":    map[string]interface{}{"type": "number", "exclusiveMinimum": 0},
							"reference": map[string]interface{}{"type": "string", "maxLength": 64},
							"outlet":    map[string]interface{}{"type": "string", "maxLength": 64},
							"confirmed": map[string]interface{}{"type": "boolean"},
							"reason":    map[string]interface{}{"type": "string", "maxLength": 280},
						},
						"additionalProperties": false,
					},
					"buttons": map[string]interface{}{
						"type":     "array",
						"items":    map[string]interface{}{"type": "string"},
						"maxItems": envelope.DefaultMaxButtons,
					},
					"nextStateHint": map[string]interface{}{
						"type": "string",
						"enum": states,
					},
				},
				"required":             []string{"intent"},
				"additionalProperties": false,
			},
		},
	}
}
