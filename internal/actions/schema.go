package actions

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/msai-amin/Ryzomatic-sub006/pkg/models"
)

type actionSchemaRegistry struct {
	once    sync.Once
	initErr error
	kinds   map[models.ActionKind]*jsonschema.Schema
}

var actionSchemas actionSchemaRegistry

func initActionSchemas() error {
	actionSchemas.once.Do(func() {
		kinds := map[models.ActionKind]string{
			models.ActionHighlight:  highlightParamsSchema,
			models.ActionCreateNote: createNoteParamsSchema,
			models.ActionSearch:     searchParamsSchema,
			models.ActionExport:     exportParamsSchema,
			models.ActionSpeak:      speakParamsSchema,
			models.ActionQuestion:   questionParamsSchema,
			models.ActionNavigate:   navigateParamsSchema,
		}

		actionSchemas.kinds = make(map[models.ActionKind]*jsonschema.Schema, len(kinds))
		for kind, schema := range kinds {
			compiled, err := jsonschema.CompileString("action_"+string(kind), schema)
			if err != nil {
				actionSchemas.initErr = err
				return
			}
			actionSchemas.kinds[kind] = compiled
		}
	})
	return actionSchemas.initErr
}

// validateAction checks the action kind against the closed set and its
// params against that kind's schema.
func validateAction(action *models.Action) error {
	if err := initActionSchemas(); err != nil {
		return err
	}

	schema, ok := actionSchemas.kinds[action.Kind]
	if !ok {
		return fmt.Errorf("unknown action kind %q", action.Kind)
	}

	var params any
	if len(action.Params) == 0 {
		params = map[string]any{}
	} else if err := json.Unmarshal(action.Params, &params); err != nil {
		return fmt.Errorf("action params: %w", err)
	}
	if err := schema.Validate(params); err != nil {
		return fmt.Errorf("action params for %s: %w", action.Kind, err)
	}
	return nil
}

const highlightParamsSchema = `{
  "type": "object",
  "required": ["text"],
  "properties": {
    "text": { "type": "string", "minLength": 1 },
    "color": { "type": "string" },
    "page": { "type": "integer", "minimum": 1 }
  },
  "additionalProperties": false
}`

const createNoteParamsSchema = `{
  "type": "object",
  "required": ["content"],
  "properties": {
    "content": { "type": "string", "minLength": 1 },
    "title": { "type": "string" },
    "document_id": { "type": "string" }
  },
  "additionalProperties": false
}`

const searchParamsSchema = `{
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": { "type": "string", "minLength": 1 },
    "scope": { "type": "string", "enum": ["document", "library", "notes"] }
  },
  "additionalProperties": false
}`

const exportParamsSchema = `{
  "type": "object",
  "required": ["target"],
  "properties": {
    "target": { "type": "string", "enum": ["markdown", "pdf", "clipboard"] },
    "document_id": { "type": "string" }
  },
  "additionalProperties": false
}`

const speakParamsSchema = `{
  "type": "object",
  "properties": {
    "text": { "type": "string" },
    "from": { "type": "string", "enum": ["selection", "page", "document"] }
  },
  "additionalProperties": false
}`

const questionParamsSchema = `{
  "type": "object",
  "required": ["question"],
  "properties": {
    "question": { "type": "string", "minLength": 1 },
    "document_id": { "type": "string" }
  },
  "additionalProperties": false
}`

const navigateParamsSchema = `{
  "type": "object",
  "required": ["destination"],
  "properties": {
    "destination": { "type": "string", "minLength": 1 },
    "page": { "type": "integer", "minimum": 1 }
  },
  "additionalProperties": false
}`
