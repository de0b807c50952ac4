package plugin

import (
	"context"
	"fmt"
	"unicode/utf8"

	"lix/internal/common"
	"lix/internal/schema"
)

const (
	TextPluginKey = "text"
	// TextEntityID is the single entity of a text file.
	TextEntityID = "document"
)

var TextDocumentSchema = schema.MustParse(`{
  "x-lix-key": "text_document",
  "x-lix-version": "1.0",
  "x-lix-primary-key": ["id"],
  "type": "object",
  "properties": {
    "id": {"type": "string"},
    "content": {"type": "string"}
  },
  "required": ["id", "content"],
  "additionalProperties": false
}`)

// Text stores a whole file as one entity.
func Text() *Plugin {
	return &Plugin{
		Key:           TextPluginKey,
		Patterns:      []string{"**.{txt,md,csv}"},
		Schemas:       []*schema.Schema{TextDocumentSchema},
		Capabilities:  CapDetectChanges | CapApplyChanges,
		DetectChanges: detectText,
		ApplyChanges:  applyText,
	}
}

func detectText(_ context.Context, args DetectArgs) ([]DetectedChange, error) {
	if !utf8.Valid(args.After.Data) {
		return nil, fmt.Errorf("text plugin: file %s is not valid UTF-8", args.After.Path)
	}
	if args.Before != nil && string(args.Before.Data) == string(args.After.Data) {
		return []DetectedChange{}, nil
	}
	return []DetectedChange{{
		SchemaKey: TextDocumentSchema.Key,
		EntityID:  TextEntityID,
		Snapshot:  map[string]any{"id": TextEntityID, "content": string(args.After.Data)},
	}}, nil
}

func applyText(_ context.Context, args ApplyArgs) ([]byte, error) {
	if len(args.Changes) != 1 {
		return nil, &common.PluginChangeCountError{PluginKey: TextPluginKey, FileID: args.File.ID, Got: len(args.Changes), Want: 1}
	}
	c := args.Changes[0]
	if c.IsTombstone() {
		return []byte{}, nil
	}
	m, err := decodeSnapshot(c)
	if err != nil {
		return nil, err
	}
	content, ok := m["content"].(string)
	if !ok {
		return nil, fmt.Errorf("text plugin: change %s: content is %T, want string", c.ID, m["content"])
	}
	return []byte(content), nil
}
