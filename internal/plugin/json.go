package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"lix/internal/schema"
	"lix/internal/storage"
)

const JSONPluginKey = "json"

var JSONPointerSchema = schema.MustParse(`{
  "x-lix-key": "json_pointer_value",
  "x-lix-version": "1.0",
  "x-lix-primary-key": ["path"],
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "value": {}
  },
  "required": ["path"],
  "additionalProperties": false
}`)

// JSON stores one entity per leaf of a JSON object. Arrays and scalars are
// leaves; the entity id is the RFC 6901 pointer of the leaf.
func JSON() *Plugin {
	return &Plugin{
		Key:           JSONPluginKey,
		Patterns:      []string{"**.json"},
		Schemas:       []*schema.Schema{JSONPointerSchema},
		Capabilities:  CapDetectChanges | CapApplyChanges,
		DetectChanges: detectJSON,
		ApplyChanges:  applyJSON,
	}
}

func detectJSON(_ context.Context, args DetectArgs) ([]DetectedChange, error) {
	after, err := flattenJSON(args.After.Data)
	if err != nil {
		return nil, fmt.Errorf("json plugin: %s: %w", args.After.Path, err)
	}
	before := map[string]any{}
	if args.Before != nil {
		if before, err = flattenJSON(args.Before.Data); err != nil {
			return nil, fmt.Errorf("json plugin: %s (previous): %w", args.Before.Path, err)
		}
	}

	out := []DetectedChange{}
	for _, ptr := range sortedKeys(after) {
		v := after[ptr]
		if prev, ok := before[ptr]; ok && sameJSON(prev, v) {
			continue
		}
		out = append(out, DetectedChange{
			SchemaKey: JSONPointerSchema.Key,
			EntityID:  ptr,
			Snapshot:  map[string]any{"path": ptr, "value": v},
		})
	}
	for _, ptr := range sortedKeys(before) {
		if _, ok := after[ptr]; !ok {
			out = append(out, DetectedChange{SchemaKey: JSONPointerSchema.Key, EntityID: ptr})
		}
	}
	return out, nil
}

func applyJSON(_ context.Context, args ApplyArgs) ([]byte, error) {
	root := map[string]any{}
	for _, c := range args.Changes {
		if c.IsTombstone() {
			continue
		}
		m, err := decodeSnapshot(c)
		if err != nil {
			return nil, err
		}
		if err := setPointer(root, c.EntityID, m["value"]); err != nil {
			return nil, fmt.Errorf("json plugin: change %s: %w", c.ID, err)
		}
	}
	return json.MarshalIndent(root, "", "  ")
}

func flattenJSON(data []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return out, nil
	}
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("top-level value must be an object: %w", err)
	}
	flatten("", root, out)
	return out, nil
}

func flatten(prefix string, obj map[string]any, out map[string]any) {
	if len(obj) == 0 && prefix != "" {
		out[prefix] = map[string]any{}
		return
	}
	for k, v := range obj {
		ptr := prefix + "/" + escapePointer(k)
		if child, ok := v.(map[string]any); ok {
			flatten(ptr, child, out)
			continue
		}
		out[ptr] = v
	}
}

func setPointer(root map[string]any, ptr string, v any) error {
	if !strings.HasPrefix(ptr, "/") {
		return fmt.Errorf("invalid pointer %q", ptr)
	}
	parts := strings.Split(ptr[1:], "/")
	cur := root
	for _, p := range parts[:len(parts)-1] {
		p = unescapePointer(p)
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	last := unescapePointer(parts[len(parts)-1])
	if m, ok := v.(map[string]any); ok && len(m) == 0 {
		if _, exists := cur[last].(map[string]any); exists {
			return nil
		}
	}
	cur[last] = v
	return nil
}

func escapePointer(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "~", "~0"), "/", "~1")
}

func unescapePointer(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "~1", "/"), "~0", "~")
}

func sameJSON(a, b any) bool {
	x, err1 := json.Marshal(a)
	y, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && string(x) == string(y)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func decodeSnapshot(c *storage.Change) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(*c.SnapshotContent), &m); err != nil {
		return nil, fmt.Errorf("change %s: decode snapshot: %w", c.ID, err)
	}
	return m, nil
}
