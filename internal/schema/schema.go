// Copyright 2024 Lix Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package schema parses stored schema definitions and validates snapshots
// against them.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"lix/internal/common"
	"lix/internal/storage"
)

// EntityIDSeparator joins composite primary key values.
const EntityIDSeparator = "~"

// Schema is a JSON-schema document with lix extension keys.
type Schema struct {
	Key                  string              `json:"x-lix-key"`
	Version              string              `json:"x-lix-version"`
	PrimaryKey           []string            `json:"x-lix-primary-key"`
	Type                 string              `json:"type"`
	Properties           map[string]Property `json:"properties"`
	Required             []string            `json:"required,omitempty"`
	AdditionalProperties *bool               `json:"additionalProperties,omitempty"`

	raw string
}

// Property describes one snapshot property. Type is a JSON type name or a
// list of names; empty means any.
type Property struct {
	Type        TypeList `json:"type,omitempty"`
	Description string   `json:"description,omitempty"`
}

// TypeList accepts both "string" and ["string","null"].
type TypeList []string

func (t *TypeList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*t = TypeList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*t = many
	return nil
}

func (t TypeList) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]string(t))
}

// Parse decodes and checks a schema document.
func Parse(raw []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidSchema, err)
	}
	if !storage.ValidSchemaKey(s.Key) {
		return nil, fmt.Errorf("%w: key %q", common.ErrInvalidSchema, s.Key)
	}
	if s.Version == "" {
		return nil, fmt.Errorf("%w: %s has no x-lix-version", common.ErrInvalidSchema, s.Key)
	}
	if s.Type != "" && s.Type != "object" {
		return nil, fmt.Errorf("%w: %s must describe an object", common.ErrInvalidSchema, s.Key)
	}
	if len(s.PrimaryKey) == 0 {
		return nil, fmt.Errorf("%w: %s has no x-lix-primary-key", common.ErrInvalidSchema, s.Key)
	}
	for _, pk := range s.PrimaryKey {
		if _, ok := s.Properties[pk]; !ok {
			return nil, fmt.Errorf("%w: %s primary key %q is not a property", common.ErrInvalidSchema, s.Key, pk)
		}
	}
	for name := range s.Properties {
		if !validPropertyName(name) {
			return nil, fmt.Errorf("%w: %s property %q", common.ErrInvalidSchema, s.Key, name)
		}
	}
	s.raw = string(raw)
	return &s, nil
}

// MustParse is like Parse but panics; for built-in definitions.
func MustParse(raw string) *Schema {
	s, err := Parse([]byte(raw))
	if err != nil {
		panic(err)
	}
	return s
}

func validPropertyName(name string) bool {
	if name == "" || strings.HasPrefix(name, "lixcol_") {
		return false
	}
	for _, r := range name {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// JSON returns the document the schema was parsed from.
func (s *Schema) JSON() string {
	return s.raw
}

// Stored returns the stored_schema row of s.
func (s *Schema) Stored() *storage.StoredSchema {
	return &storage.StoredSchema{Key: s.Key, Version: s.Version, Value: s.raw}
}

// PropertyNames returns the property names in sorted order.
func (s *Schema) PropertyNames() []string {
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasProperty reports whether name is declared.
func (s *Schema) HasProperty(name string) bool {
	_, ok := s.Properties[name]
	return ok
}

// IsPrimaryKey reports whether name is part of the primary key.
func (s *Schema) IsPrimaryKey(name string) bool {
	for _, pk := range s.PrimaryKey {
		if pk == name {
			return true
		}
	}
	return false
}

// Validate checks a snapshot against declared properties, required fields
// and primary key presence.
func (s *Schema) Validate(snapshot map[string]any) error {
	if snapshot == nil {
		return fmt.Errorf("%w: %s snapshot is empty", common.ErrInvalidSnapshot, s.Key)
	}
	closed := s.AdditionalProperties == nil || !*s.AdditionalProperties
	for name, value := range snapshot {
		prop, ok := s.Properties[name]
		if !ok {
			if closed {
				return fmt.Errorf("%w: %s has no property %q", common.ErrInvalidSnapshot, s.Key, name)
			}
			continue
		}
		if !prop.Type.accepts(value) {
			return fmt.Errorf("%w: %s.%s must be %s, got %s", common.ErrInvalidSnapshot, s.Key, name,
				strings.Join(prop.Type, "|"), jsonType(value))
		}
	}
	for _, name := range s.Required {
		if _, ok := snapshot[name]; !ok {
			return fmt.Errorf("%w: %s.%s is required", common.ErrInvalidSnapshot, s.Key, name)
		}
	}
	for _, pk := range s.PrimaryKey {
		if v, ok := snapshot[pk]; !ok || v == nil {
			return fmt.Errorf("%w: %s primary key %q is missing", common.ErrInvalidSnapshot, s.Key, pk)
		}
	}
	return nil
}

// EntityID derives the entity id from the primary key values. Composite
// keys are joined with EntityIDSeparator.
func (s *Schema) EntityID(snapshot map[string]any) (string, error) {
	parts := make([]string, 0, len(s.PrimaryKey))
	for _, pk := range s.PrimaryKey {
		v, ok := snapshot[pk]
		if !ok || v == nil {
			return "", fmt.Errorf("%w: %s primary key %q is missing", common.ErrInvalidSnapshot, s.Key, pk)
		}
		parts = append(parts, scalarString(v))
	}
	return strings.Join(parts, EntityIDSeparator), nil
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

func (t TypeList) accepts(v any) bool {
	if len(t) == 0 {
		return true
	}
	got := jsonType(v)
	for _, want := range t {
		if want == got || (want == "number" && got == "integer") {
			return true
		}
	}
	return false
}

func jsonType(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		if x == float64(int64(x)) {
			return "integer"
		}
		return "number"
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return "integer"
		}
		return "number"
	case int, int64, int32:
		return "integer"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	return "unknown"
}

func (t TypeList) has(want string) bool {
	for _, x := range t {
		if x == want {
			return true
		}
	}
	return false
}

// Coerce converts values written through SQL to their declared JSON types:
// 0 and 1 become booleans, JSON text becomes an object or array.
func (s *Schema) Coerce(snapshot map[string]any) {
	for name, v := range snapshot {
		prop, ok := s.Properties[name]
		if !ok || len(prop.Type) == 0 {
			continue
		}
		switch x := v.(type) {
		case float64:
			if prop.Type.has("boolean") && !prop.Type.has("number") && !prop.Type.has("integer") && (x == 0 || x == 1) {
				snapshot[name] = x == 1
			}
		case string:
			if prop.Type.has("string") || !(prop.Type.has("object") || prop.Type.has("array")) {
				continue
			}
			var parsed any
			if err := json.Unmarshal([]byte(x), &parsed); err == nil && prop.Type.accepts(parsed) {
				snapshot[name] = parsed
			}
		}
	}
}
