package schema

// Built-in domain schemas registered on every new lix file.
var (
	KeyValue = MustParse(`{
  "x-lix-key": "lix_key_value",
  "x-lix-version": "1.0",
  "x-lix-primary-key": ["key"],
  "type": "object",
  "properties": {
    "key": {"type": "string"},
    "value": {}
  },
  "required": ["key"],
  "additionalProperties": false
}`)

	FileDescriptor = MustParse(`{
  "x-lix-key": "lix_file_descriptor",
  "x-lix-version": "1.0",
  "x-lix-primary-key": ["id"],
  "type": "object",
  "properties": {
    "id": {"type": "string"},
    "path": {"type": "string"},
    "data": {"type": "string", "description": "base64 file bytes"},
    "metadata": {"type": ["object", "null"]}
  },
  "required": ["id", "path"],
  "additionalProperties": false
}`)

	Label = MustParse(`{
  "x-lix-key": "lix_label",
  "x-lix-version": "1.0",
  "x-lix-primary-key": ["id"],
  "type": "object",
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string"}
  },
  "required": ["id", "name"],
  "additionalProperties": false
}`)
)

// Builtins returns the built-in domain schemas.
func Builtins() []*Schema {
	return []*Schema{KeyValue, FileDescriptor, Label}
}
