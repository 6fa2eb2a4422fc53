package serializer

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
)

// NewJSONSerializer creates a serializer using json encoding. It is the default,
// non-Go peers can read it.
func NewJSONSerializer() IRPCSerializer {
	return jsonFormat{}
}

// NewGOBSerializer creates a serializer using Go's gob encoding.
// Gob can not encode structs without exported fields.
func NewGOBSerializer() IRPCSerializer {
	return gobFormat{}
}

type jsonFormat struct{}

func (jsonFormat) Serialize(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonFormat) Deserialize(b []byte, v any) error { return json.Unmarshal(b, v) }

func (jsonFormat) Name() string { return "json" }

type gobFormat struct{}

func (gobFormat) Serialize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobFormat) Deserialize(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func (gobFormat) Name() string { return "gob" }
