package serializer

import "fmt"

// IRPCSerializer is the interface for all payload serializers used by typed processors
type IRPCSerializer interface {
	// Serialize serializes a value into a byte array
	// It returns the serialized byte array and an error if any
	Serialize(v any) ([]byte, error)
	// Deserialize deserializes a byte array into the value v points to
	// It returns an error if any
	Deserialize(b []byte, v any) error
	// Name returns the name of the format (e.g. "json", "gob")
	Name() string
}

// ByName returns the serializer for a format name
func ByName(name string) (IRPCSerializer, error) {
	switch name {
	case "json", "":
		return NewJSONSerializer(), nil
	case "gob":
		return NewGOBSerializer(), nil
	default:
		return nil, fmt.Errorf("unknown serializer %q, must be one of json, gob", name)
	}
}
