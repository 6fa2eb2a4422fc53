package serializer

import (
	"reflect"
	"testing"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON": NewJSONSerializer,
	"GOB":  NewGOBSerializer,
}

// testMessage is a typical request payload of a typed processor
type testMessage struct {
	User    string
	Tags    []string
	Attempt int
	Data    []byte
	Ok      bool
}

// testMessages creates a set of test messages with different fields filled
func testMessages() []testMessage {
	return []testMessage{
		// Basic message with just a name
		{User: "alice"},

		// Message with a payload
		{User: "bob", Data: []byte("test-value")},

		// Message with all fields filled
		{
			User:    "carol",
			Tags:    []string{"admin", "ops"},
			Attempt: 3,
			Data:    []byte("test-meta-data"),
			Ok:      true,
		},
	}
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	messages := testMessages()

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, msg := range messages {
				// Serialize
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message %d: %v", i, err)
					continue
				}

				// Deserialize
				var result testMessage
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message %d: %v", i, err)
					continue
				}

				// Compare
				if !reflect.DeepEqual(msg, result) {
					t.Errorf("Message %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v",
						i, msg, result)
				}
			}
		})
	}
}

// TestInvalidData tests how the serializers handle corrupt data
func TestInvalidData(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for _, data := range [][]byte{{}, {0xff, 0x00, 0x13}} {
				var msg testMessage
				if err := serializer.Deserialize(data, &msg); err == nil {
					t.Errorf("Expected error for %v but got none", data)
				}
			}
		})
	}
}

// TestByName tests the lookup of serializers by format name
func TestByName(t *testing.T) {
	for _, name := range []string{"json", "gob"} {
		s, err := ByName(name)
		if err != nil {
			t.Fatalf("Failed to resolve %s: %v", name, err)
		}
		if s.Name() != name {
			t.Errorf("Name mismatch: expected %s, got %s", name, s.Name())
		}
	}

	if s, err := ByName(""); err != nil || s.Name() != "json" {
		t.Errorf("Expected json as default, got %v, %v", s, err)
	}

	if _, err := ByName("xml"); err == nil {
		t.Errorf("Expected error for unknown format")
	}
}
