// Package serializer provides payload serialization for typed processors. Packages
// carry opaque bytes, a serializer turns them into Go values and back.
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must satisfy.
//
//   - NewJSONSerializer: JSON encoding, human-readable and the format understood
//     by non-Go peers. The default.
//
//   - NewGOBSerializer: Go's gob encoding, for Go-only peers. Note that gob can
//     not encode nil pointers or structs without exported fields.
//
//   - ByName: resolves a format name ("json", "gob") as used in configuration.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	s := serializer.NewJSONSerializer()
//	data, err := s.Serialize(request)
//	// ... send data ...
//	var resp Response
//	err = s.Deserialize(receivedData, &resp)
package serializer
