// Package serializer converts protocol messages to bytes and back. The live
// network encodes every message on send and decodes it on delivery, and the
// simulated network can be configured to do the same, so that no node ever
// shares memory with another.
//
// Key Components:
//
//   - IMessageSerializer: Core interface that all serializer implementations must satisfy.
//
//   - binarySerializerImpl: Custom binary format. A 16 bit flag field marks the
//     present fields, only those are written. Awaited requests are nested as a
//     length-prefixed message.
//
//   - gobSerializerImpl: Implementation using Go's built-in gob encoding.
//
//   - jsonSerializerImpl: Implementation using JSON encoding. Message types, error
//     kinds and checkpoints are written by name, which makes it the format of choice
//     when reading network traces.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	s, err := serializer.New("binary")
//	data, err := s.Serialize(*msg)
//	// ... deliver data ...
//	var received common.Message
//	err = s.Deserialize(data, &received)
package serializer
