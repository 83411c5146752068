// Package codec defines the wire-framing injection point: the core
// consumes a framed byte-stream and produces/consumes in-memory message
// objects. Codec is the interface; JSON is the bundled default used so
// the remote layer has something concrete to exercise end to end. A real
// "msgpack://"-scheme codec is pluggable but not implemented here.
package codec

import "github.com/dataflowrt/core/msg"

// Codec encodes/decodes a single Message to/from a wire frame's payload
// bytes. Framing (length-prefixing the payload on the connection) is the
// remote layer's job, not the Codec's; Codec only touches the payload.
type Codec interface {
	Encode(m *msg.Message) ([]byte, error)
	Decode(b []byte) (*msg.Message, error)
}
