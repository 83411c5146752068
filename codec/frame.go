package codec

import (
	"encoding/binary"
	"io"

	"github.com/dataflowrt/core/tenerr"
)

// maxFrameSize bounds a single frame's payload, guarding a misbehaving or
// malicious peer against forcing an unbounded read-side allocation.
const maxFrameSize = 64 << 20

// WriteFrame writes payload to w prefixed with its 4-byte big-endian
// length.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return tenerr.Wrap(tenerr.ConnectionFailed, err, "writing frame length")
	}
	if _, err := w.Write(payload); err != nil {
		return tenerr.Wrap(tenerr.ConnectionFailed, err, "writing frame payload")
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err // io.EOF propagates as-is so callers can detect clean connection close
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameSize {
		return nil, tenerr.InvalidArgumentf("frame of %d bytes exceeds maximum of %d", n, maxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, tenerr.Wrap(tenerr.ConnectionFailed, err, "reading frame payload")
	}
	return payload, nil
}
