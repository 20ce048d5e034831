package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// FrameDecodeError reports malformed frame bytes. When Fatal is false the
// offending frame was consumed and the stream is still aligned; when Fatal
// is true the remaining bytes cannot be trusted and the connection must be
// re-established.
type FrameDecodeError struct {
	Reason string
	Fatal  bool
}

func (e *FrameDecodeError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("frame decode error (stream desynced): %s", e.Reason)
	}
	return fmt.Sprintf("frame decode error: %s", e.Reason)
}

// EncodeText builds a single final, masked text frame.
func EncodeText(payload string) []byte {
	return EncodeFrame(OpText, []byte(payload))
}

// EncodeFrame builds a single final, masked frame with the given opcode.
// Client-to-server frames are always masked with a fresh random key.
// Format: [fin|op:1][mask|len:1][ext len:0/2/8][mask key:4][masked payload]
func EncodeFrame(opcode byte, payload []byte) []byte {
	n := len(payload)

	headerLen := 2
	switch {
	case n < len16Marker:
	case n <= 0xFFFF:
		headerLen += 2
	default:
		headerLen += 8
	}

	out := make([]byte, headerLen+4+n)
	out[0] = finBit | (opcode & opcodeMask)

	switch {
	case n < len16Marker:
		out[1] = maskBit | byte(n)
	case n <= 0xFFFF:
		out[1] = maskBit | len16Marker
		binary.BigEndian.PutUint16(out[2:4], uint16(n))
	default:
		out[1] = maskBit | len64Marker
		binary.BigEndian.PutUint64(out[2:10], uint64(n))
	}

	key := out[headerLen : headerLen+4]
	newMaskKey(key)

	body := out[headerLen+4:]
	copy(body, payload)
	applyMask(body, key)

	return out
}

// DecodeFrame parses one frame from the front of buf.
//
// It returns (nil, buf, nil) while buf holds less than a complete frame, so
// callers can keep appending socket reads and retry. On success it returns
// the frame and the bytes following it. Server frames are normally unmasked,
// but masked frames are accepted too.
func DecodeFrame(buf []byte) (*Frame, []byte, error) {
	if len(buf) < 2 {
		return nil, buf, nil
	}

	b0, b1 := buf[0], buf[1]
	masked := b1&maskBit != 0
	length := uint64(b1 & lengthMask)

	idx := 2
	switch length {
	case len16Marker:
		if len(buf) < 4 {
			return nil, buf, nil
		}
		length = uint64(binary.BigEndian.Uint16(buf[2:4]))
		idx = 4
	case len64Marker:
		if len(buf) < 10 {
			return nil, buf, nil
		}
		length = binary.BigEndian.Uint64(buf[2:10])
		idx = 10
		if length>>63 != 0 {
			return nil, buf, &FrameDecodeError{Reason: "64-bit length has most significant bit set", Fatal: true}
		}
	}

	if length > MaxFrameSize {
		return nil, buf, &FrameDecodeError{
			Reason: fmt.Sprintf("frame length %d exceeds limit %d", length, MaxFrameSize),
			Fatal:  true,
		}
	}

	var key []byte
	if masked {
		if len(buf) < idx+4 {
			return nil, buf, nil
		}
		key = buf[idx : idx+4]
		idx += 4
	}

	end := idx + int(length)
	if len(buf) < end {
		return nil, buf, nil
	}

	payload := make([]byte, int(length))
	copy(payload, buf[idx:end])
	if masked {
		applyMask(payload, key)
	}
	rest := buf[end:]

	if b0&rsvMask != 0 {
		return nil, rest, &FrameDecodeError{Reason: fmt.Sprintf("reserved bits set (0x%02X)", b0&rsvMask)}
	}

	return &Frame{
		Fin:     b0&finBit != 0,
		Opcode:  b0 & opcodeMask,
		Payload: payload,
	}, rest, nil
}

func applyMask(b, key []byte) {
	for i := range b {
		b[i] ^= key[i%4]
	}
}

func newMaskKey(key []byte) {
	if _, err := rand.Read(key); err != nil {
		for i := range key {
			key[i] = 0
		}
	}
}
