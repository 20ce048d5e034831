package protocol

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serverFrame builds an unmasked frame the way a server would send it.
func serverFrame(opcode byte, payload []byte) []byte {
	n := len(payload)
	var out []byte
	out = append(out, finBit|opcode)
	switch {
	case n < 126:
		out = append(out, byte(n))
	case n <= 0xFFFF:
		out = append(out, 126, byte(n>>8), byte(n))
	default:
		ext := make([]byte, 8)
		binary.BigEndian.PutUint64(ext, uint64(n))
		out = append(out, 127)
		out = append(out, ext...)
	}
	return append(out, payload...)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 125, 126, 127, 65535, 65536, 70000}

	for _, size := range sizes {
		msg := strings.Repeat("x", size)
		encoded := EncodeText(msg)

		frame, rest, err := DecodeFrame(encoded)
		require.NoError(t, err, "size %d", size)
		require.NotNil(t, frame, "size %d", size)
		assert.Empty(t, rest, "size %d", size)
		assert.True(t, frame.Fin)
		assert.Equal(t, OpText, frame.Opcode)
		assert.Equal(t, msg, string(frame.Payload), "size %d", size)
	}
}

func TestEncodeLengthEncoding(t *testing.T) {
	t.Run("7-bit", func(t *testing.T) {
		b := EncodeText(strings.Repeat("a", 125))
		assert.Equal(t, byte(0x81), b[0])
		assert.Equal(t, byte(0x80|125), b[1])
		assert.Len(t, b, 2+4+125)
	})

	t.Run("16-bit", func(t *testing.T) {
		b := EncodeText(strings.Repeat("a", 126))
		assert.Equal(t, byte(0x80|126), b[1])
		assert.Equal(t, uint16(126), binary.BigEndian.Uint16(b[2:4]))
		assert.Len(t, b, 4+4+126)
	})

	t.Run("64-bit", func(t *testing.T) {
		b := EncodeText(strings.Repeat("a", 65536))
		assert.Equal(t, byte(0x80|127), b[1])
		assert.Equal(t, uint64(65536), binary.BigEndian.Uint64(b[2:10]))
		assert.Len(t, b, 10+4+65536)
	})
}

func TestEncodeIsMasked(t *testing.T) {
	msg := strings.Repeat("statlink", 8)
	b := EncodeText(msg)

	assert.NotZero(t, b[1]&maskBit, "client frames must set the mask bit")
	body := b[6:]
	assert.NotEqual(t, msg, string(body), "payload must not travel in clear text")

	// Two encodings of the same payload use independent keys.
	other := EncodeText(msg)
	assert.NotEqual(t, b[2:6], other[2:6])
}

func TestDecodePartialFrame(t *testing.T) {
	msg := strings.Repeat("partial", 40)
	encoded := EncodeText(msg)

	var buf []byte
	for i, c := range encoded {
		buf = append(buf, c)
		frame, rest, err := DecodeFrame(buf)
		require.NoError(t, err)

		if i < len(encoded)-1 {
			assert.Nil(t, frame, "frame returned early at byte %d", i)
			assert.Equal(t, buf, rest)
			continue
		}

		require.NotNil(t, frame)
		assert.Equal(t, msg, string(frame.Payload))
		assert.Empty(t, rest)
	}
}

func TestDecodeUnmaskedServerFrame(t *testing.T) {
	frame, rest, err := DecodeFrame(serverFrame(OpText, []byte("42[\"connected\"]")))
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, `42["connected"]`, string(frame.Payload))
	assert.Empty(t, rest)
}

func TestDecodeConsecutiveFrames(t *testing.T) {
	var buf []byte
	buf = append(buf, serverFrame(OpText, []byte("2"))...)
	buf = append(buf, serverFrame(OpPing, []byte("hb"))...)
	buf = append(buf, serverFrame(OpClose, nil)...)
	buf = append(buf, 0x81) // start of a fourth frame

	var got []*Frame
	for {
		frame, rest, err := DecodeFrame(buf)
		require.NoError(t, err)
		if frame == nil {
			break
		}
		got = append(got, frame)
		buf = rest
	}

	require.Len(t, got, 3)
	assert.Equal(t, OpText, got[0].Opcode)
	assert.Equal(t, OpPing, got[1].Opcode)
	assert.Equal(t, "hb", string(got[1].Payload))
	assert.True(t, got[1].IsControl())
	assert.Equal(t, OpClose, got[2].Opcode)
	assert.Equal(t, []byte{0x81}, buf)
}

func TestDecodeReservedBitsIsRecoverable(t *testing.T) {
	bad := serverFrame(OpText, []byte("oops"))
	bad[0] |= 0x40
	good := serverFrame(OpText, []byte("3"))

	frame, rest, err := DecodeFrame(append(bad, good...))
	require.Error(t, err)
	assert.Nil(t, frame)

	var decErr *FrameDecodeError
	require.ErrorAs(t, err, &decErr)
	assert.False(t, decErr.Fatal)

	frame, rest, err = DecodeFrame(rest)
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, "3", string(frame.Payload))
	assert.Empty(t, rest)
}

func TestDecodeOversizedFrameIsFatal(t *testing.T) {
	hdr := []byte{finBit | OpText, 127, 0, 0, 0, 0, 0x10, 0, 0, 0}

	frame, _, err := DecodeFrame(hdr)
	assert.Nil(t, frame)

	var decErr *FrameDecodeError
	require.ErrorAs(t, err, &decErr)
	assert.True(t, decErr.Fatal)
}

func TestDecodeShortBuffers(t *testing.T) {
	cases := map[string][]byte{
		"empty":           nil,
		"one byte":        {0x81},
		"16-bit header":   {0x81, 126, 0x01},
		"64-bit header":   {0x81, 127, 0, 0, 0},
		"mask incomplete": {0x81, 0x85, 1, 2},
	}
	for name, buf := range cases {
		t.Run(name, func(t *testing.T) {
			frame, rest, err := DecodeFrame(buf)
			assert.NoError(t, err)
			assert.Nil(t, frame)
			assert.Equal(t, buf, rest)
		})
	}
}
