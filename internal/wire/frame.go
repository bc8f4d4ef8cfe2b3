package wire

import (
	"encoding/binary"
	"math"
)

// Header is the parsed fixed 10-byte frame prefix.
type Header struct {
	Length      uint32 // payload length in bytes
	MessageType MessageType
}

// DecodeHeader parses the fixed prefix from buf. It returns (header, true,
// nil) when a full header is available, (zero, false, nil) when buf is
// shorter than HeaderSize (the caller should read more bytes and retry),
// and (zero, false, err) on a structurally invalid header (bad magic or a
// length beyond MaxFrameSize) — the latter is always fatal to the session.
func DecodeHeader(buf []byte) (Header, bool, error) {
	if len(buf) < HeaderSize {
		return Header{}, false, nil
	}
	var magic [4]byte
	copy(magic[:], buf[0:4])
	if magic != Magic {
		return Header{}, false, newInvalidMagic(magic)
	}
	length := binary.LittleEndian.Uint32(buf[4:8])
	if length > MaxFrameSize {
		return Header{}, false, newFrameTooLarge(length, MaxFrameSize)
	}
	msgType := binary.LittleEndian.Uint16(buf[8:10])
	return Header{Length: length, MessageType: MessageType(msgType)}, true, nil
}

// EncodeHeader writes the 10-byte prefix for a payload of the given length
// and message type into a freshly allocated slice.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.Length)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(h.MessageType))
	return buf
}

// EncodeFrame produces a complete frame (header + payload) for the given
// message type and payload bytes. It returns FrameTooLarge if payload
// exceeds MaxFrameSize.
func EncodeFrame(t MessageType, payload []byte) ([]byte, error) {
	if uint32(len(payload)) > MaxFrameSize {
		return nil, newFrameTooLarge(uint32(len(payload)), MaxFrameSize)
	}
	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, EncodeHeader(Header{Length: uint32(len(payload)), MessageType: t})...)
	out = append(out, payload...)
	return out, nil
}

// --- little-endian payload primitives shared by messages.go and channel.go ---

func putString(dst []byte, s string) []byte {
	b := []byte(s)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, b...)
	return dst
}

func readString(buf []byte) (string, []byte, error) {
	if len(buf) < 4 {
		return "", nil, newDecodeError("truncated string length")
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return "", nil, newDecodeError("truncated string body")
	}
	return string(buf[:n]), buf[n:], nil
}

func putUint32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func readUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, newDecodeError("truncated uint32")
	}
	return binary.LittleEndian.Uint32(buf[:4]), buf[4:], nil
}

func putUint16(dst []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(dst, b[:]...)
}

func readUint16(buf []byte) (uint16, []byte, error) {
	if len(buf) < 2 {
		return 0, nil, newDecodeError("truncated uint16")
	}
	return binary.LittleEndian.Uint16(buf[:2]), buf[2:], nil
}

func putUint8(dst []byte, v uint8) []byte {
	return append(dst, v)
}

func readUint8(buf []byte) (uint8, []byte, error) {
	if len(buf) < 1 {
		return 0, nil, newDecodeError("truncated uint8")
	}
	return buf[0], buf[1:], nil
}

func putFloat32(dst []byte, v float32) []byte {
	return putUint32(dst, math.Float32bits(v))
}

func readFloat32(buf []byte) (float32, []byte, error) {
	bits, rest, err := readUint32(buf)
	if err != nil {
		return 0, nil, err
	}
	return math.Float32frombits(bits), rest, nil
}
