package tremolo

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/valyala/fastrand"
)

// OpCode is the websocket frame opcode from RFC 6455 section 5.2.
type OpCode byte

const (
	OpContinuation OpCode = 0x0
	OpText         OpCode = 0x1
	OpBinary       OpCode = 0x2
	OpClose        OpCode = 0x8
	OpPing         OpCode = 0x9
	OpPong         OpCode = 0xa
)

var opCodeNames = map[OpCode]string{
	OpContinuation: "Continuation",
	OpText:         "Text",
	OpBinary:       "Binary",
	OpClose:        "Close",
	OpPing:         "Ping",
	OpPong:         "Pong",
}

func (op OpCode) String() string {
	if name, ok := opCodeNames[op]; ok {
		return name
	}
	return "Reserved"
}

// IsControl reports whether op is a control opcode.
func (op OpCode) IsControl() bool {
	return op&0x8 != 0
}

// reserved reports whether op has no meaning assigned by RFC 6455.
func (op OpCode) reserved() bool {
	_, ok := opCodeNames[op]
	return !ok
}

const (
	// maximum size of a whole serialized frame header
	maxFrameHeaderSize = 14

	// maximum payload of control frames (RFC 6455 section 5.5)
	maxControlPayload = 125

	defaultMaxFramePayload = 1 << 20
)

var (
	ErrReservedBits        = errors.New("websocket: reserved frame bits set")
	ErrReservedOpCode      = errors.New("websocket: reserved opcode")
	ErrControlTooLong      = errors.New("websocket: control frame payload above 125 bytes")
	ErrFragmentedControl   = errors.New("websocket: fragmented control frame")
	ErrFramePayloadExceeds = errors.New("websocket: frame payload above limit")
)

var webSocketFramePool = sync.Pool{
	New: func() interface{} {
		return &WebSocketFrame{}
	},
}

// WebSocketFrame is one frame of a websocket connection.
//
// Use AcquireWebSocketFrame instead of creating WebSocketFrame every time
// and ReleaseWebSocketFrame to return it when done.
//
// WebSocketFrame instances MUST NOT be used from different goroutines.
type WebSocketFrame struct {
	fin     bool
	op      OpCode
	masked  bool
	maskKey [4]byte
	payload []byte

	maxLen int64

	rawHeader [maxFrameHeaderSize]byte
}

// AcquireWebSocketFrame gets a WebSocketFrame from the pool.
func AcquireWebSocketFrame() *WebSocketFrame {
	fr := webSocketFramePool.Get().(*WebSocketFrame)
	fr.Reset()
	return fr
}

// ReleaseWebSocketFrame resets and puts fr to the pool.
func ReleaseWebSocketFrame(fr *WebSocketFrame) {
	webSocketFramePool.Put(fr)
}

// Reset resets the frame to an unfragmented unmasked text frame without
// payload.
func (fr *WebSocketFrame) Reset() {
	fr.fin = true
	fr.op = OpText
	fr.masked = false
	fr.maskKey = [4]byte{}
	fr.payload = fr.payload[:0]
	fr.maxLen = defaultMaxFramePayload
}

// Fin reports whether this is the final frame of a message.
func (fr *WebSocketFrame) Fin() bool {
	return fr.fin
}

// SetFin marks the frame as the final frame of a message.
func (fr *WebSocketFrame) SetFin(fin bool) {
	fr.fin = fin
}

// Op returns the frame opcode.
func (fr *WebSocketFrame) Op() OpCode {
	return fr.op
}

// SetOp sets the frame opcode.
func (fr *WebSocketFrame) SetOp(op OpCode) {
	fr.op = op
}

// Masked reports whether the payload travels masked. Client-to-server
// frames must be masked, server-to-client frames must not.
func (fr *WebSocketFrame) Masked() bool {
	return fr.masked
}

// Mask marks the frame as masked under a fresh random key, for frames
// written in client mode.
func (fr *WebSocketFrame) Mask() {
	fr.masked = true
	binary.BigEndian.PutUint32(fr.maskKey[:], fastrand.Uint32())
}

// MaskKey returns the mask key of a masked frame.
func (fr *WebSocketFrame) MaskKey() [4]byte {
	return fr.maskKey
}

// Payload returns the frame payload, unmasked.
func (fr *WebSocketFrame) Payload() []byte {
	return fr.payload
}

// SetPayload replaces the frame payload.
func (fr *WebSocketFrame) SetPayload(p []byte) {
	fr.payload = append(fr.payload[:0], p...)
}

// SetPayloadString replaces the frame payload with s.
func (fr *WebSocketFrame) SetPayloadString(s string) {
	fr.payload = append(fr.payload[:0], s...)
}

// Len returns the payload length.
func (fr *WebSocketFrame) Len() int {
	return len(fr.payload)
}

// MaxLen returns the read limit on the payload length.
func (fr *WebSocketFrame) MaxLen() int64 {
	return fr.maxLen
}

// SetMaxLen caps the payload length accepted by ReadFrom. Zero removes
// the cap.
func (fr *WebSocketFrame) SetMaxLen(max int64) {
	fr.maxLen = max
}

// SetClose turns the frame into a close frame carrying code and an
// optional reason.
func (fr *WebSocketFrame) SetClose(code uint16, reason string) {
	fr.fin = true
	fr.op = OpClose
	fr.payload = append(fr.payload[:0], byte(code>>8), byte(code))
	fr.payload = append(fr.payload, reason...)
}

// CloseCode returns the status code and reason of a close frame. A close
// frame without payload reports CloseNoStatus.
func (fr *WebSocketFrame) CloseCode() (uint16, []byte) {
	if len(fr.payload) < 2 {
		return CloseNoStatus, nil
	}
	return binary.BigEndian.Uint16(fr.payload[:2]), fr.payload[2:]
}

// ReadFrom reads one frame from br, unmasking the payload. A frame that
// violates the protocol is consumed up to its header and reported as an
// error. Errors from the underlying reader before any byte was consumed
// leave the stream intact, so the read may be retried.
//
// Unlike io.ReaderFrom this method does not read until io.EOF.
func (fr *WebSocketFrame) ReadFrom(br *bufio.Reader) (int64, error) {
	head, err := br.Peek(2)
	if err != nil {
		return 0, err
	}
	_, _ = br.Discard(2)

	rn := int64(2)

	fr.fin = head[0]&0x80 != 0
	fr.op = OpCode(head[0] & 0x0f)
	fr.masked = head[1]&0x80 != 0

	if head[0]&0x70 != 0 {
		return rn, ErrReservedBits
	}
	if fr.op.reserved() {
		return rn, ErrReservedOpCode
	}

	length := int64(head[1] & 0x7f)

	if fr.op.IsControl() {
		if !fr.fin {
			return rn, ErrFragmentedControl
		}
		if length > maxControlPayload {
			return rn, ErrControlTooLong
		}
	}

	switch length {
	case 126:
		ext, err := br.Peek(2)
		if err != nil {
			return rn, err
		}
		_, _ = br.Discard(2)
		rn += 2
		length = int64(binary.BigEndian.Uint16(ext))
	case 127:
		ext, err := br.Peek(8)
		if err != nil {
			return rn, err
		}
		_, _ = br.Discard(8)
		rn += 8
		v := binary.BigEndian.Uint64(ext)
		if v > 1<<62 {
			return rn, ErrFramePayloadExceeds
		}
		length = int64(v)
	}

	if fr.maxLen > 0 && length > fr.maxLen {
		return rn, ErrFramePayloadExceeds
	}

	if fr.masked {
		key, err := br.Peek(4)
		if err != nil {
			return rn, err
		}
		copy(fr.maskKey[:], key)
		_, _ = br.Discard(4)
		rn += 4
	}

	fr.payload = resize(fr.payload, int(length))
	n, err := io.ReadFull(br, fr.payload)
	rn += int64(n)
	if err != nil {
		return rn, err
	}

	if fr.masked {
		maskBytes(fr.maskKey, fr.payload)
	}

	return rn, nil
}

// WriteTo writes the serialized frame to bw. Masked frames mask the
// payload in place. Flushing is left to the caller.
func (fr *WebSocketFrame) WriteTo(bw *bufio.Writer) (int64, error) {
	head := fr.rawHeader[:0]

	b0 := byte(fr.op)
	if fr.fin {
		b0 |= 0x80
	}
	head = append(head, b0)

	var b1 byte
	if fr.masked {
		b1 = 0x80
	}

	length := len(fr.payload)
	switch {
	case length < 126:
		head = append(head, b1|byte(length))
	case length < 1<<16:
		head = append(head, b1|126, byte(length>>8), byte(length))
	default:
		head = append(head, b1|127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(length))
		head = append(head, ext[:]...)
	}

	if fr.masked {
		head = append(head, fr.maskKey[:]...)
		maskBytes(fr.maskKey, fr.payload)
	}

	var wn int64
	n, err := bw.Write(head)
	wn += int64(n)
	if err != nil {
		return wn, err
	}

	n, err = bw.Write(fr.payload)
	wn += int64(n)

	return wn, err
}

// maskBytes applies the websocket masking key to b in place. Masking is
// its own inverse.
func maskBytes(key [4]byte, b []byte) {
	for i := range b {
		b[i] ^= key[i&3]
	}
}
