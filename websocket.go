package tremolo

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

var (
	// ErrReceiveTimeout is returned by ReadMessage when the peer stayed
	// silent for the whole keep-alive window, a ping included.
	ErrReceiveTimeout = errors.New("websocket: receive timeout")

	errUnexpectedContinuation = errors.New("websocket: continuation without a message")
	errInterleavedMessage     = errors.New("websocket: data frame inside a fragmented message")
)

// websocketAcceptKey computes the Sec-WebSocket-Accept value for a
// handshake key per RFC 6455 section 1.3.
func websocketAcceptKey(key []byte) []byte {
	h := sha1.New()
	h.Write(key)
	h.Write(websocketGUID)
	sum := h.Sum(nil)

	accept := make([]byte, base64.StdEncoding.EncodedLen(len(sum)))
	base64.StdEncoding.Encode(accept, sum)
	return accept
}

// Upgrade validates the websocket handshake of the request, answers it
// with 101 Switching Protocols and hands the connection over to the
// returned WebSocket. After a successful upgrade no HTTP framing applies
// to the connection anymore; it is closed when the handler returns.
//
// A request that is not a well-formed handshake is reported as
// ErrNotUpgradable and the response is left untouched, so the handler
// can still answer it as plain HTTP.
func Upgrade(ctx *RequestCtx) (*WebSocket, error) {
	req := &ctx.Request

	if !hasToken(req.Header.PeekBytes(strUpgrade), strWebSocket) {
		return nil, ErrNotUpgradable
	}

	key := trimOWS(req.Header.PeekBytes(strSecWebSocketKey))
	if len(key) == 0 {
		return nil, ErrNotUpgradable
	}

	res := &ctx.Response
	if res.HeadersSent() {
		return nil, ErrHeadersSent
	}

	res.Header.SetBytes(strUpgrade, strWebSocket)
	res.Header.Set("Connection", "Upgrade")
	res.Header.SetBytes(strSecWebSocketAccept, websocketAcceptKey(key))

	if err := res.WriteHeader(fasthttp.StatusSwitchingProtocols); err != nil {
		return nil, err
	}
	if err := res.Flush(); err != nil {
		return nil, err
	}

	sc := ctx.sc
	sc.setState(StateUpgraded)

	var r io.Reader = sc.c
	if sc.r < sc.w {
		// bytes the client sent ahead of the 101 belong to the
		// websocket stream
		rest := sc.rbuf[sc.r:sc.w]
		sc.r = sc.w
		r = io.MultiReader(bytes.NewReader(rest), sc.c)
	}

	return &WebSocket{
		c:          sc.c,
		br:         bufio.NewReaderSize(r, sc.cfg.BufferSize),
		bw:         sc.bw,
		maxPayload: sc.cfg.MaxBodySize,
		keepalive:  sc.cfg.KeepaliveTimeout,
		logger:     sc.logger,
	}, nil
}

// WebSocket is one upgraded connection. Reads must stay on a single
// goroutine; writes are serialized internally and may come from several.
type WebSocket struct {
	c  net.Conn
	br *bufio.Reader

	wmu       sync.Mutex
	bw        *bufio.Writer
	closeSent bool

	maxPayload int64
	keepalive  time.Duration

	msg []byte

	logger fasthttp.Logger
}

// Conn returns the underlying connection.
func (ws *WebSocket) Conn() net.Conn {
	return ws.c
}

func (ws *WebSocket) readFrame(fr *WebSocketFrame, timeout time.Duration) (int64, error) {
	if timeout > 0 {
		_ = ws.c.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = ws.c.SetReadDeadline(time.Time{})
	}
	fr.SetMaxLen(ws.maxPayload)
	return fr.ReadFrom(ws.br)
}

// NextFrame reads the next raw frame, control frames included, without
// keep-alive pings or close handling. The frame must be released by the
// caller. Reads stall at most for the keep-alive timeout.
func (ws *WebSocket) NextFrame() (*WebSocketFrame, error) {
	fr := AcquireWebSocketFrame()
	if _, err := ws.readFrame(fr, ws.keepalive); err != nil {
		ReleaseWebSocketFrame(fr)
		return nil, err
	}
	return fr, nil
}

// ReadMessage returns the next complete text or binary message, merging
// continuation frames. Pings are answered, pongs absorbed; after half
// the keep-alive timeout of silence the peer is pinged once, and a full
// silent window ends the session with ErrReceiveTimeout. A close frame
// from the peer is echoed and reported as *CloseError.
//
// The returned payload is valid until the next ReadMessage call.
func (ws *WebSocket) ReadMessage() (OpCode, []byte, error) {
	fr := AcquireWebSocketFrame()
	defer ReleaseWebSocketFrame(fr)

	var op OpCode
	ws.msg = ws.msg[:0]
	pinged := false

	wait := ws.keepalive / 2

	for {
		n, err := ws.readFrame(fr, wait)
		if err != nil {
			// matched on Timeout alone; see serverConn.fill
			if t, ok := err.(interface{ Timeout() bool }); n == 0 && ok && t.Timeout() {
				// stalled at a frame boundary: ping once, then give up
				if pinged {
					_ = ws.Close(CloseNormal, "receive timeout")
					return 0, nil, ErrReceiveTimeout
				}
				pinged = true
				if err := ws.Ping(nil); err != nil {
					return 0, nil, err
				}
				continue
			}
			return 0, nil, ws.failFrame(err)
		}
		pinged = false

		switch fr.Op() {
		case OpPing:
			if err := ws.Pong(fr.Payload()); err != nil {
				return 0, nil, err
			}
			continue
		case OpPong:
			continue
		case OpClose:
			code, reason := fr.CloseCode()
			echo := code
			if echo == CloseNoStatus {
				echo = CloseNormal
			}
			_ = ws.Close(echo, "")
			return 0, nil, &CloseError{Code: code, Reason: string(reason)}
		case OpContinuation:
			if op == 0 {
				_ = ws.Close(CloseProtocolError, "unexpected continuation")
				return 0, nil, errUnexpectedContinuation
			}
		default:
			if op != 0 {
				_ = ws.Close(CloseProtocolError, "interleaved message")
				return 0, nil, errInterleavedMessage
			}
			op = fr.Op()
		}

		if ws.maxPayload > 0 && int64(len(ws.msg)+fr.Len()) > ws.maxPayload {
			_ = ws.Close(CloseTooBig, "message too big")
			return 0, nil, ErrFramePayloadExceeds
		}
		ws.msg = append(ws.msg, fr.Payload()...)

		if fr.Fin() {
			return op, ws.msg, nil
		}
	}
}

// failFrame maps a frame decoding error to the close code sent back
// before the error is surfaced.
func (ws *WebSocket) failFrame(err error) error {
	switch err {
	case ErrReservedBits, ErrReservedOpCode, ErrControlTooLong, ErrFragmentedControl:
		_ = ws.Close(CloseProtocolError, err.Error())
	case ErrFramePayloadExceeds:
		_ = ws.Close(CloseTooBig, err.Error())
	}
	return err
}

// ReceiveString returns the next text or binary message payload as a
// string.
func (ws *WebSocket) ReceiveString() (string, error) {
	_, p, err := ws.ReadMessage()
	return string(p), err
}

func (ws *WebSocket) writeFrame(fr *WebSocketFrame) error {
	ws.wmu.Lock()
	defer ws.wmu.Unlock()

	if ws.closeSent {
		return ErrConnectionClosed
	}
	if fr.Op() == OpClose {
		ws.closeSent = true
	}

	if _, err := fr.WriteTo(ws.bw); err != nil {
		return err
	}
	return ws.bw.Flush()
}

// WriteMessage sends one unfragmented frame. Server frames go out
// unmasked, as RFC 6455 requires.
func (ws *WebSocket) WriteMessage(op OpCode, payload []byte) error {
	fr := AcquireWebSocketFrame()
	defer ReleaseWebSocketFrame(fr)

	fr.SetOp(op)
	fr.SetPayload(payload)
	return ws.writeFrame(fr)
}

// WriteString sends s as a text message.
func (ws *WebSocket) WriteString(s string) error {
	fr := AcquireWebSocketFrame()
	defer ReleaseWebSocketFrame(fr)

	fr.SetPayloadString(s)
	return ws.writeFrame(fr)
}

// WriteBinary sends b as a binary message.
func (ws *WebSocket) WriteBinary(b []byte) error {
	return ws.WriteMessage(OpBinary, b)
}

// Ping sends a ping frame carrying data.
func (ws *WebSocket) Ping(data []byte) error {
	return ws.WriteMessage(OpPing, data)
}

// Pong sends a pong frame carrying data.
func (ws *WebSocket) Pong(data []byte) error {
	return ws.WriteMessage(OpPong, data)
}

// Close sends a close frame with the given code and reason. Only the
// first call writes; the frames of later calls are dropped. The
// underlying connection is closed by the engine when the handler
// returns.
func (ws *WebSocket) Close(code uint16, reason string) error {
	fr := AcquireWebSocketFrame()
	defer ReleaseWebSocketFrame(fr)

	fr.SetClose(code, reason)
	if err := ws.writeFrame(fr); err == ErrConnectionClosed {
		return nil
	} else if err != nil {
		return err
	}
	return nil
}
