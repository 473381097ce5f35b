package tremolo

import (
	"bufio"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

// Handler serves one parsed request. The engine calls it once per request,
// strictly in arrival order on each connection.
type Handler func(ctx *RequestCtx)

// ConnState is the lifecycle phase of one connection.
type ConnState int32

const (
	StateAccepted ConnState = iota
	StateReading
	StateDispatched
	StateWriting
	StateIdle
	StateUpgraded
	StateClosed
)

var connStateNames = []string{
	StateAccepted:   "accepted",
	StateReading:    "reading",
	StateDispatched: "dispatched",
	StateWriting:    "writing",
	StateIdle:       "idle",
	StateUpgraded:   "upgraded",
	StateClosed:     "closed",
}

func (st ConnState) String() string {
	if int(st) < len(connStateNames) {
		return connStateNames[st]
	}
	return "unknown"
}

var (
	errReadTimeout = errors.New("read timeout")
	errIdleClosed  = errors.New("idle connection closed")
)

// how much unread body may be drained to keep the connection reusable
const maxDrainSize = 65536

// RequestCtx bundles one request with its response writer. It is handed
// to the Handler and is only valid during that call.
type RequestCtx struct {
	Request  Request
	Response Response

	sc *serverConn
}

// Conn returns the underlying connection.
func (ctx *RequestCtx) Conn() net.Conn {
	return ctx.sc.c
}

// RemoteAddr returns the peer address.
func (ctx *RequestCtx) RemoteAddr() net.Addr {
	return ctx.sc.c.RemoteAddr()
}

// LocalAddr returns the local listening address.
func (ctx *RequestCtx) LocalAddr() net.Addr {
	return ctx.sc.c.LocalAddr()
}

// Logger returns the connection logger.
func (ctx *RequestCtx) Logger() fasthttp.Logger {
	return ctx.sc.logger
}

// Error replaces the pending response with a plain-text error answer and
// marks the connection for closing. It does nothing once the head went
// out.
func (ctx *RequestCtx) Error(status int, msg string) {
	res := &ctx.Response
	if res.HeadersSent() {
		return
	}
	res.Header.Reset()
	_ = res.SetStatus(status)
	res.SetConnectionClose()
	res.Header.SetBytes(strContentType, strTextPlain)
	if msg == "" {
		msg = fasthttp.StatusMessage(status)
	}
	_ = res.SetBodyString(msg)
}

type serverConn struct {
	c   net.Conn
	h   Handler
	cfg *Config

	// rbuf[r:w] holds unconsumed wire bytes
	rbuf []byte
	r, w int

	bw *bufio.Writer

	parser *RequestParser

	upload   *RateLimiter
	download *RateLimiter

	serverName []byte

	// completed requests on this connection
	served int

	state int32

	ctx  RequestCtx
	body Body

	srv *Server

	debug  bool
	logger fasthttp.Logger
}

func (sc *serverConn) setState(st ConnState) {
	atomic.StoreInt32(&sc.state, int32(st))
}

func (sc *serverConn) getState() ConnState {
	return ConnState(atomic.LoadInt32(&sc.state))
}

// fill reads more bytes from the connection into the buffer, compacting
// or growing it as needed. It returns errReadTimeout on an expired
// deadline and passes io.EOF through.
func (sc *serverConn) fill(timeout time.Duration) error {
	if sc.r == sc.w {
		sc.r, sc.w = 0, 0
	}

	if sc.w == len(sc.rbuf) {
		if sc.r > 0 {
			copy(sc.rbuf, sc.rbuf[sc.r:sc.w])
			sc.w -= sc.r
			sc.r = 0
		} else {
			sc.rbuf = resize(sc.rbuf, len(sc.rbuf)+sc.cfg.BufferSize)
		}
	}

	if timeout > 0 {
		_ = sc.c.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = sc.c.SetReadDeadline(time.Time{})
	}

	for {
		n, err := sc.c.Read(sc.rbuf[sc.w:])
		if n > 0 {
			sc.w += n
			return nil
		}
		if err != nil {
			// matched on Timeout alone: fasthttputil's deadline error
			// does not implement the full net.Error
			if t, ok := err.(interface{ Timeout() bool }); ok && t.Timeout() {
				return errReadTimeout
			}
			return err
		}
	}
}

// peekMore and discard implement the wire interface for the body layer.
func (sc *serverConn) peekMore() ([]byte, error) {
	if sc.r == sc.w {
		if err := sc.fill(sc.cfg.RequestTimeout); err != nil {
			switch err {
			case errReadTimeout:
				return nil, errRequestTimeout()
			case io.EOF:
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return sc.rbuf[sc.r:sc.w], nil
}

func (sc *serverConn) discard(n int) {
	sc.r += n
}

// serve runs the connection lifecycle: read a request head, dispatch the
// handler, finish the response, then either wait for the next request or
// close. Pipelined requests are answered strictly in arrival order.
func (sc *serverConn) serve() {
	defer func() {
		if rv := recover(); rv != nil {
			sc.logger.Printf("serve panicked: %v:\n%s\n", rv, debug.Stack())
		}
		_ = sc.c.Close()
		sc.setState(StateClosed)
	}()

	sc.ctx.sc = sc
	req := &sc.ctx.Request
	res := &sc.ctx.Response

	for {
		req.Reset()
		sc.parser.Reset(req)
		res.reset(sc.bw, sc.download, sc.serverName)

		err := sc.readRequest()
		if err != nil {
			sc.handleReadError(err, res)
			return
		}

		sc.served++
		keepAlive := req.KeepAlive() &&
			sc.served < sc.cfg.MaxRequestsPerConn &&
			!sc.closing()

		sc.body.reset(sc, sc.upload, sc.cfg.MaxBodySize)
		switch {
		case req.chunked:
			sc.body.setChunked()
		case req.contentLength > 0:
			sc.body.setFixed(req.contentLength)
		}
		req.body = &sc.body

		if req.contentLength > sc.cfg.MaxBodySize {
			status := fasthttp.StatusRequestEntityTooLarge
			if req.expectContinue {
				status = fasthttp.StatusExpectationFailed
			}
			sc.writeRefusal(res, status)
			return
		}

		if req.expectContinue {
			sc.body.onFirstRead = sc.writeContinue
		}

		res.beginRequest(req, keepAlive)

		sc.setState(StateDispatched)
		if sc.debug {
			sc.logger.Printf(
				"%s: %s %s %s\n",
				sc.c.RemoteAddr(), req.Method(), req.RequestURI(), req.Protocol(),
			)
		}

		if !sc.invokeHandler() {
			if !res.HeadersSent() {
				sc.writeRefusal(res, fasthttp.StatusInternalServerError)
			}
			return
		}

		if res.upgraded || sc.getState() == StateUpgraded {
			// the websocket session ran inside the handler; the framed
			// protocol ends with the handler
			return
		}

		// a failed body read poisons the framing: answer with the mapped
		// status while the head is unsent, close either way
		if err := sc.body.err; err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) && !res.HeadersSent() {
				sc.writeRefusal(res, pe.Status)
			} else if sc.debug {
				sc.logger.Printf("%s: body read failed: %s\n", sc.c.RemoteAddr(), err)
			}
			return
		}

		sc.setState(StateWriting)
		if err := res.finish(); err != nil {
			if sc.debug {
				sc.logger.Printf("%s: write error: %s\n", sc.c.RemoteAddr(), err)
			}
			return
		}

		if !res.keepAlive {
			return
		}

		if err := sc.drainBody(req); err != nil {
			if sc.debug {
				sc.logger.Printf("%s: dropping connection, unread body: %s\n", sc.c.RemoteAddr(), err)
			}
			return
		}

		sc.setState(StateIdle)
	}
}

// readRequest drives the parser until one full head is buffered. The wait
// for the first byte of a request runs under the keep-alive timeout and
// times out silently; once a request started, stalls answer 408.
func (sc *serverConn) readRequest() error {
	sc.setState(StateReading)

	for {
		n, complete, err := sc.parser.Parse(sc.rbuf[sc.r:sc.w])
		sc.discard(n)
		if err != nil {
			return err
		}
		if complete {
			return nil
		}

		idle := !sc.parser.Started() && sc.r == sc.w

		timeout := sc.cfg.RequestTimeout
		if idle {
			// the keep-alive wait must be visible to Shutdown, which
			// only closes connections between requests
			timeout = sc.cfg.KeepaliveTimeout
			sc.setState(StateIdle)
		}

		err = sc.fill(timeout)
		if idle {
			sc.setState(StateReading)
		}
		if err != nil {
			switch err {
			case errReadTimeout:
				if idle {
					return errIdleClosed
				}
				return errRequestTimeout()
			case io.EOF:
				if idle {
					return io.EOF
				}
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
}

// handleReadError answers protocol violations with their status when the
// head is still unsent. Idle timeouts and client disconnects close
// silently.
func (sc *serverConn) handleReadError(err error, res *Response) {
	switch {
	case err == io.EOF, err == errIdleClosed:
		if sc.debug {
			sc.logger.Printf("%s: closing idle connection\n", sc.c.RemoteAddr())
		}
		return
	case err == io.ErrUnexpectedEOF:
		if sc.debug {
			sc.logger.Printf("%s: client went away mid-request\n", sc.c.RemoteAddr())
		}
		return
	}

	var pe *ProtocolError
	if errors.As(err, &pe) && !res.HeadersSent() {
		if sc.debug {
			sc.logger.Printf("%s: %s\n", sc.c.RemoteAddr(), pe)
		}
		sc.writeRefusal(res, pe.Status)
		return
	}

	if sc.debug {
		sc.logger.Printf("%s: read error: %s\n", sc.c.RemoteAddr(), err)
	}
}

// writeRefusal sends a minimal plain-text error response and marks the
// connection for closing.
func (sc *serverConn) writeRefusal(res *Response, status int) {
	_ = res.SetStatus(status)
	res.SetConnectionClose()
	res.Header.SetBytes(strContentType, strTextPlain)
	_ = res.SetBodyString(fasthttp.StatusMessage(status))
	_ = res.finish()
}

func (sc *serverConn) writeContinue() error {
	if _, err := sc.bw.Write(strContinueResponse); err != nil {
		return err
	}
	return sc.bw.Flush()
}

func (sc *serverConn) invokeHandler() (ok bool) {
	defer func() {
		if rv := recover(); rv != nil {
			sc.logger.Printf("handler panicked: %v\n%s\n", rv, debug.Stack())
			ok = false
		}
	}()

	sc.h(&sc.ctx)
	return true
}

// drainBody discards what the handler left unread so the next pipelined
// request starts at a frame boundary. Large remainders are not worth the
// transfer, those connections are dropped instead.
func (sc *serverConn) drainBody(req *Request) error {
	body := req.Body()
	if body == nil || body.Finished() {
		return nil
	}

	if body.kind == bodyKindFixed && body.remaining > maxDrainSize {
		return errors.New("fixed body remainder above drain limit")
	}

	drained := 0
	for {
		chunk, err := body.Chunk()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		drained += len(chunk)
		if drained > maxDrainSize {
			return errors.New("chunked body remainder above drain limit")
		}
	}
}

func (sc *serverConn) closing() bool {
	return sc.srv != nil && sc.srv.closing()
}

var logger = log.New(os.Stdout, "[tremolo] ", log.LstdFlags)
