package tremolo

import (
	"bufio"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

// Response writes one HTTP response: status line, header block and body.
// The head goes out exactly once, on the first body write or on finish;
// after that the header mapping is frozen. Framing is decided lazily:
// a known size is sent with Content-Length, streamed bodies of unknown
// size use chunked transfer coding on HTTP/1.1 and close-delimited output
// on HTTP/1.0.
//
// Response instances MUST NOT be used from different goroutines.
type Response struct {
	// Header holds the response fields in the order they will be written.
	Header Header

	status int

	bw      *bufio.Writer
	limiter *RateLimiter

	// request context the framing decision depends on
	proto     []byte
	isHTTP11  bool
	isHead    bool
	keepAlive bool

	serverName []byte

	body []byte // buffered single-buffer body

	contentLength int64 // -1 while unknown
	written       int64
	chunked       bool
	noContent     bool
	wroteHeader   bool
	finished      bool
	upgraded      bool
	aborted       bool

	cw chunkedWriter
}

func (res *Response) reset(bw *bufio.Writer, limiter *RateLimiter, serverName []byte) {
	res.Header.Reset()
	res.status = fasthttp.StatusOK
	res.bw = bw
	res.limiter = limiter
	res.proto = strHTTP11
	res.isHTTP11 = true
	res.isHead = false
	res.keepAlive = true
	res.serverName = serverName
	res.body = res.body[:0]
	res.contentLength = -1
	res.written = 0
	res.chunked = false
	res.noContent = false
	res.wroteHeader = false
	res.finished = false
	res.upgraded = false
	res.aborted = false
	res.cw.bw = bw
}

func (res *Response) beginRequest(req *Request, keepAlive bool) {
	res.proto = req.Protocol()
	res.isHTTP11 = req.IsHTTP11()
	res.isHead = req.IsHead()
	res.keepAlive = keepAlive
}

// StatusCode returns the status that will be, or was, sent.
func (res *Response) StatusCode() int {
	return res.status
}

// SetStatus sets the response status. It fails with ErrHeadersSent once
// the head went out.
func (res *Response) SetStatus(status int) error {
	if res.wroteHeader {
		return ErrHeadersSent
	}
	res.status = status
	return nil
}

// HeadersSent reports whether the status line and header block have been
// written to the connection.
func (res *Response) HeadersSent() bool {
	return res.wroteHeader
}

// KeepAlive reports whether the connection will be kept open after this
// response.
func (res *Response) KeepAlive() bool {
	return res.keepAlive
}

// SetConnectionClose forces the connection to be dropped after this
// response. It has no effect once the head went out.
func (res *Response) SetConnectionClose() {
	if !res.wroteHeader {
		res.keepAlive = false
	}
}

// Abort gives up on the response after its head already went out: the
// body framing is left incomplete so the peer sees the truncation, and
// the connection is dropped instead of being reused.
func (res *Response) Abort() {
	res.keepAlive = false
	res.aborted = true
}

// SetContentLength announces the body size ahead of the first write,
// selecting fixed framing regardless of how the body is produced.
func (res *Response) SetContentLength(n int64) error {
	if res.wroteHeader {
		return ErrHeadersSent
	}
	res.contentLength = n
	return nil
}

// SetBody replaces the buffered response body. The final size is known up
// front, so the response goes out with a Content-Length.
func (res *Response) SetBody(body []byte) error {
	if res.wroteHeader {
		return ErrHeadersSent
	}
	res.body = append(res.body[:0], body...)
	return nil
}

// SetBodyString is SetBody for strings.
func (res *Response) SetBodyString(body string) error {
	if res.wroteHeader {
		return ErrHeadersSent
	}
	res.body = append(res.body[:0], body...)
	return nil
}

// statusNoContent reports whether the status forbids a message body.
func statusNoContent(status int) bool {
	return status < 200 ||
		status == fasthttp.StatusNoContent ||
		status == fasthttp.StatusNotModified
}

// WriteHeader sends the status line and header block. Calling it twice is
// a programming error reported as ErrHeadersSent.
func (res *Response) WriteHeader(status int) error {
	if res.wroteHeader {
		return ErrHeadersSent
	}
	res.status = status
	return res.writeHeader()
}

func (res *Response) writeHeader() error {
	res.wroteHeader = true
	res.noContent = statusNoContent(res.status) || res.isHead

	hasCL := false
	if cl := res.Header.PeekBytes(strContentLength); cl != nil {
		// the application announced the size through the mapping
		if v, err := parseUint(trimOWS(cl)); err == nil {
			res.contentLength = v
		}
		hasCL = true
	}

	switch {
	case res.status == fasthttp.StatusSwitchingProtocols:
		res.upgraded = true
	case statusNoContent(res.status):
		// neither Content-Length nor Transfer-Encoding on bodiless
		// statuses
	case res.contentLength >= 0:
		if !hasCL {
			var b [20]byte
			res.Header.SetBytes(strContentLength, appendUint(b[:0], res.contentLength))
		}
	case res.isHead:
		// nothing follows the head, no framing header needed
	case res.isHTTP11 && res.keepAlive:
		res.chunked = true
		res.Header.SetBytes(strTransferEncoding, strChunked)
	default:
		// unknown size on HTTP/1.0: the closing connection delimits
		// the body
		res.keepAlive = false
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.B = append(buf.B, res.proto...)
	buf.B = append(buf.B, ' ')
	buf.B = appendUint(buf.B, int64(res.status))
	buf.B = append(buf.B, ' ')
	buf.B = append(buf.B, fasthttp.StatusMessage(res.status)...)
	buf.B = append(buf.B, strCRLF...)

	if !res.upgraded {
		if !res.Header.Has("Date") {
			res.Header.AddBytes(strDate, serverDate())
		}
		if len(res.serverName) > 0 && !res.Header.Has("Server") {
			res.Header.AddBytes(strServer, res.serverName)
		}

		res.Header.Del("Connection")
		if res.keepAlive {
			res.Header.AddBytes(strConnection, strKeepAlive)
		} else {
			res.Header.AddBytes(strConnection, strClose)
		}
	}

	buf.B = res.Header.AppendBytes(buf.B)
	buf.B = append(buf.B, strCRLF...)

	_, err := res.bw.Write(buf.B)
	return err
}

// Write streams p as part of the response body, sending the head first
// when still pending. Writes are paced by the download limiter and
// flushed to the wire as they happen.
func (res *Response) Write(p []byte) (int, error) {
	if res.finished || res.aborted {
		return 0, ErrConnectionClosed
	}

	if !res.wroteHeader {
		if len(res.body) > 0 {
			// mixing SetBody with streamed writes is not supported;
			// the buffered body wins the framing decision
			res.body = append(res.body, p...)
			return len(p), nil
		}
		if err := res.writeHeader(); err != nil {
			return 0, err
		}
	}

	return res.writeBody(p, true)
}

// WriteString streams s as part of the response body.
func (res *Response) WriteString(s string) (int, error) {
	return res.Write(s2b(s))
}

func (res *Response) writeBody(p []byte, flush bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if res.noContent || res.upgraded {
		// HEAD and bodiless statuses accept and discard the payload
		res.written += int64(len(p))
		return len(p), nil
	}

	if res.contentLength >= 0 && res.written+int64(len(p)) > res.contentLength {
		return 0, ErrBodyTooLong
	}

	if res.limiter != nil {
		res.limiter.Wait(len(p))
	}

	var err error
	var n int
	if res.chunked {
		n, err = res.cw.Write(p)
	} else {
		n, err = res.bw.Write(p)
	}
	if err != nil {
		return n, err
	}
	res.written += int64(n)

	if flush {
		return n, res.bw.Flush()
	}
	return n, nil
}

// Flush pushes buffered output to the wire.
func (res *Response) Flush() error {
	if !res.wroteHeader {
		if err := res.writeHeader(); err != nil {
			return err
		}
	}
	return res.bw.Flush()
}

// finish completes the response: it sends the pending head, the buffered
// body and the chunked terminator, then flushes. The response is done
// only when finish returns.
func (res *Response) finish() error {
	if res.finished {
		return nil
	}
	res.finished = true

	if res.aborted {
		_ = res.bw.Flush()
		return ErrConnectionClosed
	}

	if res.upgraded {
		return res.bw.Flush()
	}

	if !res.wroteHeader {
		if res.contentLength < 0 {
			res.contentLength = int64(len(res.body))
		}
		if err := res.writeHeader(); err != nil {
			return err
		}
	}

	if len(res.body) > 0 {
		if _, err := res.writeBody(res.body, false); err != nil {
			return err
		}
	}

	if res.chunked {
		if err := res.cw.Close(); err != nil {
			return err
		}
	}

	return res.bw.Flush()
}

type dateEntry struct {
	unix int64
	b    []byte
}

var dateCache atomic.Value

// serverDate returns the current Date header value. The formatted bytes
// are cached for the current second and shared across connections; they
// must not be modified.
func serverDate() []byte {
	now := time.Now()
	unix := now.Unix()

	if v := dateCache.Load(); v != nil {
		if e := v.(*dateEntry); e.unix == unix {
			return e.b
		}
	}

	e := &dateEntry{
		unix: unix,
		b:    now.UTC().AppendFormat(nil, "Mon, 02 Jan 2006 15:04:05 GMT"),
	}
	dateCache.Store(e)

	return e.b
}
