package tremolo

import (
	"bytes"
	"sync"
)

var requestPool = sync.Pool{
	New: func() interface{} {
		return &Request{}
	},
}

// AcquireRequest gets a Request from the pool.
func AcquireRequest() *Request {
	req := requestPool.Get().(*Request)
	req.Reset()
	return req
}

// ReleaseRequest resets and puts req to the pool.
func ReleaseRequest(req *Request) {
	req.Reset()
	requestPool.Put(req)
}

// Request is one parsed HTTP request head plus its lazily read body.
// All fields except body progress are settled once the header phase ends.
//
// Request instances MUST NOT be used from different goroutines.
type Request struct {
	method     []byte
	requestURI []byte
	path       []byte
	rawQuery   []byte
	proto      []byte

	// Header holds the request fields in arrival order.
	Header Header

	isHTTP11       bool
	chunked        bool
	contentLength  int64
	expectContinue bool
	wantClose      bool
	wantKeepAlive  bool

	body *Body
}

// Reset clears the request for reuse.
func (req *Request) Reset() {
	req.method = req.method[:0]
	req.requestURI = req.requestURI[:0]
	req.path = req.path[:0]
	req.rawQuery = req.rawQuery[:0]
	req.proto = req.proto[:0]
	req.Header.Reset()
	req.isHTTP11 = false
	req.chunked = false
	req.contentLength = -1
	req.expectContinue = false
	req.wantClose = false
	req.wantKeepAlive = false
	req.body = nil
}

// Method returns the request method verbatim.
func (req *Request) Method() []byte {
	return req.method
}

// RequestURI returns the raw request target.
func (req *Request) RequestURI() []byte {
	return req.requestURI
}

// Path returns the request target up to the first '?'.
func (req *Request) Path() []byte {
	return req.path
}

// RawQuery returns the request target after the first '?', empty when the
// target carries no query string.
func (req *Request) RawQuery() []byte {
	return req.rawQuery
}

// Protocol returns the protocol of the request line, HTTP/1.0 or HTTP/1.1.
func (req *Request) Protocol() []byte {
	return req.proto
}

// IsHTTP11 reports whether the request was made as HTTP/1.1.
func (req *Request) IsHTTP11() bool {
	return req.isHTTP11
}

// Host returns the Host header value.
func (req *Request) Host() []byte {
	return req.Header.PeekBytes(strHost)
}

// IsGet returns true if the request method is GET.
func (req *Request) IsGet() bool {
	return bytes.Equal(req.method, strGET)
}

// IsHead returns true if the request method is HEAD.
func (req *Request) IsHead() bool {
	return bytes.Equal(req.method, strHEAD)
}

// IsPost returns true if the request method is POST.
func (req *Request) IsPost() bool {
	return bytes.Equal(req.method, strPOST)
}

// ContentLength returns the announced body size. It is -1 when no
// Content-Length header was present, chunked requests included.
func (req *Request) ContentLength() int64 {
	return req.contentLength
}

// IsChunked reports whether the body arrives in chunked transfer coding.
func (req *Request) IsChunked() bool {
	return req.chunked
}

// HasBody reports whether the request announces a non-empty body.
func (req *Request) HasBody() bool {
	return req.chunked || req.contentLength > 0
}

// ExpectsContinue reports whether the client asked for a 100 Continue
// before sending its body.
func (req *Request) ExpectsContinue() bool {
	return req.expectContinue
}

// ConnectionClose reports whether the client asked to drop the connection
// after this request.
func (req *Request) ConnectionClose() bool {
	return req.wantClose
}

// KeepAlive reports whether protocol rules allow reusing the connection
// after this request: HTTP/1.1 by default, HTTP/1.0 only on an explicit
// keep-alive header.
func (req *Request) KeepAlive() bool {
	if req.wantClose {
		return false
	}
	if req.isHTTP11 {
		return true
	}
	return req.wantKeepAlive
}

// Body returns the lazy body stream. It never returns nil; bodiless
// requests yield an immediately exhausted stream.
func (req *Request) Body() *Body {
	return req.body
}

// Multipart interprets the body as multipart content and returns a
// streaming reader over its parts. The request Content-Type must carry a
// multipart media type with a boundary parameter.
func (req *Request) Multipart() (*MultipartReader, error) {
	boundary, err := multipartBoundary(req.Header.PeekBytes(strContentType))
	if err != nil {
		return nil, err
	}
	return newMultipartReader(req.Body(), boundary), nil
}

func (req *Request) setRequestURI(target []byte) {
	req.requestURI = append(req.requestURI[:0], target...)

	uri := req.requestURI
	if i := bytes.IndexByte(uri, '?'); i >= 0 {
		req.path = append(req.path[:0], uri[:i]...)
		req.rawQuery = append(req.rawQuery[:0], uri[i+1:]...)
	} else {
		req.path = append(req.path[:0], uri...)
		req.rawQuery = req.rawQuery[:0]
	}
}
