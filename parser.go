package tremolo

import (
	"bytes"
)

type parserState int

const (
	parserStateRequestLine parserState = iota
	parserStateHeaders
	parserStateDone
)

// the number of empty lines tolerated in front of a request line
const maxLeadingEmptyLines = 2

// tokenTable marks the bytes valid in methods and header field names
// (RFC 7230 tchar).
var tokenTable = func() (t [256]bool) {
	for c := '0'; c <= '9'; c++ {
		t[c] = true
	}
	for c := 'a'; c <= 'z'; c++ {
		t[c] = true
	}
	for c := 'A'; c <= 'Z'; c++ {
		t[c] = true
	}
	for _, c := range []byte("!#$%&'*+-.^_`|~") {
		t[c] = true
	}
	return t
}()

func isToken(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if !tokenTable[c] {
			return false
		}
	}
	return true
}

// parseHeaderField splits a header line at the first colon. The name must
// be a non-empty token, the value is stripped of optional whitespace.
// Lines continuing a previous field (obs-fold) are rejected.
func parseHeaderField(line []byte) (name, value []byte, err error) {
	if line[0] == ' ' || line[0] == '\t' {
		return nil, nil, errBadRequest("folded header field")
	}

	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return nil, nil, errBadRequest("header field without colon")
	}

	name = line[:i]
	if !isToken(name) {
		return nil, nil, errBadRequest("invalid header field name")
	}

	return name, trimOWS(line[i+1:]), nil
}

// RequestParser turns raw head bytes into a Request incrementally. Parse
// never blocks: it consumes what it can and reports whether the head is
// complete, leaving body bytes and pipelined requests untouched in the
// caller's buffer.
//
// RequestParser instances MUST NOT be used from different goroutines.
type RequestParser struct {
	maxRequestLineSize int
	maxHeaderSize      int
	maxHeaderCount     int

	state      parserState
	headSize   int
	emptyLines int
	req        *Request
}

// NewRequestParser returns a parser enforcing the given head limits.
// Zero limits pick the package defaults.
func NewRequestParser(maxRequestLineSize, maxHeaderSize, maxHeaderCount int) *RequestParser {
	if maxRequestLineSize <= 0 {
		maxRequestLineSize = DefaultMaxRequestLineSize
	}
	if maxHeaderSize <= 0 {
		maxHeaderSize = DefaultMaxHeaderSize
	}
	if maxHeaderCount <= 0 {
		maxHeaderCount = DefaultMaxHeaderCount
	}

	return &RequestParser{
		maxRequestLineSize: maxRequestLineSize,
		maxHeaderSize:      maxHeaderSize,
		maxHeaderCount:     maxHeaderCount,
	}
}

// Reset binds the parser to req and prepares it for a new request head.
func (p *RequestParser) Reset(req *Request) {
	p.state = parserStateRequestLine
	p.headSize = 0
	p.emptyLines = 0
	p.req = req
}

// Started reports whether any byte of the current request head has been
// consumed. The connection handler uses it to tell an idle wait from a
// stalled request.
func (p *RequestParser) Started() bool {
	return p.state != parserStateRequestLine || p.headSize > 0
}

// Parse consumes head bytes from buf. It returns the number of consumed
// bytes and whether the head is complete. Incomplete lines stay in buf;
// feeding a grown buffer continues where the last call stopped.
func (p *RequestParser) Parse(buf []byte) (n int, complete bool, err error) {
	for {
		switch p.state {
		case parserStateRequestLine:
			line, adv, ok := nextLine(buf[n:])
			if !ok {
				if len(buf)-n > p.maxRequestLineSize {
					return n, false, errHeaderTooLarge("request line too long")
				}
				return n, false, nil
			}

			if len(line) == 0 {
				p.emptyLines++
				if p.emptyLines > maxLeadingEmptyLines {
					return n, false, errBadRequest("empty request line")
				}
				n += adv
				continue
			}

			if len(line) > p.maxRequestLineSize {
				return n, false, errHeaderTooLarge("request line too long")
			}
			if err = p.parseRequestLine(line); err != nil {
				return n, false, err
			}

			n += adv
			p.headSize = 0
			p.state = parserStateHeaders

		case parserStateHeaders:
			line, adv, ok := nextLine(buf[n:])
			if !ok {
				if p.headSize+len(buf)-n > p.maxHeaderSize {
					return n, false, errHeaderTooLarge("header block too large")
				}
				return n, false, nil
			}

			n += adv
			p.headSize += adv
			if p.headSize > p.maxHeaderSize {
				return n, false, errHeaderTooLarge("header block too large")
			}

			if len(line) == 0 {
				p.state = parserStateDone
				if err = p.finalize(); err != nil {
					return n, false, err
				}
				return n, true, nil
			}

			if p.req.Header.Len() >= p.maxHeaderCount {
				return n, false, errHeaderTooLarge("too many header fields")
			}

			name, value, ferr := parseHeaderField(line)
			if ferr != nil {
				return n, false, ferr
			}
			p.req.Header.AddBytes(name, value)

		case parserStateDone:
			return n, true, nil
		}
	}
}

// nextLine cuts the first CRLF-terminated line from buf. A bare LF is
// accepted as terminator as well.
func nextLine(buf []byte) (line []byte, advance int, ok bool) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return nil, 0, false
	}

	line = buf[:i]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}

	return line, i + 1, true
}

func (p *RequestParser) parseRequestLine(line []byte) error {
	i := bytes.IndexByte(line, ' ')
	if i <= 0 {
		return errBadRequest("malformed request line")
	}
	method := line[:i]
	rest := line[i+1:]

	j := bytes.IndexByte(rest, ' ')
	if j <= 0 {
		return errBadRequest("malformed request line")
	}
	target := rest[:j]
	proto := rest[j+1:]

	if !isToken(method) {
		return errBadRequest("invalid method")
	}

	req := p.req
	switch {
	case bytes.Equal(proto, strHTTP11):
		req.isHTTP11 = true
	case bytes.Equal(proto, strHTTP10):
		req.isHTTP11 = false
	default:
		return errBadRequest("unsupported protocol version")
	}

	req.method = append(req.method[:0], method...)
	req.proto = append(req.proto[:0], proto...)
	req.setRequestURI(target)

	return nil
}

// finalize runs after the blank line: it derives body framing and
// connection hints from the parsed header fields.
func (p *RequestParser) finalize() error {
	req := p.req

	te := req.Header.PeekBytes(strTransferEncoding)
	cl := req.Header.PeekBytes(strContentLength)

	if te != nil {
		if !req.isHTTP11 {
			return errBadRequest("transfer encoding on HTTP/1.0")
		}
		if cl != nil {
			// both framings at once is a smuggling vector
			return errBadRequest("content-length with transfer-encoding")
		}
		if !hasToken(te, strChunked) {
			return errBadRequest("unsupported transfer encoding")
		}
		req.chunked = true
	} else if cl != nil {
		cl = trimOWS(cl)
		if p.conflicting(strContentLength, cl) {
			return errBadRequest("conflicting content-length")
		}
		v, err := parseUint(cl)
		if err != nil {
			return errBadRequest("malformed content-length")
		}
		req.contentLength = v
	}

	if conn := req.Header.PeekBytes(strConnection); conn != nil {
		if hasToken(conn, strClose) {
			req.wantClose = true
		} else if !req.isHTTP11 && hasToken(conn, strKeepAlive) {
			req.wantKeepAlive = true
		}
	}

	if req.isHTTP11 {
		if v := req.Header.PeekBytes(strExpect); v != nil && equalFold(trimOWS(v), str100Continue) {
			req.expectContinue = true
		}
	}

	return nil
}

// conflicting reports whether any value of key differs from want.
// Repeats carrying the same value collapse to one, per RFC 7230
// section 3.3.2.
func (p *RequestParser) conflicting(key, want []byte) bool {
	conflict := false
	p.req.Header.PeekAll(key, func(v []byte) {
		if !bytes.Equal(trimOWS(v), want) {
			conflict = true
		}
	})
	return conflict
}
