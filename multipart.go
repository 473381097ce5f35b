package tremolo

import (
	"bytes"
	"errors"
	"io"
)

var (
	// ErrNotMultipart is returned by Request.Multipart when the request
	// carries no multipart media type with a boundary parameter.
	ErrNotMultipart = errors.New("not a multipart request")
)

const (
	maxPartHeaderSize  = 8192
	maxPartHeaderCount = 32
)

// multipartBoundary extracts the boundary parameter from a
// multipart/* Content-Type value.
func multipartBoundary(contentType []byte) ([]byte, error) {
	ct := trimOWS(contentType)
	if len(ct) < len(strMultipart) || !equalFold(ct[:len(strMultipart)], strMultipart) {
		return nil, ErrNotMultipart
	}

	boundary := mimeParam(ct, strBoundary)
	if len(boundary) == 0 {
		return nil, ErrNotMultipart
	}

	return boundary, nil
}

// mimeParam returns the value of the named parameter inside a
// semicolon-separated header value, with surrounding quotes removed. It
// returns nil when the parameter is absent.
func mimeParam(v, name []byte) []byte {
	for {
		i := bytes.IndexByte(v, ';')
		if i < 0 {
			return nil
		}
		v = v[i+1:]

		param := v
		if j := bytes.IndexByte(param, ';'); j >= 0 {
			param = param[:j]
		}
		param = trimOWS(param)

		eq := bytes.IndexByte(param, '=')
		if eq < 0 {
			continue
		}

		if equalFold(trimOWS(param[:eq]), name) {
			val := trimOWS(param[eq+1:])
			if len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"' {
				val = val[1 : len(val)-1]
			}
			return val
		}
	}
}

type multipartState int

const (
	multipartStatePreamble multipartState = iota
	multipartStatePartHeader
	multipartStatePartBody
	multipartStateDone
)

// MultipartReader streams the parts of a multipart body in arrival order.
// No part is buffered whole: part bodies are handed out as they cross the
// boundary scanner.
type MultipartReader struct {
	body *Body

	// delimiter is CRLF + two dashes + the boundary token. The window is
	// seeded with a CRLF so the first boundary matches the same pattern.
	delimiter []byte
	buf       []byte
	bodyEOF   bool

	state multipartState
	part  Part
}

func newMultipartReader(body *Body, boundary []byte) *MultipartReader {
	mr := &MultipartReader{
		body:  body,
		state: multipartStatePreamble,
	}

	mr.delimiter = append(mr.delimiter, strCRLF...)
	mr.delimiter = append(mr.delimiter, '-', '-')
	mr.delimiter = append(mr.delimiter, boundary...)

	mr.buf = append(mr.buf, strCRLF...)
	mr.part.mr = mr

	return mr
}

// fill appends the next body chunk to the scan window.
func (mr *MultipartReader) fill() error {
	if mr.bodyEOF {
		return errBadRequest("multipart body ended before closing boundary")
	}

	chunk, err := mr.body.Chunk()
	if err == io.EOF {
		mr.bodyEOF = true
		return nil
	}
	if err != nil {
		return err
	}

	mr.buf = append(mr.buf, chunk...)
	return nil
}

func (mr *MultipartReader) consume(n int) {
	mr.buf = mr.buf[n:]
}

// NextPart returns the next part of the body. The previous part is
// drained and invalidated. io.EOF reports the closing boundary.
func (mr *MultipartReader) NextPart() (*Part, error) {
	if mr.state == multipartStatePartBody {
		if err := mr.part.drain(); err != nil {
			return nil, err
		}
	}

	headerStarted := false

	for {
		switch mr.state {
		case multipartStatePreamble:
			skip, hit, err := mr.scanBoundary()
			if err != nil {
				return nil, err
			}
			mr.consume(skip)
			if !hit {
				if err := mr.fill(); err != nil {
					return nil, err
				}
				continue
			}

		case multipartStatePartHeader:
			if !headerStarted {
				headerStarted = true
				mr.part.reset()
			}

			done, err := mr.parsePartHeader()
			if err != nil {
				return nil, err
			}
			if !done {
				if err := mr.fill(); err != nil {
					return nil, err
				}
				continue
			}
			return &mr.part, nil

		case multipartStatePartBody:
			// only reachable when drain left us mid-part
			return nil, errBadRequest("multipart scan desynchronized")

		case multipartStateDone:
			return nil, io.EOF
		}
	}
}

// scanBoundary looks for the delimiter at the start of the window's
// discardable span. It returns how many bytes may be dropped and whether
// the delimiter plus its line ending was fully consumed, advancing the
// state accordingly.
func (mr *MultipartReader) scanBoundary() (skip int, hit bool, err error) {
	from := 0
	for {
		j := bytes.Index(mr.buf[from:], mr.delimiter)
		if j < 0 {
			keep := len(mr.delimiter) - 1
			if keep > len(mr.buf) {
				keep = len(mr.buf)
			}
			return len(mr.buf) - keep, false, nil
		}
		i := from + j

		end, final, valid, ok := mr.boundaryLineEnd(i)
		if !ok {
			return i, false, nil
		}
		if !valid {
			// a line that merely starts with the boundary token
			from = i + 1
			continue
		}

		mr.consume(i + end)
		if final {
			mr.state = multipartStateDone
		} else {
			mr.state = multipartStatePartHeader
		}

		return 0, true, nil
	}
}

// boundaryLineEnd inspects the line rest behind the delimiter found at
// offset i. It reports the length from the delimiter start to past the
// line end, whether this was the closing boundary, whether the line is a
// boundary line at all, and whether enough bytes were buffered to
// decide. Only two closing dashes and transport padding may follow the
// delimiter; anything else is part data that happens to contain the
// boundary token.
func (mr *MultipartReader) boundaryLineEnd(i int) (end int, final, valid, ok bool) {
	rest := mr.buf[i+len(mr.delimiter):]

	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 {
		// the closing boundary may legally end the stream without a
		// line break
		if mr.bodyEOF && bytes.HasPrefix(rest, strDashDash) && isBoundaryPadding(rest[2:]) {
			return len(mr.delimiter) + len(rest), true, true, true
		}
		return 0, false, false, false
	}

	line := rest[:nl]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}

	final = bytes.HasPrefix(line, strDashDash)
	if final {
		line = line[2:]
	}
	if !isBoundaryPadding(line) {
		return 0, false, false, true
	}

	return len(mr.delimiter) + nl + 1, final, true, true
}

// isBoundaryPadding reports whether b holds only the linear whitespace
// transports may append to a boundary line.
func isBoundaryPadding(b []byte) bool {
	for _, c := range b {
		if c != ' ' && c != '\t' {
			return false
		}
	}
	return true
}

// parsePartHeader consumes header lines of the upcoming part until the
// blank separator line.
func (mr *MultipartReader) parsePartHeader() (bool, error) {
	for {
		line, adv, ok := nextLine(mr.buf)
		if !ok {
			if len(mr.buf) > maxPartHeaderSize {
				return false, errBadRequest("multipart part header too large")
			}
			return false, nil
		}

		mr.consume(adv)
		mr.part.headerSize += adv
		if mr.part.headerSize > maxPartHeaderSize {
			return false, errBadRequest("multipart part header too large")
		}

		if len(line) == 0 {
			mr.state = multipartStatePartBody
			return true, nil
		}

		if mr.part.Header.Len() >= maxPartHeaderCount {
			return false, errBadRequest("too many multipart part header fields")
		}

		name, value, err := parseHeaderField(line)
		if err != nil {
			return false, err
		}
		mr.part.Header.AddBytes(name, value)
	}
}

// readPartData hands out part body bytes up to the next boundary.
func (mr *MultipartReader) readPartData() ([]byte, error) {
	for {
		i := bytes.Index(mr.buf, mr.delimiter)
		if i == 0 {
			end, final, valid, ok := mr.boundaryLineEnd(0)
			if !ok {
				if err := mr.fill(); err != nil {
					return nil, err
				}
				continue
			}
			if !valid {
				// the boundary token belongs to the part data here
				data := mr.buf[:1]
				mr.consume(1)
				return data, nil
			}

			mr.consume(end)
			if final {
				mr.state = multipartStateDone
			} else {
				mr.state = multipartStatePartHeader
			}
			return nil, io.EOF
		}

		if i > 0 {
			data := mr.buf[:i]
			mr.consume(i)
			return data, nil
		}

		keep := len(mr.delimiter) - 1
		if keep > len(mr.buf) {
			keep = len(mr.buf)
		}
		if n := len(mr.buf) - keep; n > 0 {
			data := mr.buf[:n]
			mr.consume(n)
			return data, nil
		}

		if err := mr.fill(); err != nil {
			return nil, err
		}
	}
}

// Part is one section of a multipart body. Its body is read through the
// parent MultipartReader and is only valid until the next NextPart call.
type Part struct {
	// Header holds the part's fields, Content-Disposition included.
	Header Header

	mr         *MultipartReader
	headerSize int
	done       bool

	stash []byte
}

func (p *Part) reset() {
	p.Header.Reset()
	p.headerSize = 0
	p.done = false
	p.stash = nil
}

// Name returns the field name from the Content-Disposition header.
func (p *Part) Name() string {
	return string(mimeParam(p.Header.PeekBytes(strContentDisposition), strName))
}

// FileName returns the filename parameter of the Content-Disposition
// header, empty for non-file fields.
func (p *Part) FileName() string {
	return string(mimeParam(p.Header.PeekBytes(strContentDisposition), strFileName))
}

// ContentType returns the part's own Content-Type value.
func (p *Part) ContentType() []byte {
	return p.Header.PeekBytes(strContentType)
}

// Chunk returns the next segment of the part body, io.EOF at the part's
// closing boundary. The returned slice is valid until the next call on
// the reader.
func (p *Part) Chunk() ([]byte, error) {
	if p.done {
		return nil, io.EOF
	}

	data, err := p.mr.readPartData()
	if err == io.EOF {
		p.done = true
	}
	return data, err
}

// Read implements io.Reader over the part body.
func (p *Part) Read(b []byte) (int, error) {
	if len(p.stash) == 0 {
		chunk, err := p.Chunk()
		if err != nil {
			return 0, err
		}
		p.stash = chunk
	}

	n := copy(b, p.stash)
	p.stash = p.stash[n:]
	return n, nil
}

func (p *Part) drain() error {
	for {
		_, err := p.Chunk()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
