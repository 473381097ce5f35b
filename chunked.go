package tremolo

import (
	"bufio"
	"bytes"
)

const (
	// caps for the metadata lines inside a chunked stream
	maxChunkLineSize    = 256
	maxChunkTrailerSize = 4096
)

type chunkedState int

const (
	chunkedStateSize chunkedState = iota
	chunkedStateData
	chunkedStateDataCR
	chunkedStateDataLF
	chunkedStateTrailer
	chunkedStateDone
)

// chunkedDecoder incrementally decodes a chunked transfer coding stream.
// Input may be split at any byte position; partial size lines and chunk
// payloads carry over between calls.
type chunkedDecoder struct {
	state       chunkedState
	line        []byte // partial size or trailer line
	remaining   int64  // undelivered bytes of the current chunk
	trailerSize int
	maxChunk    int64 // single chunk size cap, 0 means no cap
}

func (d *chunkedDecoder) reset(maxChunk int64) {
	d.state = chunkedStateSize
	d.line = d.line[:0]
	d.remaining = 0
	d.trailerSize = 0
	d.maxChunk = maxChunk
}

// finished reports whether the terminating zero chunk and its trailer
// section have been fully consumed.
func (d *chunkedDecoder) finished() bool {
	return d.state == chunkedStateDone
}

// readLine moves bytes of src into d.line until LF. It returns the
// completed line without CRLF, the consumed count and whether a full line
// was seen.
func (d *chunkedDecoder) readLine(src []byte, max int) ([]byte, int, error) {
	i := bytes.IndexByte(src, '\n')
	if i < 0 {
		if len(d.line)+len(src) > max {
			return nil, 0, errBadRequest("chunk metadata line too long")
		}
		d.line = append(d.line, src...)
		return nil, len(src), nil
	}

	if len(d.line)+i > max {
		return nil, 0, errBadRequest("chunk metadata line too long")
	}

	line := append(d.line, src[:i]...)
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	d.line = d.line[:0]

	return line, i + 1, nil
}

// decode consumes src, appending decoded payload bytes to dst. It returns
// the grown dst and how much of src was consumed. Once the terminator has
// been reached no further input is consumed; leftover bytes belong to the
// connection again.
func (d *chunkedDecoder) decode(dst, src []byte) ([]byte, int, error) {
	var n int

	for n < len(src) {
		switch d.state {
		case chunkedStateSize:
			line, adv, err := d.readLine(src[n:], maxChunkLineSize)
			n += adv
			if err != nil {
				return dst, n, err
			}
			if line == nil {
				continue
			}

			// chunk extensions are tolerated and dropped
			if i := bytes.IndexByte(line, ';'); i >= 0 {
				line = line[:i]
			}

			size, err := parseHexUint(trimOWS(line))
			if err != nil {
				return dst, n, errBadRequest("malformed chunk size")
			}
			if d.maxChunk > 0 && size > d.maxChunk {
				return dst, n, errPayloadTooLarge("chunk size above limit")
			}

			if size == 0 {
				d.state = chunkedStateTrailer
			} else {
				d.remaining = size
				d.state = chunkedStateData
			}

		case chunkedStateData:
			m := int64(len(src) - n)
			if m > d.remaining {
				m = d.remaining
			}
			dst = append(dst, src[n:n+int(m)]...)
			n += int(m)
			d.remaining -= m
			if d.remaining == 0 {
				d.state = chunkedStateDataCR
			}

		case chunkedStateDataCR:
			if src[n] != '\r' {
				return dst, n, errBadRequest("missing CR after chunk data")
			}
			n++
			d.state = chunkedStateDataLF

		case chunkedStateDataLF:
			if src[n] != '\n' {
				return dst, n, errBadRequest("missing LF after chunk data")
			}
			n++
			d.state = chunkedStateSize

		case chunkedStateTrailer:
			line, adv, err := d.readLine(src[n:], maxChunkTrailerSize-d.trailerSize)
			n += adv
			if err != nil {
				return dst, n, errBadRequest("trailer section too long")
			}
			if line == nil {
				continue
			}
			d.trailerSize += len(line) + 2
			if len(line) == 0 {
				d.state = chunkedStateDone
				return dst, n, nil
			}

		case chunkedStateDone:
			return dst, n, nil
		}
	}

	return dst, n, nil
}

// chunkedWriter frames written bytes as chunked transfer coding on bw.
// Close writes the terminating chunk. Flushing is left to the caller.
type chunkedWriter struct {
	bw      *bufio.Writer
	sizeBuf []byte
}

func (cw *chunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	cw.sizeBuf = appendHexUint(cw.sizeBuf[:0], int64(len(p)))
	cw.sizeBuf = append(cw.sizeBuf, strCRLF...)

	if _, err := cw.bw.Write(cw.sizeBuf); err != nil {
		return 0, err
	}
	if _, err := cw.bw.Write(p); err != nil {
		return 0, err
	}
	if _, err := cw.bw.Write(strCRLF); err != nil {
		return 0, err
	}

	return len(p), nil
}

func (cw *chunkedWriter) Close() error {
	_, err := cw.bw.Write(strChunkedEnd)
	return err
}
