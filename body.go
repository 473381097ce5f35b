package tremolo

import (
	"io"

	"github.com/valyala/bytebufferpool"
)

// wire hands buffered connection bytes to the body layer. peekMore blocks
// until at least one unconsumed byte is available, discard gives bytes
// back to the connection accounting.
type wire interface {
	peekMore() ([]byte, error)
	discard(n int)
}

type bodyKind int

const (
	bodyKindNone bodyKind = iota
	bodyKindFixed
	bodyKindChunked
)

// Body is the lazy request body stream: single pass, forward only. Chunks
// are delivered as they arrive on the wire, paced by the upload limiter;
// delivery fails with a payload-too-large error once the received byte
// count passes the body size limit. After exhaustion every call reports
// an empty stream, not an error.
//
// Byte slices returned by Chunk are valid until the next call on the
// Body; copy them to retain.
type Body struct {
	w       wire
	limiter *RateLimiter

	kind        bodyKind
	remaining   int64 // fixed framing only
	dec         chunkedDecoder
	decoded     []byte
	received    int64
	maxBodySize int64

	started  bool
	finished bool
	err      error

	// onFirstRead runs before the first wire pull, used for the
	// 100-continue round trip.
	onFirstRead func() error

	stash []byte // undelivered tail for Read
}

func (b *Body) reset(w wire, limiter *RateLimiter, maxBodySize int64) {
	b.w = w
	b.limiter = limiter
	b.kind = bodyKindNone
	b.remaining = 0
	b.decoded = b.decoded[:0]
	b.received = 0
	b.maxBodySize = maxBodySize
	b.started = false
	b.finished = false
	b.err = nil
	b.onFirstRead = nil
	b.stash = nil
}

func (b *Body) setFixed(contentLength int64) {
	b.kind = bodyKindFixed
	b.remaining = contentLength
	if contentLength <= 0 {
		b.kind = bodyKindNone
	}
}

func (b *Body) setChunked() {
	b.kind = bodyKindChunked
	b.dec.reset(b.maxBodySize)
}

// Finished reports whether the stream has been fully consumed.
func (b *Body) Finished() bool {
	return b.finished || b.kind == bodyKindNone
}

// Chunk returns the next body segment as it arrives from the wire. It
// returns io.EOF once the body is exhausted, and keeps returning io.EOF
// on further calls.
func (b *Body) Chunk() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.finished || b.kind == bodyKindNone {
		b.finished = true
		return nil, io.EOF
	}

	if !b.started {
		b.started = true
		if b.onFirstRead != nil {
			if err := b.onFirstRead(); err != nil {
				b.err = err
				return nil, err
			}
		}
	}

	var chunk []byte
	var err error
	switch b.kind {
	case bodyKindFixed:
		chunk, err = b.fixedChunk()
	default:
		chunk, err = b.chunkedChunk()
	}
	if err != nil {
		return nil, err
	}

	b.received += int64(len(chunk))
	if b.maxBodySize > 0 && b.received > b.maxBodySize {
		err = errPayloadTooLarge("request body above limit")
		b.err = err
		return nil, err
	}

	return chunk, nil
}

func (b *Body) fixedChunk() ([]byte, error) {
	if b.remaining == 0 {
		b.finished = true
		return nil, io.EOF
	}

	data, err := b.w.peekMore()
	if err != nil {
		b.err = err
		return nil, err
	}

	n := int64(len(data))
	if n > b.remaining {
		n = b.remaining
	}
	b.w.discard(int(n))
	b.remaining -= n

	if b.limiter != nil {
		b.limiter.Wait(int(n))
	}

	return data[:n], nil
}

func (b *Body) chunkedChunk() ([]byte, error) {
	for {
		if len(b.decoded) > 0 {
			chunk := b.decoded
			b.decoded = b.decoded[:0]
			if b.limiter != nil {
				b.limiter.Wait(len(chunk))
			}
			return chunk, nil
		}

		if b.dec.finished() {
			b.finished = true
			return nil, io.EOF
		}

		data, err := b.w.peekMore()
		if err != nil {
			b.err = err
			return nil, err
		}

		decoded, consumed, err := b.dec.decode(b.decoded[:0], data)
		b.w.discard(consumed)
		if err != nil {
			b.err = err
			return nil, err
		}
		b.decoded = decoded
	}
}

// Read implements io.Reader over the chunk stream.
func (b *Body) Read(p []byte) (int, error) {
	if len(b.stash) == 0 {
		chunk, err := b.Chunk()
		if err != nil {
			return 0, err
		}
		b.stash = chunk
	}

	n := copy(p, b.stash)
	b.stash = b.stash[n:]
	return n, nil
}

// Bytes drains the remaining stream into one buffer. It fails with
// ErrBodyConsumed when the stream was partially read before. Calling it
// on an exhausted body returns an empty slice.
func (b *Body) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.Finished() {
		return nil, nil
	}
	if b.started {
		return nil, ErrBodyConsumed
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	for {
		chunk, err := b.Chunk()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		_, _ = buf.Write(chunk)
	}

	out := make([]byte, len(buf.B))
	copy(out, buf.B)
	return out, nil
}

// Close discards whatever is left of the stream so the connection can be
// reused. It does not touch the underlying connection.
func (b *Body) Close() error {
	for {
		_, err := b.Chunk()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
