package tremolo

import (
	"bufio"
	"bytes"
	"errors"
	"testing"

	"github.com/valyala/fasthttp"
)

// decodeAll feeds src into a fresh decoder in step-sized slices and
// returns the decoded payload plus the number of consumed input bytes.
func decodeAll(t *testing.T, src []byte, step, maxChunk int) ([]byte, int) {
	t.Helper()

	var d chunkedDecoder
	d.reset(int64(maxChunk))

	var out []byte
	consumed := 0

	for consumed < len(src) && !d.finished() {
		end := consumed + step
		if end > len(src) {
			end = len(src)
		}

		var n int
		var err error
		out, n, err = d.decode(out, src[consumed:end])
		consumed += n
		if err != nil {
			t.Fatalf("decode: %s", err)
		}
		if n == 0 && !d.finished() {
			t.Fatal("decoder made no progress")
		}
	}

	if !d.finished() {
		t.Fatal("decoder never reached the terminator")
	}
	return out, consumed
}

func TestChunkedDecode(t *testing.T) {
	src := []byte("4\r\nWiki\r\n6\r\npedia \r\nb\r\nin \r\nchunks\r\n0\r\n\r\n")
	want := "Wikipedia in chunks"

	for _, step := range []int{len(src), 5, 1} {
		out, consumed := decodeAll(t, src, step, 0)
		if string(out) != want {
			t.Fatalf("step %d: decoded %q, want %q", step, out, want)
		}
		if consumed != len(src) {
			t.Fatalf("step %d: consumed %d of %d", step, consumed, len(src))
		}
	}
}

func TestChunkedRoundTrip(t *testing.T) {
	chunks := [][]byte{
		[]byte("hello, "),
		[]byte("chunked "),
		bytes.Repeat([]byte("x"), 300), // forces a multi-digit hex size
		[]byte("world"),
	}

	var wire bytes.Buffer
	bw := bufio.NewWriter(&wire)
	cw := chunkedWriter{bw: bw}

	var want []byte
	for _, c := range chunks {
		if _, err := cw.Write(c); err != nil {
			t.Fatal(err)
		}
		want = append(want, c...)
	}
	if err := cw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatal(err)
	}

	for _, step := range []int{wire.Len(), 1} {
		out, _ := decodeAll(t, wire.Bytes(), step, 0)
		if !bytes.Equal(out, want) {
			t.Fatalf("step %d: round trip mismatch", step)
		}
	}
}

func TestChunkedDecodeExtensionsAndTrailers(t *testing.T) {
	src := []byte("5;ext=ignored\r\nhello\r\n0\r\nX-Checksum: abc\r\n\r\n")

	out, consumed := decodeAll(t, src, 3, 0)
	if string(out) != "hello" {
		t.Fatalf("decoded %q", out)
	}
	if consumed != len(src) {
		t.Fatalf("trailer section not consumed: %d of %d", consumed, len(src))
	}
}

func TestChunkedDecodeLeavesPipelinedTail(t *testing.T) {
	src := []byte("3\r\nfoo\r\n0\r\n\r\nGET / HTTP/1.1\r\n")

	var d chunkedDecoder
	d.reset(0)

	out, n, err := d.decode(nil, src)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "foo" {
		t.Fatalf("decoded %q", out)
	}
	if !d.finished() {
		t.Fatal("terminator not recognized")
	}
	if string(src[n:]) != "GET / HTTP/1.1\r\n" {
		t.Fatalf("tail %q should stay with the connection", src[n:])
	}
}

func TestChunkedDecodeErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		src    string
		status int
	}{
		{name: "malformed hex", src: "zz\r\nfoo\r\n", status: fasthttp.StatusBadRequest},
		{name: "missing CR", src: "3\r\nfooX\r\n", status: fasthttp.StatusBadRequest},
		{name: "missing LF", src: "3\r\nfoo\rX", status: fasthttp.StatusBadRequest},
		{name: "empty size line", src: "\r\n", status: fasthttp.StatusBadRequest},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var d chunkedDecoder
			d.reset(0)

			_, _, err := d.decode(nil, []byte(tc.src))
			if err == nil {
				t.Fatal("malformed input accepted")
			}
			var pe *ProtocolError
			if !errors.As(err, &pe) || pe.Status != tc.status {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}
}

func TestChunkedDecodeSizeCap(t *testing.T) {
	var d chunkedDecoder
	d.reset(16)

	_, _, err := d.decode(nil, []byte("ff\r\n"))
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Status != fasthttp.StatusRequestEntityTooLarge {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestChunkedDecodeOversizedSizeLine(t *testing.T) {
	var d chunkedDecoder
	d.reset(0)

	line := bytes.Repeat([]byte("1"), maxChunkLineSize+2)
	_, _, err := d.decode(nil, line)
	if err == nil {
		t.Fatal("oversized size line accepted")
	}
}
