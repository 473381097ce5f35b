package tremolo

import (
	"strings"
	"testing"
)

func newTestSSE(t *testing.T) (*SSE, func() string) {
	t.Helper()

	var ctx RequestCtx
	res, wire := newTestResponse(nil)
	ctx.Response = *res

	sse := NewSSE(&ctx)

	return sse, func() string {
		if err := ctx.Response.finish(); err != nil {
			t.Fatal(err)
		}

		_, headers, body := splitHead(t, wire.Bytes())
		if headers["content-type"] != "text/event-stream" {
			t.Fatalf("content-type %q", headers["content-type"])
		}
		if !strings.Contains(headers["cache-control"], "no-cache") {
			t.Fatalf("cache-control %q", headers["cache-control"])
		}

		var d chunkedDecoder
		d.reset(0)
		decoded, _, err := d.decode(nil, body)
		if err != nil {
			t.Fatalf("event stream framing: %s", err)
		}
		return string(decoded)
	}
}

func TestSSESend(t *testing.T) {
	sse, done := newTestSSE(t)

	if err := sse.SendString("hello"); err != nil {
		t.Fatal(err)
	}

	if got := done(); got != "data: hello\n\n" {
		t.Fatalf("stream %q", got)
	}
}

func TestSSESendEventFields(t *testing.T) {
	sse, done := newTestSSE(t)

	if err := sse.SendEvent([]byte("payload"), "update", "42", 3000); err != nil {
		t.Fatal(err)
	}

	want := "data: payload\nevent: update\nid: 42\nretry: 3000\n\n"
	if got := done(); got != want {
		t.Fatalf("stream %q, want %q", got, want)
	}
}

func TestSSEMultilineData(t *testing.T) {
	sse, done := newTestSSE(t)

	if err := sse.SendString("line one\nline two"); err != nil {
		t.Fatal(err)
	}

	want := "data: line one\ndata: line two\n\n"
	if got := done(); got != want {
		t.Fatalf("stream %q, want %q", got, want)
	}
}

func TestSSERejectsBrokenFields(t *testing.T) {
	sse, _ := newTestSSE(t)

	if err := sse.SendEvent([]byte("x"), "multi\nline", "", 0); err != errEventFieldBreak {
		t.Fatalf("unexpected error %v", err)
	}
	if err := sse.SendEvent([]byte("x"), "", "multi\nline", 0); err != errEventFieldBreak {
		t.Fatalf("unexpected error %v", err)
	}
}
