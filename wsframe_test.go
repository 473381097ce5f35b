package tremolo

import (
	"bufio"
	"bytes"
	"testing"
)

func frameRoundTrip(t *testing.T, fr *WebSocketFrame) *WebSocketFrame {
	t.Helper()

	var wire bytes.Buffer
	bw := bufio.NewWriter(&wire)
	if _, err := fr.WriteTo(bw); err != nil {
		t.Fatal(err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatal(err)
	}

	out := AcquireWebSocketFrame()
	t.Cleanup(func() { ReleaseWebSocketFrame(out) })

	if _, err := out.ReadFrom(bufio.NewReader(&wire)); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestWebSocketFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		[]byte("short"),
		bytes.Repeat([]byte("x"), 125),
		bytes.Repeat([]byte("y"), 126),     // forces the 16-bit length form
		bytes.Repeat([]byte("z"), 1<<16+3), // forces the 64-bit length form
	}

	for _, payload := range payloads {
		fr := AcquireWebSocketFrame()

		fr.SetOp(OpBinary)
		fr.SetPayload(payload)

		out := frameRoundTrip(t, fr)
		if out.Op() != OpBinary || !out.Fin() || out.Masked() {
			t.Fatalf("frame identity lost: op=%v fin=%v masked=%v", out.Op(), out.Fin(), out.Masked())
		}
		if !bytes.Equal(out.Payload(), payload) {
			t.Fatalf("payload of %d bytes did not round trip", len(payload))
		}

		ReleaseWebSocketFrame(fr)
	}
}

func TestWebSocketFrameMaskedRoundTrip(t *testing.T) {
	fr := AcquireWebSocketFrame()
	defer ReleaseWebSocketFrame(fr)

	fr.SetPayloadString("masked client payload")
	fr.Mask()

	out := frameRoundTrip(t, fr)
	if !out.Masked() {
		t.Fatal("mask flag lost")
	}
	if string(out.Payload()) != "masked client payload" {
		t.Fatalf("unmasked payload %q", out.Payload())
	}
}

func TestWebSocketFrameMaskOnWire(t *testing.T) {
	fr := AcquireWebSocketFrame()
	defer ReleaseWebSocketFrame(fr)

	fr.SetPayloadString("secret")
	fr.Mask()

	var wire bytes.Buffer
	bw := bufio.NewWriter(&wire)
	if _, err := fr.WriteTo(bw); err != nil {
		t.Fatal(err)
	}
	_ = bw.Flush()

	if bytes.Contains(wire.Bytes(), []byte("secret")) {
		t.Fatal("masked payload went out in the clear")
	}
}

func TestWebSocketFrameContinuation(t *testing.T) {
	fr := AcquireWebSocketFrame()
	defer ReleaseWebSocketFrame(fr)

	fr.SetOp(OpContinuation)
	fr.SetFin(false)
	fr.SetPayloadString("middle")

	out := frameRoundTrip(t, fr)
	if out.Fin() || out.Op() != OpContinuation {
		t.Fatalf("fin=%v op=%v", out.Fin(), out.Op())
	}
}

func TestWebSocketFrameClose(t *testing.T) {
	fr := AcquireWebSocketFrame()
	defer ReleaseWebSocketFrame(fr)

	fr.SetClose(CloseGoingAway, "bye")

	out := frameRoundTrip(t, fr)
	code, reason := out.CloseCode()
	if code != CloseGoingAway || string(reason) != "bye" {
		t.Fatalf("close %d %q", code, reason)
	}

	// a close frame without payload carries no status
	empty := AcquireWebSocketFrame()
	defer ReleaseWebSocketFrame(empty)
	empty.SetOp(OpClose)

	out = frameRoundTrip(t, empty)
	if code, _ := out.CloseCode(); code != CloseNoStatus {
		t.Fatalf("empty close reported %d", code)
	}
}

func decodeFrameBytes(t *testing.T, raw []byte) error {
	t.Helper()

	fr := AcquireWebSocketFrame()
	defer ReleaseWebSocketFrame(fr)

	_, err := fr.ReadFrom(bufio.NewReader(bytes.NewReader(raw)))
	return err
}

func TestWebSocketFrameProtocolErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  []byte
		want error
	}{
		{
			name: "reserved bits",
			raw:  []byte{0x80 | 0x40 | byte(OpText), 0x00},
			want: ErrReservedBits,
		},
		{
			name: "reserved opcode",
			raw:  []byte{0x80 | 0x03, 0x00},
			want: ErrReservedOpCode,
		},
		{
			name: "fragmented control",
			raw:  []byte{byte(OpPing), 0x00},
			want: ErrFragmentedControl,
		},
		{
			name: "overlong control",
			raw:  []byte{0x80 | byte(OpPing), 126, 0x00, 0x80},
			want: ErrControlTooLong,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := decodeFrameBytes(t, tc.raw); err != tc.want {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestWebSocketFramePayloadCap(t *testing.T) {
	fr := AcquireWebSocketFrame()
	defer ReleaseWebSocketFrame(fr)

	fr.SetPayload(bytes.Repeat([]byte("a"), 512))

	var wire bytes.Buffer
	bw := bufio.NewWriter(&wire)
	_, _ = fr.WriteTo(bw)
	_ = bw.Flush()

	in := AcquireWebSocketFrame()
	defer ReleaseWebSocketFrame(in)
	in.SetMaxLen(256)

	if _, err := in.ReadFrom(bufio.NewReader(&wire)); err != ErrFramePayloadExceeds {
		t.Fatalf("got %v, want ErrFramePayloadExceeds", err)
	}
}

func TestMaskBytesInvolution(t *testing.T) {
	key := [4]byte{0x12, 0x34, 0x56, 0x78}
	data := []byte("the quick brown fox")

	masked := append([]byte(nil), data...)
	maskBytes(key, masked)
	if bytes.Equal(masked, data) {
		t.Fatal("masking was a no-op")
	}
	maskBytes(key, masked)
	if !bytes.Equal(masked, data) {
		t.Fatal("double masking did not restore the payload")
	}
}
