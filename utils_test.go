package tremolo

import (
	"bytes"
	"testing"
)

func TestParseUint(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want int64
		fail bool
	}{
		{in: "0", want: 0},
		{in: "42", want: 42},
		{in: "1048576", want: 1048576},
		{in: "", fail: true},
		{in: "-1", fail: true},
		{in: "+1", fail: true},
		{in: "1 2", fail: true},
		{in: "0x10", fail: true},
		{in: "99999999999999999999", fail: true},
	} {
		n, err := parseUint([]byte(tc.in))
		if tc.fail {
			if err == nil {
				t.Fatalf("parseUint(%q): expected error, got %d", tc.in, n)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseUint(%q): %s", tc.in, err)
		}
		if n != tc.want {
			t.Fatalf("parseUint(%q) = %d, want %d", tc.in, n, tc.want)
		}
	}
}

func TestParseHexUint(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want int64
		fail bool
	}{
		{in: "0", want: 0},
		{in: "a", want: 10},
		{in: "A", want: 10},
		{in: "1f4", want: 500},
		{in: "FFFF", want: 65535},
		{in: "", fail: true},
		{in: "g", fail: true},
		{in: "ffffffffffffffff1", fail: true},
	} {
		n, err := parseHexUint([]byte(tc.in))
		if tc.fail {
			if err == nil {
				t.Fatalf("parseHexUint(%q): expected error, got %d", tc.in, n)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseHexUint(%q): %s", tc.in, err)
		}
		if n != tc.want {
			t.Fatalf("parseHexUint(%q) = %d, want %d", tc.in, n, tc.want)
		}
	}
}

func TestAppendUintRoundTrip(t *testing.T) {
	for _, n := range []int64{0, 1, 9, 10, 1023, 1 << 40} {
		dec := appendUint(nil, n)
		got, err := parseUint(dec)
		if err != nil || got != n {
			t.Fatalf("decimal round trip of %d: got %d, err %v", n, got, err)
		}

		hex := appendHexUint(nil, n)
		got, err = parseHexUint(hex)
		if err != nil || got != n {
			t.Fatalf("hex round trip of %d: got %d, err %v", n, got, err)
		}
	}
}

func TestEqualFold(t *testing.T) {
	if !equalFold([]byte("Content-Length"), []byte("content-length")) {
		t.Fatal("case folding failed")
	}
	if equalFold([]byte("Content-Length"), []byte("Content-Lengt")) {
		t.Fatal("length mismatch matched")
	}
	if equalFold([]byte("a"), []byte("b")) {
		t.Fatal("mismatch matched")
	}
}

func TestHasToken(t *testing.T) {
	v := []byte("keep-alive, Upgrade")
	if !hasToken(v, []byte("upgrade")) {
		t.Fatal("token not found")
	}
	if !hasToken(v, []byte("keep-alive")) {
		t.Fatal("first token not found")
	}
	if hasToken(v, []byte("close")) {
		t.Fatal("absent token found")
	}
	if hasToken(nil, []byte("close")) {
		t.Fatal("token found in empty value")
	}
}

func TestTrimOWS(t *testing.T) {
	if got := trimOWS([]byte(" \t abc \t")); !bytes.Equal(got, []byte("abc")) {
		t.Fatalf("unexpected result %q", got)
	}
	if got := trimOWS([]byte("  ")); len(got) != 0 {
		t.Fatalf("unexpected result %q", got)
	}
}

func TestResize(t *testing.T) {
	b := resize(nil, 10)
	if len(b) != 10 {
		t.Fatalf("unexpected length %d", len(b))
	}

	b = append(b[:0], "hello"...)
	b = resize(b, 3)
	if string(b) != "hel" {
		t.Fatalf("unexpected content %q", b)
	}
}
