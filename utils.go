package tremolo

import (
	"bytes"
	"errors"
	"reflect"
	"unsafe"
)

var errEmptyInt = errors.New("empty integer")

// appendUint appends the decimal form of n to dst.
func appendUint(dst []byte, n int64) []byte {
	if n < 0 {
		panic("appendUint: negative value")
	}

	var b [20]byte
	i := len(b)
	for {
		i--
		b[i] = '0' + byte(n%10)
		n /= 10
		if n == 0 {
			break
		}
	}

	return append(dst, b[i:]...)
}

// parseUint parses b as a non-negative decimal integer. Signs, spaces and
// empty input are rejected.
func parseUint(b []byte) (int64, error) {
	if len(b) == 0 {
		return -1, errEmptyInt
	}

	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return -1, errors.New("invalid decimal integer")
		}
		if n > (1<<62)/10 {
			return -1, errors.New("decimal integer overflow")
		}
		n = n*10 + int64(c-'0')
	}

	return n, nil
}

// appendHexUint appends the uppercase hex form of n to dst.
func appendHexUint(dst []byte, n int64) []byte {
	if n < 0 {
		panic("appendHexUint: negative value")
	}

	var b [16]byte
	i := len(b)
	for {
		i--
		d := byte(n & 0xf)
		if d < 10 {
			b[i] = '0' + d
		} else {
			b[i] = 'A' + d - 10
		}
		n >>= 4
		if n == 0 {
			break
		}
	}

	return append(dst, b[i:]...)
}

// parseHexUint parses b as a hexadecimal integer, as used in chunk size
// lines.
func parseHexUint(b []byte) (int64, error) {
	if len(b) == 0 {
		return -1, errEmptyInt
	}

	var n int64
	for _, c := range b {
		var d byte
		switch {
		case c >= '0' && c <= '9':
			d = c - '0'
		case c >= 'a' && c <= 'f':
			d = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			d = c - 'A' + 10
		default:
			return -1, errors.New("invalid hex integer")
		}
		if n > 1<<59 {
			return -1, errors.New("hex integer overflow")
		}
		n = n<<4 | int64(d)
	}

	return n, nil
}

func toLowerByte(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		c |= 32
	}
	return c
}

// equalFold reports whether a and b match under ASCII case folding.
func equalFold(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if toLowerByte(a[i]) != toLowerByte(b[i]) {
			return false
		}
	}
	return true
}

// hasToken reports whether the comma-separated list in v contains token,
// compared case-insensitively. Used for Connection and Transfer-Encoding
// values.
func hasToken(v, token []byte) bool {
	for len(v) > 0 {
		next := bytes.IndexByte(v, ',')
		part := v
		if next >= 0 {
			part = v[:next]
			v = v[next+1:]
		} else {
			v = nil
		}
		if equalFold(trimOWS(part), token) {
			return true
		}
	}
	return false
}

// trimOWS cuts optional whitespace (SP and HTAB) from both ends of b.
func trimOWS(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}

// resize resizes b if neededLen is greater than cap(b)
func resize(b []byte, neededLen int) []byte {
	b = b[:cap(b)]
	if n := neededLen - len(b); n > 0 {
		b = append(b, make([]byte, n)...)
	}
	return b[:neededLen]
}

// copied from https://github.com/valyala/fasthttp

// s2b converts string to a byte slice without memory allocation.
//
// Note it may break if string and/or slice header will change
// in the future go versions.
func s2b(s string) []byte {
	sh := (*reflect.StringHeader)(unsafe.Pointer(&s))
	bh := reflect.SliceHeader{
		Data: sh.Data,
		Len:  sh.Len,
		Cap:  sh.Len,
	}
	return *(*[]byte)(unsafe.Pointer(&bh))
}
