package tremolo

import (
	"sync"
)

// HeaderField is a single name/value pair. The name keeps the spelling it
// arrived with, lookups fold ASCII case.
//
// Use AcquireHeaderField to acquire HeaderField.
type HeaderField struct {
	key, value []byte
}

// String returns a string representation of the header field.
func (hf *HeaderField) String() string {
	return string(hf.AppendBytes(nil))
}

var headerFieldPool = sync.Pool{
	New: func() interface{} {
		return &HeaderField{}
	},
}

// AcquireHeaderField gets HeaderField from the pool.
func AcquireHeaderField() *HeaderField {
	return headerFieldPool.Get().(*HeaderField)
}

// ReleaseHeaderField puts HeaderField to the pool.
func ReleaseHeaderField(hf *HeaderField) {
	hf.Reset()
	headerFieldPool.Put(hf)
}

// Empty returns true if `hf` doesn't contain any key nor value.
func (hf *HeaderField) Empty() bool {
	return len(hf.key) == 0 && len(hf.value) == 0
}

// Reset resets header field values.
func (hf *HeaderField) Reset() {
	hf.key = hf.key[:0]
	hf.value = hf.value[:0]
}

// AppendBytes appends the wire form `key: value` of hf to dst and returns
// the new dst.
func (hf *HeaderField) AppendBytes(dst []byte) []byte {
	dst = append(dst, hf.key...)
	dst = append(dst, ':', ' ')
	dst = append(dst, hf.value...)
	return dst
}

// CopyTo copies the HeaderField to `other`.
func (hf *HeaderField) CopyTo(other *HeaderField) {
	other.key = append(other.key[:0], hf.key...)
	other.value = append(other.value[:0], hf.value...)
}

func (hf *HeaderField) Set(k, v string) {
	hf.key = append(hf.key[:0], k...)
	hf.value = append(hf.value[:0], v...)
}

func (hf *HeaderField) SetBytes(k, v []byte) {
	hf.key = append(hf.key[:0], k...)
	hf.value = append(hf.value[:0], v...)
}

// Key returns the key of the field.
func (hf *HeaderField) Key() string {
	return string(hf.key)
}

// Value returns the value of the field.
func (hf *HeaderField) Value() string {
	return string(hf.value)
}

// KeyBytes returns the key bytes of the field.
func (hf *HeaderField) KeyBytes() []byte {
	return hf.key
}

// ValueBytes returns the value bytes of the field.
func (hf *HeaderField) ValueBytes() []byte {
	return hf.value
}

// Header is an ordered multimap of HTTP header fields. Arrival order and
// duplicate names are preserved, name lookups are case-insensitive.
//
// Header instances MUST NOT be used from different goroutines.
type Header struct {
	fields []HeaderField
}

var headerPool = sync.Pool{
	New: func() interface{} {
		return &Header{}
	},
}

// AcquireHeader gets a Header from the pool.
func AcquireHeader() *Header {
	return headerPool.Get().(*Header)
}

// ReleaseHeader resets and puts h to the pool.
func ReleaseHeader(h *Header) {
	h.Reset()
	headerPool.Put(h)
}

// Reset drops all fields keeping the allocated storage for reuse.
func (h *Header) Reset() {
	for i := range h.fields {
		h.fields[i].Reset()
	}
	h.fields = h.fields[:0]
}

// Len returns the number of fields.
func (h *Header) Len() int {
	return len(h.fields)
}

// next returns a cleared field appended at the end, reusing storage when
// the slice has spare capacity.
func (h *Header) next() *HeaderField {
	if cap(h.fields) > len(h.fields) {
		h.fields = h.fields[:len(h.fields)+1]
	} else {
		h.fields = append(h.fields, HeaderField{})
	}
	hf := &h.fields[len(h.fields)-1]
	hf.Reset()
	return hf
}

// Add appends a field preserving any existing fields with the same name.
func (h *Header) Add(key, value string) {
	h.next().Set(key, value)
}

// AddBytes appends a field preserving any existing fields with the same name.
func (h *Header) AddBytes(key, value []byte) {
	h.next().SetBytes(key, value)
}

// Set replaces the first field named key and deletes the rest.
func (h *Header) Set(key, value string) {
	h.SetBytes(s2b(key), s2b(value))
}

// SetBytes replaces the first field named key and deletes the rest.
func (h *Header) SetBytes(key, value []byte) {
	i := h.index(key, 0)
	if i < 0 {
		h.AddBytes(key, value)
		return
	}

	h.fields[i].SetBytes(key, value)
	h.del(key, i+1)
}

// Del removes every field named key.
func (h *Header) Del(key string) {
	h.del(s2b(key), 0)
}

func (h *Header) del(key []byte, from int) {
	n := from
	for i := from; i < len(h.fields); i++ {
		if !equalFold(h.fields[i].key, key) {
			if n != i {
				h.fields[n], h.fields[i] = h.fields[i], h.fields[n]
			}
			n++
		}
	}
	h.fields = h.fields[:n]
}

func (h *Header) index(key []byte, from int) int {
	for i := from; i < len(h.fields); i++ {
		if equalFold(h.fields[i].key, key) {
			return i
		}
	}
	return -1
}

// Peek returns the value of the first field named key, nil when absent.
// The returned slice is valid until the Header is modified.
func (h *Header) Peek(key string) []byte {
	return h.PeekBytes(s2b(key))
}

// PeekBytes returns the value of the first field named key, nil when absent.
func (h *Header) PeekBytes(key []byte) []byte {
	i := h.index(key, 0)
	if i < 0 {
		return nil
	}
	return h.fields[i].value
}

// Get returns the value of the first field named key, "" when absent.
func (h *Header) Get(key string) string {
	return string(h.Peek(key))
}

// Has reports whether at least one field named key exists.
func (h *Header) Has(key string) bool {
	return h.index(s2b(key), 0) >= 0
}

// PeekAll visits the values of every field named key in arrival order.
func (h *Header) PeekAll(key []byte, fn func(value []byte)) {
	for i := h.index(key, 0); i >= 0; i = h.index(key, i+1) {
		fn(h.fields[i].value)
	}
}

// Visit walks all fields in arrival order.
func (h *Header) Visit(fn func(key, value []byte)) {
	for i := range h.fields {
		fn(h.fields[i].key, h.fields[i].value)
	}
}

// CopyTo copies all fields of h into other, replacing its contents.
func (h *Header) CopyTo(other *Header) {
	other.Reset()
	for i := range h.fields {
		h.fields[i].CopyTo(other.next())
	}
}

// AppendBytes appends the wire form of all fields, each terminated by
// CRLF, to dst and returns the new dst.
func (h *Header) AppendBytes(dst []byte) []byte {
	for i := range h.fields {
		dst = h.fields[i].AppendBytes(dst)
		dst = append(dst, strCRLF...)
	}
	return dst
}
