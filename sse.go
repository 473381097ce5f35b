package tremolo

import (
	"bytes"
	"errors"
)

var errEventFieldBreak = errors.New("sse: event fields cannot contain line breaks")

// SSE streams server-sent events over one response. Creating it pins the
// response to the text/event-stream content type and disables caching;
// every event is flushed to the client as it is sent.
type SSE struct {
	res *Response
}

// NewSSE prepares the response of ctx for an event stream.
func NewSSE(ctx *RequestCtx) *SSE {
	res := &ctx.Response
	res.Header.SetBytes(strContentType, strEventStream)
	res.Header.SetBytes(strCacheControl, []byte("no-cache, must-revalidate"))
	res.Header.Set("Expires", "Thu, 01 Jan 1970 00:00:00 GMT")

	return &SSE{res: res}
}

// Send emits one event carrying data.
func (sse *SSE) Send(data []byte) error {
	return sse.SendEvent(data, "", "", 0)
}

// SendString emits one event carrying data.
func (sse *SSE) SendString(data string) error {
	return sse.SendEvent(s2b(data), "", "", 0)
}

// SendEvent emits one event. event and id become the event and id
// fields when non-empty, retry the reconnection hint when positive.
// Line breaks inside data split it over multiple data fields; line
// breaks in event or id are refused.
func (sse *SSE) SendEvent(data []byte, event, id string, retry int) error {
	buf := bytes.Trim(data, "\n")

	out := make([]byte, 0, len(buf)+32)
	out = append(out, "data: "...)
	out = append(out, bytes.ReplaceAll(buf, []byte("\n"), []byte("\ndata: "))...)

	for _, field := range []struct {
		name  string
		value string
	}{
		{"event", event},
		{"id", id},
	} {
		if field.value == "" {
			continue
		}
		if bytes.IndexByte(s2b(field.value), '\n') >= 0 {
			return errEventFieldBreak
		}
		out = append(out, '\n')
		out = append(out, field.name...)
		out = append(out, ':', ' ')
		out = append(out, field.value...)
	}

	if retry > 0 {
		out = append(out, "\nretry: "...)
		out = appendUint(out, int64(retry))
	}

	out = append(out, '\n', '\n')

	_, err := sse.res.Write(out)
	return err
}
