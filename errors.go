package tremolo

import (
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// ProtocolError is a wire or limit violation that is fatal to the
// connection. Status is the HTTP status to emit if the response headers
// have not been written yet.
type ProtocolError struct {
	Status int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, fasthttp.StatusMessage(e.Status), e.Reason)
}

// Is makes errors.Is match two ProtocolErrors by status.
func (e *ProtocolError) Is(target error) bool {
	pe, ok := target.(*ProtocolError)
	return ok && pe.Status == e.Status
}

// NewProtocolError returns an error that instructs the connection handler
// to answer with the given status and close.
func NewProtocolError(status int, reason string) *ProtocolError {
	return &ProtocolError{Status: status, Reason: reason}
}

func errBadRequest(reason string) *ProtocolError {
	return NewProtocolError(fasthttp.StatusBadRequest, reason)
}

func errPayloadTooLarge(reason string) *ProtocolError {
	return NewProtocolError(fasthttp.StatusRequestEntityTooLarge, reason)
}

func errHeaderTooLarge(reason string) *ProtocolError {
	return NewProtocolError(fasthttp.StatusRequestHeaderFieldsTooLarge, reason)
}

func errRequestTimeout() *ProtocolError {
	return NewProtocolError(fasthttp.StatusRequestTimeout, "request timed out")
}

var (
	// ErrHeadersSent is returned on attempts to write the response head
	// twice or to modify it after the first body byte went out.
	ErrHeadersSent = errors.New("response headers already sent")

	// ErrBodyConsumed is returned by Body.Bytes after the stream has been
	// read from.
	ErrBodyConsumed = errors.New("request body already consumed")

	// ErrBodyTooLong is returned by Response.Write when the body passes
	// the announced Content-Length.
	ErrBodyTooLong = errors.New("response body exceeds declared content length")

	// ErrNotUpgradable is returned by Upgrade when the request is not a
	// well-formed websocket handshake.
	ErrNotUpgradable = errors.New("not a websocket upgrade request")

	// ErrConnectionClosed is returned on writes after the peer went away
	// or the connection was shut down.
	ErrConnectionClosed = errors.New("connection closed")
)

// CloseError is the websocket close status received from the peer.
// Receiving it from ReadMessage is the normal end of a websocket session.
type CloseError struct {
	Code   uint16
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket closed: %d %s", e.Code, e.Reason)
}

// Websocket close codes from RFC 6455 section 7.4.1.
const (
	CloseNormal          uint16 = 1000
	CloseGoingAway       uint16 = 1001
	CloseProtocolError   uint16 = 1002
	CloseUnsupported     uint16 = 1003
	CloseNoStatus        uint16 = 1005
	ClosePolicyViolation uint16 = 1008
	CloseTooBig          uint16 = 1009
	CloseInternalError   uint16 = 1011
)
