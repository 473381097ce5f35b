// Package bridge adapts tremolo handlers to a portable scope/receive/send
// message protocol: the hosted application gets a static scope describing
// the request, pulls body chunks through receive and answers through send,
// without ever touching the engine's connection objects.
package bridge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/valyala/fasthttp"

	"github.com/nggit/tremolo"
)

// Scope and message types of the bridge protocol.
const (
	ScopeHTTP     = "http"
	ScopeLifespan = "lifespan"

	MessageRequest       = "http.request"
	MessageDisconnect    = "http.disconnect"
	MessageResponseStart = "http.response.start"
	MessageResponseBody  = "http.response.body"

	MessageStartup          = "lifespan.startup"
	MessageStartupComplete  = "lifespan.startup.complete"
	MessageStartupFailed    = "lifespan.startup.failed"
	MessageShutdown         = "lifespan.shutdown"
	MessageShutdownComplete = "lifespan.shutdown.complete"
	MessageShutdownFailed   = "lifespan.shutdown.failed"
)

// ErrProtocolMisuse reports an application that broke the bridge protocol:
// a body message before the start message, a second start message, or a
// malformed header. It surfaces to the hosting handler, never to the peer.
var ErrProtocolMisuse = errors.New("bridge: protocol misuse")

func misuse(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocolMisuse, fmt.Sprintf(format, args...))
}

// Scope describes one request to the application. For HTTP scopes the byte
// slices alias the engine's per-request storage and are valid for the
// duration of the application call.
type Scope struct {
	// Type is ScopeHTTP for requests, ScopeLifespan for the process
	// lifecycle exchange.
	Type string

	HTTPVersion string
	Method      string
	Path        []byte
	Query       []byte

	// Headers holds the request fields as name/value pairs in arrival
	// order, duplicates preserved.
	Headers [][2][]byte

	Client net.Addr
	Server net.Addr
}

// Message is one unit of the bridge exchange. Which fields are meaningful
// depends on Type: Status and Headers belong to a response start, Body and
// MoreBody to request and response body messages, Reason to failed
// lifespan answers.
type Message struct {
	Type     string
	Status   int
	Headers  [][2][]byte
	Body     []byte
	MoreBody bool
	Reason   string
}

// ReceiveFunc yields the next inbound message. It blocks until body bytes
// arrive or the body is exhausted.
type ReceiveFunc func() (Message, error)

// SendFunc accepts one outbound message.
type SendFunc func(Message) error

// App is a hosted application: one call per request, driving the exchange
// through receive and send. A returned error is a fault of the
// application, answered with 500 while the response head is unsent.
type App func(scope *Scope, receive ReceiveFunc, send SendFunc) error

// managedHeaders stay under engine control; application attempts to set
// them through a response start are dropped.
var managedHeaders = [][]byte{
	[]byte("Connection"),
	[]byte("Date"),
	[]byte("Server"),
	[]byte("Transfer-Encoding"),
}

func isManagedHeader(name []byte) bool {
	for _, h := range managedHeaders {
		if equalFold(name, h) {
			return true
		}
	}
	return false
}

func equalFold(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca |= 32
		}
		if cb >= 'A' && cb <= 'Z' {
			cb |= 32
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// binding wires one request/response pair to the message protocol.
type binding struct {
	ctx *tremolo.RequestCtx

	started      bool
	responded    bool
	disconnected bool
}

func (b *binding) receive() (Message, error) {
	if b.disconnected {
		return Message{Type: MessageDisconnect}, nil
	}

	chunk, err := b.ctx.Request.Body().Chunk()
	if err == io.EOF {
		// end-of-body marker; later calls report the disconnect
		b.disconnected = true
		return Message{Type: MessageRequest}, nil
	}
	if err != nil {
		b.disconnected = true
		return Message{Type: MessageDisconnect}, nil
	}

	return Message{Type: MessageRequest, Body: chunk, MoreBody: true}, nil
}

func (b *binding) send(msg Message) error {
	switch msg.Type {
	case MessageResponseStart:
		return b.sendStart(msg)
	case MessageResponseBody:
		return b.sendBody(msg)
	default:
		return misuse("unexpected message type %q", msg.Type)
	}
}

func (b *binding) sendStart(msg Message) error {
	if b.started {
		return misuse("response already started")
	}
	b.started = true

	res := &b.ctx.Response
	if msg.Status != 0 {
		if err := res.SetStatus(msg.Status); err != nil {
			return err
		}
	}

	for _, h := range msg.Headers {
		name, value := h[0], h[1]
		if bytes.IndexByte(name, '\n') >= 0 || bytes.IndexByte(value, '\n') >= 0 {
			return misuse("header %q contains a line break", name)
		}
		if isManagedHeader(name) {
			continue
		}
		res.Header.AddBytes(name, value)
	}

	return nil
}

func (b *binding) sendBody(msg Message) error {
	if !b.started {
		return misuse("body message before response start")
	}
	if b.responded {
		return misuse("body message after the final chunk")
	}

	res := &b.ctx.Response
	if len(msg.Body) > 0 {
		if _, err := res.Write(msg.Body); err != nil {
			return err
		}
	}

	if !msg.MoreBody {
		b.responded = true
		// an empty final message still forces the head out
		return res.Flush()
	}
	return nil
}

func newScope(ctx *tremolo.RequestCtx) *Scope {
	req := &ctx.Request

	version := "1.1"
	if !req.IsHTTP11() {
		version = "1.0"
	}

	scope := &Scope{
		Type:        ScopeHTTP,
		HTTPVersion: version,
		Method:      string(req.Method()),
		Path:        req.Path(),
		Query:       req.RawQuery(),
		Headers:     make([][2][]byte, 0, req.Header.Len()),
		Client:      ctx.RemoteAddr(),
		Server:      ctx.LocalAddr(),
	}

	req.Header.Visit(func(k, v []byte) {
		scope.Headers = append(scope.Headers, [2][]byte{k, v})
	})

	return scope
}

// Handler hosts app behind the engine. Application faults, protocol misuse
// included, are logged and answered with 500 while the response head is
// unsent; once the head went out the connection is aborted instead, since
// a partially sent response cannot be taken back.
func Handler(app App) tremolo.Handler {
	return func(ctx *tremolo.RequestCtx) {
		b := &binding{ctx: ctx}

		if err := app(newScope(ctx), b.receive, b.send); err != nil {
			ctx.Logger().Printf("bridge: application failed: %s", err)
			if ctx.Response.HeadersSent() {
				ctx.Response.Abort()
				return
			}
			ctx.Error(fasthttp.StatusInternalServerError, "Internal Server Error")
		}
	}
}
