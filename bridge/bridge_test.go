package bridge

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nggit/tremolo"
)

func startApp(t *testing.T, app App) *fasthttputil.InmemoryListener {
	t.Helper()

	s := &tremolo.Server{
		Handler: Handler(app),
		Config: tremolo.Config{
			Logger: log.New(io.Discard, "", 0),
		},
	}

	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = s.Serve(ln)
	}()

	t.Cleanup(func() {
		_ = s.Shutdown()
		_ = ln.Close()
	})

	return ln
}

func dialApp(t *testing.T, ln *fasthttputil.InmemoryListener) (net.Conn, *bufio.Reader) {
	t.Helper()

	c, err := ln.Dial()
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(10 * time.Second))

	return c, bufio.NewReader(c)
}

func readResponse(t *testing.T, br *bufio.Reader, method string) (*http.Response, []byte) {
	t.Helper()

	res, err := http.ReadResponse(br, &http.Request{Method: method})
	require.NoError(t, err)

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.NoError(t, res.Body.Close())

	return res, body
}

// drainBody pulls receive until the end-of-body marker.
func drainBody(receive ReceiveFunc) ([]byte, error) {
	var body []byte
	for {
		msg, err := receive()
		if err != nil {
			return body, err
		}
		if msg.Type != MessageRequest {
			return body, fmt.Errorf("unexpected message %q", msg.Type)
		}
		body = append(body, msg.Body...)
		if !msg.MoreBody {
			return body, nil
		}
	}
}

func TestBridgeScope(t *testing.T) {
	var got Scope

	ln := startApp(t, func(scope *Scope, receive ReceiveFunc, send SendFunc) error {
		got = *scope
		got.Headers = append([][2][]byte(nil), scope.Headers...)

		if err := send(Message{Type: MessageResponseStart, Status: 204}); err != nil {
			return err
		}
		return send(Message{Type: MessageResponseBody})
	})

	c, br := dialApp(t, ln)
	_, err := c.Write([]byte("GET /where?q=1 HTTP/1.1\r\nHost: test\r\nX-Trace: abc\r\n\r\n"))
	require.NoError(t, err)

	res, _ := readResponse(t, br, "GET")
	require.Equal(t, 204, res.StatusCode)

	require.Equal(t, ScopeHTTP, got.Type)
	require.Equal(t, "1.1", got.HTTPVersion)
	require.Equal(t, "GET", got.Method)
	require.Equal(t, "/where", string(got.Path))
	require.Equal(t, "q=1", string(got.Query))
	require.NotNil(t, got.Client)
	require.NotNil(t, got.Server)

	require.Len(t, got.Headers, 2)
	require.Equal(t, "Host", string(got.Headers[0][0]))
	require.Equal(t, "test", string(got.Headers[0][1]))
	require.Equal(t, "X-Trace", string(got.Headers[1][0]))
}

func TestBridgeEcho(t *testing.T) {
	ln := startApp(t, func(scope *Scope, receive ReceiveFunc, send SendFunc) error {
		body, err := drainBody(receive)
		if err != nil {
			return err
		}

		err = send(Message{
			Type:   MessageResponseStart,
			Status: 200,
			Headers: [][2][]byte{
				{[]byte("Content-Type"), []byte("application/octet-stream")},
			},
		})
		if err != nil {
			return err
		}
		return send(Message{Type: MessageResponseBody, Body: bytes.ToUpper(body)})
	})

	c, br := dialApp(t, ln)
	_, err := c.Write([]byte("POST /up HTTP/1.1\r\nHost: test\r\nContent-Length: 5\r\n\r\nhello"))
	require.NoError(t, err)

	res, body := readResponse(t, br, "POST")
	require.Equal(t, 200, res.StatusCode)
	require.Equal(t, "application/octet-stream", res.Header.Get("Content-Type"))
	require.Equal(t, "HELLO", string(body))
}

// A bodiless request yields the end-of-body marker first, then the
// disconnect message.
func TestBridgeReceiveSequence(t *testing.T) {
	sequence := make([]string, 0, 3)

	ln := startApp(t, func(scope *Scope, receive ReceiveFunc, send SendFunc) error {
		for i := 0; i < 3; i++ {
			msg, err := receive()
			if err != nil {
				return err
			}
			sequence = append(sequence, fmt.Sprintf("%s more=%v", msg.Type, msg.MoreBody))
		}

		if err := send(Message{Type: MessageResponseStart, Status: 200}); err != nil {
			return err
		}
		return send(Message{Type: MessageResponseBody, Body: []byte("done")})
	})

	c, br := dialApp(t, ln)
	_, err := c.Write([]byte("GET / HTTP/1.1\r\nHost: test\r\n\r\n"))
	require.NoError(t, err)

	_, _ = readResponse(t, br, "GET")
	require.Equal(t, []string{
		"http.request more=false",
		"http.disconnect more=false",
		"http.disconnect more=false",
	}, sequence)
}

func TestBridgeStreamedResponse(t *testing.T) {
	ln := startApp(t, func(scope *Scope, receive ReceiveFunc, send SendFunc) error {
		if err := send(Message{Type: MessageResponseStart, Status: 200}); err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			err := send(Message{Type: MessageResponseBody, Body: []byte("chunk "), MoreBody: true})
			if err != nil {
				return err
			}
		}
		return send(Message{Type: MessageResponseBody})
	})

	c, br := dialApp(t, ln)
	_, err := c.Write([]byte("GET /stream HTTP/1.1\r\nHost: test\r\n\r\n"))
	require.NoError(t, err)

	res, body := readResponse(t, br, "GET")
	require.Equal(t, 200, res.StatusCode)
	require.Contains(t, res.TransferEncoding, "chunked")
	require.Equal(t, "chunk chunk chunk ", string(body))
}

// Managed headers from the application are dropped, not forwarded.
func TestBridgeManagedHeaders(t *testing.T) {
	ln := startApp(t, func(scope *Scope, receive ReceiveFunc, send SendFunc) error {
		err := send(Message{
			Type:   MessageResponseStart,
			Status: 200,
			Headers: [][2][]byte{
				{[]byte("Server"), []byte("impostor")},
				{[]byte("Connection"), []byte("close")},
				{[]byte("X-Kept"), []byte("yes")},
			},
		})
		if err != nil {
			return err
		}
		return send(Message{Type: MessageResponseBody, Body: []byte("ok")})
	})

	c, br := dialApp(t, ln)
	_, err := c.Write([]byte("GET / HTTP/1.1\r\nHost: test\r\n\r\n"))
	require.NoError(t, err)

	res, _ := readResponse(t, br, "GET")
	require.Equal(t, "tremolo", res.Header.Get("Server"))
	require.Equal(t, "keep-alive", res.Header.Get("Connection"))
	require.Equal(t, "yes", res.Header.Get("X-Kept"))
}

func TestBridgeProtocolMisuse(t *testing.T) {
	for name, app := range map[string]App{
		"body before start": func(scope *Scope, receive ReceiveFunc, send SendFunc) error {
			return send(Message{Type: MessageResponseBody, Body: []byte("early")})
		},
		"double start": func(scope *Scope, receive ReceiveFunc, send SendFunc) error {
			if err := send(Message{Type: MessageResponseStart, Status: 200}); err != nil {
				return err
			}
			return send(Message{Type: MessageResponseStart, Status: 200})
		},
		"unknown type": func(scope *Scope, receive ReceiveFunc, send SendFunc) error {
			return send(Message{Type: "http.response.trailers"})
		},
		"header with line break": func(scope *Scope, receive ReceiveFunc, send SendFunc) error {
			return send(Message{
				Type:    MessageResponseStart,
				Status:  200,
				Headers: [][2][]byte{{[]byte("X-Bad"), []byte("a\r\nSet-Cookie: oops")}},
			})
		},
	} {
		t.Run(name, func(t *testing.T) {
			ln := startApp(t, app)

			c, br := dialApp(t, ln)
			_, err := c.Write([]byte("GET / HTTP/1.1\r\nHost: test\r\n\r\n"))
			require.NoError(t, err)

			res, _ := readResponse(t, br, "GET")
			require.Equal(t, 500, res.StatusCode, "misuse surfaces as 500, not on the wire")
		})
	}
}

func TestBridgeMisuseErrorMatches(t *testing.T) {
	b := &binding{}
	err := b.send(Message{Type: MessageResponseBody})
	require.ErrorIs(t, err, ErrProtocolMisuse)
}
