package tremolo

import (
	"time"

	"github.com/valyala/fasthttp"
)

const (
	// DefaultBufferSize is the connection read/write buffer size.
	DefaultBufferSize = 16384

	// DefaultMaxRequestLineSize caps the request line.
	DefaultMaxRequestLineSize = 8192

	// DefaultMaxHeaderSize caps the header block after the request line.
	DefaultMaxHeaderSize = 32768

	// DefaultMaxHeaderCount caps the number of header fields.
	DefaultMaxHeaderCount = 100

	// DefaultMaxBodySize caps the request body size.
	DefaultMaxBodySize = 2 * 1048576

	// DefaultKeepaliveTimeout is how long an idle connection may sit
	// between requests.
	DefaultKeepaliveTimeout = 30 * time.Second

	// DefaultRequestTimeout is the read timeout inside one request.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultMaxRequestsPerConn is the number of requests served on one
	// connection before it is closed.
	DefaultMaxRequestsPerConn = 512
)

// Config carries the tunables of the protocol engine. The zero value is
// usable; empty fields fall back to the package defaults above.
type Config struct {
	// BufferSize is the size of the per-connection read buffer and of
	// the buffered writer.
	BufferSize int

	// MaxRequestLineSize caps the request line. Longer lines are
	// answered with 431 without invoking the handler.
	MaxRequestLineSize int

	// MaxHeaderSize caps the total header block size.
	MaxHeaderSize int

	// MaxHeaderCount caps the number of header fields per request.
	MaxHeaderCount int

	// MaxBodySize caps the request body. A declared length above it is
	// refused with 413 before the handler runs; a streamed body crossing
	// it fails the read and drops the connection.
	MaxBodySize int64

	// KeepaliveTimeout is how long the connection may sit idle between
	// requests before it is silently closed.
	KeepaliveTimeout time.Duration

	// RequestTimeout is the per-read deadline once a request has
	// started; hitting it answers 408 and closes.
	RequestTimeout time.Duration

	// MaxRequestsPerConn closes the connection after this many requests,
	// announcing it with Connection: close on the last response.
	MaxRequestsPerConn int

	// MaxConns caps concurrently served connections. Zero means no cap.
	MaxConns int

	// UploadRate paces request body intake in bytes per second.
	// Zero means unlimited.
	UploadRate int

	// DownloadRate paces response body output in bytes per second.
	// Zero means unlimited.
	DownloadRate int

	// ServerName is sent as the Server header unless the application
	// sets its own. An explicit "-" disables the header.
	ServerName string

	// Logger receives connection-level errors and, with Debug set,
	// per-connection chatter.
	Logger fasthttp.Logger

	// Debug is a flag that will allow the library to print debugging information.
	Debug bool
}

func (cfg *Config) defaults() {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.MaxRequestLineSize <= 0 {
		cfg.MaxRequestLineSize = DefaultMaxRequestLineSize
	}
	if cfg.MaxHeaderSize <= 0 {
		cfg.MaxHeaderSize = DefaultMaxHeaderSize
	}
	if cfg.MaxHeaderCount <= 0 {
		cfg.MaxHeaderCount = DefaultMaxHeaderCount
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxRequestsPerConn <= 0 {
		cfg.MaxRequestsPerConn = DefaultMaxRequestsPerConn
	}
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
}

// serverNameBytes resolves the Server header value, nil when disabled.
func (cfg *Config) serverNameBytes() []byte {
	switch cfg.ServerName {
	case "":
		return strDefaultServerName
	case "-":
		return nil
	default:
		return s2b(cfg.ServerName)
	}
}
