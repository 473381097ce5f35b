// Package tremolo implements an HTTP/1.x server protocol engine over raw
// net.Conn transports: an incremental request parser with lazily streamed
// bodies, a response writer that picks its framing on the first flush,
// keep-alive and pipelining bookkeeping, upload/download rate limiting and
// the RFC 6455 websocket handshake and frame codec. The bridge subpackage
// adapts handlers to a scope/receive/send message protocol.
package tremolo

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/net/netutil"
)

// Server serves HTTP/1.x connections with Handler. The zero Config is
// usable; see Config for the tunables.
type Server struct {
	// Handler is called once per request, strictly in arrival order on
	// each connection.
	Handler Handler

	Config Config

	once sync.Once
	stop int32

	mu    sync.Mutex
	lns   []net.Listener
	conns map[*serverConn]struct{}
}

func (s *Server) init() {
	s.Config.defaults()
	s.conns = make(map[*serverConn]struct{})
}

// ListenAndServe listens on the given TCP address and serves connections
// until Shutdown is called or the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	return s.Serve(ln)
}

// Serve accepts connections from ln. With Config.MaxConns set, accepts
// above the cap are held back until a running connection closes.
func (s *Server) Serve(ln net.Listener) error {
	s.once.Do(s.init)

	if s.Config.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.Config.MaxConns)
	}

	s.trackListener(ln)
	defer s.untrackListener(ln)

	for {
		c, err := ln.Accept()
		if err != nil {
			if s.closing() {
				return nil
			}
			return err
		}

		go func() {
			_ = s.ServeConn(c)
		}()
	}
}

// ServeConn serves a single accepted connection. It returns once the
// connection has been closed.
func (s *Server) ServeConn(c net.Conn) error {
	s.once.Do(s.init)

	cfg := &s.Config

	sc := &serverConn{
		c:          c,
		h:          s.Handler,
		cfg:        cfg,
		rbuf:       make([]byte, cfg.BufferSize),
		bw:         bufio.NewWriterSize(c, cfg.BufferSize),
		parser:     NewRequestParser(cfg.MaxRequestLineSize, cfg.MaxHeaderSize, cfg.MaxHeaderCount),
		upload:     NewRateLimiter(cfg.UploadRate),
		download:   NewRateLimiter(cfg.DownloadRate),
		serverName: cfg.serverNameBytes(),
		srv:        s,
		debug:      cfg.Debug,
		logger:     cfg.Logger,
	}
	sc.setState(StateAccepted)

	s.trackConn(sc)
	defer s.untrackConn(sc)

	sc.serve()

	return nil
}

// Shutdown stops the listeners and closes idle connections. Connections
// inside a request finish it first: their next response carries
// Connection: close and the connection is dropped after it.
func (s *Server) Shutdown() error {
	s.once.Do(s.init)
	atomic.StoreInt32(&s.stop, 1)

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for _, ln := range s.lns {
		if e := ln.Close(); e != nil && err == nil {
			err = e
		}
	}
	s.lns = s.lns[:0]

	for sc := range s.conns {
		switch sc.getState() {
		case StateAccepted, StateIdle:
			_ = sc.c.Close()
		}
	}

	return err
}

func (s *Server) closing() bool {
	return atomic.LoadInt32(&s.stop) == 1
}

func (s *Server) trackListener(ln net.Listener) {
	s.mu.Lock()
	s.lns = append(s.lns, ln)
	s.mu.Unlock()
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	for i := range s.lns {
		if s.lns[i] == ln {
			s.lns = append(s.lns[:i], s.lns[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

func (s *Server) trackConn(sc *serverConn) {
	s.mu.Lock()
	s.conns[sc] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackConn(sc *serverConn) {
	s.mu.Lock()
	delete(s.conns, sc)
	s.mu.Unlock()
}
