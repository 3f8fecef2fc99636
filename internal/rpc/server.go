package rpc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/msageha/stampede/internal/logging"
)

type HandlerFunc func(req *Request) *Response

// Server answers one request per connection by dispatching on the command
// name. Handlers run on the connection's goroutine and must be safe for
// concurrent use.
type Server struct {
	network string
	address string

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	connTimeout time.Duration
	logger      *logging.Logger

	listener net.Listener
	quit     chan struct{}
	conns    sync.WaitGroup
	stopOnce sync.Once

	// idle holds connections still waiting for their request frame. Stop
	// closes them; requests already read are answered first.
	idleMu sync.Mutex
	idle   map[net.Conn]struct{}
}

// NewServer prepares a server for addr ("host:port" or "unix:/path").
// Nothing is bound until Start.
func NewServer(addr string) *Server {
	network, address := ParseAddress(addr)
	return &Server{
		network:     network,
		address:     address,
		handlers:    map[string]HandlerFunc{},
		connTimeout: 30 * time.Second,
		logger:      logging.Discard(),
		quit:        make(chan struct{}),
		idle:        map[net.Conn]struct{}{},
	}
}

// SetConnTimeout bounds the whole exchange on one connection.
func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

func (s *Server) SetLogger(l *logging.Logger) {
	s.logger = l
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	s.handlers[command] = handler
	s.mu.Unlock()
}

// Start binds the listener and begins accepting. A stale unix socket at the
// same path is replaced and the new one is made owner-only.
func (s *Server) Start() error {
	unix := s.network == "unix"
	if unix {
		_ = os.Remove(s.address)
	}
	l, err := net.Listen(s.network, s.address)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", s.network, s.address, err)
	}
	if unix {
		if err := os.Chmod(s.address, 0600); err != nil {
			_ = l.Close()
			return fmt.Errorf("restrict socket permissions: %w", err)
		}
	}
	s.listener = l

	s.conns.Add(1)
	go s.accept()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for in-flight connections. Safe to call
// more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.listener == nil {
			return
		}
		_ = s.listener.Close()
		s.closeIdle()
		s.conns.Wait()
		if s.network == "unix" {
			_ = os.Remove(s.address)
		}
	})
	return nil
}

func (s *Server) stopping() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (s *Server) accept() {
	defer s.conns.Done()
	for {
		conn, err := s.listener.Accept()
		if err == nil {
			s.conns.Add(1)
			go s.serve(conn)
			continue
		}
		if s.stopping() || errors.Is(err, net.ErrClosed) {
			return
		}
		s.logger.Log(logging.LevelWarn, "accept: %v", err)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.conns.Done()
	defer conn.Close()

	var req Request
	defer func() {
		if r := recover(); r != nil {
			s.logger.Log(logging.LevelError, "command=%s panicked: %v\n%s", req.Command, r, debug.Stack())
		}
	}()

	if !s.markIdle(conn) {
		return
	}
	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))
	err := ReadFrame(conn, &req)
	s.markBusy(conn)
	if err != nil {
		s.logger.Log(logging.LevelDebug, "read request from %s: %v", conn.RemoteAddr(), err)
		return
	}
	if err := WriteFrame(conn, s.dispatch(&req)); err != nil {
		s.logger.Log(logging.LevelWarn, "write response command=%s: %v", req.Command, err)
	}
}

// markIdle registers conn as waiting for a request. It reports false once
// the server is stopping, in which case conn must not be served.
func (s *Server) markIdle(conn net.Conn) bool {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.stopping() {
		return false
	}
	s.idle[conn] = struct{}{}
	return true
}

func (s *Server) markBusy(conn net.Conn) {
	s.idleMu.Lock()
	delete(s.idle, conn)
	s.idleMu.Unlock()
}

// closeIdle unblocks every connection still reading its request.
func (s *Server) closeIdle() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	for conn := range s.idle {
		_ = conn.Close()
	}
	clear(s.idle)
}

func (s *Server) dispatch(req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		msg := fmt.Sprintf("protocol version %d not supported, want %d", req.ProtocolVersion, ProtocolVersion)
		return ErrorResponse(ErrCodeProtocolMismatch, msg)
	}

	s.mu.RLock()
	h := s.handlers[req.Command]
	s.mu.RUnlock()
	if h == nil {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command %q", req.Command))
	}
	return h(req)
}
