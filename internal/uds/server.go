package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/msageha/artifactd/internal/logging"
)

// ErrSocketInUse means another live process answers on the socket path.
var ErrSocketInUse = errors.New("control socket in use")

type HandlerFunc func(ctx context.Context, req *Request) *Response

// Server answers one request per connection. Handlers run with a deadline
// of the connection timeout and are cancelled when the server stops.
type Server struct {
	path     string
	log      *logging.Logger
	timeout  time.Duration
	maxConns int

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	ln     net.Listener
	slots  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
}

func NewServer(socketPath string, logger *logging.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		path:     socketPath,
		log:      logger.With("control"),
		timeout:  30 * time.Second,
		maxConns: 16,
		handlers: make(map[string]HandlerFunc),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetConnTimeout bounds how long one connection, handler included, may take.
func (s *Server) SetConnTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Handle registers the handler for command, replacing any earlier one.
func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Start listens on the socket path. A socket file left by a dead process is
// replaced; one that still accepts connections is left alone.
func (s *Server) Start() error {
	if err := s.clearStale(); err != nil {
		return err
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.ln = ln
	s.slots = make(chan struct{}, s.maxConns)

	s.conns.Add(1)
	go s.serve()
	return nil
}

func (s *Server) clearStale() error {
	if _, err := os.Lstat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if conn, err := net.DialTimeout("unix", s.path, time.Second); err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrSocketInUse, s.path)
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

// Stop closes the listener, cancels running handlers and waits for open
// connections to finish. It is safe to call more than once.
func (s *Server) Stop() error {
	s.cancel()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.conns.Wait()
	if s.ln != nil {
		_ = os.Remove(s.path)
	}
	return nil
}

func (s *Server) serve() {
	defer s.conns.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warnf("accept: %v", err)
			continue
		}
		select {
		case s.slots <- struct{}{}:
		default:
			s.log.Warnf("too many control connections, rejecting")
			_ = conn.SetDeadline(time.Now().Add(time.Second))
			_ = WriteFrame(conn, ErrorResponse(ErrCodeBusy, "too many concurrent requests"))
			_ = conn.Close()
			continue
		}
		s.conns.Add(1)
		go func() {
			defer func() { <-s.slots }()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.conns.Done()
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(s.timeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.log.Debugf("read request: %v", err)
		return
	}

	start := time.Now()
	resp := s.dispatch(&req)
	if resp.Success {
		s.log.Debugf("%s ok in %s", req.Command, time.Since(start).Round(time.Microsecond))
	} else {
		s.log.Infof("%s failed: %v", req.Command, resp.Error)
	}
	if err := WriteFrame(conn, resp); err != nil {
		s.log.Warnf("write %s response: %v", req.Command, err)
	}
}

func (s *Server) dispatch(req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("client speaks protocol %d, daemon speaks %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	h, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("%s handler panic: %v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	if resp = h(ctx, req); resp == nil {
		resp = SuccessResponse(nil)
	}
	return resp
}
