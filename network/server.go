package network

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
)

// ConnHandler takes ownership of an accepted socket.
type ConnHandler func(conn net.Conn)

// Server accepts inbound TCP connections and hands each to a handler on its
// own goroutine.
type Server struct {
	listener net.Listener
	handler  ConnHandler

	errs chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds address and starts the accept loop. An empty address means
// any interface on an ephemeral port.
func Listen(address string, handler ConnHandler) (*Server, error) {
	if address == "" {
		address = ":0"
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}
	return serve(listener, handler), nil
}

// ListenRange binds the first free port in [start, end] on host.
func ListenRange(host string, start, end int, handler ConnHandler) (*Server, error) {
	if start <= 0 || end < start || end > 65535 {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}

	var lastErr error
	for port := start; port <= end; port++ {
		address := net.JoinHostPort(host, strconv.Itoa(port))
		listener, err := net.Listen("tcp", address)
		if err == nil {
			return serve(listener, handler), nil
		}
		lastErr = err
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listen on %q: %w", address, err)
		}
	}
	return nil, fmt.Errorf("no free port in range %d-%d: %w", start, end, lastErr)
}

func serve(listener net.Listener, handler ConnHandler) *Server {
	s := &Server{
		listener: listener,
		handler:  handler,
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if tcpAddr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// Errors returns asynchronous accept errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and waits for running handlers to return.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			select {
			case s.errs <- fmt.Errorf("accept connection: %w", err):
			default:
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handler(conn)
		}()
	}
}
