// Package discovery announces the local device over UDP broadcast and feeds
// identities heard from peers into a Sink.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"lanlink/packet"
)

// State is the lifecycle of a Service.
type State int

const (
	StateIdle State = iota
	StateBound
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBound:
		return "bound"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// BindError reports a failure to acquire the discovery socket.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("discovery: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// Service is the UDP discovery listener and announcer.
type Service struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	state State
	conn  *net.UDPConn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService validates cfg and returns an idle service.
func NewService(cfg Config) (*Service, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Service{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("component", "discovery")),
	}, nil
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LocalAddr returns the bound socket address, or the zero value before Start.
func (s *Service) LocalAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return netip.AddrPort{}
	}
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Start binds the socket and launches the receive and announce loops.
// A *BindError is returned when the port cannot be acquired.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("discovery: cannot start from state %s", s.state)
	}

	listenAddr := &net.UDPAddr{Port: s.cfg.Port}
	if s.cfg.BindAddress != "" {
		listenAddr.IP = net.ParseIP(s.cfg.BindAddress)
		if listenAddr.IP == nil {
			return &BindError{Addr: s.cfg.BindAddress, Err: errors.New("invalid bind address")}
		}
	}

	conn, err := net.ListenUDP("udp4", listenAddr)
	if err != nil {
		return &BindError{Addr: listenAddr.String(), Err: err}
	}
	if err := conn.SetReadBuffer(MaxDatagramSize * 4); err != nil {
		s.logger.Debug("set read buffer failed", zap.Error(err))
	}
	s.conn = conn
	s.state = StateBound

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.receiveLoop(conn)
	if !s.cfg.DisableAnnounce {
		s.wg.Add(1)
		go s.announceLoop(conn)
	}
	s.state = StateRunning

	s.logger.Info("discovery started",
		zap.Stringer("address", conn.LocalAddr()),
		zap.Duration("interval", s.cfg.BroadcastInterval),
	)
	return nil
}

// Stop releases the socket and waits for both loops to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = StateStopped
	conn := s.conn
	cancel := s.cancel
	s.mu.Unlock()

	if prev == StateIdle {
		return
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.wg.Wait()
	s.logger.Info("discovery stopped")
}

// Announce broadcasts the local identity once, outside the periodic schedule.
func (s *Service) Announce() error {
	s.mu.Lock()
	conn := s.conn
	running := s.state == StateRunning
	s.mu.Unlock()

	if !running || conn == nil {
		return errors.New("discovery: not running")
	}
	return s.announce(conn)
}

func (s *Service) receiveLoop(conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		if s.ctx.Err() != nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReceiveTimeout))
		n, src, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("read failed", zap.Error(err))
			continue
		}

		s.handleDatagram(buf[:n], src)
	}
}

func (s *Service) handleDatagram(data []byte, src netip.AddrPort) {
	p, err := packet.Unmarshal(data)
	if err != nil {
		s.logger.Debug("dropping malformed datagram", zap.Stringer("from", src), zap.Error(err))
		return
	}
	if p.Type() != packet.TypeIdentity {
		s.logger.Debug("dropping non-identity datagram", zap.Stringer("from", src), zap.String("type", p.Type()))
		return
	}

	identity, err := p.AsIdentity()
	if err != nil {
		s.logger.Debug("dropping invalid identity", zap.Stringer("from", src), zap.Error(err))
		return
	}
	if identity.DeviceID == s.cfg.Identity.DeviceID {
		return
	}

	src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())
	s.cfg.Sink.Observe(identity, src)
}

func (s *Service) announceLoop(conn *net.UDPConn) {
	defer s.wg.Done()

	if err := s.announce(conn); err != nil {
		s.logger.Debug("announce failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.announce(conn); err != nil && s.ctx.Err() == nil {
				s.logger.Debug("announce failed", zap.Error(err))
			}
		}
	}
}

func (s *Service) announce(conn *net.UDPConn) error {
	data, err := packet.Marshal(packet.NewIdentity(s.cfg.Identity))
	if err != nil {
		return err
	}

	boundPort := conn.LocalAddr().(*net.UDPAddr).Port
	var errs []error
	for _, target := range s.cfg.BroadcastAddrs {
		if target.Port() == 0 {
			target = netip.AddrPortFrom(target.Addr(), uint16(boundPort))
		}
		if _, err := conn.WriteToUDPAddrPort(data, target); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", target, err))
		}
	}
	return errors.Join(errs...)
}
