package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"lanlink/logging"
	"lanlink/models"
	"lanlink/packet"
	"lanlink/registry"
	"lanlink/storage"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Identity   LocalIdentity
	Registry   *registry.Registry
	Store      TrustStore
	Journal    SecurityJournal
	Approver   Approver
	Dispatcher *Dispatcher
	Logger     *zap.Logger

	// ListenAddress is an explicit host:port for the TCP listener. When empty
	// the first free port of [PortRangeStart, PortRangeEnd] is used.
	ListenAddress  string
	PortRangeStart int
	PortRangeEnd   int

	DialTimeout     time.Duration
	IdentityTimeout time.Duration
	PairTimeout     time.Duration
	// StaleAfter is the silence after which unpaired, idle devices are evicted.
	StaleAfter time.Duration

	// DisableAutoConnect stops Observe from dialing paired devices.
	DisableAutoConnect bool
}

// Manager owns the TCP listener, the active connections and their receive
// loops. It implements discovery.Sink so sightings of paired devices trigger
// reconnects.
type Manager struct {
	opts       ManagerOptions
	logger     *zap.Logger
	registry   *registry.Registry
	dispatcher *Dispatcher

	server     *Server
	handshaker *Handshaker
	identity   models.DeviceIdentity
	ready      chan struct{}

	startMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once

	connMu      sync.RWMutex
	connections map[string]*Connection
}

// NewManager validates options and returns a stopped Manager.
func NewManager(options ManagerOptions) (*Manager, error) {
	if err := options.Identity.validate(); err != nil {
		return nil, err
	}
	if options.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if options.Store == nil {
		return nil, errors.New("trust store is required")
	}
	options.Logger = logging.OrNop(options.Logger)
	if options.Dispatcher == nil {
		options.Dispatcher = NewDispatcher(options.Logger)
	}
	if options.PortRangeStart <= 0 {
		options.PortRangeStart = DefaultPortRangeStart
	}
	if options.PortRangeEnd <= 0 {
		options.PortRangeEnd = DefaultPortRangeEnd
	}
	if options.StaleAfter <= 0 {
		options.StaleAfter = DefaultStaleAfter
	}

	return &Manager{
		opts:        options,
		logger:      options.Logger.With(zap.String("component", "network")),
		registry:    options.Registry,
		dispatcher:  options.Dispatcher,
		identity:    options.Identity.Identity.Clone(),
		ready:       make(chan struct{}),
		connections: make(map[string]*Connection),
	}, nil
}

// Start seeds the registry from the trust store, binds the listener and
// starts the background loops.
func (m *Manager) Start() error {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.ctx != nil {
		return nil
	}

	if err := m.loadTrusted(); err != nil {
		return err
	}

	handshaker, err := NewHandshaker(HandshakeOptions{
		Identity:        m.opts.Identity,
		Registry:        m.registry,
		Store:           m.opts.Store,
		Journal:         m.opts.Journal,
		Approver:        m.opts.Approver,
		Logger:          m.opts.Logger,
		DialTimeout:     m.opts.DialTimeout,
		IdentityTimeout: m.opts.IdentityTimeout,
		PairTimeout:     m.opts.PairTimeout,
	})
	if err != nil {
		return err
	}

	var server *Server
	if m.opts.ListenAddress != "" {
		server, err = Listen(m.opts.ListenAddress, m.handleInbound)
	} else {
		server, err = ListenRange("", m.opts.PortRangeStart, m.opts.PortRangeEnd, m.handleInbound)
	}
	if err != nil {
		return err
	}

	// Inbound handlers wait on ready, so the port can be filled in here.
	m.identity.TCPPort = server.Port()
	handshaker.opts.Identity.Identity.TCPPort = server.Port()

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.server = server
	m.handshaker = handshaker
	close(m.ready)

	m.wg.Add(2)
	go m.serverErrorLoop()
	go m.evictLoop()

	m.logger.Info("connection manager started",
		zap.String("device_id", m.identity.DeviceID),
		zap.Stringer("listen", server.Addr()),
	)
	return nil
}

// Stop closes the listener and every connection and waits for all loops.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.startMu.Lock()
		cancel := m.cancel
		m.startMu.Unlock()
		if cancel == nil {
			return
		}

		cancel()
		_ = m.server.Close()

		m.connMu.Lock()
		connections := make([]*Connection, 0, len(m.connections))
		for _, conn := range m.connections {
			connections = append(connections, conn)
		}
		m.connMu.Unlock()
		for _, conn := range connections {
			_ = conn.Close()
		}

		m.wg.Wait()
		m.logger.Info("connection manager stopped")
	})
}

// LocalIdentity returns the identity to announce, including the bound TCP port.
func (m *Manager) LocalIdentity() models.DeviceIdentity {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	return m.identity.Clone()
}

// Addr returns the listener address, or nil before Start.
func (m *Manager) Addr() net.Addr {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.server == nil {
		return nil
	}
	return m.server.Addr()
}

// Registry returns the device registry the manager drives.
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// Dispatcher returns the packet dispatcher for registering consumers.
func (m *Manager) Dispatcher() *Dispatcher {
	return m.dispatcher
}

// Observe records a discovery sighting and dials paired devices that are
// not connected.
func (m *Manager) Observe(identity models.DeviceIdentity, addr netip.AddrPort) {
	if identity.DeviceID == "" || identity.DeviceID == m.identity.DeviceID {
		return
	}
	m.registry.Observe(identity, addr)

	ctx := m.runContext()
	if m.opts.DisableAutoConnect || ctx == nil || ctx.Err() != nil {
		return
	}
	rec, ok := m.registry.Get(identity.DeviceID)
	if !ok || rec.Trust != registry.TrustPaired || rec.Connection != registry.Disconnected || rec.Handshaking {
		return
	}

	m.connMu.Lock()
	if ctx.Err() != nil {
		m.connMu.Unlock()
		return
	}
	m.wg.Add(1)
	m.connMu.Unlock()

	go func() {
		defer m.wg.Done()
		if _, err := m.Connect(ctx, identity.DeviceID); err != nil && !errors.Is(err, registry.ErrBusy) {
			m.logger.Debug("reconnect failed", zap.String("device_id", identity.DeviceID), zap.Error(err))
		}
	}()
}

// Connect dials deviceID and runs the handshake, pairing if needed. The
// returned connection is already being served; inbound packets go to the
// dispatcher.
func (m *Manager) Connect(ctx context.Context, deviceID string) (*Connection, error) {
	runCtx := m.runContext()
	if runCtx == nil || runCtx.Err() != nil {
		return nil, ErrManagerStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	conn, err := m.handshaker.Connect(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if err := m.register(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// Connection returns the active connection for deviceID, or nil.
func (m *Manager) Connection(deviceID string) *Connection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connections[deviceID]
}

// Send queues p on the active connection to deviceID.
func (m *Manager) Send(deviceID string, p *packet.Packet) error {
	conn := m.Connection(deviceID)
	if conn == nil {
		return ErrNotConnected
	}
	if p.Type() == packet.TypePair {
		if body, err := p.AsPair(); err == nil && body.Pair {
			conn.pairAsked.Store(true)
		}
		return conn.Send(p)
	}
	peer := conn.Peer()
	if len(peer.IncomingCapabilities) > 0 && !peer.CanReceive(p.Type()) {
		return fmt.Errorf("%w: %s", ErrNotAccepted, p.Type())
	}
	return conn.Send(p)
}

// Unpair tells a connected device to drop the pairing, closes the
// connection and forgets the device's trust.
func (m *Manager) Unpair(deviceID string) error {
	if conn := m.Connection(deviceID); conn != nil {
		if err := conn.SendAndClose(packet.NewPair(false)); err != nil && !errors.Is(err, ErrNotConnected) {
			m.logger.Warn("send unpair failed", zap.String("device_id", deviceID), zap.Error(err))
		}
	}
	return m.forget(deviceID, "local")
}

func (m *Manager) runContext() context.Context {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	return m.ctx
}

func (m *Manager) loadTrusted() error {
	trusted, err := m.opts.Store.LoadTrusted()
	if err != nil {
		return fmt.Errorf("load trusted devices: %w", err)
	}

	for _, device := range trusted {
		if device.DeviceID == m.identity.DeviceID {
			continue
		}
		identity := models.DeviceIdentity{
			DeviceID:   device.DeviceID,
			DeviceName: device.DeviceName,
			DeviceType: models.DeviceType(device.DeviceType),
		}
		if device.LastKnownPort != nil {
			identity.TCPPort = *device.LastKnownPort
		}
		m.registry.Trust(identity, device.Fingerprint)

		if device.LastKnownIP == nil {
			continue
		}
		if ip, err := netip.ParseAddr(*device.LastKnownIP); err == nil {
			m.registry.Observe(identity, netip.AddrPortFrom(ip.Unmap(), 0))
		}
	}
	m.logger.Debug("loaded trusted devices", zap.Int("count", len(trusted)))
	return nil
}

func (m *Manager) handleInbound(raw net.Conn) {
	<-m.ready
	ctx := m.runContext()
	if ctx.Err() != nil {
		_ = raw.Close()
		return
	}

	conn, err := m.handshaker.Accept(ctx, raw)
	if err != nil {
		return
	}
	if err := m.register(conn); err != nil {
		m.logger.Debug("dropping inbound connection", zap.String("device_id", conn.PeerID()), zap.Error(err))
	}
}

// register hands a fresh connection to its receive loop.
func (m *Manager) register(conn *Connection) error {
	deviceID := conn.PeerID()

	m.connMu.Lock()
	if m.ctx.Err() != nil {
		m.connMu.Unlock()
		_ = conn.Close()
		m.registry.OnDisconnect(deviceID)
		return ErrManagerStopped
	}
	if existing := m.connections[deviceID]; existing != nil && existing != conn {
		// The registry admits one Active connection per device, so this only
		// happens when the old loop has not unregistered yet.
		_ = existing.Close()
	}
	m.connections[deviceID] = conn
	m.wg.Add(1)
	m.connMu.Unlock()

	if err := m.touchTrusted(conn); err != nil {
		m.logger.Debug("update trusted endpoint failed", zap.String("device_id", deviceID), zap.Error(err))
	}

	go m.serve(conn)
	return nil
}

// serve is the receive loop of one connection. It delivers packets in order
// and reports the disconnect to the registry when the connection ends.
func (m *Manager) serve(conn *Connection) {
	defer m.wg.Done()
	defer m.unregister(conn)

	deviceID := conn.PeerID()
	for {
		p, err := conn.Receive(m.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				m.logger.Debug("receive loop ended", zap.String("device_id", deviceID), zap.Error(err))
			}
			return
		}

		if p.Type() == packet.TypePair {
			if m.handlePair(conn, p) {
				return
			}
			continue
		}
		if p.Type() == packet.TypeIdentity {
			m.logger.Debug("ignoring identity packet on active connection", zap.String("device_id", deviceID))
			continue
		}
		m.dispatcher.Dispatch(deviceID, p)
	}
}

// handlePair processes pair control packets on an active connection and
// reports whether the connection should close.
func (m *Manager) handlePair(conn *Connection, p *packet.Packet) bool {
	deviceID := conn.PeerID()
	body, err := p.AsPair()
	if err != nil {
		m.logger.Warn("malformed pair packet", zap.String("device_id", deviceID), zap.Error(err))
		return false
	}

	if body.Pair {
		if conn.pairAsked.CompareAndSwap(true, false) {
			// Answer to our own request; replying would start an echo.
			return false
		}
		if err := conn.Send(packet.NewPair(true)); err != nil {
			m.logger.Debug("answer pair request failed", zap.String("device_id", deviceID), zap.Error(err))
		}
		return false
	}

	m.logger.Info("device unpaired by peer", zap.String("device_id", deviceID))
	if err := m.forget(deviceID, "peer"); err != nil {
		m.logger.Warn("forget device failed", zap.String("device_id", deviceID), zap.Error(err))
	}
	return true
}

func (m *Manager) unregister(conn *Connection) {
	deviceID := conn.PeerID()

	m.connMu.Lock()
	if m.connections[deviceID] == conn {
		delete(m.connections, deviceID)
	}
	m.connMu.Unlock()

	_ = conn.Close()
	m.registry.OnDisconnect(deviceID)
	m.logger.Info("connection closed", zap.String("device_id", deviceID), zap.NamedError("cause", conn.LastError()))
}

// forget removes persisted and in-memory trust for deviceID.
func (m *Manager) forget(deviceID, initiator string) error {
	if err := m.opts.Store.RemoveTrusted(deviceID); err != nil {
		return fmt.Errorf("remove trusted device: %w", err)
	}
	if err := m.registry.Unpair(deviceID); err != nil && !errors.Is(err, registry.ErrUnknownDevice) {
		return err
	}
	if m.opts.Journal != nil {
		if err := m.opts.Journal.RecordSecurityEvent(storage.EventUnpaired, deviceID, storage.SecuritySeverityInfo, map[string]any{
			"initiator": initiator,
		}); err != nil {
			m.logger.Warn("record security event failed", zap.String("event_type", storage.EventUnpaired), zap.Error(err))
		}
	}
	return nil
}

// touchTrusted refreshes the stored endpoint of a paired device so it can be
// dialed after a restart before discovery sees it.
func (m *Manager) touchTrusted(conn *Connection) error {
	updater, ok := m.opts.Store.(interface {
		UpdateTrustedEndpoint(deviceID, ip string, port int, lastSeen int64) error
	})
	if !ok {
		return nil
	}
	remote := conn.RemoteAddr()
	if !remote.IsValid() {
		return nil
	}
	port := conn.Peer().TCPPort
	err := updater.UpdateTrustedEndpoint(conn.PeerID(), remote.Addr().String(), port, time.Now().UnixMilli())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (m *Manager) serverErrorLoop() {
	defer m.wg.Done()
	for err := range m.server.Errors() {
		m.logger.Warn("listener error", zap.Error(err))
	}
}

func (m *Manager) evictLoop() {
	defer m.wg.Done()

	interval := m.opts.StaleAfter / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.registry.EvictStale(m.opts.StaleAfter)
		case <-m.ctx.Done():
			return
		}
	}
}
