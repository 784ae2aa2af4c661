package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"lanlink/models"
	"lanlink/packet"
)

const (
	inboundBuffer  = 64
	outboundBuffer = 64

	closeFlushTimeout = 2 * time.Second
)

// Connection is an active, paired, TLS-secured link to one device. A read
// loop and a write loop own the socket; packets are delivered in arrival order.
type Connection struct {
	conn   net.Conn
	dec    *packet.Decoder
	logger *zap.Logger

	peer        models.DeviceIdentity
	fingerprint string

	outbound chan []byte
	inbound  chan *packet.Packet

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error

	// pairAsked is set while a pair request sent on this connection awaits
	// its answer.
	pairAsked atomic.Bool
}

func newConnection(conn net.Conn, dec *packet.Decoder, peer models.DeviceIdentity, fingerprint string, logger *zap.Logger) *Connection {
	c := &Connection{
		conn:        conn,
		dec:         dec,
		logger:      logger.With(zap.String("device_id", peer.DeviceID)),
		peer:        peer.Clone(),
		fingerprint: fingerprint,
		outbound:    make(chan []byte, outboundBuffer),
		inbound:     make(chan *packet.Packet, inboundBuffer),
		closed:      make(chan struct{}),
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Peer returns the identity the remote device presented during the handshake.
func (c *Connection) Peer() models.DeviceIdentity {
	return c.peer.Clone()
}

// PeerID returns the remote device id.
func (c *Connection) PeerID() string {
	return c.peer.DeviceID
}

// Fingerprint returns the verified peer certificate fingerprint.
func (c *Connection) Fingerprint() string {
	return c.fingerprint
}

// RemoteAddr returns the remote socket address.
func (c *Connection) RemoteAddr() netip.AddrPort {
	return addrPortOf(c.conn.RemoteAddr())
}

// Done is closed once the connection has terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the error that terminated the connection, or nil for a
// clean close.
func (c *Connection) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Send encodes p and queues it for the write loop. It fails with
// ErrNotConnected once the connection is closed.
func (c *Connection) Send(p *packet.Packet) error {
	data, err := packet.Marshal(p)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return ErrNotConnected
	default:
	}

	select {
	case c.outbound <- data:
		return nil
	case <-c.closed:
		return ErrNotConnected
	}
}

// Receive blocks until the next packet arrives, the connection closes or ctx
// is done. After close it returns LastError, or io.EOF for a clean close.
func (c *Connection) Receive(ctx context.Context) (*packet.Packet, error) {
	select {
	case p := <-c.inbound:
		return p, nil
	case <-c.closed:
		// Drain packets that arrived before the close.
		select {
		case p := <-c.inbound:
			return p, nil
		default:
		}
		if err := c.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendAndClose queues p as the final packet and closes the connection once it
// has been written.
func (c *Connection) SendAndClose(p *packet.Packet) error {
	if err := c.Send(p); err != nil {
		return err
	}

	flush := time.NewTimer(closeFlushTimeout)
	defer flush.Stop()

	select {
	case c.outbound <- nil:
	case <-c.closed:
	case <-flush.C:
		c.closeWithError(nil)
	}
	select {
	case <-c.closed:
	case <-flush.C:
		c.closeWithError(nil)
	}
	c.wg.Wait()
	return nil
}

// Close terminates the connection and waits for both loops to exit.
func (c *Connection) Close() error {
	c.closeWithError(nil)
	c.wg.Wait()
	return nil
}

func (c *Connection) readLoop() {
	defer c.wg.Done()

	for {
		p, err := c.dec.Decode()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				c.closeWithError(nil)
			case errors.Is(err, packet.ErrPacketTooLarge), packet.IsParseError(err, 0):
				c.logger.Warn("closing connection after malformed packet", zap.Error(err))
				c.closeWithError(fmt.Errorf("read packet: %w", err))
			default:
				c.closeWithError(fmt.Errorf("read packet: %w", err))
			}
			return
		}

		select {
		case c.inbound <- p:
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case data := <-c.outbound:
			if data == nil {
				c.closeWithError(nil)
				return
			}
			if _, err := c.conn.Write(data); err != nil {
				c.closeWithError(fmt.Errorf("write packet: %w", err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		_ = c.conn.Close()
		close(c.closed)
	})
}

// bufferedConn lets the TLS layer read bytes the plaintext decoder already
// pulled into its buffer.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func addrPortOf(addr net.Addr) netip.AddrPort {
	switch a := addr.(type) {
	case *net.TCPAddr:
		ap := a.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	case *net.UDPAddr:
		ap := a.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	default:
		if addr == nil {
			return netip.AddrPort{}
		}
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}
		}
		return ap
	}
}
