package network

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	appcrypto "lanlink/crypto"
	"lanlink/logging"
	"lanlink/models"
	"lanlink/packet"
	"lanlink/registry"
	"lanlink/storage"
)

const handshakeReadBuffer = 64 * 1024

// HandshakeOptions configures the pairing and connection handshake.
type HandshakeOptions struct {
	Identity LocalIdentity
	Registry *registry.Registry
	Store    TrustStore
	Journal  SecurityJournal
	Approver Approver
	Logger   *zap.Logger

	DialTimeout     time.Duration
	IdentityTimeout time.Duration
	PairTimeout     time.Duration
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	out.Logger = logging.OrNop(out.Logger)
	if out.Approver == nil {
		out.Approver = RejectAll
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.IdentityTimeout <= 0 {
		out.IdentityTimeout = DefaultIdentityTimeout
	}
	if out.PairTimeout <= 0 {
		out.PairTimeout = DefaultPairTimeout
	}
	return out
}

func (o HandshakeOptions) validate() error {
	if err := o.Identity.validate(); err != nil {
		return err
	}
	if o.Registry == nil {
		return errors.New("registry is required")
	}
	if o.Store == nil {
		return errors.New("trust store is required")
	}
	return nil
}

// Handshaker runs connect and accept attempts. Every attempt holds the
// registry token for its device and releases it on return.
type Handshaker struct {
	opts   HandshakeOptions
	tlsCfg *tls.Config
	logger *zap.Logger
}

// NewHandshaker validates options and returns a Handshaker.
func NewHandshaker(options HandshakeOptions) (*Handshaker, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Handshaker{
		opts:   opts,
		tlsCfg: appcrypto.TLSConfig(opts.Identity.Certificate),
		logger: opts.Logger.With(zap.String("component", "handshake")),
	}, nil
}

// attempt carries per-connection handshake state.
type attempt struct {
	h        *Handshaker
	deviceID string
	raw      net.Conn
	reader   *bufio.Reader
	plainDec *packet.Decoder
	conn     net.Conn
	dec      *packet.Decoder
	enc      *packet.Encoder
	peer     models.DeviceIdentity
	token    *registry.Token
	rejected bool
}

// Connect dials the device, exchanges identities, secures the channel and
// pairs if the device is not already trusted. The local side acts as TLS
// server.
func (h *Handshaker) Connect(ctx context.Context, deviceID string) (*Connection, error) {
	rec, ok := h.opts.Registry.Get(deviceID)
	if !ok {
		return nil, registry.ErrUnknownDevice
	}
	target := rec.DialAddress()
	if !target.IsValid() {
		return nil, ErrNoDialAddress
	}

	token, err := h.opts.Registry.BeginDial(deviceID)
	if err != nil {
		return nil, err
	}

	a := &attempt{h: h, deviceID: deviceID, token: token}
	conn, err := a.connect(ctx, target.String())
	if err != nil {
		return nil, a.finish(err)
	}
	return conn, nil
}

// Accept runs the handshake for an inbound TCP connection. The local side
// acts as TLS client. raw is closed on failure.
func (h *Handshaker) Accept(ctx context.Context, raw net.Conn) (*Connection, error) {
	a := &attempt{h: h, raw: raw}
	a.reader = bufio.NewReaderSize(raw, handshakeReadBuffer)
	a.plainDec = packet.NewDecoder(a.reader)

	stop := a.interruptOn(ctx)
	defer stop()

	if err := raw.SetDeadline(time.Now().Add(h.opts.IdentityTimeout)); err != nil {
		_ = raw.Close()
		return nil, handshakeError(Transport, "", err)
	}
	peer, err := a.readIdentity(a.plainDec)
	if err != nil {
		_ = raw.Close()
		h.logFailure(err)
		return nil, err
	}
	a.peer = peer
	a.deviceID = peer.DeviceID

	h.opts.Registry.Observe(peer, addrPortOf(raw.RemoteAddr()))
	token, err := h.opts.Registry.BeginHandshake(peer.DeviceID)
	if errors.Is(err, registry.ErrBusy) && peer.DeviceID < h.opts.Identity.Identity.DeviceID {
		// Both sides dialed at once: the attempt started by the lower id wins.
		token, err = h.opts.Registry.SupersedeDial(peer.DeviceID)
	}
	if err != nil {
		_ = raw.Close()
		h.logger.Debug("rejecting inbound connection", zap.String("device_id", peer.DeviceID), zap.Error(err))
		return nil, err
	}
	a.token = token

	conn, err := a.accept(ctx)
	if err != nil {
		return nil, a.finish(err)
	}
	return conn, nil
}

func (a *attempt) connect(ctx context.Context, address string) (*Connection, error) {
	h := a.h

	dialer := net.Dialer{Timeout: h.opts.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, handshakeError(Transport, a.deviceID, fmt.Errorf("dial %s: %w", address, err))
	}
	a.raw = raw
	a.reader = bufio.NewReaderSize(raw, handshakeReadBuffer)
	a.plainDec = packet.NewDecoder(a.reader)

	stop := a.interruptOn(ctx)
	defer stop()

	if err := raw.SetDeadline(time.Now().Add(h.opts.IdentityTimeout)); err != nil {
		return nil, handshakeError(Transport, a.deviceID, err)
	}
	if err := packet.NewEncoder(raw).Encode(packet.NewIdentity(h.opts.Identity.Identity)); err != nil {
		return nil, handshakeError(Transport, a.deviceID, err)
	}

	peer, err := a.readIdentity(a.plainDec)
	if err != nil {
		return nil, err
	}
	if peer.DeviceID != a.deviceID {
		return nil, handshakeError(IdentityInvalid, a.deviceID,
			fmt.Errorf("peer announced device id %q", peer.DeviceID))
	}
	a.peer = peer
	h.opts.Registry.Observe(peer, addrPortOf(raw.RemoteAddr()))

	tlsConn := tls.Server(&bufferedConn{Conn: raw, r: a.reader}, h.tlsCfg)
	fingerprint, err := a.secure(ctx, tlsConn)
	if err != nil {
		return nil, err
	}

	rec, _ := h.opts.Registry.Get(a.deviceID)
	if rec.Trust != registry.TrustPaired {
		if err := a.requestPairing(fingerprint); err != nil {
			return nil, err
		}
	}
	return a.activate(fingerprint)
}

func (a *attempt) accept(ctx context.Context) (*Connection, error) {
	h := a.h

	if err := packet.NewEncoder(a.raw).Encode(packet.NewIdentity(h.opts.Identity.Identity)); err != nil {
		return nil, handshakeError(Transport, a.deviceID, err)
	}

	tlsConn := tls.Client(&bufferedConn{Conn: a.raw, r: a.reader}, h.tlsCfg)
	fingerprint, err := a.secure(ctx, tlsConn)
	if err != nil {
		return nil, err
	}

	rec, _ := h.opts.Registry.Get(a.deviceID)
	if rec.Trust != registry.TrustPaired {
		if err := a.decidePairing(ctx, fingerprint); err != nil {
			return nil, err
		}
	}
	return a.activate(fingerprint)
}

// readIdentity reads the first packet on the plaintext connection.
func (a *attempt) readIdentity(dec *packet.Decoder) (models.DeviceIdentity, error) {
	p, err := dec.Decode()
	if err != nil {
		if isTimeout(err) {
			return models.DeviceIdentity{}, handshakeError(IdentityTimeout, a.deviceID, err)
		}
		var parseErr *packet.ParseError
		if errors.As(err, &parseErr) || errors.Is(err, packet.ErrPacketTooLarge) {
			return models.DeviceIdentity{}, handshakeError(IdentityInvalid, a.deviceID, err)
		}
		return models.DeviceIdentity{}, handshakeError(Transport, a.deviceID, err)
	}

	identity, err := p.AsIdentity()
	if err != nil {
		return models.DeviceIdentity{}, handshakeError(IdentityInvalid, a.deviceID, err)
	}
	if identity.ProtocolVersion != packet.ProtocolVersion {
		a.h.journal(storage.EventVersionMismatch, identity.DeviceID, storage.SecuritySeverityWarning, map[string]any{
			"expected": packet.ProtocolVersion,
			"received": identity.ProtocolVersion,
		})
		return models.DeviceIdentity{}, handshakeError(VersionMismatch, identity.DeviceID,
			fmt.Errorf("protocol version %d, want %d", identity.ProtocolVersion, packet.ProtocolVersion))
	}
	return identity, nil
}

// secure runs the TLS handshake and checks the peer certificate against the
// announced id and any recorded fingerprint.
func (a *attempt) secure(ctx context.Context, tlsConn *tls.Conn) (string, error) {
	h := a.h
	if err := a.registryAdvance(registry.Identifying); err != nil {
		return "", err
	}

	if err := a.raw.SetDeadline(time.Now().Add(h.opts.IdentityTimeout)); err != nil {
		return "", handshakeError(Transport, a.deviceID, err)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		if isTimeout(err) {
			return "", handshakeError(IdentityTimeout, a.deviceID, fmt.Errorf("tls handshake: %w", err))
		}
		return "", handshakeError(Transport, a.deviceID, fmt.Errorf("tls handshake: %w", err))
	}
	a.conn = tlsConn
	a.dec = packet.NewDecoder(tlsConn)
	a.enc = packet.NewEncoder(tlsConn)

	fingerprint, certDeviceID, err := appcrypto.PeerIdentity(tlsConn.ConnectionState())
	if err != nil {
		return "", handshakeError(IdentityMismatch, a.deviceID, err)
	}
	if certDeviceID != a.deviceID {
		h.journal(storage.EventCertificateMismatch, a.deviceID, storage.SecuritySeverityCritical, map[string]any{
			"expected": a.deviceID,
			"received": certDeviceID,
		})
		h.logger.Error("peer certificate issued for another device",
			zap.String("device_id", a.deviceID),
			zap.String("expected", a.deviceID),
			zap.String("received", certDeviceID),
		)
		return "", handshakeError(IdentityMismatch, a.deviceID,
			fmt.Errorf("certificate common name %q", certDeviceID))
	}

	rec, _ := h.opts.Registry.Get(a.deviceID)
	if rec.Trust == registry.TrustPaired && rec.Fingerprint != fingerprint {
		h.journal(storage.EventFingerprintMismatch, a.deviceID, storage.SecuritySeverityCritical, map[string]any{
			"expected": rec.Fingerprint,
			"received": fingerprint,
		})
		h.logger.Error("peer fingerprint does not match paired record",
			zap.String("device_id", a.deviceID),
			zap.String("expected", rec.Fingerprint),
			zap.String("received", fingerprint),
		)
		return "", handshakeError(IdentityMismatch, a.deviceID, errors.New("certificate fingerprint changed"))
	}
	return fingerprint, nil
}

// requestPairing sends the pair request and waits for the peer's decision.
func (a *attempt) requestPairing(fingerprint string) error {
	h := a.h
	if err := h.opts.Registry.MarkPairRequested(a.token, registry.PairOutgoing); err != nil {
		return handshakeError(Transport, a.deviceID, err)
	}
	if err := a.registryAdvance(registry.AwaitingPairDecision); err != nil {
		return err
	}

	if err := a.raw.SetDeadline(time.Now().Add(h.opts.PairTimeout)); err != nil {
		return handshakeError(Transport, a.deviceID, err)
	}
	if err := a.enc.Encode(packet.NewPair(true)); err != nil {
		return handshakeError(Transport, a.deviceID, err)
	}

	accepted, err := a.awaitPair()
	if err != nil {
		if IsTimeoutError(err) {
			a.sendPairBestEffort(false)
		}
		return err
	}
	if !accepted {
		a.rejected = true
		h.journal(storage.EventPairRejected, a.deviceID, storage.SecuritySeverityInfo, map[string]any{
			"direction": registry.PairOutgoing.String(),
		})
		return handshakeError(PairRejected, a.deviceID, errors.New("peer declined pairing"))
	}
	return a.persist(fingerprint)
}

// decidePairing waits for the peer's pair request and asks the approver.
func (a *attempt) decidePairing(ctx context.Context, fingerprint string) error {
	h := a.h
	if err := a.registryAdvance(registry.AwaitingPairDecision); err != nil {
		return err
	}

	if err := a.raw.SetDeadline(time.Now().Add(h.opts.PairTimeout)); err != nil {
		return handshakeError(Transport, a.deviceID, err)
	}
	requested, err := a.awaitPair()
	if err != nil {
		if IsTimeoutError(err) {
			// A peer that still considers itself paired never asks; make it forget.
			a.sendPairBestEffort(false)
		}
		return err
	}
	if !requested {
		return handshakeError(PairRejected, a.deviceID, errors.New("peer cancelled pairing"))
	}

	if err := h.opts.Registry.MarkPairRequested(a.token, registry.PairIncoming); err != nil {
		return handshakeError(Transport, a.deviceID, err)
	}

	approveCtx, cancel := context.WithTimeout(ctx, h.opts.PairTimeout)
	defer cancel()
	accepted, err := h.opts.Approver.ApprovePairing(approveCtx, PairRequest{
		DeviceID:    a.deviceID,
		DeviceName:  a.peer.DeviceName,
		Fingerprint: fingerprint,
	})
	if err != nil || !accepted {
		a.rejected = true
		a.sendPairBestEffort(false)
		h.journal(storage.EventPairRejected, a.deviceID, storage.SecuritySeverityInfo, map[string]any{
			"direction": registry.PairIncoming.String(),
		})
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(approveCtx.Err(), context.DeadlineExceeded) {
			return handshakeError(PairTimeout, a.deviceID, errors.New("approval timed out"))
		}
		if err != nil {
			return handshakeError(PairRejected, a.deviceID, fmt.Errorf("approval: %w", err))
		}
		return handshakeError(PairRejected, a.deviceID, errors.New("pairing declined locally"))
	}

	if err := a.persist(fingerprint); err != nil {
		a.sendPairBestEffort(false)
		return err
	}

	if err := a.raw.SetDeadline(time.Now().Add(h.opts.IdentityTimeout)); err != nil {
		return handshakeError(Transport, a.deviceID, err)
	}
	if err := a.enc.Encode(packet.NewPair(true)); err != nil {
		return handshakeError(Transport, a.deviceID, err)
	}
	return nil
}

// awaitPair reads until a pair packet arrives. Other packets are dropped:
// nothing is delivered before the device is paired.
func (a *attempt) awaitPair() (bool, error) {
	for {
		p, err := a.dec.Decode()
		if err != nil {
			if isTimeout(err) {
				return false, handshakeError(PairTimeout, a.deviceID, err)
			}
			var parseErr *packet.ParseError
			if errors.As(err, &parseErr) {
				a.h.logger.Debug("dropping malformed packet during pairing", zap.String("device_id", a.deviceID), zap.Error(err))
				continue
			}
			return false, handshakeError(Transport, a.deviceID, err)
		}
		if p.Type() != packet.TypePair {
			a.h.logger.Debug("dropping packet received before pairing",
				zap.String("device_id", a.deviceID),
				zap.String("type", p.Type()),
			)
			continue
		}

		body, err := p.AsPair()
		if err != nil {
			return false, handshakeError(IdentityInvalid, a.deviceID, err)
		}
		return body.Pair, nil
	}
}

// persist stores the trust record; the pairing only counts once it is saved.
func (a *attempt) persist(fingerprint string) error {
	h := a.h
	now := time.Now().UnixMilli()
	device := storage.TrustedDevice{
		DeviceID:          a.deviceID,
		DeviceName:        a.peer.DeviceName,
		DeviceType:        string(a.peer.DeviceType),
		Fingerprint:       fingerprint,
		PairedTimestamp:   now,
		LastSeenTimestamp: &now,
	}
	if remote := addrPortOf(a.raw.RemoteAddr()); remote.IsValid() {
		ip := remote.Addr().String()
		device.LastKnownIP = &ip
		if a.peer.TCPPort > 0 {
			port := a.peer.TCPPort
			device.LastKnownPort = &port
		}
	}

	if err := h.opts.Store.SaveTrusted(device); err != nil {
		return handshakeError(Persist, a.deviceID, err)
	}
	h.journal(storage.EventPairAccepted, a.deviceID, storage.SecuritySeverityInfo, map[string]any{
		"fingerprint": fingerprint,
	})
	return nil
}

func (a *attempt) activate(fingerprint string) (*Connection, error) {
	h := a.h
	if err := a.registryAdvance(registry.Paired); err != nil {
		return nil, err
	}
	if err := a.raw.SetDeadline(time.Time{}); err != nil {
		return nil, handshakeError(Transport, a.deviceID, err)
	}
	if err := h.opts.Registry.CompleteHandshake(a.token, registry.Outcome{Fingerprint: fingerprint}); err != nil {
		return nil, handshakeError(Transport, a.deviceID, err)
	}
	a.token = nil

	conn := newConnection(a.conn, a.dec, a.peer, fingerprint, h.logger)
	h.logger.Info("connection active",
		zap.String("device_id", a.deviceID),
		zap.String("device_name", a.peer.DeviceName),
		zap.Stringer("remote", conn.RemoteAddr()),
	)
	return conn, nil
}

// finish releases the registry token and closes the socket of a failed
// attempt. It returns the error to report, which is ErrSuperseded when the
// peer's own attempt took the record over.
func (a *attempt) finish(err error) error {
	if a.token != nil {
		if completeErr := a.h.opts.Registry.CompleteHandshake(a.token, registry.Outcome{Err: err, Rejected: a.rejected}); errors.Is(completeErr, registry.ErrStaleToken) {
			a.h.logger.Debug("dial superseded", zap.String("device_id", a.deviceID), zap.Error(err))
			err = ErrSuperseded
		}
		a.token = nil
	}
	if a.conn != nil {
		_ = a.conn.Close()
	} else if a.raw != nil {
		_ = a.raw.Close()
	}
	a.h.logFailure(err)
	return err
}

func (a *attempt) registryAdvance(state registry.ConnectionState) error {
	if a.token == nil {
		return nil
	}
	if err := a.h.opts.Registry.Advance(a.token, state); err != nil {
		return handshakeError(Transport, a.deviceID, err)
	}
	return nil
}

func (a *attempt) sendPairBestEffort(pair bool) {
	if a.enc == nil {
		return
	}
	_ = a.raw.SetWriteDeadline(time.Now().Add(time.Second))
	_ = a.enc.Encode(packet.NewPair(pair))
}

// interruptOn unblocks pending reads and writes once ctx is done.
func (a *attempt) interruptOn(ctx context.Context) func() bool {
	raw := a.raw
	return context.AfterFunc(ctx, func() {
		_ = raw.SetDeadline(time.Unix(1, 0))
	})
}

func (h *Handshaker) journal(eventType, deviceID, severity string, details map[string]any) {
	if h.opts.Journal == nil {
		return
	}
	if err := h.opts.Journal.RecordSecurityEvent(eventType, deviceID, severity, details); err != nil {
		h.logger.Warn("record security event failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (h *Handshaker) logFailure(err error) {
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) {
		return
	}
	fields := []zap.Field{
		zap.String("device_id", hsErr.DeviceID),
		zap.Stringer("kind", hsErr.Kind),
		zap.Stringer("class", hsErr.Class()),
		zap.Error(hsErr.Err),
	}
	switch hsErr.Class() {
	case ClassSecurity:
		h.logger.Error("handshake security failure", fields...)
	case ClassTimeout, ClassProtocol:
		h.logger.Info("handshake failed", fields...)
	default:
		h.logger.Warn("handshake failed", fields...)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
