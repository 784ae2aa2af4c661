package network

import (
	"context"
	"crypto/tls"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	appcrypto "lanlink/crypto"
	"lanlink/models"
	"lanlink/packet"
	"lanlink/registry"
	"lanlink/storage"
)

const testPingType = "test.ping"

type memTrustStore struct {
	mu      sync.Mutex
	devices map[string]storage.TrustedDevice
	saves   []storage.TrustedDevice
	saveErr error
}

func newMemTrustStore(seed ...storage.TrustedDevice) *memTrustStore {
	s := &memTrustStore{devices: make(map[string]storage.TrustedDevice)}
	for _, device := range seed {
		s.devices[device.DeviceID] = device
	}
	return s
}

func (s *memTrustStore) LoadTrusted() ([]storage.TrustedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.TrustedDevice, 0, len(s.devices))
	for _, device := range s.devices {
		out = append(out, device)
	}
	return out, nil
}

func (s *memTrustStore) SaveTrusted(device storage.TrustedDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves = append(s.saves, device)
	s.devices[device.DeviceID] = device
	return nil
}

func (s *memTrustStore) RemoveTrusted(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, deviceID)
	return nil
}

func (s *memTrustStore) saved() []storage.TrustedDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.TrustedDevice(nil), s.saves...)
}

func (s *memTrustStore) get(deviceID string) (storage.TrustedDevice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[deviceID]
	return device, ok
}

type memJournal struct {
	mu     sync.Mutex
	events []string
}

func (j *memJournal) RecordSecurityEvent(eventType, deviceID, severity string, details map[string]any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, eventType)
	return nil
}

func (j *memJournal) has(eventType string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, event := range j.events {
		if event == eventType {
			return true
		}
	}
	return false
}

type countingApprover struct {
	calls  atomic.Int32
	accept bool
}

func (a *countingApprover) ApprovePairing(ctx context.Context, request PairRequest) (bool, error) {
	a.calls.Add(1)
	return a.accept, nil
}

type testPeer struct {
	id       string
	cert     tls.Certificate
	store    *memTrustStore
	journal  *memJournal
	registry *registry.Registry
	manager  *Manager
}

type testPeerConfig struct {
	deviceID        string
	approver        Approver
	store           *memTrustStore
	cert            *tls.Certificate
	pairTimeout     time.Duration
	identityTimeout time.Duration
	autoConnect     bool
}

func testIdentity(deviceID string) models.DeviceIdentity {
	return models.DeviceIdentity{
		DeviceID:             deviceID,
		DeviceName:           "Device " + deviceID,
		DeviceType:           models.DeviceTypeDesktop,
		ProtocolVersion:      packet.ProtocolVersion,
		IncomingCapabilities: []string{testPingType},
		OutgoingCapabilities: []string{testPingType},
	}
}

func mustCertificate(t *testing.T, deviceID string) tls.Certificate {
	t.Helper()
	cert, err := appcrypto.GenerateDeviceCertificate(deviceID)
	if err != nil {
		t.Fatalf("generate certificate for %s: %v", deviceID, err)
	}
	return cert
}

func newTestPeer(t *testing.T, cfg testPeerConfig) *testPeer {
	t.Helper()

	var cert tls.Certificate
	if cfg.cert != nil {
		cert = *cfg.cert
	} else {
		cert = mustCertificate(t, cfg.deviceID)
	}
	store := cfg.store
	if store == nil {
		store = newMemTrustStore()
	}
	if cfg.approver == nil {
		cfg.approver = RejectAll
	}
	if cfg.pairTimeout == 0 {
		cfg.pairTimeout = 2 * time.Second
	}
	if cfg.identityTimeout == 0 {
		cfg.identityTimeout = 2 * time.Second
	}

	journal := &memJournal{}
	reg := registry.New(registry.Options{})
	manager, err := NewManager(ManagerOptions{
		Identity:           LocalIdentity{Identity: testIdentity(cfg.deviceID), Certificate: cert},
		Registry:           reg,
		Store:              store,
		Journal:            journal,
		Approver:           cfg.approver,
		ListenAddress:      "127.0.0.1:0",
		DialTimeout:        2 * time.Second,
		IdentityTimeout:    cfg.identityTimeout,
		PairTimeout:        cfg.pairTimeout,
		DisableAutoConnect: !cfg.autoConnect,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(manager.Stop)

	return &testPeer{
		id:       cfg.deviceID,
		cert:     cert,
		store:    store,
		journal:  journal,
		registry: reg,
		manager:  manager,
	}
}

func (p *testPeer) fingerprint() string {
	return appcrypto.LocalFingerprint(p.cert)
}

func (p *testPeer) record(t *testing.T, deviceID string) registry.Record {
	t.Helper()
	rec, ok := p.registry.Get(deviceID)
	if !ok {
		t.Fatalf("%s has no record for %s", p.id, deviceID)
	}
	return rec
}

// introduce feeds to's announcement into from as discovery would.
func introduce(from, to *testPeer) {
	from.manager.Observe(to.manager.LocalIdentity(), netip.MustParseAddrPort("127.0.0.1:1716"))
}

func pairPeers(t *testing.T, a, b *testPeer) *Connection {
	t.Helper()
	introduce(a, b)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := a.manager.Connect(ctx, b.id)
	if err != nil {
		t.Fatalf("%s connect %s failed: %v", a.id, b.id, err)
	}
	waitForConnection(t, b, a.id, registry.Active)
	waitForCondition(t, 3*time.Second, func() bool {
		return b.manager.Connection(a.id) != nil
	}, b.id+" registers the connection")
	return conn
}

func waitForConnection(t *testing.T, p *testPeer, deviceID string, state registry.ConnectionState) {
	t.Helper()
	waitForCondition(t, 3*time.Second, func() bool {
		rec, ok := p.registry.Get(deviceID)
		return ok && rec.Connection == state
	}, p.id+" waiting for "+deviceID+" to be "+state.String())
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}
