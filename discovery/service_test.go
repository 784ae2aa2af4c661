package discovery

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"lanlink/models"
	"lanlink/packet"
	"lanlink/registry"
)

type recordingSink struct {
	mu   sync.Mutex
	seen []models.DeviceIdentity
	from []netip.AddrPort
}

func (s *recordingSink) Observe(identity models.DeviceIdentity, addr netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, identity)
	s.from = append(s.from, addr)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func testIdentity(deviceID string) models.DeviceIdentity {
	return models.DeviceIdentity{
		DeviceID:        deviceID,
		DeviceName:      "Device " + deviceID,
		DeviceType:      models.DeviceTypeDesktop,
		ProtocolVersion: packet.ProtocolVersion,
		TCPPort:         1739,
	}
}

func startLoopbackService(t *testing.T, cfg Config) *Service {
	t.Helper()
	if cfg.BindAddress == "" {
		cfg.BindAddress = "127.0.0.1"
	}
	if cfg.ReceiveTimeout == 0 {
		cfg.ReceiveTimeout = 50 * time.Millisecond
	}
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(svc.Stop)
	return svc
}

func sendDatagram(t *testing.T, to netip.AddrPort, payload []byte) {
	t.Helper()
	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(to))
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write udp: %v", err)
	}
}

func identityDatagram(t *testing.T, identity models.DeviceIdentity) []byte {
	t.Helper()
	data, err := packet.Marshal(packet.NewIdentity(identity))
	if err != nil {
		t.Fatalf("marshal identity: %v", err)
	}
	return data
}

func waitForCondition(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAnnouncementReachesPeerRegistry(t *testing.T) {
	reg := registry.New(registry.Options{})
	listener := startLoopbackService(t, Config{
		Identity:        testIdentity("A"),
		Sink:            reg,
		DisableAnnounce: true,
	})

	startLoopbackService(t, Config{
		Identity:          testIdentity("B"),
		Sink:              &recordingSink{},
		BroadcastAddrs:    []netip.AddrPort{listener.LocalAddr()},
		BroadcastInterval: 20 * time.Millisecond,
	})

	waitForCondition(t, 2*time.Second, "B to be observed", func() bool {
		_, ok := reg.Get("B")
		return ok
	})

	rec, _ := reg.Get("B")
	if rec.Trust != registry.TrustUnknown || rec.Connection != registry.Disconnected {
		t.Fatalf("unexpected record states trust=%v connection=%v", rec.Trust, rec.Connection)
	}
	if rec.Address.Addr() != netip.MustParseAddr("127.0.0.1") {
		t.Fatalf("expected datagram source address, got %v", rec.Address)
	}
	if rec.DialAddress().Port() != 1739 {
		t.Fatalf("expected dial port from announced tcpPort, got %v", rec.DialAddress())
	}
	if reg.Len() != 1 {
		t.Fatalf("expected exactly one record despite repeated announcements, got %d", reg.Len())
	}
}

func TestMalformedDatagramsAreDropped(t *testing.T) {
	reg := registry.New(registry.Options{})
	svc := startLoopbackService(t, Config{
		Identity:        testIdentity("A"),
		Sink:            reg,
		DisableAnnounce: true,
	})

	sendDatagram(t, svc.LocalAddr(), []byte("not json"))
	sendDatagram(t, svc.LocalAddr(), []byte(`{"id":1,"type":"kdeconnect.ping","body":{}}`+"\n"))
	sendDatagram(t, svc.LocalAddr(), []byte(`{"id":1,"type":"kdeconnect.identity","body":{"deviceName":"no id"}}`+"\n"))
	sendDatagram(t, svc.LocalAddr(), identityDatagram(t, testIdentity("B")))

	waitForCondition(t, 2*time.Second, "valid identity after noise", func() bool {
		_, ok := reg.Get("B")
		return ok
	})
	if reg.Len() != 1 {
		t.Fatalf("expected only the valid identity to be recorded, got %d records", reg.Len())
	}
	if svc.State() != StateRunning {
		t.Fatalf("expected service to keep running, got %v", svc.State())
	}
}

func TestOwnAnnouncementIsFiltered(t *testing.T) {
	sink := &recordingSink{}
	svc := startLoopbackService(t, Config{
		Identity:          testIdentity("A"),
		Sink:              sink,
		BroadcastAddrs:    []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:0")},
		BroadcastInterval: 20 * time.Millisecond,
	})

	time.Sleep(150 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatalf("expected own announcements to be dropped, got %d", sink.count())
	}

	sendDatagram(t, svc.LocalAddr(), identityDatagram(t, testIdentity("C")))
	waitForCondition(t, 2*time.Second, "foreign identity", func() bool { return sink.count() == 1 })

	sink.mu.Lock()
	got := sink.seen[0].DeviceID
	sink.mu.Unlock()
	if got != "C" {
		t.Fatalf("expected identity C, got %q", got)
	}
}

func TestStartReportsBindError(t *testing.T) {
	first := startLoopbackService(t, Config{
		Identity:        testIdentity("A"),
		Sink:            &recordingSink{},
		DisableAnnounce: true,
	})

	second, err := NewService(Config{
		Identity:    testIdentity("B"),
		Sink:        &recordingSink{},
		BindAddress: "127.0.0.1",
		Port:        int(first.LocalAddr().Port()),
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	err = second.Start()
	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("expected BindError, got %v", err)
	}
	if second.State() != StateIdle {
		t.Fatalf("expected failed service to stay idle, got %v", second.State())
	}
}

func TestStopReturnsPromptly(t *testing.T) {
	svc, err := NewService(Config{
		Identity:          testIdentity("A"),
		Sink:              &recordingSink{},
		BindAddress:       "127.0.0.1",
		BroadcastAddrs:    []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:9")},
		BroadcastInterval: time.Hour,
		ReceiveTimeout:    time.Hour,
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	if svc.State() != StateIdle {
		t.Fatalf("expected idle, got %v", svc.State())
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if svc.State() != StateRunning {
		t.Fatalf("expected running, got %v", svc.State())
	}

	done := make(chan struct{})
	go func() {
		svc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop blocked with no network traffic")
	}
	if svc.State() != StateStopped {
		t.Fatalf("expected stopped, got %v", svc.State())
	}
	if err := svc.Start(); err == nil {
		t.Fatalf("expected restart of stopped service to fail")
	}
	if err := svc.Announce(); err == nil {
		t.Fatalf("expected Announce on stopped service to fail")
	}
}

func TestNewServiceValidatesConfig(t *testing.T) {
	if _, err := NewService(Config{Sink: &recordingSink{}}); err == nil {
		t.Fatalf("expected missing device id to be rejected")
	}
	if _, err := NewService(Config{Identity: testIdentity("A")}); err == nil {
		t.Fatalf("expected missing sink to be rejected")
	}
}
