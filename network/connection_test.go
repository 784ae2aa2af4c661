package network

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"lanlink/packet"
)

func newPipeConnection(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	conn := newConnection(local, packet.NewDecoder(local), testIdentity("device-b"), "fp", zap.NewNop())
	t.Cleanup(func() {
		_ = conn.Close()
		_ = remote.Close()
	})
	return conn, remote
}

func TestConnectionReceivesInOrder(t *testing.T) {
	conn, remote := newPipeConnection(t)

	go func() {
		enc := packet.NewEncoder(remote)
		for i := 1; i <= 3; i++ {
			_ = enc.Encode(packet.NewWithID(testPingType, int64(i), map[string]int{"seq": i}))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := int64(1); i <= 3; i++ {
		p, err := conn.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		if p.ID() != i {
			t.Fatalf("expected packet %d, got %d", i, p.ID())
		}
	}
}

func TestConnectionClosesOnMalformedPacket(t *testing.T) {
	conn, remote := newPipeConnection(t)

	go func() {
		_, _ = remote.Write([]byte("not json\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := conn.Receive(ctx)
	if !packet.IsParseError(err, packet.ParseInvalidJSON) {
		t.Fatalf("expected invalid json parse error, got %v", err)
	}
	if err := conn.Send(packet.New(testPingType, nil)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after close, got %v", err)
	}
}

func TestConnectionReceiveReturnsEOFOnPeerClose(t *testing.T) {
	conn, remote := newPipeConnection(t)
	_ = remote.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := conn.Receive(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected Done closed")
	}
}

func TestConnectionReceiveHonorsContext(t *testing.T) {
	conn, _ := newPipeConnection(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := conn.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestConnectionSendAndCloseFlushesFinalPacket(t *testing.T) {
	conn, remote := newPipeConnection(t)

	lines := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(remote).ReadString('\n')
		lines <- line
	}()

	if err := conn.SendAndClose(packet.NewPair(false)); err != nil {
		t.Fatalf("SendAndClose failed: %v", err)
	}

	select {
	case line := <-lines:
		p, err := packet.Unmarshal([]byte(line))
		if err != nil {
			t.Fatalf("unmarshal final packet: %v", err)
		}
		body, err := p.AsPair()
		if err != nil || body.Pair {
			t.Fatalf("unexpected final packet %q (%v)", line, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("final packet not written")
	}

	select {
	case <-conn.Done():
	default:
		t.Fatalf("expected connection closed after SendAndClose")
	}
}
