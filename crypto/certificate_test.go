package crypto

import (
	"bytes"
	"crypto/tls"
	"net"
	"path/filepath"
	"testing"
)

func TestEnsureDeviceCertificateIsStable(t *testing.T) {
	tempDir := t.TempDir()
	certPath := filepath.Join(tempDir, "keys", "device.crt")
	keyPath := filepath.Join(tempDir, "keys", "device.key")

	first, err := EnsureDeviceCertificate(certPath, keyPath, "device-a")
	if err != nil {
		t.Fatalf("first EnsureDeviceCertificate failed: %v", err)
	}
	second, err := EnsureDeviceCertificate(certPath, keyPath, "device-a")
	if err != nil {
		t.Fatalf("second EnsureDeviceCertificate failed: %v", err)
	}

	if !bytes.Equal(first.Certificate[0], second.Certificate[0]) {
		t.Fatalf("expected stable certificate across runs")
	}
	if CertificateDeviceID(second.Leaf) != "device-a" {
		t.Fatalf("expected common name device-a, got %q", CertificateDeviceID(second.Leaf))
	}
	if LocalFingerprint(first) != LocalFingerprint(second) {
		t.Fatalf("expected stable fingerprint")
	}
}

func TestEnsureDeviceCertificateRegeneratesForNewDeviceID(t *testing.T) {
	tempDir := t.TempDir()
	certPath := filepath.Join(tempDir, "device.crt")
	keyPath := filepath.Join(tempDir, "device.key")

	first, err := EnsureDeviceCertificate(certPath, keyPath, "device-a")
	if err != nil {
		t.Fatalf("EnsureDeviceCertificate failed: %v", err)
	}
	second, err := EnsureDeviceCertificate(certPath, keyPath, "device-b")
	if err != nil {
		t.Fatalf("EnsureDeviceCertificate failed: %v", err)
	}
	if LocalFingerprint(first) == LocalFingerprint(second) {
		t.Fatalf("expected a new certificate for a new device id")
	}
	if CertificateDeviceID(second.Leaf) != "device-b" {
		t.Fatalf("unexpected common name %q", CertificateDeviceID(second.Leaf))
	}
}

func TestFormatFingerprint(t *testing.T) {
	got := FormatFingerprint("abcdef0123456789ab")
	if got != "ABCD EF01 2345 6789 AB" {
		t.Fatalf("unexpected formatted fingerprint %q", got)
	}
	if FormatFingerprint("") != "" {
		t.Fatalf("expected empty output for empty fingerprint")
	}
}

func TestPeerIdentityAfterMutualTLS(t *testing.T) {
	serverCert, err := GenerateDeviceCertificate("server-device")
	if err != nil {
		t.Fatalf("generate server cert: %v", err)
	}
	clientCert, err := GenerateDeviceCertificate("client-device")
	if err != nil {
		t.Fatalf("generate client cert: %v", err)
	}

	a, b := net.Pipe()
	server := tls.Server(a, TLSConfig(serverCert))
	client := tls.Client(b, TLSConfig(clientCert))
	defer server.Close()
	defer client.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Handshake()
	}()
	if err := client.Handshake(); err != nil {
		t.Fatalf("client handshake failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server handshake failed: %v", err)
	}

	fingerprint, deviceID, err := PeerIdentity(server.ConnectionState())
	if err != nil {
		t.Fatalf("PeerIdentity failed: %v", err)
	}
	if deviceID != "client-device" {
		t.Fatalf("expected client-device, got %q", deviceID)
	}
	if fingerprint != LocalFingerprint(clientCert) {
		t.Fatalf("fingerprint mismatch")
	}

	_, deviceID, err = PeerIdentity(client.ConnectionState())
	if err != nil || deviceID != "server-device" {
		t.Fatalf("unexpected client view: %q %v", deviceID, err)
	}
}
