package crypto

import (
	"crypto/tls"
	"errors"
)

// ErrNoPeerCertificate indicates the remote side did not present a certificate.
var ErrNoPeerCertificate = errors.New("crypto: peer presented no certificate")

// TLSConfig returns a config usable for both TLS roles. Peer certificates are
// self-signed, so chain verification is skipped and trust is decided by
// fingerprint after the handshake.
func TLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		// Sessions are never resumed.
		SessionTicketsDisabled: true,
	}
}

// PeerIdentity returns the fingerprint and certificate device id of the peer
// in a completed TLS session.
func PeerIdentity(state tls.ConnectionState) (fingerprint, deviceID string, err error) {
	if len(state.PeerCertificates) == 0 {
		return "", "", ErrNoPeerCertificate
	}
	leaf := state.PeerCertificates[0]
	return CertificateFingerprint(leaf.Raw), CertificateDeviceID(leaf), nil
}
