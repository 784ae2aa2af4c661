package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	certificatePEMType = "CERTIFICATE"
	privateKeyPEMType  = "PRIVATE KEY"

	certificateOrganization = "lanlink"
	certificateValidYears   = 10
)

// EnsureDeviceCertificate loads the device certificate from disk, generating it
// on first run or when the stored certificate belongs to a different device id.
func EnsureDeviceCertificate(certPath, keyPath, deviceID string) (tls.Certificate, error) {
	cert, err := LoadDeviceCertificate(certPath, keyPath)
	if err == nil {
		if CertificateDeviceID(cert.Leaf) == deviceID {
			return cert, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return tls.Certificate{}, err
	}

	cert, err = GenerateDeviceCertificate(deviceID)
	if err != nil {
		return tls.Certificate{}, err
	}
	if err := SaveDeviceCertificate(certPath, keyPath, cert); err != nil {
		return tls.Certificate{}, err
	}
	return cert, nil
}

// GenerateDeviceCertificate creates a self-signed ECDSA certificate whose
// common name is the device id.
func GenerateDeviceCertificate(deviceID string) (tls.Certificate, error) {
	if strings.TrimSpace(deviceID) == "" {
		return tls.Certificate{}, errors.New("device ID is required")
	}

	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate certificate serial: %w", err)
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate ECDSA key: %w", err)
	}

	notBefore := time.Now().Add(-time.Hour)
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         deviceID,
			Organization:       []string{certificateOrganization},
			OrganizationalUnit: []string{certificateOrganization},
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(certificateValidYears, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse generated certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  privateKey,
		Leaf:        leaf,
	}, nil
}

// LoadDeviceCertificate reads a PEM certificate and PKCS#8 key from disk.
func LoadDeviceCertificate(certPath, keyPath string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read device certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read device key: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse device key pair: %w", err)
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("parse device certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	return cert, nil
}

// SaveDeviceCertificate writes the certificate (0644) and private key (0600) as PEM.
func SaveDeviceCertificate(certPath, keyPath string, cert tls.Certificate) error {
	if len(cert.Certificate) == 0 {
		return errors.New("save device certificate: empty certificate chain")
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return fmt.Errorf("marshal device key: %w", err)
	}

	for _, dir := range []string{filepath.Dir(certPath), filepath.Dir(keyPath)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create key directory %q: %w", dir, err)
		}
	}

	certBlock := &pem.Block{Type: certificatePEMType, Bytes: cert.Certificate[0]}
	if err := os.WriteFile(certPath, pem.EncodeToMemory(certBlock), 0o644); err != nil {
		return fmt.Errorf("write device certificate: %w", err)
	}
	keyBlock := &pem.Block{Type: privateKeyPEMType, Bytes: keyDER}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(keyBlock), 0o600); err != nil {
		return fmt.Errorf("write device key: %w", err)
	}
	return nil
}

// CertificateDeviceID returns the device id a certificate was issued for.
func CertificateDeviceID(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	return cert.Subject.CommonName
}

// CertificateFingerprint returns the SHA-256 hex fingerprint of a DER certificate.
func CertificateFingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// LocalFingerprint returns the fingerprint of the leaf in a tls.Certificate.
func LocalFingerprint(cert tls.Certificate) string {
	if len(cert.Certificate) == 0 {
		return ""
	}
	return CertificateFingerprint(cert.Certificate[0])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
