package crypto

import (
	"crypto/ed25519"
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
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	certificatePEMType = "CERTIFICATE"
	privateKeyPEMType  = "PRIVATE KEY"

	// DefaultCertificateLifetime is the validity of generated self-signed certificates.
	DefaultCertificateLifetime = 365 * 24 * time.Hour
)

// Identity is the server's TLS certificate and its fingerprint.
type Identity struct {
	Certificate tls.Certificate
	// Fingerprint is the lowercase hex SHA-256 of the leaf certificate DER.
	Fingerprint string
	// Generated is true when the identity was created during this call.
	Generated bool
}

// EnsureServerIdentity loads the certificate/key pair from disk, generating a
// self-signed Ed25519 identity on first run when autoGenerate is set.
func EnsureServerIdentity(certPath, keyPath string, hosts []string, autoGenerate bool) (*Identity, error) {
	identity, err := LoadServerIdentity(certPath, keyPath)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, fs.ErrNotExist) || !autoGenerate {
		return nil, err
	}

	certPEM, keyPEM, err := GenerateSelfSigned(hosts, DefaultCertificateLifetime)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("create tls key directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(certPath), 0o700); err != nil {
		return nil, fmt.Errorf("create tls certificate directory: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write tls private key: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write tls certificate: %w", err)
	}

	identity, err = identityFromPEM(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	identity.Generated = true
	return identity, nil
}

// LoadServerIdentity reads a PEM certificate and private key from disk.
func LoadServerIdentity(certPath, keyPath string) (*Identity, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read tls certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read tls private key: %w", err)
	}
	return identityFromPEM(certPEM, keyPEM)
}

func identityFromPEM(certPEM, keyPEM []byte) (*Identity, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse tls key pair: %w", err)
	}
	if len(cert.Certificate) == 0 {
		return nil, errors.New("parse tls key pair: no certificate")
	}
	return &Identity{
		Certificate: cert,
		Fingerprint: CertificateFingerprint(cert.Certificate[0]),
	}, nil
}

// GenerateSelfSigned creates a self-signed Ed25519 certificate valid for the
// given DNS names and IP addresses.
func GenerateSelfSigned(hosts []string, validFor time.Duration) (certPEM, keyPEM []byte, err error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate Ed25519 key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, nil, fmt.Errorf("generate certificate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "filehub", Organization: []string{"filehub"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, host := range hosts {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, publicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: pkcs8})
	return certPEM, keyPEM, nil
}

// ServerTLSConfig returns the listener configuration for an identity.
func ServerTLSConfig(identity *Identity) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{identity.Certificate},
		MinVersion:   tls.VersionTLS12,
	}
}

// PinnedClientTLSConfig trusts exactly one server certificate, identified by its
// SHA-256 fingerprint. Self-signed servers have no CA to verify against.
func PinnedClientTLSConfig(fingerprint string) *tls.Config {
	want := normalizeFingerprint(fingerprint)
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("server presented no certificate")
			}
			got := CertificateFingerprint(rawCerts[0])
			if got != want {
				return fmt.Errorf("server certificate fingerprint mismatch: got %s", FormatFingerprint(got))
			}
			return nil
		},
	}
}

// CertificateFingerprint returns the lowercase hex SHA-256 of a DER certificate.
func CertificateFingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

func normalizeFingerprint(fingerprint string) string {
	clean := strings.NewReplacer(" ", "", ":", "").Replace(fingerprint)
	return strings.ToLower(clean)
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(normalizeFingerprint(fingerprint))
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
