package quic

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"math/big"
	"time"
)

const ALPN = "devlink/1"

// sessionLabel names the TLS exporter that both ends of a connection use to
// agree on the envelope SessionID.
const sessionLabel = "EXPORTER-devlink-session-id"

// NewServerTLSConfig returns a TLS 1.3 config with a throwaway certificate.
// Peers are authenticated by the envelope HMAC, so the certificate only has
// to satisfy the QUIC handshake.
func NewServerTLSConfig() (*tls.Config, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tpl := &x509.Certificate{
		SerialNumber: serial,
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, priv.Public(), priv)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPN},
	}, nil
}

// NewClientTLSConfig returns a TLS 1.3 config without a client certificate
// that accepts any server certificate.
func NewClientTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPN},
		InsecureSkipVerify: true,
	}
}

// sessionID derives a per-connection SessionID from the TLS exporter. Both
// ends compute the same value without an extra round trip.
func sessionID(cs tls.ConnectionState) (uint64, error) {
	b, err := cs.ExportKeyingMaterial(sessionLabel, nil, 8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}
