// Package tlsconf derives the TLS credentials for clipd's TCP listener from a
// shared token.
//
// The private key is derived with HKDF so the daemon and every client holding
// the same token compute the same key. The certificate itself is random;
// clients check the server's public key against their own derivation instead
// of walking a chain.
//
//	HKDF-SHA256(ikm=token, salt="clipd-tls-v1", info="private-key")
//	→ 64 bytes → reduced mod curve order → ECDSA P-256 key
package tlsconf

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/hkdf"
	"google.golang.org/grpc/credentials"
)

// DefaultToken is used when no --token is configured.
const DefaultToken = "clipd"

const serverName = "clipd"

// ErrKeyMismatch is returned by the client verifier when the server's key was
// derived from a different token.
var ErrKeyMismatch = errors.New("tlsconf: server public key does not match token")

// Credentials bundles both sides of a token-derived TLS setup.
type Credentials struct {
	// Server is for tls.NewListener. ALPN offers h2 and http/1.1 so gRPC and
	// the JSON gateway can share a port.
	Server *tls.Config
	// Client verifies the server key; use with grpc.WithTransportCredentials.
	Client credentials.TransportCredentials
	// HTTPClient is the same verifier for plain HTTP clients.
	HTTPClient *tls.Config
}

// New derives credentials from token.
func New(token string) (*Credentials, error) {
	key, err := deriveKey(token)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: derive key: %w", err)
	}
	cert, err := certificate(key)
	if err != nil {
		return nil, err
	}
	want, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: marshal pubkey: %w", err)
	}

	client := &tls.Config{
		InsecureSkipVerify:    true, //nolint:gosec // public key is checked below
		ServerName:            serverName,
		MinVersion:            tls.VersionTLS13,
		VerifyPeerCertificate: verifyKey(want),
	}
	return &Credentials{
		Server: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h2", "http/1.1"},
			MinVersion:   tls.VersionTLS13,
		},
		Client:     credentials.NewTLS(client.Clone()),
		HTTPClient: client,
	}, nil
}

// ClientCredentials is New(token).Client.
func ClientCredentials(token string) (credentials.TransportCredentials, error) {
	c, err := New(token)
	if err != nil {
		return nil, err
	}
	return c.Client, nil
}

func verifyKey(want []byte) func([][]byte, [][]*x509.Certificate) error {
	return func(raw [][]byte, _ [][]*x509.Certificate) error {
		if len(raw) == 0 {
			return errors.New("tlsconf: server presented no certificate")
		}
		cert, err := x509.ParseCertificate(raw[0])
		if err != nil {
			return fmt.Errorf("tlsconf: parse server cert: %w", err)
		}
		got, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
		if err != nil {
			return fmt.Errorf("tlsconf: marshal server pubkey: %w", err)
		}
		if !bytes.Equal(got, want) {
			return ErrKeyMismatch
		}
		return nil
	}
}

func deriveKey(token string) (*ecdsa.PrivateKey, error) {
	r := hkdf.New(sha256.New, []byte(token), []byte("clipd-tls-v1"), []byte("private-key"))
	buf := make([]byte, 64)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("hkdf read: %w", err)
	}

	curve := elliptic.P256()
	n1 := new(big.Int).Sub(curve.Params().N, big.NewInt(1))
	d := new(big.Int).SetBytes(buf)
	d.Mod(d, n1)
	d.Add(d, big.NewInt(1)) // d in [1, N-1]

	key := &ecdsa.PrivateKey{D: d}
	key.Curve = curve
	key.X, key.Y = curve.ScalarBaseMult(d.Bytes())
	return key, nil
}

func certificate(key *ecdsa.PrivateKey) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsconf: serial: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: serverName},
		DNSNames:              []string{serverName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(100, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsconf: cert: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsconf: marshal key: %w", err)
	}
	return tls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	)
}
