// Package certutil generates the ephemeral self-signed TLS material the
// serve and push commands need to open a transport.Transport connection.
// Certificate distribution and trust policy are explicitly out of scope
// (spec.md Non-goals exclude transport encryption design); this package
// only supplies enough TLS to satisfy pkg/transport/tcp and
// pkg/transport/quic, which both require a *tls.Config to dial or listen.
package certutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// ServerConfig returns a TLS config carrying a freshly generated, self-signed
// certificate valid for localhost, 127.0.0.1 and ::1, suitable for the
// sync server's Listen call.
func ServerConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("certutil: generate key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"webpub"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:     []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("certutil: create certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		}},
		MinVersion: tls.VersionTLS13,
	}, nil
}

// ClientConfig returns a TLS config for dialing a server using one of these
// self-signed certificates. There is no certificate distribution mechanism
// (spec.md Non-goals), so the client does not verify the server's identity;
// the bearer token, not the TLS chain, is the protocol's trust boundary.
func ClientConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
	}
}
