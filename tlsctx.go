package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

var ErrCertificateExpired = fmt.Errorf("%w: certificate has expired", ErrTLS)

/*
TLSSnapshot is one certificate chain and its
private key. It is never modified after
LoadSnapshot returns it.
*/
type TLSSnapshot struct {
	Certificate *tls.Certificate
	Leaf        *x509.Certificate
	LoadedAt    time.Time
}

// LoadSnapshot reads and validates a PEM certificate chain and key.
func LoadSnapshot(certFile, keyFile string) (*TLSSnapshot, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTLS, err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTLS, err)
	}
	return ParseSnapshot(certPEM, keyPEM, time.Now())
}

func ParseSnapshot(certPEM, keyPEM []byte, now time.Time) (*TLSSnapshot, error) {
	// X509KeyPair also checks that the key matches the leaf
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTLS, err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTLS, err)
	}
	if now.After(leaf.NotAfter) {
		return nil, fmt.Errorf("%w (not after %s)", ErrCertificateExpired, leaf.NotAfter.Format(time.RFC3339))
	}
	cert.Leaf = leaf
	return &TLSSnapshot{
		Certificate: &cert,
		Leaf:        leaf,
		LoadedAt:    now,
	}, nil
}

// Same reports whether both snapshots carry the same certificate chain.
func (s *TLSSnapshot) Same(o *TLSSnapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	a, b := s.Certificate.Certificate, o.Certificate.Certificate
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

/*
TLSContext publishes the current snapshot.
Readers never lock: a handshake loads the
pointer once in GetCertificate and keeps that
snapshot alive until it is done with it, no
matter how many swaps happen meanwhile.
*/
type TLSContext struct {
	current atomic.Pointer[TLSSnapshot]
}

func NewTLSContext(initial *TLSSnapshot) *TLSContext {
	t := &TLSContext{}
	t.current.Store(initial)
	return t
}

func (t *TLSContext) Current() *TLSSnapshot {
	return t.current.Load()
}

// Swap publishes s and returns the snapshot it replaced.
func (t *TLSContext) Swap(s *TLSSnapshot) *TLSSnapshot {
	return t.current.Swap(s)
}

func (t *TLSContext) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	s := t.current.Load()
	if s == nil {
		return nil, fmt.Errorf("%w: no certificate loaded", ErrTLS)
	}
	return s.Certificate, nil
}

func (t *TLSContext) Config() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		ClientAuth:     tls.RequestClientCert,
		GetCertificate: t.GetCertificate,
	}
}
