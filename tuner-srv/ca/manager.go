package ca

import (
	"context"
	"crypto/tls"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/codefionn/tuner/tuner-srv/logger"
	"github.com/codefionn/tuner/tuner-srv/memo"
)

// Generator issues a leaf for host signed by root.
type Generator func(root *Certificate, host string) (*Certificate, error)

// Manager hands out leaf certificates for intercepted hosts. Each host
// is generated once; concurrent callers share the in-flight generation.
type Manager struct {
	root     *Certificate
	leaves   memo.Cache[*Certificate]
	sem      *semaphore.Weighted
	generate Generator
}

// NewManager creates a Manager signing with root.
func NewManager(root *Certificate) *Manager {
	return &Manager{
		root: root,
		sem:  semaphore.NewWeighted(int64(runtime.NumCPU())),
		generate: func(root *Certificate, host string) (*Certificate, error) {
			return GenerateHostCertificate(root, host)
		},
	}
}

// SetGenerator replaces the leaf generator. Used by tests.
func (m *Manager) SetGenerator(g Generator) {
	m.generate = g
}

// Root returns the signing CA.
func (m *Manager) Root() *Certificate {
	return m.root
}

func normalizeHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}

// Certificate returns the leaf for host, generating it on first use. The
// generation is shared by every caller for host, so it is not bound to
// ctx's cancellation.
func (m *Manager) Certificate(ctx context.Context, host string) (*Certificate, error) {
	host = normalizeHost(host)
	shared := context.WithoutCancel(ctx)
	return m.leaves.Get(host, func() (*Certificate, error) {
		if err := m.sem.Acquire(shared, 1); err != nil {
			return nil, err
		}
		defer m.sem.Release(1)

		start := time.Now()
		cert, err := m.generate(m.root, host)
		if err != nil {
			logger.Error("Failed to generate certificate for %s: %v", host, err)
			return nil, err
		}
		logger.Debug("Generated certificate for %s in %v", host, time.Since(start))
		return cert, nil
	})
}

// GetCertificate serves tls.Config.GetCertificate using the SNI name.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return m.getCertificate(hello, "")
}

func (m *Manager) getCertificate(hello *tls.ClientHelloInfo, fallback string) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		host = fallback
	}
	if host == "" {
		host = "localhost"
	}
	ctx := hello.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cert, err := m.Certificate(ctx, host)
	if err != nil {
		return nil, err
	}
	c := cert.TLS()
	c.Certificate = append(c.Certificate, m.root.Leaf.Raw)
	return &c, nil
}

// TLSConfig returns a server config that picks leaves by SNI and uses
// fallbackHost for clients that send none.
func (m *Manager) TLSConfig(fallbackHost string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return m.getCertificate(hello, fallbackHost)
		},
	}
}

// Cached returns the number of leaves held.
func (m *Manager) Cached() int {
	return m.leaves.Len()
}
