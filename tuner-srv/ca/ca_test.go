package ca

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/tuner/tuner-srv/proxyerr"
)

var (
	rootOnce sync.Once
	rootCert *Certificate
	rootErr  error
)

func testRoot(t *testing.T) *Certificate {
	t.Helper()
	rootOnce.Do(func() { rootCert, rootErr = GenerateRootCA() })
	require.NoError(t, rootErr)
	return rootCert
}

func TestGenerateRootCA(t *testing.T) {
	root := testRoot(t)

	assert.True(t, root.Leaf.IsCA)
	assert.Contains(t, root.Leaf.Subject.CommonName, "Tuner ")
	assert.Equal(t, []string{"Internet"}, root.Leaf.Subject.Country)
	assert.NotZero(t, root.Leaf.KeyUsage&x509.KeyUsageCertSign)
	assert.Contains(t, root.Leaf.ExtKeyUsage, x509.ExtKeyUsageTimeStamping)
	assert.True(t, root.Leaf.NotBefore.Before(time.Now().AddDate(0, 0, -27)))
	assert.True(t, root.Leaf.NotAfter.After(time.Now().AddDate(9, 0, 0)))
	assert.Equal(t, rootValidity, root.Leaf.NotAfter.Sub(root.Leaf.NotBefore))
	assert.Equal(t, "Tuner "+machineName(), root.Leaf.Subject.CommonName)
	assert.Equal(t, []string{machineName() + ".tuner"}, root.Leaf.Subject.Organization)
	assert.Len(t, root.Fingerprint(), 64)
}

func TestGenerateHostCertificateVerifies(t *testing.T) {
	root := testRoot(t)

	leaf, err := GenerateHostCertificate(root, "example.com")
	require.NoError(t, err)
	assert.False(t, leaf.Leaf.IsCA)
	assert.Equal(t, []string{"example.com"}, leaf.Leaf.DNSNames)
	assert.Equal(t, "example.com", leaf.Leaf.Subject.CommonName)
	assert.Equal(t, []string{machineName() + ".tuner"}, leaf.Leaf.Subject.Organization)
	assert.Equal(t, []string{machineName() + ".tuner"}, leaf.Leaf.Subject.OrganizationalUnit)
	assert.Equal(t, leafValidity, leaf.Leaf.NotAfter.Sub(leaf.Leaf.NotBefore))
	assert.True(t, leaf.Leaf.NotBefore.Before(time.Now().AddDate(0, 0, -27)))

	pool := x509.NewCertPool()
	pool.AddCert(root.Leaf)
	_, err = leaf.Leaf.Verify(x509.VerifyOptions{DNSName: "example.com", Roots: pool})
	assert.NoError(t, err)

	ip, err := GenerateHostCertificate(root, "127.0.0.1")
	require.NoError(t, err)
	assert.Empty(t, ip.Leaf.DNSNames)
	require.Len(t, ip.Leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", ip.Leaf.IPAddresses[0].String())

	multi, err := GenerateHostCertificate(root, "a.example.com", "b.example.com")
	require.NoError(t, err)
	assert.Equal(t, "a.example.com", multi.Leaf.Subject.CommonName)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, multi.Leaf.DNSNames)

	_, err = GenerateHostCertificate(root)
	assert.Error(t, err)
}

func TestParseCertificateRoundTrip(t *testing.T) {
	root := testRoot(t)

	parsed, err := ParseCertificate(root.CertPEM, root.KeyPEM, "")
	require.NoError(t, err)
	assert.Equal(t, root.Leaf.Raw, parsed.Leaf.Raw)

	_, err = ParseCertificate([]byte("garbage"), root.KeyPEM, "")
	assert.True(t, proxyerr.IsTLSError(err))

	_, err = ParseCertificate(root.CertPEM, []byte("garbage"), "")
	assert.Error(t, err)
}

func TestParseEncryptedPKCS8(t *testing.T) {
	root := testRoot(t)

	enc, err := encryptKeyPEM(root.Key, "hunter2")
	require.NoError(t, err)
	block, _ := pem.Decode(enc)
	require.NotNil(t, block)
	assert.Equal(t, "ENCRYPTED PRIVATE KEY", block.Type)

	parsed, err := ParseCertificate(root.CertPEM, enc, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, root.Leaf.Raw, parsed.Leaf.Raw)

	_, err = ParseCertificate(root.CertPEM, enc, "wrong")
	assert.Error(t, err)
}

func TestParseLegacyEncryptedPEM(t *testing.T) {
	root := testRoot(t)
	block, _ := pem.Decode(root.KeyPEM)
	require.NotNil(t, block)

	//nolint:staticcheck // produces the legacy format on purpose
	enc, err := x509.EncryptPEMBlock(rand.Reader, block.Type, block.Bytes, []byte("secret"), x509.PEMCipherAES256)
	require.NoError(t, err)

	parsed, err := ParseCertificate(root.CertPEM, pem.EncodeToMemory(enc), "secret")
	require.NoError(t, err)
	assert.Equal(t, root.Leaf.Raw, parsed.Leaf.Raw)
}

func TestLoadOrCreate(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca", "root.pem")
	keyPath := filepath.Join(dir, "ca", "root.key")

	first, err := LoadOrCreate(certPath, keyPath, "")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Dir(certPath))
	require.NoError(t, err)
	assert.Equal(t, dirMode, info.Mode().Perm())
	for _, p := range []string{certPath, keyPath} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Equal(t, fileMode, info.Mode().Perm())
	}

	second, err := LoadOrCreate(certPath, keyPath, "")
	require.NoError(t, err)
	assert.Equal(t, first.Leaf.Raw, second.Leaf.Raw)

	require.NoError(t, os.WriteFile(certPath, []byte("broken"), 0o644))
	third, err := LoadOrCreate(certPath, keyPath, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.Leaf.Raw, third.Leaf.Raw)
	info, err = os.Stat(certPath)
	require.NoError(t, err)
	assert.Equal(t, fileMode, info.Mode().Perm())
}

func TestLoadOrCreateWithPassword(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "root.pem")
	keyPath := filepath.Join(dir, "root.key")

	first, err := LoadOrCreate(certPath, keyPath, "pw")
	require.NoError(t, err)

	raw, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	block, _ := pem.Decode(raw)
	require.NotNil(t, block)
	assert.Equal(t, "ENCRYPTED PRIVATE KEY", block.Type)

	second, err := LoadOrCreate(certPath, keyPath, "pw")
	require.NoError(t, err)
	assert.Equal(t, first.Leaf.Raw, second.Leaf.Raw)
}

func TestManagerGeneratesOncePerHost(t *testing.T) {
	root := testRoot(t)
	m := NewManager(root)

	var calls atomic.Int32
	m.SetGenerator(func(root *Certificate, host string) (*Certificate, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return GenerateHostCertificate(root, host)
	})

	var wg sync.WaitGroup
	certs := make([]*Certificate, 16)
	for i := range certs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := m.Certificate(context.Background(), "Example.COM")
			assert.NoError(t, err)
			certs[i] = c
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, c := range certs {
		assert.Same(t, certs[0], c)
	}
	assert.Equal(t, 1, m.Cached())
}

func TestManagerEvictsFailures(t *testing.T) {
	root := testRoot(t)
	m := NewManager(root)

	fail := true
	m.SetGenerator(func(root *Certificate, host string) (*Certificate, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return GenerateHostCertificate(root, host)
	})

	_, err := m.Certificate(context.Background(), "retry.test")
	require.Error(t, err)
	assert.Equal(t, 0, m.Cached())

	fail = false
	c, err := m.Certificate(context.Background(), "retry.test")
	require.NoError(t, err)
	assert.Equal(t, []string{"retry.test"}, c.Leaf.DNSNames)
}

func TestManagerIgnoresCancelledCaller(t *testing.T) {
	m := NewManager(testRoot(t))
	require.NoError(t, m.sem.Acquire(context.Background(), int64(runtime.NumCPU())))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := make(chan error, 2)
	for _, c := range []context.Context{ctx, context.Background()} {
		go func(c context.Context) {
			_, err := m.Certificate(c, "shared.test")
			results <- err
		}(c)
	}

	time.Sleep(50 * time.Millisecond)
	m.sem.Release(int64(runtime.NumCPU()))
	for range 2 {
		select {
		case err := <-results:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("certificate generation did not finish")
		}
	}
	assert.Equal(t, 1, m.Cached())
}

func TestManagerTLSHandshake(t *testing.T) {
	root := testRoot(t)
	m := NewManager(root)

	server, client := tlsPipe(t, m.TLSConfig("fallback.test"), "secure.test", root)
	defer server.Close()
	defer client.Close()

	state := client.ConnectionState()
	require.NotEmpty(t, state.PeerCertificates)
	assert.Equal(t, []string{"secure.test"}, state.PeerCertificates[0].DNSNames)
}

func tlsPipe(t *testing.T, serverCfg *tls.Config, serverName string, root *Certificate) (*tls.Conn, *tls.Conn) {
	t.Helper()
	pool := x509.NewCertPool()
	pool.AddCert(root.Leaf)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *tls.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		tc := c.(*tls.Conn)
		_ = tc.Handshake()
		accepted <- tc
	}()

	client, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{ServerName: serverName, RootCAs: pool})
	require.NoError(t, err)
	server := <-accepted
	require.NotNil(t, server)
	return server, client
}
