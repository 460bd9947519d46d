// Package ca creates the root certificate authority used for TLS
// interception and issues short-lived leaf certificates signed by it.
package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/codefionn/tuner/tuner-srv/proxyerr"
)

const (
	rootValidity = 10 * 365 * 24 * time.Hour
	leafValidity = 398 * 24 * time.Hour
	keyBits      = 2048
)

// Certificate is a PEM pair with its parsed forms.
type Certificate struct {
	CertPEM []byte
	KeyPEM  []byte
	Leaf    *x509.Certificate
	Key     crypto.Signer
}

// TLS returns the pair for use in a tls.Config.
func (c *Certificate) TLS() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{c.Leaf.Raw},
		PrivateKey:  c.Key,
		Leaf:        c.Leaf,
	}
}

// Fingerprint is the hex SHA-256 of the DER certificate.
func (c *Certificate) Fingerprint() string {
	sum := sha256.Sum256(c.Leaf.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// subject names a certificate cn, owned by this machine.
func subject(cn string) pkix.Name {
	owner := machineName() + ".tuner"
	return pkix.Name{
		CommonName:         cn,
		Organization:       []string{owner},
		OrganizationalUnit: []string{owner},
		Country:            []string{"Internet"},
		Province:           []string{"Internet"},
		Locality:           []string{"Internet"},
	}
}

func rootSubject() pkix.Name {
	return subject("Tuner " + machineName())
}

func serialNumber() (*big.Int, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

// machineName is the OS hostname reduced to at most 32 of [a-zA-Z0-9-].
func machineName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	name = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '-'
	}, name)
	if len(name) > 32 {
		name = name[:32]
	}
	return name
}

// validity starts a month back to absorb client clock skew. The window
// as a whole is d long.
func validity(d time.Duration) (notBefore, notAfter time.Time) {
	notBefore = time.Now().AddDate(0, -1, 0)
	return notBefore, notBefore.Add(d)
}

func encode(der []byte, key *rsa.PrivateKey) (*Certificate, error) {
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Certificate{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
		Leaf:    leaf,
		Key:     key,
	}, nil
}

// GenerateRootCA creates a self-signed CA named after this machine.
func GenerateRootCA() (*Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, proxyerr.New(proxyerr.ErrCodeCertGeneration, "Failed to generate root key", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, proxyerr.New(proxyerr.ErrCodeCertGeneration, "Failed to generate serial number", err)
	}

	notBefore, notAfter := validity(rootValidity)
	name := rootSubject()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               name,
		Issuer:                name,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment |
			x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
			x509.ExtKeyUsageCodeSigning,
			x509.ExtKeyUsageEmailProtection,
			x509.ExtKeyUsageTimeStamping,
		},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, proxyerr.New(proxyerr.ErrCodeCertGeneration, "Failed to sign root certificate", err)
	}
	return encode(der, key)
}

// GenerateHostCertificate issues a leaf for hosts signed by root. The
// first host names the subject; IP literals become IP SANs.
func GenerateHostCertificate(root *Certificate, hosts ...string) (*Certificate, error) {
	if len(hosts) == 0 {
		return nil, proxyerr.Newf(proxyerr.ErrCodeCertGeneration, "no host given")
	}
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, proxyerr.New(proxyerr.ErrCodeCertGeneration, proxyerr.Description(proxyerr.ErrCodeCertGeneration), err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, proxyerr.New(proxyerr.ErrCodeCertGeneration, proxyerr.Description(proxyerr.ErrCodeCertGeneration), err)
	}

	notBefore, notAfter := validity(leafValidity)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject(strings.TrimSuffix(strings.TrimPrefix(hosts[0], "["), "]")),
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	for _, h := range hosts {
		h = strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")
		if addr, err := netip.ParseAddr(h); err == nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, addr.AsSlice())
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, root.Leaf, &key.PublicKey, root.Key)
	if err != nil {
		return nil, proxyerr.New(proxyerr.ErrCodeCertGeneration, proxyerr.Description(proxyerr.ErrCodeCertGeneration), fmt.Errorf("%s: %w", hosts[0], err))
	}
	return encode(der, key)
}

// ParseCertificate reads a certificate and its private key. The key may
// be PKCS#1, PKCS#8, SEC 1 EC, encrypted PKCS#8 or legacy
// encrypted PEM when password is set.
func ParseCertificate(certPEM, keyPEM []byte, password string) (*Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, proxyerr.Newf(proxyerr.ErrCodeCALoad, "no CERTIFICATE block found")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, proxyerr.New(proxyerr.ErrCodeCALoad, proxyerr.Description(proxyerr.ErrCodeCALoad), err)
	}

	plain, err := decryptKeyPEM(keyPEM, password)
	if err != nil {
		return nil, proxyerr.New(proxyerr.ErrCodeKeyParse, proxyerr.Description(proxyerr.ErrCodeKeyParse), err)
	}
	keyBlock, _ := pem.Decode(plain)
	if keyBlock == nil {
		return nil, proxyerr.Newf(proxyerr.ErrCodeKeyParse, "no private key block found")
	}
	key, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, proxyerr.New(proxyerr.ErrCodeKeyParse, proxyerr.Description(proxyerr.ErrCodeKeyParse), err)
	}

	return &Certificate{CertPEM: certPEM, KeyPEM: plain, Leaf: leaf, Key: key}, nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("unknown private key format: %w", err)
	}
	switch key := k.(type) {
	case *rsa.PrivateKey:
		return key, nil
	case *ecdsa.PrivateKey:
		return key, nil
	case ed25519.PrivateKey:
		return key, nil
	}
	return nil, fmt.Errorf("unsupported private key type %T", k)
}
