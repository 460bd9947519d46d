package ca

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/codefionn/tuner/tuner-srv/logger"
	"github.com/codefionn/tuner/tuner-srv/proxyerr"
)

const (
	dirMode  fs.FileMode = 0o700
	fileMode fs.FileMode = 0o600
)

// LoadOrCreate reads the root CA from certPath and keyPath. When either
// file is missing or does not parse, a fresh root is generated and
// written in their place. With a password the key is stored as
// encrypted PKCS#8.
func LoadOrCreate(certPath, keyPath, password string) (*Certificate, error) {
	root, err := load(certPath, keyPath, password)
	if err == nil {
		logger.Info("Loaded root CA %q from %s", root.Leaf.Subject.CommonName, certPath)
		return root, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Existing root CA unusable, generating a new one: %v", err)
	}

	root, err = GenerateRootCA()
	if err != nil {
		return nil, err
	}
	if err := Save(root, certPath, keyPath, password); err != nil {
		return nil, err
	}
	logger.Info("Generated root CA %q (SHA-256 %s)", root.Leaf.Subject.CommonName, root.Fingerprint())
	return root, nil
}

func load(certPath, keyPath, password string) (*Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	return ParseCertificate(certPEM, keyPEM, password)
}

// Save writes root to disk, creating parent directories as needed.
func Save(root *Certificate, certPath, keyPath, password string) error {
	keyPEM := root.KeyPEM
	if password != "" {
		enc, err := encryptKeyPEM(root.Key, password)
		if err != nil {
			return proxyerr.New(proxyerr.ErrCodeCAPersist, "Failed to encrypt CA key", err)
		}
		keyPEM = enc
	}

	for path, data := range map[string][]byte{certPath: root.CertPEM, keyPath: keyPEM} {
		if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
			return proxyerr.New(proxyerr.ErrCodeCAPersist, proxyerr.Description(proxyerr.ErrCodeCAPersist), err)
		}
		if err := os.WriteFile(path, data, fileMode); err != nil {
			return proxyerr.New(proxyerr.ErrCodeCAPersist, proxyerr.Description(proxyerr.ErrCodeCAPersist), err)
		}
		// WriteFile keeps the mode of an existing file.
		if err := os.Chmod(path, fileMode); err != nil {
			return proxyerr.New(proxyerr.ErrCodeCAPersist, proxyerr.Description(proxyerr.ErrCodeCAPersist), err)
		}
	}
	return nil
}
