package ca

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des" // nolint:gosec // legacy PEM keys
	"crypto/md5" // nolint:gosec // legacy PEM keys
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/codefionn/tuner/tuner-srv/logger"
	pkcs8 "github.com/youmark/pkcs8"
)

type legacyCipher struct {
	keySize   int
	blockSize int
	newBlock  func(key []byte) (cipher.Block, error)
}

// RFC 1423 ciphers OpenSSL writes into DEK-Info.
var legacyCiphers = map[string]legacyCipher{
	"DES-CBC":      {8, des.BlockSize, des.NewCipher},
	"DES-EDE3-CBC": {24, des.BlockSize, des.NewTripleDESCipher},
	"AES-128-CBC":  {16, aes.BlockSize, aes.NewCipher},
	"AES-192-CBC":  {24, aes.BlockSize, aes.NewCipher},
	"AES-256-CBC":  {32, aes.BlockSize, aes.NewCipher},
}

func isLegacyEncrypted(block *pem.Block) bool {
	_, hasProc := block.Headers["Proc-Type"]
	_, hasDEK := block.Headers["DEK-Info"]
	return hasProc && hasDEK
}

// evpBytesToKey is OpenSSL's legacy key derivation with one MD5 round and
// the first 8 IV bytes as salt.
func evpBytesToKey(password, salt []byte, keySize int) []byte {
	var d, prev []byte
	for len(d) < keySize {
		h := md5.New() // nolint:gosec // legacy PEM keys
		h.Write(prev)
		h.Write(password)
		h.Write(salt)
		prev = h.Sum(nil)
		d = append(d, prev...)
	}
	return d[:keySize]
}

func decryptLegacyBlock(block *pem.Block, password []byte) ([]byte, error) {
	if block.Headers["Proc-Type"] != "4,ENCRYPTED" {
		return nil, errors.New("PEM block does not have encrypted proc type")
	}
	alg, ivHex, ok := strings.Cut(block.Headers["DEK-Info"], ",")
	if !ok {
		return nil, errors.New("invalid DEK-Info format")
	}
	spec, ok := legacyCiphers[alg]
	if !ok {
		return nil, fmt.Errorf("unsupported encryption algorithm: %s", alg)
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != spec.blockSize {
		return nil, fmt.Errorf("invalid IV for %s", alg)
	}

	b, err := spec.newBlock(evpBytesToKey(password, iv[:8], spec.keySize))
	if err != nil {
		return nil, err
	}
	if len(block.Bytes) == 0 || len(block.Bytes)%spec.blockSize != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}
	out := make([]byte, len(block.Bytes))
	cipher.NewCBCDecrypter(b, iv).CryptBlocks(out, block.Bytes)

	pad := int(out[len(out)-1])
	if pad == 0 || pad > spec.blockSize || pad > len(out) {
		return nil, errors.New("invalid padding, wrong password?")
	}
	for _, c := range out[len(out)-pad:] {
		if int(c) != pad {
			return nil, errors.New("invalid padding, wrong password?")
		}
	}
	return out[:len(out)-pad], nil
}

// decryptKeyPEM returns keyPEM with encryption removed. Encrypted PKCS#8
// comes back as "PRIVATE KEY", legacy blocks keep their type. An empty
// password returns keyPEM unchanged.
func decryptKeyPEM(keyPEM []byte, password string) ([]byte, error) {
	if password == "" {
		return keyPEM, nil
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	if block.Type == "ENCRYPTED PRIVATE KEY" {
		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("decrypting PKCS#8 key: %w", err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, err
		}
		logger.Debug("Decrypted PKCS#8 CA key")
		return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
	}

	if !isLegacyEncrypted(block) {
		return keyPEM, nil
	}
	der, err := decryptLegacyBlock(block, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("decrypting legacy PEM key: %w", err)
	}
	logger.Debug("Decrypted legacy PEM CA key")
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}

// encryptKeyPEM wraps a private key as encrypted PKCS#8.
func encryptKeyPEM(key any, password string) ([]byte, error) {
	der, err := pkcs8.ConvertPrivateKeyToPKCS8(key, []byte(password))
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der}), nil
}
