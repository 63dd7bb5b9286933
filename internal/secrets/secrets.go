package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// Decryptor decrypts an encrypted credential blob. The deployment engine
// only ever calls this inside an active transport session, so plaintext
// credentials exist for the lifetime of one connection attempt.
type Decryptor interface {
	Decrypt(ciphertext string) ([]byte, error)
}

// Encryptor encrypts a credential for storage in the targets table.
type Encryptor interface {
	Encrypt(plaintext []byte) (string, error)
}

var (
	// ErrMalformedCiphertext is returned when the blob cannot be parsed.
	ErrMalformedCiphertext = errors.New("secrets: malformed ciphertext")

	// ErrDecryptFailed is returned when authentication of the blob fails,
	// typically because the passphrase is wrong or the blob was tampered with.
	ErrDecryptFailed = errors.New("secrets: decryption failed")
)

// scrypt parameters. N=32768 keeps derivation under ~100ms on server
// hardware while remaining expensive for offline guessing.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	keyLength    = 32
	saltLength   = 16
	versionByte  = 0x01
	versionIndex = 0
)

// Box encrypts and decrypts credential blobs with a passphrase-derived key.
//
// Wire format (base64 standard encoding):
//
//	version(1) | salt(16) | nonce(12) | AES-256-GCM ciphertext
//
// A fresh salt and nonce are generated per encryption, so the same plaintext
// never produces the same blob twice.
type Box struct {
	passphrase []byte
}

// NewBox creates a Box from the configured passphrase.
func NewBox(passphrase string) (*Box, error) {
	if passphrase == "" {
		return nil, errors.New("secrets: empty passphrase")
	}
	return &Box{passphrase: []byte(passphrase)}, nil
}

// Encrypt seals plaintext and returns the base64 blob for storage.
func (b *Box) Encrypt(plaintext []byte) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	gcm, err := b.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(salt)+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, versionByte)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a blob produced by Encrypt.
func (b *Box) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCiphertext, err)
	}
	if len(raw) < 1+saltLength {
		return nil, ErrMalformedCiphertext
	}
	if raw[versionIndex] != versionByte {
		return nil, fmt.Errorf("%w: unknown version %d", ErrMalformedCiphertext, raw[versionIndex])
	}

	salt := raw[1 : 1+saltLength]
	gcm, err := b.aead(salt)
	if err != nil {
		return nil, err
	}

	rest := raw[1+saltLength:]
	if len(rest) < gcm.NonceSize() {
		return nil, ErrMalformedCiphertext
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// aead derives the AES-256-GCM cipher for the given salt.
func (b *Box) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(b.passphrase, salt, scryptN, scryptR, scryptP, keyLength)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
