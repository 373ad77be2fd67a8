// Package vault encrypts document content with per-document data keys. Data
// keys are wrapped with a key-encryption key derived from the master secret
// and kept in a KeyStore, never next to the ciphertext.
package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	formatVersion byte = 1
	dataKeySize        = chacha20poly1305.KeySize
	kekInfo            = "claimdocs/kek/v1"
)

var (
	// ErrKeyNotFound is returned when a key id cannot be resolved.
	ErrKeyNotFound = errors.New("vault: key not found")
	// ErrIntegrity is returned when authentication or the digest check fails.
	ErrIntegrity = errors.New("vault: integrity check failed")
)

// KeyStore persists wrapped data keys by id.
type KeyStore interface {
	Put(ctx context.Context, keyID string, wrapped []byte) error
	Get(ctx context.Context, keyID string) ([]byte, error)
	Delete(ctx context.Context, keyID string) error
}

// Engine performs envelope encryption of document content.
type Engine struct {
	kek  []byte
	keys KeyStore
}

// NewEngine derives the key-encryption key from masterSecret. The secret may be
// base64 encoded; raw bytes are accepted too.
func NewEngine(masterSecret string, keys KeyStore) (*Engine, error) {
	if keys == nil {
		return nil, errors.New("vault: key store is required")
	}
	secret, err := base64.StdEncoding.DecodeString(masterSecret)
	if err != nil {
		secret = []byte(masterSecret)
	}
	if len(secret) < 16 {
		return nil, errors.New("vault: master secret must be at least 16 bytes")
	}
	kek := make([]byte, dataKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(kekInfo)), kek); err != nil {
		return nil, fmt.Errorf("vault: derive kek: %w", err)
	}
	return &Engine{kek: kek, keys: keys}, nil
}

// Digest returns the hex SHA-256 of the plaintext.
func Digest(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:])
}

// VerifyDigest compares the digest of data with expected in constant time.
func VerifyDigest(data []byte, expected string) error {
	actual := Digest(data)
	if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) != 1 {
		return fmt.Errorf("%w: digest mismatch", ErrIntegrity)
	}
	return nil
}

// Encrypt seals plaintext under a fresh data key and returns the ciphertext and the key id.
func (e *Engine) Encrypt(ctx context.Context, plaintext []byte) ([]byte, string, error) {
	dek := make([]byte, dataKeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, "", fmt.Errorf("vault: generate data key: %w", err)
	}
	keyID := uuid.NewString()

	ciphertext, err := seal(dek, plaintext, []byte(keyID), formatVersion)
	if err != nil {
		return nil, "", err
	}
	wrapped, err := seal(e.kek, dek, []byte(keyID), formatVersion)
	if err != nil {
		return nil, "", err
	}
	if err := e.keys.Put(ctx, keyID, wrapped); err != nil {
		return nil, "", fmt.Errorf("vault: store data key: %w", err)
	}
	return ciphertext, keyID, nil
}

// Decrypt opens ciphertext with the key referenced by keyID and verifies the
// plaintext digest against expectedDigest.
func (e *Engine) Decrypt(ctx context.Context, ciphertext []byte, keyID, expectedDigest string) ([]byte, error) {
	wrapped, err := e.keys.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	dek, err := open(e.kek, wrapped, []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap data key", ErrIntegrity)
	}
	plaintext, err := open(dek, ciphertext, []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("%w: open ciphertext", ErrIntegrity)
	}
	if err := VerifyDigest(plaintext, expectedDigest); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// Discard removes a data key. Missing keys are not an error.
func (e *Engine) Discard(ctx context.Context, keyID string) error {
	if keyID == "" {
		return nil
	}
	if err := e.keys.Delete(ctx, keyID); err != nil && !errors.Is(err, ErrKeyNotFound) {
		return fmt.Errorf("vault: discard data key: %w", err)
	}
	return nil
}

func seal(key, plaintext, aad []byte, version byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	out := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out[0] = version
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, fmt.Errorf("vault: generate nonce: %w", err)
	}
	return aead.Seal(out, out[1:], plaintext, aad), nil
}

func open(key, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	headerSize := 1 + aead.NonceSize()
	if len(sealed) < headerSize+aead.Overhead() || sealed[0] != formatVersion {
		return nil, errors.New("malformed ciphertext")
	}
	nonce := sealed[1:headerSize]
	return aead.Open(nil, nonce, sealed[headerSize:], aad)
}
