package objectstore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024 // KiB
	argon2Threads = 4
	saltSize      = 16
	nonceSize     = 24
)

// EncryptedStore wraps a Store and transparently encrypts payloads at
// rest. Paths themselves stay plaintext: list passes through
// unchanged. Each blob gets its own random salt, stored alongside the
// ciphertext, so the Argon2id key is re-derived per blob rather than
// cached on the decorator: no salt has to be persisted or shared out
// of band for any replica to read back a blob written by another.
type EncryptedStore struct {
	inner      Store
	passphrase []byte
}

// NewEncryptedStore wraps inner, deriving a fresh key per blob from
// passphrase and a salt stored with the ciphertext (so different blobs
// written by different decorator instances, or at different times, can
// still be decrypted without sharing any external salt state).
func NewEncryptedStore(inner Store, passphrase string) *EncryptedStore {
	return &EncryptedStore{inner: inner, passphrase: []byte(passphrase)}
}

func (e *EncryptedStore) List(ctx context.Context, prefix string) ([]string, error) {
	return e.inner.List(ctx, prefix)
}

func (e *EncryptedStore) Get(ctx context.Context, path string) ([]byte, error) {
	blob, err := e.inner.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return e.decrypt(blob)
}

func (e *EncryptedStore) Put(ctx context.Context, path string, data []byte) error {
	blob, err := e.encrypt(data)
	if err != nil {
		return err
	}
	return e.inner.Put(ctx, path, blob)
}

// encrypt lays out salt(16) || nonce(24) || ciphertext.
func (e *EncryptedStore) encrypt(plaintext []byte) ([]byte, error) {
	var salt [saltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, fmt.Errorf("objectstore: read salt: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("objectstore: read nonce: %w", err)
	}

	key := e.deriveKey(salt[:])

	out := make([]byte, 0, saltSize+nonceSize+len(plaintext)+secretbox.Overhead)
	out = append(out, salt[:]...)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, plaintext, &nonce, &key)
	return out, nil
}

func (e *EncryptedStore) decrypt(blob []byte) ([]byte, error) {
	if len(blob) < saltSize+nonceSize {
		return nil, fmt.Errorf("objectstore: ciphertext too short: %w", ErrCrypto)
	}

	salt := blob[:saltSize]
	var nonce [nonceSize]byte
	copy(nonce[:], blob[saltSize:saltSize+nonceSize])
	ciphertext := blob[saltSize+nonceSize:]

	key := e.deriveKey(salt)

	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("objectstore: decryption failed: wrong passphrase or corrupt ciphertext: %w", ErrCrypto)
	}
	return plaintext, nil
}

func (e *EncryptedStore) deriveKey(salt []byte) [32]byte {
	var key [32]byte
	derived := argon2.IDKey(e.passphrase, salt, argon2Time, argon2Memory, argon2Threads, 32)
	copy(key[:], derived)
	return key
}

// ErrCrypto is the sentinel decrypt failures wrap, so callers can
// classify a wrong passphrase or corrupt ciphertext with errors.Is
// without objectstore itself depending on the error taxonomy package
// (avoiding an import cycle with higher layers that wrap these as
// ledgererr.CryptoError).
var ErrCrypto = errors.New("objectstore: decryption failed")
