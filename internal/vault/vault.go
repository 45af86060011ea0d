// Package vault holds the symmetric key protecting locally stored audio.
//
// The key is created lazily on first use, derived from random seed material
// via HKDF-SHA256, kept in a 0600 file for the lifetime of the login session
// and destroyed on logout. It is never sent anywhere. Losing the key forfeits
// previously encrypted recordings; that is the accepted trade-off, not a bug.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	seedSize = 32
	keySize  = 32 // AES-256
)

// hkdfInfo binds derived keys to this use so the seed cannot be repurposed.
var hkdfInfo = []byte("clinivoice local recording key v1")

var (
	// ErrKeyUnavailable means the session key was destroyed (logout or a
	// cleared runtime dir) and ciphertext written under it is unrecoverable.
	ErrKeyUnavailable = errors.New("session key unavailable: previously encrypted recordings cannot be decrypted")

	// ErrCiphertextTooShort indicates a truncated or corrupted stored item.
	ErrCiphertextTooShort = errors.New("ciphertext shorter than nonce")
)

// Vault encrypts and decrypts local recording payloads with a session key.
type Vault struct {
	keyFile string

	mutex sync.Mutex
	aead  cipher.AEAD
}

// New creates a vault backed by the given key file. The key is not created
// until the first Encrypt call.
func New(keyFile string) *Vault {
	return &Vault{keyFile: keyFile}
}

// Encrypt seals data with a freshly generated nonce. The nonce is prepended
// to the returned ciphertext. Creates the session key on first use.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := v.ensureKey(true)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt. Returns ErrKeyUnavailable if
// the session key no longer exists.
func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := v.ensureKey(false)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt recording: %w", err)
	}
	return plaintext, nil
}

// Destroy wipes the key file and forgets the in-memory key. Called on logout.
func (v *Vault) Destroy() error {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	v.aead = nil
	if err := os.Remove(v.keyFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove key file: %w", err)
	}
	return nil
}

// ensureKey loads or (when create is set) generates the session key and
// caches the derived AEAD.
func (v *Vault) ensureKey(create bool) (cipher.AEAD, error) {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	if v.aead != nil {
		return v.aead, nil
	}

	seed, err := os.ReadFile(v.keyFile)
	if os.IsNotExist(err) {
		if !create {
			return nil, ErrKeyUnavailable
		}
		seed = make([]byte, seedSize)
		if _, err := io.ReadFull(rand.Reader, seed); err != nil {
			return nil, fmt.Errorf("failed to generate key seed: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(v.keyFile), 0700); err != nil {
			return nil, fmt.Errorf("failed to create key directory: %w", err)
		}
		if err := os.WriteFile(v.keyFile, seed, 0600); err != nil {
			return nil, fmt.Errorf("failed to persist key seed: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	if len(seed) != seedSize {
		return nil, fmt.Errorf("key file corrupted: expected %d bytes, got %d", seedSize, len(seed))
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AEAD: %w", err)
	}

	v.aead = aead
	return aead, nil
}
