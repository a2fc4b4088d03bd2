// Package crypto provides the cryptographic primitives behind the koralReef
// secret store.
//
// Settings are protected with AES-256-GCM under a single installation master
// key. Stored blobs carry their nonce in front of the ciphertext so a single
// column holds everything needed to decrypt.
//
// # Security Features
//
//   - AES-256-GCM authenticated encryption
//   - Fresh random 96-bit nonce for every Seal/Encrypt call
//   - HKDF-SHA256 subkeys for purposes other than encryption
//   - Secure memory wiping for key material
//
// # Example Usage
//
//	key, err := crypto.GenerateKey()
//
//	blob, err := crypto.Seal(key, []byte("keypair json"))
//	plaintext, err := crypto.Open(key, blob)
//
//	macKey, err := crypto.DeriveSubkey(key, "history-chain-v1")
//
//	crypto.SecureWipe(key)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12

	// TagLength is the length of the GCM authentication tag in bytes.
	TagLength = 16
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidNonceLength indicates the nonce is not 12 bytes.
	ErrInvalidNonceLength = errors.New("crypto: invalid nonce length, must be 12 bytes")

	// ErrDecryptionFailed indicates decryption or authentication tag verification failed.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrCiphertextTooShort indicates the ciphertext is shorter than the GCM tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
)

// GenerateKey returns a new random 256-bit key from crypto/rand.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext using AES-256-GCM authenticated encryption.
//
// A cryptographically secure random 12-byte nonce is generated per call.
// The authentication tag is appended to the ciphertext.
//
// Returns ErrInvalidKeyLength if key is not 32 bytes.
func Encrypt(key, plaintext []byte) (ciphertext []byte, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt decrypts ciphertext using AES-256-GCM authenticated encryption.
//
// The authentication tag is verified before any plaintext is returned. If
// verification fails (tampering, truncation, wrong key or nonce),
// ErrDecryptionFailed is returned and no plaintext is produced.
func Decrypt(key, ciphertext, nonce []byte) (plaintext []byte, err error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	if len(nonce) != NonceLength {
		return nil, ErrInvalidNonceLength
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err = gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Seal encrypts plaintext and prepends the nonce to the ciphertext, producing
// a single self-contained blob: nonce || ciphertext || tag.
func Seal(key, plaintext []byte) ([]byte, error) {
	ciphertext, nonce, err := Encrypt(key, plaintext)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, 0, len(nonce)+len(ciphertext))
	blob = append(blob, nonce...)
	return append(blob, ciphertext...), nil
}

// Open reverses Seal. Blobs shorter than nonce plus tag are rejected with
// ErrCiphertextTooShort before any cipher work is done.
func Open(key, blob []byte) ([]byte, error) {
	if len(blob) < NonceLength+TagLength {
		return nil, ErrCiphertextTooShort
	}
	return Decrypt(key, blob[NonceLength:], blob[:NonceLength])
}

// DeriveSubkey derives a purpose-bound 256-bit key from a master key using
// HKDF-SHA256 with the given info label. Different labels yield independent
// keys, so the master key is never used directly outside AES-GCM.
func DeriveSubkey(masterKey []byte, info string) ([]byte, error) {
	if len(masterKey) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	reader := hkdf.New(sha256.New, masterKey, nil, []byte(info))
	subkey := make([]byte, KeyLength)
	if _, err := io.ReadFull(reader, subkey); err != nil {
		return nil, fmt.Errorf("crypto: failed to derive subkey: %w", err)
	}
	return subkey, nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive keeps b "in use" after the loop so the writes stay.
	runtime.KeepAlive(b)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}
